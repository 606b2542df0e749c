package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestProfile is a helper that inserts a profile and returns it.
func createTestProfile(t *testing.T, s *SQLiteStore, username string) *Profile {
	t.Helper()
	p := &Profile{
		ID:          uuid.New().String(),
		Username:    username,
		DisplayName: username,
		Role:        "user",
		TrialEndsAt: time.Now().Add(14 * 24 * time.Hour),
		CreatedAt:   time.Now(),
	}
	if err := s.CreateProfile(context.Background(), p); err != nil {
		t.Fatalf("createTestProfile(%s): %v", username, err)
	}
	return p
}

func TestProfileLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProfile(t, s, "ana")

	got, err := s.GetProfile(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Username != "ana" {
		t.Fatalf("GetProfile = %+v", got)
	}

	got, err = s.GetProfileByUsername(ctx, "ana")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != p.ID {
		t.Fatalf("GetProfileByUsername = %+v", got)
	}

	// Missing profiles return nil without error.
	got, err = s.GetProfile(ctx, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing profile, got %+v", got)
	}
}

func TestStripeCustomerLinkage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProfile(t, s, "ben")
	if err := s.SetStripeCustomerID(ctx, p.ID, "cus_123"); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetProfileByStripeCustomer(ctx, "cus_123")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != p.ID {
		t.Fatalf("GetProfileByStripeCustomer = %+v", got)
	}

	got, err = s.GetProfileByStripeCustomer(ctx, "cus_other")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown customer, got %+v", got)
	}
}

func TestMarkEarlyBirdRedeemed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProfile(t, s, "carla")
	if err := s.MarkEarlyBirdRedeemed(ctx, p.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetProfile(ctx, p.ID)
	if !got.EarlyBirdRedeemed {
		t.Fatal("expected early_bird_redeemed to be set")
	}
}

func TestUpsertSubscription(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProfile(t, s, "dora")

	sub := &Subscription{
		ID:                   uuid.New().String(),
		UserID:               p.ID,
		Tier:                 "growth",
		Status:               "trialing",
		StripeCustomerID:     "cus_d",
		StripeSubscriptionID: "sub_d",
		CurrentPeriodEnd:     time.Now().Add(28 * 24 * time.Hour),
		UpdatedAt:            time.Now(),
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	// Second upsert for the same user replaces the row.
	sub2 := *sub
	sub2.ID = uuid.New().String()
	sub2.Tier = "pro"
	sub2.Status = "active"
	if err := s.UpsertSubscription(ctx, &sub2); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSubscription(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != "pro" || got.Status != "active" {
		t.Fatalf("after upsert: tier=%s status=%s", got.Tier, got.Status)
	}
	// The row keeps the original primary key.
	if got.ID != sub.ID {
		t.Fatalf("expected row id %s, got %s", sub.ID, got.ID)
	}
}

func TestLifetimeGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProfile(t, s, "eli")

	lifetime := &Subscription{
		ID:               uuid.New().String(),
		UserID:           p.ID,
		Tier:             "lifetime",
		Status:           "active",
		IsLifetime:       true,
		CurrentPeriodEnd: LifetimePeriodEnd,
		UpdatedAt:        time.Now(),
	}
	if err := s.UpsertSubscription(ctx, lifetime); err != nil {
		t.Fatal(err)
	}

	// A later recurring-subscription event must not displace a lifetime
	// entitlement.
	late := &Subscription{
		ID:        uuid.New().String(),
		UserID:    p.ID,
		Tier:      "essential",
		Status:    "canceled",
		UpdatedAt: time.Now(),
	}
	if err := s.UpsertSubscription(ctx, late); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSubscription(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Tier != "lifetime" || got.Status != "active" || !got.IsLifetime {
		t.Fatalf("lifetime row was modified: %+v", got)
	}

	// Status updates by stripe subscription id are also blocked.
	if err := s.UpdateSubscriptionByStripeID(ctx, "", "past_due"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetSubscription(ctx, p.ID)
	if got.Status != "active" {
		t.Fatalf("lifetime status changed to %s", got.Status)
	}
}

func TestUpdateSubscriptionByStripeID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProfile(t, s, "fred")
	sub := &Subscription{
		ID:                   uuid.New().String(),
		UserID:               p.ID,
		Tier:                 "essential",
		Status:               "active",
		StripeSubscriptionID: "sub_f",
		UpdatedAt:            time.Now(),
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateSubscriptionByStripeID(ctx, "sub_f", "past_due"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetSubscription(ctx, p.ID)
	if got.Status != "past_due" {
		t.Fatalf("status = %s, want past_due", got.Status)
	}
}

func TestSyncPlans(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	plans := []Plan{
		{Key: "growth_28d", Tier: "growth", Period: "28d", StripePriceID: "price_1"},
		{Key: "lifetime", Tier: "lifetime", Period: "lifetime", StripePriceID: "price_2"},
	}
	if err := s.SyncPlans(ctx, plans); err != nil {
		t.Fatal(err)
	}

	// Re-sync with a changed price id updates in place.
	plans[0].StripePriceID = "price_1b"
	if err := s.SyncPlans(ctx, plans); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListPlans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(got))
	}
	if got[0].Key != "growth_28d" || got[0].StripePriceID != "price_1b" {
		t.Fatalf("plans[0] = %+v", got[0])
	}
}

func TestFortuneCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProfile(t, s, "gina")
	now := time.Now().UTC()

	f := &Fortune{
		ID:       uuid.New().String(),
		UserID:   p.ID,
		Category: "health",
		Note:     "morning run felt easy",
		LoggedAt: now,
	}
	if err := s.CreateFortune(ctx, f); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListFortunes(ctx, p.ID, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Note != "morning run felt easy" {
		t.Fatalf("ListFortunes = %+v", list)
	}

	count, err := s.CountFortunes(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("CountFortunes = %d", count)
	}

	// Deleting requires matching owner.
	other := createTestProfile(t, s, "hank")
	if err := s.DeleteFortune(ctx, f.ID, other.ID); err == nil {
		t.Fatal("expected error deleting another user's fortune")
	}
	if err := s.DeleteFortune(ctx, f.ID, p.ID); err != nil {
		t.Fatal(err)
	}
	count, _ = s.CountFortunes(ctx, p.ID)
	if count != 0 {
		t.Fatalf("CountFortunes after delete = %d", count)
	}
}

func TestFortuneDayStreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProfile(t, s, "iris")
	today := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// Fortunes today, yesterday and the day before; then a gap.
	for _, daysAgo := range []int{0, 0, 1, 2, 4} {
		f := &Fortune{
			ID:       uuid.New().String(),
			UserID:   p.ID,
			LoggedAt: today.AddDate(0, 0, -daysAgo),
		}
		if err := s.CreateFortune(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	streak, err := s.FortuneDayStreak(ctx, p.ID, today)
	if err != nil {
		t.Fatal(err)
	}
	if streak != 3 {
		t.Fatalf("streak = %d, want 3", streak)
	}
}

func TestCountStreak(t *testing.T) {
	today := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		days []string
		want int
	}{
		{"empty", nil, 0},
		{"today only", []string{"2026-03-10"}, 1},
		{"anchored yesterday", []string{"2026-03-09", "2026-03-08"}, 2},
		{"stale", []string{"2026-03-07"}, 0},
		{"gap breaks run", []string{"2026-03-10", "2026-03-09", "2026-03-07"}, 2},
	}
	for _, tc := range cases {
		if got := countStreak(tc.days, today); got != tc.want {
			t.Errorf("%s: countStreak = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestJournalUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := createTestProfile(t, s, "jana")
	e := &JournalEntry{
		ID:         uuid.New().String(),
		UserID:     p.ID,
		EntryDate:  "2026-03-10",
		Mood:       4,
		Energy:     3,
		SleepHours: 7.5,
		Tags:       `["exercise","sunlight"]`,
		Body:       "good day",
		UpdatedAt:  time.Now(),
	}
	if err := s.UpsertJournalEntry(ctx, e); err != nil {
		t.Fatal(err)
	}

	// Second write for the same day replaces the entry.
	e2 := *e
	e2.ID = uuid.New().String()
	e2.Mood = 2
	if err := s.UpsertJournalEntry(ctx, &e2); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetJournalEntry(ctx, p.ID, "2026-03-10")
	if err != nil {
		t.Fatal(err)
	}
	if got.Mood != 2 || got.SleepHours != 7.5 {
		t.Fatalf("GetJournalEntry = %+v", got)
	}

	list, err := s.ListJournalEntries(ctx, p.ID, "2026-03-01", "2026-03-31")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(list))
	}
}

func TestAchievementSeedAndUnlock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	all, err := s.ListAchievements(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(AchievementCatalog) {
		t.Fatalf("expected %d achievements, got %d", len(AchievementCatalog), len(all))
	}

	p := createTestProfile(t, s, "kim")
	ua := &UserAchievement{UserID: p.ID, AchievementID: "first_fortune", UnlockedAt: time.Now()}
	if err := s.UnlockAchievement(ctx, ua); err != nil {
		t.Fatal(err)
	}
	// Unlocking twice is a no-op.
	if err := s.UnlockAchievement(ctx, ua); err != nil {
		t.Fatal(err)
	}

	unlocks, err := s.ListUserAchievements(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(unlocks) != 1 {
		t.Fatalf("expected 1 unlock, got %d", len(unlocks))
	}
}

func TestGroupsAndLeaderboard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	owner := createTestProfile(t, s, "lena")
	member := createTestProfile(t, s, "mo")

	g := &Group{
		ID:        uuid.New().String(),
		Name:      "morning crew",
		JoinCode:  "ABC123",
		OwnerID:   owner.ID,
		CreatedAt: time.Now(),
	}
	if err := s.CreateGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := s.AddGroupMember(ctx, g.ID, owner.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.AddGroupMember(ctx, g.ID, member.ID); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetGroupByJoinCode(ctx, "ABC123")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != g.ID {
		t.Fatalf("GetGroupByJoinCode = %+v", got)
	}

	ok, err := s.IsGroupMember(ctx, g.ID, member.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected member to be in group")
	}

	n, err := s.CountGroupsOwnedBy(ctx, owner.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("CountGroupsOwnedBy = %d", n)
	}

	// Member logs two fortunes, owner one; leaderboard ranks member first.
	now := time.Now().UTC()
	for i, uid := range []string{member.ID, member.ID, owner.ID} {
		f := &Fortune{ID: uuid.New().String(), UserID: uid, LoggedAt: now.Add(time.Duration(i) * time.Minute)}
		if err := s.CreateFortune(ctx, f); err != nil {
			t.Fatal(err)
		}
	}
	board, err := s.GroupLeaderboard(ctx, g.ID, now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(board) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(board))
	}
	if board[0].UserID != member.ID || board[0].Fortunes != 2 {
		t.Fatalf("board[0] = %+v", board[0])
	}

	if err := s.RemoveGroupMember(ctx, g.ID, member.ID); err != nil {
		t.Fatal(err)
	}
	ok, _ = s.IsGroupMember(ctx, g.ID, member.ID)
	if ok {
		t.Fatal("expected member removed")
	}
}

func TestMarkWebhookEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seen, err := s.WebhookEventSeen(ctx, "evt_1")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Fatal("unmarked event reported as seen")
	}

	dup, err := s.MarkWebhookEvent(ctx, "evt_1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Fatal("first delivery flagged as duplicate")
	}

	seen, err = s.WebhookEventSeen(ctx, "evt_1")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Fatal("marked event not reported as seen")
	}

	dup, err = s.MarkWebhookEvent(ctx, "evt_1", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Fatal("second delivery not flagged as duplicate")
	}

	purged, err := s.PurgeOldWebhookEvents(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
}

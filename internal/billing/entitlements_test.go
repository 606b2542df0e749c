package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fortunemagnet/fortunemagnet/internal/store"
)

func newEntitlementsFixture(t *testing.T) (*Entitlements, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return NewEntitlements(s), s
}

func entitlementProfile(t *testing.T, s *store.SQLiteStore, trialEnds time.Time) *store.Profile {
	t.Helper()
	p := &store.Profile{
		ID:          uuid.New().String(),
		Username:    uuid.New().String()[:8],
		Role:        "user",
		TrialEndsAt: trialEnds,
		CreatedAt:   time.Now(),
	}
	if err := s.CreateProfile(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFeaturesDuringTrial(t *testing.T) {
	e, s := newEntitlementsFixture(t)
	ctx := context.Background()

	p := entitlementProfile(t, s, time.Now().Add(7*24*time.Hour))
	f, err := e.Features(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Active || f.Tier != TierEssential || f.Status != StatusTrialing {
		t.Fatalf("features = %+v", f)
	}
	if err := e.CheckAccess(ctx, p); err != nil {
		t.Fatal(err)
	}
}

func TestExpiredTrialBlocksAccess(t *testing.T) {
	e, s := newEntitlementsFixture(t)
	ctx := context.Background()

	p := entitlementProfile(t, s, time.Now().Add(-time.Hour))
	f, err := e.Features(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if f.Active {
		t.Fatalf("expected inactive, got %+v", f)
	}
	if err := e.CheckAccess(ctx, p); err != ErrTrialExpired {
		t.Fatalf("err = %v, want ErrTrialExpired", err)
	}
}

func TestSubscriptionOverridesTrial(t *testing.T) {
	e, s := newEntitlementsFixture(t)
	ctx := context.Background()

	p := entitlementProfile(t, s, time.Now().Add(-time.Hour))
	sub := &store.Subscription{
		ID:        uuid.New().String(),
		UserID:    p.ID,
		Tier:      TierGrowth,
		Status:    StatusActive,
		UpdatedAt: time.Now(),
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	f, err := e.Features(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if !f.Active || f.Tier != TierGrowth || !f.Limits.AdvancedInsights {
		t.Fatalf("features = %+v", f)
	}

	// past_due suspends access.
	sub.Status = StatusPastDue
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if err := e.CheckAccess(ctx, p); err != ErrTrialExpired {
		t.Fatalf("err = %v, want ErrTrialExpired", err)
	}
}

func TestGroupLimit(t *testing.T) {
	e, s := newEntitlementsFixture(t)
	ctx := context.Background()

	// Essential allows one owned group.
	p := entitlementProfile(t, s, time.Now().Add(7*24*time.Hour))
	if err := e.CheckGroupLimit(ctx, p); err != nil {
		t.Fatal(err)
	}

	g := &store.Group{
		ID:        uuid.New().String(),
		Name:      "first",
		JoinCode:  "FIRST1",
		OwnerID:   p.ID,
		CreatedAt: time.Now(),
	}
	if err := s.CreateGroup(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := e.CheckGroupLimit(ctx, p); err != ErrGroupLimit {
		t.Fatalf("err = %v, want ErrGroupLimit", err)
	}

	// Pro is unlimited.
	sub := &store.Subscription{
		ID:        uuid.New().String(),
		UserID:    p.ID,
		Tier:      TierPro,
		Status:    StatusActive,
		UpdatedAt: time.Now(),
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if err := e.CheckGroupLimit(ctx, p); err != nil {
		t.Fatal(err)
	}
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data. Without this, each pooled connection gets a separate
	// empty database.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			early_bird_redeemed INTEGER NOT NULL DEFAULT 0,
			trial_ends_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_stripe_customer ON profiles(stripe_customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_external_id ON profiles(external_id)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE REFERENCES profiles(id),
			tier TEXT NOT NULL,
			status TEXT NOT NULL,
			is_lifetime INTEGER NOT NULL DEFAULT 0,
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			stripe_subscription_id TEXT NOT NULL DEFAULT '',
			stripe_price_id TEXT NOT NULL DEFAULT '',
			current_period_start DATETIME,
			current_period_end DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_stripe_sub ON subscriptions(stripe_subscription_id)`,
		`CREATE TABLE IF NOT EXISTS plans (
			key TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			period TEXT NOT NULL,
			early_bird INTEGER NOT NULL DEFAULT 0,
			stripe_price_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fortunes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES profiles(id),
			category TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			logged_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fortunes_user_logged ON fortunes(user_id, logged_at)`,
		`CREATE TABLE IF NOT EXISTS journal_entries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES profiles(id),
			entry_date TEXT NOT NULL,
			mood INTEGER NOT NULL DEFAULT 0,
			energy INTEGER NOT NULL DEFAULT 0,
			sleep_hours REAL NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '[]',
			body TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, entry_date)
		)`,
		`CREATE TABLE IF NOT EXISTS achievements (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			threshold INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS user_achievements (
			user_id TEXT NOT NULL REFERENCES profiles(id),
			achievement_id TEXT NOT NULL REFERENCES achievements(id),
			unlocked_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, achievement_id)
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			join_code TEXT UNIQUE NOT NULL,
			owner_id TEXT NOT NULL REFERENCES profiles(id),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL REFERENCES groups(id),
			user_id TEXT NOT NULL REFERENCES profiles(id),
			joined_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (group_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id TEXT PRIMARY KEY,
			handled_at DATETIME NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	return s.seedAchievements()
}

// seedAchievements inserts the fixed badge catalog. Idempotent.
func (s *SQLiteStore) seedAchievements() error {
	for _, a := range AchievementCatalog {
		_, err := s.db.Exec(
			`INSERT INTO achievements (id, name, description, kind, threshold) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			a.ID, a.Name, a.Description, a.Kind, a.Threshold,
		)
		if err != nil {
			return fmt.Errorf("seed achievement %s: %w", a.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Profiles ---

func (s *SQLiteStore) CreateProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, external_id, username, password_hash, display_name, role, stripe_customer_id, early_bird_redeemed, trial_ends_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ExternalID, p.Username, p.PasswordHash, p.DisplayName, p.Role,
		p.StripeCustomerID, p.EarlyBirdRedeemed, p.TrialEndsAt, p.CreatedAt,
	)
	return err
}

const profileCols = `id, external_id, username, password_hash, display_name, role, stripe_customer_id, early_bird_redeemed, trial_ends_at, created_at`

func scanProfile(row *sql.Row) (*Profile, error) {
	var p Profile
	err := row.Scan(&p.ID, &p.ExternalID, &p.Username, &p.PasswordHash, &p.DisplayName,
		&p.Role, &p.StripeCustomerID, &p.EarlyBirdRedeemed, &p.TrialEndsAt, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	return scanProfile(s.db.QueryRowContext(ctx,
		"SELECT "+profileCols+" FROM profiles WHERE id = ?", id))
}

func (s *SQLiteStore) GetProfileByUsername(ctx context.Context, username string) (*Profile, error) {
	return scanProfile(s.db.QueryRowContext(ctx,
		"SELECT "+profileCols+" FROM profiles WHERE username = ?", username))
}

func (s *SQLiteStore) GetProfileByExternalID(ctx context.Context, externalID string) (*Profile, error) {
	return scanProfile(s.db.QueryRowContext(ctx,
		"SELECT "+profileCols+" FROM profiles WHERE external_id = ?", externalID))
}

func (s *SQLiteStore) GetProfileByStripeCustomer(ctx context.Context, customerID string) (*Profile, error) {
	return scanProfile(s.db.QueryRowContext(ctx,
		"SELECT "+profileCols+" FROM profiles WHERE stripe_customer_id = ?", customerID))
}

func (s *SQLiteStore) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET stripe_customer_id = ? WHERE id = ?", customerID, userID)
	return err
}

func (s *SQLiteStore) MarkEarlyBirdRedeemed(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET early_bird_redeemed = 1 WHERE id = ?", userID)
	return err
}

// --- Subscriptions ---

func (s *SQLiteStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, tier, status, is_lifetime, stripe_customer_id, stripe_subscription_id, stripe_price_id, current_period_start, current_period_end, updated_at
		 FROM subscriptions WHERE user_id = ?`, userID,
	).Scan(&sub.ID, &sub.UserID, &sub.Tier, &sub.Status, &sub.IsLifetime,
		&sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.StripePriceID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpsertSubscription writes the one subscription row per user. The conflict
// clause carries the lifetime guard: a row that is already lifetime-active is
// never modified, so the terminal state survives concurrent webhook delivery
// without a separate read.
func (s *SQLiteStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, user_id, tier, status, is_lifetime, stripe_customer_id, stripe_subscription_id, stripe_price_id, current_period_start, current_period_end, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   tier = excluded.tier,
		   status = excluded.status,
		   is_lifetime = excluded.is_lifetime,
		   stripe_customer_id = excluded.stripe_customer_id,
		   stripe_subscription_id = excluded.stripe_subscription_id,
		   stripe_price_id = excluded.stripe_price_id,
		   current_period_start = excluded.current_period_start,
		   current_period_end = excluded.current_period_end,
		   updated_at = excluded.updated_at
		 WHERE NOT (subscriptions.is_lifetime AND subscriptions.status = 'active')`,
		sub.ID, sub.UserID, sub.Tier, sub.Status, sub.IsLifetime,
		sub.StripeCustomerID, sub.StripeSubscriptionID, sub.StripePriceID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) UpdateSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, updated_at = ?
		 WHERE stripe_subscription_id = ?
		   AND NOT (is_lifetime AND status = 'active')`,
		status, time.Now(), stripeSubscriptionID,
	)
	return err
}

// --- Plans ---

func (s *SQLiteStore) SyncPlans(ctx context.Context, plans []Plan) error {
	for _, p := range plans {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO plans (key, tier, period, early_bird, stripe_price_id) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   tier = excluded.tier,
			   period = excluded.period,
			   early_bird = excluded.early_bird,
			   stripe_price_id = excluded.stripe_price_id`,
			p.Key, p.Tier, p.Period, p.EarlyBird, p.StripePriceID,
		)
		if err != nil {
			return fmt.Errorf("sync plan %s: %w", p.Key, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListPlans(ctx context.Context) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, tier, period, early_bird, stripe_price_id FROM plans ORDER BY key")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.Key, &p.Tier, &p.Period, &p.EarlyBird, &p.StripePriceID); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// --- Fortunes ---

func (s *SQLiteStore) CreateFortune(ctx context.Context, f *Fortune) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO fortunes (id, user_id, category, note, logged_at) VALUES (?, ?, ?, ?, ?)",
		f.ID, f.UserID, f.Category, f.Note, f.LoggedAt,
	)
	return err
}

func (s *SQLiteStore) GetFortune(ctx context.Context, id string) (*Fortune, error) {
	var f Fortune
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, category, note, logged_at FROM fortunes WHERE id = ?", id,
	).Scan(&f.ID, &f.UserID, &f.Category, &f.Note, &f.LoggedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *SQLiteStore) ListFortunes(ctx context.Context, userID string, from, to time.Time) ([]Fortune, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, category, note, logged_at FROM fortunes
		 WHERE user_id = ? AND logged_at >= ? AND logged_at < ?
		 ORDER BY logged_at DESC`,
		userID, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fortunes []Fortune
	for rows.Next() {
		var f Fortune
		if err := rows.Scan(&f.ID, &f.UserID, &f.Category, &f.Note, &f.LoggedAt); err != nil {
			return nil, err
		}
		fortunes = append(fortunes, f)
	}
	return fortunes, rows.Err()
}

func (s *SQLiteStore) DeleteFortune(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM fortunes WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) CountFortunes(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fortunes WHERE user_id = ?", userID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) CountFortunesSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fortunes WHERE user_id = ? AND logged_at >= ?", userID, since).Scan(&count)
	return count, err
}

// FortuneDayStreak counts consecutive calendar days ending today (or
// yesterday, if today has no fortune yet) on which the user logged at least
// one fortune.
func (s *SQLiteStore) FortuneDayStreak(ctx context.Context, userID string, today time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT date(logged_at) FROM fortunes WHERE user_id = ? ORDER BY 1 DESC LIMIT 366`,
		userID,
	)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return 0, err
		}
		days = append(days, d)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	return countStreak(days, today), nil
}

// countStreak walks a descending list of YYYY-MM-DD strings and counts the
// run of consecutive days anchored at today or yesterday.
func countStreak(days []string, today time.Time) int {
	if len(days) == 0 {
		return 0
	}
	day := today.Truncate(24 * time.Hour)
	anchor := day.Format("2006-01-02")
	yesterday := day.AddDate(0, 0, -1).Format("2006-01-02")
	if days[0] != anchor && days[0] != yesterday {
		return 0
	}
	expect, _ := time.Parse("2006-01-02", days[0])
	streak := 0
	for _, d := range days {
		if d != expect.Format("2006-01-02") {
			break
		}
		streak++
		expect = expect.AddDate(0, 0, -1)
	}
	return streak
}

// --- Journal ---

func (s *SQLiteStore) UpsertJournalEntry(ctx context.Context, e *JournalEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal_entries (id, user_id, entry_date, mood, energy, sleep_hours, tags, body, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, entry_date) DO UPDATE SET
		   mood = excluded.mood,
		   energy = excluded.energy,
		   sleep_hours = excluded.sleep_hours,
		   tags = excluded.tags,
		   body = excluded.body,
		   updated_at = excluded.updated_at`,
		e.ID, e.UserID, e.EntryDate, e.Mood, e.Energy, e.SleepHours, e.Tags, e.Body, e.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) GetJournalEntry(ctx context.Context, userID, entryDate string) (*JournalEntry, error) {
	var e JournalEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, entry_date, mood, energy, sleep_hours, tags, body, updated_at
		 FROM journal_entries WHERE user_id = ? AND entry_date = ?`, userID, entryDate,
	).Scan(&e.ID, &e.UserID, &e.EntryDate, &e.Mood, &e.Energy, &e.SleepHours, &e.Tags, &e.Body, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) ListJournalEntries(ctx context.Context, userID string, from, to string) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, entry_date, mood, energy, sleep_hours, tags, body, updated_at
		 FROM journal_entries
		 WHERE user_id = ? AND entry_date >= ? AND entry_date <= ?
		 ORDER BY entry_date DESC`,
		userID, from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.EntryDate, &e.Mood, &e.Energy,
			&e.SleepHours, &e.Tags, &e.Body, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) DeleteJournalEntry(ctx context.Context, userID, entryDate string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM journal_entries WHERE user_id = ? AND entry_date = ?", userID, entryDate)
	return err
}

// --- Achievements ---

func (s *SQLiteStore) ListAchievements(ctx context.Context) ([]Achievement, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, description, kind, threshold FROM achievements ORDER BY threshold")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var achievements []Achievement
	for rows.Next() {
		var a Achievement
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.Kind, &a.Threshold); err != nil {
			return nil, err
		}
		achievements = append(achievements, a)
	}
	return achievements, rows.Err()
}

func (s *SQLiteStore) ListUserAchievements(ctx context.Context, userID string) ([]UserAchievement, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, achievement_id, unlocked_at FROM user_achievements WHERE user_id = ? ORDER BY unlocked_at",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var unlocks []UserAchievement
	for rows.Next() {
		var ua UserAchievement
		if err := rows.Scan(&ua.UserID, &ua.AchievementID, &ua.UnlockedAt); err != nil {
			return nil, err
		}
		unlocks = append(unlocks, ua)
	}
	return unlocks, rows.Err()
}

func (s *SQLiteStore) UnlockAchievement(ctx context.Context, ua *UserAchievement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_achievements (user_id, achievement_id, unlocked_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, achievement_id) DO NOTHING`,
		ua.UserID, ua.AchievementID, ua.UnlockedAt,
	)
	return err
}

// --- Groups ---

func (s *SQLiteStore) CreateGroup(ctx context.Context, g *Group) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO groups (id, name, join_code, owner_id, created_at) VALUES (?, ?, ?, ?, ?)",
		g.ID, g.Name, g.JoinCode, g.OwnerID, g.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, join_code, owner_id, created_at FROM groups WHERE id = ?", id,
	).Scan(&g.ID, &g.Name, &g.JoinCode, &g.OwnerID, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *SQLiteStore) GetGroupByJoinCode(ctx context.Context, code string) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, join_code, owner_id, created_at FROM groups WHERE join_code = ?", code,
	).Scan(&g.ID, &g.Name, &g.JoinCode, &g.OwnerID, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *SQLiteStore) ListGroupsByUser(ctx context.Context, userID string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id, g.name, g.join_code, g.owner_id, g.created_at
		 FROM groups g JOIN group_members m ON m.group_id = g.id
		 WHERE m.user_id = ? ORDER BY g.created_at`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Name, &g.JoinCode, &g.OwnerID, &g.CreatedAt); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func (s *SQLiteStore) CountGroupsOwnedBy(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM groups WHERE owner_id = ?", userID).Scan(&count)
	return count, err
}

func (s *SQLiteStore) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)
		 ON CONFLICT(group_id, user_id) DO NOTHING`,
		groupID, userID, time.Now(),
	)
	return err
}

func (s *SQLiteStore) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM group_members WHERE group_id = ? AND user_id = ?", groupID, userID)
	return err
}

func (s *SQLiteStore) ListGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.group_id, m.user_id, p.display_name, m.joined_at
		 FROM group_members m JOIN profiles p ON p.id = m.user_id
		 WHERE m.group_id = ? ORDER BY m.joined_at`,
		groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []GroupMember
	for rows.Next() {
		var m GroupMember
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.DisplayName, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLiteStore) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM group_members WHERE group_id = ? AND user_id = ?",
		groupID, userID).Scan(&count)
	return count > 0, err
}

func (s *SQLiteStore) GroupLeaderboard(ctx context.Context, groupID string, since time.Time) ([]LeaderboardRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.user_id, p.display_name,
		        (SELECT COUNT(*) FROM fortunes f WHERE f.user_id = m.user_id AND f.logged_at >= ?) AS n
		 FROM group_members m JOIN profiles p ON p.id = m.user_id
		 WHERE m.group_id = ?
		 ORDER BY n DESC, p.display_name`,
		since, groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var board []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.UserID, &r.DisplayName, &r.Fortunes); err != nil {
			return nil, err
		}
		board = append(board, r)
	}
	return board, rows.Err()
}

// --- Webhook events ---

func (s *SQLiteStore) WebhookEventSeen(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM webhook_events WHERE event_id = ?", eventID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkWebhookEvent(ctx context.Context, eventID string, handledAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, handled_at) VALUES (?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		eventID, handledAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (s *SQLiteStore) PurgeOldWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM webhook_events WHERE handled_at < ?", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

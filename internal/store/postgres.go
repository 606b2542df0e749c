package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL DEFAULT '',
			username TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			early_bird_redeemed BOOLEAN NOT NULL DEFAULT FALSE,
			trial_ends_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_stripe_customer ON profiles(stripe_customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_external_id ON profiles(external_id)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE REFERENCES profiles(id),
			tier TEXT NOT NULL,
			status TEXT NOT NULL,
			is_lifetime BOOLEAN NOT NULL DEFAULT FALSE,
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			stripe_subscription_id TEXT NOT NULL DEFAULT '',
			stripe_price_id TEXT NOT NULL DEFAULT '',
			current_period_start TIMESTAMPTZ,
			current_period_end TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_stripe_sub ON subscriptions(stripe_subscription_id)`,
		`CREATE TABLE IF NOT EXISTS plans (
			key TEXT PRIMARY KEY,
			tier TEXT NOT NULL,
			period TEXT NOT NULL,
			early_bird BOOLEAN NOT NULL DEFAULT FALSE,
			stripe_price_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fortunes (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES profiles(id),
			category TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT '',
			logged_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fortunes_user_logged ON fortunes(user_id, logged_at)`,
		`CREATE TABLE IF NOT EXISTS journal_entries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES profiles(id),
			entry_date TEXT NOT NULL,
			mood INTEGER NOT NULL DEFAULT 0,
			energy INTEGER NOT NULL DEFAULT 0,
			sleep_hours DOUBLE PRECISION NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '[]',
			body TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
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
			unlocked_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, achievement_id)
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			join_code TEXT UNIQUE NOT NULL,
			owner_id TEXT NOT NULL REFERENCES profiles(id),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id TEXT NOT NULL REFERENCES groups(id),
			user_id TEXT NOT NULL REFERENCES profiles(id),
			joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (group_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id TEXT PRIMARY KEY,
			handled_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}

	for _, a := range AchievementCatalog {
		_, err := s.db.Exec(
			`INSERT INTO achievements (id, name, description, kind, threshold) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT(id) DO NOTHING`,
			a.ID, a.Name, a.Description, a.Kind, a.Threshold,
		)
		if err != nil {
			return fmt.Errorf("seed achievement %s: %w", a.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- Profiles ---

func (s *PostgresStore) CreateProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, external_id, username, password_hash, display_name, role, stripe_customer_id, early_bird_redeemed, trial_ends_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.ExternalID, p.Username, p.PasswordHash, p.DisplayName, p.Role,
		p.StripeCustomerID, p.EarlyBirdRedeemed, p.TrialEndsAt, p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) getProfile(ctx context.Context, where string, arg any) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx,
		"SELECT "+profileCols+" FROM profiles WHERE "+where, arg,
	).Scan(&p.ID, &p.ExternalID, &p.Username, &p.PasswordHash, &p.DisplayName,
		&p.Role, &p.StripeCustomerID, &p.EarlyBirdRedeemed, &p.TrialEndsAt, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	return s.getProfile(ctx, "id = $1", id)
}

func (s *PostgresStore) GetProfileByUsername(ctx context.Context, username string) (*Profile, error) {
	return s.getProfile(ctx, "username = $1", username)
}

func (s *PostgresStore) GetProfileByExternalID(ctx context.Context, externalID string) (*Profile, error) {
	return s.getProfile(ctx, "external_id = $1", externalID)
}

func (s *PostgresStore) GetProfileByStripeCustomer(ctx context.Context, customerID string) (*Profile, error) {
	return s.getProfile(ctx, "stripe_customer_id = $1", customerID)
}

func (s *PostgresStore) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET stripe_customer_id = $1 WHERE id = $2", customerID, userID)
	return err
}

func (s *PostgresStore) MarkEarlyBirdRedeemed(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET early_bird_redeemed = TRUE WHERE id = $1", userID)
	return err
}

// --- Subscriptions ---

func (s *PostgresStore) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var sub Subscription
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, tier, status, is_lifetime, stripe_customer_id, stripe_subscription_id, stripe_price_id, current_period_start, current_period_end, updated_at
		 FROM subscriptions WHERE user_id = $1`, userID,
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

func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, user_id, tier, status, is_lifetime, stripe_customer_id, stripe_subscription_id, stripe_price_id, current_period_start, current_period_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT(user_id) DO UPDATE SET
		   tier = EXCLUDED.tier,
		   status = EXCLUDED.status,
		   is_lifetime = EXCLUDED.is_lifetime,
		   stripe_customer_id = EXCLUDED.stripe_customer_id,
		   stripe_subscription_id = EXCLUDED.stripe_subscription_id,
		   stripe_price_id = EXCLUDED.stripe_price_id,
		   current_period_start = EXCLUDED.current_period_start,
		   current_period_end = EXCLUDED.current_period_end,
		   updated_at = EXCLUDED.updated_at
		 WHERE NOT (subscriptions.is_lifetime AND subscriptions.status = 'active')`,
		sub.ID, sub.UserID, sub.Tier, sub.Status, sub.IsLifetime,
		sub.StripeCustomerID, sub.StripeSubscriptionID, sub.StripePriceID,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) UpdateSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = $1, updated_at = $2
		 WHERE stripe_subscription_id = $3
		   AND NOT (is_lifetime AND status = 'active')`,
		status, time.Now(), stripeSubscriptionID,
	)
	return err
}

// --- Plans ---

func (s *PostgresStore) SyncPlans(ctx context.Context, plans []Plan) error {
	for _, p := range plans {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO plans (key, tier, period, early_bird, stripe_price_id) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT(key) DO UPDATE SET
			   tier = EXCLUDED.tier,
			   period = EXCLUDED.period,
			   early_bird = EXCLUDED.early_bird,
			   stripe_price_id = EXCLUDED.stripe_price_id`,
			p.Key, p.Tier, p.Period, p.EarlyBird, p.StripePriceID,
		)
		if err != nil {
			return fmt.Errorf("sync plan %s: %w", p.Key, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListPlans(ctx context.Context) ([]Plan, error) {
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

func (s *PostgresStore) CreateFortune(ctx context.Context, f *Fortune) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO fortunes (id, user_id, category, note, logged_at) VALUES ($1, $2, $3, $4, $5)",
		f.ID, f.UserID, f.Category, f.Note, f.LoggedAt,
	)
	return err
}

func (s *PostgresStore) GetFortune(ctx context.Context, id string) (*Fortune, error) {
	var f Fortune
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, category, note, logged_at FROM fortunes WHERE id = $1", id,
	).Scan(&f.ID, &f.UserID, &f.Category, &f.Note, &f.LoggedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *PostgresStore) ListFortunes(ctx context.Context, userID string, from, to time.Time) ([]Fortune, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, category, note, logged_at FROM fortunes
		 WHERE user_id = $1 AND logged_at >= $2 AND logged_at < $3
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

func (s *PostgresStore) DeleteFortune(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM fortunes WHERE id = $1 AND user_id = $2", id, userID)
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

func (s *PostgresStore) CountFortunes(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fortunes WHERE user_id = $1", userID).Scan(&count)
	return count, err
}

func (s *PostgresStore) CountFortunesSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM fortunes WHERE user_id = $1 AND logged_at >= $2", userID, since).Scan(&count)
	return count, err
}

func (s *PostgresStore) FortuneDayStreak(ctx context.Context, userID string, today time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT to_char(logged_at, 'YYYY-MM-DD') FROM fortunes WHERE user_id = $1 ORDER BY 1 DESC LIMIT 366`,
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

// --- Journal ---

func (s *PostgresStore) UpsertJournalEntry(ctx context.Context, e *JournalEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO journal_entries (id, user_id, entry_date, mood, energy, sleep_hours, tags, body, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT(user_id, entry_date) DO UPDATE SET
		   mood = EXCLUDED.mood,
		   energy = EXCLUDED.energy,
		   sleep_hours = EXCLUDED.sleep_hours,
		   tags = EXCLUDED.tags,
		   body = EXCLUDED.body,
		   updated_at = EXCLUDED.updated_at`,
		e.ID, e.UserID, e.EntryDate, e.Mood, e.Energy, e.SleepHours, e.Tags, e.Body, e.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetJournalEntry(ctx context.Context, userID, entryDate string) (*JournalEntry, error) {
	var e JournalEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, entry_date, mood, energy, sleep_hours, tags, body, updated_at
		 FROM journal_entries WHERE user_id = $1 AND entry_date = $2`, userID, entryDate,
	).Scan(&e.ID, &e.UserID, &e.EntryDate, &e.Mood, &e.Energy, &e.SleepHours, &e.Tags, &e.Body, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) ListJournalEntries(ctx context.Context, userID string, from, to string) ([]JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, entry_date, mood, energy, sleep_hours, tags, body, updated_at
		 FROM journal_entries
		 WHERE user_id = $1 AND entry_date >= $2 AND entry_date <= $3
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

func (s *PostgresStore) DeleteJournalEntry(ctx context.Context, userID, entryDate string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM journal_entries WHERE user_id = $1 AND entry_date = $2", userID, entryDate)
	return err
}

// --- Achievements ---

func (s *PostgresStore) ListAchievements(ctx context.Context) ([]Achievement, error) {
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

func (s *PostgresStore) ListUserAchievements(ctx context.Context, userID string) ([]UserAchievement, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, achievement_id, unlocked_at FROM user_achievements WHERE user_id = $1 ORDER BY unlocked_at",
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

func (s *PostgresStore) UnlockAchievement(ctx context.Context, ua *UserAchievement) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_achievements (user_id, achievement_id, unlocked_at) VALUES ($1, $2, $3)
		 ON CONFLICT(user_id, achievement_id) DO NOTHING`,
		ua.UserID, ua.AchievementID, ua.UnlockedAt,
	)
	return err
}

// --- Groups ---

func (s *PostgresStore) CreateGroup(ctx context.Context, g *Group) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO groups (id, name, join_code, owner_id, created_at) VALUES ($1, $2, $3, $4, $5)",
		g.ID, g.Name, g.JoinCode, g.OwnerID, g.CreatedAt,
	)
	return err
}

func (s *PostgresStore) getGroup(ctx context.Context, where string, arg any) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, join_code, owner_id, created_at FROM groups WHERE "+where, arg,
	).Scan(&g.ID, &g.Name, &g.JoinCode, &g.OwnerID, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, id string) (*Group, error) {
	return s.getGroup(ctx, "id = $1", id)
}

func (s *PostgresStore) GetGroupByJoinCode(ctx context.Context, code string) (*Group, error) {
	return s.getGroup(ctx, "join_code = $1", code)
}

func (s *PostgresStore) ListGroupsByUser(ctx context.Context, userID string) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id, g.name, g.join_code, g.owner_id, g.created_at
		 FROM groups g JOIN group_members m ON m.group_id = g.id
		 WHERE m.user_id = $1 ORDER BY g.created_at`,
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

func (s *PostgresStore) CountGroupsOwnedBy(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM groups WHERE owner_id = $1", userID).Scan(&count)
	return count, err
}

func (s *PostgresStore) AddGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id, joined_at) VALUES ($1, $2, $3)
		 ON CONFLICT(group_id, user_id) DO NOTHING`,
		groupID, userID, time.Now(),
	)
	return err
}

func (s *PostgresStore) RemoveGroupMember(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM group_members WHERE group_id = $1 AND user_id = $2", groupID, userID)
	return err
}

func (s *PostgresStore) ListGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.group_id, m.user_id, p.display_name, m.joined_at
		 FROM group_members m JOIN profiles p ON p.id = m.user_id
		 WHERE m.group_id = $1 ORDER BY m.joined_at`,
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

func (s *PostgresStore) IsGroupMember(ctx context.Context, groupID, userID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM group_members WHERE group_id = $1 AND user_id = $2",
		groupID, userID).Scan(&count)
	return count > 0, err
}

func (s *PostgresStore) GroupLeaderboard(ctx context.Context, groupID string, since time.Time) ([]LeaderboardRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.user_id, p.display_name,
		        (SELECT COUNT(*) FROM fortunes f WHERE f.user_id = m.user_id AND f.logged_at >= $1) AS n
		 FROM group_members m JOIN profiles p ON p.id = m.user_id
		 WHERE m.group_id = $2
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

func (s *PostgresStore) WebhookEventSeen(ctx context.Context, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM webhook_events WHERE event_id = $1", eventID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkWebhookEvent(ctx context.Context, eventID string, handledAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (event_id, handled_at) VALUES ($1, $2)
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

func (s *PostgresStore) PurgeOldWebhookEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM webhook_events WHERE handled_at < $1", before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

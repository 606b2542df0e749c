// Package store defines the storage interface for the service and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"time"
)

// LifetimePeriodEnd is the far-future sentinel used as the period end of a
// lifetime entitlement.
var LifetimePeriodEnd = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// Store is the persistence interface for the service.
type Store interface {
	// Profiles
	CreateProfile(ctx context.Context, p *Profile) error
	GetProfile(ctx context.Context, id string) (*Profile, error)
	GetProfileByUsername(ctx context.Context, username string) (*Profile, error)
	GetProfileByExternalID(ctx context.Context, externalID string) (*Profile, error)
	GetProfileByStripeCustomer(ctx context.Context, customerID string) (*Profile, error)
	SetStripeCustomerID(ctx context.Context, userID, customerID string) error
	MarkEarlyBirdRedeemed(ctx context.Context, userID string) error

	// Subscriptions. Both mutators carry the lifetime guard: a row with
	// is_lifetime=true and status='active' is never modified by them.
	GetSubscription(ctx context.Context, userID string) (*Subscription, error)
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID, status string) error

	// Plans catalog
	SyncPlans(ctx context.Context, plans []Plan) error
	ListPlans(ctx context.Context) ([]Plan, error)

	// Fortunes
	CreateFortune(ctx context.Context, f *Fortune) error
	GetFortune(ctx context.Context, id string) (*Fortune, error)
	ListFortunes(ctx context.Context, userID string, from, to time.Time) ([]Fortune, error)
	DeleteFortune(ctx context.Context, id, userID string) error
	CountFortunes(ctx context.Context, userID string) (int, error)
	CountFortunesSince(ctx context.Context, userID string, since time.Time) (int, error)
	FortuneDayStreak(ctx context.Context, userID string, today time.Time) (int, error)

	// Journal
	UpsertJournalEntry(ctx context.Context, e *JournalEntry) error
	GetJournalEntry(ctx context.Context, userID, entryDate string) (*JournalEntry, error)
	ListJournalEntries(ctx context.Context, userID string, from, to string) ([]JournalEntry, error)
	DeleteJournalEntry(ctx context.Context, userID, entryDate string) error

	// Achievements
	ListAchievements(ctx context.Context) ([]Achievement, error)
	ListUserAchievements(ctx context.Context, userID string) ([]UserAchievement, error)
	UnlockAchievement(ctx context.Context, ua *UserAchievement) error

	// Groups
	CreateGroup(ctx context.Context, g *Group) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	GetGroupByJoinCode(ctx context.Context, code string) (*Group, error)
	ListGroupsByUser(ctx context.Context, userID string) ([]Group, error)
	CountGroupsOwnedBy(ctx context.Context, userID string) (int, error)
	AddGroupMember(ctx context.Context, groupID, userID string) error
	RemoveGroupMember(ctx context.Context, groupID, userID string) error
	ListGroupMembers(ctx context.Context, groupID string) ([]GroupMember, error)
	IsGroupMember(ctx context.Context, groupID, userID string) (bool, error)
	GroupLeaderboard(ctx context.Context, groupID string, since time.Time) ([]LeaderboardRow, error)

	// Webhook event dedupe
	WebhookEventSeen(ctx context.Context, eventID string) (bool, error)
	MarkWebhookEvent(ctx context.Context, eventID string, handledAt time.Time) (duplicate bool, err error)
	PurgeOldWebhookEvents(ctx context.Context, before time.Time) (int64, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Profile represents a user account.
type Profile struct {
	ID                string    `json:"id"`
	ExternalID        string    `json:"external_id,omitempty"`        // external auth subject or empty
	Username          string    `json:"username"`
	PasswordHash      string    `json:"-"`
	DisplayName       string    `json:"display_name"`
	Role              string    `json:"role"`                         // "admin" or "user"
	StripeCustomerID  string    `json:"stripe_customer_id,omitempty"`
	EarlyBirdRedeemed bool      `json:"early_bird_redeemed"`
	TrialEndsAt       time.Time `json:"trial_ends_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// Subscription represents a user's billing entitlement. At most one row per user.
type Subscription struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	Tier                 string    `json:"tier"`                   // essential, growth, pro, lifetime
	Status               string    `json:"status"`                 // active, trialing, past_due, canceled
	IsLifetime           bool      `json:"is_lifetime"`
	StripeCustomerID     string    `json:"stripe_customer_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	StripePriceID        string    `json:"stripe_price_id"`
	CurrentPeriodStart   time.Time `json:"current_period_start"`
	CurrentPeriodEnd     time.Time `json:"current_period_end"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Plan is a catalog entry mapping a tier/period variant to a Stripe price.
type Plan struct {
	Key           string `json:"key"`             // e.g. "growth_annual_eb"
	Tier          string `json:"tier"`            // essential, growth, pro, lifetime
	Period        string `json:"period"`          // 28d, annual, lifetime
	EarlyBird     bool   `json:"early_bird"`
	StripePriceID string `json:"stripe_price_id"`
}

// Fortune is one logged positive event.
type Fortune struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Category string    `json:"category"`
	Note     string    `json:"note"`
	LoggedAt time.Time `json:"logged_at"`
}

// JournalEntry is a daily mood and lifestyle record. One per user per day.
type JournalEntry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	EntryDate  string    `json:"entry_date"`  // YYYY-MM-DD
	Mood       int       `json:"mood"`        // 1-5
	Energy     int       `json:"energy"`      // 1-5
	SleepHours float64   `json:"sleep_hours"`
	Tags       string    `json:"tags"`        // JSON-encoded string array
	Body       string    `json:"body"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Achievement is a catalog entry for an unlockable badge.
type Achievement struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Kind        string `json:"kind"`        // "count" or "streak"
	Threshold   int    `json:"threshold"`   // fortunes or consecutive days
}

// AchievementCatalog is the fixed badge set seeded into every database.
var AchievementCatalog = []Achievement{
	{ID: "first_fortune", Name: "First Fortune", Description: "Log your first fortune", Kind: "count", Threshold: 1},
	{ID: "ten_fortunes", Name: "Collector", Description: "Log 10 fortunes", Kind: "count", Threshold: 10},
	{ID: "fifty_fortunes", Name: "Magnet", Description: "Log 50 fortunes", Kind: "count", Threshold: 50},
	{ID: "two_hundred_fortunes", Name: "Fortune Vault", Description: "Log 200 fortunes", Kind: "count", Threshold: 200},
	{ID: "streak_3", Name: "Warming Up", Description: "Log fortunes 3 days in a row", Kind: "streak", Threshold: 3},
	{ID: "streak_7", Name: "One Week Wonder", Description: "Log fortunes 7 days in a row", Kind: "streak", Threshold: 7},
	{ID: "streak_30", Name: "Habit Formed", Description: "Log fortunes 30 days in a row", Kind: "streak", Threshold: 30},
}

// UserAchievement records a badge unlock.
type UserAchievement struct {
	UserID        string    `json:"user_id"`
	AchievementID string    `json:"achievement_id"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

// Group is a social competition group.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	JoinCode  string    `json:"join_code"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupMember is a group membership with display info.
type GroupMember struct {
	GroupID     string    `json:"group_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
}

// LeaderboardRow ranks one member by fortunes logged in the window.
type LeaderboardRow struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Fortunes    int    `json:"fortunes"`
}

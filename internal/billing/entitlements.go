package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fortunemagnet/fortunemagnet/internal/store"
)

var (
	ErrTrialExpired = errors.New("trial expired and no active subscription")
	ErrGroupLimit   = errors.New("group limit reached for plan")
)

// Features is the computed entitlement snapshot for a user.
type Features struct {
	UserID      string     `json:"user_id"`
	Tier        string     `json:"tier"`
	Status      string     `json:"status"`
	Active      bool       `json:"active"`
	IsLifetime  bool       `json:"is_lifetime"`
	Limits      PlanLimits `json:"limits"`
	TrialEndsAt time.Time  `json:"trial_ends_at"`
}

// Entitlements computes feature snapshots and enforces plan limits.
type Entitlements struct {
	store store.Store
	now   func() time.Time
}

// NewEntitlements creates an entitlement checker.
func NewEntitlements(s store.Store) *Entitlements {
	return &Entitlements{store: s, now: time.Now}
}

// Features returns the entitlement snapshot for a profile. Users without a
// subscription row are treated as trialing essential until the trial window
// closes.
func (e *Entitlements) Features(ctx context.Context, p *store.Profile) (*Features, error) {
	sub, err := e.store.GetSubscription(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	f := &Features{
		UserID:      p.ID,
		Tier:        TierEssential,
		Status:      StatusTrialing,
		TrialEndsAt: p.TrialEndsAt,
	}
	if sub == nil {
		f.Active = e.now().Before(p.TrialEndsAt)
		if !f.Active {
			f.Status = StatusCanceled
		}
	} else {
		f.Tier = sub.Tier
		f.Status = sub.Status
		f.IsLifetime = sub.IsLifetime
		f.Active = sub.Status == StatusActive || sub.Status == StatusTrialing
	}
	f.Limits = GetLimits(f.Tier)
	return f, nil
}

// CheckAccess returns ErrTrialExpired when the user has neither an active
// subscription nor time left on the trial. Gated handlers map this to 402.
func (e *Entitlements) CheckAccess(ctx context.Context, p *store.Profile) error {
	f, err := e.Features(ctx, p)
	if err != nil {
		return err
	}
	if !f.Active {
		return ErrTrialExpired
	}
	return nil
}

// CheckGroupLimit returns ErrGroupLimit when creating another group would
// exceed the tier's owned-group limit. Handlers map this to 403.
func (e *Entitlements) CheckGroupLimit(ctx context.Context, p *store.Profile) error {
	f, err := e.Features(ctx, p)
	if err != nil {
		return err
	}
	if f.Limits.MaxGroups == 0 {
		return nil // unlimited
	}
	owned, err := e.store.CountGroupsOwnedBy(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("count groups: %w", err)
	}
	if owned >= f.Limits.MaxGroups {
		return ErrGroupLimit
	}
	return nil
}

package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"github.com/fortunemagnet/fortunemagnet/internal/store"
)

// Webhook payloads are decoded into local structs rather than the SDK types:
// the fields we reconcile from have moved between Stripe API versions, and we
// accept events regardless of the account's pinned version.

type checkoutSessionEvent struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionEvent struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

type invoiceEvent struct {
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (e *invoiceEvent) subscriptionID() string {
	if e.Subscription != "" {
		return e.Subscription
	}
	return e.Parent.SubscriptionDetails.Subscription
}

// Reconciler maps Stripe webhook events onto the per-user subscription row.
// All writes go through the store's guarded mutators, so a lifetime-active
// entitlement is never displaced whatever order events arrive in.
type Reconciler struct {
	store   store.Store
	catalog *Catalog
	logger  *slog.Logger
	now     func() time.Time
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(s store.Store, catalog *Catalog, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   s,
		catalog: catalog,
		logger:  logger,
		now:     time.Now,
	}
}

// Process applies one verified webhook event. Duplicate deliveries (by event
// ID) are dropped. A nil return acknowledges the event to Stripe; an error
// causes a 500 so Stripe redelivers.
func (r *Reconciler) Process(ctx context.Context, event *stripe.Event) error {
	seen, err := r.store.WebhookEventSeen(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("check webhook event: %w", err)
	}
	if seen {
		r.logger.Info("webhook event already handled", "event_id", event.ID, "type", string(event.Type))
		return nil
	}

	if err := r.dispatch(ctx, event); err != nil {
		return err
	}

	// Marked only after the handler succeeds: a failed delivery must stay
	// unrecorded so Stripe's redelivery of the same event ID is reprocessed
	// rather than dropped as a duplicate. Two concurrent deliveries of one
	// event may both reach dispatch, which is safe since every write is a
	// guarded upsert.
	if _, err := r.store.MarkWebhookEvent(ctx, event.ID, r.now()); err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	return nil
}

func (r *Reconciler) dispatch(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var sess checkoutSessionEvent
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return r.applyCheckoutCompleted(ctx, &sess)
	case "customer.subscription.created", "customer.subscription.updated":
		var sub subscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return r.applySubscriptionChanged(ctx, &sub)
	case "customer.subscription.deleted":
		var sub subscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return r.applySubscriptionDeleted(ctx, &sub)
	case "invoice.paid":
		var inv invoiceEvent
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return r.applyInvoiceStatus(ctx, &inv, StatusActive)
	case "invoice.payment_failed":
		var inv invoiceEvent
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return r.applyInvoiceStatus(ctx, &inv, StatusPastDue)
	default:
		r.logger.Info("webhook event ignored", "event_id", event.ID, "type", string(event.Type))
		return nil
	}
}

// resolveUser finds the profile for an event: client_reference_id first,
// reverse customer lookup second. A nil profile with nil error means the
// event cannot be attributed and should be dropped.
func (r *Reconciler) resolveUser(ctx context.Context, clientRef, customerID string) (*store.Profile, error) {
	if clientRef != "" {
		p, err := r.store.GetProfile(ctx, clientRef)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	if customerID != "" {
		return r.store.GetProfileByStripeCustomer(ctx, customerID)
	}
	return nil, nil
}

func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, sess *checkoutSessionEvent) error {
	p, err := r.resolveUser(ctx, sess.ClientReferenceID, sess.Customer)
	if err != nil {
		return err
	}
	if p == nil {
		r.logger.Warn("checkout session for unknown user dropped",
			"session_id", sess.ID, "customer", sess.Customer)
		return nil
	}

	// A customer discovered through checkout gets persisted for later
	// reverse lookups.
	if p.StripeCustomerID == "" && sess.Customer != "" {
		if err := r.store.SetStripeCustomerID(ctx, p.ID, sess.Customer); err != nil {
			return fmt.Errorf("persist customer id: %w", err)
		}
	}

	if sess.Mode == "payment" {
		// One-time purchase: lifetime entitlement, terminal once written.
		sub := &store.Subscription{
			ID:               uuid.New().String(),
			UserID:           p.ID,
			Tier:             TierLifetime,
			Status:           StatusActive,
			IsLifetime:       true,
			StripeCustomerID: sess.Customer,
			CurrentPeriodEnd: store.LifetimePeriodEnd,
			UpdatedAt:        r.now(),
		}
		if err := r.store.UpsertSubscription(ctx, sub); err != nil {
			return fmt.Errorf("upsert lifetime subscription: %w", err)
		}
		r.logger.Info("lifetime entitlement granted", "user_id", p.ID)
		return nil
	}

	// Subscription mode: the customer.subscription.* events carry the state;
	// the session only tells us whether this was an early-bird purchase.
	if sess.Metadata["early_bird"] == "true" && !p.EarlyBirdRedeemed {
		if err := r.store.MarkEarlyBirdRedeemed(ctx, p.ID); err != nil {
			return fmt.Errorf("mark early bird redeemed: %w", err)
		}
		r.logger.Info("early-bird offer redeemed", "user_id", p.ID)
	}
	return nil
}

func (r *Reconciler) applySubscriptionChanged(ctx context.Context, sub *subscriptionEvent) error {
	p, err := r.resolveUser(ctx, "", sub.Customer)
	if err != nil {
		return err
	}
	if p == nil {
		r.logger.Warn("subscription event for unknown customer dropped",
			"subscription_id", sub.ID, "customer", sub.Customer)
		return nil
	}

	priceID := ""
	periodStart, periodEnd := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		priceID = item.Price.ID
		// Newer API versions carry the period bounds on the item.
		if periodStart == 0 {
			periodStart = item.CurrentPeriodStart
		}
		if periodEnd == 0 {
			periodEnd = item.CurrentPeriodEnd
		}
	}

	row := &store.Subscription{
		ID:                   uuid.New().String(),
		UserID:               p.ID,
		Tier:                 r.catalog.TierForPrice(priceID),
		Status:               mapStripeStatus(sub.Status),
		StripeCustomerID:     sub.Customer,
		StripeSubscriptionID: sub.ID,
		StripePriceID:        priceID,
		CurrentPeriodStart:   time.Unix(periodStart, 0).UTC(),
		CurrentPeriodEnd:     time.Unix(periodEnd, 0).UTC(),
		UpdatedAt:            r.now(),
	}
	if err := r.store.UpsertSubscription(ctx, row); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, sub *subscriptionEvent) error {
	p, err := r.resolveUser(ctx, "", sub.Customer)
	if err != nil {
		return err
	}
	if p == nil {
		r.logger.Warn("subscription delete for unknown customer dropped",
			"subscription_id", sub.ID, "customer", sub.Customer)
		return nil
	}

	existing, err := r.store.GetSubscription(ctx, p.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	// The row is retained so the user's history survives cancellation.
	existing.Status = StatusCanceled
	existing.CurrentPeriodEnd = r.now()
	existing.UpdatedAt = r.now()
	if err := r.store.UpsertSubscription(ctx, existing); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	return nil
}

func (r *Reconciler) applyInvoiceStatus(ctx context.Context, inv *invoiceEvent, status string) error {
	subID := inv.subscriptionID()
	if subID == "" {
		return nil // one-off invoice, nothing to reconcile
	}
	if err := r.store.UpdateSubscriptionByStripeID(ctx, subID, status); err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	return nil
}

// mapStripeStatus folds Stripe's subscription statuses onto the four the
// entitlement model knows.
func mapStripeStatus(s string) string {
	switch s {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "incomplete", "unpaid":
		return StatusPastDue
	default:
		return StatusCanceled
	}
}

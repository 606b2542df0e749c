package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/price"

	"github.com/fortunemagnet/fortunemagnet/internal/config"
	"github.com/fortunemagnet/fortunemagnet/internal/store"
)

var (
	ErrBillingDisabled     = errors.New("billing is not configured")
	ErrEarlyBirdIneligible = errors.New("early-bird offer not available")
	ErrUnknownPrice        = errors.New("price could not be resolved")
)

// CheckoutRequest selects what the user is buying. Exactly one of Plan,
// PriceID or EarlyBird is expected.
type CheckoutRequest struct {
	Plan      string `json:"plan,omitempty"`      // plan key, current or legacy
	PriceID   string `json:"priceId,omitempty"`   // explicit Stripe price ID
	EarlyBird bool   `json:"earlyBird,omitempty"` // discounted annual during trial
	Tier      string `json:"tier,omitempty"`      // tier for the early-bird variant
	ReturnURL string `json:"returnUrl,omitempty"` // overrides configured success URL
}

// CheckoutResult is returned to the client for redirecting to Stripe.
type CheckoutResult struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// Service handles outbound Stripe operations: checkout sessions, customers
// and the billing portal.
type Service struct {
	store   store.Store
	catalog *Catalog
	cfg     config.BillingConfig
	logger  *slog.Logger
}

// NewService creates the billing service and sets the Stripe API key.
func NewService(s store.Store, catalog *Catalog, cfg config.BillingConfig, logger *slog.Logger) *Service {
	stripe.Key = cfg.StripeSecretKey
	return &Service{
		store:   s,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
	}
}

// Enabled reports whether billing is configured.
func (s *Service) Enabled() bool {
	return s.cfg.Enabled && s.cfg.StripeSecretKey != ""
}

// Catalog returns the plan catalog.
func (s *Service) Catalog() *Catalog { return s.catalog }

// resolvePrice maps a checkout request to a Stripe price ID, checking
// early-bird eligibility against the profile.
func (s *Service) resolvePrice(p *store.Profile, req CheckoutRequest) (string, bool, error) {
	switch {
	case req.EarlyBird:
		if p.EarlyBirdRedeemed || time.Now().After(p.TrialEndsAt) {
			return "", false, ErrEarlyBirdIneligible
		}
		tier := req.Tier
		if tier == "" {
			tier = TierGrowth
		}
		plan, err := s.catalog.EarlyBird(tier)
		if err != nil {
			return "", false, ErrUnknownPrice
		}
		return plan.StripePriceID, true, nil
	case req.PriceID != "":
		return req.PriceID, false, nil
	case req.Plan != "":
		plan, err := s.catalog.Resolve(req.Plan)
		if err != nil {
			return "", false, ErrUnknownPrice
		}
		return plan.StripePriceID, false, nil
	default:
		return "", false, ErrUnknownPrice
	}
}

// EnsureCustomer returns the profile's Stripe customer ID, creating and
// persisting one if missing.
func (s *Service) EnsureCustomer(ctx context.Context, p *store.Profile) (string, error) {
	if p.StripeCustomerID != "" {
		return p.StripeCustomerID, nil
	}

	params := &stripe.CustomerParams{
		Name: stripe.String(p.DisplayName),
	}
	params.Context = ctx
	params.AddMetadata("user_id", p.ID)

	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}

	if err := s.store.SetStripeCustomerID(ctx, p.ID, cust.ID); err != nil {
		return "", fmt.Errorf("persist customer id: %w", err)
	}
	p.StripeCustomerID = cust.ID
	return cust.ID, nil
}

// CreateCheckoutSession resolves the requested price, picks payment vs
// subscription mode from the price type, and creates a Checkout Session with
// the user's ID as client_reference_id.
func (s *Service) CreateCheckoutSession(ctx context.Context, p *store.Profile, req CheckoutRequest) (*CheckoutResult, error) {
	if !s.Enabled() {
		return nil, ErrBillingDisabled
	}

	priceID, earlyBird, err := s.resolvePrice(p, req)
	if err != nil {
		return nil, err
	}

	custID, err := s.EnsureCustomer(ctx, p)
	if err != nil {
		return nil, err
	}

	priceParams := &stripe.PriceParams{}
	priceParams.Context = ctx
	pr, err := price.Get(priceID, priceParams)
	if err != nil {
		return nil, fmt.Errorf("fetch price %s: %w", priceID, err)
	}

	mode := stripe.CheckoutSessionModeSubscription
	if pr.Type == stripe.PriceTypeOneTime {
		mode = stripe.CheckoutSessionModePayment
	}

	successURL := s.cfg.CheckoutSuccessURL
	if req.ReturnURL != "" {
		successURL = req.ReturnURL
	}

	params := &stripe.CheckoutSessionParams{
		Customer:          stripe.String(custID),
		ClientReferenceID: stripe.String(p.ID),
		Mode:              stripe.String(string(mode)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(s.cfg.CheckoutCancelURL),
	}
	params.Context = ctx
	if earlyBird {
		params.AddMetadata("early_bird", "true")
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	s.logger.Info("checkout session created",
		"user_id", p.ID, "price_id", priceID, "mode", string(mode))

	return &CheckoutResult{URL: sess.URL, SessionID: sess.ID}, nil
}

// CreatePortalSession creates a Stripe billing portal session for the user.
func (s *Service) CreatePortalSession(ctx context.Context, p *store.Profile) (string, error) {
	if !s.Enabled() {
		return "", ErrBillingDisabled
	}
	if p.StripeCustomerID == "" {
		return "", fmt.Errorf("no stripe customer for user %s", p.ID)
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(p.StripeCustomerID),
		ReturnURL: stripe.String(s.cfg.PortalReturnURL),
	}
	params.Context = ctx

	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return sess.URL, nil
}

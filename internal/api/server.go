// Package api provides the HTTP API and middleware for the service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/fortunemagnet/fortunemagnet/internal/auth"
	"github.com/fortunemagnet/fortunemagnet/internal/billing"
	"github.com/fortunemagnet/fortunemagnet/internal/config"
	"github.com/fortunemagnet/fortunemagnet/internal/store"
)

// ServerOptions contains optional dependencies for the API server.
type ServerOptions struct {
	Billing    *billing.Service
	Reconciler *billing.Reconciler
}

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	billing       *billing.Service    // nil when billing is disabled
	reconciler    *billing.Reconciler // nil when billing is disabled
	entitlements  *billing.Entitlements
	feed          *feed
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	trialLength   time.Duration
	webhookSecret string
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, cfg *config.Config, opts ServerOptions, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		billing:       opts.Billing,
		reconciler:    opts.Reconciler,
		entitlements:  billing.NewEntitlements(s),
		feed:          newFeed(logger),
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		trialLength:   cfg.Trial.Length.Duration,
		webhookSecret: cfg.Billing.StripeWebhookSecret,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Register/login only available with builtin auth, rate-limited by IP.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/register", srv.handleRegister)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
	}

	// WebSocket group feed (auth handled inside via ?token=)
	mux.Get("/ws/feed", srv.handleFeedWS)

	// Billing routes (only when billing is enabled).
	if opts.Billing != nil {
		mux.Post("/api/billing/webhook", srv.handleWebhook) // public, signature-verified
		mux.Get("/api/billing/plans", srv.handleGetPlans)   // public, no auth needed
	}

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(srv.profileMiddleware)
		r.Use(userRateLimitMiddleware(srv.rl))

		r.Get("/api/me", srv.handleGetMe)

		r.Post("/api/fortunes", srv.handleCreateFortune)
		r.Get("/api/fortunes", srv.handleListFortunes)
		r.Get("/api/fortunes/today", srv.handleTodayFortunes)
		r.Get("/api/fortunes/stats", srv.handleFortuneStats)
		r.Delete("/api/fortunes/{fortuneID}", srv.handleDeleteFortune)

		r.Put("/api/journal/{date}", srv.handleUpsertJournal)
		r.Get("/api/journal/{date}", srv.handleGetJournal)
		r.Get("/api/journal", srv.handleListJournal)
		r.Delete("/api/journal/{date}", srv.handleDeleteJournal)

		r.Get("/api/achievements", srv.handleListAchievements)
		r.Get("/api/achievements/mine", srv.handleMyAchievements)

		r.Post("/api/groups", srv.handleCreateGroup)
		r.Post("/api/groups/join", srv.handleJoinGroup)
		r.Get("/api/groups", srv.handleListGroups)
		r.Get("/api/groups/{groupID}/members", srv.handleGroupMembers)
		r.Get("/api/groups/{groupID}/leaderboard", srv.handleLeaderboard)
		r.Post("/api/groups/{groupID}/leave", srv.handleLeaveGroup)

		if opts.Billing != nil {
			r.Post("/api/billing/create-checkout-session", srv.handleCreateCheckout)
			r.Post("/api/billing/create-portal", srv.handleCreatePortal)
			r.Get("/api/billing/subscription", srv.handleGetSubscription)
		}
		r.Get("/api/billing/features", srv.handleGetFeatures)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters and
// the feed hub.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	s.feed.start(ctx)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	p, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.DisplayName)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		s.logger.Error("register failed", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"token": token, "profile": p})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getProfileFromContext(r.Context()))
}

// --- Billing handlers ---

func (s *Server) handleGetPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list plans")
		return
	}
	if plans == nil {
		plans = []store.Plan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req billing.CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.billing.CreateCheckoutSession(r.Context(), p, req)
	if err != nil {
		if errors.Is(err, billing.ErrEarlyBirdIneligible) {
			writeError(w, http.StatusForbidden, "early-bird offer not available")
			return
		}
		s.logger.Error("create checkout session", "user_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())

	url, err := s.billing.CreatePortalSession(r.Context(), p)
	if err != nil {
		s.logger.Error("create portal session", "user_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create portal session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())

	sub, err := s.store.GetSubscription(r.Context(), p.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	if sub == nil {
		writeError(w, http.StatusNotFound, "no subscription")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleGetFeatures(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())

	f, err := s.entitlements.Features(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute features")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// handleWebhook verifies and applies Stripe webhook deliveries. Signature
// verification is the authentication mechanism for this endpoint.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"),
		s.webhookSecret, webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	if err := s.reconciler.Process(r.Context(), &event); err != nil {
		// 500 makes Stripe redeliver the event.
		s.logger.Error("webhook processing failed",
			"event_id", event.ID, "type", string(event.Type), "error", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

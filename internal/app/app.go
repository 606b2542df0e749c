// Package app is the orchestrator that ties all service components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fortunemagnet/fortunemagnet/internal/api"
	"github.com/fortunemagnet/fortunemagnet/internal/auth"
	"github.com/fortunemagnet/fortunemagnet/internal/billing"
	"github.com/fortunemagnet/fortunemagnet/internal/config"
	"github.com/fortunemagnet/fortunemagnet/internal/store"
)

// App is the main service process.
type App struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	billing      *billing.Service
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new app from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, cfg.Trial.Length.Duration, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	// Billing is optional; without it the service runs trial-only.
	opts := api.ServerOptions{}
	var billingSvc *billing.Service
	if cfg.Billing.Enabled {
		catalog := billing.NewCatalog(cfg.Billing)
		billingSvc = billing.NewService(db, catalog, cfg.Billing, logger)
		opts.Billing = billingSvc
		opts.Reconciler = billing.NewReconciler(db, catalog, logger)

		// Persist the catalog so /api/billing/plans serves it.
		if err := db.SyncPlans(context.Background(), catalog.Plans()); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sync plans: %w", err)
		}
	} else {
		logger.Info("billing disabled, running trial-only")
	}

	apiSrv := api.NewServer(db, authProvider, loginProvider, cfg, opts, logger)

	a := &App{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		billing:      billingSvc,
		api:          apiSrv,
		logger:       logger.With("component", "app"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" && len(cfg.Auth.JWTSecret) < 32 {
		logger.Warn("JWT secret is shorter than 32 characters, use a stronger secret in production")
	}
	if ia := cfg.Auth.InitialAdmin; ia != nil && ia.Username == "admin" && ia.Password == "admin" {
		logger.Warn("initial admin uses default credentials, change them before exposing the service")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	// Start rate limiter cleanup and the feed hub.
	a.api.StartBackgroundTasks(ctx)

	// Start webhook event retention purger.
	if a.cfg.Storage.EventRetention.Duration > 0 {
		go a.runRetentionPurger(ctx, a.cfg.Storage.EventRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("server listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		return err
	}
}

func (a *App) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := a.store.PurgeOldWebhookEvents(ctx, cutoff); err != nil {
				a.logger.Warn("retention purge: webhook events failed", "error", err)
			} else if n > 0 {
				a.logger.Info("retention purge: deleted old webhook events", "count", n)
			}
		}
	}
}

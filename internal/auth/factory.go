package auth

import (
	"fmt"
	"time"

	"github.com/fortunemagnet/fortunemagnet/internal/config"
	"github.com/fortunemagnet/fortunemagnet/internal/store"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(cfg config.AuthConfig, trialLength time.Duration, s store.Store) (Provider, error) {
	switch cfg.Provider {
	case "jwks":
		return NewJWKSProvider(cfg.JWKSIssuer)
	case "builtin", "":
		return NewService(s, cfg, trialLength), nil
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}

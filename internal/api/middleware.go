package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fortunemagnet/fortunemagnet/internal/auth"
	"github.com/fortunemagnet/fortunemagnet/internal/store"
)

type contextKey string

const (
	identityKey contextKey = "identity"
	profileKey  contextKey = "profile"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		tokenStr := authHeader[7:]
		identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getIdentityFromContext(ctx context.Context) *auth.Identity {
	identity, _ := ctx.Value(identityKey).(*auth.Identity)
	return identity
}

// profileMiddleware resolves the authenticated identity to a local profile
// and stores it in the request context. Externally-authenticated users are
// auto-provisioned with a fresh trial window on first sight.
func (s *Server) profileMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := getIdentityFromContext(r.Context())
		if identity == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := r.Context()

		var p *store.Profile
		var err error
		if identity.External {
			p, err = s.store.GetProfileByExternalID(ctx, identity.UserID)
			if err == nil && p == nil {
				p = &store.Profile{
					ID:          uuid.New().String(),
					ExternalID:  identity.UserID,
					Username:    identity.Username,
					DisplayName: identity.Username,
					Role:        identity.Role,
					TrialEndsAt: time.Now().Add(s.trialLength),
					CreatedAt:   time.Now(),
				}
				err = s.store.CreateProfile(ctx, p)
			}
		} else {
			p, err = s.store.GetProfile(ctx, identity.UserID)
		}
		if err != nil {
			s.logger.Error("resolve profile", "user_id", identity.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to resolve profile")
			return
		}
		if p == nil {
			writeError(w, http.StatusUnauthorized, "unknown user")
			return
		}

		ctx = context.WithValue(ctx, profileKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getProfileFromContext(ctx context.Context) *store.Profile {
	p, _ := ctx.Value(profileKey).(*store.Profile)
	return p
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		next.ServeHTTP(w, r)
	})
}

func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

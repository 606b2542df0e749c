package auth

import (
	"context"
	"testing"
	"time"

	"github.com/fortunemagnet/fortunemagnet/internal/config"
	"github.com/fortunemagnet/fortunemagnet/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: "test-secret-for-auth-tests-0123456789ab",
		JWTExpiry: config.Duration{Duration: time.Hour},
	}
	return NewService(s, cfg, 14*24*time.Hour)
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p, err := svc.Register(ctx, "ana", "password1", "Ana")
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Ana" || p.Role != "user" {
		t.Fatalf("profile = %+v", p)
	}
	if time.Until(p.TrialEndsAt) < 13*24*time.Hour {
		t.Fatalf("trial window too short: %v", p.TrialEndsAt)
	}

	token, err := svc.Login(ctx, "ana", "password1")
	if err != nil {
		t.Fatal(err)
	}

	id, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != p.ID || id.Username != "ana" || id.External {
		t.Fatalf("identity = %+v", id)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "ben", "correct", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Login(ctx, "ben", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "nobody", "whatever"); err != ErrInvalidCredentials {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "carla", "pw", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Register(ctx, "carla", "pw2", ""); err != ErrUserExists {
		t.Fatalf("err = %v, want ErrUserExists", err)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.ValidateToken(context.Background(), "not-a-jwt"); err != ErrUnauthorized {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestBootstrapAdmin(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := config.AuthConfig{
		JWTSecret: "test-secret-for-auth-tests-0123456789ab",
		JWTExpiry: config.Duration{Duration: time.Hour},
		InitialAdmin: &config.InitialAdmin{
			Username: "admin",
			Password: "hunter22",
		},
	}
	svc := NewService(s, cfg, 14*24*time.Hour)
	ctx := context.Background()

	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := svc.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}

	p, err := s.GetProfileByUsername(ctx, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Role != "admin" {
		t.Fatalf("admin profile = %+v", p)
	}

	if _, err := svc.Login(ctx, "admin", "hunter22"); err != nil {
		t.Fatal(err)
	}
}

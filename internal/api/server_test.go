package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fortunemagnet/fortunemagnet/internal/auth"
	"github.com/fortunemagnet/fortunemagnet/internal/config"
	"github.com/fortunemagnet/fortunemagnet/internal/store"
)

func setupTestServer(t *testing.T) (*Server, *auth.Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			JWTSecret: "test-secret-at-least-32-chars-long",
			JWTExpiry: config.Duration{Duration: 1 * time.Hour},
		},
		RateLimit: config.RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
		},
		Trial: config.TrialConfig{
			Length: config.Duration{Duration: 14 * 24 * time.Hour},
		},
	}

	authSvc := auth.NewService(s, cfg.Auth, cfg.Trial.Length.Duration)
	srv := NewServer(s, authSvc, authSvc, cfg, ServerOptions{}, slog.Default())
	return srv, authSvc, s
}

func registerAndGetToken(t *testing.T, authSvc *auth.Service, username string) string {
	t.Helper()
	ctx := context.Background()
	if _, err := authSvc.Register(ctx, username, "password123", ""); err != nil {
		t.Fatal(err)
	}
	token, err := authSvc.Login(ctx, username, "password123")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api/fortunes", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	w = doJSON(t, srv, http.MethodGet, "/api/fortunes", "garbage-token", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status with bad token = %d, want 401", w.Code)
	}
}

func TestRegisterEndpoint(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "newuser", "password": "password123",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Token == "" {
		t.Fatal("no token in response")
	}

	// Duplicate username conflicts.
	w = doJSON(t, srv, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "newuser", "password": "password123",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", w.Code)
	}

	// Short passwords are rejected.
	w = doJSON(t, srv, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": "another", "password": "short",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("short password status = %d, want 400", w.Code)
	}
}

func TestFortuneFlow(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token := registerAndGetToken(t, authSvc, "ana")

	w := doJSON(t, srv, http.MethodPost, "/api/fortunes", token, map[string]string{
		"category": "health", "note": "slept well",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", w.Code, w.Body.String())
	}
	var created struct {
		Fortune  store.Fortune       `json:"fortune"`
		Unlocked []store.Achievement `json:"unlocked"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	// The first fortune unlocks a badge.
	found := false
	for _, a := range created.Unlocked {
		if a.ID == "first_fortune" {
			found = true
		}
	}
	if !found {
		t.Fatalf("first_fortune not unlocked: %+v", created.Unlocked)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/fortunes/today", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("today status = %d", w.Code)
	}
	var today []store.Fortune
	if err := json.Unmarshal(w.Body.Bytes(), &today); err != nil {
		t.Fatal(err)
	}
	if len(today) != 1 {
		t.Fatalf("today = %d fortunes, want 1", len(today))
	}

	w = doJSON(t, srv, http.MethodGet, "/api/fortunes/stats", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	var stats map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats["total"] != 1 || stats["streak"] != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	w = doJSON(t, srv, http.MethodDelete, "/api/fortunes/"+created.Fortune.ID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = doJSON(t, srv, http.MethodDelete, "/api/fortunes/"+created.Fortune.ID, token, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("re-delete status = %d, want 404", w.Code)
	}
}

func TestJournalFlow(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token := registerAndGetToken(t, authSvc, "ben")

	date := time.Now().UTC().Format("2006-01-02")
	w := doJSON(t, srv, http.MethodPut, "/api/journal/"+date, token, map[string]any{
		"mood": 4, "energy": 3, "sleep_hours": 7.5, "tags": []string{"sunlight"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("upsert status = %d body = %s", w.Code, w.Body.String())
	}

	// Replacing the same day's entry succeeds.
	w = doJSON(t, srv, http.MethodPut, "/api/journal/"+date, token, map[string]any{
		"mood": 2, "energy": 2,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("replace status = %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodGet, "/api/journal/"+date, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var entry store.JournalEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Mood != 2 {
		t.Fatalf("mood = %d, want 2", entry.Mood)
	}

	w = doJSON(t, srv, http.MethodPut, "/api/journal/not-a-date", token, map[string]any{"mood": 1})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad date status = %d", w.Code)
	}
	w = doJSON(t, srv, http.MethodPut, "/api/journal/"+date, token, map[string]any{"mood": 9})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad mood status = %d", w.Code)
	}
}

func TestGroupFlow(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	ownerToken := registerAndGetToken(t, authSvc, "owner")
	memberToken := registerAndGetToken(t, authSvc, "member")

	w := doJSON(t, srv, http.MethodPost, "/api/groups", ownerToken, map[string]string{"name": "crew"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", w.Code, w.Body.String())
	}
	var g store.Group
	if err := json.Unmarshal(w.Body.Bytes(), &g); err != nil {
		t.Fatal(err)
	}
	if len(g.JoinCode) != 6 {
		t.Fatalf("join code = %q", g.JoinCode)
	}

	// Essential tier allows only one owned group.
	w = doJSON(t, srv, http.MethodPost, "/api/groups", ownerToken, map[string]string{"name": "second"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("second group status = %d, want 403", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/groups/join", memberToken, map[string]string{"code": g.JoinCode})
	if w.Code != http.StatusOK {
		t.Fatalf("join status = %d body = %s", w.Code, w.Body.String())
	}
	w = doJSON(t, srv, http.MethodPost, "/api/groups/join", memberToken, map[string]string{"code": "ZZZZZZ"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("bad code status = %d", w.Code)
	}

	// Member logs fortunes, then reads the leaderboard.
	for i := 0; i < 2; i++ {
		w = doJSON(t, srv, http.MethodPost, "/api/fortunes", memberToken, map[string]string{
			"note": fmt.Sprintf("fortune %d", i),
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("fortune status = %d", w.Code)
		}
	}
	w = doJSON(t, srv, http.MethodGet, "/api/groups/"+g.ID+"/leaderboard", memberToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("leaderboard status = %d", w.Code)
	}
	var board []store.LeaderboardRow
	if err := json.Unmarshal(w.Body.Bytes(), &board); err != nil {
		t.Fatal(err)
	}
	if len(board) != 2 || board[0].Fortunes != 2 {
		t.Fatalf("board = %+v", board)
	}

	// Non-members cannot read group surfaces.
	outsiderToken := registerAndGetToken(t, authSvc, "outsider")
	w = doJSON(t, srv, http.MethodGet, "/api/groups/"+g.ID+"/members", outsiderToken, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("outsider status = %d, want 403", w.Code)
	}

	w = doJSON(t, srv, http.MethodPost, "/api/groups/"+g.ID+"/leave", memberToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("leave status = %d", w.Code)
	}
}

func TestExpiredTrialGetsPaymentRequired(t *testing.T) {
	srv, authSvc, s := setupTestServer(t)
	token := registerAndGetToken(t, authSvc, "lapsed")

	ctx := context.Background()
	p, err := s.GetProfileByUsername(ctx, "lapsed")
	if err != nil {
		t.Fatal(err)
	}
	// A canceled subscription gates access the same way an expired trial does.
	sub := &store.Subscription{
		ID:        "sub-test",
		UserID:    p.ID,
		Tier:      "essential",
		Status:    "canceled",
		UpdatedAt: time.Now(),
	}
	if err := s.UpsertSubscription(ctx, sub); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, srv, http.MethodPost, "/api/fortunes", token, map[string]string{"note": "hi"})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}

	// Reads still work.
	w = doJSON(t, srv, http.MethodGet, "/api/fortunes", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("read status = %d", w.Code)
	}
}

func TestFeaturesEndpoint(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token := registerAndGetToken(t, authSvc, "feat")

	w := doJSON(t, srv, http.MethodGet, "/api/billing/features", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var f struct {
		Tier   string `json:"tier"`
		Status string `json:"status"`
		Active bool   `json:"active"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &f); err != nil {
		t.Fatal(err)
	}
	if f.Tier != "essential" || f.Status != "trialing" || !f.Active {
		t.Fatalf("features = %+v", f)
	}
}

func TestGetMe(t *testing.T) {
	srv, authSvc, _ := setupTestServer(t)
	token := registerAndGetToken(t, authSvc, "me")

	w := doJSON(t, srv, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var p store.Profile
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	if p.Username != "me" {
		t.Fatalf("profile = %+v", p)
	}
}

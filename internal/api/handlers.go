package api

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fortunemagnet/fortunemagnet/internal/billing"
	"github.com/fortunemagnet/fortunemagnet/internal/store"
)

const dateLayout = "2006-01-02"

// checkAccess maps entitlement errors onto HTTP statuses: expired trial is
// 402, anything else a 500. Returns true when the request may proceed.
func (s *Server) checkAccess(w http.ResponseWriter, r *http.Request, p *store.Profile) bool {
	if err := s.entitlements.CheckAccess(r.Context(), p); err != nil {
		if errors.Is(err, billing.ErrTrialExpired) {
			writeError(w, http.StatusPaymentRequired, "trial expired")
			return false
		}
		s.logger.Error("entitlement check", "user_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "entitlement check failed")
		return false
	}
	return true
}

// --- Fortune handlers ---

func (s *Server) handleCreateFortune(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())
	if !s.checkAccess(w, r, p) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Category string `json:"category"`
		Note     string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Note) > 2000 {
		writeError(w, http.StatusBadRequest, "note too long")
		return
	}

	f := &store.Fortune{
		ID:       uuid.New().String(),
		UserID:   p.ID,
		Category: req.Category,
		Note:     req.Note,
		LoggedAt: time.Now().UTC(),
	}
	if err := s.store.CreateFortune(r.Context(), f); err != nil {
		s.logger.Error("create fortune", "user_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create fortune")
		return
	}

	unlocked := s.checkAchievements(r, p)
	s.broadcastFortune(r, p, f)

	writeJSON(w, http.StatusCreated, map[string]any{
		"fortune":  f,
		"unlocked": unlocked,
	})
}

func (s *Server) handleListFortunes(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -28)
	to := now.Add(24 * time.Hour)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from date")
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to date")
			return
		}
		to = t.Add(24 * time.Hour) // inclusive end date
	}

	fortunes, err := s.store.ListFortunes(r.Context(), p.ID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list fortunes")
		return
	}
	if fortunes == nil {
		fortunes = []store.Fortune{}
	}
	writeJSON(w, http.StatusOK, fortunes)
}

func (s *Server) handleTodayFortunes(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	fortunes, err := s.store.ListFortunes(r.Context(), p.ID, dayStart, dayStart.Add(24*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list fortunes")
		return
	}
	if fortunes == nil {
		fortunes = []store.Fortune{}
	}
	writeJSON(w, http.StatusOK, fortunes)
}

func (s *Server) handleFortuneStats(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())
	ctx := r.Context()

	total, err := s.store.CountFortunes(ctx, p.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	week, err := s.store.CountFortunesSince(ctx, p.ID, time.Now().UTC().AddDate(0, 0, -7))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	streak, err := s.store.FortuneDayStreak(ctx, p.ID, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"total":  total,
		"week":   week,
		"streak": streak,
	})
}

func (s *Server) handleDeleteFortune(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())
	id := chi.URLParam(r, "fortuneID")

	if err := s.store.DeleteFortune(r.Context(), id, p.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "fortune not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete fortune")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// checkAchievements unlocks any badges the user's fortune counts now
// qualify for. Unlock failures are logged, never surfaced: the fortune write
// already succeeded.
func (s *Server) checkAchievements(r *http.Request, p *store.Profile) []store.Achievement {
	ctx := r.Context()

	count, err := s.store.CountFortunes(ctx, p.ID)
	if err != nil {
		s.logger.Warn("achievement count check", "user_id", p.ID, "error", err)
		return nil
	}
	streak, err := s.store.FortuneDayStreak(ctx, p.ID, time.Now().UTC())
	if err != nil {
		s.logger.Warn("achievement streak check", "user_id", p.ID, "error", err)
		return nil
	}

	existing, err := s.store.ListUserAchievements(ctx, p.ID)
	if err != nil {
		s.logger.Warn("achievement unlock list", "user_id", p.ID, "error", err)
		return nil
	}
	have := make(map[string]bool, len(existing))
	for _, ua := range existing {
		have[ua.AchievementID] = true
	}

	var unlocked []store.Achievement
	for _, a := range store.AchievementCatalog {
		if have[a.ID] {
			continue
		}
		qualifies := (a.Kind == "count" && count >= a.Threshold) ||
			(a.Kind == "streak" && streak >= a.Threshold)
		if !qualifies {
			continue
		}
		ua := &store.UserAchievement{UserID: p.ID, AchievementID: a.ID, UnlockedAt: time.Now()}
		if err := s.store.UnlockAchievement(ctx, ua); err != nil {
			s.logger.Warn("achievement unlock", "achievement", a.ID, "error", err)
			continue
		}
		unlocked = append(unlocked, a)
	}
	return unlocked
}

// broadcastFortune pushes a fortune-logged event to the feeds of every group
// the user belongs to.
func (s *Server) broadcastFortune(r *http.Request, p *store.Profile, f *store.Fortune) {
	groups, err := s.store.ListGroupsByUser(r.Context(), p.ID)
	if err != nil {
		s.logger.Warn("feed group lookup", "user_id", p.ID, "error", err)
		return
	}
	for _, g := range groups {
		s.feed.publish(g.ID, feedEvent{
			Type:        "fortune_logged",
			GroupID:     g.ID,
			UserID:      p.ID,
			DisplayName: p.DisplayName,
			Category:    f.Category,
			LoggedAt:    f.LoggedAt,
		})
	}
}

// --- Journal handlers ---

func (s *Server) handleUpsertJournal(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())
	if !s.checkAccess(w, r, p) {
		return
	}

	date := chi.URLParam(r, "date")
	if _, err := time.Parse(dateLayout, date); err != nil {
		writeError(w, http.StatusBadRequest, "invalid date")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Mood       int      `json:"mood"`
		Energy     int      `json:"energy"`
		SleepHours float64  `json:"sleep_hours"`
		Tags       []string `json:"tags"`
		Body       string   `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mood < 0 || req.Mood > 5 || req.Energy < 0 || req.Energy > 5 {
		writeError(w, http.StatusBadRequest, "mood and energy must be 0-5")
		return
	}

	tags, err := json.Marshal(req.Tags)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tags")
		return
	}

	e := &store.JournalEntry{
		ID:         uuid.New().String(),
		UserID:     p.ID,
		EntryDate:  date,
		Mood:       req.Mood,
		Energy:     req.Energy,
		SleepHours: req.SleepHours,
		Tags:       string(tags),
		Body:       req.Body,
		UpdatedAt:  time.Now(),
	}
	if err := s.store.UpsertJournalEntry(r.Context(), e); err != nil {
		s.logger.Error("upsert journal entry", "user_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save entry")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())
	date := chi.URLParam(r, "date")

	e, err := s.store.GetJournalEntry(r.Context(), p.ID, date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get entry")
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "no entry for date")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -28).Format(dateLayout)
	to := now.Format(dateLayout)
	if v := r.URL.Query().Get("from"); v != "" {
		from = v
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to = v
	}

	// The tier's history window clamps how far back entries are readable.
	f, err := s.entitlements.Features(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute features")
		return
	}
	if days := f.Limits.JournalHistoryDays; days > 0 {
		floor := now.AddDate(0, 0, -days).Format(dateLayout)
		if from < floor {
			from = floor
		}
	}

	entries, err := s.store.ListJournalEntries(r.Context(), p.ID, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list entries")
		return
	}
	if entries == nil {
		entries = []store.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleDeleteJournal(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())
	date := chi.URLParam(r, "date")

	if err := s.store.DeleteJournalEntry(r.Context(), p.ID, date); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete entry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// --- Achievement handlers ---

func (s *Server) handleListAchievements(w http.ResponseWriter, r *http.Request) {
	achievements, err := s.store.ListAchievements(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list achievements")
		return
	}
	writeJSON(w, http.StatusOK, achievements)
}

func (s *Server) handleMyAchievements(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())

	unlocks, err := s.store.ListUserAchievements(r.Context(), p.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list unlocks")
		return
	}
	if unlocks == nil {
		unlocks = []store.UserAchievement{}
	}
	writeJSON(w, http.StatusOK, unlocks)
}

// --- Group handlers ---

// joinCodeAlphabet avoids ambiguous characters in codes typed from a phone.
const joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func generateJoinCode() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = joinCodeAlphabet[int(b[i])%len(joinCodeAlphabet)]
	}
	return string(b)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())
	if !s.checkAccess(w, r, p) {
		return
	}
	if err := s.entitlements.CheckGroupLimit(r.Context(), p); err != nil {
		if errors.Is(err, billing.ErrGroupLimit) {
			writeError(w, http.StatusForbidden, "group limit reached for your plan")
			return
		}
		writeError(w, http.StatusInternalServerError, "entitlement check failed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || len(req.Name) > 64 {
		writeError(w, http.StatusBadRequest, "name must be 1-64 characters")
		return
	}

	g := &store.Group{
		ID:        uuid.New().String(),
		Name:      req.Name,
		JoinCode:  generateJoinCode(),
		OwnerID:   p.ID,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateGroup(r.Context(), g); err != nil {
		s.logger.Error("create group", "user_id", p.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create group")
		return
	}
	if err := s.store.AddGroupMember(r.Context(), g.ID, p.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to join group")
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())
	if !s.checkAccess(w, r, p) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	g, err := s.store.GetGroupByJoinCode(r.Context(), req.Code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up group")
		return
	}
	if g == nil {
		writeError(w, http.StatusNotFound, "no group with that code")
		return
	}

	if err := s.store.AddGroupMember(r.Context(), g.ID, p.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to join group")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())

	groups, err := s.store.ListGroupsByUser(r.Context(), p.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list groups")
		return
	}
	if groups == nil {
		groups = []store.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// requireMembership loads a group the caller belongs to, or writes the
// appropriate error and returns nil.
func (s *Server) requireMembership(w http.ResponseWriter, r *http.Request, p *store.Profile) *store.Group {
	groupID := chi.URLParam(r, "groupID")
	g, err := s.store.GetGroup(r.Context(), groupID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up group")
		return nil
	}
	if g == nil {
		writeError(w, http.StatusNotFound, "group not found")
		return nil
	}
	member, err := s.store.IsGroupMember(r.Context(), g.ID, p.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to check membership")
		return nil
	}
	if !member {
		writeError(w, http.StatusForbidden, "not a member of this group")
		return nil
	}
	return g
}

func (s *Server) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())
	g := s.requireMembership(w, r, p)
	if g == nil {
		return
	}

	members, err := s.store.ListGroupMembers(r.Context(), g.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list members")
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())
	g := s.requireMembership(w, r, p)
	if g == nil {
		return
	}

	days := 7
	if r.URL.Query().Get("window") == "28d" {
		days = 28
	}

	board, err := s.store.GroupLeaderboard(r.Context(), g.ID, time.Now().UTC().AddDate(0, 0, -days))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute leaderboard")
		return
	}
	if board == nil {
		board = []store.LeaderboardRow{}
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	p := getProfileFromContext(r.Context())
	g := s.requireMembership(w, r, p)
	if g == nil {
		return
	}

	if err := s.store.RemoveGroupMember(r.Context(), g.ID, p.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to leave group")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"left": true})
}

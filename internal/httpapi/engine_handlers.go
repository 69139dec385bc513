package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pathwell.org/internal/audit"
	"pathwell.org/internal/engine"
	"pathwell.org/internal/obs"
)

type recordActionRequest struct {
	UserID         string            `json:"user_id"`
	ActionType     string            `json:"action_type"`
	OccurredAt     time.Time         `json:"occurred_at,omitzero"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

type leaderboardResponse struct {
	Items  []engine.LeaderboardEntry `json:"items"`
	Window engine.Window             `json:"window"`
	AsOf   time.Time                 `json:"as_of"`
}

func (a *API) handleActions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.recordAction(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) recordAction(w http.ResponseWriter, r *http.Request) {
	var req recordActionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if req.IdempotencyKey != "" {
		bodyKey := strings.TrimSpace(req.IdempotencyKey)
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return
		}
	}
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	if len(userID) > 64 {
		writeError(w, r, http.StatusBadRequest, "user_id must be <=64 characters")
		return
	}
	if strings.TrimSpace(req.ActionType) == "" {
		writeError(w, r, http.StatusBadRequest, "action_type is required")
		return
	}

	res, err := a.engine.RecordAction(r.Context(), userID, engine.ActionType(req.ActionType), req.OccurredAt, idem, req.Metadata)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}

	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}

	meta := map[string]any{
		"user_id":     userID,
		"action_type": req.ActionType,
		"event_id":    res.Event.ID,
		"points":      res.PointsAwarded,
	}
	event := "engine.action.record"
	status := http.StatusCreated
	if res.Replayed {
		event = "engine.action.idempotent_replay"
		status = http.StatusOK
	}
	a.audit(r.Context(), event, meta)

	writeJSON(w, status, res)
}

func (a *API) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": a.engine.Definitions()})
}

func (a *API) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	window, err := engine.ParseWindow(r.URL.Query().Get("window"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items, err := a.engine.Leaderboard(r.Context(), window, limit)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, leaderboardResponse{
		Items:  items,
		Window: window,
		AsOf:   time.Now().UTC(),
	})
}

// handleUserResource routes /v1/users/{id}/progress, /streaks, /achievements
// and /achievements/{achievement_id}/claim.
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "progress":
		a.getProgress(w, r, userID)
	case len(parts) == 2 && parts[1] == "streaks":
		a.getStreaks(w, r, userID)
	case len(parts) == 2 && parts[1] == "achievements":
		a.getAchievements(w, r, userID)
	case len(parts) == 4 && parts[1] == "achievements" && parts[3] == "claim":
		a.claimAchievement(w, r, userID, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getProgress(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	card, err := a.engine.UserProgress(r.Context(), userID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (a *API) getStreaks(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	streaks, err := a.engine.Streaks(r.Context(), userID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	if streaks == nil {
		streaks = []engine.StreakRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": streaks})
}

func (a *API) getAchievements(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	statuses, err := a.engine.Achievements(r.Context(), userID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": statuses})
}

func (a *API) claimAchievement(w http.ResponseWriter, r *http.Request, userID, achievementID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	res, err := a.engine.ClaimAchievement(r.Context(), userID, achievementID)
	if err != nil {
		handleEngineError(w, r, err)
		return
	}

	event := "engine.claim.award"
	if res.AlreadyClaimed {
		event = "engine.claim.replay"
	}
	a.audit(r.Context(), event, map[string]any{
		"user_id":        userID,
		"achievement_id": achievementID,
		"points":         res.PointsAwarded,
	})

	writeJSON(w, http.StatusOK, res)
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.LogRequest(map[string]any{"level": "error", "msg": "audit_log_failed", "error": err.Error()})
	}
}

// --- helpers ---

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit out of range")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidInput),
		errors.Is(err, engine.ErrUnknownAction):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotEligible),
		errors.Is(err, engine.ErrStaleEvent):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrNotFound),
		errors.Is(err, engine.ErrUnknownAchievement):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

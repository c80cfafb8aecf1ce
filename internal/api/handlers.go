package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stridegate/stridegate/internal/domain"
)

type sessionView struct {
	Mode             domain.SessionMode `json:"mode"`
	IsBlocking       bool               `json:"is_blocking"`
	InManualSession  bool               `json:"in_manual_session"`
	RemainingMinutes int                `json:"remaining_minutes"`
	SessionID        string             `json:"session_id,omitempty"`
	ExpiresAt        *time.Time         `json:"expires_at,omitempty"`
}

type scheduleDTO struct {
	StartHour   int   `json:"start_hour"`
	StartMinute int   `json:"start_minute"`
	EndHour     int   `json:"end_hour"`
	EndMinute   int   `json:"end_minute"`
	ActiveDays  []int `json:"active_days"`
}

type spendRequest struct {
	Minutes int `json:"minutes"`
}

type stepsRequest struct {
	Count int `json:"count"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Requested int    `json:"requested,omitempty"`
	Available int    `json:"available,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Ledger())
}

func (s *Server) handleSyncSteps(w http.ResponseWriter, r *http.Request) {
	var req stepsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	snap, err := s.coord.SyncSteps(req.Count)
	if err != nil {
		s.logger.Error("steps sync failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to sync steps"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessionView())
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	var req spendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if err := s.coord.SpendAndUnlock(req.Minutes); err != nil {
		s.writeSpendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.sessionView())
}

func (s *Server) handleReengage(w http.ResponseWriter, r *http.Request) {
	s.coord.ReengageNow()
	writeJSON(w, http.StatusOK, s.sessionView())
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	cfg := s.coord.Schedule()
	writeJSON(w, http.StatusOK, scheduleDTO{
		StartHour:   cfg.StartHour,
		StartMinute: cfg.StartMinute,
		EndHour:     cfg.EndHour,
		EndMinute:   cfg.EndMinute,
		ActiveDays:  daysToInts(cfg.ActiveDays),
	})
}

func (s *Server) handlePutSchedule(w http.ResponseWriter, r *http.Request) {
	var dto scheduleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := validateSchedule(dto); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	s.coord.RegisterSchedule(domain.ScheduleConfig{
		StartHour:   dto.StartHour,
		StartMinute: dto.StartMinute,
		EndHour:     dto.EndHour,
		EndMinute:   dto.EndMinute,
		ActiveDays:  intsToDays(dto.ActiveDays),
	})
	s.handleGetSchedule(w, r)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []domain.UnlockHistoryEntry{})
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = parsed
	}

	entries, err := s.history.List(limit)
	if err != nil {
		s.logger.Error("history list failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list history"})
		return
	}
	if entries == nil {
		entries = []domain.UnlockHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) writeSpendError(w http.ResponseWriter, err error) {
	var insufficient *domain.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:     "insufficient credits",
			Requested: insufficient.Requested,
			Available: insufficient.Available,
		})
	case errors.Is(err, domain.ErrInvalidDuration):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("spend failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "spend failed"})
	}
}

func (s *Server) sessionView() sessionView {
	state := s.coord.SessionState()
	view := sessionView{
		Mode:             state.Mode,
		IsBlocking:       s.coord.IsBlocking(),
		InManualSession:  s.coord.IsInManualSession(),
		RemainingMinutes: s.coord.RemainingMinutes(),
		SessionID:        state.SessionID,
	}
	if !state.SessionExpiresAt.IsZero() {
		expires := state.SessionExpiresAt
		view.ExpiresAt = &expires
	}
	return view
}

func validateSchedule(dto scheduleDTO) error {
	if dto.StartHour < 0 || dto.StartHour > 23 || dto.EndHour < 0 || dto.EndHour > 23 {
		return errors.New("hours must be 0-23")
	}
	if dto.StartMinute < 0 || dto.StartMinute > 59 || dto.EndMinute < 0 || dto.EndMinute > 59 {
		return errors.New("minutes must be 0-59")
	}
	for _, day := range dto.ActiveDays {
		if day < 0 || day > 6 {
			return errors.New("days must be 0-6")
		}
	}
	return nil
}

func daysToInts(days []time.Weekday) []int {
	out := make([]int, 0, len(days))
	for _, d := range days {
		out = append(out, int(d))
	}
	return out
}

func intsToDays(days []int) []time.Weekday {
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		out = append(out, time.Weekday(d))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

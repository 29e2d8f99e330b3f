package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/YuHaibo/antigravity-cockpit/internal/schedule"
	"github.com/YuHaibo/antigravity-cockpit/internal/store"
	"github.com/YuHaibo/antigravity-cockpit/internal/trigger"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type accountView struct {
	Email     string    `json:"email"`
	IsInvalid bool      `json:"isInvalid"`
	IsActive  bool      `json:"isActive"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleState returns the full dashboard state in one call.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	creds, err := s.store.Credentials()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	accounts := make([]accountView, 0, len(creds))
	for _, c := range creds {
		accounts = append(accounts, accountView{
			Email:     c.Email,
			IsInvalid: c.IsInvalid,
			IsActive:  c.IsActive,
			ExpiresAt: c.ExpiresAt,
		})
	}
	active, _ := s.store.ActiveAccount()

	cfg, err := s.store.ScheduleConfig()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var nextRun *time.Time
	if t := s.orchestrator.NextRunTime(); t != nil {
		nextRun = t
	}
	history, _ := s.store.RecentTriggers(10)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authorization": map[string]interface{}{
			"authorized":    s.store.HasValidCredential(),
			"accounts":      accounts,
			"activeAccount": active,
		},
		"schedule":            cfg,
		"scheduleDescription": schedule.Describe(cfg),
		"nextTriggerTime":     nextRun,
		"availableModels":     s.orchestrator.AvailableModels(),
		"recentTriggers":      history,
	})
}

// handleAuthStart runs the interactive authorization flow. The request
// blocks until the browser round-trip completes, is cancelled, or times
// out (5 minutes).
func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	email, err := s.flow.Authorize(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "email": email})
}

func (s *Server) handleAuthCancel(w http.ResponseWriter, r *http.Request) {
	s.flow.Cancel()
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// handleAuthImport builds a credential from an externally supplied refresh
// token (e.g. exported from Antigravity Tools) without interactive consent.
func (s *Server) handleAuthImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken  string `json:"refreshToken"`
		FallbackEmail string `json:"fallbackEmail,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refreshToken is required")
		return
	}

	cred, err := s.authority.BuildCredentialFromRefreshToken(r.Context(), req.RefreshToken, req.FallbackEmail)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if err := s.store.SaveCredential(cred); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "email": cred.Email})
}

// handleRevokeAll deletes every credential and disables the schedule.
func (s *Server) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	if err := s.authority.RevokeAuthorization(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.orchestrator.DisableSchedule(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}

// handleRemoveAccount revokes one account; when no usable account remains
// the schedule is disabled so timers do not fire into the void.
func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if err := s.authority.RevokeAccount(email); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !s.store.HasValidCredential() {
		if err := s.orchestrator.DisableSchedule(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleActivateAccount(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if err := s.store.SetActiveAccount(email); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"activeAccount": email})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orchestrator.AvailableModels())
}

// handleSaveSchedule validates and applies a new schedule configuration.
// Validation failures reject the save without touching persisted state.
func (s *Server) handleSaveSchedule(w http.ResponseWriter, r *http.Request) {
	var cfg store.ScheduleConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule payload: "+err.Error())
		return
	}
	if err := s.orchestrator.SaveSchedule(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"saved":       true,
		"description": schedule.Describe(cfg),
	})
}

func (s *Server) handleValidateCrontab(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Crontab string `json:"crontab"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	writeJSON(w, http.StatusOK, schedule.ValidateCrontab(req.Crontab))
}

// handleTrigger fires a manual wake across the resolved accounts.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Models       []string `json:"models,omitempty"`
		CustomPrompt string   `json:"customPrompt,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid trigger payload")
			return
		}
	}
	summary := s.orchestrator.TriggerNow(req.Models, req.CustomPrompt)
	writeJSON(w, http.StatusOK, summary)
}

// handleQuotaResetCheck ingests a quota snapshot from the external poller
// and fires deduplicated quota-reset wakes.
func (s *Server) handleQuotaResetCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Models         []trigger.QuotaModel `json:"models"`
		ModelConstants []string             `json:"modelConstants,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid quota payload")
		return
	}
	if len(req.ModelConstants) > 0 {
		s.orchestrator.SetQuotaModels(req.ModelConstants)
	}
	summary := s.orchestrator.CheckAndTriggerOnQuotaReset(req.Models)
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	history, err := s.store.RecentTriggers(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearHistory(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

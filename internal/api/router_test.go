package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/YuHaibo/antigravity-cockpit/internal/auth/google"
	"github.com/YuHaibo/antigravity-cockpit/internal/auth/token"
	"github.com/YuHaibo/antigravity-cockpit/internal/schedule"
	"github.com/YuHaibo/antigravity-cockpit/internal/store"
	"github.com/YuHaibo/antigravity-cockpit/internal/trigger"
	"github.com/YuHaibo/antigravity-cockpit/internal/wake"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *trigger.Orchestrator) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	st, err := store.NewWithDB(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	flow := google.NewFlow(st)
	authority := token.NewAuthority(st)
	executor := wake.NewExecutor(st)
	sched := schedule.NewScheduler()
	t.Cleanup(sched.Stop)
	orch := trigger.NewOrchestrator(st, authority, executor, sched)
	t.Cleanup(orch.Dispose)

	return NewServer(st, flow, authority, orch), st, orch
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStateEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t)
	err := st.SaveCredential(&store.Credential{
		Email:        "a@x.com",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	router := s.Router("", nil)

	rec := doJSON(t, router, http.MethodGet, "/api/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var state struct {
		Authorization struct {
			Authorized bool `json:"authorized"`
			Accounts   []struct {
				Email string `json:"email"`
			} `json:"accounts"`
		} `json:"authorization"`
		ScheduleDescription string `json:"scheduleDescription"`
		AvailableModels     []struct {
			ID string `json:"id"`
		} `json:"availableModels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if !state.Authorization.Authorized {
		t.Fatalf("authorized = false with a valid credential")
	}
	if len(state.Authorization.Accounts) != 1 || state.Authorization.Accounts[0].Email != "a@x.com" {
		t.Fatalf("accounts = %+v", state.Authorization.Accounts)
	}
	if state.ScheduleDescription != "disabled" {
		t.Fatalf("description = %q", state.ScheduleDescription)
	}
	if len(state.AvailableModels) == 0 {
		t.Fatalf("no models in state")
	}
}

func TestAdminAuthGuard(t *testing.T) {
	s, _, _ := newTestServer(t)
	router := s.Router("s3cret", nil)

	rec := doJSON(t, router, http.MethodGet, "/api/state", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.SetBasicAuth("admin", "s3cret")
	out := httptest.NewRecorder()
	router.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", out.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/state", nil)
	req.SetBasicAuth("admin", "wrong")
	out = httptest.NewRecorder()
	router.ServeHTTP(out, req)
	if out.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", out.Code)
	}
}

func TestSaveScheduleEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t)
	router := s.Router("", nil)

	// Timed mode without any usable account is rejected.
	rec := doJSON(t, router, http.MethodPost, "/api/schedule",
		`{"enabled":true,"dailyTimes":["08:00"],"selectedModels":["gemini-3-flash"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without accounts", rec.Code)
	}

	// Quota-reset mode saves fine and reports its description.
	rec = doJSON(t, router, http.MethodPost, "/api/schedule",
		`{"enabled":true,"wakeOnReset":true,"selectedModels":["gemini-3-flash"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Saved       bool   `json:"saved"`
		Description string `json:"description"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Saved || resp.Description != "wake on quota reset" {
		t.Fatalf("response = %+v", resp)
	}

	cfg, _ := st.ScheduleConfig()
	if !cfg.WakeOnReset {
		t.Fatalf("config not persisted: %+v", cfg)
	}
}

func TestValidateCrontabEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	router := s.Router("", nil)

	rec := doJSON(t, router, http.MethodPost, "/api/schedule/validate", `{"crontab":"0 8 * * *"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var v schedule.Validation
	json.Unmarshal(rec.Body.Bytes(), &v)
	if !v.Valid {
		t.Fatalf("validation = %+v", v)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/schedule/validate", `{"crontab":"bogus"}`)
	json.Unmarshal(rec.Body.Bytes(), &v)
	if v.Valid || v.Error == "" {
		t.Fatalf("validation = %+v, want invalid", v)
	}
}

func TestTriggerEndpointRequiresAuthorization(t *testing.T) {
	s, _, _ := newTestServer(t)
	router := s.Router("", nil)

	rec := doJSON(t, router, http.MethodPost, "/api/trigger", `{"models":["gemini-3-flash"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var summary trigger.Summary
	json.Unmarshal(rec.Body.Bytes(), &summary)
	if summary.Success || summary.Error == "" {
		t.Fatalf("summary = %+v, want not-authorized failure", summary)
	}
}

func TestActivateAccountEndpoint(t *testing.T) {
	s, st, _ := newTestServer(t)
	router := s.Router("", nil)

	rec := doJSON(t, router, http.MethodPost, "/api/accounts/ghost@x.com/activate", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown account status = %d, want 400", rec.Code)
	}

	st.SaveCredential(&store.Credential{Email: "a@x.com", RefreshToken: "rt"})
	rec = doJSON(t, router, http.MethodPost, "/api/accounts/a@x.com/activate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if active, _ := st.ActiveAccount(); active != "a@x.com" {
		t.Fatalf("active = %q", active)
	}
}

func TestRemoveLastAccountDisablesSchedule(t *testing.T) {
	s, st, _ := newTestServer(t)
	router := s.Router("", nil)

	st.SaveCredential(&store.Credential{Email: "a@x.com", RefreshToken: "rt"})
	rec := doJSON(t, router, http.MethodPost, "/api/schedule",
		`{"enabled":true,"dailyTimes":["08:00"],"selectedModels":["gemini-3-flash"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("arm schedule: %d %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/accounts/a@x.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("remove status = %d, body %s", rec.Code, rec.Body)
	}

	cfg, _ := st.ScheduleConfig()
	if cfg.Enabled {
		t.Fatalf("schedule still enabled after the last account was removed")
	}
	if cred, _ := st.Credential("a@x.com"); cred != nil {
		t.Fatalf("credential not deleted")
	}
}

func TestHistoryEndpoints(t *testing.T) {
	s, st, _ := newTestServer(t)
	router := s.Router("", nil)

	for i := 0; i < 3; i++ {
		st.RecordTrigger(&store.TriggerRecord{
			AccountEmail: "a@x.com",
			Source:       "manual",
			Success:      true,
			CreatedAt:    time.Now().Add(time.Duration(i) * time.Second),
		})
	}

	rec := doJSON(t, router, http.MethodGet, "/api/history?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var recs []store.TriggerRecord
	json.Unmarshal(rec.Body.Bytes(), &recs)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}

	rec = doJSON(t, router, http.MethodDelete, "/api/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	recs = nil
	rec = doJSON(t, router, http.MethodGet, "/api/history", "")
	json.Unmarshal(rec.Body.Bytes(), &recs)
	if len(recs) != 0 {
		t.Fatalf("history not cleared: %d left", len(recs))
	}
}

// Package api exposes the admin HTTP surface: state, authorization,
// schedule and trigger management.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/YuHaibo/antigravity-cockpit/internal/auth/google"
	"github.com/YuHaibo/antigravity-cockpit/internal/auth/token"
	"github.com/YuHaibo/antigravity-cockpit/internal/store"
	"github.com/YuHaibo/antigravity-cockpit/internal/trigger"
)

// Server bundles the components the handlers operate on.
type Server struct {
	store        *store.Store
	flow         *google.Flow
	authority    *token.Authority
	orchestrator *trigger.Orchestrator
}

// NewServer creates the handler set over the given components.
func NewServer(st *store.Store, flow *google.Flow, authority *token.Authority, orch *trigger.Orchestrator) *Server {
	return &Server{
		store:        st,
		flow:         flow,
		authority:    authority,
		orchestrator: orch,
	}
}

// Router builds the chi router with logging, panic recovery, CORS and the
// optional basic-auth admin guard.
func (s *Server) Router(adminPassword string, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}

	adminAuth := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminPassword == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || pass != adminPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="Cockpit Admin"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(adminAuth)

		r.Get("/state", s.handleState)

		r.Post("/auth/start", s.handleAuthStart)
		r.Post("/auth/cancel", s.handleAuthCancel)
		r.Post("/auth/import", s.handleAuthImport)
		r.Post("/auth/revoke", s.handleRevokeAll)

		r.Delete("/accounts/{email}", s.handleRemoveAccount)
		r.Post("/accounts/{email}/activate", s.handleActivateAccount)

		r.Get("/models", s.handleModels)
		r.Post("/schedule", s.handleSaveSchedule)
		r.Post("/schedule/validate", s.handleValidateCrontab)

		r.Post("/trigger", s.handleTrigger)
		r.Post("/quota/reset-check", s.handleQuotaResetCheck)

		r.Get("/history", s.handleHistory)
		r.Delete("/history", s.handleClearHistory)
	})

	return r
}

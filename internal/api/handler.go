// Package api provides HTTP handlers for the VoIP orchestrator API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/prescreen-voip/internal/callflow"
	"github.com/ashureev/prescreen-voip/internal/clock"
	"github.com/ashureev/prescreen-voip/internal/dispatch"
	"github.com/ashureev/prescreen-voip/internal/middleware"
	"github.com/ashureev/prescreen-voip/internal/registry"
	"github.com/ashureev/prescreen-voip/internal/store"
	"github.com/ashureev/prescreen-voip/internal/token"
	"github.com/ashureev/prescreen-voip/internal/webhook"
)

// Deps are the collaborators shared by the VoIP handlers.
type Deps struct {
	Repo       store.Repository
	Registry   *registry.Registry
	Machine    *callflow.Machine
	Dispatcher *dispatch.Dispatcher
	Queue      *webhook.Queue
	Guard      *token.Guard
	Clock      clock.Clock
	// Stream serves GET /voip/stream. Optional.
	Stream       http.Handler
	InviteTTL    time.Duration
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Handler serves the /voip routes.
type Handler struct {
	Deps
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewReal()
	}
	if deps.InviteTTL <= 0 {
		deps.InviteTTL = 72 * time.Hour
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 64 << 10
	}
	return &Handler{Deps: deps}
}

// RegisterRoutes registers the /voip routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/voip", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.BodyLimit(h.MaxBodyBytes))
			r.Post("/call", h.CreateCall)
			r.Post("/webhook", h.Webhook)
			r.Post("/prescreen/start", h.StartPrescreen)
			r.With(middleware.RequireAdmin).Post("/invitations", h.IssueInvitation)
		})

		r.Get("/call/{id}", h.GetCall)
		r.Get("/calls", h.ListCalls)
		// Not read-only: moves an ANSWERED call into IVR_ACTIVE.
		r.Get("/ivr/next", h.NextPrompt)
		r.Get("/candidates/{id}/contacts", h.ListContacts)
		if h.Stream != nil {
			r.Handle("/stream", h.Stream)
		}
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

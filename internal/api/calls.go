package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/prescreen-voip/internal/callflow"
	"github.com/ashureev/prescreen-voip/internal/dispatch"
	"github.com/ashureev/prescreen-voip/internal/domain"
	"github.com/ashureev/prescreen-voip/internal/identity"
	"github.com/ashureev/prescreen-voip/internal/ivr"
	"github.com/ashureev/prescreen-voip/internal/webhook"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

type createCallRequest struct {
	Provider    string   `json:"provider"`
	CandidateID string   `json:"candidate_id"`
	VacancyID   string   `json:"vacancy_id"`
	Phone       string   `json:"phone"`
	PhoneTo     string   `json:"phone_to"`
	SlotID      string   `json:"slot_id"`
	From        string   `json:"from"`
	Questions   []string `json:"questions"`
}

type callResponse struct {
	CallID  string             `json:"call_id"`
	State   domain.CallState   `json:"state"`
	Outcome string             `json:"outcome,omitempty"`
	Session domain.CallSession `json:"session"`
}

// CreateCall places an outbound call.
func (h *Handler) CreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	phone := req.PhoneTo
	if strings.TrimSpace(phone) == "" {
		phone = req.Phone
	}

	session, err := h.Dispatcher.Dispatch(r.Context(), dispatch.Request{
		Provider: req.Provider,
		Candidate: domain.CandidateRef{
			CandidateID: req.CandidateID,
			VacancyID:   req.VacancyID,
			Phone:       phone,
		},
		SlotID:    req.SlotID,
		Questions: req.Questions,
		From:      req.From,
	})
	if err != nil {
		h.writeDispatchError(w, session, err)
		return
	}

	h.Logger.Info("Call dispatched", "call_id", session.ID, "provider", session.Provider,
		"actor", identity.ActorFromContext(r.Context()), "operator", identity.OperatorFromContext(r.Context()))
	JSON(w, http.StatusCreated, callResponse{CallID: session.ID, State: session.State, Session: session})
}

func (h *Handler) writeDispatchError(w http.ResponseWriter, session domain.CallSession, err error) {
	switch {
	case errors.Is(err, dispatch.ErrMissingPhone):
		Error(w, http.StatusBadRequest, err.Error())
	case session.ID != "":
		// The session exists and was force-failed.
		h.Logger.Error("Provider rejected call", "call_id", session.ID, "error", err)
		JSON(w, http.StatusBadGateway, map[string]any{
			"error":   "provider_unavailable",
			"call_id": session.ID,
			"state":   session.State,
			"outcome": session.Outcome,
		})
	case errors.Is(err, domain.ErrProviderUnavailable):
		Error(w, http.StatusBadRequest, err.Error())
	default:
		h.Logger.Error("Dispatch failed", "error", err)
		Error(w, http.StatusInternalServerError, "dispatch failed")
	}
}

// Webhook accepts a provider event. Processing is asynchronous so the
// response is always 202.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.Logger.Warn("Webhook body unreadable", "error", err, "remote_ip", identity.IPFromRequest(r))
		JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	if err := h.Queue.Submit(raw); err != nil {
		h.Logger.Error("Webhook dropped", "error", err, "queue_len", h.Queue.Len(), "key", webhook.ShardKey(raw))
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// GetCall returns a session with its normalized event history.
func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, err := h.Registry.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownCall) {
			Error(w, http.StatusNotFound, "call not found")
			return
		}
		h.Logger.Error("Failed to load call", "call_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load call")
		return
	}

	events, err := h.Repo.ListEvents(r.Context(), id)
	if err != nil {
		h.Logger.Error("Failed to load call events", "call_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	if events == nil {
		events = []domain.CallEvent{}
	}

	JSON(w, http.StatusOK, map[string]any{
		"session": session,
		"events":  events,
	})
}

// ListCalls returns the newest sessions first.
func (h *Handler) ListCalls(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		Error(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}

	sessions, err := h.Registry.List(r.Context(), limit)
	if err != nil {
		h.Logger.Error("Failed to list calls", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list calls")
		return
	}
	if sessions == nil {
		sessions = []domain.CallSession{}
	}
	JSON(w, http.StatusOK, map[string]any{"calls": sessions})
}

func parseLimit(raw string) (int, bool) {
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, false
	}
	return n, true
}

// NextPrompt returns the prompt the caller should hear. An ANSWERED call is
// moved into the IVR by this request; a BOOKED or ABANDONED one gets the
// closing prompt of its dialog.
func (h *Handler) NextPrompt(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		Error(w, http.StatusBadRequest, "call_id is required")
		return
	}
	format := ivr.Format(r.URL.Query().Get("format"))
	if format == "" {
		format = ivr.FormatText
	}
	if format != ivr.FormatText && format != ivr.FormatTwiML {
		Error(w, http.StatusBadRequest, "format must be text or twiml")
		return
	}

	prompt, err := h.Machine.StartIVR(r.Context(), callID)
	switch {
	case errors.Is(err, domain.ErrUnknownCall):
		Error(w, http.StatusNotFound, "call not found")
		return
	case errors.Is(err, callflow.ErrNotInIVR):
		Error(w, http.StatusConflict, "call is not in IVR")
		return
	case err != nil:
		h.Logger.Error("Failed to build prompt", "call_id", callID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to build prompt")
		return
	}

	if format == ivr.FormatTwiML {
		doc, err := prompt.TwiML()
		if err != nil {
			h.Logger.Error("Failed to render TwiML", "call_id", callID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to render prompt")
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, doc)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"call_id": callID,
		"prompt":  prompt,
	})
}

// ListContacts returns a candidate's contact history.
func (h *Handler) ListContacts(w http.ResponseWriter, r *http.Request) {
	candidateID := chi.URLParam(r, "id")
	limit, ok := parseLimit(r.URL.Query().Get("limit"))
	if !ok {
		Error(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}

	contacts, err := h.Repo.ListContactEvents(r.Context(), candidateID, limit)
	if err != nil {
		h.Logger.Error("Failed to list contacts", "candidate_id", candidateID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list contacts")
		return
	}
	if contacts == nil {
		contacts = []domain.ContactEvent{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"candidate_id": candidateID,
		"contacts":     contacts,
	})
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/prescreen-voip/internal/dispatch"
	"github.com/ashureev/prescreen-voip/internal/domain"
	"github.com/ashureev/prescreen-voip/internal/identity"
	"github.com/ashureev/prescreen-voip/internal/ivr"
)

type startPrescreenRequest struct {
	Token     string   `json:"token"`
	Provider  string   `json:"provider"`
	Phone     string   `json:"phone"`
	Questions []string `json:"questions"`
}

// StartPrescreen consumes an invitation token and calls the candidate.
func (h *Handler) StartPrescreen(w http.ResponseWriter, r *http.Request) {
	var req startPrescreenRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// The token is consumed only after the request is known to be dispatchable.
	subject, err := h.Guard.Peek(r.Context(), req.Token, h.Clock.Now())
	if err != nil {
		h.writeTokenError(w, err)
		return
	}

	phone := subject.Phone
	if phone == "" {
		phone = strings.TrimSpace(req.Phone)
	}
	questions := req.Questions
	if len(questions) == 0 {
		questions = ivr.DefaultQuestions
	}
	dreq := dispatch.Request{
		Provider: req.Provider,
		Candidate: domain.CandidateRef{
			CandidateID: subject.CandidateID,
			VacancyID:   subject.VacancyID,
			Phone:       phone,
		},
		Questions: append([]string(nil), questions...),
	}
	if err := h.Dispatcher.Check(dreq); err != nil {
		h.writeDispatchError(w, domain.CallSession{}, err)
		return
	}

	if _, err := h.Guard.Verify(r.Context(), req.Token, h.Clock.Now()); err != nil {
		h.writeTokenError(w, err)
		return
	}

	h.recordContact(r.Context(), subject.CandidateID, domain.ContactInvitationUsed, map[string]any{
		"vacancy_id": subject.VacancyID,
	})

	session, err := h.Dispatcher.Dispatch(r.Context(), dreq)
	if err != nil {
		h.writeDispatchError(w, session, err)
		return
	}

	h.Logger.Info("Prescreen started", "call_id", session.ID, "candidate_id", subject.CandidateID)
	JSON(w, http.StatusCreated, callResponse{CallID: session.ID, State: session.State, Session: session})
}

func (h *Handler) writeTokenError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrTokenUnknown):
		Error(w, http.StatusUnauthorized, "invitation_unknown")
	case errors.Is(err, domain.ErrTokenReplayed):
		Error(w, http.StatusConflict, "invitation_used")
	case errors.Is(err, domain.ErrTokenExpired):
		Error(w, http.StatusGone, "invitation_expired")
	default:
		h.Logger.Error("Token verification failed", "error", err)
		Error(w, http.StatusInternalServerError, "token verification failed")
	}
}

type issueInvitationRequest struct {
	CandidateID string `json:"candidate_id"`
	VacancyID   string `json:"vacancy_id"`
	Phone       string `json:"phone"`
	TTLSeconds  int    `json:"ttl_seconds"`
}

// IssueInvitation mints a single-use invitation token. Admin only.
func (h *Handler) IssueInvitation(w http.ResponseWriter, r *http.Request) {
	var req issueInvitationRequest
	if err := decodeBody(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CandidateID == "" || req.VacancyID == "" {
		Error(w, http.StatusBadRequest, "candidate_id and vacancy_id are required")
		return
	}
	if req.TTLSeconds < 0 {
		Error(w, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}

	ttl := h.InviteTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	raw, record, err := h.Guard.Issue(r.Context(), domain.Subject{
		CandidateID: req.CandidateID,
		VacancyID:   req.VacancyID,
		Phone:       strings.TrimSpace(req.Phone),
	}, ttl, h.Clock.Now())
	if err != nil {
		h.Logger.Error("Failed to issue invitation", "candidate_id", req.CandidateID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to issue invitation")
		return
	}

	h.Logger.Info("Invitation issued", "jti", record.JTI, "candidate_id", req.CandidateID,
		"operator", identity.OperatorFromContext(r.Context()))
	JSON(w, http.StatusCreated, map[string]any{
		"token":      raw,
		"jti":        record.JTI,
		"expires_at": record.ExpiresAt,
	})
}

func (h *Handler) recordContact(ctx context.Context, candidateID, typ string, meta map[string]any) {
	if candidateID == "" {
		return
	}
	err := h.Repo.AppendContactEvent(ctx, &domain.ContactEvent{
		CandidateID: candidateID,
		Type:        typ,
		Meta:        meta,
		CreatedAt:   h.Clock.Now(),
	})
	if err != nil {
		h.Logger.Warn("Failed to record contact", "candidate_id", candidateID, "type", typ, "error", err)
	}
}

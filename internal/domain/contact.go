package domain

import (
	"time"
)

// Contact event types recorded for a candidate.
const (
	ContactInvitationUsed    = "invitation_used"
	ContactPrescreenStarted  = "prescreen_started"
	ContactPrescreenFinished = "prescreen_finished"
	ContactCallStarted       = "call_started"
	ContactSlotBooked        = "slot_booked"
	ContactCallFinished      = "call_finished"
	ContactCallFailed        = "call_failed"
	ContactAutocallStarted   = "autocall_started"
)

// ContactEvent is one entry of a candidate's contact history.
type ContactEvent struct {
	ID          int64          `json:"id"`
	CandidateID string         `json:"candidate_id"`
	Type        string         `json:"type"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

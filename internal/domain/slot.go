package domain

import (
	"time"
)

// Slot is a bookable interview window owned by the scheduler.
type Slot struct {
	ID        string    `json:"id"`
	VacancyID string    `json:"vacancy_id"`
	StartAt   time.Time `json:"start_at"`
	EndAt     time.Time `json:"end_at"`
}

// Label formats the slot the way prompts read it out.
func (s Slot) Label() string {
	return s.StartAt.Format("02.01 15:04")
}

// Booking is the scheduler's confirmation of a reserved slot.
type Booking struct {
	ID          string `json:"id"`
	SlotID      string `json:"slot_id"`
	CandidateID string `json:"candidate_id,omitempty"`
	Code        string `json:"code,omitempty"`
}

// IVRPhase is the part of the dialog the caller is in.
type IVRPhase string

const (
	PhaseQuestions IVRPhase = "questions"
	PhaseSlots     IVRPhase = "slots"
)

// IVRState is the transient dialog state kept inside a session.
type IVRState struct {
	PromptID   string   `json:"prompt_id,omitempty"`
	PromptText string   `json:"prompt_text,omitempty"`
	Phase      IVRPhase `json:"phase,omitempty"`
	Window     []Slot   `json:"window,omitempty"`
	Retries    int      `json:"retries"`
}

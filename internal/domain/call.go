// Package domain contains core domain types for the prescreening orchestrator.
package domain

import (
	"time"
)

// CallState is the lifecycle state of a call session.
type CallState string

const (
	StateInitiated CallState = "INITIATED"
	StateRinging   CallState = "RINGING"
	StateAnswered  CallState = "ANSWERED"
	StateIVRActive CallState = "IVR_ACTIVE"
	StateBooked    CallState = "BOOKED"
	StateAbandoned CallState = "ABANDONED"
	StateFailed    CallState = "FAILED"
	StateCompleted CallState = "COMPLETED"
)

// IsTerminal reports whether no further transitions are possible.
func (s CallState) IsTerminal() bool {
	return s == StateCompleted
}

// AwaitsFinalize reports whether the state is an outcome waiting for
// hangup confirmation before COMPLETED.
func (s CallState) AwaitsFinalize() bool {
	switch s {
	case StateBooked, StateAbandoned, StateFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s CallState) Valid() bool {
	switch s {
	case StateInitiated, StateRinging, StateAnswered, StateIVRActive,
		StateBooked, StateAbandoned, StateFailed, StateCompleted:
		return true
	default:
		return false
	}
}

// Direction of a call relative to the orchestrator.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// CandidateRef identifies who is being called and for which vacancy.
type CandidateRef struct {
	CandidateID string `json:"candidate_id,omitempty"`
	VacancyID   string `json:"vacancy_id,omitempty"`
	Phone       string `json:"phone,omitempty"`
}

// CallSession holds the authoritative state of one call.
type CallSession struct {
	ID             string       `json:"id"`
	ProviderCallID string       `json:"provider_call_id,omitempty"`
	Provider       string       `json:"provider"`
	Direction      Direction    `json:"direction"`
	Candidate      CandidateRef `json:"candidate"`
	SlotID         string       `json:"slot_id,omitempty"`
	State          CallState    `json:"state"`
	Outcome        string       `json:"outcome,omitempty"`
	AppliedSeqs    []int64      `json:"applied_seqs,omitempty"`
	LastSeq        int64        `json:"last_seq"`
	LastStampSeq   int64        `json:"last_stamp_seq,omitempty"`
	LastActivityAt time.Time    `json:"last_activity_at"`
	DTMFBuffer     string       `json:"dtmf_buffer,omitempty"`
	SelectedSlot   *int         `json:"selected_slot,omitempty"`
	IVR            IVRState     `json:"ivr"`
	Questions      []string     `json:"questions,omitempty"`
	Answers        []string     `json:"answers,omitempty"`
	BookingID      string       `json:"booking_id,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
}

// Clone returns a deep copy safe to hand out of the registry.
func (s *CallSession) Clone() CallSession {
	c := *s
	c.AppliedSeqs = append([]int64(nil), s.AppliedSeqs...)
	c.Questions = append([]string(nil), s.Questions...)
	c.Answers = append([]string(nil), s.Answers...)
	c.IVR.Window = append([]Slot(nil), s.IVR.Window...)
	if s.SelectedSlot != nil {
		v := *s.SelectedSlot
		c.SelectedSlot = &v
	}
	if s.EndedAt != nil {
		v := *s.EndedAt
		c.EndedAt = &v
	}
	return c
}

// LastSeqFor returns the highest applied ordering key from the given source.
// Provider sequences are tracked in LastSeq, timestamp-derived keys in
// LastStampSeq. An empty source counts as a provider sequence.
func (s *CallSession) LastSeqFor(src SeqSource) int64 {
	if src == SeqTimestamp {
		return s.LastStampSeq
	}
	return s.LastSeq
}

// RecordSeq appends seq to the applied log and advances the high-water mark
// of its source.
func (s *CallSession) RecordSeq(seq int64, src SeqSource) {
	s.AppliedSeqs = append(s.AppliedSeqs, seq)
	if src == SeqTimestamp {
		if seq > s.LastStampSeq {
			s.LastStampSeq = seq
		}
		return
	}
	if seq > s.LastSeq {
		s.LastSeq = seq
	}
}

// Touch marks activity on the session.
func (s *CallSession) Touch(now time.Time) {
	s.LastActivityAt = now
	s.UpdatedAt = now
}

// Transition describes one applied state change.
type Transition struct {
	CallID string    `json:"call_id"`
	From   CallState `json:"from"`
	To     CallState `json:"to"`
	Cause  string    `json:"cause"`
	At     time.Time `json:"at"`
}

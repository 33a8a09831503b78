package domain

import (
	"time"
)

// EventKind is the normalized kind of a provider webhook event.
type EventKind string

const (
	EventCallStarted EventKind = "call.started"
	EventDTMF        EventKind = "dtmf"
	EventFinished    EventKind = "finished"
	EventError       EventKind = "error"
)

// EventOutcome records what ingestion did with an event.
type EventOutcome string

const (
	OutcomeApplied    EventOutcome = "applied"
	OutcomeDuplicate  EventOutcome = "duplicate"
	OutcomeOutOfOrder EventOutcome = "out_of_order"
	OutcomeRejected   EventOutcome = "rejected"
)

// SeqSource tells where an event's ordering key came from. Provider
// sequences and timestamp-derived keys are never compared with each other.
type SeqSource string

const (
	SeqProvider  SeqSource = "provider"
	SeqTimestamp SeqSource = "timestamp"
)

// EventPayload carries the kind-specific fields of an event.
type EventPayload struct {
	Digit     string    `json:"digit,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CallEvent is an immutable entry of the append-only event log.
type CallEvent struct {
	ID             int64        `json:"id,omitempty"`
	EventID        string       `json:"event_id"`
	Provider       string       `json:"provider"`
	Kind           EventKind    `json:"kind"`
	ProviderCallID string       `json:"provider_call_id"`
	CallID         string       `json:"call_id,omitempty"`
	Direction      Direction    `json:"direction,omitempty"`
	Seq            int64        `json:"seq"`
	SeqSource      SeqSource    `json:"seq_source,omitempty"`
	Payload        EventPayload `json:"payload"`
	PayloadDigest  string       `json:"payload_digest,omitempty"`
	Outcome        EventOutcome `json:"outcome"`
	Detail         string       `json:"detail,omitempty"`
	ReceivedAt     time.Time    `json:"received_at"`
}

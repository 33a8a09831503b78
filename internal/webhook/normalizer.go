// Package webhook turns raw provider webhooks into normalized call events.
//
// Ingest validates the envelope, drops redeliveries, resolves the session
// and hands the event to the call state machine. Every event that reaches a
// session is appended to the audit log together with what happened to it.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"

	"github.com/ashureev/prescreen-voip/internal/clock"
	"github.com/ashureev/prescreen-voip/internal/domain"
	"github.com/ashureev/prescreen-voip/internal/registry"
	"github.com/ashureev/prescreen-voip/internal/shared"
)

// Sessions is the part of the registry the normalizer needs.
type Sessions interface {
	Get(ctx context.Context, id string) (domain.CallSession, error)
	GetByProviderID(ctx context.Context, provider, providerCallID string) (domain.CallSession, error)
	Create(ctx context.Context, p registry.CreateParams) (domain.CallSession, error)
}

// Machine applies normalized events.
type Machine interface {
	Handle(ctx context.Context, id string, ev domain.CallEvent) (domain.CallSession, error)
}

// EventLog is the append-only audit trail of provider events.
type EventLog interface {
	AppendEvent(ctx context.Context, event *domain.CallEvent) (bool, error)
	HasEvent(ctx context.Context, provider, eventID string) (bool, error)
}

// Rejection reasons.
const (
	ReasonMalformed      = "malformed_json"
	ReasonSchema         = "invalid_envelope"
	ReasonUnknownKind    = "unknown_event_type"
	ReasonMissingSeq     = "missing_sequence"
	ReasonUnknownCall    = "unknown_call"
	ReasonOutOfOrder     = "out_of_order"
	ReasonConflict       = "provider_call_id_conflict"
	ReasonInternal       = "internal_error"
	ReasonEventLogFailed = "event_log_unavailable"
)

// Result is what Ingest did with one webhook.
type Result struct {
	Outcome domain.EventOutcome `json:"outcome"`
	Reason  string              `json:"reason,omitempty"`
	CallID  string              `json:"call_id,omitempty"`
}

// Config tunes the normalizer.
type Config struct {
	// DefaultProvider is assumed when the envelope names none.
	DefaultProvider string
	// InboundVacancyID is attached to sessions created by inbound calls.
	InboundVacancyID string
}

// Normalizer ingests raw webhooks.
type Normalizer struct {
	cfg      Config
	schema   *jsonschema.Schema
	sessions Sessions
	machine  Machine
	events   EventLog
	seen     *Window
	clock    clock.Clock
	logger   *slog.Logger
}

// NewNormalizer compiles the envelope schema and wires the collaborators.
func NewNormalizer(cfg Config, sessions Sessions, machine Machine, events EventLog, seen *Window, clk clock.Clock, logger *slog.Logger) (*Normalizer, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}
	if seen == nil {
		seen = NewWindow(0, 0)
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.DefaultProvider = strings.ToLower(strings.TrimSpace(cfg.DefaultProvider))
	return &Normalizer{
		cfg:      cfg,
		schema:   schema,
		sessions: sessions,
		machine:  machine,
		events:   events,
		seen:     seen,
		clock:    clk,
		logger:   logger,
	}, nil
}

// Window returns the dedup window so it can be pruned.
func (n *Normalizer) Window() *Window {
	return n.seen
}

// Ingest processes one raw webhook body. It never panics on bad input.
func (n *Normalizer) Ingest(ctx context.Context, raw []byte) Result {
	res, env := n.ingest(ctx, raw)

	attrs := []any{
		"outcome", res.Outcome,
		"event_id", env.EventID,
		"event_type", env.EventType,
		"provider_call_id", env.ProviderCallID,
	}
	if res.CallID != "" {
		attrs = append(attrs, "call_id", res.CallID)
	}
	if res.Reason != "" {
		attrs = append(attrs, "reason", res.Reason)
	}
	switch res.Outcome {
	case domain.OutcomeRejected:
		n.logger.Warn("webhook rejected", attrs...)
	case domain.OutcomeDuplicate:
		n.logger.Debug("webhook duplicate", attrs...)
	default:
		n.logger.Info("webhook applied", attrs...)
	}
	return res
}

func (n *Normalizer) ingest(ctx context.Context, raw []byte) (Result, Envelope) {
	var env Envelope
	if !json.Valid(raw) {
		return rejected(ReasonMalformed), env
	}
	if result := n.schema.ValidateJSON(raw); !result.IsValid() {
		return rejected(fmt.Sprintf("%s: %v", ReasonSchema, result.Errors)), env
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return rejected(ReasonMalformed), env
	}

	providerName := strings.ToLower(strings.TrimSpace(env.Provider))
	if providerName == "" {
		providerName = n.cfg.DefaultProvider
	}
	kind, ok := normalizeKind(providerName, env.EventType)
	if !ok {
		return rejected(fmt.Sprintf("%s: %q", ReasonUnknownKind, env.EventType)), env
	}
	seq, seqSource, ok := env.sequence()
	if !ok {
		return rejected(ReasonMissingSeq), env
	}

	now := n.clock.Now()
	key := providerName + "/" + env.EventID
	if !n.seen.Claim(key, now) {
		return Result{Outcome: domain.OutcomeDuplicate}, env
	}
	logged, err := n.events.HasEvent(ctx, providerName, env.EventID)
	if err != nil {
		n.seen.Release(key)
		n.logger.Error("event log lookup failed", "event_id", env.EventID, "error", err)
		return rejected(ReasonEventLogFailed), env
	}
	if logged {
		return Result{Outcome: domain.OutcomeDuplicate}, env
	}

	session, err := n.resolve(ctx, providerName, kind, env)
	if err != nil {
		n.seen.Release(key)
		if errors.Is(err, domain.ErrUnknownCall) {
			return rejected(ReasonUnknownCall), env
		}
		n.logger.Error("session lookup failed", "event_id", env.EventID, "error", err)
		return rejected(ReasonInternal), env
	}

	ev := domain.CallEvent{
		EventID:        env.EventID,
		Provider:       providerName,
		Kind:           kind,
		ProviderCallID: env.ProviderCallID,
		CallID:         session.ID,
		Direction:      domain.Direction(env.Direction),
		Seq:            seq,
		SeqSource:      seqSource,
		Payload: domain.EventPayload{
			Digit:  env.Payload.Digit,
			Reason: env.Payload.Reason,
		},
		ReceivedAt: now,
	}
	if ts, ok := env.eventTime(); ok {
		ev.Payload.Timestamp = ts
	}
	if d, err := digest(raw); err == nil {
		ev.PayloadDigest = d
	}

	res := Result{CallID: session.ID}
	_, err = n.machine.Handle(ctx, session.ID, ev)
	switch {
	case err == nil:
		ev.Outcome = domain.OutcomeApplied
		res.Outcome = domain.OutcomeApplied
	case errors.Is(err, domain.ErrOutOfOrderEvent):
		ev.Outcome = domain.OutcomeOutOfOrder
		ev.Detail = err.Error()
		res.Outcome = domain.OutcomeRejected
		res.Reason = ReasonOutOfOrder
	case errors.Is(err, domain.ErrProviderIDConflict):
		n.seen.Release(key)
		res.Outcome = domain.OutcomeRejected
		res.Reason = ReasonConflict
		return res, env
	default:
		n.seen.Release(key)
		n.logger.Error("event apply failed", "call_id", session.ID, "event_id", env.EventID, "error", err)
		res.Outcome = domain.OutcomeRejected
		res.Reason = ReasonInternal
		return res, env
	}

	n.record(ctx, &ev)
	return res, env
}

// resolve finds the session an event belongs to. An inbound call.started
// for an unknown provider call id opens a new inbound session.
func (n *Normalizer) resolve(ctx context.Context, providerName string, kind domain.EventKind, env Envelope) (domain.CallSession, error) {
	if env.ProviderCallID != "" {
		s, err := n.sessions.GetByProviderID(ctx, providerName, env.ProviderCallID)
		if err == nil {
			return s, nil
		}
		if !registry.IsUnknown(err) {
			return domain.CallSession{}, err
		}
	}

	if env.CallID != "" {
		s, err := n.sessions.Get(ctx, env.CallID)
		if err != nil {
			return domain.CallSession{}, err
		}
		if s.Provider != providerName {
			return domain.CallSession{}, fmt.Errorf("call %s belongs to %s: %w", s.ID, s.Provider, domain.ErrUnknownCall)
		}
		return s, nil
	}

	if kind == domain.EventCallStarted && domain.Direction(env.Direction) == domain.Inbound && env.ProviderCallID != "" {
		return n.sessions.Create(ctx, registry.CreateParams{
			Provider:       providerName,
			Direction:      domain.Inbound,
			Candidate:      domain.CandidateRef{VacancyID: n.cfg.InboundVacancyID},
			ProviderCallID: env.ProviderCallID,
		})
	}
	return domain.CallSession{}, domain.ErrUnknownCall
}

// record appends ev to the audit log. The state change has already been
// committed, so a failure here is logged and the dedup claim is kept.
func (n *Normalizer) record(ctx context.Context, ev *domain.CallEvent) {
	err := shared.RetryOnConflict(ctx, 3, 20*time.Millisecond, func() error {
		_, err := n.events.AppendEvent(ctx, ev)
		return err
	})
	if err != nil {
		n.logger.Error("failed to append call event",
			"call_id", ev.CallID,
			"event_id", ev.EventID,
			"outcome", ev.Outcome,
			"error", err)
	}
}

func rejected(reason string) Result {
	return Result{Outcome: domain.OutcomeRejected, Reason: reason}
}

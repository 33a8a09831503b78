// Package callflow owns the call session lifecycle.
//
// All transitions run inside Registry.Apply, so for one session they are
// strictly sequential. Side effects that must not run under the session lock
// (timers, live feed, contact log) are performed after Apply returns.
package callflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/ashureev/prescreen-voip/internal/clock"
	"github.com/ashureev/prescreen-voip/internal/domain"
	"github.com/ashureev/prescreen-voip/internal/ivr"
	"github.com/ashureev/prescreen-voip/internal/registry"
)

// ErrNotInIVR is returned when a prompt is requested for a session that is
// not in the IVR dialog.
var ErrNotInIVR = errors.New("call is not in IVR")

// Publisher receives every applied transition.
type Publisher interface {
	Publish(t domain.Transition)
}

// ContactRecorder persists candidate contact events.
type ContactRecorder interface {
	AppendContactEvent(ctx context.Context, event *domain.ContactEvent) error
}

// Config holds the lifecycle timeouts.
type Config struct {
	RingTimeout   time.Duration
	IVRInactivity time.Duration
	FinalizeGrace time.Duration
}

// Defaults used when Config fields are zero.
const (
	DefaultRingTimeout   = 45 * time.Second
	DefaultIVRInactivity = 30 * time.Second
	DefaultFinalizeGrace = 60 * time.Second
)

// Outcome and cause labels recorded on sessions and transitions.
const (
	CauseDispatchAck    = "dispatch_ack"
	CauseDispatchFailed = "dispatch_failed"
	CauseRingTimeout    = "ring_timeout"
	CauseIVRTimeout     = "ivr_inactivity"
	CauseFinalizeGrace  = "finalize_grace"
	CauseIVRStart       = "ivr_start"
	CauseBooked         = "booking_confirmed"
	CauseAbandoned      = "abandoned"
)

// Machine drives sessions through their states.
type Machine struct {
	cfg      Config
	reg      *registry.Registry
	engine   *ivr.Engine
	clock    clock.Clock
	logger   *slog.Logger
	pub      Publisher
	contacts ContactRecorder
	timers   *timerSet
}

// Option configures a Machine.
type Option func(*Machine)

// WithPublisher sets the live feed publisher.
func WithPublisher(p Publisher) Option {
	return func(m *Machine) { m.pub = p }
}

// WithContacts sets the contact log recorder.
func WithContacts(c ContactRecorder) Option {
	return func(m *Machine) { m.contacts = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// New creates a state machine.
func New(cfg Config, reg *registry.Registry, engine *ivr.Engine, clk clock.Clock, opts ...Option) *Machine {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.IVRInactivity <= 0 {
		cfg.IVRInactivity = DefaultIVRInactivity
	}
	if cfg.FinalizeGrace <= 0 {
		cfg.FinalizeGrace = DefaultFinalizeGrace
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	m := &Machine{
		cfg:    cfg,
		reg:    reg,
		engine: engine,
		clock:  clk,
		logger: slog.Default(),
		timers: newTimerSet(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// step accumulates what happened during one Apply.
type step struct {
	transitions []domain.Transition
	contacts    []domain.ContactEvent
	prompt      *ivr.Prompt
}

func (st *step) move(s *domain.CallSession, to domain.CallState, cause string, at time.Time) {
	st.transitions = append(st.transitions, domain.Transition{
		CallID: s.ID, From: s.State, To: to, Cause: cause, At: at,
	})
	s.State = to
	if to == domain.StateCompleted {
		ended := at
		s.EndedAt = &ended
	}
}

func (st *step) contact(s *domain.CallSession, typ string, meta map[string]any, at time.Time) {
	if s.Candidate.CandidateID == "" {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["call_id"] = s.ID
	st.contacts = append(st.contacts, domain.ContactEvent{
		CandidateID: s.Candidate.CandidateID, Type: typ, Meta: meta, CreatedAt: at,
	})
}

// Acknowledge records the provider's acceptance of a dispatched call:
// INITIATED moves to RINGING and the provider call id is bound if known.
func (m *Machine) Acknowledge(ctx context.Context, id, providerCallID string) (domain.CallSession, error) {
	return m.run(ctx, id, func(s *domain.CallSession, st *step, now time.Time) error {
		if s.State != domain.StateInitiated {
			return fmt.Errorf("acknowledge in %s: %w", s.State, domain.ErrOutOfOrderEvent)
		}
		if providerCallID != "" {
			if err := registry.BindProvider(s, providerCallID); err != nil {
				return err
			}
		}
		st.move(s, domain.StateRinging, CauseDispatchAck, now)
		return nil
	})
}

// FailDispatch force-fails a session whose provider rejected the call.
func (m *Machine) FailDispatch(ctx context.Context, id, reason string) (domain.CallSession, error) {
	return m.run(ctx, id, func(s *domain.CallSession, st *step, now time.Time) error {
		if s.State != domain.StateInitiated {
			return fmt.Errorf("fail dispatch in %s: %w", s.State, domain.ErrOutOfOrderEvent)
		}
		s.Outcome = "failed:" + reason
		st.move(s, domain.StateFailed, CauseDispatchFailed, now)
		st.move(s, domain.StateCompleted, CauseDispatchFailed, now)
		st.contact(s, domain.ContactCallFailed, map[string]any{"reason": reason}, now)
		return nil
	})
}

// Handle applies a normalized provider event to the session. Events that do
// not fit the current state, or whose sequence is below the highest applied
// one from the same source, fail with domain.ErrOutOfOrderEvent and leave the
// session untouched.
func (m *Machine) Handle(ctx context.Context, id string, ev domain.CallEvent) (domain.CallSession, error) {
	return m.run(ctx, id, func(s *domain.CallSession, st *step, now time.Time) error {
		if last := s.LastSeqFor(ev.SeqSource); ev.Seq < last {
			return fmt.Errorf("seq %d below %d: %w", ev.Seq, last, domain.ErrOutOfOrderEvent)
		}
		if err := m.transition(ctx, s, st, ev, now); err != nil {
			return err
		}
		s.RecordSeq(ev.Seq, ev.SeqSource)
		s.Touch(now)
		return nil
	})
}

func (m *Machine) transition(ctx context.Context, s *domain.CallSession, st *step, ev domain.CallEvent, now time.Time) error {
	cause := string(ev.Kind)
	switch ev.Kind {
	case domain.EventCallStarted:
		if s.State != domain.StateInitiated && s.State != domain.StateRinging {
			return fmt.Errorf("%s in %s: %w", ev.Kind, s.State, domain.ErrOutOfOrderEvent)
		}
		if ev.ProviderCallID != "" {
			if err := registry.BindProvider(s, ev.ProviderCallID); err != nil {
				return err
			}
		}
		st.move(s, domain.StateAnswered, cause, now)
		st.contact(s, domain.ContactCallStarted, map[string]any{"direction": string(s.Direction)}, now)
		return nil

	case domain.EventDTMF:
		if ev.Payload.Digit == "" {
			return fmt.Errorf("dtmf without digit: %w", domain.ErrOutOfOrderEvent)
		}
		switch s.State {
		case domain.StateAnswered:
			// The first key press wakes the dialog and is not a menu choice;
			// keys after it in the same event are.
			if err := m.startIVR(ctx, s, st, cause, now); err != nil {
				return err
			}
			_, size := utf8.DecodeRuneInString(ev.Payload.Digit)
			if rest := ev.Payload.Digit[size:]; rest != "" && s.State == domain.StateIVRActive {
				return m.digits(ctx, s, st, rest, now)
			}
			return nil
		case domain.StateIVRActive:
			return m.digits(ctx, s, st, ev.Payload.Digit, now)
		default:
			return fmt.Errorf("%s in %s: %w", ev.Kind, s.State, domain.ErrOutOfOrderEvent)
		}

	case domain.EventFinished:
		reason := ev.Payload.Reason
		switch s.State {
		case domain.StateBooked, domain.StateAbandoned, domain.StateFailed:
		case domain.StateAnswered, domain.StateIVRActive:
			s.Outcome = "abandoned"
			st.move(s, domain.StateAbandoned, cause, now)
		case domain.StateInitiated, domain.StateRinging:
			s.Outcome = "failed:" + firstNonEmpty(reason, "no_answer")
			st.move(s, domain.StateFailed, cause, now)
		default:
			return fmt.Errorf("%s in %s: %w", ev.Kind, s.State, domain.ErrOutOfOrderEvent)
		}
		m.finalize(s, st, cause, reason, now)
		return nil

	case domain.EventError:
		reason := firstNonEmpty(ev.Payload.Reason, "provider_error")
		switch s.State {
		case domain.StateInitiated, domain.StateRinging:
			s.Outcome = "failed:" + reason
			st.move(s, domain.StateFailed, cause, now)
		case domain.StateAnswered, domain.StateIVRActive:
			s.Outcome = "abandoned"
			st.move(s, domain.StateAbandoned, cause, now)
		default:
			return fmt.Errorf("%s in %s: %w", ev.Kind, s.State, domain.ErrOutOfOrderEvent)
		}
		return nil
	}
	return fmt.Errorf("unsupported event kind %q: %w", ev.Kind, domain.ErrOutOfOrderEvent)
}

// StartIVR is the explicit IVR-start trigger for an ANSWERED session. For a
// session already in IVR_ACTIVE it returns the current prompt unchanged, and
// for a BOOKED or ABANDONED one the closing prompt of the dialog.
func (m *Machine) StartIVR(ctx context.Context, id string) (ivr.Prompt, error) {
	var prompt ivr.Prompt
	_, err := m.run(ctx, id, func(s *domain.CallSession, st *step, now time.Time) error {
		switch s.State {
		case domain.StateAnswered:
			if err := m.startIVR(ctx, s, st, CauseIVRStart, now); err != nil {
				return err
			}
			s.Touch(now)
			prompt = *st.prompt
			return nil
		case domain.StateIVRActive:
			prompt = m.engine.NextPrompt(*s)
			return errUnchanged
		case domain.StateBooked, domain.StateAbandoned:
			prompt = m.engine.ClosingPrompt(*s)
			return errUnchanged
		default:
			return fmt.Errorf("state %s: %w", s.State, ErrNotInIVR)
		}
	})
	if errors.Is(err, errUnchanged) {
		err = nil
	}
	return prompt, err
}

// Prompt returns the current prompt of a session in IVR_ACTIVE.
func (m *Machine) Prompt(ctx context.Context, id string) (ivr.Prompt, error) {
	s, err := m.reg.Get(ctx, id)
	if err != nil {
		return ivr.Prompt{}, err
	}
	if s.State != domain.StateIVRActive {
		return ivr.Prompt{}, fmt.Errorf("state %s: %w", s.State, ErrNotInIVR)
	}
	return m.engine.NextPrompt(s), nil
}

func (m *Machine) startIVR(ctx context.Context, s *domain.CallSession, st *step, cause string, now time.Time) error {
	st.move(s, domain.StateIVRActive, cause, now)
	res, err := m.engine.Start(ctx, s)
	if err != nil {
		return err
	}
	if len(s.Questions) > 0 {
		st.contact(s, domain.ContactPrescreenStarted, map[string]any{"questions": len(s.Questions)}, now)
	}
	m.applyResult(s, st, res, now)
	return nil
}

func (m *Machine) digits(ctx context.Context, s *domain.CallSession, st *step, digits string, now time.Time) error {
	for _, d := range digits {
		res, err := m.engine.OnDigit(ctx, s, d)
		if err != nil {
			return err
		}
		m.applyResult(s, st, res, now)
		if s.State != domain.StateIVRActive {
			break
		}
	}
	return nil
}

func (m *Machine) applyResult(s *domain.CallSession, st *step, res ivr.Result, now time.Time) {
	p := res.Prompt
	st.prompt = &p
	if res.PrescreenDone {
		st.contact(s, domain.ContactPrescreenFinished, map[string]any{"answers": append([]string(nil), s.Answers...)}, now)
	}
	switch res.Action {
	case ivr.ActionBooked:
		s.Outcome = "booked"
		st.move(s, domain.StateBooked, CauseBooked, now)
		meta := map[string]any{"slot_id": s.SlotID}
		if res.Booking != nil {
			meta["booking_id"] = res.Booking.ID
			meta["code"] = res.Booking.Code
		}
		st.contact(s, domain.ContactSlotBooked, meta, now)
	case ivr.ActionAbandon:
		s.Outcome = "abandoned"
		st.move(s, domain.StateAbandoned, CauseAbandoned, now)
	}
}

func (m *Machine) finalize(s *domain.CallSession, st *step, cause, reason string, now time.Time) {
	failed := s.State == domain.StateFailed
	st.move(s, domain.StateCompleted, cause, now)
	meta := map[string]any{"outcome": s.Outcome}
	if reason != "" {
		meta["reason"] = reason
	}
	if failed {
		st.contact(s, domain.ContactCallFailed, meta, now)
		return
	}
	st.contact(s, domain.ContactCallFinished, meta, now)
}

// errUnchanged aborts an Apply without it counting as a failure.
var errUnchanged = errors.New("unchanged")

// run executes fn under the session lock and then performs side effects.
func (m *Machine) run(ctx context.Context, id string, fn func(*domain.CallSession, *step, time.Time) error) (domain.CallSession, error) {
	var st step
	session, err := m.reg.Apply(ctx, id, func(s *domain.CallSession) error {
		st = step{}
		return fn(s, &st, m.clock.Now())
	})
	if err != nil {
		return domain.CallSession{}, err
	}
	m.afterApply(ctx, session, st)
	return session, nil
}

func (m *Machine) afterApply(ctx context.Context, s domain.CallSession, st step) {
	for _, t := range st.transitions {
		m.logger.Info("call transition",
			"call_id", t.CallID,
			"from", t.From,
			"to", t.To,
			"cause", t.Cause)
		if m.pub != nil {
			m.pub.Publish(t)
		}
	}
	if m.contacts != nil {
		for i := range st.contacts {
			if err := m.contacts.AppendContactEvent(ctx, &st.contacts[i]); err != nil {
				m.logger.Warn("failed to record contact event",
					"call_id", s.ID,
					"type", st.contacts[i].Type,
					"error", err)
			}
		}
	}
	m.armTimers(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

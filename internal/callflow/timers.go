package callflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ashureev/prescreen-voip/internal/clock"
	"github.com/ashureev/prescreen-voip/internal/domain"
)

type timerKind string

const (
	timerRing     timerKind = "ring"
	timerIVR      timerKind = "ivr_inactivity"
	timerFinalize timerKind = "finalize"
)

// timerSet keeps at most one pending timer per call. Every arm bumps the
// generation so a callback that lost the race with Stop can tell it is stale.
type timerSet struct {
	mu      sync.Mutex
	pending map[string]armedTimer
	gen     uint64
}

type armedTimer struct {
	timer clock.Timer
	gen   uint64
}

func newTimerSet() *timerSet {
	return &timerSet{pending: make(map[string]armedTimer)}
}

func (ts *timerSet) arm(clk clock.Clock, id string, d time.Duration, fire func(gen uint64)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if old, ok := ts.pending[id]; ok {
		old.timer.Stop()
	}
	ts.gen++
	gen := ts.gen
	t := clk.AfterFunc(d, func() { fire(gen) })
	ts.pending[id] = armedTimer{timer: t, gen: gen}
}

func (ts *timerSet) cancel(id string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if old, ok := ts.pending[id]; ok {
		old.timer.Stop()
		delete(ts.pending, id)
	}
}

// claim removes the timer if gen is still current.
func (ts *timerSet) claim(id string, gen uint64) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	cur, ok := ts.pending[id]
	if !ok || cur.gen != gen {
		return false
	}
	delete(ts.pending, id)
	return true
}

func (ts *timerSet) stopAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for id, t := range ts.pending {
		t.timer.Stop()
		delete(ts.pending, id)
	}
}

func (ts *timerSet) len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.pending)
}

// armTimers schedules the timer that guards the session's current state.
func (m *Machine) armTimers(s domain.CallSession) {
	var kind timerKind
	var d time.Duration
	switch {
	case s.State == domain.StateRinging:
		kind, d = timerRing, m.cfg.RingTimeout
	case s.State == domain.StateIVRActive:
		kind, d = timerIVR, m.cfg.IVRInactivity
	case s.State.AwaitsFinalize():
		kind, d = timerFinalize, m.cfg.FinalizeGrace
	default:
		m.timers.cancel(s.ID)
		return
	}

	id, state := s.ID, s.State
	m.timers.arm(m.clock, id, d, func(gen uint64) {
		if !m.timers.claim(id, gen) {
			return
		}
		m.onTimeout(id, kind, state)
	})
}

func (m *Machine) onTimeout(id string, kind timerKind, armedIn domain.CallState) {
	ctx := context.Background()
	_, err := m.run(ctx, id, func(s *domain.CallSession, st *step, now time.Time) error {
		if s.State != armedIn {
			return errUnchanged
		}
		switch kind {
		case timerRing:
			s.Outcome = "failed:no_answer"
			st.move(s, domain.StateFailed, CauseRingTimeout, now)
		case timerIVR:
			s.Outcome = "abandoned"
			st.move(s, domain.StateAbandoned, CauseIVRTimeout, now)
		case timerFinalize:
			m.finalize(s, st, CauseFinalizeGrace, "", now)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		m.logger.Warn("call timer failed", "call_id", id, "timer", string(kind), "error", err)
		return
	}
	if err == nil {
		m.logger.Info("call timer fired", "call_id", id, "timer", string(kind))
	}
}

// Resume re-arms timers for sessions restored after a restart.
func (m *Machine) Resume(sessions []domain.CallSession) {
	for _, s := range sessions {
		m.armTimers(s)
	}
}

// PendingTimers returns the number of armed timers.
func (m *Machine) PendingTimers() int {
	return m.timers.len()
}

// Stop cancels every pending timer.
func (m *Machine) Stop() {
	m.timers.stopAll()
}

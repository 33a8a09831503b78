// Package escalation places one automatic call for every invitation that
// stayed unused for too long.
package escalation

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/prescreen-voip/internal/clock"
	"github.com/ashureev/prescreen-voip/internal/dispatch"
	"github.com/ashureev/prescreen-voip/internal/domain"
)

// Defaults.
const (
	DefaultInterval      = 5 * time.Minute
	DefaultAutocallAfter = 24 * time.Hour
	minInterval          = time.Minute
)

// Store is the token and contact persistence the worker needs.
type Store interface {
	ListUnconsumedTokens(ctx context.Context, issuedBefore, now time.Time) ([]domain.InvitationToken, error)
	MarkTokenAutocalled(ctx context.Context, jti string, now time.Time) (bool, error)
	AppendContactEvent(ctx context.Context, event *domain.ContactEvent) error
}

// Dialer places outbound calls.
type Dialer interface {
	Dispatch(ctx context.Context, req dispatch.Request) (domain.CallSession, error)
}

// Config controls the escalation loop.
type Config struct {
	Interval      time.Duration
	AutocallAfter time.Duration
	// Provider is passed to the dispatcher; empty means its default.
	Provider string
}

// Worker scans invitations and dispatches autocalls.
type Worker struct {
	cfg    Config
	store  Store
	dialer Dialer
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a worker.
func New(cfg Config, store Store, dialer Dialer, clk clock.Clock, logger *slog.Logger) *Worker {
	if cfg.Interval < minInterval {
		cfg.Interval = DefaultInterval
	}
	if cfg.AutocallAfter <= 0 {
		cfg.AutocallAfter = DefaultAutocallAfter
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, store: store, dialer: dialer, clock: clk, logger: logger}
}

// RunOnce escalates every eligible token and returns how many calls were
// dispatched. A token is marked before dialing, so it is escalated at most
// once even if the call fails.
func (w *Worker) RunOnce(ctx context.Context) int {
	now := w.clock.Now()
	tokens, err := w.store.ListUnconsumedTokens(ctx, now.Add(-w.cfg.AutocallAfter), now)
	if err != nil {
		w.logger.Error("escalation scan failed", "error", err)
		return 0
	}

	dialed := 0
	for _, tok := range tokens {
		if ctx.Err() != nil {
			break
		}
		if tok.Subject.Phone == "" {
			continue
		}
		marked, err := w.store.MarkTokenAutocalled(ctx, tok.JTI, now)
		if err != nil {
			w.logger.Warn("failed to mark token autocalled", "jti", tok.JTI, "error", err)
			continue
		}
		if !marked {
			continue
		}

		session, err := w.dialer.Dispatch(ctx, dispatch.Request{
			Provider: w.cfg.Provider,
			Candidate: domain.CandidateRef{
				CandidateID: tok.Subject.CandidateID,
				VacancyID:   tok.Subject.VacancyID,
				Phone:       tok.Subject.Phone,
			},
		})
		if err != nil {
			w.logger.Warn("autocall dispatch failed",
				"jti", tok.JTI,
				"candidate_id", tok.Subject.CandidateID,
				"error", err)
			continue
		}
		dialed++

		if err := w.store.AppendContactEvent(ctx, &domain.ContactEvent{
			CandidateID: tok.Subject.CandidateID,
			Type:        domain.ContactAutocallStarted,
			Meta:        map[string]any{"call_id": session.ID, "jti": tok.JTI},
			CreatedAt:   now,
		}); err != nil {
			w.logger.Warn("failed to record autocall", "call_id", session.ID, "error", err)
		}
		w.logger.Info("autocall started",
			"call_id", session.ID,
			"candidate_id", tok.Subject.CandidateID,
			"vacancy_id", tok.Subject.VacancyID)
	}
	return dialed
}

// Start runs RunOnce every interval until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	go func() {
		defer ticker.Stop()
		w.logger.Info("escalation worker started", "interval", w.cfg.Interval, "autocall_after", w.cfg.AutocallAfter)
		for {
			select {
			case <-ticker.C:
				w.RunOnce(ctx)
			case <-ctx.Done():
				w.logger.Info("escalation worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

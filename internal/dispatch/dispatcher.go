// Package dispatch places outbound calls through a provider adapter.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/prescreen-voip/internal/callflow"
	"github.com/ashureev/prescreen-voip/internal/domain"
	"github.com/ashureev/prescreen-voip/internal/provider"
	"github.com/ashureev/prescreen-voip/internal/registry"
)

// ErrMissingPhone is returned when the request has no number to call.
var ErrMissingPhone = errors.New("phone number is required")

// FailureReason is recorded on sessions whose provider rejected the call.
const FailureReason = "dispatch_failed"

// Request describes one outbound call.
type Request struct {
	Provider  string
	Candidate domain.CandidateRef
	SlotID    string
	Questions []string
	From      string
}

// Dispatcher creates sessions and forwards create-call commands.
type Dispatcher struct {
	providers *provider.Registry
	reg       *registry.Registry
	machine   *callflow.Machine
	logger    *slog.Logger
}

// New creates a dispatcher.
func New(providers *provider.Registry, reg *registry.Registry, machine *callflow.Machine, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{providers: providers, reg: reg, machine: machine, logger: logger}
}

// Check returns the error Dispatch would fail with before creating a
// session: ErrMissingPhone or an unresolvable provider.
func (d *Dispatcher) Check(req Request) error {
	_, err := d.prepare(&req)
	return err
}

func (d *Dispatcher) prepare(req *Request) (provider.Adapter, error) {
	req.Candidate.Phone = strings.TrimSpace(req.Candidate.Phone)
	if req.Candidate.Phone == "" {
		return nil, ErrMissingPhone
	}
	return d.providers.Resolve(req.Provider)
}

// Dispatch resolves the provider adapter once, records it on a new session
// and asks the provider to place the call. Provider failures are returned as
// domain.ErrProviderUnavailable together with the force-failed session.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (domain.CallSession, error) {
	adapter, err := d.prepare(&req)
	if err != nil {
		return domain.CallSession{}, err
	}

	session, err := d.reg.Create(ctx, registry.CreateParams{
		Provider:  adapter.Name(),
		Direction: domain.Outbound,
		Candidate: req.Candidate,
		SlotID:    req.SlotID,
		Questions: req.Questions,
	})
	if err != nil {
		return domain.CallSession{}, fmt.Errorf("create session: %w", err)
	}

	res, err := adapter.CreateCall(ctx, provider.CallRequest{
		CallID:    session.ID,
		To:        req.Candidate.Phone,
		From:      req.From,
		Candidate: req.Candidate,
	})
	if err != nil {
		d.logger.Warn("provider rejected call",
			"call_id", session.ID,
			"provider", adapter.Name(),
			"error", err)
		// The request context may already be done; the failure must still land.
		failed, ferr := d.machine.FailDispatch(context.WithoutCancel(ctx), session.ID, FailureReason)
		if ferr != nil {
			d.logger.Error("failed to mark dispatch failure", "call_id", session.ID, "error", ferr)
			failed = session
		}
		if !errors.Is(err, domain.ErrProviderUnavailable) {
			err = fmt.Errorf("%v: %w", err, domain.ErrProviderUnavailable)
		}
		return failed, fmt.Errorf("dispatch %s via %s: %w", session.ID, adapter.Name(), err)
	}

	acked, err := d.machine.Acknowledge(ctx, session.ID, res.ProviderCallID)
	if errors.Is(err, domain.ErrOutOfOrderEvent) {
		// A webhook already moved the session past INITIATED.
		return d.reg.Get(ctx, session.ID)
	}
	if err != nil {
		return domain.CallSession{}, fmt.Errorf("acknowledge %s: %w", session.ID, err)
	}

	d.logger.Info("call dispatched",
		"call_id", acked.ID,
		"provider", acked.Provider,
		"provider_call_id", acked.ProviderCallID,
		"candidate_id", acked.Candidate.CandidateID)
	return acked, nil
}

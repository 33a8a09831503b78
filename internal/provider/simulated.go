package provider

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// SimulatedAdapter accepts every call in-process and hands back a generated
// provider call id. Webhooks are then injected by tests or voipctl.
type SimulatedAdapter struct {
	mu    sync.Mutex
	fail  error
	calls []CallRequest
}

// NewSimulated creates a simulated provider.
func NewSimulated() *SimulatedAdapter {
	return &SimulatedAdapter{}
}

// Name returns "simulated".
func (s *SimulatedAdapter) Name() string { return Simulated }

// FailWith makes subsequent calls fail with err. A nil err restores success.
func (s *SimulatedAdapter) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// CreateCall records req and acknowledges it.
func (s *SimulatedAdapter) CreateCall(ctx context.Context, req CallRequest) (CallResult, error) {
	if err := ctx.Err(); err != nil {
		return CallResult{}, unavailable(Simulated, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return CallResult{}, unavailable(Simulated, s.fail)
	}
	if req.To == "" {
		return CallResult{}, unavailable(Simulated, errors.New("missing destination number"))
	}
	s.calls = append(s.calls, req)
	return CallResult{ProviderCallID: "sim-" + uuid.NewString()}, nil
}

// Calls returns the accepted requests.
func (s *SimulatedAdapter) Calls() []CallRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CallRequest(nil), s.calls...)
}

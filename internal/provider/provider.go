// Package provider contains the VoIP provider adapters used to place calls.
package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ashureev/prescreen-voip/internal/domain"
)

// Provider names.
const (
	Simulated  = "simulated"
	Voximplant = "voximplant"
	Zadarma    = "zadarma"
)

// CallRequest is the provider-neutral create-call command.
type CallRequest struct {
	CallID    string
	To        string
	From      string
	Candidate domain.CandidateRef
}

// CallResult is the provider's acknowledgment. ProviderCallID may be empty
// when the provider only reports it through the first webhook.
type CallResult struct {
	ProviderCallID string
}

// Adapter places calls through one provider.
type Adapter interface {
	Name() string
	CreateCall(ctx context.Context, req CallRequest) (CallResult, error)
}

// Registry resolves adapters by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback string
}

// NewRegistry creates a registry whose empty-name lookups resolve to fallback.
func NewRegistry(fallback string, adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter), fallback: fallback}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Resolve returns the adapter for name, or the fallback when name is empty.
func (r *Registry) Resolve(name string) (Adapter, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured: %w", name, domain.ErrProviderUnavailable)
	}
	return a, nil
}

// Names lists the registered providers.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func unavailable(provider string, err error) error {
	return fmt.Errorf("%s: %v: %w", provider, err, domain.ErrProviderUnavailable)
}

// Package registry is the authoritative store of live call sessions.
//
// Every mutation goes through Apply, which holds a per-session lock for the
// duration of the callback and writes the resulting snapshot through to the
// repository before releasing it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/prescreen-voip/internal/clock"
	"github.com/ashureev/prescreen-voip/internal/domain"
)

// Store is the persistence the registry writes through to.
type Store interface {
	SaveSession(ctx context.Context, session *domain.CallSession) error
	GetSession(ctx context.Context, id string) (*domain.CallSession, error)
	GetSessionByProviderID(ctx context.Context, provider, providerCallID string) (*domain.CallSession, error)
	ListSessions(ctx context.Context, limit int) ([]domain.CallSession, error)
	ListActiveSessions(ctx context.Context) ([]domain.CallSession, error)
}

// CreateParams describes a new session.
type CreateParams struct {
	Provider       string
	Direction      domain.Direction
	Candidate      domain.CandidateRef
	SlotID         string
	Questions      []string
	ProviderCallID string
}

type providerKey struct {
	provider string
	callID   string
}

// Registry holds live sessions in memory and persists every change.
type Registry struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
	locks  *keyedMutex

	mu         sync.RWMutex
	sessions   map[string]*domain.CallSession
	byProvider map[providerKey]string
}

// New creates an empty registry.
func New(store Store, clk clock.Clock, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Registry{
		store:      store,
		clock:      clk,
		logger:     logger,
		locks:      newKeyedMutex(),
		sessions:   make(map[string]*domain.CallSession),
		byProvider: make(map[providerKey]string),
	}
}

// Create registers a new session in INITIATED with a fresh internal id.
func (r *Registry) Create(ctx context.Context, p CreateParams) (domain.CallSession, error) {
	now := r.clock.Now()
	direction := p.Direction
	if direction == "" {
		direction = domain.Outbound
	}
	session := &domain.CallSession{
		ID:             uuid.NewString(),
		Provider:       p.Provider,
		Direction:      direction,
		Candidate:      p.Candidate,
		SlotID:         p.SlotID,
		Questions:      append([]string(nil), p.Questions...),
		ProviderCallID: p.ProviderCallID,
		State:          domain.StateInitiated,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	unlock := r.locks.Lock(session.ID)
	defer unlock()

	if session.ProviderCallID != "" {
		if owner, ok := r.ownerOf(session.Provider, session.ProviderCallID); ok && owner != session.ID {
			return domain.CallSession{}, fmt.Errorf("bind %s: %w", session.ProviderCallID, domain.ErrProviderIDConflict)
		}
	}
	if err := r.store.SaveSession(ctx, session); err != nil {
		return domain.CallSession{}, fmt.Errorf("persist new session: %w", err)
	}
	r.commit(session)

	r.logger.Info("call session created",
		"call_id", session.ID,
		"provider", session.Provider,
		"direction", session.Direction,
		"candidate_id", session.Candidate.CandidateID)
	return session.Clone(), nil
}

// Get returns a copy of the session with the given internal id.
// Sessions evicted from memory are served from the repository.
func (r *Registry) Get(ctx context.Context, id string) (domain.CallSession, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	if ok {
		cp := s.Clone()
		r.mu.RUnlock()
		return cp, nil
	}
	r.mu.RUnlock()

	stored, err := r.store.GetSession(ctx, id)
	if err != nil {
		return domain.CallSession{}, fmt.Errorf("load session %s: %w", id, err)
	}
	if stored == nil {
		return domain.CallSession{}, domain.ErrUnknownCall
	}
	return *stored, nil
}

// GetByProviderID looks a session up by the provider's call id.
func (r *Registry) GetByProviderID(ctx context.Context, provider, providerCallID string) (domain.CallSession, error) {
	if id, ok := r.ownerOf(provider, providerCallID); ok {
		return r.Get(ctx, id)
	}
	stored, err := r.store.GetSessionByProviderID(ctx, provider, providerCallID)
	if err != nil {
		return domain.CallSession{}, fmt.Errorf("load session by provider id: %w", err)
	}
	if stored == nil {
		return domain.CallSession{}, domain.ErrUnknownCall
	}
	return *stored, nil
}

// Apply runs fn with exclusive access to the session. Calls for the same id
// are linearized; calls for different ids run in parallel. If fn returns an
// error the session is left untouched. Otherwise the new snapshot is persisted
// before the lock is released and a copy of it is returned.
func (r *Registry) Apply(ctx context.Context, id string, fn func(*domain.CallSession) error) (domain.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return domain.CallSession{}, err
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	current, err := r.load(ctx, id)
	if err != nil {
		return domain.CallSession{}, err
	}

	working := current.Clone()
	if err := fn(&working); err != nil {
		return domain.CallSession{}, err
	}

	if working.ProviderCallID != current.ProviderCallID {
		if current.ProviderCallID != "" {
			return domain.CallSession{}, fmt.Errorf("rebind %s: %w", id, domain.ErrProviderIDConflict)
		}
		if owner, ok := r.ownerOf(working.Provider, working.ProviderCallID); ok && owner != id {
			return domain.CallSession{}, fmt.Errorf("bind %s: %w", working.ProviderCallID, domain.ErrProviderIDConflict)
		}
	}

	working.UpdatedAt = r.clock.Now()
	if err := r.store.SaveSession(ctx, &working); err != nil {
		return domain.CallSession{}, fmt.Errorf("persist session %s: %w", id, err)
	}
	r.commit(&working)
	return working.Clone(), nil
}

// BindProvider attaches providerCallID to the session. Binding is allowed once;
// rebinding the same id is a no-op and a different id fails with
// domain.ErrProviderIDConflict. Call it from inside Apply.
func BindProvider(session *domain.CallSession, providerCallID string) error {
	switch session.ProviderCallID {
	case "":
		session.ProviderCallID = providerCallID
		return nil
	case providerCallID:
		return nil
	default:
		return fmt.Errorf("session %s bound to %s, got %s: %w",
			session.ID, session.ProviderCallID, providerCallID, domain.ErrProviderIDConflict)
	}
}

// List returns the most recent sessions, newest first.
func (r *Registry) List(ctx context.Context, limit int) ([]domain.CallSession, error) {
	sessions, err := r.store.ListSessions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Restore loads every unfinished session from the repository into memory and
// returns them so their timers can be re-armed.
func (r *Registry) Restore(ctx context.Context) ([]domain.CallSession, error) {
	active, err := r.store.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore sessions: %w", err)
	}
	for i := range active {
		s := active[i].Clone()
		r.commit(&s)
	}
	if len(active) > 0 {
		r.logger.Info("call sessions restored", "count", len(active))
	}
	return active, nil
}

// Evict drops a session from memory. It stays readable from the repository.
func (r *Registry) Evict(id string) {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	if s.ProviderCallID != "" {
		delete(r.byProvider, providerKey{s.Provider, s.ProviderCallID})
	}
	delete(r.sessions, id)
}

// Sweep evicts COMPLETED sessions that ended before cutoff and returns their ids.
func (r *Registry) Sweep(cutoff time.Time) []string {
	r.mu.RLock()
	var expired []string
	for id, s := range r.sessions {
		if s.State == domain.StateCompleted && s.EndedAt != nil && s.EndedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.Evict(id)
	}
	return expired
}

// Len returns the number of sessions held in memory.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}

func (r *Registry) load(ctx context.Context, id string) (*domain.CallSession, error) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	stored, err := r.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if stored == nil {
		return nil, domain.ErrUnknownCall
	}
	r.commit(stored)
	return stored, nil
}

func (r *Registry) commit(s *domain.CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	if s.ProviderCallID != "" {
		r.byProvider[providerKey{s.Provider, s.ProviderCallID}] = s.ID
	}
}

func (r *Registry) ownerOf(provider, providerCallID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byProvider[providerKey{provider, providerCallID}]
	return id, ok
}

// IsUnknown reports whether err means the call id is not known.
func IsUnknown(err error) bool {
	return errors.Is(err, domain.ErrUnknownCall)
}

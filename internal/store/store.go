// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/prescreen-voip/internal/domain"
)

// Repository defines the interface for persisting call sessions, the event
// audit log, invitation tokens and the candidate contact history.
type Repository interface {
	// SaveSession creates or replaces the snapshot of a call session.
	SaveSession(ctx context.Context, session *domain.CallSession) error

	// GetSession retrieves a session by internal id. Returns nil, nil when absent.
	GetSession(ctx context.Context, id string) (*domain.CallSession, error)

	// GetSessionByProviderID retrieves a session by its bound provider call id.
	GetSessionByProviderID(ctx context.Context, provider, providerCallID string) (*domain.CallSession, error)

	// ListSessions returns the most recent sessions, newest first.
	ListSessions(ctx context.Context, limit int) ([]domain.CallSession, error)

	// ListActiveSessions returns every session that has not reached COMPLETED.
	ListActiveSessions(ctx context.Context) ([]domain.CallSession, error)

	// AppendEvent adds an event to the append-only log. inserted is false when
	// an event with the same provider and event id was already recorded.
	AppendEvent(ctx context.Context, event *domain.CallEvent) (inserted bool, err error)

	// HasEvent reports whether the provider event id was already recorded.
	HasEvent(ctx context.Context, provider, eventID string) (bool, error)

	// ListEvents returns the events recorded for a call in arrival order.
	ListEvents(ctx context.Context, callID string) ([]domain.CallEvent, error)

	// InsertToken persists a freshly issued invitation token.
	InsertToken(ctx context.Context, token *domain.InvitationToken) error

	// ConsumeToken marks an unconsumed, unexpired token as consumed in a single
	// statement. consumed is false when no row matched.
	ConsumeToken(ctx context.Context, jti string, now time.Time) (consumed bool, err error)

	// GetToken retrieves a token by jti. Returns nil, nil when absent.
	GetToken(ctx context.Context, jti string) (*domain.InvitationToken, error)

	// ListUnconsumedTokens returns live tokens issued before issuedBefore that
	// were never consumed nor autocalled.
	ListUnconsumedTokens(ctx context.Context, issuedBefore, now time.Time) ([]domain.InvitationToken, error)

	// MarkTokenAutocalled flags a token as escalated. marked is false if
	// another caller already did so.
	MarkTokenAutocalled(ctx context.Context, jti string, now time.Time) (marked bool, err error)

	// AppendContactEvent records an entry in a candidate's contact history.
	AppendContactEvent(ctx context.Context, event *domain.ContactEvent) error

	// ListContactEvents returns a candidate's contact history, newest first.
	ListContactEvents(ctx context.Context, candidateID string, limit int) ([]domain.ContactEvent, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

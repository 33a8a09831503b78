// Package token issues and verifies single-use invitation tokens.
//
// A token is an HS256-signed JWT whose jti is the storage key. The signature
// only proves the token was minted here; expiry and consumption are decided by
// the persisted row so that the check-and-mark-used step is a single atomic
// statement.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashureev/prescreen-voip/internal/domain"
)

// Store is the persistence the guard needs.
type Store interface {
	InsertToken(ctx context.Context, token *domain.InvitationToken) error
	ConsumeToken(ctx context.Context, jti string, now time.Time) (bool, error)
	GetToken(ctx context.Context, jti string) (*domain.InvitationToken, error)
}

type claims struct {
	VacancyID string `json:"vac"`
	Phone     string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

// Guard verifies and consumes invitation tokens.
type Guard struct {
	store  Store
	secret []byte
	logger *slog.Logger
}

// NewGuard creates a guard signing with secret.
func NewGuard(store Store, secret string, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, secret: []byte(secret), logger: logger}
}

// Issue mints and persists a token for subject valid for ttl from now.
func (g *Guard) Issue(ctx context.Context, subject domain.Subject, ttl time.Duration, now time.Time) (string, domain.InvitationToken, error) {
	record := domain.InvitationToken{
		JTI:       uuid.NewString(),
		Subject:   subject,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		VacancyID: subject.VacancyID,
		Phone:     subject.Phone,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        record.JTI,
			Subject:   subject.CandidateID,
			IssuedAt:  jwt.NewNumericDate(record.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(record.ExpiresAt),
		},
	})
	signed, err := tok.SignedString(g.secret)
	if err != nil {
		return "", domain.InvitationToken{}, fmt.Errorf("sign token: %w", err)
	}

	if err := g.store.InsertToken(ctx, &record); err != nil {
		return "", domain.InvitationToken{}, fmt.Errorf("persist token: %w", err)
	}
	g.logger.Info("invitation issued", "jti", record.JTI, "candidate_id", subject.CandidateID, "expires_at", record.ExpiresAt)
	return signed, record, nil
}

// Verify consumes raw at now and returns its subject. It fails with
// domain.ErrTokenUnknown, domain.ErrTokenReplayed or domain.ErrTokenExpired;
// a failed verification never changes the stored token.
func (g *Guard) Verify(ctx context.Context, raw string, now time.Time) (domain.Subject, error) {
	jti, err := g.parse(raw)
	if err != nil {
		g.logger.Warn("invitation token rejected", "reason", err)
		return domain.Subject{}, domain.ErrTokenUnknown
	}

	consumed, err := g.store.ConsumeToken(ctx, jti, now)
	if err != nil {
		return domain.Subject{}, fmt.Errorf("consume token: %w", err)
	}

	record, err := g.store.GetToken(ctx, jti)
	if err != nil {
		return domain.Subject{}, fmt.Errorf("load token: %w", err)
	}
	if consumed && record != nil {
		g.logger.Info("invitation consumed", "jti", jti, "candidate_id", record.Subject.CandidateID)
		return record.Subject, nil
	}

	if err := rejection(record, now); err != nil {
		if errors.Is(err, domain.ErrTokenReplayed) {
			g.logger.Warn("invitation replayed", "jti", jti)
		}
		return domain.Subject{}, err
	}
	return domain.Subject{}, domain.ErrTokenUnknown
}

// Peek checks raw at now without consuming it and returns its subject. It
// fails with the same errors as Verify. A successful Peek does not reserve
// the token; only Verify consumes it.
func (g *Guard) Peek(ctx context.Context, raw string, now time.Time) (domain.Subject, error) {
	jti, err := g.parse(raw)
	if err != nil {
		return domain.Subject{}, domain.ErrTokenUnknown
	}
	record, err := g.store.GetToken(ctx, jti)
	if err != nil {
		return domain.Subject{}, fmt.Errorf("load token: %w", err)
	}
	if err := rejection(record, now); err != nil {
		return domain.Subject{}, err
	}
	return record.Subject, nil
}

// rejection returns why record cannot be used at now, or nil if it can.
func rejection(record *domain.InvitationToken, now time.Time) error {
	switch {
	case record == nil:
		return domain.ErrTokenUnknown
	case record.Consumed():
		return domain.ErrTokenReplayed
	case record.ExpiredAt(now):
		return domain.ErrTokenExpired
	default:
		return nil
	}
}

func (g *Guard) parse(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty token")
	}
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if c.ID == "" {
		return "", errors.New("token has no jti")
	}
	return c.ID, nil
}

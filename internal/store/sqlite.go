package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/prescreen-voip/internal/domain"
	"github.com/ashureev/prescreen-voip/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. Pragmas are applied
	// per connection so every pooled connection waits on locks.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS call_sessions (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_call_id TEXT,
		direction TEXT NOT NULL,
		candidate_id TEXT,
		state TEXT NOT NULL,
		data_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_call_sessions_provider_call
		ON call_sessions(provider, provider_call_id) WHERE provider_call_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_call_sessions_created ON call_sessions(created_at);
	CREATE INDEX IF NOT EXISTS idx_call_sessions_active ON call_sessions(state) WHERE state != 'COMPLETED';

	CREATE TABLE IF NOT EXISTS call_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		event_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		provider_call_id TEXT NOT NULL,
		call_id TEXT,
		seq INTEGER NOT NULL,
		payload_json TEXT NOT NULL,
		payload_digest TEXT,
		outcome TEXT NOT NULL,
		detail TEXT,
		received_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_call_events_dedup ON call_events(provider, event_id);
	CREATE INDEX IF NOT EXISTS idx_call_events_call ON call_events(call_id, id);

	CREATE TABLE IF NOT EXISTS invitation_tokens (
		jti TEXT PRIMARY KEY,
		candidate_id TEXT NOT NULL,
		vacancy_id TEXT NOT NULL,
		phone TEXT,
		issued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		consumed_at INTEGER,
		autocalled_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_invitation_tokens_pending
		ON invitation_tokens(issued_at) WHERE consumed_at IS NULL AND autocalled_at IS NULL;

	CREATE TABLE IF NOT EXISTS contact_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		candidate_id TEXT NOT NULL,
		type TEXT NOT NULL,
		meta_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contact_events_candidate ON contact_events(candidate_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveSession creates or replaces a session snapshot.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.CallSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	query := `
	INSERT INTO call_sessions (id, provider, provider_call_id, direction, candidate_id, state, data_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		provider_call_id = excluded.provider_call_id,
		state = excluded.state,
		data_json = excluded.data_json,
		updated_at = excluded.updated_at`

	var providerCallID any
	if session.ProviderCallID != "" {
		providerCallID = session.ProviderCallID
	}

	return shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			session.ID, session.Provider, providerCallID, string(session.Direction),
			session.Candidate.CandidateID, string(session.State), string(data),
			session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("save session %s: %w", session.ID, err)
		}
		return nil
	})
}

// GetSession retrieves a session snapshot by internal id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.CallSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data_json FROM call_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionByProviderID retrieves a session by provider call id.
func (s *SQLiteStore) GetSessionByProviderID(ctx context.Context, provider, providerCallID string) (*domain.CallSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data_json FROM call_sessions WHERE provider = ? AND provider_call_id = ?`,
		provider, providerCallID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*domain.CallSession, error) {
	var data string
	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	var session domain.CallSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

// ListSessions returns the newest sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]domain.CallSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data_json FROM call_sessions ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListActiveSessions returns sessions that are not yet COMPLETED.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]domain.CallSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data_json FROM call_sessions WHERE state != ? ORDER BY created_at`,
		string(domain.StateCompleted))
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]domain.CallSession, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []domain.CallSession
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		var session domain.CallSession
		if err := json.Unmarshal([]byte(data), &session); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// AppendEvent inserts an event unless its (provider, event_id) is already recorded.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.CallEvent) (bool, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return false, fmt.Errorf("marshal event payload: %w", err)
	}

	query := `
	INSERT INTO call_events (provider, event_id, kind, provider_call_id, call_id, seq,
		payload_json, payload_digest, outcome, detail, received_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(provider, event_id) DO NOTHING`

	var inserted bool
	err = shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, query,
			event.Provider, event.EventID, string(event.Kind), event.ProviderCallID, event.CallID,
			event.Seq, string(payload), event.PayloadDigest, string(event.Outcome), event.Detail,
			event.ReceivedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("append event %s: %w", event.EventID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if n == 1 {
			inserted = true
			if id, err := res.LastInsertId(); err == nil {
				event.ID = id
			}
		}
		return nil
	})
	return inserted, err
}

// HasEvent reports whether an event id was already recorded for provider.
func (s *SQLiteStore) HasEvent(ctx context.Context, provider, eventID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM call_events WHERE provider = ? AND event_id = ?`,
		provider, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup event: %w", err)
	}
	return n > 0, nil
}

// ListEvents returns the audit log of a call in arrival order.
func (s *SQLiteStore) ListEvents(ctx context.Context, callID string) ([]domain.CallEvent, error) {
	query := `
		SELECT id, provider, event_id, kind, provider_call_id, call_id, seq,
		       payload_json, payload_digest, outcome, detail, received_at
		FROM call_events WHERE call_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	var events []domain.CallEvent
	for rows.Next() {
		var ev domain.CallEvent
		var kind, outcome, payload string
		var callIDCol, digest, detail sql.NullString
		var receivedAt int64

		if err := rows.Scan(
			&ev.ID, &ev.Provider, &ev.EventID, &kind, &ev.ProviderCallID, &callIDCol, &ev.Seq,
			&payload, &digest, &outcome, &detail, &receivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
		ev.Kind = domain.EventKind(kind)
		ev.Outcome = domain.EventOutcome(outcome)
		ev.CallID = callIDCol.String
		ev.PayloadDigest = digest.String
		ev.Detail = detail.String
		ev.ReceivedAt = time.UnixMilli(receivedAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// InsertToken persists an invitation token.
func (s *SQLiteStore) InsertToken(ctx context.Context, token *domain.InvitationToken) error {
	query := `
	INSERT INTO invitation_tokens (jti, candidate_id, vacancy_id, phone, issued_at, expires_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			token.JTI, token.Subject.CandidateID, token.Subject.VacancyID, token.Subject.Phone,
			token.IssuedAt.UnixMilli(), token.ExpiresAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
		return nil
	})
}

// ConsumeToken is the atomic check-and-mark-used step of token verification.
func (s *SQLiteStore) ConsumeToken(ctx context.Context, jti string, now time.Time) (bool, error) {
	query := `
	UPDATE invitation_tokens SET consumed_at = ?
	WHERE jti = ? AND consumed_at IS NULL AND expires_at > ?`

	var consumed bool
	err := shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, query, now.UnixMilli(), jti, now.UnixMilli())
		if err != nil {
			return fmt.Errorf("consume token: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		consumed = n == 1
		return nil
	})
	return consumed, err
}

// GetToken retrieves a token by jti.
func (s *SQLiteStore) GetToken(ctx context.Context, jti string) (*domain.InvitationToken, error) {
	query := `
		SELECT jti, candidate_id, vacancy_id, phone, issued_at, expires_at, consumed_at, autocalled_at
		FROM invitation_tokens WHERE jti = ?`

	token, err := scanToken(s.db.QueryRowContext(ctx, query, jti))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return token, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*domain.InvitationToken, error) {
	var token domain.InvitationToken
	var phone sql.NullString
	var issuedAt, expiresAt int64
	var consumedAt, autocalledAt sql.NullInt64

	err := row.Scan(
		&token.JTI, &token.Subject.CandidateID, &token.Subject.VacancyID, &phone,
		&issuedAt, &expiresAt, &consumedAt, &autocalledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan token row: %w", err)
	}

	token.Subject.Phone = phone.String
	token.IssuedAt = time.UnixMilli(issuedAt).UTC()
	token.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if consumedAt.Valid {
		ts := time.UnixMilli(consumedAt.Int64).UTC()
		token.ConsumedAt = &ts
	}
	if autocalledAt.Valid {
		ts := time.UnixMilli(autocalledAt.Int64).UTC()
		token.AutocalledAt = &ts
	}
	return &token, nil
}

// ListUnconsumedTokens returns tokens eligible for escalation.
func (s *SQLiteStore) ListUnconsumedTokens(ctx context.Context, issuedBefore, now time.Time) ([]domain.InvitationToken, error) {
	query := `
		SELECT jti, candidate_id, vacancy_id, phone, issued_at, expires_at, consumed_at, autocalled_at
		FROM invitation_tokens
		WHERE consumed_at IS NULL AND autocalled_at IS NULL AND issued_at < ? AND expires_at > ?
		ORDER BY issued_at`

	rows, err := s.db.QueryContext(ctx, query, issuedBefore.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query unconsumed tokens: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close token rows", "error", closeErr)
		}
	}()

	var tokens []domain.InvitationToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}

// MarkTokenAutocalled flags a token as escalated exactly once.
func (s *SQLiteStore) MarkTokenAutocalled(ctx context.Context, jti string, now time.Time) (bool, error) {
	query := `UPDATE invitation_tokens SET autocalled_at = ? WHERE jti = ? AND autocalled_at IS NULL AND consumed_at IS NULL`

	var marked bool
	err := shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, query, now.UnixMilli(), jti)
		if err != nil {
			return fmt.Errorf("mark token autocalled: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		marked = n == 1
		return nil
	})
	return marked, err
}

// AppendContactEvent records a candidate contact event.
func (s *SQLiteStore) AppendContactEvent(ctx context.Context, event *domain.ContactEvent) error {
	var meta any
	if len(event.Meta) > 0 {
		data, err := json.Marshal(event.Meta)
		if err != nil {
			return fmt.Errorf("marshal contact meta: %w", err)
		}
		meta = string(data)
	}

	query := `INSERT INTO contact_events (candidate_id, type, meta_json, created_at) VALUES (?, ?, ?, ?)`
	return shared.RetryOnConflict(ctx, writeAttempts, writeBaseDelay, func() error {
		res, err := s.db.ExecContext(ctx, query,
			event.CandidateID, event.Type, meta, event.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("append contact event: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			event.ID = id
		}
		return nil
	})
}

// ListContactEvents returns a candidate's contact events, newest first.
func (s *SQLiteStore) ListContactEvents(ctx context.Context, candidateID string, limit int) ([]domain.ContactEvent, error) {
	query := `
		SELECT id, candidate_id, type, meta_json, created_at
		FROM contact_events WHERE candidate_id = ? ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, candidateID, limit)
	if err != nil {
		return nil, fmt.Errorf("query contact events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close contact rows", "error", closeErr)
		}
	}()

	var events []domain.ContactEvent
	for rows.Next() {
		var ev domain.ContactEvent
		var meta sql.NullString
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.CandidateID, &ev.Type, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &ev.Meta); err != nil {
				return nil, fmt.Errorf("decode contact meta: %w", err)
			}
		}
		ev.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact events: %w", err)
	}
	return events, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionRecord is one row of relay_sessions.
type SessionRecord struct {
	Key            uuid.UUID
	ConnID         int64
	RemoteAddr     string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	CloseReason    string
}

// Open reports whether the session has not been closed yet.
func (r SessionRecord) Open() bool { return r.DisconnectedAt == nil }

// ErrSessionNotFound is returned when a session lookup yields no results.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned when a session key is recorded twice.
var ErrSessionExists = errors.New("session already recorded")

// SessionRepository records connection sessions for audit.
type SessionRepository struct {
	db *pgxpool.Pool
}

// NewSessionRepository creates a SessionRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewSessionRepository(db *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{db: db}
}

// Open inserts a session row with no disconnect time.
//
// Precondition: rec.Key must not be uuid.Nil.
// Postcondition: Returns ErrSessionExists if rec.Key was already recorded.
func (r *SessionRepository) Open(ctx context.Context, rec SessionRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO relay_sessions (session_key, conn_id, remote_addr, connected_at)
		 VALUES ($1, $2, $3, $4)`,
		rec.Key, rec.ConnID, rec.RemoteAddr, rec.ConnectedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrSessionExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Close stamps the disconnect time and reason on an open session.
//
// Postcondition: Returns ErrSessionNotFound if key is unknown or already closed.
func (r *SessionRepository) Close(ctx context.Context, key uuid.UUID, reason string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE relay_sessions
		 SET disconnected_at = $2, close_reason = $3
		 WHERE session_key = $1 AND disconnected_at IS NULL`,
		key, at, reason,
	)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CloseAllOpen closes every session left open, e.g. by a previous process
// that exited without recording disconnects.
//
// Postcondition: Returns the number of sessions closed.
func (r *SessionRepository) CloseAllOpen(ctx context.Context, reason string, at time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE relay_sessions
		 SET disconnected_at = $1, close_reason = $2
		 WHERE disconnected_at IS NULL`,
		at, reason,
	)
	if err != nil {
		return 0, fmt.Errorf("closing open sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get returns the session recorded under key.
//
// Postcondition: Returns ErrSessionNotFound if key is unknown.
func (r *SessionRepository) Get(ctx context.Context, key uuid.UUID) (SessionRecord, error) {
	rec, err := scanSession(r.db.QueryRow(ctx,
		`SELECT session_key, conn_id, remote_addr, connected_at, disconnected_at, close_reason
		 FROM relay_sessions WHERE session_key = $1`,
		key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SessionRecord{}, ErrSessionNotFound
		}
		return SessionRecord{}, fmt.Errorf("querying session: %w", err)
	}
	return rec, nil
}

// ListOpen returns sessions without a disconnect time, oldest first.
func (r *SessionRepository) ListOpen(ctx context.Context) ([]SessionRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT session_key, conn_id, remote_addr, connected_at, disconnected_at, close_reason
		 FROM relay_sessions WHERE disconnected_at IS NULL
		 ORDER BY connected_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing open sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (SessionRecord, error) {
	var rec SessionRecord
	var reason *string
	if err := row.Scan(&rec.Key, &rec.ConnID, &rec.RemoteAddr, &rec.ConnectedAt, &rec.DisconnectedAt, &reason); err != nil {
		return SessionRecord{}, err
	}
	if reason != nil {
		rec.CloseReason = *reason
	}
	return rec, nil
}

// isDuplicateKeyError reports whether err is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	// pgx wraps PostgreSQL errors; check for SQLSTATE 23505 (unique_violation)
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

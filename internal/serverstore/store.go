// Package serverstore reads and writes the authoritative per-user session row in Postgres.
package serverstore

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/sessionsync/internal/domain"
	"example.com/sessionsync/internal/observability"
)

// Option configures optional behaviour for the Store.
type Option func(*Store)

// WithLogger overrides the logger used to report dropped rows.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store provides Postgres-backed persistence for active workout sessions.
type Store struct {
	pool   *pgxpool.Pool
	guard  *SchemaGuard
	logger *log.Logger
}

// NewStore constructs a Store. Every classified error is reported to guard.
func NewStore(pool *pgxpool.Pool, guard *SchemaGuard, opts ...Option) *Store {
	s := &Store{
		pool:   pool,
		guard:  guard,
		logger: log.New(log.Writer(), "[serverstore] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch returns the live session stored for the user together with the
// server-assigned update time. A missing row or a non-live state yields nil.
func (s *Store) Fetch(ctx context.Context, userID string) (*domain.ActiveSession, time.Time, error) {
	const query = `SELECT state, updated_at FROM active_workout_sessions WHERE user_id=$1`

	var (
		session   *domain.ActiveSession
		updatedAt time.Time
	)
	err := s.withUser(ctx, userID, func(tx pgx.Tx) error {
		var state []byte
		if err := tx.QueryRow(ctx, query, userID).Scan(&state, &updatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		decoded, decodeErr := decodeState(userID, state)
		if decodeErr != nil {
			s.logger.Printf("ignoring unreadable server state (user=%s): %v", userID, decodeErr)
			return nil
		}
		session = decoded
		return nil
	})
	if err != nil {
		return nil, time.Time{}, s.observe(err)
	}
	if !session.IsLive() {
		return nil, time.Time{}, nil
	}
	return session, updatedAt, nil
}

// Upsert writes the session row, letting the server assign updated_at.
func (s *Store) Upsert(ctx context.Context, session *domain.ActiveSession) (time.Time, error) {
	if !session.IsLive() {
		return time.Time{}, errors.New("refusing to upsert a session without startedAt and workout")
	}
	body, err := json.Marshal(session)
	if err != nil {
		return time.Time{}, err
	}

	const stmt = `INSERT INTO active_workout_sessions (user_id, started_at, state, updated_at)
        VALUES ($1,$2,$3,NOW())
        ON CONFLICT (user_id) DO UPDATE SET started_at = EXCLUDED.started_at, state = EXCLUDED.state, updated_at = NOW()
        RETURNING updated_at`

	var updatedAt time.Time
	err = s.withUser(ctx, session.Owner, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, stmt, session.Owner, session.StartedAt.UTC(), body).Scan(&updatedAt)
	})
	if err != nil {
		return time.Time{}, s.observe(err)
	}
	observability.RecordSessionPersisted(updatedAt)
	return updatedAt, nil
}

// Delete removes the user's row, ending the session for every device.
func (s *Store) Delete(ctx context.Context, userID string) error {
	err := s.withUser(ctx, userID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM active_workout_sessions WHERE user_id=$1`, userID)
		return err
	})
	return s.observe(err)
}

// withUser runs fn inside a transaction scoped to the user for row-level security.
func (s *Store) withUser(ctx context.Context, userID string, fn func(pgx.Tx) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.user_id', $1, true)", userID); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) observe(err error) error {
	if err == nil {
		return nil
	}
	classified := Classify(err)
	if s.guard != nil {
		s.guard.Observe(classified)
	}
	recordStoreError(classified)
	return classified
}

func decodeState(userID string, state []byte) (*domain.ActiveSession, error) {
	if len(state) == 0 {
		return nil, nil
	}
	var session domain.ActiveSession
	if err := json.Unmarshal(state, &session); err != nil {
		return nil, err
	}
	if session.Owner == "" {
		session.Owner = userID
	}
	return &session, nil
}

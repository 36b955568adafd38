package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists queued mutations. List returns them in enqueue order.
type Store interface {
	Append(ctx context.Context, m Mutation) error
	List(ctx context.Context) ([]Mutation, error)
	Get(ctx context.Context, id string) (Mutation, error)
	Put(ctx context.Context, m Mutation) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps mutations in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Mutation
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Mutation)}
}

func (s *MemoryStore) Append(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[m.ID]; exists {
		return fmt.Errorf("mutation %s already queued", m.ID)
	}
	s.items[m.ID] = m
	return nil
}

func (s *MemoryStore) List(context.Context) ([]Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Mutation, 0, len(s.items))
	for _, m := range s.items {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Mutation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return Mutation{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) Put(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[m.ID]; !ok {
		return ErrNotFound
	}
	s.items[m.ID] = m
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]Mutation)
	return nil
}

// SQLiteStore keeps mutations in a local SQLite file so they survive restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the queue database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping queue database: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS offline_mutations (
		id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		payload BLOB,
		enqueued_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		next_attempt_at INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending'
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, m Mutation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_mutations (id, operation, target, payload, enqueued_at, attempts, max_attempts, next_attempt_at, last_error, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Operation, m.Target, []byte(m.Payload), m.EnqueuedAt.UnixMilli(), m.Attempts, m.MaxAttempts,
		m.NextAttemptAt.UnixMilli(), m.LastError, string(m.Status),
	)
	if err != nil {
		return fmt.Errorf("append mutation: %w", err)
	}
	return nil
}

const selectMutation = `SELECT id, operation, target, payload, enqueued_at, attempts, max_attempts, next_attempt_at, last_error, status FROM offline_mutations`

func (s *SQLiteStore) List(ctx context.Context) ([]Mutation, error) {
	rows, err := s.db.QueryContext(ctx, selectMutation+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	var out []Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Mutation, error) {
	m, err := scanMutation(s.db.QueryRowContext(ctx, selectMutation+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Mutation{}, ErrNotFound
	}
	return m, err
}

func (s *SQLiteStore) Put(ctx context.Context, m Mutation) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE offline_mutations
		    SET attempts = ?, max_attempts = ?, next_attempt_at = ?, last_error = ?, status = ?
		  WHERE id = ?`,
		m.Attempts, m.MaxAttempts, m.NextAttemptAt.UnixMilli(), m.LastError, string(m.Status), m.ID,
	)
	if err != nil {
		return fmt.Errorf("update mutation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM offline_mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete mutation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM offline_mutations`); err != nil {
		return fmt.Errorf("clear mutations: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (Mutation, error) {
	var (
		m                   Mutation
		payload             []byte
		enqueuedAt, nextDue int64
		status              string
	)
	if err := row.Scan(&m.ID, &m.Operation, &m.Target, &payload, &enqueuedAt, &m.Attempts, &m.MaxAttempts, &nextDue, &m.LastError, &status); err != nil {
		return Mutation{}, err
	}
	if len(payload) > 0 {
		m.Payload = payload
	}
	m.EnqueuedAt = time.UnixMilli(enqueuedAt).UTC()
	m.NextAttemptAt = time.UnixMilli(nextDue).UTC()
	m.Status = Status(status)
	return m, nil
}

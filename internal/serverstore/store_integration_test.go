//go:build integration

package serverstore

import (
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/sessionsync/internal/domain"
	"example.com/sessionsync/internal/testsupport"
)

func TestStoreUpsertFetchDelete(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)
	store := NewStore(pool, nil, WithLogger(log.New(testWriter{t}, "", 0)))

	session, _, err := store.Fetch(ctx, "user-1")
	require.NoError(t, err)
	require.Nil(t, session, "absent row means no active session")

	started := time.Now().UTC().Truncate(time.Millisecond)
	written := &domain.ActiveSession{
		Owner:     "user-1",
		StartedAt: started,
		Workout:   json.RawMessage(`{"title":"Push"}`),
		SavedAt:   started.Add(time.Second),
	}
	updatedAt, err := store.Upsert(ctx, written)
	require.NoError(t, err)
	require.False(t, updatedAt.IsZero())

	fetched, fetchedAt, err := store.Fetch(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, fetched)
	require.True(t, started.Equal(fetched.StartedAt))
	require.JSONEq(t, `{"title":"Push"}`, string(fetched.Workout))
	require.True(t, updatedAt.Equal(fetchedAt))

	written.Workout = json.RawMessage(`{"title":"Pull"}`)
	_, err = store.Upsert(ctx, written)
	require.NoError(t, err)
	fetched, _, err = store.Fetch(ctx, "user-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"Pull"}`, string(fetched.Workout))

	require.NoError(t, store.Delete(ctx, "user-1"))
	fetched, _, err = store.Fetch(ctx, "user-1")
	require.NoError(t, err)
	require.Nil(t, fetched)
}

func TestStoreIgnoresNonLiveState(t *testing.T) {
	ctx := context.Background()
	pool, _ := testsupport.StartPostgres(ctx, t)
	store := NewStore(pool, nil)

	_, err := pool.Exec(ctx, `INSERT INTO active_workout_sessions (user_id, started_at, state) VALUES ($1, NOW(), $2)`,
		"user-2", []byte(`{"owner":"user-2","workout":null}`))
	require.NoError(t, err)

	session, _, err := store.Fetch(ctx, "user-2")
	require.NoError(t, err)
	require.Nil(t, session)
}

func TestStoreReportsSchemaMissingOnce(t *testing.T) {
	ctx := context.Background()
	pool := testsupport.StartEmptyPostgres(ctx, t)
	notifier := &recordingNotifier{}
	store := NewStore(pool, NewSchemaGuard(notifier, "sync unavailable"))

	_, _, err := store.Fetch(ctx, "user-1")
	require.ErrorIs(t, err, domain.ErrSchemaMissing)
	err = store.Delete(ctx, "user-1")
	require.ErrorIs(t, err, domain.ErrSchemaMissing)

	require.Len(t, notifier.all(), 1)
}

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}

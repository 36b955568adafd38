package serverstore

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"example.com/sessionsync/internal/domain"
)

func TestClassifySchemaMissing(t *testing.T) {
	cases := []error{
		&pgconn.PgError{Code: "42P01", Message: "undefined table"},
		fmt.Errorf("query: %w", &pgconn.PgError{Code: "42p01"}),
		errors.New(`relation "active_workout_sessions" does not exist`),
		errors.New("Could not find the table in the Schema Cache"),
	}
	for _, err := range cases {
		classified := Classify(err)
		require.ErrorIs(t, classified, domain.ErrSchemaMissing, err.Error())
		require.NotErrorIs(t, classified, domain.ErrTransport)
	}
}

func TestClassifyTransport(t *testing.T) {
	base := errors.New("dial tcp 10.0.0.1:5432: connect: connection refused")
	classified := Classify(base)

	require.ErrorIs(t, classified, domain.ErrTransport)
	require.ErrorIs(t, classified, base)
	require.Same(t, classified, Classify(classified), "already classified errors pass through")
	require.NoError(t, Classify(nil))
}

func TestSchemaGuardNotifiesOnce(t *testing.T) {
	notifier := &recordingNotifier{}
	guard := NewSchemaGuard(notifier, "sync unavailable")

	missing := Classify(errors.New("relation does not exist"))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			guard.Observe(missing)
		}()
	}
	wg.Wait()
	guard.Observe(Classify(errors.New("timeout")))

	require.True(t, guard.Degraded())
	require.Len(t, notifier.all(), 1)
	require.Equal(t, domain.NoticeSchemaMissing, notifier.all()[0].Kind)
	require.Equal(t, "sync unavailable", notifier.all()[0].Text)
}

func TestSchemaGuardIgnoresTransport(t *testing.T) {
	notifier := &recordingNotifier{}
	guard := NewSchemaGuard(notifier, "x")
	guard.Observe(Classify(errors.New("i/o timeout")))

	require.False(t, guard.Degraded())
	require.Empty(t, notifier.all())
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []domain.Notice
}

func (n *recordingNotifier) Notify(notice domain.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) all() []domain.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.Notice(nil), n.notices...)
}

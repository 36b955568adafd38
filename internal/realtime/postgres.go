package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/sessionsync/internal/domain"
)

const backendPostgres = "postgres"

// ChannelName returns the NOTIFY channel used for the user's session row.
func ChannelName(userID string) string { return "active_session:" + userID }

// Fetcher re-reads the session row to hydrate compact notifications.
type Fetcher interface {
	Fetch(ctx context.Context, userID string) (*domain.ActiveSession, time.Time, error)
}

// PGOption configures optional behaviour for the PGSubscriber.
type PGOption func(*PGSubscriber)

// WithPGLogger overrides the logger used by the listener.
func WithPGLogger(logger *log.Logger) PGOption {
	return func(s *PGSubscriber) {
		s.logger = logger
	}
}

// PGSubscriber listens on a dedicated Postgres connection per subscription.
type PGSubscriber struct {
	connString string
	pool       *pgxpool.Pool
	fetcher    Fetcher
	logger     *log.Logger
}

// NewPGSubscriber constructs a subscriber. Listening connections are opened
// from connString; pool is used only for fallback teardown.
func NewPGSubscriber(connString string, pool *pgxpool.Pool, fetcher Fetcher, opts ...PGOption) *PGSubscriber {
	s := &PGSubscriber{
		connString: connString,
		pool:       pool,
		fetcher:    fetcher,
		logger:     log.New(log.Writer(), "[realtime] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe issues LISTEN for the user's channel and starts delivering events.
func (s *PGSubscriber) Subscribe(ctx context.Context, userID string, handler Handler) (Subscription, error) {
	conn, err := pgx.Connect(ctx, s.connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}

	channel := ChannelName(userID)
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &pgSubscription{
		conn:    conn,
		channel: channel,
		pid:     conn.PgConn().PID(),
		cancel:  cancel,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.pump(pumpCtx, sub, userID, handler)
	close(sub.ready)
	return sub, nil
}

func (s *PGSubscriber) pump(ctx context.Context, sub *pgSubscription, userID string, handler Handler) {
	defer close(sub.done)
	<-sub.ready

	for {
		n, err := sub.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Printf("listen on %s stopped: %v", sub.channel, err)
			}
			return
		}

		env, eventType, err := decodeEnvelope([]byte(n.Payload))
		if err != nil {
			s.logger.Printf("decode notification (channel=%s): %v", n.Channel, err)
			recordDropped(backendPostgres, "decode")
			continue
		}

		evt := Event{Type: eventType, UserID: coalesce(env.UserID, userID), ReceivedAt: time.Now().UTC()}
		switch eventType {
		case EventDelete:
			evt.Old = &domain.ActiveSession{Owner: evt.UserID}
		default:
			session, _, fetchErr := s.fetcher.Fetch(ctx, evt.UserID)
			if fetchErr != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Printf("hydrate %s event (user=%s): %v", eventType, evt.UserID, fetchErr)
				recordDropped(backendPostgres, "hydrate")
				continue
			}
			evt.New = session
		}

		recordEvent(backendPostgres, eventType)
		handler(evt)
	}
}

// FreshRemover acquires a new pool connection able to terminate the
// listening backend of a subscription.
func (s *PGSubscriber) FreshRemover(ctx context.Context) (Remover, error) {
	if s.pool == nil {
		return nil, errors.New("no pool configured for fallback teardown")
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgRemover{conn: conn}, nil
}

type pgSubscription struct {
	conn    *pgx.Conn
	channel string
	pid     uint32
	cancel  context.CancelFunc
	ready   chan struct{}
	done    chan struct{}

	once sync.Once
	err  error
}

// Unsubscribe stops the pump and closes the listening connection.
func (p *pgSubscription) Unsubscribe(ctx context.Context) error {
	p.once.Do(func() {
		p.cancel()
		select {
		case <-p.done:
		case <-ctx.Done():
			p.err = ctx.Err()
			return
		}
		if p.conn.IsClosed() {
			return
		}
		if _, err := p.conn.Exec(ctx, "UNLISTEN "+pgx.Identifier{p.channel}.Sanitize()); err != nil {
			p.err = errors.Join(err, p.conn.Close(ctx))
			return
		}
		p.err = p.conn.Close(ctx)
	})
	return p.err
}

type pgRemover struct {
	conn *pgxpool.Conn
}

func (r *pgRemover) Remove(ctx context.Context, sub Subscription) error {
	defer r.conn.Release()

	p, ok := sub.(*pgSubscription)
	if !ok {
		return fmt.Errorf("unsupported subscription type %T", sub)
	}
	p.cancel()
	if p.pid == 0 {
		return nil
	}
	_, err := r.conn.Exec(ctx, "SELECT pg_terminate_backend($1)", int64(p.pid))
	return err
}

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/sessionsync/internal/auth"
	"example.com/sessionsync/internal/config"
	"example.com/sessionsync/internal/connectivity"
	"example.com/sessionsync/internal/domain"
	"example.com/sessionsync/internal/offline"
	"example.com/sessionsync/internal/realtime"
	"example.com/sessionsync/internal/serverstore"
	kafkatransport "example.com/sessionsync/internal/transport/kafka"
)

// platform bundles the shared connections every command needs.
type platform struct {
	cfg      config.Config
	notices  *domain.NoticeBuffer
	guard    *serverstore.SchemaGuard
	pool     *pgxpool.Pool
	store    *serverstore.Store
	producer *kafkatransport.Producer
	queueDB  *offline.SQLiteStore
}

func openPlatform(ctx context.Context, cfg config.Config) (*platform, error) {
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	queueDB, err := offline.OpenSQLite(ctx, cfg.QueuePath)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open offline queue: %w", err)
	}

	notices := domain.NewNoticeBuffer(cfg.NoticeBufferSize)
	guard := serverstore.NewSchemaGuard(notices, cfg.SchemaMissingNotice)
	return &platform{
		cfg:      cfg,
		notices:  notices,
		guard:    guard,
		pool:     pool,
		store:    serverstore.NewStore(pool, guard, serverstore.WithLogger(newLogger("serverstore"))),
		producer: kafkatransport.NewProducer(kafkatransport.ProducerConfig{
			Brokers:      cfg.KafkaBrokers,
			Topics:       publishTopics(cfg),
			BatchTimeout: cfg.KafkaBatchTimeout,
		}),
		queueDB:  queueDB,
	}, nil
}

// publishTopics lists the topics this device may write: the session change
// topic when realtime runs over Kafka, and the event.* mutation topics.
func publishTopics(cfg config.Config) []string {
	topics := []string{cfg.EventsTopic}
	if cfg.RealtimeBackend == "kafka" {
		topics = append(topics, cfg.RealtimeTopic)
	}
	return append(topics, cfg.EventTopics...)
}

func (p *platform) Close() {
	if err := p.producer.Close(); err != nil {
		log.Printf("close kafka producer: %v", err)
	}
	if err := p.queueDB.Close(); err != nil {
		log.Printf("close offline queue: %v", err)
	}
	p.pool.Close()
}

func (p *platform) kafkaRealtime() bool {
	return p.cfg.RealtimeBackend == "kafka"
}

// router delivers queued writes: session rows to Postgres, http.* to the
// platform API and event.* to Kafka.
func (p *platform) router() *offline.Router {
	sessionOpts := []offline.SessionSenderOption{offline.WithSenderLogger(newLogger("offline"))}
	if p.kafkaRealtime() {
		publisher := realtime.NewKafkaPublisher(p.producer, p.cfg.RealtimeTopic, realtime.WithKafkaLogger(newLogger("realtime")))
		sessionOpts = append(sessionOpts, offline.WithChangePublisher(publisher))
	}

	authCfg := auth.Config{Secret: p.cfg.JWTSecret, Issuer: p.cfg.JWTIssuer}
	deviceID := p.cfg.DeviceID
	token := func() string {
		signed, err := auth.Sign(authCfg, deviceID, []string{"activities:write"}, 5*time.Minute)
		if err != nil {
			return ""
		}
		return signed
	}

	return offline.NewRouter().
		Handle("session", offline.NewSessionSender(p.store, sessionOpts...)).
		Handle("http", offline.NewHTTPSender(p.cfg.SyncAPIURL, p.cfg.HTTPTimeout, token)).
		Handle("event", offline.NewKafkaSender(p.producer, p.cfg.EventsTopic))
}

func (p *platform) queue(monitor *connectivity.Monitor) *offline.Queue {
	opts := []offline.Option{
		offline.WithLogger(newLogger("offline")),
		offline.WithSchemaReporter(p.guard),
		offline.WithBackoff(p.cfg.QueueBaseDelay, time.Hour),
		offline.WithMaxAttempts(p.cfg.QueueMaxAttempts),
	}
	if monitor != nil {
		opts = append(opts, offline.WithOnline(monitor.Online))
	}
	return offline.NewQueue(p.queueDB, p.router(), opts...)
}

// changeFeed picks the realtime backend and the matching fallback teardown path.
func (p *platform) changeFeed() (realtime.Subscriber, func(context.Context) (realtime.Remover, error)) {
	if p.kafkaRealtime() {
		group := p.cfg.ConsumerGroupID
		if group == "" {
			group = "session-sync-" + p.cfg.DeviceID
		}
		sub := realtime.NewKafkaSubscriber(
			realtime.ReaderFactoryFor(p.cfg.KafkaBrokers, p.cfg.RealtimeTopic, group),
			realtime.WithKafkaLogger(newLogger("realtime")),
		)
		return sub, sub.FreshRemover
	}
	sub := realtime.NewPGSubscriber(p.cfg.PostgresURL, p.pool, p.store, realtime.WithPGLogger(newLogger("realtime")))
	return sub, sub.FreshRemover
}

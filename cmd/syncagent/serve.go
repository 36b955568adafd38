package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"example.com/sessionsync/internal/api"
	"example.com/sessionsync/internal/auth"
	"example.com/sessionsync/internal/config"
	"example.com/sessionsync/internal/connectivity"
	"example.com/sessionsync/internal/coordinator"
	"example.com/sessionsync/internal/localcache"
	httptransport "example.com/sessionsync/internal/transport/http"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync agent and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *cfg, userID)
		},
	}
	cmd.Flags().StringVar(&cfg.HTTPAddress, "addr", cfg.HTTPAddress, "HTTP listen address")
	cmd.Flags().StringVar(&cfg.RealtimeBackend, "realtime", cfg.RealtimeBackend, "Realtime backend: postgres or kafka")
	cmd.Flags().StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "Directory for the local session cache")
	cmd.Flags().StringVar(&userID, "user", "", "Identify this user at startup so the cached session is restored immediately")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, userID string) error {
	logger := newLogger("syncagent")

	p, err := openPlatform(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	monitor := connectivity.NewMonitor(cfg.HealthURL, cfg.ProbeInterval, connectivity.WithLogger(newLogger("connectivity")))
	queue := p.queue(monitor)
	cache := localcache.New(afero.NewOsFs(), cfg.CacheDir, localcache.WithLogger(newLogger("localcache")))
	subscriber, fresh := p.changeFeed()

	coord := coordinator.New(coordinator.Deps{
		Cache:        cache,
		Server:       p.store,
		Queue:        queue,
		Subscriber:   subscriber,
		FreshRemover: fresh,
		Connectivity: monitor,
		Notifier:     p.notices,
		Guard:        p.guard,
	}, coordinator.Settings{
		SuppressionWindow:  cfg.SuppressionWindow,
		PublishDebounce:    cfg.PublishDebounce,
		FlushInterval:      cfg.FlushInterval,
		FlushBatchSize:     cfg.FlushBatchSize,
		EndedElsewhereText: cfg.EndedElsewhereText,
	}, coordinator.WithLogger(newLogger("coordinator")))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go monitor.Run(runCtx)
	coordDone := make(chan error, 1)
	go func() { coordDone <- coord.Run(runCtx) }()

	if userID != "" {
		if err := coord.Identify(ctx, userID); err != nil {
			return fmt.Errorf("identify %s: %w", userID, err)
		}
	}

	handler := api.NewHandler(coord, queue, cache, p.notices)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:         cfg.HTTPAddress,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, httptransport.Chain(mux,
		httptransport.CORS(cfg.CORSOrigin),
		httptransport.RequestLogger(newLogger("http")),
		authMiddleware.Wrap,
	), newLogger("http"))

	logger.Printf("sync agent starting (realtime=%s, device=%s)", cfg.RealtimeBackend, p.cfg.DeviceID)
	serveErr := server.Run(ctx)
	if serveErr != nil {
		logger.Printf("server error: %v", serveErr)
	}
	cancel()

	if err := <-coordDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return serveErr
}

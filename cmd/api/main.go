package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kindfi-org/kindfi-sub006/auth"
	"github.com/kindfi-org/kindfi-sub006/config"
	"github.com/kindfi-org/kindfi-sub006/db"
	"github.com/kindfi-org/kindfi-sub006/dispute"
	"github.com/kindfi-org/kindfi-sub006/escrow"
	"github.com/kindfi-org/kindfi-sub006/ledger"
	"github.com/kindfi-org/kindfi-sub006/live"
	"github.com/kindfi-org/kindfi-sub006/metrics"
	"github.com/kindfi-org/kindfi-sub006/notify"
	"github.com/kindfi-org/kindfi-sub006/ratelimit"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	reg := metrics.New()

	var primary ratelimit.Backend
	if cfg.RedisURL != "" {
		rdb, err := ratelimit.Connect(cfg.RedisURL)
		if err != nil {
			log.Fatalf("bootstrap redis: %v", err)
		}
		defer rdb.Close()
		primary = ratelimit.NewRedisBackend(rdb)
	} else {
		logger.Warn("no redis configured, rate limits are per process")
	}
	guard := ratelimit.NewGuard(primary, ratelimit.Config{
		MaxAttempts:   cfg.RateLimit.MaxAttempts,
		Window:        cfg.RateLimit.Window,
		SweepInterval: cfg.RateLimit.SweepInterval,
	}, logger, reg)

	ledgerClient, err := ledger.DialRPC(ctx, cfg.Ledger.RPCURL, cfg.Ledger.Namespace, nil)
	if err != nil {
		log.Fatalf("dial ledger: %v", err)
	}
	defer ledgerClient.Close()

	keyring, err := ledger.NewKeyring(cfg.SignerKeys)
	if err != nil {
		log.Fatalf("load signer keys: %v", err)
	}
	pipeline := ledger.NewPipeline(ledgerClient, keyring, ledger.Config{
		PollInterval: cfg.Ledger.PollInterval,
		MaxAttempts:  cfg.Ledger.MaxAttempts,
	}, logger, reg)

	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)
	escrowService := escrow.NewService(pool, escrow.NewRepository(pool), pipeline, escrow.Config{
		Channel:        cfg.Live.ChangeChannel,
		PlatformSigner: cfg.Ledger.PlatformSigner,
	}, logger)
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), authService, pipeline, dispute.Config{
		Lease:   cfg.ResolutionLease,
		Channel: cfg.Live.ChangeChannel,
	}, logger)

	relay := notify.NewRelay(pool, notify.NewOutbox(), notify.NewPGSink(pool), notify.RelayConfig{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		RatePerSec:   cfg.Outbox.RatePerSec,
	}, logger, reg)

	feed := db.NewListener(cfg.DatabaseURL, cfg.Live.ChangeChannel, logger)
	broadcaster := live.NewBroadcaster(live.NewStatusReader(pool), feed, logger, reg)

	server := &Server{
		tokens:            authService,
		escrowService:     escrowService,
		disputeService:    disputeService,
		ledger:            pipeline,
		guard:             guard,
		metrics:           reg,
		settlementTimeout: cfg.SettlementTimeout,
		logger:            logger.With("component", "api"),
	}
	server.live = broadcaster.Handler(live.HandlerOptions{
		OriginPatterns: cfg.Live.AllowedOrigins,
		QueueSize:      cfg.Live.QueueSize,
		Authenticate:   server.liveUser,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	guard.Start(gctx)
	relay.Start(gctx)
	if err := broadcaster.Start(gctx); err != nil {
		log.Fatalf("start broadcaster: %v", err)
	}

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SettlementTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	broadcaster.Stop()
	relay.Stop()
	guard.Stop()
	if err != nil {
		log.Fatalf("serve: %v", err)
	}
	logger.Info("shutdown complete")
}

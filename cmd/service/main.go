package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/tunaaoguzhann/session-ledger/core"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

func run(cfg config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := core.NewMetrics()
	ledgers, err := buildLedgers(cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer ledgers.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = ledgers.Ping(pingCtx)
	cancel()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           newServer(ledgers, metrics, logger, cfg).routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", srv.Addr),
			zap.Bool("redis", cfg.RedisAddr != ""),
			zap.Bool("postgres", cfg.DatabaseURL != ""),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildLedgers(cfg config, logger *zap.Logger, metrics *core.Metrics) (*core.Ledgers, error) {
	opts := core.Options{
		RedisAddr:        cfg.RedisAddr,
		RedisPassword:    cfg.RedisPassword,
		RedisDB:          cfg.RedisDB,
		RedisKeyPrefix:   cfg.RedisKeyPrefix,
		Logger:           logger,
		Metrics:          metrics,
		Notifier:         core.NewLogNotifier(logger.Named("mailer")),
		SessionTTL:       cfg.SessionTTL,
		ResetTTL:         cfg.ResetTTL,
		ResetMaxAttempts: cfg.ResetMaxAttempts,
		ResetKeyMode:     core.KeyMode(cfg.ResetKeyMode),
		ResetStaticKey:   cfg.ResetStaticKey,
		ResetLinkBase:    cfg.ResetLinkBase,
		HMACSecret:       cfg.HMACSecret,
		RateLimit:        cfg.ResetRequestLimit,
		RateWindow:       cfg.ResetRequestWindow,
		BcryptCost:       cfg.BcryptCost,
	}

	if cfg.DatabaseURL != "" {
		db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		opts.DB = db
		logger.Info("using postgres user directory")
	}
	if cfg.RedisAddr != "" {
		logger.Info("using redis store", zap.String("addr", cfg.RedisAddr))
	} else {
		logger.Info("using in-memory store")
	}

	return core.NewLedgersWithOptions(opts)
}

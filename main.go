package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/codementor/internal/adapter/llm"
	"github.com/xiaot623/codementor/internal/auth"
	"github.com/xiaot623/codementor/internal/config"
	"github.com/xiaot623/codementor/internal/domain"
	"github.com/xiaot623/codementor/internal/hub"
	"github.com/xiaot623/codementor/internal/logging"
	"github.com/xiaot623/codementor/internal/policy"
	"github.com/xiaot623/codementor/internal/queue"
	"github.com/xiaot623/codementor/internal/repository"
	"github.com/xiaot623/codementor/internal/service"
	handler "github.com/xiaot623/codementor/internal/transport/http"
	"github.com/xiaot623/codementor/internal/ws"
)

var _ queue.Backend = (*repository.SQLiteStore)(nil)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "codementor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting codementor",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.Int("workers", cfg.Workers),
		zap.String("model", cfg.Model),
	)
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET is empty, every API and live request will be rejected")
	}

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	// Initialize job queue backend
	var backend queue.Backend = db
	if cfg.QueueBackend == "bolt" {
		bolt, err := queue.OpenBoltBackend(cfg.BoltPath)
		if err != nil {
			return fmt.Errorf("failed to open bolt queue: %w", err)
		}
		defer bolt.Close()
		backend = bolt
	}
	jobs := queue.New(backend, queue.Options{
		Workers:           cfg.Workers,
		MaxAttempts:       cfg.JobMaxAttempts,
		BackoffBase:       cfg.JobBackoffBase,
		BackoffMax:        cfg.JobBackoffMax,
		PollInterval:      cfg.JobPollInterval,
		VisibilityTimeout: cfg.JobVisibilityTimeout,
	}, logger.Named("queue"))

	// Initialize reasoning client
	chat := llm.NewChatClient(cfg.Mode, cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.LLMTimeout, logger.Named("llm"))
	reviewer := llm.NewReviewer(chat, cfg.Model, logger.Named("llm"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	notifications := hub.New(cfg.SendBuffer, logger.Named("hub"))

	// Initialize service
	svc := service.New(db, reviewer, notifications, jobs, cfg, policyEngine, logger.Named("service"))
	jobs.Register(domain.JobKindAnalyzeCode, svc.HandleAnalyzeJob)

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	wsServer := ws.NewServer(cfg, notifications, verifier, db, logger.Named("ws"))
	server := handler.NewServer(cfg, svc, verifier, notifications, wsServer, logger.Named("http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		notifications.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return jobs.Run(gctx)
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("API started", zap.String("addr", addr))
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down codementor")

		// Graceful shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown server gracefully", zap.Error(err))
		}
		notifications.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("codementor stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"psychtrainer/internal/config"
	"psychtrainer/internal/core"
	"psychtrainer/internal/db"
	httpserver "psychtrainer/internal/http"
	"psychtrainer/internal/llm"
	"psychtrainer/internal/metrics"
	"psychtrainer/internal/observability"
	"psychtrainer/internal/retrieval"
	"psychtrainer/pkg/logger"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "psychtrainer",
		Short:         "Clinical interview training server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newMigrateCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres checkpoint schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Postgres.URL == "" {
				return errors.New("DATABASE_URL must be set")
			}
			conn, err := db.Open(cmd.Context(), cfg.Postgres.URL)
			if err != nil {
				return err
			}
			defer conn.Close()
			return db.Migrate(cmd.Context(), conn.DB)
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.App.LogLevel, cfg.App.Env)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	tp, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	cp, err := openCheckpoints(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = cp.Close() }()

	client := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:     cfg.LLM.Key(),
		BaseURL:    cfg.LLM.BaseURL,
		Model:      cfg.LLM.Model,
		Timeout:    cfg.LLM.Timeout,
		JSONSchema: cfg.LLM.JSONSchema,
	})
	retriever, err := openRetriever(cfg, log)
	if err != nil {
		return err
	}
	prompts, err := core.LoadPrompts(cfg.Retrieval.PromptsFile)
	if err != nil {
		return err
	}
	fewShot, err := retrieval.LoadFewShotExamples(cfg.Retrieval.FewShotDir)
	if err != nil {
		log.Warn("few-shot examples unavailable", zap.String("dir", cfg.Retrieval.FewShotDir), zap.Error(err))
	}

	svc, err := core.NewService(core.Options{
		Store:     cp.store,
		Locker:    cp.locker,
		LLM:       client,
		Retriever: retriever,
		Prompts:   prompts,
		Config: core.Config{
			MaxMessages:  cfg.Interview.MaxMessages,
			KeepMessages: cfg.Interview.MessagesToKeep,
			MaxTurns:     cfg.Interview.MaxTurns,
			RouterWindow: cfg.Interview.RouterWindow,
			TurnTimeout:  cfg.Interview.TurnTimeout,
		},
		FewShotExamples: fewShot,
		Logger:          log,
		Metrics:         m,
		Tracer:          tp.Tracer(),
	})
	if err != nil {
		return err
	}
	defer svc.Wait()

	var events httpserver.EventSource
	if cp.notifier != nil {
		events = cp.notifier
	}
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.App.Port),
		Handler:           httpserver.NewServer(svc, events, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("backend", cfg.Checkpoint.Backend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// checkpoints is the configured checkpoint store and session lock.
type checkpoints struct {
	store  db.Store
	locker core.Locker
	// notifier is only set with the Postgres backend.
	notifier *db.Notifier
	// lockClient backs a Redis lock next to a store that does not own it.
	lockClient *redis.Client
}

// Close releases the store and any Redis client it does not own.
func (c *checkpoints) Close() error {
	err := c.store.Close()
	if c.lockClient != nil {
		err = errors.Join(err, c.lockClient.Close())
	}
	return err
}

// openCheckpoints builds the configured checkpoint store and session lock.
// Nothing stays open when it fails.
func openCheckpoints(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *checkpoints, err error) {
	var client *redis.Client
	if cfg.Checkpoint.Backend == config.BackendRedis || cfg.Checkpoint.Lock == config.LockRedis {
		client, err = db.NewRedisClient(ctx, db.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				_ = client.Close()
			}
		}()
	}

	cp := &checkpoints{locker: core.NewLocalLocker()}
	switch cfg.Checkpoint.Backend {
	case config.BackendPostgres:
		conn, err := db.Open(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, conn.DB); err != nil {
			_ = conn.Close()
			return nil, err
		}
		cp.notifier = db.NewNotifier(cfg.Postgres.URL, cfg.Postgres.NotifyChannel, log.With(zap.String("component", "notifier")))
		cp.store = db.NewPostgresStore(conn, cp.notifier)
	case config.BackendRedis:
		cp.store = db.NewRedisStoreFromClient(client, cfg.Redis.Prefix, 0)
	default:
		log.Warn("using in-memory checkpoints; sessions are lost on restart")
		cp.store = db.NewMemoryStore()
	}

	if cfg.Checkpoint.Lock == config.LockRedis {
		cp.locker = db.NewRedisLocker(client, cfg.Redis.Prefix, 0)
		if cfg.Checkpoint.Backend != config.BackendRedis {
			cp.lockClient = client
		}
	}
	return cp, nil
}

// openRetriever opens the chromem index at VECTOR_PATH, or an in-memory one
// when no path is set. Empty collections yield no context.
func openRetriever(cfg *config.Config, log *zap.Logger) (retrieval.Provider, error) {
	key := cfg.Embedding.APIKey
	if key == "" {
		key = cfg.LLM.Key()
	}
	embedder := llm.NewOpenAIClient(llm.OpenAIConfig{
		APIKey:         key,
		BaseURL:        cfg.Embedding.BaseURL,
		EmbeddingModel: cfg.Embedding.Model,
	})
	if cfg.Retrieval.VectorPath == "" {
		log.Info("no vector path configured, using an empty in-memory index")
	}
	store, err := retrieval.NewVectorStore(cfg.Retrieval.VectorPath, embedder.Embed)
	if err != nil {
		return nil, err
	}
	return store, nil
}

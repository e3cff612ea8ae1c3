package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mskwealth/sage/internal/api"
	"github.com/mskwealth/sage/internal/audit"
	"github.com/mskwealth/sage/internal/bus"
	"github.com/mskwealth/sage/internal/config"
	"github.com/mskwealth/sage/internal/kbsync"
	"github.com/mskwealth/sage/internal/llm"
	"github.com/mskwealth/sage/internal/pipeline"
	"github.com/mskwealth/sage/internal/rerank"
	"github.com/mskwealth/sage/internal/retrieval"
	"github.com/mskwealth/sage/internal/session"
	"github.com/mskwealth/sage/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("sage starting", "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OpenAIAPIKey == "" {
		slog.Error("OPENAI_API_KEY is required")
		os.Exit(1)
	}
	if cfg.RetrievalURL == "" {
		slog.Error("RETRIEVAL_URL is required")
		os.Exit(1)
	}

	retriever := retrieval.NewClient(cfg.RetrievalURL, cfg.RetrievalAPIKey, cfg.RetrievalMode, cfg.RetrievalTimeout, slog.Default())

	var reranker pipeline.Reranker = rerank.Passthrough{}
	if cfg.RerankEnabled && cfg.RerankURL != "" {
		reranker = rerank.NewClient(cfg.RerankURL, cfg.RerankAPIKey, cfg.RerankModel, cfg.RerankTimeout, slog.Default())
		slog.Info("reranker ready", "model", cfg.RerankModel)
	} else {
		slog.Warn("reranking disabled — serving results in retrieval order")
	}

	generator := llm.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.GenerationTimeout, cfg.GenerationRetries, slog.Default())
	slog.Info("llm client ready", "model", cfg.OpenAIModel)

	auditLog, err := audit.Open(cfg.AuditPath)
	if err != nil {
		slog.Error("failed to open audit log", "path", cfg.AuditPath, "error", err)
		os.Exit(1)
	}
	defer auditLog.Close()
	slog.Info("audit log open", "path", cfg.AuditPath)

	sessions := session.NewManager()
	go sweepSessions(ctx, sessions, cfg.SessionMaxIdle)

	orch := pipeline.New(retriever, reranker, generator, sessions, auditLog, pipeline.Options{
		RetrievalK:    cfg.RetrievalK,
		RerankTopN:    cfg.RerankTopN,
		MaxIterations: cfg.MaxIterations,
	}, slog.Default())

	syncClient := kbsync.NewClient(cfg.SyncURL, cfg.SyncAPIKey, cfg.KnowledgeBaseID, cfg.SyncTimeout)
	syncs := kbsync.NewManager(syncClient, cfg.SyncMaxDuration, slog.Default())

	// Postgres mirror (optional — the service answers fine without it, the
	// compliance archive just stays empty)
	var db *store.Store
	if cfg.DatabaseURL != "" {
		db, err = store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		orch.SetStore(db)
		syncs.SetStore(db)
		slog.Info("database connected")
	} else {
		slog.Warn("DATABASE_URL not set — running without turn archive")
	}

	// NATS events (optional)
	if cfg.NatsURL != "" {
		events, err := bus.NewClient(cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer events.Close()
		orch.SetEvents(events)
		syncs.SetEvents(events)
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS_URL not set — running without lifecycle events")
	}

	srv := api.NewServer(cfg.Port, orch, syncs, cfg.DataSourceID, slog.Default())
	if db != nil {
		srv.SetTurnReader(db)
	}
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("sage ready", "port", cfg.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("shutting down")
	cancel()
	slog.Info("sage stopped")
}

// sweepSessions periodically drops conversations idle for longer than
// maxIdle, so the in-memory history does not grow for the life of the
// process.
func sweepSessions(ctx context.Context, sessions *session.Manager, maxIdle time.Duration) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.EvictIdle(maxIdle); n > 0 {
				slog.Info("evicted idle sessions", "count", n, "max_idle", maxIdle)
			}
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

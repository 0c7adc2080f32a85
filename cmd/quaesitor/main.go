// Quaesitor is an MCP server that brokers multi-agent deep research:
// async research jobs over a model gateway, hybrid BM25+vector retrieval
// over past reports, and four transports (stdio, streamable HTTP,
// WebSocket, legacy SSE).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/quaesitor/internal/auth"
	"github.com/marcus-qen/quaesitor/internal/config"
	"github.com/marcus-qen/quaesitor/internal/embed"
	"github.com/marcus-qen/quaesitor/internal/events"
	"github.com/marcus-qen/quaesitor/internal/index"
	"github.com/marcus-qen/quaesitor/internal/jobs"
	"github.com/marcus-qen/quaesitor/internal/llm"
	"github.com/marcus-qen/quaesitor/internal/maintenance"
	"github.com/marcus-qen/quaesitor/internal/mcpserver"
	"github.com/marcus-qen/quaesitor/internal/metrics"
	"github.com/marcus-qen/quaesitor/internal/research"
	"github.com/marcus-qen/quaesitor/internal/server"
	"github.com/marcus-qen/quaesitor/internal/storage"
	"github.com/marcus-qen/quaesitor/internal/tracing"
	"github.com/marcus-qen/quaesitor/internal/transport"
	"github.com/marcus-qen/quaesitor/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	// sessionMaxIdle is how long a transport session may sit idle before
	// the purge sweep removes its row.
	sessionMaxIdle = 30 * time.Minute
	// embedBackfillBatch bounds one backfill sweep over documents indexed
	// while the embedder was cold.
	embedBackfillBatch = 64
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML or JSON config file")
		stdio       = flag.Bool("stdio", false, "serve MCP on stdin/stdout instead of HTTP")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("quaesitor %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr in every mode; in stdio mode stdout belongs to
	// the protocol. The atomic level is shared with the logging/setLevel
	// tool so clients can turn verbosity up at runtime.
	logLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		logLevel.SetLevel(lvl)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = logLevel
	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	mcpserver.Version = version
	server.Version = version
	server.Commit = commit
	server.Date = date

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logLevel, logger, *stdio); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logLevel zap.AtomicLevel, logger *zap.Logger, stdio bool) error {
	shutdownTracer, err := tracing.InitTraceProvider(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracer(flushCtx)
		}()
	}

	opts := storage.Options{
		EmbedDim: cfg.Embed.Dim,
		BM25K1:   cfg.Index.BM25K1,
		BM25B:    cfg.Index.BM25B,
	}
	var store storage.Store
	if sqlStore, err := storage.OpenSQLite(cfg.DataDir, opts, logger); err != nil {
		logger.Warn("cannot open research database, falling back to in-memory",
			zap.String("data_dir", cfg.DataDir),
			zap.Error(err),
		)
		store = storage.NewMemory(opts, logger)
	} else {
		store = sqlStore
	}
	defer func() { _ = store.Close() }()
	metrics.SetDBReady(store.Mode() == storage.ModeSQLite)

	bus := events.NewBus(256)
	notifier := webhook.NewNotifier(cfg.Webhook.Secret, cfg.Webhook.Timeout, logger)
	gateway := llm.NewClient(cfg.LLM, logger)

	embedder := embed.New(cfg.Embed, logger)
	embedder.Start(ctx)
	metrics.SetEmbedderReady(embedder.Ready())

	idx := index.New(store, embedder, cfg.Index, logger)
	orch := research.New(gateway, store, idx, embedder, cfg.Research, logger)

	engine := jobs.NewEngine(store, bus, notifier, cfg.Jobs, logger)
	engine.RegisterRunner("research", orch.Runner())

	// Requeue jobs orphaned by a previous crash before workers start.
	if ids, err := engine.ReclaimStale(ctx); err != nil {
		logger.Warn("stale lease reclaim failed", zap.Error(err))
	} else if len(ids) > 0 {
		logger.Info("requeued jobs from previous run", zap.Strings("job_ids", ids))
	}
	engine.Start(ctx)
	defer engine.Stop()

	mcpSrv, err := mcpserver.New(store, engine, orch, idx, gateway, embedder, cfg, logLevel, logger)
	if err != nil {
		return fmt.Errorf("assemble mcp server: %w", err)
	}

	var mw *auth.Middleware
	if !stdio {
		authenticator := auth.NewAuthenticator(ctx, cfg.Auth, logger)
		mw = auth.NewMiddleware(authenticator, cfg.Auth, cfg.ExternalURL, logger)
	}

	maint := maintenance.NewScheduler(logger)
	if err := registerMaintenance(maint, store, engine, mcpSrv, idx, gateway, embedder, mw, cfg.LLM.CatalogTTL, logger); err != nil {
		return err
	}
	maint.Start(ctx)
	defer maint.Stop()

	if stdio {
		logger.Info("serving MCP on stdio",
			zap.String("version", version),
			zap.String("mode", cfg.Mode),
			zap.String("storage", store.Mode()),
		)
		return transport.RunStdio(ctx, mcpSrv.Server())
	}

	return server.New(cfg, store, bus, mcpSrv, mw, logger).Run(ctx)
}

// registerMaintenance wires the recurring sweeps. All of them tolerate
// repeated failure; the scheduler logs and moves on.
func registerMaintenance(
	maint *maintenance.Scheduler,
	store storage.Store,
	engine *jobs.Engine,
	mcpSrv *mcpserver.MCPServer,
	idx *index.Index,
	gateway *llm.Client,
	embedder embed.Provider,
	mw *auth.Middleware,
	catalogTTL time.Duration,
	logger *zap.Logger,
) error {
	if err := maint.Add(maintenance.Task{
		Name:     "reclaim-stale-leases",
		Schedule: "@every 15s",
		Run: func(ctx context.Context) error {
			ids, err := engine.ReclaimStale(ctx)
			if err != nil {
				return err
			}
			if len(ids) > 0 {
				logger.Info("requeued stale jobs", zap.Strings("job_ids", ids))
			}
			return nil
		},
	}); err != nil {
		return err
	}

	if err := maint.Add(maintenance.Task{
		Name:     "status-refresh",
		Schedule: "@every 15s",
		Run: func(ctx context.Context) error {
			metrics.SetEmbedderReady(embedder.Ready())
			mcpSrv.PublishStatusChange(ctx)
			return nil
		},
	}); err != nil {
		return err
	}

	if err := maint.Add(maintenance.Task{
		Name:     "purge-stale-sessions",
		Schedule: "@every 5m",
		Run: func(ctx context.Context) error {
			n, err := store.PurgeStaleSessions(ctx, time.Now().Add(-sessionMaxIdle))
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Debug("purged stale sessions", zap.Int("count", n))
			}
			if mw != nil {
				mw.Limiter().Prune()
			}
			return nil
		},
	}); err != nil {
		return err
	}

	if err := maint.Add(maintenance.Task{
		Name:     "backfill-embeddings",
		Schedule: "@every 10m",
		Run: func(ctx context.Context) error {
			n, err := idx.ReindexEmbeddings(ctx, embedBackfillBatch)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("backfilled document embeddings", zap.Int("count", n))
			}
			return nil
		},
	}); err != nil {
		return err
	}

	if gateway.Configured() {
		if catalogTTL <= 0 {
			catalogTTL = 10 * time.Minute
		}
		if err := maint.Add(maintenance.Task{
			Name:     "refresh-model-catalog",
			Schedule: catalogTTL.String(),
			Run: func(ctx context.Context) error {
				_, err := gateway.ListModels(ctx, true)
				return err
			},
		}); err != nil {
			return err
		}
	}

	return nil
}

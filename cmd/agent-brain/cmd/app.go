package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agent-brain/core/internal/chunk"
	"github.com/agent-brain/core/internal/config"
	"github.com/agent-brain/core/internal/embed"
	"github.com/agent-brain/core/internal/index"
	"github.com/agent-brain/core/internal/queue"
	"github.com/agent-brain/core/internal/scanner"
	"github.com/agent-brain/core/internal/search"
	"github.com/agent-brain/core/internal/store"
	"github.com/agent-brain/core/internal/telemetry"
)

// app wires the four core subsystems (Storage Backend, Retrieval Engine,
// Indexing Pipeline, Job Queue) for one project directory.
type app struct {
	cfg         *config.Config
	projectRoot string
	dataDir     string

	backend     store.Backend
	embedder    embed.Embedder
	codeChunker *chunk.CodeChunker

	modeEngine *search.ModeEngine
	queue      *queue.Queue
}

// buildApp constructs every dependency for projectRoot using cfg, selecting
// the storage backend per cfg.Storage.Backend.
func buildApp(ctx context.Context, cfg *config.Config, projectRoot string) (*app, error) {
	dataDir := filepath.Join(projectRoot, ".agent-brain")
	if err := os.MkdirAll(filepath.Join(dataDir, "jobs"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	embedder, err := embed.NewEmbedder(ctx, embed.ParseProvider(cfg.Embeddings.Provider), cfg.Embeddings.Model)
	if err != nil {
		return nil, fmt.Errorf("construct embedder: %w", err)
	}

	backend, err := newBackend(ctx, cfg, dataDir, embedder.Dimensions())
	if err != nil {
		return nil, err
	}

	var summarizer embed.Summarizer
	if cfg.Contextual.Enabled {
		summarizer = embed.NewSummarizer(cfg.Contextual.Model, cfg.Contextual.FallbackOnly)
	}

	sc, err := scanner.New()
	if err != nil {
		return nil, fmt.Errorf("construct scanner: %w", err)
	}

	codeChunker := chunk.NewCodeChunker()
	pipeline := index.NewPipeline(index.PipelineConfig{
		Backend:     backend,
		Embedder:    embedder,
		Summarizer:  summarizer,
		CodeChunker: codeChunker,
		DocChunker:  chunk.NewMarkdownChunker(),
		Scanner:     sc,
	})

	jobTimeout := 2 * time.Hour
	if cfg.Storage.JobTimeout != "" {
		if d, err := time.ParseDuration(cfg.Storage.JobTimeout); err == nil {
			jobTimeout = d
		}
	}

	q, err := queue.NewQueue(filepath.Join(dataDir, "jobs"), queue.Config{
		ProjectRoot:    projectRoot,
		MaxQueueLength: cfg.Storage.MaxQueueLength,
		JobTimeout:     jobTimeout,
		MaxRetries:     cfg.Storage.MaxRetries,
	}, pipeline.Run)
	if err != nil {
		return nil, fmt.Errorf("construct job queue: %w", err)
	}

	modeEngine := search.NewModeEngine(backend, embedder).
		WithHybridAlpha(cfg.Search.SemanticWeight)

	if metrics, err := buildQueryMetrics(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "query telemetry disabled: %v\n", err)
	} else {
		modeEngine = modeEngine.WithMetrics(metrics)
	}

	return &app{
		cfg:         cfg,
		projectRoot: projectRoot,
		dataDir:     dataDir,
		backend:     backend,
		embedder:    embedder,
		codeChunker: codeChunker,
		modeEngine:  modeEngine,
		queue:       q,
	}, nil
}

// buildQueryMetrics opens (creating if absent) the query telemetry database
// under dataDir and wraps it in a QueryMetrics collector.
func buildQueryMetrics(dataDir string) (*telemetry.QueryMetrics, error) {
	db, err := sql.Open("sqlite3", filepath.Join(dataDir, "telemetry.db")+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	if err := telemetry.InitTelemetrySchema(db); err != nil {
		return nil, fmt.Errorf("init telemetry schema: %w", err)
	}
	metricsStore, err := telemetry.NewSQLiteMetricsStore(db)
	if err != nil {
		return nil, fmt.Errorf("construct metrics store: %w", err)
	}
	return telemetry.NewQueryMetrics(metricsStore), nil
}

func newBackend(ctx context.Context, cfg *config.Config, dataDir string, dimensions int) (store.Backend, error) {
	switch cfg.Storage.Backend {
	case "", "embedded":
		b, err := store.NewEmbeddedBackend(store.EmbeddedBackendConfig{
			DataDir:     dataDir,
			BM25Backend: cfg.Search.BM25Backend,
		})
		if err != nil {
			return nil, fmt.Errorf("construct embedded backend: %w", err)
		}
		if err := b.Initialize(ctx, dimensions); err != nil {
			return nil, fmt.Errorf("initialize embedded backend: %w", err)
		}
		return b, nil

	case "relational":
		password := os.Getenv(cfg.Storage.Relational.PasswordEnv)
		b, err := store.NewPostgresBackend(ctx, store.PostgresConfig{
			Host:     cfg.Storage.Relational.Host,
			Port:     cfg.Storage.Relational.Port,
			Database: cfg.Storage.Relational.Database,
			User:     cfg.Storage.Relational.User,
			Password: password,
			SSLMode:  cfg.Storage.Relational.SSLMode,
			PoolSize: cfg.Storage.Relational.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("construct relational backend: %w", err)
		}
		if err := b.Initialize(ctx, dimensions); err != nil {
			return nil, fmt.Errorf("initialize relational backend: %w", err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// Close releases the code chunker, the embedder and the backend, in that
// order. The job queue and the telemetry database are not closed here.
func (a *app) Close() error {
	a.codeChunker.Close()
	_ = a.embedder.Close()
	return a.backend.Close()
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"notesrag/app/api"
	"notesrag/app/middleware"
	"notesrag/chunker"
	"notesrag/config"
	"notesrag/index"
	"notesrag/metrics"
	"notesrag/model"
	"notesrag/pipeline"
	"notesrag/retry"
	"notesrag/search"
	"notesrag/store"
	"notesrag/types"
)

// Components holds the wired indexing and search services. The HTTP server
// and the reindexer share it.
type Components struct {
	Notes   store.NoteStore
	Index   *index.Handle
	Indexer *pipeline.Indexer
	Engine  *search.Engine
	Metrics *metrics.Metrics

	closeStore func() error
}

// Build connects to the stores and wires every component from cfg. A model
// or an existing index whose vector size disagrees with the configuration is
// reported as types.ErrDimensionMismatch; an unreachable model or index is
// logged and retried lazily.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	embedder, err := model.NewEmbedder(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, cfg.Pipeline.CallTimeout)
	err = model.CheckDimensions(checkCtx, embedder)
	cancel()
	switch {
	case errors.Is(err, types.ErrDimensionMismatch):
		return nil, err
	case err != nil:
		logger.Warn("embedding model not reachable, dimensions will be checked on every embed", "err", err)
	}

	c := &Components{Metrics: metrics.New(metrics.DefaultConfig())}

	var (
		backend index.Backend
		pg      *store.PostgresStore
	)
	if cfg.Index.Backend == "memory" {
		c.Notes = store.NewMemoryStore()
		c.closeStore = func() error { return nil }
	} else {
		pg, err = store.NewPostgresStore(ctx, cfg.Postgres.ConnString())
		if err != nil {
			return nil, fmt.Errorf("error to connect to Postgres database: %w", err)
		}
		if err := pg.Init(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("error to create tables: %w", err)
		}
		c.Notes = pg
		c.closeStore = pg.Close
	}

	switch cfg.Index.Backend {
	case "memory":
		backend = index.NewMemory()
	case "sqlite":
		backend, err = index.NewSQLite(ctx, cfg.Index.SQLitePath)
		if err != nil {
			_ = c.closeStore()
			return nil, err
		}
	default:
		backend = index.NewPgVectorWithPool(pg.Pool(), index.WithScanLists(cfg.Index.ScanLists))
	}

	c.Index = index.NewHandle(backend,
		index.Spec{Name: cfg.Index.Name, Dimension: cfg.Embedding.Dimensions, Metric: index.MetricCosine},
		index.WithBatchSize(cfg.Index.BatchSize),
		index.WithInitTimeout(cfg.Pipeline.CallTimeout),
		index.WithLogger(logger),
	)
	if err := c.Index.Init(ctx, embedder.Dimensions()); err != nil {
		if errors.Is(err, types.ErrDimensionMismatch) {
			c.Close()
			return nil, err
		}
		logger.Warn("index not ready yet, will retry on first use", "err", err)
	}

	policy := retry.Policy{
		Attempts: cfg.Pipeline.RetryAttempts,
		Backoff:  cfg.Pipeline.RetryBackoff,
		Timeout:  cfg.Pipeline.CallTimeout,
	}

	ch := chunker.New(
		chunker.WithChunkSize(cfg.Chunking.Size),
		chunker.WithOverlap(cfg.Chunking.Overlap),
		chunker.WithSeparator(cfg.Chunking.Separator),
	)
	c.Indexer = pipeline.NewIndexer(ch, embedder, c.Index,
		pipeline.WithConcurrency(cfg.Pipeline.EmbedConcurrency),
		pipeline.WithRetryPolicy(policy),
		pipeline.WithMetrics(c.Metrics),
		pipeline.WithLogger(logger),
	)
	c.Engine = search.NewEngine(embedder, c.Index, c.Notes,
		search.WithOverFetch(cfg.Search.OverFetchFactor, cfg.Search.MaxFetch),
		search.WithMinScore(cfg.Search.MinScore),
		search.WithRetryPolicy(policy),
		search.WithMetrics(c.Metrics),
		search.WithLogger(logger),
	)
	return c, nil
}

func (c *Components) Close() {
	c.Index.Close()
	if c.closeStore != nil {
		_ = c.closeStore()
	}
}

type Server struct {
	listenAddr string
	cfg        *config.Config
	logger     *slog.Logger
	app        *fiber.App
	components *Components
}

func NewServer(cfg *config.Config) *Server {
	return &Server{
		listenAddr: cfg.ServerAddr,
		cfg:        cfg,
		logger:     slog.Default(),
	}
}

func (s *Server) Stop() {
	if s.app != nil {
		if err := s.app.ShutdownWithTimeout(5 * time.Second); err != nil {
			s.logger.Error("error to shutdown server", "error", err.Error())
		}
	}
	if s.components != nil {
		s.components.Close()
	}
	s.logger.Info("server stopped")
}

func (s *Server) Run() {
	ctx := context.Background()

	components, err := Build(ctx, s.cfg, s.logger)
	if err != nil {
		log.Fatal("error to start services: ", err)
		return
	}
	s.components = components
	s.app = NewApp(components, s.logger)

	err = s.app.Listen(s.listenAddr)
	if err != nil {
		s.logger.Error("error to start server", "error", err.Error())
		return
	}
}

// NewApp registers every route on a new fiber app.
func NewApp(c *Components, logger *slog.Logger) *fiber.App {
	var (
		app           = fiber.New(fiber.Config{ErrorHandler: api.ErrorHandler})
		checkHandler  = api.NewCheckHandler(c.Index)
		searchHandler = api.NewSearchHandler(c.Engine)
		indexHandler  = api.NewIndexHandler(c.Indexer, c.Notes)
		check         = app.Group("/check")
		apiv1         = app.Group("/api/v1")
	)

	app.Use(middleware.RequestLogger(logger, "/check", "/metrics"))

	check.Get("/healthy", checkHandler.HandleHealthy)
	check.Get("/ready", checkHandler.HandleReady)
	app.Get("/metrics", adaptor.HTTPHandler(c.Metrics.Handler()))

	apiv1.Post("/search", searchHandler.HandleSearch)
	apiv1.Post("/search/notes", searchHandler.HandleSearchNotes)
	apiv1.Get("/notes/:id/similar", searchHandler.HandleSimilar)
	apiv1.Put("/index/notes/:id", indexHandler.HandleIndexNote)
	apiv1.Delete("/index/notes/:id", indexHandler.HandleDeleteNote)

	return app
}

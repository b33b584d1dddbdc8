package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/bulk"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/dump"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/lifecycle"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/elastic"
	apperrors "github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/biblio-indexer/pkg/redis"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	dumpPath := flag.String("dump", "", "path to a dump file or a directory of shards")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config file] [-dump path] health|index|extend\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return apperrors.ExitFailure
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	actionName := string(lifecycle.ActionHealth)
	if flag.NArg() > 0 {
		actionName = flag.Arg(0)
	}
	action, err := lifecycle.ParseAction(actionName)
	if err != nil {
		slog.Error("invalid command line", "error", err)
		flag.Usage()
		return apperrors.ExitCode(err)
	}
	if action.Ingests() && *dumpPath == "" {
		slog.Error("the -dump option is required", "action", action)
		flag.Usage()
		return apperrors.ExitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	es, err := elastic.New(cfg.Elastic)
	if err != nil {
		slog.Error("failed to create search engine client", "error", err)
		return apperrors.ExitFailure
	}

	deps, err := connect(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect collaborators", "error", err)
		return apperrors.ExitFailure
	}
	defer deps.Close()

	if action == lifecycle.ActionHealth {
		return runHealth(ctx, cfg, es, deps)
	}

	schema, err := lifecycle.LoadSchema(cfg.Ingest.SettingsPath, cfg.Ingest.MappingPath)
	if err != nil {
		slog.Error("failed to load index schema", "error", err)
		return apperrors.ExitCode(err)
	}

	m := metrics.New()
	manager := lifecycle.NewManager(es, cfg.Elastic.Index, schema)
	if cfg.Metrics.Enabled {
		checker := newChecker(manager, deps, cfg.Elastic.Index)
		shutdown := metrics.StartServer(cfg.Metrics.Port, map[string]http.Handler{
			"/readyz": checker.ReadyHandler(),
		})
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(sctx)
		}()
	}

	opts := []pipeline.Option{pipeline.WithMetrics(m)}
	if deps.journal != nil {
		opts = append(opts, pipeline.WithJournal(deps.journal))
	}
	if deps.checkpoint != nil {
		opts = append(opts, pipeline.WithCheckpoint(deps.checkpoint))
	}
	if deps.events != nil {
		opts = append(opts, pipeline.WithEvents(deps.events))
	}

	p := pipeline.New(
		pipeline.Config{
			Index:          cfg.Elastic.Index,
			DumpPath:       *dumpPath,
			Format:         cfg.Ingest.Format,
			BatchSize:      cfg.Ingest.BatchSize,
			RefreshTimeout: cfg.Elastic.RefreshTimeout,
		},
		dump.NewResolver(),
		dump.NewSplitter(dump.DefaultRules(cfg.Ingest.IncrementalPrefixes), cfg.Ingest.MaxRecordBytes),
		manager,
		bulk.NewSubmitter(es, cfg.Elastic.Index, cfg.Elastic.RetryBackoff, cfg.Elastic.RequestTimeout, m),
		opts...,
	)

	summary, err := p.Run(ctx, action)
	if err != nil {
		slog.Error("ingestion failed", "error", err, "indexed", summary.Indexed)
		return apperrors.ExitCode(err)
	}
	slog.Info("ingestion complete",
		"indexed", summary.Indexed,
		"skipped", summary.SkippedTotal(),
		"duration", summary.Duration.Round(time.Second),
	)
	return apperrors.ExitOK
}

func runHealth(ctx context.Context, cfg *config.Config, es *elastic.Client, deps *collaborators) int {
	manager := lifecycle.NewManager(es, cfg.Elastic.Index, lifecycle.Schema{})
	checker := newChecker(manager, deps, cfg.Elastic.Index)

	hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	report := checker.Run(hctx)
	report.Log(logger.WithComponent("health"))
	if !report.Healthy() {
		return apperrors.ExitFailure
	}
	return apperrors.ExitOK
}

func newChecker(manager *lifecycle.Manager, deps *collaborators, index string) *health.Checker {
	checker := health.NewChecker()
	checker.Register("elasticsearch", manager.HealthCheck())
	if deps.checkpoint != nil {
		checker.Register("redis", checkpointCheck(deps.checkpoint, index))
	}
	if deps.journal != nil {
		checker.Register("postgres", journalCheck(deps.journal, index))
	}
	return checker
}

func checkpointCheck(c *redis.Client, index string) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		if err := c.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		mark, ok, err := c.Watermark(ctx, index)
		if err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		if !ok {
			return health.ComponentHealth{Status: health.StatusUp, Message: "no watermark for " + index}
		}
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Details: map[string]any{"index": index, "watermark": mark.Format(time.RFC3339)},
		}
	}
}

func journalCheck(c *postgres.Client, index string) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		if err := c.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		last, err := c.LastRun(ctx, index)
		if err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		if last == nil {
			return health.ComponentHealth{Status: health.StatusUp, Message: "no finished run for " + index}
		}
		return health.ComponentHealth{
			Status: health.StatusUp,
			Details: map[string]any{
				"last_run":    last.ID,
				"action":      last.Action,
				"status":      last.Status,
				"records":     last.Records,
				"finished_at": last.FinishedAt.Format(time.RFC3339),
			},
		}
	}
}

// collaborators are the optional stores and brokers enabled in config.
type collaborators struct {
	checkpoint *redis.Client
	journal    *postgres.Client
	events     *kafka.Producer
}

func connect(ctx context.Context, cfg *config.Config) (*collaborators, error) {
	deps := &collaborators{}
	g, gctx := errgroup.WithContext(ctx)
	if cfg.Redis.Enabled {
		g.Go(func() error {
			c, err := redis.NewClient(cfg.Redis)
			if err != nil {
				return err
			}
			deps.checkpoint = c
			return nil
		})
	}
	if cfg.Postgres.Enabled {
		g.Go(func() error {
			c, err := postgres.New(gctx, cfg.Postgres)
			if err != nil {
				return err
			}
			deps.journal = c
			return c.EnsureSchema(gctx)
		})
	}
	if cfg.Kafka.Enabled {
		deps.events = kafka.NewProducer(cfg.Kafka)
	}
	if err := g.Wait(); err != nil {
		deps.Close()
		return nil, err
	}
	slog.Info("collaborators ready",
		"redis", deps.checkpoint != nil,
		"postgres", deps.journal != nil,
		"kafka", deps.events != nil,
	)
	return deps, nil
}

func (c *collaborators) Close() {
	if c.checkpoint != nil {
		c.checkpoint.Close()
	}
	if c.journal != nil {
		c.journal.Close()
	}
	if c.events != nil {
		if err := c.events.Close(); err != nil {
			slog.Warn("closing kafka producer", "error", err)
		}
	}
}

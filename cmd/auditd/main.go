// Package main provides the auditd daemon entrypoint.
//
// auditd hosts the audit pipeline control plane: the stage queues over
// Redis, the relational store, object storage, the sandbox runner client,
// and the LLM report generator. `serve` is the long-running worker
// process; `submit` and `export-pdf` enqueue work from the command line.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/1lastphoenix/ton-ai-audit-sub002/archive"
	"github.com/1lastphoenix/ton-ai-audit-sub002/blob"
	"github.com/1lastphoenix/ton-ai-audit-sub002/config"
	"github.com/1lastphoenix/ton-ai-audit-sub002/events"
	"github.com/1lastphoenix/ton-ai-audit-sub002/findings"
	"github.com/1lastphoenix/ton-ai-audit-sub002/iox"
	"github.com/1lastphoenix/ton-ai-audit-sub002/llm"
	"github.com/1lastphoenix/ton-ai-audit-sub002/log"
	"github.com/1lastphoenix/ton-ai-audit-sub002/metrics"
	"github.com/1lastphoenix/ton-ai-audit-sub002/notify"
	"github.com/1lastphoenix/ton-ai-audit-sub002/pipeline"
	"github.com/1lastphoenix/ton-ai-audit-sub002/queue"
	"github.com/1lastphoenix/ton-ai-audit-sub002/ratelimit"
	"github.com/1lastphoenix/ton-ai-audit-sub002/retention"
	"github.com/1lastphoenix/ton-ai-audit-sub002/revision"
	"github.com/1lastphoenix/ton-ai-audit-sub002/sandbox"
	"github.com/1lastphoenix/ton-ai-audit-sub002/store"
	"github.com/1lastphoenix/ton-ai-audit-sub002/types"
)

// Commit is set via ldflags at build time.
var commit = "unknown"

// Defaults applied when the config file leaves a section empty.
const (
	defaultMetricsAddr     = ":9100"
	defaultRetentionDays   = 30
	defaultRateLimit       = 20
	defaultRateWindow      = time.Minute
	cleanupScheduleEvery   = time.Hour
	cleanupQueueDeadline   = 15 * time.Minute
	metricsShutdownTimeout = 5 * time.Second
)

func main() {
	app := &cli.App{
		Name:    "auditd",
		Usage:   "TON contract audit pipeline control plane",
		Version: fmt.Sprintf("%s (commit: %s)", types.EngineVersion, commit),
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			submitCommand(),
			exportPdfCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configFlag is shared by every command.
func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "config",
		Usage: "Path to auditd.yaml",
		Value: "auditd.yaml",
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the pipeline workers, retention sweeper, and metrics endpoint",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "database-dsn",
				Usage: "PostgreSQL DSN (overrides config)",
			},
			&cli.StringFlag{
				Name:  "redis-url",
				Usage: "Redis URL (overrides config)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Prometheus listen address (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "skip-migrate",
				Usage: "Do not apply schema migrations at startup",
			},
		},
		Action: serveAction,
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply schema migrations and exit",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "database-dsn",
				Usage: "PostgreSQL DSN (overrides config)",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx := c.Context

			st, err := store.Open(ctx, cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer iox.DiscardClose(st)

			if err := st.Migrate(ctx); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Enqueue the ingest stage for an uploaded archive",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{Name: "project", Usage: "Project ID", Required: true},
			&cli.StringFlag{Name: "run", Usage: "Audit run ID", Required: true},
			&cli.StringFlag{Name: "upload", Usage: "Upload ID", Required: true},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx := c.Context

			client, err := redisClient(cfg)
			if err != nil {
				return err
			}
			defer iox.DiscardClose(client)

			// Submission is rate limited per project; the limiter fails
			// closed on broker outage.
			limiter := ratelimit.NewLimiter(client, rateLimit(cfg), rateWindow(cfg))
			ok, err := limiter.Allow(ctx, "submit:"+c.String("project"))
			if err != nil {
				return fmt.Errorf("rate limiter unavailable: %w", err)
			}
			if !ok {
				return cli.Exit(fmt.Sprintf("submission rate limit exceeded for project %s", c.String("project")), 1)
			}

			p := pipeline.New(pipeline.Deps{
				Broker: queue.NewBroker(client),
				Logger: log.NewProcessLogger(),
			})
			if err := p.EnqueueIngest(ctx, c.String("project"), c.String("run"), c.String("upload")); err != nil {
				return err
			}
			fmt.Printf("ingest enqueued for run %s\n", c.String("run"))
			return nil
		},
	}
}

func exportPdfCommand() *cli.Command {
	return &cli.Command{
		Name:  "export-pdf",
		Usage: "Enqueue a PDF export for a completed audit run",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{Name: "project", Usage: "Project ID", Required: true},
			&cli.StringFlag{Name: "run", Usage: "Audit run ID", Required: true},
			&cli.StringFlag{Name: "variant", Usage: "Export variant", Value: pipeline.DefaultPdfVariant},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx := c.Context

			client, err := redisClient(cfg)
			if err != nil {
				return err
			}
			defer iox.DiscardClose(client)

			p := pipeline.New(pipeline.Deps{
				Broker: queue.NewBroker(client),
				Logger: log.NewProcessLogger(),
			})
			if err := p.EnqueuePdf(ctx, c.String("project"), c.String("run"), c.String("variant")); err != nil {
				return err
			}
			fmt.Printf("pdf export enqueued for run %s\n", c.String("run"))
			return nil
		},
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if addr := c.String("metrics-addr"); addr != "" {
		cfg.Metrics.Addr = addr
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.NewProcessLogger()

	st, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(st)

	if !c.Bool("skip-migrate") {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
	}

	client, err := redisClient(cfg)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(client)

	objects, err := blob.NewS3Store(ctx, blob.S3Config{
		Bucket:       cfg.Storage.Bucket,
		Region:       cfg.Storage.Region,
		Endpoint:     cfg.Storage.Endpoint,
		UsePathStyle: cfg.Storage.S3PathStyle,
	})
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	blobs := blob.NewContentStore(objects, st)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	bus := events.NewBus(st, collector, logger)
	broker := queue.NewBroker(client)
	runner := queue.NewRunner(broker, bus, collector, logger)

	notifiers, err := buildNotifiers(cfg, client)
	if err != nil {
		return err
	}
	defer func() {
		for _, n := range notifiers {
			iox.DiscardClose(n)
		}
	}()

	pipe := pipeline.New(pipeline.Deps{
		Store:     st,
		Blobs:     blobs,
		Objects:   objects,
		Revisions: revision.NewManager(blobs, st),
		Broker:    broker,
		Events:    bus,
		Sandbox:   sandbox.NewClient(cfg.Sandbox.URL, nil, collector, logger),
		LLM:       llm.NewClient(llm.NewAnthropicCompleter(cfg.LLM.APIKey), objects, collector, logger),
		Findings:  findings.NewEngine(st, collector, logger),
		Notifiers: notifiers,
		Metrics:   collector,
		Logger:    logger,
		Limits: archive.Limits{
			MaxFiles: cfg.Ingest.MaxFiles,
			MaxBytes: cfg.Ingest.MaxBytes,
		},
		QueueConcurrency: cfg.Queues.Concurrency,
		LLMMaxTokens:     cfg.LLM.MaxTokens,
	})
	if err := pipe.Register(runner); err != nil {
		return err
	}

	sweeper := retention.NewSweeper(st, objects, retentionDays(cfg), logger)
	err = runner.Register(queue.QueueConfig{
		Name:     queue.QueueCleanup,
		Deadline: cleanupQueueDeadline,
		Handler: func(ctx context.Context, job queue.Job) error {
			_, err := sweeper.Sweep(ctx, time.Now())
			return err
		},
	})
	if err != nil {
		return err
	}

	logger.Info("auditd starting", map[string]any{
		"engine_version": types.EngineVersion,
		"metrics_addr":   metricsAddr(cfg),
		"retention_days": retentionDays(cfg),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return scheduleCleanup(ctx, broker, logger) })
	g.Go(func() error { return serveMetrics(ctx, metricsAddr(cfg), reg, logger) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("auditd stopped", nil)
	return nil
}

// loadConfig reads the config file and applies shared flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if dsn := c.String("database-dsn"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if url := c.String("redis-url"); url != "" {
		cfg.Redis.URL = url
	}
	return cfg, nil
}

func redisClient(cfg *config.Config) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return goredis.NewClient(opts), nil
}

// buildNotifiers constructs the configured completion notifiers. Both
// adapters are optional.
func buildNotifiers(cfg *config.Config, client *goredis.Client) ([]notify.Notifier, error) {
	var notifiers []notify.Notifier

	if cfg.Notify.Webhook.URL != "" {
		retries := notify.DefaultWebhookRetries
		if cfg.Notify.Webhook.Retries != nil {
			retries = *cfg.Notify.Webhook.Retries
		}
		wh, err := notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:     cfg.Notify.Webhook.URL,
			Headers: cfg.Notify.Webhook.Headers,
			Timeout: cfg.Notify.Webhook.Timeout.Duration,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, wh)
	}

	if cfg.Notify.Redis.Channel != "" {
		rn, err := notify.NewRedisNotifier(client, notify.RedisConfig{
			Channel: cfg.Notify.Redis.Channel,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, rn)
	}

	return notifiers, nil
}

// scheduleCleanup submits the daily retention job. The job id is derived
// from the day, so hourly submissions collapse to one sweep per day.
func scheduleCleanup(ctx context.Context, broker *queue.Broker, logger *log.Logger) error {
	submit := func() {
		id := retention.JobID(time.Now())
		if err := broker.Enqueue(ctx, queue.QueueCleanup, id, "{}"); err != nil && ctx.Err() == nil {
			logger.Warn("cleanup scheduling failed", map[string]any{
				"job_id": id,
				"error":  err.Error(),
			})
		}
	}

	submit()
	ticker := time.NewTicker(cleanupScheduleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			submit()
		}
	}
}

// serveMetrics exposes the Prometheus registry until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", map[string]any{"error": err.Error()})
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	}
}

func metricsAddr(cfg *config.Config) string {
	if cfg.Metrics.Addr != "" {
		return cfg.Metrics.Addr
	}
	return defaultMetricsAddr
}

func retentionDays(cfg *config.Config) int {
	if cfg.Retention.Days > 0 {
		return cfg.Retention.Days
	}
	return defaultRetentionDays
}

func rateLimit(cfg *config.Config) int {
	if cfg.RateLimit.Limit > 0 {
		return cfg.RateLimit.Limit
	}
	return defaultRateLimit
}

func rateWindow(cfg *config.Config) time.Duration {
	if cfg.RateLimit.Window.Duration > 0 {
		return cfg.RateLimit.Window.Duration
	}
	return defaultRateWindow
}

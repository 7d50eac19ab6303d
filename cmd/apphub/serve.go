package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/cobra"

	"github.com/apphub/apphub/internal/analytics"
	"github.com/apphub/apphub/internal/assets"
	"github.com/apphub/apphub/internal/bundles"
	"github.com/apphub/apphub/internal/config"
	"github.com/apphub/apphub/internal/eventbus"
	"github.com/apphub/apphub/internal/executor"
	"github.com/apphub/apphub/internal/logger"
	"github.com/apphub/apphub/internal/metrics"
	"github.com/apphub/apphub/internal/models"
	"github.com/apphub/apphub/internal/orchestrator"
	"github.com/apphub/apphub/internal/scheduler"
	"github.com/apphub/apphub/internal/server"
	"github.com/apphub/apphub/internal/store"
	"github.com/apphub/apphub/internal/store/memory"
)

const (
	serviceCallTimeout = 30 * time.Second
	samplePruneEvery   = time.Hour
)

// storage is the repo surface both the Postgres and the in-memory store
// provide.
type storage interface {
	Definitions() models.DefinitionRepo
	Runs() models.RunRepo
	RunSteps() models.RunStepRepo
	JobRuns() models.JobRunRepo
	Assets() models.AssetRepo
	Schedules() models.ScheduleRepo
	Triggers() models.TriggerRepo
	Bundles() models.BundleRepo
	History() models.HistoryRepo
	Audit() models.AuditRepo
	AutoRuns() models.AutoRunRepo
	Samples() models.SampleRepo
	Analytics() models.AnalyticsRepo
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: orchestrator, schedulers and operator API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = logger.WithLogger(ctx, newEngineLogger(cfg))
			return serve(ctx, cfg)
		},
	}
}

func newEngineLogger(cfg *config.Config) logger.Logger {
	opts := []logger.Option{logger.WithFormat(cfg.LogFormat)}
	if cfg.Debug {
		opts = append(opts, logger.WithDebug())
	}
	return logger.NewLogger(opts...)
}

func serve(ctx context.Context, cfg *config.Config) error {
	db, closeDB, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	busOpts := []eventbus.Option{eventbus.WithSampler(db.Samples())}
	if cfg.Events.Mode == "redis" {
		client, err := eventbus.NewRedisClient(cfg.Events.RedisURL)
		if err != nil {
			return err
		}
		busOpts = append(busOpts, eventbus.WithRedis(client, cfg.Events.Channel))
	}
	bus := eventbus.New(busOpts...)
	bus.Start(ctx)
	defer bus.Stop()

	artifacts, err := newArtifactStore(cfg)
	if err != nil {
		return err
	}
	registry := bundles.NewRegistry(db.Bundles(), artifacts, bus, cfg.Bundles.MaxSize)

	var signer *bundles.Signer
	if cfg.Bundles.SigningSecret != "" {
		signer = bundles.NewSigner([]byte(cfg.Bundles.SigningSecret))
	} else {
		logger.Warn(ctx, "Bundle signing secret not set, download endpoint disabled")
	}
	ledger := assets.NewLedger(db.Assets(), db.Audit())
	m := metrics.New()

	exec := executor.New(executor.Options{
		Handlers: executor.NewRegistry(),
		Bundles:  registry,
		Ledger:   ledger,
		JobRuns:  db.JobRuns(),
		Steps:    db.RunSteps(),
		Services: executor.NewServiceClient(serviceCallTimeout),
	})
	orc := orchestrator.New(orchestrator.Options{
		Definitions:      db.Definitions(),
		Runs:             db.Runs(),
		Steps:            db.RunSteps(),
		History:          db.History(),
		Bundles:          registry,
		Executor:         exec,
		Bus:              bus,
		Metrics:          m,
		Concurrency:      cfg.Orchestrator.Concurrency,
		HeartbeatTimeout: cfg.Orchestrator.HeartbeatTimeout,
	})
	sched := scheduler.New(scheduler.Options{
		Schedules:    db.Schedules(),
		Defs:         db.Definitions(),
		Launcher:     orc,
		Metrics:      m,
		TickInterval: cfg.Scheduler.TickInterval,
	})
	dispatcher := scheduler.NewTriggerDispatcher(scheduler.TriggerOptions{
		Triggers: db.Triggers(),
		Defs:     db.Definitions(),
		Launcher: orc,
		Metrics:  m,
	})
	unsubscribe := dispatcher.Attach(bus)
	defer unsubscribe()

	auto := scheduler.NewAutoMaterializer(scheduler.AutoOptions{
		Defs:         db.Definitions(),
		Runs:         db.Runs(),
		AutoRuns:     db.AutoRuns(),
		Ledger:       ledger,
		Launcher:     orc,
		TickInterval: cfg.Scheduler.AutoInterval,
	})
	snapshots := analytics.New(analytics.Options{
		Analytics: db.Analytics(),
		Bus:       bus,
		Metrics:   m,
		Interval:  cfg.Analytics.Interval,
		Window:    cfg.Analytics.Window,
		Bucket:    cfg.Analytics.Bucket,
	})
	api := server.New(server.Options{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		Tokens:       cfg.OperatorTokens,
		Orchestrator: orc,
		Defs:         db.Definitions(),
		Runs:         db.Runs(),
		Steps:        db.RunSteps(),
		History:      db.History(),
		Metrics:      m,
		Bus:          bus,
		Bundles:      registry,
		Signer:       signer,
	})

	logger.Info(ctx, "Starting engine", "owner", orc.Owner(), "eventsMode", cfg.Events.Mode)

	var wg sync.WaitGroup
	background := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	background(sched.Run)
	background(auto.Run)
	background(snapshots.Run)
	background(func(ctx context.Context) {
		recoverStale(ctx, orc, cfg.Orchestrator.HeartbeatTimeout)
	})
	background(func(ctx context.Context) {
		pruneSamples(ctx, db.Samples(), cfg)
	})

	err = api.Serve(ctx)
	wg.Wait()
	return err
}

// newArtifactStore builds the configured bundle artifact backend.
func newArtifactStore(cfg *config.Config) (bundles.ArtifactStore, error) {
	if cfg.Bundles.Storage == "s3" {
		client, err := minio.New(cfg.Bundles.S3Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.Bundles.S3AccessKey, cfg.Bundles.S3SecretKey, ""),
			Secure: cfg.Bundles.S3UseSSL,
			Region: cfg.Bundles.S3Region,
		})
		if err != nil {
			return nil, err
		}
		return bundles.NewS3Store(client, cfg.Bundles.S3Bucket), nil
	}
	return bundles.NewLocalStore(cfg.Bundles.Dir)
}

func openStorage(ctx context.Context, cfg *config.Config) (storage, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn(ctx, "DATABASE_URL not set, using the in-memory store")
		return memory.New(), func() {}, nil
	}
	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, st.Close, nil
}

// recoverStale reclaims runs whose owner stopped heartbeating. Half the
// timeout keeps the detection delay under one timeout in the worst case.
func recoverStale(ctx context.Context, orc *orchestrator.Orchestrator, heartbeatTimeout time.Duration) {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = orchestrator.DefaultHeartbeatTimeout
	}
	ticker := time.NewTicker(heartbeatTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := orc.RecoverStale(ctx); err != nil {
				logger.Error(ctx, "Stale run recovery failed", "err", err)
			}
		}
	}
}

func pruneSamples(ctx context.Context, samples models.SampleRepo, cfg *config.Config) {
	ticker := time.NewTicker(samplePruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := samples.PruneExpired(ctx, cfg.Sampling.TTL, cfg.Sampling.OverflowThreshold)
			if err != nil {
				logger.Error(ctx, "Event sample pruning failed", "err", err)
				continue
			}
			if pruned > 0 {
				logger.Info(ctx, "Pruned event samples", "count", pruned)
			}
		}
	}
}

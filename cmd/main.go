package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"analytics-engine/internal/archive"
	"analytics-engine/internal/cache"
	"analytics-engine/internal/config"
	"analytics-engine/internal/controller"
	"analytics-engine/internal/db"
	httpserver "analytics-engine/internal/http"
	"analytics-engine/internal/model"
	"analytics-engine/internal/observability"
	"analytics-engine/internal/queue"
	"analytics-engine/internal/repository"
	"analytics-engine/internal/service"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.NewConnection(ctx, cfg)
	if err != nil {
		log.Fatalf("connect clickhouse: %v", err)
	}
	defer conn.Close()

	if err := db.RunMigrations(ctx, conn); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	store, err := cache.NewStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer store.Close()

	var pubsub *queue.PubSub
	if cfg.NATSURL != "" {
		pubsub, err = queue.NewNATSPubSub(cfg, log)
		if err != nil {
			log.Fatalf("connect nats: %v", err)
		}
	} else {
		log.Warn("NATS_URL not set, using in-process queue")
		pubsub = queue.NewInProcPubSub(log)
	}
	defer pubsub.Close()

	var archiver archive.Archiver
	if cfg.S3Bucket != "" {
		s3Archiver, err := archive.NewS3Archiver(ctx, cfg)
		if err != nil {
			log.Fatalf("configure archive target: %v", err)
		}
		archiver = s3Archiver
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	repo := repository.NewAnalyticsRepository(conn)
	ingestor := service.NewIngestor(store, pubsub.Publisher, metrics, log, cfg)
	batchWorker := service.NewBatchWorker(store, repo, metrics, log, cfg)
	rollups := service.NewRollupRunner(repo, store, metrics, log, cfg)
	pipelines := service.NewPipelineEngine(repo, store, metrics, log)
	retention := service.NewRetentionManager(repo, store, archiver, metrics, log)

	if err := registerPipelines(pipelines); err != nil {
		log.Fatalf("register pipelines: %v", err)
	}
	if err := registerPolicies(retention, archiver != nil); err != nil {
		log.Fatalf("register retention policies: %v", err)
	}

	scheduler := cron.New()
	mustSchedule(log, scheduler, "@every "+cfg.BatchInterval.String(), func() {
		if err := batchWorker.Run(ctx); err != nil {
			log.WithError(err).Error("batch persistence run failed")
		}
	})
	for window, spec := range map[string]string{
		service.RollupHourly:  "@hourly",
		service.RollupDaily:   "@daily",
		service.RollupWeekly:  "@weekly",
		service.RollupMonthly: "@monthly",
	} {
		window := window
		mustSchedule(log, scheduler, spec, func() {
			if err := rollups.Run(ctx, window); err != nil {
				log.WithError(err).WithField("window", window).Error("rollup run failed")
			}
		})
	}
	mustSchedule(log, scheduler, "@every "+cfg.PipelineInterval.String(), func() {
		pipelines.RunAll(ctx)
	})
	mustSchedule(log, scheduler, cfg.RetentionSchedule, func() {
		retention.RunAll(ctx)
	})
	scheduler.Start()
	defer scheduler.Stop()

	go func() {
		if err := ingestor.Run(ctx, pubsub.Subscriber); err != nil {
			log.WithError(err).Error("queue consumer stopped")
		}
	}()

	analyticsController := controller.NewAnalyticsController(ingestor, pipelines, retention)
	server := httpserver.NewServer(cfg, analyticsController)

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(); err != nil {
			log.WithError(err).Error("server shutdown")
		}
	}()

	log.WithField("addr", cfg.HTTPPort).Info("starting server")
	if err := server.Listen(cfg.HTTPPort); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}

func mustSchedule(log *logrus.Logger, scheduler *cron.Cron, spec string, job func()) {
	if _, err := scheduler.AddFunc(spec, job); err != nil {
		log.Fatalf("schedule %q: %v", spec, err)
	}
}

// registerPipelines installs the default derived analyses. Registration
// errors are configuration errors and fail startup.
func registerPipelines(engine *service.PipelineEngine) error {
	defaults := []model.AggregationPipeline{
		{
			Name:       "daily_activity",
			Type:       model.PipelineTimeSeries,
			TimeWindow: 24 * time.Hour,
			GroupBy:    []string{"type", "category"},
			Metrics:    []string{"value", "count"},
		},
		{
			Name:       "events_by_user",
			Type:       model.PipelineGroupBy,
			TimeWindow: 24 * time.Hour,
			GroupBy:    []string{"userId"},
			Metrics:    []string{"value"},
			SortBy:     "timestamp",
			Limit:      10000,
		},
		{
			Name:       "onboarding_funnel",
			Type:       model.PipelineFunnel,
			TimeWindow: 7 * 24 * time.Hour,
			Metrics: []string{
				"user_action_engagement",
				"achievement_engagement",
				"user_action_monetization",
			},
		},
		{
			Name:           "weekly_cohorts",
			Type:           model.PipelineCohort,
			TimeWindow:     28 * 24 * time.Hour,
			CohortInterval: 7 * 24 * time.Hour,
		},
	}

	for _, p := range defaults {
		if err := engine.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// registerPolicies installs the default retention policies. The archive
// policy is only registered when an archive target is configured.
func registerPolicies(manager *service.RetentionManager, hasArchive bool) error {
	policies := []model.RetentionPolicy{
		{
			Type:     model.EventTypeSystem,
			Duration: 30,
			Aggregation: &model.AggregationRule{
				Interval: 24 * time.Hour,
				Metrics:  []string{"value", "duration"},
			},
		},
		{Type: model.TypeAll, Duration: 90},
	}
	if hasArchive {
		policies = append([]model.RetentionPolicy{{
			Type:     model.EventTypeUserAction,
			Duration: 60,
			Archive: &model.ArchiveStrategy{
				Enabled:     true,
				Destination: "analytics/user-actions",
				Compress:    true,
			},
		}}, policies...)
	}

	for _, p := range policies {
		if err := manager.RegisterPolicy(p); err != nil {
			return err
		}
	}
	return nil
}

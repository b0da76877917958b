package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"drip/alerts"
	"drip/config"
	"drip/content"
	controller "drip/controllers"
	"drip/delivery"
	"drip/metrics"
	"drip/routes"
	"drip/skip"
	"drip/store"
	"drip/trigger"
	"drip/utils"
	"drip/worker"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	rootCmd := cobra.Command{
		Use:   "drip",
		Short: "Lifecycle email sequencing engine",
	}
	rootCmd.AddCommand(
		serveCommand(),
		migrateCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API, trigger feed and sequence worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			db, err := config.ConnectDB(cfg, utils.Component(logger, "database"))
			if err != nil {
				return err
			}
			if err := config.MigrateDB(db); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			logger.Info("Database migrated")
			return nil
		},
	}
}

func bootstrap() (config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return cfg, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := utils.NewLogger(cfg.Environment, cfg.LogLevel)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.WithError(err).Warn("Sentry initialization failed")
		}
	}
	return cfg, logger, nil
}

func serve() error {
	cfg, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer sentry.Flush(2 * time.Second)

	db, err := config.ConnectDB(cfg, utils.Component(logger, "database"))
	if err != nil {
		return err
	}
	if err := config.MigrateDB(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	redisClient := config.NewRedisClient(cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}

	metrics.InitAPIMetrics()
	metrics.InitWorkerMetrics()
	metrics.InitTriggerMetrics()

	automations := store.NewAutomationStore(db)
	enrollments := store.NewEnrollmentStore(db)
	customers := store.NewCustomerStore(db)
	deliveries := store.NewDeliveryLedger(db)
	alertStore := store.NewAlertStore(db)

	notifier := alerts.NewNotifier(alertStore, utils.Component(logger, "alerts"))
	listener := trigger.NewListener(automations, enrollments, customers, utils.Component(logger, "trigger"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sequenceWorker *worker.SequenceWorker
	if !cfg.Scheduler.DisableDispatch {
		sequenceWorker, err = newSequenceWorker(cfg, logger, redisClient, enrollments, customers, deliveries, notifier)
		if err != nil {
			return err
		}
		if err := sequenceWorker.Start(ctx); err != nil {
			return err
		}
	}

	ctrl := routes.Controllers{
		Automations: controller.NewAutomationController(automations, enrollments, deliveries, utils.Component(logger, "api")),
		Events:      controller.NewEventController(listener, utils.Component(logger, "api")),
		Alerts:      controller.NewAlertController(alertStore, utils.Component(logger, "api")),
		Tracking:    controller.NewTrackingController(deliveries, cfg.Delivery.TrackingSecret, utils.Component(logger, "tracking")),
	}
	schedulerCtrl := controller.NewSchedulerController(nil, cfg.Scheduler.StreamInterval, utils.Component(logger, "api"))
	if sequenceWorker != nil {
		schedulerCtrl.Source = sequenceWorker
	}
	ctrl.Scheduler = schedulerCtrl

	app := fiber.New(fiber.Config{
		AppName:               "drip",
		DisableStartupMessage: cfg.Environment == "production",
	})
	routes.SetupRoutes(app, ctrl, routes.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.APIRateLimit,
		Redis:          redisClient,
	}, utils.Component(logger, "http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Server starting on port %s", cfg.ServerPort)
		return app.Listen(":" + cfg.ServerPort)
	})
	if cfg.Kafka.Enabled {
		feed := trigger.NewKafkaFeed(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, listener, utils.Component(logger, "kafka"))
		g.Go(func() error {
			return feed.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		if sequenceWorker != nil {
			if err := sequenceWorker.Stop(); err != nil && !errors.Is(err, worker.ErrNotRunning) {
				logger.WithError(err).Warn("Sequence worker stop failed")
			}
		}
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newSequenceWorker(
	cfg config.Config,
	logger *logrus.Logger,
	redisClient *redis.Client,
	enrollments *store.EnrollmentStore,
	customers *store.CustomerStore,
	deliveries *store.DeliveryLedger,
	notifier *alerts.Notifier,
) (*worker.SequenceWorker, error) {
	gateway, err := delivery.NewGateway(cfg.Delivery, utils.Component(logger, "delivery"))
	if err != nil {
		return nil, err
	}

	var ledger delivery.Ledger = deliveries
	if cfg.Delivery.Ledger == "redis" {
		ledger = delivery.NewRedisLedger(redisClient, cfg.Delivery.LedgerTTL)
	}
	dedup := delivery.NewDeduplicating(gateway, ledger, utils.Component(logger, "delivery"))

	var generator content.Generator
	if cfg.Content.Endpoint != "" {
		generator = content.NewHTTPGenerator(cfg.Content.Endpoint, cfg.Content.APIKey, cfg.Content.Timeout)
	}
	renderer := content.NewRenderer(generator, cfg.Delivery.TrackingBaseURL, cfg.Delivery.TrackingSecret)

	skipper := skip.NewEvaluator(customers, cfg.Scheduler.CallTimeout, utils.Component(logger, "skip"))

	return worker.NewSequenceWorker(
		worker.OptionsFromConfig(cfg.Scheduler),
		enrollments,
		skipper,
		renderer,
		dedup,
		notifier,
		utils.Component(logger, "scheduler"),
	), nil
}

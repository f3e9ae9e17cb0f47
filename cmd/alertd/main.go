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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/stockpulse/internal/api"
	"github.com/lalithlochan/stockpulse/internal/catalog"
	"github.com/lalithlochan/stockpulse/internal/circuitbreaker"
	"github.com/lalithlochan/stockpulse/internal/config"
	"github.com/lalithlochan/stockpulse/internal/db"
	"github.com/lalithlochan/stockpulse/internal/dispatch"
	"github.com/lalithlochan/stockpulse/internal/events"
	"github.com/lalithlochan/stockpulse/internal/inproc"
	"github.com/lalithlochan/stockpulse/internal/intake"
	"github.com/lalithlochan/stockpulse/internal/kafka"
	"github.com/lalithlochan/stockpulse/internal/lifecycle"
	"github.com/lalithlochan/stockpulse/internal/observ"
	"github.com/lalithlochan/stockpulse/internal/redis"
	"github.com/lalithlochan/stockpulse/internal/rules"
	"github.com/lalithlochan/stockpulse/internal/sns"
	"github.com/lalithlochan/stockpulse/internal/sqs"
	"github.com/lalithlochan/stockpulse/internal/template"
	"github.com/lalithlochan/stockpulse/internal/worker"
)

// store is everything the service needs from persistence. Both the Postgres
// repository and the in-memory store satisfy it.
type store interface {
	api.Store
	lifecycle.Store
	worker.Repository
	worker.MaintenanceStore
	catalog.SeedStore
	dispatch.Store
}

// coordination holds the cross-instance primitives, backed by Redis or by
// process memory.
type coordination struct {
	channelLimiter worker.Limiter
	dedup          intake.Guard
	throttle       rules.Throttle
	locker         lifecycle.Locker
	apiLimiter     api.RequestLimiter
	redisConns     func() int
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting stockpulse alertd",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, dbConns, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	coord, closeRedis := openCoordination(ctx, cfg, logger)
	defer closeRedis()

	if cfg.SeedFile != "" {
		if err := catalog.LoadSeedFile(ctx, cfg.SeedFile, st, logger); err != nil {
			return fmt.Errorf("failed to load seed file: %w", err)
		}
	}
	cat := catalog.New(st, cfg.CatalogTTL, logger)

	publisher, closePublisher := buildPublisher(ctx, cfg, logger)
	defer closePublisher()

	sender := buildSender(ctx, cfg, logger)

	executor := worker.NewExecutor(st, coord.channelLimiter, sender, publisher, worker.Config{
		MaxRetries: cfg.MaxRetries,
	}, logger)
	renderer := template.NewRenderer(cat, cfg.DefaultLanguage)
	dispatcher := dispatch.New(cat, renderer, st, executor, publisher, dispatch.Config{
		Concurrency: cfg.DispatchConcurrency,
		Language:    cfg.DefaultLanguage,
	}, logger)

	manager := lifecycle.NewManager(st, coord.locker, publisher, nil, lifecycle.Config{
		RecurrenceThreshold: cfg.RecurrenceThreshold,
		EscalateAfter:       cfg.EscalateAfter,
	}, logger)
	manager.SetNotifier(dispatcher)

	evaluator := rules.NewEvaluator(cat, coord.throttle, logger)

	// Event intake
	pool := intake.NewPool(cfg.IntakePartitions, cfg.IntakePartitionSize, logger)
	var dlq intake.DeadLetter
	var sqsConsumer *sqs.Consumer
	if cfg.SQSQueueURL != "" {
		client, err := sqs.NewClient(ctx, cfg.SQSRegion)
		if err != nil {
			return fmt.Errorf("failed to create SQS client: %w", err)
		}
		sqsConsumer = sqs.NewConsumer(client, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			DLQURL:   cfg.SQSDLQURL,
		}, logger)
		if cfg.SQSDLQURL != "" {
			dlq = sqs.NewDeadLetterProducer(client, cfg.SQSDLQURL, logger)
		}
	}
	in := intake.New(pool, evaluator, manager, coord.dedup, dlq, intake.Config{}, logger)

	var kafkaConsumer *kafka.Consumer
	if cfg.KafkaBrokers != "" {
		kafkaConsumer, err = kafka.NewConsumer(kafka.Config{
			Brokers: kafka.ParseBrokers(cfg.KafkaBrokers),
			GroupID: cfg.KafkaGroupID,
			Topics:  cfg.KafkaTopics,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		defer func() { _ = kafkaConsumer.Close() }()
	}

	// Scheduled passes
	maintenance := worker.NewMaintenance(st, cat, executor, worker.MaintenanceConfig{
		StalePendingAfter:     cfg.StalePendingAfter,
		NotificationRetention: cfg.NotificationRetention,
		AlertRetention:        cfg.AlertRetention,
		DBConns:               dbConns,
		RedisConns:            coord.redisConns,
	}, logger)
	scheduler := worker.NewScheduler(logger, maintenance.Tasks(worker.Intervals{
		Retry:        cfg.RetryInterval,
		StalePending: cfg.StalePendingInterval,
		Cleanup:      cfg.CleanupInterval,
		Stats:        cfg.StatsInterval,
		Escalation:   cfg.EscalationInterval,
	}, manager)...)

	// HTTP
	handler := api.NewHandler(logger, api.Deps{
		Store:     st,
		Lifecycle: manager,
		Confirmer: executor,
		Events:    in,
		Cache:     cat,
	})
	router := api.NewRouter(handler, api.RouterConfig{
		Limiter:        coord.apiLimiter,
		LimitPerWindow: cfg.APIRateLimitPerMinute,
	}, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	pool.Start(ctx)
	defer pool.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return scheduler.Run(gctx) })

	if sqsConsumer != nil {
		g.Go(func() error { return in.Consume(gctx, "sqs", sqsConsumer) })
	}
	if kafkaConsumer != nil {
		g.Go(func() error { return in.Consume(gctx, "kafka", kafkaConsumer) })
	}

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Consumers have returned; drain what they already queued.
	pool.Stop()
	logger.Info("server stopped gracefully")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func() int, func(), error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory store, state is lost on restart")
		return db.NewMemoryStore(), nil, func() {}, nil
	}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(cfg.DBMaxConns),
	}, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)
	conns := func() int { return int(database.AcquiredConns()) }
	return db.NewRepository(database, logger), conns, database.Close, nil
}

// openCoordination connects to Redis when configured. Without it, or when it
// is unreachable, every primitive runs in process and the API is not rate
// limited.
func openCoordination(ctx context.Context, cfg *config.Config, logger *zap.Logger) (coordination, func()) {
	local := coordination{
		channelLimiter: inproc.NewLimiter(time.Hour),
		dedup:          inproc.NewGuard(time.Minute),
		throttle:       inproc.NewGuard(time.Minute),
		locker:         inproc.NewKeyedLocker(),
	}
	if cfg.RedisHost == "" {
		logger.Info("redis not configured, using in-process limiter, dedup and locks")
		return local, func() {}
	}

	client, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, falling back to in-process coordination",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		return local, func() {}
	}

	return coordination{
		channelLimiter: redis.NewChannelLimiter(client, logger),
		dedup:          redis.NewIdempotencyService(client, logger, "intake"),
		throttle:       redis.NewIdempotencyService(client, logger, "rule"),
		locker:         redis.NewLocker(client, logger, 30*time.Second),
		apiLimiter: redis.NewRateLimiter(client, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimitPerMinute,
			Window: time.Minute,
		}),
		redisConns: client.ActiveConns,
	}, func() { _ = client.Close() }
}

// buildPublisher always logs events and adds NATS and SNS when configured.
// Outbound publishing is best effort, so an unreachable broker only warns.
func buildPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) (events.Publisher, func()) {
	publishers := []events.Publisher{events.NewLogPublisher(logger)}
	closers := []func(){}

	if cfg.NATSURL != "" {
		conn, err := events.DialNATS(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("nats unavailable, events will not be published to it", zap.Error(err))
		} else {
			publishers = append(publishers, events.NewNATSPublisher(conn, logger).WithPrefix(cfg.NATSSubjectPrefix))
			closers = append(closers, func() { _ = conn.Drain() })
		}
	}

	if cfg.SNSAlertTopicARN != "" || cfg.SNSNotificationTopicARN != "" {
		p, err := sns.NewPublisher(ctx, sns.Topics{
			AlertTopicARN:        cfg.SNSAlertTopicARN,
			NotificationTopicARN: cfg.SNSNotificationTopicARN,
		}, awsconfig.WithRegion(cfg.SNSRegion))
		if err != nil {
			logger.Warn("sns publisher unavailable", zap.Error(err))
		} else {
			publishers = append(publishers, p)
		}
	}

	return events.NewMultiPublisher(publishers...), func() {
		for _, c := range closers {
			c()
		}
	}
}

// buildSender wires one provider per channel type, each behind its own
// circuit breaker.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) worker.Sender {
	protect := func(name string, s worker.Sender) worker.Sender {
		breaker := circuitbreaker.New(circuitbreaker.Config{
			Name:                name,
			MaxFailures:         cfg.BreakerFailureThreshold,
			RecoveryTimeout:     cfg.BreakerResetTimeout,
			HalfOpenMaxRequests: 1,
		}, logger)
		return circuitbreaker.NewProtectedSender(s, breaker, logger)
	}

	var senders []worker.Sender

	switch cfg.EmailProvider {
	case "resend":
		senders = append(senders, protect("resend", worker.NewResendSender(cfg.ResendAPIKey, cfg.SESFromEmail, logger)))
	case "ses":
		ses, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			logger.Warn("SES sender unavailable, email notifications disabled", zap.Error(err))
		} else {
			senders = append(senders, protect("ses", ses))
		}
	}

	snsClient, err := worker.NewSNSClient(ctx, worker.SNSConfig{Region: cfg.SNSRegion})
	if err != nil {
		logger.Warn("SNS client unavailable, SMS and push notifications disabled", zap.Error(err))
	} else {
		senders = append(senders,
			protect("sms", worker.NewSNSSender(snsClient, logger)),
			protect("push", worker.NewPushSender(snsClient, logger)),
		)
	}

	senders = append(senders, protect("webhook", worker.NewWebhookSender(logger, worker.WebhookConfig{
		DefaultTimeout: time.Duration(cfg.WebhookTimeout) * time.Second,
	})))

	if cfg.EmailProvider == "log" {
		// Catches email and anything a real provider above could not serve.
		senders = append(senders, worker.NewLogSender(logger))
	}

	logger.Info("initialized multi-channel notification system",
		zap.String("email_provider", cfg.EmailProvider),
		zap.Bool("sms_enabled", snsClient != nil),
		zap.Bool("webhook_enabled", true),
	)
	return worker.NewMultiSender(logger, senders...)
}

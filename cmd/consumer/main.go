package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"vms-subscription-engine/internal/clients"
	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/internal/repos"
	"vms-subscription-engine/internal/trigger"
	"vms-subscription-engine/internal/triggered"
	"vms-subscription-engine/shared/cachex"
	"vms-subscription-engine/shared/config"
	"vms-subscription-engine/shared/dbx"
	"vms-subscription-engine/shared/events"
	"vms-subscription-engine/shared/httpx"
	"vms-subscription-engine/shared/influxx"
	"vms-subscription-engine/shared/logx"
	"vms-subscription-engine/shared/metricsx"
	"vms-subscription-engine/shared/mqx"
	"vms-subscription-engine/shared/observability"
	"vms-subscription-engine/shared/replyq"
)

func main() {
	cfg, problems := config.Load("subscription-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	metricsx.Register()

	dbPool, err := dbx.NewPool(context.Background(), cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	defer producer.Close()

	replyReader, err := mqx.NewConsumer(cfg, cfg.ReplyTopic, cfg.KafkaGroupID+"-reply")
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "reply reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	defer replyReader.Close()

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "cache_init_failed", "continuing without asset cache",
				logx.Err(err),
			)
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	var influx *influxx.Client
	if cfg.InfluxURL != "" {
		influx, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "continuing without trigger telemetry",
				logx.Err(err),
			)
			influx = nil
		} else {
			defer influx.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	rq := replyq.New(producer, cfg.ReplyTopic, time.Duration(cfg.ReplyTimeoutMS)*time.Millisecond, logger)
	go rq.Listen(ctx, replyReader)

	assetsClient := clients.NewAssetsClient(rq, cfg.AssetsRequestTopic, cache, cfg.AssetCacheTTL)
	spatialClient := clients.NewSpatialClient(rq, cfg.SpatialRequestTopic)

	subscriptionsRepo := repos.NewSubscriptionsRepo(dbPool)
	triggeredRepo := repos.NewTriggeredRepo(dbPool)
	executionsRepo := repos.NewExecutionsRepo(dbPool)

	store := triggered.NewPgStore(dbPool, triggeredRepo, executionsRepo, subscriptionsRepo)
	svc := triggered.NewService(store, logger)

	registry := trigger.NewRegistry(
		trigger.NewPositionExtractor(subscriptionsRepo, assetsClient, spatialClient, logger),
		trigger.NewActivityExtractor(subscriptionsRepo, assetsClient, logger),
		trigger.NewManualExtractor(subscriptionsRepo, assetsClient, logger),
	)
	registry.RegisterMerges(svc)
	runner := trigger.NewRunner(svc, logger)

	go serveHealth(cfg, logger, dbPool)

	topics := map[string]string{
		cfg.TopicPositions:  string(models.TriggerIncPosition),
		cfg.TopicActivities: string(models.TriggerIncFAReport),
		cfg.TopicManual:     string(models.TriggerManual),
	}
	var wg sync.WaitGroup
	for topic, source := range topics {
		extractor, ok := registry.Get(source)
		if !ok {
			continue
		}
		reader, err := mqx.NewConsumer(cfg, topic, cfg.KafkaGroupID)
		if err != nil {
			logger.Error(ctx, "kafka_init_failed", "consumer init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("topic", topic),
				logx.Err(err),
			)
			os.Exit(1)
		}
		wg.Add(1)
		go func(topic string, reader *kafka.Reader, extractor trigger.Extractor) {
			defer wg.Done()
			defer reader.Close()
			consume(ctx, cfg, logger, reader, topic, extractor, runner, influx)
		}(topic, reader, extractor)
	}

	logger.Info(ctx, "consumer_start", "subscription consumer started",
		slog.String("group", cfg.KafkaGroupID),
	)
	wg.Wait()
	logger.Info(context.Background(), "consumer_stop", "subscription consumer stopped")
}

func consume(ctx context.Context, cfg config.Config, logger logx.Logger, reader *kafka.Reader, topic string, extractor trigger.Extractor, runner *trigger.Runner, influx *influxx.Client) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", topic),
				logx.Err(err),
			)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
		span.SetAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
		)
		handleMessage(spanCtx, logger, msg, extractor, runner, influx)
		span.End()

		if err := reader.CommitMessages(ctx, msg); err != nil {
			logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("topic", topic),
				logx.Err(err),
			)
		}
		stats := reader.Stats()
		metricsx.SetKafkaLag(stats.Topic, cfg.KafkaGroupID, stats.Lag)
	}
}

// handleMessage runs one payload through the topic's extractor. A malformed
// payload is poison: logged and committed so the partition keeps moving.
// Command failures are isolated per command inside the runner.
func handleMessage(ctx context.Context, logger logx.Logger, msg kafka.Message, extractor trigger.Extractor, runner *trigger.Runner, influx *influxx.Client) {
	source := extractor.Source()
	metricsx.IncEventConsumed(source)

	commands, err := extractor.ExtractCommands(ctx, msg.Value, senderFromHeaders(msg), time.Now().UTC())
	if err != nil {
		logger.Error(ctx, "event_malformed", "failed to extract commands from event",
			slog.String("error_code", "INVALID_ARGUMENT"),
			slog.String("source", source),
			logx.Err(err),
		)
		return
	}
	failed := runner.RunAll(ctx, commands)

	if influx != nil {
		_ = influx.WriteTriggerBatch(ctx, source, len(commands), failed)
	}
}

// senderFromHeaders reads the sender triple the upstream exchange module
// stamps on each inbound event.
func senderFromHeaders(msg kafka.Message) models.SenderCriterion {
	var sender models.SenderCriterion
	for _, h := range msg.Headers {
		v, err := strconv.ParseInt(string(h.Value), 10, 64)
		if err != nil {
			continue
		}
		switch h.Key {
		case events.HeaderSenderOrganisation:
			sender.OrganisationID = v
		case events.HeaderSenderEndpoint:
			sender.EndpointID = v
		case events.HeaderSenderChannel:
			sender.ChannelID = v
		}
	}
	return sender
}

func serveHealth(cfg config.Config, logger logx.Logger, pool *pgxpool.Pool) {
	mux := http.NewServeMux()
	mux.Handle("/healthz", httpx.HealthHandler(func(ctx context.Context) error {
		return dbx.Ping(ctx, pool)
	}))
	mux.Handle("/metrics", metricsx.Handler())

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:      httpx.WithRequestID(httpx.WithRecover(logger, mux)),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error(context.Background(), "health_listener_failed", "health listener failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			logx.Err(err),
		)
	}
}

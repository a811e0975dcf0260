package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"vms-subscription-engine/internal/clients"
	"vms-subscription-engine/internal/execution"
	"vms-subscription-engine/internal/executor"
	"vms-subscription-engine/internal/models"
	"vms-subscription-engine/internal/repos"
	"vms-subscription-engine/internal/trigger"
	"vms-subscription-engine/internal/triggered"
	"vms-subscription-engine/shared/config"
	"vms-subscription-engine/shared/dbx"
	"vms-subscription-engine/shared/httpx"
	"vms-subscription-engine/shared/lockx"
	"vms-subscription-engine/shared/logx"
	"vms-subscription-engine/shared/metricsx"
	"vms-subscription-engine/shared/mqx"
	"vms-subscription-engine/shared/observability"
	"vms-subscription-engine/shared/replyq"
)

const (
	taskExecutionSweep    = "executions.activate"
	taskScheduledSweep    = "subscriptions.scheduled"
	taskExecutionDispatch = "execution.dispatch"
)

type dispatchPayload struct {
	ExecutionID int64 `json:"execution_id"`
}

// asynqDispatcher backs the execution service's Dispatcher with the worker
// queue.
type asynqDispatcher struct {
	client *asynq.Client
	queue  string
}

func (d *asynqDispatcher) Dispatch(_ context.Context, executionID int64) error {
	payload, err := json.Marshal(dispatchPayload{ExecutionID: executionID})
	if err != nil {
		return err
	}
	_, err = d.client.Enqueue(asynq.NewTask(taskExecutionDispatch, payload, asynq.Queue(d.queue)))
	return err
}

func main() {
	cfg, problems := config.Load("subscription-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
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

	replyReader, err := mqx.NewConsumer(cfg, cfg.ReplyTopic, cfg.ServiceName+"-reply")
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "reply reader init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	defer replyReader.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rq := replyq.New(producer, cfg.ReplyTopic, time.Duration(cfg.ReplyTimeoutMS)*time.Millisecond, logger)
	go rq.Listen(ctx, replyReader)

	movementsClient := clients.NewMovementsClient(rq, cfg.MovementsRequestTopic)
	activityClient := clients.NewActivityClient(rq, cfg.ActivityRequestTopic)
	orgsClient := clients.NewOrgsClient(rq, cfg.OrgsRequestTopic)
	rulesClient := clients.NewRulesClient(rq, cfg.RulesRequestTopic)

	executors := []executor.Executor{
		executor.NewAlertExecutor(rulesClient, movementsClient, logger),
		executor.NewPositionExecutor(movementsClient),
		executor.NewFAQueryExecutor(activityClient),
	}
	if cfg.MailjetPublicKey != "" && cfg.MailjetPrivateKey != "" {
		mailer := executor.NewMailjetMailer(cfg.MailjetPublicKey, cfg.MailjetPrivateKey, cfg.MailSender)
		executors = append(executors, executor.NewEmailExecutor(orgsClient, mailer, logger))
	} else {
		logger.Warn(ctx, "mail_disabled", "mailjet keys not configured, email outputs disabled")
	}

	subscriptionsRepo := repos.NewSubscriptionsRepo(dbPool)
	triggeredRepo := repos.NewTriggeredRepo(dbPool)
	executionsRepo := repos.NewExecutionsRepo(dbPool)

	triggeredStore := triggered.NewPgStore(dbPool, triggeredRepo, executionsRepo, subscriptionsRepo)
	triggeredSvc := triggered.NewService(triggeredStore, logger)
	scheduledExtractor := trigger.NewScheduledExtractor(subscriptionsRepo, logger)
	triggeredSvc.RegisterMerge(scheduledExtractor.Source(), scheduledExtractor.Merge)
	runner := trigger.NewRunner(triggeredSvc, logger)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	executionStore := execution.NewPgStore(dbPool, executionsRepo, triggeredRepo, subscriptionsRepo)
	dispatcher := &asynqDispatcher{client: asynqClient, queue: cfg.AsynqQueue}
	executionSvc := execution.NewService(executionStore, dispatcher, executors, cfg.SweepBatchSize, logger)

	// Best-effort sweep lock. Duplicate sweeps stay correct via the status
	// guards; the lock only cuts doubled work across worker replicas.
	var sweepRedis *redis.Client
	if cfg.RedisAddr != "" {
		sweepRedis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer sweepRedis.Close()
	}
	sweepLockTTL := time.Duration(cfg.SweepLockTTLSec) * time.Second
	withSweepLock := func(ctx context.Context, key string, fn func(ctx context.Context) error) error {
		if sweepRedis == nil {
			return fn(ctx)
		}
		lock, acquired, err := lockx.TryAcquire(ctx, sweepRedis, key, sweepLockTTL)
		if err != nil || !acquired {
			if err != nil {
				logger.Warn(ctx, "sweep_lock_failed", "proceeding without sweep lock",
					slog.String("key", key),
					logx.Err(err),
				)
				return fn(ctx)
			}
			return nil
		}
		defer func() { _ = lock.Release(ctx) }()
		return fn(ctx)
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskExecutionSweep, func(ctx context.Context, _ *asynq.Task) error {
		return withSweepLock(ctx, "sweep:executions", func(ctx context.Context) error {
			ctx, span := otel.Tracer("asynq").Start(ctx, taskExecutionSweep)
			defer span.End()
			now := time.Now().UTC()
			ids, err := executionSvc.FindPendingExecutionIDs(ctx, now)
			if err != nil {
				return err
			}
			span.SetAttributes(attribute.Int("executions.due", len(ids)))
			for _, id := range ids {
				// Each enqueue owns its transaction; one failure must not
				// block the rest of the sweep.
				if err := executionSvc.EnqueueForExecution(ctx, id); err != nil {
					logger.Error(ctx, "enqueue_failed", "failed to enqueue execution",
						slog.String("error_code", "INTERNAL_ERROR"),
						slog.Int64("execution_id", id),
						logx.Err(err),
					)
				}
			}
			return nil
		})
	})
	mux.HandleFunc(taskScheduledSweep, func(ctx context.Context, _ *asynq.Task) error {
		return withSweepLock(ctx, "sweep:scheduled", func(ctx context.Context) error {
			ctx, span := otel.Tracer("asynq").Start(ctx, taskScheduledSweep)
			defer span.End()
			now := time.Now().UTC()
			commands, err := scheduledExtractor.ExtractCommands(ctx, nil, models.SenderCriterion{}, now)
			if err != nil {
				return err
			}
			runner.RunAll(ctx, commands)
			stopped, err := triggeredSvc.EnforceDeadlines(ctx, now)
			if err != nil {
				return err
			}
			if stopped > 0 {
				logger.Info(ctx, "deadlines_enforced", "stopped triggerings past their deadline",
					slog.Int("stopped", stopped),
				)
			}
			return nil
		})
	})
	mux.HandleFunc(taskExecutionDispatch, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, taskExecutionDispatch)
		defer span.End()
		var payload dispatchPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return err
		}
		span.SetAttributes(attribute.Int64("execution.id", payload.ExecutionID))
		return executionSvc.Execute(ctx, payload.ExecutionID)
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.ExecutionSweepSec)+"s", asynq.NewTask(taskExecutionSweep, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.ScheduledSweepSec)+"s", asynq.NewTask(taskScheduledSweep, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			logx.Err(err),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			logx.Err(err),
		)
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	go serveHealth(cfg, logger, dbPool)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "subscription worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				logx.Err(err),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "subscription worker stopped")
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

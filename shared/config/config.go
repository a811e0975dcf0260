package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	TopicPositions  string
	TopicActivities string
	TopicManual     string

	ReplyTopic            string
	ReplyTimeoutMS        int
	AssetsRequestTopic    string
	MovementsRequestTopic string
	SpatialRequestTopic   string
	OrgsRequestTopic      string
	RulesRequestTopic     string
	ActivityRequestTopic  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	AssetCacheTTL time.Duration

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	ExecutionSweepSec int
	ScheduledSweepSec int
	SweepBatchSize    int
	SweepLockTTLSec   int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	MailjetPublicKey  string
	MailjetPrivateKey string
	MailSender        string

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

// Load reads the configuration from the environment. Validation failures are
// accumulated, not fatal; callers decide which fields are hard requirements
// for their binary and exit on the combined problem list.
func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := Config{
		Env:              strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:      serviceNameDefault,
		HTTPPort:         httpPortDefault,
		LogLevel:         "info",
		RequestTimeoutMS: 30000,

		DatabaseURL:      strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DBMaxConns:       10,
		DBMinConns:       1,
		DBConnMaxIdleSec: 300,
		DBConnMaxLifeSec: 1800,

		KafkaBrokers:  parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaClientID: strings.TrimSpace(os.Getenv("KAFKA_CLIENT_ID")),
		KafkaGroupID:  strings.TrimSpace(os.Getenv("KAFKA_CONSUMER_GROUP")),
		KafkaRetryMax: 5,
		KafkaWriteMS:  5000,

		TopicPositions:  "vms.movements",
		TopicActivities: "vms.activities",
		TopicManual:     "vms.subscriptions.manual",

		ReplyTopic:            "vms.subscriptions.reply",
		ReplyTimeoutMS:        10000,
		AssetsRequestTopic:    "vms.assets.request",
		MovementsRequestTopic: "vms.movements.request",
		SpatialRequestTopic:   "vms.spatial.request",
		OrgsRequestTopic:      "vms.usm.request",
		RulesRequestTopic:     "vms.rules.request",
		ActivityRequestTopic:  "vms.activity.request",

		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		AssetCacheTTL: 5 * time.Minute,

		AsynqRedisAddr:   strings.TrimSpace(os.Getenv("ASYNQ_REDIS_ADDR")),
		AsynqRedisPass:   os.Getenv("ASYNQ_REDIS_PASSWORD"),
		AsynqQueue:       "subscriptions",
		AsynqConcurrency: 10,

		ExecutionSweepSec: 60,
		ScheduledSweepSec: 60,
		SweepBatchSize:    200,
		SweepLockTTLSec:   55,

		InfluxURL:       strings.TrimSpace(os.Getenv("INFLUX_URL")),
		InfluxToken:     strings.TrimSpace(os.Getenv("INFLUX_TOKEN")),
		InfluxOrg:       strings.TrimSpace(os.Getenv("INFLUX_ORG")),
		InfluxBucket:    strings.TrimSpace(os.Getenv("INFLUX_BUCKET")),
		InfluxTimeoutMS: 5000,

		MailjetPublicKey:  strings.TrimSpace(os.Getenv("MAILJET_PUBLIC_KEY")),
		MailjetPrivateKey: strings.TrimSpace(os.Getenv("MAILJET_PRIVATE_KEY")),
		MailSender:        strings.TrimSpace(os.Getenv("MAIL_SENDER")),

		OtelEnabled:     false,
		OtelInsecure:    true,
		OtelSampleRatio: 1.0,
	}

	problems := make([]Problem, 0, 4)

	overrideString(&cfg.ServiceName, "SERVICE_NAME")
	overrideString(&cfg.LogLevel, "LOG_LEVEL")
	overrideInt(&cfg.HTTPPort, "HTTP_PORT", &problems)
	overrideInt(&cfg.RequestTimeoutMS, "REQUEST_TIMEOUT_MS", &problems)

	overrideInt(&cfg.DBMaxConns, "DB_MAX_CONNS", &problems)
	overrideInt(&cfg.DBMinConns, "DB_MIN_CONNS", &problems)
	overrideInt(&cfg.DBConnMaxIdleSec, "DB_CONN_MAX_IDLE_SEC", &problems)
	overrideInt(&cfg.DBConnMaxLifeSec, "DB_CONN_MAX_LIFE_SEC", &problems)

	overrideInt(&cfg.KafkaRetryMax, "KAFKA_RETRY_MAX", &problems)
	overrideInt(&cfg.KafkaWriteMS, "KAFKA_WRITE_MS", &problems)

	overrideString(&cfg.TopicPositions, "TOPIC_POSITIONS")
	overrideString(&cfg.TopicActivities, "TOPIC_ACTIVITIES")
	overrideString(&cfg.TopicManual, "TOPIC_MANUAL")

	overrideString(&cfg.ReplyTopic, "REPLY_TOPIC")
	overrideInt(&cfg.ReplyTimeoutMS, "REPLY_TIMEOUT_MS", &problems)
	overrideString(&cfg.AssetsRequestTopic, "ASSETS_REQUEST_TOPIC")
	overrideString(&cfg.MovementsRequestTopic, "MOVEMENTS_REQUEST_TOPIC")
	overrideString(&cfg.SpatialRequestTopic, "SPATIAL_REQUEST_TOPIC")
	overrideString(&cfg.OrgsRequestTopic, "ORGS_REQUEST_TOPIC")
	overrideString(&cfg.RulesRequestTopic, "RULES_REQUEST_TOPIC")
	overrideString(&cfg.ActivityRequestTopic, "ACTIVITY_REQUEST_TOPIC")

	overrideInt(&cfg.RedisDB, "REDIS_DB", &problems)
	if v, ok := lookupInt("ASSET_CACHE_TTL_SEC", &problems); ok {
		cfg.AssetCacheTTL = time.Duration(v) * time.Second
	}

	overrideInt(&cfg.AsynqRedisDB, "ASYNQ_REDIS_DB", &problems)
	overrideString(&cfg.AsynqQueue, "ASYNQ_QUEUE")
	overrideInt(&cfg.AsynqConcurrency, "ASYNQ_CONCURRENCY", &problems)

	overrideInt(&cfg.ExecutionSweepSec, "EXECUTION_SWEEP_SEC", &problems)
	overrideInt(&cfg.ScheduledSweepSec, "SCHEDULED_SWEEP_SEC", &problems)
	overrideInt(&cfg.SweepBatchSize, "SWEEP_BATCH_SIZE", &problems)
	overrideInt(&cfg.SweepLockTTLSec, "SWEEP_LOCK_TTL_SEC", &problems)

	overrideInt(&cfg.InfluxTimeoutMS, "INFLUX_TIMEOUT_MS", &problems)

	overrideString(&cfg.MailSender, "MAIL_SENDER")

	overrideBool(&cfg.OtelEnabled, "OTEL_ENABLED", &problems)
	overrideString(&cfg.OtelEndpoint, "OTEL_ENDPOINT")
	overrideBool(&cfg.OtelInsecure, "OTEL_INSECURE", &problems)
	overrideFloat(&cfg.OtelSampleRatio, "OTEL_SAMPLE_RATIO", &problems)

	if cfg.RequestTimeoutMS <= 0 {
		problems = append(problems, Problem{Field: "REQUEST_TIMEOUT_MS", Message: "must be > 0"})
		cfg.RequestTimeoutMS = 30000
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond

	if cfg.ExecutionSweepSec <= 0 {
		problems = append(problems, Problem{Field: "EXECUTION_SWEEP_SEC", Message: "must be > 0"})
		cfg.ExecutionSweepSec = 60
	}
	if cfg.ScheduledSweepSec <= 0 {
		problems = append(problems, Problem{Field: "SCHEDULED_SWEEP_SEC", Message: "must be > 0"})
		cfg.ScheduledSweepSec = 60
	}

	return cfg, problems
}

func overrideString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string, problems *[]Problem) {
	if v, ok := lookupInt(key, problems); ok {
		*dst = v
	}
}

func lookupInt(key string, problems *[]Problem) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: "must be an integer"})
		return 0, false
	}
	return v, true
}

func overrideBool(dst *bool, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: "must be a boolean"})
		return
	}
	*dst = v
}

func overrideFloat(dst *float64, key string, problems *[]Problem) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*problems = append(*problems, Problem{Field: key, Message: "must be a number"})
		return
	}
	*dst = v
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

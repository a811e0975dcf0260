package metricsx

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_events_consumed_total",
			Help: "Inbound bus events consumed by source.",
		},
		[]string{"source"},
	)
	contextsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_report_contexts_dropped_total",
			Help: "Report contexts dropped during extraction by reason.",
		},
		[]string{"source", "reason"},
	)
	triggeredCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_triggered_created_total",
			Help: "Triggered subscriptions created by source.",
		},
		[]string{"source"},
	)
	supersessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subscription_supersessions_total",
			Help: "Active triggered subscriptions superseded by a re-triggering.",
		},
	)
	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_executions_total",
			Help: "Execution dispatch outcomes.",
		},
		[]string{"outcome"},
	)
	executionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "subscription_execution_latency_seconds",
			Help:    "Latency from requested time to execution time.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(eventsConsumed, contextsDropped, triggeredCreated, supersessions, executions, executionLatency, kafkaConsumerLag, asynqQueueDepth)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func IncEventConsumed(source string) {
	eventsConsumed.WithLabelValues(source).Inc()
}

func IncContextDropped(source string, reason string) {
	contextsDropped.WithLabelValues(source, reason).Inc()
}

func IncTriggeredCreated(source string) {
	triggeredCreated.WithLabelValues(source).Inc()
}

func IncSupersession() {
	supersessions.Inc()
}

func IncExecution(outcome string) {
	executions.WithLabelValues(outcome).Inc()
}

func ObserveExecutionLatency(d time.Duration) {
	executionLatency.Observe(d.Seconds())
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

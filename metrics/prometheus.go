package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
)

var HttpRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HttpRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var HttpRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "http_rate_limit_rejections_total",
		Help: "Total number of HTTP requests rejected due to rate limiting",
	},
)

var SchedulerTicksTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "scheduler_ticks_total",
		Help: "Total number of scheduler ticks run",
	},
)

var SchedulerTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "scheduler_tick_duration_seconds",
		Help:    "Time taken to process one scheduler tick",
		Buckets: prometheus.DefBuckets,
	},
)

var EnrollmentsDueTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "enrollments_due_total",
		Help: "Total number of due enrollments picked up by the scheduler",
	},
)

var ClaimContentionTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "enrollment_claim_contention_total",
		Help: "Total number of claims lost to another worker",
	},
)

var StepOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "automation_step_outcomes_total",
		Help: "Outcome of each processed step",
	},
	[]string{"trigger", "outcome"},
)

var DeliveryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "delivery_send_duration_seconds",
		Help:    "Time taken to hand a message to the delivery gateway",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider"},
)

var DeliveryRetriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "delivery_retries_total",
		Help: "Total number of delivery retries scheduled",
	},
	[]string{"stage"},
)

var SkipEvaluationFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "skip_evaluation_failures_total",
		Help: "Skip condition lookups that failed and fell back to sending",
	},
	[]string{"condition"},
)

var EnrollmentsCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "enrollments_created_total",
		Help: "Total number of enrollments created by trigger events",
	},
	[]string{"trigger"},
)

var TriggerEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "trigger_events_total",
		Help: "Total number of domain events received",
	},
	[]string{"event", "result"},
)

var KafkaSubscriberFailureTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "kafka_subscriber_failure_total",
		Help: "Total number of failed Kafka reads or commits",
	},
	[]string{"topic"},
)

var (
	apiOnce     sync.Once
	workerOnce  sync.Once
	triggerOnce sync.Once
)

func InitAPIMetrics() {
	apiOnce.Do(func() {
		prometheus.MustRegister(HttpRequestsTotal)
		prometheus.MustRegister(HttpRequestDuration)
		prometheus.MustRegister(HttpRateLimitRejectionsTotal)
	})
}

func InitWorkerMetrics() {
	workerOnce.Do(func() {
		prometheus.MustRegister(SchedulerTicksTotal)
		prometheus.MustRegister(SchedulerTickDuration)
		prometheus.MustRegister(EnrollmentsDueTotal)
		prometheus.MustRegister(ClaimContentionTotal)
		prometheus.MustRegister(StepOutcomesTotal)
		prometheus.MustRegister(DeliveryDuration)
		prometheus.MustRegister(DeliveryRetriesTotal)
		prometheus.MustRegister(SkipEvaluationFailuresTotal)
	})
}

func InitTriggerMetrics() {
	triggerOnce.Do(func() {
		prometheus.MustRegister(EnrollmentsCreatedTotal)
		prometheus.MustRegister(TriggerEventsTotal)
		prometheus.MustRegister(KafkaSubscriberFailureTotal)
	})
}

// Middleware records request count and latency per route.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		endpoint := c.Route().Path
		method := c.Method()
		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		HttpRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status), method).Inc()
		HttpRequestDuration.WithLabelValues(endpoint, method).Observe(time.Since(start).Seconds())
		return err
	}
}

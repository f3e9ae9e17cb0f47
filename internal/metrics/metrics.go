package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockpulse_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	intakeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_intake_events_total",
			Help: "Inbound inventory events by source and result",
		},
		[]string{"source", "result"},
	)

	intakeQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockpulse_intake_queue_depth",
			Help: "Events buffered in intake partitions",
		},
	)

	alertsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_alerts_raised_total",
			Help: "New alerts by type and level",
		},
		[]string{"type", "level"},
	)

	alertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_alert_transitions_total",
			Help: "Alert lifecycle transitions",
		},
		[]string{"transition"},
	)

	notificationsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_notifications_processed_total",
			Help: "Delivery attempts by resulting status and channel",
		},
		[]string{"status", "channel"},
	)

	notificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockpulse_notification_latency_seconds",
			Help:    "Provider send call latency",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stockpulse_duplicate_events_total",
			Help: "Inbound events skipped as duplicates",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_rate_limit_rejections_total",
			Help: "Requests or sends rejected by a rate limiter",
		},
		[]string{"scope"},
	)

	schedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpulse_scheduler_runs_total",
			Help: "Background task runs by task and result",
		},
		[]string{"task", "result"},
	)

	schedulerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stockpulse_scheduler_run_duration_seconds",
			Help:    "Background task run time",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	alertsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockpulse_alerts",
			Help: "Alerts currently stored, by status",
		},
		[]string{"status"},
	)

	notificationsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockpulse_notifications",
			Help: "Notifications currently stored, by status",
		},
		[]string{"status"},
	)

	channelSuccessRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockpulse_channel_success_ratio",
			Help: "Share of finished deliveries that succeeded, per channel",
		},
		[]string{"channel"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockpulse_db_connections_active",
			Help: "Active database connections",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stockpulse_circuit_breaker_state",
			Help: "Sender circuit state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "stockpulse_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordIntakeEvent counts an inbound event. Result is one of
// processed, duplicate, malformed.
func RecordIntakeEvent(source, result string) {
	intakeEvents.WithLabelValues(source, result).Inc()
}

// AddIntakeQueueDepth moves the buffered-event gauge by delta.
func AddIntakeQueueDepth(delta int) {
	intakeQueueDepth.Add(float64(delta))
}

// RecordAlertRaised counts a newly created alert.
func RecordAlertRaised(alertType, level string) {
	alertsRaised.WithLabelValues(alertType, level).Inc()
}

// RecordAlertTransition counts a lifecycle transition.
func RecordAlertTransition(transition string) {
	alertTransitions.WithLabelValues(transition).Inc()
}

// RecordNotificationProcessed records notification processing result
func RecordNotificationProcessed(status, channel string) {
	notificationsProcessed.WithLabelValues(status, channel).Inc()
}

// RecordNotificationLatency records creation-to-handoff time
func RecordNotificationLatency(channel string, latency time.Duration) {
	notificationLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordIdempotencyHit records a duplicate inbound event
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection. Scope is "api" or a channel id.
func RecordRateLimitRejection(scope string) {
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// RecordSchedulerRun records one background task run.
func RecordSchedulerRun(task string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	schedulerRuns.WithLabelValues(task, result).Inc()
	schedulerDuration.WithLabelValues(task).Observe(duration.Seconds())
}

func SetAlertCount(status string, n int64) {
	alertsByStatus.WithLabelValues(status).Set(float64(n))
}

func SetNotificationCount(status string, n int64) {
	notificationsByStatus.WithLabelValues(status).Set(float64(n))
}

func SetChannelSuccessRate(channel string, rate float64) {
	channelSuccessRate.WithLabelValues(channel).Set(rate)
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
// SetBreakerState records a sender circuit breaker's state ordinal.
func SetBreakerState(breaker string, state int) {
	breakerState.WithLabelValues(breaker).Set(float64(state))
}

func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics. The chi
// route pattern is used as the path label so IDs don't explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}

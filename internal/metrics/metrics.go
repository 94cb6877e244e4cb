// Package metrics provides Prometheus metrics for the VaultDrive server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultdrive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultdrive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Remote transport metrics
	transportOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultdrive_transport_operations_total",
			Help: "Total remote transport operations",
		},
		[]string{"transport", "operation", "status"},
	)

	transportOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultdrive_transport_operation_duration_seconds",
			Help:    "Remote transport operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport", "operation"},
	)

	transportFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultdrive_transport_fallbacks_total",
			Help: "Total SFTP to WebDAV fallbacks by reason",
		},
		[]string{"reason"},
	)

	// Upload metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultdrive_uploads_total",
			Help: "Total uploads by final status",
		},
		[]string{"status"},
	)

	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultdrive_upload_bytes_total",
			Help: "Total bytes stored by completed uploads",
		},
	)

	uploadsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultdrive_uploads_active",
			Help: "Number of uploads currently tracked",
		},
	)

	// Primary storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultdrive_storage_operation_duration_seconds",
			Help:    "Primary storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultdrive_storage_operations_total",
			Help: "Total primary storage operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultdrive_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultdrive_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultdrive_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultdrive_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// Sharing metrics
	shareDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultdrive_share_downloads_total",
			Help: "Total downloads via share links",
		},
		[]string{"status"},
	)

	shareLinksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultdrive_share_links_active",
			Help: "Number of active share links",
		},
	)

	// Quota metrics
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultdrive_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	quotaExceededTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultdrive_quota_exceeded_total",
			Help: "Total storage quota rejections",
		},
	)

	trashPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultdrive_trash_purged_total",
			Help: "Total files purged from trash by retention",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric. route should be the
// matched mux pattern, not the raw path.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRequest adapts RecordHTTPRequest to the logging middleware hook.
func ObserveRequest(r *http.Request, code int, duration time.Duration) {
	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	RecordHTTPRequest(r.Method, route, code, duration)
}

// RecordTransportOperation records one remote transport call.
func RecordTransportOperation(transport, operation string, duration time.Duration, success bool) {
	transportOperationDuration.WithLabelValues(transport, operation).Observe(duration.Seconds())
	transportOperationsTotal.WithLabelValues(transport, operation, status(success)).Inc()
}

// RecordFallback records a fall-through from SFTP to WebDAV.
func RecordFallback(reason string) {
	transportFallbacksTotal.WithLabelValues(reason).Inc()
}

// RecordUpload records an upload reaching a terminal state.
func RecordUpload(state string, bytes int64) {
	uploadsTotal.WithLabelValues(state).Inc()
	if state == "completed" {
		uploadBytesTotal.Add(float64(bytes))
	}
}

// SetUploadsActive sets the number of tracked uploads.
func SetUploadsActive(count int) {
	uploadsActive.Set(float64(count))
}

// RecordStorageOperation records a primary storage operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordShareDownload records a share link download attempt.
func RecordShareDownload(success bool) {
	shareDownloadsTotal.WithLabelValues(status(success)).Inc()
}

// SetShareLinksActive sets the number of active share links.
func SetShareLinksActive(count int64) {
	shareLinksActive.Set(float64(count))
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// RecordQuotaExceeded records a storage quota rejection.
func RecordQuotaExceeded() {
	quotaExceededTotal.Inc()
}

// RecordTrashPurged records files removed by the retention job.
func RecordTrashPurged(count int) {
	trashPurgedTotal.Add(float64(count))
}

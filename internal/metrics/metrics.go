package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stage Metrics
	StageRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podmirror_stage_runs_total",
			Help: "Total number of pipeline stage runs",
		},
		[]string{"stage", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podmirror_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5 hours
		},
		[]string{"stage"},
	)

	StageLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podmirror_stage_last_success_timestamp_seconds",
			Help: "Unix time of the last successful stage run",
		},
		[]string{"stage"},
	)

	// Ingest Metrics
	ItemsIngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "podmirror_items_ingested_total",
			Help: "Total number of source items downloaded and recorded",
		},
	)

	ItemsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podmirror_items_skipped_total",
			Help: "Total number of source items skipped during ingestion",
		},
		[]string{"reason", "classification"},
	)

	IngestedBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "podmirror_ingested_audio_size_bytes",
			Help:    "Size of ingested audio files in bytes",
			Buckets: prometheus.ExponentialBuckets(1024*1024, 2, 12), // 1MB to 2GB
		},
	)

	// Publish Metrics
	EpisodesPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "podmirror_episodes_published_total",
			Help: "Total number of episodes uploaded into a release batch",
		},
	)

	PublishFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "podmirror_publish_failures_total",
			Help: "Total number of episodes that failed to publish",
		},
	)

	PublishedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "podmirror_published_bytes_total",
			Help: "Total bytes uploaded to release batches",
		},
	)

	BatchBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podmirror_batch_cumulative_bytes",
			Help: "Cumulative bytes of release batches touched by the last publish",
		},
		[]string{"tag"},
	)

	// Ledger Metrics
	RecordsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podmirror_records",
			Help: "Number of records in the state ledger by lifecycle status",
		},
		[]string{"status"},
	)

	PendingBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "podmirror_pending_publish_bytes",
			Help: "Bytes of ingested audio waiting to be published",
		},
	)

	LedgerAgeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "podmirror_ledger_age_seconds",
			Help: "Seconds since the state ledger was last saved",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podmirror_queue_depth",
			Help: "Number of undelivered messages in the notification queues",
		},
		[]string{"queue"},
	)

	FeedEpisodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "podmirror_feed_episodes",
			Help: "Number of episodes in the last rendered feed",
		},
	)

	// Notification Metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podmirror_notifications_total",
			Help: "Total number of episode notifications sent",
		},
		[]string{"notifier", "status"},
	)

	// Cache Metrics
	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podmirror_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podmirror_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podmirror_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podmirror_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podmirror_errors_total",
			Help: "Total number of fatal errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordStage records the outcome of one stage run
func RecordStage(stage string, err error, duration float64, finishedUnix float64) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	StageRunsTotal.WithLabelValues(stage, status).Inc()
	StageDuration.WithLabelValues(stage).Observe(duration)
	if err == nil {
		StageLastSuccess.WithLabelValues(stage).Set(finishedUnix)
	}
}

// RecordIngested records a downloaded item
func RecordIngested(sizeBytes int64) {
	ItemsIngestedTotal.Inc()
	IngestedBytes.Observe(float64(sizeBytes))
}

// RecordSkipped records an item skipped during ingestion
func RecordSkipped(reason, classification string) {
	if classification == "" {
		classification = "none"
	}
	ItemsSkippedTotal.WithLabelValues(reason, classification).Inc()
}

// RecordPublished records an uploaded episode
func RecordPublished(sizeBytes int64) {
	EpisodesPublishedTotal.Inc()
	PublishedBytesTotal.Add(float64(sizeBytes))
}

// RecordPublishFailure records an episode left unpublished
func RecordPublishFailure() {
	PublishFailuresTotal.Inc()
}

// UpdateBatch sets the cumulative size of a release batch
func UpdateBatch(tag string, cumulativeBytes int64) {
	BatchBytes.WithLabelValues(tag).Set(float64(cumulativeBytes))
}

// UpdateRecordCounts replaces the ledger gauges
func UpdateRecordCounts(counts map[string]int) {
	RecordsByStatus.Reset()
	for status, n := range counts {
		RecordsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// UpdateLedger sets the backlog and staleness gauges
func UpdateLedger(pendingBytes int64, age float64) {
	PendingBytes.Set(float64(pendingBytes))
	LedgerAgeSeconds.Set(age)
}

// UpdateQueueDepth sets the depth of a notification queue
func UpdateQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// UpdateFeedEpisodes sets the number of rendered episodes
func UpdateFeedEpisodes(n int) {
	FeedEpisodes.Set(float64(n))
}

// RecordNotification records a notifier delivery attempt
func RecordNotification(notifier string, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	NotificationsTotal.WithLabelValues(notifier, status).Inc()
}

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordCacheAccess records cache hit or miss
func RecordCacheAccess(cacheType string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheType).Inc()
	} else {
		CacheMissesTotal.WithLabelValues(cacheType).Inc()
	}
}

// RecordError records a fatal error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// WriteTextfile dumps every registered metric to path in the node_exporter
// textfile format. One-shot runs use it instead of an HTTP endpoint.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

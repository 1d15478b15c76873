package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activityPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trisync",
		Subsystem: "persistence",
		Name:      "last_activity_upserted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity upserted to Postgres.",
	})
	vendorRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trisync",
		Subsystem: "vendor",
		Name:      "requests_total",
		Help:      "Outbound Strava requests, labeled by endpoint and status class.",
	}, []string{"endpoint", "status"})
	vendorLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trisync",
		Subsystem: "vendor",
		Name:      "request_duration_seconds",
		Help:      "Latency of outbound Strava requests.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 8),
	}, []string{"endpoint"})
	syncPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trisync",
		Subsystem: "sync",
		Name:      "passes_total",
		Help:      "Completed sync passes by final state.",
	}, []string{"state"})
	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trisync",
		Subsystem: "sync",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of a sync pass from token check to report.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})
	syncActivities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trisync",
		Subsystem: "sync",
		Name:      "activities_total",
		Help:      "Activities seen by sync passes, labeled by outcome.",
	}, []string{"outcome"})
	tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trisync",
		Subsystem: "sync",
		Name:      "token_refreshes_total",
		Help:      "Token refresh attempts made during token check.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(activityPersistGauge, vendorRequests, vendorLatency, syncPasses, syncDuration, syncActivities, tokenRefreshes)
}

// RecordActivityPersisted updates the persistence watermark gauge.
func RecordActivityPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityPersistGauge.Set(float64(ts.Unix()))
}

// RecordVendorRequest counts one outbound call. status 0 means no response was received.
func RecordVendorRequest(endpoint string, status int, elapsed time.Duration) {
	vendorRequests.WithLabelValues(endpoint, statusClass(status)).Inc()
	vendorLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// RecordSyncPass records the final state and duration of a pass.
func RecordSyncPass(state string, elapsed time.Duration) {
	syncPasses.WithLabelValues(state).Inc()
	syncDuration.Observe(elapsed.Seconds())
}

// RecordSyncActivities adds n activities under outcome (fetched, normalized, unsupported,
// invalid, created, updated, skipped, failed).
func RecordSyncActivities(outcome string, n int) {
	if n <= 0 {
		return
	}
	syncActivities.WithLabelValues(outcome).Add(float64(n))
}

// RecordTokenRefresh counts a refresh attempt.
func RecordTokenRefresh(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	tokenRefreshes.WithLabelValues(result).Inc()
}

func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

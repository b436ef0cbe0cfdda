package monitoring

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// KubernetesLabels holds Kubernetes metadata labels
var (
	kubernetesNamespace = os.Getenv("KUBERNETES_NAMESPACE")
	kubernetesPodName   = os.Getenv("KUBERNETES_POD_NAME")
	helmReleaseName     = os.Getenv("HELM_RELEASE_NAME")
	helmChartVersion    = os.Getenv("HELM_CHART_VERSION")
)

// getKubernetesLabels returns the Kubernetes labels for metrics
func getKubernetesLabels() prometheus.Labels {
	labels := prometheus.Labels{}

	if kubernetesNamespace != "" {
		labels["kubernetes_namespace"] = kubernetesNamespace
	}
	if kubernetesPodName != "" {
		labels["kubernetes_pod_name"] = kubernetesPodName
	}
	if helmReleaseName != "" {
		labels["helm_release"] = helmReleaseName
	}
	if helmChartVersion != "" {
		labels["helm_chart_version"] = helmChartVersion
	}

	return labels
}

// All metrics are registered on the default registerer, which is what
// promhttp.Handler serves.
var factory = promauto.With(prometheus.WrapRegistererWith(getKubernetesLabels(), prometheus.DefaultRegisterer))

// Prometheus metrics for the license server and agent
var (
	// HTTP Request metrics
	RequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plm_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	RequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plm_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	RateLimitedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "plm_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// Issuer metrics
	LicenseDecisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plm_license_decisions_total",
			Help: "License decisions made by the issuer, by endpoint and reason",
		},
		[]string{"endpoint", "reason"},
	)

	TokensIssuedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "plm_tokens_issued_total",
			Help: "Total number of signed license tokens issued",
		},
	)

	// Validator metrics
	ValidationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plm_validations_total",
			Help: "Validation decisions returned to callers, by final state",
		},
		[]string{"state", "valid"},
	)

	CacheLookupsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plm_cache_lookups_total",
			Help: "Validation cache lookups, by tier and result",
		},
		[]string{"tier", "result"},
	)

	ServerCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plm_server_calls_total",
			Help: "Round trips to the license server, by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	ServerCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plm_server_call_duration_seconds",
			Help:    "License server round-trip duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30},
		},
		[]string{"endpoint"},
	)

	GraceRemainingSeconds = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plm_grace_remaining_seconds",
			Help: "Remaining grace period per plugin (0 when not in grace)",
		},
		[]string{"plugin"},
	)

	HeartbeatRunsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plm_heartbeat_runs_total",
			Help: "Heartbeat re-verifications, by outcome",
		},
		[]string{"outcome"},
	)

	HeartbeatLastRun = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "plm_heartbeat_last_run_timestamp",
			Help: "Unix timestamp of the last completed heartbeat",
		},
	)

	// Server metrics
	ServerInfo = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plm_server_info",
			Help: "Server build information",
		},
		[]string{"version", "commit", "build_time"},
	)

	ActiveConnections = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "plm_active_connections",
			Help: "Number of active connections",
		},
	)
)

// SetServerInfo sets server build information
func SetServerInfo(version, commit, buildTime string) {
	ServerInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// RecordValidation counts a decision handed to a caller
func RecordValidation(state string, valid bool) {
	ValidationsTotal.WithLabelValues(state, boolLabel(valid)).Inc()
}

// RecordCacheLookup counts a memo or durable cache lookup
func RecordCacheLookup(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// RecordServerCall records a license server round trip
func RecordServerCall(endpoint, outcome string, duration time.Duration) {
	ServerCallsTotal.WithLabelValues(endpoint, outcome).Inc()
	ServerCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetGraceRemaining publishes the grace window left for a plugin
func SetGraceRemaining(plugin string, remaining time.Duration) {
	if remaining < 0 {
		remaining = 0
	}
	GraceRemainingSeconds.WithLabelValues(plugin).Set(remaining.Seconds())
}

// RecordHeartbeat counts one plugin re-verification made by the heartbeat
func RecordHeartbeat(outcome string) {
	HeartbeatRunsTotal.WithLabelValues(outcome).Inc()
}

// SetHeartbeatLastRun records when the heartbeat last completed
func SetHeartbeatLastRun(t time.Time) {
	HeartbeatLastRun.Set(float64(t.Unix()))
}

// RecordLicenseDecision counts a decision made by the issuer
func RecordLicenseDecision(endpoint, reason string) {
	LicenseDecisionsTotal.WithLabelValues(endpoint, reason).Inc()
}

// RecordTokenIssued counts an issued license token
func RecordTokenIssued() {
	TokensIssuedTotal.Inc()
}

// RecordRateLimited counts a request rejected by the rate limiter
func RecordRateLimited() {
	RateLimitedTotal.Inc()
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

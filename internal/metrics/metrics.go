package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pierre_circuit_breaker_state",
			Help: "Current circuit breaker state (0 closed, 1 open, 2 half open)",
		},
		[]string{"breaker"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pierre_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	// Key rotation metrics
	KeyRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pierre_key_rotations_total",
			Help: "Total number of key rotations attempted",
		},
		[]string{"scope", "status", "emergency"},
	)

	KeyRotationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pierre_key_rotation_duration_seconds",
			Help:    "Time taken to rotate a key",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"scope", "status"},
	)

	KeyVersionsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pierre_key_versions_pruned_total",
			Help: "Total number of old key versions deleted after rotation",
		},
	)

	RotationChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pierre_key_rotation_checks_total",
			Help: "Total number of scheduled key rotation checks",
		},
		[]string{"result"},
	)

	FieldsReencrypted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pierre_fields_reencrypted_total",
			Help: "Total number of encrypted fields moved to a new database key",
		},
		[]string{"reencryptor"},
	)

	// OAuth metrics
	OAuthRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pierre_oauth_requests_total",
			Help: "Total number of tenant OAuth requests by outcome",
		},
		[]string{"provider", "operation", "result"},
	)

	OAuthRateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pierre_oauth_rate_limit_rejections_total",
			Help: "Total number of OAuth requests rejected by a tenant daily limit",
		},
		[]string{"provider"},
	)

	CredentialResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pierre_oauth_credential_resolutions_total",
			Help: "Total number of credential lookups by the source that answered",
		},
		[]string{"provider", "source"},
	)

	// Audit metrics
	AuditEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pierre_audit_events_total",
			Help: "Total number of security audit events",
		},
		[]string{"event_type", "severity"},
	)

	AuditSinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pierre_audit_sink_errors_total",
			Help: "Total number of audit events a sink failed to persist",
		},
		[]string{"sink"},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetCircuitBreakerState records the current state of a breaker
func SetCircuitBreakerState(breaker string, state float64) {
	CircuitBreakerState.WithLabelValues(breaker).Set(state)
}

// RecordCircuitBreakerTransition records a breaker state transition
func RecordCircuitBreakerTransition(breaker, from, to string) {
	CircuitBreakerTransitions.WithLabelValues(breaker, from, to).Inc()
}

// RecordKeyRotation records a finished key rotation
func RecordKeyRotation(scope, status string, emergency bool, duration float64) {
	KeyRotations.WithLabelValues(scope, status, strconv.FormatBool(emergency)).Inc()
	KeyRotationDuration.WithLabelValues(scope, status).Observe(duration)
}

// RecordKeyVersionsPruned records deleted key versions
func RecordKeyVersionsPruned(count int64) {
	KeyVersionsPruned.Add(float64(count))
}

// RecordRotationCheck records one pass of the rotation scheduler
func RecordRotationCheck(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	RotationChecks.WithLabelValues(result).Inc()
}

// RecordFieldsReencrypted records fields moved to a new database or tenant key
func RecordFieldsReencrypted(reencryptor string, count int) {
	FieldsReencrypted.WithLabelValues(reencryptor).Add(float64(count))
}

// RecordOAuthRequest records a tenant OAuth request outcome
func RecordOAuthRequest(provider, operation, result string) {
	OAuthRequests.WithLabelValues(provider, operation, result).Inc()
}

// RecordRateLimitRejection records a request refused by a daily limit
func RecordRateLimitRejection(provider string) {
	OAuthRateLimitRejections.WithLabelValues(provider).Inc()
}

// RecordCredentialResolution records which source supplied credentials
func RecordCredentialResolution(provider, source string) {
	CredentialResolutions.WithLabelValues(provider, source).Inc()
}

// RecordAuditEvent records a security audit event
func RecordAuditEvent(eventType, severity string) {
	AuditEvents.WithLabelValues(eventType, severity).Inc()
}

// RecordAuditSinkError records an audit sink write failure
func RecordAuditSinkError(sink string) {
	AuditSinkErrors.WithLabelValues(sink).Inc()
}

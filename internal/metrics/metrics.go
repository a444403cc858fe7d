package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for Cadence
type Metrics struct {
	// Scheduler
	StageDispatchTotal  *prometheus.CounterVec
	StagesSettledTotal  *prometheus.CounterVec
	ClaimsTotal         *prometheus.CounterVec
	TickDurationSeconds prometheus.Histogram
	StageExecutions     *prometheus.GaugeVec
	Campaigns           *prometheus.GaugeVec

	// Dispatch
	RecipientSendsTotal *prometheus.CounterVec

	// Engagement and refinement
	EngagementEventsTotal *prometheus.CounterVec
	RefinementsTotal      *prometheus.CounterVec

	// Inbound SMTP counters/gauges
	SMTPConnectionsTotal  prometheus.Counter
	SMTPConnectionsActive prometheus.Gauge
	SMTPAuthSuccessTotal  prometheus.Counter
	SMTPAuthFailedTotal   prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		// Scheduler
		StageDispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_stage_dispatch_total",
				Help: "Total number of stage dispatch attempts by result",
			},
			[]string{"stage", "result"},
		),
		StagesSettledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_stages_settled_total",
				Help: "Total number of stage executions that finished their settlement window",
			},
			[]string{"stage"},
		),
		ClaimsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_claims_total",
				Help: "Total number of stage execution claims by result",
			},
			[]string{"result"},
		),
		TickDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cadence_scheduler_tick_duration_seconds",
				Help:    "Duration of a scheduler tick in seconds",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
		),
		StageExecutions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cadence_stage_executions",
				Help: "Number of stage executions by status",
			},
			[]string{"status"},
		),
		Campaigns: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cadence_campaigns",
				Help: "Number of campaigns by status",
			},
			[]string{"status"},
		),

		// Dispatch
		RecipientSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_recipient_sends_total",
				Help: "Total number of per-recipient send outcomes",
			},
			[]string{"stage", "result"},
		),

		// Engagement and refinement
		EngagementEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_engagement_events_total",
				Help: "Total number of ingested engagement events",
			},
			[]string{"type", "source"},
		),
		RefinementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_refinements_total",
				Help: "Total number of refinement evaluations by outcome",
			},
			[]string{"outcome"},
		),

		// Inbound SMTP counters/gauges
		SMTPConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cadence_inbound_smtp_connections_total",
				Help: "Total number of inbound SMTP connections",
			},
		),
		SMTPConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_inbound_smtp_connections_active",
				Help: "Number of currently active inbound SMTP connections",
			},
		),
		SMTPAuthSuccessTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cadence_inbound_smtp_auth_success_total",
				Help: "Total number of successful inbound SMTP authentications",
			},
		),
		SMTPAuthFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cadence_inbound_smtp_auth_failed_total",
				Help: "Total number of failed inbound SMTP authentications",
			},
		),

		// API metrics
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cadence_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		// System metrics
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	// Register all metrics
	reg.MustRegister(
		m.StageDispatchTotal,
		m.StagesSettledTotal,
		m.ClaimsTotal,
		m.TickDurationSeconds,
		m.StageExecutions,
		m.Campaigns,
		m.RecipientSendsTotal,
		m.EngagementEventsTotal,
		m.RefinementsTotal,
		m.SMTPConnectionsTotal,
		m.SMTPConnectionsActive,
		m.SMTPAuthSuccessTotal,
		m.SMTPAuthFailedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncStageDispatch counts one dispatch attempt of a stage
func IncStageDispatch(stage, result string) {
	m := Global()
	if m != nil {
		m.StageDispatchTotal.WithLabelValues(stage, result).Inc()
	}
}

// IncStageSettled counts a stage that finished settlement
func IncStageSettled(stage string) {
	m := Global()
	if m != nil {
		m.StagesSettledTotal.WithLabelValues(stage).Inc()
	}
}

// IncClaim counts a claim attempt
func IncClaim(result string) {
	m := Global()
	if m != nil {
		m.ClaimsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveTickDuration records how long a scheduler tick took
func ObserveTickDuration(d time.Duration) {
	m := Global()
	if m != nil {
		m.TickDurationSeconds.Observe(d.Seconds())
	}
}

// SetStageExecutions sets the execution gauge for one status
func SetStageExecutions(status string, n float64) {
	m := Global()
	if m != nil {
		m.StageExecutions.WithLabelValues(status).Set(n)
	}
}

// SetCampaigns sets the campaign gauge for one status
func SetCampaigns(status string, n float64) {
	m := Global()
	if m != nil {
		m.Campaigns.WithLabelValues(status).Set(n)
	}
}

// IncRecipientSend counts one per-recipient send outcome
func IncRecipientSend(stage, result string) {
	m := Global()
	if m != nil {
		m.RecipientSendsTotal.WithLabelValues(stage, result).Inc()
	}
}

// IncEngagementEvent counts an ingested engagement event
func IncEngagementEvent(eventType, source string) {
	m := Global()
	if m != nil {
		m.EngagementEventsTotal.WithLabelValues(eventType, source).Inc()
	}
}

// IncRefinement counts a refinement evaluation
func IncRefinement(outcome string) {
	m := Global()
	if m != nil {
		m.RefinementsTotal.WithLabelValues(outcome).Inc()
	}
}

// IncSMTPConnections increments the inbound SMTP connection counter
func IncSMTPConnections() {
	m := Global()
	if m != nil {
		m.SMTPConnectionsTotal.Inc()
		m.SMTPConnectionsActive.Inc()
	}
}

// DecSMTPConnectionsActive decrements active SMTP connections
func DecSMTPConnectionsActive() {
	m := Global()
	if m != nil {
		m.SMTPConnectionsActive.Dec()
	}
}

// IncSMTPAuthSuccess increments successful auth counter
func IncSMTPAuthSuccess() {
	m := Global()
	if m != nil {
		m.SMTPAuthSuccessTotal.Inc()
	}
}

// IncSMTPAuthFailed increments failed auth counter
func IncSMTPAuthFailed() {
	m := Global()
	if m != nil {
		m.SMTPAuthFailedTotal.Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}

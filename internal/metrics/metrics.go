package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for the outreach service
type Metrics struct {
	// Dispatch counters
	DispatchSentTotal    *prometheus.CounterVec
	DispatchFailedTotal  *prometheus.CounterVec
	AdmissionDeniedTotal *prometheus.CounterVec
	DraftsGeneratedTotal *prometheus.CounterVec
	SchedulerCyclesTotal *prometheus.CounterVec
	SchedulerRunning     prometheus.Gauge
	PacingDelaySeconds   prometheus.Histogram

	// Usage gauges, refreshed by the collector from the ledger
	LifetimeSent       prometheus.Gauge
	LifetimeFailed     prometheus.Gauge
	SentCurrentHour    prometheus.Gauge
	SentCurrentDay     prometheus.Gauge
	RemainingHour      prometheus.Gauge
	RemainingDay       prometheus.Gauge
	RecipientsTotal    prometheus.Gauge
	RecipientsEligible prometheus.Gauge

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

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DispatchSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_dispatch_sent_total",
				Help: "Total number of successfully delivered messages",
			},
			[]string{"origin"},
		),
		DispatchFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_dispatch_failed_total",
				Help: "Total number of failed send attempts",
			},
			[]string{"error_type"},
		),
		AdmissionDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_admission_denied_total",
				Help: "Total number of send attempts rejected by the rate limiter",
			},
			[]string{"reason"},
		),
		DraftsGeneratedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_drafts_generated_total",
				Help: "Total number of message generation attempts",
			},
			[]string{"status"},
		),
		SchedulerCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_scheduler_cycles_total",
				Help: "Total number of automation cycles by outcome",
			},
			[]string{"result"},
		),
		SchedulerRunning: gauge("outreach_scheduler_running", "1 when automation is running"),
		PacingDelaySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "outreach_pacing_delay_seconds",
				Help:    "Time spent waiting between generation and delivery",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
		),

		LifetimeSent:       gauge("outreach_lifetime_sent", "Messages sent since the last stats reset"),
		LifetimeFailed:     gauge("outreach_lifetime_failed", "Failed attempts since the last stats reset"),
		SentCurrentHour:    gauge("outreach_sent_current_hour", "Messages sent in the current hour window"),
		SentCurrentDay:     gauge("outreach_sent_current_day", "Messages sent in the current calendar day"),
		RemainingHour:      gauge("outreach_remaining_hour", "Sends left in the current hour window"),
		RemainingDay:       gauge("outreach_remaining_day", "Sends left in the current calendar day"),
		RecipientsTotal:    gauge("outreach_recipients", "Number of stored recipients"),
		RecipientsEligible: gauge("outreach_recipients_eligible", "Number of recipients outside their cooldown"),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "outreach_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outreach_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds:    gauge("outreach_uptime_seconds", "Server uptime in seconds"),
		Goroutines:       gauge("outreach_goroutines", "Number of active goroutines"),
		StorageUsedBytes: gauge("outreach_storage_used_bytes", "BoltDB file size in bytes"),

		registry: reg,
	}

	reg.MustRegister(
		m.DispatchSentTotal,
		m.DispatchFailedTotal,
		m.AdmissionDeniedTotal,
		m.DraftsGeneratedTotal,
		m.SchedulerCyclesTotal,
		m.SchedulerRunning,
		m.PacingDelaySeconds,
		m.LifetimeSent,
		m.LifetimeFailed,
		m.SentCurrentHour,
		m.SentCurrentDay,
		m.RemainingHour,
		m.RemainingDay,
		m.RecipientsTotal,
		m.RecipientsEligible,
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

// IncSent increments the delivered message counter
func IncSent(origin string) {
	if m := Global(); m != nil {
		m.DispatchSentTotal.WithLabelValues(origin).Inc()
	}
}

// IncFailed increments the failed attempt counter
func IncFailed(errorType string) {
	if m := Global(); m != nil {
		m.DispatchFailedTotal.WithLabelValues(errorType).Inc()
	}
}

// IncAdmissionDenied increments the rate limiter rejection counter
func IncAdmissionDenied(reason string) {
	if m := Global(); m != nil {
		m.AdmissionDeniedTotal.WithLabelValues(reason).Inc()
	}
}

// IncDrafts increments the generation attempt counter
func IncDrafts(status string) {
	if m := Global(); m != nil {
		m.DraftsGeneratedTotal.WithLabelValues(status).Inc()
	}
}

// IncSchedulerCycle increments the automation cycle counter
func IncSchedulerCycle(result string) {
	if m := Global(); m != nil {
		m.SchedulerCyclesTotal.WithLabelValues(result).Inc()
	}
}

// SetSchedulerRunning records the automation state
func SetSchedulerRunning(running bool) {
	m := Global()
	if m == nil {
		return
	}
	if running {
		m.SchedulerRunning.Set(1)
	} else {
		m.SchedulerRunning.Set(0)
	}
}

// ObservePacingDelay records a pacing wait in seconds
func ObservePacingDelay(seconds float64) {
	if m := Global(); m != nil {
		m.PacingDelaySeconds.Observe(seconds)
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}

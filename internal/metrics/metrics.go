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

// Metrics holds all Prometheus metrics of the engine
type Metrics struct {
	// Execution cycle
	CyclesTotal          *prometheus.CounterVec
	CycleDurationSeconds prometheus.Histogram
	ContactsClaimed      prometheus.Counter
	ContactsProcessed    *prometheus.CounterVec
	ContactsRescheduled  *prometheus.CounterVec
	ContactsReclaimed    prometheus.Counter

	// Delivery
	EmailsSentTotal   *prometheus.CounterVec
	SendFailuresTotal *prometheus.CounterVec

	// Campaign contacts by status, refreshed by the Collector
	CampaignContacts *prometheus.GaugeVec

	// API
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brazen_cycles_total",
				Help: "Total number of execution cycles by result",
			},
			[]string{"result"},
		),
		CycleDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "brazen_cycle_duration_seconds",
				Help:    "Execution cycle duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
			},
		),
		ContactsClaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "brazen_contacts_claimed_total",
				Help: "Total number of campaign contacts claimed for processing",
			},
		),
		ContactsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brazen_contacts_processed_total",
				Help: "Total number of processed campaign contacts by outcome",
			},
			[]string{"outcome"},
		),
		ContactsRescheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brazen_contacts_rescheduled_total",
				Help: "Total number of reschedules by reason",
			},
			[]string{"reason"},
		),
		ContactsReclaimed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "brazen_contacts_reclaimed_total",
				Help: "Total number of stale claims returned to the queue",
			},
		),
		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brazen_emails_sent_total",
				Help: "Total number of emails sent by provider",
			},
			[]string{"provider"},
		),
		SendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brazen_send_failures_total",
				Help: "Total number of failed sends by class",
			},
			[]string{"class"},
		),
		CampaignContacts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "brazen_campaign_contacts",
				Help: "Number of campaign contacts by status",
			},
			[]string{"status"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brazen_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brazen_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brazen_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),
		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "brazen_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "brazen_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.CyclesTotal,
		m.CycleDurationSeconds,
		m.ContactsClaimed,
		m.ContactsProcessed,
		m.ContactsRescheduled,
		m.ContactsReclaimed,
		m.EmailsSentTotal,
		m.SendFailuresTotal,
		m.CampaignContacts,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
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

// IncCycles counts a finished or aborted cycle
func IncCycles(result string) {
	if m := Global(); m != nil {
		m.CyclesTotal.WithLabelValues(result).Inc()
	}
}

// ObserveCycle records the duration and claim count of a cycle
func ObserveCycle(d time.Duration, claimed int) {
	if m := Global(); m != nil {
		m.CycleDurationSeconds.Observe(d.Seconds())
		m.ContactsClaimed.Add(float64(claimed))
	}
}

// IncContactsProcessed counts one processed contact
func IncContactsProcessed(outcome string) {
	if m := Global(); m != nil {
		m.ContactsProcessed.WithLabelValues(outcome).Inc()
	}
}

// IncRescheduled counts one reschedule
func IncRescheduled(reason string) {
	if m := Global(); m != nil {
		m.ContactsRescheduled.WithLabelValues(reason).Inc()
	}
}

// AddContactsReclaimed counts reclaimed stale claims
func AddContactsReclaimed(n int) {
	if m := Global(); m != nil {
		m.ContactsReclaimed.Add(float64(n))
	}
}

// IncEmailsSent counts one sent email
func IncEmailsSent(provider string) {
	if m := Global(); m != nil {
		m.EmailsSentTotal.WithLabelValues(provider).Inc()
	}
}

// IncSendFailures counts one failed send
func IncSendFailures(temporary bool) {
	if m := Global(); m != nil {
		class := "permanent"
		if temporary {
			class = "temporary"
		}
		m.SendFailuresTotal.WithLabelValues(class).Inc()
	}
}

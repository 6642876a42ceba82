// ABOUTME: Prometheus collectors for the messaging service
// ABOUTME: Uses a dedicated registry; a nil *Metrics is a valid no-op recorder

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_messaging"

// Metrics holds every collector the service records into. Methods are
// safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	messagesSent     prometheus.Counter
	messagesRead     prometheus.Counter
	reportsFiled     *prometheus.CounterVec
	moderationAction *prometheus.CounterVec
	scanOutcomes     *prometheus.CounterVec
	scanDuration     prometheus.Histogram
	scanQueueDepth   prometheus.Gauge
	retentionPurged  prometheus.Counter
	retentionHeld    prometheus.Counter
	sweepDuration    prometheus.Histogram
	httpRequests     *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry, along with
// the standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages appended to threads.",
		}),
		messagesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_read_total",
			Help:      "Read receipts that changed state.",
		}),
		reportsFiled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_filed_total",
			Help:      "Moderation reports filed, by reason.",
		}, []string{"reason"}),
		moderationAction: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderation_actions_total",
			Help:      "Closed moderation reports, by resulting action.",
		}, []string{"action"}),
		scanOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachment_scans_total",
			Help:      "Attachment scans reaching a terminal state, by status.",
		}, []string{"status"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attachment_scan_duration_seconds",
			Help:      "Time from dequeue to terminal scan state.",
			Buckets:   prometheus.DefBuckets,
		}),
		scanQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attachment_scan_queue_depth",
			Help:      "Attachments waiting for a scan worker.",
		}),
		retentionPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_purged_messages_total",
			Help:      "Messages permanently purged by retention.",
		}),
		retentionHeld: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_held_messages_total",
			Help:      "Past-cutoff messages kept because of an open report.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retention_sweep_duration_seconds",
			Help:      "Duration of retention sweeps.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests, by route pattern and status code.",
		}, []string{"route", "code"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messagesSent,
		m.messagesRead,
		m.reportsFiled,
		m.moderationAction,
		m.scanOutcomes,
		m.scanDuration,
		m.scanQueueDepth,
		m.retentionPurged,
		m.retentionHeld,
		m.sweepDuration,
		m.httpRequests,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterGaugeFunc adds a gauge whose value is read at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) MessageRead() {
	if m == nil {
		return
	}
	m.messagesRead.Inc()
}

func (m *Metrics) ReportFiled(reason string) {
	if m == nil {
		return
	}
	m.reportsFiled.WithLabelValues(reason).Inc()
}

func (m *Metrics) ModerationAction(action string) {
	if m == nil {
		return
	}
	m.moderationAction.WithLabelValues(action).Inc()
}

// ScanCompleted records a terminal scan and how long it took.
func (m *Metrics) ScanCompleted(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.scanOutcomes.WithLabelValues(status).Inc()
	m.scanDuration.Observe(d.Seconds())
}

func (m *Metrics) SetScanQueueDepth(n int) {
	if m == nil {
		return
	}
	m.scanQueueDepth.Set(float64(n))
}

// SweepCompleted records the totals of one retention sweep.
func (m *Metrics) SweepCompleted(purged, held int, d time.Duration) {
	if m == nil {
		return
	}
	m.retentionPurged.Add(float64(purged))
	m.retentionHeld.Add(float64(held))
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

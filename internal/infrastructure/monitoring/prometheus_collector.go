package monitoring

import (
	"time"

	"camrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the orchestrator's MetricsRecorder.
type PrometheusCollector struct {
	activeWorkers   prometheus.Gauge
	workerStarts    prometheus.Counter
	admissionDenied prometheus.Counter
	evictions       prometheus.Counter

	workerExits  *prometheus.CounterVec
	streamStatus *prometheus.GaugeVec
	viewerCount  *prometheus.GaugeVec

	workerUptime prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		activeWorkers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "camrelay_active_workers",
			Help: "Number of admission slots currently held by workers",
		}),

		workerStarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_worker_starts_total",
			Help: "Total number of ffmpeg workers launched",
		}),

		admissionDenied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_admission_denied_total",
			Help: "Total number of stream starts rejected by the admission ceiling",
		}),

		evictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "camrelay_evictions_total",
			Help: "Total number of idle streams evicted to free a worker slot",
		}),

		workerExits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "camrelay_worker_exits_total",
			Help: "Total number of worker exits by classified reason",
		}, []string{"reason"}),

		streamStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "camrelay_streams_by_status",
			Help: "Number of streams currently in each lifecycle status",
		}, []string{"status"}),

		viewerCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "camrelay_stream_viewers",
			Help: "Active viewer sessions per stream",
		}, []string{"stream_id"}),

		workerUptime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "camrelay_worker_uptime_seconds",
			Help:    "How long workers lived before exiting",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
}

func (p *PrometheusCollector) WorkerStarted(id domain.StreamID) {
	p.workerStarts.Inc()
}

func (p *PrometheusCollector) WorkerExited(reason domain.ExitReason, uptime time.Duration) {
	p.workerExits.WithLabelValues(string(reason)).Inc()
	p.workerUptime.Observe(uptime.Seconds())
}

func (p *PrometheusCollector) StreamStatus(status domain.Status, activeSlots int) {
	p.activeWorkers.Set(float64(activeSlots))
}

// UpdateStatusCounts refreshes the per-status gauge from a full
// snapshot listing, typically on the orchestrator's poll tick.
func (p *PrometheusCollector) UpdateStatusCounts(snapshots []domain.StreamSnapshot) {
	counts := map[domain.Status]int{
		domain.StatusStopped:      0,
		domain.StatusStarting:     0,
		domain.StatusRunning:      0,
		domain.StatusReconnecting: 0,
		domain.StatusError:        0,
	}
	for _, snap := range snapshots {
		counts[snap.Status]++
	}
	for status, n := range counts {
		p.streamStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (p *PrometheusCollector) AdmissionDenied() {
	p.admissionDenied.Inc()
}

func (p *PrometheusCollector) Evicted() {
	p.evictions.Inc()
}

func (p *PrometheusCollector) ViewerCount(id domain.StreamID, count int) {
	p.viewerCount.WithLabelValues(string(id)).Set(float64(count))
}

// ForgetStream drops per-stream series after a stream is deleted.
func (p *PrometheusCollector) ForgetStream(id domain.StreamID) {
	p.viewerCount.DeleteLabelValues(string(id))
}

package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Monitor records recording and upload metrics. A nil *Monitor is valid and
// records nothing.
type Monitor struct {
	recordingsCounter   *prometheus.CounterVec
	recordingDuration   prometheus.Histogram
	chunkBytes          prometheus.Counter
	uploadsCounter      *prometheus.CounterVec
	uploadsResponseTime *prometheus.HistogramVec
	state               *prometheus.GaugeVec
}

// NewMonitor creates the collectors and registers them with reg. A nil
// registerer uses the prometheus default registry.
func NewMonitor(reg prometheus.Registerer) *Monitor {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Monitor{}

	m.recordingsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screencap",
		Subsystem: "session",
		Name:      "recordings_total",
		Help:      "Number of finished recordings by result",
	}, []string{"result"}) // result: saved or an error kind

	m.recordingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "screencap",
		Subsystem: "session",
		Name:      "recording_duration_seconds",
		Help:      "Length of finished recordings in seconds.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	m.chunkBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "screencap",
		Subsystem: "encoder",
		Name:      "chunk_bytes_total",
		Help:      "Bytes received from the encoder",
	})

	m.uploadsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "screencap",
		Subsystem: "sink",
		Name:      "uploads_total",
		Help:      "Number of artifact saves with backend and status labels",
	}, []string{"type", "status"}) // type: local, s3, gcs, azure; status: success, failure

	m.uploadsResponseTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "screencap",
		Subsystem: "sink",
		Name:      "upload_response_time_ms",
		Help:      "A histogram of latencies for artifact saves in milliseconds.",
		Buckets:   []float64{10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 15000, 20000, 30000},
	}, []string{"type", "status"})

	m.state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "screencap",
		Subsystem: "session",
		Name:      "state",
		Help:      "1 for the current session state, 0 otherwise",
	}, []string{"state"})

	reg.MustRegister(m.recordingsCounter, m.recordingDuration, m.chunkBytes,
		m.uploadsCounter, m.uploadsResponseTime, m.state)

	return m
}

func (m *Monitor) IncRecording(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.recordingsCounter.With(prometheus.Labels{"result": result}).Inc()
	if d > 0 {
		m.recordingDuration.Observe(d.Seconds())
	}
}

func (m *Monitor) AddChunk(n int) {
	if m == nil {
		return
	}
	m.chunkBytes.Add(float64(n))
}

func (m *Monitor) IncUploadCountSuccess(uploadType string, elapsed time.Duration) {
	m.observeUpload(uploadType, "success", elapsed)
}

func (m *Monitor) IncUploadCountFailure(uploadType string, elapsed time.Duration) {
	m.observeUpload(uploadType, "failure", elapsed)
}

func (m *Monitor) observeUpload(uploadType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"type": uploadType, "status": status}
	m.uploadsCounter.With(labels).Add(1)
	m.uploadsResponseTime.With(labels).Observe(float64(elapsed.Milliseconds()))
}

// SetState marks current as the only active state.
func (m *Monitor) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.state.With(prometheus.Labels{"state": s}).Set(v)
	}
}

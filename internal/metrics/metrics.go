package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline metrics
type Metrics struct {
	// Face signal loop
	SignalTicks       atomic.Uint64
	SignalSkipped     atomic.Uint64 // frame still buffering
	DetectionFailures atomic.Uint64

	// Document reader
	ScanAttempts    atomic.Uint64
	CodesDecoded    atomic.Uint64
	UploadFallbacks atomic.Uint64 // strict tier failed, permissive tier tried
	DecodeExhausted atomic.Uint64

	// Extraction and matching
	Extractions      atomic.Uint64
	CaptureFailures  atomic.Uint64
	Matches          atomic.Uint64
	NonMatches       atomic.Uint64
	LengthMismatches atomic.Uint64

	// Device
	DeviceErrors atomic.Uint64
	ActiveLoops  atomic.Int64

	distance prometheus.Histogram
	stages   *prometheus.CounterVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		distance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "idproof_match_distance",
			Help:    "Euclidean distance of every descriptor comparison",
			Buckets: []float64{0.2, 0.3, 0.4, 0.45, 0.5, 0.55, 0.6, 0.7, 0.8, 1.0, 1.5},
		}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idproof_pipeline_terminal_total",
			Help: "Pipeline sessions reaching a terminal state, by outcome",
		}, []string{"mode", "outcome"}),
	}
	m.registry.MustRegister(m.distance, m.stages)
	m.registerCounters()
	return m
}

func (m *Metrics) registerCounters() {
	counters := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"idproof_signal_ticks_total", "Face signal ticks evaluated", &m.SignalTicks},
		{"idproof_signal_skipped_total", "Face signal ticks skipped because the frame was not ready", &m.SignalSkipped},
		{"idproof_detection_failures_total", "Transient face detection failures", &m.DetectionFailures},
		{"idproof_scan_attempts_total", "Barcode decode attempts on live frames", &m.ScanAttempts},
		{"idproof_codes_decoded_total", "Barcodes decoded", &m.CodesDecoded},
		{"idproof_upload_fallbacks_total", "Uploads that needed the permissive decode tier", &m.UploadFallbacks},
		{"idproof_decode_exhausted_total", "Uploads or scans that decoded nothing", &m.DecodeExhausted},
		{"idproof_extractions_total", "Descriptor extractions", &m.Extractions},
		{"idproof_capture_failures_total", "Captures rejected for no or multiple faces", &m.CaptureFailures},
		{"idproof_matches_total", "Comparisons under the threshold", &m.Matches},
		{"idproof_non_matches_total", "Comparisons at or above the threshold", &m.NonMatches},
		{"idproof_length_mismatch_total", "Comparisons of descriptors with different lengths", &m.LengthMismatches},
		{"idproof_device_errors_total", "Camera acquisition failures", &m.DeviceErrors},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "idproof_active_loops",
			Help: "Detector loops currently holding the camera (0 or 1)",
		},
		func() float64 { return float64(m.ActiveLoops.Load()) },
	))
}

// ObserveDistance records one comparison outcome.
func (m *Metrics) ObserveDistance(d float64, isMatch bool) {
	m.distance.Observe(d)
	if isMatch {
		m.Matches.Add(1)
	} else {
		m.NonMatches.Add(1)
	}
}

// Terminal counts a session that finished.
func (m *Metrics) Terminal(mode, outcome string) {
	m.stages.WithLabelValues(mode, outcome).Inc()
}

// Registry exposes the underlying registry (tests, custom exporters).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

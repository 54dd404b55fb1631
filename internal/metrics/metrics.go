// Package metrics exposes Prometheus instrumentation for a running
// pipeline: ring occupancy, packet counts, sink errors and pacer skew.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snapetech/tswrite/internal/pace"
	"github.com/snapetech/tswrite/internal/sink"
)

// Registry bundles the collectors for one pipeline run. Each Pipeline owns
// its own Registry registered against its own prometheus.Registry, so
// running several pipelines in one process (e.g. under test) never
// collides on metric names.
type Registry struct {
	reg *prometheus.Registry

	packetsProduced prometheus.Counter
	ringStalls      prometheus.Counter
	ringCapacity    prometheus.Gauge
	ringOccupancy   prometheus.Gauge

	sinkBytes  prometheus.Counter
	sinkErrors *prometheus.CounterVec

	paceWaitUS prometheus.Histogram
	paceFatal  prometheus.Counter
	paceEOF    prometheus.Counter

	m2tsWindowOccupancy prometheus.Gauge
	commandBytes        prometheus.Counter

	rateSaturation prometheus.Counter
}

// NewRegistry creates a fresh, independently registered metric set.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		packetsProduced: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tswrite_packets_produced_total",
			Help: "TS packets written to the output sink.",
		}),
		ringStalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tswrite_ring_stalls_total",
			Help: "Times the producer or consumer had to sleep-poll on a full/empty ring.",
		}),
		ringCapacity: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "tswrite_ring_capacity_items",
			Help: "Configured ring capacity in items.",
		}),
		ringOccupancy: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "tswrite_ring_occupancy_items",
			Help: "Current ring occupancy in items.",
		}),
		sinkBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tswrite_sink_bytes_total",
			Help: "Bytes written to the output sink.",
		}),
		sinkErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tswrite_sink_errors_total",
			Help: "Sink write errors, split by whether they were swallowed (datagram) or fatal.",
		}, []string{"outcome"}),
		paceWaitUS: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "tswrite_pace_waitfor_microseconds",
			Help:    "Distribution of the pacer's computed waitfor, in microseconds, per item.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		paceFatal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tswrite_pace_fatal_total",
			Help: "Pacer iterations that ended fatally.",
		}),
		paceEOF: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tswrite_pace_eof_total",
			Help: "Pacer iterations that observed end of stream.",
		}),
		m2tsWindowOccupancy: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "tswrite_m2ts_window_occupancy",
			Help: "Entries currently buffered in the M2TS reorder window.",
		}),
		commandBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tswrite_command_bytes_total",
			Help: "Bytes read from the command channel.",
		}),
		rateSaturation: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tswrite_rate_mode_saturation_total",
			Help: "Items in rate mode whose x/time/rate reservation could not be admitted without delay.",
		}),
	}
	return r
}

// Handler returns the promhttp handler for this registry's /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObservePace records the outcome of one pace.Pacer.RunOnce call.
func (r *Registry) ObservePace(res pace.Result) {
	switch res {
	case pace.ResultFatal:
		r.paceFatal.Inc()
	case pace.ResultEndOfStream:
		r.paceEOF.Inc()
	}
}

// ObserveWait records the computed waitfor microseconds for one sent item.
func (r *Registry) ObserveWait(us int64) {
	if us < 0 {
		us = 0
	}
	r.paceWaitUS.Observe(float64(us))
}

// SetRingCapacity records the configured ring capacity once at startup.
func (r *Registry) SetRingCapacity(n int) { r.ringCapacity.Set(float64(n)) }

// AddRingStall records one sleep-poll iteration against a full/empty ring.
func (r *Registry) AddRingStall() { r.ringStalls.Inc() }

// AddRateSaturation records one rate-mode item the x/time/rate limiter
// could not admit immediately.
func (r *Registry) AddRateSaturation() { r.rateSaturation.Inc() }

// SetRingOccupancy updates the current ring occupancy gauge, for the
// pipeline's periodic occupancy reporting loop.
func (r *Registry) SetRingOccupancy(n int) { r.ringOccupancy.Set(float64(n)) }

// SetM2TSWindowOccupancy updates the M2TS reorder window occupancy gauge.
func (r *Registry) SetM2TSWindowOccupancy(n int) { r.m2tsWindowOccupancy.Set(float64(n)) }

// AddCommandBytes records bytes consumed by the command channel reader.
func (r *Registry) AddCommandBytes(n int) { r.commandBytes.Add(float64(n)) }

// ListenAndServe starts the management HTTP listener serving /metrics until
// ctx is cancelled. Mirrors the teacher's pattern of adding handlers to one
// http.ServeMux in cmd/plex-tuner/main.go.
func (r *Registry) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return srv.Serve(ln)
}

// statSink decorates a sink.Sink with byte/error counters.
type statSink struct {
	sink.Sink
	reg *Registry
}

// WrapSink wraps sk so every write is counted in reg.
func WrapSink(sk sink.Sink, reg *Registry) sink.Sink {
	return &statSink{Sink: sk, reg: reg}
}

func (s *statSink) WriteAll(ctx context.Context, b []byte) error {
	err := s.Sink.WriteAll(ctx, b)
	if err != nil {
		outcome := "fatal"
		if s.Sink.IsDatagram() {
			outcome = "swallowed"
		}
		s.reg.sinkErrors.WithLabelValues(outcome).Inc()
		return err
	}
	s.reg.sinkBytes.Add(float64(len(b)))
	s.reg.packetsProduced.Add(float64(len(b) / 188))
	return nil
}

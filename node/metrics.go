package node

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyfold/witness/engine"
)

const namespace = "witness"

var _ engine.Metrics = (*engineMetrics)(nil)

// engineMetrics exports the engine's counters through prometheus.
type engineMetrics struct {
	committed prometheus.Counter
	adopted   prometheus.Counter
	failed    prometheus.Counter
	expired   prometheus.Counter
	rejected  *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	inFlight  prometheus.Gauge
	watermark prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	factory := promauto.With(reg)
	return &engineMetrics{
		committed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_committed_total",
			Help:      "Epochs committed with an aggregate this node helped build.",
		}),
		adopted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_adopted_total",
			Help:      "Epochs adopted from peer announcements or sync.",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_failed_total",
			Help:      "Epochs whose directory proof failed verification.",
		}),
		expired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_expired_total",
			Help:      "Epochs that timed out before reaching the threshold.",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shares_rejected_total",
			Help:      "Signature shares rejected, by reason.",
		}, []string{"reason"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages discarded outside the in-flight window, by reason.",
		}, []string{"reason"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epochs_in_flight",
			Help:      "Epoch machines currently running.",
		}),
		watermark: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "committed_epoch",
			Help:      "Highest committed epoch.",
		}),
	}
}

func (m *engineMetrics) Committed(epoch uint64) {
	m.committed.Inc()
	m.watermark.Set(float64(epoch))
}

func (m *engineMetrics) Adopted(epoch uint64) {
	m.adopted.Inc()
	m.watermark.Set(float64(epoch))
}

func (m *engineMetrics) Failed(uint64) {
	m.failed.Inc()
}

func (m *engineMetrics) Expired(uint64) {
	m.expired.Inc()
}

func (m *engineMetrics) ShareRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *engineMetrics) Dropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *engineMetrics) InFlight(count int) {
	m.inFlight.Set(float64(count))
}

// serveMetrics exposes the registry on addr until shut down.
func serveMetrics(addr string, reg *prometheus.Registry, log *slog.Logger) *http.Server {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", "err", err)
		}
	}()
	return srv
}

func shutdownMetrics(ctx context.Context, srv *http.Server) error {
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

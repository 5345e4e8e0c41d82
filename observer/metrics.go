package observer

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/kit/metrics"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/searchbench/ftsb/backend"
	"go.uber.org/zap"
)

// MetricNamespace prefixes every exported metric.
const MetricNamespace = "ftsb"

// Metrics records events as prometheus metrics on a registry owned by the run.
type Metrics struct {
	registry *stdprometheus.Registry

	documents    metrics.Counter
	batches      metrics.Counter
	txBytes      metrics.Counter
	queries      metrics.Counter
	hits         metrics.Counter
	skipped      metrics.Counter
	batchLatency metrics.Histogram
	queryLatency metrics.Histogram
	state        metrics.Gauge
}

// NewMetrics creates the metric set for a run against the named backend.
func NewMetrics(backendName string) *Metrics {
	reg := stdprometheus.NewRegistry()
	labels := stdprometheus.Labels{"backend": backendName}

	documents := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: MetricNamespace, ConstLabels: labels,
		Name: "documents_total",
		Help: "Documents accounted by the ingestion engine, by status.",
	}, []string{"status"})
	batches := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: MetricNamespace, ConstLabels: labels,
		Name: "batches_total",
		Help: "Dispatched batches, by result.",
	}, []string{"result"})
	txBytes := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: MetricNamespace, ConstLabels: labels,
		Name: "tx_bytes_total",
		Help: "Source bytes sent in delivered batches.",
	}, []string{})
	queries := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: MetricNamespace, ConstLabels: labels,
		Name: "queries_total",
		Help: "Executed queries, by result.",
	}, []string{"result"})
	hits := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: MetricNamespace, ConstLabels: labels,
		Name: "query_hits_total",
		Help: "Sum of the result counts of successful queries.",
	}, []string{})
	skipped := stdprometheus.NewCounterVec(stdprometheus.CounterOpts{
		Namespace: MetricNamespace, ConstLabels: labels,
		Name: "skipped_lines_total",
		Help: "Input lines that could not be decoded.",
	}, []string{})
	batchLatency := stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: MetricNamespace, ConstLabels: labels,
		Name:    "batch_duration_seconds",
		Help:    "Bulk ingest round-trip latency.",
		Buckets: stdprometheus.ExponentialBuckets(0.001, 2, 16),
	}, []string{})
	queryLatency := stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: MetricNamespace, ConstLabels: labels,
		Name:    "query_duration_seconds",
		Help:    "Query round-trip latency.",
		Buckets: stdprometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"result"})
	state := stdprometheus.NewGaugeVec(stdprometheus.GaugeOpts{
		Namespace: MetricNamespace, ConstLabels: labels,
		Name: "phase_state",
		Help: "1 for the current state of each phase.",
	}, []string{"phase", "state"})

	reg.MustRegister(documents, batches, txBytes, queries, hits, skipped, batchLatency, queryLatency, state)

	return &Metrics{
		registry:     reg,
		documents:    kitprometheus.NewCounter(documents),
		batches:      kitprometheus.NewCounter(batches),
		txBytes:      kitprometheus.NewCounter(txBytes),
		queries:      kitprometheus.NewCounter(queries),
		hits:         kitprometheus.NewCounter(hits),
		skipped:      kitprometheus.NewCounter(skipped),
		batchLatency: kitprometheus.NewHistogram(batchLatency),
		queryLatency: kitprometheus.NewHistogram(queryLatency),
		state:        kitprometheus.NewGauge(state),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *stdprometheus.Registry {
	return m.registry
}

func (m *Metrics) Transition(phase, from, to string) {
	if from != "" {
		m.state.With("phase", phase, "state", from).Set(0)
	}
	m.state.With("phase", phase, "state", to).Set(1)
}

func (m *Metrics) BatchDone(e BatchEvent) {
	result := "ok"
	switch {
	case e.Err != nil:
		result = backend.KindOf(e.Err).String()
	case e.Outcome.Failed > 0:
		result = "partial"
	}
	m.batches.With("result", result).Add(1)
	m.documents.With("status", "succeeded").Add(float64(e.Outcome.Succeeded))
	m.documents.With("status", "failed").Add(float64(e.Outcome.Failed))
	m.batchLatency.Observe(e.Latency.Seconds())
	if e.Err == nil {
		m.txBytes.Add(float64(e.Bytes))
	}
}

func (m *Metrics) QueryDone(e QueryEvent) {
	result := "ok"
	if e.Err != nil {
		result = backend.KindOf(e.Err).String()
	} else {
		m.hits.Add(float64(e.Hits))
	}
	m.queries.With("result", result).Add(1)
	m.queryLatency.With("result", result).Observe(e.Latency.Seconds())
}

func (m *Metrics) Skipped(int, error) {
	m.skipped.Add(1)
	m.documents.With("status", "failed").Add(1)
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return r
}

// Serve exposes Handler on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	srv := &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info("Serving metrics", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "metrics server shutdown")
	}
	return nil
}

// WriteTextfile dumps the current values in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return errors.Wrap(stdprometheus.WriteToTextfile(path, m.registry), "write metrics textfile")
}

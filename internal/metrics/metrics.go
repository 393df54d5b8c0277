// Package metrics exposes the server's prometheus instrumentation on a
// private registry with an optional scrape endpoint.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/aggrd/internal/loggingutil"
	"pkt.systems/pslog"
)

// Set bundles every collector the server reports.
type Set struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	expiredTotal    prometheus.Counter
	connectionsOpen prometheus.Gauge
	snapshotSeconds prometheus.Histogram
	snapshotRecords prometheus.Gauge
}

// NewSet registers all collectors. queueDepth and recordCount are sampled at
// scrape time; either may be nil.
func NewSet(queueDepth, recordCount func() int) *Set {
	registry := prometheus.NewRegistry()
	s := &Set{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aggrd",
			Name:      "requests_total",
			Help:      "Requests answered, by method and status code.",
		}, []string{"method", "status"}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aggrd",
			Name:      "records_expired_total",
			Help:      "Station records removed by the expiry sweeper.",
		}),
		connectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aggrd",
			Name:      "connections_open",
			Help:      "Currently accepted client connections.",
		}),
		snapshotSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aggrd",
			Name:      "snapshot_write_seconds",
			Help:      "Snapshot save duration.",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aggrd",
			Name:      "snapshot_records",
			Help:      "Records written by the last snapshot.",
		}),
	}
	registry.MustRegister(s.requestsTotal, s.expiredTotal, s.connectionsOpen, s.snapshotSeconds, s.snapshotRecords)

	if queueDepth != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "aggrd",
			Name:      "queue_depth",
			Help:      "Requests pending in the processor queue.",
		}, func() float64 { return float64(queueDepth()) }))
	}
	if recordCount != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "aggrd",
			Name:      "records",
			Help:      "Station records currently stored.",
		}, func() float64 { return float64(recordCount()) }))
	}
	return s
}

// ObserveRequest counts one answered request.
func (s *Set) ObserveRequest(method string, status int) {
	s.requestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// ObserveExpired counts records removed by the sweeper.
func (s *Set) ObserveExpired(n int) {
	s.expiredTotal.Add(float64(n))
}

// ConnOpened and ConnClosed track the open-connection gauge.
func (s *Set) ConnOpened() { s.connectionsOpen.Inc() }

// ConnClosed decrements the open-connection gauge.
func (s *Set) ConnClosed() { s.connectionsOpen.Dec() }

// ObserveSnapshot records the outcome of one snapshot save.
func (s *Set) ObserveSnapshot(records int, elapsed time.Duration) {
	s.snapshotSeconds.Observe(elapsed.Seconds())
	s.snapshotRecords.Set(float64(records))
}

// Handler serves the registry in prometheus exposition format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Server is the optional scrape listener.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Serve exposes s on addr under /metrics.
func Serve(addr string, s *Set, logger pslog.Logger) (*Server, error) {
	logger = loggingutil.WithSubsystem(loggingutil.EnsureLogger(logger), "metrics")
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics.serve_error", "error", err)
		}
	}()
	logger.Info("metrics.listening", "addr", ln.Addr().String())
	return &Server{srv: srv, ln: ln}, nil
}

// Addr returns the bound scrape address.
func (m *Server) Addr() string {
	return m.ln.Addr().String()
}

// Shutdown stops the scrape listener.
func (m *Server) Shutdown(ctx context.Context) error {
	if err := m.srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	_ = m.ln.Close()
	return nil
}

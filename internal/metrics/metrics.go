// Package metrics exposes connection traffic counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "duplex_bridge"

const (
	directionReceived = "received"
	directionSent     = "sent"
)

// Collector counts chunks and bytes in each direction. It implements
// client.Tap.
type Collector struct {
	registry   *prometheus.Registry
	chunks     *prometheus.CounterVec
	bytes      *prometheus.CounterVec
	chunkSize  prometheus.Histogram
	handshakes prometheus.Counter
	loopExits  *prometheus.CounterVec
	connected  prometheus.Gauge
}

// New creates a Collector with its own registry, which also carries the Go
// runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		chunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_total",
				Help:      "Total number of chunks received from or sent to the peer",
			},
			[]string{"direction"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total number of payload bytes received from or sent to the peer",
			},
			[]string{"direction"},
		),
		chunkSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "received_chunk_bytes",
				Help:      "Size of chunks delivered to the handler",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 7),
			},
		),
		handshakes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Total number of credential handshakes written",
			},
		),
		loopExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "receive_loop_exits_total",
				Help:      "Total number of receive loop exits by outcome",
			},
			[]string{"status"},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected",
				Help:      "Number of connections with a running receive loop",
			},
		),
	}

	c.registry.MustRegister(
		c.chunks,
		c.bytes,
		c.chunkSize,
		c.handshakes,
		c.loopExits,
		c.connected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) OnHandshake(int) {
	c.handshakes.Inc()
	c.connected.Inc()
}

func (c *Collector) OnReceive(chunk []byte) {
	c.chunks.WithLabelValues(directionReceived).Inc()
	c.bytes.WithLabelValues(directionReceived).Add(float64(len(chunk)))
	c.chunkSize.Observe(float64(len(chunk)))
}

func (c *Collector) OnSend(data []byte) {
	c.chunks.WithLabelValues(directionSent).Inc()
	c.bytes.WithLabelValues(directionSent).Add(float64(len(data)))
}

func (c *Collector) OnClose(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.loopExits.WithLabelValues(status).Inc()
	c.connected.Dec()
}

// Serve exposes /metrics on addr until ctx is canceled. The listener is bound
// before Serve returns so that bind errors surface immediately.
func (c *Collector) Serve(ctx context.Context, addr string, logger logrus.FieldLogger) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", listener.Addr().String()).Info("serving metrics")
	return listener.Addr(), nil
}

// Package varz exposes the operational counters of the proxy.
package varz

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/treemana/edgedns/log"
)

const namespace = "edgedns"

type Varz struct {
	Registry *prometheus.Registry

	ClientQueriesUDP     prometheus.Counter
	ClientQueriesTCP     prometheus.Counter
	ClientQueriesCached  prometheus.Counter
	ClientQueriesExpired prometheus.Counter
	ClientQueriesDropped prometheus.Counter
	ClientQueriesErrors  prometheus.Counter

	UpstreamSent     prometheus.Counter
	UpstreamReceived prometheus.Counter
	UpstreamTimeout  prometheus.Counter
	UpstreamErrors   prometheus.Counter
	UpstreamMismatch prometheus.Counter

	CacheFrequentLen prometheus.Gauge
	CacheRecentLen   prometheus.Gauge
	CacheTestLen     prometheus.Gauge
	CacheInserted    prometheus.Gauge
	CacheEvicted     prometheus.Gauge

	ActiveQueries  prometheus.Gauge
	WaitingClients prometheus.Gauge
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

func New() *Varz {
	v := &Varz{
		Registry: prometheus.NewRegistry(),

		ClientQueriesUDP:     counter("client_queries_udp", "Number of client queries received using UDP"),
		ClientQueriesTCP:     counter("client_queries_tcp", "Number of client queries received using TCP"),
		ClientQueriesCached:  counter("client_queries_cached", "Number of client queries answered from the cache"),
		ClientQueriesExpired: counter("client_queries_expired", "Number of expired cache entries found for client queries"),
		ClientQueriesDropped: counter("client_queries_dropped", "Number of client queries dropped under load"),
		ClientQueriesErrors:  counter("client_queries_errors", "Number of invalid client queries"),

		UpstreamSent:     counter("upstream_sent", "Number of queries sent upstream"),
		UpstreamReceived: counter("upstream_received", "Number of upstream answers dispatched to clients"),
		UpstreamTimeout:  counter("upstream_timeout", "Number of clients answered after an upstream timeout"),
		UpstreamErrors:   counter("upstream_errors", "Number of invalid or failed upstream exchanges"),
		UpstreamMismatch: counter("upstream_response_mismatch", "Number of upstream responses not matching the query sent"),

		CacheFrequentLen: gauge("cache_frequent_len", "Number of entries in the frequent segment"),
		CacheRecentLen:   gauge("cache_recent_len", "Number of entries in the recent segment"),
		CacheTestLen:     gauge("cache_test_len", "Number of keys in the test segment"),
		CacheInserted:    gauge("cache_inserted", "Number of cache insertions"),
		CacheEvicted:     gauge("cache_evicted", "Number of cache evictions"),

		ActiveQueries:  gauge("active_queries", "Number of questions waiting for an upstream answer"),
		WaitingClients: gauge("waiting_clients", "Number of clients waiting for an upstream answer"),
	}

	v.Registry.MustRegister(
		v.ClientQueriesUDP, v.ClientQueriesTCP, v.ClientQueriesCached, v.ClientQueriesExpired,
		v.ClientQueriesDropped, v.ClientQueriesErrors,
		v.UpstreamSent, v.UpstreamReceived, v.UpstreamTimeout, v.UpstreamErrors, v.UpstreamMismatch,
		v.CacheFrequentLen, v.CacheRecentLen, v.CacheTestLen, v.CacheInserted, v.CacheEvicted,
		v.ActiveQueries, v.WaitingClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return v
}

func (v *Varz) Handler() http.Handler {
	return promhttp.HandlerFor(v.Registry, promhttp.HandlerOpts{})
}

// Mux serves /metrics and /log/level, the latter reads (GET) or sets (PUT
// {"level":"debug"}) the log level.
func (v *Varz) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", v.Handler())
	mux.Handle("/log/level", log.Level)
	return mux
}

// Serve runs the web service on address until ctx is done.
func (v *Varz) Serve(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           v.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Sugar.Infof("web service listening on %s/metrics", address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Package metrics exposes gateway counters and live gauges in the Prometheus format.
package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabian4/hostgate/internal/version"
)

const namespace = "hostgate"

// Source supplies the values read on every scrape. Nil funcs are reported as zero.
type Source struct {
	ActiveConnections func() int64
	RouteCounts       func() map[string]int
	TrackedBytes      func() int64
	PooledClients     func() int
	TLSHosts          func() int
	RateLimitedIPs    func() int
}

// Registry holds metrics.
type Registry struct {
	reg *prometheus.Registry

	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	rejected  *prometheus.CounterVec
	limited   *prometheus.CounterVec
	tlsBuilds *prometheus.CounterVec
}

func NewRegistry(src Source) *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests answered, by listener protocol, dispatch action and status.",
		}, []string{"protocol", "action", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request read to last byte written.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"protocol", "action"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejected_total",
			Help:      "Connections closed at accept because the gateway was at capacity.",
		}, []string{"listener"}),
		limited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests over a rate limit, by scope (ip or route) and whether they were rejected.",
		}, []string{"scope", "enforced"}),
		tlsBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_rebuilds_total",
			Help:      "TLS certificate bundle rebuilds, by result.",
		}, []string{"result"}),
	}
	r.reg.MustRegister(
		r.requests, r.latency, r.rejected, r.limited, r.tlsBuilds,
		newLiveCollector(src),
		collectors.NewGoCollector(),
	)
	return r
}

func (r *Registry) ObserveRequest(protocol, action string, status int, d time.Duration) {
	r.requests.WithLabelValues(protocol, action, statusClass(status)).Inc()
	r.latency.WithLabelValues(protocol, action).Observe(d.Seconds())
}

func (r *Registry) IncAdmissionRejected(listener string) {
	r.rejected.WithLabelValues(listener).Inc()
}

func (r *Registry) IncRateLimited(scope string, enforced bool) {
	e := "false"
	if enforced {
		e = "true"
	}
	r.limited.WithLabelValues(scope, e).Inc()
}

func (r *Registry) IncTLSRebuild(failed bool) {
	if failed {
		r.tlsBuilds.WithLabelValues("partial").Inc()
		return
	}
	r.tlsBuilds.WithLabelValues("ok").Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// statusClass keeps the label set small: exact codes for the statuses the
// gateway itself produces, a class for everything relayed from upstream.
func statusClass(code int) string {
	switch code {
	case 200, 304, 404, 405, 413, 429, 502, 504:
		return strconv.Itoa(code)
	}
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}

type liveCollector struct {
	src Source

	buildInfo     *prometheus.Desc
	activeConns   *prometheus.Desc
	routes        *prometheus.Desc
	trackedBytes  *prometheus.Desc
	pooledClients *prometheus.Desc
	tlsHosts      *prometheus.Desc
	limitedIPs    *prometheus.Desc
}

func newLiveCollector(src Source) liveCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return liveCollector{
		src:           src,
		buildInfo:     desc("build_info", "Build information", "version", "goarch", "goos", "goversion"),
		activeConns:   desc("active_connections", "Admitted connections currently open"),
		routes:        desc("routes", "Routes in the table", "protocol"),
		trackedBytes:  desc("stream_tracked_bytes", "Buffer memory attributed to live file streams"),
		pooledClients: desc("upstream_clients", "Pooled upstream clients"),
		tlsHosts:      desc("tls_hosts", "Server names with a loaded certificate"),
		limitedIPs:    desc("rate_limit_tracked_ips", "Client IPs with an open rate-limit window"),
	}
}

func (c liveCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.buildInfo
	ch <- c.activeConns
	ch <- c.routes
	ch <- c.trackedBytes
	ch <- c.pooledClients
	ch <- c.tlsHosts
	ch <- c.limitedIPs
}

func (c liveCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.buildInfo, prometheus.GaugeValue, 1,
		version.Value, runtime.GOARCH, runtime.GOOS, runtime.Version())
	ch <- prometheus.MustNewConstMetric(c.activeConns, prometheus.GaugeValue, float64(call64(c.src.ActiveConnections)))
	if c.src.RouteCounts != nil {
		for p, n := range c.src.RouteCounts() {
			ch <- prometheus.MustNewConstMetric(c.routes, prometheus.GaugeValue, float64(n), p)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.trackedBytes, prometheus.GaugeValue, float64(call64(c.src.TrackedBytes)))
	ch <- prometheus.MustNewConstMetric(c.pooledClients, prometheus.GaugeValue, float64(call(c.src.PooledClients)))
	ch <- prometheus.MustNewConstMetric(c.tlsHosts, prometheus.GaugeValue, float64(call(c.src.TLSHosts)))
	ch <- prometheus.MustNewConstMetric(c.limitedIPs, prometheus.GaugeValue, float64(call(c.src.RateLimitedIPs)))
}

func call(f func() int) int {
	if f == nil {
		return 0
	}
	return f()
}

func call64(f func() int64) int64 {
	if f == nil {
		return 0
	}
	return f()
}

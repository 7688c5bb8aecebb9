// Package admin is the control plane: a JSON API over the route table plus
// stats, metrics and health endpoints.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/fabian4/hostgate/internal/model"
	"github.com/fabian4/hostgate/internal/router"
)

const maxBodyBytes = 1 << 20

// Stats is reported by GET /stats.
type Stats struct {
	ActiveConnections  int64          `json:"active_connections"`
	MaxConnections     int64          `json:"max_connections"`
	TotalRequests      uint64         `json:"total_requests"`
	RequestsPerSecond  float64        `json:"requests_per_second"`
	RateLimitedIPs     int            `json:"rate_limit_tracked_ips"`
	StreamTrackedBytes int64          `json:"stream_tracked_bytes"`
	UpstreamClients    int            `json:"upstream_clients"`
	TLSHosts           []string       `json:"tls_hosts"`
	Routes             map[string]int `json:"routes"`
}

type Options struct {
	Routes *router.Table
	// Stats fills the live part of GET /stats; nil reports route counts only.
	Stats func() Stats
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Token, when set, is required as a bearer token on every endpoint but /healthz.
	Token  string
	Logger *slog.Logger
}

type API struct {
	routes  *router.Table
	stats   func() Stats
	metrics http.Handler
	token   string
	logger  *slog.Logger
}

func New(opts Options) *API {
	a := &API{routes: opts.Routes, stats: opts.Stats, metrics: opts.Metrics, token: opts.Token, logger: opts.Logger}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// Handler returns the routed API.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /routes", a.auth(http.HandlerFunc(a.listRoutes)))
	mux.Handle("GET /routes/counts", a.auth(http.HandlerFunc(a.routeCounts)))
	mux.Handle("POST /routes", a.auth(http.HandlerFunc(a.addRoute)))
	mux.Handle("DELETE /routes/{protocol}/{source}", a.auth(http.HandlerFunc(a.deleteRoute)))
	mux.Handle("GET /stats", a.auth(http.HandlerFunc(a.getStats)))
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.auth(a.metrics))
	}
	return mux
}

func (a *API) auth(next http.Handler) http.Handler {
	if a.token == "" {
		return next
	}
	want := []byte("Bearer " + a.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="hostgate"`)
			writeError(w, http.StatusUnauthorized, errors.New("missing or invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) listRoutes(w http.ResponseWriter, _ *http.Request) {
	routes := a.routes.List()
	if routes == nil {
		routes = []model.Descriptor{}
	}
	writeJSON(w, http.StatusOK, routes)
}

func (a *API) routeCounts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, countsByName(a.routes.Counts()))
}

func (a *API) addRoute(w http.ResponseWriter, r *http.Request) {
	var d model.Descriptor
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode route: %w", err))
		return
	}
	route, err := d.Route()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.routes.Put(route); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.logger.Info("route added", "protocol", string(route.Protocol), "source", route.Source, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusCreated, route.Descriptor())
}

func (a *API) deleteRoute(w http.ResponseWriter, r *http.Request) {
	p, err := model.ParseProtocol(r.PathValue("protocol"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	source := r.PathValue("source")
	if !a.routes.Delete(p, source) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no %s route for %q", p, source))
		return
	}
	a.logger.Info("route deleted", "protocol", string(p), "source", source, "remote", r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getStats(w http.ResponseWriter, _ *http.Request) {
	var s Stats
	if a.stats != nil {
		s = a.stats()
	}
	s.Routes = countsByName(a.routes.Counts())
	if s.TLSHosts == nil {
		s.TLSHosts = []string{}
	}
	writeJSON(w, http.StatusOK, s)
}

func countsByName(c map[model.Protocol]int) map[string]int {
	out := make(map[string]int, len(c))
	for p, n := range c {
		out[string(p)] = n
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

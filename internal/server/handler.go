package server

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fabian4/hostgate/internal/admission"
	"github.com/fabian4/hostgate/internal/dispatch"
	"github.com/fabian4/hostgate/internal/logging"
	"github.com/fabian4/hostgate/internal/metrics"
	"github.com/fabian4/hostgate/internal/model"
	"github.com/fabian4/hostgate/internal/ratelimit"
	"github.com/fabian4/hostgate/internal/router"
)

const requestIDHeader = "X-Request-Id"

// Deps are the services shared by both listeners.
type Deps struct {
	Routes     *router.Table
	Conns      *admission.Manager
	Limiter    *ratelimit.Limiter
	Dispatcher *dispatch.Dispatcher
	// Policy is the global traffic policy routes inherit from.
	Policy model.TrafficPolicy
	// EnforceRateLimit answers 429 to clients over the per-IP limit;
	// otherwise they are only logged.
	EnforceRateLimit bool
	Access           *AccessLogger
	Metrics          *metrics.Registry
	Logger           *slog.Logger
}

// Handler routes the requests of one listener. The plain listener serves
// http then iws routes, the TLS listener https then secure_iws routes.
type Handler struct {
	Deps
	listener model.Protocol
	forward  model.Protocol
	static   model.Protocol
}

var _ http.Handler = (*Handler)(nil)

func NewHandler(secure bool, deps Deps) *Handler {
	h := &Handler{Deps: deps, listener: model.ProtoHTTP, forward: model.ProtoHTTP, static: model.ProtoIWS}
	if secure {
		h.listener, h.forward, h.static = model.ProtoHTTPS, model.ProtoHTTPS, model.ProtoSecureIWS
	}
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	h.Logger = h.Logger.With("listener", string(h.listener))
	if h.Conns == nil {
		h.Conns = admission.New(admission.Config{})
	}
	if h.Limiter == nil {
		h.Limiter = ratelimit.NewLimiter()
	}
	if h.Dispatcher == nil {
		h.Dispatcher = dispatch.New(dispatch.Options{Logger: h.Logger})
	}
	return h
}

// lookup tries the forward map before the static map.
func (h *Handler) lookup(host string) (model.Route, bool) {
	if r, ok := h.Routes.Lookup(h.forward, host); ok {
		return r, true
	}
	return h.Routes.Lookup(h.static, host)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id := r.Header.Get(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(requestIDHeader, id)
	}
	w.Header().Set(requestIDHeader, id)
	r = r.WithContext(logging.WithRequestID(r.Context(), id))

	h.Conns.IncrementTotalRequests()
	ip := dispatch.ClientIP(r.RemoteAddr)
	lw := &loggingResponseWriter{ResponseWriter: w}
	var out dispatch.Outcome

	defer func() {
		status := lw.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		entry := AccessLog{
			Time:         start,
			RequestID:    id,
			Protocol:     string(h.listener),
			Method:       r.Method,
			Host:         r.Host,
			Path:         r.URL.Path,
			Status:       status,
			Duration:     duration.Milliseconds(),
			RemoteIP:     ip,
			UserAgent:    r.UserAgent(),
			Kind:         out.Action,
			Target:       out.Target,
			BytesWritten: lw.bytes,
		}
		if out.Err != nil {
			entry.Error = out.Err.Error()
		}
		h.Access.Log(entry)
		if h.Metrics != nil {
			h.Metrics.ObserveRequest(string(h.listener), out.Action, status, duration)
		}
		h.Logger.DebugContext(r.Context(), "request served",
			"method", r.Method, "host", r.Host, "path", r.URL.Path, "status", status,
			"kind", out.Action, "target", out.Target, "remote_ip", ip, "duration", duration)
	}()

	if ok, retry := h.Conns.Allow(ip); !ok {
		if h.Metrics != nil {
			h.Metrics.IncRateLimited("ip", h.EnforceRateLimit)
		}
		if h.EnforceRateLimit {
			out = h.rateLimited(lw, r, "", retry)
			return
		}
		h.Logger.WarnContext(r.Context(), "client over request limit", "remote_ip", ip, "retry_after", retry)
	}

	route, ok := h.lookup(r.Host)
	if !ok {
		out = h.Dispatcher.NotFound(lw, r)
		return
	}
	pol := model.Merge(h.Policy, route.Policy)

	if rl := pol.Upstream.RateLimit; rl != nil {
		key := limiterKey(route.Protocol, route.Source)
		if !h.Limiter.Allow(key, rl.RequestsPerSecond, rl.Burst) {
			if h.Metrics != nil {
				h.Metrics.IncRateLimited("route", true)
			}
			out = h.rateLimited(lw, r, route.Source, time.Duration(float64(time.Second)/rl.RequestsPerSecond))
			return
		}
	}

	if route.Policy != nil {
		applyDeadlines(lw, route.Policy.HTTP1)
	}

	if route.Protocol.Static() {
		out = h.Dispatcher.ServeStatic(lw, r, route)
		return
	}
	out = h.Dispatcher.Forward(lw, r, route, pol)
}

func (h *Handler) rateLimited(w http.ResponseWriter, r *http.Request, source string, retry time.Duration) dispatch.Outcome {
	secs := int(math.Ceil(retry.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	e := &dispatch.Error{Kind: dispatch.RateLimitExceeded, Route: source}
	h.Dispatcher.Fail(w, r, e)
	return dispatch.Outcome{Action: dispatch.ActionRateLimited, Err: e}
}

// applyDeadlines narrows the connection deadlines for one request of a route
// that overrides them. Writers that cannot set deadlines are left alone.
func applyDeadlines(w http.ResponseWriter, s model.HTTP1Settings) {
	rc := http.NewResponseController(w)
	if s.ReadTimeout > 0 {
		_ = rc.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	}
	if s.WriteTimeout > 0 {
		_ = rc.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	}
}

func limiterKey(p model.Protocol, source string) string { return string(p) + "/" + source }

// LimiterObserver drops the token bucket of a route once it is deleted, so a
// route added again under the same host starts with a full bucket.
func LimiterObserver(l *ratelimit.Limiter) router.Observer {
	return router.ObserverFunc(func(c router.Change) {
		if c.Op == router.OpDelete {
			l.Remove(limiterKey(c.Protocol, c.Source))
		}
	})
}

// Package dispatch forwards requests to upstream targets and serves static
// file trees for the routes the listeners resolve.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/fabian4/hostgate/internal/forward"
	"github.com/fabian4/hostgate/internal/model"
	"github.com/fabian4/hostgate/internal/render"
	"github.com/fabian4/hostgate/internal/stream"
)

// Renderer produces the HTML bodies embedded in error and listing responses.
type Renderer interface {
	ErrorPage(status int, path, reason string) []byte
	DirectoryListing(dirPath, urlPath string, entries []render.Entry) []byte
}

// Actions reported in an Outcome.
const (
	ActionForward     = "forward"
	ActionStatic      = "static"
	ActionNotFound    = "not_found"
	ActionRateLimited = "rate_limited"
)

// Outcome tells the listener what was done with a request so it can be logged.
// Target is the upstream URL or the file path served. Err is nil on success.
type Outcome struct {
	Action string
	Target string
	Err    error
}

type Options struct {
	Pool     *forward.Pool
	Tracker  stream.MemoryTracker
	Stream   stream.Config
	Renderer Renderer
	Logger   *slog.Logger
}

type Dispatcher struct {
	pool     *forward.Pool
	tracker  stream.MemoryTracker
	stream   stream.Config
	renderer Renderer
	logger   *slog.Logger
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		pool:     opts.Pool,
		tracker:  opts.Tracker,
		stream:   opts.Stream,
		renderer: opts.Renderer,
		logger:   opts.Logger,
	}
	if d.pool == nil {
		d.pool = forward.NewPool(forward.DefaultOptions())
	}
	if d.tracker == nil {
		d.tracker = stream.NewBudget(0)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.renderer == nil {
		d.renderer = render.New(d.logger)
	}
	return d
}

// Fail writes the rendered error response for e.
func (d *Dispatcher) Fail(w http.ResponseWriter, r *http.Request, e *Error) {
	status := e.Kind.Status()
	body := d.renderer.ErrorPage(status, r.URL.Path, e.Kind.reason())
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// NotFound answers a request no route matched.
func (d *Dispatcher) NotFound(w http.ResponseWriter, r *http.Request) Outcome {
	e := &Error{Kind: RouteNotFound, Err: fmt.Errorf("no route for host %q", r.Host)}
	d.Fail(w, r, e)
	return Outcome{Action: ActionNotFound, Err: e}
}

// TargetURL resolves a route target. A bare "host:port" is reached over plain
// HTTP; a target carrying a scheme is used as is.
func TargetURL(target string) (*url.URL, error) {
	raw := target
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", target, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("target %q has no host", target)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("target %q: unsupported scheme %q", target, u.Scheme)
	}
	return u, nil
}

// Forward proxies r to the route target under policy and streams the upstream
// response back unchanged.
func (d *Dispatcher) Forward(w http.ResponseWriter, r *http.Request, route model.Route, policy model.TrafficPolicy) Outcome {
	out := Outcome{Action: ActionForward}
	fail := func(k Kind, err error) Outcome {
		e := &Error{Kind: k, Route: route.Source, Err: err}
		d.Fail(w, r, e)
		out.Err = e
		return out
	}

	base, err := TargetURL(route.Target)
	if err != nil {
		d.logger.Error("invalid route target", "host", route.Source, "error", err)
		return fail(UpstreamTransportError, err)
	}

	// upstream URL = base + path
	u := new(url.URL)
	*u = *base
	u.Path = upstreamPath(base.Path, r.URL.Path)
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""
	out.Target = u.String()

	up := policy.Upstream
	if up.MaxBodyBytes > 0 && r.ContentLength > up.MaxBodyBytes {
		return fail(RequestTooLarge, fmt.Errorf("content length %d exceeds %d", r.ContentLength, up.MaxBodyBytes))
	}

	hdr := r.Header.Clone()
	if hdr == nil {
		hdr = make(http.Header)
	}
	stripHopHeaders(hdr, true)
	setForwarded(hdr, r)

	ctx := r.Context()
	if up.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, up.RequestTimeout)
		defer cancel()
	}

	var body io.Reader = http.NoBody
	if r.Body != nil && r.ContentLength != 0 {
		body = r.Body
		if up.MaxBodyBytes > 0 {
			body = http.MaxBytesReader(w, r.Body, up.MaxBodyBytes)
		}
	}
	reqUp, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return fail(UpstreamTransportError, err)
	}
	reqUp.Header = hdr
	if body != http.NoBody {
		reqUp.ContentLength = r.ContentLength
	}
	if up.PreserveHost {
		reqUp.Host = r.Host
	} else {
		reqUp.Host = base.Host
	}

	resUp, err := d.pool.Get(policy).Do(reqUp)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return fail(RequestTooLarge, err)
		case isTimeout(ctx, err):
			d.logger.Warn("upstream timeout", "host", route.Source, "target", out.Target, "timeout", up.RequestTimeout)
			return fail(UpstreamTimeout, err)
		}
		d.logger.Warn("upstream request failed", "host", route.Source, "target", out.Target, "error", err)
		return fail(UpstreamTransportError, err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			d.logger.Debug("close upstream body", "error", err)
		}
	}(resUp.Body)

	stripHopHeaders(resUp.Header, false)
	replaceHeaders(w.Header(), resUp.Header)

	// Announce trailers if any
	if len(resUp.Trailer) > 0 {
		trailerKeys := make([]string, 0, len(resUp.Trailer))
		for k := range resUp.Trailer {
			trailerKeys = append(trailerKeys, k)
		}
		w.Header().Set("Trailer", strings.Join(trailerKeys, ","))
	}

	w.WriteHeader(resUp.StatusCode)
	flush(w)

	if _, err := copyBody(w, resUp.Body, resUp.ContentLength < 0); err != nil {
		// status is already on the wire
		d.logger.Debug("upstream body copy aborted", "host", route.Source, "target", out.Target, "error", err)
		out.Err = err
	}

	// Copy trailer values
	for k, vv := range resUp.Trailer {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	return out
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// copyBody streams src into w. Bodies of unknown length are flushed after
// every chunk so event streams are not held back.
func copyBody(w http.ResponseWriter, src io.Reader, flushEach bool) (int64, error) {
	if !flushEach {
		return io.Copy(w, src)
	}
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			total += int64(m)
			if werr != nil {
				return total, werr
			}
			flush(w)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

package certs

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fabian4/hostgate/internal/model"
	"github.com/fabian4/hostgate/internal/router"
)

// Resolver publishes the current Bundle. A handshake picks up the bundle that
// is current when its ClientHello arrives and keeps it until it completes, so
// a rebuild never disturbs handshakes already in flight.
type Resolver struct {
	routes func() []model.Route
	opts   Options
	logger *slog.Logger

	current atomic.Pointer[Bundle]

	// buildMu serializes rebuilds; readers never take it.
	buildMu   sync.Mutex
	hooksMu   sync.RWMutex
	onRebuild []func(*Bundle, error)
}

// NewResolver starts with an empty bundle. routes supplies the https and
// secure_iws routes on every rebuild.
func NewResolver(routes func() []model.Route, opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{routes: routes, opts: opts, logger: logger}
	empty, _ := Build(nil, opts)
	r.current.Store(empty)
	return r
}

// OnRebuild registers fn to run after every rebuild with the published bundle.
func (r *Resolver) OnRebuild(fn func(*Bundle, error)) {
	r.hooksMu.Lock()
	r.onRebuild = append(r.onRebuild, fn)
	r.hooksMu.Unlock()
}

// Rebuild loads every certificate again and publishes the result. Domains that
// fail are logged and left out; the rest are served. The returned error is the
// *BuildError, if any.
func (r *Resolver) Rebuild() error {
	r.buildMu.Lock()
	b, err := Build(r.routes(), r.opts)
	r.current.Store(b)
	r.buildMu.Unlock()

	var be *BuildError
	if errors.As(err, &be) {
		for _, f := range be.Failures {
			r.logger.Error("certificate load failed", "host", f.Host, "error", f.Err)
		}
	}
	r.logger.Info("tls certificates rebuilt", "hosts", b.Len(), "failed", failedCount(be))

	r.hooksMu.RLock()
	hooks := r.onRebuild
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(b, err)
	}
	return err
}

func failedCount(be *BuildError) int {
	if be == nil {
		return 0
	}
	return len(be.Failures)
}

// Current is the published bundle.
func (r *Resolver) Current() *Bundle { return r.current.Load() }

// GetConfigForClient is a tls.Config hook returning the current bundle config.
func (r *Resolver) GetConfigForClient(*tls.ClientHelloInfo) (*tls.Config, error) {
	return r.current.Load().Config(), nil
}

// ServerConfig is the config to hand to a TLS listener.
func (r *Resolver) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		NextProtos:         r.opts.NextProtos,
		GetConfigForClient: r.GetConfigForClient,
	}
}

// RouteChanged rebuilds when a secure route was touched or the table was reloaded.
func (r *Resolver) RouteChanged(c router.Change) {
	if c.Op != router.OpLoad && !c.Protocol.Secure() {
		return
	}
	_ = r.Rebuild()
}

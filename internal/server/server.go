// Package server runs the plain and TLS listeners of the gateway.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/http2"

	"github.com/fabian4/hostgate/internal/admission"
	"github.com/fabian4/hostgate/internal/certs"
	"github.com/fabian4/hostgate/internal/metrics"
	"github.com/fabian4/hostgate/internal/model"
)

// Config describes one listener.
type Config struct {
	Addr  string
	HTTP1 model.HTTP1Settings
	HTTP2 model.HTTP2Settings
	// TLS selects certificates by SNI; nil runs a plain listener.
	TLS *certs.Resolver
}

// Server accepts connections, admits them through the connection manager
// before any byte is read, and serves them with its handler.
type Server struct {
	name    string
	cfg     Config
	conns   *admission.Manager
	metrics *metrics.Registry
	logger  *slog.Logger
	srv     *http.Server

	mu sync.Mutex
	ln net.Listener
}

func New(cfg Config, h http.Handler, conns *admission.Manager, m *metrics.Registry, logger *slog.Logger) (*Server, error) {
	name := string(model.ProtoHTTP)
	if cfg.TLS != nil {
		name = string(model.ProtoHTTPS)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("listener", name)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h,
		ReadTimeout:       cfg.HTTP1.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP1.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP1.WriteTimeout,
		IdleTimeout:       cfg.HTTP1.IdleTimeout,
		// handshake failures and malformed requests end up here
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	srv.SetKeepAlivesEnabled(cfg.HTTP1.KeepAlive)

	if cfg.TLS != nil && cfg.HTTP2.Enabled {
		h2 := &http2.Server{
			MaxConcurrentStreams: cfg.HTTP2.MaxConcurrentStreams,
			IdleTimeout:          cfg.HTTP2.IdleTimeout,
			ReadIdleTimeout:      cfg.HTTP2.ReadIdleTimeout,
			PingTimeout:          cfg.HTTP2.PingTimeout,
		}
		if err := http2.ConfigureServer(srv, h2); err != nil {
			return nil, fmt.Errorf("configure http2: %w", err)
		}
	}

	return &Server{name: name, cfg: cfg, conns: conns, metrics: m, logger: logger, srv: srv}, nil
}

// Listen binds the address. It is separate from Serve so callers learn the
// bound address before serving starts.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", s.name, s.cfg.Addr, err)
	}
	var onReject func()
	if s.metrics != nil {
		onReject = func() { s.metrics.IncAdmissionRejected(s.name) }
	}
	var wrapped net.Listener = admission.NewListener(ln, s.conns, s.logger, onReject)
	if s.cfg.TLS != nil {
		wrapped = tls.NewListener(wrapped, s.cfg.TLS.ServerConfig())
	}
	s.mu.Lock()
	s.ln = wrapped
	s.mu.Unlock()
	return nil
}

// NextProtos is the ALPN list the certificate resolver must be built with.
// The handshake runs on the bundle config, so it decides what gets negotiated.
func NextProtos(http2Enabled bool) []string {
	if http2Enabled {
		return []string{"h2", "http/1.1"}
	}
	return []string{"http/1.1"}
}

// Addr is the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve blocks until Shutdown. It listens first when Listen was not called.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		return s.Serve()
	}
	s.logger.Info("listening", "addr", ln.Addr().String())
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s serve: %w", s.name, err)
	}
	return nil
}

// Shutdown stops accepting and waits for in-flight requests until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

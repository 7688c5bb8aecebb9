package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fabian4/hostgate/internal/admin"
	"github.com/fabian4/hostgate/internal/admission"
	"github.com/fabian4/hostgate/internal/certs"
	"github.com/fabian4/hostgate/internal/config"
	"github.com/fabian4/hostgate/internal/dispatch"
	"github.com/fabian4/hostgate/internal/forward"
	"github.com/fabian4/hostgate/internal/janitor"
	"github.com/fabian4/hostgate/internal/logging"
	"github.com/fabian4/hostgate/internal/metrics"
	"github.com/fabian4/hostgate/internal/model"
	"github.com/fabian4/hostgate/internal/ratelimit"
	"github.com/fabian4/hostgate/internal/render"
	"github.com/fabian4/hostgate/internal/router"
	"github.com/fabian4/hostgate/internal/server"
	"github.com/fabian4/hostgate/internal/store"
	"github.com/fabian4/hostgate/internal/stream"
	"github.com/fabian4/hostgate/internal/version"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "./cmd/config.yaml", "path to YAML config")
	flag.Parse()

	c, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := logging.New(logging.Config{Level: c.Log.Level, Format: c.Log.Format})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, c, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *config.Config, logger *slog.Logger) error {
	rt := router.New()

	// routes: the store wins over config seeds once it holds anything
	routes := c.Routes
	var st *store.SQLite
	if c.StorePath != "" {
		var err error
		if st, err = store.Open(c.StorePath, logger); err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		n, err := st.Count(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := st.Replace(ctx, c.Routes); err != nil {
				return err
			}
			logger.Info("route store seeded from config", "path", c.StorePath, "routes", len(c.Routes))
		} else {
			routes, err = st.Load(ctx)
			if err != nil {
				logger.Warn("skipped unreadable stored routes", "error", err)
			}
		}
	}
	if err := rt.Load(routes); err != nil {
		logger.Warn("skipped invalid routes", "error", err)
	}

	resolver := certs.NewResolver(rt.SecureRoutes, certs.Options{NextProtos: server.NextProtos(c.Policy.HTTP2.Enabled)}, logger)
	conns := admission.New(admission.Config{
		MaxConnections:       c.Limits.MaxConnections,
		MaxRequestsPerMinute: c.Limits.MaxRequestsPerMinute,
		Window:               c.Limits.RateLimitWindow,
	})
	limiter := ratelimit.NewLimiter()
	budget := stream.NewBudget(c.MemoryBudget)

	poolOpts := forward.DefaultOptions()
	poolOpts.DialTimeout = c.Policy.Upstream.DialTimeout
	poolOpts.IdleConnTimeout = c.Policy.Upstream.PoolIdleTimeout
	poolOpts.MaxIdleConnsPerHost = c.Policy.Upstream.MaxIdleConnsPerHost
	poolOpts.HTTP2 = c.Policy.HTTP2.Enabled
	poolOpts.ReadIdleTimeout = c.Policy.HTTP2.ReadIdleTimeout
	poolOpts.PingTimeout = c.Policy.HTTP2.PingTimeout
	pool := forward.NewPool(poolOpts)
	defer pool.CloseIdle()

	m := metrics.NewRegistry(metrics.Source{
		ActiveConnections: conns.ActiveConnections,
		RouteCounts:       func() map[string]int { return countsByName(rt.Counts()) },
		TrackedBytes:      budget.Used,
		PooledClients:     pool.Len,
		TLSHosts:          func() int { return resolver.Current().Len() },
		RateLimitedIPs:    conns.TrackedIPs,
	})
	resolver.OnRebuild(func(_ *certs.Bundle, err error) { m.IncTLSRebuild(err != nil) })

	if err := resolver.Rebuild(); err != nil && c.TLS.RequireAll {
		return fmt.Errorf("tls.require_all: %w", err)
	}
	rt.Observe(resolver)
	if st != nil {
		rt.Observe(st)
	}
	rt.Observe(server.LimiterObserver(limiter))

	if c.TLS.Watch && c.Listeners.HTTPS != "" {
		w, err := certs.NewWatcher(resolver, c.TLS.Debounce, logger)
		if err != nil {
			return err
		}
		defer func() { _ = w.Close() }()
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("certificate watcher stopped", "error", err)
			}
		}()
	}

	accessOut, closeAccess, err := openAccessLog(c.AccessLog.Path)
	if err != nil {
		return err
	}
	defer closeAccess()

	deps := server.Deps{
		Routes:  rt,
		Conns:   conns,
		Limiter: limiter,
		Dispatcher: dispatch.New(dispatch.Options{
			Pool:     pool,
			Tracker:  budget,
			Stream:   c.Stream,
			Renderer: render.New(logger),
			Logger:   logger,
		}),
		Policy:           c.Policy,
		EnforceRateLimit: c.Limits.EnforceRateLimit,
		Access:           server.NewAccessLogger(accessOut, c.AccessLog.Sampling, logger),
		Metrics:          m,
		Logger:           logger,
	}

	var servers []*server.Server
	listeners := []struct {
		addr   string
		secure bool
	}{
		{c.Listeners.HTTP, false},
		{c.Listeners.HTTPS, true},
	}
	for _, l := range listeners {
		if l.addr == "" {
			continue
		}
		sc := server.Config{Addr: l.addr, HTTP1: c.Policy.HTTP1, HTTP2: c.Policy.HTTP2}
		if l.secure {
			sc.TLS = resolver
		}
		srv, err := server.New(sc, server.NewHandler(l.secure, deps), conns, m, logger)
		if err != nil {
			return err
		}
		if err := srv.Listen(); err != nil {
			return err
		}
		servers = append(servers, srv)
	}

	errCh := make(chan error, len(servers)+1)
	for _, srv := range servers {
		go func() { errCh <- srv.Serve() }()
	}

	var adminSrv *http.Server
	if c.Admin.Address != "" {
		api := admin.New(admin.Options{
			Routes: rt,
			Stats: func() admin.Stats {
				return admin.Stats{
					ActiveConnections:  conns.ActiveConnections(),
					MaxConnections:     conns.MaxConnections(),
					TotalRequests:      conns.TotalRequests(),
					RequestsPerSecond:  conns.RequestsPerSecond(),
					RateLimitedIPs:     conns.TrackedIPs(),
					StreamTrackedBytes: budget.Used(),
					UpstreamClients:    pool.Len(),
					TLSHosts:           resolver.Current().Hosts(),
				}
			},
			Metrics: m.Handler(),
			Token:   c.Admin.Token,
			Logger:  logger,
		})
		adminSrv = &http.Server{
			Addr:              c.Admin.Address,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		}
		go func() {
			logger.Info("admin listening", "addr", c.Admin.Address)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin: %w", err)
			}
		}()
	}

	jan := janitor.New(c.Limits.PruneSchedule, logger,
		janitor.Task{Name: "rate_limit_ips", Prune: conns.PruneRateLimits},
		janitor.Task{Name: "route_limiters", Prune: func() int { return limiter.Prune(c.Limits.LimiterIdle) }},
	)
	if err := jan.Start(ctx); err != nil {
		return err
	}
	defer jan.Stop()

	counts := rt.Counts()
	logger.Info("hostgate started",
		"version", version.Value,
		"http", c.Listeners.HTTP,
		"https", c.Listeners.HTTPS,
		"routes_http", counts[model.ProtoHTTP],
		"routes_https", counts[model.ProtoHTTPS],
		"routes_iws", counts[model.ProtoIWS],
		"routes_secure_iws", counts[model.ProtoSecureIWS],
		"tls_hosts", resolver.Current().Len(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("listener shutdown", "error", err)
		}
	}
	if adminSrv != nil {
		_ = adminSrv.Shutdown(shutdownCtx)
	}
	return runErr
}

func openAccessLog(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open access log: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func countsByName(c map[model.Protocol]int) map[string]int {
	out := make(map[string]int, len(c))
	for p, n := range c {
		out[string(p)] = n
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/fabian4/hostgate/internal/logging"
	"github.com/fabian4/hostgate/internal/model"
	"github.com/fabian4/hostgate/internal/stream"
)

type rawConfig struct {
	Listeners struct {
		HTTP  *string `yaml:"http"`
		HTTPS *string `yaml:"https"`
	} `yaml:"listeners"`
	Admin struct {
		Address string `yaml:"address"`
		Token   string `yaml:"token"`
	} `yaml:"admin"`
	Limits struct {
		MaxConnections       *int64 `yaml:"max_connections"`
		MaxRequestsPerMinute *int   `yaml:"max_requests_per_minute"`
		RateLimitWindow      string `yaml:"rate_limit_window"`
		EnforceRateLimit     *bool  `yaml:"enforce_rate_limit"`
		PruneSchedule        string `yaml:"prune_schedule"`
		LimiterIdle          string `yaml:"limiter_idle"`
	} `yaml:"limits"`
	Memory struct {
		BudgetBytes *int64 `yaml:"budget_bytes"`
	} `yaml:"memory"`
	Stream struct {
		InitialBuffer int `yaml:"initial_buffer"`
		MinBuffer     int `yaml:"min_buffer"`
		MaxBuffer     int `yaml:"max_buffer"`
	} `yaml:"stream"`
	Policy struct {
		HTTP1 struct {
			ReadTimeout       string `yaml:"read_timeout"`
			ReadHeaderTimeout string `yaml:"read_header_timeout"`
			WriteTimeout      string `yaml:"write_timeout"`
			IdleTimeout       string `yaml:"idle_timeout"`
			KeepAlive         *bool  `yaml:"keep_alive"`
		} `yaml:"http1"`
		HTTP2 struct {
			Enabled              *bool  `yaml:"enabled"`
			MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams"`
			IdleTimeout          string `yaml:"idle_timeout"`
			ReadIdleTimeout      string `yaml:"read_idle_timeout"`
			PingTimeout          string `yaml:"ping_timeout"`
		} `yaml:"http2"`
		Upstream struct {
			RequestTimeout      string `yaml:"request_timeout"`
			DialTimeout         string `yaml:"dial_timeout"`
			PoolIdleTimeout     string `yaml:"pool_idle_timeout"`
			MaxIdleConnsPerHost int    `yaml:"max_idle_conns_per_host"`
			MaxBodyBytes        int64  `yaml:"max_body_bytes"`
			PreserveHost        bool   `yaml:"preserve_host"`
		} `yaml:"upstream"`
	} `yaml:"policy"`
	TLS struct {
		Watch      *bool  `yaml:"watch"`
		Debounce   string `yaml:"debounce"`
		RequireAll bool   `yaml:"require_all"`
	} `yaml:"tls"`
	Store struct {
		Path *string `yaml:"path"`
	} `yaml:"store"`
	AccessLog struct {
		Path     string   `yaml:"path"`
		Sampling *float64 `yaml:"sampling"`
	} `yaml:"access_log"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Routes []model.Descriptor `yaml:"routes"`
}

type Config struct {
	Listeners Listeners
	Admin     Admin
	Limits    Limits
	// MemoryBudget caps the bytes held by stream buffers across all requests.
	MemoryBudget int64
	Stream       stream.Config
	Policy       model.TrafficPolicy
	TLS          TLS
	// StorePath is the SQLite route store; empty keeps routes in memory only.
	StorePath string
	AccessLog AccessLog
	Log       Log
	// Routes seed the table when the store is empty.
	Routes []model.Route
}

// Listeners are bind addresses; an empty one is not started.
type Listeners struct {
	HTTP  string
	HTTPS string
}

type Admin struct {
	Address string
	Token   string
}

type Limits struct {
	MaxConnections       int64
	MaxRequestsPerMinute int
	RateLimitWindow      time.Duration
	EnforceRateLimit     bool
	PruneSchedule        string
	// LimiterIdle is how long an unused route token bucket survives a prune.
	LimiterIdle time.Duration
}

type TLS struct {
	Watch      bool
	Debounce   time.Duration
	RequireAll bool
}

type AccessLog struct {
	Path     string // empty = stdout
	Sampling float64
}

type Log struct {
	Level  string
	Format string
}

// Default is the configuration of an empty file.
func Default() *Config {
	return &Config{
		Listeners: Listeners{HTTP: ":8080", HTTPS: ":8443"},
		Limits: Limits{
			MaxConnections:       10000,
			MaxRequestsPerMinute: 600,
			RateLimitWindow:      time.Minute,
			EnforceRateLimit:     true,
			PruneSchedule:        "@every 1m",
			LimiterIdle:          10 * time.Minute,
		},
		MemoryBudget: 256 << 20,
		Stream:       stream.DefaultConfig(),
		Policy: model.TrafficPolicy{
			HTTP1: model.HTTP1Settings{
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       120 * time.Second,
				KeepAlive:         true,
			},
			HTTP2: model.HTTP2Settings{
				Enabled:              true,
				MaxConcurrentStreams: 250,
				IdleTimeout:          120 * time.Second,
				ReadIdleTimeout:      30 * time.Second,
				PingTimeout:          15 * time.Second,
			},
			Upstream: model.UpstreamSettings{
				RequestTimeout:      30 * time.Second,
				DialTimeout:         5 * time.Second,
				PoolIdleTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 128,
			},
		},
		TLS:       TLS{Watch: true, Debounce: 200 * time.Millisecond},
		StorePath: "./routes.db",
		AccessLog: AccessLog{Sampling: 1},
		Log:       Log{Level: "info", Format: "json"},
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML, applies defaults for omitted fields and validates the result.
func Parse(b []byte) (*Config, error) {
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	cfg := Default()

	// listeners
	if rc.Listeners.HTTP != nil {
		cfg.Listeners.HTTP = strings.TrimSpace(*rc.Listeners.HTTP)
	}
	if rc.Listeners.HTTPS != nil {
		cfg.Listeners.HTTPS = strings.TrimSpace(*rc.Listeners.HTTPS)
	}
	if cfg.Listeners.HTTP == "" && cfg.Listeners.HTTPS == "" {
		return nil, fmt.Errorf("listeners: at least one of http, https is required")
	}
	cfg.Admin = Admin{Address: strings.TrimSpace(rc.Admin.Address), Token: rc.Admin.Token}

	// durations
	p := &cfg.Policy
	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"limits.rate_limit_window", rc.Limits.RateLimitWindow, &cfg.Limits.RateLimitWindow},
		{"limits.limiter_idle", rc.Limits.LimiterIdle, &cfg.Limits.LimiterIdle},
		{"policy.http1.read_timeout", rc.Policy.HTTP1.ReadTimeout, &p.HTTP1.ReadTimeout},
		{"policy.http1.read_header_timeout", rc.Policy.HTTP1.ReadHeaderTimeout, &p.HTTP1.ReadHeaderTimeout},
		{"policy.http1.write_timeout", rc.Policy.HTTP1.WriteTimeout, &p.HTTP1.WriteTimeout},
		{"policy.http1.idle_timeout", rc.Policy.HTTP1.IdleTimeout, &p.HTTP1.IdleTimeout},
		{"policy.http2.idle_timeout", rc.Policy.HTTP2.IdleTimeout, &p.HTTP2.IdleTimeout},
		{"policy.http2.read_idle_timeout", rc.Policy.HTTP2.ReadIdleTimeout, &p.HTTP2.ReadIdleTimeout},
		{"policy.http2.ping_timeout", rc.Policy.HTTP2.PingTimeout, &p.HTTP2.PingTimeout},
		{"policy.upstream.request_timeout", rc.Policy.Upstream.RequestTimeout, &p.Upstream.RequestTimeout},
		{"policy.upstream.dial_timeout", rc.Policy.Upstream.DialTimeout, &p.Upstream.DialTimeout},
		{"policy.upstream.pool_idle_timeout", rc.Policy.Upstream.PoolIdleTimeout, &p.Upstream.PoolIdleTimeout},
		{"tls.debounce", rc.TLS.Debounce, &cfg.TLS.Debounce},
	}
	for _, f := range durations {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(f.raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %v", f.field, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("%s: must not be negative", f.field)
		}
		*f.dst = d
	}
	if cfg.Limits.RateLimitWindow == 0 {
		return nil, fmt.Errorf("limits.rate_limit_window: must be positive")
	}

	// limits
	if v := rc.Limits.MaxConnections; v != nil {
		if *v < 0 {
			return nil, fmt.Errorf("limits.max_connections: must not be negative")
		}
		cfg.Limits.MaxConnections = *v
	}
	if v := rc.Limits.MaxRequestsPerMinute; v != nil {
		if *v < 0 {
			return nil, fmt.Errorf("limits.max_requests_per_minute: must not be negative")
		}
		cfg.Limits.MaxRequestsPerMinute = *v
	}
	if v := rc.Limits.EnforceRateLimit; v != nil {
		cfg.Limits.EnforceRateLimit = *v
	}
	if s := strings.TrimSpace(rc.Limits.PruneSchedule); s != "" {
		cfg.Limits.PruneSchedule = s
	}
	if _, err := cron.ParseStandard(cfg.Limits.PruneSchedule); err != nil {
		return nil, fmt.Errorf("limits.prune_schedule: %v", err)
	}

	// memory and stream buffers
	if v := rc.Memory.BudgetBytes; v != nil {
		if *v <= 0 {
			return nil, fmt.Errorf("memory.budget_bytes: must be positive")
		}
		cfg.MemoryBudget = *v
	}
	sizes := []struct {
		field string
		raw   int
		dst   *int
	}{
		{"stream.initial_buffer", rc.Stream.InitialBuffer, &cfg.Stream.Initial},
		{"stream.min_buffer", rc.Stream.MinBuffer, &cfg.Stream.Min},
		{"stream.max_buffer", rc.Stream.MaxBuffer, &cfg.Stream.Max},
	}
	for _, s := range sizes {
		if s.raw < 0 {
			return nil, fmt.Errorf("%s: must not be negative", s.field)
		}
		if s.raw > 0 {
			*s.dst = s.raw
		}
	}
	if sc := cfg.Stream; sc.Min > sc.Max || sc.Initial < sc.Min || sc.Initial > sc.Max {
		return nil, fmt.Errorf("stream: want min_buffer <= initial_buffer <= max_buffer, got %d/%d/%d", sc.Min, sc.Initial, sc.Max)
	}
	if int64(cfg.Stream.Max) > cfg.MemoryBudget {
		return nil, fmt.Errorf("stream.max_buffer: exceeds memory.budget_bytes")
	}

	// policy
	if v := rc.Policy.HTTP1.KeepAlive; v != nil {
		p.HTTP1.KeepAlive = *v
	}
	if v := rc.Policy.HTTP2.Enabled; v != nil {
		p.HTTP2.Enabled = *v
	}
	if v := rc.Policy.HTTP2.MaxConcurrentStreams; v != 0 {
		p.HTTP2.MaxConcurrentStreams = v
	}
	up := rc.Policy.Upstream
	if up.MaxIdleConnsPerHost < 0 {
		return nil, fmt.Errorf("policy.upstream.max_idle_conns_per_host: must not be negative")
	}
	if up.MaxIdleConnsPerHost > 0 {
		p.Upstream.MaxIdleConnsPerHost = up.MaxIdleConnsPerHost
	}
	if up.MaxBodyBytes < 0 {
		return nil, fmt.Errorf("policy.upstream.max_body_bytes: must not be negative")
	}
	p.Upstream.MaxBodyBytes = up.MaxBodyBytes
	p.Upstream.PreserveHost = up.PreserveHost

	// tls, store, logs
	if v := rc.TLS.Watch; v != nil {
		cfg.TLS.Watch = *v
	}
	cfg.TLS.RequireAll = rc.TLS.RequireAll
	if v := rc.Store.Path; v != nil {
		cfg.StorePath = strings.TrimSpace(*v)
	}
	cfg.AccessLog.Path = strings.TrimSpace(rc.AccessLog.Path)
	if v := rc.AccessLog.Sampling; v != nil {
		if *v < 0 || *v > 1 {
			return nil, fmt.Errorf("access_log.sampling: must be within [0, 1]")
		}
		cfg.AccessLog.Sampling = *v
	}
	if s := strings.TrimSpace(rc.Log.Level); s != "" {
		cfg.Log.Level = strings.ToLower(s)
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return nil, fmt.Errorf("log.level: %v", err)
	}
	if s := strings.TrimSpace(rc.Log.Format); s != "" {
		cfg.Log.Format = strings.ToLower(s)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}

	// routes
	seen := make(map[string]int)
	for i, d := range rc.Routes {
		r, err := d.Route()
		if err != nil {
			return nil, fmt.Errorf("routes[%d]: %v", i, err)
		}
		key := string(r.Protocol) + "/" + r.Source
		if j, dup := seen[key]; dup {
			return nil, fmt.Errorf("routes[%d]: duplicate %s route %q (see routes[%d])", i, r.Protocol, r.Source, j)
		}
		seen[key] = i
		cfg.Routes = append(cfg.Routes, r)
	}

	return cfg, nil
}

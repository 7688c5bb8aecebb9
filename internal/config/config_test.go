package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fabian4/hostgate/internal/model"
)

func writeTmp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	fp := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(fp, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return fp
}

func TestLoad_EmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeTmp(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Default()
	if cfg.Listeners != def.Listeners {
		t.Fatalf("listeners: got %+v, want %+v", cfg.Listeners, def.Listeners)
	}
	if cfg.Limits != def.Limits {
		t.Fatalf("limits: got %+v, want %+v", cfg.Limits, def.Limits)
	}
	if cfg.Policy.Upstream.RequestTimeout != 30*time.Second || !cfg.Policy.HTTP2.Enabled || !cfg.Policy.HTTP1.KeepAlive {
		t.Fatalf("policy defaults unexpected: %+v", cfg.Policy)
	}
	if cfg.Stream != def.Stream || cfg.MemoryBudget != 256<<20 {
		t.Fatalf("stream defaults unexpected: %+v %d", cfg.Stream, cfg.MemoryBudget)
	}
	if !cfg.TLS.Watch || cfg.AccessLog.Sampling != 1 || cfg.StorePath != "./routes.db" {
		t.Fatalf("defaults unexpected: %+v", cfg)
	}
	if len(cfg.Routes) != 0 {
		t.Fatalf("routes: got %d, want 0", len(cfg.Routes))
	}
}

func TestLoad_Full(t *testing.T) {
	yml := `
listeners:
  http: ":9080"
  https: ""
admin:
  address: "127.0.0.1:9999"
  token: "abc"
limits:
  max_connections: 50
  max_requests_per_minute: 0
  rate_limit_window: 10s
  enforce_rate_limit: false
  prune_schedule: "*/5 * * * *"
memory:
  budget_bytes: 1048576
stream:
  initial_buffer: 8192
  min_buffer: 1024
  max_buffer: 65536
policy:
  http1:
    read_timeout: 5s
    keep_alive: false
  http2:
    enabled: false
  upstream:
    request_timeout: 3s
    max_idle_conns_per_host: 4
    max_body_bytes: 1024
    preserve_host: true
tls:
  watch: false
  debounce: 1s
  require_all: true
store:
  path: ""
access_log:
  path: /tmp/access.log
  sampling: 0.25
log:
  level: DEBUG
  format: text
routes:
  - protocol: http
    source: app.example.com
    target: 127.0.0.1:9001
  - protocol: iws
    source: static.example.com
    serving_path: /srv/www
    policy:
      write_timeout: 1m
`
	cfg, err := Load(writeTmp(t, yml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listeners.HTTP != ":9080" || cfg.Listeners.HTTPS != "" {
		t.Fatalf("listeners: got %+v", cfg.Listeners)
	}
	if cfg.Admin.Address != "127.0.0.1:9999" || cfg.Admin.Token != "abc" {
		t.Fatalf("admin: got %+v", cfg.Admin)
	}
	want := Limits{MaxConnections: 50, RateLimitWindow: 10 * time.Second, PruneSchedule: "*/5 * * * *", LimiterIdle: 10 * time.Minute}
	if cfg.Limits != want {
		t.Fatalf("limits: got %+v, want %+v", cfg.Limits, want)
	}
	if cfg.MemoryBudget != 1<<20 || cfg.Stream.Initial != 8192 || cfg.Stream.Min != 1024 || cfg.Stream.Max != 65536 {
		t.Fatalf("buffers: got %d %+v", cfg.MemoryBudget, cfg.Stream)
	}
	p := cfg.Policy
	if p.HTTP1.ReadTimeout != 5*time.Second || p.HTTP1.KeepAlive || p.HTTP2.Enabled {
		t.Fatalf("policy http: got %+v %+v", p.HTTP1, p.HTTP2)
	}
	// omitted fields keep their defaults
	if p.HTTP1.ReadHeaderTimeout != 10*time.Second || p.Upstream.DialTimeout != 5*time.Second {
		t.Fatalf("policy defaults lost: %+v", p)
	}
	if p.Upstream.RequestTimeout != 3*time.Second || p.Upstream.MaxIdleConnsPerHost != 4 || p.Upstream.MaxBodyBytes != 1024 || !p.Upstream.PreserveHost {
		t.Fatalf("policy upstream: got %+v", p.Upstream)
	}
	if cfg.TLS != (TLS{Debounce: time.Second, RequireAll: true}) {
		t.Fatalf("tls: got %+v", cfg.TLS)
	}
	if cfg.StorePath != "" || cfg.AccessLog.Path != "/tmp/access.log" || cfg.AccessLog.Sampling != 0.25 {
		t.Fatalf("store/access: got %q %+v", cfg.StorePath, cfg.AccessLog)
	}
	if cfg.Log != (Log{Level: "debug", Format: "text"}) {
		t.Fatalf("log: got %+v", cfg.Log)
	}

	if len(cfg.Routes) != 2 {
		t.Fatalf("routes len: got %d, want 2", len(cfg.Routes))
	}
	if r := cfg.Routes[0]; r.Protocol != model.ProtoHTTP || r.Target != "127.0.0.1:9001" || r.Policy != nil {
		t.Fatalf("routes[0]: got %+v", r)
	}
	r := cfg.Routes[1]
	if r.Protocol != model.ProtoIWS || r.ServingPath != "/srv/www" || r.Policy == nil || r.Policy.HTTP1.WriteTimeout != time.Minute {
		t.Fatalf("routes[1]: got %+v", r)
	}
}

func TestLoad_Errors(t *testing.T) {
	cases := []struct {
		name string
		yml  string
		want string
	}{
		{"no listeners", "listeners: {http: \"\", https: \"\"}", "listeners"},
		{"bad duration", "policy: {upstream: {request_timeout: soon}}", "policy.upstream.request_timeout"},
		{"negative duration", "policy: {http1: {idle_timeout: -1s}}", "policy.http1.idle_timeout"},
		{"zero window", "limits: {rate_limit_window: 0s}", "limits.rate_limit_window"},
		{"negative connections", "limits: {max_connections: -1}", "limits.max_connections"},
		{"bad schedule", "limits: {prune_schedule: \"every minute\"}", "limits.prune_schedule"},
		{"zero budget", "memory: {budget_bytes: 0}", "memory.budget_bytes"},
		{"buffer order", "stream: {min_buffer: 65536, max_buffer: 1024}", "stream"},
		{"buffer over budget", "memory: {budget_bytes: 1024}", "stream.max_buffer"},
		{"sampling range", "access_log: {sampling: 2}", "access_log.sampling"},
		{"log level", "log: {level: loud}", "log.level"},
		{"log format", "log: {format: xml}", "log.format"},
		{"route protocol", "routes: [{protocol: ftp, source: a, target: b}]", "routes[0]"},
		{"route missing target", "routes: [{protocol: http, source: a}]", "routes[0]"},
		{"https needs ssl", "routes: [{protocol: https, source: a, target: b}]", "routes[0]"},
		{"route policy", "routes: [{protocol: http, source: a, target: b, policy: {request_timeout: x}}]", "request_timeout"},
		{"duplicate route", "routes: [{protocol: http, source: a, target: b}, {protocol: http, source: a, target: c}]", "routes[1]: duplicate"},
		{"yaml", "listeners: [", "yaml"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yml))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error: got %q, want it to contain %q", err, tc.want)
			}
		})
	}
}

func TestLoad_SameHostAcrossProtocols(t *testing.T) {
	yml := `
routes:
  - {protocol: http, source: a.test, target: 127.0.0.1:1}
  - {protocol: iws, source: a.test, serving_path: /srv}
`
	cfg, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("routes len: got %d, want 2", len(cfg.Routes))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("error: got %v", err)
	}
}

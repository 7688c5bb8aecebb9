package model

import (
	"strings"
	"testing"
	"time"
)

func TestParseProtocol(t *testing.T) {
	for in, want := range map[string]Protocol{
		"http": ProtoHTTP, "HTTPS": ProtoHTTPS, " iws ": ProtoIWS, "secure_iws": ProtoSecureIWS,
	} {
		got, err := ParseProtocol(in)
		if err != nil || got != want {
			t.Fatalf("ParseProtocol(%q): got %q, %v, want %q", in, got, err, want)
		}
	}
	if _, err := ParseProtocol("ftp"); err == nil {
		t.Fatal("ftp should be rejected")
	}
}

func TestRoute_Validate(t *testing.T) {
	ssl := &SSLContext{CertFile: "c.pem", KeyFile: "k.pem"}
	cases := []struct {
		name string
		r    Route
		want string // "" = valid
	}{
		{"http", Route{Protocol: ProtoHTTP, Source: "a", Target: "127.0.0.1:1"}, ""},
		{"https", Route{Protocol: ProtoHTTPS, Source: "a", Target: "127.0.0.1:1", SSL: ssl}, ""},
		{"iws", Route{Protocol: ProtoIWS, Source: "a", ServingPath: "/srv"}, ""},
		{"secure_iws", Route{Protocol: ProtoSecureIWS, Source: "a", ServingPath: "/srv", SSL: ssl}, ""},
		{"empty source", Route{Protocol: ProtoHTTP, Source: "  ", Target: "x"}, "source is required"},
		{"no target", Route{Protocol: ProtoHTTP, Source: "a"}, "target is required"},
		{"no serving path", Route{Protocol: ProtoIWS, Source: "a"}, "serving_path is required"},
		{"https without ssl", Route{Protocol: ProtoHTTPS, Source: "a", Target: "x"}, "ssl"},
		{"half ssl", Route{Protocol: ProtoSecureIWS, Source: "a", ServingPath: "/srv", SSL: &SSLContext{CertFile: "c"}}, "ssl"},
		{"unknown protocol", Route{Protocol: "ftp", Source: "a"}, "unknown protocol"},
		{"rate limit", Route{Protocol: ProtoHTTP, Source: "a", Target: "x", Policy: &TrafficPolicy{Upstream: UpstreamSettings{RateLimit: &RateLimit{Burst: 1}}}}, "rate_limit"},
		{"rate limit burst", Route{Protocol: ProtoIWS, Source: "a", ServingPath: "/srv", Policy: &TrafficPolicy{Upstream: UpstreamSettings{RateLimit: &RateLimit{RequestsPerSecond: 1}}}}, "rate_limit"},
		{"policy without limit", Route{Protocol: ProtoHTTP, Source: "a", Target: "x", Policy: &TrafficPolicy{}}, ""},
	}
	for _, tc := range cases {
		err := tc.r.Validate()
		switch {
		case tc.want == "" && err != nil:
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		case tc.want != "" && (err == nil || !strings.Contains(err.Error(), tc.want)):
			t.Fatalf("%s: got %v, want error containing %q", tc.name, err, tc.want)
		}
	}
}

func TestMerge(t *testing.T) {
	base := TrafficPolicy{
		HTTP1:    HTTP1Settings{ReadTimeout: time.Second, KeepAlive: false},
		HTTP2:    HTTP2Settings{MaxConcurrentStreams: 100},
		Upstream: UpstreamSettings{RequestTimeout: 30 * time.Second, DialTimeout: 5 * time.Second, MaxIdleConnsPerHost: 8},
	}
	if got := Merge(base, nil); got != base {
		t.Fatalf("nil override: got %+v", got)
	}

	over := &TrafficPolicy{
		HTTP1:    HTTP1Settings{WriteTimeout: 2 * time.Second, KeepAlive: true},
		Upstream: UpstreamSettings{RequestTimeout: 3 * time.Second, PreserveHost: true, RateLimit: &RateLimit{RequestsPerSecond: 5, Burst: 10}},
	}
	got := Merge(base, over)
	if got.HTTP1.ReadTimeout != time.Second || got.HTTP1.WriteTimeout != 2*time.Second || !got.HTTP1.KeepAlive {
		t.Fatalf("http1: got %+v", got.HTTP1)
	}
	if got.HTTP2.MaxConcurrentStreams != 100 {
		t.Fatalf("http2: got %+v", got.HTTP2)
	}
	up := got.Upstream
	if up.RequestTimeout != 3*time.Second || up.DialTimeout != 5*time.Second || up.MaxIdleConnsPerHost != 8 || !up.PreserveHost {
		t.Fatalf("upstream: got %+v", up)
	}
	if up.RateLimit == nil || up.RateLimit == over.Upstream.RateLimit || *up.RateLimit != *over.Upstream.RateLimit {
		t.Fatalf("rate limit must be copied: got %+v", up.RateLimit)
	}
	if base.Upstream.RequestTimeout != 30*time.Second || base.HTTP1.KeepAlive {
		t.Fatal("base was modified")
	}
}

func TestDescriptor_RoundTrip(t *testing.T) {
	d := Descriptor{
		Protocol: "https",
		Source:   " api.test ",
		Target:   "127.0.0.1:9000",
		SSL:      &SSLDescriptor{Cert: "c.pem", PrivateKey: "k.pem"},
		Policy: &PolicyDescriptor{
			RequestTimeout:      "1.5s",
			MaxIdleConnsPerHost: 4,
			WriteTimeout:        "1m0s",
			PreserveHost:        true,
			RateLimit:           &RateLimitDescriptor{RequestsPerSecond: 2, Burst: 3},
		},
	}
	r, err := d.Route()
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if r.Source != "api.test" || r.SSL.KeyFile != "k.pem" {
		t.Fatalf("route: got %+v", r)
	}
	if r.Policy.Upstream.RequestTimeout != 1500*time.Millisecond || r.Policy.HTTP1.WriteTimeout != time.Minute {
		t.Fatalf("policy durations: got %+v", r.Policy)
	}

	back := r.Descriptor()
	if back.Source != "api.test" || back.Protocol != "https" || back.SSL.Cert != "c.pem" {
		t.Fatalf("descriptor: got %+v", back)
	}
	if p := back.Policy; p.RequestTimeout != "1.5s" || p.WriteTimeout != "1m0s" || p.ReadTimeout != "" || p.RateLimit.Burst != 3 {
		t.Fatalf("policy descriptor: got %+v", p)
	}
}

func TestDescriptor_Errors(t *testing.T) {
	cases := []struct {
		name string
		d    Descriptor
		want string
	}{
		{"protocol", Descriptor{Protocol: "gopher", Source: "a"}, "unknown protocol"},
		{"duration", Descriptor{Protocol: "http", Source: "a", Target: "b", Policy: &PolicyDescriptor{ReadTimeout: "fast"}}, "read_timeout"},
		{"negative duration", Descriptor{Protocol: "http", Source: "a", Target: "b", Policy: &PolicyDescriptor{PoolIdleTimeout: "-1s"}}, "pool_idle_timeout"},
		{"negative body", Descriptor{Protocol: "http", Source: "a", Target: "b", Policy: &PolicyDescriptor{MaxBodyBytes: -1}}, "max_body_bytes"},
		{"rate limit", Descriptor{Protocol: "http", Source: "a", Target: "b", Policy: &PolicyDescriptor{RateLimit: &RateLimitDescriptor{RequestsPerSecond: 1}}}, "rate_limit"},
		{"validation", Descriptor{Protocol: "iws", Source: "a"}, "serving_path"},
	}
	for _, tc := range cases {
		_, err := tc.d.Route()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: got %v, want error containing %q", tc.name, err, tc.want)
		}
	}
}

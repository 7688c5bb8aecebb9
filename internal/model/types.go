package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Protocol tags a route with the listener family and serving mode it belongs to.
type Protocol string

const (
	ProtoHTTP      Protocol = "http"       // forward over plain HTTP listener
	ProtoHTTPS     Protocol = "https"      // forward over TLS listener
	ProtoIWS       Protocol = "iws"        // static files over plain HTTP listener
	ProtoSecureIWS Protocol = "secure_iws" // static files over TLS listener
)

// Protocols lists every protocol in table order.
var Protocols = []Protocol{ProtoHTTP, ProtoHTTPS, ProtoIWS, ProtoSecureIWS}

// ParseProtocol accepts the wire names used by route descriptors.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProtoHTTP, ProtoHTTPS, ProtoIWS, ProtoSecureIWS:
		return p, nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

// Secure reports whether routes of this protocol are served behind TLS.
func (p Protocol) Secure() bool { return p == ProtoHTTPS || p == ProtoSecureIWS }

// Static reports whether routes of this protocol are served from disk.
func (p Protocol) Static() bool { return p == ProtoIWS || p == ProtoSecureIWS }

// SSLContext references certificate material on disk; nothing is loaded here.
type SSLContext struct {
	CertFile string
	KeyFile  string
}

// Route is one entry of the route table, keyed by Source within its protocol.
type Route struct {
	Protocol    Protocol
	Source      string         // hostname as received in the Host header
	Target      string         // http/https: upstream "host:port" or URL
	ServingPath string         // iws/secure_iws: root directory
	SSL         *SSLContext    // https/secure_iws
	Policy      *TrafficPolicy // optional per-route override
}

// Validate checks that the fields required by the route's protocol are present.
func (r Route) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("source is required")
	}
	switch r.Protocol {
	case ProtoHTTP, ProtoHTTPS:
		if strings.TrimSpace(r.Target) == "" {
			return fmt.Errorf("%s route %q: target is required", r.Protocol, r.Source)
		}
	case ProtoIWS, ProtoSecureIWS:
		if strings.TrimSpace(r.ServingPath) == "" {
			return fmt.Errorf("%s route %q: serving_path is required", r.Protocol, r.Source)
		}
	default:
		return fmt.Errorf("route %q: unknown protocol %q", r.Source, r.Protocol)
	}
	if r.Protocol.Secure() {
		if r.SSL == nil || r.SSL.CertFile == "" || r.SSL.KeyFile == "" {
			return fmt.Errorf("%s route %q: ssl cert and private_key are required", r.Protocol, r.Source)
		}
	}
	if r.Policy != nil {
		if err := r.Policy.Upstream.RateLimit.validate(); err != nil {
			return fmt.Errorf("%s route %q: %w", r.Protocol, r.Source, err)
		}
	}
	return nil
}

// validate accepts a nil limit, meaning unlimited.
func (rl *RateLimit) validate() error {
	if rl == nil {
		return nil
	}
	rps := rl.RequestsPerSecond
	if math.IsNaN(rps) || math.IsInf(rps, 0) || rps <= 0 || rl.Burst <= 0 {
		return fmt.Errorf("rate_limit: requests_per_second and burst must be positive")
	}
	return nil
}

// HTTP1Settings tunes the downstream HTTP/1.x connection.
// Read/Write timeouts are also applied per request when a route overrides them.
type HTTP1Settings struct {
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	KeepAlive         bool
}

// HTTP2Settings tunes HTTP/2 on the TLS listener and upstream transports.
type HTTP2Settings struct {
	Enabled              bool
	MaxConcurrentStreams uint32
	IdleTimeout          time.Duration
	ReadIdleTimeout      time.Duration
	PingTimeout          time.Duration
}

// UpstreamSettings tunes forwarding to the route target.
type UpstreamSettings struct {
	RequestTimeout      time.Duration
	DialTimeout         time.Duration
	PoolIdleTimeout     time.Duration
	MaxIdleConnsPerHost int
	MaxBodyBytes        int64 // 0 = unlimited
	PreserveHost        bool
	RateLimit           *RateLimit
}

// RateLimit is a token bucket applied per route.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// TrafficPolicy groups the network tunables of a route.
type TrafficPolicy struct {
	HTTP1    HTTP1Settings
	HTTP2    HTTP2Settings
	Upstream UpstreamSettings
}

// Merge returns base with every non-zero field of override applied.
// Booleans can only be switched on by an override.
func Merge(base TrafficPolicy, override *TrafficPolicy) TrafficPolicy {
	if override == nil {
		return base
	}
	out := base
	h1, o1 := &out.HTTP1, override.HTTP1
	setDur(&h1.ReadTimeout, o1.ReadTimeout)
	setDur(&h1.ReadHeaderTimeout, o1.ReadHeaderTimeout)
	setDur(&h1.WriteTimeout, o1.WriteTimeout)
	setDur(&h1.IdleTimeout, o1.IdleTimeout)
	h1.KeepAlive = h1.KeepAlive || o1.KeepAlive

	h2, o2 := &out.HTTP2, override.HTTP2
	h2.Enabled = h2.Enabled || o2.Enabled
	if o2.MaxConcurrentStreams != 0 {
		h2.MaxConcurrentStreams = o2.MaxConcurrentStreams
	}
	setDur(&h2.IdleTimeout, o2.IdleTimeout)
	setDur(&h2.ReadIdleTimeout, o2.ReadIdleTimeout)
	setDur(&h2.PingTimeout, o2.PingTimeout)

	up, ou := &out.Upstream, override.Upstream
	setDur(&up.RequestTimeout, ou.RequestTimeout)
	setDur(&up.DialTimeout, ou.DialTimeout)
	setDur(&up.PoolIdleTimeout, ou.PoolIdleTimeout)
	if ou.MaxIdleConnsPerHost != 0 {
		up.MaxIdleConnsPerHost = ou.MaxIdleConnsPerHost
	}
	if ou.MaxBodyBytes != 0 {
		up.MaxBodyBytes = ou.MaxBodyBytes
	}
	up.PreserveHost = up.PreserveHost || ou.PreserveHost
	if ou.RateLimit != nil {
		rl := *ou.RateLimit
		up.RateLimit = &rl
	}
	return out
}

func setDur(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

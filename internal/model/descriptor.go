package model

import (
	"fmt"
	"strings"
	"time"
)

// Descriptor is the persisted and wire shape of a route.
type Descriptor struct {
	Protocol    string            `json:"protocol" yaml:"protocol"`
	Source      string            `json:"source" yaml:"source"`
	Target      string            `json:"target,omitempty" yaml:"target,omitempty"`
	ServingPath string            `json:"serving_path,omitempty" yaml:"serving_path,omitempty"`
	SSL         *SSLDescriptor    `json:"ssl,omitempty" yaml:"ssl,omitempty"`
	Policy      *PolicyDescriptor `json:"policy,omitempty" yaml:"policy,omitempty"`
}

type SSLDescriptor struct {
	Cert       string `json:"cert" yaml:"cert"`
	PrivateKey string `json:"private_key" yaml:"private_key"`
}

// PolicyDescriptor is the per-route override; durations are Go duration strings.
type PolicyDescriptor struct {
	RequestTimeout      string               `json:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	DialTimeout         string               `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty"`
	PoolIdleTimeout     string               `json:"pool_idle_timeout,omitempty" yaml:"pool_idle_timeout,omitempty"`
	MaxIdleConnsPerHost int                  `json:"max_idle_conns_per_host,omitempty" yaml:"max_idle_conns_per_host,omitempty"`
	MaxBodyBytes        int64                `json:"max_body_bytes,omitempty" yaml:"max_body_bytes,omitempty"`
	ReadTimeout         string               `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	WriteTimeout        string               `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	PreserveHost        bool                 `json:"preserve_host,omitempty" yaml:"preserve_host,omitempty"`
	RateLimit           *RateLimitDescriptor `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
}

type RateLimitDescriptor struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// Route converts and validates the descriptor.
func (d Descriptor) Route() (Route, error) {
	p, err := ParseProtocol(d.Protocol)
	if err != nil {
		return Route{}, err
	}
	r := Route{
		Protocol:    p,
		Source:      strings.TrimSpace(d.Source),
		Target:      strings.TrimSpace(d.Target),
		ServingPath: strings.TrimSpace(d.ServingPath),
	}
	if d.SSL != nil {
		r.SSL = &SSLContext{CertFile: d.SSL.Cert, KeyFile: d.SSL.PrivateKey}
	}
	if d.Policy != nil {
		pol, err := d.Policy.policy()
		if err != nil {
			return Route{}, fmt.Errorf("route %q: policy: %w", r.Source, err)
		}
		r.Policy = pol
	}
	if err := r.Validate(); err != nil {
		return Route{}, err
	}
	return r, nil
}

// Descriptor converts a route back into its wire shape.
func (r Route) Descriptor() Descriptor {
	d := Descriptor{
		Protocol:    string(r.Protocol),
		Source:      r.Source,
		Target:      r.Target,
		ServingPath: r.ServingPath,
	}
	if r.SSL != nil {
		d.SSL = &SSLDescriptor{Cert: r.SSL.CertFile, PrivateKey: r.SSL.KeyFile}
	}
	if r.Policy != nil {
		d.Policy = describePolicy(*r.Policy)
	}
	return d
}

func (pd PolicyDescriptor) policy() (*TrafficPolicy, error) {
	var p TrafficPolicy
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"request_timeout", pd.RequestTimeout, &p.Upstream.RequestTimeout},
		{"dial_timeout", pd.DialTimeout, &p.Upstream.DialTimeout},
		{"pool_idle_timeout", pd.PoolIdleTimeout, &p.Upstream.PoolIdleTimeout},
		{"read_timeout", pd.ReadTimeout, &p.HTTP1.ReadTimeout},
		{"write_timeout", pd.WriteTimeout, &p.HTTP1.WriteTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", f.name, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("%s: must not be negative", f.name)
		}
		*f.dst = d
	}
	if pd.MaxIdleConnsPerHost < 0 {
		return nil, fmt.Errorf("max_idle_conns_per_host: must not be negative")
	}
	if pd.MaxBodyBytes < 0 {
		return nil, fmt.Errorf("max_body_bytes: must not be negative")
	}
	p.Upstream.MaxIdleConnsPerHost = pd.MaxIdleConnsPerHost
	p.Upstream.MaxBodyBytes = pd.MaxBodyBytes
	p.Upstream.PreserveHost = pd.PreserveHost
	if rl := pd.RateLimit; rl != nil {
		if rl.RequestsPerSecond <= 0 || rl.Burst <= 0 {
			return nil, fmt.Errorf("rate_limit: requests_per_second and burst must be positive")
		}
		p.Upstream.RateLimit = &RateLimit{RequestsPerSecond: rl.RequestsPerSecond, Burst: rl.Burst}
	}
	return &p, nil
}

func describePolicy(p TrafficPolicy) *PolicyDescriptor {
	dur := func(d time.Duration) string {
		if d == 0 {
			return ""
		}
		return d.String()
	}
	pd := &PolicyDescriptor{
		RequestTimeout:      dur(p.Upstream.RequestTimeout),
		DialTimeout:         dur(p.Upstream.DialTimeout),
		PoolIdleTimeout:     dur(p.Upstream.PoolIdleTimeout),
		MaxIdleConnsPerHost: p.Upstream.MaxIdleConnsPerHost,
		MaxBodyBytes:        p.Upstream.MaxBodyBytes,
		ReadTimeout:         dur(p.HTTP1.ReadTimeout),
		WriteTimeout:        dur(p.HTTP1.WriteTimeout),
		PreserveHost:        p.Upstream.PreserveHost,
	}
	if rl := p.Upstream.RateLimit; rl != nil {
		pd.RateLimit = &RateLimitDescriptor{RequestsPerSecond: rl.RequestsPerSecond, Burst: rl.Burst}
	}
	return pd
}

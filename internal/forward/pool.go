package forward

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/fabian4/hostgate/internal/model"
)

// Options tunes every transport the pool builds. The three values taken from a
// route policy (dial timeout, idle timeout and idle conns per host) only act
// as defaults here.
type Options struct {
	// Dial/keepalive
	DialTimeout   time.Duration
	DialKeepAlive time.Duration

	// Pool sizing
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited

	// Timeouts
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration // optional, 0 to disable

	// HTTP/2 to TLS upstreams, negotiated by ALPN
	HTTP2           bool
	ReadIdleTimeout time.Duration
	PingTimeout     time.Duration

	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
}

// DefaultOptions mirrors battle-tested proxy-ish settings.
func DefaultOptions() Options {
	return Options{
		DialTimeout:           5 * time.Second,
		DialKeepAlive:         60 * time.Second,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		HTTP2:                 true,
		ReadIdleTimeout:       30 * time.Second,
		PingTimeout:           15 * time.Second,
	}
}

// Key identifies one pooled client. Routes with equal values share it.
type Key struct {
	DialTimeout    time.Duration
	IdleTimeout    time.Duration
	MaxIdlePerHost int
}

func (k Key) String() string {
	return fmt.Sprintf("dial=%s,idle=%s,per_host=%d", k.DialTimeout, k.IdleTimeout, k.MaxIdlePerHost)
}

// Client is a shared upstream client. Redirects are relayed to the caller,
// never followed.
type Client struct {
	key       Key
	http      *http.Client
	transport *http.Transport
}

func (c *Client) Do(req *http.Request) (*http.Response, error) { return c.http.Do(req) }

func (c *Client) Key() Key { return c.key }

// Transport exposes the underlying transport, mostly for tests.
func (c *Client) Transport() *http.Transport { return c.transport }

// Pool caches one Client per Key. Clients are never evicted; the key space is
// bounded by the distinct policies configured.
type Pool struct {
	mu      sync.RWMutex
	clients map[Key]*Client
	opts    Options

	// construct is swapped in tests to count builds.
	construct func(Key) *Client
}

func NewPool(opts Options) *Pool {
	p := &Pool{clients: make(map[Key]*Client), opts: opts}
	p.construct = p.newClient
	return p
}

// KeyFor resolves the pool key of an effective policy, falling back to the
// pool defaults for zero values.
func (p *Pool) KeyFor(policy model.TrafficPolicy) Key {
	k := Key{
		DialTimeout:    policy.Upstream.DialTimeout,
		IdleTimeout:    policy.Upstream.PoolIdleTimeout,
		MaxIdlePerHost: policy.Upstream.MaxIdleConnsPerHost,
	}
	if k.DialTimeout <= 0 {
		k.DialTimeout = p.opts.DialTimeout
	}
	if k.IdleTimeout <= 0 {
		k.IdleTimeout = p.opts.IdleConnTimeout
	}
	if k.MaxIdlePerHost <= 0 {
		k.MaxIdlePerHost = p.opts.MaxIdleConnsPerHost
	}
	return k
}

// Get returns the shared client for policy, building it on first use.
func (p *Pool) Get(policy model.TrafficPolicy) *Client {
	k := p.KeyFor(policy)

	p.mu.RLock()
	c, ok := p.clients[k]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[k]; ok {
		return c
	}
	c = p.construct(k)
	p.clients[k] = c
	return c
}

// Len is the number of clients built so far.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// CloseIdle calls CloseIdleConnections on every pooled transport.
func (p *Pool) CloseIdle() {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.clients {
		c.transport.CloseIdleConnections()
	}
}

func (p *Pool) newClient(k Key) *Client {
	dialer := &net.Dialer{
		Timeout:   k.DialTimeout,
		KeepAlive: p.opts.DialKeepAlive,
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: p.opts.InsecureSkipVerify, RootCAs: p.opts.RootCAs},
		MaxIdleConns:          p.opts.MaxIdleConns,
		MaxIdleConnsPerHost:   k.MaxIdlePerHost,
		IdleConnTimeout:       k.IdleTimeout,
		MaxConnsPerHost:       p.opts.MaxConnsPerHost,
		TLSHandshakeTimeout:   p.opts.TLSHandshakeTimeout,
		ExpectContinueTimeout: p.opts.ExpectContinueTimeout,
		ResponseHeaderTimeout: p.opts.ResponseHeaderTimeout,
	}
	if p.opts.HTTP2 {
		// ALPN to h2 when possible; no h2c
		if h2, err := http2.ConfigureTransports(tr); err == nil {
			h2.ReadIdleTimeout = p.opts.ReadIdleTimeout
			h2.PingTimeout = p.opts.PingTimeout
		}
	} else {
		tr.TLSClientConfig.NextProtos = []string{"http/1.1"}
	}
	return &Client{
		key:       k,
		transport: tr,
		http: &http.Client{
			Transport: tr,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

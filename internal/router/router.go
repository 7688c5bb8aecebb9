package router

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/fabian4/hostgate/internal/model"
)

// ErrInvalidRoute wraps every validation failure returned by Put.
var ErrInvalidRoute = errors.New("invalid route")

// Op names the kind of mutation delivered to observers.
type Op int

const (
	OpPut Op = iota
	OpDelete
	OpLoad
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpLoad:
		return "load"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Change describes one committed mutation. Protocol, Source and Route are
// zero for OpLoad, which replaces every protocol at once.
type Change struct {
	Op       Op
	Protocol model.Protocol
	Source   string
	Route    model.Route
}

// Observer is notified after a mutation has been committed. Notifications for
// one protocol arrive in commit order, outside the lock readers take; an
// observer may read the table but must not mutate it.
type Observer interface {
	RouteChanged(Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Change)

func (f ObserverFunc) RouteChanged(c Change) { f(c) }

// hostMap is one protocol's routes with its own lock, so writers to one
// protocol never block readers of another. commit is held by a writer from
// its mutation until its observers return.
type hostMap struct {
	commit sync.Mutex
	mu     sync.RWMutex
	routes map[string]model.Route
}

// Table holds the four protocol route maps.
type Table struct {
	maps map[model.Protocol]*hostMap

	obsMu     sync.RWMutex
	observers []Observer
}

func New() *Table {
	t := &Table{maps: make(map[model.Protocol]*hostMap, len(model.Protocols))}
	for _, p := range model.Protocols {
		t.maps[p] = &hostMap{routes: make(map[string]model.Route)}
	}
	return t
}

// Observe registers o for every subsequent mutation.
func (t *Table) Observe(o Observer) {
	t.obsMu.Lock()
	t.observers = append(t.observers, o)
	t.obsMu.Unlock()
}

func (t *Table) notify(c Change) {
	t.obsMu.RLock()
	obs := t.observers
	t.obsMu.RUnlock()
	for _, o := range obs {
		o.RouteChanged(c)
	}
}

// Lookup returns the route registered for host under protocol p.
// The host is matched exactly as received; when that misses and host carries
// a port, the bare hostname is tried. An empty host never matches.
func (t *Table) Lookup(p model.Protocol, host string) (model.Route, bool) {
	m, ok := t.maps[p]
	if !ok || host == "" {
		return model.Route{}, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.routes[host]; ok {
		return r, true
	}
	if h, _, err := net.SplitHostPort(host); err == nil && h != "" {
		r, ok := m.routes[h]
		return r, ok
	}
	return model.Route{}, false
}

// Put inserts r, replacing any route already registered for the same source
// in the same protocol.
// Surrounding whitespace is trimmed from the source.
func (t *Table) Put(r model.Route) error {
	r.Source = strings.TrimSpace(r.Source)
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}
	m := t.maps[r.Protocol]
	m.commit.Lock()
	defer m.commit.Unlock()
	m.mu.Lock()
	m.routes[r.Source] = r
	m.mu.Unlock()
	t.notify(Change{Op: OpPut, Protocol: r.Protocol, Source: r.Source, Route: r})
	return nil
}

func (t *Table) AddHTTP(source, target string, policy *model.TrafficPolicy) error {
	return t.Put(model.Route{Protocol: model.ProtoHTTP, Source: source, Target: target, Policy: policy})
}

func (t *Table) AddHTTPS(source, target string, ssl model.SSLContext, policy *model.TrafficPolicy) error {
	return t.Put(model.Route{Protocol: model.ProtoHTTPS, Source: source, Target: target, SSL: &ssl, Policy: policy})
}

func (t *Table) AddIWS(source, servingPath string, policy *model.TrafficPolicy) error {
	return t.Put(model.Route{Protocol: model.ProtoIWS, Source: source, ServingPath: servingPath, Policy: policy})
}

func (t *Table) AddSecureIWS(source, servingPath string, ssl model.SSLContext, policy *model.TrafficPolicy) error {
	return t.Put(model.Route{Protocol: model.ProtoSecureIWS, Source: source, ServingPath: servingPath, SSL: &ssl, Policy: policy})
}

// Delete removes the route for source under p and reports whether one existed.
func (t *Table) Delete(p model.Protocol, source string) bool {
	m, ok := t.maps[p]
	if !ok {
		return false
	}
	m.commit.Lock()
	defer m.commit.Unlock()
	m.mu.Lock()
	_, existed := m.routes[source]
	delete(m.routes, source)
	m.mu.Unlock()
	if existed {
		t.notify(Change{Op: OpDelete, Protocol: p, Source: source})
	}
	return existed
}

func (t *Table) DeleteHTTP(source string) bool      { return t.Delete(model.ProtoHTTP, source) }
func (t *Table) DeleteHTTPS(source string) bool     { return t.Delete(model.ProtoHTTPS, source) }
func (t *Table) DeleteIWS(source string) bool       { return t.Delete(model.ProtoIWS, source) }
func (t *Table) DeleteSecureIWS(source string) bool { return t.Delete(model.ProtoSecureIWS, source) }

// Load replaces the whole table with the given routes, typically a boot snapshot.
// Invalid entries are skipped and returned as a joined error; valid ones are kept.
func (t *Table) Load(routes []model.Route) error {
	fresh := make(map[model.Protocol]map[string]model.Route, len(t.maps))
	for p := range t.maps {
		fresh[p] = make(map[string]model.Route)
	}
	var errs []error
	for _, r := range routes {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidRoute, err))
			continue
		}
		r.Source = strings.TrimSpace(r.Source)
		fresh[r.Protocol][r.Source] = r
	}
	// commit locks in table order, so concurrent loads cannot deadlock
	for _, p := range model.Protocols {
		t.maps[p].commit.Lock()
		defer t.maps[p].commit.Unlock()
	}
	for p, m := range t.maps {
		m.mu.Lock()
		m.routes = fresh[p]
		m.mu.Unlock()
	}
	t.notify(Change{Op: OpLoad})
	return errors.Join(errs...)
}

// Routes returns a copy of every route registered under p, sorted by source.
func (t *Table) Routes(p model.Protocol) []model.Route {
	m, ok := t.maps[p]
	if !ok {
		return nil
	}
	m.mu.RLock()
	out := make([]model.Route, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// List returns descriptors for all routes, ordered by protocol then source.
func (t *Table) List() []model.Descriptor {
	var out []model.Descriptor
	for _, p := range model.Protocols {
		for _, r := range t.Routes(p) {
			out = append(out, r.Descriptor())
		}
	}
	return out
}

// Counts returns the number of routes per protocol.
func (t *Table) Counts() map[model.Protocol]int {
	out := make(map[model.Protocol]int, len(t.maps))
	for p, m := range t.maps {
		m.mu.RLock()
		out[p] = len(m.routes)
		m.mu.RUnlock()
	}
	return out
}

// SecureRoutes returns the https and secure_iws routes, the input of a TLS rebuild.
func (t *Table) SecureRoutes() []model.Route {
	return append(t.Routes(model.ProtoHTTPS), t.Routes(model.ProtoSecureIWS)...)
}

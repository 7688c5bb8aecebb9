package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fabian4/hostgate/internal/model"
)

// DomainError is a certificate that could not be registered for one host.
type DomainError struct {
	Host string
	Err  error
}

func (e DomainError) Error() string { return e.Host + ": " + e.Err.Error() }

// BuildError lists every host whose certificate failed to load.
// The bundle returned alongside it still serves the remaining hosts.
type BuildError struct {
	Failures []DomainError
}

func (e *BuildError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("tls: %d certificate(s) failed to load: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Domains returns the failed hosts.
func (e *BuildError) Domains() []string {
	out := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Host
	}
	return out
}

// Options shape the server config of every bundle.
type Options struct {
	NextProtos []string
	MinVersion uint16
}

// Bundle is an immutable SNI index of certificates with the tls.Config serving it.
type Bundle struct {
	certs  map[string]*tls.Certificate
	files  []string
	config *tls.Config
}

// Build loads the certificate of every route carrying an SSL context and
// registers it under the route source. A failing route is reported in a
// *BuildError but does not prevent the others from being registered.
// When two routes claim the same host, the first one wins.
func Build(routes []model.Route, opts Options) (*Bundle, error) {
	b := &Bundle{certs: make(map[string]*tls.Certificate)}
	type pair struct{ cert, key string }
	loaded := make(map[pair]*tls.Certificate)
	failed := make(map[pair]error)
	seenFile := make(map[string]bool)
	var errs []DomainError

	for _, r := range routes {
		if r.SSL == nil {
			continue
		}
		if _, dup := b.certs[r.Source]; dup {
			continue
		}
		for _, f := range []string{r.SSL.CertFile, r.SSL.KeyFile} {
			if f != "" && !seenFile[f] {
				seenFile[f] = true
				b.files = append(b.files, f)
			}
		}
		k := pair{r.SSL.CertFile, r.SSL.KeyFile}
		if err, ok := failed[k]; ok {
			errs = append(errs, DomainError{Host: r.Source, Err: err})
			continue
		}
		cert, ok := loaded[k]
		if !ok {
			c, err := loadPair(k.cert, k.key)
			if err != nil {
				failed[k] = err
				errs = append(errs, DomainError{Host: r.Source, Err: err})
				continue
			}
			cert = c
			loaded[k] = c
		}
		b.certs[r.Source] = cert
	}
	sort.Strings(b.files)

	minVersion := opts.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	b.config = &tls.Config{
		MinVersion:     minVersion,
		NextProtos:     opts.NextProtos,
		GetCertificate: b.getCertificate,
	}
	if len(errs) > 0 {
		return b, &BuildError{Failures: errs}
	}
	return b, nil
}

func loadPair(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	if len(cert.Certificate) == 0 {
		return nil, fmt.Errorf("certificate chain is empty")
	}
	leaf := cert.Leaf
	if leaf == nil {
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	if now := time.Now(); now.After(leaf.NotAfter) {
		return nil, fmt.Errorf("certificate expired on %s", leaf.NotAfter.Format(time.RFC3339))
	}
	return &cert, nil
}

func (b *Bundle) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if c, ok := b.certs[hello.ServerName]; ok {
		return c, nil
	}
	if c, ok := b.certs[strings.ToLower(hello.ServerName)]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("no certificate for server name %q", hello.ServerName)
}

// Config is the server configuration selecting certificates by SNI.
func (b *Bundle) Config() *tls.Config { return b.config }

// Hosts returns the registered server names, sorted.
func (b *Bundle) Hosts() []string {
	out := make([]string, 0, len(b.certs))
	for h := range b.certs {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Files returns every certificate and key path the bundle was built from,
// including the ones that failed to load.
func (b *Bundle) Files() []string { return b.files }

// Len is the number of registered hosts.
func (b *Bundle) Len() int { return len(b.certs) }

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status: got %d", rec.Code)
	}
	b, _ := io.ReadAll(rec.Body)
	return string(b)
}

func TestRegistry_ObserveRequest(t *testing.T) {
	r := NewRegistry(Source{})
	r.ObserveRequest("http", "forward", 200, 10*time.Millisecond)
	r.ObserveRequest("http", "forward", 200, 10*time.Millisecond)
	r.ObserveRequest("https", "static", 404, time.Millisecond)
	r.ObserveRequest("http", "forward", 418, time.Millisecond)

	out := scrape(t, r)
	for _, want := range []string{
		`hostgate_requests_total{action="forward",protocol="http",status="200"} 2`,
		`hostgate_requests_total{action="static",protocol="https",status="404"} 1`,
		`hostgate_requests_total{action="forward",protocol="http",status="4xx"} 1`,
		`hostgate_request_duration_seconds_count{action="forward",protocol="http"} 3`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s:\n%s", want, out)
		}
	}
}

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry(Source{})
	r.IncAdmissionRejected("https")
	r.IncRateLimited("ip", true)
	r.IncRateLimited("route", false)
	r.IncTLSRebuild(true)

	out := scrape(t, r)
	for _, want := range []string{
		`hostgate_admission_rejected_total{listener="https"} 1`,
		`hostgate_rate_limited_total{enforced="true",scope="ip"} 1`,
		`hostgate_rate_limited_total{enforced="false",scope="route"} 1`,
		`hostgate_tls_rebuilds_total{result="partial"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s:\n%s", want, out)
		}
	}
}

func TestRegistry_LiveGauges(t *testing.T) {
	active := int64(3)
	r := NewRegistry(Source{
		ActiveConnections: func() int64 { return active },
		RouteCounts:       func() map[string]int { return map[string]int{"http": 2, "iws": 1} },
		TrackedBytes:      func() int64 { return 4096 },
		PooledClients:     func() int { return 1 },
	})

	out := scrape(t, r)
	for _, want := range []string{
		`hostgate_active_connections 3`,
		`hostgate_routes{protocol="http"} 2`,
		`hostgate_routes{protocol="iws"} 1`,
		`hostgate_stream_tracked_bytes 4096`,
		`hostgate_upstream_clients 1`,
		`hostgate_tls_hosts 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %s:\n%s", want, out)
		}
	}

	active = 1
	if out := scrape(t, r); !strings.Contains(out, `hostgate_active_connections 1`) {
		t.Errorf("gauge not read at scrape time:\n%s", out)
	}
}

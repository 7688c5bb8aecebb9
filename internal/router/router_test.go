package router

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fabian4/hostgate/internal/model"
)

func TestAddHTTP_LastWriteWins(t *testing.T) {
	rt := New()
	if err := rt.AddHTTP("a.test", "127.0.0.1:9001", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, ok := rt.Lookup(model.ProtoHTTP, "a.test")
	if !ok || got.Target != "127.0.0.1:9001" {
		t.Fatalf("lookup: got %+v ok=%v, want target 127.0.0.1:9001", got, ok)
	}

	if err := rt.AddHTTP("a.test", "127.0.0.1:9002", nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, ok = rt.Lookup(model.ProtoHTTP, "a.test")
	if !ok || got.Target != "127.0.0.1:9002" {
		t.Fatalf("lookup after replace: got %+v ok=%v, want target 127.0.0.1:9002", got, ok)
	}
	if n := rt.Counts()[model.ProtoHTTP]; n != 1 {
		t.Fatalf("count: got %d, want 1", n)
	}
}

func TestDelete(t *testing.T) {
	rt := New()
	_ = rt.AddHTTP("a.test", "127.0.0.1:9001", nil)

	if !rt.DeleteHTTP("a.test") {
		t.Fatal("delete existing: got false, want true")
	}
	if _, ok := rt.Lookup(model.ProtoHTTP, "a.test"); ok {
		t.Fatal("lookup after delete: still found")
	}
	// never-added host is a no-op
	if rt.DeleteHTTP("never.test") {
		t.Fatal("delete absent: got true, want false")
	}
	if rt.DeleteSecureIWS("never.test") {
		t.Fatal("delete absent secure_iws: got true, want false")
	}
}

func TestLookup_HostHandling(t *testing.T) {
	rt := New()
	_ = rt.AddIWS("static.test", "/srv/www", nil)

	if _, ok := rt.Lookup(model.ProtoIWS, "static.test:8080"); !ok {
		t.Fatal("host with port should fall back to bare hostname")
	}
	if _, ok := rt.Lookup(model.ProtoIWS, "STATIC.test"); ok {
		t.Fatal("lookup must be case-sensitive")
	}
	if _, ok := rt.Lookup(model.ProtoIWS, ""); ok {
		t.Fatal("empty host must never match")
	}
	// protocols are independent maps
	if _, ok := rt.Lookup(model.ProtoHTTP, "static.test"); ok {
		t.Fatal("iws route leaked into http map")
	}
}

func TestSameHostAcrossProtocols(t *testing.T) {
	rt := New()
	ssl := model.SSLContext{CertFile: "c.pem", KeyFile: "k.pem"}
	_ = rt.AddHTTP("dual.test", "127.0.0.1:1", nil)
	_ = rt.AddHTTPS("dual.test", "127.0.0.1:2", ssl, nil)

	h, _ := rt.Lookup(model.ProtoHTTP, "dual.test")
	s, _ := rt.Lookup(model.ProtoHTTPS, "dual.test")
	if h.Target != "127.0.0.1:1" || s.Target != "127.0.0.1:2" {
		t.Fatalf("targets: http=%q https=%q", h.Target, s.Target)
	}
	if got := len(rt.SecureRoutes()); got != 1 {
		t.Fatalf("secure routes: got %d, want 1", got)
	}
}

func TestPut_Invalid(t *testing.T) {
	rt := New()
	cases := []model.Route{
		{Protocol: model.ProtoHTTP, Source: "", Target: "x:1"},
		{Protocol: model.ProtoHTTP, Source: "a.test"},
		{Protocol: model.ProtoIWS, Source: "a.test"},
		{Protocol: model.ProtoHTTPS, Source: "a.test", Target: "x:1"},
		{Protocol: "ftp", Source: "a.test", Target: "x:1"},
	}
	for i, r := range cases {
		if err := rt.Put(r); !errors.Is(err, ErrInvalidRoute) {
			t.Errorf("case %d: got %v, want ErrInvalidRoute", i, err)
		}
	}
	for p, n := range rt.Counts() {
		if n != 0 {
			t.Errorf("%s: got %d routes, want 0", p, n)
		}
	}
}

func TestObserver(t *testing.T) {
	rt := New()
	var got []Change
	rt.Observe(ObserverFunc(func(c Change) { got = append(got, c) }))

	_ = rt.AddHTTP("a.test", "127.0.0.1:1", nil)
	rt.DeleteHTTP("a.test")
	rt.DeleteHTTP("a.test") // absent, no notification

	if len(got) != 2 {
		t.Fatalf("changes: got %d, want 2", len(got))
	}
	if got[0].Op != OpPut || got[0].Route.Target != "127.0.0.1:1" {
		t.Errorf("first change: %+v", got[0])
	}
	if got[1].Op != OpDelete || got[1].Source != "a.test" {
		t.Errorf("second change: %+v", got[1])
	}
}

func TestListAndLoad(t *testing.T) {
	rt := New()
	err := rt.Load([]model.Route{
		{Protocol: model.ProtoIWS, Source: "b.test", ServingPath: "/srv"},
		{Protocol: model.ProtoHTTP, Source: "z.test", Target: "127.0.0.1:1"},
		{Protocol: model.ProtoHTTP, Source: "a.test", Target: "127.0.0.1:2"},
		{Protocol: model.ProtoHTTP, Source: "bad.test"},
	})
	if !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("load: got %v, want ErrInvalidRoute for the bad entry", err)
	}
	list := rt.List()
	if len(list) != 3 {
		t.Fatalf("list: got %d, want 3", len(list))
	}
	want := []string{"http/a.test", "http/z.test", "iws/b.test"}
	for i, d := range list {
		if key := d.Protocol + "/" + d.Source; key != want[i] {
			t.Errorf("list[%d]: got %s, want %s", i, key, want[i])
		}
	}
}

func TestConcurrentReadWrite(t *testing.T) {
	rt := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = rt.AddHTTP(fmt.Sprintf("h%d.test", j%10), fmt.Sprintf("127.0.0.1:%d", i), nil)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if r, ok := rt.Lookup(model.ProtoHTTP, fmt.Sprintf("h%d.test", j%10)); ok && r.Target == "" {
					t.Error("observed partially written route")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestObserver_CommitOrder(t *testing.T) {
	rt := New()
	var mu sync.Mutex
	last := map[string]string{}
	rt.Observe(ObserverFunc(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		switch c.Op {
		case OpPut:
			last[c.Source] = c.Route.Target
		case OpDelete:
			delete(last, c.Source)
		}
	}))

	for round := 0; round < 200; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i == 7 && round%3 == 0 {
					rt.DeleteHTTP("a.test")
					return
				}
				_ = rt.AddHTTP("a.test", fmt.Sprintf("127.0.0.1:%d", 9000+i), nil)
			}(i)
		}
		wg.Wait()

		r, ok := rt.Lookup(model.ProtoHTTP, "a.test")
		mu.Lock()
		seen, seenOK := last["a.test"]
		mu.Unlock()
		if ok != seenOK || r.Target != seen {
			t.Fatalf("round %d: table=%q (%v), last notification=%q (%v)", round, r.Target, ok, seen, seenOK)
		}
	}
}

func TestPut_TrimsSource(t *testing.T) {
	rt := New()
	if err := rt.AddHTTP("  a.test ", "127.0.0.1:1", nil); err != nil {
		t.Fatal(err)
	}
	if _, ok := rt.Lookup(model.ProtoHTTP, "a.test"); !ok {
		t.Fatal("trimmed source not found")
	}
	if !rt.DeleteHTTP("a.test") {
		t.Fatal("delete by trimmed source failed")
	}
}

func TestPut_RejectsZeroRateLimit(t *testing.T) {
	rt := New()
	pol := &model.TrafficPolicy{}
	pol.Upstream.RateLimit = &model.RateLimit{RequestsPerSecond: 0, Burst: 5}
	if err := rt.AddHTTP("a.test", "127.0.0.1:1", pol); !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("put: got %v, want ErrInvalidRoute", err)
	}
	if _, ok := rt.Lookup(model.ProtoHTTP, "a.test"); ok {
		t.Fatal("rejected route must not be stored")
	}
}

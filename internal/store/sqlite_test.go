package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fabian4/hostgate/internal/model"
	"github.com/fabian4/hostgate/internal/router"
)

func open(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSQLite_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := open(t)

	pol := &model.TrafficPolicy{}
	pol.Upstream.RequestTimeout = 3 * time.Second
	routes := []model.Route{
		{Protocol: model.ProtoHTTP, Source: "a.test", Target: "127.0.0.1:9001", Policy: pol},
		{Protocol: model.ProtoSecureIWS, Source: "s.test", ServingPath: "/srv/www", SSL: &model.SSLContext{CertFile: "c.pem", KeyFile: "k.pem"}},
	}
	for _, r := range routes {
		if err := s.Save(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	// last write wins for the same key
	if err := s.Save(ctx, model.Route{Protocol: model.ProtoHTTP, Source: "a.test", Target: "127.0.0.1:9002"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("load: got %d routes, want 2", len(got))
	}
	if got[0].Source != "a.test" || got[0].Target != "127.0.0.1:9002" || got[0].Policy != nil {
		t.Fatalf("http route: got %+v", got[0])
	}
	if got[1].SSL == nil || got[1].SSL.KeyFile != "k.pem" || got[1].ServingPath != "/srv/www" {
		t.Fatalf("secure_iws route: got %+v", got[1])
	}

	if err := s.Delete(ctx, model.ProtoHTTP, "a.test"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, model.ProtoHTTP, "never.test"); err != nil {
		t.Fatalf("deleting a missing route: %v", err)
	}
	if n, _ := s.Count(ctx); n != 1 {
		t.Fatalf("count: got %d, want 1", n)
	}
}

func TestSQLite_ObservesTable(t *testing.T) {
	ctx := context.Background()
	s, path := open(t)
	rt := router.New()
	rt.Observe(s)

	pol := &model.TrafficPolicy{}
	pol.Upstream.MaxBodyBytes = 1024
	_ = rt.AddHTTP("a.test", "127.0.0.1:9001", pol)
	_ = rt.AddIWS("b.test", "/srv/b", nil)
	_ = rt.AddIWS("c.test", "/srv/c", nil)
	rt.DeleteIWS("c.test")
	_ = s.Close()

	// reopen and restore into a fresh table
	s2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s2.Close() }()
	routes, err := s2.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	fresh := router.New()
	if err := fresh.Load(routes); err != nil {
		t.Fatal(err)
	}
	r, ok := fresh.Lookup(model.ProtoHTTP, "a.test")
	if !ok || r.Policy == nil || r.Policy.Upstream.MaxBodyBytes != 1024 {
		t.Fatalf("restored a.test: got %+v, %v", r, ok)
	}
	if _, ok := fresh.Lookup(model.ProtoIWS, "c.test"); ok {
		t.Fatal("deleted route was restored")
	}
	if counts := fresh.Counts(); counts[model.ProtoIWS] != 1 {
		t.Fatalf("iws count: got %d, want 1", counts[model.ProtoIWS])
	}
}

func TestSQLite_Replace(t *testing.T) {
	ctx := context.Background()
	s, _ := open(t)
	_ = s.Save(ctx, model.Route{Protocol: model.ProtoHTTP, Source: "old.test", Target: "127.0.0.1:1"})

	err := s.Replace(ctx, []model.Route{
		{Protocol: model.ProtoHTTP, Source: "new.test", Target: "127.0.0.1:2"},
		{Protocol: model.ProtoIWS, Source: "new.test", ServingPath: "/srv"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Source != "new.test" || got[1].Source != "new.test" {
		t.Fatalf("after replace: %+v", got)
	}
}

func TestSQLite_LoadSkipsCorruptRows(t *testing.T) {
	ctx := context.Background()
	s, _ := open(t)
	_ = s.Save(ctx, model.Route{Protocol: model.ProtoHTTP, Source: "ok.test", Target: "127.0.0.1:1"})
	if _, err := s.db.Exec(`INSERT INTO routes VALUES ('http', 'bad.test', '{not json', 0)`); err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(ctx)
	if err == nil {
		t.Fatal("want an error naming the corrupt row")
	}
	if len(got) != 1 || got[0].Source != "ok.test" {
		t.Fatalf("valid rows: got %+v", got)
	}
}

func TestSQLite_ConcurrentWritesMatchTable(t *testing.T) {
	ctx := context.Background()
	s, _ := open(t)
	rt := router.New()
	rt.Observe(s)

	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = rt.AddHTTP("a.test", fmt.Sprintf("127.0.0.1:%d", 9000+i), nil)
			}(i)
		}
		wg.Wait()

		live, _ := rt.Lookup(model.ProtoHTTP, "a.test")
		stored, err := s.Load(ctx)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(stored) != 1 || stored[0].Target != live.Target {
			t.Fatalf("round %d: table=%s store=%+v", round, live.Target, stored)
		}
	}
}

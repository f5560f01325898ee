package health

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func passing(context.Context) Status { return Status{Healthy: true} }

func TestCheckAll_EmptyIsHealthy(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Error("Expected empty registry to be healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("Expected 0 statuses, got %d", len(statuses))
	}
}

func TestCheckAll_OneFailingProbe(t *testing.T) {
	r := NewRegistry()
	r.Register("database", passing)
	r.Register("redis", func(context.Context) Status {
		return Status{Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("Expected unhealthy aggregate")
	}
	if len(statuses) != 2 {
		t.Fatalf("Expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" || statuses[1].Name != "redis" {
		t.Errorf("Expected registration order, got %s, %s", statuses[0].Name, statuses[1].Name)
	}
	if statuses[1].Detail != "connection refused" {
		t.Errorf("Expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestCheckAll_SlowProbeTimesOut(t *testing.T) {
	r := NewRegistry().WithTimeout(20 * time.Millisecond)
	r.Register("stuck", func(context.Context) Status {
		time.Sleep(time.Second)
		return Status{Healthy: true}
	})
	r.Register("database", passing)

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Expected CheckAll to return near the timeout, took %s", elapsed)
	}
	if healthy {
		t.Error("Expected timed out probe to fail the aggregate")
	}
	if !strings.Contains(statuses[0].Detail, "timed out") {
		t.Errorf("Expected timeout detail, got %q", statuses[0].Detail)
	}
	if !statuses[1].Healthy {
		t.Error("Expected database probe to pass")
	}
}

func TestRegister_ReplacesSameName(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status { return Status{} })
	r.Register("database", passing)

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy || len(statuses) != 1 {
		t.Errorf("Expected one passing probe, got healthy=%v statuses=%d", healthy, len(statuses))
	}
}

func TestRegistry_ConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			r.Register("probe", passing)
			return nil
		})
		g.Go(func() error {
			r.CheckAll(context.Background())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestPingChecker(t *testing.T) {
	if st := PingChecker(fakePinger{})(context.Background()); !st.Healthy {
		t.Error("Expected successful ping to pass")
	}
	st := PingChecker(fakePinger{err: errors.New("dial tcp: refused")})(context.Background())
	if st.Healthy {
		t.Error("Expected failed ping to fail")
	}
	if st.Detail != "dial tcp: refused" {
		t.Errorf("Expected ping error as detail, got %q", st.Detail)
	}
}

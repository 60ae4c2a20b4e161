package obs

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKVCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cfg := DefaultKVBreakerConfig(OpSync)
	cfg.MaxFailures = 3
	cfg.MinRequests = 100 // keep the failure-rate path from tripping first
	cb := NewKVCircuitBreaker(cfg)

	failing := errors.New("boom")
	for i := 0; i < 3; i++ {
		if err := cb.Execute(context.Background(), func() error { return failing }); !errors.Is(err, failing) {
			t.Fatalf("expected underlying error to pass through, got %v", err)
		}
	}

	if state := cb.State(); state != CircuitOpen {
		t.Fatalf("expected circuit to be open after %d failures, got %v", cfg.MaxFailures, state)
	}

	err := cb.Execute(context.Background(), func() error { return nil })
	var openErr *ErrBreakerOpen
	if !errors.As(err, &openErr) {
		t.Fatalf("expected open circuit to reject with ErrBreakerOpen, got %v", err)
	}
	if openErr.Operation != OpSync {
		t.Fatalf("expected rejection to name the sync operation, got %q", openErr.Operation)
	}
}

func TestKVCircuitBreakerStaysClosedOnSuccess(t *testing.T) {
	cb := NewKVCircuitBreaker(DefaultKVBreakerConfig(OpFlush))
	for i := 0; i < 5; i++ {
		if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if state := cb.State(); state != CircuitClosed {
		t.Fatalf("expected circuit to stay closed, got %v", state)
	}
}

func TestKVCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cfg := DefaultKVBreakerConfig(OpGC)
	cfg.MaxFailures = 1
	cfg.MinRequests = 100
	cfg.Timeout = time.Millisecond
	cfg.MaxRequests = 1
	cb := NewKVCircuitBreaker(cfg)

	failing := errors.New("boom")
	_ = cb.Execute(context.Background(), func() error { return failing })
	if state := cb.State(); state != CircuitOpen {
		t.Fatalf("expected open circuit, got %v", state)
	}

	time.Sleep(2 * time.Millisecond)
	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("expected half-open probe to be allowed through, got %v", err)
	}
	if state := cb.State(); state != CircuitClosed {
		t.Fatalf("expected circuit to close after a successful half-open probe, got %v", state)
	}
}

func TestKVBreakerRegistryIsolatesOperations(t *testing.T) {
	reg := NewKVBreakerRegistry()
	a := reg.GetOrCreate(OpSync)
	b := reg.GetOrCreate(OpSync)
	if a != b {
		t.Fatal("expected GetOrCreate to return the same breaker for the same operation")
	}

	cfgFailures := DefaultKVBreakerConfig(OpGC)
	_ = cfgFailures // gc! breaker created lazily below via Execute

	failing := errors.New("boom")
	for i := 0; i < a.config.MaxFailures; i++ {
		_ = reg.Execute(context.Background(), OpGC, func() error { return failing })
	}
	if _, ok := reg.Get(OpGC); !ok {
		t.Fatal("expected gc breaker to exist after Execute")
	}
	if reg.States()[OpGC] != CircuitOpen {
		t.Fatalf("expected gc breaker to be open, got %v", reg.States()[OpGC])
	}
	if reg.States()[OpSync] != CircuitClosed {
		t.Fatal("expected sync breaker to be unaffected by gc breaker tripping")
	}

	reg.ResetAll()
	if reg.States()[OpGC] != CircuitClosed {
		t.Fatal("expected ResetAll to close the gc breaker")
	}
}

func TestHealthCheckerAggregatesComponents(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("a", func(context.Context) ComponentStatus {
		return ComponentStatus{Healthy: true}
	})
	hc.Register("b", func(context.Context) ComponentStatus {
		return ComponentStatus{Healthy: false, Message: "down"}
	})

	status := hc.Check(context.Background())
	if status.Healthy {
		t.Fatal("expected aggregate status to be unhealthy when any component is unhealthy")
	}
	if len(status.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(status.Components))
	}
	if status.Components["b"].Message != "down" {
		t.Fatalf("expected component b's message to be preserved, got %q", status.Components["b"].Message)
	}
}

func TestHealthCheckerAllHealthy(t *testing.T) {
	hc := NewHealthChecker()
	hc.Register("a", func(context.Context) ComponentStatus {
		return ComponentStatus{Healthy: true}
	})
	status := hc.Check(context.Background())
	if !status.Healthy {
		t.Fatal("expected aggregate status to be healthy when all components are healthy")
	}
}

package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

// A disabled provider must be safe to thread through the whole pipeline.
func TestDisabledProviderNoops(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	if err != nil {
		t.Fatalf("disabled provider should not error: %v", err)
	}

	opCtx, done := p.TrackOperation(ctx, "eje.process")
	if opCtx == nil {
		t.Fatal("expected context from TrackOperation")
	}
	done(errors.New("boom"))

	p.RecordError(ctx, errors.New("boom"))
	p.RecordCriticDuration(ctx, "safety", 10*time.Millisecond, false)
	p.RecordFallback(ctx, "timeout_exceeded", "conservative")
	p.RecordOverride(ctx, "ethics_officer")

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestTracerFallsBackToGlobal(t *testing.T) {
	p := &Provider{}
	if p.Tracer() == nil {
		t.Fatal("expected a tracer even when uninitialized")
	}
}

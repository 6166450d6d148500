package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.TickDuration == nil {
		t.Error("TickDuration is nil")
	}
	if m.TasksDispatched == nil {
		t.Error("TasksDispatched is nil")
	}
	if m.TasksSkipped == nil {
		t.Error("TasksSkipped is nil")
	}
	if m.RunDuration == nil {
		t.Error("RunDuration is nil")
	}
	if m.RunErrors == nil {
		t.Error("RunErrors is nil")
	}
	if m.ActiveRuns == nil {
		t.Error("ActiveRuns is nil")
	}
	if m.StoreSaves == nil {
		t.Error("StoreSaves is nil")
	}
	if m.StoreSaveErrors == nil {
		t.Error("StoreSaveErrors is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter — instruments still create cleanly.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

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

	if m.RunDuration == nil {
		t.Error("RunDuration is nil")
	}
	if m.StageDuration == nil {
		t.Error("StageDuration is nil")
	}
	if m.TaskDuration == nil {
		t.Error("TaskDuration is nil")
	}
	if m.QueueDepth == nil {
		t.Error("QueueDepth is nil")
	}
	if m.QueueRejects == nil {
		t.Error("QueueRejects is nil")
	}
	if m.Redeliveries == nil {
		t.Error("Redeliveries is nil")
	}
	if m.TaskRetries == nil {
		t.Error("TaskRetries is nil")
	}
	if m.ConflictsTotal == nil {
		t.Error("ConflictsTotal is nil")
	}
	if m.DegradedStages == nil {
		t.Error("DegradedStages is nil")
	}
	if m.MemoryEvictions == nil {
		t.Error("MemoryEvictions is nil")
	}
	if m.ActiveRuns == nil {
		t.Error("ActiveRuns is nil")
	}
	if m.ResolveDuration == nil {
		t.Error("ResolveDuration is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
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

package engine

import (
	"testing"
	"time"
)

type mockMetricsCollector struct {
	sessions      int
	transfers     int
	bypassChecks  int
	backpressures int
}

func (m *mockMetricsCollector) RecordSession(side, outcome string)             { m.sessions++ }
func (m *mockMetricsCollector) RecordTransfer(side string, b int64, d time.Duration) {
	m.transfers++
}
func (m *mockMetricsCollector) RecordBypass(accepted bool)  { m.bypassChecks++ }
func (m *mockMetricsCollector) RecordBackpressure(depth int) { m.backpressures++ }

func TestWithMetricsIsWired(t *testing.T) {
	mock := &mockMetricsCollector{}
	e := New(&memWriter{}, AutoConfirmer{}, &manualTimer{}, WithMetrics(mock))
	if e.metrics != mock {
		t.Fatal("expected metrics collector to be set")
	}
}

func TestNopMetricsIsNilSafe(t *testing.T) {
	var m MetricsCollector = NopMetrics{}
	m.RecordSession("send", "accepted")
	m.RecordTransfer("receive", 100, time.Second)
	m.RecordBypass(true)
	m.RecordBackpressure(3)
}

func TestDefaultMetricsIsNop(t *testing.T) {
	e := New(&memWriter{}, AutoConfirmer{}, &manualTimer{})
	if _, ok := e.metrics.(NopMetrics); !ok {
		t.Fatalf("expected default metrics to be NopMetrics, got %T", e.metrics)
	}
}

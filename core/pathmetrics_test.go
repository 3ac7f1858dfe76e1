package core

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mediastreamlabs/wansim/model"
)

var monitorStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestMonitor(t *testing.T) *PathMetricsMonitor {
	t.Helper()

	m := NewPathMetricsMonitor(map[uint16]model.IfaceID{5004: 1, 9: 2}, 1, nil)
	m.Initialize([]model.IfaceID{1, 2}, monitorStart)
	return m
}

// feedLatency pushes n send/receive pairs of the same latency through an
// interface, starting at packet ID base.
func feedLatency(m *PathMetricsMonitor, iface model.IfaceID, base uint64, n int, latency time.Duration, at time.Time) {
	for i := 0; i < n; i++ {
		id := base + uint64(i)
		m.RecordSend(id, iface, at)
		m.RecordReceive(id, iface, at.Add(latency))
	}
}

func TestLatencyUnknownInterface(t *testing.T) {
	m := newTestMonitor(t)

	if _, err := m.Latency(99); !errors.Is(err, ErrUnknownInterface) {
		t.Fatalf("Latency(99) error = %v, want ErrUnknownInterface", err)
	}
	if _, err := m.Bandwidth(99); !errors.Is(err, ErrUnknownInterface) {
		t.Fatalf("Bandwidth(99) error = %v, want ErrUnknownInterface", err)
	}
	if _, err := m.Metrics(99); !errors.Is(err, ErrUnknownInterface) {
		t.Fatalf("Metrics(99) error = %v, want ErrUnknownInterface", err)
	}
}

func TestRecordRoundTripLatency(t *testing.T) {
	m := newTestMonitor(t)

	m.RecordSend(1, 1, monitorStart)
	m.RecordReceive(1, 1, monitorStart.Add(25*time.Millisecond))

	got, err := m.Latency(1)
	if err != nil {
		t.Fatalf("Latency: %v", err)
	}
	if math.Abs(got-25.0) > 1e-9 {
		t.Fatalf("Latency = %v ms, want 25", got)
	}

	rec, err := m.Metrics(1)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if rec.PacketsSent != 1 || rec.PacketsReceived != 1 {
		t.Fatalf("counters = sent %d recv %d, want 1/1", rec.PacketsSent, rec.PacketsReceived)
	}
}

func TestLatencyHistoryBounded(t *testing.T) {
	m := newTestMonitor(t)

	// 150 samples with latency equal to the sample index in ms; only the
	// last 100 (indexes 50..149, mean 99.5) should survive.
	for i := 0; i < 150; i++ {
		id := uint64(i + 1)
		m.RecordSend(id, 1, monitorStart)
		m.RecordReceive(id, 1, monitorStart.Add(time.Duration(i)*time.Millisecond))
	}

	got, err := m.Latency(1)
	if err != nil {
		t.Fatalf("Latency: %v", err)
	}
	if math.Abs(got-99.5) > 1e-9 {
		t.Fatalf("smoothed latency = %v, want 99.5", got)
	}
}

func TestReceiveWithoutSendIgnored(t *testing.T) {
	m := newTestMonitor(t)

	m.RecordReceive(42, 1, monitorStart)

	rec, err := m.Metrics(1)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if rec.PacketsReceived != 0 || rec.LatencyMs != 0 {
		t.Fatalf("stale receive mutated metrics: %+v", rec)
	}
}

func TestSendOnUnknownInterfaceDropped(t *testing.T) {
	m := newTestMonitor(t)

	m.RecordSend(1, 99, monitorStart)
	if got := m.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d, want 0", got)
	}
}

func TestRecomputeBandwidthAttribution(t *testing.T) {
	m := newTestMonitor(t)

	flows := []model.FlowSummary{
		{
			FlowID: "video-1", DstPort: 5004,
			BytesReceived: 1_250_000,
			FirstSend:     monitorStart, LastReceive: monitorStart.Add(10 * time.Second),
		},
		{
			FlowID: "bulk-1", DstPort: 9,
			BytesReceived: 12_500_000,
			FirstSend:     monitorStart, LastReceive: monitorStart.Add(10 * time.Second),
		},
		// Unmapped port falls back to the default interface (1),
		// overwriting the video flow's estimate: last writer wins.
		{
			FlowID: "misc-1", DstPort: 4000,
			BytesReceived: 2_500_000,
			FirstSend:     monitorStart, LastReceive: monitorStart.Add(10 * time.Second),
		},
	}
	m.RecomputeBandwidth(flows, monitorStart.Add(10*time.Second))

	bw1, err := m.Bandwidth(1)
	if err != nil {
		t.Fatalf("Bandwidth(1): %v", err)
	}
	if math.Abs(bw1-2.0) > 1e-9 {
		t.Fatalf("Bandwidth(1) = %v Mbps, want 2 (last writer)", bw1)
	}

	bw2, err := m.Bandwidth(2)
	if err != nil {
		t.Fatalf("Bandwidth(2): %v", err)
	}
	if math.Abs(bw2-10.0) > 1e-9 {
		t.Fatalf("Bandwidth(2) = %v Mbps, want 10", bw2)
	}
}

func TestRecomputeBandwidthSkipsEmptyFlows(t *testing.T) {
	m := newTestMonitor(t)

	m.RecomputeBandwidth([]model.FlowSummary{{FlowID: "idle", DstPort: 5004}}, monitorStart)

	bw, err := m.Bandwidth(1)
	if err != nil {
		t.Fatalf("Bandwidth: %v", err)
	}
	if bw != 0 {
		t.Fatalf("Bandwidth = %v, want 0 for idle flow", bw)
	}
}

func TestSweepPendingEvictsStaleEntries(t *testing.T) {
	m := newTestMonitor(t)
	m.SetPendingMaxAge(5 * time.Second)

	m.RecordSend(1, 1, monitorStart)
	m.RecordSend(2, 1, monitorStart.Add(4*time.Second))

	if evicted := m.SweepPending(monitorStart.Add(6 * time.Second)); evicted != 1 {
		t.Fatalf("SweepPending evicted %d, want 1", evicted)
	}
	if got := m.PendingCount(); got != 1 {
		t.Fatalf("PendingCount = %d, want 1", got)
	}

	// The swept packet's late arrival no longer counts.
	m.RecordReceive(1, 1, monitorStart.Add(7*time.Second))
	rec, err := m.Metrics(1)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if rec.PacketsReceived != 0 {
		t.Fatalf("PacketsReceived = %d, want 0 after sweep", rec.PacketsReceived)
	}
}

func TestLatencyQuantile(t *testing.T) {
	m := newTestMonitor(t)

	// Samples 1..100 ms: the empirical p95 falls on the 95 ms sample.
	for i := 1; i <= 100; i++ {
		id := uint64(i)
		m.RecordSend(id, 1, monitorStart)
		m.RecordReceive(id, 1, monitorStart.Add(time.Duration(i)*time.Millisecond))
	}

	p95, err := m.LatencyQuantile(1, 0.95)
	if err != nil {
		t.Fatalf("LatencyQuantile: %v", err)
	}
	if math.Abs(p95-95.0) > 1e-9 {
		t.Fatalf("p95 = %v, want 95", p95)
	}

	// No samples yet on the secondary.
	p95, err = m.LatencyQuantile(2, 0.95)
	if err != nil {
		t.Fatalf("LatencyQuantile(2): %v", err)
	}
	if p95 != 0 {
		t.Fatalf("empty-window p95 = %v, want 0", p95)
	}

	if _, err := m.LatencyQuantile(99, 0.95); !errors.Is(err, ErrUnknownInterface) {
		t.Fatalf("LatencyQuantile(99) error = %v, want ErrUnknownInterface", err)
	}
}

func TestSnapshotCopies(t *testing.T) {
	m := newTestMonitor(t)
	feedLatency(m, 1, 1, 3, 10*time.Millisecond, monitorStart)

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot size = %d, want 2", len(snap))
	}
	snap[1] = PathMetrics{LatencyMs: 999}

	got, err := m.Latency(1)
	if err != nil {
		t.Fatalf("Latency: %v", err)
	}
	if math.Abs(got-10.0) > 1e-9 {
		t.Fatalf("Latency after snapshot mutation = %v, want 10", got)
	}
}

package core

import (
	"math"
	"testing"
	"time"
)

func TestFlowCollectorAccounting(t *testing.T) {
	fc := NewFlowCollector()
	start := monitorStart

	fc.RecordSent("f1", 5004, 160, start)
	fc.RecordSent("f1", 5004, 160, start.Add(20*time.Millisecond))
	fc.RecordDelivered("f1", 160, 12.0, start.Add(12*time.Millisecond))
	fc.RecordLost("f1")

	sums := fc.Summaries()
	if len(sums) != 1 {
		t.Fatalf("Summaries len = %d, want 1", len(sums))
	}
	f := sums[0]
	if f.PacketsSent != 2 || f.PacketsRecv != 1 || f.PacketsLost != 1 {
		t.Fatalf("counters = %d/%d/%d, want 2/1/1", f.PacketsSent, f.PacketsRecv, f.PacketsLost)
	}
	if f.BytesSent != 320 || f.BytesReceived != 160 {
		t.Fatalf("bytes = %d/%d, want 320/160", f.BytesSent, f.BytesReceived)
	}
	if !f.FirstSend.Equal(start) {
		t.Fatalf("FirstSend = %v, want %v", f.FirstSend, start)
	}
	if math.Abs(f.DelaySumMs-12.0) > 1e-9 {
		t.Fatalf("DelaySumMs = %v, want 12", f.DelaySumMs)
	}
}

func TestFlowCollectorFirstSendFixed(t *testing.T) {
	fc := NewFlowCollector()
	start := monitorStart

	fc.RecordSent("f1", 5004, 100, start)
	fc.RecordSent("f1", 5004, 100, start.Add(time.Second))

	if got := fc.Summaries()[0].FirstSend; !got.Equal(start) {
		t.Fatalf("FirstSend = %v, want first call's timestamp %v", got, start)
	}
}

func TestFlowCollectorUnknownFlowIgnored(t *testing.T) {
	fc := NewFlowCollector()

	// Deliveries and losses for flows never sent are dropped rather than
	// creating phantom records.
	fc.RecordDelivered("ghost", 100, 5.0, monitorStart)
	fc.RecordLost("ghost")

	if got := len(fc.Summaries()); got != 0 {
		t.Fatalf("Summaries len = %d, want 0", got)
	}
}

func TestFlowCollectorCreationOrder(t *testing.T) {
	fc := NewFlowCollector()

	fc.RecordSent("b", 9, 100, monitorStart)
	fc.RecordSent("a", 5004, 100, monitorStart)
	fc.RecordSent("c", 9, 100, monitorStart)

	sums := fc.Summaries()
	want := []string{"b", "a", "c"}
	for i, id := range want {
		if sums[i].FlowID != id {
			t.Fatalf("Summaries[%d] = %q, want %q", i, sums[i].FlowID, id)
		}
	}
}

func TestFlowCollectorSummariesByPort(t *testing.T) {
	fc := NewFlowCollector()

	fc.RecordSent("v1", 5004, 100, monitorStart)
	fc.RecordSent("b1", 9, 100, monitorStart)
	fc.RecordSent("b2", 9, 100, monitorStart)

	byPort := fc.SummariesByPort()
	if len(byPort[5004]) != 1 || len(byPort[9]) != 2 {
		t.Fatalf("group sizes = %d/%d, want 1/2", len(byPort[5004]), len(byPort[9]))
	}
	if byPort[9][0].FlowID != "b1" || byPort[9][1].FlowID != "b2" {
		t.Fatalf("port 9 order = %q, %q", byPort[9][0].FlowID, byPort[9][1].FlowID)
	}
}

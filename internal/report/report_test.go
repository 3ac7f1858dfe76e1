package report

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/mediastreamlabs/wansim/model"
)

func classByPort(dstPort uint16) string {
	switch dstPort {
	case 5004, 5005:
		return "video"
	case 9, 21:
		return "bulk-data"
	default:
		return "default"
	}
}

func sampleFlows() []model.FlowSummary {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return []model.FlowSummary{
		{
			FlowID:        "video-1",
			DstPort:       5004,
			BytesSent:     10_000,
			BytesReceived: 10_000,
			PacketsSent:   100,
			PacketsRecv:   100,
			FirstSend:     start,
			LastReceive:   start.Add(10 * time.Second),
			DelaySumMs:    1200,
		},
		{
			FlowID:        "bulk-1",
			DstPort:       9,
			BytesSent:     1_000_000,
			BytesReceived: 900_000,
			PacketsSent:   1000,
			PacketsRecv:   900,
			PacketsLost:   100,
			FirstSend:     start,
			LastReceive:   start.Add(10 * time.Second),
			DelaySumMs:    27_000,
		},
	}
}

func TestBuildPerFlowFigures(t *testing.T) {
	r := Build("unit", 10*time.Second, 2, sampleFlows(), classByPort)

	if len(r.Flows) != 2 {
		t.Fatalf("flows = %d, want 2", len(r.Flows))
	}

	video := r.Flows[0]
	if video.Class != "video" {
		t.Fatalf("video class = %q, want %q", video.Class, "video")
	}
	if got, want := video.MeanLatencyMs, 12.0; math.Abs(got-want) > 1e-9 {
		t.Fatalf("video mean latency = %v, want %v", got, want)
	}
	if got, want := video.ThroughputMbps, 10_000*8.0/10/1e6; math.Abs(got-want) > 1e-9 {
		t.Fatalf("video throughput = %v, want %v", got, want)
	}

	bulk := r.Flows[1]
	if got, want := bulk.LossRate, 0.1; math.Abs(got-want) > 1e-9 {
		t.Fatalf("bulk loss rate = %v, want %v", got, want)
	}
	if got, want := bulk.MeanLatencyMs, 30.0; math.Abs(got-want) > 1e-9 {
		t.Fatalf("bulk mean latency = %v, want %v", got, want)
	}
}

func TestBuildClassAggregates(t *testing.T) {
	r := Build("unit", 10*time.Second, 0, sampleFlows(), classByPort)

	if len(r.Classes) != 2 {
		t.Fatalf("classes = %d, want 2", len(r.Classes))
	}
	// Sorted by class name: bulk-data before video.
	if r.Classes[0].Class != "bulk-data" || r.Classes[1].Class != "video" {
		t.Fatalf("class order = %q, %q", r.Classes[0].Class, r.Classes[1].Class)
	}

	bulk := r.Classes[0]
	if bulk.Flows != 1 {
		t.Fatalf("bulk flows = %d, want 1", bulk.Flows)
	}
	if got, want := bulk.MeanLossRate, 0.1; math.Abs(got-want) > 1e-9 {
		t.Fatalf("bulk mean loss = %v, want %v", got, want)
	}
	if got, want := bulk.TotalThroughputMbps, 900_000*8.0/10/1e6; math.Abs(got-want) > 1e-9 {
		t.Fatalf("bulk throughput = %v, want %v", got, want)
	}
}

func TestWriteTextMentionsEveryFlowAndClass(t *testing.T) {
	r := Build("render", 10*time.Second, 3, sampleFlows(), classByPort)

	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	out := buf.String()

	for _, want := range []string{"render", "3 path switch", "video-1", "bulk-1", "video", "bulk-data"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report output missing %q:\n%s", want, out)
		}
	}
}

func TestBuildEmptyFlows(t *testing.T) {
	r := Build("empty", time.Second, 0, nil, classByPort)
	if len(r.Flows) != 0 || len(r.Classes) != 0 {
		t.Fatalf("expected empty report, got %d flows %d classes", len(r.Flows), len(r.Classes))
	}

	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
}

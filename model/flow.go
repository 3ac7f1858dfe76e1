package model

import "time"

// FlowSummary is a completed-flow statistics record handed to the metrics
// monitor for bandwidth estimation and to the end-of-run report.
type FlowSummary struct {
	FlowID        string
	DstPort       uint16
	BytesSent     uint64
	BytesReceived uint64
	PacketsSent   uint64
	PacketsRecv   uint64
	PacketsLost   uint64

	// FirstSend and LastReceive bound the observation window used for
	// throughput computation.
	FirstSend   time.Time
	LastReceive time.Time

	// DelaySumMs accumulates per-packet delivery latency so the report can
	// derive a mean without keeping per-packet samples.
	DelaySumMs float64
}

// ThroughputMbps returns the flow's observed throughput over its window, or
// zero when the window is empty or degenerate.
func (f FlowSummary) ThroughputMbps() float64 {
	window := f.LastReceive.Sub(f.FirstSend).Seconds()
	if window <= 0 || f.BytesReceived == 0 {
		return 0
	}
	return float64(f.BytesReceived) * 8 / window / 1e6
}

// MeanLatencyMs returns the flow's mean delivery latency, or zero when no
// packets were received.
func (f FlowSummary) MeanLatencyMs() float64 {
	if f.PacketsRecv == 0 {
		return 0
	}
	return f.DelaySumMs / float64(f.PacketsRecv)
}

// LossRate returns the fraction of sent packets that were lost.
func (f FlowSummary) LossRate() float64 {
	if f.PacketsSent == 0 {
		return 0
	}
	return float64(f.PacketsLost) / float64(f.PacketsSent)
}

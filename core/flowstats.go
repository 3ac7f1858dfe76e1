package core

import (
	"sort"
	"sync"
	"time"

	"github.com/mediastreamlabs/wansim/model"
)

// FlowCollector accumulates per-flow delivery statistics: bytes, packet
// counts, first-send/last-receive window, and summed delivery latency. It is
// the in-repo analog of an external flow monitor: its summaries feed both
// the monitor's bandwidth recomputation and the end-of-run report.
type FlowCollector struct {
	mu    sync.Mutex
	flows map[string]*model.FlowSummary
	order []string
}

// NewFlowCollector creates an empty collector.
func NewFlowCollector() *FlowCollector {
	return &FlowCollector{flows: make(map[string]*model.FlowSummary)}
}

func (fc *FlowCollector) flow(flowID string, dstPort uint16) *model.FlowSummary {
	f, ok := fc.flows[flowID]
	if !ok {
		f = &model.FlowSummary{FlowID: flowID, DstPort: dstPort}
		fc.flows[flowID] = f
		fc.order = append(fc.order, flowID)
	}
	return f
}

// RecordSent notes a packet leaving its source. The first call fixes the
// flow's window start.
func (fc *FlowCollector) RecordSent(flowID string, dstPort uint16, bytes int, now time.Time) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	f := fc.flow(flowID, dstPort)
	if f.PacketsSent == 0 {
		f.FirstSend = now
	}
	f.PacketsSent++
	f.BytesSent += uint64(bytes)
}

// RecordDelivered notes a packet reaching its destination.
func (fc *FlowCollector) RecordDelivered(flowID string, bytes int, latencyMs float64, now time.Time) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	f, ok := fc.flows[flowID]
	if !ok {
		return
	}
	f.PacketsRecv++
	f.BytesReceived += uint64(bytes)
	f.DelaySumMs += latencyMs
	f.LastReceive = now
}

// RecordLost notes a packet dropped in transit.
func (fc *FlowCollector) RecordLost(flowID string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if f, ok := fc.flows[flowID]; ok {
		f.PacketsLost++
	}
}

// Summaries returns a copy of all flow records in flow-creation order.
func (fc *FlowCollector) Summaries() []model.FlowSummary {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	out := make([]model.FlowSummary, 0, len(fc.flows))
	for _, id := range fc.order {
		out = append(out, *fc.flows[id])
	}
	return out
}

// SummariesByPort returns flow records grouped by destination port, each
// group sorted by flow ID.
func (fc *FlowCollector) SummariesByPort() map[uint16][]model.FlowSummary {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	out := make(map[uint16][]model.FlowSummary)
	for _, id := range fc.order {
		f := fc.flows[id]
		out[f.DstPort] = append(out[f.DstPort], *f)
	}
	for port := range out {
		group := out[port]
		sort.SliceStable(group, func(i, j int) bool { return group[i].FlowID < group[j].FlowID })
	}
	return out
}

package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/mediastreamlabs/wansim/internal/logging"
	"github.com/mediastreamlabs/wansim/model"
)

var ErrUnknownInterface = errors.New("unknown interface")

// latencyHistoryCap bounds the per-interface latency sample window that the
// smoothed estimate is computed over.
const latencyHistoryCap = 100

// defaultPendingMaxAge is how long an unmatched send observation survives
// before the sweep evicts it as a lost packet.
const defaultPendingMaxAge = 10 * time.Second

// PathMetrics is the per-interface metrics record maintained by the monitor.
type PathMetrics struct {
	LatencyMs       float64
	BandwidthMbps   float64
	PacketsSent     uint64
	PacketsReceived uint64
	LastUpdate      time.Time
}

type pendingSend struct {
	iface  model.IfaceID
	sentAt time.Time
}

// PathMetricsMonitor maintains smoothed latency and bandwidth estimates per
// logical egress interface, fed by packet send/receive observations and
// periodic flow summaries.
//
// Latency queries for interfaces never passed to Initialize return
// ErrUnknownInterface; observations for unknown interfaces are dropped.
type PathMetricsMonitor struct {
	mu sync.RWMutex

	metrics map[model.IfaceID]*PathMetrics
	history map[model.IfaceID][]float64
	pending map[uint64]pendingSend

	// portToIface attributes flow throughput to an egress interface by the
	// flow's destination port; flows with unmapped ports fall back to
	// defaultIface.
	portToIface  map[uint16]model.IfaceID
	defaultIface model.IfaceID

	pendingMaxAge time.Duration

	log logging.Logger
}

// NewPathMetricsMonitor constructs a monitor. portToIface maps flow
// destination ports to the interface their throughput is attributed to;
// defaultIface receives flows with unmapped ports.
func NewPathMetricsMonitor(portToIface map[uint16]model.IfaceID, defaultIface model.IfaceID, log logging.Logger) *PathMetricsMonitor {
	if log == nil {
		log = logging.Noop()
	}
	if portToIface == nil {
		portToIface = make(map[uint16]model.IfaceID)
	}
	return &PathMetricsMonitor{
		metrics:       make(map[model.IfaceID]*PathMetrics),
		history:       make(map[model.IfaceID][]float64),
		pending:       make(map[uint64]pendingSend),
		portToIface:   portToIface,
		defaultIface:  defaultIface,
		pendingMaxAge: defaultPendingMaxAge,
		log:           log,
	}
}

// Initialize creates a zeroed metrics record for each interface. It must be
// called before any observation or query.
func (m *PathMetricsMonitor) Initialize(ifaceIDs []model.IfaceID, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ifaceIDs {
		if _, exists := m.metrics[id]; exists {
			continue
		}
		m.metrics[id] = &PathMetrics{LastUpdate: now}
		m.history[id] = make([]float64, 0, latencyHistoryCap)
	}
}

// RecordSend records the send timestamp for a packet departing through
// iface. A reused packet ID overwrites the stale pending entry.
func (m *PathMetricsMonitor) RecordSend(packetID uint64, iface model.IfaceID, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.metrics[iface]
	if !ok {
		m.log.Debug(context.Background(), "send observation on uninitialized interface",
			logging.Int("ifindex", int(iface)))
		return
	}
	m.pending[packetID] = pendingSend{iface: iface, sentAt: now}
	rec.PacketsSent++
}

// RecordReceive matches a receive observation against its pending send,
// folds the latency sample into the interface's smoothed estimate, and
// retires the pending entry. A receive with no pending send (out-of-order,
// duplicate, or already swept) is ignored.
func (m *PathMetricsMonitor) RecordReceive(packetID uint64, iface model.IfaceID, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sent, ok := m.pending[packetID]
	if !ok {
		m.log.Debug(context.Background(), "receive observation with no pending send",
			logging.Int("packet_id", int(packetID)),
			logging.Int("ifindex", int(iface)))
		return
	}
	rec, ok := m.metrics[iface]
	if !ok {
		return
	}

	latencyMs := now.Sub(sent.sentAt).Seconds() * 1e3

	hist := append(m.history[iface], latencyMs)
	if len(hist) > latencyHistoryCap {
		hist = hist[len(hist)-latencyHistoryCap:]
	}
	m.history[iface] = hist

	rec.LatencyMs = stat.Mean(hist, nil)
	rec.PacketsReceived++
	rec.LastUpdate = now
	delete(m.pending, packetID)
}

// RecomputeBandwidth overwrites per-interface bandwidth estimates from a
// pass over completed-flow summaries. Multiple flows attributed to the same
// interface are not averaged; the last one processed wins.
func (m *PathMetricsMonitor) RecomputeBandwidth(flows []model.FlowSummary, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range flows {
		mbps := f.ThroughputMbps()
		if mbps == 0 {
			continue
		}
		iface, ok := m.portToIface[f.DstPort]
		if !ok {
			iface = m.defaultIface
		}
		rec, ok := m.metrics[iface]
		if !ok {
			continue
		}
		rec.BandwidthMbps = mbps
		rec.LastUpdate = now
	}
}

// SweepPending evicts pending-send entries older than the configured max
// age. This bounds the table in the presence of packet loss; eviction does
// not count as a receive. It returns the number of entries evicted.
func (m *PathMetricsMonitor) SweepPending(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, p := range m.pending {
		if now.Sub(p.sentAt) > m.pendingMaxAge {
			delete(m.pending, id)
			evicted++
		}
	}
	if evicted > 0 {
		m.log.Debug(context.Background(), "swept stale pending sends",
			logging.Int("evicted", evicted))
	}
	return evicted
}

// SetPendingMaxAge overrides the sweep age threshold.
func (m *PathMetricsMonitor) SetPendingMaxAge(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingMaxAge = d
}

// Latency returns the smoothed latency estimate for an interface.
func (m *PathMetricsMonitor) Latency(iface model.IfaceID) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.metrics[iface]
	if !ok {
		return 0, fmt.Errorf("%w: ifindex %d", ErrUnknownInterface, iface)
	}
	return rec.LatencyMs, nil
}

// LatencyQuantile returns the q-quantile (0..1) of the interface's current
// latency sample window, or zero when no samples exist yet.
func (m *PathMetricsMonitor) LatencyQuantile(iface model.IfaceID, q float64) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.metrics[iface]; !ok {
		return 0, fmt.Errorf("%w: ifindex %d", ErrUnknownInterface, iface)
	}
	hist := m.history[iface]
	if len(hist) == 0 {
		return 0, nil
	}
	sorted := append([]float64(nil), hist...)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.Empirical, sorted, nil), nil
}

// Bandwidth returns the last-computed bandwidth estimate for an interface.
func (m *PathMetricsMonitor) Bandwidth(iface model.IfaceID) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.metrics[iface]
	if !ok {
		return 0, fmt.Errorf("%w: ifindex %d", ErrUnknownInterface, iface)
	}
	return rec.BandwidthMbps, nil
}

// Metrics returns a copy of the full metrics record for an interface.
func (m *PathMetricsMonitor) Metrics(iface model.IfaceID) (PathMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.metrics[iface]
	if !ok {
		return PathMetrics{}, fmt.Errorf("%w: ifindex %d", ErrUnknownInterface, iface)
	}
	return *rec, nil
}

// Snapshot returns a copy of every interface's metrics record, keyed by
// ifindex. Used by the status endpoint and periodic metrics export.
func (m *PathMetricsMonitor) Snapshot() map[model.IfaceID]PathMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[model.IfaceID]PathMetrics, len(m.metrics))
	for id, rec := range m.metrics {
		out[id] = *rec
	}
	return out
}

// PendingCount reports the current size of the pending-send table.
func (m *PathMetricsMonitor) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

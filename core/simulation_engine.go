package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mediastreamlabs/wansim/internal/logging"
	"github.com/mediastreamlabs/wansim/model"
	"github.com/mediastreamlabs/wansim/simtime"
)

// telemetryInterval is how often the engine recomputes bandwidth estimates,
// sweeps the pending-send table, and exports gauges.
const telemetryInterval = time.Second

// metricsLogEvery controls how many telemetry ticks pass between full
// metrics snapshots in the log.
const metricsLogEvery = 5

// SimulationEngine ties the event queue, topology, and path-selection
// components together: it forwards packets hop by hop along static routes,
// applies the classifier's class-to-interface binding at the edge router,
// and feeds send/receive observations into the metrics monitor.
type SimulationEngine struct {
	Topology   *Topology
	Queue      *simtime.EventQueue
	Monitor    *PathMetricsMonitor
	Classifier *TrafficClassifier
	Flows      *FlowCollector

	// EdgeNodeID names the policy router: the node where packets are
	// classified and steered onto the policy-selected egress interface.
	EdgeNodeID string

	recorder MetricsRecorder
	log      logging.Logger

	start     time.Time
	packetSeq uint64
}

// NewSimulationEngine wires an engine over already-populated collaborators.
func NewSimulationEngine(topo *Topology, queue *simtime.EventQueue, monitor *PathMetricsMonitor, classifier *TrafficClassifier, flows *FlowCollector, edgeNodeID string, recorder MetricsRecorder, log logging.Logger) *SimulationEngine {
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	if log == nil {
		log = logging.Noop()
	}
	return &SimulationEngine{
		Topology:   topo,
		Queue:      queue,
		Monitor:    monitor,
		Classifier: classifier,
		Flows:      flows,
		EdgeNodeID: edgeNodeID,
		recorder:   recorder,
		log:        log,
		start:      queue.Now(),
	}
}

// StartTime returns the simulation's time origin.
func (e *SimulationEngine) StartTime() time.Time {
	return e.start
}

// NextPacketID hands out simulation-unique packet identifiers.
func (e *SimulationEngine) NextPacketID() uint64 {
	e.packetSeq++
	return e.packetSeq
}

// InjectPacket starts a packet at its source node at the current simulation
// time.
func (e *SimulationEngine) InjectPacket(pkt *Packet) {
	now := e.Queue.Now()
	pkt.SentAt = now
	e.Flows.RecordSent(pkt.FlowID, pkt.DstPort, pkt.SizeBytes, now)
	e.forward(pkt.SrcNode, pkt)
}

// forward moves a packet one hop. At the edge router the egress interface
// comes from the classifier's current class binding; everywhere else it
// comes from the node's static route table.
func (e *SimulationEngine) forward(nodeID string, pkt *Packet) {
	now := e.Queue.Now()

	if nodeID == pkt.DstNode {
		latencyMs := now.Sub(pkt.SentAt).Seconds() * 1e3
		e.Flows.RecordDelivered(pkt.FlowID, pkt.SizeBytes, latencyMs, now)
		if pkt.Egress != 0 {
			e.Monitor.RecordReceive(pkt.ID, pkt.Egress, now)
		}
		return
	}

	egress, err := e.selectEgress(nodeID, pkt)
	if err != nil {
		e.drop(pkt, nodeID, err)
		return
	}

	if nodeID == e.EdgeNodeID {
		pkt.Egress = egress
		e.Monitor.RecordSend(pkt.ID, egress, now)
	}

	intf := e.Topology.Interface(egress)
	link := e.Topology.LinkForInterface(egress)
	if intf == nil || link == nil {
		e.drop(pkt, nodeID, fmt.Errorf("%w: ifindex %d", ErrInterfaceNotFound, egress))
		return
	}
	if !intf.IsUp || !link.IsUp {
		e.drop(pkt, nodeID, fmt.Errorf("link %q down", link.ID))
		return
	}

	peer, err := e.Topology.PeerNode(egress)
	if err != nil {
		e.drop(pkt, nodeID, err)
		return
	}

	delay := time.Duration(link.TransmitDelayMs(pkt.SizeBytes) * float64(time.Millisecond))
	e.Queue.Schedule(delay, func(time.Time) {
		e.forward(peer, pkt)
	})
}

// selectEgress picks the outgoing interface for a packet at a node. The
// edge router consults the classifier's binding first and falls back to the
// static route for classes that were never bound.
func (e *SimulationEngine) selectEgress(nodeID string, pkt *Packet) (model.IfaceID, error) {
	if nodeID == e.EdgeNodeID {
		class := e.Classifier.ClassifyPacket(pkt.Raw)
		iface, err := e.Classifier.CurrentInterface(class)
		if err == nil {
			return iface, nil
		}
		if !errors.Is(err, ErrUnknownClass) {
			return 0, err
		}
	}
	entry, err := e.Topology.NextHop(nodeID, pkt.DstNode)
	if err != nil {
		return 0, err
	}
	return entry.Egress, nil
}

func (e *SimulationEngine) drop(pkt *Packet, nodeID string, reason error) {
	e.Flows.RecordLost(pkt.FlowID)
	e.recorder.IncPacketsDropped()
	e.log.Debug(context.Background(), "packet dropped",
		logging.String("flow", pkt.FlowID),
		logging.String("at_node", nodeID),
		logging.String("reason", reason.Error()))
}

//
// ---------- Periodic telemetry ----------
//

// StartTelemetry arms the self-rescheduling telemetry task: bandwidth
// recomputation, pending-send sweep, gauge export, and a periodic metrics
// snapshot in the log.
func (e *SimulationEngine) StartTelemetry() {
	ticks := 0
	var task simtime.Callback
	task = func(now time.Time) {
		ticks++
		e.Monitor.RecomputeBandwidth(e.Flows.Summaries(), now)
		e.Monitor.SweepPending(now)
		e.exportGauges()
		if ticks%metricsLogEvery == 0 {
			e.logMetricsSnapshot(now)
		}
		e.Queue.Schedule(telemetryInterval, task)
	}
	e.Queue.Schedule(telemetryInterval, task)
}

func (e *SimulationEngine) exportGauges() {
	for id, m := range e.Monitor.Snapshot() {
		e.recorder.SetInterfacePathMetrics(int(id), m.LatencyMs, m.BandwidthMbps, m.PacketsSent, m.PacketsReceived)
	}
}

func (e *SimulationEngine) logMetricsSnapshot(now time.Time) {
	for id, m := range e.Monitor.Snapshot() {
		e.log.Info(context.Background(), "path metrics",
			logging.Any("sim_time", now.Sub(e.start).Seconds()),
			logging.Int("ifindex", int(id)),
			logging.Any("latency_ms", m.LatencyMs),
			logging.Any("bandwidth_mbps", m.BandwidthMbps),
			logging.Int("packets_sent", int(m.PacketsSent)),
			logging.Int("packets_received", int(m.PacketsReceived)))
	}
}

//
// ---------- Scripted failure / degradation ----------
//

// Scenario event actions.
const (
	ActionLinkDown = "link-down"
	ActionLinkUp   = "link-up"
	ActionDegrade  = "degrade"
	ActionRestore  = "restore"
)

// ScenarioEvent is one scripted change to the topology at a simulation-time
// offset.
type ScenarioEvent struct {
	At           time.Duration
	Action       string
	LinkID       string
	ExtraDelayMs float64
}

// ScheduleEvents arms all scripted failure/degradation events.
func (e *SimulationEngine) ScheduleEvents(events []ScenarioEvent) error {
	for _, ev := range events {
		ev := ev
		switch ev.Action {
		case ActionLinkDown, ActionLinkUp, ActionDegrade, ActionRestore:
		default:
			return fmt.Errorf("unknown scenario event action %q", ev.Action)
		}
		if e.Topology.Link(ev.LinkID) == nil {
			return fmt.Errorf("%w: scenario event references %q", ErrLinkNotFound, ev.LinkID)
		}
		e.Queue.ScheduleAt(e.start.Add(ev.At), func(now time.Time) {
			e.applyEvent(ev, now)
		})
	}
	return nil
}

func (e *SimulationEngine) applyEvent(ev ScenarioEvent, now time.Time) {
	var err error
	switch ev.Action {
	case ActionLinkDown:
		err = e.Topology.SetLinkUp(ev.LinkID, false)
	case ActionLinkUp:
		err = e.Topology.SetLinkUp(ev.LinkID, true)
	case ActionDegrade:
		err = e.Topology.SetLinkExtraDelay(ev.LinkID, ev.ExtraDelayMs)
	case ActionRestore:
		err = e.Topology.SetLinkExtraDelay(ev.LinkID, 0)
	}
	if err != nil {
		e.log.Warn(context.Background(), "scenario event failed",
			logging.String("action", ev.Action),
			logging.String("link", ev.LinkID),
			logging.String("error", err.Error()))
		return
	}
	e.log.Info(context.Background(), "scenario event applied",
		logging.Any("sim_time", now.Sub(e.start).Seconds()),
		logging.String("action", ev.Action),
		logging.String("link", ev.LinkID),
		logging.Any("extra_delay_ms", ev.ExtraDelayMs))
}

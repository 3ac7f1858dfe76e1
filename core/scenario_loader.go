package core

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mediastreamlabs/wansim/model"
)

// Scenario is the fully-parsed description of one simulation run: the
// topology, the routing tables, the traffic sources, the path-selection
// policies, and the scripted failure events.
type Scenario struct {
	Name       string
	EdgeNodeID string
	Duration   time.Duration

	Topology *Topology

	// PortToIface maps destination ports to the interface whose bandwidth
	// estimate a flow's throughput contributes to.
	PortToIface  map[uint16]model.IfaceID
	DefaultIface model.IfaceID

	Policies   []PolicyConfig
	VideoFlows []VideoFlowConfig
	BulkFlows  []BulkFlowConfig
	Events     []ScenarioEvent
}

// PolicyConfig is one path-selection policy as declared in the scenario.
type PolicyConfig struct {
	Class              model.TrafficClass
	LatencyThresholdMs float64
	Primary            model.IfaceID
	Secondary          model.IfaceID
}

// YAML shapes stay unexported so the on-disk format can evolve without
// touching the parsed Scenario.
type scenarioYAML struct {
	Name            string  `yaml:"name"`
	EdgeNode        string  `yaml:"edge_node"`
	DurationSeconds float64 `yaml:"duration_seconds"`

	Nodes      []nodeYAML      `yaml:"nodes"`
	Interfaces []interfaceYAML `yaml:"interfaces"`
	Links      []linkYAML      `yaml:"links"`
	Routes     []routeYAML     `yaml:"routes"`

	Monitor  monitorYAML  `yaml:"monitor"`
	Policies []policyYAML `yaml:"policies"`
	Flows    []flowYAML   `yaml:"flows"`
	Events   []eventYAML  `yaml:"events"`
}

type nodeYAML struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
}

type interfaceYAML struct {
	Ifindex int    `yaml:"ifindex"`
	Name    string `yaml:"name"`
	Node    string `yaml:"node"`
	Up      *bool  `yaml:"up"` // optional; defaults to true
}

type linkYAML struct {
	ID           string  `yaml:"id"`
	InterfaceA   int     `yaml:"interface_a"`
	InterfaceB   int     `yaml:"interface_b"`
	DataRateMbps float64 `yaml:"data_rate_mbps"`
	DelayMs      float64 `yaml:"delay_ms"`
}

type routeYAML struct {
	Node    string `yaml:"node"`
	Dst     string `yaml:"dst"`
	NextHop string `yaml:"next_hop"`
	Egress  int    `yaml:"egress"`
}

type monitorYAML struct {
	DefaultIface int            `yaml:"default_iface"`
	PortToIface  map[uint16]int `yaml:"port_to_iface"`
}

type policyYAML struct {
	Class              string  `yaml:"class"`
	LatencyThresholdMs float64 `yaml:"latency_threshold_ms"`
	Primary            int     `yaml:"primary"`
	Secondary          int     `yaml:"secondary"`
}

type flowYAML struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type"` // "video" | "bulk"

	Src     string `yaml:"src"`
	Dst     string `yaml:"dst"`
	SrcPort uint16 `yaml:"src_port"`
	DstPort uint16 `yaml:"dst_port"`
	DSCP    uint8  `yaml:"dscp"`

	PacketSize   int     `yaml:"packet_size"`
	IntervalMs   float64 `yaml:"interval_ms"`
	MaxBytes     int64   `yaml:"max_bytes"`
	StartSeconds float64 `yaml:"start_seconds"`
	StopSeconds  float64 `yaml:"stop_seconds"`
}

type eventYAML struct {
	AtSeconds    float64 `yaml:"at_seconds"`
	Action       string  `yaml:"action"`
	Link         string  `yaml:"link"`
	ExtraDelayMs float64 `yaml:"extra_delay_ms"`
}

// LoadScenarioFile reads and parses a scenario from a YAML file.
func LoadScenarioFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()
	return LoadScenario(f)
}

// LoadScenario reads a YAML scenario from r, builds the topology, and
// validates cross-references. Structural errors and dangling references fail
// the load; the simulation never starts on a half-built topology.
func LoadScenario(r io.Reader) (*Scenario, error) {
	var payload scenarioYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}

	if payload.EdgeNode == "" {
		return nil, fmt.Errorf("scenario %q: edge_node is required", payload.Name)
	}
	if payload.DurationSeconds <= 0 {
		return nil, fmt.Errorf("scenario %q: duration_seconds must be positive", payload.Name)
	}

	sc := &Scenario{
		Name:         payload.Name,
		EdgeNodeID:   payload.EdgeNode,
		Duration:     secondsToDuration(payload.DurationSeconds),
		Topology:     NewTopology(),
		PortToIface:  make(map[uint16]model.IfaceID),
		DefaultIface: model.IfaceID(payload.Monitor.DefaultIface),
	}

	for _, n := range payload.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("node with empty id")
		}
		if err := sc.Topology.AddNode(&Node{ID: n.ID, Name: n.Name, IPAddress: n.IP}); err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
	}

	for _, i := range payload.Interfaces {
		if i.Ifindex <= 0 {
			return nil, fmt.Errorf("interface %q: ifindex must be positive", i.Name)
		}
		up := true
		if i.Up != nil {
			up = *i.Up
		}
		intf := &Interface{
			Ifindex:      model.IfaceID(i.Ifindex),
			Name:         i.Name,
			ParentNodeID: i.Node,
			IsUp:         up,
		}
		if err := sc.Topology.AddInterface(intf); err != nil {
			return nil, fmt.Errorf("interface %q: %w", i.Name, err)
		}
	}

	for _, l := range payload.Links {
		if l.ID == "" {
			return nil, fmt.Errorf("link with empty id")
		}
		link := &Link{
			ID:           l.ID,
			InterfaceA:   model.IfaceID(l.InterfaceA),
			InterfaceB:   model.IfaceID(l.InterfaceB),
			DataRateMbps: l.DataRateMbps,
			DelayMs:      l.DelayMs,
			IsUp:         true,
		}
		if err := sc.Topology.AddLink(link); err != nil {
			return nil, fmt.Errorf("link %q: %w", l.ID, err)
		}
	}

	for _, rt := range payload.Routes {
		if err := sc.Topology.AddRoute(rt.Node, RouteEntry{
			DstNodeID:     rt.Dst,
			NextHopNodeID: rt.NextHop,
			Egress:        model.IfaceID(rt.Egress),
		}); err != nil {
			return nil, fmt.Errorf("route %s->%s: %w", rt.Node, rt.Dst, err)
		}
	}

	if sc.Topology.Node(sc.EdgeNodeID) == nil {
		return nil, fmt.Errorf("%w: edge node %q", ErrNodeNotFound, sc.EdgeNodeID)
	}

	for port, ifindex := range payload.Monitor.PortToIface {
		if sc.Topology.Interface(model.IfaceID(ifindex)) == nil {
			return nil, fmt.Errorf("%w: monitor maps port %d to ifindex %d", ErrInterfaceNotFound, port, ifindex)
		}
		sc.PortToIface[port] = model.IfaceID(ifindex)
	}
	if sc.DefaultIface != 0 && sc.Topology.Interface(sc.DefaultIface) == nil {
		return nil, fmt.Errorf("%w: monitor default ifindex %d", ErrInterfaceNotFound, sc.DefaultIface)
	}

	for _, p := range payload.Policies {
		class, ok := model.ParseTrafficClass(p.Class)
		if !ok {
			return nil, fmt.Errorf("policy: unknown traffic class %q", p.Class)
		}
		for _, ifindex := range []int{p.Primary, p.Secondary} {
			if sc.Topology.Interface(model.IfaceID(ifindex)) == nil {
				return nil, fmt.Errorf("%w: policy %q references ifindex %d", ErrInterfaceNotFound, p.Class, ifindex)
			}
		}
		sc.Policies = append(sc.Policies, PolicyConfig{
			Class:              class,
			LatencyThresholdMs: p.LatencyThresholdMs,
			Primary:            model.IfaceID(p.Primary),
			Secondary:          model.IfaceID(p.Secondary),
		})
	}

	for _, fl := range payload.Flows {
		if sc.Topology.Node(fl.Src) == nil {
			return nil, fmt.Errorf("%w: flow %q source %q", ErrNodeNotFound, fl.ID, fl.Src)
		}
		if sc.Topology.Node(fl.Dst) == nil {
			return nil, fmt.Errorf("%w: flow %q destination %q", ErrNodeNotFound, fl.ID, fl.Dst)
		}
		stop := fl.StopSeconds
		if stop <= 0 {
			stop = payload.DurationSeconds
		}
		switch fl.Type {
		case "video":
			sc.VideoFlows = append(sc.VideoFlows, VideoFlowConfig{
				FlowID:     fl.ID,
				SrcNode:    fl.Src,
				DstNode:    fl.Dst,
				SrcPort:    fl.SrcPort,
				DstPort:    fl.DstPort,
				DSCP:       fl.DSCP,
				PacketSize: fl.PacketSize,
				Interval:   secondsToDuration(fl.IntervalMs / 1e3),
				Start:      secondsToDuration(fl.StartSeconds),
				Stop:       secondsToDuration(stop),
			})
		case "bulk":
			sc.BulkFlows = append(sc.BulkFlows, BulkFlowConfig{
				FlowID:      fl.ID,
				SrcNode:     fl.Src,
				DstNode:     fl.Dst,
				SrcPort:     fl.SrcPort,
				DstPort:     fl.DstPort,
				DSCP:        fl.DSCP,
				SegmentSize: fl.PacketSize,
				MaxBytes:    fl.MaxBytes,
				Interval:    secondsToDuration(fl.IntervalMs / 1e3),
				Start:       secondsToDuration(fl.StartSeconds),
				Stop:        secondsToDuration(stop),
			})
		default:
			return nil, fmt.Errorf("flow %q: unknown type %q", fl.ID, fl.Type)
		}
	}

	for _, ev := range payload.Events {
		if sc.Topology.Link(ev.Link) == nil {
			return nil, fmt.Errorf("%w: event references %q", ErrLinkNotFound, ev.Link)
		}
		sc.Events = append(sc.Events, ScenarioEvent{
			At:           secondsToDuration(ev.AtSeconds),
			Action:       ev.Action,
			LinkID:       ev.Link,
			ExtraDelayMs: ev.ExtraDelayMs,
		})
	}

	return sc, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

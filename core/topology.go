package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mediastreamlabs/wansim/model"
)

var (
	ErrNodeExists        = errors.New("node already exists")
	ErrNodeNotFound      = errors.New("node not found")
	ErrInterfaceExists   = errors.New("interface already exists")
	ErrInterfaceNotFound = errors.New("interface not found")
	ErrLinkExists        = errors.New("link already exists")
	ErrLinkNotFound      = errors.New("link not found")
	ErrLinkBadInput      = errors.New("invalid link")
	ErrRouteNotFound     = errors.New("no route to destination")
)

// Node is a WAN site: a traffic endpoint or a router.
type Node struct {
	ID        string
	Name      string
	IPAddress string
}

// Interface represents a logical egress port on a Node. Ifindex values are
// small integers assigned by the scenario and unique across the topology;
// they are the identifiers the metrics monitor and classifier operate on.
type Interface struct {
	Ifindex      model.IfaceID
	Name         string
	ParentNodeID string
	IsUp         bool
}

// Link is a point-to-point connection between two interfaces.
type Link struct {
	ID         string
	InterfaceA model.IfaceID
	InterfaceB model.IfaceID

	DataRateMbps float64
	DelayMs      float64

	// ExtraDelayMs models scripted degradation on top of the configured
	// propagation delay. Zero in the undegraded state.
	ExtraDelayMs float64

	IsUp bool
}

// TransmitDelayMs returns the one-hop delay for a packet of the given size:
// serialization at the link rate plus propagation plus any degradation
// penalty.
func (l *Link) TransmitDelayMs(sizeBytes int) float64 {
	serialization := 0.0
	if l.DataRateMbps > 0 {
		serialization = float64(sizeBytes) * 8 / (l.DataRateMbps * 1e6) * 1e3
	}
	return serialization + l.DelayMs + l.ExtraDelayMs
}

// RouteEntry is one static-route row: packets for DstNodeID leave through
// Egress toward NextHopNodeID.
type RouteEntry struct {
	DstNodeID     string
	NextHopNodeID string
	Egress        model.IfaceID
}

// Topology is the WAN knowledge base: nodes, interfaces, point-to-point
// links, and per-node static route tables.
//
// It is concurrency-safe via an internal RWMutex so an HTTP status surface
// can read it while a paced simulation run mutates link state.
type Topology struct {
	mu sync.RWMutex

	nodes       map[string]*Node
	interfaces  map[model.IfaceID]*Interface
	links       map[string]*Link
	linkByIface map[model.IfaceID]*Link
	routes      map[string]map[string]RouteEntry // node -> dst -> entry
}

// NewTopology creates an empty topology.
func NewTopology() *Topology {
	return &Topology{
		nodes:       make(map[string]*Node),
		interfaces:  make(map[model.IfaceID]*Interface),
		links:       make(map[string]*Link),
		linkByIface: make(map[model.IfaceID]*Link),
		routes:      make(map[string]map[string]RouteEntry),
	}
}

//
// ---------- Nodes ----------
//

func (t *Topology) AddNode(n *Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("nil or empty node")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %q", ErrNodeExists, n.ID)
	}
	t.nodes[n.ID] = n
	return nil
}

// Node returns a node by ID, or nil if not found.
func (t *Topology) Node(id string) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[id]
}

// NodeIDs returns all node IDs in sorted order.
func (t *Topology) NodeIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

//
// ---------- Interfaces ----------
//

func (t *Topology) AddInterface(intf *Interface) error {
	if intf == nil {
		return fmt.Errorf("nil interface")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.interfaces[intf.Ifindex]; exists {
		return fmt.Errorf("%w: ifindex %d", ErrInterfaceExists, intf.Ifindex)
	}
	if _, ok := t.nodes[intf.ParentNodeID]; !ok {
		return fmt.Errorf("%w: interface %d parent %q", ErrNodeNotFound, intf.Ifindex, intf.ParentNodeID)
	}
	t.interfaces[intf.Ifindex] = intf
	return nil
}

// Interface returns an interface by ifindex, or nil if not found.
func (t *Topology) Interface(id model.IfaceID) *Interface {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.interfaces[id]
}

// InterfaceIDs returns all ifindexes in ascending order. This is the set the
// metrics monitor is initialized with.
func (t *Topology) InterfaceIDs() []model.IfaceID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.IfaceID, 0, len(t.interfaces))
	for id := range t.interfaces {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetInterfaceUp toggles an interface's operational state.
func (t *Topology) SetInterfaceUp(id model.IfaceID, up bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	intf, ok := t.interfaces[id]
	if !ok {
		return fmt.Errorf("%w: ifindex %d", ErrInterfaceNotFound, id)
	}
	intf.IsUp = up
	return nil
}

//
// ---------- Links ----------
//

func (t *Topology) AddLink(link *Link) error {
	if link == nil || link.ID == "" {
		return fmt.Errorf("%w: nil or empty link", ErrLinkBadInput)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.links[link.ID]; exists {
		return fmt.Errorf("%w: %q", ErrLinkExists, link.ID)
	}
	for _, ifID := range []model.IfaceID{link.InterfaceA, link.InterfaceB} {
		if _, ok := t.interfaces[ifID]; !ok {
			return fmt.Errorf("%w: link %q references ifindex %d", ErrInterfaceNotFound, link.ID, ifID)
		}
		if other, busy := t.linkByIface[ifID]; busy {
			return fmt.Errorf("%w: ifindex %d already attached to link %q", ErrLinkBadInput, ifID, other.ID)
		}
	}

	t.links[link.ID] = link
	t.linkByIface[link.InterfaceA] = link
	t.linkByIface[link.InterfaceB] = link
	return nil
}

// Link returns a link by ID, or nil if missing.
func (t *Topology) Link(id string) *Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.links[id]
}

// Links returns all links sorted by ID.
func (t *Topology) Links() []*Link {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Link, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LinkForInterface returns the point-to-point link attached to an interface,
// or nil when the interface is unattached.
func (t *Topology) LinkForInterface(id model.IfaceID) *Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.linkByIface[id]
}

// PeerNode returns the node on the far side of the link attached to the
// given egress interface.
func (t *Topology) PeerNode(egress model.IfaceID) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	link, ok := t.linkByIface[egress]
	if !ok {
		return "", fmt.Errorf("%w: no link on ifindex %d", ErrLinkNotFound, egress)
	}
	peerIface := link.InterfaceA
	if peerIface == egress {
		peerIface = link.InterfaceB
	}
	intf, ok := t.interfaces[peerIface]
	if !ok {
		return "", fmt.Errorf("%w: ifindex %d", ErrInterfaceNotFound, peerIface)
	}
	return intf.ParentNodeID, nil
}

// SetLinkUp toggles a link's up/down state. Down links drop traffic.
func (t *Topology) SetLinkUp(id string, up bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	link, ok := t.links[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrLinkNotFound, id)
	}
	link.IsUp = up
	return nil
}

// SetLinkExtraDelay applies (or clears, with 0) a degradation penalty on a
// link's propagation delay.
func (t *Topology) SetLinkExtraDelay(id string, extraMs float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	link, ok := t.links[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrLinkNotFound, id)
	}
	if extraMs < 0 {
		extraMs = 0
	}
	link.ExtraDelayMs = extraMs
	return nil
}

//
// ---------- Static routes ----------
//

// AddRoute installs a static route on a node.
func (t *Topology) AddRoute(nodeID string, entry RouteEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[nodeID]; !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, nodeID)
	}
	if _, ok := t.nodes[entry.DstNodeID]; !ok {
		return fmt.Errorf("%w: route destination %q", ErrNodeNotFound, entry.DstNodeID)
	}
	if _, ok := t.interfaces[entry.Egress]; !ok {
		return fmt.Errorf("%w: route egress ifindex %d", ErrInterfaceNotFound, entry.Egress)
	}

	table, ok := t.routes[nodeID]
	if !ok {
		table = make(map[string]RouteEntry)
		t.routes[nodeID] = table
	}
	table[entry.DstNodeID] = entry
	return nil
}

// NextHop resolves the static route from nodeID toward dstNodeID.
func (t *Topology) NextHop(nodeID, dstNodeID string) (RouteEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	table, ok := t.routes[nodeID]
	if !ok {
		return RouteEntry{}, fmt.Errorf("%w: %q has no route table", ErrRouteNotFound, nodeID)
	}
	entry, ok := table[dstNodeID]
	if !ok {
		return RouteEntry{}, fmt.Errorf("%w: %q -> %q", ErrRouteNotFound, nodeID, dstNodeID)
	}
	return entry, nil
}

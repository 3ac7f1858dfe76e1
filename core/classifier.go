package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/mediastreamlabs/wansim/internal/logging"
	"github.com/mediastreamlabs/wansim/model"
)

var ErrUnknownClass = errors.New("traffic class has no interface binding")

// DSCP markings consulted when neither port matches the classification
// table.
const (
	dscpExpeditedForwarding = 46 // EF, treated as video
	dscpBestEffort          = 0  // best effort, treated as bulk data
)

// TrafficClassifier maps packets to coarse traffic classes and maintains the
// class-to-egress-interface binding the forwarding path consults.
//
// Classification precedence is fixed: destination port, then source port,
// then DSCP. A destination-port match always wins when both ports map to
// different classes.
type TrafficClassifier struct {
	mu sync.RWMutex

	portClasses map[uint16]model.TrafficClass
	bindings    map[model.TrafficClass]model.IfaceID

	log logging.Logger
}

// NewTrafficClassifier constructs a classifier preloaded with the standard
// port table: RTP video on 5004/5005, FTP control and discard (bulk) on
// 21/9.
func NewTrafficClassifier(log logging.Logger) *TrafficClassifier {
	if log == nil {
		log = logging.Noop()
	}
	return &TrafficClassifier{
		portClasses: map[uint16]model.TrafficClass{
			5004: model.ClassVideo,
			5005: model.ClassVideo,
			21:   model.ClassBulkData,
			9:    model.ClassBulkData,
		},
		bindings: make(map[model.TrafficClass]model.IfaceID),
		log:      log,
	}
}

// SetPortClass adds or overwrites one port-to-class row.
func (c *TrafficClassifier) SetPortClass(port uint16, class model.TrafficClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portClasses[port] = class
}

// Classify assigns a traffic class from transport ports and DSCP marking.
func (c *TrafficClassifier) Classify(srcPort, dstPort uint16, dscp uint8) model.TrafficClass {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if class, ok := c.portClasses[dstPort]; ok {
		return class
	}
	if class, ok := c.portClasses[srcPort]; ok {
		return class
	}
	switch dscp {
	case dscpExpeditedForwarding:
		return model.ClassVideo
	case dscpBestEffort:
		return model.ClassBulkData
	}
	return model.ClassDefault
}

// ClassForPort returns the class the port table assigns to a destination
// port, or Default for unmapped ports. Unlike Classify it never consults
// DSCP; the report uses it to group flows by their configured class.
func (c *TrafficClassifier) ClassForPort(dstPort uint16) model.TrafficClass {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if class, ok := c.portClasses[dstPort]; ok {
		return class
	}
	return model.ClassDefault
}

// ClassifyPacket decodes a raw IPv4 packet and classifies it from its
// transport header. The transport dispatch covers the closed set handled
// here: UDP, TCP, or anything else (classified by DSCP alone). Packets that
// do not decode as IPv4 classify as Default.
func (c *TrafficClassifier) ClassifyPacket(raw []byte) model.TrafficClass {
	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)

	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return model.ClassDefault
	}
	ip := ipLayer.(*layers.IPv4)
	dscp := ip.TOS >> 2

	var srcPort, dstPort uint16
	switch t := pkt.TransportLayer().(type) {
	case *layers.UDP:
		srcPort, dstPort = uint16(t.SrcPort), uint16(t.DstPort)
	case *layers.TCP:
		srcPort, dstPort = uint16(t.SrcPort), uint16(t.DstPort)
	}

	return c.Classify(srcPort, dstPort, dscp)
}

// Bind sets the egress interface for a class. Used both for the initial
// registration and for controller rebinds; it takes effect for
// classification decisions made after the call returns and has no effect on
// packets already in flight.
func (c *TrafficClassifier) Bind(class model.TrafficClass, iface model.IfaceID) {
	c.mu.Lock()
	prev, had := c.bindings[class]
	c.bindings[class] = iface
	c.mu.Unlock()

	if had && prev != iface {
		c.log.Info(context.Background(), "traffic class rebound",
			logging.String("class", class.String()),
			logging.Int("from_ifindex", int(prev)),
			logging.Int("to_ifindex", int(iface)))
	}
}

// CurrentInterface returns the interface a class is bound to, or
// ErrUnknownClass if the class was never bound.
func (c *TrafficClassifier) CurrentInterface(class model.TrafficClass) (model.IfaceID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	iface, ok := c.bindings[class]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	return iface, nil
}

// Bindings returns a copy of the current class-to-interface map.
func (c *TrafficClassifier) Bindings() map[model.TrafficClass]model.IfaceID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[model.TrafficClass]model.IfaceID, len(c.bindings))
	for class, iface := range c.bindings {
		out[class] = iface
	}
	return out
}

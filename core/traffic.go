package core

import (
	"fmt"
	"time"
)

// VideoFlowConfig describes a periodic datagram source: fixed-size UDP
// packets at a fixed interval, the shape of an RTP-like video stream.
type VideoFlowConfig struct {
	FlowID  string
	SrcNode string
	DstNode string
	SrcPort uint16
	DstPort uint16
	DSCP    uint8

	PacketSize int
	Interval   time.Duration

	// Start and Stop are offsets from the simulation time origin.
	Start time.Duration
	Stop  time.Duration
}

// BulkFlowConfig describes a rate-paced bulk transfer: fixed-size TCP
// segments emitted every Interval until MaxBytes have been sent or Stop is
// reached.
type BulkFlowConfig struct {
	FlowID  string
	SrcNode string
	DstNode string
	SrcPort uint16
	DstPort uint16
	DSCP    uint8

	SegmentSize int
	MaxBytes    int64
	Interval    time.Duration

	Start time.Duration
	Stop  time.Duration
}

// StartVideoFlow validates the config and arms the source's first emission.
func (e *SimulationEngine) StartVideoFlow(cfg VideoFlowConfig) error {
	src := e.Topology.Node(cfg.SrcNode)
	dst := e.Topology.Node(cfg.DstNode)
	if src == nil {
		return fmt.Errorf("%w: video flow source %q", ErrNodeNotFound, cfg.SrcNode)
	}
	if dst == nil {
		return fmt.Errorf("%w: video flow destination %q", ErrNodeNotFound, cfg.DstNode)
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("video flow %q: non-positive interval", cfg.FlowID)
	}

	stopAt := e.start.Add(cfg.Stop)
	var emit func(now time.Time)
	emit = func(now time.Time) {
		if !now.Before(stopAt) {
			return
		}
		raw, err := BuildUDPDatagram(src.IPAddress, dst.IPAddress, cfg.SrcPort, cfg.DstPort, cfg.DSCP, cfg.PacketSize)
		if err != nil {
			return
		}
		e.InjectPacket(&Packet{
			ID:        e.NextPacketID(),
			FlowID:    cfg.FlowID,
			SrcNode:   cfg.SrcNode,
			DstNode:   cfg.DstNode,
			DstPort:   cfg.DstPort,
			SizeBytes: len(raw),
			Raw:       raw,
		})
		e.Queue.Schedule(cfg.Interval, emit)
	}
	e.Queue.ScheduleAt(e.start.Add(cfg.Start), emit)
	return nil
}

// StartBulkFlow validates the config and arms the transfer's first segment.
func (e *SimulationEngine) StartBulkFlow(cfg BulkFlowConfig) error {
	src := e.Topology.Node(cfg.SrcNode)
	dst := e.Topology.Node(cfg.DstNode)
	if src == nil {
		return fmt.Errorf("%w: bulk flow source %q", ErrNodeNotFound, cfg.SrcNode)
	}
	if dst == nil {
		return fmt.Errorf("%w: bulk flow destination %q", ErrNodeNotFound, cfg.DstNode)
	}
	if cfg.Interval <= 0 {
		return fmt.Errorf("bulk flow %q: non-positive interval", cfg.FlowID)
	}

	stopAt := e.start.Add(cfg.Stop)
	var sent int64
	var seq uint32
	var emit func(now time.Time)
	emit = func(now time.Time) {
		if !now.Before(stopAt) || (cfg.MaxBytes > 0 && sent >= cfg.MaxBytes) {
			return
		}
		raw, err := BuildTCPSegment(src.IPAddress, dst.IPAddress, cfg.SrcPort, cfg.DstPort, cfg.DSCP, seq, cfg.SegmentSize)
		if err != nil {
			return
		}
		seq += uint32(cfg.SegmentSize)
		sent += int64(cfg.SegmentSize)
		e.InjectPacket(&Packet{
			ID:        e.NextPacketID(),
			FlowID:    cfg.FlowID,
			SrcNode:   cfg.SrcNode,
			DstNode:   cfg.DstNode,
			DstPort:   cfg.DstPort,
			SizeBytes: len(raw),
			Raw:       raw,
		})
		e.Queue.Schedule(cfg.Interval, emit)
	}
	e.Queue.ScheduleAt(e.start.Add(cfg.Start), emit)
	return nil
}

package core

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/mediastreamlabs/wansim/model"
)

// Packet is a simulated datagram in flight. Raw holds genuine IPv4 bytes so
// the classifier exercises real header parsing at the policy router.
type Packet struct {
	ID     uint64
	FlowID string

	SrcNode string
	DstNode string

	DstPort   uint16
	SizeBytes int
	Raw       []byte

	// Egress is the policy-selected interface the packet left the edge
	// router through. Zero until the packet crosses the edge; send/receive
	// observations are attributed to it.
	Egress model.IfaceID

	SentAt time.Time
}

// BuildUDPDatagram serializes an IPv4/UDP packet with the given DSCP marking
// and payload size.
func BuildUDPDatagram(srcIP, dstIP string, srcPort, dstPort uint16, dscp uint8, payloadLen int) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		TOS:      dscp << 2,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("udp checksum layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(make([]byte, payloadLen))); err != nil {
		return nil, fmt.Errorf("serialize udp datagram: %w", err)
	}
	return buf.Bytes(), nil
}

// BuildTCPSegment serializes an IPv4/TCP packet with the given DSCP marking
// and payload size. Seq lets a bulk source emit a plausible byte stream.
func BuildTCPSegment(srcIP, dstIP string, srcPort, dstPort uint16, dscp uint8, seq uint32, payloadLen int) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		TOS:      dscp << 2,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(srcIP),
		DstIP:    net.ParseIP(dstIP),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		ACK:     true,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("tcp checksum layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(make([]byte, payloadLen))); err != nil {
		return nil, fmt.Errorf("serialize tcp segment: %w", err)
	}
	return buf.Bytes(), nil
}

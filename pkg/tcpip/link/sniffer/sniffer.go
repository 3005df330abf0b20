// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sniffer provides an endpoint that sits between a transport
// protocol and a link, logging inbound and outbound segments and optionally
// writing them to a pcap stream.
//
// Outbound segments are passed to SendToNetwork and forwarded to the lower
// sender; inbound ones arrive through HandlePacket and are forwarded to the
// attached dispatcher. Captured packets carry a synthesized IPv4 or IPv6
// header so that standard tools can read the capture.
package sniffer

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/inet-go/tcpsim/pkg/log"
	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/header"
)

// LogPackets is a flag used to enable or disable packet logging via the log
// package. Valid values are 0 or 1.
//
// LogPackets must be accessed atomically.
var LogPackets uint32 = 1

// LogPacketsToPCAP is a flag used to enable or disable logging packets to a
// pcap writer. Valid values are 0 or 1. A writer must have been specified
// when the sniffer was created for this flag to have effect.
//
// LogPacketsToPCAP must be accessed atomically.
var LogPacketsToPCAP uint32 = 1

// defaultTTL is the hop limit written into captured headers when the sender
// left it unset.
const defaultTTL = 64

var (
	_ tcpip.NetworkSender    = (*Endpoint)(nil)
	_ tcpip.PacketDispatcher = (*Endpoint)(nil)
)

// Endpoint is a sniffing shim between a transport protocol and a link.
type Endpoint struct {
	lower      tcpip.NetworkSender
	dispatcher tcpip.PacketDispatcher
	clock      tcpip.Clock
	logger     log.Logger

	// mu protects pcap.
	mu      sync.Mutex
	pcap    *pcapgo.Writer
	snapLen uint32
}

// New creates a sniffer that forwards outbound segments to lower and logs
// them to logger. clock stamps captured packets.
func New(lower tcpip.NetworkSender, clock tcpip.Clock, logger log.Logger) *Endpoint {
	return &Endpoint{
		lower:  lower,
		clock:  clock,
		logger: logger,
	}
}

// NewWithWriter creates a sniffer that also writes every packet to w in
// pcap format, truncated to snapLen bytes. The pcap file header is written
// immediately.
func NewWithWriter(lower tcpip.NetworkSender, clock tcpip.Clock, logger log.Logger, w io.Writer, snapLen uint32) (*Endpoint, error) {
	e := New(lower, clock, logger)
	e.pcap = pcapgo.NewWriter(w)
	if err := e.pcap.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("writing pcap header: %w", err)
	}
	e.snapLen = snapLen
	return e, nil
}

// Attach sets the dispatcher that receives inbound packets.
func (e *Endpoint) Attach(d tcpip.PacketDispatcher) {
	e.dispatcher = d
}

// SendToNetwork implements tcpip.NetworkSender.
func (e *Endpoint) SendToNetwork(pkt []byte, src, dst tcpip.Address, opts tcpip.NetworkOptions) error {
	e.dumpPacket("send", pkt, src, dst, opts)
	return e.lower.SendToNetwork(pkt, src, dst, opts)
}

// HandlePacket implements tcpip.PacketDispatcher.
func (e *Endpoint) HandlePacket(src, dst tcpip.Address, pkt []byte, opts tcpip.NetworkOptions) {
	e.dumpPacket("recv", pkt, src, dst, opts)
	if e.dispatcher != nil {
		e.dispatcher.HandlePacket(src, dst, pkt, opts)
	}
}

func (e *Endpoint) dumpPacket(dir string, pkt []byte, src, dst tcpip.Address, opts tcpip.NetworkOptions) {
	logging := atomic.LoadUint32(&LogPackets) == 1 && e.logger != nil && e.logger.IsLogging(log.Debug)
	capturing := e.pcap != nil && atomic.LoadUint32(&LogPacketsToPCAP) == 1
	if !logging && !capturing {
		return
	}

	data, err := encapsulate(pkt, src, dst, opts)
	if err != nil {
		if e.logger != nil {
			e.logger.Warningf("%s %s -> %s: cannot encapsulate %d bytes: %v", dir, src, dst, len(pkt), err)
		}
		return
	}
	if logging {
		logPacket(e.logger, dir, data, src.Family())
	}
	if capturing {
		e.writePCAP(data)
	}
}

func (e *Endpoint) writePCAP(data []byte) {
	captured := data
	if e.snapLen != 0 && uint32(len(captured)) > e.snapLen {
		captured = captured[:e.snapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     e.clock.Now(),
		CaptureLength: len(captured),
		Length:        len(data),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.pcap.WritePacket(ci, captured); err != nil && e.logger != nil {
		e.logger.Warningf("pcap write failed: %v", err)
	}
}

// encapsulate prefixes the TCP segment pkt with a network header built from
// the addresses and per-packet options.
func encapsulate(pkt []byte, src, dst tcpip.Address, opts tcpip.NetworkOptions) ([]byte, error) {
	ttl := opts.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	tos := opts.TOS
	if opts.DSCP != 0 {
		tos = opts.DSCP << 2
	}
	tos = tos&^3 | uint8(opts.ECN)

	var network gopacket.SerializableLayer
	switch src.Family() {
	case tcpip.AddressFamilyIPv4:
		network = &layers.IPv4{
			Version:  4,
			IHL:      5,
			TOS:      tos,
			TTL:      ttl,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
	case tcpip.AddressFamilyIPv6:
		network = &layers.IPv6{
			Version:      6,
			TrafficClass: tos,
			HopLimit:     ttl,
			NextHeader:   layers.IPProtocolTCP,
			SrcIP:        net.IP(src.AsSlice()),
			DstIP:        net.IP(dst.AsSlice()),
		}
	default:
		return nil, &tcpip.ErrAddressFamilyNotSupported{}
	}

	buf := gopacket.NewSerializeBuffer()
	sopts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, sopts, network, gopacket.Payload(pkt)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// logPacket decodes an encapsulated segment and logs a one-line summary.
func logPacket(logger log.Logger, prefix string, data []byte, family tcpip.AddressFamily) {
	first := layers.LayerTypeIPv4
	if family == tcpip.AddressFamilyIPv6 {
		first = layers.LayerTypeIPv6
	}
	packet := gopacket.NewPacket(data, first, gopacket.Default)

	var (
		src, dst net.IP
		ecn      uint8
	)
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		src, dst, ecn = ip.SrcIP, ip.DstIP, ip.TOS&3
	case *layers.IPv6:
		src, dst, ecn = ip.SrcIP, ip.DstIP, ip.TrafficClass&3
	default:
		logger.Debugf("%s unknown network protocol", prefix)
		return
	}

	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		logger.Debugf("%s TCP %s -> %s malformed segment, len:%d", prefix, src, dst, len(data))
		return
	}
	tcp := tcpLayer.(*layers.TCP)
	flags := header.TCP(tcp.Contents).Flags()
	details := fmt.Sprintf("flags:%s seqnum:%d ack:%d win:%d", flags, tcp.Seq, tcp.Ack, tcp.Window)
	if ecn != 0 {
		details += fmt.Sprintf(" ecn:%d", ecn)
	}
	for _, o := range tcp.Options {
		switch o.OptionType {
		case layers.TCPOptionKindMSS, layers.TCPOptionKindWindowScale, layers.TCPOptionKindSACKPermitted,
			layers.TCPOptionKindSACK, layers.TCPOptionKindTimestamps:
			details += " " + o.String()
		}
	}
	logger.Debugf("%s TCP %s:%d -> %s:%d len:%d %s", prefix, src, tcp.SrcPort, dst, tcp.DstPort, len(tcp.Payload), details)
}

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

// Package tcp contains the implementation of the TCP transport protocol.
//
// A Protocol owns the connections of one simulated host. The application
// creates connections with Socket and drives them with Command; inbound
// packets are handed to HandlePacket and outbound ones leave through the
// tcpip.NetworkSender given in ProtocolOptions. All methods must be called
// from the goroutine running the host's sim.Scheduler.
package tcp

import (
	"fmt"
	"time"

	"github.com/inet-go/tcpsim/pkg/log"
	"github.com/inet-go/tcpsim/pkg/sim"
	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/checksum"
	"github.com/inet-go/tcpsim/pkg/tcpip/header"
	"github.com/inet-go/tcpsim/pkg/tcpip/ports"
	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

const (
	// ProtocolNumber is the tcp protocol number.
	ProtocolNumber = header.TCPProtocolNumber

	// warningInterval rate limits warnings about dropped packets.
	warningInterval = time.Second
)

// ProtocolOptions are the collaborators and settings of a Protocol.
type ProtocolOptions struct {
	// Scheduler drives the timers and provides the clock. Required.
	Scheduler *sim.Scheduler

	// Sender transmits outbound segments. Required.
	Sender tcpip.NetworkSender

	// Address is the local address used when an active open names none.
	Address tcpip.Address

	// Ports allocates local ports. A private manager is created if nil.
	Ports *ports.PortManager

	// Defaults are the connection options used when a command carries
	// none. DefaultOptions() is used if nil.
	Defaults *Options

	ChecksumMode ChecksumMode

	// Stats receives the protocol-wide counters. Allocated if nil.
	Stats *tcpip.Stats

	// Logger defaults to log.Log().
	Logger log.Logger

	// ISN, if set, chooses initial sequence numbers. The default derives
	// them from the clock in 4µs ticks (RFC 793 section 3.3).
	ISN func(id tcpip.TransportEndpointID) seqnum.Value
}

// listenKey names a listener.
type listenKey struct {
	addr tcpip.Address
	port uint16
}

// Protocol is the TCP instance of one host.
type Protocol struct {
	s        *sim.Scheduler
	sender   tcpip.NetworkSender
	address  tcpip.Address
	ports    *ports.PortManager
	defaults Options
	csumMode ChecksumMode
	stats    *tcpip.Stats
	logger   log.Logger
	warn     log.Logger
	isn      func(id tcpip.TransportEndpointID) seqnum.Value

	nextID ConnID
	conns  map[ConnID]*Connection

	// connected holds connections bound to a socket pair, listeners
	// holds the rest.
	connected map[tcpip.TransportEndpointID]*Connection
	listeners map[listenKey]*Connection

	// aborted remembers connections that ended abnormally, so that later
	// commands report why they are gone.
	aborted map[ConnID]bool
}

// NewProtocol returns a Protocol with no connections.
func NewProtocol(opts ProtocolOptions) (*Protocol, error) {
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("tcp: a scheduler is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("tcp: a network sender is required")
	}
	p := &Protocol{
		s:         opts.Scheduler,
		sender:    opts.Sender,
		address:   opts.Address,
		ports:     opts.Ports,
		defaults:  DefaultOptions(),
		csumMode:  opts.ChecksumMode,
		stats:     opts.Stats,
		logger:    opts.Logger,
		isn:       opts.ISN,
		conns:     make(map[ConnID]*Connection),
		connected: make(map[tcpip.TransportEndpointID]*Connection),
		listeners: make(map[listenKey]*Connection),
		aborted:   make(map[ConnID]bool),
	}
	if opts.Defaults != nil {
		if err := opts.Defaults.Validate(); err != nil {
			return nil, fmt.Errorf("tcp: invalid default options: %w", err)
		}
		p.defaults = *opts.Defaults
	}
	if p.ports == nil {
		p.ports = ports.NewPortManager()
	}
	if p.stats == nil {
		p.stats = &tcpip.Stats{}
	}
	if p.logger == nil {
		p.logger = log.Log()
	}
	p.warn = log.RateLimitedLogger(p.logger, warningInterval, p.s.Now)
	return p, nil
}

// Stats returns the protocol-wide counters.
func (p *Protocol) Stats() *tcpip.Stats {
	return p.stats
}

// Socket creates a connection in the INIT state whose indications go to app.
func (p *Protocol) Socket(app Application) ConnID {
	p.nextID++
	c := newConnection(p, p.nextID, app)
	p.conns[c.connID] = c
	return c.connID
}

// Connection returns the live connection id.
func (p *Protocol) Connection(id ConnID) (*Connection, bool) {
	c, ok := p.conns[id]
	return c, ok
}

// Status returns a snapshot of connection id.
func (p *Protocol) Status(id ConnID) (StatusInfo, error) {
	c, ok := p.conns[id]
	if !ok {
		return StatusInfo{}, &tcpip.ErrUnknownEndpoint{}
	}
	return c.Status(), nil
}

// Now returns the simulation time.
func (p *Protocol) Now() time.Time {
	return p.s.Now()
}

// Connections returns the number of live connections.
func (p *Protocol) Connections() int {
	return len(p.conns)
}

// Command executes cmd on connection id. Configuration errors are returned;
// protocol-level failures are reported through indications.
func (p *Protocol) Command(id ConnID, cmd Command) error {
	c, ok := p.conns[id]
	if !ok {
		if p.aborted[id] {
			return &tcpip.ErrConnectionAborted{}
		}
		return &tcpip.ErrUnknownEndpoint{}
	}
	e, err := c.processCommand(cmd)
	if err != nil {
		c.logger.Debugf("%T failed in %s: %v", cmd, c.state, err)
		return err
	}
	c.performStateTransition(e)
	return nil
}

// HandlePacket processes a TCP segment received from src for dst.
func (p *Protocol) HandlePacket(src, dst tcpip.Address, pkt []byte, netOpts tcpip.NetworkOptions) {
	if p.csumMode == ChecksumDeclaredIncorrect {
		p.stats.TCP.ChecksumErrors.Increment()
		return
	}
	s, err := parseSegment(src, dst, pkt, netOpts, p.csumMode == ChecksumComputed)
	if err != nil {
		p.stats.TCP.InvalidSegmentsReceived.Increment()
		p.warn.Warningf("dropping malformed segment from %s: %v", src, err)
		return
	}
	if !s.csumValid {
		p.stats.TCP.ChecksumErrors.Increment()
		p.warn.Warningf("dropping segment with bad checksum: %s", s)
		return
	}
	p.stats.TCP.ValidSegmentsReceived.Increment()
	if n := s.parsedOptions.Malformed; n > 0 {
		p.warn.Warningf("skipped %d malformed options in %s", n, s)
	}
	if s.flagIsSet(header.TCPFlagRst) {
		p.stats.TCP.ResetsReceived.Increment()
	}

	c := p.demux(s.id)
	if c == nil {
		p.stats.TCP.SegmentsDroppedNoEndpoint.Increment()
		p.logger.Debugf("no connection for %s", s)
		p.sendReset(s)
		return
	}
	c.handleSegment(s)
}

// demux finds the connection for id: the exact socket pair first, then a
// listener on the local address, then a wildcard listener.
func (p *Protocol) demux(id tcpip.TransportEndpointID) *Connection {
	if c, ok := p.connected[id]; ok {
		return c
	}
	if c, ok := p.listeners[listenKey{id.LocalAddress, id.LocalPort}]; ok {
		return c
	}
	if c, ok := p.listeners[listenKey{"", id.LocalPort}]; ok {
		return c
	}
	return nil
}

// sendReset answers s the way a closed port does (RFC 793 page 65).
func (p *Protocol) sendReset(s *segment) {
	if s.flagIsSet(header.TCPFlagRst) {
		return
	}
	out := &outSegment{id: s.id, flags: header.TCPFlagRst}
	if s.flagIsSet(header.TCPFlagAck) {
		out.seq = s.ackNumber
	} else {
		out.flags |= header.TCPFlagAck
		out.ack = s.sequenceNumber.Add(s.logicalLen())
	}
	p.transmit(out)
}

// outSegment is a segment to be serialized.
type outSegment struct {
	id      tcpip.TransportEndpointID
	flags   header.TCPFlags
	seq     seqnum.Value
	ack     seqnum.Value
	wnd     uint16
	options []byte
	payload []byte
	netOpts tcpip.NetworkOptions
}

// transmit serializes o, fills the checksum according to the checksum mode
// and hands the packet to the network.
func (p *Protocol) transmit(o *outSegment) {
	hdrLen := header.TCPMinimumSize + len(o.options)
	buf := make([]byte, hdrLen+len(o.payload))
	h := header.TCP(buf)
	h.Encode(&header.TCPFields{
		SrcPort:    o.id.LocalPort,
		DstPort:    o.id.RemotePort,
		SeqNum:     uint32(o.seq),
		AckNum:     uint32(o.ack),
		DataOffset: uint8(hdrLen),
		Flags:      o.flags,
		WindowSize: o.wnd,
	})
	copy(buf[header.TCPMinimumSize:], o.options)
	copy(buf[hdrLen:], o.payload)

	if p.csumMode != ChecksumDeclaredCorrect {
		xsum := header.PseudoHeaderChecksum(ProtocolNumber, o.id.LocalAddress, o.id.RemoteAddress, uint16(len(buf)))
		xsum = checksum.Checksum(o.payload, xsum)
		sum := ^h.CalculateChecksum(xsum)
		if p.csumMode == ChecksumDeclaredIncorrect {
			sum ^= 0x5555
		}
		h.SetChecksum(sum)
	}

	p.stats.TCP.SegmentsSent.Increment()
	if o.flags&header.TCPFlagRst != 0 {
		p.stats.TCP.ResetsSent.Increment()
	}
	if err := p.sender.SendToNetwork(buf, o.id.LocalAddress, o.id.RemoteAddress, o.netOpts); err != nil {
		p.warn.Warningf("sending to %s: %v", o.id.RemoteAddress, err)
	}
}

// initialSeqNum picks the ISS of a new connection.
func (p *Protocol) initialSeqNum(id tcpip.TransportEndpointID) seqnum.Value {
	if p.isn != nil {
		return p.isn(id)
	}
	return seqnum.Value(uint64(p.s.Now().UnixNano()) / 4000)
}

// listen registers the listener c.
func (p *Protocol) listen(c *Connection) {
	p.listeners[listenKey{c.id.LocalAddress, c.id.LocalPort}] = c
}

// unlisten removes c from the listeners.
func (p *Protocol) unlisten(c *Connection) {
	k := listenKey{c.id.LocalAddress, c.id.LocalPort}
	if p.listeners[k] == c {
		delete(p.listeners, k)
	}
}

// bindConnected registers c under its socket pair.
func (p *Protocol) bindConnected(c *Connection) error {
	if other, ok := p.connected[c.id]; ok && other != c {
		return fmt.Errorf("socket pair %s: %w", c.id, &tcpip.ErrPortInUse{})
	}
	p.connected[c.id] = c
	return nil
}

// bindListener turns the non-forking listener c into a connection with the
// peer named by id.
func (p *Protocol) bindListener(c *Connection, id tcpip.TransportEndpointID) {
	p.unlisten(c)
	c.id = id
	p.connected[id] = c
}

// relisten returns c to the listeners after a failed handshake.
func (p *Protocol) relisten(c *Connection) {
	if p.connected[c.id] == c {
		delete(p.connected, c.id)
	}
	c.id.RemoteAddress = ""
	c.id.RemotePort = 0
	c.id.LocalAddress = c.reservation.addr
	p.listen(c)
}

// fork creates a connection for a SYN received by the forking listener l.
func (p *Protocol) fork(l *Connection, s *segment) *Connection {
	p.nextID++
	c := l.cloneListening(p.nextID, s.id)
	p.conns[c.connID] = c
	p.connected[c.id] = c
	if l.app != nil {
		l.app.Indicate(Indication{Kind: IndicationAvailable, ConnID: c.connID, ID: c.id, Listener: l.connID})
	}
	c.logger.Debugf("forked from listener %d for %s", l.connID, s.id)
	return c
}

// releaseReservation gives back the port reserved by c.
func (p *Protocol) releaseReservation(c *Connection) {
	if !c.reserved {
		return
	}
	p.ports.ReleasePort(c.reservation.addr, c.reservation.port, c.reservation.dst)
	c.reserved = false
}

// remove forgets the closed connection c.
func (p *Protocol) remove(c *Connection) {
	delete(p.conns, c.connID)
	if p.connected[c.id] == c {
		delete(p.connected, c.id)
	}
	p.unlisten(c)
	p.releaseReservation(c)
	if c.terminatedBy != IndicationClosed {
		p.aborted[c.connID] = true
	}
}

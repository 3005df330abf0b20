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

package tcp

import (
	"bytes"
	"testing"
	"time"

	"github.com/inet-go/tcpsim/pkg/sim"
	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/checksum"
	"github.com/inet-go/tcpsim/pkg/tcpip/header"
	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

const (
	clientAddr = tcpip.Address("\x0a\x00\x00\x01")
	serverAddr = tcpip.Address("\x0a\x00\x00\x02")

	clientPort = 1234
	serverPort = 80

	clientISS = seqnum.Value(1000)
	serverISS = seqnum.Value(5000)

	linkDelay = 10 * time.Millisecond
)

// recorder is an Application that keeps every indication.
type recorder struct {
	inds []Indication
}

func (r *recorder) Indicate(ind Indication) {
	r.inds = append(r.inds, ind)
}

func (r *recorder) kinds() []IndicationKind {
	var ks []IndicationKind
	for _, ind := range r.inds {
		ks = append(ks, ind.Kind)
	}
	return ks
}

func (r *recorder) count(k IndicationKind) int {
	n := 0
	for _, ind := range r.inds {
		if ind.Kind == k {
			n++
		}
	}
	return n
}

// data returns the concatenated payload of the Data indications.
func (r *recorder) data() []byte {
	var b bytes.Buffer
	for _, ind := range r.inds {
		if ind.Kind == IndicationData {
			b.Write(ind.Data)
		}
	}
	return b.Bytes()
}

// packet is a segment seen on the network.
type packet struct {
	src, dst tcpip.Address
	data     []byte
	opts     tcpip.NetworkOptions
}

func (p packet) tcp() header.TCP {
	return header.TCP(p.data)
}

func (p packet) payloadLen() int {
	return len(p.tcp().Payload())
}

// network connects the hosts of a test. Every packet is recorded and, unless
// drop says otherwise, delivered to its destination after linkDelay.
type network struct {
	s     *sim.Scheduler
	hosts map[tcpip.Address]*Protocol
	sent  []packet
	drop  func(p packet) bool
}

// SendToNetwork implements tcpip.NetworkSender.
func (n *network) SendToNetwork(pkt []byte, src, dst tcpip.Address, opts tcpip.NetworkOptions) error {
	p := packet{src: src, dst: dst, data: append([]byte(nil), pkt...), opts: opts}
	n.sent = append(n.sent, p)
	if n.drop != nil && n.drop(p) {
		return nil
	}
	if h, ok := n.hosts[dst]; ok {
		n.s.AfterFunc(linkDelay, func() { h.HandlePacket(p.src, p.dst, p.data, p.opts) })
	}
	return nil
}

// sentBy returns the packets sent from src.
func (n *network) sentBy(src tcpip.Address) []packet {
	var ps []packet
	for _, p := range n.sent {
		if p.src == src {
			ps = append(ps, p)
		}
	}
	return ps
}

// dataSegments returns the packets from src carrying payload.
func (n *network) dataSegments(src tcpip.Address) []packet {
	var ps []packet
	for _, p := range n.sentBy(src) {
		if p.payloadLen() > 0 {
			ps = append(ps, p)
		}
	}
	return ps
}

func fixedISN(v seqnum.Value) func(tcpip.TransportEndpointID) seqnum.Value {
	return func(tcpip.TransportEndpointID) seqnum.Value { return v }
}

// testPair is a client and a server host joined by a network.
type testPair struct {
	t      *testing.T
	s      *sim.Scheduler
	net    *network
	client *Protocol
	server *Protocol
	capp   *recorder
	sapp   *recorder
	cid    ConnID
	sid    ConnID
}

func newTestPair(t *testing.T, clientOpts, serverOpts Options) *testPair {
	t.Helper()
	s := sim.NewDefault()
	n := &network{s: s, hosts: make(map[tcpip.Address]*Protocol)}
	newHost := func(addr tcpip.Address, opts Options, iss seqnum.Value) *Protocol {
		p, err := NewProtocol(ProtocolOptions{
			Scheduler: s,
			Sender:    n,
			Address:   addr,
			Defaults:  &opts,
			ISN:       fixedISN(iss),
		})
		if err != nil {
			t.Fatalf("NewProtocol(%s) failed: %v", addr, err)
		}
		n.hosts[addr] = p
		return p
	}
	return &testPair{
		t:      t,
		s:      s,
		net:    n,
		client: newHost(clientAddr, clientOpts, clientISS),
		server: newHost(serverAddr, serverOpts, serverISS),
		capp:   &recorder{},
		sapp:   &recorder{},
	}
}

// listen opens the server side.
func (tp *testPair) listen(fork bool) {
	tp.t.Helper()
	tp.sid = tp.server.Socket(tp.sapp)
	if err := tp.server.Command(tp.sid, OpenPassive{LocalAddr: serverAddr, LocalPort: serverPort, Fork: fork}); err != nil {
		tp.t.Fatalf("OpenPassive failed: %v", err)
	}
}

// dial opens the client side.
func (tp *testPair) dial() {
	tp.t.Helper()
	tp.cid = tp.client.Socket(tp.capp)
	if err := tp.client.Command(tp.cid, OpenActive{LocalPort: clientPort, RemoteAddr: serverAddr, RemotePort: serverPort}); err != nil {
		tp.t.Fatalf("OpenActive failed: %v", err)
	}
}

// connect establishes a connection with a non-forking listener.
func (tp *testPair) connect() {
	tp.t.Helper()
	tp.listen(false)
	tp.dial()
	tp.s.Advance(time.Second)
	tp.checkState(tp.client, tp.cid, StateEstablished)
	tp.checkState(tp.server, tp.sid, StateEstablished)
}

func (tp *testPair) command(p *Protocol, id ConnID, cmd Command) {
	tp.t.Helper()
	if err := p.Command(id, cmd); err != nil {
		tp.t.Fatalf("Command(%d, %#v) failed: %v", id, cmd, err)
	}
}

func (tp *testPair) status(p *Protocol, id ConnID) StatusInfo {
	tp.t.Helper()
	st, err := p.Status(id)
	if err != nil {
		tp.t.Fatalf("Status(%d) failed: %v", id, err)
	}
	return st
}

func (tp *testPair) checkState(p *Protocol, id ConnID, want State) {
	tp.t.Helper()
	if got := tp.status(p, id).State; got != want {
		tp.t.Fatalf("connection %d in %s, want %s", id, got, want)
	}
}

// run lets the simulation go for d.
func (tp *testPair) run(d time.Duration) {
	tp.s.Advance(d)
}

// testContext drives a single connection with hand-built segments from a
// peer that is not simulated.
type testContext struct {
	t   *testing.T
	s   *sim.Scheduler
	p   *Protocol
	net *network
	app *recorder
	id  ConnID
}

func newTestContext(t *testing.T, opts Options) *testContext {
	t.Helper()
	s := sim.NewDefault()
	n := &network{s: s, hosts: make(map[tcpip.Address]*Protocol)}
	p, err := NewProtocol(ProtocolOptions{
		Scheduler: s,
		Sender:    n,
		Address:   clientAddr,
		Defaults:  &opts,
		ISN:       fixedISN(clientISS),
	})
	if err != nil {
		t.Fatalf("NewProtocol failed: %v", err)
	}
	return &testContext{t: t, s: s, p: p, net: n, app: &recorder{}}
}

// segmentFields describe a segment sent by the peer.
type segmentFields struct {
	seq, ack seqnum.Value
	flags    header.TCPFlags
	wnd      uint16
	options  []byte
	payload  []byte
	ecn      tcpip.ECN
}

// buildSegment serializes f as sent from serverAddr:serverPort to
// clientAddr:clientPort, with a valid checksum.
func buildSegment(f segmentFields) []byte {
	opts := f.options
	if pad := len(opts) % 4; pad != 0 {
		opts = append(append([]byte(nil), opts...), make([]byte, 4-pad)...)
	}
	hdrLen := header.TCPMinimumSize + len(opts)
	b := make([]byte, hdrLen+len(f.payload))
	h := header.TCP(b)
	h.Encode(&header.TCPFields{
		SrcPort:    serverPort,
		DstPort:    clientPort,
		SeqNum:     uint32(f.seq),
		AckNum:     uint32(f.ack),
		DataOffset: uint8(hdrLen),
		Flags:      f.flags,
		WindowSize: f.wnd,
	})
	copy(b[header.TCPMinimumSize:], opts)
	copy(b[hdrLen:], f.payload)
	xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, serverAddr, clientAddr, uint16(len(b)))
	xsum = checksum.Checksum(f.payload, xsum)
	h.SetChecksum(^h.CalculateChecksum(xsum))
	return b
}

// inject delivers a segment from the peer.
func (tc *testContext) inject(f segmentFields) {
	tc.p.HandlePacket(serverAddr, clientAddr, buildSegment(f), tcpip.NetworkOptions{ECN: f.ecn})
}

// sent returns the packets sent since the last call.
func (tc *testContext) sent() []packet {
	ps := tc.net.sent
	tc.net.sent = nil
	return ps
}

// lastSent returns the most recent packet and forgets the others.
func (tc *testContext) lastSent() header.TCP {
	tc.t.Helper()
	ps := tc.sent()
	if len(ps) == 0 {
		tc.t.Fatalf("no packet sent")
	}
	return ps[len(ps)-1].tcp()
}

func (tc *testContext) status() StatusInfo {
	tc.t.Helper()
	st, err := tc.p.Status(tc.id)
	if err != nil {
		tc.t.Fatalf("Status failed: %v", err)
	}
	return st
}

func (tc *testContext) command(cmd Command) {
	tc.t.Helper()
	if err := tc.p.Command(tc.id, cmd); err != nil {
		tc.t.Fatalf("Command(%#v) failed: %v", cmd, err)
	}
}

// synAckOptions returns the options of a SYN-ACK offering mss and, if
// sackPermitted is set, SACK.
func synAckOptions(mss uint16, sackPermitted bool) []byte {
	b := make([]byte, header.TCPOptionsMaximumSize)
	off := header.EncodeMSSOption(uint32(mss), b)
	if sackPermitted {
		off += header.EncodeNOP(b[off:])
		off += header.EncodeNOP(b[off:])
		off += header.EncodeSACKPermittedOption(b[off:])
	}
	return b[:off]
}

// sackOption encodes blocks as a SACK option preceded by two NOPs.
func sackOption(blocks ...header.SACKBlock) []byte {
	b := make([]byte, header.TCPOptionsMaximumSize)
	off := header.EncodeNOP(b)
	off += header.EncodeNOP(b[off:])
	off += header.EncodeSACKBlocks(blocks, b[off:])
	return b[:off]
}

// connect performs an active open completed by a SYN-ACK from the peer
// offering mss, and returns the connection's first data sequence number.
func (tc *testContext) connect(mss uint16, wnd uint16, sackPermitted bool) seqnum.Value {
	tc.t.Helper()
	tc.id = tc.p.Socket(tc.app)
	tc.command(OpenActive{LocalPort: clientPort, RemoteAddr: serverAddr, RemotePort: serverPort})
	syn := tc.lastSent()
	if got, want := syn.Flags(), header.TCPFlagSyn; !got.Contains(want) {
		tc.t.Fatalf("first segment flags %s, want SYN", got)
	}
	iss := seqnum.Value(syn.SequenceNumber())
	tc.inject(segmentFields{
		seq:     serverISS,
		ack:     iss + 1,
		flags:   header.TCPFlagSyn | header.TCPFlagAck,
		wnd:     wnd,
		options: synAckOptions(mss, sackPermitted),
	})
	ack := tc.lastSent()
	if got := ack.Flags(); got != header.TCPFlagAck {
		tc.t.Fatalf("handshake completion flags %s, want ACK", got)
	}
	if got, want := seqnum.Value(ack.AckNumber()), serverISS+1; got != want {
		tc.t.Fatalf("handshake ACK number %d, want %d", got, want)
	}
	if st := tc.status(); st.State != StateEstablished {
		tc.t.Fatalf("state %s after SYN-ACK, want ESTABLISHED", st.State)
	}
	return iss + 1
}

// ackFromPeer sends a pure ACK for ack from the peer.
func (tc *testContext) ackFromPeer(ack seqnum.Value, wnd uint16, options []byte) {
	tc.inject(segmentFields{
		seq:     serverISS + 1,
		ack:     ack,
		flags:   header.TCPFlagAck,
		wnd:     wnd,
		options: options,
	})
}

// payload returns n bytes of a recognizable pattern.
func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

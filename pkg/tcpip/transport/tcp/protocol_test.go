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
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/inet-go/tcpsim/pkg/sim"
	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/checksum"
	"github.com/inet-go/tcpsim/pkg/tcpip/header"
	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

func newChecksumContext(t *testing.T, mode ChecksumMode) *testContext {
	t.Helper()
	s := sim.NewDefault()
	n := &network{s: s, hosts: make(map[tcpip.Address]*Protocol)}
	p, err := NewProtocol(ProtocolOptions{
		Scheduler:    s,
		Sender:       n,
		Address:      clientAddr,
		ChecksumMode: mode,
		ISN:          fixedISN(clientISS),
	})
	if err != nil {
		t.Fatalf("NewProtocol failed: %v", err)
	}
	return &testContext{t: t, s: s, p: p, net: n, app: &recorder{}}
}

func checksumValid(p packet) bool {
	h := p.tcp()
	return h.IsChecksumValid(p.src, p.dst, checksum.Checksum(h.Payload(), 0), uint16(len(h.Payload())))
}

func TestNewProtocolErrors(t *testing.T) {
	s := sim.NewDefault()
	n := &network{s: s}
	bad := DefaultOptions()
	bad.MSS = 0
	for _, tc := range []struct {
		name string
		opts ProtocolOptions
	}{
		{"no scheduler", ProtocolOptions{Sender: n}},
		{"no sender", ProtocolOptions{Scheduler: s}},
		{"invalid defaults", ProtocolOptions{Scheduler: s, Sender: n, Defaults: &bad}},
	} {
		if _, err := NewProtocol(tc.opts); err == nil {
			t.Errorf("%s: NewProtocol succeeded", tc.name)
		}
	}
}

func TestClosedPortReset(t *testing.T) {
	tc := newTestContext(t, DefaultOptions())
	for _, test := range []struct {
		name  string
		in    segmentFields
		reply bool
		flags header.TCPFlags
		seq   seqnum.Value
		ack   seqnum.Value
	}{
		{
			name:  "SYN",
			in:    segmentFields{seq: 777, flags: header.TCPFlagSyn},
			reply: true,
			flags: header.TCPFlagRst | header.TCPFlagAck,
			ack:   778,
		},
		{
			name:  "ACK",
			in:    segmentFields{seq: 9, ack: 4242, flags: header.TCPFlagAck},
			reply: true,
			flags: header.TCPFlagRst,
			seq:   4242,
		},
		{
			name:  "data without ACK",
			in:    segmentFields{seq: 100, flags: header.TCPFlagPsh, payload: payload(10)},
			reply: true,
			flags: header.TCPFlagRst | header.TCPFlagAck,
			ack:   110,
		},
		{
			name:  "FIN",
			in:    segmentFields{seq: 200, flags: header.TCPFlagFin},
			reply: true,
			flags: header.TCPFlagRst | header.TCPFlagAck,
			ack:   201,
		},
		{
			name: "RST",
			in:   segmentFields{seq: 300, flags: header.TCPFlagRst},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			tc.inject(test.in)
			sent := tc.sent()
			if !test.reply {
				if len(sent) != 0 {
					t.Fatalf("sent %d segments, want none", len(sent))
				}
				return
			}
			if len(sent) != 1 {
				t.Fatalf("sent %d segments, want 1", len(sent))
			}
			h := sent[0].tcp()
			if h.Flags() != test.flags {
				t.Errorf("reply flags %s, want %s", h.Flags(), test.flags)
			}
			if got := seqnum.Value(h.SequenceNumber()); got != test.seq {
				t.Errorf("reply sequence number %d, want %d", got, test.seq)
			}
			if got := seqnum.Value(h.AckNumber()); test.flags&header.TCPFlagAck != 0 && got != test.ack {
				t.Errorf("reply acknowledgement number %d, want %d", got, test.ack)
			}
			if h.SourcePort() != clientPort || h.DestinationPort() != serverPort {
				t.Errorf("reply ports %d -> %d, want %d -> %d", h.SourcePort(), h.DestinationPort(), clientPort, serverPort)
			}
			if !checksumValid(sent[0]) {
				t.Errorf("reply checksum invalid")
			}
		})
	}

	stats := &tc.p.Stats().TCP
	got := []uint64{stats.SegmentsDroppedNoEndpoint.Value(), stats.ResetsSent.Value(), stats.ResetsReceived.Value()}
	if diff := cmp.Diff([]uint64{5, 4, 1}, got); diff != "" {
		t.Errorf("no endpoint drops, resets sent, resets received mismatch (-want +got):\n%s", diff)
	}
}

func TestMalformedSegments(t *testing.T) {
	tc := newTestContext(t, DefaultOptions())
	good := buildSegment(segmentFields{seq: 1, flags: header.TCPFlagSyn})

	badOffset := append([]byte(nil), good...)
	badOffset[12] = 15 << 4

	for _, pkt := range [][]byte{nil, good[:10], badOffset} {
		tc.p.HandlePacket(serverAddr, clientAddr, pkt, tcpip.NetworkOptions{})
	}
	if got := tc.p.Stats().TCP.InvalidSegmentsReceived.Value(); got != 3 {
		t.Errorf("InvalidSegmentsReceived = %d, want 3", got)
	}
	if got := tc.sent(); len(got) != 0 {
		t.Errorf("answered malformed segments with %d segments", len(got))
	}
}

func TestChecksumErrors(t *testing.T) {
	tc := newTestContext(t, DefaultOptions())
	pkt := buildSegment(segmentFields{seq: 1, flags: header.TCPFlagSyn, payload: payload(8)})
	pkt[len(pkt)-1] ^= 0xff
	tc.p.HandlePacket(serverAddr, clientAddr, pkt, tcpip.NetworkOptions{})

	stats := &tc.p.Stats().TCP
	if got := stats.ChecksumErrors.Value(); got != 1 {
		t.Errorf("ChecksumErrors = %d, want 1", got)
	}
	if got := stats.ValidSegmentsReceived.Value(); got != 0 {
		t.Errorf("ValidSegmentsReceived = %d, want 0", got)
	}
	if got := tc.sent(); len(got) != 0 {
		t.Errorf("answered a corrupt segment with %d segments", len(got))
	}
}

func TestChecksumDeclaredCorrect(t *testing.T) {
	tc := newChecksumContext(t, ChecksumDeclaredCorrect)
	pkt := buildSegment(segmentFields{seq: 1, flags: header.TCPFlagSyn})
	header.TCP(pkt).SetChecksum(0x1234)
	tc.p.HandlePacket(serverAddr, clientAddr, pkt, tcpip.NetworkOptions{})

	// Accepted without verification, so the closed port answers.
	sent := tc.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d segments, want 1", len(sent))
	}
	if got := sent[0].tcp().Checksum(); got != 0 {
		t.Errorf("checksum field %#x, want 0", got)
	}
}

func TestChecksumDeclaredIncorrect(t *testing.T) {
	tc := newChecksumContext(t, ChecksumDeclaredIncorrect)
	tc.inject(segmentFields{seq: 1, flags: header.TCPFlagSyn})
	if got := tc.p.Stats().TCP.ChecksumErrors.Value(); got != 1 {
		t.Errorf("ChecksumErrors = %d, want 1", got)
	}
	if got := tc.sent(); len(got) != 0 {
		t.Fatalf("answered a segment that should have been dropped")
	}

	tc.id = tc.p.Socket(tc.app)
	tc.command(OpenActive{LocalPort: clientPort, RemoteAddr: serverAddr, RemotePort: serverPort})
	sent := tc.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d segments, want the SYN", len(sent))
	}
	if checksumValid(sent[0]) {
		t.Errorf("SYN checksum is valid")
	}
}

func TestComputedChecksumsEndToEnd(t *testing.T) {
	tp := newTestPair(t, DefaultOptions(), DefaultOptions())
	tp.connect()
	tp.command(tp.client, tp.cid, Send{Data: payload(3000)})
	tp.run(10 * time.Second)
	for i, p := range tp.net.sent {
		if !checksumValid(p) {
			t.Errorf("packet %d from %s has an invalid checksum", i, p.src)
		}
	}
	if got := tp.server.Stats().TCP.ChecksumErrors.Value(); got != 0 {
		t.Errorf("server ChecksumErrors = %d, want 0", got)
	}
}

func TestWildcardListener(t *testing.T) {
	tp := newTestPair(t, DefaultOptions(), DefaultOptions())
	tp.sid = tp.server.Socket(tp.sapp)
	tp.command(tp.server, tp.sid, OpenPassive{LocalPort: serverPort})
	tp.dial()
	tp.run(time.Second)

	st := tp.status(tp.server, tp.sid)
	if st.State != StateEstablished {
		t.Fatalf("wildcard listener in %s, want ESTABLISHED", st.State)
	}
	want := tcpip.TransportEndpointID{LocalAddress: serverAddr, LocalPort: serverPort, RemoteAddress: clientAddr, RemotePort: clientPort}
	if diff := cmp.Diff(want, st.ID); diff != "" {
		t.Errorf("connection ID mismatch (-want +got):\n%s", diff)
	}
}

func TestListenerPortConflict(t *testing.T) {
	tc := newTestContext(t, DefaultOptions())
	first := tc.p.Socket(tc.app)
	if err := tc.p.Command(first, OpenPassive{LocalPort: serverPort}); err != nil {
		t.Fatalf("first OpenPassive failed: %v", err)
	}
	second := tc.p.Socket(tc.app)
	err := tc.p.Command(second, OpenPassive{LocalAddr: clientAddr, LocalPort: serverPort})
	if !errors.Is(err, &tcpip.ErrPortInUse{}) {
		t.Errorf("second OpenPassive = %v, want %v", err, &tcpip.ErrPortInUse{})
	}
	if got := tc.p.Connections(); got != 2 {
		t.Errorf("Connections() = %d, want 2", got)
	}
}

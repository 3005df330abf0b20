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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/inet-go/tcpsim/pkg/tcpip/header"
	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

func sackOptions(alg string) Options {
	opts := lossOptions(alg)
	opts.SACK = true
	return opts
}

// sentSACKBlocks returns the SACK blocks of the last segment sent.
func (tc *testContext) sentSACKBlocks() []header.SACKBlock {
	tc.t.Helper()
	return header.ParseTCPOptions(tc.lastSent().Options()).SACKBlocks
}

// peerData returns a data segment from the peer covering [off, off+n)
// relative to the peer's first data byte.
func peerData(ack seqnum.Value, off, n int) segmentFields {
	return segmentFields{
		seq:     serverISS + 1 + seqnum.Value(off),
		ack:     ack,
		flags:   header.TCPFlagAck,
		wnd:     testWnd,
		payload: payload(n),
	}
}

func peerBlock(start, end int) header.SACKBlock {
	return header.SACKBlock{Start: serverISS + 1 + seqnum.Value(start), End: serverISS + 1 + seqnum.Value(end)}
}

func TestSACKNegotiation(t *testing.T) {
	for _, tc := range []struct {
		name          string
		local         bool
		sackPermitted bool
		want          bool
	}{
		{"both", true, true, true},
		{"local only", true, false, false},
		{"peer only", false, true, false},
		{"neither", false, false, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.SACK = tc.local
			c := newTestContext(t, opts)
			c.connect(testMSS, testWnd, tc.sackPermitted)
			if got := c.status().SACK; got != tc.want {
				t.Errorf("SACK enabled = %t, want %t", got, tc.want)
			}
		})
	}
}

func TestSACKBlocksSent(t *testing.T) {
	tc := newTestContext(t, sackOptions("TCPSack"))
	s := tc.connect(testMSS, testWnd, true)

	tc.inject(peerData(s, 100, 100))
	if diff := cmp.Diff([]header.SACKBlock{peerBlock(100, 200)}, tc.sentSACKBlocks()); diff != "" {
		t.Errorf("first out of order segment SACK blocks mismatch (-want +got):\n%s", diff)
	}

	// The most recent block comes first.
	tc.inject(peerData(s, 300, 100))
	if diff := cmp.Diff([]header.SACKBlock{peerBlock(300, 400), peerBlock(100, 200)}, tc.sentSACKBlocks()); diff != "" {
		t.Errorf("second out of order segment SACK blocks mismatch (-want +got):\n%s", diff)
	}

	// Delivered blocks are no longer reported.
	tc.inject(peerData(s, 0, 100))
	if diff := cmp.Diff([]header.SACKBlock{peerBlock(300, 400)}, tc.sentSACKBlocks()); diff != "" {
		t.Errorf("after filling the first hole SACK blocks mismatch (-want +got):\n%s", diff)
	}

	// A duplicate is reported as a D-SACK block ahead of the others.
	tc.inject(peerData(s, 0, 100))
	if diff := cmp.Diff([]header.SACKBlock{peerBlock(0, 100), peerBlock(300, 400)}, tc.sentSACKBlocks()); diff != "" {
		t.Errorf("D-SACK blocks mismatch (-want +got):\n%s", diff)
	}
	st := tc.status()
	if st.Stats.DSACKsSent != 1 {
		t.Errorf("DSACKsSent = %d, want 1", st.Stats.DSACKsSent)
	}
	if got, want := st.RcvNxt, serverISS+1+200; got != want {
		t.Errorf("rcv_nxt = %d, want %d", got, want)
	}

	// The last hole closes and no block remains.
	tc.inject(peerData(s, 200, 100))
	if got := tc.sentSACKBlocks(); len(got) != 0 {
		t.Errorf("SACK blocks %v with nothing out of order", got)
	}
	if got, want := len(tc.app.data()), 400; got != want {
		t.Errorf("delivered %d bytes, want %d", got, want)
	}
}

func TestSACKRecovery(t *testing.T) {
	tc := newTestContext(t, sackOptions("TCPSack"))
	s := tc.connect(testMSS, testWnd, true)
	tc.command(Send{Data: payload(4 * testMSS)})
	tc.sent()

	block := func(from, to int) []byte {
		return sackOption(header.SACKBlock{Start: s.Add(seqnum.Size(from)), End: s.Add(seqnum.Size(to))})
	}

	// The first segment is lost. The first two reports do not make it
	// lost yet.
	tc.ackFromPeer(s, testWnd, block(100, 200))
	tc.ackFromPeer(s, testWnd, block(100, 300))
	if got := tc.sent(); len(got) != 0 {
		t.Fatalf("%d segments sent before loss was detected", len(got))
	}
	if st := tc.status(); st.LossRecovery {
		t.Fatalf("recovery entered after two duplicate ACKs")
	}

	tc.ackFromPeer(s, testWnd, block(100, 400))
	sent := tc.sent()
	if len(sent) != 1 {
		t.Fatalf("recovery sent %d segments, want 1", len(sent))
	}
	checkSegment(t, sent[0].tcp(), s, testMSS)
	st := tc.status()
	if !st.LossRecovery || st.Cwnd != 200 || st.Ssthresh != 200 {
		t.Errorf("in recovery got recovery %t cwnd %d ssthresh %d, want true 200 200", st.LossRecovery, st.Cwnd, st.Ssthresh)
	}
	if st.Stats.SACKsReceived != 3 {
		t.Errorf("SACKsReceived = %d, want 3", st.Stats.SACKsReceived)
	}

	tc.ackFromPeer(s.Add(4*testMSS), testWnd, nil)
	st = tc.status()
	if st.LossRecovery || st.Cwnd != 200 {
		t.Errorf("after full ACK got recovery %t cwnd %d, want false 200", st.LossRecovery, st.Cwnd)
	}
}

func TestNextSeg(t *testing.T) {
	tc := newTestContext(t, sackOptions("TCPSack"))
	s := tc.connect(testMSS, testWnd, true)
	conn, ok := tc.p.Connection(tc.id)
	if !ok {
		t.Fatalf("Connection(%d) not found", tc.id)
	}
	conn.cwnd = 10 * testMSS
	// Ten segments go out, one stays queued.
	tc.command(Send{Data: payload(11 * testMSS)})
	if got := len(tc.sent()); got != 10 {
		t.Fatalf("sent %d segments, want 10", got)
	}
	conn.scoreboard.SetSackedBit(s.Add(300), s.Add(600))
	conn.pipe = 0

	for _, test := range []struct {
		name    string
		highRxt seqnum.Value
		want    seqnum.Value
	}{
		{"first lost segment", s, s},
		{"lost segment above high_rxt", s.Add(100), s.Add(100)},
		{"new data", s.Add(300), s.Add(1000)},
	} {
		t.Run(test.name, func(t *testing.T) {
			conn.highRxt = test.highRxt
			got, ok := conn.nextSeg()
			if !ok || got != test.want {
				t.Errorf("nextSeg() = %d, %t, want %d, true", got, ok, test.want)
			}
		})
	}
}

func TestNextSegRescue(t *testing.T) {
	tc := newTestContext(t, sackOptions("TCPSack"))
	s := tc.connect(testMSS, testWnd, true)
	conn, ok := tc.p.Connection(tc.id)
	if !ok {
		t.Fatalf("Connection(%d) not found", tc.id)
	}
	conn.cwnd = 10 * testMSS
	tc.command(Send{Data: payload(10 * testMSS)})
	tc.sent()

	// One sacked segment does not make the data below it lost.
	conn.scoreboard.SetSackedBit(s.Add(100), s.Add(200))
	conn.highRxt = s
	conn.pipe = 0
	if conn.isLost(s) {
		t.Errorf("isLost(%d) with a single sacked segment", s)
	}
	if got, ok := conn.nextSeg(); !ok || got != s {
		t.Errorf("nextSeg() = %d, %t, want %d, true", got, ok, s)
	}

	conn.highRxt = s.Add(100)
	if got, ok := conn.nextSeg(); ok {
		t.Errorf("nextSeg() = %d with everything retransmitted", got)
	}
}

func TestSetPipe(t *testing.T) {
	tc := newTestContext(t, sackOptions("TCPSack"))
	s := tc.connect(testMSS, testWnd, true)
	conn, _ := tc.p.Connection(tc.id)
	tc.command(Send{Data: payload(4 * testMSS)})

	conn.scoreboard.SetSackedBit(s.Add(100), s.Add(400))
	conn.setPipe()
	// Three sacked segments make the first one lost, so nothing counts.
	if conn.pipe != 0 {
		t.Errorf("pipe = %d, want 0", conn.pipe)
	}

	conn.scoreboard.ResetSackedBit()
	conn.scoreboard.SetSackedBit(s.Add(300), s.Add(400))
	conn.setPipe()
	if want := uint32(3 * testMSS); conn.pipe != want {
		t.Errorf("pipe = %d, want %d", conn.pipe, want)
	}
}

func TestSetPipePartialSegments(t *testing.T) {
	tc := newTestContext(t, sackOptions("TCPSack"))
	s := tc.connect(testMSS, testWnd, true)
	conn, _ := tc.p.Connection(tc.id)
	tc.command(Send{Data: payload(testMSS + testMSS/2)})
	if got, want := conn.sndMax, s.Add(testMSS+testMSS/2); got != want {
		t.Fatalf("snd_max = %d, want %d", got, want)
	}

	conn.setPipe()
	if want := uint32(testMSS + testMSS/2); conn.pipe != want {
		t.Errorf("pipe with nothing sacked = %d, want %d", conn.pipe, want)
	}

	// Only the unsacked bytes on either side of the block count.
	conn.scoreboard.SetSackedBit(s.Add(50), s.Add(100))
	conn.setPipe()
	if want := uint32(testMSS); conn.pipe != want {
		t.Errorf("pipe with [50, 100) sacked = %d, want %d", conn.pipe, want)
	}
}

func TestNextSegUnalignedHoles(t *testing.T) {
	tc := newTestContext(t, sackOptions("TCPSack"))
	s := tc.connect(testMSS, testWnd, true)
	conn, _ := tc.p.Connection(tc.id)
	tc.command(Send{Data: payload(testMSS + testMSS/2)})
	tc.sent()

	for _, b := range [][2]seqnum.Size{{20, 40}, {60, 80}, {100, 120}} {
		conn.scoreboard.SetSackedBit(s.Add(b[0]), s.Add(b[1]))
	}
	conn.pipe = 0

	for _, test := range []struct {
		name    string
		highRxt seqnum.Value
		want    seqnum.Value
	}{
		// Three sacked regions above it make the first hole lost.
		{"lost hole", s, s},
		// The hole at 40 has only two sacked regions above it.
		{"hole not lost", s.Add(20), s.Add(40)},
		{"last hole", s.Add(60), s.Add(80)},
	} {
		t.Run(test.name, func(t *testing.T) {
			conn.highRxt = test.highRxt
			got, ok := conn.nextSeg()
			if !ok || got != test.want {
				t.Errorf("nextSeg() = %d, %t, want %d, true", got, ok, test.want)
			}
		})
	}

	conn.highRxt = s.Add(100)
	if got, ok := conn.nextSeg(); ok {
		t.Errorf("nextSeg() = %d above the highest sacked byte", got)
	}
}

func TestSACKHoleDetectionByRegions(t *testing.T) {
	tc := newTestContext(t, sackOptions("TCPSack"))
	s := tc.connect(testMSS, testWnd, true)
	conn, _ := tc.p.Connection(tc.id)
	tc.command(Send{Data: payload(4 * testMSS)})
	tc.sent()

	half := func(off int) header.SACKBlock {
		return header.SACKBlock{Start: s.Add(seqnum.Size(off)), End: s.Add(seqnum.Size(off + testMSS/2))}
	}

	// Two separate regions above the first segment do not make it lost.
	tc.ackFromPeer(s, testWnd, sackOption(half(200), half(100)))
	if conn.isLost(s) {
		t.Fatalf("isLost(%d) with two sacked regions above", s)
	}
	if got := tc.sent(); len(got) != 0 {
		t.Fatalf("%d segments sent with two sacked regions", len(got))
	}

	// A third region does, with far fewer than three segments sacked and
	// only two duplicate ACKs.
	tc.ackFromPeer(s, testWnd, sackOption(half(300), half(200), half(100)))
	if got, limit := conn.scoreboard.TotalSackedBytes(), uint32(3*testMSS); got >= limit {
		t.Fatalf("%d bytes sacked, want fewer than %d", got, limit)
	}
	if !conn.isLost(s) {
		t.Errorf("isLost(%d) = false with three sacked regions above", s)
	}
	st := tc.status()
	if !st.LossRecovery {
		t.Fatalf("recovery not entered after the third sacked region")
	}
	if st.Stats.FastRetransmits != 1 {
		t.Errorf("FastRetransmits = %d, want 1", st.Stats.FastRetransmits)
	}
	sent := tc.sent()
	if len(sent) == 0 {
		t.Fatalf("nothing retransmitted on entering recovery")
	}
	checkSegment(t, sent[0].tcp(), s, testMSS)
}

func TestDuplicateWithoutSACK(t *testing.T) {
	tc := newTestContext(t, lossOptions("TCPNewReno"))
	s := tc.connect(testMSS, testWnd, false)

	tc.inject(peerData(s, 0, 100))
	tc.inject(peerData(s, 0, 100))
	if got := tc.sentSACKBlocks(); len(got) != 0 {
		t.Errorf("SACK blocks %v sent without SACK", got)
	}
	st := tc.status()
	if st.Stats.DSACKsSent != 0 {
		t.Errorf("DSACKsSent = %d, want 0", st.Stats.DSACKsSent)
	}
	if got, want := st.RcvNxt, serverISS+1+100; got != want {
		t.Errorf("rcv_nxt = %d, want %d", got, want)
	}
}

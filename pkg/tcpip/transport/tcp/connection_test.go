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
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/header"
)

// terminalIndications counts the indications that end a connection.
func terminalIndications(r *recorder, id ConnID) int {
	n := 0
	for _, ind := range r.inds {
		if ind.ConnID != id {
			continue
		}
		switch ind.Kind {
		case IndicationClosed, IndicationConnectionReset, IndicationConnectionRefused, IndicationTimedOut:
			n++
		}
	}
	return n
}

func TestHandshake(t *testing.T) {
	tp := newTestPair(t, DefaultOptions(), DefaultOptions())
	tp.listen(false)
	tp.dial()

	// SYN, SYN-ACK and ACK each take one link delay.
	tp.run(linkDelay)
	tp.checkState(tp.server, tp.sid, StateSynRcvd)
	tp.checkState(tp.client, tp.cid, StateSynSent)
	tp.run(linkDelay)
	tp.checkState(tp.client, tp.cid, StateEstablished)
	tp.checkState(tp.server, tp.sid, StateSynRcvd)
	tp.run(linkDelay)
	tp.checkState(tp.server, tp.sid, StateEstablished)

	if diff := cmp.Diff([]IndicationKind{IndicationEstablished}, tp.capp.kinds()); diff != "" {
		t.Errorf("client indications mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]IndicationKind{IndicationEstablished}, tp.sapp.kinds()); diff != "" {
		t.Errorf("server indications mismatch (-want +got):\n%s", diff)
	}

	segs := tp.net.sent
	if len(segs) != 3 {
		t.Fatalf("got %d segments during the handshake, want 3", len(segs))
	}
	wantFlags := []header.TCPFlags{
		header.TCPFlagSyn,
		header.TCPFlagSyn | header.TCPFlagAck,
		header.TCPFlagAck,
	}
	for i, p := range segs {
		if got := p.tcp().Flags(); got != wantFlags[i] {
			t.Errorf("segment %d flags %s, want %s", i, got, wantFlags[i])
		}
	}
	if got, want := segs[0].tcp().SequenceNumber(), uint32(clientISS); got != want {
		t.Errorf("SYN sequence number %d, want %d", got, want)
	}
	if got, want := segs[1].tcp().AckNumber(), uint32(clientISS+1); got != want {
		t.Errorf("SYN-ACK acknowledges %d, want %d", got, want)
	}

	cs := tp.status(tp.client, tp.cid)
	ss := tp.status(tp.server, tp.sid)
	if cs.SndMSS != DefaultMSS || ss.SndMSS != DefaultMSS {
		t.Errorf("negotiated MSS client %d server %d, want %d", cs.SndMSS, ss.SndMSS, DefaultMSS)
	}
	if cs.RcvNxt != serverISS+1 || ss.RcvNxt != clientISS+1 {
		t.Errorf("rcv_nxt client %d server %d, want %d and %d", cs.RcvNxt, ss.RcvNxt, serverISS+1, clientISS+1)
	}
	if got := tp.client.Stats().TCP.ActiveConnectionOpenings.Value(); got != 1 {
		t.Errorf("ActiveConnectionOpenings = %d, want 1", got)
	}
	if got := tp.server.Stats().TCP.PassiveConnectionOpenings.Value(); got != 1 {
		t.Errorf("PassiveConnectionOpenings = %d, want 1", got)
	}
}

func TestDataTransfer(t *testing.T) {
	for _, alg := range AlgorithmNames() {
		t.Run(alg, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Algorithm = alg
			tp := newTestPair(t, opts, DefaultOptions())
			tp.connect()

			data := payload(20000)
			tp.command(tp.client, tp.cid, Send{Data: data})
			tp.run(30 * time.Second)

			if got := tp.sapp.data(); !bytes.Equal(got, data) {
				t.Fatalf("server received %d bytes, want %d intact", len(got), len(data))
			}
			st := tp.status(tp.client, tp.cid)
			if st.SndUna != st.SndMax {
				t.Errorf("snd_una %d != snd_max %d after transfer", st.SndUna, st.SndMax)
			}
			if st.Stats.Retransmits != 0 {
				t.Errorf("%d retransmissions on a lossless path", st.Stats.Retransmits)
			}
			if st.Cwnd < st.SndMSS {
				t.Errorf("cwnd %d below one segment", st.Cwnd)
			}
			for _, p := range tp.net.dataSegments(clientAddr) {
				if n := p.payloadLen(); n > DefaultMSS {
					t.Errorf("segment of %d bytes exceeds MSS %d", n, DefaultMSS)
				}
			}
		})
	}
}

func TestOrderlyClose(t *testing.T) {
	tp := newTestPair(t, DefaultOptions(), DefaultOptions())
	tp.connect()
	tp.command(tp.client, tp.cid, Send{Data: payload(1000)})
	tp.run(time.Second)

	tp.command(tp.client, tp.cid, Close{})
	tp.run(linkDelay)
	tp.checkState(tp.server, tp.sid, StateCloseWait)
	tp.run(linkDelay)
	tp.checkState(tp.client, tp.cid, StateFinWait2)

	// Sending after close is refused.
	if err := tp.client.Command(tp.cid, Send{Data: []byte("x")}); !errors.Is(err, &tcpip.ErrClosedForSend{}) {
		t.Errorf("Send after Close = %v, want %v", err, &tcpip.ErrClosedForSend{})
	}

	tp.command(tp.server, tp.sid, Close{})
	tp.checkState(tp.server, tp.sid, StateLastAck)
	tp.run(linkDelay)
	tp.checkState(tp.client, tp.cid, StateTimeWait)
	tp.run(linkDelay)
	if _, ok := tp.server.Connection(tp.sid); ok {
		t.Errorf("server connection still present after LAST_ACK")
	}

	tp.run(TwoMSL)
	if got := tp.client.Connections(); got != 0 {
		t.Errorf("client has %d connections after 2MSL, want 0", got)
	}

	if diff := cmp.Diff([]IndicationKind{IndicationEstablished, IndicationClosed}, tp.capp.kinds()); diff != "" {
		t.Errorf("client indications mismatch (-want +got):\n%s", diff)
	}
	wantServer := []IndicationKind{IndicationEstablished, IndicationData, IndicationPeerClosed, IndicationClosed}
	var gotServer []IndicationKind
	for _, k := range tp.sapp.kinds() {
		// The payload may arrive in several indications.
		if k == IndicationData && len(gotServer) > 0 && gotServer[len(gotServer)-1] == IndicationData {
			continue
		}
		gotServer = append(gotServer, k)
	}
	if diff := cmp.Diff(wantServer, gotServer); diff != "" {
		t.Errorf("server indications mismatch (-want +got):\n%s", diff)
	}

	// A connection that closed in order is unknown afterwards.
	if err := tp.client.Command(tp.cid, Status{}); !errors.Is(err, &tcpip.ErrUnknownEndpoint{}) {
		t.Errorf("Status on a closed connection = %v, want %v", err, &tcpip.ErrUnknownEndpoint{})
	}
}

func TestForkingListener(t *testing.T) {
	tp := newTestPair(t, DefaultOptions(), DefaultOptions())
	tp.listen(true)
	tp.dial()

	second := &recorder{}
	id2 := tp.client.Socket(second)
	tp.command(tp.client, id2, OpenActive{LocalPort: clientPort + 1, RemoteAddr: serverAddr, RemotePort: serverPort})
	tp.run(time.Second)

	tp.checkState(tp.server, tp.sid, StateListen)
	var forked []ConnID
	for _, ind := range tp.sapp.inds {
		if ind.Kind == IndicationAvailable {
			if ind.Listener != tp.sid {
				t.Errorf("Available names listener %d, want %d", ind.Listener, tp.sid)
			}
			forked = append(forked, ind.ConnID)
		}
	}
	if len(forked) != 2 {
		t.Fatalf("got %d forked connections, want 2", len(forked))
	}
	for _, id := range forked {
		tp.checkState(tp.server, id, StateEstablished)
	}
	tp.checkState(tp.client, tp.cid, StateEstablished)
	tp.checkState(tp.client, id2, StateEstablished)

	// Each forked connection carries its own stream.
	tp.command(tp.client, tp.cid, Send{Data: []byte("first")})
	tp.command(tp.client, id2, Send{Data: []byte("second")})
	tp.run(time.Second)
	got := map[ConnID]string{}
	for _, ind := range tp.sapp.inds {
		if ind.Kind == IndicationData {
			got[ind.ConnID] += string(ind.Data)
		}
	}
	want := map[ConnID]string{forked[0]: "first", forked[1]: "second"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("forked data mismatch (-want +got):\n%s", diff)
	}
}

func TestAcceptRoutesIndications(t *testing.T) {
	tp := newTestPair(t, DefaultOptions(), DefaultOptions())
	tp.listen(true)
	tp.dial()
	tp.run(time.Second)

	var forked ConnID
	for _, ind := range tp.sapp.inds {
		if ind.Kind == IndicationAvailable {
			forked = ind.ConnID
		}
	}
	if forked == 0 {
		t.Fatalf("no connection forked")
	}
	accepted := &recorder{}
	tp.command(tp.server, forked, Accept{App: accepted})
	tp.command(tp.client, tp.cid, Send{Data: []byte("hello")})
	tp.run(time.Second)
	if got, want := string(accepted.data()), "hello"; got != want {
		t.Errorf("accepted application got %q, want %q", got, want)
	}

	// Accept is only valid on forked connections.
	if err := tp.server.Command(tp.sid, Accept{}); !errors.Is(err, &tcpip.ErrInvalidEndpointState{}) {
		t.Errorf("Accept on the listener = %v, want %v", err, &tcpip.ErrInvalidEndpointState{})
	}
}

func TestConnectionRefused(t *testing.T) {
	tp := newTestPair(t, DefaultOptions(), DefaultOptions())
	tp.dial()
	tp.run(time.Second)

	if diff := cmp.Diff([]IndicationKind{IndicationConnectionRefused}, tp.capp.kinds()); diff != "" {
		t.Errorf("client indications mismatch (-want +got):\n%s", diff)
	}
	if got := tp.server.Stats().TCP.SegmentsDroppedNoEndpoint.Value(); got != 1 {
		t.Errorf("SegmentsDroppedNoEndpoint = %d, want 1", got)
	}
	rst := tp.net.sentBy(serverAddr)
	if len(rst) != 1 || !rst[0].tcp().Flags().Contains(header.TCPFlagRst|header.TCPFlagAck) {
		t.Fatalf("server sent %d segments, want a single RST-ACK", len(rst))
	}
	if got, want := rst[0].tcp().AckNumber(), uint32(clientISS+1); got != want {
		t.Errorf("RST acknowledges %d, want %d", got, want)
	}
	if err := tp.client.Command(tp.cid, Status{}); !errors.Is(err, &tcpip.ErrConnectionAborted{}) {
		t.Errorf("Status after refusal = %v, want %v", err, &tcpip.ErrConnectionAborted{})
	}
}

func TestConnectionEstablishmentTimeout(t *testing.T) {
	tp := newTestPair(t, DefaultOptions(), DefaultOptions())
	tp.net.drop = func(packet) bool { return true }
	tp.dial()
	tp.run(2 * ConnEstabTimeout)

	if diff := cmp.Diff([]IndicationKind{IndicationTimedOut}, tp.capp.kinds()); diff != "" {
		t.Errorf("client indications mismatch (-want +got):\n%s", diff)
	}
	// SYNs at 0, 3, 9, 21 and 45 seconds; the next would be due after the
	// establishment timeout.
	if got, want := len(tp.net.sentBy(clientAddr)), 5; got != want {
		t.Errorf("client sent %d SYNs, want %d", got, want)
	}
	if got := tp.client.Stats().TCP.FailedConnectionAttempts.Value(); got != 1 {
		t.Errorf("FailedConnectionAttempts = %d, want 1", got)
	}
}

func TestAbort(t *testing.T) {
	tp := newTestPair(t, DefaultOptions(), DefaultOptions())
	tp.connect()
	tp.command(tp.client, tp.cid, Abort{})
	tp.run(time.Second)

	last := tp.net.sentBy(clientAddr)
	if f := last[len(last)-1].tcp().Flags(); f != header.TCPFlagRst {
		t.Errorf("abort sent flags %s, want RST", f)
	}
	if diff := cmp.Diff([]IndicationKind{IndicationEstablished, IndicationConnectionReset}, tp.sapp.kinds()); diff != "" {
		t.Errorf("server indications mismatch (-want +got):\n%s", diff)
	}
	if err := tp.server.Command(tp.sid, Send{Data: []byte("x")}); !errors.Is(err, &tcpip.ErrConnectionAborted{}) {
		t.Errorf("Send after reset = %v, want %v", err, &tcpip.ErrConnectionAborted{})
	}
	for _, c := range []struct {
		r  *recorder
		id ConnID
	}{{tp.capp, tp.cid}, {tp.sapp, tp.sid}} {
		if n := terminalIndications(c.r, c.id); n != 1 {
			t.Errorf("connection %d got %d terminal indications, want 1", c.id, n)
		}
	}
}

func TestRetransmissionLimitAborts(t *testing.T) {
	tp := newTestPair(t, DefaultOptions(), DefaultOptions())
	tp.connect()
	tp.net.drop = func(packet) bool { return true }
	tp.command(tp.client, tp.cid, Send{Data: payload(100)})
	tp.run(2 * time.Hour)

	if diff := cmp.Diff([]IndicationKind{IndicationEstablished, IndicationTimedOut}, tp.capp.kinds()); diff != "" {
		t.Errorf("client indications mismatch (-want +got):\n%s", diff)
	}
	if got := tp.client.Stats().TCP.Timeouts.Value(); got != MaxRexmitCount {
		t.Errorf("Timeouts = %d, want %d", got, MaxRexmitCount)
	}
	if got := tp.client.Stats().TCP.EstablishedTimedout.Value(); got != 1 {
		t.Errorf("EstablishedTimedout = %d, want 1", got)
	}
}

func TestDataNotification(t *testing.T) {
	sopts := DefaultOptions()
	sopts.DataNotification = true
	tp := newTestPair(t, DefaultOptions(), sopts)
	tp.connect()
	tp.command(tp.client, tp.cid, Send{Data: payload(300)})
	tp.run(time.Second)

	if got := tp.sapp.count(IndicationData); got != 0 {
		t.Fatalf("got %d Data indications before Read, want 0", got)
	}
	last := tp.sapp.inds[len(tp.sapp.inds)-1]
	if last.Kind != IndicationDataNotification || last.Available != 300 {
		t.Fatalf("last indication %s with %d bytes, want DATA_NOTIFICATION with 300", last.Kind, last.Available)
	}

	tp.command(tp.server, tp.sid, Read{MaxBytes: 100})
	tp.command(tp.server, tp.sid, Read{})
	got := tp.sapp.inds[len(tp.sapp.inds)-2:]
	if len(got[0].Data) != 100 || len(got[1].Data) != 200 {
		t.Errorf("reads returned %d and %d bytes, want 100 and 200", len(got[0].Data), len(got[1].Data))
	}
	if !bytes.Equal(tp.sapp.data(), payload(300)) {
		t.Errorf("read data differs from sent data")
	}

	// Without data notification Read is an error.
	if err := tp.client.Command(tp.cid, Read{}); !errors.Is(err, &tcpip.ErrInvalidEndpointState{}) {
		t.Errorf("Read without notification = %v, want %v", err, &tcpip.ErrInvalidEndpointState{})
	}
}

func TestStatusCommand(t *testing.T) {
	tp := newTestPair(t, DefaultOptions(), DefaultOptions())
	tp.connect()
	tp.command(tp.client, tp.cid, Status{})
	last := tp.capp.inds[len(tp.capp.inds)-1]
	if last.Kind != IndicationStatusInfo || last.Status == nil {
		t.Fatalf("last indication %s, want STATUS_INFO", last.Kind)
	}
	if got, want := last.Status.State, StateEstablished; got != want {
		t.Errorf("status state %s, want %s", got, want)
	}
	if got, want := last.Status.Algorithm, DefaultAlgorithm; got != want {
		t.Errorf("status algorithm %q, want %q", got, want)
	}
}

func TestCommandErrors(t *testing.T) {
	badOpts := DefaultOptions()
	badOpts.DupThresh = 0
	for _, tc := range []struct {
		name string
		cmds []Command
		want error
	}{
		{"send before open", []Command{Send{Data: []byte("x")}}, &tcpip.ErrInvalidEndpointState{}},
		{"close before open", []Command{Close{}}, &tcpip.ErrInvalidEndpointState{}},
		{"open without destination", []Command{OpenActive{}}, &tcpip.ErrDestinationRequired{}},
		{"listen without port", []Command{OpenPassive{}}, &tcpip.ErrInvalidEndpointState{}},
		{"send on listener", []Command{OpenPassive{LocalPort: 7}, Send{Data: []byte("x")}}, &tcpip.ErrDestinationRequired{}},
		{"listen twice", []Command{OpenPassive{LocalPort: 7}, OpenPassive{LocalPort: 8}}, &tcpip.ErrAlreadyBound{}},
		{"unknown option", []Command{SetOption{Kind: OptionKind(99)}}, &tcpip.ErrUnknownProtocolOption{}},
		{"address family", []Command{OpenActive{LocalAddr: clientAddr, RemoteAddr: tcpip.Address("\x20\x01\x0d\xb8\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x01"), RemotePort: 80}}, &tcpip.ErrAddressFamilyNotSupported{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tp := newTestPair(t, DefaultOptions(), DefaultOptions())
			id := tp.client.Socket(tp.capp)
			var err error
			for _, cmd := range tc.cmds {
				if err = tp.client.Command(id, cmd); err != nil {
					break
				}
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("got error %v, want %v", err, tc.want)
			}
		})
	}

	t.Run("invalid options", func(t *testing.T) {
		tp := newTestPair(t, DefaultOptions(), DefaultOptions())
		id := tp.client.Socket(tp.capp)
		if err := tp.client.Command(id, OpenPassive{LocalPort: 7, Options: &badOpts}); err == nil {
			t.Errorf("OpenPassive with dupthresh 0 succeeded")
		}
	})
	t.Run("unknown connection", func(t *testing.T) {
		tp := newTestPair(t, DefaultOptions(), DefaultOptions())
		if err := tp.client.Command(42, Status{}); !errors.Is(err, &tcpip.ErrUnknownEndpoint{}) {
			t.Errorf("got error %v, want %v", err, &tcpip.ErrUnknownEndpoint{})
		}
	})
	t.Run("port in use", func(t *testing.T) {
		tp := newTestPair(t, DefaultOptions(), DefaultOptions())
		tp.command(tp.client, tp.client.Socket(tp.capp), OpenPassive{LocalPort: 7})
		err := tp.client.Command(tp.client.Socket(tp.capp), OpenPassive{LocalPort: 7})
		if !errors.Is(err, &tcpip.ErrPortInUse{}) {
			t.Errorf("got error %v, want %v", err, &tcpip.ErrPortInUse{})
		}
	})
}

func TestSetOptionMarksPackets(t *testing.T) {
	tp := newTestPair(t, DefaultOptions(), DefaultOptions())
	tp.connect()
	tp.command(tp.client, tp.cid, SetOption{Kind: OptionTTL, Value: 7})
	tp.command(tp.client, tp.cid, SetOption{Kind: OptionDSCP, Value: 46})
	tp.command(tp.client, tp.cid, Send{Data: []byte("marked")})
	segs := tp.net.dataSegments(clientAddr)
	if len(segs) != 1 {
		t.Fatalf("got %d data segments, want 1", len(segs))
	}
	if got, want := segs[0].opts, (tcpip.NetworkOptions{TTL: 7, DSCP: 46}); got != want {
		t.Errorf("network options %+v, want %+v", got, want)
	}
}

func TestSimultaneousOpen(t *testing.T) {
	tp := newTestPair(t, DefaultOptions(), DefaultOptions())
	sapp := &recorder{}
	tp.sid = tp.server.Socket(sapp)
	tp.command(tp.server, tp.sid, OpenActive{LocalPort: serverPort, RemoteAddr: clientAddr, RemotePort: clientPort})
	tp.dial()
	tp.run(time.Second)

	tp.checkState(tp.client, tp.cid, StateEstablished)
	tp.checkState(tp.server, tp.sid, StateEstablished)
	if got := tp.capp.count(IndicationEstablished); got != 1 {
		t.Errorf("client got %d Established indications, want 1", got)
	}
	if got := sapp.count(IndicationEstablished); got != 1 {
		t.Errorf("server got %d Established indications, want 1", got)
	}
}

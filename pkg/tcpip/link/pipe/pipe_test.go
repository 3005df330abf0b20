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

package pipe

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/inet-go/tcpsim/pkg/sim"
	"github.com/inet-go/tcpsim/pkg/tcpip"
)

var (
	addr1 = tcpip.MustParseAddress("10.0.0.1")
	addr2 = tcpip.MustParseAddress("10.0.0.2")
)

type delivery struct {
	At   time.Duration
	Src  tcpip.Address
	Dst  tcpip.Address
	Data []byte
	Opts tcpip.NetworkOptions
}

type recorder struct {
	s    *sim.Scheduler
	pkts []delivery
}

func (r *recorder) HandlePacket(src, dst tcpip.Address, pkt []byte, opts tcpip.NetworkOptions) {
	r.pkts = append(r.pkts, delivery{
		At:   r.s.Now().Sub(sim.Epoch).Round(time.Millisecond),
		Src:  src,
		Dst:  dst,
		Data: pkt,
		Opts: opts,
	})
}

func newPipe(t *testing.T, opts Options) (*sim.Scheduler, *Endpoint, *Endpoint, *recorder) {
	t.Helper()
	s := sim.NewDefault()
	ep1, ep2, err := New(s, addr1, addr2, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	r := &recorder{s: s}
	ep2.Attach(r)
	return s, ep1, ep2, r
}

func TestDelivery(t *testing.T) {
	s, ep1, _, r := newPipe(t, Options{Delay: 10 * time.Millisecond})
	pkt := []byte{1, 2, 3}
	opts := tcpip.NetworkOptions{TTL: 64, ECN: tcpip.ECNECT0}
	if err := ep1.SendToNetwork(pkt, addr1, addr2, opts); err != nil {
		t.Fatalf("SendToNetwork failed: %v", err)
	}
	pkt[0] = 9

	s.Advance(9 * time.Millisecond)
	if len(r.pkts) != 0 {
		t.Fatalf("delivered %d packets before the delay elapsed", len(r.pkts))
	}
	s.Advance(time.Millisecond)
	want := []delivery{{
		At:   10 * time.Millisecond,
		Src:  addr1,
		Dst:  addr2,
		Data: []byte{1, 2, 3},
		Opts: opts,
	}}
	if diff := cmp.Diff(want, r.pkts); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
	st := ep1.Stats()
	if got := []uint64{st.Sent.Value(), st.Delivered.Value(), st.Bytes.Value()}; !cmp.Equal(got, []uint64{1, 1, 3}) {
		t.Errorf("got sent/delivered/bytes %v, want [1 1 3]", got)
	}
}

func TestBothDirections(t *testing.T) {
	s, ep1, ep2, r2 := newPipe(t, Options{Delay: time.Millisecond})
	r1 := &recorder{s: s}
	ep1.Attach(r1)

	if err := ep2.SendToNetwork([]byte{2}, addr2, addr1, tcpip.NetworkOptions{}); err != nil {
		t.Fatalf("SendToNetwork failed: %v", err)
	}
	s.Advance(time.Millisecond)
	if len(r1.pkts) != 1 || len(r2.pkts) != 0 {
		t.Fatalf("got %d packets at end 1 and %d at end 2, want 1 and 0", len(r1.pkts), len(r2.pkts))
	}
	if ep2.Peer() != ep1 || ep1.Address() != addr1 {
		t.Errorf("pipe ends not linked")
	}
}

func TestSendErrors(t *testing.T) {
	_, ep1, _, _ := newPipe(t, Options{MTU: 100})
	for _, tc := range []struct {
		name string
		dst  tcpip.Address
		size int
		want error
	}{
		{"wrong destination", tcpip.MustParseAddress("10.0.0.3"), 10, &tcpip.ErrHostUnreachable{}},
		{"too long", addr2, 101, &tcpip.ErrMessageTooLong{}},
		{"at mtu", addr2, 100, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := ep1.SendToNetwork(make([]byte, tc.size), addr1, tc.dst, tcpip.NetworkOptions{})
			if tc.want == nil {
				if err != nil {
					t.Fatalf("SendToNetwork failed: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("got err %v, want %v", err, tc.want)
			}
		})
	}
}

func TestBandwidth(t *testing.T) {
	// 1000 bytes per second: a 100 byte packet takes 100ms.
	s, ep1, _, r := newPipe(t, Options{Delay: 5 * time.Millisecond, Bandwidth: 8000, MTU: 100})
	for i := 0; i < 3; i++ {
		if err := ep1.SendToNetwork(bytes.Repeat([]byte{byte(i)}, 100), addr1, addr2, tcpip.NetworkOptions{}); err != nil {
			t.Fatalf("SendToNetwork failed: %v", err)
		}
	}
	s.Advance(time.Second)
	var got []time.Duration
	for i, p := range r.pkts {
		if p.Data[0] != byte(i) {
			t.Errorf("packet %d delivered out of order", i)
		}
		got = append(got, p.At)
	}
	want := []time.Duration{105 * time.Millisecond, 205 * time.Millisecond, 305 * time.Millisecond}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("arrival times mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueDrops(t *testing.T) {
	s, ep1, _, r := newPipe(t, Options{Bandwidth: 8000, MTU: 100, MaxQueueDelay: 150 * time.Millisecond})
	for i := 0; i < 4; i++ {
		if err := ep1.SendToNetwork(make([]byte, 100), addr1, addr2, tcpip.NetworkOptions{}); err != nil {
			t.Fatalf("SendToNetwork failed: %v", err)
		}
	}
	s.Advance(time.Second)
	if got, want := len(r.pkts), 2; got != want {
		t.Errorf("got %d packets delivered, want %d", got, want)
	}
	if got, want := ep1.Stats().QueueDrops.Value(), uint64(2); got != want {
		t.Errorf("got %d queue drops, want %d", got, want)
	}
}

func TestLoss(t *testing.T) {
	for _, tc := range []struct {
		name     string
		rate     float64
		wantNone bool
		wantAll  bool
	}{
		{name: "none", rate: 0, wantAll: true},
		{name: "all", rate: 1, wantNone: true},
		{name: "half", rate: 0.5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, ep1, _, r := newPipe(t, Options{LossRate: tc.rate, Seed: 7})
			const n = 1000
			for i := 0; i < n; i++ {
				if err := ep1.SendToNetwork([]byte{0}, addr1, addr2, tcpip.NetworkOptions{}); err != nil {
					t.Fatalf("SendToNetwork failed: %v", err)
				}
			}
			s.Advance(time.Second)
			st := ep1.Stats()
			if st.Lost.Value()+st.Delivered.Value() != n {
				t.Errorf("lost %d + delivered %d != %d", st.Lost.Value(), st.Delivered.Value(), n)
			}
			switch {
			case tc.wantAll:
				if len(r.pkts) != n {
					t.Errorf("got %d delivered, want %d", len(r.pkts), n)
				}
			case tc.wantNone:
				if len(r.pkts) != 0 {
					t.Errorf("got %d delivered, want 0", len(r.pkts))
				}
			default:
				if len(r.pkts) < n/4 || len(r.pkts) > 3*n/4 {
					t.Errorf("got %d of %d delivered at loss rate %v", len(r.pkts), n, tc.rate)
				}
			}
		})
	}
}

func TestLossIsDeterministic(t *testing.T) {
	run := func() []byte {
		s, ep1, _, r := newPipe(t, Options{LossRate: 0.3, Seed: 42})
		for i := 0; i < 100; i++ {
			ep1.SendToNetwork([]byte{byte(i)}, addr1, addr2, tcpip.NetworkOptions{})
		}
		s.Advance(time.Second)
		var got []byte
		for _, p := range r.pkts {
			got = append(got, p.Data[0])
		}
		return got
	}
	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Errorf("runs with the same seed differ (-first +second):\n%s", diff)
	}
}

func TestDropHook(t *testing.T) {
	s, ep1, _, r := newPipe(t, Options{
		Drop: func(pkt []byte, _, _ tcpip.Address) bool { return pkt[0] == 1 },
	})
	for i := 0; i < 3; i++ {
		ep1.SendToNetwork([]byte{byte(i)}, addr1, addr2, tcpip.NetworkOptions{})
	}
	s.Advance(time.Millisecond)
	var got []byte
	for _, p := range r.pkts {
		got = append(got, p.Data[0])
	}
	if diff := cmp.Diff([]byte{0, 2}, got); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}
	if got := ep1.Stats().Lost.Value(); got != 1 {
		t.Errorf("got %d lost, want 1", got)
	}
}

func TestUnattached(t *testing.T) {
	s := sim.NewDefault()
	ep1, ep2, err := New(s, addr1, addr2, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if ep2.IsAttached() {
		t.Fatalf("new endpoint is attached")
	}
	ep1.SendToNetwork([]byte{0}, addr1, addr2, tcpip.NetworkOptions{})
	s.Advance(time.Millisecond)
	if got := ep1.Stats().Undeliverable.Value(); got != 1 {
		t.Errorf("got %d undeliverable, want 1", got)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts Options
		ok   bool
	}{
		{"zero", Options{}, true},
		{"negative delay", Options{Delay: -1}, false},
		{"loss above one", Options{LossRate: 1.5}, false},
		{"negative loss", Options{LossRate: -0.1}, false},
		{"negative queue delay", Options{MaxQueueDelay: -time.Second}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := New(sim.NewDefault(), addr1, addr2, tc.opts)
			if got := err == nil; got != tc.ok {
				t.Errorf("got err %v, want ok %t", err, tc.ok)
			}
		})
	}
}

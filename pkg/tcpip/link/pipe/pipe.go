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

// Package pipe provides a simulated point-to-point link. Packets written to
// one end are delivered to the dispatcher attached to the other end after a
// propagation delay, subject to a bandwidth limit and random loss. All
// timing runs on a sim.Scheduler.
package pipe

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/inet-go/tcpsim/pkg/sim"
	"github.com/inet-go/tcpsim/pkg/tcpip"
)

var (
	_ tcpip.NetworkSender    = (*Endpoint)(nil)
	_ tcpip.PacketDispatcher = (*Endpoint)(nil)
)

// Options configures both directions of a pipe.
type Options struct {
	// Delay is the one-way propagation delay.
	Delay time.Duration

	// Bandwidth is the link rate in bits per second. Zero is unlimited.
	Bandwidth uint64

	// MaxQueueDelay bounds how long a packet may wait for the transmitter
	// when Bandwidth is set. Packets that would wait longer are dropped.
	// Zero is unbounded.
	MaxQueueDelay time.Duration

	// LossRate is the probability in [0, 1] that a packet is dropped.
	LossRate float64

	// MTU is the largest packet accepted. Zero is unlimited.
	MTU uint32

	// Seed seeds the loss generator of the first end; the second end uses
	// Seed+1.
	Seed int64

	// Drop, if set, is consulted for every packet after the random loss
	// check. Returning true drops the packet.
	Drop func(pkt []byte, src, dst tcpip.Address) bool
}

// Validate checks o for out-of-range values.
func (o *Options) Validate() error {
	if o.Delay < 0 {
		return fmt.Errorf("negative delay %v", o.Delay)
	}
	if o.LossRate < 0 || o.LossRate > 1 || math.IsNaN(o.LossRate) {
		return fmt.Errorf("loss rate %v outside [0, 1]", o.LossRate)
	}
	if o.MaxQueueDelay < 0 {
		return fmt.Errorf("negative max queue delay %v", o.MaxQueueDelay)
	}
	return nil
}

// Stats are the counters of one direction of a pipe.
type Stats struct {
	// Sent is the number of packets written to the endpoint.
	Sent tcpip.StatCounter

	// Delivered is the number of packets handed to the peer's dispatcher.
	Delivered tcpip.StatCounter

	// Lost is the number of packets dropped by the loss model.
	Lost tcpip.StatCounter

	// QueueDrops is the number of packets dropped because the
	// transmitter was backlogged.
	QueueDrops tcpip.StatCounter

	// Undeliverable is the number of packets that arrived with no
	// dispatcher attached to the peer.
	Undeliverable tcpip.StatCounter

	// Bytes is the number of bytes delivered.
	Bytes tcpip.StatCounter
}

// New returns both ends of a new pipe. addr1 and addr2 are the network
// addresses reachable through each end.
func New(s *sim.Scheduler, addr1, addr2 tcpip.Address, opts Options) (*Endpoint, *Endpoint, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}
	ep1 := newEndpoint(s, addr1, opts, opts.Seed)
	ep2 := newEndpoint(s, addr2, opts, opts.Seed+1)
	ep1.linked = ep2
	ep2.linked = ep1
	return ep1, ep2, nil
}

func newEndpoint(s *sim.Scheduler, addr tcpip.Address, opts Options, seed int64) *Endpoint {
	e := &Endpoint{
		s:    s,
		addr: addr,
		opts: opts,
		rng:  rand.New(rand.NewSource(seed)),
	}
	if opts.Bandwidth != 0 {
		bytesPerSec := float64(opts.Bandwidth) / 8
		// The bucket is one maximum-sized packet deep.
		burst := int(opts.MTU)
		if burst == 0 {
			burst = math.MaxUint16 + 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	return e
}

// Endpoint is one end of a pipe.
type Endpoint struct {
	s          *sim.Scheduler
	addr       tcpip.Address
	opts       Options
	rng        *rand.Rand
	limiter    *rate.Limiter
	linked     *Endpoint
	dispatcher tcpip.PacketDispatcher
	stats      Stats
}

// Address returns the network address of this end.
func (e *Endpoint) Address() tcpip.Address {
	return e.addr
}

// Peer returns the other end of the pipe.
func (e *Endpoint) Peer() *Endpoint {
	return e.linked
}

// MTU returns the largest packet the pipe accepts, or zero if unlimited.
func (e *Endpoint) MTU() uint32 {
	return e.opts.MTU
}

// Stats returns the counters of the direction leaving this end.
func (e *Endpoint) Stats() *Stats {
	return &e.stats
}

// Attach sets the dispatcher that receives packets arriving at this end.
func (e *Endpoint) Attach(d tcpip.PacketDispatcher) {
	e.dispatcher = d
}

// IsAttached returns whether a dispatcher is attached.
func (e *Endpoint) IsAttached() bool {
	return e.dispatcher != nil
}

// HandlePacket implements tcpip.PacketDispatcher by forwarding pkt to the
// attached dispatcher. It lets a pipe end stand in for a dispatcher in a
// chain of link endpoints.
func (e *Endpoint) HandlePacket(src, dst tcpip.Address, pkt []byte, opts tcpip.NetworkOptions) {
	if e.dispatcher == nil {
		return
	}
	e.dispatcher.HandlePacket(src, dst, pkt, opts)
}

// SendToNetwork implements tcpip.NetworkSender. It accepts packets addressed
// to the other end only. The packet is copied; the caller may reuse pkt.
func (e *Endpoint) SendToNetwork(pkt []byte, src, dst tcpip.Address, opts tcpip.NetworkOptions) error {
	if dst != e.linked.addr {
		return fmt.Errorf("%s via %s: %w", dst, e.addr, &tcpip.ErrHostUnreachable{})
	}
	if e.opts.MTU != 0 && uint32(len(pkt)) > e.opts.MTU {
		return fmt.Errorf("%d bytes, mtu %d: %w", len(pkt), e.opts.MTU, &tcpip.ErrMessageTooLong{})
	}
	e.stats.Sent.Increment()

	if e.opts.LossRate > 0 && e.rng.Float64() < e.opts.LossRate {
		e.stats.Lost.Increment()
		return nil
	}
	if e.opts.Drop != nil && e.opts.Drop(pkt, src, dst) {
		e.stats.Lost.Increment()
		return nil
	}

	delay := e.opts.Delay
	if e.limiter != nil {
		now := e.s.Now()
		r := e.limiter.ReserveN(now, len(pkt))
		if !r.OK() {
			e.stats.QueueDrops.Increment()
			return nil
		}
		wait := r.DelayFrom(now)
		if e.opts.MaxQueueDelay != 0 && wait > e.opts.MaxQueueDelay {
			r.CancelAt(now)
			e.stats.QueueDrops.Increment()
			return nil
		}
		delay += wait + transmissionTime(len(pkt), e.opts.Bandwidth)
	}

	data := append([]byte(nil), pkt...)
	e.s.AfterFunc(delay, func() {
		if !e.linked.IsAttached() {
			e.stats.Undeliverable.Increment()
			return
		}
		e.stats.Delivered.Increment()
		e.stats.Bytes.IncrementBy(uint64(len(data)))
		e.linked.HandlePacket(src, dst, data, opts)
	})
	return nil
}

// transmissionTime returns how long n bytes occupy a link of the given rate.
func transmissionTime(n int, bitsPerSec uint64) time.Duration {
	return time.Duration(float64(n) * 8 / float64(bitsPerSec) * float64(time.Second))
}

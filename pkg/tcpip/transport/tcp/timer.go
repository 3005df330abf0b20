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
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/inet-go/tcpsim/pkg/sim"
)

const (
	// DelayedACKTimeout is how long an ACK may be withheld.
	DelayedACKTimeout = 200 * time.Millisecond

	// MaxRexmitCount is the number of retransmissions after which the
	// connection is abandoned.
	MaxRexmitCount = 12

	// MinRTO and MaxRTO bound the retransmission timeout.
	MinRTO = time.Second
	MaxRTO = 240 * time.Second

	// InitialRTO is the retransmission timeout before any RTT sample.
	InitialRTO = 3 * time.Second

	// MinPersistTimeout and MaxPersistTimeout bound the persist timer.
	MinPersistTimeout = 5 * time.Second
	MaxPersistTimeout = 60 * time.Second

	// persistUnit and maxPersistFactor generate the persist backoff
	// sequence: 1.5s times a factor doubling from 1 to 64.
	persistUnit      = 1500 * time.Millisecond
	maxPersistFactor = 64

	// SynRexmitTimeout is the first SYN retransmission timeout.
	SynRexmitTimeout = 3 * time.Second

	// MaxSynRexmitTimeout caps the SYN retransmission backoff.
	MaxSynRexmitTimeout = 240 * time.Second

	// ConnEstabTimeout is how long connection establishment may take.
	ConnEstabTimeout = 75 * time.Second

	// FinWait2Timeout is how long a connection may stay in FIN_WAIT_2.
	FinWait2Timeout = 600 * time.Second

	// TwoMSL is the TIME_WAIT duration.
	TwoMSL = 240 * time.Second
)

// timerKind identifies a connection timer. It is used as the scheduler tag.
type timerKind sim.Tag

const (
	timerRexmit timerKind = iota
	timerPersist
	timerDelayedAck
	timerKeepalive
	timer2MSL
	timerConnEstab
	timerFinWait2
	timerSynRexmit
	numTimerKinds
)

var timerNames = [...]string{
	timerRexmit:     "REXMIT",
	timerPersist:    "PERSIST",
	timerDelayedAck: "DELAYED_ACK",
	timerKeepalive:  "KEEPALIVE",
	timer2MSL:       "2MSL",
	timerConnEstab:  "CONN_ESTAB",
	timerFinWait2:   "FIN_WAIT_2",
	timerSynRexmit:  "SYN_REXMIT",
}

func (k timerKind) String() string {
	if k >= 0 && k < numTimerKinds {
		return timerNames[k]
	}
	return fmt.Sprintf("timerKind(%d)", int(k))
}

// timer is one connection timer backed by a scheduler event. Enabling a timer
// that is already enabled replaces the pending event, so there is at most one
// pending event per timer.
type timer struct {
	s     *sim.Scheduler
	owner sim.OwnerID
	kind  timerKind

	// handle is the pending event, or zero when the timer is disabled.
	handle sim.Handle
}

// init binds the timer to its owner. When it expires the owner's HandleTimer
// is called with the timer's kind as tag.
func (t *timer) init(s *sim.Scheduler, owner sim.OwnerID, kind timerKind) {
	t.s = s
	t.owner = owner
	t.kind = kind
	t.handle = sim.Handle{}
}

// enabled returns true if the timer is currently enabled, false otherwise.
func (t *timer) enabled() bool {
	return t.s != nil && t.s.IsScheduled(t.handle)
}

// enable arms the timer to fire d from now.
func (t *timer) enable(d time.Duration) {
	t.s.Cancel(t.handle)
	t.handle = t.s.ScheduleAfter(d, t.owner, sim.Tag(t.kind))
}

// disable cancels the timer if it is pending.
func (t *timer) disable() {
	if t.s != nil {
		t.s.Cancel(t.handle)
	}
	t.handle = sim.Handle{}
}

// fired must be called when the timer's event is delivered.
func (t *timer) fired() {
	t.handle = sim.Handle{}
}

// deadline returns when the timer fires.
func (t *timer) deadline() (time.Time, bool) {
	return t.s.ArrivalTime(t.handle)
}

// newSynRexmitBackoff returns the SYN retransmission schedule: 3s doubling up
// to 240s.
func newSynRexmitBackoff(clock backoff.Clock) *backoff.ExponentialBackOff {
	return newDoublingBackoff(clock, SynRexmitTimeout, MaxSynRexmitTimeout)
}

// newPersistBackoff returns the unclamped persist schedule.
func newPersistBackoff(clock backoff.Clock) *backoff.ExponentialBackOff {
	return newDoublingBackoff(clock, persistUnit, maxPersistFactor*persistUnit)
}

func newDoublingBackoff(clock backoff.Clock, initial, max time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0,
		Clock:               clock,
	}
	b.Reset()
	return b
}

// clampPersist bounds a persist timeout.
func clampPersist(d time.Duration) time.Duration {
	return min(max(d, MinPersistTimeout), MaxPersistTimeout)
}

// newKeepaliveBackoff returns the keepalive probe schedule: count probes at
// a fixed interval, then backoff.Stop.
func newKeepaliveBackoff(interval time.Duration, count int) backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(count))
}

// rttState holds the RTT estimator (RFC 6298 with the Jacobson gains).
type rttState struct {
	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
}

func (r *rttState) init() {
	r.srtt = 0
	r.rttvar = InitialRTO / 4
	r.rto = InitialRTO
}

// update folds the sample rtt into the estimate and recomputes the RTO.
func (r *rttState) update(rtt time.Duration) {
	const g = 8
	err := rtt - r.srtt
	r.srtt += err / g
	if err < 0 {
		err = -err
	}
	r.rttvar += (err - r.rttvar) / g
	r.rto = min(max(r.srtt+4*r.rttvar, MinRTO), MaxRTO)
}

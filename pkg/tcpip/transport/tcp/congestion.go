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
	"math"
	"sort"
	"strings"
	"time"

	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

// initialSsthresh is the slow start threshold of a new connection.
const initialSsthresh = math.MaxUint32

// congestionControl is the interface the connection drives on ACK arrival
// and retransmission timeout. Implementations own cwnd and ssthresh and
// decide what to (re)transmit.
type congestionControl interface {
	// receivedAckForNewData is called when an ACK advances snd_una by
	// bytesAcked. The connection has already updated its timers and
	// window.
	receivedAckForNewData(bytesAcked uint32)

	// receivedDuplicateAck is called for every duplicate ACK, after
	// dupacks has been incremented.
	receivedDuplicateAck()

	// timeoutExpired is called when the retransmission timer fires and
	// the connection has not been abandoned.
	timeoutExpired()

	// receivedAckForDataNotYetSent is called for an ACK above snd_max.
	receivedAckForDataNotYetSent(seq seqnum.Value)
}

// lossRecovery is the fast recovery half of an algorithm.
type lossRecovery interface {
	// isDuplicateAck classifies seg.
	isDuplicateAck(seg *segment) bool

	// receivedPartialAck is called for a new ACK during recovery that
	// does not cover the recovery point.
	receivedPartialAck(bytesAcked uint32)

	// receivedFullAck is called for an ACK ending recovery.
	receivedFullAck()
}

// algorithm is a complete congestion control flavour.
type algorithm interface {
	congestionControl
	lossRecovery

	// name returns the canonical algorithm name.
	name() string

	// dupackReset returns the events that reset the duplicate ACK
	// counter.
	dupackReset() dupackResetPolicy

	// markECE returns true if an ACK for a segment that carried the CE
	// codepoint, or following one, must carry ECE.
	markECE() bool
}

// dupackResetPolicy is a set of events that reset the duplicate ACK counter.
type dupackResetPolicy uint8

const (
	// resetOnNewAck resets on an ACK advancing snd_una.
	resetOnNewAck dupackResetPolicy = 1 << iota

	// resetOnOldAck resets on an ACK at or below snd_una that is not a
	// duplicate (it carries data, or updates the window).
	resetOnOldAck

	// resetOnAckAboveSndMax resets on an ACK for data not yet sent.
	resetOnAckAboveSndMax

	// keepOnPartialAck exempts ACKs that leave the connection in
	// recovery from resetOnNewAck.
	keepOnPartialAck
)

// windowGrowth computes the congestion window outside of loss recovery and
// the reductions on congestion events. All values are in bytes.
type windowGrowth interface {
	// update grows cwnd for bytesAcked newly acknowledged bytes. rtt is
	// the round-trip sample taken from this ACK, or negative if none.
	update(bytesAcked uint32, rtt time.Duration)

	// lossDetected sets ssthresh for a fast retransmit.
	lossDetected()

	// rtoExpired sets ssthresh and collapses cwnd to one segment.
	rtoExpired()

	// postRecovery is called when fast recovery ends.
	postRecovery()
}

// eceReactor is implemented by window growth strategies that react to ECE
// themselves instead of with the classic RFC 3168 halving.
type eceReactor interface {
	// ackReceived accounts for bytesAcked bytes acknowledged by an ACK
	// that did or did not carry ECE.
	ackReceived(bytesAcked uint32, ece bool)
}

// algorithmEntry describes one registered algorithm.
type algorithmEntry struct {
	canonical string
	new       func(c *Connection) algorithm
}

var algorithms = map[string]algorithmEntry{}

func registerAlgorithm(canonical string, aliases []string, new func(c *Connection) algorithm) {
	e := algorithmEntry{canonical: canonical, new: new}
	algorithms[strings.ToLower(canonical)] = e
	for _, a := range aliases {
		algorithms[strings.ToLower(a)] = e
	}
}

func init() {
	registerAlgorithm("TCPTahoe", []string{"tahoe"}, func(c *Connection) algorithm {
		return newTahoe(c, newRenoGrowth(c))
	})
	registerAlgorithm("TCPReno", []string{"reno"}, func(c *Connection) algorithm {
		return newRenoFlavour(c, newRenoGrowth(c))
	})
	registerAlgorithm("TCPNewReno", []string{"newreno"}, func(c *Connection) algorithm {
		return newNewReno(c, newRenoGrowth(c), "TCPNewReno")
	})
	registerAlgorithm("TCPSack", []string{"SACK", "sack"}, func(c *Connection) algorithm {
		return newSACKRecovery(c, newRenoGrowth(c))
	})
	registerAlgorithm("DCTCP", nil, func(c *Connection) algorithm {
		return newNewReno(c, newDCTCPGrowth(c), "DCTCP")
	})
	registerAlgorithm("Cubic", nil, func(c *Connection) algorithm {
		return newNewReno(c, newCubicGrowth(c), "Cubic")
	})
}

func lookupAlgorithm(name string) (algorithmEntry, bool) {
	e, ok := algorithms[strings.ToLower(name)]
	return e, ok
}

// AlgorithmNames returns the canonical names of the registered algorithms.
func AlgorithmNames() []string {
	seen := map[string]bool{}
	var names []string
	for _, e := range algorithms {
		if !seen[e.canonical] {
			seen[e.canonical] = true
			names = append(names, e.canonical)
		}
	}
	sort.Strings(names)
	return names
}

// renoGrowth is the RFC 5681 slow start and congestion avoidance.
type renoGrowth struct {
	c *Connection
}

func newRenoGrowth(c *Connection) *renoGrowth {
	return &renoGrowth{c: c}
}

// update implements windowGrowth.update.
func (r *renoGrowth) update(bytesAcked uint32, _ time.Duration) {
	c := r.c
	mss := c.smss()
	if c.cwnd < c.ssthresh {
		c.cwnd = satAdd(c.cwnd, min(bytesAcked, mss))
		return
	}
	c.cwnd = satAdd(c.cwnd, max(mss*mss/c.cwnd, 1))
}

// lossDetected implements windowGrowth.lossDetected.
func (r *renoGrowth) lossDetected() {
	r.c.reduceSsthresh()
}

// rtoExpired implements windowGrowth.rtoExpired.
func (r *renoGrowth) rtoExpired() {
	r.c.reduceSsthresh()
	r.c.cwnd = r.c.smss()
}

// postRecovery implements windowGrowth.postRecovery.
func (*renoGrowth) postRecovery() {}

// satAdd adds without wrapping.
func satAdd(a, b uint32) uint32 {
	if s := a + b; s >= a {
		return s
	}
	return math.MaxUint32
}

// classicBase holds what the loss-based flavours share: the RFC 3168 ECN
// reaction, timeout handling and the NewReno recovery point.
type classicBase struct {
	c *Connection
	w windowGrowth

	// self is the outermost flavour, for calls that flavours override.
	self algorithm

	// recover is the NewReno recovery point (RFC 6582): the highest
	// sequence number sent when recovery or the last timeout began.
	recover seqnum.Value

	firstPartialAck bool

	// eceRecover is the end of the window in which the last ECE
	// reduction happened. Further ECE within it is ignored.
	eceRecover seqnum.Value

	policy dupackResetPolicy
}

func (b *classicBase) init(c *Connection, w windowGrowth, self algorithm, policy dupackResetPolicy) {
	b.c = c
	b.w = w
	b.self = self
	// One below ISS so that loss of the first data segment can still
	// enter recovery.
	b.recover = c.iss - 1
	b.eceRecover = c.iss
	b.policy = policy
}

// dupackReset implements algorithm.dupackReset.
func (b *classicBase) dupackReset() dupackResetPolicy {
	return b.policy
}

// markECE implements algorithm.markECE. Classic ECN keeps echoing until the
// sender's CWR arrives.
func (b *classicBase) markECE() bool {
	_, dctcp := b.w.(eceReactor)
	return !dctcp
}

// isDuplicateAck implements lossRecovery.isDuplicateAck (RFC 5681 section 2).
func (b *classicBase) isDuplicateAck(seg *segment) bool {
	c := b.c
	return seg.ackNumber == c.sndUna &&
		seg.payloadSize() == 0 &&
		!seg.flagIsSet(synOrFin) &&
		c.sndUna != c.sndMax &&
		c.scaledWindow(seg) == c.sndWnd
}

// onNewAck handles ECN and window growth for an ACK outside recovery.
func (b *classicBase) onNewAck(bytesAcked uint32) {
	c := b.c
	if r, ok := b.w.(eceReactor); ok {
		r.ackReceived(bytesAcked, c.gotEce)
		c.gotEce = false
		b.w.update(bytesAcked, c.lastRTTSample)
		return
	}
	if c.gotEce {
		c.gotEce = false
		if c.sndUna.GreaterThan(b.eceRecover) {
			// RFC 3168 section 6.1.2: at most one reduction per
			// window of data.
			b.eceRecover = c.sndMax
			b.w.lossDetected()
			c.cwnd = max(c.ssthresh, c.smss())
			c.sndCwr = true
			c.stats.ECNReductions++
			c.logger.Debugf("ECE: cwnd %d ssthresh %d", c.cwnd, c.ssthresh)
			return
		}
	}
	b.w.update(bytesAcked, c.lastRTTSample)
}

// receivedAckForDataNotYetSent implements
// congestionControl.receivedAckForDataNotYetSent.
func (b *classicBase) receivedAckForDataNotYetSent(seq seqnum.Value) {
	b.c.logger.Debugf("ACK %d above snd_max %d, sending ACK", seq, b.c.sndMax)
	b.c.sendAck()
}

// receivedPartialAck implements lossRecovery.receivedPartialAck for flavours
// without partial ACK handling.
func (b *classicBase) receivedPartialAck(bytesAcked uint32) {
	b.self.receivedFullAck()
}

// receivedFullAck implements lossRecovery.receivedFullAck: deflate the window
// and leave recovery.
func (b *classicBase) receivedFullAck() {
	c := b.c
	c.cwnd = max(c.ssthresh, c.smss())
	c.lossRecovery = false
	b.w.postRecovery()
	c.restartRexmitTimerIfOutstanding()
	c.logger.Debugf("leaving fast recovery, cwnd %d", c.cwnd)
}

// timeoutExpired implements congestionControl.timeoutExpired.
func (b *classicBase) timeoutExpired() {
	c := b.c
	b.recover = c.sndMax - 1
	b.eceRecover = c.sndMax
	b.firstPartialAck = false
	c.lossRecovery = false
	b.w.rtoExpired()
	c.afterRto = true
	c.logger.Debugf("RTO: cwnd %d ssthresh %d, retransmitting from %d", c.cwnd, c.ssthresh, c.sndUna)
	c.retransmitOneSegment()
}

// enterFastRetransmit performs the loss response shared by Reno and NewReno.
func (b *classicBase) enterFastRetransmit() {
	c := b.c
	b.w.lossDetected()
	c.cwnd = satAdd(c.ssthresh, 3*c.smss())
	c.lossRecovery = true
	c.stats.FastRetransmits++
	c.proto.stats.TCP.FastRetransmit.Increment()
	c.logger.Debugf("fast retransmit at %d: ssthresh %d cwnd %d", c.sndUna, c.ssthresh, c.cwnd)
	c.retransmitOneSegment()
}

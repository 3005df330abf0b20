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

// newReno implements RFC 6582. Recovery lasts until everything outstanding at
// its start is acknowledged; partial ACKs retransmit the next hole.
//
// DCTCP and CUBIC use newReno recovery with their own window growth.
type newReno struct {
	classicBase
	canonical string
}

func newNewReno(c *Connection, w windowGrowth, canonical string) *newReno {
	r := &newReno{canonical: canonical}
	r.init(c, w, r, resetOnNewAck|keepOnPartialAck|resetOnAckAboveSndMax)
	return r
}

func (r *newReno) name() string { return r.canonical }

// receivedAckForNewData implements congestionControl.receivedAckForNewData.
func (r *newReno) receivedAckForNewData(bytesAcked uint32) {
	c := r.c
	switch {
	case !c.lossRecovery:
		r.onNewAck(bytesAcked)
	case c.sndUna.GreaterThan(r.recover):
		r.self.receivedFullAck()
	default:
		r.self.receivedPartialAck(bytesAcked)
	}
	c.sendData()
}

// receivedDuplicateAck implements congestionControl.receivedDuplicateAck.
func (r *newReno) receivedDuplicateAck() {
	c := r.c
	switch {
	case c.lossRecovery:
		c.cwnd = satAdd(c.cwnd, c.smss())
		c.sendData()
	case c.dupacks == c.opts.DupThresh:
		// Only enter recovery for losses after the previous recovery
		// or timeout (RFC 6582 section 3.2 step 2).
		if !(c.sndUna - 1).GreaterThan(r.recover) {
			c.logger.Debugf("newreno: %d dupacks below recover %d, not retransmitting", c.dupacks, r.recover)
			return
		}
		r.recover = c.sndMax - 1
		r.firstPartialAck = true
		r.enterFastRetransmit()
	}
}

// receivedFullAck implements lossRecovery.receivedFullAck.
func (r *newReno) receivedFullAck() {
	c := r.c
	mss := c.smss()
	c.cwnd = max(min(c.ssthresh, satAdd(max(c.flightSize(), mss), mss)), mss)
	c.lossRecovery = false
	r.w.postRecovery()
	c.restartRexmitTimerIfOutstanding()
	c.logger.Debugf("newreno: full ACK %d, cwnd %d", c.sndUna, c.cwnd)
}

// receivedPartialAck implements lossRecovery.receivedPartialAck.
func (r *newReno) receivedPartialAck(bytesAcked uint32) {
	c := r.c
	mss := c.smss()
	c.retransmitOneSegment()
	// Deflate by the amount acknowledged, add back one segment if at
	// least one was acknowledged.
	if bytesAcked >= c.cwnd {
		c.cwnd = mss
	} else {
		c.cwnd -= bytesAcked
	}
	if bytesAcked >= mss {
		c.cwnd = satAdd(c.cwnd, mss)
	}
	c.cwnd = max(c.cwnd, mss)
	if r.firstPartialAck {
		r.firstPartialAck = false
		c.restartRexmitTimer()
	}
	c.logger.Debugf("newreno: partial ACK %d, cwnd %d", c.sndUna, c.cwnd)
}

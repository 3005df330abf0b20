// Copyright 2020 The gVisor Authors.
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

// sackRecovery implements the conservative SACK based loss recovery of RFC
// 6675. Connections that did not negotiate SACK fall back to NewReno.
type sackRecovery struct {
	newReno
}

func newSACKRecovery(c *Connection, w windowGrowth) *sackRecovery {
	sr := &sackRecovery{newReno: newReno{canonical: "TCPSack"}}
	sr.init(c, w, sr, resetOnNewAck|resetOnAckAboveSndMax)
	return sr
}

// receivedDuplicateAck implements congestionControl.receivedDuplicateAck.
func (sr *sackRecovery) receivedDuplicateAck() {
	c := sr.c
	if !c.sackEnabled {
		sr.newReno.receivedDuplicateAck()
		return
	}
	if c.lossRecovery {
		// RFC 6675, step (C).
		c.setPipe()
		c.sendDataDuringLossRecoveryPhase(c.cwnd)
		return
	}
	if c.dupacks < c.opts.DupThresh && !c.isLost(c.sndUna) {
		return
	}
	if c.sndUna.LessThan(c.recoveryPoint) {
		// A timeout happened since this data was sent.
		c.logger.Debugf("sack: %d dupacks below recovery point %d", c.dupacks, c.recoveryPoint)
		return
	}

	// RFC 6675, step (4).
	c.recoveryPoint = c.sndMax
	c.lossRecovery = true
	sr.w.lossDetected()
	c.cwnd = max(c.ssthresh, c.smss())
	c.stats.FastRetransmits++
	c.proto.stats.TCP.FastRetransmit.Increment()
	c.logger.Debugf("sack: entering recovery at %d, recovery point %d, cwnd %d", c.sndUna, c.recoveryPoint, c.cwnd)
	c.retransmitOneSegment()
	c.setPipe()
	c.sendDataDuringLossRecoveryPhase(c.cwnd)
}

// receivedAckForNewData implements congestionControl.receivedAckForNewData.
func (sr *sackRecovery) receivedAckForNewData(bytesAcked uint32) {
	c := sr.c
	switch {
	case !c.sackEnabled:
		sr.newReno.receivedAckForNewData(bytesAcked)
	case !c.lossRecovery:
		sr.onNewAck(bytesAcked)
		c.sendData()
	case !c.sndUna.LessThan(c.recoveryPoint):
		sr.receivedFullAck()
		c.sendData()
	default:
		sr.receivedPartialAck(bytesAcked)
	}
}

// receivedFullAck implements lossRecovery.receivedFullAck.
func (sr *sackRecovery) receivedFullAck() {
	if !sr.c.sackEnabled {
		sr.newReno.receivedFullAck()
		return
	}
	sr.classicBase.receivedFullAck()
}

// receivedPartialAck implements lossRecovery.receivedPartialAck.
func (sr *sackRecovery) receivedPartialAck(bytesAcked uint32) {
	c := sr.c
	if !c.sackEnabled {
		sr.newReno.receivedPartialAck(bytesAcked)
		return
	}
	c.restartRexmitTimer()
	c.setPipe()
	c.sendDataDuringLossRecoveryPhase(c.cwnd)
}

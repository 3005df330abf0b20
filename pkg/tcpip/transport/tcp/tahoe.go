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

// tahoe retransmits on the third duplicate ACK and falls back to slow start.
// It has no fast recovery.
type tahoe struct {
	classicBase
}

func newTahoe(c *Connection, w windowGrowth) *tahoe {
	t := &tahoe{}
	t.init(c, w, t, resetOnNewAck|resetOnOldAck|resetOnAckAboveSndMax)
	return t
}

func (*tahoe) name() string { return "TCPTahoe" }

// receivedAckForNewData implements congestionControl.receivedAckForNewData.
func (t *tahoe) receivedAckForNewData(bytesAcked uint32) {
	t.onNewAck(bytesAcked)
	t.c.sendData()
}

// receivedDuplicateAck implements congestionControl.receivedDuplicateAck.
func (t *tahoe) receivedDuplicateAck() {
	c := t.c
	if c.dupacks != c.opts.DupThresh {
		return
	}
	t.w.lossDetected()
	c.cwnd = c.smss()
	c.stats.FastRetransmits++
	c.proto.stats.TCP.FastRetransmit.Increment()
	c.logger.Debugf("tahoe: %d dupacks, ssthresh %d, retransmitting %d", c.dupacks, c.ssthresh, c.sndUna)
	c.retransmitOneSegment()
}

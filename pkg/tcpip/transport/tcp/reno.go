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

// reno implements RFC 5681 fast retransmit and fast recovery. Any ACK of new
// data ends recovery.
type reno struct {
	classicBase
}

func newRenoFlavour(c *Connection, w windowGrowth) *reno {
	r := &reno{}
	r.init(c, w, r, resetOnNewAck|resetOnAckAboveSndMax)
	return r
}

func (*reno) name() string { return "TCPReno" }

// receivedAckForNewData implements congestionControl.receivedAckForNewData.
func (r *reno) receivedAckForNewData(bytesAcked uint32) {
	if r.c.lossRecovery {
		r.receivedFullAck()
	} else {
		r.onNewAck(bytesAcked)
	}
	r.c.sendData()
}

// receivedDuplicateAck implements congestionControl.receivedDuplicateAck.
func (r *reno) receivedDuplicateAck() {
	c := r.c
	switch {
	case c.dupacks == c.opts.DupThresh && !c.lossRecovery:
		r.enterFastRetransmit()
	case c.dupacks > c.opts.DupThresh && c.lossRecovery:
		// Each further duplicate means another segment left the
		// network.
		c.cwnd = satAdd(c.cwnd, c.smss())
		c.sendData()
	}
}

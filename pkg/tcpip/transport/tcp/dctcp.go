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
	"time"

	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

// dctcpG is the weight of a new observation in the alpha estimate.
const dctcpG = 1.0 / 16

// dctcpGrowth is the DCTCP window (RFC 8257). It grows like Reno and reduces
// the window in proportion to the fraction of marked bytes instead of halving
// it on ECE.
type dctcpGrowth struct {
	renoGrowth

	// alpha estimates the fraction of marked bytes.
	alpha float64

	ackedBytes  uint32
	markedBytes uint32

	// windowEnd ends the current observation window.
	windowEnd seqnum.Value

	// reduceEnd ends the window in which the last reduction happened.
	reduceEnd seqnum.Value

	// reduced is set by a reduction and consumed by the next update.
	reduced bool
}

func newDCTCPGrowth(c *Connection) *dctcpGrowth {
	return &dctcpGrowth{
		renoGrowth: renoGrowth{c: c},
		alpha:      1,
		windowEnd:  c.sndNxt,
		reduceEnd:  c.iss,
	}
}

// ackReceived implements eceReactor.ackReceived.
func (d *dctcpGrowth) ackReceived(bytesAcked uint32, ece bool) {
	c := d.c
	d.ackedBytes = satAdd(d.ackedBytes, bytesAcked)
	if ece {
		d.markedBytes = satAdd(d.markedBytes, bytesAcked)
	}
	if c.sndUna.GreaterThan(d.windowEnd) {
		var f float64
		if d.ackedBytes > 0 {
			f = float64(d.markedBytes) / float64(d.ackedBytes)
		}
		d.alpha = (1-dctcpG)*d.alpha + dctcpG*f
		d.ackedBytes = 0
		d.markedBytes = 0
		d.windowEnd = c.sndMax
	}
	if ece && c.sndUna.GreaterThan(d.reduceEnd) {
		mss := c.smss()
		c.cwnd = max(uint32(float64(c.cwnd)*(1-d.alpha/2)), mss)
		c.ssthresh = c.cwnd
		d.reduceEnd = c.sndMax
		d.reduced = true
		c.sndCwr = true
		c.stats.ECNReductions++
		c.logger.Debugf("dctcp: alpha %.3f, cwnd %d", d.alpha, c.cwnd)
	}
}

// update implements windowGrowth.update. The window does not grow on an ACK
// that just reduced it.
func (d *dctcpGrowth) update(bytesAcked uint32, rtt time.Duration) {
	if d.reduced {
		d.reduced = false
		return
	}
	d.renoGrowth.update(bytesAcked, rtt)
}

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
	"time"

	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

// effectivelyInfinity is an initialization value used for round-trip times
// that are then set using min.  It is equal to approximately 100 years: large
// enough that it will always be greater than a real TCP round-trip time, and
// small enough that it fits in time.Duration.
const effectivelyInfinity = time.Duration(math.MaxInt64)

const (
	// The delay increase sensitivity is determined by minRTTThresh and
	// maxRTTThresh. Smaller values of minRTTThresh may cause spurious exits
	// from slow start. Larger values of maxRTTThresh may result in slow start
	// not exiting until loss is encountered for connections on large RTT paths.
	minRTTThresh = 4 * time.Millisecond
	maxRTTThresh = 16 * time.Millisecond

	// minRTTDivisor is a fraction of RTT to compute the delay threshold.
	minRTTDivisor = 8

	// nRTTSample is the minimum number of RTT samples in the round before
	// considering whether to exit the round due to increased RTT.
	nRTTSample = 8

	// ackDelta is the maximum time between ACKs for them to be considered part
	// of the same ACK train during HyStart.
	ackDelta = 2 * time.Millisecond
)

// cubicGrowth is the CUBIC window growth function (RFC 8312) with HyStart
// slow start exit. Window quantities are kept in segments and converted to
// bytes on the connection.
type cubicGrowth struct {
	c *Connection

	// t is the time of the last congestion event.
	t time.Time

	// k is the time period the function takes to grow back to wMax.
	k float64

	// wMax is the window size just before the last reduction and wLastMax
	// the one before it.
	wMax     float64
	wLastMax float64

	// wC is the last computed cubic window and wEst the TCP-friendly
	// estimate.
	wC   float64
	wEst float64

	beta float64
	cc   float64

	// numCongestionEvents tracks the number of congestion events since last
	// RTO.
	numCongestionEvents int

	// HyStart round state.
	endSeq      seqnum.Value
	lastRTT     time.Duration
	currRTT     time.Duration
	lastAck     time.Time
	roundStart  time.Time
	sampleCount uint
}

func newCubicGrowth(c *Connection) *cubicGrowth {
	now := c.now()
	return &cubicGrowth{
		c:          c,
		t:          now,
		beta:       0.7,
		cc:         0.4,
		endSeq:     c.sndNxt,
		lastRTT:    effectivelyInfinity,
		currRTT:    effectivelyInfinity,
		lastAck:    now,
		roundStart: now,
	}
}

// segments returns cwnd in segments.
func (g *cubicGrowth) segments() float64 {
	return float64(g.c.cwnd) / float64(g.c.smss())
}

// setSegments sets cwnd from a window in segments, never below one segment.
func (g *cubicGrowth) setSegments(w float64) {
	mss := float64(g.c.smss())
	b := w * mss
	switch {
	case b < mss:
		b = mss
	case b > math.MaxUint32:
		b = math.MaxUint32
	}
	g.c.cwnd = uint32(b)
}

// enterCongestionAvoidance is used to initialize cubic in cases where we exit
// slow start without a real congestion event taking place.
//
// Refer: https://tools.ietf.org/html/rfc8312#section-4.8
func (g *cubicGrowth) enterCongestionAvoidance() {
	if g.numCongestionEvents == 0 {
		g.k = 0
		g.t = g.c.now()
		g.wLastMax = g.wMax
		g.wMax = g.segments()
	}
}

// updateHyStart tracks round-trip times to find a safe threshold to exit slow
// start without triggering packet loss. It updates ssthresh when it does.
//
// Both HyStart detectors of the original paper run: 'ACK train' and 'Delay
// increase'.
func (g *cubicGrowth) updateHyStart(rtt time.Duration) {
	if rtt < 0 {
		// negative indicates unknown
		return
	}
	c := g.c
	now := c.now()
	if g.endSeq.LessThan(c.sndUna) {
		g.beginHyStartRound(now)
	}
	// ACK train
	if now.Sub(g.lastAck) < ackDelta && g.lastRTT < effectivelyInfinity {
		g.lastAck = now
		if thresh := g.lastRTT / 2; now.Sub(g.roundStart) > thresh {
			c.ssthresh = c.cwnd
		}
	}

	// Delay increase
	g.currRTT = min(g.currRTT, rtt)
	g.sampleCount++

	if g.sampleCount >= nRTTSample && g.lastRTT < effectivelyInfinity {
		thresh := max(minRTTThresh, min(maxRTTThresh, g.lastRTT/minRTTDivisor))
		if g.currRTT >= g.lastRTT+thresh {
			c.logger.Debugf("cubic: HyStart exit at cwnd %d, rtt %v over %v", c.cwnd, g.currRTT, g.lastRTT)
			c.ssthresh = c.cwnd
		}
	}
}

func (g *cubicGrowth) beginHyStartRound(now time.Time) {
	g.endSeq = g.c.sndNxt
	g.sampleCount = 0
	g.lastRTT = g.currRTT
	g.currRTT = effectivelyInfinity
	g.lastAck = now
	g.roundStart = now
}

// updateSlowStart grows cwnd by bytesAcked without crossing ssthresh. It
// returns the number of whole segments left over for congestion avoidance.
func (g *cubicGrowth) updateSlowStart(bytesAcked uint32) int {
	c := g.c
	newcwnd := satAdd(c.cwnd, bytesAcked)
	enterCA := false
	if newcwnd >= c.ssthresh {
		newcwnd = c.ssthresh
		enterCA = true
	}
	left := bytesAcked - (newcwnd - c.cwnd)
	c.cwnd = max(newcwnd, c.smss())
	if enterCA {
		g.enterCongestionAvoidance()
	}
	return int(left / c.smss())
}

// update implements windowGrowth.update.
// Refer: https://tools.ietf.org/html/rfc8312#section-4
func (g *cubicGrowth) update(bytesAcked uint32, rtt time.Duration) {
	c := g.c
	if c.ssthresh == initialSsthresh && c.cwnd < c.ssthresh {
		g.updateHyStart(rtt)
	}
	packetsAcked := int((bytesAcked + c.smss() - 1) / c.smss())
	if c.cwnd < c.ssthresh {
		packetsAcked = g.updateSlowStart(bytesAcked)
		if packetsAcked == 0 {
			return
		}
	}
	srtt := c.rtt.srtt
	if srtt <= 0 {
		srtt = c.rtt.rto
	}
	g.setSegments(g.getCwnd(packetsAcked, g.segments(), srtt))
}

// cubicCwnd computes the CUBIC congestion window after t seconds from last
// congestion event.
func (g *cubicGrowth) cubicCwnd(t float64) float64 {
	return g.cc*math.Pow(t, 3.0) + g.wMax
}

// getCwnd returns the current congestion window in segments as computed by
// CUBIC.
func (g *cubicGrowth) getCwnd(packetsAcked int, sndCwnd float64, srtt time.Duration) float64 {
	elapsed := g.c.now().Sub(g.t)
	elapsedSeconds := elapsed.Seconds()

	g.wC = g.cubicCwnd(elapsedSeconds - g.k)

	// TCP friendly estimate of the congestion window.
	g.wEst = g.wMax*g.beta + (3.0*((1.0-g.beta)/(1.0+g.beta)))*(elapsedSeconds/srtt.Seconds())

	if g.wC < g.wEst && sndCwnd < g.wEst {
		// TCP Friendly region of cubic.
		return g.wEst
	}

	// In the concave and convex regions, grow towards the window one RTT
	// ahead, by (w_cubic(t+RTT) - cwnd)/cwnd per ACKed segment.
	tEst := (elapsed + srtt).Seconds()
	wtRtt := g.cubicCwnd(tEst - g.k)
	cwnd := sndCwnd
	for i := 0; i < packetsAcked; i++ {
		cwnd += (wtRtt - cwnd) / cwnd
	}
	return cwnd
}

// lossDetected implements windowGrowth.lossDetected.
func (g *cubicGrowth) lossDetected() {
	// See: https://tools.ietf.org/html/rfc8312#section-4.5
	g.numCongestionEvents++
	g.t = g.c.now()
	g.wLastMax = g.wMax
	g.wMax = g.segments()

	g.fastConvergence()
	g.reduceSlowStartThreshold()
}

// rtoExpired implements windowGrowth.rtoExpired.
func (g *cubicGrowth) rtoExpired() {
	// See: https://tools.ietf.org/html/rfc8312#section-4.6
	g.t = g.c.now()
	g.numCongestionEvents = 0
	g.wLastMax = g.wMax
	g.wMax = g.segments()

	g.fastConvergence()
	g.reduceSlowStartThreshold()

	g.c.cwnd = g.c.smss()
}

// fastConvergence implements
// https://tools.ietf.org/html/rfc8312#section-4.6.
func (g *cubicGrowth) fastConvergence() {
	if g.wMax < g.wLastMax {
		g.wLastMax = g.wMax
		g.wMax = g.wMax * (1.0 + g.beta) / 2.0
	} else {
		g.wLastMax = g.wMax
	}
	// Recompute k as wMax may have changed.
	g.k = math.Cbrt(g.wMax * (1 - g.beta) / g.cc)
}

// postRecovery implements windowGrowth.postRecovery.
func (g *cubicGrowth) postRecovery() {
	g.t = g.c.now()
}

// reduceSlowStartThreshold sets ssthresh as described in
// https://tools.ietf.org/html/rfc8312#section-4.7.
func (g *cubicGrowth) reduceSlowStartThreshold() {
	mss := g.c.smss()
	g.c.ssthresh = max(uint32(float64(g.c.cwnd)*g.beta), 2*mss)
}

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
	"testing"
	"time"
)

func newCubicTest(t *testing.T) (*testContext, *Connection, *cubicGrowth) {
	t.Helper()
	tc := newTestContext(t, lossOptions("Cubic"))
	tc.connect(testMSS, testWnd, false)
	conn, ok := tc.p.Connection(tc.id)
	if !ok {
		t.Fatalf("Connection(%d) not found", tc.id)
	}
	return tc, conn, newCubicGrowth(conn)
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCubicLossDetected(t *testing.T) {
	_, conn, g := newCubicTest(t)
	conn.cwnd = 10 * testMSS

	g.lossDetected()
	if !approxEqual(g.wMax, 10) {
		t.Errorf("wMax = %f, want 10", g.wMax)
	}
	if want := math.Cbrt(10 * 0.3 / 0.4); !approxEqual(g.k, want) {
		t.Errorf("k = %f, want %f", g.k, want)
	}
	if conn.ssthresh < 699 || conn.ssthresh > 700 {
		t.Errorf("ssthresh = %d, want 70%% of 1000", conn.ssthresh)
	}
	if g.numCongestionEvents != 1 {
		t.Errorf("numCongestionEvents = %d, want 1", g.numCongestionEvents)
	}

	// A second loss below the previous maximum releases bandwidth faster.
	conn.cwnd = 8 * testMSS
	g.lossDetected()
	if want := 8 * 1.7 / 2; !approxEqual(g.wMax, want) {
		t.Errorf("wMax after fast convergence = %f, want %f", g.wMax, want)
	}
	if !approxEqual(g.wLastMax, 8) {
		t.Errorf("wLastMax = %f, want 8", g.wLastMax)
	}
}

func TestCubicSsthreshFloor(t *testing.T) {
	_, conn, g := newCubicTest(t)
	conn.cwnd = 2 * testMSS
	g.lossDetected()
	if conn.ssthresh != 2*testMSS {
		t.Errorf("ssthresh = %d, want %d", conn.ssthresh, 2*testMSS)
	}
}

func TestCubicRTOExpired(t *testing.T) {
	_, conn, g := newCubicTest(t)
	conn.cwnd = 10 * testMSS
	g.lossDetected()
	conn.cwnd = 10 * testMSS
	g.rtoExpired()
	if conn.cwnd != testMSS {
		t.Errorf("cwnd = %d, want %d", conn.cwnd, testMSS)
	}
	if g.numCongestionEvents != 0 {
		t.Errorf("numCongestionEvents = %d, want 0", g.numCongestionEvents)
	}
}

func TestCubicFunction(t *testing.T) {
	_, conn, g := newCubicTest(t)
	conn.cwnd = 10 * testMSS
	g.lossDetected()
	// The curve reaches wMax after k seconds.
	if got := g.cubicCwnd(0); !approxEqual(got, g.wMax) {
		t.Errorf("cubicCwnd(0) = %f, want %f", got, g.wMax)
	}
	if got := g.cubicCwnd(-g.k); !approxEqual(got, g.wMax-g.cc*g.k*g.k*g.k) {
		t.Errorf("cubicCwnd(-k) = %f", got)
	}
}

func TestCubicConcaveGrowth(t *testing.T) {
	tc, conn, g := newCubicTest(t)
	conn.cwnd = 10 * testMSS
	g.lossDetected()
	conn.cwnd = conn.ssthresh

	tc.s.Advance(time.Duration(g.k * float64(time.Second)))
	start := g.segments()
	got := g.getCwnd(1, start, time.Second)
	// One RTT ahead of wMax the curve is at wMax + cc.
	if ceiling := g.wMax + g.cc; got <= start || got >= ceiling {
		t.Errorf("getCwnd = %f, want in (%f, %f)", got, start, ceiling)
	}
}

func TestCubicFriendlyRegion(t *testing.T) {
	tc, conn, g := newCubicTest(t)
	conn.cwnd = 10 * testMSS
	g.lossDetected()
	conn.cwnd = conn.ssthresh

	// With a short RTT the Reno estimate outgrows the cubic curve.
	tc.s.Advance(time.Duration(g.k * float64(time.Second)))
	got := g.getCwnd(1, g.segments(), 100*time.Millisecond)
	if !approxEqual(got, g.wEst) || got <= g.wC {
		t.Errorf("getCwnd = %f, want the TCP friendly estimate %f above %f", got, g.wEst, g.wC)
	}
}

func TestCubicSlowStartToAvoidance(t *testing.T) {
	_, conn, g := newCubicTest(t)
	conn.cwnd = 2 * testMSS
	conn.ssthresh = 3 * testMSS
	g.update(2*testMSS, -1)
	if conn.cwnd < 3*testMSS {
		t.Errorf("cwnd = %d, want at least ssthresh %d", conn.cwnd, 3*testMSS)
	}
	// Leaving slow start without a loss sets the origin of the curve.
	if !approxEqual(g.wMax, 3) || g.k != 0 {
		t.Errorf("wMax %f k %f after leaving slow start, want 3 and 0", g.wMax, g.k)
	}
}

func TestCubicHyStartDelayIncrease(t *testing.T) {
	tc, conn, g := newCubicTest(t)
	conn.ssthresh = initialSsthresh
	conn.cwnd = 20 * testMSS

	// A first round of 10ms samples, then a round 5ms slower.
	g.lastAck = tc.p.Now().Add(-time.Second)
	for i := 0; i < nRTTSample; i++ {
		g.updateHyStart(10 * time.Millisecond)
	}
	g.beginHyStartRound(tc.p.Now().Add(-time.Second))
	for i := 0; i < nRTTSample; i++ {
		g.lastAck = tc.p.Now().Add(-time.Second)
		g.updateHyStart(15 * time.Millisecond)
	}
	if conn.ssthresh != conn.cwnd {
		t.Errorf("ssthresh = %d after an RTT increase, want cwnd %d", conn.ssthresh, conn.cwnd)
	}
}

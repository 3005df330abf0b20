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

	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/header"
	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

// synOrFin are the flags that occupy sequence space.
const synOrFin = header.TCPFlagSyn | header.TCPFlagFin

// tsOptionOverhead is the space taken by the timestamp option in every
// segment once timestamps are enabled.
const tsOptionOverhead = 12

// smss returns the sender maximum segment size: the negotiated MSS less the
// room taken by per-segment options (RFC 6691).
func (c *Connection) smss() uint32 {
	if c.tsEnabled && c.sndMSS > 2*tsOptionOverhead {
		return c.sndMSS - tsOptionOverhead
	}
	return c.sndMSS
}

// flightSize returns the amount of outstanding data.
func (c *Connection) flightSize() uint32 {
	return uint32(c.sndUna.Size(c.sndMax))
}

// reduceSsthresh sets ssthresh after a loss (RFC 5681 equation 4).
func (c *Connection) reduceSsthresh() {
	c.ssthresh = max(c.flightSize()/2, 2*c.smss())
}

// scaledWindow returns the peer's window announced in seg, in bytes.
func (c *Connection) scaledWindow(seg *segment) uint32 {
	if seg.flagIsSet(header.TCPFlagSyn) {
		return uint32(seg.window)
	}
	return uint32(seg.window) << c.sndWndScale
}

// updateRcvWnd recomputes the receive window from the free buffer space. The
// window never shrinks below what was already advertised, and silly windows
// (RFC 1122 section 4.2.3.3) are advertised as zero.
func (c *Connection) updateRcvWnd() {
	buf := c.opts.rcvBufferSize()
	readable := uint32(len(c.readBuf))
	var win uint32
	if readable < buf {
		win = c.rcvQueue.FreeByteCount(buf - readable)
	}
	if win < buf/4 && win < uint32(c.opts.MSS) {
		win = 0
	}
	if c.rcvAdv.GreaterThan(c.rcvNxt) {
		win = max(win, uint32(c.rcvNxt.Size(c.rcvAdv)))
	}
	maxWin := uint32(MaxTCPWindow) << c.rcvWndScale
	win = min(win, maxWin, c.opts.AdvertisedWindow)
	if win > 0 && c.rcvNxt.Add(seqnum.Size(win)).GreaterThanEq(c.rcvAdv) {
		c.rcvAdv = c.rcvNxt.Add(seqnum.Size(win))
	}
	c.rcvWnd = win
}

// updateWndInfo updates the send window from seg (RFC 793 page 72).
func (c *Connection) updateWndInfo(seg *segment) {
	if !seg.flagIsSet(header.TCPFlagAck) {
		return
	}
	wnd := c.scaledWindow(seg)
	if c.sndWl1.LessThan(seg.sequenceNumber) ||
		(c.sndWl1 == seg.sequenceNumber && c.sndWl2.LessThanEq(seg.ackNumber)) ||
		(c.sndWl2 == seg.ackNumber && wnd > c.sndWnd) {
		c.sndWnd = wnd
		c.sndWl1 = seg.sequenceNumber
		c.sndWl2 = seg.ackNumber
		if wnd > c.maxSndWnd {
			c.maxSndWnd = wnd
		}
	}
}

// sendRaw builds and sends one segment carrying payload.
func (c *Connection) sendRaw(flags header.TCPFlags, seq seqnum.Value, payload []byte) {
	var ack seqnum.Value
	if flags&header.TCPFlagAck != 0 {
		ack = c.rcvNxt
	}

	var wnd uint32
	var options []byte
	if flags&header.TCPFlagRst == 0 {
		c.updateRcvWnd()
		if flags&header.TCPFlagSyn != 0 {
			wnd = c.rcvWnd
		} else {
			wnd = c.rcvWnd >> c.rcvWndScale
		}
		options = c.writeHeaderOptions(flags)
	}

	netOpts := c.netOpts
	netOpts.ECN = tcpip.ECNNotECT
	if c.ecnEnabled && flags&header.TCPFlagSyn == 0 {
		if flags&header.TCPFlagAck != 0 && c.ceEcho {
			flags |= header.TCPFlagEce
		}
		if len(payload) > 0 {
			netOpts.ECN = tcpip.ECNECT0
			if c.sndCwr {
				flags |= header.TCPFlagCwr
				c.sndCwr = false
			}
		}
	}

	c.proto.transmit(&outSegment{
		id:      c.id,
		flags:   flags,
		seq:     seq,
		ack:     ack,
		wnd:     uint16(min(wnd, MaxTCPWindow)),
		options: options,
		payload: payload,
		netOpts: netOpts,
	})
	c.stats.SegmentsSent++
	c.stats.BytesSent += uint64(len(payload))
	if flags&header.TCPFlagAck != 0 {
		c.ackSent()
	}
}

// sendSyn sends the initial SYN, or retransmits it.
func (c *Connection) sendSyn() {
	flags := header.TCPFlagSyn
	if c.opts.ECN {
		flags |= header.TCPFlagEce | header.TCPFlagCwr
		c.ecnSynSent = true
	}
	c.sendRaw(flags, c.iss, nil)
	c.sndNxt = c.iss + 1
	c.sndMax = c.sndNxt
}

// sendSynAck answers a SYN, or retransmits the answer.
func (c *Connection) sendSynAck() {
	flags := header.TCPFlagSyn | header.TCPFlagAck
	if c.ecnEnabled {
		flags |= header.TCPFlagEce
	}
	c.sendRaw(flags, c.iss, nil)
	c.sndNxt = c.iss + 1
	c.sndMax = c.sndNxt
}

// sendAck sends a bare ACK.
func (c *Connection) sendAck() {
	c.sendRaw(header.TCPFlagAck, c.sndNxt, nil)
}

// sendFin sends a bare FIN at finSeq.
func (c *Connection) sendFin() {
	c.sendRaw(header.TCPFlagFin|header.TCPFlagAck, c.finSeq, nil)
}

// sendRst sends a reset with the given sequence number.
func (c *Connection) sendRst(seq seqnum.Value) {
	c.sendRaw(header.TCPFlagRst, seq, nil)
}

// sendKeepalive sends a probe the peer must answer with an ACK (RFC 1122
// section 4.2.3.6).
func (c *Connection) sendKeepalive() {
	c.sendRaw(header.TCPFlagAck, c.sndUna-1, nil)
	c.stats.KeepalivesSent++
}

// ackSent resets the delayed ACK state after an ACK went out.
func (c *Connection) ackSent() {
	c.fullSizedSegmentCounter = 0
	c.ackNow = false
	c.lastAckSent = c.rcvNxt
	c.timers[timerDelayedAck].disable()
}

// sendSegment sends up to bytes bytes from snd_nxt, piggybacking the FIN
// when it reaches the end of the queue.
func (c *Connection) sendSegment(bytes uint32) {
	if c.sackEnabled && c.afterRto {
		c.skipSackedAndRexmitted()
	}
	seq := c.sndNxt
	bytes = min(bytes, c.sndQueue.BytesAvailable(seq))
	var payload []byte
	if bytes > 0 {
		payload = c.sndQueue.CreateSegment(seq, bytes)
		if c.sackEnabled {
			c.scoreboard.EnqueueSentData(seq, seq.Add(seqnum.Size(bytes)))
		}
	}

	if seq.LessThan(c.sndMax) {
		c.stats.Retransmits++
		c.proto.stats.TCP.Retransmits.Increment()
	}

	c.sndNxt = seq.Add(seqnum.Size(bytes))
	if c.afterRto && c.sndMax.LessThanEq(c.sndNxt) {
		c.afterRto = false
	}

	flags := header.TCPFlagAck
	if bytes > 0 && c.sndNxt == c.sndQueue.BufferEndSeq() {
		flags |= header.TCPFlagPsh
	}
	if c.sendFinPending && c.sndNxt == c.finSeq {
		flags |= header.TCPFlagFin
		c.sndNxt = c.finSeq + 1
	}
	c.sendRaw(flags, seq, payload)
}

// skipSackedAndRexmitted moves snd_nxt over data that was selectively
// acknowledged or already retransmitted since the timeout.
func (c *Connection) skipSackedAndRexmitted() {
	for c.sndNxt.LessThan(c.sndMax) {
		n, sacked, rexmitted := c.scoreboard.CheckSackBlock(c.sndNxt)
		if n == 0 || (!sacked && !rexmitted) {
			return
		}
		c.sndNxt = c.sndNxt.Add(seqnum.Size(n))
	}
}

// canSendData returns true once the handshake completed and until the
// connection starts closing down.
func (c *Connection) canSendData() bool {
	return c.handshakeDone && c.state != StateTimeWait && c.state != StateClosed
}

// sendData sends as much queued data as the windows allow. It restarts
// from the initial window after an idle period (RFC 5681 section 4.1) and
// applies Nagle's algorithm when enabled.
func (c *Connection) sendData() bool {
	if !c.canSendData() {
		return false
	}
	if !c.lastDataSent.IsZero() && c.sndUna == c.sndMax && c.now().Sub(c.lastDataSent) > c.rtt.rto {
		if iw := c.initialWindow(); c.cwnd > iw {
			c.logger.Debugf("idle for %s, restarting from cwnd %d", c.now().Sub(c.lastDataSent), iw)
			c.cwnd = iw
		}
	}
	fullOnly := c.opts.Nagle && c.sndUna != c.sndMax
	return c.sendDataLimited(fullOnly, c.cwnd)
}

// sendDataLimited sends data allowed by min(snd_wnd, cwnd). With fullOnly
// only full-sized segments go out, unless the last one empties the queue
// within the window. It returns true if anything was sent.
func (c *Connection) sendDataLimited(fullOnly bool, cwnd uint32) bool {
	if !c.afterRto {
		c.sndNxt = c.sndMax
	}
	oldSndNxt := c.sndNxt
	oldHighRxt := c.highRxt
	newData := !c.sndNxt.LessThan(c.sndMax)
	mss := c.smss()

	buffered := c.sndQueue.BytesAvailable(c.sndNxt)
	if buffered == 0 {
		return false
	}
	outstanding := uint32(c.sndUna.Size(c.sndNxt))
	win := min(c.sndWnd, cwnd)
	if win <= outstanding {
		return false
	}
	effectiveWin := win - outstanding
	bytesToSend := min(effectiveWin, buffered)

	if bytesToSend <= mss {
		if fullOnly && bytesToSend < mss {
			c.logger.Debugf("Nagle: holding %d bytes", bytesToSend)
			return false
		}
		c.sendSegment(bytesToSend)
	} else {
		for bytesToSend >= mss {
			c.sendSegment(mss)
			bytesToSend -= mss
		}
		// The tail goes out only if it empties the queue and Nagle
		// does not hold it.
		if bytesToSend > 0 && bytesToSend == c.sndQueue.BytesAvailable(c.sndNxt) && !fullOnly {
			c.sendSegment(bytesToSend)
		}
	}

	if c.sndMax.LessThan(c.sndNxt) {
		c.sndMax = c.sndNxt
	}
	if c.sackEnabled && c.lossRecovery && oldHighRxt != c.highRxt {
		c.restartRexmitTimer()
	} else {
		c.dataSent(oldSndNxt, newData)
	}
	return true
}

// sendProbe sends one byte beyond the window while the peer's window is
// zero.
func (c *Connection) sendProbe() {
	c.sndNxt = c.sndMax
	if c.sndQueue.BytesAvailable(c.sndNxt) == 0 {
		return
	}
	from := c.sndNxt
	c.sendSegment(1)
	c.sndMax = c.sndNxt
	c.stats.ZeroWindowProbes++
	c.dataSent(from, true)
}

// retransmitOneSegment retransmits the first unacknowledged segment.
func (c *Connection) retransmitOneSegment() {
	if c.sndUna == c.sndMax {
		return
	}
	c.sndNxt = c.sndUna
	c.sendSegment(min(c.smss(), uint32(c.sndUna.Size(c.sndMax))))
	if c.sackEnabled {
		c.highRxt = c.scoreboard.HighestRexmittedSeqNum()
	}
}

// sendOneNewSegment implements limited transmit (RFC 3042): a new segment
// for each of the first two duplicate ACKs.
func (c *Connection) sendOneNewSegment(fullOnly bool) {
	if c.sackEnabled && c.sackedBytesOld == c.sackedBytes {
		// RFC 3042 requires the duplicate ACK to report new SACK data.
		return
	}
	mss := c.smss()
	buffered := c.sndQueue.BytesAvailable(c.sndMax)
	if buffered < mss && (fullOnly || buffered == 0) {
		return
	}
	outstanding := c.flightSize()
	if outstanding+mss > c.sndWnd || outstanding+mss > satAdd(c.cwnd, 2*mss) {
		return
	}
	bytes := min(satAdd(min(c.sndWnd, c.cwnd), 2*mss)-outstanding, mss)

	savedNxt := c.sndNxt
	c.sndNxt = c.sndMax
	from := c.sndNxt
	c.sendSegment(bytes)
	c.sndMax = c.sndNxt
	if c.afterRto {
		c.sndNxt = savedNxt
	}
	c.logger.Debugf("limited transmit of %d bytes at %d", bytes, from)
	c.dataSent(from, true)
}

// isLost implements IsLost from RFC 6675 section 4.
func (c *Connection) isLost(seq seqnum.Value) bool {
	return c.scoreboard.NumDiscontiguousSacksAbove(seq) >= c.opts.DupThresh ||
		c.scoreboard.SackedBytesAbove(seq) >= uint32(c.opts.DupThresh)*c.smss()
}

// setPipe implements SetPipe from RFC 6675 section 4: an estimate of the
// bytes in flight. The scoreboard is walked region by region, so only
// unsacked bytes count.
func (c *Connection) setPipe() {
	c.highRxt = c.scoreboard.HighestRexmittedSeqNum()
	var pipe uint32
	for s := c.sndUna; s.LessThan(c.sndMax); {
		length, sacked, _ := c.scoreboard.CheckSackBlock(s)
		if length == 0 {
			break
		}
		length = min(length, uint32(s.Size(c.sndMax)))
		if !sacked {
			if !c.isLost(s) {
				pipe += length
			}
			if s.LessThan(c.highRxt) {
				pipe += length
			}
		}
		s = s.Add(seqnum.Size(length))
	}
	c.pipe = pipe
}

// nextSeg implements NextSeg from RFC 6675 section 4. Holes are candidates
// from their first byte, so they need not start on a segment boundary.
func (c *Connection) nextSeg() (seqnum.Value, bool) {
	mss := c.smss()
	highestSacked := c.scoreboard.HighestSackedSeqNum()
	start := c.highRxt
	if start.LessThan(c.sndUna) {
		start = c.sndUna
	}
	limit := highestSacked
	if c.sndMax.LessThan(limit) {
		limit = c.sndMax
	}

	// Rule 1: a lost hole above HighRxt. IsLost only gets harder to
	// satisfy further up, so the first unsacked hole decides.
	for s := start; s.LessThan(limit); {
		length, sacked, _ := c.scoreboard.CheckSackBlock(s)
		if length == 0 {
			break
		}
		if !sacked {
			if c.isLost(s) {
				return s, true
			}
			break
		}
		s = s.Add(seqnum.Size(length))
	}

	// Rule 2: new data, if the peer's window has room.
	if c.sndQueue.BytesAvailable(c.sndMax) > 0 && c.sndWnd >= c.pipe && c.sndWnd-c.pipe >= mss {
		return c.sndMax, true
	}

	// Rule 3: any unsacked hole above HighRxt below the highest sacked byte.
	for s := start; s.LessThan(limit); {
		length, sacked, _ := c.scoreboard.CheckSackBlock(s)
		if length == 0 {
			break
		}
		if !sacked {
			return s, true
		}
		s = s.Add(seqnum.Size(length))
	}
	return 0, false
}

// sendDataDuringLossRecoveryPhase sends while cwnd - pipe allows a full
// segment (RFC 6675 section 5 step C).
func (c *Connection) sendDataDuringLossRecoveryPhase(cwnd uint32) {
	mss := c.smss()
	for cwnd >= c.pipe && cwnd-c.pipe >= mss {
		seq, ok := c.nextSeg()
		if !ok {
			return
		}
		c.sendSegmentDuringLossRecoveryPhase(seq)
		c.pipe += mss
	}
}

// sendSegmentDuringLossRecoveryPhase sends one segment chosen by nextSeg.
func (c *Connection) sendSegmentDuringLossRecoveryPhase(seq seqnum.Value) {
	oldHighRxt := c.highRxt
	newData := !seq.LessThan(c.sndMax)
	c.sndNxt = seq
	c.sendSegment(c.smss())
	if seq.Add(seqnum.Size(c.smss())).LessThanEq(c.sndMax) {
		c.highRxt = c.scoreboard.HighestRexmittedSeqNum()
	} else if c.sndMax.LessThan(c.sndNxt) {
		c.sndMax = c.sndNxt
	}
	if oldHighRxt != c.highRxt {
		c.restartRexmitTimer()
	} else {
		c.dataSent(seq, newData)
	}
}

// dataSent is called after data went out from seq. It arms the
// retransmission timer and starts an RTT measurement on new data.
func (c *Connection) dataSent(seq seqnum.Value, newData bool) {
	if !c.timers[timerRexmit].enabled() {
		c.startRexmitTimer()
	}
	// Karn's algorithm: never time a retransmission.
	if !c.tsEnabled && newData && c.rtseqSendTime.IsZero() {
		c.rtseq = seq
		c.rtseqSendTime = c.now()
	}
	c.lastDataSent = c.now()
}

func (c *Connection) startRexmitTimer() {
	c.rexmitCount = 0
	c.timers[timerRexmit].enable(c.rtt.rto)
}

// restartRexmitTimer rearms the retransmission timer with the current RTO.
func (c *Connection) restartRexmitTimer() {
	c.timers[timerRexmit].disable()
	c.startRexmitTimer()
}

// restartRexmitTimerIfOutstanding rearms the retransmission timer if data is
// outstanding and stops it otherwise.
func (c *Connection) restartRexmitTimerIfOutstanding() {
	if c.sndUna == c.sndMax {
		c.timers[timerRexmit].disable()
		return
	}
	c.restartRexmitTimer()
}

// rttMeasurementComplete folds an RTT sample into the estimator.
func (c *Connection) rttMeasurementComplete(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	c.rtt.update(rtt)
	c.lastRTTSample = rtt
	c.logger.Debugf("rtt sample %s: srtt %s rttvar %s rto %s", rtt, c.rtt.srtt, c.rtt.rttvar, c.rtt.rto)
}

// rttMeasurementUsingTS takes an RTT sample from an echoed timestamp.
func (c *Connection) rttMeasurementUsingTS(echo uint32) {
	if echo == 0 {
		return
	}
	ms := int32(c.tsVal() - echo)
	if ms < 0 {
		return
	}
	c.rttMeasurementComplete(time.Duration(ms) * time.Millisecond)
}

// initialWindow returns the initial congestion window (RFC 3390 when
// enabled).
func (c *Connection) initialWindow() uint32 {
	mss := c.smss()
	if c.opts.IncreasedIW {
		return min(4*mss, max(2*mss, 4380))
	}
	return mss
}

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

	"github.com/inet-go/tcpsim/pkg/tcpip/header"
	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

// handleSegment processes a segment demultiplexed to the connection and
// performs the resulting state transition.
func (c *Connection) handleSegment(s *segment) {
	c.stats.SegmentsReceived++
	c.logger.Debugf("rcv %s in %s", s, c.state)

	var e Event
	switch c.state {
	case StateListen:
		e = c.processSegmentInListen(s)
	case StateSynSent:
		e = c.processSegmentInSynSent(s)
	case StateInit, StateClosed:
		return
	default:
		e = c.processSegment(s)
	}
	c.performStateTransition(e)
}

// processSegmentInListen handles a segment arriving at a listener (RFC 793
// page 65).
func (c *Connection) processSegmentInListen(s *segment) Event {
	switch {
	case s.flagIsSet(header.TCPFlagRst):
		return EventIgnore
	case s.flagIsSet(header.TCPFlagAck):
		c.proto.sendReset(s)
		return EventIgnore
	case !s.flagIsSet(header.TCPFlagSyn):
		return EventIgnore
	}

	if c.fork {
		clone := c.proto.fork(c, s)
		clone.performStateTransition(clone.processSegmentInListen(s))
		return EventIgnore
	}
	if c.id.RemoteAddress == "" {
		c.proto.bindListener(c, s.id)
	}

	c.irs = s.sequenceNumber
	c.rcvNxt = s.sequenceNumber + 1
	c.rcvQueue.Init(c.rcvNxt)
	c.selectInitialSeqNum()
	c.processSynOptions(s, true)

	c.sndWnd = c.scaledWindow(s)
	c.maxSndWnd = c.sndWnd
	c.sndWl1 = s.sequenceNumber
	c.sndWl2 = c.iss
	if s.payloadSize() > 0 {
		c.logger.Debugf("discarding %d bytes carried by SYN", s.payloadSize())
	}

	c.sendSynAck()
	c.startSynRexmitTimer()
	if !c.timers[timerConnEstab].enabled() {
		c.timers[timerConnEstab].enable(ConnEstabTimeout)
	}
	return EventRcvSyn
}

// processSegmentInSynSent handles a segment answering our SYN (RFC 793
// page 66).
func (c *Connection) processSegmentInSynSent(s *segment) Event {
	if s.flagIsSet(header.TCPFlagAck) {
		if s.ackNumber.LessThanEq(c.iss) || c.sndMax.LessThan(s.ackNumber) {
			if !s.flagIsSet(header.TCPFlagRst) {
				c.sendRst(s.ackNumber)
			}
			return EventIgnore
		}
	}
	if s.flagIsSet(header.TCPFlagRst) {
		if s.flagIsSet(header.TCPFlagAck) {
			c.indicateTerminal(IndicationConnectionRefused)
			c.proto.stats.TCP.FailedConnectionAttempts.Increment()
			return EventRcvRst
		}
		return EventIgnore
	}
	if !s.flagIsSet(header.TCPFlagSyn) {
		return EventIgnore
	}

	c.irs = s.sequenceNumber
	c.rcvNxt = s.sequenceNumber + 1
	c.rcvQueue.Init(c.rcvNxt)
	c.processSynOptions(s, false)

	if !s.flagIsSet(header.TCPFlagAck) {
		// Simultaneous open.
		c.sndWnd = c.scaledWindow(s)
		c.maxSndWnd = c.sndWnd
		c.sndWl1 = s.sequenceNumber
		c.ecnEnabled = c.ecnEnabled || (c.ecnSynSent && s.flagsAreSet(header.TCPFlagEce|header.TCPFlagCwr))
		c.sendSynAck()
		c.startSynRexmitTimer()
		return EventRcvSyn
	}

	c.sndUna = s.ackNumber
	if c.sndNxt.LessThan(c.sndUna) {
		c.sndNxt = c.sndUna
	}
	c.sndWnd = c.scaledWindow(s)
	c.maxSndWnd = c.sndWnd
	c.sndWl1 = s.sequenceNumber
	c.sndWl2 = s.ackNumber
	if s.payloadSize() > 0 {
		c.logger.Debugf("discarding %d bytes carried by SYN-ACK", s.payloadSize())
	}

	c.indicateEstablished()
	c.established(true)
	return EventRcvSynAck
}

// isSegmentAcceptable implements the acceptability test of RFC 793 page 69.
func (c *Connection) isSegmentAcceptable(s *segment) bool {
	segLen := seqnum.Size(s.payloadSize())
	seq := s.sequenceNumber
	if segLen == 0 {
		if c.rcvWnd == 0 {
			return seq == c.rcvNxt
		}
		return seq.InWindow(c.rcvNxt, seqnum.Size(c.rcvWnd))
	}
	if c.rcvWnd == 0 {
		return false
	}
	last := seq.Add(segLen - 1)
	return seq.InWindow(c.rcvNxt, seqnum.Size(c.rcvWnd)) ||
		last.InWindow(c.rcvNxt, seqnum.Size(c.rcvWnd))
}

// isAckAfterRetransmission returns true for a pure ACK that lies below
// rcv_nxt but acknowledges new data. Such ACKs answer go-back-N
// retransmissions and are processed for their acknowledgement.
func (c *Connection) isAckAfterRetransmission(s *segment) bool {
	return s.payloadSize() == 0 &&
		!s.flagIsSet(synOrFin|header.TCPFlagRst) &&
		s.flagIsSet(header.TCPFlagAck) &&
		s.sequenceNumber.LessThan(c.rcvNxt) &&
		c.sndUna.LessThan(s.ackNumber) && s.ackNumber.LessThanEq(c.sndMax)
}

// processSegment handles a segment in SYN_RCVD or a synchronized state (RFC
// 793 pages 69 to 76).
func (c *Connection) processSegment(s *segment) Event {
	if c.keepaliveEnabled() {
		c.restartKeepalive()
	}

	if c.pawsReject(s) {
		c.stats.PAWSDrops++
		c.logger.Debugf("PAWS: dropping segment with TSval %d < %d", s.parsedOptions.TSVal, c.tsRecent)
		c.sendAck()
		return EventIgnore
	}

	// 1. Sequence number.
	ackOnly := false
	if !c.isSegmentAcceptable(s) {
		if c.isAckAfterRetransmission(s) {
			ackOnly = true
		} else {
			c.stats.NotAcceptable++
			if s.flagIsSet(header.TCPFlagRst) {
				return EventIgnore
			}
			if c.state == StateTimeWait && s.flagIsSet(header.TCPFlagFin) {
				c.timers[timer2MSL].enable(TwoMSL)
			}
			c.logger.Debugf("segment not acceptable: seq %d len %d, rcv_nxt %d rcv_wnd %d", s.sequenceNumber, s.payloadSize(), c.rcvNxt, c.rcvWnd)
			// Data that was all delivered already is reported as a D-SACK
			// (RFC 2883 section 4.1.1).
			if n := s.payloadSize(); n > 0 && c.sackEnabled {
				if end := s.sequenceNumber.Add(seqnum.Size(n)); end.LessThanEq(c.rcvNxt) {
					c.sndDsack = true
					c.sackStart, c.sackEnd = s.sequenceNumber, end
				}
			}
			c.sendAck()
			return EventIgnore
		}
	}
	c.updateTSRecent(s)

	// 2. RST.
	if s.flagIsSet(header.TCPFlagRst) {
		return c.processRst()
	}

	// 3. SYN in the window is an error.
	if s.flagIsSet(header.TCPFlagSyn) {
		c.logger.Infof("SYN in window in %s, resetting", c.state)
		c.sendRst(c.sndNxt)
		c.proto.stats.TCP.EstablishedResets.Increment()
		c.indicateTerminal(IndicationConnectionReset)
		return EventRcvUnexpSyn
	}

	// 4. ACK.
	if !s.flagIsSet(header.TCPFlagAck) {
		return EventIgnore
	}
	event := EventIgnore
	if c.state == StateSynRcvd {
		if s.ackNumber.LessThan(c.sndUna) || c.sndNxt.LessThan(s.ackNumber) {
			c.proto.sendReset(s)
			return EventIgnore
		}
		c.sndUna = s.ackNumber
		c.sndWnd = c.scaledWindow(s)
		c.maxSndWnd = max(c.maxSndWnd, c.sndWnd)
		c.sndWl1 = s.sequenceNumber
		c.sndWl2 = s.ackNumber
		c.indicateEstablished()
		c.established(false)
		event = EventRcvAck
	} else {
		if c.sackEnabled {
			c.processSACKOption(s)
		}
		if !c.processAckInEstabEtc(s) {
			return EventIgnore
		}
		switch c.state {
		case StateFinWait1, StateClosing:
			if c.finAckRcvd {
				event = EventRcvAck
			}
		case StateLastAck:
			if c.finAckRcvd {
				c.indicateTerminal(IndicationClosed)
				event = EventRcvAck
			}
		}
	}
	if ackOnly {
		return event
	}

	// 5. URG is ignored.

	// 6. Segment text.
	if s.payloadSize() > 0 {
		switch c.state {
		case StateSynRcvd, StateEstablished, StateFinWait1, StateFinWait2:
			c.processSegmentText(s)
		default:
			c.logger.Debugf("ignoring %d bytes after the peer's FIN", s.payloadSize())
		}
	}

	// 7. FIN.
	if s.flagIsSet(header.TCPFlagFin) && !c.finRcvd {
		c.finPending = true
		c.rcvFinSeq = s.sequenceNumber.Add(seqnum.Size(s.payloadSize()))
	}
	if c.finPending && !c.finRcvd && c.rcvNxt == c.rcvFinSeq {
		return c.processFin()
	}
	if s.flagIsSet(header.TCPFlagFin) && c.finRcvd {
		// A retransmitted FIN.
		if c.state == StateTimeWait {
			c.timers[timer2MSL].enable(TwoMSL)
		}
		c.sendAck()
	}
	return event
}

// processRst handles an acceptable RST.
func (c *Connection) processRst() Event {
	switch c.state {
	case StateSynRcvd:
		if c.activeOpen {
			c.indicateTerminal(IndicationConnectionRefused)
			c.proto.stats.TCP.FailedConnectionAttempts.Increment()
			return EventRcvRst
		}
		if c.forked {
			return EventAbort
		}
		c.logger.Debugf("RST in SYN_RCVD, back to LISTEN")
		return EventRcvRst
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		c.proto.stats.TCP.ResetsReceived.Increment()
		c.proto.stats.TCP.EstablishedResets.Increment()
		c.indicateTerminal(IndicationConnectionReset)
		return EventRcvRst
	default:
		return EventRcvRst
	}
}

// processAckInEstabEtc processes the acknowledgement of s in a synchronized
// state. It returns false if the segment must be dropped.
func (c *Connection) processAckInEstabEtc(s *segment) bool {
	if c.ecnEnabled {
		if s.flagIsSet(header.TCPFlagEce) {
			c.gotEce = true
		}
		if s.flagIsSet(header.TCPFlagCwr) {
			c.ceEcho = false
		}
	}
	policy := c.alg.dupackReset()
	ack := s.ackNumber
	defer func() { c.sackedBytesOld = c.sackedBytes }()

	switch {
	case ack.LessThanEq(c.sndUna):
		if c.alg.isDuplicateAck(s) {
			c.dupacks++
			c.stats.DupAcksReceived++
			if c.dupacks < c.opts.DupThresh && c.opts.LimitedTransmit && !c.lossRecovery {
				c.sendOneNewSegment(c.opts.Nagle)
			}
			c.alg.receivedDuplicateAck()
			return true
		}
		oldWnd := c.sndWnd
		if ack == c.sndUna {
			c.updateWndInfo(s)
		}
		if policy&resetOnOldAck != 0 {
			c.dupacks = 0
		}
		if c.sndWnd != oldWnd {
			c.windowUpdated()
		}
		return true

	case ack.LessThanEq(c.sndMax):
		old := c.sndUna
		c.sndUna = ack
		if c.sndNxt.LessThan(c.sndUna) {
			c.sndNxt = c.sndUna
		}
		discard := ack
		if c.sendFinPending && ack == c.finSeq+1 {
			c.finAckRcvd = true
			discard--
		}
		c.sndQueue.DiscardUpTo(discard)
		if c.sackEnabled {
			c.scoreboard.DiscardUpTo(discard)
			c.sackedBytes = c.scoreboard.TotalSackedBytes()
		}
		c.updateWndInfo(s)

		c.lastRTTSample = -1
		if c.tsEnabled && s.parsedOptions.TS {
			c.rttMeasurementUsingTS(s.parsedOptions.TSEcr)
		}
		c.receivedDataAck(old)
		if c.handshakeDone {
			c.alg.receivedAckForNewData(uint32(old.Size(ack)))
		}
		if policy&resetOnNewAck != 0 && !(policy&keepOnPartialAck != 0 && c.lossRecovery) {
			c.dupacks = 0
		}
		return true

	default:
		if policy&resetOnAckAboveSndMax != 0 {
			c.dupacks = 0
		}
		c.alg.receivedAckForDataNotYetSent(ack)
		return false
	}
}

// receivedDataAck performs the bookkeeping common to every algorithm when
// snd_una advanced from firstSeqAcked: the RTT sample, the retransmission
// and persist timers.
func (c *Connection) receivedDataAck(firstSeqAcked seqnum.Value) {
	if !c.tsEnabled && !c.rtseqSendTime.IsZero() && c.rtseq.LessThan(c.sndUna) {
		c.rttMeasurementComplete(c.now().Sub(c.rtseqSendTime))
		c.rtseqSendTime = time.Time{}
	}

	switch {
	case c.sndUna == c.sndMax:
		c.timers[timerRexmit].disable()
	case !c.lossRecovery:
		c.restartRexmitTimer()
	}
	c.windowUpdated()
}

// windowUpdated starts or stops the persist timer after the send window
// changed.
func (c *Connection) windowUpdated() {
	if c.sndWnd == 0 {
		if !c.timers[timerPersist].enabled() && c.sndUna == c.sndMax && c.sndQueue.BytesAvailable(c.sndMax) > 0 {
			c.persistBackoff.Reset()
			c.timers[timerPersist].enable(clampPersist(c.persistBackoff.NextBackOff()))
		}
		return
	}
	if c.timers[timerPersist].enabled() {
		c.timers[timerPersist].disable()
		c.sendData()
	}
}

// processSegmentText stores the payload of s and delivers what became
// contiguous.
func (c *Connection) processSegmentText(s *segment) {
	seq := s.sequenceNumber
	end := seq.Add(seqnum.Size(s.payloadSize()))

	if c.ecnEnabled {
		prev := c.ceEcho
		if s.ce {
			c.ceEcho = true
		} else if !c.alg.markECE() {
			c.ceEcho = false
		}
		if prev != c.ceEcho {
			c.ackNow = true
		}
	}

	buf := c.opts.rcvBufferSize()
	free := c.rcvQueue.FreeByteCount(buf - min(buf, uint32(len(c.readBuf))))
	if newBytes := uint32(seqnum.Max(seq, c.rcvNxt).Size(end)); newBytes > free {
		c.stats.RcvQueueDrops++
		c.logger.Debugf("receive buffer full, dropping %d bytes at %d", s.payloadSize(), seq)
		return
	}

	hadHoles := c.rcvQueue.BufferedByteCount() > c.rcvQueue.AmountOfBufferedBytes()
	old := c.rcvNxt
	c.rcvNxt = c.rcvQueue.Insert(seq, s.data)

	if c.rcvNxt == old {
		c.stats.OutOfOrder++
		if c.sackEnabled {
			c.sndSack = true
			c.sackTrigger = true
			c.sackStart, c.sackEnd = seq, end
		}
		c.logger.Debugf("out of order segment [%d, %d), rcv_nxt %d", seq, end, c.rcvNxt)
		c.ackNow = true
		c.sendAck()
		return
	}

	if seq.LessThan(old) && c.sackEnabled {
		// Partially duplicate.
		c.sndDsack = true
		c.sackStart, c.sackEnd = seq, old
	}
	c.deliverInOrder()
	if hadHoles {
		// Filling a hole is acknowledged at once (RFC 5681 section 4.2).
		c.ackNow = true
		if c.sackEnabled && c.rcvQueue.BufferedByteCount() > c.rcvQueue.AmountOfBufferedBytes() {
			c.sndSack = true
		}
	}
	c.receiveSeqChanged()
}

// deliverInOrder hands the contiguous received bytes to the application.
func (c *Connection) deliverInOrder() {
	for {
		data, ok := c.rcvQueue.ExtractUpTo(c.rcvNxt)
		if !ok {
			return
		}
		c.stats.BytesReceived += uint64(len(data))
		if c.opts.DataNotification {
			c.readBuf = append(c.readBuf, data...)
			c.indicate(Indication{Kind: IndicationDataNotification, Available: len(c.readBuf)})
			continue
		}
		c.indicate(Indication{Kind: IndicationData, Data: data})
	}
}

// receiveSeqChanged decides between an immediate and a delayed ACK after
// rcv_nxt advanced (RFC 1122 section 4.2.3.2).
func (c *Connection) receiveSeqChanged() {
	if !c.opts.DelayedACK || c.ackNow {
		c.sendAck()
		return
	}
	c.fullSizedSegmentCounter++
	if c.fullSizedSegmentCounter >= 2 {
		c.sendAck()
		return
	}
	if !c.timers[timerDelayedAck].enabled() {
		c.timers[timerDelayedAck].enable(DelayedACKTimeout)
	}
}

// processFin consumes the peer's FIN once every byte before it arrived.
func (c *Connection) processFin() Event {
	c.finRcvd = true
	c.finPending = false
	c.rcvNxt++
	c.rcvQueue.Init(c.rcvNxt)
	c.sendAck()

	switch c.state {
	case StateSynRcvd, StateEstablished:
		return EventRcvFin
	case StateFinWait1:
		if c.finAckRcvd {
			return EventRcvFinAck
		}
		return EventRcvFin
	case StateFinWait2:
		return EventRcvFin
	case StateTimeWait:
		c.timers[timer2MSL].enable(TwoMSL)
	}
	return EventIgnore
}

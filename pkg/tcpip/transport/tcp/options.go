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

const (
	// pawsIdleLimit is how long tsRecent stays valid without refresh
	// (RFC 7323 section 5.5).
	pawsIdleLimit = 24 * 24 * time.Hour

	// maxSackHistory bounds the number of SACK blocks remembered for
	// repetition in later ACKs.
	maxSackHistory = 16
)

// receiveWindowScale returns the window scale this end announces: the
// configured factor, or the smallest shift that lets the advertised window
// cover the receive buffer.
func (c *Connection) receiveWindowScale() uint8 {
	if c.opts.WindowScaleFactor >= 0 {
		return uint8(c.opts.WindowScaleFactor)
	}
	var ws uint8
	for buf := c.opts.rcvBufferSize(); buf > MaxTCPWindow && ws < header.MaxWndScale; buf >>= 1 {
		ws++
	}
	return ws
}

// tsVal returns the current timestamp clock value, in milliseconds.
func (c *Connection) tsVal() uint32 {
	return uint32(c.now().UnixMilli())
}

// writeSynOptions encodes the options of a SYN or SYN-ACK into b. On a
// SYN-ACK only options the peer offered are echoed.
func (c *Connection) writeSynOptions(b []byte, synAck bool) int {
	off := header.EncodeMSSOption(uint32(c.opts.MSS), b)
	if c.opts.WindowScaling && (!synAck || c.rcvWs) {
		c.rcvWndScale = c.receiveWindowScale()
		off += header.EncodeNOP(b[off:])
		off += header.EncodeWSOption(int(c.rcvWndScale), b[off:])
		c.sndWs = true
	}
	if c.opts.SACK && (!synAck || c.rcvSackPerm) {
		off += header.EncodeNOP(b[off:])
		off += header.EncodeNOP(b[off:])
		off += header.EncodeSACKPermittedOption(b[off:])
		c.sndSackPerm = true
	}
	if c.opts.Timestamps && (!synAck || c.rcvInitialTs) {
		var ecr uint32
		if synAck {
			ecr = c.tsRecent
		}
		off += header.EncodeNOP(b[off:])
		off += header.EncodeNOP(b[off:])
		off += header.EncodeTSOption(c.tsVal(), ecr, b[off:])
		c.sndInitialTs = true
	}
	return off
}

// writeHeaderOptions returns the options for an outgoing segment with the
// given flags, padded to a multiple of four bytes. If they would not fit in
// the header they are all dropped.
func (c *Connection) writeHeaderOptions(flags header.TCPFlags) []byte {
	// Large enough to notice an overflow.
	b := make([]byte, 2*header.TCPOptionsMaximumSize)
	off := 0
	switch {
	case flags&header.TCPFlagSyn != 0:
		off = c.writeSynOptions(b, flags&header.TCPFlagAck != 0)
	default:
		if c.tsEnabled {
			off += header.EncodeNOP(b[off:])
			off += header.EncodeNOP(b[off:])
			off += header.EncodeTSOption(c.tsVal(), c.tsRecent, b[off:])
		}
		if c.sackEnabled && (c.sndSack || c.sndDsack) {
			room := header.TCPOptionsMaximumSize - off - 4
			if blocks := c.sackBlocksToSend(room / 8); len(blocks) > 0 {
				off += header.EncodeNOP(b[off:])
				off += header.EncodeNOP(b[off:])
				off += header.EncodeSACKBlocks(blocks, b[off:off+2+8*len(blocks)])
			}
		}
	}
	if off == 0 {
		return nil
	}
	off += header.AddTCPOptionPadding(b, off)
	if off > header.TCPOptionsMaximumSize {
		c.logger.Warningf("%d bytes of options exceed the header, sending none", off)
		return nil
	}
	return b[:off]
}

// sackBlocksToSend builds at most max SACK blocks for the next ACK (RFC
// 2018 section 4, RFC 2883 for D-SACK) and updates the history of reported
// blocks.
func (c *Connection) sackBlocksToSend(max int) []header.SACKBlock {
	max = min(max, header.TCPMaxSACKBlocks)
	defer func() {
		c.sndSack = false
		c.sndDsack = false
		c.sackTrigger = false
	}()
	if max <= 0 {
		return nil
	}

	// Blocks at or below rcv_nxt have been delivered and are stale.
	// Remembered blocks may since have merged with neighbours.
	var history []header.SACKBlock
	for _, b := range c.sacks {
		if b.End.LessThanEq(c.rcvNxt) {
			continue
		}
		history = append(history, header.SACKBlock{
			Start: c.rcvQueue.LeftEdge(seqnum.Max(b.Start, c.rcvNxt)),
			End:   c.rcvQueue.RightEdge(b.End),
		})
	}

	var blocks []header.SACKBlock
	dsack := false
	switch {
	case c.sndDsack:
		first := header.SACKBlock{Start: c.sackStart, End: c.sackEnd}
		if c.sackStart.LessThan(c.rcvNxt) && c.rcvNxt.LessThan(c.sackEnd) {
			first.End = c.rcvNxt
		}
		blocks = append(blocks, first)
		dsack = true
		// A duplicate inside an out-of-order region is followed by that
		// region.
		if c.rcvNxt.LessThanEq(c.sackStart) {
			outer := header.SACKBlock{Start: c.rcvQueue.LeftEdge(c.sackStart), End: c.rcvQueue.RightEdge(c.sackEnd)}
			if outer != first {
				blocks = append(blocks, outer)
			}
		}
	case c.sackTrigger:
		blocks = append(blocks, header.SACKBlock{
			Start: c.rcvQueue.LeftEdge(c.sackStart),
			End:   c.rcvQueue.RightEdge(c.sackEnd),
		})
	}

	for _, h := range history {
		redundant := false
		for i, b := range blocks {
			if dsack && i == 0 {
				continue
			}
			if b.Contains(h) || b.Start == h.Start || b.End == h.End {
				redundant = true
				break
			}
		}
		if !redundant {
			blocks = append(blocks, h)
		}
	}
	if len(blocks) > max {
		blocks = blocks[:max]
	}

	// Remember what was reported, most recent first. A D-SACK is reported
	// once.
	remembered := blocks
	if dsack {
		remembered = blocks[1:]
		c.stats.DSACKsSent++
	}
	c.sacks = append(c.sacks[:0], remembered...)
	if len(c.sacks) > maxSackHistory {
		c.sacks = c.sacks[:maxSackHistory]
	}
	c.stats.SACKsSent += uint64(len(blocks))
	return blocks
}

// processSynOptions negotiates the options carried by a SYN or SYN-ACK. An
// option is enabled when both ends offered it; passive is true when this end
// has not sent its SYN yet.
func (c *Connection) processSynOptions(s *segment, passive bool) {
	o := header.ParseSynOptions(s.options, s.flagIsSet(header.TCPFlagAck))
	if o.Malformed > 0 {
		c.logger.Debugf("skipped %d malformed SYN options", o.Malformed)
	}

	c.sndMSS = min(uint32(c.opts.MSS), uint32(o.MSS))
	if c.sndMSS == 0 {
		c.sndMSS = header.TCPDefaultMSS
	}

	offered := func(local, sent bool) bool {
		if passive {
			return local
		}
		return sent
	}

	c.rcvWs = o.WS >= 0
	c.wsEnabled = offered(c.opts.WindowScaling, c.sndWs) && c.rcvWs
	if c.wsEnabled {
		c.sndWndScale = uint8(o.WS)
		if passive {
			c.rcvWndScale = c.receiveWindowScale()
		}
	} else {
		c.sndWndScale = 0
		c.rcvWndScale = 0
	}

	c.rcvSackPerm = o.SACKPermitted
	c.sackEnabled = offered(c.opts.SACK, c.sndSackPerm) && c.rcvSackPerm

	c.rcvInitialTs = o.TS
	c.tsEnabled = offered(c.opts.Timestamps, c.sndInitialTs) && c.rcvInitialTs
	if o.TS {
		c.tsRecent = o.TSVal
		c.tsRecentAge = c.now()
	}
	if c.tsEnabled && !passive && o.TSEcr != 0 {
		c.rttMeasurementUsingTS(o.TSEcr)
	}

	// RFC 3168 section 6.1.1: an ECN-setup SYN carries ECE and CWR, an
	// ECN-setup SYN-ACK carries ECE only.
	if passive {
		c.ecnEnabled = c.opts.ECN && s.flagsAreSet(header.TCPFlagEce|header.TCPFlagCwr)
	} else {
		c.ecnEnabled = c.ecnSynSent && s.flagIsSet(header.TCPFlagEce) && !s.flagIsSet(header.TCPFlagCwr)
	}

	c.logger.Debugf("negotiated mss %d ws %t (%d/%d) sack %t ts %t ecn %t",
		c.sndMSS, c.wsEnabled, c.sndWndScale, c.rcvWndScale, c.sackEnabled, c.tsEnabled, c.ecnEnabled)
}

// pawsReject applies PAWS (RFC 7323 section 5.3) and returns true if s must
// be dropped.
func (c *Connection) pawsReject(s *segment) bool {
	if !c.tsEnabled || !s.parsedOptions.TS || s.flagIsSet(header.TCPFlagRst) {
		return false
	}
	if int32(s.parsedOptions.TSVal-c.tsRecent) >= 0 {
		return false
	}
	if c.now().Sub(c.tsRecentAge) > pawsIdleLimit {
		// tsRecent is too old to compare against.
		c.tsRecent = s.parsedOptions.TSVal
		c.tsRecentAge = c.now()
		return false
	}
	return true
}

// updateTSRecent records the peer's timestamp if s covers the last ACK sent
// (RFC 7323 section 4.3).
func (c *Connection) updateTSRecent(s *segment) {
	if !c.tsEnabled || !s.parsedOptions.TS {
		return
	}
	if s.sequenceNumber.LessThanEq(c.lastAckSent) && c.lastAckSent.LessThanEq(s.sequenceNumber.Add(s.logicalLen())) {
		c.tsRecent = s.parsedOptions.TSVal
		c.tsRecentAge = c.now()
	}
}

// processSACKOption marks the blocks of an incoming SACK option on the
// scoreboard and returns the number of blocks read.
func (c *Connection) processSACKOption(s *segment) int {
	blocks := s.parsedOptions.SACKBlocks
	if len(blocks) == 0 {
		return 0
	}
	first := blocks[0]
	// RFC 2883 section 4: the first block is a D-SACK if it lies below the
	// cumulative ACK or inside the second block.
	if first.End.LessThanEq(s.ackNumber) || (len(blocks) > 1 && blocks[1].Contains(first)) {
		c.logger.Debugf("D-SACK [%d, %d)", first.Start, first.End)
		blocks = blocks[1:]
	}
	for _, b := range blocks {
		if !b.Start.LessThan(b.End) || b.End.LessThanEq(c.sndUna) || c.sndMax.LessThan(b.End) {
			continue
		}
		c.scoreboard.SetSackedBit(seqnum.Max(b.Start, c.sndUna), b.End)
	}
	c.stats.SACKsReceived += uint64(len(s.parsedOptions.SACKBlocks))
	c.sackedBytes = c.scoreboard.TotalSackedBytes()
	return len(s.parsedOptions.SACKBlocks)
}

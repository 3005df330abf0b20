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
	"fmt"
	"strings"

	"github.com/google/btree"

	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

// ScoreboardRegion describes one region of the scoreboard.
type ScoreboardRegion struct {
	Start     seqnum.Value
	End       seqnum.Value
	Sacked    bool
	Rexmitted bool
}

type sbRegion struct {
	begin     seqnum.Value
	end       seqnum.Value
	sacked    bool
	rexmitted bool
}

func (r *sbRegion) size() seqnum.Size {
	return r.begin.Size(r.end)
}

func (r *sbRegion) sameAttrs(o *sbRegion) bool {
	return r.sacked == o.sacked && r.rexmitted == o.rexmitted
}

func sbRegionLess(a, b *sbRegion) bool {
	return a.begin.LessThan(b.begin)
}

// SACKScoreboard tracks, for every byte sent but not yet cumulatively
// acknowledged, whether the peer has selectively acknowledged it and whether
// it has been retransmitted.
//
// The regions form an ordered partition of [begin, end): they never overlap,
// leave no gaps, and adjacent regions always differ in at least one attribute.
type SACKScoreboard struct {
	begin seqnum.Value
	end   seqnum.Value

	// regions is keyed by begin.
	regions *btree.BTreeG[*sbRegion]
}

// NewSACKScoreboard returns an empty scoreboard anchored at seq.
func NewSACKScoreboard(seq seqnum.Value) *SACKScoreboard {
	s := &SACKScoreboard{}
	s.Init(seq)
	return s
}

// Init empties the scoreboard and anchors it at seq.
func (s *SACKScoreboard) Init(seq seqnum.Value) {
	s.begin = seq
	s.end = seq
	s.regions = btree.NewG[*sbRegion](4, sbRegionLess)
}

// Begin returns the first sequence number tracked.
func (s *SACKScoreboard) Begin() seqnum.Value {
	return s.begin
}

// End returns the sequence number following the last byte tracked.
func (s *SACKScoreboard) End() seqnum.Value {
	return s.end
}

// regionAt returns the region containing seq.
func (s *SACKScoreboard) regionAt(seq seqnum.Value) *sbRegion {
	if !seq.InRange(s.begin, s.end) {
		return nil
	}
	var found *sbRegion
	s.regions.DescendLessOrEqual(&sbRegion{begin: seq}, func(r *sbRegion) bool {
		found = r
		return false
	})
	if found != nil && !seq.InRange(found.begin, found.end) {
		return nil
	}
	return found
}

// split makes seq a region boundary.
func (s *SACKScoreboard) split(seq seqnum.Value) {
	r := s.regionAt(seq)
	if r == nil || r.begin == seq {
		return
	}
	tail := &sbRegion{begin: seq, end: r.end, sacked: r.sacked, rexmitted: r.rexmitted}
	r.end = seq
	s.regions.ReplaceOrInsert(tail)
}

// coalesce merges adjacent regions with equal attributes.
func (s *SACKScoreboard) coalesce() {
	var prev *sbRegion
	var dead []*sbRegion
	s.regions.Ascend(func(r *sbRegion) bool {
		if prev != nil && prev.end == r.begin && prev.sameAttrs(r) {
			prev.end = r.end
			dead = append(dead, r)
			return true
		}
		prev = r
		return true
	})
	for _, r := range dead {
		s.regions.Delete(r)
	}
}

// update applies fn to every region within [from, to), clipped to the
// scoreboard's span.
func (s *SACKScoreboard) update(from, to seqnum.Value, fn func(r *sbRegion)) {
	if from.LessThan(s.begin) {
		from = s.begin
	}
	if s.end.LessThan(to) {
		to = s.end
	}
	if !from.LessThan(to) {
		return
	}
	s.split(from)
	s.split(to)
	s.regions.AscendGreaterOrEqual(&sbRegion{begin: from}, func(r *sbRegion) bool {
		if !r.begin.LessThan(to) {
			return false
		}
		fn(r)
		return true
	})
	s.coalesce()
}

// EnqueueSentData records that [from, to) was sent. Bytes already tracked are
// marked retransmitted; bytes beyond the current end are appended as sent
// once.
func (s *SACKScoreboard) EnqueueSentData(from, to seqnum.Value) {
	if !from.LessThan(to) {
		return
	}
	s.update(from, to, func(r *sbRegion) { r.rexmitted = true })
	if s.end.LessThan(to) {
		s.regions.ReplaceOrInsert(&sbRegion{begin: s.end, end: to})
		s.end = to
		s.coalesce()
	}
}

// DiscardUpTo forgets every byte before seq.
func (s *SACKScoreboard) DiscardUpTo(seq seqnum.Value) {
	if !s.begin.LessThan(seq) {
		return
	}
	if s.end.LessThan(seq) {
		s.Init(seq)
		return
	}
	s.split(seq)
	for {
		r, ok := s.regions.Min()
		if !ok || !r.begin.LessThan(seq) {
			break
		}
		s.regions.DeleteMin()
	}
	s.begin = seq
}

// SetSackedBit marks [from, to) as selectively acknowledged. The part of the
// range outside the scoreboard is ignored.
func (s *SACKScoreboard) SetSackedBit(from, to seqnum.Value) {
	s.update(from, to, func(r *sbRegion) { r.sacked = true })
}

// ResetSackedBit clears the sacked attribute everywhere.
func (s *SACKScoreboard) ResetSackedBit() {
	s.regions.Ascend(func(r *sbRegion) bool {
		r.sacked = false
		return true
	})
	s.coalesce()
}

// ResetRexmittedBit clears the retransmitted attribute everywhere.
func (s *SACKScoreboard) ResetRexmittedBit() {
	s.regions.Ascend(func(r *sbRegion) bool {
		r.rexmitted = false
		return true
	})
	s.coalesce()
}

// CheckSackBlock returns the number of bytes from seq to the end of the region
// containing seq, and that region's attributes. It returns zeros if seq is not
// tracked.
func (s *SACKScoreboard) CheckSackBlock(seq seqnum.Value) (length uint32, sacked, rexmitted bool) {
	r := s.regionAt(seq)
	if r == nil {
		return 0, false, false
	}
	return uint32(seq.Size(r.end)), r.sacked, r.rexmitted
}

// IsSacked returns true if seq has been selectively acknowledged.
func (s *SACKScoreboard) IsSacked(seq seqnum.Value) bool {
	_, sacked, _ := s.CheckSackBlock(seq)
	return sacked
}

// HighestSackedSeqNum returns the end of the highest sacked region, or Begin
// if nothing is sacked.
func (s *SACKScoreboard) HighestSackedSeqNum() seqnum.Value {
	return s.highest(func(r *sbRegion) bool { return r.sacked })
}

// HighestRexmittedSeqNum returns the end of the highest retransmitted region,
// or Begin if nothing was retransmitted.
func (s *SACKScoreboard) HighestRexmittedSeqNum() seqnum.Value {
	return s.highest(func(r *sbRegion) bool { return r.rexmitted })
}

func (s *SACKScoreboard) highest(match func(r *sbRegion) bool) seqnum.Value {
	seq := s.begin
	s.regions.Descend(func(r *sbRegion) bool {
		if match(r) {
			seq = r.end
			return false
		}
		return true
	})
	return seq
}

// TotalSackedBytes returns the number of sacked bytes.
func (s *SACKScoreboard) TotalSackedBytes() uint32 {
	return s.SackedBytesAbove(s.begin)
}

// SackedBytesAbove returns the number of sacked bytes at or above seq.
func (s *SACKScoreboard) SackedBytesAbove(seq seqnum.Value) uint32 {
	var n uint32
	s.regions.Ascend(func(r *sbRegion) bool {
		if !r.sacked || !seq.LessThan(r.end) {
			return true
		}
		start := seqnum.Max(seq, r.begin)
		n += uint32(start.Size(r.end))
		return true
	})
	return n
}

// NumDiscontiguousSacksAbove returns the number of separate sacked runs lying
// at or above seq.
func (s *SACKScoreboard) NumDiscontiguousSacksAbove(seq seqnum.Value) int {
	n := 0
	prevSacked := false
	s.regions.Ascend(func(r *sbRegion) bool {
		if r.sacked && !prevSacked && seq.LessThan(r.end) {
			n++
		}
		prevSacked = r.sacked
		return true
	})
	return n
}

// NumRexmittedBytes returns the number of retransmitted bytes in [from, to).
func (s *SACKScoreboard) NumRexmittedBytes(from, to seqnum.Value) uint32 {
	var n uint32
	s.regions.Ascend(func(r *sbRegion) bool {
		if !r.rexmitted {
			return true
		}
		lo, hi := seqnum.Max(from, r.begin), seqnum.Min(to, r.end)
		if lo.LessThan(hi) {
			n += uint32(lo.Size(hi))
		}
		return true
	})
	return n
}

// Regions returns a copy of the partition in sequence order.
func (s *SACKScoreboard) Regions() []ScoreboardRegion {
	var out []ScoreboardRegion
	s.regions.Ascend(func(r *sbRegion) bool {
		out = append(out, ScoreboardRegion{Start: r.begin, End: r.end, Sacked: r.sacked, Rexmitted: r.rexmitted})
		return true
	})
	return out
}

// checkInvariants returns an error if the regions do not partition
// [begin, end).
func (s *SACKScoreboard) checkInvariants() error {
	next := s.begin
	var prev *sbRegion
	var err error
	s.regions.Ascend(func(r *sbRegion) bool {
		switch {
		case r.begin != next:
			err = fmt.Errorf("region [%d, %d) does not start at %d", r.begin, r.end, next)
		case !r.begin.LessThan(r.end):
			err = fmt.Errorf("empty region [%d, %d)", r.begin, r.end)
		case prev != nil && prev.sameAttrs(r):
			err = fmt.Errorf("regions [%d, %d) and [%d, %d) not merged", prev.begin, prev.end, r.begin, r.end)
		}
		next = r.end
		prev = r
		return err == nil
	})
	if err == nil && next != s.end {
		err = fmt.Errorf("regions end at %d, want %d", next, s.end)
	}
	return err
}

func (s *SACKScoreboard) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scoreboard[%d, %d):", s.begin, s.end)
	s.regions.Ascend(func(r *sbRegion) bool {
		flags := ""
		if r.sacked {
			flags += "S"
		}
		if r.rexmitted {
			flags += "R"
		}
		fmt.Fprintf(&b, " [%d, %d)%s", r.begin, r.end, flags)
		return true
	})
	return b.String()
}

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
	"github.com/google/btree"

	"github.com/inet-go/tcpsim/pkg/tcpip/header"
	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

// rcvRegion is a contiguous run of received bytes.
type rcvRegion struct {
	start seqnum.Value
	data  []byte
}

func (r *rcvRegion) end() seqnum.Value {
	return r.start.Add(seqnum.Size(len(r.data)))
}

func rcvRegionLess(a, b *rcvRegion) bool {
	return a.start.LessThan(b.start)
}

// ReceiveQueue reassembles received bytes into the in-order stream handed to
// the application.
//
// The queue holds the bytes from FirstSeq, the first byte not yet delivered,
// up to the highest byte received. Bytes in [FirstSeq, rcvNxt) are contiguous
// and deliverable; regions above rcvNxt were received out of order. Stored
// regions never overlap and adjacent regions are merged.
type ReceiveQueue struct {
	firstSeq seqnum.Value
	rcvNxt   seqnum.Value
	buffered uint32

	// regions is keyed by start sequence number.
	regions *btree.BTreeG[*rcvRegion]
}

// NewReceiveQueue returns an empty queue expecting start next.
func NewReceiveQueue(start seqnum.Value) *ReceiveQueue {
	q := &ReceiveQueue{}
	q.Init(start)
	return q
}

// Init empties the queue and sets the next expected sequence number.
func (q *ReceiveQueue) Init(start seqnum.Value) {
	q.firstSeq = start
	q.rcvNxt = start
	q.buffered = 0
	q.regions = btree.NewG[*rcvRegion](4, rcvRegionLess)
}

// FirstSeq returns the sequence number of the first undelivered byte.
func (q *ReceiveQueue) FirstSeq() seqnum.Value {
	return q.firstSeq
}

// RcvNxt returns the sequence number following the contiguous prefix.
func (q *ReceiveQueue) RcvNxt() seqnum.Value {
	return q.rcvNxt
}

// regionAtOrBefore returns the last region starting at or before seq.
func (q *ReceiveQueue) regionAtOrBefore(seq seqnum.Value) *rcvRegion {
	var found *rcvRegion
	q.regions.DescendLessOrEqual(&rcvRegion{start: seq}, func(r *rcvRegion) bool {
		found = r
		return false
	})
	return found
}

// Insert stores data received at seq and returns the updated rcvNxt. Bytes
// below rcvNxt are already held and are trimmed.
func (q *ReceiveQueue) Insert(seq seqnum.Value, data []byte) seqnum.Value {
	if len(data) == 0 {
		return q.rcvNxt
	}
	end := seq.Add(seqnum.Size(len(data)))
	if end.LessThanEq(q.rcvNxt) {
		return q.rcvNxt
	}
	if seq.LessThan(q.rcvNxt) {
		data = data[seq.Size(q.rcvNxt):]
		seq = q.rcvNxt
	}

	// Collect every region that overlaps or touches [seq, end).
	start := seq
	var merged []*rcvRegion
	if r := q.regionAtOrBefore(seq); r != nil && seq.LessThanEq(r.end()) {
		start = r.start
		merged = append(merged, r)
	}
	q.regions.AscendGreaterOrEqual(&rcvRegion{start: seq}, func(r *rcvRegion) bool {
		if end.LessThan(r.start) {
			return false
		}
		if len(merged) == 0 || merged[len(merged)-1] != r {
			merged = append(merged, r)
		}
		return true
	})
	newEnd := end
	for _, r := range merged {
		newEnd = seqnum.Max(newEnd, r.end())
	}

	// Existing bytes take precedence; the new segment fills the gaps.
	buf := make([]byte, start.Size(newEnd))
	copy(buf[start.Size(seq):], data)
	for _, r := range merged {
		copy(buf[start.Size(r.start):], r.data)
		q.regions.Delete(r)
		q.buffered -= uint32(len(r.data))
	}
	q.regions.ReplaceOrInsert(&rcvRegion{start: start, data: buf})
	q.buffered += uint32(len(buf))

	if r := q.regionAtOrBefore(q.rcvNxt); r != nil && q.rcvNxt.LessThan(r.end()) {
		q.rcvNxt = r.end()
	}
	return q.rcvNxt
}

// ExtractUpTo removes and returns the contiguous bytes below seq. It returns
// false when nothing is deliverable; callers loop until then.
func (q *ReceiveQueue) ExtractUpTo(seq seqnum.Value) ([]byte, bool) {
	r, ok := q.regions.Min()
	if !ok || r.start != q.firstSeq || !r.start.LessThan(seq) {
		return nil, false
	}
	n := min(uint32(r.start.Size(seq)), uint32(len(r.data)))
	out := r.data[:n:n]
	q.regions.Delete(r)
	if rest := r.data[n:]; len(rest) > 0 {
		q.regions.ReplaceOrInsert(&rcvRegion{start: r.start.Add(seqnum.Size(n)), data: rest})
	}
	q.buffered -= n
	q.firstSeq = q.firstSeq.Add(seqnum.Size(n))
	return out, true
}

// BufferedByteCount returns the number of bytes held, in order or not.
func (q *ReceiveQueue) BufferedByteCount() uint32 {
	return q.buffered
}

// AmountOfBufferedBytes returns the number of bytes ready for delivery.
func (q *ReceiveQueue) AmountOfBufferedBytes() uint32 {
	return uint32(q.firstSeq.Size(q.rcvNxt))
}

// FreeByteCount returns how much of a maxBuffer-sized buffer is unused.
func (q *ReceiveQueue) FreeByteCount(maxBuffer uint32) uint32 {
	if q.buffered >= maxBuffer {
		return 0
	}
	return maxBuffer - q.buffered
}

// LeftEdge returns the start of the stored region containing or ending at
// seq, or seq itself if there is none.
func (q *ReceiveQueue) LeftEdge(seq seqnum.Value) seqnum.Value {
	if r := q.regionAtOrBefore(seq); r != nil && seq.LessThanEq(r.end()) {
		return r.start
	}
	return seq
}

// RightEdge returns the end of the stored region containing or starting at
// seq, or seq itself if there is none.
func (q *ReceiveQueue) RightEdge(seq seqnum.Value) seqnum.Value {
	if r := q.regionAtOrBefore(seq); r != nil && seq.LessThanEq(r.end()) {
		return r.end()
	}
	return seq
}

// Regions returns the stored regions in sequence order.
func (q *ReceiveQueue) Regions() []header.SACKBlock {
	var out []header.SACKBlock
	q.regions.Ascend(func(r *rcvRegion) bool {
		out = append(out, header.SACKBlock{Start: r.start, End: r.end()})
		return true
	})
	return out
}

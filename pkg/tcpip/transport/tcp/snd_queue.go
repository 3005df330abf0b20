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
	"math"

	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

// maxSendQueueSpan is the largest number of bytes the send queue may hold.
// Anything larger would make sequence comparisons across the queue ambiguous.
const maxSendQueueSpan = math.MaxInt32

// SendQueue holds application data from the first unacknowledged byte to the
// last byte written by the application, addressed by sequence number.
//
// The queue covers [BufferStartSeq, BufferEndSeq). The start only moves when
// data is cumulatively acknowledged and the end only moves when the
// application enqueues more data.
type SendQueue struct {
	begin seqnum.Value
	data  []byte
}

// NewSendQueue returns an empty queue anchored at start.
func NewSendQueue(start seqnum.Value) *SendQueue {
	q := &SendQueue{}
	q.Init(start)
	return q
}

// Init empties the queue and anchors it at start.
func (q *SendQueue) Init(start seqnum.Value) {
	q.begin = start
	q.data = nil
}

// Enqueue appends b to the queue.
func (q *SendQueue) Enqueue(b []byte) error {
	if len(q.data)+len(b) > maxSendQueueSpan {
		return fmt.Errorf("enqueue %d bytes onto %d: %w", len(b), len(q.data), &tcpip.ErrQueueFull{})
	}
	q.data = append(q.data, b...)
	return nil
}

// BufferStartSeq returns the sequence number of the first byte held.
func (q *SendQueue) BufferStartSeq() seqnum.Value {
	return q.begin
}

// BufferEndSeq returns the sequence number following the last byte held.
func (q *SendQueue) BufferEndSeq() seqnum.Value {
	return q.begin.Add(seqnum.Size(len(q.data)))
}

// BytesAvailable returns the number of bytes held from seq onwards. It
// returns zero if seq lies outside the queue.
func (q *SendQueue) BytesAvailable(seq seqnum.Value) uint32 {
	end := q.BufferEndSeq()
	if !seq.InRange(q.begin, end) {
		return 0
	}
	return uint32(seq.Size(end))
}

// CreateSegment returns a copy of up to maxBytes bytes starting at seq.
//
// Precondition: seq lies within [BufferStartSeq, BufferEndSeq].
func (q *SendQueue) CreateSegment(seq seqnum.Value, maxBytes uint32) []byte {
	end := q.BufferEndSeq()
	if !seq.InRange(q.begin, end.Add(1)) {
		panic(fmt.Sprintf("CreateSegment: seq %d outside send queue [%d, %d)", seq, q.begin, end))
	}
	off := int(q.begin.Size(seq))
	n := min(int(maxBytes), len(q.data)-off)
	b := make([]byte, n)
	copy(b, q.data[off:off+n])
	return b
}

// DiscardUpTo releases the bytes before seq.
//
// Precondition: seq lies within [BufferStartSeq, BufferEndSeq].
func (q *SendQueue) DiscardUpTo(seq seqnum.Value) {
	end := q.BufferEndSeq()
	if !seq.InRange(q.begin, end.Add(1)) {
		panic(fmt.Sprintf("DiscardUpTo: seq %d outside send queue [%d, %d]", seq, q.begin, end))
	}
	n := q.begin.Size(seq)
	q.data = q.data[n:]
	q.begin = seq
	if len(q.data) == 0 {
		q.data = nil
	}
}

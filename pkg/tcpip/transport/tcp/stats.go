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

// ConnectionStats are the counters kept by one connection. Connections are
// driven by a single goroutine, so the counters are plain integers.
type ConnectionStats struct {
	// SegmentsSent counts every segment sent, retransmissions included.
	SegmentsSent uint64

	// SegmentsReceived counts segments delivered to the connection.
	SegmentsReceived uint64

	// BytesSent counts payload bytes sent, retransmissions included.
	BytesSent uint64

	// BytesReceived counts in-order payload bytes handed to the
	// application.
	BytesReceived uint64

	// Retransmits counts retransmitted segments.
	Retransmits uint64

	// FastRetransmits counts fast retransmit events.
	FastRetransmits uint64

	// Timeouts counts retransmission timer expirations.
	Timeouts uint64

	// DupAcksReceived counts duplicate ACKs.
	DupAcksReceived uint64

	// SACKsSent counts SACK blocks sent; DSACKsSent counts the D-SACK ones
	// among them.
	SACKsSent  uint64
	DSACKsSent uint64

	// SACKsReceived counts SACK blocks received.
	SACKsReceived uint64

	// OutOfOrder counts segments stored out of order.
	OutOfOrder uint64

	// NotAcceptable counts segments failing the acceptability test.
	NotAcceptable uint64

	// PAWSDrops counts segments dropped by PAWS.
	PAWSDrops uint64

	// RcvQueueDrops counts segments dropped for lack of buffer space.
	RcvQueueDrops uint64

	// ZeroWindowProbes counts persist probes.
	ZeroWindowProbes uint64

	// KeepalivesSent counts keepalive probes.
	KeepalivesSent uint64

	// ECNReductions counts congestion window reductions caused by ECE.
	ECNReductions uint64
}

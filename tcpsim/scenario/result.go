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

package scenario

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/link/pipe"
	"github.com/inet-go/tcpsim/pkg/tcpip/transport/tcp"
)

// Outcomes of a connection, named after the terminal indication of the
// client side.
const (
	OutcomeClosed   = "closed"
	OutcomeReset    = "reset"
	OutcomeRefused  = "refused"
	OutcomeTimedOut = "timed_out"

	// OutcomeOpen means no terminal indication arrived before the
	// scenario ended.
	OutcomeOpen = "open"
)

// WireUnseen is the wire state of a connection whose SYN never left the
// client.
const WireUnseen = "unseen"

var outcomes = map[tcp.IndicationKind]string{
	tcp.IndicationClosed:            OutcomeClosed,
	tcp.IndicationConnectionReset:   OutcomeReset,
	tcp.IndicationConnectionRefused: OutcomeRefused,
	tcp.IndicationTimedOut:          OutcomeTimedOut,
}

func validOutcome(s string) bool {
	if s == OutcomeOpen {
		return true
	}
	for _, o := range outcomes {
		if o == s {
			return true
		}
	}
	return false
}

// Expect lists conditions a connection must meet. Unset fields are not
// checked.
type Expect struct {
	Outcome string `yaml:"outcome"`

	// Intact requires (or forbids) that both directions delivered exactly
	// the bytes sent.
	Intact *bool `yaml:"intact"`

	// MaxRetransmits and MaxTimeouts bound the client's counters.
	MaxRetransmits *uint64 `yaml:"max_retransmits"`
	MaxTimeouts    *uint64 `yaml:"max_timeouts"`

	// MinFastRetransmits is a lower bound on the client's fast
	// retransmissions.
	MinFastRetransmits uint64 `yaml:"min_fast_retransmits"`

	// CompleteWithin bounds the time from the open to the client's
	// terminal indication.
	CompleteWithin time.Duration `yaml:"complete_within"`
}

func (e *Expect) validate() error {
	if e.Outcome != "" && !validOutcome(e.Outcome) {
		return fmt.Errorf("unknown outcome %q", e.Outcome)
	}
	if e.CompleteWithin < 0 {
		return fmt.Errorf("negative complete_within %v", e.CompleteWithin)
	}
	return nil
}

// check returns the unmet conditions of e for r.
func (e *Expect) check(r *ConnectionResult) []string {
	var failures []string
	if e.Outcome != "" && r.Outcome != e.Outcome {
		failures = append(failures, fmt.Sprintf("outcome %s, want %s", r.Outcome, e.Outcome))
	}
	if e.Intact != nil && r.Intact != *e.Intact {
		failures = append(failures, fmt.Sprintf("intact %t, want %t", r.Intact, *e.Intact))
	}
	if e.MaxRetransmits != nil && r.Client.Retransmits > *e.MaxRetransmits {
		failures = append(failures, fmt.Sprintf("%d retransmits, want at most %d", r.Client.Retransmits, *e.MaxRetransmits))
	}
	if e.MaxTimeouts != nil && r.Client.Timeouts > *e.MaxTimeouts {
		failures = append(failures, fmt.Sprintf("%d timeouts, want at most %d", r.Client.Timeouts, *e.MaxTimeouts))
	}
	if r.Client.FastRetransmits < e.MinFastRetransmits {
		failures = append(failures, fmt.Sprintf("%d fast retransmits, want at least %d", r.Client.FastRetransmits, e.MinFastRetransmits))
	}
	if e.CompleteWithin > 0 {
		if r.Completed < 0 {
			failures = append(failures, fmt.Sprintf("not complete, want within %v", e.CompleteWithin))
		} else if r.Completed > e.CompleteWithin {
			failures = append(failures, fmt.Sprintf("completed after %v, want within %v", r.Completed, e.CompleteWithin))
		}
	}
	return failures
}

// Result is the outcome of one scenario run.
type Result struct {
	Scenario string

	// RunID distinguishes runs of the same scenario, for instance in pcap
	// file names.
	RunID uuid.UUID

	// Elapsed is the simulated time the run covered.
	Elapsed time.Duration

	// Events is the number of scheduler events executed.
	Events uint64

	Connections []*ConnectionResult

	// ClientToServer and ServerToClient are the link counters of each
	// direction.
	ClientToServer LinkStats
	ServerToClient LinkStats

	Client ProtocolStats
	Server ProtocolStats
}

// Passed reports whether every connection met its expectations.
func (r *Result) Passed() bool {
	for _, c := range r.Connections {
		if len(c.Failures) > 0 {
			return false
		}
	}
	return true
}

// String summarizes r in a few lines.
func (r *Result) String() string {
	var b strings.Builder
	status := "PASS"
	if !r.Passed() {
		status = "FAIL"
	}
	fmt.Fprintf(&b, "%s %s [%s] %v simulated, %d events\n", status, r.Scenario, r.RunID, r.Elapsed, r.Events)
	for _, c := range r.Connections {
		fmt.Fprintf(&b, "  %s: %s (wire %s)", c.Name, c.Outcome, c.Wire)
		if c.Completed >= 0 {
			fmt.Fprintf(&b, " after %v", c.Completed)
		}
		fmt.Fprintf(&b, ", sent %d/%d, received %d/%d, %d retransmits (%d fast, %d timeouts)\n",
			c.Delivered, c.Send, c.Received, c.Reply, c.Client.Retransmits, c.Client.FastRetransmits, c.Client.Timeouts)
		for _, f := range c.Failures {
			fmt.Fprintf(&b, "    unmet: %s\n", f)
		}
	}
	return b.String()
}

// ConnectionResult is the outcome of one connection.
type ConnectionResult struct {
	Name string
	ID   tcpip.TransportEndpointID

	// Outcome is how the client side ended; ServerOutcome how the server
	// side did.
	Outcome       string
	ServerOutcome string

	// Wire is the state of the connection as the client's segments show
	// it: connecting, alive, reset, closed_by_self or closed_by_peer. It is
	// WireUnseen if the client never sent a SYN.
	Wire string

	// Established and Completed are measured from the open. They are
	// negative if the event did not happen.
	Established time.Duration
	Completed   time.Duration

	// Send and Reply are the requested transfer sizes. Delivered and
	// Received count what the server and the client got.
	Send      int
	Reply     int
	Delivered int
	Received  int

	// Intact reports whether both directions delivered exactly the bytes
	// sent.
	Intact bool

	// Client and Server are the connection counters of each side, as of
	// its terminal indication or the end of the run.
	Client tcp.ConnectionStats
	Server tcp.ConnectionStats

	// Failures lists the unmet expectations.
	Failures []string
}

// LinkStats are the counters of one link direction.
type LinkStats struct {
	Sent          uint64
	Delivered     uint64
	Lost          uint64
	QueueDrops    uint64
	Undeliverable uint64
	Bytes         uint64
}

func linkStats(s *pipe.Stats) LinkStats {
	return LinkStats{
		Sent:          s.Sent.Value(),
		Delivered:     s.Delivered.Value(),
		Lost:          s.Lost.Value(),
		QueueDrops:    s.QueueDrops.Value(),
		Undeliverable: s.Undeliverable.Value(),
		Bytes:         s.Bytes.Value(),
	}
}

// ProtocolStats are the host-wide TCP counters.
type ProtocolStats struct {
	ActiveOpenings            uint64
	PassiveOpenings           uint64
	FailedConnectionAttempts  uint64
	SegmentsSent              uint64
	ValidSegmentsReceived     uint64
	InvalidSegmentsReceived   uint64
	ResetsSent                uint64
	ResetsReceived            uint64
	Retransmits               uint64
	FastRetransmits           uint64
	Timeouts                  uint64
	ChecksumErrors            uint64
	SegmentsDroppedNoEndpoint uint64
}

func protocolStats(s *tcpip.Stats) ProtocolStats {
	t := &s.TCP
	return ProtocolStats{
		ActiveOpenings:            t.ActiveConnectionOpenings.Value(),
		PassiveOpenings:           t.PassiveConnectionOpenings.Value(),
		FailedConnectionAttempts:  t.FailedConnectionAttempts.Value(),
		SegmentsSent:              t.SegmentsSent.Value(),
		ValidSegmentsReceived:     t.ValidSegmentsReceived.Value(),
		InvalidSegmentsReceived:   t.InvalidSegmentsReceived.Value(),
		ResetsSent:                t.ResetsSent.Value(),
		ResetsReceived:            t.ResetsReceived.Value(),
		Retransmits:               t.Retransmits.Value(),
		FastRetransmits:           t.FastRetransmit.Value(),
		Timeouts:                  t.Timeouts.Value(),
		ChecksumErrors:            t.ChecksumErrors.Value(),
		SegmentsDroppedNoEndpoint: t.SegmentsDroppedNoEndpoint.Value(),
	}
}

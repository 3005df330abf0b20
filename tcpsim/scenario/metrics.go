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
	"io"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/inet-go/tcpsim/pkg/tcpip/transport/tcp"
)

// metricPrefix starts the name of every exported metric.
const metricPrefix = "tcpsim_"

func ptr[T any](v T) *T {
	return &v
}

// family accumulates the samples of one metric.
type family struct {
	mf *dto.MetricFamily
}

func newFamily(name, help string, typ dto.MetricType) *family {
	return &family{mf: &dto.MetricFamily{
		Name: ptr(metricPrefix + name),
		Help: ptr(help),
		Type: ptr(typ),
	}}
}

// add appends a sample. labels alternate names and values.
func (f *family) add(v float64, labels ...string) {
	m := &dto.Metric{}
	for i := 0; i+1 < len(labels); i += 2 {
		m.Label = append(m.Label, &dto.LabelPair{Name: ptr(labels[i]), Value: ptr(labels[i+1])})
	}
	switch f.mf.GetType() {
	case dto.MetricType_COUNTER:
		m.Counter = &dto.Counter{Value: ptr(v)}
	default:
		m.Gauge = &dto.Gauge{Value: ptr(v)}
	}
	f.mf.Metric = append(f.mf.Metric, m)
}

// connCounter is a per-connection counter exported for both sides.
type connCounter struct {
	name  string
	help  string
	value func(*tcp.ConnectionStats) uint64
}

var connCounters = []connCounter{
	{"connection_segments_sent_total", "Segments sent by one side of a connection.", func(s *tcp.ConnectionStats) uint64 { return s.SegmentsSent }},
	{"connection_bytes_sent_total", "Payload bytes sent by one side of a connection, retransmissions included.", func(s *tcp.ConnectionStats) uint64 { return s.BytesSent }},
	{"connection_retransmits_total", "Segments retransmitted by one side of a connection.", func(s *tcp.ConnectionStats) uint64 { return s.Retransmits }},
	{"connection_fast_retransmits_total", "Fast retransmissions by one side of a connection.", func(s *tcp.ConnectionStats) uint64 { return s.FastRetransmits }},
	{"connection_timeouts_total", "Retransmission timeouts of one side of a connection.", func(s *tcp.ConnectionStats) uint64 { return s.Timeouts }},
	{"connection_dup_acks_received_total", "Duplicate acknowledgements received by one side of a connection.", func(s *tcp.ConnectionStats) uint64 { return s.DupAcksReceived }},
	{"connection_out_of_order_total", "Segments received out of order by one side of a connection.", func(s *tcp.ConnectionStats) uint64 { return s.OutOfOrder }},
	{"connection_ecn_reductions_total", "Congestion window reductions caused by ECN by one side of a connection.", func(s *tcp.ConnectionStats) uint64 { return s.ECNReductions }},
}

// WriteMetrics writes results to w in the Prometheus text exposition format.
func WriteMetrics(w io.Writer, results []*Result) error {
	passed := newFamily("run_passed", "Whether every connection of a run met its expectations.", dto.MetricType_GAUGE)
	elapsed := newFamily("run_simulated_seconds", "Simulated time covered by a run.", dto.MetricType_GAUGE)
	events := newFamily("run_events_total", "Scheduler events executed by a run.", dto.MetricType_COUNTER)
	packets := newFamily("link_packets_total", "Packets handled by one direction of the link, by result.", dto.MetricType_COUNTER)
	linkBytes := newFamily("link_bytes_total", "Bytes delivered by one direction of the link.", dto.MetricType_COUNTER)
	outcome := newFamily("connection_outcome", "How a connection ended, as seen by each side.", dto.MetricType_GAUGE)
	wire := newFamily("connection_wire_state", "State of a connection as the client's segments show it.", dto.MetricType_GAUGE)
	completion := newFamily("connection_completion_seconds", "Time from open to the client's terminal indication.", dto.MetricType_GAUGE)
	intact := newFamily("connection_intact", "Whether both directions of a connection delivered exactly the bytes sent.", dto.MetricType_GAUGE)
	counters := make([]*family, len(connCounters))
	for i, c := range connCounters {
		counters[i] = newFamily(c.name, c.help, dto.MetricType_COUNTER)
	}

	for _, r := range results {
		if r == nil {
			continue
		}
		run := []string{"scenario", r.Scenario, "run_id", r.RunID.String()}
		with := func(extra ...string) []string {
			return append(append([]string(nil), run...), extra...)
		}

		passed.add(boolValue(r.Passed()), run...)
		elapsed.add(r.Elapsed.Seconds(), run...)
		events.add(float64(r.Events), run...)
		for _, d := range []struct {
			name  string
			stats LinkStats
		}{{"client_to_server", r.ClientToServer}, {"server_to_client", r.ServerToClient}} {
			for _, p := range []struct {
				result string
				v      uint64
			}{
				{"sent", d.stats.Sent},
				{"delivered", d.stats.Delivered},
				{"lost", d.stats.Lost},
				{"queue_drop", d.stats.QueueDrops},
				{"undeliverable", d.stats.Undeliverable},
			} {
				packets.add(float64(p.v), with("direction", d.name, "result", p.result)...)
			}
			linkBytes.add(float64(d.stats.Bytes), with("direction", d.name)...)
		}

		for _, c := range r.Connections {
			outcome.add(1, with("connection", c.Name, "side", "client", "outcome", c.Outcome)...)
			outcome.add(1, with("connection", c.Name, "side", "server", "outcome", c.ServerOutcome)...)
			if c.Wire != "" {
				wire.add(1, with("connection", c.Name, "state", c.Wire)...)
			}
			if c.Completed >= 0 {
				completion.add(c.Completed.Seconds(), with("connection", c.Name)...)
			}
			intact.add(boolValue(c.Intact), with("connection", c.Name)...)
			for i, cc := range connCounters {
				counters[i].add(float64(cc.value(&c.Client)), with("connection", c.Name, "side", "client")...)
				counters[i].add(float64(cc.value(&c.Server)), with("connection", c.Name, "side", "server")...)
			}
		}
	}

	all := append([]*family{passed, elapsed, events, packets, linkBytes, outcome, wire, completion, intact}, counters...)
	for _, f := range all {
		if len(f.mf.Metric) == 0 {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, f.mf); err != nil {
			return err
		}
	}
	return nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

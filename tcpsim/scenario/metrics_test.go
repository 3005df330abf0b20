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
	"bytes"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// sample returns the value of the sample of family name whose labels include
// want.
func sample(t *testing.T, fams map[string]*dto.MetricFamily, name string, want map[string]string) float64 {
	t.Helper()
	mf, ok := fams[metricPrefix+name]
	if !ok {
		t.Fatalf("no metric family %s", name)
	}
	for _, m := range mf.GetMetric() {
		labels := map[string]string{}
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		match := true
		for k, v := range want {
			if labels[k] != v {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("no sample of %s with labels %v", name, want)
	return 0
}

func TestWriteMetrics(t *testing.T) {
	good := &Result{
		Scenario:       "good",
		RunID:          testRunID,
		Elapsed:        2 * time.Second,
		Events:         42,
		ClientToServer: LinkStats{Sent: 5, Delivered: 4, Lost: 1, Bytes: 400},
		Connections: []*ConnectionResult{{
			Name:          "c1",
			Outcome:       OutcomeClosed,
			ServerOutcome: OutcomeClosed,
			Wire:          "closed_by_self",
			Completed:     500 * time.Millisecond,
			Intact:        true,
		}},
	}
	good.Connections[0].Client.Retransmits = 3
	good.Connections[0].Server.SegmentsSent = 7

	bad := &Result{
		Scenario: "bad",
		RunID:    testRunID,
		Connections: []*ConnectionResult{{
			Name:          "c1",
			Outcome:       OutcomeOpen,
			ServerOutcome: OutcomeOpen,
			Completed:     -1,
			Failures:      []string{"outcome open, want closed"},
		}},
	}

	var buf bytes.Buffer
	if err := WriteMetrics(&buf, []*Result{good, nil, bad}); err != nil {
		t.Fatalf("WriteMetrics failed: %v", err)
	}
	text := buf.String()
	fams, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("output does not parse: %v\n%s", err, text)
	}

	for _, tc := range []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"run_passed", map[string]string{"scenario": "good", "run_id": testRunID.String()}, 1},
		{"run_passed", map[string]string{"scenario": "bad"}, 0},
		{"run_simulated_seconds", map[string]string{"scenario": "good"}, 2},
		{"run_events_total", map[string]string{"scenario": "good"}, 42},
		{"link_packets_total", map[string]string{"scenario": "good", "direction": "client_to_server", "result": "lost"}, 1},
		{"link_packets_total", map[string]string{"scenario": "good", "direction": "client_to_server", "result": "delivered"}, 4},
		{"link_bytes_total", map[string]string{"scenario": "good", "direction": "client_to_server"}, 400},
		{"connection_outcome", map[string]string{"scenario": "bad", "side": "server", "outcome": OutcomeOpen}, 1},
		{"connection_wire_state", map[string]string{"scenario": "good", "connection": "c1", "state": "closed_by_self"}, 1},
		{"connection_completion_seconds", map[string]string{"scenario": "good", "connection": "c1"}, 0.5},
		{"connection_intact", map[string]string{"scenario": "good", "connection": "c1"}, 1},
		{"connection_retransmits_total", map[string]string{"scenario": "good", "side": "client"}, 3},
		{"connection_segments_sent_total", map[string]string{"scenario": "good", "side": "server"}, 7},
	} {
		if got := sample(t, fams, tc.name, tc.labels); got != tc.want {
			t.Errorf("%s%v = %v, want %v", tc.name, tc.labels, got, tc.want)
		}
	}

	// Connections that never completed have no completion sample.
	for _, m := range fams[metricPrefix+"connection_completion_seconds"].GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "scenario" && lp.GetValue() == "bad" {
				t.Errorf("got a completion sample for an open connection")
			}
		}
	}
}

func TestWriteMetricsEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMetrics(&buf, nil); err != nil {
		t.Fatalf("WriteMetrics failed: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("got output for no results:\n%s", buf.String())
	}
}

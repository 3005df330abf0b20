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

package cli

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/inet-go/tcpsim/pkg/log"
)

func TestNewEmitter(t *testing.T) {
	for _, tc := range []struct {
		format string
		want   string
	}{
		{"text", "log.GoogleEmitter"},
		{"json", "log.JSONEmitter"},
		{"logrus", "*log.LogrusEmitter"},
		{"logrus-json", "*log.LogrusEmitter"},
	} {
		t.Run(tc.format, func(t *testing.T) {
			var buf bytes.Buffer
			e := newEmitter(tc.format, &buf)
			if got := fmt.Sprintf("%T", e); got != tc.want {
				t.Errorf("newEmitter(%q) = %s, want %s", tc.format, got, tc.want)
			}
			e.Emit(0, log.Info, time.Unix(0, 0), "segment %d", 7)
			if !strings.Contains(buf.String(), "segment 7") {
				t.Errorf("newEmitter(%q) wrote %q, want it to contain %q", tc.format, buf.String(), "segment 7")
			}
		})
	}
}

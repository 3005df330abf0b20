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

package config

import (
	"context"
	"flag"
	"fmt"
	"reflect"

	"github.com/sethvargo/go-envconfig"
)

// configEnv names the configuration file when --config is not set.
const configEnv = "TCPSIM_CONFIG"

// environment lists the settings that can be overridden from the
// environment. Values are kept as strings and parsed by the flag bound to
// the same setting, so that both accept the same syntax. Empty means unset.
type environment struct {
	LogLevel   string `env:"TCPSIM_LOG_LEVEL" flag:"log-level"`
	LogFormat  string `env:"TCPSIM_LOG_FORMAT" flag:"log-format"`
	LogFile    string `env:"TCPSIM_LOG_FILE" flag:"log-file"`
	LogPackets string `env:"TCPSIM_LOG_PACKETS" flag:"log-packets"`
	PCAPDir    string `env:"TCPSIM_PCAP_DIR" flag:"pcap-dir"`
	SnapLen    string `env:"TCPSIM_SNAP_LEN" flag:"snap-len"`
	Parallel   string `env:"TCPSIM_PARALLEL" flag:"parallel"`
	Seed       string `env:"TCPSIM_SEED" flag:"seed"`
	Checksum   string `env:"TCPSIM_CHECKSUM" flag:"checksum"`

	MSS               string `env:"TCPSIM_TCP_MSS" flag:"tcp-mss"`
	Window            string `env:"TCPSIM_TCP_WINDOW" flag:"tcp-window"`
	RcvBuffer         string `env:"TCPSIM_TCP_RCV_BUFFER" flag:"tcp-rcv-buffer"`
	Nagle             string `env:"TCPSIM_TCP_NAGLE" flag:"tcp-nagle"`
	DelayedACK        string `env:"TCPSIM_TCP_DELAYED_ACK" flag:"tcp-delayed-ack"`
	LimitedTransmit   string `env:"TCPSIM_TCP_LIMITED_TRANSMIT" flag:"tcp-limited-transmit"`
	IncreasedIW       string `env:"TCPSIM_TCP_INCREASED_IW" flag:"tcp-increased-iw"`
	SACK              string `env:"TCPSIM_TCP_SACK" flag:"tcp-sack"`
	WindowScaling     string `env:"TCPSIM_TCP_WINDOW_SCALING" flag:"tcp-window-scaling"`
	WindowScaleFactor string `env:"TCPSIM_TCP_WINDOW_SCALE_FACTOR" flag:"tcp-window-scale-factor"`
	Timestamps        string `env:"TCPSIM_TCP_TIMESTAMPS" flag:"tcp-timestamps"`
	ECN               string `env:"TCPSIM_TCP_ECN" flag:"tcp-ecn"`
	Algorithm         string `env:"TCPSIM_TCP_ALGORITHM" flag:"tcp-algorithm"`
	DupThresh         string `env:"TCPSIM_TCP_DUPTHRESH" flag:"tcp-dupthresh"`
	DataNotification  string `env:"TCPSIM_TCP_DATA_NOTIFICATION" flag:"tcp-data-notification"`
	Keepalive         string `env:"TCPSIM_TCP_KEEPALIVE" flag:"tcp-keepalive"`
	KeepaliveIdle     string `env:"TCPSIM_TCP_KEEPALIVE_IDLE" flag:"tcp-keepalive-idle"`
	KeepaliveInterval string `env:"TCPSIM_TCP_KEEPALIVE_INTERVAL" flag:"tcp-keepalive-interval"`
	KeepaliveCount    string `env:"TCPSIM_TCP_KEEPALIVE_COUNT" flag:"tcp-keepalive-count"`
	TTL               string `env:"TCPSIM_TCP_TTL" flag:"tcp-ttl"`
	TOS               string `env:"TCPSIM_TCP_TOS" flag:"tcp-tos"`
	DSCP              string `env:"TCPSIM_TCP_DSCP" flag:"tcp-dscp"`
}

// applyEnv overrides the settings of c named by environment variables found
// through l.
func (c *Config) applyEnv(ctx context.Context, l envconfig.Lookuper) error {
	var env environment
	if err := envconfig.ProcessWith(ctx, &env, l); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}

	apply := flag.NewFlagSet("env", flag.ContinueOnError)
	bindFlags(apply, c)

	obj := reflect.ValueOf(env)
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		val := obj.Field(i).String()
		if val == "" {
			continue
		}
		f := st.Field(i)
		name := f.Tag.Get("flag")
		if apply.Lookup(name) == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if err := apply.Set(name, val); err != nil {
			return fmt.Errorf("%s=%q: %w", f.Tag.Get("env"), val, err)
		}
	}
	return nil
}

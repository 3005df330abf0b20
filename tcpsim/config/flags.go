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
	"strings"

	"github.com/sethvargo/go-envconfig"

	"github.com/inet-go/tcpsim/pkg/tcpip/transport/tcp"
)

// configFlag names the flag holding the configuration file path.
const configFlag = "config"

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String(configFlag, "", "path of a TOML or YAML configuration file. Flags and TCPSIM_* environment variables override it.")
	bindFlags(flagSet, Default())
}

// bindFlags registers one flag per setting on flagSet, bound to the fields
// of c.
func bindFlags(flagSet *flag.FlagSet, c *Config) {
	// Logging flags.
	flagSet.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: warning, info or debug.")
	flagSet.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text (default), json, logrus or logrus-json.")
	flagSet.StringVar(&c.LogFile, "log-file", c.LogFile, "file path where logs are written, default is stderr.")
	flagSet.BoolVar(&c.LogPackets, "log-packets", c.LogPackets, "log every segment at debug level.")
	flagSet.StringVar(&c.PCAPDir, "pcap-dir", c.PCAPDir, "directory receiving a pcap file per host and scenario run.")
	flagSet.IntVar(&c.SnapLen, "snap-len", c.SnapLen, "number of bytes of each packet written to pcap files.")

	// Simulation flags.
	flagSet.IntVar(&c.Parallel, "parallel", c.Parallel, "number of scenarios simulated concurrently.")
	flagSet.Int64Var(&c.Seed, "seed", c.Seed, "seed of the link loss generators of scenarios that set none.")
	flagSet.StringVar(&c.Checksum, "checksum", c.Checksum, fmt.Sprintf("checksum mode: %s, %s or %s.", tcp.ChecksumComputed, tcp.ChecksumDeclaredCorrect, tcp.ChecksumDeclaredIncorrect))

	// Default TCP options.
	t := &c.TCP
	flagSet.IntVar(&t.MSS, "tcp-mss", t.MSS, "maximum segment size advertised.")
	flagSet.IntVar(&t.AdvertisedWindow, "tcp-window", t.AdvertisedWindow, "receive window advertised.")
	flagSet.IntVar(&t.MaxRcvBuffer, "tcp-rcv-buffer", t.MaxRcvBuffer, "receive buffer size; 0 uses the advertised window.")
	flagSet.BoolVar(&t.Nagle, "tcp-nagle", t.Nagle, "enable Nagle's algorithm.")
	flagSet.BoolVar(&t.DelayedACK, "tcp-delayed-ack", t.DelayedACK, "enable delayed acknowledgements.")
	flagSet.BoolVar(&t.LimitedTransmit, "tcp-limited-transmit", t.LimitedTransmit, "enable RFC 3042 limited transmit.")
	flagSet.BoolVar(&t.IncreasedIW, "tcp-increased-iw", t.IncreasedIW, "enable the RFC 3390 initial window.")
	flagSet.BoolVar(&t.SACK, "tcp-sack", t.SACK, "enable selective acknowledgements.")
	flagSet.BoolVar(&t.WindowScaling, "tcp-window-scaling", t.WindowScaling, "enable the window scale option.")
	flagSet.IntVar(&t.WindowScaleFactor, "tcp-window-scale-factor", t.WindowScaleFactor, "receive window scale; -1 derives it from the receive buffer.")
	flagSet.BoolVar(&t.Timestamps, "tcp-timestamps", t.Timestamps, "enable the timestamp option.")
	flagSet.BoolVar(&t.ECN, "tcp-ecn", t.ECN, "enable explicit congestion notification.")
	flagSet.StringVar(&t.Algorithm, "tcp-algorithm", t.Algorithm, "congestion control algorithm: "+strings.Join(tcp.AlgorithmNames(), ", ")+".")
	flagSet.IntVar(&t.DupThresh, "tcp-dupthresh", t.DupThresh, "duplicate ACKs that trigger fast retransmit.")
	flagSet.BoolVar(&t.DataNotification, "tcp-data-notification", t.DataNotification, "announce received data instead of delivering it.")
	flagSet.BoolVar(&t.Keepalive, "tcp-keepalive", t.Keepalive, "enable keepalive probes.")
	flagSet.DurationVar(&t.KeepaliveIdle, "tcp-keepalive-idle", t.KeepaliveIdle, "idle time before the first keepalive probe.")
	flagSet.DurationVar(&t.KeepaliveInterval, "tcp-keepalive-interval", t.KeepaliveInterval, "spacing of keepalive probes.")
	flagSet.IntVar(&t.KeepaliveCount, "tcp-keepalive-count", t.KeepaliveCount, "unanswered keepalive probes that abort a connection.")
	flagSet.IntVar(&t.TTL, "tcp-ttl", t.TTL, "time-to-live of outgoing packets; 0 uses the network default.")
	flagSet.IntVar(&t.TOS, "tcp-tos", t.TOS, "type of service of outgoing packets.")
	flagSet.IntVar(&t.DSCP, "tcp-dscp", t.DSCP, "DSCP of outgoing packets; overrides the upper bits of tos.")
}

// NewFromFlags creates a new Config from defaults, the configuration file
// named by --config, TCPSIM_* environment variables and the flags explicitly
// set in flagSet, in increasing order of precedence. flagSet must have been
// populated by RegisterFlags and parsed.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	return newFromFlags(context.Background(), flagSet, envconfig.OsLookuper())
}

func newFromFlags(ctx context.Context, flagSet *flag.FlagSet, env envconfig.Lookuper) (*Config, error) {
	conf := Default()

	path := ""
	if fl := flagSet.Lookup(configFlag); fl != nil {
		path = fl.Value.String()
	}
	if path == "" {
		path, _ = env.Lookup(configEnv)
	}
	if path != "" {
		if err := conf.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := conf.applyEnv(ctx, env); err != nil {
		return nil, err
	}

	apply := flag.NewFlagSet("apply", flag.ContinueOnError)
	bindFlags(apply, conf)
	var err error
	flagSet.Visit(func(fl *flag.Flag) {
		if err != nil || fl.Name == configFlag || apply.Lookup(fl.Name) == nil {
			return
		}
		if setErr := apply.Set(fl.Name, fl.Value.String()); setErr != nil {
			err = fmt.Errorf("flag --%s: %w", fl.Name, setErr)
		}
	})
	if err != nil {
		return nil, err
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings equal to their default produce no flag.
func (c *Config) ToFlags() []string {
	defaults := flag.NewFlagSet("defaults", flag.ContinueOnError)
	bindFlags(defaults, Default())
	current := flag.NewFlagSet("current", flag.ContinueOnError)
	bindFlags(current, c)

	var rv []string
	current.VisitAll(func(fl *flag.Flag) {
		if val := fl.Value.String(); val != defaults.Lookup(fl.Name).DefValue {
			rv = append(rv, "--"+fl.Name+"="+val)
		}
	})
	return rv
}

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

// Package config provides basic infrastructure to set configuration settings
// for tcpsim. Each setting that can be changed from the command line must
// have a flag registered in flags.go.
//
// Settings are layered: built-in defaults, then an optional TOML or YAML
// file, then TCPSIM_* environment variables, then command-line flags.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/inet-go/tcpsim/pkg/log"
	"github.com/inet-go/tcpsim/pkg/tcpip/transport/tcp"
)

// Config holds configuration that is not part of a scenario.
type Config struct {
	// LogLevel is the minimum level logged: warning, info or debug.
	LogLevel string `toml:"log_level" yaml:"log_level"`

	// LogFormat is text, json, logrus or logrus-json.
	LogFormat string `toml:"log_format" yaml:"log_format"`

	// LogFile is where logs are written. Empty means stderr.
	LogFile string `toml:"log_file" yaml:"log_file"`

	// LogPackets enables logging of every segment at debug level.
	LogPackets bool `toml:"log_packets" yaml:"log_packets"`

	// PCAPDir, if set, receives one pcap file per host and scenario run.
	PCAPDir string `toml:"pcap_dir" yaml:"pcap_dir"`

	// SnapLen is the number of bytes of each packet captured.
	SnapLen int `toml:"snap_len" yaml:"snap_len"`

	// Parallel is the number of scenarios simulated concurrently.
	Parallel int `toml:"parallel" yaml:"parallel"`

	// Seed seeds the link loss generators of scenarios that set none.
	Seed int64 `toml:"seed" yaml:"seed"`

	// Checksum is the checksum mode of every host: computed,
	// declaredCorrect or declaredIncorrect.
	Checksum string `toml:"checksum" yaml:"checksum"`

	// TCP holds the default connection options.
	TCP TCP `toml:"tcp" yaml:"tcp"`
}

// TCP mirrors tcp.Options with file-friendly types.
type TCP struct {
	MSS               int           `toml:"mss" yaml:"mss"`
	AdvertisedWindow  int           `toml:"advertised_window" yaml:"advertised_window"`
	MaxRcvBuffer      int           `toml:"max_rcv_buffer" yaml:"max_rcv_buffer"`
	Nagle             bool          `toml:"nagle" yaml:"nagle"`
	DelayedACK        bool          `toml:"delayed_ack" yaml:"delayed_ack"`
	LimitedTransmit   bool          `toml:"limited_transmit" yaml:"limited_transmit"`
	IncreasedIW       bool          `toml:"increased_iw" yaml:"increased_iw"`
	SACK              bool          `toml:"sack" yaml:"sack"`
	WindowScaling     bool          `toml:"window_scaling" yaml:"window_scaling"`
	WindowScaleFactor int           `toml:"window_scale_factor" yaml:"window_scale_factor"`
	Timestamps        bool          `toml:"timestamps" yaml:"timestamps"`
	ECN               bool          `toml:"ecn" yaml:"ecn"`
	Algorithm         string        `toml:"algorithm" yaml:"algorithm"`
	DupThresh         int           `toml:"dup_thresh" yaml:"dup_thresh"`
	DataNotification  bool          `toml:"data_notification" yaml:"data_notification"`
	Keepalive         bool          `toml:"keepalive" yaml:"keepalive"`
	KeepaliveIdle     time.Duration `toml:"keepalive_idle" yaml:"keepalive_idle"`
	KeepaliveInterval time.Duration `toml:"keepalive_interval" yaml:"keepalive_interval"`
	KeepaliveCount    int           `toml:"keepalive_count" yaml:"keepalive_count"`
	TTL               int           `toml:"ttl" yaml:"ttl"`
	TOS               int           `toml:"tos" yaml:"tos"`
	DSCP              int           `toml:"dscp" yaml:"dscp"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		SnapLen:   65535,
		Parallel:  1,
		Seed:      1,
		Checksum:  tcp.ChecksumComputed.String(),
		TCP:       FromTCPOptions(tcp.DefaultOptions()),
	}
}

// FromTCPOptions converts engine options to their configuration form.
func FromTCPOptions(o tcp.Options) TCP {
	return TCP{
		MSS:               int(o.MSS),
		AdvertisedWindow:  int(o.AdvertisedWindow),
		MaxRcvBuffer:      int(o.MaxRcvBuffer),
		Nagle:             o.Nagle,
		DelayedACK:        o.DelayedACK,
		LimitedTransmit:   o.LimitedTransmit,
		IncreasedIW:       o.IncreasedIW,
		SACK:              o.SACK,
		WindowScaling:     o.WindowScaling,
		WindowScaleFactor: o.WindowScaleFactor,
		Timestamps:        o.Timestamps,
		ECN:               o.ECN,
		Algorithm:         o.Algorithm,
		DupThresh:         o.DupThresh,
		DataNotification:  o.DataNotification,
		Keepalive:         o.Keepalive,
		KeepaliveIdle:     o.KeepaliveIdle,
		KeepaliveInterval: o.KeepaliveInterval,
		KeepaliveCount:    o.KeepaliveCount,
		TTL:               int(o.TTL),
		TOS:               int(o.TOS),
		DSCP:              int(o.DSCP),
	}
}

// ToTCPOptions converts t to engine options. Call Validate first; values
// out of range are truncated.
func (t *TCP) ToTCPOptions() tcp.Options {
	return tcp.Options{
		MSS:               uint16(t.MSS),
		AdvertisedWindow:  uint32(t.AdvertisedWindow),
		MaxRcvBuffer:      uint32(t.MaxRcvBuffer),
		Nagle:             t.Nagle,
		DelayedACK:        t.DelayedACK,
		LimitedTransmit:   t.LimitedTransmit,
		IncreasedIW:       t.IncreasedIW,
		SACK:              t.SACK,
		WindowScaling:     t.WindowScaling,
		WindowScaleFactor: t.WindowScaleFactor,
		Timestamps:        t.Timestamps,
		ECN:               t.ECN,
		Algorithm:         t.Algorithm,
		DupThresh:         t.DupThresh,
		DataNotification:  t.DataNotification,
		Keepalive:         t.Keepalive,
		KeepaliveIdle:     t.KeepaliveIdle,
		KeepaliveInterval: t.KeepaliveInterval,
		KeepaliveCount:    t.KeepaliveCount,
		TTL:               uint8(t.TTL),
		TOS:               uint8(t.TOS),
		DSCP:              uint8(t.DSCP),
	}
}

// Validate reports every invalid TCP setting.
func (t *TCP) Validate() error {
	var errs *multierror.Error
	for _, f := range []struct {
		name string
		v    int
		max  int
	}{
		{"mss", t.MSS, 0xffff},
		{"advertised_window", t.AdvertisedWindow, 1<<30 - 1},
		{"max_rcv_buffer", t.MaxRcvBuffer, 1<<30 - 1},
		{"ttl", t.TTL, 0xff},
		{"tos", t.TOS, 0xff},
		{"dscp", t.DSCP, 0x3f},
	} {
		if f.v < 0 || f.v > f.max {
			errs = multierror.Append(errs, fmt.Errorf("tcp.%s %d outside [0, %d]", f.name, f.v, f.max))
		}
	}
	if errs.ErrorOrNil() != nil {
		return errs
	}
	opts := t.ToTCPOptions()
	if err := opts.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = multierror.Append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json", "logrus", "logrus-json":
	default:
		errs = multierror.Append(errs, fmt.Errorf("invalid log format %q, must be 'text', 'json', 'logrus' or 'logrus-json'", c.LogFormat))
	}
	if c.SnapLen <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("snap length must be positive, got %d", c.SnapLen))
	}
	if c.Parallel < 1 {
		errs = multierror.Append(errs, fmt.Errorf("parallel must be at least 1, got %d", c.Parallel))
	}
	if _, err := tcp.ParseChecksumMode(c.Checksum); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.TCP.Validate(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// ChecksumMode returns the parsed checksum mode.
func (c *Config) ChecksumMode() tcp.ChecksumMode {
	m, _ := tcp.ParseChecksumMode(c.Checksum)
	return m
}

// Level returns the parsed log level.
func (c *Config) Level() log.Level {
	l, _ := log.ParseLevel(c.LogLevel)
	return l
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	log.Infof("\t\tLogLevel: %s, LogFormat: %s, LogPackets: %t", c.LogLevel, c.LogFormat, c.LogPackets)
	log.Infof("\t\tPCAPDir: %q, SnapLen: %d", c.PCAPDir, c.SnapLen)
	log.Infof("\t\tParallel: %d, Seed: %d, Checksum: %s", c.Parallel, c.Seed, c.Checksum)
	log.Infof("\t\tTCP: %+v", c.TCP)
}

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

// Package scenario loads and runs simulation scenarios. A scenario joins a
// client and a server host with a simulated link and opens a set of
// connections from the client to the server, each transferring a number of
// bytes in either direction. Scenarios are written in YAML; one file may
// hold several documents.
package scenario

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"

	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/link/pipe"
	"github.com/inet-go/tcpsim/pkg/tcpip/transport/tcp"
	"github.com/inet-go/tcpsim/tcpsim/config"
)

const (
	// DefaultDuration bounds the simulated time of scenarios that set none.
	// It leaves room for TIME_WAIT to expire.
	DefaultDuration = 5 * time.Minute

	// DefaultPort is the server port of connections that name none.
	DefaultPort = 80

	defaultClientAddress = "10.0.0.1"
	defaultServerAddress = "10.0.0.2"
)

// Scenario is one simulation.
type Scenario struct {
	Name string `yaml:"name"`

	// Duration bounds the simulated time.
	Duration time.Duration `yaml:"duration"`

	// Seed seeds the link loss generators. Zero uses the configured seed.
	Seed int64 `yaml:"seed"`

	Link   Link `yaml:"link"`
	Client Host `yaml:"client"`
	Server Host `yaml:"server"`

	Connections []*Connection `yaml:"connections"`

	// file is where the scenario was loaded from.
	file string
}

// Link describes the simulated link between the hosts. Both directions
// share the settings.
type Link struct {
	Delay         time.Duration `yaml:"delay"`
	Bandwidth     uint64        `yaml:"bandwidth"`
	Loss          float64       `yaml:"loss"`
	MTU           uint32        `yaml:"mtu"`
	MaxQueueDelay time.Duration `yaml:"max_queue_delay"`

	// DropClient and DropServer list the 1-based indexes of packets sent by
	// the client and by the server that the link drops.
	DropClient []int `yaml:"drop_client"`
	DropServer []int `yaml:"drop_server"`
}

// Host describes one end of the link.
type Host struct {
	Address string `yaml:"address"`

	// Checksum overrides the configured checksum mode.
	Checksum string `yaml:"checksum"`

	// Ports lists the ports the server listens on. If empty the server
	// listens on every port a connection targets. Ignored for the client.
	Ports []uint16 `yaml:"ports"`

	// TCP overrides the configured default connection options. It has the
	// layout of the tcp section of the configuration file.
	TCP yaml.Node `yaml:"tcp"`
}

// Connection is one connection opened by the client.
type Connection struct {
	Name string `yaml:"name"`

	// Start is when the client opens the connection.
	Start time.Duration `yaml:"start"`

	Port uint16 `yaml:"port"`

	// Send is the number of bytes the client sends, Reply the number the
	// server sends back once the connection is established.
	Send  int `yaml:"send"`
	Reply int `yaml:"reply"`

	// KeepOpen stops the client from closing once its data is queued.
	KeepOpen bool `yaml:"keep_open"`

	// Abort makes the client reset the connection at this time after it
	// opened it, if nonzero.
	Abort time.Duration `yaml:"abort"`

	// Algorithm overrides the client's congestion control algorithm.
	Algorithm string `yaml:"algorithm"`

	Expect *Expect `yaml:"expect"`
}

// Load reads every scenario in the file at path.
func Load(path string) ([]*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scs, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, sc := range scs {
		sc.file = path
	}
	return scs, nil
}

// Parse reads every scenario in r.
func Parse(r io.Reader) ([]*Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var scs []*Scenario
	for i := 0; ; i++ {
		sc := &Scenario{}
		err := dec.Decode(sc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i+1, err)
		}
		sc.setDefaults(i)
		scs = append(scs, sc)
	}
	if len(scs) == 0 {
		return nil, fmt.Errorf("no scenarios")
	}
	return scs, nil
}

func (sc *Scenario) setDefaults(index int) {
	if sc.Name == "" {
		sc.Name = fmt.Sprintf("scenario-%d", index+1)
	}
	if sc.Duration == 0 {
		sc.Duration = DefaultDuration
	}
	if sc.Client.Address == "" {
		sc.Client.Address = defaultClientAddress
	}
	if sc.Server.Address == "" {
		sc.Server.Address = defaultServerAddress
	}
	for i, c := range sc.Connections {
		if c.Name == "" {
			c.Name = fmt.Sprintf("conn-%d", i+1)
		}
		if c.Port == 0 {
			c.Port = DefaultPort
		}
	}
}

// String returns the scenario's name and origin.
func (sc *Scenario) String() string {
	if sc.file == "" {
		return sc.Name
	}
	return fmt.Sprintf("%s (%s)", sc.Name, sc.file)
}

// Validate reports every problem of sc under the configuration conf.
func (sc *Scenario) Validate(conf *config.Config) error {
	var errs *multierror.Error
	add := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if sc.Duration < 0 {
		add("negative duration %v", sc.Duration)
	}
	lo := sc.Link.pipeOptions(0)
	if err := lo.Validate(); err != nil {
		add("link: %v", err)
	}
	for _, idx := range append(append([]int(nil), sc.Link.DropClient...), sc.Link.DropServer...) {
		if idx < 1 {
			add("link: drop index %d must be at least 1", idx)
		}
	}

	client, cerr := tcpip.ParseAddress(sc.Client.Address)
	if cerr != nil {
		add("client: %v", cerr)
	}
	server, serr := tcpip.ParseAddress(sc.Server.Address)
	if serr != nil {
		add("server: %v", serr)
	}
	if cerr == nil && serr == nil {
		if client.Family() != server.Family() {
			add("client %s and server %s are of different families", client, server)
		}
		if client == server {
			add("client and server share address %s", client)
		}
	}
	for _, h := range []struct {
		name string
		host *Host
	}{{"client", &sc.Client}, {"server", &sc.Server}} {
		if _, err := h.host.options(conf); err != nil {
			add("%s: %v", h.name, err)
		}
		if h.host.Checksum != "" {
			if _, err := tcp.ParseChecksumMode(h.host.Checksum); err != nil {
				add("%s: %v", h.name, err)
			}
		}
	}

	if len(sc.Connections) == 0 {
		add("no connections")
	}
	names := map[string]bool{}
	for _, c := range sc.Connections {
		if names[c.Name] {
			add("duplicate connection name %q", c.Name)
		}
		names[c.Name] = true
		if c.Start < 0 || c.Start >= sc.Duration {
			add("connection %s: start %v outside [0, %v)", c.Name, c.Start, sc.Duration)
		}
		if c.Send < 0 || c.Reply < 0 {
			add("connection %s: negative transfer size", c.Name)
		}
		if c.Abort < 0 {
			add("connection %s: negative abort time %v", c.Name, c.Abort)
		}
		if c.Algorithm != "" {
			opts := tcp.DefaultOptions()
			opts.Algorithm = c.Algorithm
			if err := opts.Validate(); err != nil {
				add("connection %s: %v", c.Name, err)
			}
		}
		if c.Expect != nil {
			if err := c.Expect.validate(); err != nil {
				add("connection %s: %v", c.Name, err)
			}
		}
	}
	return errs.ErrorOrNil()
}

// options returns the connection options of h: the configured defaults with
// h's overrides applied.
func (h *Host) options(conf *config.Config) (tcp.Options, error) {
	t := deepcopy.Copy(conf.TCP).(config.TCP)
	if !h.TCP.IsZero() {
		if err := h.TCP.Decode(&t); err != nil {
			return tcp.Options{}, fmt.Errorf("tcp: %w", err)
		}
	}
	if err := t.Validate(); err != nil {
		return tcp.Options{}, fmt.Errorf("tcp: %w", err)
	}
	return t.ToTCPOptions(), nil
}

// checksumMode returns the checksum mode of h.
func (h *Host) checksumMode(conf *config.Config) tcp.ChecksumMode {
	if h.Checksum == "" {
		return conf.ChecksumMode()
	}
	m, _ := tcp.ParseChecksumMode(h.Checksum)
	return m
}

// listenPorts returns the ports the server listens on.
func (sc *Scenario) listenPorts() []uint16 {
	if len(sc.Server.Ports) > 0 {
		return sc.Server.Ports
	}
	seen := map[uint16]bool{}
	var ports []uint16
	for _, c := range sc.Connections {
		if !seen[c.Port] {
			seen[c.Port] = true
			ports = append(ports, c.Port)
		}
	}
	return ports
}

// pipeOptions converts l to link options. Drop lists are wired up by the
// runner.
func (l *Link) pipeOptions(seed int64) pipe.Options {
	return pipe.Options{
		Delay:         l.Delay,
		Bandwidth:     l.Bandwidth,
		LossRate:      l.Loss,
		MTU:           l.MTU,
		MaxQueueDelay: l.MaxQueueDelay,
		Seed:          seed,
	}
}

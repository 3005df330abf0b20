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
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/inet-go/tcpsim/pkg/tcpip/header"
)

const (
	// DefaultMSS is the local maximum segment size.
	DefaultMSS = header.TCPDefaultMSS

	// DefaultAdvertisedWindow is the default receive window, 14 segments.
	DefaultAdvertisedWindow = 14 * DefaultMSS

	// DefaultDupThresh is the number of duplicate ACKs that trigger fast
	// retransmit.
	DefaultDupThresh = 3

	// DefaultAlgorithm is the congestion control algorithm used when none
	// is configured.
	DefaultAlgorithm = "TCPReno"

	// MaxTCPWindow is the largest unscaled window.
	MaxTCPWindow = 0xffff

	// DefaultKeepaliveIdle is how long a connection stays idle before the
	// first keepalive probe.
	DefaultKeepaliveIdle = 2 * time.Hour

	// DefaultKeepaliveInterval is the spacing of keepalive probes.
	DefaultKeepaliveInterval = 75 * time.Second

	// DefaultKeepaliveCount is the number of unanswered probes that abort
	// the connection.
	DefaultKeepaliveCount = 9
)

// Options are the per-connection settings. Every connection takes a private
// copy when it is opened; connections forked from a listener clone the
// listener's copy.
type Options struct {
	// MSS is the largest segment payload this end is willing to receive,
	// advertised in the MSS option.
	MSS uint16

	// AdvertisedWindow is the receive window offered to the peer.
	AdvertisedWindow uint32

	// MaxRcvBuffer is the receive buffer size. Zero means AdvertisedWindow.
	MaxRcvBuffer uint32

	// Nagle enables Nagle's algorithm.
	Nagle bool

	// DelayedACK enables delayed acknowledgements.
	DelayedACK bool

	// LimitedTransmit enables RFC 3042 limited transmit.
	LimitedTransmit bool

	// IncreasedIW enables the RFC 3390 initial window.
	IncreasedIW bool

	// SACK enables advertising and using selective acknowledgements.
	SACK bool

	// WindowScaling enables the window scale option.
	WindowScaling bool

	// WindowScaleFactor, if non-negative, overrides the receive window scale
	// computed from MaxRcvBuffer.
	WindowScaleFactor int

	// Timestamps enables the timestamp option.
	Timestamps bool

	// ECN enables explicit congestion notification negotiation.
	ECN bool

	// Algorithm names the congestion control algorithm.
	Algorithm string

	// DupThresh is the duplicate ACK threshold.
	DupThresh int

	// DataNotification makes the connection announce received data with a
	// DataNotification indication instead of delivering it; the
	// application then issues Read commands.
	DataNotification bool

	// Keepalive enables keepalive probes on idle connections.
	Keepalive bool

	// KeepaliveIdle, KeepaliveInterval and KeepaliveCount tune keepalive.
	KeepaliveIdle     time.Duration
	KeepaliveInterval time.Duration
	KeepaliveCount    int

	// TTL, TOS and DSCP are copied into every outgoing packet.
	TTL  uint8
	TOS  uint8
	DSCP uint8
}

// DefaultOptions returns the default connection settings.
func DefaultOptions() Options {
	return Options{
		MSS:               DefaultMSS,
		AdvertisedWindow:  DefaultAdvertisedWindow,
		Nagle:             true,
		WindowScaleFactor: -1,
		Algorithm:         DefaultAlgorithm,
		DupThresh:         DefaultDupThresh,
		KeepaliveIdle:     DefaultKeepaliveIdle,
		KeepaliveInterval: DefaultKeepaliveInterval,
		KeepaliveCount:    DefaultKeepaliveCount,
	}
}

// rcvBufferSize returns the effective receive buffer size.
func (o *Options) rcvBufferSize() uint32 {
	if o.MaxRcvBuffer == 0 {
		return o.AdvertisedWindow
	}
	return o.MaxRcvBuffer
}

// Validate reports every invalid setting.
func (o *Options) Validate() error {
	var errs *multierror.Error
	if o.MSS == 0 {
		errs = multierror.Append(errs, fmt.Errorf("mss must be positive"))
	}
	if o.AdvertisedWindow == 0 {
		errs = multierror.Append(errs, fmt.Errorf("advertised window must be positive"))
	}
	if !o.WindowScaling && o.AdvertisedWindow > MaxTCPWindow {
		errs = multierror.Append(errs, fmt.Errorf("advertised window %d exceeds %d without window scaling", o.AdvertisedWindow, MaxTCPWindow))
	}
	if o.MaxRcvBuffer != 0 && o.MaxRcvBuffer < o.AdvertisedWindow {
		errs = multierror.Append(errs, fmt.Errorf("receive buffer %d smaller than advertised window %d", o.MaxRcvBuffer, o.AdvertisedWindow))
	}
	if o.WindowScaleFactor > header.MaxWndScale {
		errs = multierror.Append(errs, fmt.Errorf("window scale factor %d exceeds %d", o.WindowScaleFactor, header.MaxWndScale))
	}
	if o.DupThresh < 1 {
		errs = multierror.Append(errs, fmt.Errorf("dupthresh must be at least 1, got %d", o.DupThresh))
	}
	if _, ok := lookupAlgorithm(o.Algorithm); !ok {
		errs = multierror.Append(errs, fmt.Errorf("unknown congestion control algorithm %q (known: %s)", o.Algorithm, strings.Join(AlgorithmNames(), ", ")))
	}
	if o.Keepalive && (o.KeepaliveIdle <= 0 || o.KeepaliveInterval <= 0 || o.KeepaliveCount < 1) {
		errs = multierror.Append(errs, fmt.Errorf("keepalive needs positive idle, interval and count"))
	}
	return errs.ErrorOrNil()
}

// ChecksumMode selects how segment checksums are produced and checked.
type ChecksumMode int

const (
	// ChecksumComputed computes checksums on send and verifies them on
	// receive.
	ChecksumComputed ChecksumMode = iota

	// ChecksumDeclaredCorrect leaves the checksum field zero and accepts
	// every inbound segment without verification.
	ChecksumDeclaredCorrect

	// ChecksumDeclaredIncorrect writes an invalid checksum and drops every
	// inbound segment. It models a corrupting path.
	ChecksumDeclaredIncorrect
)

var checksumModeNames = map[ChecksumMode]string{
	ChecksumComputed:          "computed",
	ChecksumDeclaredCorrect:   "declaredCorrect",
	ChecksumDeclaredIncorrect: "declaredIncorrect",
}

func (m ChecksumMode) String() string {
	if s, ok := checksumModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("ChecksumMode(%d)", int(m))
}

// ParseChecksumMode parses the name of a checksum mode, case-insensitively.
func ParseChecksumMode(s string) (ChecksumMode, error) {
	for m, name := range checksumModeNames {
		if strings.EqualFold(s, name) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown checksum mode %q", s)
}

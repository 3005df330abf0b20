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

// Package tcpip provides the interfaces and related types that users of the
// simulated TCP engine interact with, along with the collaborator contracts
// the engine consumes (network send, address families).
//
// The engine is driven by a single-threaded discrete-event scheduler: none of
// the types here are safe for concurrent use unless stated otherwise.
package tcpip

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Address is a byte slice cast as a string that represents the address of a
// network node. Or, in the case of unix endpoints, it may represent a path.
type Address string

// AddressFamily identifies the network protocol an address belongs to.
type AddressFamily int

// Supported address families.
const (
	AddressFamilyUnspecified AddressFamily = iota
	AddressFamilyIPv4
	AddressFamilyIPv6
)

func (f AddressFamily) String() string {
	switch f {
	case AddressFamilyIPv4:
		return "IPv4"
	case AddressFamilyIPv6:
		return "IPv6"
	default:
		return "unspecified"
	}
}

// ParseAddress parses a textual IPv4 or IPv6 address.
func ParseAddress(s string) (Address, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("parsing address %q: %w", s, err)
	}
	return AddrFromNetip(a), nil
}

// MustParseAddress is like ParseAddress but panics on malformed input. It is
// meant for tests and static configuration.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddrFromNetip converts a netip.Addr to an Address. IPv4-mapped IPv6
// addresses are unmapped.
func AddrFromNetip(a netip.Addr) Address {
	a = a.Unmap()
	b := a.AsSlice()
	return Address(b)
}

// AsSlice returns the address bytes.
func (a Address) AsSlice() []byte {
	return []byte(a)
}

// Len returns the length of the address in bytes.
func (a Address) Len() int {
	return len(a)
}

// Unspecified returns true if the address is empty or all zeroes.
func (a Address) Unspecified() bool {
	for i := 0; i < len(a); i++ {
		if a[i] != 0 {
			return false
		}
	}
	return true
}

// Family returns the address family of a.
func (a Address) Family() AddressFamily {
	switch len(a) {
	case 4:
		return AddressFamilyIPv4
	case 16:
		return AddressFamilyIPv6
	default:
		return AddressFamilyUnspecified
	}
}

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	switch len(a) {
	case 0:
		return ""
	case 4, 16:
		addr, _ := netip.AddrFromSlice([]byte(a))
		return addr.String()
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// TransportProtocolNumber is the number of a transport protocol.
type TransportProtocolNumber uint32

// NetworkProtocolNumber is the EtherType of a network protocol in an Ethernet
// frame.
type NetworkProtocolNumber uint32

// TCPProtocolNumber is TCP's transport protocol number.
const TCPProtocolNumber TransportProtocolNumber = 6

// TransportEndpointID is the identifier of a transport layer protocol endpoint,
// that is, the socket pair of a connection.
type TransportEndpointID struct {
	// LocalPort is the local port associated with the endpoint.
	LocalPort uint16

	// LocalAddress is the local [network layer] address associated with
	// the endpoint.
	LocalAddress Address

	// RemotePort is the remote port associated with the endpoint.
	RemotePort uint16

	// RemoteAddress it the remote [network layer] address associated with
	// the endpoint.
	RemoteAddress Address
}

func (id TransportEndpointID) String() string {
	return fmt.Sprintf("%s:%d-%s:%d", id.LocalAddress, id.LocalPort, id.RemoteAddress, id.RemotePort)
}

// FullAddress represents a full transport node address.
type FullAddress struct {
	// Addr is the network address.
	Addr Address

	// Port is the transport port.
	Port uint16
}

// ParseFullAddress parses "host:port" (IPv6 hosts in brackets).
func ParseFullAddress(s string) (FullAddress, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		// Accept a bare port for wildcard binds.
		if p, perr := strconv.ParseUint(strings.TrimPrefix(s, ":"), 10, 16); perr == nil {
			return FullAddress{Port: uint16(p)}, nil
		}
		return FullAddress{}, fmt.Errorf("parsing address %q: %w", s, err)
	}
	return FullAddress{Addr: AddrFromNetip(ap.Addr()), Port: ap.Port()}, nil
}

func (a FullAddress) String() string {
	if a.Addr.Family() == AddressFamilyIPv6 {
		return fmt.Sprintf("[%s]:%d", a.Addr, a.Port)
	}
	return fmt.Sprintf("%s:%d", a.Addr, a.Port)
}

// ECN is the explicit congestion notification codepoint carried by the
// network header.
type ECN uint8

// ECN codepoints (RFC 3168).
const (
	ECNNotECT ECN = 0
	ECNECT1   ECN = 1
	ECNECT0   ECN = 2
	ECNCE     ECN = 3
)

// NetworkOptions are the per-packet network-layer parameters a transport
// endpoint hands down with every outgoing segment, and receives with every
// incoming one.
type NetworkOptions struct {
	// TTL is the time-to-live / hop limit. Zero selects the network default.
	TTL uint8

	// TOS is the IPv4 type of service / IPv6 traffic class.
	TOS uint8

	// DSCP, if nonzero, overrides the upper six bits of TOS.
	DSCP uint8

	// ECN is the ECN codepoint.
	ECN ECN
}

// NetworkSender is implemented by the network layer collaborator. Segments
// handed to it are fully serialized, checksum included.
type NetworkSender interface {
	SendToNetwork(pkt []byte, src, dst Address, opts NetworkOptions) error
}

// PacketDispatcher receives packets from a link. The transport protocol
// implements it; link endpoints deliver to it.
type PacketDispatcher interface {
	HandlePacket(src, dst Address, pkt []byte, opts NetworkOptions)
}

// Clock provides the current time to the engine. In simulations it is backed
// by the discrete-event scheduler.
type Clock interface {
	// Now returns the current simulated time.
	Now() time.Time
}

// A StatCounter keeps track of a statistic.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// Decrement minuses one to the counter.
func (s *StatCounter) Decrement() {
	s.IncrementBy(^uint64(0))
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}

// TCPStats collects TCP-specific stats.
type TCPStats struct {
	// ActiveConnectionOpenings is the number of connections opened
	// successfully via Connect.
	ActiveConnectionOpenings StatCounter

	// PassiveConnectionOpenings is the number of connections opened
	// successfully via Listen.
	PassiveConnectionOpenings StatCounter

	// CurrentEstablished is the number of TCP connections for which the
	// current state is ESTABLISHED.
	CurrentEstablished StatCounter

	// EstablishedResets is the number of times TCP connections have made a
	// direct transition to the CLOSED state from either the ESTABLISHED
	// state or the CLOSE-WAIT state.
	EstablishedResets StatCounter

	// EstablishedTimedout is the number of times an established connection
	// was reset because of keep-alive time out or retransmission limits.
	EstablishedTimedout StatCounter

	// FailedConnectionAttempts is the number of calls to Connect or Listen
	// (active and passive openings, respectively) that end in an error.
	FailedConnectionAttempts StatCounter

	// ValidSegmentsReceived is the number of TCP segments received that
	// the transport layer successfully parsed.
	ValidSegmentsReceived StatCounter

	// InvalidSegmentsReceived is the number of TCP segments received that
	// the transport layer could not parse.
	InvalidSegmentsReceived StatCounter

	// SegmentsSent is the number of TCP segments sent.
	SegmentsSent StatCounter

	// ResetsSent is the number of TCP resets sent.
	ResetsSent StatCounter

	// ResetsReceived is the number of TCP resets received.
	ResetsReceived StatCounter

	// Retransmits is the number of TCP segments retransmitted.
	Retransmits StatCounter

	// FastRetransmit is the number of segments retransmitted in fast
	// recovery.
	FastRetransmit StatCounter

	// Timeouts is the number of times the RTO expired.
	Timeouts StatCounter

	// ChecksumErrors is the number of segments dropped due to bad checksums.
	ChecksumErrors StatCounter

	// SegmentsDroppedNoEndpoint is the number of segments that matched no
	// connection and no listener.
	SegmentsDroppedNoEndpoint StatCounter
}

// Stats holds statistics about the networking stack.
type Stats struct {
	// TCP breaks out TCP-specific stats.
	TCP TCPStats
}

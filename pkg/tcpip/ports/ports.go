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

// Package ports provides PortManager that manages allocating, reserving and releasing ports.
package ports

import (
	"sync"

	"github.com/inet-go/tcpsim/pkg/tcpip"
)

const (
	// FirstEphemeral is the first ephemeral port.
	FirstEphemeral = 1024

	// LastEphemeral is the last ephemeral port.
	LastEphemeral = 4999

	anyIPAddress tcpip.Address = ""
)

// Flags represents the type of port reservation.
type Flags struct {
	// ReuseAddr allows a local address and port to be shared by endpoints
	// connected to different destinations, as long as every sharer sets it.
	ReuseAddr bool
}

// reservation is one bound socket. A zero dst denotes a listener.
type reservation struct {
	addr  tcpip.Address
	dst   tcpip.FullAddress
	flags Flags
}

func (r reservation) conflicts(addr tcpip.Address, dst tcpip.FullAddress, flags Flags) bool {
	if r.addr != addr && r.addr != anyIPAddress && addr != anyIPAddress {
		return false
	}
	if r.dst == dst {
		return true
	}
	return !(r.flags.ReuseAddr && flags.ReuseAddr)
}

// PortManager manages allocating, reserving and releasing ports.
type PortManager struct {
	mu             sync.RWMutex
	allocatedPorts map[uint16][]reservation

	// firstEphemeral and lastEphemeral bound the ephemeral range, inclusive.
	firstEphemeral uint16
	lastEphemeral  uint16

	// hint is the next ephemeral port to try. Allocation walks the range
	// round-robin from here.
	hint uint16
}

// NewPortManager creates new PortManager.
func NewPortManager() *PortManager {
	return &PortManager{
		allocatedPorts: make(map[uint16][]reservation),
		firstEphemeral: FirstEphemeral,
		lastEphemeral:  LastEphemeral,
		hint:           FirstEphemeral,
	}
}

// SetPortRange sets the inclusive ephemeral port range.
func (s *PortManager) SetPortRange(first, last uint16) error {
	if first == 0 || first > last {
		return &tcpip.ErrInvalidPortRange{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstEphemeral = first
	s.lastEphemeral = last
	if s.hint < first || s.hint > last {
		s.hint = first
	}
	return nil
}

// PortRange returns the inclusive ephemeral port range.
func (s *PortManager) PortRange() (uint16, uint16) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstEphemeral, s.lastEphemeral
}

// PickEphemeralPort iterates over all ephemeral ports round-robin starting
// after the last port handed out, allowing the caller to decide whether a given
// port is suitable for its needs, and stopping when a port is found or an error
// occurs.
func (s *PortManager) PickEphemeralPort(testPort func(p uint16) (bool, error)) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pickEphemeralPortLocked(testPort)
}

func (s *PortManager) pickEphemeralPortLocked(testPort func(p uint16) (bool, error)) (uint16, error) {
	count := uint32(s.lastEphemeral) - uint32(s.firstEphemeral) + 1
	offset := uint32(s.hint - s.firstEphemeral)
	for i := uint32(0); i < count; i++ {
		port := uint16(uint32(s.firstEphemeral) + (offset+i)%count)
		ok, err := testPort(port)
		if err != nil {
			return 0, err
		}
		if ok {
			s.hint = port + 1
			if port == s.lastEphemeral {
				s.hint = s.firstEphemeral
			}
			return port, nil
		}
	}
	return 0, &tcpip.ErrNoPortAvailable{}
}

// IsPortAvailable tests if the given port is available for addr and dst.
func (s *PortManager) IsPortAvailable(addr tcpip.Address, port uint16, flags Flags, dst tcpip.FullAddress) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isPortAvailableLocked(addr, port, flags, dst)
}

func (s *PortManager) isPortAvailableLocked(addr tcpip.Address, port uint16, flags Flags, dst tcpip.FullAddress) bool {
	for _, r := range s.allocatedPorts[port] {
		if r.conflicts(addr, dst, flags) {
			return false
		}
	}
	return true
}

// ReservePort marks a port/IP combination as reserved so that it cannot be
// reserved by another endpoint. If port is zero, ReservePort will search for
// an ephemeral port with no reservations at all and reserve it, returning its
// value in the "port" return value.
func (s *PortManager) ReservePort(addr tcpip.Address, port uint16, flags Flags, dst tcpip.FullAddress) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if port != 0 {
		if !s.isPortAvailableLocked(addr, port, flags, dst) {
			return 0, &tcpip.ErrPortInUse{}
		}
		s.reserveLocked(addr, port, flags, dst)
		return port, nil
	}

	port, err := s.pickEphemeralPortLocked(func(p uint16) (bool, error) {
		return len(s.allocatedPorts[p]) == 0, nil
	})
	if err != nil {
		return 0, err
	}
	s.reserveLocked(addr, port, flags, dst)
	return port, nil
}

func (s *PortManager) reserveLocked(addr tcpip.Address, port uint16, flags Flags, dst tcpip.FullAddress) {
	s.allocatedPorts[port] = append(s.allocatedPorts[port], reservation{addr: addr, dst: dst, flags: flags})
}

// ReleasePort releases the reservation on a port/IP/destination combination so
// that it can be reserved by other endpoints.
func (s *PortManager) ReleasePort(addr tcpip.Address, port uint16, dst tcpip.FullAddress) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := s.allocatedPorts[port]
	for i, r := range rs {
		if r.addr == addr && r.dst == dst {
			rs = append(rs[:i], rs[i+1:]...)
			break
		}
	}
	if len(rs) == 0 {
		delete(s.allocatedPorts, port)
		return
	}
	s.allocatedPorts[port] = rs
}

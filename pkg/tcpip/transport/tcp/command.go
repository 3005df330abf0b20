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
	"time"

	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

// ConnID names a connection within a Protocol.
type ConnID uint32

// Command is a request from the application to a connection. Commands are
// passed to Protocol.Command.
type Command interface {
	event() Event
}

// OpenActive connects to a remote endpoint.
type OpenActive struct {
	// LocalAddr and LocalPort are optional; a zero LocalPort selects an
	// ephemeral port.
	LocalAddr tcpip.Address
	LocalPort uint16

	RemoteAddr tcpip.Address
	RemotePort uint16

	// ReuseAddr allows the local port to be shared.
	ReuseAddr bool

	// Options, if set, replaces the protocol's default options.
	Options *Options

	// Algorithm, if set, overrides the congestion control algorithm.
	Algorithm string
}

// OpenPassive listens for connections.
type OpenPassive struct {
	LocalAddr tcpip.Address
	LocalPort uint16

	// Fork makes the listener spawn a new connection for every SYN and
	// keep listening. Otherwise the listener itself becomes the
	// connection.
	Fork bool

	ReuseAddr bool

	Options   *Options
	Algorithm string
}

// Accept takes over a connection forked by a listener, routing its
// indications to App. A nil App keeps the listener's application.
type Accept struct {
	App Application
}

// Send queues data for transmission.
type Send struct {
	Data []byte
}

// Close performs an orderly shutdown of the sending direction.
type Close struct{}

// Abort resets the connection.
type Abort struct{}

// Status requests a StatusInfo indication.
type Status struct{}

// Read delivers up to MaxBytes bytes of buffered data when data
// notification is enabled. Zero means everything.
type Read struct {
	MaxBytes int
}

// OptionKind names a network-layer option settable with SetOption.
type OptionKind int

// Settable options.
const (
	OptionTTL OptionKind = iota
	OptionTOS
	OptionDSCP
)

// SetOption changes a network-layer option of the connection.
type SetOption struct {
	Kind  OptionKind
	Value uint8
}

func (OpenActive) event() Event  { return EventOpenActive }
func (OpenPassive) event() Event { return EventOpenPassive }
func (Accept) event() Event      { return EventAccept }
func (Send) event() Event        { return EventSend }
func (Close) event() Event       { return EventClose }
func (Abort) event() Event       { return EventAbort }
func (Status) event() Event      { return EventStatus }
func (Read) event() Event        { return EventRead }
func (SetOption) event() Event   { return EventSetOption }

// IndicationKind is the kind of an indication.
type IndicationKind int

// Indications.
const (
	// IndicationEstablished reports that the connection is established.
	IndicationEstablished IndicationKind = iota
	// IndicationData carries received in-order data.
	IndicationData
	// IndicationAvailable reports a connection forked by a listener. ConnID
	// names the new connection, Listener the listener.
	IndicationAvailable
	// IndicationPeerClosed reports that the peer closed its direction.
	IndicationPeerClosed
	// IndicationClosed reports an orderly close.
	IndicationClosed
	// IndicationConnectionReset reports a reset by the peer.
	IndicationConnectionReset
	// IndicationConnectionRefused reports a refused active open.
	IndicationConnectionRefused
	// IndicationTimedOut reports a connection abandoned after timeouts.
	IndicationTimedOut
	// IndicationStatusInfo answers a Status command.
	IndicationStatusInfo
	// IndicationDataNotification reports that data is ready to Read.
	IndicationDataNotification
)

var indicationNames = [...]string{
	IndicationEstablished:       "ESTABLISHED",
	IndicationData:              "DATA",
	IndicationAvailable:         "AVAILABLE",
	IndicationPeerClosed:        "PEER_CLOSED",
	IndicationClosed:            "CLOSED",
	IndicationConnectionReset:   "CONNECTION_RESET",
	IndicationConnectionRefused: "CONNECTION_REFUSED",
	IndicationTimedOut:          "TIMED_OUT",
	IndicationStatusInfo:        "STATUS_INFO",
	IndicationDataNotification:  "DATA_NOTIFICATION",
}

func (k IndicationKind) String() string {
	if k >= 0 && int(k) < len(indicationNames) {
		return indicationNames[k]
	}
	return fmt.Sprintf("IndicationKind(%d)", int(k))
}

// Indication is a notification from a connection to its application.
type Indication struct {
	Kind   IndicationKind
	ConnID ConnID

	// ID is the connection's socket pair.
	ID tcpip.TransportEndpointID

	// Data is set for IndicationData.
	Data []byte

	// Available is the number of bytes ready to Read, set for
	// IndicationDataNotification.
	Available int

	// Listener is set for IndicationAvailable.
	Listener ConnID

	// Status is set for IndicationStatusInfo.
	Status *StatusInfo
}

// Application receives a connection's indications.
type Application interface {
	Indicate(ind Indication)
}

// ApplicationFunc adapts a function to Application.
type ApplicationFunc func(ind Indication)

// Indicate implements Application.Indicate.
func (f ApplicationFunc) Indicate(ind Indication) {
	f(ind)
}

// StatusInfo is a snapshot of a connection's control block.
type StatusInfo struct {
	State     State
	ID        tcpip.TransportEndpointID
	Algorithm string

	SndUna seqnum.Value
	SndNxt seqnum.Value
	SndMax seqnum.Value
	SndWnd uint32
	SndWl1 seqnum.Value
	SndWl2 seqnum.Value
	ISS    seqnum.Value
	SndMSS uint32

	RcvNxt seqnum.Value
	RcvWnd uint32
	RcvAdv seqnum.Value
	IRS    seqnum.Value

	Cwnd     uint32
	Ssthresh uint32
	SRTT     time.Duration
	RTTVar   time.Duration
	RTO      time.Duration

	WindowScaling   bool
	SndWindowScale  uint8
	RcvWindowScale  uint8
	Timestamps      bool
	SACK            bool
	ECN             bool
	LossRecovery    bool
	DupAcks         int
	SendQueueBytes  uint32
	RcvBufferedData uint32

	Stats ConnectionStats
}

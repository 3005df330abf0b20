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

	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/checksum"
	"github.com/inet-go/tcpsim/pkg/tcpip/header"
	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

// segment represents a received TCP segment. It holds the payload and the
// parsed header fields. segment is immutable once parsed.
type segment struct {
	// id is the socket pair from the receiver's point of view.
	id tcpip.TransportEndpointID

	data           []byte
	sequenceNumber seqnum.Value
	ackNumber      seqnum.Value
	flags          header.TCPFlags

	// window is the raw window field, before scaling.
	window seqnum.Size

	// csumValid is true if the checksum in the received segment is valid.
	csumValid bool

	// parsedOptions stores the parsed values from the options in the segment.
	parsedOptions header.TCPOptions
	options       []byte

	// ce is true if the packet carried the Congestion Experienced codepoint.
	ce bool
}

// parseSegment parses pkt, a TCP header and payload, received from src for
// dst. The checksum is verified only if verifyChecksum is set; otherwise it is
// assumed valid.
func parseSegment(src, dst tcpip.Address, pkt []byte, netOpts tcpip.NetworkOptions, verifyChecksum bool) (*segment, error) {
	h, err := header.ValidateTCP(pkt)
	if err != nil {
		return nil, err
	}
	offset := int(h.DataOffset())
	s := &segment{
		id: tcpip.TransportEndpointID{
			LocalAddress:  dst,
			LocalPort:     h.DestinationPort(),
			RemoteAddress: src,
			RemotePort:    h.SourcePort(),
		},
		data:           pkt[offset:],
		sequenceNumber: seqnum.Value(h.SequenceNumber()),
		ackNumber:      seqnum.Value(h.AckNumber()),
		flags:          h.Flags(),
		window:         seqnum.Size(h.WindowSize()),
		options:        h.Options(),
		ce:             netOpts.ECN == tcpip.ECNCE,
		csumValid:      true,
	}
	s.parsedOptions = header.ParseTCPOptions(s.options)
	if verifyChecksum {
		if len(s.data) > 0xffff-offset {
			return nil, fmt.Errorf("segment of %d bytes too long: %w", len(pkt), &tcpip.ErrMalformedHeader{})
		}
		payloadXsum := checksum.Checksum(s.data, 0)
		s.csumValid = h.IsChecksumValid(src, dst, payloadXsum, uint16(len(s.data)))
	}
	return s, nil
}

func (s *segment) flagIsSet(flag header.TCPFlags) bool {
	return s.flags&flag != 0
}

func (s *segment) flagsAreSet(flags header.TCPFlags) bool {
	return s.flags&flags == flags
}

// payloadSize is the size of s.data.
func (s *segment) payloadSize() int {
	return len(s.data)
}

// logicalLen is the segment length in the sequence number space. It's defined
// as the data length plus one for each of the SYN and FIN bits set.
func (s *segment) logicalLen() seqnum.Size {
	l := seqnum.Size(len(s.data))
	if s.flagIsSet(header.TCPFlagSyn) {
		l++
	}
	if s.flagIsSet(header.TCPFlagFin) {
		l++
	}
	return l
}

// sackBlock returns a header.SACKBlock that represents this segment.
func (s *segment) sackBlock() header.SACKBlock {
	return header.SACKBlock{Start: s.sequenceNumber, End: s.sequenceNumber.Add(s.logicalLen())}
}

func (s *segment) String() string {
	return fmt.Sprintf("%s:%d > %s:%d [%s] seq %d ack %d win %d len %d",
		s.id.RemoteAddress, s.id.RemotePort, s.id.LocalAddress, s.id.LocalPort,
		s.flags, s.sequenceNumber, s.ackNumber, s.window, len(s.data))
}

// Copyright 2021 The gVisor Authors.
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

package tcpip

// Error types returned by the engine. Callers match them with errors.As, or
// with errors.Is against a zero value, e.g.
//
//	errors.Is(err, &tcpip.ErrNoPortAvailable{})
//
// Each type implements Is so that any instance matches any other.

// ErrAlreadyBound indicates the endpoint is already bound.
type ErrAlreadyBound struct{}

func (*ErrAlreadyBound) Error() string { return "endpoint already bound" }

// Is implements errors.Is.
func (*ErrAlreadyBound) Is(target error) bool { _, ok := target.(*ErrAlreadyBound); return ok }

// ErrPortInUse indicates the provided port or socket pair is in use.
type ErrPortInUse struct{}

func (*ErrPortInUse) Error() string { return "port is in use" }

// Is implements errors.Is.
func (*ErrPortInUse) Is(target error) bool { _, ok := target.(*ErrPortInUse); return ok }

// ErrNoPortAvailable indicates no port could be allocated for the operation.
type ErrNoPortAvailable struct{}

func (*ErrNoPortAvailable) Error() string { return "no ports are available" }

// Is implements errors.Is.
func (*ErrNoPortAvailable) Is(target error) bool { _, ok := target.(*ErrNoPortAvailable); return ok }

// ErrInvalidPortRange indicates an attempt to set an invalid port range.
type ErrInvalidPortRange struct{}

func (*ErrInvalidPortRange) Error() string { return "invalid port range" }

// Is implements errors.Is.
func (*ErrInvalidPortRange) Is(target error) bool { _, ok := target.(*ErrInvalidPortRange); return ok }

// ErrDestinationRequired indicates the operation requires a destination
// address, and one was not provided.
type ErrDestinationRequired struct{}

func (*ErrDestinationRequired) Error() string { return "destination address is required" }

// Is implements errors.Is.
func (*ErrDestinationRequired) Is(target error) bool {
	_, ok := target.(*ErrDestinationRequired)
	return ok
}

// ErrInvalidEndpointState indicates the endpoint is in an invalid state for
// the operation.
type ErrInvalidEndpointState struct{}

func (*ErrInvalidEndpointState) Error() string { return "endpoint is in invalid state" }

// Is implements errors.Is.
func (*ErrInvalidEndpointState) Is(target error) bool {
	_, ok := target.(*ErrInvalidEndpointState)
	return ok
}

// ErrUnknownEndpoint indicates a command referenced a connection that does
// not exist.
type ErrUnknownEndpoint struct{}

func (*ErrUnknownEndpoint) Error() string { return "unknown endpoint" }

// Is implements errors.Is.
func (*ErrUnknownEndpoint) Is(target error) bool { _, ok := target.(*ErrUnknownEndpoint); return ok }

// ErrQueueFull indicates the send queue cannot take more data without
// wrapping the sequence space.
type ErrQueueFull struct{}

func (*ErrQueueFull) Error() string { return "send queue is full" }

// Is implements errors.Is.
func (*ErrQueueFull) Is(target error) bool { _, ok := target.(*ErrQueueFull); return ok }

// ErrClosedForSend indicates the endpoint is closed for outgoing data.
type ErrClosedForSend struct{}

func (*ErrClosedForSend) Error() string { return "endpoint is closed for send" }

// Is implements errors.Is.
func (*ErrClosedForSend) Is(target error) bool { _, ok := target.(*ErrClosedForSend); return ok }

// ErrUnknownProtocolOption indicates the option is not supported.
type ErrUnknownProtocolOption struct{}

func (*ErrUnknownProtocolOption) Error() string { return "unknown option for protocol" }

// Is implements errors.Is.
func (*ErrUnknownProtocolOption) Is(target error) bool {
	_, ok := target.(*ErrUnknownProtocolOption)
	return ok
}

// ErrAddressFamilyNotSupported indicates the operation does not support the
// given address family.
type ErrAddressFamilyNotSupported struct{}

func (*ErrAddressFamilyNotSupported) Error() string { return "address family not supported" }

// Is implements errors.Is.
func (*ErrAddressFamilyNotSupported) Is(target error) bool {
	_, ok := target.(*ErrAddressFamilyNotSupported)
	return ok
}

// ErrMalformedHeader indicates the operation encountered a malformed header.
type ErrMalformedHeader struct{}

func (*ErrMalformedHeader) Error() string { return "header is malformed" }

// Is implements errors.Is.
func (*ErrMalformedHeader) Is(target error) bool { _, ok := target.(*ErrMalformedHeader); return ok }

// ErrConnectionAborted indicates the connection was reset, refused or timed
// out.
type ErrConnectionAborted struct{}

func (*ErrConnectionAborted) Error() string { return "connection aborted" }

// Is implements errors.Is.
func (*ErrConnectionAborted) Is(target error) bool {
	_, ok := target.(*ErrConnectionAborted)
	return ok
}

// ErrHostUnreachable indicates the link has no route to the destination.
type ErrHostUnreachable struct{}

func (*ErrHostUnreachable) Error() string { return "no route to host" }

// Is implements errors.Is.
func (*ErrHostUnreachable) Is(target error) bool { _, ok := target.(*ErrHostUnreachable); return ok }

// ErrMessageTooLong indicates a packet exceeds the link MTU.
type ErrMessageTooLong struct{}

func (*ErrMessageTooLong) Error() string { return "message too long" }

// Is implements errors.Is.
func (*ErrMessageTooLong) Is(target error) bool { _, ok := target.(*ErrMessageTooLong); return ok }

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

import "fmt"

// State is the state of a connection, as in RFC 793 Figure 6.
type State uint8

// Connection states. StateInit is the CLOSED state a connection is created
// in; StateClosed is the terminal state after which the connection is gone.
const (
	StateInit State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
	StateClosed
)

var stateNames = [...]string{
	StateInit:        "INIT",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynRcvd:     "SYN_RCVD",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateCloseWait:   "CLOSE_WAIT",
	StateClosing:     "CLOSING",
	StateLastAck:     "LAST_ACK",
	StateTimeWait:    "TIME_WAIT",
	StateClosed:      "CLOSED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// synchronized returns true for states in which both sequence spaces are
// known.
func (s State) synchronized() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck, StateTimeWait:
		return true
	}
	return false
}

// Event drives the state machine. Commands, segment arrival outcomes and
// timeouts are all mapped onto events.
type Event uint8

// Events.
const (
	EventOpenActive Event = iota
	EventOpenPassive
	EventAccept
	EventSend
	EventClose
	EventAbort
	EventStatus
	EventSetOption
	EventRead
	EventRcvData
	EventRcvAck
	EventRcvSyn
	EventRcvSynAck
	EventRcvFin
	EventRcvFinAck
	EventRcvRst
	EventRcvUnexpSyn
	EventTimeout2MSL
	EventTimeoutConnEstab
	EventTimeoutFinWait2
	EventTimeoutSynRexmit
	EventIgnore
)

var eventNames = [...]string{
	EventOpenActive:       "OPEN_ACTIVE",
	EventOpenPassive:      "OPEN_PASSIVE",
	EventAccept:           "ACCEPT",
	EventSend:             "SEND",
	EventClose:            "CLOSE",
	EventAbort:            "ABORT",
	EventStatus:           "STATUS",
	EventSetOption:        "SETOPTION",
	EventRead:             "READ",
	EventRcvData:          "RCV_DATA",
	EventRcvAck:           "RCV_ACK",
	EventRcvSyn:           "RCV_SYN",
	EventRcvSynAck:        "RCV_SYN_ACK",
	EventRcvFin:           "RCV_FIN",
	EventRcvFinAck:        "RCV_FIN_ACK",
	EventRcvRst:           "RCV_RST",
	EventRcvUnexpSyn:      "RCV_UNEXP_SYN",
	EventTimeout2MSL:      "TIMEOUT_2MSL",
	EventTimeoutConnEstab: "TIMEOUT_CONN_ESTAB",
	EventTimeoutFinWait2:  "TIMEOUT_FIN_WAIT_2",
	EventTimeoutSynRexmit: "TIMEOUT_SYN_REXMIT",
	EventIgnore:           "IGNORE",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", e)
}

type transitionKey struct {
	from  State
	event Event
}

// transitions is the fixed part of the state machine. Entries that depend on
// how the connection was opened are resolved by nextState.
var transitions = map[transitionKey]State{
	{StateInit, EventOpenPassive}: StateListen,
	{StateInit, EventOpenActive}:  StateSynSent,

	{StateListen, EventOpenActive}: StateSynSent,
	{StateListen, EventSend}:       StateSynSent,
	{StateListen, EventClose}:      StateClosed,
	{StateListen, EventRcvSyn}:     StateSynRcvd,

	{StateSynRcvd, EventClose}:       StateFinWait1,
	{StateSynRcvd, EventRcvAck}:      StateEstablished,
	{StateSynRcvd, EventRcvFin}:      StateCloseWait,
	{StateSynRcvd, EventRcvUnexpSyn}: StateClosed,

	{StateSynSent, EventClose}:            StateClosed,
	{StateSynSent, EventTimeoutConnEstab}: StateClosed,
	{StateSynSent, EventRcvRst}:           StateClosed,
	{StateSynSent, EventRcvSynAck}:        StateEstablished,
	{StateSynSent, EventRcvSyn}:           StateSynRcvd,

	{StateEstablished, EventClose}:       StateFinWait1,
	{StateEstablished, EventRcvRst}:      StateClosed,
	{StateEstablished, EventRcvUnexpSyn}: StateClosed,
	{StateEstablished, EventRcvFin}:      StateCloseWait,

	{StateCloseWait, EventClose}:       StateLastAck,
	{StateCloseWait, EventRcvRst}:      StateClosed,
	{StateCloseWait, EventRcvUnexpSyn}: StateClosed,

	{StateLastAck, EventRcvAck}:      StateClosed,
	{StateLastAck, EventRcvRst}:      StateClosed,
	{StateLastAck, EventRcvUnexpSyn}: StateClosed,

	{StateFinWait1, EventRcvRst}:      StateClosed,
	{StateFinWait1, EventRcvUnexpSyn}: StateClosed,
	{StateFinWait1, EventRcvFin}:      StateClosing,
	{StateFinWait1, EventRcvAck}:      StateFinWait2,
	{StateFinWait1, EventRcvFinAck}:   StateTimeWait,

	{StateFinWait2, EventTimeoutFinWait2}: StateClosed,
	{StateFinWait2, EventRcvRst}:          StateClosed,
	{StateFinWait2, EventRcvUnexpSyn}:     StateClosed,
	{StateFinWait2, EventRcvFin}:          StateTimeWait,

	{StateClosing, EventRcvRst}:      StateClosed,
	{StateClosing, EventRcvUnexpSyn}: StateClosed,
	{StateClosing, EventRcvAck}:      StateTimeWait,

	{StateTimeWait, EventTimeout2MSL}: StateClosed,
	{StateTimeWait, EventRcvRst}:      StateClosed,
	{StateTimeWait, EventRcvUnexpSyn}: StateClosed,
}

// nextState returns the state reached from s on e. It returns false if e
// causes no transition in s. activeOpen tells whether the connection was
// opened actively, which decides where SYN_RCVD falls back to.
func nextState(s State, e Event, activeOpen bool) (State, bool) {
	if e == EventIgnore || s == StateClosed {
		return s, false
	}
	if e == EventAbort {
		return StateClosed, true
	}
	if s == StateSynRcvd && (e == EventRcvRst || e == EventTimeoutConnEstab) {
		if activeOpen {
			return StateClosed, true
		}
		return StateListen, true
	}
	next, ok := transitions[transitionKey{s, e}]
	if !ok {
		return s, false
	}
	return next, true
}

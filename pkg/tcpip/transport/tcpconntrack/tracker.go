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

package tcpconntrack

import (
	"sync"

	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/header"
)

var (
	_ tcpip.NetworkSender    = (*Tracker)(nil)
	_ tcpip.PacketDispatcher = (*Tracker)(nil)
)

// connKey identifies a tracked connection from the local host's side.
type connKey struct {
	remoteAddr tcpip.Address
	localPort  uint16
	remotePort uint16
}

// Tracker sits between a transport protocol and a link and keeps a TCB for
// every connection the protocol actively opens. Segments pass through
// unchanged.
type Tracker struct {
	lower      tcpip.NetworkSender
	dispatcher tcpip.PacketDispatcher

	mu    sync.Mutex
	conns map[connKey]*TCB
}

// NewTracker returns a Tracker forwarding outbound segments to lower.
func NewTracker(lower tcpip.NetworkSender) *Tracker {
	return &Tracker{
		lower: lower,
		conns: make(map[connKey]*TCB),
	}
}

// Attach sets the dispatcher that receives inbound packets.
func (t *Tracker) Attach(d tcpip.PacketDispatcher) {
	t.dispatcher = d
}

// SendToNetwork implements tcpip.NetworkSender.
func (t *Tracker) SendToNetwork(pkt []byte, src, dst tcpip.Address, opts tcpip.NetworkOptions) error {
	t.outbound(pkt, dst)
	return t.lower.SendToNetwork(pkt, src, dst, opts)
}

// HandlePacket implements tcpip.PacketDispatcher.
func (t *Tracker) HandlePacket(src, dst tcpip.Address, pkt []byte, opts tcpip.NetworkOptions) {
	t.inbound(pkt, src)
	if t.dispatcher != nil {
		t.dispatcher.HandlePacket(src, dst, pkt, opts)
	}
}

func (t *Tracker) outbound(pkt []byte, dst tcpip.Address) {
	h, err := header.ValidateTCP(pkt)
	if err != nil {
		return
	}
	key := connKey{remoteAddr: dst, localPort: h.SourcePort(), remotePort: h.DestinationPort()}

	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, ok := t.conns[key]
	if h.Flags() == header.TCPFlagSyn && (!ok || tcb.State().Terminal()) {
		tcb = &TCB{}
		tcb.Init(h)
		t.conns[key] = tcb
		return
	}
	if ok {
		tcb.UpdateStateOutbound(h)
	}
}

func (t *Tracker) inbound(pkt []byte, src tcpip.Address) {
	h, err := header.ValidateTCP(pkt)
	if err != nil {
		return
	}
	key := connKey{remoteAddr: src, localPort: h.DestinationPort(), remotePort: h.SourcePort()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if tcb, ok := t.conns[key]; ok {
		tcb.UpdateStateInbound(h)
	}
}

// State returns the state of the connection from localPort to
// remoteAddr:remotePort. ok is false if the tracker never saw its SYN.
func (t *Tracker) State(remoteAddr tcpip.Address, localPort, remotePort uint16) (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, ok := t.conns[connKey{remoteAddr: remoteAddr, localPort: localPort, remotePort: remotePort}]
	if !ok {
		return ResultDrop, false
	}
	return tcb.State(), true
}

// Len returns the number of connections tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

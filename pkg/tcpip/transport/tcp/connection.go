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

	"github.com/cenkalti/backoff"
	"github.com/mohae/deepcopy"

	"github.com/inet-go/tcpsim/pkg/log"
	"github.com/inet-go/tcpsim/pkg/sim"
	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/header"
	"github.com/inet-go/tcpsim/pkg/tcpip/ports"
	"github.com/inet-go/tcpsim/pkg/tcpip/seqnum"
)

// Connection is one TCP connection: its state machine, transmission control
// block, queues and timers. A Connection is driven by its Protocol from the
// scheduler's goroutine and is not safe for concurrent use.
type Connection struct {
	proto  *Protocol
	connID ConnID
	owner  sim.OwnerID
	app    Application
	logger log.Logger
	opts   Options

	state State
	id    tcpip.TransportEndpointID

	// activeOpen is true if the connection sent the first SYN.
	activeOpen bool

	// fork is set on listeners that spawn a connection per SYN; forked is
	// set on the spawned connections.
	fork     bool
	forked   bool
	listener ConnID

	// reservation is the port reservation held, if reserved is true.
	reserved    bool
	reservation reservationKey
	reuseAddr   bool

	netOpts tcpip.NetworkOptions

	// terminated is set once a terminal indication was delivered, and
	// terminatedBy holds its kind.
	terminated   bool
	terminatedBy IndicationKind

	// handshakeDone is set when the connection becomes established.
	handshakeDone bool

	// Send sequence variables (RFC 793 section 3.2).
	iss       seqnum.Value
	sndUna    seqnum.Value
	sndNxt    seqnum.Value
	sndMax    seqnum.Value
	sndWnd    uint32
	maxSndWnd uint32
	sndWl1    seqnum.Value
	sndWl2    seqnum.Value
	sndMSS    uint32

	// Receive sequence variables.
	irs    seqnum.Value
	rcvNxt seqnum.Value
	rcvWnd uint32
	rcvAdv seqnum.Value

	// Our FIN.
	sendFinPending bool
	finSeq         seqnum.Value
	finAckRcvd     bool

	// The peer's FIN. finPending is set when it arrived ahead of missing
	// data at rcvFinSeq.
	finRcvd    bool
	finPending bool
	rcvFinSeq  seqnum.Value

	// Window scaling.
	wsEnabled   bool
	sndWs       bool
	rcvWs       bool
	sndWndScale uint8
	rcvWndScale uint8

	// Timestamps.
	tsEnabled    bool
	sndInitialTs bool
	rcvInitialTs bool
	tsRecent     uint32
	tsRecentAge  time.Time
	lastAckSent  seqnum.Value

	// SACK, receiver side.
	sackEnabled bool
	sndSackPerm bool
	rcvSackPerm bool
	sndSack     bool
	sndDsack    bool
	sackTrigger bool
	sackStart   seqnum.Value
	sackEnd     seqnum.Value
	sacks       []header.SACKBlock

	// SACK, sender side (RFC 6675).
	highRxt        seqnum.Value
	pipe           uint32
	recoveryPoint  seqnum.Value
	sackedBytes    uint32
	sackedBytesOld uint32

	// ECN. ceEcho is set while ACKs must carry ECE.
	ecnEnabled bool
	ecnSynSent bool
	ceEcho     bool
	gotEce     bool
	sndCwr     bool

	// Congestion control.
	alg          algorithm
	cwnd         uint32
	ssthresh     uint32
	dupacks      int
	lossRecovery bool
	afterRto     bool

	// Delayed ACKs.
	ackNow                  bool
	fullSizedSegmentCounter int

	// RTT measurement; rtseqSendTime is zero when no measurement runs.
	rtt           rttState
	rtseq         seqnum.Value
	rtseqSendTime time.Time
	lastRTTSample time.Duration
	lastDataSent  time.Time

	rexmitCount    int
	synRexmitCount int

	timers           [numTimerKinds]timer
	synBackoff       *backoff.ExponentialBackOff
	persistBackoff   *backoff.ExponentialBackOff
	keepaliveBackoff backoff.BackOff

	sndQueue   *SendQueue
	rcvQueue   *ReceiveQueue
	scoreboard *SACKScoreboard

	// readBuf holds delivered data awaiting Read when data notification
	// is on.
	readBuf []byte

	stats ConnectionStats
}

// reservationKey names a port reservation.
type reservationKey struct {
	addr tcpip.Address
	port uint16
	dst  tcpip.FullAddress
}

func newConnection(p *Protocol, connID ConnID, app Application) *Connection {
	c := &Connection{
		proto:          p,
		connID:         connID,
		app:            app,
		opts:           p.defaults,
		state:          StateInit,
		ssthresh:       initialSsthresh,
		sndMSS:         header.TCPDefaultMSS,
		lastRTTSample:  -1,
		sndQueue:       NewSendQueue(0),
		rcvQueue:       NewReceiveQueue(0),
		scoreboard:     NewSACKScoreboard(0),
		synBackoff:     newSynRexmitBackoff(p.s),
		persistBackoff: newPersistBackoff(p.s),
	}
	c.logger = log.WithPrefix(fmt.Sprintf("conn %d: ", connID), p.logger)
	c.rtt.init()
	c.owner = p.s.Register(c)
	for k := range c.timers {
		c.timers[k].init(p.s, c.owner, timerKind(k))
	}
	return c
}

// ConnID returns the connection's identifier.
func (c *Connection) ConnID() ConnID {
	return c.connID
}

// State returns the connection's state.
func (c *Connection) State() State {
	return c.state
}

// Stats returns the connection's counters.
func (c *Connection) Stats() ConnectionStats {
	return c.stats
}

func (c *Connection) now() time.Time {
	return c.proto.s.Now()
}

// applyOptions installs opts, with an optional algorithm override.
func (c *Connection) applyOptions(opts *Options, algorithm string) error {
	o := c.proto.defaults
	if opts != nil {
		o = *opts
	}
	if algorithm != "" {
		o.Algorithm = algorithm
	}
	if err := o.Validate(); err != nil {
		return err
	}
	e, _ := lookupAlgorithm(o.Algorithm)
	o.Algorithm = e.canonical
	c.opts = o
	c.netOpts = tcpip.NetworkOptions{TTL: o.TTL, TOS: o.TOS, DSCP: o.DSCP}
	return nil
}

// selectInitialSeqNum picks the ISS, initializes the send side around it and
// creates the congestion control algorithm.
func (c *Connection) selectInitialSeqNum() {
	c.iss = c.proto.initialSeqNum(c.id)
	c.sndUna = c.iss
	c.sndNxt = c.iss
	c.sndMax = c.iss
	c.sndQueue.Init(c.iss + 1)
	c.scoreboard.Init(c.iss + 1)
	c.highRxt = c.iss + 1
	c.recoveryPoint = c.iss
	c.cwnd = header.TCPDefaultMSS
	c.ssthresh = initialSsthresh
	e, _ := lookupAlgorithm(c.opts.Algorithm)
	c.alg = e.new(c)
	c.logger.Debugf("ISS %d, algorithm %s", c.iss, c.alg.name())
}

// established completes the handshake: the initial window is set, and an
// active opener acknowledges the SYN-ACK, with data if any is queued.
func (c *Connection) established(active bool) {
	c.handshakeDone = true
	c.cwnd = c.initialWindow()
	if c.synRexmitCount > 0 {
		// RFC 5681 section 3.1: a lost SYN limits the initial window to
		// one segment.
		c.cwnd = c.smss()
	}
	if active {
		c.proto.stats.TCP.ActiveConnectionOpenings.Increment()
		if !c.sendData() {
			c.sendAck()
		}
	} else {
		c.proto.stats.TCP.PassiveConnectionOpenings.Increment()
		c.sendData()
	}
	if c.keepaliveEnabled() {
		c.restartKeepalive()
	}
}

// startSynRexmitTimer (re)starts the SYN retransmission schedule.
func (c *Connection) startSynRexmitTimer() {
	c.synRexmitCount = 0
	c.synBackoff.Reset()
	c.timers[timerSynRexmit].enable(c.synBackoff.NextBackOff())
}

func (c *Connection) keepaliveEnabled() bool {
	return c.opts.Keepalive && c.handshakeDone
}

// restartKeepalive rearms the idle timer after traffic from the peer.
func (c *Connection) restartKeepalive() {
	c.keepaliveBackoff = newKeepaliveBackoff(c.opts.KeepaliveInterval, c.opts.KeepaliveCount)
	c.timers[timerKeepalive].enable(c.opts.KeepaliveIdle)
}

// HandleTimer implements sim.Owner.HandleTimer.
func (c *Connection) HandleTimer(tag sim.Tag) {
	k := timerKind(tag)
	if k < 0 || k >= numTimerKinds {
		c.logger.Warningf("unknown timer %d", tag)
		return
	}
	c.timers[k].fired()
	if c.state == StateClosed {
		return
	}
	c.logger.Debugf("%s timer expired in %s", k, c.state)

	event := EventIgnore
	switch k {
	case timerRexmit:
		event = c.handleRexmitTimeout()
	case timerPersist:
		c.handlePersistTimeout()
	case timerDelayedAck:
		c.ackNow = true
		c.sendAck()
	case timerKeepalive:
		event = c.handleKeepaliveTimeout()
	case timer2MSL:
		event = EventTimeout2MSL
	case timerConnEstab:
		event = c.handleConnEstabTimeout()
	case timerFinWait2:
		c.indicateTerminal(IndicationClosed)
		event = EventTimeoutFinWait2
	case timerSynRexmit:
		event = c.handleSynRexmitTimeout()
	}
	c.performStateTransition(event)
}

// handleRexmitTimeout backs off the RTO and lets the algorithm retransmit.
func (c *Connection) handleRexmitTimeout() Event {
	if !c.handshakeDone || c.sndUna == c.sndMax {
		return EventIgnore
	}
	c.rexmitCount++
	if c.rexmitCount > MaxRexmitCount {
		c.logger.Infof("retransmission count exceeds %d, aborting", MaxRexmitCount)
		c.proto.stats.TCP.EstablishedTimedout.Increment()
		c.indicateTerminal(IndicationTimedOut)
		return EventAbort
	}
	c.rtt.rto = min(2*c.rtt.rto, MaxRTO)
	c.timers[timerRexmit].enable(c.rtt.rto)

	// Karn's algorithm: the running measurement would time a
	// retransmission.
	c.rtseqSendTime = time.Time{}

	c.stats.Timeouts++
	c.proto.stats.TCP.Timeouts.Increment()
	if c.sackEnabled {
		// RFC 6675 section 5.1.
		c.recoveryPoint = c.sndMax
		c.scoreboard.ResetSackedBit()
		c.scoreboard.ResetRexmittedBit()
		c.sackedBytes = 0
		c.highRxt = c.sndUna
	}
	c.dupacks = 0
	c.alg.timeoutExpired()
	return EventIgnore
}

// handlePersistTimeout sends a window probe and backs off.
func (c *Connection) handlePersistTimeout() {
	if c.sndWnd != 0 {
		return
	}
	c.timers[timerPersist].enable(clampPersist(c.persistBackoff.NextBackOff()))
	c.sendProbe()
}

// handleKeepaliveTimeout probes the peer, or gives up after the configured
// number of unanswered probes.
func (c *Connection) handleKeepaliveTimeout() Event {
	if !c.keepaliveEnabled() {
		return EventIgnore
	}
	next := c.keepaliveBackoff.NextBackOff()
	if next == backoff.Stop {
		c.logger.Infof("%d keepalive probes unanswered, aborting", c.opts.KeepaliveCount)
		c.indicateTerminal(IndicationTimedOut)
		return EventAbort
	}
	c.sendKeepalive()
	c.timers[timerKeepalive].enable(next)
	return EventIgnore
}

func (c *Connection) handleConnEstabTimeout() Event {
	switch c.state {
	case StateSynSent, StateSynRcvd:
		if c.activeOpen {
			c.proto.stats.TCP.FailedConnectionAttempts.Increment()
			c.indicateTerminal(IndicationTimedOut)
		} else if c.forked {
			return EventAbort
		}
		return EventTimeoutConnEstab
	}
	return EventIgnore
}

// handleSynRexmitTimeout retransmits the SYN or SYN-ACK.
func (c *Connection) handleSynRexmitTimeout() Event {
	c.synRexmitCount++
	if c.synRexmitCount > MaxRexmitCount {
		c.logger.Infof("SYN retransmission count exceeds %d, aborting", MaxRexmitCount)
		c.indicateTerminal(IndicationTimedOut)
		return EventAbort
	}
	switch c.state {
	case StateSynSent:
		c.sendSyn()
	case StateSynRcvd:
		c.sendSynAck()
	default:
		return EventIgnore
	}
	c.stats.Retransmits++
	c.proto.stats.TCP.Retransmits.Increment()
	c.timers[timerSynRexmit].enable(c.synBackoff.NextBackOff())
	return EventTimeoutSynRexmit
}

// performStateTransition moves the state machine on e. It returns false
// once the connection is closed.
func (c *Connection) performStateTransition(e Event) bool {
	if c.state == StateClosed {
		return false
	}
	old := c.state
	next, ok := nextState(old, e, c.activeOpen)
	if ok && next != old {
		c.logger.Debugf("%s -> %s on %s", old, next, e)
		c.state = next
		c.stateEntered(next, old)
	}
	return c.state != StateClosed
}

// stateEntered performs the actions attached to entering s.
func (c *Connection) stateEntered(s, old State) {
	switch s {
	case StateListen:
		c.timers[timerConnEstab].disable()
		c.timers[timerSynRexmit].disable()
		if old == StateSynRcvd {
			c.handshakeDone = false
			c.proto.relisten(c)
		}
	case StateEstablished:
		c.timers[timerConnEstab].disable()
		c.timers[timerSynRexmit].disable()
		c.proto.stats.TCP.CurrentEstablished.Increment()
	case StateCloseWait:
		c.timers[timerConnEstab].disable()
		c.timers[timerSynRexmit].disable()
		c.indicate(Indication{Kind: IndicationPeerClosed})
	case StateFinWait1, StateClosing, StateLastAck:
		c.timers[timerConnEstab].disable()
		c.timers[timerSynRexmit].disable()
	case StateFinWait2:
		c.timers[timerFinWait2].enable(FinWait2Timeout)
	case StateTimeWait:
		for _, k := range []timerKind{timerRexmit, timerPersist, timerKeepalive, timerFinWait2, timerConnEstab, timerSynRexmit} {
			c.timers[k].disable()
		}
		c.indicateTerminal(IndicationClosed)
		c.timers[timer2MSL].enable(TwoMSL)
	case StateClosed:
		for k := range c.timers {
			c.timers[k].disable()
		}
		c.indicateTerminal(IndicationClosed)
		c.proto.remove(c)
		c.proto.s.Unregister(c.owner)
	}
	if old == StateEstablished {
		c.proto.stats.TCP.CurrentEstablished.Decrement()
	}
}

// indicate delivers ind to the application.
func (c *Connection) indicate(ind Indication) {
	ind.ConnID = c.connID
	ind.ID = c.id
	c.logger.Debugf("indication %s", ind.Kind)
	if c.app != nil {
		c.app.Indicate(ind)
	}
}

// indicateEstablished reports the completed handshake.
func (c *Connection) indicateEstablished() {
	c.indicate(Indication{Kind: IndicationEstablished})
}

// indicateTerminal delivers the first terminal indication and drops later
// ones, so every connection reports exactly one way of ending.
func (c *Connection) indicateTerminal(kind IndicationKind) {
	if c.terminated {
		return
	}
	c.terminated = true
	c.terminatedBy = kind
	c.indicate(Indication{Kind: kind})
}

// processCommand executes cmd and returns the event it causes.
func (c *Connection) processCommand(cmd Command) (Event, error) {
	switch cmd := cmd.(type) {
	case OpenActive:
		return c.processOpenActive(cmd)
	case OpenPassive:
		return c.processOpenPassive(cmd)
	case Accept:
		if !c.forked {
			return EventIgnore, fmt.Errorf("accept on a connection not forked by a listener: %w", &tcpip.ErrInvalidEndpointState{})
		}
		if cmd.App != nil {
			c.app = cmd.App
		}
		return EventAccept, nil
	case Send:
		return c.processSend(cmd)
	case Close:
		return c.processClose()
	case Abort:
		switch c.state {
		case StateSynRcvd, StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
			c.sendRst(c.sndNxt)
		}
		return EventAbort, nil
	case Status:
		st := c.Status()
		c.indicate(Indication{Kind: IndicationStatusInfo, Status: &st})
		return EventStatus, nil
	case Read:
		return c.processRead(cmd)
	case SetOption:
		switch cmd.Kind {
		case OptionTTL:
			c.netOpts.TTL = cmd.Value
		case OptionTOS:
			c.netOpts.TOS = cmd.Value
		case OptionDSCP:
			c.netOpts.DSCP = cmd.Value
		default:
			return EventIgnore, &tcpip.ErrUnknownProtocolOption{}
		}
		return EventSetOption, nil
	}
	return EventIgnore, fmt.Errorf("unknown command %T: %w", cmd, &tcpip.ErrInvalidEndpointState{})
}

func (c *Connection) processOpenActive(cmd OpenActive) (Event, error) {
	if c.state != StateInit && c.state != StateListen {
		return EventIgnore, fmt.Errorf("open in %s: %w", c.state, &tcpip.ErrAlreadyBound{})
	}
	if cmd.RemoteAddr.Unspecified() || cmd.RemotePort == 0 {
		return EventIgnore, &tcpip.ErrDestinationRequired{}
	}
	if c.state == StateInit {
		if err := c.applyOptions(cmd.Options, cmd.Algorithm); err != nil {
			return EventIgnore, err
		}
	}
	local := cmd.LocalAddr
	port := cmd.LocalPort
	if c.state == StateListen {
		local, port = c.id.LocalAddress, c.id.LocalPort
	}
	if local == "" {
		local = c.proto.address
	}
	if !local.Unspecified() && local.Family() != cmd.RemoteAddr.Family() {
		return EventIgnore, &tcpip.ErrAddressFamilyNotSupported{}
	}
	if c.state == StateListen {
		c.proto.unlisten(c)
		c.proto.releaseReservation(c)
	}

	dst := tcpip.FullAddress{Addr: cmd.RemoteAddr, Port: cmd.RemotePort}
	flags := ports.Flags{ReuseAddr: cmd.ReuseAddr || c.reuseAddr}
	p, err := c.proto.ports.ReservePort(local, port, flags, dst)
	if err != nil {
		return EventIgnore, err
	}
	c.reserved = true
	c.reservation = reservationKey{addr: local, port: p, dst: dst}
	c.reuseAddr = flags.ReuseAddr
	c.id = tcpip.TransportEndpointID{
		LocalAddress:  local,
		LocalPort:     p,
		RemoteAddress: cmd.RemoteAddr,
		RemotePort:    cmd.RemotePort,
	}
	if err := c.proto.bindConnected(c); err != nil {
		c.proto.releaseReservation(c)
		return EventIgnore, err
	}

	c.activeOpen = true
	c.selectInitialSeqNum()
	c.sendSyn()
	c.startSynRexmitTimer()
	c.timers[timerConnEstab].enable(ConnEstabTimeout)
	c.logger.Debugf("active open %s", c.id)
	return EventOpenActive, nil
}

func (c *Connection) processOpenPassive(cmd OpenPassive) (Event, error) {
	if c.state != StateInit {
		return EventIgnore, fmt.Errorf("open in %s: %w", c.state, &tcpip.ErrAlreadyBound{})
	}
	if cmd.LocalPort == 0 {
		return EventIgnore, fmt.Errorf("passive open needs a local port: %w", &tcpip.ErrInvalidEndpointState{})
	}
	if err := c.applyOptions(cmd.Options, cmd.Algorithm); err != nil {
		return EventIgnore, err
	}
	flags := ports.Flags{ReuseAddr: cmd.ReuseAddr}
	if _, err := c.proto.ports.ReservePort(cmd.LocalAddr, cmd.LocalPort, flags, tcpip.FullAddress{}); err != nil {
		return EventIgnore, err
	}
	c.reserved = true
	c.reservation = reservationKey{addr: cmd.LocalAddr, port: cmd.LocalPort}
	c.reuseAddr = cmd.ReuseAddr
	c.id = tcpip.TransportEndpointID{LocalAddress: cmd.LocalAddr, LocalPort: cmd.LocalPort}
	c.fork = cmd.Fork
	c.activeOpen = false
	c.proto.listen(c)
	c.logger.Debugf("listening on %s:%d, fork %t", cmd.LocalAddr, cmd.LocalPort, cmd.Fork)
	return EventOpenPassive, nil
}

func (c *Connection) processSend(cmd Send) (Event, error) {
	switch c.state {
	case StateInit:
		return EventIgnore, fmt.Errorf("send on a connection not open: %w", &tcpip.ErrInvalidEndpointState{})
	case StateListen:
		return EventIgnore, &tcpip.ErrDestinationRequired{}
	case StateSynSent, StateSynRcvd, StateEstablished, StateCloseWait:
		if c.sendFinPending {
			return EventIgnore, &tcpip.ErrClosedForSend{}
		}
	default:
		return EventIgnore, &tcpip.ErrClosedForSend{}
	}
	if err := c.sndQueue.Enqueue(cmd.Data); err != nil {
		return EventIgnore, err
	}
	c.sendData()
	if c.handshakeDone && c.sndWnd == 0 {
		// Nothing can go out until a probe opens the window.
		c.windowUpdated()
	}
	return EventSend, nil
}

// processClose starts the orderly release. The FIN follows the queued data.
func (c *Connection) processClose() (Event, error) {
	switch c.state {
	case StateInit:
		return EventIgnore, fmt.Errorf("close on a connection not open: %w", &tcpip.ErrInvalidEndpointState{})
	case StateListen, StateSynSent:
		return EventClose, nil
	case StateSynRcvd, StateEstablished, StateCloseWait:
		if c.sendFinPending {
			return EventIgnore, fmt.Errorf("duplicate close: %w", &tcpip.ErrClosedForSend{})
		}
		c.sendFinPending = true
		c.finSeq = c.sndQueue.BufferEndSeq()
		if c.sndMax == c.finSeq {
			c.sendFin()
			c.sndNxt = c.finSeq + 1
			c.sndMax = c.sndNxt
			c.restartRexmitTimer()
		}
		return EventClose, nil
	}
	return EventIgnore, fmt.Errorf("close in %s: %w", c.state, &tcpip.ErrClosedForSend{})
}

func (c *Connection) processRead(cmd Read) (Event, error) {
	if !c.opts.DataNotification {
		return EventIgnore, fmt.Errorf("read without data notification: %w", &tcpip.ErrInvalidEndpointState{})
	}
	n := len(c.readBuf)
	if cmd.MaxBytes > 0 {
		n = min(n, cmd.MaxBytes)
	}
	if n == 0 {
		return EventRead, nil
	}
	data := make([]byte, n)
	copy(data, c.readBuf)
	c.readBuf = c.readBuf[n:]
	c.indicate(Indication{Kind: IndicationData, Data: data})

	// Reading may open a window the peer is waiting for.
	if c.state.synchronized() {
		before := c.rcvWnd
		c.updateRcvWnd()
		if before < uint32(c.opts.MSS) && c.rcvWnd >= uint32(c.opts.MSS) {
			c.sendAck()
		}
	}
	return EventRead, nil
}

// cloneListening returns a copy of the listener c for a new connection
// with the given ID. The clone gets its own options and queues.
func (c *Connection) cloneListening(connID ConnID, id tcpip.TransportEndpointID) *Connection {
	n := newConnection(c.proto, connID, c.app)
	n.opts = deepcopy.Copy(c.opts).(Options)
	n.netOpts = c.netOpts
	n.state = StateListen
	n.id = id
	n.forked = true
	n.listener = c.connID
	n.reuseAddr = c.reuseAddr
	return n
}

// Status returns a snapshot of the connection.
func (c *Connection) Status() StatusInfo {
	alg := c.opts.Algorithm
	if c.alg != nil {
		alg = c.alg.name()
	}
	return StatusInfo{
		State:           c.state,
		ID:              c.id,
		Algorithm:       alg,
		SndUna:          c.sndUna,
		SndNxt:          c.sndNxt,
		SndMax:          c.sndMax,
		SndWnd:          c.sndWnd,
		SndWl1:          c.sndWl1,
		SndWl2:          c.sndWl2,
		ISS:             c.iss,
		SndMSS:          c.sndMSS,
		RcvNxt:          c.rcvNxt,
		RcvWnd:          c.rcvWnd,
		RcvAdv:          c.rcvAdv,
		IRS:             c.irs,
		Cwnd:            c.cwnd,
		Ssthresh:        c.ssthresh,
		SRTT:            c.rtt.srtt,
		RTTVar:          c.rtt.rttvar,
		RTO:             c.rtt.rto,
		WindowScaling:   c.wsEnabled,
		SndWindowScale:  c.sndWndScale,
		RcvWindowScale:  c.rcvWndScale,
		Timestamps:      c.tsEnabled,
		SACK:            c.sackEnabled,
		ECN:             c.ecnEnabled,
		LossRecovery:    c.lossRecovery,
		DupAcks:         c.dupacks,
		SendQueueBytes:  c.sndQueue.BytesAvailable(c.sndQueue.BufferStartSeq()),
		RcvBufferedData: c.rcvQueue.BufferedByteCount() + uint32(len(c.readBuf)),
		Stats:           c.stats,
	}
}

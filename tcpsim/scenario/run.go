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

package scenario

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/inet-go/tcpsim/pkg/log"
	"github.com/inet-go/tcpsim/pkg/sim"
	"github.com/inet-go/tcpsim/pkg/tcpip"
	"github.com/inet-go/tcpsim/pkg/tcpip/link/pipe"
	"github.com/inet-go/tcpsim/pkg/tcpip/link/sniffer"
	"github.com/inet-go/tcpsim/pkg/tcpip/transport/tcp"
	"github.com/inet-go/tcpsim/pkg/tcpip/transport/tcpconntrack"
	"github.com/inet-go/tcpsim/tcpsim/config"
)

// firstClientPort is the local port of the first connection. Connection i
// uses firstClientPort+i so that the server can tell them apart.
const firstClientPort = 49152

// Runner runs scenarios under one configuration.
type Runner struct {
	conf *config.Config

	// newID returns run IDs.
	newID func() uuid.UUID
}

// NewRunner returns a Runner for conf. conf must be valid.
func NewRunner(conf *config.Config) *Runner {
	return &Runner{conf: conf, newID: uuid.New}
}

// RunAll runs every scenario in scs, at most conf.Parallel at a time. The
// results are in the order of scs; the entry of a scenario that could not
// run is nil and its error is part of the returned error.
func (r *Runner) RunAll(ctx context.Context, scs []*Scenario) ([]*Result, error) {
	results := make([]*Result, len(scs))
	errs := make([]error, len(scs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.conf.Parallel)
	for i, sc := range scs {
		i, sc := i, sc
		g.Go(func() error {
			res, err := r.Run(ctx, sc)
			results[i] = res
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return results, merr.ErrorOrNil()
}

// Run simulates sc until every event has run or its duration has elapsed.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*Result, error) {
	if err := sc.Validate(r.conf); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc, err)
	}
	sm, err := r.newSimulation(sc)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc, err)
	}
	defer sm.close()

	sm.logger.Infof("Starting run %s: %d connections over %v", sm.id, len(sc.Connections), sc.Duration)
	if err := sm.start(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc, err)
	}
	if err := sm.s.Run(ctx, sm.s.Now().Add(sc.Duration)); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", sc, err)
	}
	res := sm.result()
	if res.Passed() {
		sm.logger.Infof("Run %s passed after %v", sm.id, res.Elapsed)
	} else {
		sm.logger.Warningf("Run %s failed expectations", sm.id)
	}
	return res, nil
}

// host is one end of a simulation.
type host struct {
	name   string
	addr   tcpip.Address
	link   *pipe.Endpoint
	proto  *tcp.Protocol
	logger log.Logger

	// track follows the connections of the host on the wire. Only the
	// client has one.
	track *tcpconntrack.Tracker
	s      *sim.Scheduler
}

// command runs cmd on connection id once the current event has finished.
func (h *host) command(id tcp.ConnID, cmd tcp.Command) {
	h.s.AfterFunc(0, func() {
		if err := h.proto.Command(id, cmd); err != nil {
			h.logger.Warningf("%T on connection %d: %v", cmd, id, err)
		}
	})
}

// stats returns the counters of connection id, if it still exists.
func (h *host) stats(id tcp.ConnID) (tcp.ConnectionStats, bool) {
	c, ok := h.proto.Connection(id)
	if !ok {
		return tcp.ConnectionStats{}, false
	}
	return c.Stats(), true
}

type simulation struct {
	sc     *Scenario
	id     uuid.UUID
	s      *sim.Scheduler
	start0 time.Time
	logger log.Logger

	client *host
	server *host

	conns  []*connRun
	byPort map[uint16]*connRun

	files []*os.File
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

func (r *Runner) newSimulation(sc *Scenario) (*simulation, error) {
	s := sim.NewDefault()
	sm := &simulation{
		sc:     sc,
		id:     r.newID(),
		s:      s,
		start0: s.Now(),
		byPort: make(map[uint16]*connRun),
	}
	emitter := log.Log().Emitter
	if le, ok := emitter.(*log.LogrusEmitter); ok {
		emitter = le.WithField("run_id", sm.id.String())
	}
	base := &log.BasicLogger{Level: log.Log().Level, Emitter: emitter, Now: s.Now}
	sm.logger = log.WithPrefix(fmt.Sprintf("[%s] ", sc.Name), base)

	clientAddr := tcpip.MustParseAddress(sc.Client.Address)
	serverAddr := tcpip.MustParseAddress(sc.Server.Address)
	seed := sc.Seed
	if seed == 0 {
		seed = r.conf.Seed
	}
	opts := sc.Link.pipeOptions(seed)
	opts.Drop = newDropper(clientAddr, sc.Link.DropClient, sc.Link.DropServer)
	clientLink, serverLink, err := pipe.New(s, clientAddr, serverAddr, opts)
	if err != nil {
		return nil, err
	}

	sm.client = &host{name: "client", addr: clientAddr, link: clientLink, s: s, logger: log.WithPrefix(fmt.Sprintf("[%s client] ", sc.Name), base)}
	sm.server = &host{name: "server", addr: serverAddr, link: serverLink, s: s, logger: log.WithPrefix(fmt.Sprintf("[%s server] ", sc.Name), base)}
	for _, h := range []struct {
		h    *host
		spec *Host
	}{{sm.client, &sc.Client}, {sm.server, &sc.Server}} {
		if err := r.attach(sm, h.h, h.spec); err != nil {
			sm.close()
			return nil, fmt.Errorf("%s: %w", h.h.name, err)
		}
	}

	for i, c := range sc.Connections {
		cr := &connRun{
			sm:        sm,
			spec:      c,
			localPort: uint16(firstClientPort + i),
			send:      pattern(c.Send, 2*i),
			reply:     pattern(c.Reply, 2*i+1),
			res: &ConnectionResult{
				Name:        c.Name,
				Send:        c.Send,
				Reply:       c.Reply,
				Established: -1,
				Completed:   -1,
			},
		}
		sm.conns = append(sm.conns, cr)
		sm.byPort[cr.localPort] = cr
	}
	return sm, nil
}

// attach creates the protocol of h and connects it to its link, through a
// sniffer when packets are logged or captured. The client's segments also
// pass through a connection tracker.
func (r *Runner) attach(sm *simulation, h *host, spec *Host) error {
	opts, err := spec.options(r.conf)
	if err != nil {
		return err
	}

	var sender tcpip.NetworkSender = h.link
	var snif *sniffer.Endpoint
	var pktLogger log.Logger
	if r.conf.LogPackets {
		pktLogger = h.logger
	}
	if r.conf.PCAPDir != "" {
		if err := os.MkdirAll(r.conf.PCAPDir, 0755); err != nil {
			return err
		}
		name := fmt.Sprintf("%s-%s-%s.pcap", unsafeChars.ReplaceAllString(sm.sc.Name, "_"), sm.id, h.name)
		f, err := os.Create(filepath.Join(r.conf.PCAPDir, name))
		if err != nil {
			return err
		}
		sm.files = append(sm.files, f)
		snif, err = sniffer.NewWithWriter(h.link, sm.s, pktLogger, f, uint32(r.conf.SnapLen))
		if err != nil {
			return err
		}
	} else if pktLogger != nil {
		snif = sniffer.New(h.link, sm.s, pktLogger)
	}
	if snif != nil {
		sender = snif
	}
	if h == sm.client {
		h.track = tcpconntrack.NewTracker(sender)
		sender = h.track
	}

	h.proto, err = tcp.NewProtocol(tcp.ProtocolOptions{
		Scheduler:    sm.s,
		Sender:       sender,
		Address:      h.addr,
		Defaults:     &opts,
		ChecksumMode: spec.checksumMode(r.conf),
		Logger:       h.logger,
	})
	if err != nil {
		return err
	}
	var upper tcpip.PacketDispatcher = h.proto
	if h.track != nil {
		h.track.Attach(upper)
		upper = h.track
	}
	if snif != nil {
		snif.Attach(upper)
		upper = snif
	}
	h.link.Attach(upper)
	return nil
}

// newDropper returns a link drop hook discarding the listed packets of each
// side. Indexes count the packets that survive random loss.
func newDropper(client tcpip.Address, dropClient, dropServer []int) func([]byte, tcpip.Address, tcpip.Address) bool {
	if len(dropClient) == 0 && len(dropServer) == 0 {
		return nil
	}
	toSet := func(idx []int) map[int]bool {
		m := make(map[int]bool, len(idx))
		for _, i := range idx {
			m[i] = true
		}
		return m
	}
	clientSet, serverSet := toSet(dropClient), toSet(dropServer)
	var clientCount, serverCount int
	return func(_ []byte, src, _ tcpip.Address) bool {
		if src == client {
			clientCount++
			return clientSet[clientCount]
		}
		serverCount++
		return serverSet[serverCount]
	}
}

// start opens the listeners and schedules the connections.
func (sm *simulation) start() error {
	for _, port := range sm.sc.listenPorts() {
		id := sm.server.proto.Socket(tcp.ApplicationFunc(sm.listenerIndicate))
		if err := sm.server.proto.Command(id, tcp.OpenPassive{LocalAddr: sm.server.addr, LocalPort: port, Fork: true}); err != nil {
			return fmt.Errorf("listening on port %d: %w", port, err)
		}
	}
	for _, cr := range sm.conns {
		sm.s.AfterFunc(cr.spec.Start, cr.open)
	}
	return nil
}

// listenerIndicate hands connections forked by a listener to the
// connection that opened them.
func (sm *simulation) listenerIndicate(ind tcp.Indication) {
	if ind.Kind != tcp.IndicationAvailable {
		return
	}
	cr, ok := sm.byPort[ind.ID.RemotePort]
	if !ok || cr.accepted {
		sm.server.logger.Warningf("unexpected connection from %s:%d", ind.ID.RemoteAddress, ind.ID.RemotePort)
		sm.server.command(ind.ConnID, tcp.Abort{})
		return
	}
	cr.accepted = true
	cr.serverID = ind.ConnID
	if err := sm.server.proto.Command(ind.ConnID, tcp.Accept{App: tcp.ApplicationFunc(cr.serverIndicate)}); err != nil {
		sm.server.logger.Warningf("accepting %s: %v", ind.ID, err)
	}
}

func (sm *simulation) elapsed() time.Duration {
	return sm.s.Now().Sub(sm.start0)
}

func (sm *simulation) result() *Result {
	res := &Result{
		Scenario:       sm.sc.Name,
		RunID:          sm.id,
		Elapsed:        sm.elapsed(),
		Events:         sm.s.Executed(),
		ClientToServer: linkStats(sm.client.link.Stats()),
		ServerToClient: linkStats(sm.server.link.Stats()),
		Client:         protocolStats(sm.client.proto.Stats()),
		Server:         protocolStats(sm.server.proto.Stats()),
	}
	for _, cr := range sm.conns {
		res.Connections = append(res.Connections, cr.finish())
	}
	return res
}

func (sm *simulation) close() {
	for _, f := range sm.files {
		if err := f.Close(); err != nil {
			sm.logger.Warningf("closing %s: %v", f.Name(), err)
		}
	}
	sm.files = nil
}

// connRun tracks one connection through a simulation.
type connRun struct {
	sm   *simulation
	spec *Connection
	res  *ConnectionResult

	localPort uint16
	opened    time.Time

	clientID tcp.ConnID
	serverID tcp.ConnID
	accepted bool

	clientDone bool
	serverDone bool

	send  []byte
	reply []byte

	// delivered is what the server received, received what the client
	// did.
	delivered bytes.Buffer
	received  bytes.Buffer
}

func (cr *connRun) open() {
	sm := cr.sm
	c := sm.client
	cr.opened = sm.s.Now()
	cr.clientID = c.proto.Socket(tcp.ApplicationFunc(cr.clientIndicate))
	err := c.proto.Command(cr.clientID, tcp.OpenActive{
		LocalAddr:  c.addr,
		LocalPort:  cr.localPort,
		RemoteAddr: sm.server.addr,
		RemotePort: cr.spec.Port,
		Algorithm:  cr.spec.Algorithm,
	})
	if err != nil {
		c.logger.Warningf("opening %s: %v", cr.spec.Name, err)
		cr.res.Failures = append(cr.res.Failures, fmt.Sprintf("open failed: %v", err))
		cr.clientDone = true
		return
	}
	c.logger.Debugf("opened %s as connection %d", cr.spec.Name, cr.clientID)
	if cr.spec.Abort > 0 {
		sm.s.AfterFunc(cr.spec.Abort, func() {
			if cr.clientDone {
				return
			}
			if err := c.proto.Command(cr.clientID, tcp.Abort{}); err != nil {
				c.logger.Debugf("aborting %s: %v", cr.spec.Name, err)
			}
		})
	}
}

func (cr *connRun) since() time.Duration {
	return cr.sm.s.Now().Sub(cr.opened)
}

func (cr *connRun) clientIndicate(ind tcp.Indication) {
	c := cr.sm.client
	switch ind.Kind {
	case tcp.IndicationEstablished:
		cr.res.Established = cr.since()
		cr.res.ID = ind.ID
		if len(cr.send) > 0 {
			c.command(cr.clientID, tcp.Send{Data: cr.send})
		}
		if !cr.spec.KeepOpen {
			c.command(cr.clientID, tcp.Close{})
		}
	case tcp.IndicationData:
		cr.received.Write(ind.Data)
	case tcp.IndicationDataNotification:
		c.command(cr.clientID, tcp.Read{})
	default:
		outcome, ok := outcomes[ind.Kind]
		if !ok {
			return
		}
		cr.clientDone = true
		cr.res.Outcome = outcome
		cr.res.Completed = cr.since()
		if st, ok := c.stats(cr.clientID); ok {
			cr.res.Client = st
		}
		c.logger.Infof("%s ended: %s after %v", cr.spec.Name, ind.Kind, cr.res.Completed)
	}
}

func (cr *connRun) serverIndicate(ind tcp.Indication) {
	s := cr.sm.server
	switch ind.Kind {
	case tcp.IndicationEstablished:
		if len(cr.reply) > 0 {
			s.command(cr.serverID, tcp.Send{Data: cr.reply})
		}
	case tcp.IndicationData:
		cr.delivered.Write(ind.Data)
	case tcp.IndicationDataNotification:
		s.command(cr.serverID, tcp.Read{})
	case tcp.IndicationPeerClosed:
		s.command(cr.serverID, tcp.Close{})
	default:
		outcome, ok := outcomes[ind.Kind]
		if !ok {
			return
		}
		cr.serverDone = true
		cr.res.ServerOutcome = outcome
		if st, ok := s.stats(cr.serverID); ok {
			cr.res.Server = st
		}
	}
}

// finish completes the result of cr at the end of the run.
func (cr *connRun) finish() *ConnectionResult {
	res := cr.res
	if !cr.clientDone {
		res.Outcome = OutcomeOpen
		if st, ok := cr.sm.client.stats(cr.clientID); ok {
			res.Client = st
		}
	}
	if !cr.serverDone {
		res.ServerOutcome = OutcomeOpen
		if cr.accepted {
			if st, ok := cr.sm.server.stats(cr.serverID); ok {
				res.Server = st
			}
		}
	}
	res.Wire = WireUnseen
	if st, ok := cr.sm.client.track.State(cr.sm.server.addr, cr.localPort, cr.spec.Port); ok {
		res.Wire = st.String()
	}
	res.Delivered = cr.delivered.Len()
	res.Received = cr.received.Len()
	res.Intact = bytes.Equal(cr.delivered.Bytes(), cr.send) && bytes.Equal(cr.received.Bytes(), cr.reply)
	if cr.spec.Expect != nil {
		res.Failures = append(res.Failures, cr.spec.Expect.check(res)...)
	}
	return res
}

// pattern returns n bytes of test data. Different salts give different
// data so that misdelivery between connections is detected.
func pattern(n, salt int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((i + 31*salt) % 251)
	}
	return b
}

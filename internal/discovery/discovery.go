package discovery

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"lanbus/internal/netx"
	"lanbus/internal/telemetry"
	"lanbus/internal/wire"
)

// Default tunables. All of them can be changed per engine, before or during
// operation.
const (
	DefSilenceInterval   = 3000 * time.Millisecond
	DefActivityInterval  = 100 * time.Millisecond
	DefAdvertiseInterval = 1000 * time.Millisecond
	DefHeartbeatInterval = 1000 * time.Millisecond

	// How long the reception worker blocks in one poll.
	pollTimeout = 250 * time.Millisecond

	// Grace period after the BYE broadcast so the datagram leaves the host.
	byeLinger = 100 * time.Millisecond
)

// Kind selects between message and service advertisements.
type Kind int

const (
	Msg Kind = iota
	Srv
)

// Callback observes a remote (dis)appearance. Callbacks run outside the
// engine lock and may call back into the engine.
type Callback func(topic, addr, ctrl, pUuid, nUuid string, scope wire.Scope)

// Config configures an Engine.
type Config struct {
	// PUuid identifies this process on the broadcast domain. Required.
	PUuid string

	// Transport to run on. Nil means UDP broadcast on netx.DiscoveryPort;
	// a supplied transport stays owned by the caller.
	Transport netx.Transport

	// Logger for diagnostics. Nil means discard.
	Logger telemetry.Logger

	// Verbose dumps the engine state after every received datagram.
	Verbose bool

	// Clock is the engine's time source. Nil means the wall clock.
	Clock clock.Clock
}

// Engine is the discovery service: it maintains the live view of remote
// processes, their nodes and their endpoints, advertises the local ones and
// surfaces changes through the four callbacks.
type Engine struct {
	pUuid    string
	verbose  bool
	logger   telemetry.Logger
	clk      clock.Clock
	tr       netx.Transport
	hostAddr string
	ownTr    bool

	mu       sync.Mutex
	registry *Registry
	activity map[string]time.Time
	beacons  map[string]map[string]*netx.Repeater

	silenceIntv   time.Duration
	activityIntv  time.Duration
	advertiseIntv time.Duration
	heartbeatIntv time.Duration

	connectionCb       Callback
	disconnectionCb    Callback
	connectionSrvCb    Callback
	disconnectionSrvCb Callback

	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// pendingCb is a callback captured under the lock, dispatched after it is
// released.
type pendingCb struct {
	cb    Callback
	topic string
	addr  string
	ctrl  string
	pUuid string
	nUuid string
	scope wire.Scope
}

// New opens the transport (unless one is supplied) and starts the reception,
// heartbeat and activity workers. The engine is usable as soon as New
// returns; Close must be called to release it.
func New(cfg Config) (*Engine, error) {
	if cfg.PUuid == "" {
		return nil, errors.New("discovery: empty process UUID")
	}

	tr := cfg.Transport
	ownTr := false
	if tr == nil {
		var err error
		tr, err = netx.NewUDPBroadcast(netx.DiscoveryPort)
		if err != nil {
			return nil, err
		}
		ownTr = true
	}

	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	e := &Engine{
		pUuid:    cfg.PUuid,
		verbose:  cfg.Verbose,
		logger:   logger,
		clk:      clk,
		tr:       tr,
		hostAddr: tr.LocalHostAddr(),
		ownTr:    ownTr,

		registry: NewRegistry(),
		activity: make(map[string]time.Time),
		beacons:  make(map[string]map[string]*netx.Repeater),

		silenceIntv:   DefSilenceInterval,
		activityIntv:  DefActivityInterval,
		advertiseIntv: DefAdvertiseInterval,
		heartbeatIntv: DefHeartbeatInterval,

		quit: make(chan struct{}),
	}

	e.wg.Add(3)
	go e.runReception()
	go e.runHeartbeat()
	go e.runActivity()

	if e.verbose {
		e.logState()
	}
	return e, nil
}

// PUuid returns the engine's process UUID.
func (e *Engine) PUuid() string { return e.pUuid }

// HostAddr returns the local host address used for Host-scope filtering.
func (e *Engine) HostAddr() string { return e.hostAddr }

// Advertise registers a local (topic, node) and, unless the scope is
// process-only, starts a repeating beacon for it. Missing required fields
// are refused without touching any state.
func (e *Engine) Advertise(k Kind, topic, addr, ctrl, nUuid string, scope wire.Scope) error {
	if topic == "" || addr == "" || nUuid == "" {
		return fmt.Errorf("discovery: advertise: %w", wire.ErrIncomplete)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.registry.Add(topic, addr, ctrl, e.pUuid, nUuid, scope)

	// Process scope never leaves this process.
	if scope == wire.ScopeProcess {
		return nil
	}

	return e.newBeaconLocked(k, topic, nUuid)
}

// Unadvertise withdraws a local (topic, node): the record is dropped, a
// one-shot UNADVERTISE goes out and the beacon is destroyed. Unknown
// (topic, nUuid) pairs are a no-op.
func (e *Engine) Unadvertise(k Kind, topic, nUuid string) {
	var payload []byte
	var rep *netx.Repeater

	e.mu.Lock()
	rec, ok := e.registry.Get(topic, e.pUuid, nUuid)
	if !ok {
		e.mu.Unlock()
		return
	}
	e.registry.DelByNode(topic, e.pUuid, nUuid)

	if rec.Scope != wire.ScopeProcess {
		t := wire.UnadvType
		if k == Srv {
			t = wire.UnadvSrvType
		}
		var err error
		if payload, err = packAdv(t, e.pUuid, rec); err != nil {
			e.logf("discovery: unadvertise %q: %v", topic, err)
		}
		rep = e.takeBeaconLocked(topic, nUuid)
	}
	e.mu.Unlock()

	if payload != nil {
		if err := e.tr.Broadcast(payload); err != nil {
			e.logf("discovery: unadvertise %q: %v", topic, err)
		}
	}
	if rep != nil {
		rep.Stop()
	}
}

// Discover broadcasts a discovery request for topic and replays the locally
// cached records through the connection callback. For service requests at
// most one callback fires, so a single RPC request cannot collect several
// responders.
func (e *Engine) Discover(topic string, srv bool) {
	t := wire.SubType
	if srv {
		t = wire.SubSrvType
	}
	e.sendControl(t, topic)

	var pending []pendingCb
	e.mu.Lock()
	if e.registry.HasTopic(topic) {
	scan:
		for pUuid, recs := range e.registry.GetAll(topic) {
			for _, rec := range recs {
				// Process- and host-confined records stay local.
				if rec.Scope != wire.ScopeAll && pUuid != e.pUuid {
					continue
				}
				if srv {
					if e.connectionSrvCb != nil {
						pending = append(pending, pendingCb{
							cb:    e.connectionSrvCb,
							topic: topic, addr: rec.Addr, ctrl: rec.Ctrl,
							pUuid: pUuid, nUuid: rec.NUuid, scope: rec.Scope,
						})
						break scan
					}
				} else if e.connectionCb != nil {
					pending = append(pending, pendingCb{
						cb:    e.connectionCb,
						topic: topic, addr: rec.Addr, ctrl: rec.Ctrl,
						pUuid: pUuid, nUuid: rec.NUuid, scope: rec.Scope,
					})
				}
			}
		}
	}
	e.mu.Unlock()

	runCallbacks(pending)
}

// SetConnectionCallback installs the callback observing remote message
// publishers appearing.
func (e *Engine) SetConnectionCallback(cb Callback) {
	e.mu.Lock()
	e.connectionCb = cb
	e.mu.Unlock()
}

// SetDisconnectionCallback installs the callback observing remote message
// publishers going away.
func (e *Engine) SetDisconnectionCallback(cb Callback) {
	e.mu.Lock()
	e.disconnectionCb = cb
	e.mu.Unlock()
}

// SetConnectionSrvCallback installs the service counterpart of the
// connection callback.
func (e *Engine) SetConnectionSrvCallback(cb Callback) {
	e.mu.Lock()
	e.connectionSrvCb = cb
	e.mu.Unlock()
}

// SetDisconnectionSrvCallback installs the service counterpart of the
// disconnection callback.
func (e *Engine) SetDisconnectionSrvCallback(cb Callback) {
	e.mu.Lock()
	e.disconnectionSrvCb = cb
	e.mu.Unlock()
}

// SilenceInterval is how long a process may stay quiet before it is
// declared dead.
func (e *Engine) SilenceInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.silenceIntv
}

func (e *Engine) SetSilenceInterval(d time.Duration) {
	e.mu.Lock()
	e.silenceIntv = d
	e.mu.Unlock()
}

// ActivityInterval is the liveness sweep period.
func (e *Engine) ActivityInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityIntv
}

func (e *Engine) SetActivityInterval(d time.Duration) {
	e.mu.Lock()
	e.activityIntv = d
	e.mu.Unlock()
}

// AdvertiseInterval is the repeating-beacon period. Changing it affects
// beacons created afterwards.
func (e *Engine) AdvertiseInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.advertiseIntv
}

func (e *Engine) SetAdvertiseInterval(d time.Duration) {
	e.mu.Lock()
	e.advertiseIntv = d
	e.mu.Unlock()
}

// HeartbeatInterval is the HELLO emission period.
func (e *Engine) HeartbeatInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.heartbeatIntv
}

func (e *Engine) SetHeartbeatInterval(d time.Duration) {
	e.mu.Lock()
	e.heartbeatIntv = d
	e.mu.Unlock()
}

// HasTopic reports whether any known process advertises topic.
func (e *Engine) HasTopic(topic string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.HasTopic(topic)
}

// TopicList returns the known topics, sorted.
func (e *Engine) TopicList() []string {
	e.mu.Lock()
	out := e.registry.Topics()
	e.mu.Unlock()
	sort.Strings(out)
	return out
}

// Records returns a copy of the known records for topic, keyed by process
// UUID.
func (e *Engine) Records(topic string) map[string][]Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.GetAll(topic)
}

// Close shuts the engine down: workers are joined, a BYE is broadcast so
// peers drop us right away, beacons are silenced and the transport closed
// if the engine opened it.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.quit)
		e.wg.Wait()

		// Trigger the remote cancellation of everything we advertised.
		// Best effort; the silence interval covers a lost BYE.
		e.sendControl(wire.ByeType, "")
		time.Sleep(byeLinger)

		e.mu.Lock()
		var reps []*netx.Repeater
		for _, nodes := range e.beacons {
			for _, r := range nodes {
				reps = append(reps, r)
			}
		}
		e.beacons = make(map[string]map[string]*netx.Repeater)
		e.mu.Unlock()

		for _, r := range reps {
			r.Stop()
		}

		if e.ownTr {
			e.closeErr = e.tr.Close()
		}
	})
	return e.closeErr
}

// ----- workers -----

func (e *Engine) runReception() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		default:
		}

		pkt, ok, err := e.tr.Recv(pollTimeout)
		if err != nil {
			e.logf("discovery: recv: %v", err)
			continue
		}
		if !ok {
			continue
		}

		e.processDatagram(pkt.SrcIP, pkt.Data)
		if e.verbose {
			e.logState()
		}
	}
}

func (e *Engine) runHeartbeat() {
	defer e.wg.Done()
	for {
		e.sendControl(wire.HelloType, "")
		select {
		case <-e.quit:
			return
		case <-e.clk.After(e.HeartbeatInterval()):
		}
	}
}

func (e *Engine) runActivity() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case <-e.clk.After(e.ActivityInterval()):
		}
		e.sweepActivity()
	}
}

// sweepActivity reaps processes that have been silent for longer than the
// silence interval. Expired entries are collected first and removed after
// the scan.
func (e *Engine) sweepActivity() {
	var pending []pendingCb

	e.mu.Lock()
	now := e.clk.Now()
	var doomed []string
	for pUuid, last := range e.activity {
		if pUuid == e.pUuid {
			continue
		}
		if now.Sub(last) > e.silenceIntv {
			doomed = append(doomed, pUuid)
		}
	}
	for _, pUuid := range doomed {
		e.registry.DelByProc(pUuid)
		delete(e.activity, pUuid)
		pending = append(pending, pendingCb{
			cb: e.disconnectionCb, pUuid: pUuid, scope: wire.ScopeAll,
		})
	}
	e.mu.Unlock()

	runCallbacks(pending)
}

// ----- reception state machine -----

func (e *Engine) processDatagram(srcIP string, data []byte) {
	msg, err := wire.Unpack(data)
	if err != nil {
		e.logf("discovery: drop from %s: %v", srcIP, err)
		return
	}
	h := msg.Header

	// Discard our own datagrams; broadcast echoes them back.
	if h.PUuid == e.pUuid {
		return
	}

	var pending []pendingCb
	var replies [][]byte

	e.mu.Lock()
	e.activity[h.PUuid] = e.clk.Now()

	switch h.Type {
	case wire.AdvType, wire.AdvSrvType:
		b := msg.Body
		if !e.scopeAcceptLocked(b.Scope, srcIP) {
			break
		}

		connCb, discCb := e.connectionCb, e.disconnectionCb
		if h.Type == wire.AdvSrvType {
			connCb, discCb = e.connectionSrvCb, e.disconnectionSrvCb
		}

		// A re-announcement with different endpoints means the node
		// moved: drop the old record and surface it as a reconnect.
		if old, ok := e.registry.Get(h.Topic, h.PUuid, b.NUuid); ok &&
			(old.Addr != b.Addr || old.Ctrl != b.Ctrl) {
			e.registry.DelByNode(h.Topic, h.PUuid, b.NUuid)
			pending = append(pending, pendingCb{
				cb:    discCb,
				topic: h.Topic, addr: old.Addr, ctrl: old.Ctrl,
				pUuid: h.PUuid, nUuid: old.NUuid, scope: old.Scope,
			})
		}

		if e.registry.Add(h.Topic, b.Addr, b.Ctrl, h.PUuid, b.NUuid, b.Scope) {
			pending = append(pending, pendingCb{
				cb:    connCb,
				topic: h.Topic, addr: b.Addr, ctrl: b.Ctrl,
				pUuid: h.PUuid, nUuid: b.NUuid, scope: b.Scope,
			})
		}

	case wire.SubType, wire.SubSrvType:
		if !e.registry.HasAny(h.Topic, e.pUuid) {
			break
		}
		advType := wire.AdvType
		if h.Type == wire.SubSrvType {
			advType = wire.AdvSrvType
		}
		for _, rec := range e.registry.Proc(h.Topic, e.pUuid) {
			if !e.scopeAcceptLocked(rec.Scope, srcIP) {
				continue
			}
			buf, err := packAdv(advType, e.pUuid, rec)
			if err != nil {
				e.logf("discovery: answer %s %q: %v", advType, h.Topic, err)
				continue
			}
			replies = append(replies, buf)
		}

	case wire.HelloType:
		// Nothing beyond the activity refresh.

	case wire.ByeType:
		delete(e.activity, h.PUuid)
		e.registry.DelByProc(h.PUuid)
		pending = append(pending, pendingCb{
			cb: e.disconnectionCb, pUuid: h.PUuid, scope: wire.ScopeAll,
		})

	case wire.UnadvType, wire.UnadvSrvType:
		b := msg.Body
		if !e.scopeAcceptLocked(b.Scope, srcIP) {
			break
		}

		discCb := e.disconnectionCb
		if h.Type == wire.UnadvSrvType {
			discCb = e.disconnectionSrvCb
		}
		pending = append(pending, pendingCb{
			cb:    discCb,
			topic: h.Topic, addr: b.Addr, ctrl: b.Ctrl,
			pUuid: h.PUuid, nUuid: b.NUuid, scope: b.Scope,
		})
		e.registry.DelByNode(h.Topic, h.PUuid, b.NUuid)
	}
	e.mu.Unlock()

	for _, buf := range replies {
		if err := e.tr.Broadcast(buf); err != nil {
			e.logf("discovery: answer: %v", err)
		}
	}
	runCallbacks(pending)
}

// scopeAcceptLocked applies the visibility policy of a record against the
// datagram's source IP.
func (e *Engine) scopeAcceptLocked(s wire.Scope, srcIP string) bool {
	if s == wire.ScopeProcess {
		return false
	}
	if s == wire.ScopeHost && srcIP != e.hostAddr {
		return false
	}
	return true
}

// ----- beacons -----

// newBeaconLocked allocates the repeating beacon for (topic, nUuid) unless
// one already runs.
func (e *Engine) newBeaconLocked(k Kind, topic, nUuid string) error {
	if _, ok := e.beacons[topic][nUuid]; ok {
		return nil
	}

	rec, ok := e.registry.Get(topic, e.pUuid, nUuid)
	if !ok {
		return nil
	}

	t := wire.AdvType
	if k == Srv {
		t = wire.AdvSrvType
	}
	buf, err := packAdv(t, e.pUuid, rec)
	if err != nil {
		return err
	}

	if e.beacons[topic] == nil {
		e.beacons[topic] = make(map[string]*netx.Repeater)
	}
	e.beacons[topic][nUuid] = netx.NewRepeater(e.tr, buf, e.advertiseIntv, e.clk)
	return nil
}

// takeBeaconLocked detaches the beacon for (topic, nUuid) so the caller can
// stop it outside the lock.
func (e *Engine) takeBeaconLocked(topic, nUuid string) *netx.Repeater {
	nodes, ok := e.beacons[topic]
	if !ok {
		return nil
	}
	r, ok := nodes[nUuid]
	if !ok {
		return nil
	}
	delete(nodes, nUuid)
	if len(nodes) == 0 {
		delete(e.beacons, topic)
	}
	return r
}

// ----- sending -----

func (e *Engine) sendControl(t wire.MsgType, topic string) {
	m := wire.Message{Header: wire.Header{
		Version: wire.Version,
		PUuid:   e.pUuid,
		Topic:   topic,
		Type:    t,
	}}
	buf, err := m.Pack()
	if err != nil {
		e.logf("discovery: pack %s: %v", t, err)
		return
	}
	if err := e.tr.Broadcast(buf); err != nil {
		e.logf("discovery: send %s: %v", t, err)
	}
}

func packAdv(t wire.MsgType, pUuid string, rec Record) ([]byte, error) {
	m := wire.Message{
		Header: wire.Header{
			Version: wire.Version,
			PUuid:   pUuid,
			Topic:   rec.Topic,
			Type:    t,
		},
		Body: &wire.AdvBody{
			Addr:  rec.Addr,
			Ctrl:  rec.Ctrl,
			NUuid: rec.NUuid,
			Scope: rec.Scope,
		},
	}
	return m.Pack()
}

func runCallbacks(pending []pendingCb) {
	for _, p := range pending {
		if p.cb != nil {
			p.cb(p.topic, p.addr, p.ctrl, p.pUuid, p.nUuid, p.scope)
		}
	}
}

// ----- diagnostics -----

// DumpState writes a snapshot of the engine: settings, known topics and
// activity ages.
func (e *Engine) DumpState(w io.Writer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fmt.Fprintln(w, "---------------")
	fmt.Fprintln(w, "Discovery state")
	fmt.Fprintf(w, "\tUUID: %s\n", e.pUuid)
	fmt.Fprintln(w, "Settings")
	fmt.Fprintf(w, "\tActivity: %v\n", e.activityIntv)
	fmt.Fprintf(w, "\tHeartbeat: %v\n", e.heartbeatIntv)
	fmt.Fprintf(w, "\tRetrans.: %v\n", e.advertiseIntv)
	fmt.Fprintf(w, "\tSilence: %v\n", e.silenceIntv)

	fmt.Fprintln(w, "Known topics")
	topics := e.registry.Topics()
	sort.Strings(topics)
	if len(topics) == 0 {
		fmt.Fprintln(w, "\t<empty>")
	}
	for _, topic := range topics {
		fmt.Fprintf(w, "\t%s\n", topic)
		for pUuid, recs := range e.registry.GetAll(topic) {
			for _, rec := range recs {
				fmt.Fprintf(w, "\t\t%s %s addr=%s ctrl=%s scope=%s\n",
					pUuid, rec.NUuid, rec.Addr, rec.Ctrl, rec.Scope)
			}
		}
	}

	fmt.Fprintln(w, "Activity")
	if len(e.activity) == 0 {
		fmt.Fprintln(w, "\t<empty>")
	}
	now := e.clk.Now()
	for pUuid, last := range e.activity {
		fmt.Fprintf(w, "\t%s\n\t\tSince: %v ago\n", pUuid, now.Sub(last))
	}
	fmt.Fprintln(w, "---------------")
}

func (e *Engine) logState() {
	var b strings.Builder
	e.DumpState(&b)
	e.logger.Printf("%s", b.String())
}

func (e *Engine) logf(format string, args ...any) {
	e.logger.Printf(format, args...)
}

package discovery

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanbus/internal/wire"
)

func newTestEngine(t *testing.T, lan *memLAN, pUuid, host string, clk clock.Clock) *Engine {
	t.Helper()
	e, err := New(Config{
		PUuid:     pUuid,
		Transport: lan.join(host),
		Clock:     clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// expectPacket reads the observer transport until a datagram of the wanted
// type shows up.
func expectPacket(t *testing.T, tr *memTransport, typ wire.MsgType, from string) *wire.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pkt, ok, _ := tr.Recv(100 * time.Millisecond)
		if !ok {
			continue
		}
		m, err := wire.Unpack(pkt.Data)
		if err != nil {
			continue
		}
		if m.Header.Type == typ && (from == "" || m.Header.PUuid == from) {
			return m
		}
	}
	t.Fatalf("no %s datagram seen", typ)
	return nil
}

// countPackets counts datagrams of the wanted type over a real-time window.
func countPackets(tr *memTransport, typ wire.MsgType, window time.Duration) int {
	n := 0
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		pkt, ok, _ := tr.Recv(50 * time.Millisecond)
		if !ok {
			continue
		}
		if m, err := wire.Unpack(pkt.Data); err == nil && m.Header.Type == typ {
			n++
		}
	}
	return n
}

func TestNewRequiresPUuid(t *testing.T) {
	_, err := New(Config{Transport: newMemLAN().join("h")})
	require.Error(t, err)
}

func TestAdvertiseDiscoverRoundTrip(t *testing.T) {
	lan := newMemLAN()
	a := newTestEngine(t, lan, "proc-a", "10.0.0.1", nil)
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", nil)

	conn := make(chan cbArgs, 16)
	b.SetConnectionCallback(sink(conn))
	b.Discover("/t", false)

	require.NoError(t, a.Advertise(Msg, "/t", "tcp://1:1", "tcp://1:2", "n1", wire.ScopeAll))

	got := waitEvent(t, conn)
	assert.Equal(t, cbArgs{"/t", "tcp://1:1", "tcp://1:2", "proc-a", "n1", wire.ScopeAll}, got)

	// The repeating beacon keeps re-announcing, but the registry already
	// knows the record, so no further callback fires.
	assertNoEvent(t, conn, 300*time.Millisecond)
}

func TestSelfDatagramsIgnored(t *testing.T) {
	lan := newMemLAN()
	a := newTestEngine(t, lan, "proc-a", "10.0.0.1", nil)

	conn := make(chan cbArgs, 16)
	a.SetConnectionCallback(sink(conn))

	require.NoError(t, a.Advertise(Msg, "/t", "tcp://1:1", "tcp://1:2", "n1", wire.ScopeAll))

	// The broadcast domain echoes our own ADV back; it must not surface.
	assertNoEvent(t, conn, 300*time.Millisecond)

	recs := a.Records("/t")
	require.Len(t, recs, 1)
	require.Len(t, recs["proc-a"], 1)
	assert.Equal(t, "n1", recs["proc-a"][0].NUuid)
}

func TestDiscoverRepliesFromLocalCache(t *testing.T) {
	lan := newMemLAN()
	a := newTestEngine(t, lan, "proc-a", "10.0.0.1", nil)
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", nil)

	conn := make(chan cbArgs, 16)
	b.SetConnectionCallback(sink(conn))

	require.NoError(t, a.Advertise(Msg, "/t", "tcp://1:1", "tcp://1:2", "n1", wire.ScopeAll))
	waitEvent(t, conn)

	// A second Discover call replays the cached record synchronously.
	b.Discover("/t", false)
	got := waitEvent(t, conn)
	assert.Equal(t, "proc-a", got.pUuid)
	assert.Equal(t, "n1", got.nUuid)
}

func TestGracefulShutdownSendsBye(t *testing.T) {
	lan := newMemLAN()
	a := newTestEngine(t, lan, "proc-a", "10.0.0.1", nil)
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", nil)

	conn := make(chan cbArgs, 16)
	disc := make(chan cbArgs, 16)
	b.SetConnectionCallback(sink(conn))
	b.SetDisconnectionCallback(sink(disc))

	require.NoError(t, a.Advertise(Msg, "/t", "tcp://1:1", "tcp://1:2", "n1", wire.ScopeAll))
	waitEvent(t, conn)

	require.NoError(t, a.Close())

	got := waitEvent(t, disc)
	assert.Equal(t, cbArgs{"", "", "", "proc-a", "", wire.ScopeAll}, got)
	assert.False(t, b.HasTopic("/t"))
}

func TestUnadvertiseThenReadvertise(t *testing.T) {
	lan := newMemLAN()
	a := newTestEngine(t, lan, "proc-a", "10.0.0.1", nil)
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", nil)

	conn := make(chan cbArgs, 16)
	disc := make(chan cbArgs, 16)
	b.SetConnectionCallback(sink(conn))
	b.SetDisconnectionCallback(sink(disc))

	require.NoError(t, a.Advertise(Msg, "/t", "tcp://1:1", "tcp://1:2", "n1", wire.ScopeAll))
	waitEvent(t, conn)

	a.Unadvertise(Msg, "/t", "n1")

	got := waitEvent(t, disc)
	assert.Equal(t, cbArgs{"/t", "tcp://1:1", "tcp://1:2", "proc-a", "n1", wire.ScopeAll}, got)
	assert.False(t, b.HasTopic("/t"))

	// A fresh advertisement is a fresh connection on B.
	require.NoError(t, a.Advertise(Msg, "/t", "tcp://1:1", "tcp://1:2", "n1", wire.ScopeAll))
	got = waitEvent(t, conn)
	assert.Equal(t, "n1", got.nUuid)
}

func TestHostScopeFiltering(t *testing.T) {
	lan := newMemLAN()
	a := newTestEngine(t, lan, "proc-a", "10.0.0.1", nil)
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", nil) // different host
	c := newTestEngine(t, lan, "proc-c", "10.0.0.1", nil) // same host as a

	connB := make(chan cbArgs, 16)
	connC := make(chan cbArgs, 16)
	b.SetConnectionCallback(sink(connB))
	c.SetConnectionCallback(sink(connC))

	require.NoError(t, a.Advertise(Msg, "/t", "tcp://1:1", "tcp://1:2", "n1", wire.ScopeHost))

	got := waitEvent(t, connC)
	assert.Equal(t, wire.ScopeHost, got.scope)
	assertNoEvent(t, connB, 300*time.Millisecond)
	assert.False(t, b.HasTopic("/t"))
	assert.True(t, c.HasTopic("/t"))
}

func TestProcessScopeNeverLeavesProcess(t *testing.T) {
	lan := newMemLAN()
	a := newTestEngine(t, lan, "proc-a", "10.0.0.1", nil)
	observer := lan.join("10.0.0.9")

	require.NoError(t, a.Advertise(Msg, "/t", "inproc://x", "inproc://y", "n1", wire.ScopeProcess))

	// The record exists locally but no ADV datagram ever goes out.
	assert.True(t, a.HasTopic("/t"))
	assert.Zero(t, countPackets(observer, wire.AdvType, 400*time.Millisecond))
}

func TestSubscribeTriggersOneShotReply(t *testing.T) {
	lan := newMemLAN()

	// A advertises while alone on the LAN; its initial beacon reaches nobody.
	clkA := clock.NewMock()
	a := newTestEngine(t, lan, "proc-a", "10.0.0.1", clkA)
	require.NoError(t, a.Advertise(Msg, "/t", "tcp://1:1", "tcp://1:2", "n1", wire.ScopeAll))
	time.Sleep(50 * time.Millisecond)

	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", nil)
	conn := make(chan cbArgs, 16)
	b.SetConnectionCallback(sink(conn))

	// B missed the announcement; its SUBSCRIBE makes A answer directly.
	b.Discover("/t", false)

	got := waitEvent(t, conn)
	assert.Equal(t, cbArgs{"/t", "tcp://1:1", "tcp://1:2", "proc-a", "n1", wire.ScopeAll}, got)
}

func TestSubscribeBeforeAnyPublisher(t *testing.T) {
	lan := newMemLAN()
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", nil)

	conn := make(chan cbArgs, 16)
	b.SetConnectionCallback(sink(conn))

	b.Discover("/t", false)
	assertNoEvent(t, conn, 300*time.Millisecond)

	// The publisher appears later; its beacon finds B without a new request.
	a := newTestEngine(t, lan, "proc-a", "10.0.0.1", nil)
	require.NoError(t, a.Advertise(Msg, "/t", "tcp://1:1", "tcp://1:2", "n1", wire.ScopeAll))

	got := waitEvent(t, conn)
	assert.Equal(t, "proc-a", got.pUuid)
	assertNoEvent(t, conn, 300*time.Millisecond)
}

func TestSilentPeerIsReaped(t *testing.T) {
	lan := newMemLAN()
	clk := clock.NewMock()
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", clk)

	conn := make(chan cbArgs, 16)
	disc := make(chan cbArgs, 16)
	b.SetConnectionCallback(sink(conn))
	b.SetDisconnectionCallback(sink(disc))

	// A remote process announces once and then goes silent.
	remote := lan.join("10.0.0.1")
	_ = remote.Broadcast(mustPack(t, wire.AdvType, "proc-a", "/t", &wire.AdvBody{
		Addr: "tcp://1:1", Ctrl: "tcp://1:2", NUuid: "n1", Scope: wire.ScopeAll,
	}))
	waitEvent(t, conn)
	require.True(t, b.HasTopic("/t"))

	// Nothing for longer than the silence interval: the sweep declares it
	// dead, scrubs the registry and fires a topicless disconnection.
	clk.Add(b.SilenceInterval() + b.ActivityInterval())

	got := waitEvent(t, disc)
	assert.Equal(t, cbArgs{"", "", "", "proc-a", "", wire.ScopeAll}, got)
	assert.False(t, b.HasTopic("/t"))
	assertNoEvent(t, disc, 300*time.Millisecond)
}

func TestHeartbeatKeepsPeerAlive(t *testing.T) {
	lan := newMemLAN()
	clk := clock.NewMock()
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", clk)

	conn := make(chan cbArgs, 16)
	disc := make(chan cbArgs, 16)
	b.SetConnectionCallback(sink(conn))
	b.SetDisconnectionCallback(sink(disc))

	remote := lan.join("10.0.0.1")
	_ = remote.Broadcast(mustPack(t, wire.AdvType, "proc-a", "/t", &wire.AdvBody{
		Addr: "tcp://1:1", Ctrl: "tcp://1:2", NUuid: "n1", Scope: wire.ScopeAll,
	}))
	waitEvent(t, conn)

	// HELLOs refresh the activity entry, so stepping the clock in pieces
	// with a heartbeat in between must not reap the peer.
	step := b.SilenceInterval() / 2
	for i := 0; i < 4; i++ {
		clk.Add(step)
		_ = remote.Broadcast(mustPack(t, wire.HelloType, "proc-a", "", nil))
		time.Sleep(50 * time.Millisecond) // let the reception loop run
	}

	assertNoEvent(t, disc, 300*time.Millisecond)
	assert.True(t, b.HasTopic("/t"))
}

func TestEndpointMoveIsReconnect(t *testing.T) {
	lan := newMemLAN()
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", nil)

	conn := make(chan cbArgs, 16)
	disc := make(chan cbArgs, 16)
	b.SetConnectionCallback(sink(conn))
	b.SetDisconnectionCallback(sink(disc))

	remote := lan.join("10.0.0.1")
	_ = remote.Broadcast(mustPack(t, wire.AdvType, "proc-a", "/t", &wire.AdvBody{
		Addr: "tcp://old:1", Ctrl: "tcp://old:2", NUuid: "n1", Scope: wire.ScopeAll,
	}))
	got := waitEvent(t, conn)
	assert.Equal(t, "tcp://old:1", got.addr)

	// Same (topic, proc, node) with new endpoints: old goes down, new up.
	_ = remote.Broadcast(mustPack(t, wire.AdvType, "proc-a", "/t", &wire.AdvBody{
		Addr: "tcp://new:1", Ctrl: "tcp://new:2", NUuid: "n1", Scope: wire.ScopeAll,
	}))

	down := waitEvent(t, disc)
	assert.Equal(t, "tcp://old:1", down.addr)
	up := waitEvent(t, conn)
	assert.Equal(t, "tcp://new:1", up.addr)

	recs := b.Records("/t")
	require.Len(t, recs["proc-a"], 1)
	assert.Equal(t, "tcp://new:1", recs["proc-a"][0].Addr)
}

func TestServiceDiscoverFiresAtMostOnce(t *testing.T) {
	lan := newMemLAN()
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", nil)

	connSrv := make(chan cbArgs, 16)
	b.SetConnectionSrvCallback(sink(connSrv))

	remote := lan.join("10.0.0.1")
	_ = remote.Broadcast(mustPack(t, wire.AdvSrvType, "proc-a", "/svc", &wire.AdvBody{
		Addr: "tcp://1:1", Ctrl: "tcp://1:2", NUuid: "n1", Scope: wire.ScopeAll,
	}))
	waitEvent(t, connSrv)
	_ = remote.Broadcast(mustPack(t, wire.AdvSrvType, "proc-a", "/svc", &wire.AdvBody{
		Addr: "tcp://1:3", Ctrl: "tcp://1:4", NUuid: "n2", Scope: wire.ScopeAll,
	}))
	waitEvent(t, connSrv)

	// Two known responders, but a service request must reach only one.
	b.Discover("/svc", true)
	waitEvent(t, connSrv)
	assertNoEvent(t, connSrv, 300*time.Millisecond)
}

func TestMalformedDatagramsAreDropped(t *testing.T) {
	lan := newMemLAN()
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", nil)

	conn := make(chan cbArgs, 16)
	b.SetConnectionCallback(sink(conn))

	remote := lan.join("10.0.0.1")
	_ = remote.Broadcast([]byte{0xde, 0xad, 0xbe, 0xef})
	_ = remote.Broadcast(nil)
	assertNoEvent(t, conn, 300*time.Millisecond)

	// The engine keeps going afterwards.
	_ = remote.Broadcast(mustPack(t, wire.AdvType, "proc-a", "/t", &wire.AdvBody{
		Addr: "tcp://1:1", Ctrl: "tcp://1:2", NUuid: "n1", Scope: wire.ScopeAll,
	}))
	waitEvent(t, conn)
}

func TestUnadvertiseUnknownIsNoop(t *testing.T) {
	lan := newMemLAN()
	a := newTestEngine(t, lan, "proc-a", "10.0.0.1", nil)
	observer := lan.join("10.0.0.9")
	observer.drain()

	a.Unadvertise(Msg, "/nope", "n1")
	assert.Zero(t, countPackets(observer, wire.UnadvType, 300*time.Millisecond))
}

func TestHeartbeatsAreEmitted(t *testing.T) {
	lan := newMemLAN()
	observer := lan.join("10.0.0.9")
	_ = newTestEngine(t, lan, "proc-a", "10.0.0.1", nil)

	m := expectPacket(t, observer, wire.HelloType, "proc-a")
	assert.Equal(t, "", m.Header.Topic)
}

func TestAdvertiseValidation(t *testing.T) {
	lan := newMemLAN()
	a := newTestEngine(t, lan, "proc-a", "10.0.0.1", nil)

	err := a.Advertise(Msg, "", "tcp://1:1", "tcp://1:2", "n1", wire.ScopeAll)
	assert.ErrorIs(t, err, wire.ErrIncomplete)
	assert.Empty(t, a.TopicList())
}

func TestCallbacksMayReenterEngine(t *testing.T) {
	lan := newMemLAN()
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", nil)

	done := make(chan struct{}, 1)
	var fired atomic.Bool
	b.SetConnectionCallback(func(topic, addr, ctrl, pUuid, nUuid string, scope wire.Scope) {
		// Dispatch happens outside the engine lock, so this must not
		// deadlock. The flag keeps the replayed Discover callback from
		// recursing forever.
		if !fired.CompareAndSwap(false, true) {
			return
		}
		_ = b.HasTopic(topic)
		b.Discover(topic, false)
		done <- struct{}{}
	})

	remote := lan.join("10.0.0.1")
	_ = remote.Broadcast(mustPack(t, wire.AdvType, "proc-a", "/t", &wire.AdvBody{
		Addr: "tcp://1:1", Ctrl: "tcp://1:2", NUuid: "n1", Scope: wire.ScopeAll,
	}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant callback deadlocked")
	}
}

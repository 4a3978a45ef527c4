package discovery

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanbus/internal/wire"
)

func TestWatcherReissuesUntilFound(t *testing.T) {
	lan := newMemLAN()
	clk := clock.NewMock()
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", clk)
	// Keep the liveness sweep from reaping the remote while the mock
	// clock jumps forward.
	b.SetSilenceInterval(time.Hour)

	observer := lan.join("10.0.0.9")

	w := NewWatcher(b, 10*time.Second)
	defer w.Stop()

	// Watch fires a first request immediately...
	w.Watch("/t", false)
	expectPacket(t, observer, wire.SubType, "proc-b")

	// ...and again each interval while the topic stays unknown.
	observer.drain()
	clk.Add(10 * time.Second)
	expectPacket(t, observer, wire.SubType, "proc-b")

	// Once records exist the watcher goes quiet.
	conn := make(chan cbArgs, 16)
	b.SetConnectionCallback(sink(conn))
	remote := lan.join("10.0.0.1")
	_ = remote.Broadcast(mustPack(t, wire.AdvType, "proc-a", "/t", &wire.AdvBody{
		Addr: "tcp://1:1", Ctrl: "tcp://1:2", NUuid: "n1", Scope: wire.ScopeAll,
	}))
	waitEvent(t, conn)

	observer.drain()
	clk.Add(10 * time.Second)
	assert.Zero(t, countPackets(observer, wire.SubType, 300*time.Millisecond))
}

func TestWatcherUnwatch(t *testing.T) {
	lan := newMemLAN()
	clk := clock.NewMock()
	b := newTestEngine(t, lan, "proc-b", "10.0.0.2", clk)

	observer := lan.join("10.0.0.9")

	w := NewWatcher(b, 10*time.Second)
	defer w.Stop()

	w.Watch("/t", false)
	expectPacket(t, observer, wire.SubType, "proc-b")
	w.Unwatch("/t")

	observer.drain()
	clk.Add(10 * time.Second)
	require.Zero(t, countPackets(observer, wire.SubType, 300*time.Millisecond))
}

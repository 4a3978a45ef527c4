package discovery

import (
	"sync"
	"testing"
	"time"

	"lanbus/internal/netx"
	"lanbus/internal/wire"
)

// memLAN simulates a broadcast domain in memory: every datagram reaches
// every joined transport, the sender included, just like UDP broadcast.
type memLAN struct {
	mu   sync.Mutex
	subs []*memTransport
}

func newMemLAN() *memLAN { return &memLAN{} }

func (l *memLAN) join(host string) *memTransport {
	t := &memTransport{lan: l, host: host, in: make(chan netx.Packet, 256)}
	l.mu.Lock()
	l.subs = append(l.subs, t)
	l.mu.Unlock()
	return t
}

func (l *memLAN) broadcast(from string, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	l.mu.Lock()
	subs := append([]*memTransport(nil), l.subs...)
	l.mu.Unlock()

	for _, s := range subs {
		select {
		case s.in <- netx.Packet{SrcIP: from, Data: cp}:
		default:
			// a full inbox drops, like the real thing
		}
	}
}

type memTransport struct {
	lan  *memLAN
	host string
	in   chan netx.Packet
}

func (t *memTransport) Broadcast(data []byte) error {
	t.lan.broadcast(t.host, data)
	return nil
}

func (t *memTransport) Recv(timeout time.Duration) (netx.Packet, bool, error) {
	select {
	case p := <-t.in:
		return p, true, nil
	case <-time.After(timeout):
		return netx.Packet{}, false, nil
	}
}

func (t *memTransport) LocalHostAddr() string { return t.host }

func (t *memTransport) Close() error { return nil }

// drain empties the inbox, for observers that only care about what comes next.
func (t *memTransport) drain() {
	for {
		select {
		case <-t.in:
		default:
			return
		}
	}
}

// cbArgs captures one callback invocation.
type cbArgs struct {
	topic string
	addr  string
	ctrl  string
	pUuid string
	nUuid string
	scope wire.Scope
}

func sink(ch chan cbArgs) Callback {
	return func(topic, addr, ctrl, pUuid, nUuid string, scope wire.Scope) {
		ch <- cbArgs{topic, addr, ctrl, pUuid, nUuid, scope}
	}
}

func waitEvent(t *testing.T, ch <-chan cbArgs) cbArgs {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a callback")
		return cbArgs{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan cbArgs, window time.Duration) {
	t.Helper()
	select {
	case a := <-ch:
		t.Fatalf("unexpected callback: %+v", a)
	case <-time.After(window):
	}
}

// mustPack builds a raw discovery datagram, as a remote process would emit it.
func mustPack(t *testing.T, typ wire.MsgType, pUuid, topic string, body *wire.AdvBody) []byte {
	t.Helper()
	m := &wire.Message{
		Header: wire.Header{Version: wire.Version, PUuid: pUuid, Topic: topic, Type: typ},
		Body:   body,
	}
	buf, err := m.Pack()
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return buf
}

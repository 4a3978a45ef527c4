package netx

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Repeater re-broadcasts a fixed payload at a fixed interval until stopped.
// It holds only the payload and a sender; whoever created it owns it and
// must call Stop.
type Repeater struct {
	sender  Sender
	payload []byte

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewRepeater starts a repeater. The payload goes out once immediately and
// then every interval.
func NewRepeater(s Sender, payload []byte, interval time.Duration, clk clock.Clock) *Repeater {
	r := &Repeater{
		sender:  s,
		payload: payload,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run(interval, clk)
	return r
}

func (r *Repeater) run(interval time.Duration, clk clock.Clock) {
	defer close(r.done)

	_ = r.sender.Broadcast(r.payload)

	t := clk.Ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-r.quit:
			return
		case <-t.C:
			_ = r.sender.Broadcast(r.payload)
		}
	}
}

// Stop silences the repeater and waits for its goroutine to exit. Safe to
// call more than once.
func (r *Repeater) Stop() {
	r.once.Do(func() { close(r.quit) })
	<-r.done
}

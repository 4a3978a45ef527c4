package discovery

import (
	"sync"
	"time"
)

// DefWatchInterval is how often a Watcher retries discovery for topics
// nobody has answered for yet.
const DefWatchInterval = 30 * time.Second

// Watcher keeps re-issuing discovery requests for topics of interest until
// the registry has records for them. It covers the race where a subscriber
// starts before any publisher exists.
type Watcher struct {
	eng      *Engine
	interval time.Duration

	mu     sync.Mutex
	topics map[string]bool // topic → is a service topic

	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewWatcher starts a watcher on top of an engine. Stop releases it; the
// engine itself is untouched.
func NewWatcher(e *Engine, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefWatchInterval
	}
	w := &Watcher{
		eng:      e,
		interval: interval,
		topics:   make(map[string]bool),
		quit:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Watch adds a topic of interest and fires a first discovery request right
// away.
func (w *Watcher) Watch(topic string, srv bool) {
	w.mu.Lock()
	w.topics[topic] = srv
	w.mu.Unlock()

	w.eng.Discover(topic, srv)
}

// Unwatch removes a topic of interest.
func (w *Watcher) Unwatch(topic string) {
	w.mu.Lock()
	delete(w.topics, topic)
	w.mu.Unlock()
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		case <-w.eng.clk.After(w.interval):
		}

		w.mu.Lock()
		todo := make(map[string]bool, len(w.topics))
		for topic, srv := range w.topics {
			todo[topic] = srv
		}
		w.mu.Unlock()

		for topic, srv := range todo {
			if w.eng.HasTopic(topic) {
				continue
			}
			w.eng.Discover(topic, srv)
		}
	}
}

// Stop terminates the watcher and waits for its loop to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.quit) })
	w.wg.Wait()
}

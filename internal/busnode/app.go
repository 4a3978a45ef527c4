package busnode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"lanbus/internal/discovery"
	"lanbus/internal/netx"
	"lanbus/internal/paths"
	"lanbus/internal/storage/peercache"
	"lanbus/internal/telemetry"
	"lanbus/internal/wire"
)

// App wires a discovery engine, a topic watcher and the endpoint cache into
// the interactive node.
type App struct {
	cfg    Config
	ui     Printer
	logger telemetry.Logger

	Engine  *discovery.Engine
	Watcher *discovery.Watcher
	Cache   *peercache.Store

	nUuid     string
	transport *netx.UDPBroadcast
	events    chan Event
}

func New(cfg Config, logger telemetry.Logger) (*App, error) {
	if logger == nil {
		logger = telemetry.Nop()
	}

	dir, err := paths.EnsureDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cache, err := peercache.Open(filepath.Join(dir, "peercache.db"))
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = netx.DiscoveryPort
	}
	tr, err := netx.NewUDPBroadcast(port)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	eng, err := discovery.New(discovery.Config{
		PUuid:     cfg.PUuid,
		Transport: tr,
		Logger:    logger,
		Verbose:   cfg.Verbose,
	})
	if err != nil {
		_ = tr.Close()
		_ = cache.Close()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		ui:        NewStdPrinter(os.Stdout),
		logger:    logger,
		Engine:    eng,
		Cache:     cache,
		nUuid:     uuid.NewString(),
		transport: tr,
		events:    make(chan Event, 128),
	}, nil
}

// Start installs the discovery callbacks and the topic watcher.
func (a *App) Start() {
	a.Engine.SetConnectionCallback(a.eventCb(EventConnection, false))
	a.Engine.SetDisconnectionCallback(a.eventCb(EventDisconnection, false))
	a.Engine.SetConnectionSrvCallback(a.eventCb(EventConnectionSrv, true))
	a.Engine.SetDisconnectionSrvCallback(a.eventCb(EventDisconnectionSrv, true))

	a.Watcher = discovery.NewWatcher(a.Engine, discovery.DefWatchInterval)
}

// eventCb builds a callback that feeds the UI channel and, for connections,
// the endpoint cache.
func (a *App) eventCb(t EventType, srv bool) discovery.Callback {
	return func(topic, addr, ctrl, pUuid, nUuid string, scope wire.Scope) {
		if t == EventConnection || t == EventConnectionSrv {
			if _, err := a.Cache.Put(peercache.Entry{
				PUuid:    pUuid,
				Topic:    topic,
				NUuid:    nUuid,
				Addr:     addr,
				Ctrl:     ctrl,
				Service:  srv,
				LastSeen: time.Now().Unix(),
			}); err != nil {
				a.logger.Printf("peercache: %v", err)
			}
		}

		ev := Event{
			Type: t, Topic: topic, Addr: addr, Ctrl: ctrl,
			PUuid: pUuid, NUuid: nUuid, Scope: scope,
		}
		select {
		case a.events <- ev:
		default:
			// drop rather than stall the reception path
		}
	}
}

// Run drives the CLI and the event feed until ctx is canceled or the user
// quits.
func (a *App) Run(ctx context.Context) error {
	PrintBanner(a.ui, a)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.readStdin(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev := <-a.events:
				a.printEvent(ev)
			}
		}
	})

	// A quit command or a canceled context is a normal exit.
	err := g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) printEvent(ev Event) {
	switch ev.Type {
	case EventConnection, EventConnectionSrv:
		a.ui.Printf("[NET] new publisher: topic=%s addr=%s ctrl=%s proc=%s node=%s scope=%s\n",
			ev.Topic, ev.Addr, ev.Ctrl, ev.PUuid, ev.NUuid, ev.Scope)
	case EventDisconnection, EventDisconnectionSrv:
		if ev.Topic == "" {
			a.ui.Printf("[NET] process gone: %s\n", ev.PUuid)
			if err := a.Cache.DeleteProc(ev.PUuid); err != nil {
				a.logger.Printf("peercache: %v", err)
			}
			return
		}
		a.ui.Printf("[NET] publisher gone: topic=%s proc=%s node=%s\n",
			ev.Topic, ev.PUuid, ev.NUuid)
	}
}

// StopAll tears the node down: watcher first, then the engine (which
// broadcasts BYE), then the socket and the cache.
func (a *App) StopAll() error {
	if a.Watcher != nil {
		a.Watcher.Stop()
	}
	err := a.Engine.Close()
	err = multierr.Append(err, a.transport.Close())
	err = multierr.Append(err, a.Cache.Close())
	return err
}

package busnode

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"lanbus/internal/discovery"
	"lanbus/internal/wire"
)

// errQuit signals a user-requested exit up through the run group.
var errQuit = errors.New("quit")

func (a *App) readStdin(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				// stdin closed; treat it like a quit
				return errQuit
			}
			if err := a.handleLine(strings.TrimSpace(line)); err != nil {
				return err
			}
		}
	}
}

func (a *App) handleLine(line string) error {
	if line == "" {
		return nil
	}

	cmd, rest, _ := strings.Cut(line, " ")
	args := strings.Fields(rest)

	switch cmd {
	case "/quit":
		a.ui.Println("quitting...")
		return errQuit

	case "/adv", "/advsrv":
		if len(args) < 3 {
			a.ui.Printf("usage: %s <topic> <addr> <ctrl> [process|host|all]\n", cmd)
			return nil
		}
		scope := wire.ScopeAll
		if len(args) > 3 {
			var ok bool
			if scope, ok = parseScope(args[3]); !ok {
				a.ui.Printf("bad scope: %s\n", args[3])
				return nil
			}
		}
		kind := discovery.Msg
		if cmd == "/advsrv" {
			kind = discovery.Srv
		}
		if err := a.Engine.Advertise(kind, args[0], args[1], args[2], a.nUuid, scope); err != nil {
			a.ui.Printf("advertise failed: %v\n", err)
			return nil
		}
		a.ui.Printf("advertising %s on %s\n", args[0], args[1])

	case "/unadv", "/unadvsrv":
		if len(args) != 1 {
			a.ui.Printf("usage: %s <topic>\n", cmd)
			return nil
		}
		kind := discovery.Msg
		if cmd == "/unadvsrv" {
			kind = discovery.Srv
		}
		a.Engine.Unadvertise(kind, args[0], a.nUuid)
		a.ui.Printf("withdrew %s\n", args[0])

	case "/discover", "/discoversrv":
		if len(args) != 1 {
			a.ui.Printf("usage: %s <topic>\n", cmd)
			return nil
		}
		a.Engine.Discover(args[0], cmd == "/discoversrv")

	case "/watch":
		if len(args) != 1 {
			a.ui.Println("usage: /watch <topic>")
			return nil
		}
		a.Watcher.Watch(args[0], false)
		a.ui.Printf("watching %s\n", args[0])

	case "/topics":
		topics := a.Engine.TopicList()
		if len(topics) == 0 {
			a.ui.Println("no known topics")
			return nil
		}
		for _, t := range topics {
			a.ui.Printf("%s\n", t)
			for pUuid, recs := range a.Engine.Records(t) {
				for _, r := range recs {
					a.ui.Printf("    %s %s addr=%s scope=%s\n", pUuid, r.NUuid, r.Addr, r.Scope)
				}
			}
		}

	case "/state":
		a.Engine.DumpState(os.Stdout)

	case "/cache":
		entries, err := a.Cache.List()
		if err != nil {
			a.ui.Printf("cache: %v\n", err)
			return nil
		}
		if len(entries) == 0 {
			a.ui.Println("cache is empty")
			return nil
		}
		for _, e := range entries {
			kind := "msg"
			if e.Service {
				kind = "srv"
			}
			a.ui.Printf("%s %s %s addr=%s seen=%s\n",
				kind, e.Topic, e.PUuid, e.Addr,
				time.Unix(e.LastSeen, 0).Format(time.RFC3339))
		}

	default:
		a.ui.Println("unknown command")
		PrintCommands(a.ui)
	}
	return nil
}

func parseScope(s string) (wire.Scope, bool) {
	switch s {
	case "process":
		return wire.ScopeProcess, true
	case "host":
		return wire.ScopeHost, true
	case "all":
		return wire.ScopeAll, true
	}
	return 0, false
}

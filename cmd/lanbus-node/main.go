package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"lanbus/internal/busnode"
	"lanbus/internal/paths"
	"lanbus/internal/telemetry"
)

func main() {
	name := flag.String("name", "anon", "display name")
	port := flag.Int("port", 0, "discovery port override (0 = default)")
	dataDir := flag.String("datadir", paths.DefaultDataDir(), "directory for persisted node state")
	verbose := flag.Bool("verbose", false, "dump discovery state after every datagram")
	flag.Parse()

	logger, err := telemetry.NewZapLogger(*verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	app, err := busnode.New(busnode.Config{
		DataDir: *dataDir,
		Name:    *name,
		PUuid:   uuid.NewString(),
		Port:    *port,
		Verbose: *verbose,
	}, logger)
	if err != nil {
		log.Fatalf("create node: %v", err)
	}

	app.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Printf("run: %v", err)
	}

	if err := app.StopAll(); err != nil {
		logger.Printf("shutdown: %v", err)
	}
}

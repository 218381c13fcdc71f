package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/dmxlink/config"
	"github.com/mbocsi/dmxlink/logging"
	"github.com/mbocsi/dmxlink/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "config file (default ~/.config/dmxlink/config.toml)")
	addr := flag.String("addr", "", "listen address (overrides backend.addr)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dmxbackend: %v\n", err)
		return 1
	}
	closer, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dmxbackend: %v\n", err)
		return 1
	}
	defer closer.Close()

	if *addr != "" {
		cfg.Backend.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := server.NewBackend(server.Options{
		Addr:       cfg.Backend.Addr,
		Token:      cfg.Backend.Token,
		Advertise:  cfg.Backend.Advertise,
		MaxClients: cfg.Backend.MaxClients,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(backend.Start)
	g.Go(func() error {
		<-gctx.Done()
		return backend.Shutdown()
	})

	if err := g.Wait(); err != nil {
		slog.Error("Backend stopped", "error", err)
		return 1
	}
	return 0
}

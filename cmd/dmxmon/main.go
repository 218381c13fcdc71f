package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mbocsi/dmxlink/client"
	"github.com/mbocsi/dmxlink/config"
	"github.com/mbocsi/dmxlink/logging"
	"github.com/mbocsi/dmxlink/monitor"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "config file (default ~/.config/dmxlink/config.toml)")
	url := flag.String("url", "", "backend URL (overrides server.url)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dmxmon: %v\n", err)
		return 1
	}

	// The TUI owns the terminal; only log when a file is configured.
	if cfg.Log.File != "" {
		closer, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dmxmon: %v\n", err)
			return 1
		}
		defer closer.Close()
	} else {
		defer logging.Suppressed()()
	}

	endpoint := cfg.Server.URL
	if strings.TrimSpace(*url) != "" {
		endpoint = *url
	}
	rest, err := client.NewRESTClient(endpoint, cfg.Server.Token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dmxmon: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := monitor.NewStore()
	monitor.StartPoller(ctx, store, rest, cfg.Monitor.PollInterval.Duration)

	if err := monitor.Run(monitor.Options{
		Context:  ctx,
		Store:    store,
		Fetcher:  rest,
		Endpoint: rest.BaseURL(),
	}); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "dmxmon: %v\n", err)
		return 1
	}
	return 0
}

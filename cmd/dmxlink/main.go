package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/dmxlink/app"
	"github.com/mbocsi/dmxlink/artnet"
	"github.com/mbocsi/dmxlink/client"
	"github.com/mbocsi/dmxlink/clock"
	"github.com/mbocsi/dmxlink/config"
	"github.com/mbocsi/dmxlink/logging"
	"github.com/mbocsi/dmxlink/mcp"
	"github.com/mbocsi/dmxlink/mqttbridge"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "config file (default ~/.config/dmxlink/config.toml)")
	serveMCP := flag.Bool("mcp", false, "serve MCP tools on stdio")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dmxlink: %v\n", err)
		return 1
	}
	closer, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dmxlink: %v\n", err)
		return 1
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, stop, cfg, *serveMCP || cfg.MCP.Enabled); err != nil {
		slog.Error("dmxlink stopped", "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, stop context.CancelFunc, cfg config.Config, withMCP bool) error {
	url := cfg.Server.URL
	if cfg.Server.Discover {
		svc, err := client.DiscoverBackend(cfg.Server.DiscoverTimeout.Duration)
		if err != nil {
			if url == "" {
				return fmt.Errorf("discover backend: %w", err)
			}
			slog.Warn("Backend discovery failed, using configured URL", "url", url, "error", err)
		} else {
			url = svc.URL()
		}
	}

	rest, err := client.NewRESTClient(url, cfg.Server.Token)
	if err != nil {
		return err
	}

	a := app.New(app.Options{
		Fallback:   rest,
		Scheduler:  clock.NewFrameScheduler(clock.Real(), cfg.Queue.FrameRate, cfg.Queue.Fallback.Duration),
		ChunkSize:  cfg.Queue.ChunkSize,
		AckTimeout: cfg.Scene.AckTimeout.Duration,
		State:      rest,
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.ArtNet.Enabled {
		mirror, err := artnet.New(artnet.Options{IP: cfg.ArtNet.IP, MaxFPS: cfg.ArtNet.MaxFPS})
		if err != nil {
			return err
		}
		if err := mirror.Start(gctx); err != nil {
			return err
		}
		defer mirror.Stop()
		a.Queue.AddPatchObserver(mirror.Observe)
	}

	if cfg.MQTT.Enabled {
		bridge := mqttbridge.New(mqttbridge.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      byte(cfg.MQTT.QoS),
			Acks:     a.Broker,
			OnState:  a.Scenes.Store().ApplyState,
		})
		g.Go(func() error {
			if err := bridge.Start(gctx); err != nil {
				return err
			}
			deregister := a.Use(bridge)
			<-gctx.Done()
			deregister()
			bridge.Stop()
			return nil
		})
	} else {
		a.Dial(client.Options{
			URL:          url,
			Token:        cfg.Server.Token,
			PingInterval: cfg.Server.PingInterval.Duration,
			MaxBackoff:   cfg.Server.MaxBackoff.Duration,
			OnAuthFailure: func() {
				slog.Error("Backend rejected the token; not reconnecting")
			},
		})
	}

	if withMCP {
		srv := mcp.NewMCPServer(version, a)
		go func() {
			if err := srv.Run(); err != nil {
				slog.Warn("MCP server stopped", "error", err)
			}
			// stdin closed: the host is gone.
			stop()
		}()
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

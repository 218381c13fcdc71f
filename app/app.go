// Package app wires the delivery pipeline together once per process: the
// current-sender registry, ack bus, master dimmer, command queue and scene
// coordinator.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbocsi/dmxlink/broker"
	"github.com/mbocsi/dmxlink/client"
	"github.com/mbocsi/dmxlink/clock"
	"github.com/mbocsi/dmxlink/proto"
	"github.com/mbocsi/dmxlink/queue"
	"github.com/mbocsi/dmxlink/scene"
	"github.com/mbocsi/dmxlink/transport"
)

// StateFetcher reads the backend's current state. *client.RESTClient
// implements it.
type StateFetcher interface {
	FetchState(ctx context.Context) (proto.StateUpdate, error)
}

type Options struct {
	Fallback   queue.Poster
	Scheduler  clock.Scheduler
	Clock      clock.Clock
	ChunkSize  int
	AckTimeout time.Duration
	Fixtures   []scene.Fixture

	// State, when set, is read on every connect to resync the fixture store.
	State StateFetcher
}

type App struct {
	Registry *transport.Registry
	Broker   *broker.Broker
	Dimmer   *queue.MasterDimmer
	Queue    *queue.Queue
	Scenes   *scene.Coordinator

	state StateFetcher

	mu         sync.Mutex
	client     *client.Client
	deregister func()
	closed     bool
}

func New(opts Options) *App {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	a := &App{
		Registry: transport.NewRegistry(),
		Broker:   broker.NewBroker(),
		Dimmer:   queue.NewMasterDimmer(),
		state:    opts.State,
	}
	a.Queue = queue.New(queue.Options{
		Registry:  a.Registry,
		Fallback:  opts.Fallback,
		Broker:    a.Broker,
		Scheduler: opts.Scheduler,
		Clock:     opts.Clock,
		Dimmer:    a.Dimmer,
		ChunkSize: opts.ChunkSize,
	})
	a.Scenes = scene.NewCoordinator(scene.Options{
		Queue:      a.Queue,
		Broker:     a.Broker,
		Store:      scene.NewStore(opts.Fixtures),
		Clock:      opts.Clock,
		AckTimeout: opts.AckTimeout,
	})
	return a
}

// Dial creates the backend client, makes it the current sender and starts it.
// Any previously dialed client is closed.
func (a *App) Dial(opts client.Options) *client.Client {
	opts.Broker = a.Broker
	opts.OnState = a.stateHandler(opts.OnState)
	opts.OnConnect = a.connectHandler(opts.OnConnect)

	c := client.NewClient(opts)

	a.mu.Lock()
	prev := a.client
	a.client = c
	a.deregister = a.Registry.Register(c)
	a.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	c.Start()
	return c
}

// stateHandler folds backend state into the fixture store before passing it on.
func (a *App) stateHandler(next func(proto.StateUpdate)) func(proto.StateUpdate) {
	return func(st proto.StateUpdate) {
		a.Scenes.Store().ApplyState(st)
		if next != nil {
			next(st)
		}
	}
}

// connectHandler resyncs the fixture store in the background after every
// connect, since state broadcast while disconnected was missed.
func (a *App) connectHandler(next func()) func() {
	return func() {
		if a.state != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), stateSyncTimeout)
				defer cancel()
				if err := a.SyncState(ctx); err != nil {
					slog.Warn("Failed to sync backend state", "error", err)
				}
			}()
		}
		if next != nil {
			next()
		}
	}
}

const stateSyncTimeout = 5 * time.Second

// SyncState fetches the backend state and applies it to the fixture store.
func (a *App) SyncState(ctx context.Context) error {
	if a.state == nil {
		return nil
	}
	st, err := a.state.FetchState(ctx)
	if err != nil {
		return fmt.Errorf("fetch state: %w", err)
	}
	a.Scenes.Store().ApplyState(st)
	slog.Debug("Synced backend state", "universes", len(st.Universes))
	return nil
}

// Use registers s as the current sender instead of a websocket client.
func (a *App) Use(s transport.Sender) (deregister func()) {
	slog.Info("Registered command sender", "sender", s)
	return a.Registry.Register(s)
}

// ConnectionStatus reports the dialed client's status, if there is one.
func (a *App) ConnectionStatus() (client.Status, bool) {
	a.mu.Lock()
	c := a.client
	a.mu.Unlock()
	if c == nil {
		return client.Status{}, false
	}
	return c.Status(), true
}

// SetChannel writes one channel through the queue.
func (a *App) SetChannel(universe, channel int, value float64) {
	a.Queue.SetChannel(universe, channel, value)
}

// Flush sends every pending write now.
func (a *App) Flush(ctx context.Context) []queue.FlushResult {
	return a.Queue.FlushNow(ctx)
}

func (a *App) SetMasterDimmer(scale float64) {
	a.Dimmer.Set(scale)
	slog.Debug("Master dimmer changed", "scale", a.Dimmer.Scale())
}

func (a *App) RecallScene(ctx context.Context, s scene.Scene) scene.Result {
	return a.Scenes.Recall(ctx, s)
}

// Close flushes what is pending, then tears the client down.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	c := a.client
	deregister := a.deregister
	a.client = nil
	a.mu.Unlock()

	a.Queue.FlushNow(context.Background())
	if deregister != nil {
		deregister()
	}
	var err error
	if c != nil {
		err = c.Close()
	}
	a.Queue.Reset()
	a.Broker.Reset()
	slog.Info("Application closed")
	return err
}

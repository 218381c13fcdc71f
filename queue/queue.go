// Package queue coalesces channel writes into bounded dmx.patch commands.
package queue

import (
	"context"
	"log/slog"
	"maps"
	"math"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mbocsi/dmxlink/broker"
	"github.com/mbocsi/dmxlink/clock"
	"github.com/mbocsi/dmxlink/proto"
	"github.com/mbocsi/dmxlink/transport"
)

// Poster delivers a command over request/response HTTP. *client.RESTClient
// implements it.
type Poster interface {
	PostCommand(ctx context.Context, cmd proto.Command) (proto.Ack, error)
}

type Options struct {
	Registry *transport.Registry
	// Fallback is used when no sender is registered.
	Fallback Poster
	// Broker receives acks returned by Fallback.
	Broker *broker.Broker
	// Scheduler decides when a debounced flush runs. It must not invoke the
	// callback synchronously from Schedule.
	Scheduler clock.Scheduler
	Clock     clock.Clock
	Dimmer    Dimmer
	NewID     func() string
	ChunkSize int
}

// FlushResult describes one emitted patch. Ack is set when the outcome was
// known immediately; otherwise the ack arrives later under AckID.
type FlushResult struct {
	AckID   string
	Command *proto.DMXPatch
	Ack     *proto.Ack
}

type Queue struct {
	opts Options

	mu      sync.Mutex
	pending map[int]map[int]int
	cancel  func()

	// flushGen identifies the armed flush; a callback from an older one is
	// stale and must not touch cancel.
	flushGen uint64

	obsMu     sync.RWMutex
	obsSeq    int
	observers map[int]func(*proto.DMXPatch)
}

func New(opts Options) *Queue {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = clock.NewFrameScheduler(opts.Clock, clock.DefaultFrameRate, clock.DefaultFrameFallback)
	}
	if opts.Dimmer == nil {
		opts.Dimmer = fullScale{}
	}
	if opts.NewID == nil {
		opts.NewID = proto.NewID
	}
	if opts.ChunkSize <= 0 || opts.ChunkSize > proto.MaxPatchEntries {
		opts.ChunkSize = proto.MaxPatchEntries
	}
	return &Queue{
		opts:      opts,
		pending:   make(map[int]map[int]int),
		observers: make(map[int]func(*proto.DMXPatch)),
	}
}

// ScaleValue clamps value to [0,255], applies a master scale clamped to [0,1]
// and rounds to the nearest DMX level.
func ScaleValue(value, scale float64) int {
	if math.IsNaN(value) {
		value = 0
	}
	if math.IsNaN(scale) {
		scale = 1
	}
	value = math.Max(0, math.Min(255, value))
	scale = math.Max(0, math.Min(1, scale))
	return int(math.Round(value * scale))
}

// SetChannel stores the scaled value for (universe, channel), replacing any
// pending value, and schedules a flush if none is pending.
func (q *Queue) SetChannel(universe, channel int, value float64) {
	if universe < 0 || channel < 1 || channel > 512 {
		slog.Warn("Ignoring out of range channel", "universe", universe, "channel", channel)
		return
	}
	v := ScaleValue(value, q.opts.Dimmer.Scale())

	q.mu.Lock()
	defer q.mu.Unlock()
	channels, ok := q.pending[universe]
	if !ok {
		channels = make(map[int]int)
		q.pending[universe] = channels
	}
	channels[channel] = v
	if q.cancel == nil {
		q.flushGen++
		gen := q.flushGen
		q.cancel = q.opts.Scheduler.Schedule(func() { q.scheduledFlush(gen) })
	}
}

func (q *Queue) scheduledFlush(gen uint64) {
	q.mu.Lock()
	if gen != q.flushGen || q.cancel == nil {
		q.mu.Unlock()
		return
	}
	q.cancel = nil
	q.mu.Unlock()
	q.FlushNow(context.Background())
}

// FlushNow emits everything pending and returns one result per patch, in
// emission order. The pending buffer is cleared even if dispatch fails.
func (q *Queue) FlushNow(ctx context.Context) []FlushResult {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	pending := q.pending
	q.pending = make(map[int]map[int]int)
	q.mu.Unlock()

	cmds := q.chunk(pending, clock.Millis(q.opts.Clock.Now()))
	if len(cmds) == 0 {
		return nil
	}
	for _, cmd := range cmds {
		q.notifyObservers(cmd)
	}
	return q.dispatch(ctx, cmds)
}

// chunk orders universes and channels ascending and splits each universe
// into patches of at most ChunkSize entries sharing the flush timestamp.
func (q *Queue) chunk(pending map[int]map[int]int, ts int64) []*proto.DMXPatch {
	var cmds []*proto.DMXPatch
	for _, universe := range slices.Sorted(maps.Keys(pending)) {
		channels := pending[universe]
		if len(channels) == 0 {
			continue
		}
		entries := make([]proto.PatchEntry, 0, len(channels))
		for _, ch := range slices.Sorted(maps.Keys(channels)) {
			entries = append(entries, proto.PatchEntry{Ch: ch, Val: channels[ch]})
		}
		for start := 0; start < len(entries); start += q.opts.ChunkSize {
			end := min(start+q.opts.ChunkSize, len(entries))
			cmd := proto.NewDMXPatch(universe, entries[start:end:end])
			cmd.ID = q.opts.NewID()
			cmd.TS = ts
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

func (q *Queue) dispatch(ctx context.Context, cmds []*proto.DMXPatch) []FlushResult {
	results := make([]FlushResult, len(cmds))

	var sender transport.Sender
	if q.opts.Registry != nil {
		sender = q.opts.Registry.Current()
	}
	if sender != nil {
		for i, cmd := range cmds {
			sender.SendCommand(cmd)
			results[i] = FlushResult{AckID: cmd.ID, Command: cmd}
		}
		slog.Debug("Flushed patches", "patches", len(cmds), "path", "sender")
		return results
	}

	if q.opts.Fallback == nil {
		slog.Warn("No transport available, dropping patches", "patches", len(cmds))
		for i, cmd := range cmds {
			ack := proto.Ack{Ack: cmd.ID, Accepted: false, Reason: "no transport"}
			results[i] = FlushResult{AckID: cmd.ID, Command: cmd, Ack: &ack}
		}
		return results
	}

	var g errgroup.Group
	for i, cmd := range cmds {
		g.Go(func() error {
			ack, err := q.opts.Fallback.PostCommand(ctx, cmd)
			if err != nil {
				slog.Warn("REST command failed", "id", cmd.ID, "universe", cmd.Universe, "error", err)
				ack = proto.Ack{Ack: cmd.ID, Accepted: false, Reason: err.Error()}
			} else {
				if ack.Ack == "" {
					ack.Ack = cmd.ID
				}
				if q.opts.Broker != nil {
					q.opts.Broker.Publish(ack)
				}
			}
			results[i] = FlushResult{AckID: ack.Ack, Command: cmd, Ack: &ack}
			return nil
		})
	}
	g.Wait()
	slog.Debug("Flushed patches", "patches", len(cmds), "path", "rest")
	return results
}

// AddPatchObserver registers fn to receive a private copy of every emitted
// patch before it is dispatched.
func (q *Queue) AddPatchObserver(fn func(*proto.DMXPatch)) (remove func()) {
	q.obsMu.Lock()
	defer q.obsMu.Unlock()
	q.obsSeq++
	id := q.obsSeq
	q.observers[id] = fn
	return func() {
		q.obsMu.Lock()
		defer q.obsMu.Unlock()
		delete(q.observers, id)
	}
}

func (q *Queue) notifyObservers(cmd *proto.DMXPatch) {
	q.obsMu.RLock()
	ids := slices.Sorted(maps.Keys(q.observers))
	fns := make([]func(*proto.DMXPatch), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, q.observers[id])
	}
	q.obsMu.RUnlock()

	for _, fn := range fns {
		observe(fn, cmd.Clone())
	}
}

func observe(fn func(*proto.DMXPatch), cmd *proto.DMXPatch) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Patch observer panicked", "id", cmd.ID, "panic", r)
		}
	}()
	fn(cmd)
}

// Reset cancels any scheduled flush and discards pending values.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.pending = make(map[int]map[int]int)
}

// Pending returns a copy of the pending buffer: universe -> channel -> value.
func (q *Queue) Pending() map[int]map[int]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[int]map[int]int, len(q.pending))
	for u, channels := range q.pending {
		out[u] = maps.Clone(channels)
	}
	return out
}

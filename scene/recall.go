// Package scene recalls scenes optimistically: values are applied locally and
// sent, then rolled back if the backend rejects or does not answer in time.
package scene

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/mbocsi/dmxlink/broker"
	"github.com/mbocsi/dmxlink/clock"
	"github.com/mbocsi/dmxlink/proto"
	"github.com/mbocsi/dmxlink/queue"
)

const DefaultAckTimeout = 1200 * time.Millisecond

// Enqueuer is the part of *queue.Queue a recall needs.
type Enqueuer interface {
	SetChannel(universe, channel int, value float64)
	FlushNow(ctx context.Context) []queue.FlushResult
	AddPatchObserver(fn func(*proto.DMXPatch)) (remove func())
}

type Options struct {
	Queue      Enqueuer
	Broker     *broker.Broker
	Store      *Store
	Clock      clock.Clock
	AckTimeout time.Duration
}

type Coordinator struct {
	opts Options
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Store == nil {
		opts.Store = NewStore(nil)
	}
	return &Coordinator{opts: opts}
}

func (c *Coordinator) Store() *Store { return c.opts.Store }

// Result is the outcome of waiting for a recall's acks. Failed names the first
// rejected command, or on timeout the first one still outstanding.
type Result struct {
	Accepted bool   `json:"accepted"`
	Failed   string `json:"failed,omitempty"`
	TimedOut bool   `json:"timedOut,omitempty"`
}

// Recall tracks one queued scene from enqueue to commit or revert.
type Recall struct {
	c        *Coordinator
	scene    Scene
	snapshot []Fixture

	sub       *broker.Subscription
	removeObs func()
	release   sync.Once

	mu      sync.Mutex
	order   []string
	pending map[string]struct{}
	failed  string
	changed chan struct{}
}

// Queue snapshots fixture state, applies the scene locally and enqueues every
// channel write. Every patch emitted from here until Flush returns is
// tracked, including one sent by a scheduled flush in between.
func (c *Coordinator) Queue(scene Scene) *Recall {
	r := &Recall{
		c:        c,
		scene:    scene,
		snapshot: c.opts.Store.Snapshot(),
		pending:  make(map[string]struct{}),
		changed:  make(chan struct{}, 1),
	}
	if c.opts.Broker != nil {
		r.sub = c.opts.Broker.Subscribe(r.onAck)
	}
	r.removeObs = c.opts.Queue.AddPatchObserver(r.onPatch)

	for _, universe := range slices.Sorted(maps.Keys(scene.Values)) {
		values := scene.Values[universe]
		for _, v := range values {
			c.opts.Queue.SetChannel(universe, v.Channel, float64(v.Value))
		}
		c.opts.Store.ApplyChannels(universe, values)
	}
	return r
}

// RevertGuard returns a func that restores the fixture state captured by Queue.
func (r *Recall) RevertGuard() func() {
	snapshot := r.snapshot
	return func() {
		r.c.opts.Store.Restore(snapshot)
		slog.Info("Reverted scene", "scene", r.scene.ID)
	}
}

// Flush sends everything queued and returns the ack ids being tracked. Acks
// known immediately are resolved here. WaitAck must follow to release the
// ack subscription.
func (r *Recall) Flush(ctx context.Context) []string {
	results := r.c.opts.Queue.FlushNow(ctx)
	r.removeObs()

	r.mu.Lock()
	defer r.mu.Unlock()
	firstRejected := ""
	for _, res := range results {
		if res.Ack == nil {
			continue
		}
		r.resolveLocked(res.Command.ID, res.Ack.Accepted)
		if !res.Ack.Accepted && firstRejected == "" {
			firstRejected = res.Command.ID
		}
	}
	// Immediate results are reported in emission order, unlike the bus.
	if firstRejected != "" {
		r.failed = firstRejected
	}
	return slices.Clone(r.order)
}

func (r *Recall) onPatch(p *proto.DMXPatch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, p.ID)
	r.pending[p.ID] = struct{}{}
}

func (r *Recall) onAck(ack proto.Ack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolveLocked(ack.Ack, ack.Accepted)
}

func (r *Recall) resolveLocked(id string, accepted bool) {
	if _, ok := r.pending[id]; !ok {
		return
	}
	delete(r.pending, id)
	if !accepted && r.failed == "" {
		r.failed = id
	}
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

func (r *Recall) resultLocked() (Result, bool) {
	if r.failed != "" {
		return Result{Accepted: false, Failed: r.failed}, true
	}
	if len(r.pending) == 0 {
		return Result{Accepted: true}, true
	}
	return Result{}, false
}

// WaitAck blocks until every tracked command is accepted, any is rejected, or
// the ack deadline passes. Cancelling ctx ends the wait like the deadline.
func (r *Recall) WaitAck(ctx context.Context) Result {
	defer r.stopTracking()

	r.mu.Lock()
	res, ok := r.resultLocked()
	r.mu.Unlock()
	if ok {
		return res
	}

	expired := make(chan struct{})
	timer := r.c.opts.Clock.AfterFunc(r.c.opts.AckTimeout, func() { close(expired) })
	defer timer.Stop()

	for {
		select {
		case <-r.changed:
			r.mu.Lock()
			res, ok := r.resultLocked()
			r.mu.Unlock()
			if ok {
				return res
			}
		case <-expired:
			return r.timeoutResult()
		case <-ctx.Done():
			return r.timeoutResult()
		}
	}
}

func (r *Recall) timeoutResult() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res, ok := r.resultLocked(); ok {
		return res
	}
	res := Result{Accepted: false, TimedOut: true}
	for _, id := range r.order {
		if _, ok := r.pending[id]; ok {
			res.Failed = id
			break
		}
	}
	slog.Warn("Timed out waiting for scene acks", "scene", r.scene.ID, "outstanding", len(r.pending))
	return res
}

func (r *Recall) stopTracking() {
	r.release.Do(func() {
		r.removeObs()
		if r.sub != nil {
			r.c.opts.Broker.Unsubscribe(r.sub)
		}
	})
}

// Commit marks the scene active.
func (r *Recall) Commit() {
	r.c.opts.Store.SetActiveScene(r.scene.ID)
	slog.Info("Committed scene", "scene", r.scene.ID)
}

// Recall runs the whole protocol: queue, flush, wait, then commit or revert.
func (c *Coordinator) Recall(ctx context.Context, scene Scene) Result {
	r := c.Queue(scene)
	revert := r.RevertGuard()
	ids := r.Flush(ctx)
	slog.Debug("Scene flushed", "scene", scene.ID, "patches", len(ids))

	res := r.WaitAck(ctx)
	if res.Accepted {
		r.Commit()
		return res
	}
	slog.Warn("Scene rejected", "scene", scene.ID, "failed", res.Failed, "timed_out", res.TimedOut)
	revert()
	return res
}

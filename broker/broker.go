package broker

import (
	"log/slog"
	"sync"

	"github.com/mbocsi/dmxlink/proto"
)

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	fn func(proto.Ack)
}

// Broker fans acks out to every subscribed listener. Publish is synchronous;
// a panicking listener is logged and does not affect the others.
type Broker struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[*Subscription]struct{}),
	}
}

func (b *Broker) Subscribe(fn func(proto.Ack)) *Subscription {
	sub := &Subscription{fn: fn}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub] = struct{}{}
	slog.Debug("Ack listener subscribed", "listeners", len(b.subs))
	return sub
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	slog.Debug("Ack listener unsubscribed", "listeners", len(b.subs))
}

func (b *Broker) Publish(ack proto.Ack) {
	b.mu.RLock()
	listeners := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		listeners = append(listeners, sub)
	}
	b.mu.RUnlock()

	slog.Debug("Publishing ack", "ack", ack.Ack, "accepted", ack.Accepted, "listeners", len(listeners))
	for _, sub := range listeners {
		notify(sub, ack)
	}
}

func notify(sub *Subscription, ack proto.Ack) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Ack listener panicked", "ack", ack.Ack, "panic", r)
		}
	}()
	sub.fn(ack)
}

// Len reports the number of subscribed listeners.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Reset drops every listener.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[*Subscription]struct{})
}

package subscribe

import (
	"context"
	"sync"
	"time"

	"github.com/mikeydub/go-barter/service/logger"
	"github.com/mikeydub/go-barter/service/persist"
	"github.com/sirupsen/logrus"
)

// EventType discriminates the events a subscriber can receive.
type EventType string

const (
	EventLoopAdded        EventType = "loop_added"
	EventLoopRemoved      EventType = "loop_removed"
	EventLoopStale        EventType = "loop_stale"
	EventSubscriberLagged EventType = "subscriber_lagged"
)

// LoopEvent is one entry in a subscriber's stream. Loop is nil for
// subscriber_lagged, which is always the terminal event on its channel.
type LoopEvent struct {
	Type      EventType            `json:"type"`
	Tenant    persist.TenantID     `json:"tenant_id"`
	Version   uint64               `json:"version"`
	Loop      *persist.TradeLoop   `json:"loop,omitempty"`
	EmittedAt persist.CreationTime `json:"emitted_at"`
}

// Subscription is one consumer's handle on a tenant's event stream.
type Subscription struct {
	id string
	ch chan LoopEvent

	dispatcher *Dispatcher
	closeOnce  sync.Once
}

// Events returns the receive side of the subscription. The channel is closed
// when the subscription ends, whether by Close, eviction or tenant shutdown.
func (s *Subscription) Events() <-chan LoopEvent {
	return s.ch
}

// Close detaches the subscription and closes its channel. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.dispatcher.remove(s)
}

// Dispatcher fans a tenant's loop diffs out to its subscribers. Delivery is
// per-subscriber ordered and never blocks the emitting round: a subscriber
// whose buffer is full is evicted with a terminal subscriber_lagged event.
type Dispatcher struct {
	tenant persist.TenantID
	buffer int

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewDispatcher returns a dispatcher for the given tenant. buffer is the
// per-subscriber channel capacity before eviction.
func NewDispatcher(tenant persist.TenantID, buffer int) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	return &Dispatcher{
		tenant: tenant,
		buffer: buffer,
		subs:   map[string]*Subscription{},
	}
}

// Subscribe registers a new consumer. Events published after this call are
// delivered in order; there is no replay of earlier rounds.
func (d *Dispatcher) Subscribe() *Subscription {
	s := &Subscription{
		id: persist.GenerateID().String(),
		// one slot past the lag threshold is reserved for the terminal event
		ch:         make(chan LoopEvent, d.buffer+1),
		dispatcher: d,
	}
	d.mu.Lock()
	d.subs[s.id] = s
	d.mu.Unlock()
	return s
}

// SubscriberCount returns the number of attached subscribers.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// Shutdown closes every subscription without a terminal event.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, s := range d.subs {
		delete(d.subs, id)
		s.closeOnce.Do(func() { close(s.ch) })
	}
}

// LoopsAdded implements the discovery sink.
func (d *Dispatcher) LoopsAdded(ctx context.Context, version uint64, loops []*persist.TradeLoop) {
	d.publishAll(ctx, EventLoopAdded, version, loops)
}

// LoopsRemoved implements the discovery sink.
func (d *Dispatcher) LoopsRemoved(ctx context.Context, version uint64, loops []*persist.TradeLoop) {
	d.publishAll(ctx, EventLoopRemoved, version, loops)
}

// LoopsStale implements the discovery sink.
func (d *Dispatcher) LoopsStale(ctx context.Context, version uint64, loops []*persist.TradeLoop) {
	d.publishAll(ctx, EventLoopStale, version, loops)
}

func (d *Dispatcher) publishAll(ctx context.Context, typ EventType, version uint64, loops []*persist.TradeLoop) {
	now := persist.CreationTime(time.Now())
	for _, loop := range loops {
		d.publish(ctx, LoopEvent{
			Type:      typ,
			Tenant:    d.tenant,
			Version:   version,
			Loop:      loop,
			EmittedAt: now,
		})
	}
}

// publish delivers one event to every subscriber, evicting any whose buffer
// is already at capacity.
func (d *Dispatcher) publish(ctx context.Context, ev LoopEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, s := range d.subs {
		if len(s.ch) >= d.buffer {
			delete(d.subs, id)
			d.evict(ctx, s, ev.Version)
			continue
		}
		s.ch <- ev
	}
}

// evict sends the terminal lagged event into the reserved slot and closes the
// channel. Caller holds the lock and has already removed the subscription.
func (d *Dispatcher) evict(ctx context.Context, s *Subscription, version uint64) {
	s.closeOnce.Do(func() {
		s.ch <- LoopEvent{
			Type:      EventSubscriberLagged,
			Tenant:    d.tenant,
			Version:   version,
			EmittedAt: persist.CreationTime(time.Now()),
		}
		close(s.ch)
		logger.For(ctx).WithFields(logrus.Fields{"tenant": d.tenant, "subscription": s.id}).Warn("subscriber evicted for lagging")
	})
}

func (d *Dispatcher) remove(s *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subs[s.id]; ok {
		delete(d.subs, s.id)
	}
	s.closeOnce.Do(func() { close(s.ch) })
}

package events

import (
	"sync"
	"time"

	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/cuemby/drillmaster/pkg/types"
)

// ringSize is the depth of the in-memory tail kept for cheap dashboard
// reads; independent of however much history the Store retains.
const ringSize = 2000

// persistBatchInterval bounds how long an event can sit in the
// write-behind queue before it is flushed to the Store.
const persistBatchInterval = 500 * time.Millisecond

// Subscriber is a channel that receives events matching its filter.
type Subscriber chan *types.Event

// Broker is the in-process publish/subscribe hub for Event.
// Publish never blocks the caller: events land on a buffered channel, a
// single broadcast goroutine fans them out to subscribers and appends
// them to a bounded ring, and a second goroutine batches them into the
// Store so the hot request path never waits on a DB commit.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]types.EventKind // "" means unfiltered

	ring     []*types.Event
	ringHead int
	ringLen  int

	eventCh   chan *types.Event
	persistCh chan *types.Event
	stopCh    chan struct{}

	store store.Store
}

// NewBroker creates a broker that write-behinds persisted events to s.
// s may be nil, in which case persistence is skipped (useful for tests).
func NewBroker(s store.Store) *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]types.EventKind),
		ring:        make([]*types.Event, ringSize),
		eventCh:     make(chan *types.Event, 256),
		persistCh:   make(chan *types.Event, 512),
		stopCh:      make(chan struct{}),
		store:       s,
	}
}

// Start begins the broker's distribution and write-behind loops.
func (b *Broker) Start() {
	go b.run()
	if b.store != nil {
		go b.persistLoop()
	}
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe returns a channel receiving every event, or only events of
// kind if kind is non-empty.
func (b *Broker) Subscribe(kind types.EventKind) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = kind
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues an event for broadcast and persistence. Non-blocking:
// on back-pressure the oldest ring entry is simply overwritten next, and
// a full eventCh drops the publish rather than stall the caller.
func (b *Broker) Publish(e *types.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- e:
	default:
		// hot path never blocks; a dropped event never reaches the ring,
		// the subscribers or the store.
	}
}

func (b *Broker) run() {
	for {
		select {
		case e := <-b.eventCh:
			b.appendRing(e)
			b.broadcast(e)
			if b.store != nil {
				select {
				case b.persistCh <- e:
				default:
					// persistence queue is full; drop-newest policy: the
					// ring and subscribers already have it, only the
					// durable copy is lost for this one event.
				}
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) appendRing(e *types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.ringHead] = e
	b.ringHead = (b.ringHead + 1) % ringSize
	if b.ringLen < ringSize {
		b.ringLen++
	}
}

func (b *Broker) broadcast(e *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if filter != "" && filter != e.Kind {
			continue
		}
		select {
		case sub <- e:
		default:
			// subscriber buffer full, skip rather than block the broker
		}
	}
}

// persistLoop batches events into the Store so a commit-per-event never
// sits on the request path.
func (b *Broker) persistLoop() {
	ticker := time.NewTicker(persistBatchInterval)
	defer ticker.Stop()

	var batch []*types.Event
	flush := func() {
		for _, e := range batch {
			_ = b.store.AppendEvent(e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-b.persistCh:
			batch = append(batch, e)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			if len(batch) > 0 {
				flush()
			}
		case <-b.stopCh:
			flush()
			return
		}
	}
}

// Tail returns up to n of the most recent events from the in-memory
// ring, newest first, optionally filtered by kind.
func (b *Broker) Tail(n int, kind types.EventKind) []*types.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*types.Event, 0, n)
	for i := 0; i < b.ringLen && len(out) < n; i++ {
		idx := (b.ringHead - 1 - i + 2*ringSize) % ringSize
		e := b.ring[idx]
		if e == nil {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, e)
	}
	return out
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

package repository

import (
	"sync"

	"github.com/google/uuid"

	"courseforge/backend/pkg/models"
)

// subscriptionBuffer is the per-subscriber channel capacity. Event logs are
// short (a few dozen events per run), so a subscriber only laps this if its
// connection has stalled for a long time.
const subscriptionBuffer = 256

// Subscription is one subscriber's live view of a run's event tail.
type Subscription struct {
	ch     chan models.StepEvent
	cancel func()

	// mu serializes sends against the close of ch. A send racing the close
	// would panic the appending goroutine, so both go through this lock.
	mu     sync.Mutex
	closed bool
	lagged bool
}

// Events returns the channel of live events. The channel is closed after a
// terminal event has been delivered, after Close, or if the subscriber
// lagged behind the broker (see Lagged).
func (s *Subscription) Events() <-chan models.StepEvent { return s.ch }

// Lagged reports whether the broker dropped this subscriber because its
// buffer filled up. A lagged subscriber has missed events and must re-read
// the log from its last known index.
func (s *Subscription) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Close detaches the subscription from the broker. Safe to call more than
// once and after the channel has already been closed.
func (s *Subscription) Close() { s.cancel() }

// trySend delivers ev unless the subscription is already closed. It reports
// false when the buffer is full, in which case the subscriber has lagged.
func (s *Subscription) trySend(ev models.StepEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// shutdown closes the event channel exactly once.
func (s *Subscription) shutdown(lagged bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if lagged {
		s.lagged = true
	}
	close(s.ch)
}

// broker fans out appended events to every live subscriber of a run. It is
// the in-process half of the store's Subscribe contract; the Postgres store
// additionally feeds it from LISTEN/NOTIFY so subscribers on one engine
// instance see appends made by another.
type broker struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[*Subscription]struct{}

	// lastIndex tracks the highest index published per run so an event
	// arriving both locally and via notification is delivered once.
	lastIndex map[uuid.UUID]int
}

func newBroker() *broker {
	return &broker{
		subs:      make(map[uuid.UUID]map[*Subscription]struct{}),
		lastIndex: make(map[uuid.UUID]int),
	}
}

// subscribe registers a new subscriber for the run.
func (b *broker) subscribe(runID uuid.UUID) *Subscription {
	sub := &Subscription{ch: make(chan models.StepEvent, subscriptionBuffer)}
	sub.cancel = func() {
		b.remove(runID, sub)
		sub.shutdown(false)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[*Subscription]struct{})
	}
	b.subs[runID][sub] = struct{}{}
	return sub
}

func (b *broker) remove(runID uuid.UUID, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set := b.subs[runID]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, runID)
		}
	}
}

// publish delivers an event to every subscriber of its run. Events at or
// below the run's last published index are ignored (duplicate delivery from
// the notification path). After a terminal event all subscriptions for the
// run are closed and the run's dedup state is dropped.
func (b *broker) publish(ev models.StepEvent) {
	b.mu.Lock()
	if last, ok := b.lastIndex[ev.RunID]; ok && ev.Index <= last {
		b.mu.Unlock()
		return
	}
	b.lastIndex[ev.RunID] = ev.Index

	var subs []*Subscription
	for sub := range b.subs[ev.RunID] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.trySend(ev) {
			// Subscriber stalled; cut it loose rather than block the
			// appending executor. It will re-replay from the store.
			b.remove(ev.RunID, sub)
			sub.shutdown(true)
		}
	}

	if ev.Terminal() {
		for _, sub := range subs {
			sub.cancel()
		}
		b.mu.Lock()
		delete(b.lastIndex, ev.RunID)
		b.mu.Unlock()
	}
}

package engine

import (
	"sync"

	"github.com/seantiz/simforge/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 256

// ProgressBroker fans the progress events of each batch out to subscribers.
// It is safe for concurrent use.
//
// Closed topics are kept as markers so that subscribers arriving after a
// batch finished get a closed channel instead of blocking forever.
type ProgressBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan model.ProgressEvent
	nextID int
	closed bool
}

// NewProgressBroker creates an empty broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel of events for batchID and an unsubscribe
// function. If the batch has already finished the channel is closed.
func (b *ProgressBroker) Subscribe(batchID string) (<-chan model.ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[batchID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.ProgressEvent)}
		b.topics[batchID] = t
	}

	ch := make(chan model.ProgressEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends ev to every subscriber of batchID, dropping it for
// subscribers whose buffers are full.
func (b *ProgressBroker) Publish(batchID string, ev model.ProgressEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[batchID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close marks batchID finished and closes every subscriber channel.
func (b *ProgressBroker) Close(batchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[batchID]
	if !ok {
		b.topics[batchID] = &eventTopic{subs: make(map[int]chan model.ProgressEvent), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

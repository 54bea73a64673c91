package engine

import (
	"sync"
	"time"

	"github.com/seantiz/agentrun/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 16

// Event is published after every committed status change of an execution.
type Event struct {
	ExecutionID string       `json:"executionId"`
	Status      model.Status `json:"status"`
	Reason      string       `json:"reason,omitempty"`
	At          time.Time    `json:"at"`
}

// EventBroker fans out status events per execution. It is safe for
// concurrent use.
//
// A topic exists only while it has subscribers. Callers that need to know
// whether an execution already finished must subscribe first and then read
// the stored status, so a terminal event cannot slip between the two.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel receiving events for the execution and an
// unsubscribe function. The channel is closed after the terminal event.
func (b *EventBroker) Subscribe(executionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[executionID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		cur, ok := b.topics[executionID]
		if !ok || cur != t {
			return
		}
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
		if len(t.subs) == 0 {
			delete(b.topics, executionID)
		}
	}
}

// Publish delivers ev to every subscriber of its execution, dropping it for
// subscribers whose buffers are full. A terminal event closes the topic.
func (b *EventBroker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.ExecutionID]
	if !ok {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}

	if ev.Status.IsTerminal() {
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
		delete(b.topics, ev.ExecutionID)
	}
}

// Subscribers returns the number of live subscribers for an execution.
func (b *EventBroker) Subscribers(executionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[executionID]; ok {
		return len(t.subs)
	}
	return 0
}

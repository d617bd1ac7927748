package pipeline

import (
	"sync"
	"time"

	"contribution-oracle/logging"
)

// Topology event types pushed to the request router over the /pipeline
// websocket namespace.
const (
	EventTopology   = "pipeline:topology"
	EventNodeStatus = "pipeline:nodeStatus"
	EventNodeJoined = "pipeline:nodeJoined"
	EventNodeLeft   = "pipeline:nodeLeft"
)

type Event struct {
	Type      string      `json:"type"`
	Model     string      `json:"model"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Bus is a typed multi-subscriber broadcast channel. Publish never blocks:
// a subscriber that stops draining loses events rather than stalling
// allocation.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextId int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

func (b *Bus) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextId
	b.nextId++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	return id, ch
}

func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Bus) Publish(eventType, model string, payload interface{}) {
	event := Event{
		Type:      eventType,
		Model:     model,
		Payload:   payload,
		Timestamp: time.Now().Unix(),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			logging.Debug("Dropping topology event for slow subscriber", logging.Pipeline,
				"subscriber", id, "type", eventType, "model", model)
		}
	}
}

package broadcast

import (
	"context"
	"encoding/json"
	"sync"
)

// Record is the wire form of an event on a Channel. Timestamp is unix milliseconds.
type Record struct {
	Topic     string          `json:"topic"`
	Origin    string          `json:"origin"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Channel is the shared medium observed by every context.
type Channel interface {
	// Write stores record as the latest value for its topic and notifies listeners.
	Write(ctx context.Context, record Record) error
	// Listen calls deliver for every record written after it returns. The
	// returned function stops delivery.
	Listen(ctx context.Context, deliver func(Record)) (func(), error)
}

// MemoryHub is a Channel shared by contexts within one process. Delivery is
// synchronous inside Write.
type MemoryHub struct {
	mutex     sync.Mutex
	listeners map[int]func(Record)
	nextID    int
	latest    map[string]Record
}

// NewMemoryHub constructs an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{listeners: make(map[int]func(Record)), latest: make(map[string]Record)}
}

// Write records the latest value for the topic and notifies every listener.
func (hub *MemoryHub) Write(_ context.Context, record Record) error {
	hub.mutex.Lock()
	hub.latest[record.Topic] = record
	listeners := make([]func(Record), 0, len(hub.listeners))
	for id := 0; id <= hub.nextID; id++ {
		if listener, ok := hub.listeners[id]; ok {
			listeners = append(listeners, listener)
		}
	}
	hub.mutex.Unlock()
	for _, listener := range listeners {
		listener(record)
	}
	return nil
}

// Listen registers deliver until the returned stop function runs.
func (hub *MemoryHub) Listen(_ context.Context, deliver func(Record)) (func(), error) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.nextID++
	id := hub.nextID
	hub.listeners[id] = deliver
	return func() {
		hub.mutex.Lock()
		defer hub.mutex.Unlock()
		delete(hub.listeners, id)
	}, nil
}

// Latest returns the last record written for topic.
func (hub *MemoryHub) Latest(topic string) (Record, bool) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	record, ok := hub.latest[topic]
	return record, ok
}

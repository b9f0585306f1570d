// Package broadcast fans state changes out to in-process subscribers and to
// sibling contexts sharing a Channel.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/cartsync/internal/clock"
	"github.com/tyemirov/cartsync/internal/metrics"
	"go.uber.org/zap"
)

// Well-known topics.
const (
	TopicCart = "cart"
	TopicUser = "user"
)

// Event is one delivered state change.
type Event struct {
	Topic     string
	Payload   json.RawMessage
	Timestamp time.Time
	Origin    string
	// Remote is true when the event was published by another context.
	Remote bool
}

// Decode unmarshals the payload into target.
func (event Event) Decode(target any) error {
	if err := json.Unmarshal(event.Payload, target); err != nil {
		return fmt.Errorf("broadcast.decode.%s: %w", event.Topic, err)
	}
	return nil
}

// Handler consumes events. Handlers run synchronously on the dispatching goroutine.
type Handler func(Event)

// Config configures a Broadcaster.
type Config struct {
	Channel Channel
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics metrics.Recorder
	// Origin overrides the generated context id.
	Origin string
}

type subscription struct {
	id         int
	topic      string
	remoteOnly bool
	handler    Handler
}

// remoteKey scopes ordering to one sending context and topic.
type remoteKey struct {
	topic  string
	origin string
}

// Broadcaster delivers events in publish order within its context. Across
// contexts only timestamp ordering per sender and topic is kept: a remote
// record older than the newest one already received from the same origin is
// dropped. Local publishes never suppress remote records.
type Broadcaster struct {
	origin  string
	channel Channel
	clock   clock.Clock
	logger  *zap.Logger
	metrics metrics.Recorder

	mutex         sync.Mutex
	subscriptions []*subscription
	nextID        int
	queue         []Event
	dispatching   bool
	newest        map[remoteKey]int64
	stopListening func()
}

// New constructs a Broadcaster. Call Start to begin receiving remote events.
func New(config Config) *Broadcaster {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Origin == "" {
		config.Origin = uuid.NewString()
	}
	return &Broadcaster{
		origin:  config.Origin,
		channel: config.Channel,
		clock:   config.Clock,
		logger:  config.Logger,
		metrics: metrics.OrNop(config.Metrics),
		newest:  make(map[remoteKey]int64),
	}
}

// Origin returns the id stamped on events from this context.
func (broadcaster *Broadcaster) Origin() string {
	return broadcaster.origin
}

// Start subscribes to the channel. It is a no-op without a channel.
func (broadcaster *Broadcaster) Start(ctx context.Context) error {
	if broadcaster.channel == nil {
		return nil
	}
	stop, err := broadcaster.channel.Listen(ctx, broadcaster.receive)
	if err != nil {
		return fmt.Errorf("broadcast.start: %w", err)
	}
	broadcaster.mutex.Lock()
	broadcaster.stopListening = stop
	broadcaster.mutex.Unlock()
	return nil
}

// Close stops listening to the channel.
func (broadcaster *Broadcaster) Close() {
	broadcaster.mutex.Lock()
	stop := broadcaster.stopListening
	broadcaster.stopListening = nil
	broadcaster.mutex.Unlock()
	if stop != nil {
		stop()
	}
}

// Subscribe registers handler for topic and returns a function that removes it.
func (broadcaster *Broadcaster) Subscribe(topic string, handler Handler) func() {
	return broadcaster.subscribe(topic, handler, false)
}

// SubscribeRemote registers handler for events that originate in other contexts.
func (broadcaster *Broadcaster) SubscribeRemote(topic string, handler Handler) func() {
	return broadcaster.subscribe(topic, handler, true)
}

func (broadcaster *Broadcaster) subscribe(topic string, handler Handler, remoteOnly bool) func() {
	broadcaster.mutex.Lock()
	defer broadcaster.mutex.Unlock()
	broadcaster.nextID++
	entry := &subscription{id: broadcaster.nextID, topic: topic, remoteOnly: remoteOnly, handler: handler}
	broadcaster.subscriptions = append(broadcaster.subscriptions, entry)
	return func() {
		broadcaster.mutex.Lock()
		defer broadcaster.mutex.Unlock()
		kept := broadcaster.subscriptions[:0]
		for _, existing := range broadcaster.subscriptions {
			if existing.id != entry.id {
				kept = append(kept, existing)
			}
		}
		broadcaster.subscriptions = kept
	}
}

// Publish delivers payload to local subscribers, then writes it to the channel.
// Payloads are JSON encoded; json.RawMessage is sent as-is.
func (broadcaster *Broadcaster) Publish(ctx context.Context, topic string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("broadcast.publish.%s: %w", topic, err)
	}
	event := Event{Topic: topic, Payload: raw, Timestamp: broadcaster.clock.Now(), Origin: broadcaster.origin}

	broadcaster.metrics.Increment(metrics.BroadcastSent)
	broadcaster.enqueue(event)

	if broadcaster.channel == nil {
		return nil
	}
	record := Record{Topic: topic, Origin: broadcaster.origin, Timestamp: event.Timestamp.UnixMilli(), Payload: raw}
	if writeErr := broadcaster.channel.Write(ctx, record); writeErr != nil {
		broadcaster.logger.Warn("broadcast write failed",
			zap.String("code", "broadcast.write"),
			zap.String("topic", topic),
			zap.Error(writeErr),
		)
		return fmt.Errorf("broadcast.publish.%s: %w", topic, writeErr)
	}
	return nil
}

func (broadcaster *Broadcaster) receive(record Record) {
	if record.Origin == broadcaster.origin {
		return
	}
	key := remoteKey{topic: record.Topic, origin: record.Origin}
	broadcaster.mutex.Lock()
	if newest, ok := broadcaster.newest[key]; ok && record.Timestamp < newest {
		broadcaster.mutex.Unlock()
		broadcaster.metrics.Increment(metrics.BroadcastDropped)
		broadcaster.logger.Debug("dropping out-of-order broadcast",
			zap.String("code", "broadcast.stale"),
			zap.String("topic", record.Topic),
			zap.String("origin", record.Origin),
		)
		return
	}
	broadcaster.newest[key] = record.Timestamp
	broadcaster.mutex.Unlock()
	broadcaster.metrics.Increment(metrics.BroadcastReceived)
	broadcaster.enqueue(Event{
		Topic:     record.Topic,
		Payload:   record.Payload,
		Timestamp: time.UnixMilli(record.Timestamp).UTC(),
		Origin:    record.Origin,
		Remote:    true,
	})
}

// enqueue appends event and drains the queue unless a dispatch is already in
// progress, in which case the active dispatcher delivers it.
func (broadcaster *Broadcaster) enqueue(event Event) {
	broadcaster.mutex.Lock()
	broadcaster.queue = append(broadcaster.queue, event)
	if broadcaster.dispatching {
		broadcaster.mutex.Unlock()
		return
	}
	broadcaster.dispatching = true
	for len(broadcaster.queue) > 0 {
		next := broadcaster.queue[0]
		broadcaster.queue = broadcaster.queue[1:]
		handlers := broadcaster.handlersFor(next)
		broadcaster.mutex.Unlock()
		for _, handler := range handlers {
			broadcaster.invoke(handler, next)
		}
		broadcaster.mutex.Lock()
	}
	broadcaster.dispatching = false
	broadcaster.mutex.Unlock()
}

func (broadcaster *Broadcaster) handlersFor(event Event) []Handler {
	var handlers []Handler
	for _, entry := range broadcaster.subscriptions {
		if entry.topic != event.Topic {
			continue
		}
		if entry.remoteOnly && !event.Remote {
			continue
		}
		handlers = append(handlers, entry.handler)
	}
	return handlers
}

func (broadcaster *Broadcaster) invoke(handler Handler, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			broadcaster.logger.Error("broadcast handler panicked",
				zap.String("code", "broadcast.handler_panic"),
				zap.String("topic", event.Topic),
				zap.Any("panic", recovered),
			)
		}
	}()
	handler(event)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch typed := payload.(type) {
	case json.RawMessage:
		return typed, nil
	case []byte:
		return json.RawMessage(typed), nil
	default:
		return json.Marshal(payload)
	}
}

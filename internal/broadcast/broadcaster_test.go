package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tyemirov/cartsync/internal/clock"
	"github.com/tyemirov/cartsync/internal/metrics"
)

var broadcastEpoch = time.Date(2025, time.April, 4, 16, 0, 0, 0, time.UTC)

func TestPublishDeliversInOrderIncludingReentrantPublishes(t *testing.T) {
	t.Parallel()
	broadcaster := New(Config{Origin: "tab-1"})
	var observed []string
	broadcaster.Subscribe(TopicCart, func(event Event) {
		var label string
		if err := event.Decode(&label); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		observed = append(observed, label)
		if label == "first" {
			if err := broadcaster.Publish(context.Background(), TopicCart, "nested"); err != nil {
				t.Errorf("nested publish: %v", err)
			}
			observed = append(observed, "after-nested-publish")
		}
	})
	if err := broadcaster.Publish(context.Background(), TopicCart, "first"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := broadcaster.Publish(context.Background(), TopicCart, "second"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expected := []string{"first", "after-nested-publish", "nested", "second"}
	if len(observed) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, observed)
	}
	for index := range expected {
		if observed[index] != expected[index] {
			t.Fatalf("expected %v, got %v", expected, observed)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	broadcaster := New(Config{})
	calls := 0
	cancel := broadcaster.Subscribe(TopicUser, func(Event) { calls++ })
	_ = broadcaster.Publish(context.Background(), TopicUser, map[string]bool{"logged_in": true})
	cancel()
	_ = broadcaster.Publish(context.Background(), TopicUser, map[string]bool{"logged_in": false})
	if calls != 1 {
		t.Fatalf("expected one delivery, got %d", calls)
	}
}

func TestMemoryHubCrossContextDelivery(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub()
	recorder := metrics.NewCounterMetrics()
	first := New(Config{Channel: hub, Origin: "tab-1"})
	second := New(Config{Channel: hub, Origin: "tab-2", Metrics: recorder})
	for _, broadcaster := range []*Broadcaster{first, second} {
		if err := broadcaster.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	defer first.Close()
	defer second.Close()

	var firstRemote int
	first.SubscribeRemote(TopicCart, func(Event) { firstRemote++ })
	var received []Event
	second.Subscribe(TopicCart, func(event Event) { received = append(received, event) })

	if err := first.Publish(context.Background(), TopicCart, json.RawMessage(`{"count":2}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(received) != 1 {
		t.Fatalf("expected remote delivery, got %d", len(received))
	}
	event := received[0]
	if !event.Remote || event.Origin != "tab-1" || string(event.Payload) != `{"count":2}` {
		t.Fatalf("unexpected event %+v", event)
	}
	if firstRemote != 0 {
		t.Fatalf("publisher must not receive its own record as remote")
	}
	if recorder.Count(metrics.BroadcastReceived) != 1 {
		t.Fatalf("expected received metric")
	}
	if latest, ok := hub.Latest(TopicCart); !ok || latest.Origin != "tab-1" {
		t.Fatalf("expected latest record for cart, got %+v", latest)
	}
}

func TestOutOfOrderRemoteRecordsAreDropped(t *testing.T) {
	t.Parallel()
	recorder := metrics.NewCounterMetrics()
	fakeClock := clock.NewFake(broadcastEpoch)
	broadcaster := New(Config{Origin: "tab-2", Clock: fakeClock, Metrics: recorder})
	var payloads []string
	broadcaster.Subscribe(TopicCart, func(event Event) { payloads = append(payloads, string(event.Payload)) })

	broadcaster.receive(Record{Topic: TopicCart, Origin: "tab-1", Timestamp: broadcastEpoch.Add(2 * time.Second).UnixMilli(), Payload: json.RawMessage(`"newer"`)})
	broadcaster.receive(Record{Topic: TopicCart, Origin: "tab-1", Timestamp: broadcastEpoch.Add(time.Second).UnixMilli(), Payload: json.RawMessage(`"older"`)})
	broadcaster.receive(Record{Topic: TopicCart, Origin: "tab-1", Timestamp: broadcastEpoch.Add(2 * time.Second).UnixMilli(), Payload: json.RawMessage(`"same-millisecond"`)})
	broadcaster.receive(Record{Topic: TopicCart, Origin: "tab-3", Timestamp: broadcastEpoch.Add(time.Second).UnixMilli(), Payload: json.RawMessage(`"other-origin"`)})
	broadcaster.receive(Record{Topic: TopicUser, Origin: "tab-1", Timestamp: broadcastEpoch.Add(time.Second).UnixMilli(), Payload: json.RawMessage(`"other-topic"`)})

	expected := []string{`"newer"`, `"same-millisecond"`, `"other-origin"`}
	if len(payloads) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, payloads)
	}
	for index := range expected {
		if payloads[index] != expected[index] {
			t.Fatalf("expected %v, got %v", expected, payloads)
		}
	}
	if recorder.Count(metrics.BroadcastDropped) != 1 {
		t.Fatalf("expected one dropped record")
	}
}

func TestLocalPublishDoesNotSuppressRemoteRecordsInSameMillisecond(t *testing.T) {
	t.Parallel()
	hub := NewMemoryHub()
	fakeClock := clock.NewFake(broadcastEpoch)
	first := New(Config{Channel: hub, Origin: "tab-1", Clock: fakeClock})
	second := New(Config{Channel: hub, Origin: "tab-2", Clock: fakeClock})
	for _, broadcaster := range []*Broadcaster{first, second} {
		if err := broadcaster.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	defer first.Close()
	defer second.Close()

	var received []string
	second.SubscribeRemote(TopicCart, func(event Event) { received = append(received, string(event.Payload)) })

	fakeClock.Advance(900 * time.Microsecond)
	if err := second.Publish(context.Background(), TopicCart, json.RawMessage(`{"count":3}`)); err != nil {
		t.Fatalf("publish from tab-2: %v", err)
	}
	fakeClock.Advance(50 * time.Microsecond)
	if err := first.Publish(context.Background(), TopicCart, json.RawMessage(`{"count":2}`)); err != nil {
		t.Fatalf("publish from tab-1: %v", err)
	}

	if len(received) != 1 || received[0] != `{"count":2}` {
		t.Fatalf("expected tab-2 to receive the later tab-1 event, got %v", received)
	}
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	t.Parallel()
	broadcaster := New(Config{})
	delivered := false
	broadcaster.Subscribe(TopicCart, func(Event) { panic("boom") })
	broadcaster.Subscribe(TopicCart, func(Event) { delivered = true })
	if err := broadcaster.Publish(context.Background(), TopicCart, 1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !delivered {
		t.Fatalf("expected later handler to run")
	}
}

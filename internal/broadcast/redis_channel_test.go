package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func TestRedisChannelDeliversBetweenBroadcasters(t *testing.T) {
	server := miniredis.RunT(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	client, err := NewRedisClient(ctx, "redis://"+server.Addr(), logger)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	defer client.Close()

	channel := NewRedisChannel(client, "", logger)
	publisher := New(Config{Channel: channel, Origin: "process-1", Logger: logger})
	listener := New(Config{Channel: NewRedisChannel(client, "", logger), Origin: "process-2", Logger: logger})
	if err := listener.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer listener.Close()

	received := make(chan Event, 1)
	listener.SubscribeRemote(TopicCart, func(event Event) { received <- event })

	if err := publisher.Publish(ctx, TopicCart, map[string]int{"count": 3}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case event := <-received:
		if event.Origin != "process-1" || string(event.Payload) != `{"count":3}` {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for redis delivery")
	}

	latest, ok, err := channel.Latest(ctx, TopicCart)
	if err != nil || !ok {
		t.Fatalf("expected latest record, got %v %v", ok, err)
	}
	if latest.Origin != "process-1" {
		t.Fatalf("unexpected latest record %+v", latest)
	}
	if !server.Exists(DefaultRedisPrefix + ":" + TopicCart) {
		t.Fatalf("expected well-known key to be written")
	}
	if _, missing, err := channel.Latest(ctx, TopicUser); err != nil || missing {
		t.Fatalf("expected no user record, got %v %v", missing, err)
	}
}

func TestNewRedisClientRejectsBadURL(t *testing.T) {
	t.Parallel()
	if _, err := NewRedisClient(context.Background(), "://nope", nil); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestPingFailsWhenServerIsDown(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()
	server.Close()
	if err := Ping(context.Background(), client); err == nil {
		t.Fatalf("expected ping failure")
	}
}

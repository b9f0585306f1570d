package clock

import (
	"testing"
	"time"
)

func TestFakeClockFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()
	start := time.Unix(1700000000, 0).UTC()
	fake := NewFake(start)

	var order []string
	fake.AfterFunc(300*time.Millisecond, func() { order = append(order, "late") })
	fake.AfterFunc(100*time.Millisecond, func() { order = append(order, "early") })

	fake.Advance(200 * time.Millisecond)
	if len(order) != 1 || order[0] != "early" {
		t.Fatalf("expected only early timer to fire, got %v", order)
	}
	fake.Advance(200 * time.Millisecond)
	if len(order) != 2 || order[1] != "late" {
		t.Fatalf("expected late timer to fire second, got %v", order)
	}
	if !fake.Now().Equal(start.Add(400 * time.Millisecond)) {
		t.Fatalf("unexpected clock time %v", fake.Now())
	}
}

func TestFakeClockStop(t *testing.T) {
	t.Parallel()
	fake := NewFake(time.Unix(0, 0))
	fired := false
	timer := fake.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatalf("expected stop to report an active timer")
	}
	if timer.Stop() {
		t.Fatalf("expected second stop to report false")
	}
	fake.Advance(2 * time.Second)
	if fired {
		t.Fatalf("stopped timer fired")
	}
	if fake.PendingCount() != 0 {
		t.Fatalf("expected no pending timers, got %d", fake.PendingCount())
	}
}

func TestFakeClockCallbackSeesDeadlineTime(t *testing.T) {
	t.Parallel()
	start := time.Unix(1000, 0)
	fake := NewFake(start)
	var observed time.Time
	fake.AfterFunc(time.Second, func() {
		observed = fake.Now()
		fake.AfterFunc(time.Second, func() {})
	})
	fake.Advance(5 * time.Second)
	if !observed.Equal(start.Add(time.Second)) {
		t.Fatalf("expected callback to observe deadline time, got %v", observed)
	}
	if fake.PendingCount() != 0 {
		t.Fatalf("expected nested timer to fire within the advanced window")
	}
}

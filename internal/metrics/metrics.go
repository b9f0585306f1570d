package metrics

import "sync"

// Recorder increments counters for coordination events.
type Recorder interface {
	Increment(event string)
}

// Event names shared by the coordination components.
const (
	CacheHit          = "cache.hit"
	CacheMiss         = "cache.miss"
	CacheShared       = "cache.shared"
	CacheLoadError    = "cache.load_error"
	MutationQueued    = "mutation.queued"
	MutationCollapsed = "mutation.collapsed"
	MutationCommit    = "mutation.commit"
	MutationRollback  = "mutation.rollback"
	MutationCanceled  = "mutation.canceled"
	AuthRefresh       = "auth.refresh"
	AuthRefreshFailed = "auth.refresh_failed"
	AuthRejected      = "auth.rejected"
	BroadcastSent     = "broadcast.sent"
	BroadcastReceived = "broadcast.received"
	BroadcastDropped  = "broadcast.dropped"
	ProxyForwarded    = "proxy.forwarded"
	ProxyUnauthorized = "proxy.unauthorized"
	ProxyUpstreamFail = "proxy.upstream_failed"
	ProxyThrottled    = "proxy.throttled"
	ProxyTooLarge     = "proxy.body_too_large"
)

// CounterMetrics implements Recorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// Nop discards every event.
type Nop struct{}

// Increment does nothing.
func (Nop) Increment(string) {}

// OrNop returns recorder, or Nop when recorder is nil.
func OrNop(recorder Recorder) Recorder {
	if recorder == nil {
		return Nop{}
	}
	return recorder
}

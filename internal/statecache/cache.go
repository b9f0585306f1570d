// Package statecache is a read-through TTL cache that collapses concurrent
// loads of the same key into one loader call.
package statecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tyemirov/cartsync/internal/clock"
	"github.com/tyemirov/cartsync/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNilLoader is returned when Get needs to load but no loader was given.
var ErrNilLoader = errors.New("statecache.nil_loader")

// Loader fetches the authoritative value for a key.
type Loader[V any] func(ctx context.Context) (V, error)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache holds the last known good value per key.
type Cache[V any] struct {
	mutex       sync.Mutex
	entries     map[string]entry[V]
	generations map[string]uint64
	group       singleflight.Group
	clock       clock.Clock
	metrics     metrics.Recorder
	logger      *zap.Logger
}

// Option customizes a Cache.
type Option func(*options)

type options struct {
	clock   clock.Clock
	metrics metrics.Recorder
	logger  *zap.Logger
}

// WithClock injects the time source used for TTL checks.
func WithClock(timeSource clock.Clock) Option {
	return func(opts *options) { opts.clock = timeSource }
}

// WithMetrics records hits, misses, and shared loads.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(opts *options) { opts.metrics = recorder }
}

// WithLogger attaches a logger for load failures.
func WithLogger(logger *zap.Logger) Option {
	return func(opts *options) { opts.logger = logger }
}

// New constructs an empty cache.
func New[V any](opts ...Option) *Cache[V] {
	resolved := options{}
	for _, opt := range opts {
		opt(&resolved)
	}
	if resolved.clock == nil {
		resolved.clock = clock.Real()
	}
	if resolved.logger == nil {
		resolved.logger = zap.NewNop()
	}
	return &Cache[V]{
		entries:     make(map[string]entry[V]),
		generations: make(map[string]uint64),
		clock:       resolved.clock,
		metrics:     metrics.OrNop(resolved.metrics),
		logger:      resolved.logger,
	}
}

// Get returns the cached value when it is younger than ttl and force is false.
// Otherwise it loads the value, sharing one in-flight load among all concurrent
// callers for the key. A failed load reaches every waiter and leaves the
// previous entry untouched.
//
// The shared load runs detached from any single caller's cancellation; a
// caller whose ctx ends stops waiting without aborting the load for others.
func (cache *Cache[V]) Get(ctx context.Context, key string, loader Loader[V], ttl time.Duration, force bool) (V, error) {
	if !force {
		if value, ok := cache.fresh(key, ttl); ok {
			cache.metrics.Increment(metrics.CacheHit)
			return value, nil
		}
	}
	var zero V
	if loader == nil {
		return zero, fmt.Errorf("statecache.get.%s: %w", key, ErrNilLoader)
	}
	cache.metrics.Increment(metrics.CacheMiss)

	resultChannel := cache.group.DoChan(key, func() (interface{}, error) {
		generation := cache.generation(key)
		value, err := loader(context.WithoutCancel(ctx))
		if err != nil {
			cache.metrics.Increment(metrics.CacheLoadError)
			cache.logger.Debug("cache load failed", zap.String("code", "statecache.load"), zap.String("key", key), zap.Error(err))
			return nil, err
		}
		cache.store(key, value, generation)
		return value, nil
	})

	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("statecache.get.%s: %w", key, ctx.Err())
	case result := <-resultChannel:
		if result.Shared {
			cache.metrics.Increment(metrics.CacheShared)
		}
		if result.Err != nil {
			return zero, result.Err
		}
		value, _ := result.Val.(V)
		return value, nil
	}
}

// Set stores a confirmed value, replacing any previous entry.
func (cache *Cache[V]) Set(key string, value V) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.generations[key]++
	cache.entries[key] = entry[V]{value: value, storedAt: cache.clock.Now()}
}

// Peek returns the last stored value regardless of age.
func (cache *Cache[V]) Peek(key string) (V, time.Time, bool) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	stored, ok := cache.entries[key]
	return stored.value, stored.storedAt, ok
}

// Invalidate drops the entry immediately. A load already in flight for the
// key will not store its result, and the next Get starts a new load instead
// of joining it.
func (cache *Cache[V]) Invalidate(key string) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.generations[key]++
	delete(cache.entries, key)
	cache.group.Forget(key)
}

// Reset drops every entry.
func (cache *Cache[V]) Reset() {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	for key := range cache.generations {
		cache.generations[key]++
		cache.group.Forget(key)
	}
	cache.entries = make(map[string]entry[V])
}

func (cache *Cache[V]) fresh(key string, ttl time.Duration) (V, bool) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	stored, ok := cache.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if cache.clock.Now().Sub(stored.storedAt) >= ttl {
		return stored.value, false
	}
	return stored.value, true
}

func (cache *Cache[V]) generation(key string) uint64 {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	current := cache.generations[key]
	cache.generations[key] = current
	return current
}

func (cache *Cache[V]) store(key string, value V, generation uint64) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	if cache.generations[key] != generation {
		return
	}
	cache.entries[key] = entry[V]{value: value, storedAt: cache.clock.Now()}
}

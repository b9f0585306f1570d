// Package mutation debounces writes per (entity, operation) key, applies them
// optimistically, and reconciles or rolls back once the commit settles.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tyemirov/cartsync/internal/clock"
	"github.com/tyemirov/cartsync/internal/gateway"
	"github.com/tyemirov/cartsync/internal/metrics"
	"github.com/tyemirov/cartsync/internal/notify"
	"go.uber.org/zap"
)

const (
	// DefaultDebounce is the quiet period before a burst is committed.
	DefaultDebounce = 350 * time.Millisecond
	// DefaultCommitTimeout bounds a single commit call.
	DefaultCommitTimeout = 30 * time.Second
)

var (
	// ErrCanceled resolves tickets whose pending mutation was dropped before firing.
	ErrCanceled = errors.New("mutation.canceled")
	// ErrClosed resolves tickets submitted to or pending in a closed coordinator.
	ErrClosed = errors.New("mutation.closed")
	// ErrInvalidRequest indicates a request without an entity or commit function.
	ErrInvalidRequest = errors.New("mutation.invalid_request")
)

// Operation names the kind of write applied to an entity.
type Operation string

const (
	OperationQuantity     Operation = "quantity"
	OperationAdd          Operation = "add"
	OperationRemove       Operation = "remove"
	OperationApplyCoupon  Operation = "coupon.apply"
	OperationRemoveCoupon Operation = "coupon.remove"
	OperationClear        Operation = "clear"
)

// Key identifies one debounce slot.
type Key struct {
	EntityID  string
	Operation Operation
}

func (key Key) String() string {
	return key.EntityID + "/" + string(key.Operation)
}

// UndoFunc restores the state an optimistic apply replaced.
type UndoFunc func()

// Request describes one user intent.
type Request struct {
	EntityID     string
	Operation    Operation
	DesiredValue any
	// Apply runs synchronously before Mutate returns and may be nil.
	Apply func() UndoFunc
	// Commit receives the latest desired value of the burst.
	Commit func(ctx context.Context, desired any) (any, error)
	// CacheKey is invalidated after a successful commit.
	CacheKey string
	// Topic receives the confirmed or reverted state.
	Topic string
	// Confirm reconciles local state with the commit result and returns the
	// payload to publish. A nil Confirm publishes the result itself.
	Confirm func(result any) any
	// Revert returns the payload to publish after a rollback.
	Revert func() any
	// SuccessMessage, when set, is sent to the sink after a successful commit.
	SuccessMessage string
}

// Invalidator drops cache entries.
type Invalidator interface {
	Invalidate(key string)
}

// Publisher fans state out to listeners.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Config tunes the coordinator.
type Config struct {
	Debounce      time.Duration
	CommitTimeout time.Duration
}

// Dependencies are the collaborators of a Coordinator. Only Clock is required
// to be non-nil in tests; the rest default to no-ops.
type Dependencies struct {
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     metrics.Recorder
	Sink        notify.Sink
	Invalidator Invalidator
	Publisher   Publisher
}

// Ticket resolves once the burst the request belongs to settles.
type Ticket struct {
	done   chan struct{}
	once   sync.Once
	result any
	err    error
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{})}
}

func (ticket *Ticket) resolve(result any, err error) {
	ticket.once.Do(func() {
		ticket.result = result
		ticket.err = err
		close(ticket.done)
	})
}

// Resolved returns a ticket that has already settled with result and err.
func Resolved(result any, err error) *Ticket {
	ticket := newTicket()
	ticket.resolve(result, err)
	return ticket
}

// Done is closed when the ticket resolves.
func (ticket *Ticket) Done() <-chan struct{} {
	return ticket.done
}

// Wait blocks until the ticket resolves or ctx ends. A ctx ending does not
// cancel the mutation.
func (ticket *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ticket.done:
		return ticket.result, ticket.err
	}
}

type pendingBurst struct {
	request Request
	undos   []UndoFunc
	tickets []*Ticket
	timer   clock.Timer
	issued  time.Time
}

type keyState struct {
	pending   *pendingBurst
	inFlight  int
	commitMux sync.Mutex
}

// Coordinator serializes writes per key.
type Coordinator struct {
	config      Config
	clock       clock.Clock
	logger      *zap.Logger
	metrics     metrics.Recorder
	sink        notify.Sink
	invalidator Invalidator
	publisher   Publisher

	mutex  sync.Mutex
	keys   map[Key]*keyState
	closed bool
}

// New constructs a Coordinator.
func New(config Config, dependencies Dependencies) *Coordinator {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	if config.CommitTimeout <= 0 {
		config.CommitTimeout = DefaultCommitTimeout
	}
	if dependencies.Clock == nil {
		dependencies.Clock = clock.Real()
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	return &Coordinator{
		config:      config,
		clock:       dependencies.Clock,
		logger:      dependencies.Logger,
		metrics:     metrics.OrNop(dependencies.Metrics),
		sink:        notify.OrNop(dependencies.Sink),
		invalidator: dependencies.Invalidator,
		publisher:   dependencies.Publisher,
		keys:        make(map[Key]*keyState),
	}
}

// Mutate applies the request optimistically and schedules its commit. A
// pending request for the same key is superseded: its timer is restarted and
// its ticket shares the outcome of the combined commit.
func (coordinator *Coordinator) Mutate(request Request) *Ticket {
	ticket := newTicket()
	if request.EntityID == "" || request.Commit == nil {
		ticket.resolve(nil, fmt.Errorf("mutation.mutate: %w", ErrInvalidRequest))
		return ticket
	}
	coordinator.mutex.Lock()
	if coordinator.closed {
		coordinator.mutex.Unlock()
		ticket.resolve(nil, ErrClosed)
		return ticket
	}
	key := Key{EntityID: request.EntityID, Operation: request.Operation}
	state := coordinator.stateFor(key)
	if state.pending != nil && state.pending.timer != nil {
		state.pending.timer.Stop()
	}
	coordinator.mutex.Unlock()

	var undo UndoFunc
	if request.Apply != nil {
		undo = request.Apply()
	}

	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	if coordinator.closed {
		ticket.resolve(nil, ErrClosed)
		return ticket
	}
	state = coordinator.stateFor(key)
	burst := state.pending
	if burst == nil {
		burst = &pendingBurst{issued: coordinator.clock.Now()}
		state.pending = burst
		coordinator.metrics.Increment(metrics.MutationQueued)
	} else {
		if burst.timer != nil {
			burst.timer.Stop()
		}
		coordinator.metrics.Increment(metrics.MutationCollapsed)
	}
	burst.request = request
	if undo != nil {
		burst.undos = append(burst.undos, undo)
	}
	burst.tickets = append(burst.tickets, ticket)
	burst.timer = coordinator.clock.AfterFunc(coordinator.config.Debounce, func() {
		coordinator.fire(key, burst)
	})
	return ticket
}

// Do submits the request and waits for its outcome.
func (coordinator *Coordinator) Do(ctx context.Context, request Request) (any, error) {
	return coordinator.Mutate(request).Wait(ctx)
}

// Pending reports whether a burst for key is waiting for its timer.
func (coordinator *Coordinator) Pending(key Key) bool {
	coordinator.mutex.Lock()
	defer coordinator.mutex.Unlock()
	state, ok := coordinator.keys[key]
	return ok && state.pending != nil
}

// CancelEntity drops every pending burst targeting entityID. Their optimistic
// changes stay applied; the caller owns the entity state from here on.
// Commits already dispatched are unaffected.
func (coordinator *Coordinator) CancelEntity(entityID string) int {
	var canceled []*pendingBurst
	coordinator.mutex.Lock()
	for key, state := range coordinator.keys {
		if key.EntityID != entityID || state.pending == nil {
			continue
		}
		if state.pending.timer != nil {
			state.pending.timer.Stop()
		}
		canceled = append(canceled, state.pending)
		state.pending = nil
		coordinator.dropIfIdle(key, state)
	}
	coordinator.mutex.Unlock()

	for _, burst := range canceled {
		coordinator.metrics.Increment(metrics.MutationCanceled)
		coordinator.logger.Debug("pending mutation canceled",
			zap.String("code", "mutation.canceled"),
			zap.String("entity_id", entityID),
			zap.String("operation", string(burst.request.Operation)),
		)
		for _, ticket := range burst.tickets {
			ticket.resolve(nil, ErrCanceled)
		}
	}
	return len(canceled)
}

// Flush fires every pending burst now instead of waiting for its timer.
func (coordinator *Coordinator) Flush() {
	type firing struct {
		key   Key
		burst *pendingBurst
	}
	var due []firing
	coordinator.mutex.Lock()
	for key, state := range coordinator.keys {
		if state.pending == nil {
			continue
		}
		if state.pending.timer != nil {
			state.pending.timer.Stop()
		}
		due = append(due, firing{key: key, burst: state.pending})
	}
	coordinator.mutex.Unlock()
	for _, item := range due {
		coordinator.fire(item.key, item.burst)
	}
}

// Close cancels every pending burst and rejects new requests.
func (coordinator *Coordinator) Close() {
	var dropped []*pendingBurst
	coordinator.mutex.Lock()
	coordinator.closed = true
	for key, state := range coordinator.keys {
		if state.pending == nil {
			continue
		}
		if state.pending.timer != nil {
			state.pending.timer.Stop()
		}
		dropped = append(dropped, state.pending)
		state.pending = nil
		coordinator.dropIfIdle(key, state)
	}
	coordinator.mutex.Unlock()
	for _, burst := range dropped {
		for _, ticket := range burst.tickets {
			ticket.resolve(nil, ErrClosed)
		}
	}
}

func (coordinator *Coordinator) stateFor(key Key) *keyState {
	state, ok := coordinator.keys[key]
	if !ok {
		state = &keyState{}
		coordinator.keys[key] = state
	}
	return state
}

func (coordinator *Coordinator) dropIfIdle(key Key, state *keyState) {
	if state.pending == nil && state.inFlight == 0 {
		delete(coordinator.keys, key)
	}
}

// fire commits burst if it is still the pending burst for key. Commits for the
// same key run one at a time, in the order their timers fired.
func (coordinator *Coordinator) fire(key Key, burst *pendingBurst) {
	coordinator.mutex.Lock()
	state, ok := coordinator.keys[key]
	if !ok || state.pending != burst {
		coordinator.mutex.Unlock()
		return
	}
	state.pending = nil
	state.inFlight++
	coordinator.mutex.Unlock()

	state.commitMux.Lock()
	result, err := coordinator.commit(key, burst)
	coordinator.settle(key, state, burst, result, err)
	state.commitMux.Unlock()

	coordinator.mutex.Lock()
	state.inFlight--
	coordinator.dropIfIdle(key, state)
	coordinator.mutex.Unlock()
}

func (coordinator *Coordinator) commit(key Key, burst *pendingBurst) (result any, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), coordinator.config.CommitTimeout)
	defer cancel()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("mutation.commit.%s: panic: %v", key, recovered)
		}
	}()
	result, err = burst.request.Commit(ctx, burst.request.DesiredValue)
	if errors.Is(err, gateway.ErrNotFound) {
		coordinator.logger.Debug("commit target already gone",
			zap.String("code", "mutation.not_found"),
			zap.String("key", key.String()),
		)
		return nil, nil
	}
	return result, err
}

func (coordinator *Coordinator) settle(key Key, state *keyState, burst *pendingBurst, result any, err error) {
	request := burst.request
	if err == nil {
		coordinator.metrics.Increment(metrics.MutationCommit)
		if coordinator.invalidator != nil && request.CacheKey != "" {
			coordinator.invalidator.Invalidate(request.CacheKey)
		}
		payload := result
		if request.Confirm != nil {
			payload = request.Confirm(result)
		}
		coordinator.publish(request.Topic, payload)
		if request.SuccessMessage != "" {
			coordinator.sink.Notify(notify.Success(request.SuccessMessage, "mutation."+string(request.Operation)))
		}
		for _, ticket := range burst.tickets {
			ticket.resolve(result, nil)
		}
		return
	}

	coordinator.metrics.Increment(metrics.MutationRollback)
	coordinator.mutex.Lock()
	superseded := state.pending != nil || state.inFlight > 1
	coordinator.mutex.Unlock()

	if superseded {
		if coordinator.invalidator != nil && request.CacheKey != "" {
			coordinator.invalidator.Invalidate(request.CacheKey)
		}
	} else {
		for index := len(burst.undos) - 1; index >= 0; index-- {
			burst.undos[index]()
		}
		if request.Revert != nil {
			coordinator.publish(request.Topic, request.Revert())
		}
	}
	coordinator.logger.Warn("mutation rolled back",
		zap.String("code", "mutation.rollback"),
		zap.String("key", key.String()),
		zap.Bool("superseded", superseded),
		zap.Error(err),
	)
	coordinator.sink.Notify(notify.Failure(err, "mutation."+string(request.Operation)))
	for _, ticket := range burst.tickets {
		ticket.resolve(nil, err)
	}
}

func (coordinator *Coordinator) publish(topic string, payload any) {
	if coordinator.publisher == nil || topic == "" || payload == nil {
		return
	}
	if err := coordinator.publisher.Publish(context.Background(), topic, payload); err != nil {
		coordinator.logger.Warn("publish failed",
			zap.String("code", "mutation.publish"),
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}

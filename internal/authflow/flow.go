// Package authflow restores, refreshes, and ends the storefront session. It is
// the only component allowed to clear stored credentials after a network
// response, and it does so only when the refresh call is explicitly rejected.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tyemirov/cartsync/internal/broadcast"
	"github.com/tyemirov/cartsync/internal/clock"
	"github.com/tyemirov/cartsync/internal/commerce"
	"github.com/tyemirov/cartsync/internal/gateway"
	"github.com/tyemirov/cartsync/internal/metrics"
	"github.com/tyemirov/cartsync/internal/session"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// State is a node of the restoration state machine.
type State string

const (
	StateUnknown       State = "unknown"
	StateChecking      State = "checking"
	StateRefreshing    State = "refreshing"
	StateAuthenticated State = "authenticated"
	StateAnonymous     State = "anonymous"
)

const (
	defaultRetryInitial    = 2 * time.Second
	defaultRetryMax        = 5 * time.Minute
	defaultRetryMultiplier = 2
	defaultRetryJitter     = 0.2
	refreshTimeout         = 30 * time.Second
	refreshFlightKey       = "refresh"
)

var (
	// ErrNotAuthenticated is returned by AccessToken when no usable credential exists.
	ErrNotAuthenticated = errors.New("authflow.not_authenticated")
	// ErrMissingStore indicates a Flow built without a TokenStore.
	ErrMissingStore = errors.New("authflow.missing_store")
	// ErrMissingRefresher indicates a Flow built without a Refresher.
	ErrMissingRefresher = errors.New("authflow.missing_refresher")
)

// Status is the observable session state.
type Status struct {
	State      State                `json:"state"`
	Profile    commerce.UserProfile `json:"profile"`
	HasProfile bool                 `json:"has_profile"`
}

// LoggedIn reports whether the session is authenticated.
func (status Status) LoggedIn() bool {
	return status.State == StateAuthenticated
}

// Refresher exchanges a refresh token for a new grant.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (commerce.TokenGrant, error)
}

// ProfileLoader fetches the profile for an access token.
type ProfileLoader func(ctx context.Context, accessToken string) (commerce.UserProfile, error)

// Publisher announces state changes to other contexts.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Dependencies are the collaborators of a Flow.
type Dependencies struct {
	Store       session.TokenStore
	Refresher   Refresher
	LoadProfile ProfileLoader
	Publisher   Publisher
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     metrics.Recorder
	// NewBackOff builds the background retry schedule. Defaults to capped
	// exponential backoff starting at 2s, doubling up to 5m, with 20% jitter
	// and no overall deadline.
	NewBackOff func(timeSource clock.Clock) backoff.BackOff
}

// Flow is the restoration state machine.
type Flow struct {
	store       session.TokenStore
	refresher   Refresher
	loadProfile ProfileLoader
	publisher   Publisher
	clock       clock.Clock
	logger      *zap.Logger
	metrics     metrics.Recorder

	group      singleflight.Group
	background sync.WaitGroup

	mutex      sync.Mutex
	status     Status
	retry      backoff.BackOff
	retryTimer clock.Timer
	listeners  map[int]func(Status)
	nextID     int
	closed     bool
}

// New constructs a Flow in StateUnknown.
func New(dependencies Dependencies) (*Flow, error) {
	if dependencies.Store == nil {
		return nil, ErrMissingStore
	}
	if dependencies.Refresher == nil {
		return nil, ErrMissingRefresher
	}
	if dependencies.Clock == nil {
		dependencies.Clock = clock.Real()
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.NewBackOff == nil {
		dependencies.NewBackOff = DefaultBackOff
	}
	retry := dependencies.NewBackOff(dependencies.Clock)
	retry.Reset()
	return &Flow{
		store:       dependencies.Store,
		refresher:   dependencies.Refresher,
		loadProfile: dependencies.LoadProfile,
		publisher:   dependencies.Publisher,
		clock:       dependencies.Clock,
		logger:      dependencies.Logger,
		metrics:     metrics.OrNop(dependencies.Metrics),
		status:      Status{State: StateUnknown},
		retry:       retry,
		listeners:   make(map[int]func(Status)),
	}, nil
}

// DefaultBackOff is the background retry schedule used when none is configured.
func DefaultBackOff(timeSource clock.Clock) backoff.BackOff {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = defaultRetryInitial
	schedule.MaxInterval = defaultRetryMax
	schedule.Multiplier = defaultRetryMultiplier
	schedule.RandomizationFactor = defaultRetryJitter
	schedule.MaxElapsedTime = 0
	schedule.Clock = timeSource
	return schedule
}

// Status returns the current state and profile.
func (flow *Flow) Status() Status {
	flow.mutex.Lock()
	defer flow.mutex.Unlock()
	return flow.status
}

// State returns the current state.
func (flow *Flow) State() State {
	return flow.Status().State
}

// OnChange registers listener for every status change and returns a function
// that removes it.
func (flow *Flow) OnChange(listener func(Status)) func() {
	flow.mutex.Lock()
	defer flow.mutex.Unlock()
	flow.nextID++
	id := flow.nextID
	flow.listeners[id] = listener
	return func() {
		flow.mutex.Lock()
		defer flow.mutex.Unlock()
		delete(flow.listeners, id)
	}
}

// Restore runs the flow from stored credentials and returns the resulting state.
func (flow *Flow) Restore(ctx context.Context) State {
	flow.transition(StateChecking, nil)
	token, err := flow.store.Load(ctx)
	if err != nil {
		flow.logger.Warn("token store unreadable",
			zap.String("code", "authflow.load"),
			zap.Error(err),
		)
		flow.transition(StateUnknown, nil)
		flow.scheduleRetry()
		return StateUnknown
	}
	now := flow.clock.Now()
	switch {
	case token.IsEmpty():
		flow.transition(StateAnonymous, clearedProfile)
		return StateAnonymous
	case token.Usable(now):
		flow.authenticated(token, nil)
		return StateAuthenticated
	case token.HasRefresh():
		_, _ = flow.refresh(ctx)
		return flow.State()
	default:
		// A stale access token with nothing to exchange it for. It stays stored.
		flow.transition(StateAnonymous, clearedProfile)
		return StateAnonymous
	}
}

// HandleExpired re-enters the flow after a protected call observed an expired
// or rejected access token. Concurrent calls share one refresh.
func (flow *Flow) HandleExpired(ctx context.Context) (State, error) {
	token, err := flow.store.Load(ctx)
	if err != nil {
		return flow.State(), fmt.Errorf("authflow.handle_expired: %w", err)
	}
	if !token.HasRefresh() {
		flow.transition(StateAnonymous, clearedProfile)
		return StateAnonymous, nil
	}
	_, err = flow.refresh(ctx)
	return flow.State(), err
}

// AccessToken returns a usable access token, refreshing first when the stored
// one is stale. ErrNotAuthenticated means the visitor is anonymous.
func (flow *Flow) AccessToken(ctx context.Context) (string, error) {
	token, err := flow.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("authflow.access_token: %w", err)
	}
	if token.Usable(flow.clock.Now()) {
		return token.AccessToken, nil
	}
	if !token.HasRefresh() {
		return "", ErrNotAuthenticated
	}
	refreshed, err := flow.refresh(ctx)
	if err != nil {
		if errors.Is(err, gateway.ErrCredentialRejected) {
			return "", ErrNotAuthenticated
		}
		return "", err
	}
	return refreshed.AccessToken, nil
}

// SignIn stores a fresh grant. A nil profile is fetched in the background.
func (flow *Flow) SignIn(ctx context.Context, grant commerce.TokenGrant, profile *commerce.UserProfile) error {
	token := session.SessionToken{AccessToken: grant.AccessToken, RefreshToken: grant.RefreshToken, ExpiresAt: grant.ExpiresAt}
	if err := flow.store.Save(ctx, token); err != nil {
		return fmt.Errorf("authflow.sign_in: %w", err)
	}
	flow.authenticated(token, profile)
	return nil
}

// SignOut clears every stored credential. It is the explicit logout path.
func (flow *Flow) SignOut(ctx context.Context) error {
	flow.stopRetry()
	if err := flow.store.Clear(ctx); err != nil {
		return fmt.Errorf("authflow.sign_out: %w", err)
	}
	flow.transition(StateAnonymous, clearedProfile)
	return nil
}

// SetProfile replaces the cached profile without changing the state.
func (flow *Flow) SetProfile(profile commerce.UserProfile) {
	flow.mutex.Lock()
	if flow.status.State != StateAuthenticated {
		flow.mutex.Unlock()
		return
	}
	flow.mutex.Unlock()
	flow.transition(StateAuthenticated, func(status *Status) {
		status.Profile = profile
		status.HasProfile = true
	})
}

// Wait blocks until background profile loads finish.
func (flow *Flow) Wait() {
	flow.background.Wait()
}

// Close stops the retry timer.
func (flow *Flow) Close() {
	flow.mutex.Lock()
	flow.closed = true
	flow.mutex.Unlock()
	flow.stopRetry()
}

// refresh exchanges the stored refresh token. Only an explicit rejection clears
// credentials; every other failure keeps them and schedules a retry when no
// usable access token remains.
func (flow *Flow) refresh(ctx context.Context) (session.SessionToken, error) {
	result, err, _ := flow.group.Do(refreshFlightKey, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		token, loadErr := flow.store.Load(refreshCtx)
		if loadErr != nil {
			return session.SessionToken{}, loadErr
		}
		flow.transition(StateRefreshing, nil)
		grant, refreshErr := flow.refresher.RefreshToken(refreshCtx, token.RefreshToken)
		if refreshErr == nil {
			renewed := session.SessionToken{AccessToken: grant.AccessToken, RefreshToken: grant.RefreshToken, ExpiresAt: grant.ExpiresAt}
			if renewed.RefreshToken == "" {
				renewed.RefreshToken = token.RefreshToken
			}
			if saveErr := flow.store.Save(refreshCtx, renewed); saveErr != nil {
				flow.logger.Warn("refreshed token not persisted",
					zap.String("code", "authflow.save"),
					zap.Error(saveErr),
				)
			}
			flow.metrics.Increment(metrics.AuthRefresh)
			flow.authenticated(renewed, nil)
			return renewed, nil
		}

		if errors.Is(refreshErr, gateway.ErrCredentialRejected) {
			flow.metrics.Increment(metrics.AuthRejected)
			flow.logger.Info("refresh token rejected; ending session",
				zap.String("code", "authflow.rejected"),
			)
			flow.stopRetry()
			if clearErr := flow.store.Clear(refreshCtx); clearErr != nil {
				flow.logger.Error("clearing rejected credentials failed",
					zap.String("code", "authflow.clear"),
					zap.Error(clearErr),
				)
			}
			flow.transition(StateAnonymous, clearedProfile)
			return session.SessionToken{}, refreshErr
		}

		flow.metrics.Increment(metrics.AuthRefreshFailed)
		flow.logger.Warn("refresh failed; keeping credentials",
			zap.String("code", "authflow.refresh.transient"),
			zap.Error(refreshErr),
		)
		if token.Usable(flow.clock.Now()) {
			flow.transition(StateAuthenticated, nil)
		} else {
			flow.transition(StateUnknown, nil)
			flow.scheduleRetry()
		}
		return session.SessionToken{}, refreshErr
	})
	if err != nil {
		return session.SessionToken{}, err
	}
	token, _ := result.(session.SessionToken)
	return token, nil
}

func (flow *Flow) authenticated(token session.SessionToken, profile *commerce.UserProfile) {
	flow.stopRetry()
	flow.mutex.Lock()
	flow.retry.Reset()
	flow.mutex.Unlock()
	flow.transition(StateAuthenticated, func(status *Status) {
		if profile != nil {
			status.Profile = *profile
			status.HasProfile = true
		}
	})
	if profile == nil && flow.loadProfile != nil {
		flow.background.Add(1)
		go func() {
			defer flow.background.Done()
			flow.fetchProfile(token.AccessToken)
		}()
	}
}

// fetchProfile never demotes the session on failure.
func (flow *Flow) fetchProfile(accessToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	profile, err := flow.loadProfile(ctx, accessToken)
	if err != nil {
		flow.logger.Info("profile load failed",
			zap.String("code", "authflow.profile"),
			zap.Error(err),
		)
		return
	}
	flow.SetProfile(profile)
}

func clearedProfile(status *Status) {
	status.Profile = commerce.UserProfile{}
	status.HasProfile = false
}

// transition moves to state, applies mutate, and notifies listeners outside the lock.
func (flow *Flow) transition(state State, mutate func(*Status)) {
	flow.mutex.Lock()
	previous := flow.status
	flow.status.State = state
	if mutate != nil {
		mutate(&flow.status)
	}
	current := flow.status
	listeners := make([]func(Status), 0, len(flow.listeners))
	for id := 1; id <= flow.nextID; id++ {
		if listener, ok := flow.listeners[id]; ok {
			listeners = append(listeners, listener)
		}
	}
	flow.mutex.Unlock()

	if previous == current {
		return
	}
	flow.logger.Debug("auth state changed",
		zap.String("code", "authflow.transition"),
		zap.String("from", string(previous.State)),
		zap.String("to", string(current.State)),
	)
	for _, listener := range listeners {
		listener(current)
	}
	if flow.publisher != nil && current.State != StateChecking && current.State != StateRefreshing {
		if err := flow.publisher.Publish(context.Background(), broadcast.TopicUser, current); err != nil {
			flow.logger.Warn("user state publish failed",
				zap.String("code", "authflow.publish"),
				zap.Error(err),
			)
		}
	}
}

func (flow *Flow) scheduleRetry() {
	flow.mutex.Lock()
	defer flow.mutex.Unlock()
	if flow.closed || flow.retryTimer != nil {
		return
	}
	delay := flow.retry.NextBackOff()
	if delay == backoff.Stop {
		return
	}
	flow.logger.Info("scheduling session restore retry",
		zap.String("code", "authflow.retry"),
		zap.Duration("delay", delay),
	)
	flow.retryTimer = flow.clock.AfterFunc(delay, func() {
		flow.mutex.Lock()
		flow.retryTimer = nil
		closed := flow.closed
		flow.mutex.Unlock()
		if closed {
			return
		}
		flow.Restore(context.Background())
	})
}

func (flow *Flow) stopRetry() {
	flow.mutex.Lock()
	defer flow.mutex.Unlock()
	if flow.retryTimer != nil {
		flow.retryTimer.Stop()
		flow.retryTimer = nil
	}
}

// RetryPending reports whether a background restore is scheduled.
func (flow *Flow) RetryPending() bool {
	flow.mutex.Lock()
	defer flow.mutex.Unlock()
	return flow.retryTimer != nil
}

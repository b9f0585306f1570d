// Package storefront wires the credential store, the state cache, the mutation
// coordinator, the auth flow, and the broadcaster into one Session that UI and
// CLI code drive. A Session is built once per visitor and passed by reference.
package storefront

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tyemirov/cartsync/internal/authflow"
	"github.com/tyemirov/cartsync/internal/broadcast"
	"github.com/tyemirov/cartsync/internal/clock"
	"github.com/tyemirov/cartsync/internal/commerce"
	"github.com/tyemirov/cartsync/internal/gateway"
	"github.com/tyemirov/cartsync/internal/metrics"
	"github.com/tyemirov/cartsync/internal/mutation"
	"github.com/tyemirov/cartsync/internal/notify"
	"github.com/tyemirov/cartsync/internal/session"
	"github.com/tyemirov/cartsync/internal/statecache"
	"go.uber.org/zap"
)

const (
	// DefaultCartTTL is how long a cart snapshot is served without reloading.
	DefaultCartTTL = 2 * time.Minute
	// DefaultUserTTL is how long a profile is served without reloading.
	DefaultUserTTL = 10 * time.Minute
	// DefaultRequestTimeout bounds background loads triggered by events.
	DefaultRequestTimeout = 30 * time.Second

	cartCacheKey = "cart"
	userCacheKey = "user"
)

var (
	// ErrMissingGateway indicates a Session built without a commerce gateway.
	ErrMissingGateway = errors.New("storefront.missing_gateway")
	// ErrMissingStore indicates a Session built without a token store.
	ErrMissingStore = errors.New("storefront.missing_store")
	// ErrInvalidQuantity rejects quantities below one.
	ErrInvalidQuantity = errors.New("storefront.invalid_quantity")
	// ErrInvalidProduct rejects an add without a product id.
	ErrInvalidProduct = errors.New("storefront.invalid_product")
	// ErrLineNotFound indicates a line id absent from the current cart.
	ErrLineNotFound = errors.New("storefront.line_not_found")
	// ErrEmptyCoupon rejects a blank coupon code.
	ErrEmptyCoupon = errors.New("storefront.empty_coupon")
)

// Config tunes a Session. Zero values select the defaults.
type Config struct {
	Debounce       time.Duration
	CommitTimeout  time.Duration
	RequestTimeout time.Duration
	CartTTL        time.Duration
	UserTTL        time.Duration
}

// Dependencies are the collaborators of a Session. Gateway and Store are required.
type Dependencies struct {
	Gateway gateway.Gateway
	Store   session.TokenStore
	// Channel connects sibling contexts. Nil keeps events in-process.
	Channel    broadcast.Channel
	Clock      clock.Clock
	Logger     *zap.Logger
	Metrics    metrics.Recorder
	Sink       notify.Sink
	NewBackOff func(timeSource clock.Clock) backoff.BackOff
}

// Session is the explicit storefront context object.
type Session struct {
	config      Config
	gateway     gateway.Gateway
	flow        *authflow.Flow
	carts       *statecache.Cache[commerce.CartSnapshot]
	users       *statecache.Cache[commerce.UserProfile]
	coordinator *mutation.Coordinator
	broadcaster *broadcast.Broadcaster
	intents     *intents
	logger      *zap.Logger
	sink        notify.Sink

	// viewMutex serializes read-modify-write of the cached cart view.
	viewMutex sync.Mutex

	mutex         sync.Mutex
	lastCart      commerce.CartSnapshot
	hasCart       bool
	cartListeners map[int]func(commerce.CartSnapshot)
	nextListener  int
	unsubscribe   []func()
}

// New constructs a Session. Call Start before use.
func New(config Config, dependencies Dependencies) (*Session, error) {
	if dependencies.Gateway == nil {
		return nil, ErrMissingGateway
	}
	if dependencies.Store == nil {
		return nil, ErrMissingStore
	}
	if config.CartTTL <= 0 {
		config.CartTTL = DefaultCartTTL
	}
	if config.UserTTL <= 0 {
		config.UserTTL = DefaultUserTTL
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if dependencies.Clock == nil {
		dependencies.Clock = clock.Real()
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	recorder := metrics.OrNop(dependencies.Metrics)
	sink := notify.OrNop(dependencies.Sink)

	storefront := &Session{
		config:  config,
		gateway: dependencies.Gateway,
		carts: statecache.New[commerce.CartSnapshot](
			statecache.WithClock(dependencies.Clock),
			statecache.WithMetrics(recorder),
			statecache.WithLogger(dependencies.Logger),
		),
		users: statecache.New[commerce.UserProfile](
			statecache.WithClock(dependencies.Clock),
			statecache.WithMetrics(recorder),
			statecache.WithLogger(dependencies.Logger),
		),
		broadcaster: broadcast.New(broadcast.Config{
			Channel: dependencies.Channel,
			Clock:   dependencies.Clock,
			Logger:  dependencies.Logger,
			Metrics: recorder,
		}),
		intents:       newIntents(),
		logger:        dependencies.Logger,
		sink:          sink,
		cartListeners: make(map[int]func(commerce.CartSnapshot)),
	}
	storefront.coordinator = mutation.New(mutation.Config{
		Debounce:      config.Debounce,
		CommitTimeout: config.CommitTimeout,
	}, mutation.Dependencies{
		Clock:       dependencies.Clock,
		Logger:      dependencies.Logger,
		Metrics:     recorder,
		Sink:        sink,
		Invalidator: storefront.carts,
		Publisher:   storefront.broadcaster,
	})
	flow, err := authflow.New(authflow.Dependencies{
		Store:       dependencies.Store,
		Refresher:   dependencies.Gateway,
		LoadProfile: storefront.loadProfile,
		Publisher:   storefront.broadcaster,
		Clock:       dependencies.Clock,
		Logger:      dependencies.Logger,
		Metrics:     recorder,
		NewBackOff:  dependencies.NewBackOff,
	})
	if err != nil {
		return nil, fmt.Errorf("storefront.new: %w", err)
	}
	storefront.flow = flow
	return storefront, nil
}

// Start connects to sibling contexts, restores the session, and hydrates the
// cart. A failed cart load is logged; the session is still usable.
func (storefront *Session) Start(ctx context.Context) error {
	if err := storefront.broadcaster.Start(ctx); err != nil {
		return fmt.Errorf("storefront.start: %w", err)
	}
	storefront.mutex.Lock()
	storefront.unsubscribe = append(storefront.unsubscribe,
		storefront.broadcaster.SubscribeRemote(broadcast.TopicCart, storefront.onRemoteCart),
		storefront.broadcaster.SubscribeRemote(broadcast.TopicUser, storefront.onRemoteUser),
	)
	storefront.mutex.Unlock()

	state := storefront.flow.Restore(ctx)
	storefront.logger.Info("storefront session started",
		zap.String("code", "storefront.start"),
		zap.String("auth_state", string(state)),
		zap.String("origin", storefront.broadcaster.Origin()),
	)
	if _, err := storefront.Cart(ctx, false); err != nil {
		storefront.logger.Warn("cart hydration failed",
			zap.String("code", "storefront.hydrate"),
			zap.Error(err),
		)
	}
	return nil
}

// Close drops pending mutations and stops background work.
func (storefront *Session) Close() {
	storefront.coordinator.Close()
	storefront.flow.Close()
	storefront.mutex.Lock()
	unsubscribe := storefront.unsubscribe
	storefront.unsubscribe = nil
	storefront.mutex.Unlock()
	for _, cancel := range unsubscribe {
		cancel()
	}
	storefront.broadcaster.Close()
	storefront.flow.Wait()
}

// Flush commits every pending mutation now.
func (storefront *Session) Flush() {
	storefront.coordinator.Flush()
}

// Cart returns the cart, loading it when the cached snapshot is older than the
// cart TTL or force is set.
func (storefront *Session) Cart(ctx context.Context, force bool) (commerce.CartSnapshot, error) {
	snapshot, err := storefront.carts.Get(ctx, cartCacheKey, storefront.loadCart, storefront.config.CartTTL, force)
	if err != nil {
		return commerce.CartSnapshot{}, fmt.Errorf("storefront.cart: %w", err)
	}
	storefront.emitCart(snapshot)
	return snapshot, nil
}

// CartCount returns the number of lines in the cart.
func (storefront *Session) CartCount(ctx context.Context) (int, error) {
	snapshot, err := storefront.Cart(ctx, false)
	if err != nil {
		return 0, err
	}
	return snapshot.Count(), nil
}

// Status returns the auth state and profile.
func (storefront *Session) Status() authflow.Status {
	return storefront.flow.Status()
}

// IsLoggedIn reports whether the visitor is authenticated.
func (storefront *Session) IsLoggedIn() bool {
	return storefront.flow.Status().LoggedIn()
}

// CurrentUser returns the signed-in profile through the user cache.
func (storefront *Session) CurrentUser(ctx context.Context, force bool) (commerce.UserProfile, error) {
	if !storefront.IsLoggedIn() {
		return commerce.UserProfile{}, fmt.Errorf("storefront.current_user: %w", authflow.ErrNotAuthenticated)
	}
	profile, err := storefront.users.Get(ctx, userCacheKey, func(ctx context.Context) (commerce.UserProfile, error) {
		return authorized(ctx, storefront, storefront.gateway.CurrentUser)
	}, storefront.config.UserTTL, force)
	if err != nil {
		return commerce.UserProfile{}, fmt.Errorf("storefront.current_user: %w", err)
	}
	storefront.flow.SetProfile(profile)
	return profile, nil
}

// OnCartChanged registers listener for every distinct cart view and returns a
// function that removes it.
func (storefront *Session) OnCartChanged(listener func(commerce.CartSnapshot)) func() {
	storefront.mutex.Lock()
	defer storefront.mutex.Unlock()
	storefront.nextListener++
	id := storefront.nextListener
	storefront.cartListeners[id] = listener
	return func() {
		storefront.mutex.Lock()
		defer storefront.mutex.Unlock()
		delete(storefront.cartListeners, id)
	}
}

// OnUserChanged registers listener for settled auth states.
func (storefront *Session) OnUserChanged(listener func(authflow.Status)) func() {
	return storefront.flow.OnChange(func(status authflow.Status) {
		if status.State == authflow.StateChecking || status.State == authflow.StateRefreshing {
			return
		}
		listener(status)
	})
}

func (storefront *Session) loadCart(ctx context.Context) (commerce.CartSnapshot, error) {
	snapshot, err := authorized(ctx, storefront, storefront.gateway.LatestCart)
	if err != nil {
		return commerce.CartSnapshot{}, err
	}
	return storefront.intents.overlay(snapshot), nil
}

func (storefront *Session) loadProfile(ctx context.Context, accessToken string) (commerce.UserProfile, error) {
	return storefront.users.Get(ctx, userCacheKey, func(ctx context.Context) (commerce.UserProfile, error) {
		return storefront.gateway.CurrentUser(ctx, accessToken)
	}, storefront.config.UserTTL, true)
}

// bearer returns the access token for a call, or "" for an anonymous visitor.
func (storefront *Session) bearer(ctx context.Context) (string, error) {
	accessToken, err := storefront.flow.AccessToken(ctx)
	if errors.Is(err, authflow.ErrNotAuthenticated) {
		return "", nil
	}
	return accessToken, err
}

// authorized runs call with the current bearer. A rejected credential hands
// control to the auth flow and the call is retried once with whatever
// credential the flow settles on.
func authorized[T any](ctx context.Context, storefront *Session, call func(ctx context.Context, bearer string) (T, error)) (T, error) {
	bearer, err := storefront.bearer(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	result, err := call(ctx, bearer)
	if bearer == "" || !errors.Is(err, gateway.ErrCredentialRejected) {
		return result, err
	}
	if _, expiredErr := storefront.flow.HandleExpired(ctx); expiredErr != nil {
		return result, err
	}
	retryBearer, bearerErr := storefront.bearer(ctx)
	if bearerErr != nil || retryBearer == bearer {
		return result, err
	}
	return call(ctx, retryBearer)
}

// updateCart replaces the cached cart view with mutate's result. It is a no-op
// while no cart is cached.
func (storefront *Session) updateCart(mutate func(commerce.CartSnapshot) commerce.CartSnapshot) {
	storefront.viewMutex.Lock()
	current, _, ok := storefront.carts.Peek(cartCacheKey)
	if !ok {
		storefront.viewMutex.Unlock()
		return
	}
	next := mutate(current)
	storefront.carts.Set(cartCacheKey, next)
	storefront.viewMutex.Unlock()
	storefront.emitCart(next)
}

// emitCart notifies listeners when the view differs from the last one emitted.
func (storefront *Session) emitCart(snapshot commerce.CartSnapshot) {
	storefront.mutex.Lock()
	if storefront.hasCart && storefront.lastCart.Equivalent(snapshot) {
		storefront.mutex.Unlock()
		return
	}
	storefront.lastCart = snapshot.Clone()
	storefront.hasCart = true
	listeners := make([]func(commerce.CartSnapshot), 0, len(storefront.cartListeners))
	for id := 1; id <= storefront.nextListener; id++ {
		if listener, ok := storefront.cartListeners[id]; ok {
			listeners = append(listeners, listener)
		}
	}
	storefront.mutex.Unlock()
	for _, listener := range listeners {
		listener(snapshot.Clone())
	}
}

// reconcile stores the provider's cart after a commit and returns it for
// broadcasting. Responses without a cart trigger a reload.
func (storefront *Session) reconcile(result any) any {
	snapshot, _ := result.(*commerce.CartSnapshot)
	if snapshot == nil {
		ctx, cancel := context.WithTimeout(context.Background(), storefront.config.RequestTimeout)
		defer cancel()
		reloaded, err := storefront.Cart(ctx, true)
		if err != nil {
			storefront.logger.Warn("cart reload after commit failed",
				zap.String("code", "storefront.reconcile"),
				zap.Error(err),
			)
			return nil
		}
		return reloaded
	}
	confirmed := storefront.intents.overlay(*snapshot)
	storefront.viewMutex.Lock()
	storefront.carts.Set(cartCacheKey, confirmed)
	storefront.viewMutex.Unlock()
	storefront.emitCart(confirmed)
	return confirmed
}

// currentCart returns the cached view for broadcasting after a rollback.
func (storefront *Session) currentCart() any {
	snapshot, _, ok := storefront.carts.Peek(cartCacheKey)
	if !ok {
		return nil
	}
	return snapshot
}

// onRemoteCart treats the payload as a hint: a snapshot matching the local
// view is ignored, anything else reloads through the cache.
func (storefront *Session) onRemoteCart(event broadcast.Event) {
	var hint commerce.CartSnapshot
	if err := event.Decode(&hint); err == nil {
		if current, _, ok := storefront.carts.Peek(cartCacheKey); ok && current.Equivalent(hint) {
			return
		}
	}
	storefront.carts.Invalidate(cartCacheKey)
	ctx, cancel := context.WithTimeout(context.Background(), storefront.config.RequestTimeout)
	defer cancel()
	if _, err := storefront.Cart(ctx, false); err != nil {
		storefront.logger.Warn("cart reload after remote change failed",
			zap.String("code", "storefront.remote_cart"),
			zap.String("origin", event.Origin),
			zap.Error(err),
		)
	}
}

// onRemoteUser re-runs restoration when a sibling context signed in or out.
func (storefront *Session) onRemoteUser(event broadcast.Event) {
	var status authflow.Status
	if err := event.Decode(&status); err != nil {
		storefront.logger.Debug("ignoring malformed user event",
			zap.String("code", "storefront.remote_user"),
			zap.Error(err),
		)
		return
	}
	if status.LoggedIn() == storefront.IsLoggedIn() {
		return
	}
	storefront.users.Reset()
	storefront.carts.Invalidate(cartCacheKey)
	ctx, cancel := context.WithTimeout(context.Background(), storefront.config.RequestTimeout)
	defer cancel()
	storefront.flow.Restore(ctx)
	if _, err := storefront.Cart(ctx, false); err != nil {
		storefront.logger.Warn("cart reload after remote sign-in change failed",
			zap.String("code", "storefront.remote_user"),
			zap.Error(err),
		)
	}
}

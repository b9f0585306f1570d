package storefront

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/cartsync/internal/broadcast"
	"github.com/tyemirov/cartsync/internal/clock"
	"github.com/tyemirov/cartsync/internal/commerce"
	"github.com/tyemirov/cartsync/internal/gateway"
	"github.com/tyemirov/cartsync/internal/metrics"
	"github.com/tyemirov/cartsync/internal/mutation"
	"github.com/tyemirov/cartsync/internal/notify"
	"github.com/tyemirov/cartsync/internal/session"
	"go.uber.org/zap/zaptest"
)

var storefrontEpoch = time.Date(2025, time.September, 1, 9, 0, 0, 0, time.UTC)

const testDebounce = 350 * time.Millisecond

type fakeGateway struct {
	mutex         sync.Mutex
	cart          commerce.CartSnapshot
	profile       commerce.UserProfile
	grant         commerce.TokenGrant
	validBearer   string
	updateErr     error
	couponErr     error
	latestCalls   int
	refreshCalls  int
	logoutCalls   int
	quantityCalls []int
	removeCalls   []string
	addCalls      []gateway.AddItemRequest
}

func newFakeGateway(lines ...commerce.CartLine) *fakeGateway {
	cart := commerce.CartSnapshot{CartID: "cart-1", Items: lines, Summary: commerce.CartSummary{Currency: "SAR"}}
	return &fakeGateway{
		cart:    cart.Recompute(),
		profile: commerce.UserProfile{ID: "42", DisplayName: "Layla Haddad"},
	}
}

func (fake *fakeGateway) authorize(op string, bearer string) error {
	if fake.validBearer != "" && bearer != "" && bearer != fake.validBearer {
		return gateway.StatusError(op, 401, "Unauthenticated")
	}
	return nil
}

func (fake *fakeGateway) snapshot() *commerce.CartSnapshot {
	clone := fake.cart.Clone()
	return &clone
}

func (fake *fakeGateway) LatestCart(_ context.Context, bearer string) (commerce.CartSnapshot, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.latestCalls++
	if err := fake.authorize("gateway.cart.latest", bearer); err != nil {
		return commerce.CartSnapshot{}, err
	}
	return fake.cart.Clone(), nil
}

func (fake *fakeGateway) AddItem(_ context.Context, bearer string, request gateway.AddItemRequest) (*commerce.CartSnapshot, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.addCalls = append(fake.addCalls, request)
	fake.cart = fake.cart.WithLine(commerce.CartLine{ID: "line-" + request.ProductID, ProductID: request.ProductID, UnitPrice: 50, Quantity: request.Quantity})
	return fake.snapshot(), nil
}

func (fake *fakeGateway) UpdateItemQuantity(_ context.Context, bearer string, cartID string, itemID string, quantity int) (*commerce.CartSnapshot, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.quantityCalls = append(fake.quantityCalls, quantity)
	if fake.updateErr != nil {
		return nil, fake.updateErr
	}
	if _, ok := fake.cart.Line(itemID); !ok {
		return nil, gateway.StatusError("gateway.cart.update_item", 404, "")
	}
	fake.cart = fake.cart.WithQuantity(itemID, quantity)
	return fake.snapshot(), nil
}

func (fake *fakeGateway) RemoveItem(_ context.Context, bearer string, cartID string, itemID string) (*commerce.CartSnapshot, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.removeCalls = append(fake.removeCalls, itemID)
	if _, ok := fake.cart.Line(itemID); !ok {
		return nil, gateway.StatusError("gateway.cart.remove_item", 404, "")
	}
	fake.cart = fake.cart.Without(itemID)
	return fake.snapshot(), nil
}

func (fake *fakeGateway) ApplyCoupon(_ context.Context, bearer string, cartID string, code string) (*commerce.CartSnapshot, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if fake.couponErr != nil {
		return nil, fake.couponErr
	}
	fake.cart.Summary.Coupon = code
	fake.cart.Summary.Discount = 10
	fake.cart = fake.cart.Recompute()
	return fake.snapshot(), nil
}

func (fake *fakeGateway) RemoveCoupon(_ context.Context, bearer string, cartID string) (*commerce.CartSnapshot, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.cart.Summary.Coupon = ""
	fake.cart.Summary.Discount = 0
	fake.cart = fake.cart.Recompute()
	return fake.snapshot(), nil
}

func (fake *fakeGateway) CurrentUser(_ context.Context, bearer string) (commerce.UserProfile, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	if err := fake.authorize("gateway.auth.user", bearer); err != nil {
		return commerce.UserProfile{}, err
	}
	return fake.profile, nil
}

func (fake *fakeGateway) SendVerification(context.Context, string) error {
	return nil
}

func (fake *fakeGateway) Verify(context.Context, string, string) (commerce.TokenGrant, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.grant, nil
}

func (fake *fakeGateway) Register(context.Context, gateway.RegisterRequest) (commerce.TokenGrant, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return fake.grant, nil
}

func (fake *fakeGateway) RefreshToken(context.Context, string) (commerce.TokenGrant, error) {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.refreshCalls++
	return fake.grant, nil
}

func (fake *fakeGateway) Logout(context.Context, string) error {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	fake.logoutCalls++
	return nil
}

func (fake *fakeGateway) quantities() []int {
	fake.mutex.Lock()
	defer fake.mutex.Unlock()
	return append([]int(nil), fake.quantityCalls...)
}

type storefrontHarness struct {
	clock   *clock.FakeClock
	store   *session.CookieTokenStore
	sink    *notify.RecordingSink
	metrics *metrics.CounterMetrics
	session *Session
}

type harnessOptions struct {
	clock *clock.FakeClock
	store *session.CookieTokenStore
	hub   *broadcast.MemoryHub
}

func newStorefrontHarness(t *testing.T, fake *fakeGateway, options harnessOptions) *storefrontHarness {
	t.Helper()
	fakeClock := options.clock
	if fakeClock == nil {
		fakeClock = clock.NewFake(storefrontEpoch)
	}
	store := options.store
	if store == nil {
		store = session.NewCookieTokenStore(session.NewMemoryCookieBackend(fakeClock), fakeClock)
	}
	var channel broadcast.Channel
	if options.hub != nil {
		channel = options.hub
	}
	sink := &notify.RecordingSink{}
	recorder := metrics.NewCounterMetrics()
	storefront, err := New(Config{Debounce: testDebounce}, Dependencies{
		Gateway: fake,
		Store:   store,
		Channel: channel,
		Clock:   fakeClock,
		Logger:  zaptest.NewLogger(t),
		Metrics: recorder,
		Sink:    sink,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(storefront.Close)
	return &storefrontHarness{clock: fakeClock, store: store, sink: sink, metrics: recorder, session: storefront}
}

func (harness *storefrontHarness) start(t *testing.T) {
	t.Helper()
	if err := harness.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func (harness *storefrontHarness) view(t *testing.T) commerce.CartSnapshot {
	t.Helper()
	snapshot, _, ok := harness.session.carts.Peek(cartCacheKey)
	if !ok {
		t.Fatalf("expected a cached cart")
	}
	return snapshot
}

func lineA1() commerce.CartLine {
	return commerce.CartLine{ID: "A1", ProductID: "P1", Name: "Linen shirt", UnitPrice: 120, Quantity: 3}
}

func lineB2() commerce.CartLine {
	return commerce.CartLine{ID: "B2", ProductID: "P2", Name: "Canvas tote", UnitPrice: 45, Quantity: 1}
}

func requireResolved(t *testing.T, ticket *mutation.Ticket) (any, error) {
	t.Helper()
	select {
	case <-ticket.Done():
	default:
		t.Fatalf("expected ticket to be resolved")
	}
	return ticket.Wait(context.Background())
}

func TestNewRequiresGatewayAndStore(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, Dependencies{}); !errors.Is(err, ErrMissingGateway) {
		t.Fatalf("expected ErrMissingGateway, got %v", err)
	}
	if _, err := New(Config{}, Dependencies{Gateway: newFakeGateway()}); !errors.Is(err, ErrMissingStore) {
		t.Fatalf("expected ErrMissingStore, got %v", err)
	}
}

func TestRepeatedDecrementCommitsOnce(t *testing.T) {
	t.Parallel()
	fake := newFakeGateway(lineA1())
	harness := newStorefrontHarness(t, fake, harnessOptions{})
	harness.start(t)
	ctx := context.Background()

	if _, err := harness.session.SetQuantity(ctx, "A1", 2); err != nil {
		t.Fatalf("first set: %v", err)
	}
	harness.clock.Advance(100 * time.Millisecond)
	ticket, err := harness.session.SetQuantity(ctx, "A1", 2)
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	harness.clock.Advance(testDebounce - time.Millisecond)
	if calls := fake.quantities(); len(calls) != 0 {
		t.Fatalf("commit fired inside the debounce window: %v", calls)
	}
	harness.clock.Advance(time.Millisecond)

	calls := fake.quantities()
	if len(calls) != 1 || calls[0] != 2 {
		t.Fatalf("expected exactly one commit with quantity 2, got %v", calls)
	}
	if _, err := requireResolved(t, ticket); err != nil {
		t.Fatalf("unexpected commit error: %v", err)
	}
	cart, err := harness.session.Cart(ctx, false)
	if err != nil {
		t.Fatalf("cart: %v", err)
	}
	line, ok := cart.Line("A1")
	if !ok || line.LineTotal() != 240 {
		t.Fatalf("expected line total 240, got %+v", line)
	}
}

func TestRapidIncrementsCarryFinalQuantity(t *testing.T) {
	t.Parallel()
	fake := newFakeGateway(lineA1())
	harness := newStorefrontHarness(t, fake, harnessOptions{})
	harness.start(t)
	ctx := context.Background()

	for click := 0; click < 5; click++ {
		if _, err := harness.session.Increment(ctx, "A1"); err != nil {
			t.Fatalf("increment %d: %v", click, err)
		}
		harness.clock.Advance(50 * time.Millisecond)
	}
	if line, _ := harness.view(t).Line("A1"); line.Quantity != 8 {
		t.Fatalf("expected optimistic quantity 8, got %d", line.Quantity)
	}
	harness.clock.Advance(testDebounce)
	calls := fake.quantities()
	if len(calls) != 1 || calls[0] != 8 {
		t.Fatalf("expected one commit carrying 8, got %v", calls)
	}
}

func TestConfirmedValueMatchingOptimisticViewIsIdempotent(t *testing.T) {
	t.Parallel()
	fake := newFakeGateway(lineA1(), lineB2())
	harness := newStorefrontHarness(t, fake, harnessOptions{})
	harness.start(t)

	var changes []commerce.CartSnapshot
	harness.session.OnCartChanged(func(snapshot commerce.CartSnapshot) {
		changes = append(changes, snapshot)
	})
	if _, err := harness.session.SetQuantity(context.Background(), "A1", 5); err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	optimistic := harness.view(t)
	harness.clock.Advance(testDebounce)

	confirmed := harness.view(t)
	if !confirmed.Equivalent(optimistic) {
		t.Fatalf("confirmation changed the view:\noptimistic %+v\nconfirmed  %+v", optimistic, confirmed)
	}
	if len(changes) != 1 {
		t.Fatalf("expected only the optimistic change to be emitted, got %d", len(changes))
	}
	if harness.metrics.Count(metrics.MutationRollback) != 0 || len(harness.sink.Errors()) != 0 {
		t.Fatalf("unexpected rollback or error notification")
	}
}

func TestFailedCommitRestoresConfirmedQuantity(t *testing.T) {
	t.Parallel()
	fake := newFakeGateway(lineA1())
	fake.updateErr = gateway.TransportError("gateway.cart.update_item", context.DeadlineExceeded)
	harness := newStorefrontHarness(t, fake, harnessOptions{})
	harness.start(t)

	ticket, err := harness.session.SetQuantity(context.Background(), "A1", 9)
	if err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	if line, _ := harness.view(t).Line("A1"); line.Quantity != 9 {
		t.Fatalf("expected optimistic quantity 9, got %d", line.Quantity)
	}
	harness.clock.Advance(testDebounce)

	if _, commitErr := requireResolved(t, ticket); !errors.Is(commitErr, gateway.ErrTransient) {
		t.Fatalf("expected transient error, got %v", commitErr)
	}
	if line, _ := harness.view(t).Line("A1"); line.Quantity != 3 {
		t.Fatalf("expected rollback to 3, got %d", line.Quantity)
	}
	notifications := harness.sink.Errors()
	if len(notifications) != 1 || notifications[0].Message != notify.MessageTransient {
		t.Fatalf("expected one transient notification, got %+v", notifications)
	}
}

func TestRemoveCancelsPendingQuantityChange(t *testing.T) {
	t.Parallel()
	fake := newFakeGateway(lineA1(), lineB2())
	harness := newStorefrontHarness(t, fake, harnessOptions{})
	harness.start(t)
	ctx := context.Background()

	quantityTicket, err := harness.session.SetQuantity(ctx, "A1", 7)
	if err != nil {
		t.Fatalf("set quantity: %v", err)
	}
	removeTicket, err := harness.session.RemoveItem(ctx, "A1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, cancelErr := requireResolved(t, quantityTicket); !errors.Is(cancelErr, mutation.ErrCanceled) {
		t.Fatalf("expected pending quantity change to be canceled, got %v", cancelErr)
	}
	harness.clock.Advance(testDebounce)

	if calls := fake.quantities(); len(calls) != 0 {
		t.Fatalf("quantity commit fired against a removed line: %v", calls)
	}
	if _, removeErr := requireResolved(t, removeTicket); removeErr != nil {
		t.Fatalf("remove failed: %v", removeErr)
	}
	count, err := harness.session.CartCount(ctx)
	if err != nil || count != 1 {
		t.Fatalf("expected one line left, got %d (%v)", count, err)
	}
}

func TestDecrementAtOneIsNoop(t *testing.T) {
	t.Parallel()
	fake := newFakeGateway(lineB2())
	harness := newStorefrontHarness(t, fake, harnessOptions{})
	harness.start(t)

	ticket, err := harness.session.Decrement(context.Background(), "B2")
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if _, waitErr := requireResolved(t, ticket); waitErr != nil {
		t.Fatalf("unexpected error: %v", waitErr)
	}
	harness.clock.Advance(testDebounce)
	if calls := fake.quantities(); len(calls) != 0 {
		t.Fatalf("expected no commit, got %v", calls)
	}
}

func TestQuantityValidation(t *testing.T) {
	t.Parallel()
	harness := newStorefrontHarness(t, newFakeGateway(lineA1()), harnessOptions{})
	harness.start(t)
	ctx := context.Background()

	testCases := []struct {
		name     string
		lineID   string
		quantity int
		expected error
	}{
		{name: "zero", lineID: "A1", quantity: 0, expected: ErrInvalidQuantity},
		{name: "negative", lineID: "A1", quantity: -2, expected: ErrInvalidQuantity},
		{name: "unknown line", lineID: "Z9", quantity: 2, expected: ErrLineNotFound},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := harness.session.SetQuantity(ctx, testCase.lineID, testCase.quantity); !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestRapidAddsAreSummed(t *testing.T) {
	t.Parallel()
	fake := newFakeGateway(lineA1())
	harness := newStorefrontHarness(t, fake, harnessOptions{})
	harness.start(t)
	ctx := context.Background()

	for click := 0; click < 3; click++ {
		if _, err := harness.session.AddItem(ctx, "P9", 1); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if count, _ := harness.session.CartCount(ctx); count != 2 {
		t.Fatalf("expected the optimistic line, got %d lines", count)
	}
	harness.clock.Advance(testDebounce)

	fake.mutex.Lock()
	adds := append([]gateway.AddItemRequest(nil), fake.addCalls...)
	fake.mutex.Unlock()
	if len(adds) != 1 || adds[0].Quantity != 3 || adds[0].CartID != "cart-1" {
		t.Fatalf("expected one add of 3 units, got %+v", adds)
	}
	line, ok := harness.view(t).Line("line-P9")
	if !ok || line.Quantity != 3 || line.UnitPrice != 50 {
		t.Fatalf("expected confirmed provider line, got %+v", harness.view(t).Items)
	}
}

func TestInvalidCouponReportsWithoutStateChange(t *testing.T) {
	t.Parallel()
	fake := newFakeGateway(lineA1())
	fake.couponErr = gateway.StatusError("gateway.cart.apply_coupon", 422, "Coupon has expired")
	harness := newStorefrontHarness(t, fake, harnessOptions{})
	harness.start(t)
	before := harness.view(t)

	var changes int
	harness.session.OnCartChanged(func(commerce.CartSnapshot) { changes++ })
	ticket, err := harness.session.ApplyCoupon(context.Background(), " SUMMER ")
	if err != nil {
		t.Fatalf("apply coupon: %v", err)
	}
	harness.clock.Advance(testDebounce)

	if _, couponErr := requireResolved(t, ticket); !errors.Is(couponErr, gateway.ErrValidation) {
		t.Fatalf("expected validation error, got %v", couponErr)
	}
	notifications := harness.sink.Errors()
	if len(notifications) != 1 || notifications[0].Message != "Coupon has expired" {
		t.Fatalf("expected provider message, got %+v", notifications)
	}
	if changes != 0 || !harness.view(t).Equivalent(before) {
		t.Fatalf("invalid coupon changed the cart")
	}
}

func TestApplyAndRemoveCoupon(t *testing.T) {
	t.Parallel()
	fake := newFakeGateway(lineA1())
	harness := newStorefrontHarness(t, fake, harnessOptions{})
	harness.start(t)
	ctx := context.Background()

	if _, err := harness.session.ApplyCoupon(ctx, "WELCOME"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	harness.clock.Advance(testDebounce)
	if summary := harness.view(t).Summary; summary.Coupon != "WELCOME" || summary.Total != 350 {
		t.Fatalf("unexpected summary after apply: %+v", summary)
	}
	if _, err := harness.session.RemoveCoupon(ctx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if summary := harness.view(t).Summary; summary.Coupon != "" || summary.Total != 360 {
		t.Fatalf("expected optimistic coupon removal, got %+v", summary)
	}
	harness.clock.Advance(testDebounce)
	if summary := harness.view(t).Summary; summary.Coupon != "" || summary.Discount != 0 {
		t.Fatalf("unexpected summary after remove: %+v", summary)
	}
}

func TestClearCartRemovesEveryLine(t *testing.T) {
	t.Parallel()
	fake := newFakeGateway(lineA1(), lineB2())
	harness := newStorefrontHarness(t, fake, harnessOptions{})
	harness.start(t)

	if _, err := harness.session.ClearCart(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if harness.view(t).Count() != 0 {
		t.Fatalf("expected optimistic empty cart")
	}
	harness.clock.Advance(testDebounce)
	fake.mutex.Lock()
	removed := append([]string(nil), fake.removeCalls...)
	fake.mutex.Unlock()
	if len(removed) != 2 {
		t.Fatalf("expected two removals, got %v", removed)
	}
	if harness.view(t).Count() != 0 {
		t.Fatalf("expected empty confirmed cart")
	}
}

func TestRemovalInOneTabReachesTheOther(t *testing.T) {
	t.Parallel()
	fake := newFakeGateway(lineA1(), lineB2())
	hub := broadcast.NewMemoryHub()
	fakeClock := clock.NewFake(storefrontEpoch)
	store := session.NewCookieTokenStore(session.NewMemoryCookieBackend(fakeClock), fakeClock)

	first := newStorefrontHarness(t, fake, harnessOptions{clock: fakeClock, store: store, hub: hub})
	second := newStorefrontHarness(t, fake, harnessOptions{clock: fakeClock, store: store, hub: hub})
	first.start(t)
	second.start(t)
	ctx := context.Background()
	if count, _ := second.session.CartCount(ctx); count != 2 {
		t.Fatalf("expected two lines in the second tab, got %d", count)
	}

	var counts []int
	second.session.OnCartChanged(func(snapshot commerce.CartSnapshot) {
		counts = append(counts, snapshot.Count())
	})
	if _, err := first.session.RemoveItem(ctx, "A1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	fakeClock.Advance(testDebounce)

	if len(counts) != 1 || counts[0] != 1 {
		t.Fatalf("expected second tab to observe one line, got %v", counts)
	}
	if count, _ := second.session.CartCount(ctx); count != 1 {
		t.Fatalf("expected second tab count 1, got %d", count)
	}
	if second.metrics.Count(metrics.BroadcastReceived) == 0 {
		t.Fatalf("expected the second tab to receive a broadcast")
	}
}

func TestRejectedCallRefreshesAndRetries(t *testing.T) {
	t.Parallel()
	fake := newFakeGateway(lineA1())
	fake.validBearer = "fresh"
	fake.grant = commerce.TokenGrant{AccessToken: "fresh", RefreshToken: "r2", ExpiresAt: storefrontEpoch.Add(time.Hour)}
	harness := newStorefrontHarness(t, fake, harnessOptions{})
	if err := harness.store.Save(context.Background(), session.SessionToken{AccessToken: "revoked", RefreshToken: "r1", ExpiresAt: storefrontEpoch.Add(time.Hour)}); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	harness.start(t)

	if count, err := harness.session.CartCount(context.Background()); err != nil || count != 1 {
		t.Fatalf("expected cart after retry, got %d (%v)", count, err)
	}
	fake.mutex.Lock()
	refreshCalls := fake.refreshCalls
	fake.mutex.Unlock()
	if refreshCalls != 1 {
		t.Fatalf("expected one refresh, got %d", refreshCalls)
	}
	if !harness.session.IsLoggedIn() {
		t.Fatalf("expected to stay signed in")
	}
	token, err := harness.store.Load(context.Background())
	if err != nil || token.AccessToken != "fresh" || token.RefreshToken != "r2" {
		t.Fatalf("expected refreshed credentials, got %+v (%v)", token, err)
	}
}

func TestVerifyThenLogout(t *testing.T) {
	t.Parallel()
	fake := newFakeGateway(lineA1())
	fake.grant = commerce.TokenGrant{AccessToken: "otp-access", RefreshToken: "otp-refresh", ExpiresAt: storefrontEpoch.Add(time.Hour)}
	harness := newStorefrontHarness(t, fake, harnessOptions{})
	harness.start(t)
	ctx := context.Background()

	if harness.session.IsLoggedIn() {
		t.Fatalf("expected anonymous visitor")
	}
	if _, err := harness.session.CurrentUser(ctx, false); err == nil {
		t.Fatalf("expected anonymous visitor to have no profile")
	}
	if err := harness.session.Verify(ctx, "layla@example.com", "1234"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !harness.session.IsLoggedIn() {
		t.Fatalf("expected signed in after verify")
	}
	profile, err := harness.session.CurrentUser(ctx, true)
	if err != nil || profile.ID != "42" {
		t.Fatalf("expected profile 42, got %+v (%v)", profile, err)
	}

	if err := harness.session.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if harness.session.IsLoggedIn() {
		t.Fatalf("expected anonymous after logout")
	}
	token, err := harness.store.Load(ctx)
	if err != nil || !token.IsEmpty() {
		t.Fatalf("expected credentials to be cleared, got %+v (%v)", token, err)
	}
	fake.mutex.Lock()
	logoutCalls := fake.logoutCalls
	fake.mutex.Unlock()
	if logoutCalls != 1 {
		t.Fatalf("expected provider logout, got %d calls", logoutCalls)
	}
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tyemirov/cartsync/internal/clock"
	"github.com/tyemirov/cartsync/internal/commerce"
	"go.uber.org/zap"
)

const (
	// DefaultRequestTimeout bounds every provider call.
	DefaultRequestTimeout = 30 * time.Second
	// StoreIdentifierHeader names the store on every request.
	StoreIdentifierHeader = "Store-Identifier"
	// XSRFHeader carries the anti-forgery token when one is configured.
	XSRFHeader = "X-XSRF-TOKEN"

	maxResponseBytes = 4 << 20
	defaultUserAgent = "cartsync/1.0"
)

var (
	errMissingBaseURL = errors.New("gateway.config.missing_base_url")
	errInvalidBaseURL = errors.New("gateway.config.invalid_base_url")
)

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	BaseURL         string
	StoreIdentifier string
	XSRFToken       string
	UserAgent       string
	Timeout         time.Duration
	Client          *http.Client
	Clock           clock.Clock
	Logger          *zap.Logger
}

// HTTPClient implements Gateway over the platform's REST API.
type HTTPClient struct {
	baseURL         *url.URL
	storeIdentifier string
	xsrfToken       string
	userAgent       string
	timeout         time.Duration
	client          *http.Client
	clock           clock.Clock
	logger          *zap.Logger
}

var _ Gateway = (*HTTPClient)(nil)

// NewHTTPClient validates the configuration and builds a client.
func NewHTTPClient(config HTTPConfig) (*HTTPClient, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(config.BaseURL), "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", errInvalidBaseURL, config.BaseURL)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRequestTimeout
	}
	if config.Client == nil {
		config.Client = &http.Client{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	return &HTTPClient{
		baseURL:         parsed,
		storeIdentifier: strings.TrimSpace(config.StoreIdentifier),
		xsrfToken:       strings.TrimSpace(config.XSRFToken),
		userAgent:       config.UserAgent,
		timeout:         config.Timeout,
		client:          config.Client,
		clock:           config.Clock,
		logger:          config.Logger,
	}, nil
}

type requestSpec struct {
	op          string
	method      string
	path        string
	bearer      string
	body        io.Reader
	contentType string
}

func jsonBody(payload any) (io.Reader, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(encoded), nil
}

// call performs the request and returns the decoded envelope of a successful
// response. Every failure is a *Error carrying its class.
func (client *HTTPClient) call(ctx context.Context, spec requestSpec) (Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	target := client.baseURL.JoinPath(spec.path)
	request, err := http.NewRequestWithContext(ctx, spec.method, target.String(), spec.body)
	if err != nil {
		return Envelope{}, &Error{Op: spec.op, Kind: ErrValidation, Cause: err}
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Cache-Control", "no-cache")
	request.Header.Set("User-Agent", client.userAgent)
	if spec.contentType != "" {
		request.Header.Set("Content-Type", spec.contentType)
	}
	if client.storeIdentifier != "" {
		request.Header.Set(StoreIdentifierHeader, client.storeIdentifier)
	}
	if client.xsrfToken != "" {
		request.Header.Set(XSRFHeader, client.xsrfToken)
	}
	if spec.bearer != "" {
		request.Header.Set("Authorization", BearerValue(spec.bearer))
	}

	started := client.clock.Now()
	response, err := client.client.Do(request)
	if err != nil {
		client.logger.Debug("gateway request failed",
			zap.String("code", "gateway.transport"),
			zap.String("op", spec.op),
			zap.Error(err),
		)
		return Envelope{}, TransportError(spec.op, err)
	}
	defer response.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if readErr != nil {
		return Envelope{}, TransportError(spec.op, readErr)
	}
	client.logger.Debug("gateway response",
		zap.String("code", "gateway.response"),
		zap.String("op", spec.op),
		zap.Int("status", response.StatusCode),
		zap.Duration("elapsed", client.clock.Now().Sub(started)),
	)

	envelope, decodeErr := DecodeEnvelope(response.StatusCode, body)
	if kind := Classify(response.StatusCode); kind != nil {
		return envelope, &Error{Op: spec.op, Status: response.StatusCode, Kind: kind, Message: envelope.Message}
	}
	if decodeErr != nil {
		return envelope, &Error{Op: spec.op, Status: response.StatusCode, Kind: ErrTransient, Cause: decodeErr}
	}
	if !envelope.Success {
		return envelope, &Error{Op: spec.op, Status: response.StatusCode, Kind: ErrValidation, Message: envelope.Message}
	}
	return envelope, nil
}

func (client *HTTPClient) cartResult(op string, envelope Envelope) (*commerce.CartSnapshot, error) {
	snapshot, err := NormalizeCart(envelope.Data, client.clock.Now())
	if err != nil {
		return nil, &Error{Op: op, Status: envelope.Status, Kind: ErrTransient, Cause: err}
	}
	return snapshot, nil
}

func (client *HTTPClient) grantResult(op string, envelope Envelope) (commerce.TokenGrant, error) {
	grant, err := NormalizeGrant(envelope, client.clock.Now())
	if err != nil {
		return commerce.TokenGrant{}, &Error{Op: op, Status: envelope.Status, Kind: ErrTransient, Cause: err}
	}
	return grant, nil
}

// LatestCart fetches the visitor's current cart.
func (client *HTTPClient) LatestCart(ctx context.Context, bearer string) (commerce.CartSnapshot, error) {
	const op = "gateway.cart.latest"
	envelope, err := client.call(ctx, requestSpec{op: op, method: http.MethodGet, path: "cart/latest", bearer: bearer})
	if err != nil {
		return commerce.CartSnapshot{}, err
	}
	snapshot, err := client.cartResult(op, envelope)
	if err != nil {
		return commerce.CartSnapshot{}, err
	}
	if snapshot == nil {
		return commerce.CartSnapshot{Items: []commerce.CartLine{}, LastUpdated: client.clock.Now()}, nil
	}
	return *snapshot, nil
}

// AddItem posts a product line to the cart.
func (client *HTTPClient) AddItem(ctx context.Context, bearer string, addRequest AddItemRequest) (*commerce.CartSnapshot, error) {
	const op = "gateway.cart.add_item"
	quantity := addRequest.Quantity
	if quantity < 1 {
		quantity = 1
	}
	options := addRequest.Options
	if options == nil {
		options = map[string]any{}
	}
	body, err := jsonBody(map[string]any{"product_id": addRequest.ProductID, "quantity": quantity, "options": options})
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrValidation, Cause: err}
	}
	envelope, err := client.call(ctx, requestSpec{
		op:          op,
		method:      http.MethodPost,
		path:        "cart/" + url.PathEscape(addRequest.CartID) + "/item",
		bearer:      bearer,
		body:        body,
		contentType: "application/json",
	})
	if err != nil {
		return nil, err
	}
	return client.cartResult(op, envelope)
}

// UpdateItemQuantity sends the quantity as a form POST with _method=PUT, the
// form the platform accepts for line updates.
func (client *HTTPClient) UpdateItemQuantity(ctx context.Context, bearer string, cartID string, itemID string, quantity int) (*commerce.CartSnapshot, error) {
	const op = "gateway.cart.update_quantity"
	form := url.Values{}
	form.Set("id", itemID)
	form.Set("quantity", strconv.Itoa(quantity))
	form.Set("_method", http.MethodPut)
	envelope, err := client.call(ctx, requestSpec{
		op:          op,
		method:      http.MethodPost,
		path:        "cart/" + url.PathEscape(cartID) + "/item/" + url.PathEscape(itemID),
		bearer:      bearer,
		body:        strings.NewReader(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
	})
	if err != nil {
		return nil, err
	}
	return client.cartResult(op, envelope)
}

// RemoveItem deletes a line from the cart.
func (client *HTTPClient) RemoveItem(ctx context.Context, bearer string, cartID string, itemID string) (*commerce.CartSnapshot, error) {
	const op = "gateway.cart.remove_item"
	envelope, err := client.call(ctx, requestSpec{
		op:     op,
		method: http.MethodDelete,
		path:   "cart/" + url.PathEscape(cartID) + "/item/" + url.PathEscape(itemID),
		bearer: bearer,
	})
	if err != nil {
		return nil, err
	}
	return client.cartResult(op, envelope)
}

// ApplyCoupon applies a coupon code to the cart.
func (client *HTTPClient) ApplyCoupon(ctx context.Context, bearer string, cartID string, code string) (*commerce.CartSnapshot, error) {
	const op = "gateway.cart.apply_coupon"
	body, err := jsonBody(map[string]string{"coupon": strings.TrimSpace(code)})
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrValidation, Cause: err}
	}
	envelope, err := client.call(ctx, requestSpec{
		op:          op,
		method:      http.MethodPost,
		path:        "cart/" + url.PathEscape(cartID) + "/coupon",
		bearer:      bearer,
		body:        body,
		contentType: "application/json",
	})
	if err != nil {
		return nil, err
	}
	return client.cartResult(op, envelope)
}

// RemoveCoupon removes the applied coupon.
func (client *HTTPClient) RemoveCoupon(ctx context.Context, bearer string, cartID string) (*commerce.CartSnapshot, error) {
	const op = "gateway.cart.remove_coupon"
	envelope, err := client.call(ctx, requestSpec{
		op:     op,
		method: http.MethodDelete,
		path:   "cart/" + url.PathEscape(cartID) + "/coupon",
		bearer: bearer,
	})
	if err != nil {
		return nil, err
	}
	return client.cartResult(op, envelope)
}

// CurrentUser fetches the signed-in customer.
func (client *HTTPClient) CurrentUser(ctx context.Context, bearer string) (commerce.UserProfile, error) {
	const op = "gateway.auth.user"
	envelope, err := client.call(ctx, requestSpec{op: op, method: http.MethodGet, path: "auth/user", bearer: bearer})
	if err != nil {
		return commerce.UserProfile{}, err
	}
	profile, err := NormalizeUser(envelope.Data, client.clock.Now())
	if err != nil {
		return commerce.UserProfile{}, &Error{Op: op, Status: envelope.Status, Kind: ErrTransient, Cause: err}
	}
	return profile, nil
}

// SendVerification emails a one-time code.
func (client *HTTPClient) SendVerification(ctx context.Context, email string) error {
	const op = "gateway.auth.send_verification"
	body, err := jsonBody(map[string]string{"email": strings.TrimSpace(email)})
	if err != nil {
		return &Error{Op: op, Kind: ErrValidation, Cause: err}
	}
	_, err = client.call(ctx, requestSpec{op: op, method: http.MethodPost, path: "auth/email/send_verification", body: body, contentType: "application/json"})
	return err
}

// Verify exchanges an emailed code for a token grant.
func (client *HTTPClient) Verify(ctx context.Context, email string, code string) (commerce.TokenGrant, error) {
	const op = "gateway.auth.verify"
	body, err := jsonBody(map[string]string{"email": strings.TrimSpace(email), "code": strings.TrimSpace(code)})
	if err != nil {
		return commerce.TokenGrant{}, &Error{Op: op, Kind: ErrValidation, Cause: err}
	}
	envelope, err := client.call(ctx, requestSpec{op: op, method: http.MethodPost, path: "auth/email/verify", body: body, contentType: "application/json"})
	if err != nil {
		return commerce.TokenGrant{}, err
	}
	return client.grantResult(op, envelope)
}

// Register creates an account and returns its grant.
func (client *HTTPClient) Register(ctx context.Context, registerRequest RegisterRequest) (commerce.TokenGrant, error) {
	const op = "gateway.auth.register"
	body, err := jsonBody(registerRequest)
	if err != nil {
		return commerce.TokenGrant{}, &Error{Op: op, Kind: ErrValidation, Cause: err}
	}
	envelope, err := client.call(ctx, requestSpec{op: op, method: http.MethodPost, path: "auth/register", body: body, contentType: "application/json"})
	if err != nil {
		return commerce.TokenGrant{}, err
	}
	return client.grantResult(op, envelope)
}

// RefreshToken exchanges a refresh token for a new grant. A 401/403 here is
// the only response that proves the refresh token is void.
func (client *HTTPClient) RefreshToken(ctx context.Context, refreshToken string) (commerce.TokenGrant, error) {
	const op = "gateway.auth.refresh"
	body, err := jsonBody(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return commerce.TokenGrant{}, &Error{Op: op, Kind: ErrValidation, Cause: err}
	}
	envelope, err := client.call(ctx, requestSpec{op: op, method: http.MethodPost, path: "auth/refresh", body: body, contentType: "application/json"})
	if err != nil {
		return commerce.TokenGrant{}, err
	}
	return client.grantResult(op, envelope)
}

// Logout revokes the access token upstream.
func (client *HTTPClient) Logout(ctx context.Context, bearer string) error {
	const op = "gateway.auth.logout"
	_, err := client.call(ctx, requestSpec{op: op, method: http.MethodPost, path: "auth/logout", bearer: bearer})
	return err
}

// BearerValue normalizes a token into an Authorization header value.
func BearerValue(token string) string {
	trimmed := strings.TrimSpace(token)
	if len(trimmed) > 7 && strings.EqualFold(trimmed[:7], "bearer ") {
		trimmed = strings.TrimSpace(trimmed[7:])
	}
	return "Bearer " + trimmed
}

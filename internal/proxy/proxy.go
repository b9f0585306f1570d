// Package proxy forwards storefront cart calls to the commerce platform with
// the visitor's bearer credential attached. It forwards credentials and
// nothing more: bodies and statuses pass through untouched.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/cartsync/internal/gateway"
	"github.com/tyemirov/cartsync/internal/metrics"
	"github.com/tyemirov/cartsync/internal/session"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultUpstreamTimeout bounds one forwarded call.
	DefaultUpstreamTimeout = 30 * time.Second

	xsrfAltHeader   = "XSRF-TOKEN"
	xsrfLegacyField = "xsrf_token"
	xsrfCookieName  = "XSRF-TOKEN"

	maxBodyBytes = 4 << 20

	messageMissingCredential = "Please sign in or create an account first"
	messageUpstreamFailure   = "The store could not be reached, please try again"
	messageThrottled         = "Too many requests, please try again shortly"
	messageBodyTooLarge      = "Request body is too large"
	messageUnreadableBody    = "The request could not be read"

	bearerPrefix = "bearer "
)

var (
	errMissingUpstream = errors.New("proxy.config.missing_upstream")
	errInvalidUpstream = errors.New("proxy.config.invalid_upstream")
)

// Config configures a Forwarder.
type Config struct {
	UpstreamURL string
	// StoreIdentifier is sent when the incoming request carries none.
	StoreIdentifier string
	Timeout         time.Duration
	// RatePerSecond caps upstream calls; zero or less means unlimited.
	RatePerSecond float64
	Burst         int
	Client        *http.Client
	Logger        *zap.Logger
	Metrics       metrics.Recorder
}

// Forwarder relays requests to the commerce platform.
type Forwarder struct {
	upstream        *url.URL
	storeIdentifier string
	timeout         time.Duration
	limiter         *rate.Limiter
	client          *http.Client
	logger          *zap.Logger
	metrics         metrics.Recorder
}

// New validates the configuration and builds a Forwarder.
func New(config Config) (*Forwarder, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(config.UpstreamURL), "/")
	if trimmed == "" {
		return nil, errMissingUpstream
	}
	upstream, err := url.Parse(trimmed)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("%w: %q", errInvalidUpstream, config.UpstreamURL)
	}
	if upstream.Path == "" {
		upstream.Path = "/"
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultUpstreamTimeout
	}
	if config.Client == nil {
		config.Client = &http.Client{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &Forwarder{
		upstream:        upstream,
		storeIdentifier: strings.TrimSpace(config.StoreIdentifier),
		timeout:         config.Timeout,
		limiter:         rate.NewLimiter(limit, config.Burst),
		client:          config.Client,
		logger:          config.Logger,
		metrics:         metrics.OrNop(config.Metrics),
	}, nil
}

// Mount registers the forwarder for every method under prefix. A request for
// prefix/<path> is sent to <upstream>/<segment>/<path>.
func (forwarder *Forwarder) Mount(router gin.IRoutes, prefix string, segment string) {
	router.Any(strings.TrimRight(prefix, "/")+"/*path", forwarder.Handle(segment))
}

// Handle returns the gin handler that forwards to segment.
func (forwarder *Forwarder) Handle(segment string) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		request := contextGin.Request
		if request.Method == http.MethodOptions {
			contextGin.Status(http.StatusNoContent)
			return
		}
		credential := credentialFrom(request)
		if credential == "" {
			forwarder.metrics.Increment(metrics.ProxyUnauthorized)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, failure(messageMissingCredential))
			return
		}
		body, bodyErr := readBody(contextGin)
		if bodyErr != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(bodyErr, &tooLarge) {
				forwarder.metrics.Increment(metrics.ProxyTooLarge)
				contextGin.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, failure(messageBodyTooLarge))
				return
			}
			forwarder.logger.Debug("request body unreadable", zap.String("code", "proxy.read_body"), zap.Error(bodyErr))
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, failure(messageUnreadableBody))
			return
		}
		if err := forwarder.limiter.Wait(request.Context()); err != nil {
			forwarder.metrics.Increment(metrics.ProxyThrottled)
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, failure(messageThrottled))
			return
		}

		target := forwarder.upstream.JoinPath(segment, strings.TrimPrefix(contextGin.Param("path"), "/"))
		target.RawQuery = request.URL.RawQuery
		status, contentType, payload, err := forwarder.forward(request, target, credential, body)
		if err != nil {
			forwarder.metrics.Increment(metrics.ProxyUpstreamFail)
			forwarder.logger.Warn("upstream call failed",
				zap.String("code", "proxy.upstream"),
				zap.String("method", request.Method),
				zap.String("target", target.Path),
				zap.Error(err),
			)
			contextGin.AbortWithStatusJSON(http.StatusBadGateway, failure(messageUpstreamFailure))
			return
		}
		forwarder.metrics.Increment(metrics.ProxyForwarded)
		contextGin.Data(status, contentType, payload)
	}
}

// readBody buffers the incoming body. Bodies over maxBodyBytes fail with
// *http.MaxBytesError instead of being truncated.
func readBody(contextGin *gin.Context) ([]byte, error) {
	request := contextGin.Request
	if request.Body == nil || request.Body == http.NoBody {
		return nil, nil
	}
	raw, err := io.ReadAll(http.MaxBytesReader(contextGin.Writer, request.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("proxy.read_body: %w", err)
	}
	return raw, nil
}

func (forwarder *Forwarder) forward(request *http.Request, target *url.URL, credential string, raw []byte) (int, string, []byte, error) {
	ctx, cancel := context.WithTimeout(request.Context(), forwarder.timeout)
	defer cancel()

	var body io.Reader
	if raw != nil {
		body = bytes.NewReader(raw)
	}
	upstreamRequest, err := http.NewRequestWithContext(ctx, request.Method, target.String(), body)
	if err != nil {
		return 0, "", nil, fmt.Errorf("proxy.build_request: %w", err)
	}
	forwarder.copyHeaders(request, upstreamRequest.Header, credential)

	response, err := forwarder.client.Do(upstreamRequest)
	if err != nil {
		return 0, "", nil, fmt.Errorf("proxy.do: %w", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(response.Body, maxBodyBytes))
	if err != nil {
		return 0, "", nil, fmt.Errorf("proxy.read_response: %w", err)
	}
	contentType := response.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return response.StatusCode, contentType, payload, nil
}

// copyHeaders builds the upstream header set. Incoming cookies are never sent.
func (forwarder *Forwarder) copyHeaders(request *http.Request, headers http.Header, credential string) {
	headers.Set("Accept", "application/json")
	if contentType := request.Header.Get("Content-Type"); contentType != "" {
		headers.Set("Content-Type", contentType)
	}
	headers.Set("Authorization", gateway.BearerValue(credential))
	storeIdentifier := strings.TrimSpace(request.Header.Get(gateway.StoreIdentifierHeader))
	if storeIdentifier == "" {
		storeIdentifier = forwarder.storeIdentifier
	}
	if storeIdentifier != "" {
		headers.Set(gateway.StoreIdentifierHeader, storeIdentifier)
	}
	if xsrf := xsrfFrom(request); xsrf != "" {
		headers.Set(gateway.XSRFHeader, xsrf)
		headers.Set(xsrfAltHeader, xsrf)
	}
}

// credentialFrom prefers the Authorization header and falls back to the
// access token cookie. The header may hold a bare token or a bearer token; any
// other scheme yields no credential.
func credentialFrom(request *http.Request) string {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	switch {
	case strings.EqualFold(header, strings.TrimSpace(bearerPrefix)):
		header = ""
	case len(header) >= len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix):
		header = strings.TrimSpace(header[len(bearerPrefix):])
	case strings.ContainsAny(header, " \t"):
		return ""
	}
	if header != "" {
		return header
	}
	return session.ReadTokenCookies(request).AccessToken
}

func xsrfFrom(request *http.Request) string {
	for _, name := range []string{gateway.XSRFHeader, xsrfAltHeader, xsrfLegacyField} {
		if value := strings.TrimSpace(request.Header.Get(name)); value != "" {
			return value
		}
	}
	if cookie, err := request.Cookie(xsrfCookieName); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}

func failure(message string) gin.H {
	return gin.H{"success": false, "message": message}
}

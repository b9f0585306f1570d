package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tyemirov/cartsync/internal/clock"
)

// Cookie names. The combined cookie carries all fields; the individual
// cookies are written alongside it for consumers that read them directly.
const (
	CombinedCookieName = "cartsync_tokens"
	AccessCookieName   = "cartsync_access_token"
	RefreshCookieName  = "cartsync_refresh_token"
	ExpiresCookieName  = "cartsync_token_expires"
)

var credentialCookieNames = []string{CombinedCookieName, AccessCookieName, RefreshCookieName, ExpiresCookieName}

const (
	refreshCookieLifetime = 30 * 24 * time.Hour
	accessCookieLifetime  = 24 * time.Hour
)

// CookieBackend stores named cookies. Implementations must not return
// cookies whose Expires has passed.
type CookieBackend interface {
	SetCookie(ctx context.Context, cookie *http.Cookie) error
	Cookie(ctx context.Context, name string) (*http.Cookie, error)
	DeleteCookie(ctx context.Context, name string) error
}

// CookieTokenStore implements TokenStore on top of a CookieBackend.
type CookieTokenStore struct {
	backend CookieBackend
	clock   clock.Clock
}

// NewCookieTokenStore constructs a cookie-backed token store.
func NewCookieTokenStore(backend CookieBackend, timeSource clock.Clock) *CookieTokenStore {
	if timeSource == nil {
		timeSource = clock.Real()
	}
	return &CookieTokenStore{backend: backend, clock: timeSource}
}

// Save writes the combined cookie and the individual cookies. The expiry is
// stored as an absolute unix-millisecond instant.
func (store *CookieTokenStore) Save(ctx context.Context, token SessionToken) error {
	if token.IsEmpty() {
		return fmt.Errorf("session.save: %w", ErrEmptyToken)
	}
	if err := token.Validate(); err != nil {
		return fmt.Errorf("session.save: %w", err)
	}
	cookies, buildErr := buildTokenCookies(token, store.clock.Now())
	if buildErr != nil {
		return fmt.Errorf("session.save: %w", buildErr)
	}
	for _, cookie := range cookies {
		if err := store.backend.SetCookie(ctx, cookie); err != nil {
			return fmt.Errorf("session.save.%s: %w", cookie.Name, err)
		}
	}
	if token.AccessToken == "" {
		for _, name := range []string{AccessCookieName, ExpiresCookieName} {
			if err := store.backend.DeleteCookie(ctx, name); err != nil {
				return fmt.Errorf("session.save.%s: %w", name, err)
			}
		}
	}
	return nil
}

// Load reads the combined cookie, falling back to the individual cookies when
// it is missing or unreadable. Missing cookies yield an empty token.
func (store *CookieTokenStore) Load(ctx context.Context) (SessionToken, error) {
	var lookupErr error
	token := decodeTokenCookies(func(name string) (string, bool) {
		cookie, err := store.backend.Cookie(ctx, name)
		if err != nil {
			if !errors.Is(err, ErrCookieNotFound) && lookupErr == nil {
				lookupErr = err
			}
			return "", false
		}
		return cookie.Value, true
	})
	if lookupErr != nil {
		return SessionToken{}, fmt.Errorf("session.load: %w", lookupErr)
	}
	return token, nil
}

// Clear removes every credential cookie.
func (store *CookieTokenStore) Clear(ctx context.Context) error {
	for _, name := range credentialCookieNames {
		if err := store.backend.DeleteCookie(ctx, name); err != nil {
			return fmt.Errorf("session.clear.%s: %w", name, err)
		}
	}
	return nil
}

func buildTokenCookies(token SessionToken, now time.Time) ([]*http.Cookie, error) {
	lifetime := accessCookieLifetime
	if token.HasRefresh() {
		lifetime = refreshCookieLifetime
	}
	encoded, err := encodeCombined(token)
	if err != nil {
		return nil, err
	}
	cookies := []*http.Cookie{{Name: CombinedCookieName, Value: encoded, Expires: now.Add(lifetime)}}
	if token.AccessToken != "" {
		cookies = append(cookies,
			&http.Cookie{Name: AccessCookieName, Value: token.AccessToken, Expires: now.Add(lifetime)},
			&http.Cookie{Name: ExpiresCookieName, Value: strconv.FormatInt(token.ExpiresAt.UnixMilli(), 10), Expires: now.Add(lifetime)},
		)
	}
	if token.RefreshToken != "" {
		cookies = append(cookies, &http.Cookie{Name: RefreshCookieName, Value: token.RefreshToken, Expires: now.Add(refreshCookieLifetime)})
	}
	return cookies, nil
}

type combinedPayload struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

func encodeCombined(token SessionToken) (string, error) {
	payload := combinedPayload{AccessToken: token.AccessToken, RefreshToken: token.RefreshToken}
	if !token.ExpiresAt.IsZero() {
		payload.ExpiresAt = token.ExpiresAt.UnixMilli()
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeCombined(value string) (SessionToken, bool) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(value), "="))
	if err != nil {
		return SessionToken{}, false
	}
	var payload combinedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return SessionToken{}, false
	}
	token := SessionToken{AccessToken: payload.AccessToken, RefreshToken: payload.RefreshToken}
	if payload.ExpiresAt > 0 {
		token.ExpiresAt = time.UnixMilli(payload.ExpiresAt).UTC()
	}
	return token, true
}

func decodeTokenCookies(lookup func(name string) (string, bool)) SessionToken {
	if combined, ok := lookup(CombinedCookieName); ok && combined != "" {
		if token, decoded := decodeCombined(combined); decoded {
			return token
		}
	}
	var token SessionToken
	if accessToken, ok := lookup(AccessCookieName); ok {
		token.AccessToken = accessToken
	}
	if refreshToken, ok := lookup(RefreshCookieName); ok {
		token.RefreshToken = refreshToken
	}
	if expires, ok := lookup(ExpiresCookieName); ok {
		if millis, err := strconv.ParseInt(strings.TrimSpace(expires), 10, 64); err == nil && millis > 0 {
			token.ExpiresAt = time.UnixMilli(millis).UTC()
		}
	}
	return token
}

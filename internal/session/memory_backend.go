package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/tyemirov/cartsync/internal/clock"
)

// MemoryCookieBackend is an in-memory CookieBackend intended for tests and
// single-process runs.
type MemoryCookieBackend struct {
	mutex   sync.Mutex
	cookies map[string]http.Cookie
	clock   clock.Clock
}

// NewMemoryCookieBackend constructs an empty in-memory backend.
func NewMemoryCookieBackend(timeSource clock.Clock) *MemoryCookieBackend {
	if timeSource == nil {
		timeSource = clock.Real()
	}
	return &MemoryCookieBackend{cookies: make(map[string]http.Cookie), clock: timeSource}
}

// SetCookie stores a copy of the cookie.
func (backend *MemoryCookieBackend) SetCookie(ctx context.Context, cookie *http.Cookie) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.cookies[cookie.Name] = *cookie
	return nil
}

// Cookie returns the named cookie unless it is missing or expired.
func (backend *MemoryCookieBackend) Cookie(ctx context.Context, name string) (*http.Cookie, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	stored, ok := backend.cookies[name]
	if !ok {
		return nil, ErrCookieNotFound
	}
	if !stored.Expires.IsZero() && !backend.clock.Now().Before(stored.Expires) {
		delete(backend.cookies, name)
		return nil, ErrCookieNotFound
	}
	clone := stored
	return &clone, nil
}

// DeleteCookie removes the named cookie. Deleting a missing cookie is not an error.
func (backend *MemoryCookieBackend) DeleteCookie(ctx context.Context, name string) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	delete(backend.cookies, name)
	return nil
}

// Names returns the stored cookie names; used by tests.
func (backend *MemoryCookieBackend) Names() []string {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	names := make([]string, 0, len(backend.cookies))
	for name := range backend.cookies {
		names = append(names, name)
	}
	return names
}

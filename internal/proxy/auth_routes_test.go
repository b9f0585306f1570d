package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/cartsync/internal/clock"
	"github.com/tyemirov/cartsync/internal/commerce"
	"github.com/tyemirov/cartsync/internal/gateway"
	"github.com/tyemirov/cartsync/internal/session"
	"go.uber.org/zap/zaptest"
)

var authEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubAuthenticator struct {
	sentTo      string
	grant       commerce.TokenGrant
	verifyErr   error
	refreshErr  error
	refreshedBy string
	loggedOut   string
	profile     commerce.UserProfile
}

func (stub *stubAuthenticator) SendVerification(ctx context.Context, email string) error {
	stub.sentTo = email
	return nil
}

func (stub *stubAuthenticator) Verify(ctx context.Context, email string, code string) (commerce.TokenGrant, error) {
	return stub.grant, stub.verifyErr
}

func (stub *stubAuthenticator) RefreshToken(ctx context.Context, refreshToken string) (commerce.TokenGrant, error) {
	stub.refreshedBy = refreshToken
	return stub.grant, stub.refreshErr
}

func (stub *stubAuthenticator) Logout(ctx context.Context, bearer string) error {
	stub.loggedOut = bearer
	return nil
}

func (stub *stubAuthenticator) CurrentUser(ctx context.Context, bearer string) (commerce.UserProfile, error) {
	if bearer != stub.grant.AccessToken {
		return commerce.UserProfile{}, gateway.StatusError("user.current", http.StatusUnauthorized, "")
	}
	return stub.profile, nil
}

func newAuthRouter(t *testing.T, stub *stubAuthenticator) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	MountAuthRoutes(router, AuthConfig{
		Gateway:   stub,
		Transport: session.TransportConfig{Domain: "shop.example.com"},
		Clock:     clock.NewFake(authEpoch),
		Logger:    zaptest.NewLogger(t),
	})
	return router
}

func cookiesFrom(response *httptest.ResponseRecorder) map[string]*http.Cookie {
	cookies := make(map[string]*http.Cookie)
	for _, cookie := range response.Result().Cookies() {
		cookies[cookie.Name] = cookie
	}
	return cookies
}

func TestVerifyRouteWritesTokenCookies(t *testing.T) {
	t.Parallel()

	stub := &stubAuthenticator{grant: commerce.TokenGrant{AccessToken: "a1", RefreshToken: "r1", ExpiresAt: authEpoch.Add(time.Hour)}}
	router := newAuthRouter(t, stub)

	request := httptest.NewRequest(http.MethodPost, "/auth/verify", strings.NewReader(`{"email":"ada@example.com","code":"123456"}`))
	request.Header.Set("Content-Type", "application/json")
	response := httptest.NewRecorder()
	router.ServeHTTP(response, request)

	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", response.Code, response.Body.String())
	}
	cookies := cookiesFrom(response)
	if cookies[session.AccessCookieName] == nil || cookies[session.AccessCookieName].Value != "a1" {
		t.Fatalf("expected access cookie, got %v", cookies)
	}
	if cookies[session.RefreshCookieName] == nil || cookies[session.RefreshCookieName].Value != "r1" {
		t.Fatalf("expected refresh cookie, got %v", cookies)
	}
	if cookies[session.CombinedCookieName] == nil {
		t.Fatalf("expected combined cookie")
	}
}

func TestVerifyRouteValidation(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		body     string
		err      error
		expected int
	}{
		{name: "missing code", body: `{"email":"ada@example.com"}`, expected: http.StatusBadRequest},
		{name: "bad json", body: `{`, expected: http.StatusBadRequest},
		{name: "wrong code", body: `{"email":"ada@example.com","code":"000000"}`, err: gateway.StatusError("auth.verify", http.StatusUnprocessableEntity, "Invalid code"), expected: http.StatusUnprocessableEntity},
		{name: "provider down", body: `{"email":"ada@example.com","code":"123456"}`, err: gateway.StatusError("auth.verify", http.StatusBadGateway, ""), expected: http.StatusServiceUnavailable},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			router := newAuthRouter(t, &stubAuthenticator{verifyErr: testCase.err})
			request := httptest.NewRequest(http.MethodPost, "/auth/verify", strings.NewReader(testCase.body))
			request.Header.Set("Content-Type", "application/json")
			response := httptest.NewRecorder()
			router.ServeHTTP(response, request)
			if response.Code != testCase.expected {
				t.Fatalf("expected %d, got %d", testCase.expected, response.Code)
			}
		})
	}
}

func TestRefreshRouteRenewsAndKeepsRefreshToken(t *testing.T) {
	t.Parallel()

	stub := &stubAuthenticator{grant: commerce.TokenGrant{AccessToken: "a2", ExpiresAt: authEpoch.Add(time.Hour)}}
	router := newAuthRouter(t, stub)

	request := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	request.AddCookie(&http.Cookie{Name: session.RefreshCookieName, Value: "r1"})
	response := httptest.NewRecorder()
	router.ServeHTTP(response, request)

	if response.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", response.Code)
	}
	if stub.refreshedBy != "r1" {
		t.Fatalf("expected refresh with r1, got %q", stub.refreshedBy)
	}
	cookies := cookiesFrom(response)
	if cookies[session.AccessCookieName] == nil || cookies[session.AccessCookieName].Value != "a2" {
		t.Fatalf("expected renewed access cookie")
	}
	if cookies[session.RefreshCookieName] == nil || cookies[session.RefreshCookieName].Value != "r1" {
		t.Fatalf("expected refresh token to be kept")
	}
}

func TestRefreshRouteClearsCookiesOnlyWhenRejected(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		err           error
		expected      int
		expectCleared bool
	}{
		{name: "rejected", err: gateway.StatusError("auth.refresh", http.StatusUnauthorized, ""), expected: http.StatusUnauthorized, expectCleared: true},
		{name: "transient", err: gateway.StatusError("auth.refresh", http.StatusServiceUnavailable, ""), expected: http.StatusServiceUnavailable},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			router := newAuthRouter(t, &stubAuthenticator{refreshErr: testCase.err})
			request := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
			request.AddCookie(&http.Cookie{Name: session.RefreshCookieName, Value: "r1"})
			response := httptest.NewRecorder()
			router.ServeHTTP(response, request)

			if response.Code != testCase.expected {
				t.Fatalf("expected %d, got %d", testCase.expected, response.Code)
			}
			_, cleared := cookiesFrom(response)[session.RefreshCookieName]
			if cleared != testCase.expectCleared {
				t.Fatalf("expected cleared=%v, got %v", testCase.expectCleared, cleared)
			}
		})
	}
}

func TestRefreshRouteWithoutRefreshCookie(t *testing.T) {
	t.Parallel()

	router := newAuthRouter(t, &stubAuthenticator{})
	response := httptest.NewRecorder()
	router.ServeHTTP(response, httptest.NewRequest(http.MethodPost, "/auth/refresh", nil))
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.Code)
	}
}

func TestLogoutRouteClearsCookies(t *testing.T) {
	t.Parallel()

	stub := &stubAuthenticator{}
	router := newAuthRouter(t, stub)

	request := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	request.AddCookie(&http.Cookie{Name: session.AccessCookieName, Value: "a1"})
	response := httptest.NewRecorder()
	router.ServeHTTP(response, request)

	if response.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", response.Code)
	}
	if stub.loggedOut != "a1" {
		t.Fatalf("expected provider logout with a1, got %q", stub.loggedOut)
	}
	for _, name := range []string{session.CombinedCookieName, session.AccessCookieName, session.RefreshCookieName} {
		cookie := cookiesFrom(response)[name]
		if cookie == nil || cookie.MaxAge >= 0 {
			t.Fatalf("expected %s to be expired, got %v", name, cookie)
		}
	}
}

func TestMeRouteReturnsProfile(t *testing.T) {
	t.Parallel()

	stub := &stubAuthenticator{
		grant:   commerce.TokenGrant{AccessToken: "a1"},
		profile: commerce.UserProfile{ID: "u1", DisplayName: "Ada Lovelace", Email: "ada@example.com"},
	}
	router := newAuthRouter(t, stub)

	request := httptest.NewRequest(http.MethodGet, "/me", nil)
	request.Header.Set("Authorization", "Bearer a1")
	response := httptest.NewRecorder()
	router.ServeHTTP(response, request)

	if response.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", response.Code)
	}
	var profile commerce.UserProfile
	if err := json.Unmarshal(response.Body.Bytes(), &profile); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if profile.ID != "u1" || profile.DisplayName != "Ada Lovelace" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	rejected := httptest.NewRequest(http.MethodGet, "/me", nil)
	rejected.Header.Set("Authorization", "Bearer other")
	rejectedResponse := httptest.NewRecorder()
	router.ServeHTTP(rejectedResponse, rejected)
	if rejectedResponse.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign token, got %d", rejectedResponse.Code)
	}
}

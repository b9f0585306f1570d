package session

import (
	"net/http"
	"strings"
	"time"
)

// TransportConfig scopes credential cookies written to HTTP responses.
type TransportConfig struct {
	Domain   string
	Path     string
	Secure   bool
	SameSite http.SameSite
}

func (config TransportConfig) decorate(cookie *http.Cookie) *http.Cookie {
	cookie.Domain = strings.TrimSpace(config.Domain)
	cookie.Path = config.Path
	if cookie.Path == "" {
		cookie.Path = "/"
	}
	cookie.Secure = config.Secure
	cookie.SameSite = config.SameSite
	if cookie.SameSite == 0 {
		cookie.SameSite = http.SameSiteLaxMode
	}
	return cookie
}

// WriteTokenCookies renders the token as Set-Cookie headers. Storefront scripts
// read these cookies, so they are not HttpOnly.
func WriteTokenCookies(writer http.ResponseWriter, config TransportConfig, token SessionToken, now time.Time) error {
	if token.IsEmpty() {
		return ErrEmptyToken
	}
	if err := token.Validate(); err != nil {
		return err
	}
	cookies, err := buildTokenCookies(token, now)
	if err != nil {
		return err
	}
	for _, cookie := range cookies {
		cookie.MaxAge = int(cookie.Expires.Sub(now).Seconds())
		http.SetCookie(writer, config.decorate(cookie))
	}
	return nil
}

// ClearTokenCookies expires every credential cookie on the client.
func ClearTokenCookies(writer http.ResponseWriter, config TransportConfig) {
	for _, name := range credentialCookieNames {
		http.SetCookie(writer, config.decorate(&http.Cookie{
			Name:    name,
			Value:   "",
			MaxAge:  -1,
			Expires: time.Unix(0, 0).UTC(),
		}))
	}
}

// ReadTokenCookies extracts the token from request cookies, preferring the
// combined cookie.
func ReadTokenCookies(request *http.Request) SessionToken {
	return decodeTokenCookies(func(name string) (string, bool) {
		cookie, err := request.Cookie(name)
		if err != nil {
			return "", false
		}
		return cookie.Value, true
	})
}

package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/cartsync/internal/clock"
	"github.com/tyemirov/cartsync/internal/commerce"
	"github.com/tyemirov/cartsync/internal/gateway"
	"github.com/tyemirov/cartsync/internal/notify"
	"github.com/tyemirov/cartsync/internal/session"
	"go.uber.org/zap"
)

// Authenticator is the part of the commerce gateway the auth routes use.
type Authenticator interface {
	SendVerification(ctx context.Context, email string) error
	Verify(ctx context.Context, email string, code string) (commerce.TokenGrant, error)
	RefreshToken(ctx context.Context, refreshToken string) (commerce.TokenGrant, error)
	Logout(ctx context.Context, bearer string) error
	CurrentUser(ctx context.Context, bearer string) (commerce.UserProfile, error)
}

// AuthConfig configures MountAuthRoutes.
type AuthConfig struct {
	Gateway   Authenticator
	Transport session.TransportConfig
	Clock     clock.Clock
	Logger    *zap.Logger
}

// MountAuthRoutes registers /auth/code, /auth/verify, /auth/refresh,
// /auth/logout, and /me. Credentials travel as the storefront token cookies.
func MountAuthRoutes(router gin.IRouter, configuration AuthConfig) {
	if configuration.Clock == nil {
		configuration.Clock = clock.Real()
	}
	if configuration.Logger == nil {
		configuration.Logger = zap.NewNop()
	}
	authenticator := configuration.Gateway

	router.POST("/auth/code", func(contextGin *gin.Context) {
		var inbound struct {
			Email string `json:"email"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, failure("A valid email is required"))
			return
		}
		if err := authenticator.SendVerification(contextGin.Request.Context(), strings.TrimSpace(inbound.Email)); err != nil {
			abortWithGatewayError(contextGin, configuration.Logger, "auth.code", err)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.POST("/auth/verify", func(contextGin *gin.Context) {
		var inbound struct {
			Email string `json:"email"`
			Code  string `json:"code"`
		}
		if err := contextGin.BindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || strings.TrimSpace(inbound.Code) == "" {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, failure("Email and code are required"))
			return
		}
		grant, err := authenticator.Verify(contextGin.Request.Context(), strings.TrimSpace(inbound.Email), strings.TrimSpace(inbound.Code))
		if err != nil {
			abortWithGatewayError(contextGin, configuration.Logger, "auth.verify", err)
			return
		}
		token := session.SessionToken{AccessToken: grant.AccessToken, RefreshToken: grant.RefreshToken, ExpiresAt: grant.ExpiresAt}
		if err := session.WriteTokenCookies(contextGin.Writer, configuration.Transport, token, configuration.Clock.Now()); err != nil {
			configuration.Logger.Error("token cookies not written", zap.String("code", "auth.verify.cookies"), zap.Error(err))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"success": true, "expires_at": token.ExpiresAt})
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		current := session.ReadTokenCookies(contextGin.Request)
		if !current.HasRefresh() {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, failure(messageMissingCredential))
			return
		}
		grant, err := authenticator.RefreshToken(contextGin.Request.Context(), current.RefreshToken)
		if err != nil {
			if errors.Is(err, gateway.ErrCredentialRejected) {
				session.ClearTokenCookies(contextGin.Writer, configuration.Transport)
			}
			abortWithGatewayError(contextGin, configuration.Logger, "auth.refresh", err)
			return
		}
		renewed := session.SessionToken{AccessToken: grant.AccessToken, RefreshToken: grant.RefreshToken, ExpiresAt: grant.ExpiresAt}
		if renewed.RefreshToken == "" {
			renewed.RefreshToken = current.RefreshToken
		}
		if err := session.WriteTokenCookies(contextGin.Writer, configuration.Transport, renewed, configuration.Clock.Now()); err != nil {
			configuration.Logger.Error("token cookies not written", zap.String("code", "auth.refresh.cookies"), zap.Error(err))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.POST("/auth/logout", func(contextGin *gin.Context) {
		current := session.ReadTokenCookies(contextGin.Request)
		if current.AccessToken != "" {
			if err := authenticator.Logout(contextGin.Request.Context(), current.AccessToken); err != nil {
				configuration.Logger.Warn("provider logout failed", zap.String("code", "auth.logout"), zap.Error(err))
			}
		}
		session.ClearTokenCookies(contextGin.Writer, configuration.Transport)
		contextGin.Status(http.StatusNoContent)
	})

	router.GET("/me", func(contextGin *gin.Context) {
		bearer := credentialFrom(contextGin.Request)
		if bearer == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, failure(messageMissingCredential))
			return
		}
		profile, err := authenticator.CurrentUser(contextGin.Request.Context(), bearer)
		if err != nil {
			abortWithGatewayError(contextGin, configuration.Logger, "auth.me", err)
			return
		}
		contextGin.JSON(http.StatusOK, profile)
	})
}

func abortWithGatewayError(contextGin *gin.Context, logger *zap.Logger, code string, err error) {
	status := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, gateway.ErrCredentialRejected):
		status = http.StatusUnauthorized
	case errors.Is(err, gateway.ErrValidation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, gateway.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusServiceUnavailable {
		logger.Warn("gateway call failed", zap.String("code", code), zap.Error(err))
	}
	contextGin.AbortWithStatusJSON(status, failure(notify.MessageFor(err)))
}

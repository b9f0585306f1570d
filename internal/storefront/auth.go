package storefront

import (
	"context"
	"fmt"
	"strings"

	"github.com/tyemirov/cartsync/internal/commerce"
	"github.com/tyemirov/cartsync/internal/gateway"
	"github.com/tyemirov/cartsync/internal/notify"
	"go.uber.org/zap"
)

const (
	messageCodeSent  = "Verification code sent"
	messageSignedIn  = "Signed in"
	messageSignedUp  = "Account created"
	messageSignedOut = "Signed out"
)

// SendVerification asks the provider to email a one-time code.
func (storefront *Session) SendVerification(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if err := storefront.gateway.SendVerification(ctx, email); err != nil {
		storefront.sink.Notify(notify.Failure(err, "auth.send_verification"))
		return fmt.Errorf("storefront.send_verification: %w", err)
	}
	storefront.sink.Notify(notify.Info(messageCodeSent, "auth.send_verification"))
	return nil
}

// Verify exchanges the emailed code for a session.
func (storefront *Session) Verify(ctx context.Context, email string, code string) error {
	grant, err := storefront.gateway.Verify(ctx, strings.TrimSpace(email), strings.TrimSpace(code))
	if err != nil {
		storefront.sink.Notify(notify.Failure(err, "auth.verify"))
		return fmt.Errorf("storefront.verify: %w", err)
	}
	return storefront.signIn(ctx, grant, messageSignedIn, "auth.verify")
}

// Register creates an account and signs it in.
func (storefront *Session) Register(ctx context.Context, request gateway.RegisterRequest) error {
	grant, err := storefront.gateway.Register(ctx, request)
	if err != nil {
		storefront.sink.Notify(notify.Failure(err, "auth.register"))
		return fmt.Errorf("storefront.register: %w", err)
	}
	return storefront.signIn(ctx, grant, messageSignedUp, "auth.register")
}

// Logout commits pending mutations, tells the provider, and clears every
// stored credential and cached entry. A failed provider call does not keep
// the visitor signed in locally.
func (storefront *Session) Logout(ctx context.Context) error {
	storefront.coordinator.Flush()
	if bearer, err := storefront.bearer(ctx); err == nil && bearer != "" {
		if logoutErr := storefront.gateway.Logout(ctx, bearer); logoutErr != nil {
			storefront.logger.Warn("provider logout failed",
				zap.String("code", "storefront.logout"),
				zap.Error(logoutErr),
			)
		}
	}
	if err := storefront.flow.SignOut(ctx); err != nil {
		storefront.sink.Notify(notify.Failure(err, "auth.logout"))
		return fmt.Errorf("storefront.logout: %w", err)
	}
	storefront.users.Reset()
	storefront.carts.Reset()
	storefront.intents.reset()
	storefront.emitCart(commerce.CartSnapshot{})
	storefront.sink.Notify(notify.Success(messageSignedOut, "auth.logout"))
	return nil
}

func (storefront *Session) signIn(ctx context.Context, grant commerce.TokenGrant, message string, code string) error {
	if err := storefront.flow.SignIn(ctx, grant, nil); err != nil {
		storefront.sink.Notify(notify.Failure(err, code))
		return fmt.Errorf("storefront.sign_in: %w", err)
	}
	storefront.users.Invalidate(userCacheKey)
	storefront.carts.Invalidate(cartCacheKey)
	if _, err := storefront.Cart(ctx, false); err != nil {
		storefront.logger.Warn("cart reload after sign-in failed",
			zap.String("code", "storefront.sign_in"),
			zap.Error(err),
		)
	}
	storefront.sink.Notify(notify.Success(message, code))
	return nil
}

// Package gateway is the boundary to the remote commerce platform. Every
// response is normalized here into commerce types and classified into one of
// the failure classes before anything else sees it.
package gateway

import (
	"context"

	"github.com/tyemirov/cartsync/internal/commerce"
)

// AddItemRequest adds a product to the cart.
type AddItemRequest struct {
	CartID    string
	ProductID string
	Quantity  int
	Options   map[string]any
}

// RegisterRequest creates a customer account.
type RegisterRequest struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	Code        string `json:"code,omitempty"`
}

// Gateway is the commerce platform contract. Cart writes return the cart the
// provider sent back, or nil when the response carried no cart.
type Gateway interface {
	LatestCart(ctx context.Context, bearer string) (commerce.CartSnapshot, error)
	AddItem(ctx context.Context, bearer string, request AddItemRequest) (*commerce.CartSnapshot, error)
	UpdateItemQuantity(ctx context.Context, bearer string, cartID string, itemID string, quantity int) (*commerce.CartSnapshot, error)
	RemoveItem(ctx context.Context, bearer string, cartID string, itemID string) (*commerce.CartSnapshot, error)
	ApplyCoupon(ctx context.Context, bearer string, cartID string, code string) (*commerce.CartSnapshot, error)
	RemoveCoupon(ctx context.Context, bearer string, cartID string) (*commerce.CartSnapshot, error)

	CurrentUser(ctx context.Context, bearer string) (commerce.UserProfile, error)
	SendVerification(ctx context.Context, email string) error
	Verify(ctx context.Context, email string, code string) (commerce.TokenGrant, error)
	Register(ctx context.Context, request RegisterRequest) (commerce.TokenGrant, error)
	RefreshToken(ctx context.Context, refreshToken string) (commerce.TokenGrant, error)
	Logout(ctx context.Context, bearer string) error
}

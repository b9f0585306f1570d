package storefront

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tyemirov/cartsync/internal/broadcast"
	"github.com/tyemirov/cartsync/internal/commerce"
	"github.com/tyemirov/cartsync/internal/gateway"
	"github.com/tyemirov/cartsync/internal/mutation"
)

const (
	messageItemAdded     = "Added to cart"
	messageItemRemoved   = "Item removed from cart"
	messageCouponApplied = "Coupon applied"
	messageCouponRemoved = "Coupon removed"
	messageCartCleared   = "Cart cleared"
)

// SetQuantity sets a line's quantity. The view changes immediately; the
// provider sees only the last quantity requested within the debounce window.
func (storefront *Session) SetQuantity(ctx context.Context, lineID string, quantity int) (*mutation.Ticket, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("storefront.set_quantity: %w", ErrInvalidQuantity)
	}
	cart, err := storefront.Cart(ctx, false)
	if err != nil {
		return nil, err
	}
	if _, ok := cart.Line(lineID); !ok {
		return nil, fmt.Errorf("storefront.set_quantity.%s: %w", lineID, ErrLineNotFound)
	}
	return storefront.coordinator.Mutate(mutation.Request{
		EntityID:     lineID,
		Operation:    mutation.OperationQuantity,
		DesiredValue: quantity,
		Apply: func() mutation.UndoFunc {
			restoreIntent := storefront.intents.setQuantity(lineID, quantity)
			previous := 0
			storefront.updateCart(func(current commerce.CartSnapshot) commerce.CartSnapshot {
				line, ok := current.Line(lineID)
				if !ok {
					return current
				}
				previous = line.Quantity
				return current.WithQuantity(lineID, quantity)
			})
			return func() {
				restoreIntent()
				if previous == 0 {
					return
				}
				storefront.updateCart(func(current commerce.CartSnapshot) commerce.CartSnapshot {
					if _, ok := current.Line(lineID); !ok {
						return current
					}
					return current.WithQuantity(lineID, previous)
				})
			}
		},
		Commit: func(ctx context.Context, desired any) (any, error) {
			target, _ := desired.(int)
			result, commitErr := authorized(ctx, storefront, func(ctx context.Context, bearer string) (*commerce.CartSnapshot, error) {
				return storefront.gateway.UpdateItemQuantity(ctx, bearer, cart.CartID, lineID, target)
			})
			if commitErr == nil || errors.Is(commitErr, gateway.ErrNotFound) {
				storefront.intents.settleQuantity(lineID, target)
			}
			return result, commitErr
		},
		CacheKey: cartCacheKey,
		Topic:    broadcast.TopicCart,
		Confirm:  storefront.reconcile,
		Revert:   storefront.currentCart,
	}), nil
}

// Increment raises a line's quantity by one.
func (storefront *Session) Increment(ctx context.Context, lineID string) (*mutation.Ticket, error) {
	line, err := storefront.line(ctx, lineID)
	if err != nil {
		return nil, err
	}
	return storefront.SetQuantity(ctx, lineID, line.Quantity+1)
}

// Decrement lowers a line's quantity by one. At quantity one it does nothing;
// removing a line is RemoveItem's job.
func (storefront *Session) Decrement(ctx context.Context, lineID string) (*mutation.Ticket, error) {
	line, err := storefront.line(ctx, lineID)
	if err != nil {
		return nil, err
	}
	if line.Quantity <= 1 {
		return mutation.Resolved(nil, nil), nil
	}
	return storefront.SetQuantity(ctx, lineID, line.Quantity-1)
}

// RemoveItem removes a line. Pending quantity changes for the line are
// canceled first so they never fire against a removed line.
func (storefront *Session) RemoveItem(ctx context.Context, lineID string) (*mutation.Ticket, error) {
	cart, err := storefront.Cart(ctx, false)
	if err != nil {
		return nil, err
	}
	if _, ok := cart.Line(lineID); !ok {
		return nil, fmt.Errorf("storefront.remove_item.%s: %w", lineID, ErrLineNotFound)
	}
	storefront.coordinator.CancelEntity(lineID)
	return storefront.coordinator.Mutate(mutation.Request{
		EntityID:     lineID,
		Operation:    mutation.OperationRemove,
		DesiredValue: lineID,
		Apply: func() mutation.UndoFunc {
			storefront.intents.markRemoved(lineID)
			removed, index := commerce.CartLine{}, -1
			storefront.updateCart(func(current commerce.CartSnapshot) commerce.CartSnapshot {
				for position, line := range current.Items {
					if line.ID == lineID {
						removed, index = line, position
					}
				}
				if index < 0 {
					return current
				}
				return current.Without(lineID)
			})
			return func() {
				if index < 0 {
					return
				}
				storefront.updateCart(func(current commerce.CartSnapshot) commerce.CartSnapshot {
					return insertLine(current, removed, index)
				})
			}
		},
		Commit: func(ctx context.Context, _ any) (any, error) {
			defer storefront.intents.settleRemoval(lineID)
			return authorized(ctx, storefront, func(ctx context.Context, bearer string) (*commerce.CartSnapshot, error) {
				return storefront.gateway.RemoveItem(ctx, bearer, cart.CartID, lineID)
			})
		},
		CacheKey:       cartCacheKey,
		Topic:          broadcast.TopicCart,
		Confirm:        storefront.reconcile,
		Revert:         storefront.currentCart,
		SuccessMessage: messageItemRemoved,
	}), nil
}

// AddItem adds units of a product. Rapid adds of the same product are sent as
// one request carrying their sum.
func (storefront *Session) AddItem(ctx context.Context, productID string, quantity int) (*mutation.Ticket, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, fmt.Errorf("storefront.add_item: %w", ErrInvalidProduct)
	}
	if quantity < 1 {
		return nil, fmt.Errorf("storefront.add_item: %w", ErrInvalidQuantity)
	}
	cart, err := storefront.Cart(ctx, false)
	if err != nil {
		return nil, err
	}
	storefront.intents.addUnits(productID, quantity)
	return storefront.coordinator.Mutate(mutation.Request{
		EntityID:     productID,
		Operation:    mutation.OperationAdd,
		DesiredValue: quantity,
		Apply: func() mutation.UndoFunc {
			storefront.updateCart(func(current commerce.CartSnapshot) commerce.CartSnapshot {
				return current.WithLine(commerce.CartLine{ID: "pending-" + productID, ProductID: productID, Quantity: quantity})
			})
			return func() {
				storefront.updateCart(func(current commerce.CartSnapshot) commerce.CartSnapshot {
					return withoutUnits(current, productID, quantity)
				})
			}
		},
		Commit: func(ctx context.Context, _ any) (any, error) {
			units := storefront.intents.takeUnits(productID)
			if units == 0 {
				return nil, nil
			}
			return authorized(ctx, storefront, func(ctx context.Context, bearer string) (*commerce.CartSnapshot, error) {
				return storefront.gateway.AddItem(ctx, bearer, gateway.AddItemRequest{CartID: cart.CartID, ProductID: productID, Quantity: units})
			})
		},
		CacheKey:       cartCacheKey,
		Topic:          broadcast.TopicCart,
		Confirm:        storefront.reconcile,
		Revert:         storefront.currentCart,
		SuccessMessage: messageItemAdded,
	}), nil
}

// ApplyCoupon applies a coupon code. Nothing changes locally until the
// provider accepts it; a rejected code is reported through the sink.
func (storefront *Session) ApplyCoupon(ctx context.Context, code string) (*mutation.Ticket, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("storefront.apply_coupon: %w", ErrEmptyCoupon)
	}
	cart, err := storefront.Cart(ctx, false)
	if err != nil {
		return nil, err
	}
	return storefront.coordinator.Mutate(mutation.Request{
		EntityID:     cartEntity(cart),
		Operation:    mutation.OperationApplyCoupon,
		DesiredValue: code,
		Commit: func(ctx context.Context, desired any) (any, error) {
			coupon, _ := desired.(string)
			return authorized(ctx, storefront, func(ctx context.Context, bearer string) (*commerce.CartSnapshot, error) {
				return storefront.gateway.ApplyCoupon(ctx, bearer, cart.CartID, coupon)
			})
		},
		CacheKey:       cartCacheKey,
		Topic:          broadcast.TopicCart,
		Confirm:        storefront.reconcile,
		SuccessMessage: messageCouponApplied,
	}), nil
}

// RemoveCoupon drops the applied coupon and its discount.
func (storefront *Session) RemoveCoupon(ctx context.Context) (*mutation.Ticket, error) {
	cart, err := storefront.Cart(ctx, false)
	if err != nil {
		return nil, err
	}
	return storefront.coordinator.Mutate(mutation.Request{
		EntityID:  cartEntity(cart),
		Operation: mutation.OperationRemoveCoupon,
		Apply: func() mutation.UndoFunc {
			var previous commerce.CartSummary
			storefront.updateCart(func(current commerce.CartSnapshot) commerce.CartSnapshot {
				previous = current.Summary
				next := current.Clone()
				next.Summary.Coupon = ""
				next.Summary.Discount = 0
				return next.Recompute()
			})
			return func() {
				storefront.updateCart(func(current commerce.CartSnapshot) commerce.CartSnapshot {
					next := current.Clone()
					next.Summary.Coupon = previous.Coupon
					next.Summary.Discount = previous.Discount
					return next.Recompute()
				})
			}
		},
		Commit: func(ctx context.Context, _ any) (any, error) {
			return authorized(ctx, storefront, func(ctx context.Context, bearer string) (*commerce.CartSnapshot, error) {
				return storefront.gateway.RemoveCoupon(ctx, bearer, cart.CartID)
			})
		},
		CacheKey:       cartCacheKey,
		Topic:          broadcast.TopicCart,
		Confirm:        storefront.reconcile,
		Revert:         storefront.currentCart,
		SuccessMessage: messageCouponRemoved,
	}), nil
}

// ClearCart removes every line, one provider call per line.
func (storefront *Session) ClearCart(ctx context.Context) (*mutation.Ticket, error) {
	cart, err := storefront.Cart(ctx, false)
	if err != nil {
		return nil, err
	}
	lineIDs := make([]string, 0, cart.Count())
	for _, line := range cart.Items {
		lineIDs = append(lineIDs, line.ID)
		storefront.coordinator.CancelEntity(line.ID)
	}
	return storefront.coordinator.Mutate(mutation.Request{
		EntityID:  cartEntity(cart),
		Operation: mutation.OperationClear,
		Apply: func() mutation.UndoFunc {
			for _, lineID := range lineIDs {
				storefront.intents.markRemoved(lineID)
			}
			var previous []commerce.CartLine
			storefront.updateCart(func(current commerce.CartSnapshot) commerce.CartSnapshot {
				previous = current.Items
				next := current.Clone()
				next.Items = nil
				return next.Recompute()
			})
			return func() {
				storefront.updateCart(func(current commerce.CartSnapshot) commerce.CartSnapshot {
					restored := current
					for index, line := range previous {
						restored = insertLine(restored, line, index)
					}
					return restored
				})
			}
		},
		Commit: func(ctx context.Context, _ any) (any, error) {
			defer func() {
				for _, lineID := range lineIDs {
					storefront.intents.settleRemoval(lineID)
				}
			}()
			var last *commerce.CartSnapshot
			for _, lineID := range lineIDs {
				result, removeErr := authorized(ctx, storefront, func(ctx context.Context, bearer string) (*commerce.CartSnapshot, error) {
					return storefront.gateway.RemoveItem(ctx, bearer, cart.CartID, lineID)
				})
				if removeErr != nil && !errors.Is(removeErr, gateway.ErrNotFound) {
					return nil, removeErr
				}
				if result != nil {
					last = result
				}
			}
			return last, nil
		},
		CacheKey:       cartCacheKey,
		Topic:          broadcast.TopicCart,
		Confirm:        storefront.reconcile,
		Revert:         storefront.currentCart,
		SuccessMessage: messageCartCleared,
	}), nil
}

func (storefront *Session) line(ctx context.Context, lineID string) (commerce.CartLine, error) {
	cart, err := storefront.Cart(ctx, false)
	if err != nil {
		return commerce.CartLine{}, err
	}
	line, ok := cart.Line(lineID)
	if !ok {
		return commerce.CartLine{}, fmt.Errorf("storefront.line.%s: %w", lineID, ErrLineNotFound)
	}
	return line, nil
}

// cartEntity keys cart-wide operations.
func cartEntity(cart commerce.CartSnapshot) string {
	if cart.CartID != "" {
		return cart.CartID
	}
	return cartCacheKey
}

// insertLine puts line back at index unless a line with its id is present.
func insertLine(snapshot commerce.CartSnapshot, line commerce.CartLine, index int) commerce.CartSnapshot {
	if _, present := snapshot.Line(line.ID); present {
		return snapshot
	}
	next := snapshot.Clone()
	if index > len(next.Items) {
		index = len(next.Items)
	}
	next.Items = append(next.Items, commerce.CartLine{})
	copy(next.Items[index+1:], next.Items[index:])
	next.Items[index] = line
	return next.Recompute()
}

// withoutUnits takes units of productID back out of the view.
func withoutUnits(snapshot commerce.CartSnapshot, productID string, units int) commerce.CartSnapshot {
	for _, line := range snapshot.Items {
		if line.ProductID != productID {
			continue
		}
		if line.Quantity-units < 1 {
			return snapshot.Without(line.ID)
		}
		return snapshot.WithQuantity(line.ID, line.Quantity-units)
	}
	return snapshot
}

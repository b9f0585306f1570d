// Package commerce holds the normalized storefront entities shared by the
// gateway, the state cache, and the mutation pipeline.
package commerce

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// DefaultAvatarURL is shown for customers without a profile picture.
const DefaultAvatarURL = "https://cdn.assets.salla.network/prod/stores/themes/default/assets/images/avatar_male.png"

// DefaultDisplayName is used when the provider returns no name.
const DefaultDisplayName = "User"

// UserProfile is the cached view of the signed-in customer.
type UserProfile struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	Email       string    `json:"email"`
	LastUpdated time.Time `json:"last_updated"`
}

// DisplayNameFrom joins first and last name, falling back to DefaultDisplayName.
func DisplayNameFrom(firstName string, lastName string) string {
	joined := strings.TrimSpace(strings.TrimSpace(firstName) + " " + strings.TrimSpace(lastName))
	if joined == "" {
		return DefaultDisplayName
	}
	return joined
}

// CartLine is one product line in the cart. The line total is always derived.
type CartLine struct {
	ID        string  `json:"id"`
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
}

// LineTotal returns UnitPrice × Quantity.
func (line CartLine) LineTotal() float64 {
	return roundCents(line.UnitPrice * float64(line.Quantity))
}

// MarshalJSON emits line_total for consumers; it is ignored on decode.
func (line CartLine) MarshalJSON() ([]byte, error) {
	type plain CartLine
	return json.Marshal(struct {
		plain
		LineTotal float64 `json:"line_total"`
	}{plain: plain(line), LineTotal: line.LineTotal()})
}

// CartSummary holds the cart totals.
type CartSummary struct {
	Subtotal float64 `json:"subtotal"`
	Discount float64 `json:"discount"`
	Total    float64 `json:"total"`
	Currency string  `json:"currency,omitempty"`
	Coupon   string  `json:"coupon,omitempty"`
}

// CartSnapshot is an immutable view of the cart. Helpers return modified copies.
type CartSnapshot struct {
	CartID      string      `json:"cart_id"`
	Items       []CartLine  `json:"items"`
	Summary     CartSummary `json:"summary"`
	LastUpdated time.Time   `json:"last_updated"`
}

// Count returns the number of lines in the cart.
func (snapshot CartSnapshot) Count() int {
	return len(snapshot.Items)
}

// Units returns the total quantity across all lines.
func (snapshot CartSnapshot) Units() int {
	total := 0
	for _, line := range snapshot.Items {
		total += line.Quantity
	}
	return total
}

// Line looks up a line by its id.
func (snapshot CartSnapshot) Line(lineID string) (CartLine, bool) {
	for _, line := range snapshot.Items {
		if line.ID == lineID {
			return line, true
		}
	}
	return CartLine{}, false
}

// Clone returns a deep copy.
func (snapshot CartSnapshot) Clone() CartSnapshot {
	clone := snapshot
	if snapshot.Items != nil {
		clone.Items = make([]CartLine, len(snapshot.Items))
		copy(clone.Items, snapshot.Items)
	}
	return clone
}

// WithQuantity returns a copy with the line's quantity replaced.
func (snapshot CartSnapshot) WithQuantity(lineID string, quantity int) CartSnapshot {
	clone := snapshot.Clone()
	for index := range clone.Items {
		if clone.Items[index].ID == lineID {
			clone.Items[index].Quantity = quantity
		}
	}
	return clone.Recompute()
}

// Without returns a copy with the line removed.
func (snapshot CartSnapshot) Without(lineID string) CartSnapshot {
	clone := snapshot.Clone()
	kept := clone.Items[:0]
	for _, line := range clone.Items {
		if line.ID != lineID {
			kept = append(kept, line)
		}
	}
	clone.Items = kept
	return clone.Recompute()
}

// WithLine returns a copy with the line appended, or merged into an existing
// line for the same product.
func (snapshot CartSnapshot) WithLine(line CartLine) CartSnapshot {
	clone := snapshot.Clone()
	for index := range clone.Items {
		if line.ProductID != "" && clone.Items[index].ProductID == line.ProductID {
			clone.Items[index].Quantity += line.Quantity
			return clone.Recompute()
		}
	}
	clone.Items = append(clone.Items, line)
	return clone.Recompute()
}

// Recompute derives the subtotal and total from the lines.
func (snapshot CartSnapshot) Recompute() CartSnapshot {
	subtotal := 0.0
	for _, line := range snapshot.Items {
		subtotal += line.LineTotal()
	}
	snapshot.Summary.Subtotal = roundCents(subtotal)
	total := snapshot.Summary.Subtotal - snapshot.Summary.Discount
	if total < 0 {
		total = 0
	}
	snapshot.Summary.Total = roundCents(total)
	return snapshot
}

// Equivalent reports whether two snapshots describe the same cart contents,
// ignoring LastUpdated.
func (snapshot CartSnapshot) Equivalent(other CartSnapshot) bool {
	if snapshot.CartID != other.CartID || len(snapshot.Items) != len(other.Items) {
		return false
	}
	for index := range snapshot.Items {
		if snapshot.Items[index] != other.Items[index] {
			return false
		}
	}
	return snapshot.Summary == other.Summary
}

// TokenGrant is a normalized credential response from the provider.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

func roundCents(value float64) float64 {
	return math.Round(value*100) / 100
}

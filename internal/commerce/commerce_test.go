package commerce

import (
	"encoding/json"
	"strings"
	"testing"
)

func sampleCart() CartSnapshot {
	return CartSnapshot{
		CartID: "cart-1",
		Items: []CartLine{
			{ID: "A1", ProductID: "p-1", Name: "Dates", UnitPrice: 120, Quantity: 3},
			{ID: "B2", ProductID: "p-2", Name: "Coffee", UnitPrice: 45.5, Quantity: 1},
		},
	}.Recompute()
}

func TestLineTotalIsDerived(t *testing.T) {
	t.Parallel()
	cart := sampleCart().WithQuantity("A1", 2)
	line, ok := cart.Line("A1")
	if !ok {
		t.Fatalf("expected line A1")
	}
	if line.LineTotal() != 240 {
		t.Fatalf("expected line total 240, got %v", line.LineTotal())
	}
	if cart.Summary.Subtotal != 285.5 {
		t.Fatalf("expected subtotal 285.5, got %v", cart.Summary.Subtotal)
	}
}

func TestHelpersDoNotMutateOriginal(t *testing.T) {
	t.Parallel()
	original := sampleCart()
	_ = original.WithQuantity("A1", 9)
	_ = original.Without("B2")
	if line, _ := original.Line("A1"); line.Quantity != 3 {
		t.Fatalf("original quantity changed to %d", line.Quantity)
	}
	if original.Count() != 2 {
		t.Fatalf("original lost a line")
	}
}

func TestWithLineMergesSameProduct(t *testing.T) {
	t.Parallel()
	cart := sampleCart().WithLine(CartLine{ID: "tmp", ProductID: "p-1", UnitPrice: 120, Quantity: 2})
	if cart.Count() != 2 {
		t.Fatalf("expected merge into existing line, got %d lines", cart.Count())
	}
	if line, _ := cart.Line("A1"); line.Quantity != 5 {
		t.Fatalf("expected quantity 5, got %d", line.Quantity)
	}
	if cart.Units() != 6 {
		t.Fatalf("expected 6 units, got %d", cart.Units())
	}
}

func TestRecomputeAppliesDiscount(t *testing.T) {
	t.Parallel()
	cart := sampleCart()
	cart.Summary.Discount = 500
	cart = cart.Recompute()
	if cart.Summary.Total != 0 {
		t.Fatalf("expected total clamped to zero, got %v", cart.Summary.Total)
	}
}

func TestCartLineJSONIncludesDerivedTotal(t *testing.T) {
	t.Parallel()
	encoded, err := json.Marshal(CartLine{ID: "A1", UnitPrice: 120, Quantity: 2})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(encoded), `"line_total":240`) {
		t.Fatalf("expected line_total in %s", encoded)
	}
	var decoded CartLine
	if err := json.Unmarshal([]byte(`{"id":"A1","unit_price":10,"quantity":2,"line_total":999}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.LineTotal() != 20 {
		t.Fatalf("decoded line total must be recomputed, got %v", decoded.LineTotal())
	}
}

func TestDisplayNameFrom(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		first, last, expected string
	}{
		{"Sara", "Ali", "Sara Ali"},
		{"Sara", "", "Sara"},
		{"", "", DefaultDisplayName},
		{"  ", " Ali ", "Ali"},
	}
	for _, testCase := range testCases {
		if got := DisplayNameFrom(testCase.first, testCase.last); got != testCase.expected {
			t.Fatalf("DisplayNameFrom(%q,%q)=%q, expected %q", testCase.first, testCase.last, got, testCase.expected)
		}
	}
}

func TestEquivalentIgnoresTimestamp(t *testing.T) {
	t.Parallel()
	left := sampleCart()
	right := sampleCart().Clone()
	right.LastUpdated = left.LastUpdated.Add(1)
	if !left.Equivalent(right) {
		t.Fatalf("expected snapshots to be equivalent")
	}
	if left.Equivalent(right.WithQuantity("A1", 1)) {
		t.Fatalf("expected quantity change to break equivalence")
	}
}

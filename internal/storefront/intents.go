package storefront

import (
	"sync"

	"github.com/tyemirov/cartsync/internal/commerce"
)

// intents tracks optimistic cart changes that have not been confirmed yet, so
// a snapshot loaded from the provider mid-burst does not hide them.
type intents struct {
	mutex      sync.Mutex
	quantities map[string]int
	removals   map[string]int
	additions  map[string]int
}

func newIntents() *intents {
	return &intents{
		quantities: make(map[string]int),
		removals:   make(map[string]int),
		additions:  make(map[string]int),
	}
}

// setQuantity records the desired quantity and returns a function restoring
// the previous intent.
func (tracker *intents) setQuantity(lineID string, quantity int) func() {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	previous, had := tracker.quantities[lineID]
	tracker.quantities[lineID] = quantity
	return func() {
		tracker.mutex.Lock()
		defer tracker.mutex.Unlock()
		if had {
			tracker.quantities[lineID] = previous
			return
		}
		delete(tracker.quantities, lineID)
	}
}

// settleQuantity drops the intent once quantity was committed, unless a newer
// intent replaced it meanwhile.
func (tracker *intents) settleQuantity(lineID string, quantity int) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	if current, ok := tracker.quantities[lineID]; ok && current == quantity {
		delete(tracker.quantities, lineID)
	}
}

// markRemoved hides lineID until settleRemoval runs for it.
func (tracker *intents) markRemoved(lineID string) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracker.removals[lineID]++
	delete(tracker.quantities, lineID)
}

func (tracker *intents) settleRemoval(lineID string) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	if tracker.removals[lineID] <= 1 {
		delete(tracker.removals, lineID)
		return
	}
	tracker.removals[lineID]--
}

func (tracker *intents) addUnits(productID string, units int) {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracker.additions[productID] += units
}

// takeUnits returns and resets the units requested for productID.
func (tracker *intents) takeUnits(productID string) int {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	units := tracker.additions[productID]
	delete(tracker.additions, productID)
	return units
}

func (tracker *intents) reset() {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	tracker.quantities = make(map[string]int)
	tracker.removals = make(map[string]int)
	tracker.additions = make(map[string]int)
}

// overlay layers pending intents over a provider snapshot.
func (tracker *intents) overlay(snapshot commerce.CartSnapshot) commerce.CartSnapshot {
	tracker.mutex.Lock()
	defer tracker.mutex.Unlock()
	if len(tracker.quantities) == 0 && len(tracker.removals) == 0 {
		return snapshot
	}
	result := snapshot
	for lineID := range tracker.removals {
		if _, present := result.Line(lineID); present {
			result = result.Without(lineID)
		}
	}
	for lineID, quantity := range tracker.quantities {
		if line, present := result.Line(lineID); present && line.Quantity != quantity {
			result = result.WithQuantity(lineID, quantity)
		}
	}
	return result
}

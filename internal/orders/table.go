package orders

import (
	"slices"
	"sync"

	"github.com/coachpo/optiongate/internal/domain/schema"
)

// table is the live order set. Entries are values so every read hands out a copy.
type table struct {
	mu     sync.RWMutex
	orders map[uint64]schema.Order
}

func newTable() *table {
	return &table{
		mu:     sync.RWMutex{},
		orders: make(map[uint64]schema.Order),
	}
}

func (t *table) insert(order schema.Order) {
	t.mu.Lock()
	t.orders[order.ClientID] = order
	t.mu.Unlock()
}

// replace overwrites an existing entry. Cleared entries stay cleared.
func (t *table) replace(order schema.Order) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.orders[order.ClientID]; !ok {
		return false
	}
	t.orders[order.ClientID] = order
	return true
}

func (t *table) get(id uint64) (schema.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	order, ok := t.orders[id]
	return order, ok
}

// list returns every order sorted by client id.
func (t *table) list() []schema.Order {
	t.mu.RLock()
	out := make([]schema.Order, 0, len(t.orders))
	for _, order := range t.orders {
		out = append(out, order)
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b schema.Order) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (t *table) clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.orders)
	t.orders = make(map[uint64]schema.Order)
	return n
}

// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"

	"github.com/coachpo/optiongate/internal/domain/schema"
)

// Query scopes journal lookups.
type Query struct {
	Symbol string         `json:"symbol,omitempty"`
	States []schema.State `json:"states,omitempty"`
	Kinds  []schema.Kind  `json:"kinds,omitempty"`
	Limit  int            `json:"limit,omitempty"`
}

// Matches reports whether the order satisfies the symbol, state and kind filters.
func (q Query) Matches(order schema.Order) bool {
	if q.Symbol != "" && order.Symbol.String() != q.Symbol {
		return false
	}
	if len(q.States) > 0 && !contains(q.States, order.State) {
		return false
	}
	if len(q.Kinds) > 0 && !contains(q.Kinds, order.Kind) {
		return false
	}
	return true
}

func contains[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Journal records every delivered order transition. Record is an upsert keyed
// by the order's client id so the journal always holds the latest snapshot.
type Journal interface {
	Record(ctx context.Context, order schema.Order) error
	List(ctx context.Context, query Query) ([]schema.Order, error)
}

// Package memory provides an in-process order journal.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/coachpo/optiongate/internal/domain/orderstore"
	"github.com/coachpo/optiongate/internal/domain/schema"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	sweepInterval    = 30 * time.Second
)

// Journal is a memory-backed orderstore.Journal.
type Journal struct {
	mu        sync.RWMutex
	records   map[uint64]entry
	retention time.Duration
	now       func() time.Time
	shutdown  chan struct{}
	closeOnce sync.Once
}

type entry struct {
	order     schema.Order
	updatedAt time.Time
}

var _ orderstore.Journal = (*Journal)(nil)

// NewJournal creates a journal. A positive retention prunes settled orders
// that have not changed for that long.
func NewJournal(retention time.Duration) *Journal {
	j := &Journal{
		mu:        sync.RWMutex{},
		records:   make(map[uint64]entry),
		retention: retention,
		now:       time.Now,
		shutdown:  make(chan struct{}),
		closeOnce: sync.Once{},
	}
	if retention > 0 {
		go j.sweepExpired()
	}
	return j
}

// Record stores the latest snapshot of the order.
func (j *Journal) Record(ctx context.Context, order schema.Order) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return fmt.Errorf("memory journal record context: %w", ctx.Err())
		default:
		}
	}
	if order.ClientID == 0 {
		return fmt.Errorf("memory journal: client id required")
	}
	j.mu.Lock()
	j.records[order.ClientID] = entry{order: order, updatedAt: j.now()}
	j.mu.Unlock()
	return nil
}

// List returns matching orders, newest client id first.
func (j *Journal) List(ctx context.Context, query orderstore.Query) ([]schema.Order, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("memory journal list context: %w", ctx.Err())
		default:
		}
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	j.mu.RLock()
	out := make([]schema.Order, 0, len(j.records))
	for _, e := range j.records {
		if query.Matches(e.order) {
			out = append(out, e.order)
		}
	}
	j.mu.RUnlock()

	slices.SortFunc(out, func(a, b schema.Order) int {
		switch {
		case a.ClientID > b.ClientID:
			return -1
		case a.ClientID < b.ClientID:
			return 1
		default:
			return 0
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports the number of journaled orders.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records)
}

// Close stops background maintenance routines.
func (j *Journal) Close() {
	j.closeOnce.Do(func() { close(j.shutdown) })
}

func (j *Journal) sweepExpired() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-j.shutdown:
			return
		case <-ticker.C:
			j.pruneExpired()
		}
	}
}

func (j *Journal) pruneExpired() int {
	if j.retention <= 0 {
		return 0
	}
	cutoff := j.now().Add(-j.retention)
	removed := 0
	j.mu.Lock()
	for id, e := range j.records {
		if e.order.State.Terminal() && e.updatedAt.Before(cutoff) {
			delete(j.records, id)
			removed++
		}
	}
	j.mu.Unlock()
	return removed
}

package orders

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/optiongate/internal/clock"
)

const gatePollStep = 10 * time.Millisecond

// RateGate enforces a minimum delay between consecutive order submissions.
// Waiters poll in short steps on the injected clock.
type RateGate struct {
	mu      sync.Mutex
	clock   clock.Clock
	limiter *rate.Limiter
	step    time.Duration
}

// NewRateGate builds a gate. A non-positive minDelay disables throttling.
func NewRateGate(minDelay time.Duration, clk clock.Clock) *RateGate {
	if clk == nil {
		clk = clock.Real()
	}
	limit := rate.Inf
	step := gatePollStep
	if minDelay > 0 {
		limit = rate.Every(minDelay)
		if minDelay < step {
			step = minDelay
		}
	}
	return &RateGate{
		mu:      sync.Mutex{},
		clock:   clk,
		limiter: rate.NewLimiter(limit, 1),
		step:    step,
	}
}

// Wait blocks until the caller may submit. Waiters pass one at a time.
func (g *RateGate) Wait(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if g.limiter.AllowN(g.clock.Now(), 1) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.clock.After(g.step):
		}
	}
}

// SlotCounter tracks orders holding a waiting slot against an optional cap.
type SlotCounter struct {
	max     int64
	current atomic.Int64
}

// NewSlotCounter builds a counter. Zero max means unbounded.
func NewSlotCounter(limit int) *SlotCounter {
	if limit < 0 {
		limit = 0
	}
	return &SlotCounter{max: int64(limit), current: atomic.Int64{}}
}

// Full reports whether the counter has reached its cap.
func (c *SlotCounter) Full() bool {
	return c.max > 0 && c.current.Load() >= c.max
}

func (c *SlotCounter) Acquire() int64 { return c.current.Add(1) }

// TryAcquire takes a slot unless the cap is reached.
func (c *SlotCounter) TryAcquire() bool {
	for {
		cur := c.current.Load()
		if c.max > 0 && cur >= c.max {
			return false
		}
		if c.current.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (c *SlotCounter) Release() int64 {
	for {
		cur := c.current.Load()
		if cur <= 0 {
			return 0
		}
		if c.current.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}

func (c *SlotCounter) Load() int64 { return c.current.Load() }

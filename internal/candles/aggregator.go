// Package candles folds stream ticks into per-symbol one minute bars.
package candles

import (
	"cmp"
	"math"
	"slices"
	"sync"

	"github.com/coachpo/optiongate/internal/domain/schema"
)

// OpenPolicy selects the open price of a newly started candle.
type OpenPolicy int

const (
	// OpenFirstTick opens a candle at the first tick of its minute.
	OpenFirstTick OpenPolicy = iota
	// OpenPrevClose opens a candle at the previous candle's close, matching
	// the broker's historical feed aggregation.
	OpenPrevClose
)

// Options configures an Aggregator.
type Options struct {
	Policy OpenPolicy
	// MaxCandles bounds each symbol's history. Zero keeps every candle.
	MaxCandles int
}

// Aggregator keeps one append-only candle sequence per symbol. A single lock
// covers every ingest and read so readers never observe a partial update.
type Aggregator struct {
	mu     sync.RWMutex
	opts   Options
	series map[schema.Symbol][]schema.Candle
}

// New constructs an Aggregator.
func New(opts Options) *Aggregator {
	if opts.MaxCandles < 0 {
		opts.MaxCandles = 0
	}
	return &Aggregator{
		mu:     sync.RWMutex{},
		opts:   opts,
		series: make(map[schema.Symbol][]schema.Candle),
	}
}

// Ingest folds one tick into the symbol's sequence. Ticks older than the last
// candle's minute are dropped.
func (a *Aggregator) Ingest(sym schema.Symbol, price, serverTime float64) {
	minute := schema.MinuteStart(serverTime)

	a.mu.Lock()
	defer a.mu.Unlock()

	seq := a.series[sym]
	n := len(seq)
	switch {
	case n == 0 || seq[n-1].Timestamp < minute:
		open := price
		if a.opts.Policy == OpenPrevClose && n > 0 {
			open = seq[n-1].Close
		}
		seq = append(seq, schema.Candle{
			Open:      open,
			High:      math.Max(open, price),
			Low:       math.Min(open, price),
			Close:     price,
			Volume:    1,
			Timestamp: minute,
		})
		if limit := a.opts.MaxCandles; limit > 0 && len(seq) > limit {
			seq = append(seq[:0:0], seq[len(seq)-limit:]...)
		}
		a.series[sym] = seq
	case seq[n-1].Timestamp == minute:
		last := &seq[n-1]
		last.High = math.Max(last.High, price)
		last.Low = math.Min(last.Low, price)
		last.Close = price
		last.Volume++
	}
}

// Seed prepends historical candles older than the symbol's first live candle.
// Duplicate minutes keep the first occurrence. It returns the number merged.
func (a *Aggregator) Seed(sym schema.Symbol, history []schema.Candle) int {
	if len(history) == 0 {
		return 0
	}
	sorted := slices.Clone(history)
	slices.SortStableFunc(sorted, func(x, y schema.Candle) int { return cmp.Compare(x.Timestamp, y.Timestamp) })

	a.mu.Lock()
	defer a.mu.Unlock()

	seq := a.series[sym]
	merged := make([]schema.Candle, 0, len(sorted)+len(seq))
	for _, c := range sorted {
		if len(seq) > 0 && c.Timestamp >= seq[0].Timestamp {
			break
		}
		if n := len(merged); n > 0 && merged[n-1].Timestamp == c.Timestamp {
			continue
		}
		merged = append(merged, c)
	}
	added := len(merged)
	if added == 0 {
		return 0
	}
	merged = append(merged, seq...)
	if limit := a.opts.MaxCandles; limit > 0 && len(merged) > limit {
		added -= len(merged) - limit
		if added < 0 {
			added = 0
		}
		merged = merged[len(merged)-limit:]
	}
	a.series[sym] = merged
	return added
}

// Latest returns the candle offset positions from the end, 0 being the newest.
func (a *Aggregator) Latest(sym schema.Symbol, offset int) (schema.Candle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	seq := a.series[sym]
	if offset < 0 || offset >= len(seq) {
		return schema.Candle{}, false
	}
	return seq[len(seq)-1-offset], true
}

// Count returns the number of candles held for the symbol.
func (a *Aggregator) Count(sym schema.Symbol) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.series[sym])
}

// At returns the candle whose minute starts at timestamp. A missing minute is
// not a zero price: the feed may have gapped or the minute may not have opened.
func (a *Aggregator) At(sym schema.Symbol, timestamp int64) (schema.Candle, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	seq := a.series[sym]
	for i := len(seq) - 1; i >= 0; i-- {
		if seq[i].Timestamp == timestamp {
			return seq[i], true
		}
		if seq[i].Timestamp < timestamp {
			break
		}
	}
	return schema.Candle{}, false
}

// Snapshot copies the symbol's sequence.
func (a *Aggregator) Snapshot(sym schema.Symbol) []schema.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()

	seq := a.series[sym]
	out := make([]schema.Candle, len(seq))
	copy(out, seq)
	return out
}

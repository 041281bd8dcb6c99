// Package quotes maintains the broker quote stream: live prices, minute candles
// and the server clock estimate derived from tick timestamps.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/optiongate/errs"
	"github.com/coachpo/optiongate/internal/candles"
	"github.com/coachpo/optiongate/internal/clock"
	"github.com/coachpo/optiongate/internal/domain/schema"
	"github.com/coachpo/optiongate/internal/infra/adapters/broker"
	"github.com/coachpo/optiongate/internal/observability"
	"github.com/coachpo/optiongate/internal/offset"
)

// SymbolPlaceholder in Config.URL switches the stream to one connection per symbol.
const SymbolPlaceholder = "{symbol}"

const (
	defaultMinReconnect = time.Second
	defaultMaxReconnect = 5 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultPingTimeout  = 5 * time.Second
	defaultReadLimit    = 1 << 20
	errorBuffer         = 16
)

// Config describes the quote stream endpoint and the tracked symbols.
type Config struct {
	URL     string
	Symbols []schema.Symbol
	// Broker labels metrics and logs.
	Broker       string
	OpenPolicy   candles.OpenPolicy
	MaxCandles   int
	MinReconnect time.Duration
	MaxReconnect time.Duration
	PingInterval time.Duration
	PingTimeout  time.Duration
	ReadLimit    int64
	// Decoder turns one text frame into a tick. Defaults to broker.DecodeTick.
	Decoder func([]byte) (schema.Tick, error)
}

func (c Config) withDefaults() Config {
	if c.MinReconnect <= 0 {
		c.MinReconnect = defaultMinReconnect
	}
	if c.MaxReconnect <= 0 {
		c.MaxReconnect = defaultMaxReconnect
	}
	if c.MaxReconnect < c.MinReconnect {
		c.MaxReconnect = c.MinReconnect
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.Decoder == nil {
		c.Decoder = broker.DecodeTick
	}
	if strings.TrimSpace(c.Broker) == "" {
		c.Broker = "intrade"
	}
	return c
}

// Stream is the QuoteStream connection. Readers may call any accessor
// concurrently with ingestion.
type Stream struct {
	cfg     Config
	clock   clock.Clock
	logger  observability.Logger
	metrics *streamMetrics
	tracked map[schema.Symbol]struct{}

	// mu guards every piece of ingested state below.
	mu         sync.RWMutex
	estimator  *offset.Estimator
	candles    *candles.Aggregator
	prices     map[schema.Symbol]float64
	lastTick   map[schema.Symbol]time.Time
	lastErr    string
	softErrors uint64

	firstTick chan struct{}
	firstOnce sync.Once

	ctx      context.Context
	cancel   context.CancelFunc
	errCh    chan error
	managers []*streamManager
	wg       conc.WaitGroup
	started  atomic.Bool
	closed   atomic.Bool
}

// New validates the configuration and prepares an idle stream. Call Start to connect.
func New(cfg Config, clk clock.Clock, logger observability.Logger) (*Stream, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errs.New(cfg.Broker, errs.CodeInvalid, errs.WithMessage("stream url required"))
	}
	if len(cfg.Symbols) == 0 {
		return nil, errs.New(cfg.Broker, errs.CodeInvalid, errs.WithMessage("at least one symbol required"))
	}
	tracked := make(map[schema.Symbol]struct{}, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		if !sym.Valid() {
			return nil, errs.New(cfg.Broker, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown symbol %d", int(sym))))
		}
		tracked[sym] = struct{}{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = observability.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
		metrics:    newStreamMetrics(cfg.Broker),
		tracked:    tracked,
		mu:         sync.RWMutex{},
		estimator:  offset.New(),
		candles:    candles.New(candles.Options{Policy: cfg.OpenPolicy, MaxCandles: cfg.MaxCandles}),
		prices:     make(map[schema.Symbol]float64, len(tracked)),
		lastTick:   make(map[schema.Symbol]time.Time, len(tracked)),
		lastErr:    "",
		softErrors: 0,
		firstTick:  make(chan struct{}),
		firstOnce:  sync.Once{},
		ctx:        ctx,
		cancel:     cancel,
		errCh:      make(chan error, errorBuffer),
		managers:   nil,
		wg:         conc.WaitGroup{},
		started:    atomic.Bool{},
		closed:     atomic.Bool{},
	}, nil
}

// Start launches the connection loops and returns without waiting for data.
func (s *Stream) Start() error {
	if s.closed.Load() {
		return errs.New(s.cfg.Broker, errs.CodeUnavailable, errs.WithMessage("stream closed"))
	}
	if !s.started.CompareAndSwap(false, true) {
		return errs.New(s.cfg.Broker, errs.CodeInvalid, errs.WithMessage("stream already started"))
	}

	if strings.Contains(s.cfg.URL, SymbolPlaceholder) {
		for _, sym := range s.cfg.Symbols {
			url := strings.ReplaceAll(s.cfg.URL, SymbolPlaceholder, sym.String())
			s.managers = append(s.managers, newStreamManager(s.ctx, url, nil, s.cfg, s.handleMessage, s.errCh, s.metrics))
		}
	} else {
		names := make([]string, 0, len(s.cfg.Symbols))
		for _, sym := range s.cfg.Symbols {
			names = append(names, sym.String())
		}
		s.managers = append(s.managers, newStreamManager(s.ctx, s.cfg.URL, names, s.cfg, s.handleMessage, s.errCh, s.metrics))
	}

	s.wg.Go(s.drainErrors)
	for _, sm := range s.managers {
		s.logger.Debug("quote stream connecting", observability.F("conn_id", sm.id), observability.F("url", sm.url))
		s.wg.Go(sm.run)
	}
	return nil
}

// Wait blocks until the first tick arrives, the timeout elapses, the context
// ends or the stream closes. It reports whether a tick was received.
func (s *Stream) Wait(ctx context.Context, timeout time.Duration) bool {
	select {
	case <-s.firstTick:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.firstTick:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	case <-s.ctx.Done():
		return false
	}
}

// Connected reports whether every physical connection is open.
func (s *Stream) Connected() bool {
	if s.closed.Load() || len(s.managers) == 0 {
		return false
	}
	for _, sm := range s.managers {
		if sm.State() != StateOpen {
			return false
		}
	}
	return true
}

// States returns the state of each physical connection.
func (s *Stream) States() []ConnState {
	out := make([]ConnState, 0, len(s.managers))
	for _, sm := range s.managers {
		out = append(out, sm.State())
	}
	return out
}

// Price returns the latest mid price, or 0 before the symbol's first tick.
func (s *Stream) Price(sym schema.Symbol) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prices[sym]
}

// Candle returns the candle offset positions back from the newest one.
func (s *Stream) Candle(sym schema.Symbol, offset int) (schema.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.candles.Latest(sym, offset)
}

// CandleAt returns the candle starting at the given minute timestamp.
func (s *Stream) CandleAt(sym schema.Symbol, timestamp int64) (schema.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.candles.At(sym, timestamp)
}

func (s *Stream) CandleCount(sym schema.Symbol) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.candles.Count(sym)
}

// Seed merges historical candles for a tracked symbol ahead of the live ones.
func (s *Stream) Seed(sym schema.Symbol, history []schema.Candle) int {
	if _, ok := s.tracked[sym]; !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candles.Seed(sym, history)
}

// Candles returns a copy of the symbol's candle history.
func (s *Stream) Candles(sym schema.Symbol) []schema.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.candles.Snapshot(sym)
}

// ServerTimestamp estimates the broker clock in unix seconds.
func (s *Stream) ServerTimestamp() float64 {
	now := schema.UnixSeconds(s.clock.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now + s.estimator.Current()
}

// Offset is the current server minus local clock estimate in seconds.
func (s *Stream) Offset() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.estimator.Current()
}

// LastTick is the local receive time of the symbol's newest tick.
func (s *Stream) LastTick(sym schema.Symbol) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick[sym]
}

func (s *Stream) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// SoftErrors counts messages discarded without dropping a connection.
func (s *Stream) SoftErrors() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.softErrors
}

// Close stops every connection and waits for the background goroutines.
func (s *Stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	for _, sm := range s.managers {
		sm.stop()
	}
	s.wg.Wait()
	s.logger.Info("quote stream closed", observability.F("broker", s.cfg.Broker))
	return nil
}

func (s *Stream) handleMessage(data []byte) {
	tick, err := s.cfg.Decoder(data)
	if err != nil {
		errorType := "decode"
		if errors.Is(err, broker.ErrUnknownSymbol) {
			errorType = "unknown_symbol"
		}
		s.mu.Lock()
		s.softErrors++
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.metrics.recordSoftError(s.ctx, errorType)
		s.logger.Debug("quote stream message rejected", observability.F("error", err.Error()))
		return
	}
	if _, ok := s.tracked[tick.Symbol]; !ok {
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.estimator.Observe(tick.ServerTime - schema.UnixSeconds(now))
	s.candles.Ingest(tick.Symbol, tick.Price, tick.ServerTime)
	s.prices[tick.Symbol] = tick.Price
	s.lastTick[tick.Symbol] = now
	current := s.estimator.Current()
	s.mu.Unlock()

	s.firstOnce.Do(func() { close(s.firstTick) })
	s.metrics.recordTick(s.ctx, tick.Symbol.String())
	s.metrics.recordOffset(s.ctx, current)
}

func (s *Stream) drainErrors() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-s.errCh:
			s.mu.Lock()
			s.lastErr = err.Error()
			s.mu.Unlock()
			s.logger.Error("quote stream error", observability.F("error", err.Error()))
		}
	}
}

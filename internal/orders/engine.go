// Package orders runs the client order lifecycle: submission through the
// broker gateway, waiting for expiry on the estimated server clock, and
// settlement.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/optiongate/errs"
	"github.com/coachpo/optiongate/internal/clock"
	"github.com/coachpo/optiongate/internal/domain/orderstore"
	"github.com/coachpo/optiongate/internal/domain/schema"
	"github.com/coachpo/optiongate/internal/observability"
)

// Gateway opens and settles orders at the broker.
type Gateway interface {
	Submit(ctx context.Context, req schema.OrderRequest) (schema.Submission, error)
	Check(ctx context.Context, brokerID uint64) (schema.Settlement, error)
}

// ServerClock estimates the broker clock in unix seconds.
type ServerClock interface {
	ServerTimestamp() float64
}

// Callback receives a copy of the order after each delivered transition.
type Callback func(schema.Order)

const (
	defaultSubmitAttempts   = 3
	defaultSubmitRetryDelay = time.Second
	defaultCheckAttempts    = 10
	defaultCheckRetryDelay  = time.Second
	defaultPollInterval     = 250 * time.Millisecond
	// A lifecycle delivers at most two updates: the opening outcome and the settlement.
	ticketBuffer = 2
)

// Config tunes the lifecycle engine.
type Config struct {
	// Broker labels metrics and error envelopes.
	Broker string
	// Currency selects the amount bands used for validation. When empty the
	// gateway's account currency is used if it reports one.
	Currency         schema.Currency
	SubmitAttempts   int
	SubmitRetryDelay time.Duration
	CheckAttempts    int
	CheckRetryDelay  time.Duration
	PollInterval     time.Duration
	// MaxWaiting caps orders in WaitingCompletion. Zero is unbounded.
	MaxWaiting int
	// Standoff classifies equal open and close prices as a draw.
	Standoff bool
	// StandoffScale is the number of decimals compared. Zero uses the symbol's price scale.
	StandoffScale int32
	// MinSubmitDelay spaces consecutive submission attempts.
	MinSubmitDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Broker == "" {
		c.Broker = "intrade"
	}
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = defaultSubmitAttempts
	}
	if c.SubmitRetryDelay < 0 {
		c.SubmitRetryDelay = 0
	} else if c.SubmitRetryDelay == 0 {
		c.SubmitRetryDelay = defaultSubmitRetryDelay
	}
	if c.CheckAttempts <= 0 {
		c.CheckAttempts = defaultCheckAttempts
	}
	if c.CheckRetryDelay < 0 {
		c.CheckRetryDelay = 0
	} else if c.CheckRetryDelay == 0 {
		c.CheckRetryDelay = defaultCheckRetryDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxWaiting < 0 {
		c.MaxWaiting = 0
	}
	return c
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces the local clock used for sprint expiry, polling and the rate gate.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		if clk != nil {
			e.clock = clk
		}
	}
}

func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithJournal records every delivered transition. Journal failures are logged only.
func WithJournal(journal orderstore.Journal) Option {
	return func(e *Engine) {
		e.journal = journal
	}
}

// Ticket tracks one submitted order.
type Ticket struct {
	id      uint64
	updates chan schema.Order
	done    chan struct{}
}

func (t *Ticket) ID() uint64 { return t.id }

// Updates yields each delivered transition and is closed after the last one.
func (t *Ticket) Updates() <-chan schema.Order { return t.updates }

// Done is closed once the order's lifecycle goroutine has returned.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Engine owns every order from creation to its terminal state.
type Engine struct {
	cfg      Config
	gateway  Gateway
	server   ServerClock
	clock    clock.Clock
	logger   observability.Logger
	journal  orderstore.Journal
	metrics  *engineMetrics
	currency schema.Currency

	gate    *RateGate
	waiting *SlotCounter
	orders  *table

	idMu   sync.Mutex
	nextID uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup
	stateMu sync.RWMutex
	closed  bool
}

// NewEngine builds an engine over the gateway. server supplies the clock used
// to detect expiry; nil falls back to the local clock.
func NewEngine(cfg Config, gateway Gateway, server ServerClock, opts ...Option) (*Engine, error) {
	if gateway == nil {
		return nil, errors.New("orders: gateway required")
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		gateway:  gateway,
		server:   server,
		clock:    clock.Real(),
		logger:   observability.Nop(),
		journal:  nil,
		metrics:  newEngineMetrics(cfg.Broker),
		currency: cfg.Currency,
		gate:     nil,
		waiting:  NewSlotCounter(cfg.MaxWaiting),
		orders:   newTable(),
		idMu:     sync.Mutex{},
		nextID:   0,
		ctx:      ctx,
		cancel:   cancel,
		wg:       conc.WaitGroup{},
		stateMu:  sync.RWMutex{},
		closed:   false,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.gate = NewRateGate(cfg.MinSubmitDelay, e.clock)
	if e.currency == "" {
		if reporter, ok := gateway.(interface{ Currency() schema.Currency }); ok {
			e.currency = reporter.Currency()
		}
	}
	if e.currency == "" {
		e.currency = schema.CurrencyUSD
	}
	if e.server == nil {
		e.server = localServerClock{clock: e.clock}
	}
	return e, nil
}

type localServerClock struct {
	clock clock.Clock
}

func (c localServerClock) ServerTimestamp() float64 {
	return schema.UnixSeconds(c.clock.Now())
}

// Submit validates the request and starts its lifecycle in the background.
// The callback, when set, runs on the lifecycle goroutine.
func (e *Engine) Submit(ctx context.Context, req schema.OrderRequest, callback Callback) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(e.currency); err != nil {
		return nil, err
	}

	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.closed {
		return nil, errs.New(e.cfg.Broker, errs.CodeUnavailable, errs.WithMessage("order engine is shut down"))
	}
	if !e.waiting.TryAcquire() {
		return nil, errs.New(e.cfg.Broker, errs.CodeQueueFull,
			errs.WithMessage(fmt.Sprintf("%d orders already waiting for completion", e.waiting.Load())))
	}

	order := schema.NewOrder(e.allocateID(), req)
	e.orders.insert(order)
	ticket := &Ticket{
		id:      order.ClientID,
		updates: make(chan schema.Order, ticketBuffer),
		done:    make(chan struct{}),
	}
	e.logger.Debug("order accepted",
		observability.F("client_id", order.ClientID),
		observability.F("symbol", order.Symbol.String()),
		observability.F("kind", string(order.Kind)),
		observability.F("direction", string(order.Direction)))
	e.wg.Go(func() {
		e.run(order, callback, ticket)
	})
	return ticket, nil
}

func (e *Engine) allocateID() uint64 {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	e.nextID++
	return e.nextID
}

// Get returns a copy of the order.
func (e *Engine) Get(id uint64) (schema.Order, bool) {
	return e.orders.get(id)
}

// List returns copies of every tracked order in client id order.
func (e *Engine) List() []schema.Order {
	return e.orders.list()
}

// Clear drops every order from the table. Lifecycles still in flight keep
// running but no longer appear in lookups.
func (e *Engine) Clear() int {
	return e.orders.clear()
}

// Waiting is the number of orders holding a slot: accepted and not yet
// failed to open or settled.
func (e *Engine) Waiting() int {
	return int(e.waiting.Load())
}

// Close stops accepting orders, aborts pending waits and joins every lifecycle.
// The order table is left as it is.
func (e *Engine) Close(ctx context.Context) error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	e.stateMu.Unlock()

	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for order lifecycles: %w", ctx.Err())
	}
}

func (e *Engine) run(order schema.Order, callback Callback, ticket *Ticket) {
	defer close(ticket.done)
	defer close(ticket.updates)

	order, ok := e.open(order)
	if !ok {
		return
	}
	e.deliver(order, callback, ticket)
	if order.State != schema.StateWaitingCompletion {
		return
	}

	if !e.awaitExpiry(order) {
		e.logger.Debug("order wait aborted", observability.F("client_id", order.ClientID))
		return
	}
	order, ok = e.settle(order)
	if !ok {
		return
	}
	e.deliver(order, callback, ticket)
}

// open submits the order. It reports false when shutdown interrupted the attempt.
func (e *Engine) open(order schema.Order) (schema.Order, bool) {
	order.State = schema.StateSubmitting
	e.orders.replace(order)

	req := order.Request()
	started := e.clock.Now()
	submission, err := backoff.Retry(e.ctx, func() (schema.Submission, error) {
		if err := e.gate.Wait(e.ctx); err != nil {
			return schema.Submission{}, backoff.Permanent(err)
		}
		order.Attempts++
		order.SendTime = e.clock.Now()
		sub, err := e.gateway.Submit(e.ctx, req)
		e.metrics.recordAttempt(e.ctx, "submit", err)
		if err != nil {
			order.LastError = err.Error()
			e.orders.replace(order)
			e.logger.Error("order submit failed",
				observability.F("client_id", order.ClientID),
				observability.F("attempt", order.Attempts),
				observability.F("error", err.Error()))
			if e.ctx.Err() != nil || !errs.Retriable(err) {
				return schema.Submission{}, backoff.Permanent(err)
			}
			return schema.Submission{}, err
		}
		return sub, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.SubmitRetryDelay)),
		backoff.WithMaxTries(uint(e.cfg.SubmitAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		e.waiting.Release()
		if e.ctx.Err() != nil {
			return order, false
		}
		order.State = schema.StateOpeningError
		order.LastError = err.Error()
		e.orders.replace(order)
		return order, true
	}

	order.BrokerID = submission.BrokerID
	order.OpenPrice = submission.OpenPrice
	order.OpenTime = submission.OpenTime
	if order.OpenTime.IsZero() {
		order.OpenTime = e.clock.Now()
	}
	order.SubmitDelay = submission.SubmitDelay
	order.CloseTime = e.closeTime(order)
	order.LastError = ""
	order.State = schema.StateWaitingCompletion
	e.metrics.recordWaiting(e.ctx, order, 1)
	e.metrics.recordSubmitLatency(e.ctx, order, e.clock.Now().Sub(started))
	e.orders.replace(order)
	e.logger.Info("order opened",
		observability.F("client_id", order.ClientID),
		observability.F("broker_id", order.BrokerID),
		observability.F("open_price", order.OpenPrice),
		observability.F("close_time", order.CloseTime.Format(time.RFC3339)))
	return order, true
}

// closeTime is the local send time plus duration for sprints and the caller's
// closing time for classic orders.
func (e *Engine) closeTime(order schema.Order) time.Time {
	if order.Kind == schema.KindClassic {
		return order.ClosingTime
	}
	return order.SendTime.Add(order.Duration)
}

// awaitExpiry polls the server clock until the close time passes. It reports
// false on shutdown.
func (e *Engine) awaitExpiry(order schema.Order) bool {
	expiry := schema.UnixSeconds(order.CloseTime)
	for e.server.ServerTimestamp() < expiry {
		select {
		case <-e.ctx.Done():
			return false
		case <-e.clock.After(e.cfg.PollInterval):
		}
	}
	return e.ctx.Err() == nil
}

// settle checks the order outcome. It reports false when shutdown interrupted it.
func (e *Engine) settle(order schema.Order) (schema.Order, bool) {
	settlement, err := backoff.Retry(e.ctx, func() (schema.Settlement, error) {
		res, err := e.gateway.Check(e.ctx, order.BrokerID)
		e.metrics.recordAttempt(e.ctx, "check", err)
		if err != nil {
			e.logger.Error("order check failed",
				observability.F("client_id", order.ClientID),
				observability.F("broker_id", order.BrokerID),
				observability.F("error", err.Error()))
			if e.ctx.Err() != nil || !errs.Retriable(err) {
				return schema.Settlement{}, backoff.Permanent(err)
			}
			return schema.Settlement{}, err
		}
		return res, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.CheckRetryDelay)),
		backoff.WithMaxTries(uint(e.cfg.CheckAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil && e.ctx.Err() != nil {
		return order, false
	}

	e.waiting.Release()
	e.metrics.recordWaiting(e.ctx, order, -1)
	if err != nil {
		order.State = schema.StateCheckError
		order.LastError = err.Error()
		e.orders.replace(order)
		return order, true
	}

	order.ClosePrice = settlement.ClosePrice
	order.Profit = settlement.Profit
	order.State = e.classify(order)
	order.LastError = ""
	e.orders.replace(order)
	e.logger.Info("order settled",
		observability.F("client_id", order.ClientID),
		observability.F("state", string(order.State)),
		observability.F("profit", order.Profit))
	return order, true
}

func (e *Engine) classify(order schema.Order) schema.State {
	if e.cfg.Standoff {
		scale := e.cfg.StandoffScale
		if scale <= 0 {
			scale = order.Symbol.Scale()
		}
		open := decimal.NewFromFloat(order.OpenPrice).Round(scale)
		closing := decimal.NewFromFloat(order.ClosePrice).Round(scale)
		if open.Equal(closing) {
			return schema.StateStandoff
		}
	}
	if order.Profit > 0 {
		return schema.StateWin
	}
	return schema.StateLoss
}

func (e *Engine) deliver(order schema.Order, callback Callback, ticket *Ticket) {
	e.metrics.recordTransition(e.ctx, order)
	if e.journal != nil {
		if err := e.journal.Record(context.WithoutCancel(e.ctx), order); err != nil {
			e.logger.Error("order journal write failed",
				observability.F("client_id", order.ClientID),
				observability.F("error", err.Error()))
		}
	}
	ticket.updates <- order
	if callback != nil {
		callback(order)
	}
}

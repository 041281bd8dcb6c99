package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/optiongate/errs"
	"github.com/coachpo/optiongate/internal/clock"
	"github.com/coachpo/optiongate/internal/domain/orderstore"
	"github.com/coachpo/optiongate/internal/domain/schema"
	"github.com/coachpo/optiongate/internal/infra/persistence/memory"
)

var engineEpoch = time.Unix(1700000000, 0)

type fakeGateway struct {
	mu          sync.Mutex
	submitCalls int
	checkCalls  int
	submitErrs  []error
	checkErrs   []error
	submission  schema.Submission
	settlement  schema.Settlement
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		submission: schema.Submission{BrokerID: 777, OpenPrice: 1.08003, OpenTime: engineEpoch},
		settlement: schema.Settlement{ClosePrice: 1.08100, Profit: 8.5},
	}
}

func (g *fakeGateway) Submit(ctx context.Context, req schema.OrderRequest) (schema.Submission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitCalls++
	if len(g.submitErrs) > 0 {
		err := g.submitErrs[0]
		g.submitErrs = g.submitErrs[1:]
		return schema.Submission{}, err
	}
	return g.submission, nil
}

func (g *fakeGateway) Check(ctx context.Context, brokerID uint64) (schema.Settlement, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkCalls++
	if len(g.checkErrs) > 0 {
		err := g.checkErrs[0]
		g.checkErrs = g.checkErrs[1:]
		return schema.Settlement{}, err
	}
	return g.settlement, nil
}

func (g *fakeGateway) calls() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submitCalls, g.checkCalls
}

type fakeServerClock struct {
	clock *clock.Fake
}

func (c fakeServerClock) ServerTimestamp() float64 {
	return schema.UnixSeconds(c.clock.Now())
}

type recorder struct {
	mu     sync.Mutex
	states []schema.State
}

func (r *recorder) callback(order schema.Order) {
	r.mu.Lock()
	r.states = append(r.states, order.State)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []schema.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.State(nil), r.states...)
}

func testConfig() Config {
	return Config{
		SubmitAttempts:   3,
		SubmitRetryDelay: time.Millisecond,
		CheckAttempts:    3,
		CheckRetryDelay:  time.Millisecond,
		PollInterval:     time.Second,
	}
}

func newTestEngine(t *testing.T, cfg Config, gw Gateway, opts ...Option) (*Engine, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(engineEpoch)
	opts = append([]Option{WithClock(fake)}, opts...)
	engine, err := NewEngine(cfg, gw, fakeServerClock{clock: fake}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})
	return engine, fake
}

func sprint(duration time.Duration) schema.OrderRequest {
	return schema.OrderRequest{
		Symbol:    schema.SymbolEURUSD,
		Direction: schema.DirectionUp,
		Amount:    10,
		Kind:      schema.KindSprint,
		Duration:  duration,
	}
}

func waitState(t *testing.T, e *Engine, id uint64, state schema.State) schema.Order {
	t.Helper()
	var last schema.Order
	require.Eventually(t, func() bool {
		order, ok := e.Get(id)
		last = order
		return ok && order.State == state
	}, 5*time.Second, time.Millisecond, "order %d never reached %s", id, state)
	return last
}

func waitDone(t *testing.T, ticket *Ticket) {
	t.Helper()
	select {
	case <-ticket.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("order %d lifecycle did not finish", ticket.ID())
	}
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	gw := newFakeGateway()
	engine, _ := newTestEngine(t, testConfig(), gw)

	req := sprint(3 * time.Minute)
	req.Amount = 0.5
	ticket, err := engine.Submit(context.Background(), req, nil)
	require.Nil(t, ticket)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	req = sprint(schema.MaxSprintDuration + time.Minute)
	_, err = engine.Submit(context.Background(), req, nil)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	submits, checks := gw.calls()
	require.Zero(t, submits)
	require.Zero(t, checks)
	require.Empty(t, engine.List())
}

func TestSprintWinDeliversTwice(t *testing.T) {
	gw := newFakeGateway()
	rec := &recorder{}
	engine, fake := newTestEngine(t, testConfig(), gw)

	ticket, err := engine.Submit(context.Background(), sprint(180*time.Second), rec.callback)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ticket.ID())

	waiting := waitState(t, engine, ticket.ID(), schema.StateWaitingCompletion)
	require.Equal(t, uint64(777), waiting.BrokerID)
	require.Equal(t, 1.08003, waiting.OpenPrice)
	require.Equal(t, engineEpoch.Add(180*time.Second), waiting.CloseTime)
	require.Equal(t, 1, engine.Waiting())

	fake.BlockUntil(1)
	fake.Advance(181 * time.Second)
	waitDone(t, ticket)

	require.Equal(t, []schema.State{schema.StateWaitingCompletion, schema.StateWin}, rec.snapshot())
	var delivered []schema.State
	for order := range ticket.Updates() {
		delivered = append(delivered, order.State)
	}
	require.Equal(t, []schema.State{schema.StateWaitingCompletion, schema.StateWin}, delivered)

	final, ok := engine.Get(ticket.ID())
	require.True(t, ok)
	require.Equal(t, schema.StateWin, final.State)
	require.Equal(t, 8.5, final.Profit)
	require.Equal(t, 1.081, final.ClosePrice)
	require.Zero(t, engine.Waiting())
	_, checks := gw.calls()
	require.Equal(t, 1, checks)
}

func TestSubmitRetriesThenOpeningError(t *testing.T) {
	gw := newFakeGateway()
	netErr := errs.New("intrade", errs.CodeNetwork, errs.WithMessage("connection reset"))
	gw.submitErrs = []error{netErr, netErr, netErr}
	rec := &recorder{}
	engine, _ := newTestEngine(t, testConfig(), gw)

	ticket, err := engine.Submit(context.Background(), sprint(time.Minute), rec.callback)
	require.NoError(t, err)
	waitDone(t, ticket)

	order, _ := engine.Get(ticket.ID())
	require.Equal(t, schema.StateOpeningError, order.State)
	require.Equal(t, 3, order.Attempts)
	require.NotEmpty(t, order.LastError)
	require.Equal(t, []schema.State{schema.StateOpeningError}, rec.snapshot())
	submits, checks := gw.calls()
	require.Equal(t, 3, submits)
	require.Zero(t, checks)
	require.Zero(t, engine.Waiting())
}

func TestSubmitRetriesThenOpens(t *testing.T) {
	gw := newFakeGateway()
	gw.submitErrs = []error{
		errs.New("intrade", errs.CodeNoAnswer),
		errs.New("intrade", errs.CodeRateGuard),
	}
	engine, _ := newTestEngine(t, testConfig(), gw)

	ticket, err := engine.Submit(context.Background(), sprint(time.Minute), nil)
	require.NoError(t, err)
	order := waitState(t, engine, ticket.ID(), schema.StateWaitingCompletion)
	require.Equal(t, 3, order.Attempts)
	require.Empty(t, order.LastError)
	submits, _ := gw.calls()
	require.Equal(t, 3, submits)
}

func TestSubmitStopsOnInvalid(t *testing.T) {
	gw := newFakeGateway()
	gw.submitErrs = []error{errs.New("intrade", errs.CodeInvalid, errs.WithMessage("amount rejected"))}
	engine, _ := newTestEngine(t, testConfig(), gw)

	ticket, err := engine.Submit(context.Background(), sprint(time.Minute), nil)
	require.NoError(t, err)
	waitDone(t, ticket)

	order, _ := engine.Get(ticket.ID())
	require.Equal(t, schema.StateOpeningError, order.State)
	require.Equal(t, 1, order.Attempts)
	submits, _ := gw.calls()
	require.Equal(t, 1, submits)
}

func TestQueueFullAtCapacity(t *testing.T) {
	gw := newFakeGateway()
	cfg := testConfig()
	cfg.MaxWaiting = 1
	engine, fake := newTestEngine(t, cfg, gw)

	first, err := engine.Submit(context.Background(), sprint(time.Minute), nil)
	require.NoError(t, err)
	waitState(t, engine, first.ID(), schema.StateWaitingCompletion)

	_, err = engine.Submit(context.Background(), sprint(time.Minute), nil)
	require.Equal(t, errs.CodeQueueFull, errs.CodeOf(err))

	fake.BlockUntil(1)
	fake.Advance(2 * time.Minute)
	waitDone(t, first)
	require.Zero(t, engine.Waiting())

	next, err := engine.Submit(context.Background(), sprint(time.Minute), nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), next.ID())
}

type blockingGateway struct {
	*fakeGateway
	release chan struct{}
}

func (g *blockingGateway) Submit(ctx context.Context, req schema.OrderRequest) (schema.Submission, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return schema.Submission{}, ctx.Err()
	}
	return g.fakeGateway.Submit(ctx, req)
}

func TestConcurrentSubmitsRespectWaitingCap(t *testing.T) {
	gw := &blockingGateway{fakeGateway: newFakeGateway(), release: make(chan struct{})}
	cfg := testConfig()
	cfg.MaxWaiting = 1
	engine, _ := newTestEngine(t, cfg, gw)

	const callers = 5
	var (
		mu       sync.Mutex
		accepted []*Ticket
		rejected int
		wg       sync.WaitGroup
		start    = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ticket, err := engine.Submit(context.Background(), sprint(time.Minute), nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errs.CodeOf(err) == errs.CodeQueueFull {
					rejected++
				}
				return
			}
			accepted = append(accepted, ticket)
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, accepted, 1)
	require.Equal(t, callers-1, rejected)
	require.Equal(t, 1, engine.Waiting())
	waitState(t, engine, accepted[0].ID(), schema.StateSubmitting)

	close(gw.release)
	waitState(t, engine, accepted[0].ID(), schema.StateWaitingCompletion)
	require.Equal(t, 1, engine.Waiting())
	require.Len(t, engine.List(), 1)
}

func TestOpeningErrorReleasesSlot(t *testing.T) {
	gw := newFakeGateway()
	gw.submitErrs = []error{errs.New("intrade", errs.CodeInvalid, errs.WithMessage("amount rejected"))}
	cfg := testConfig()
	cfg.MaxWaiting = 1
	engine, _ := newTestEngine(t, cfg, gw)

	failed, err := engine.Submit(context.Background(), sprint(time.Minute), nil)
	require.NoError(t, err)
	waitDone(t, failed)
	require.Zero(t, engine.Waiting())

	next, err := engine.Submit(context.Background(), sprint(time.Minute), nil)
	require.NoError(t, err)
	waitState(t, engine, next.ID(), schema.StateWaitingCompletion)
	require.Equal(t, 1, engine.Waiting())
}

func TestSubmissionsSpacedByMinDelay(t *testing.T) {
	gw := newFakeGateway()
	cfg := testConfig()
	cfg.MinSubmitDelay = time.Second
	engine, fake := newTestEngine(t, cfg, gw)

	a, err := engine.Submit(context.Background(), sprint(time.Minute), nil)
	require.NoError(t, err)
	b, err := engine.Submit(context.Background(), sprint(time.Minute), nil)
	require.NoError(t, err)

	// One order polls for expiry while the other waits on the gate.
	fake.BlockUntil(2)
	submits, _ := gw.calls()
	require.Equal(t, 1, submits)

	fake.Advance(time.Second)
	first := waitState(t, engine, a.ID(), schema.StateWaitingCompletion)
	second := waitState(t, engine, b.ID(), schema.StateWaitingCompletion)

	gap := second.SendTime.Sub(first.SendTime)
	if gap < 0 {
		gap = -gap
	}
	require.GreaterOrEqual(t, gap, cfg.MinSubmitDelay)
}

func TestCloseAbortsExpiryWait(t *testing.T) {
	gw := newFakeGateway()
	rec := &recorder{}
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	engine, _ := newTestEngine(t, cfg, gw)

	ticket, err := engine.Submit(context.Background(), sprint(time.Minute), rec.callback)
	require.NoError(t, err)
	waitState(t, engine, ticket.ID(), schema.StateWaitingCompletion)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	started := time.Now()
	require.NoError(t, engine.Close(ctx))
	require.Less(t, time.Since(started), time.Second)
	waitDone(t, ticket)

	_, checks := gw.calls()
	require.Zero(t, checks)
	require.Equal(t, []schema.State{schema.StateWaitingCompletion}, rec.snapshot())
	order, ok := engine.Get(ticket.ID())
	require.True(t, ok)
	require.Equal(t, schema.StateWaitingCompletion, order.State)

	_, err = engine.Submit(context.Background(), sprint(time.Minute), nil)
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(err))
	require.NoError(t, engine.Close(ctx))
}

func TestSettlementClassification(t *testing.T) {
	cases := []struct {
		name     string
		standoff bool
		close    float64
		profit   float64
		want     schema.State
	}{
		{name: "loss", close: 1.07, profit: -10, want: schema.StateLoss},
		{name: "equal prices without standoff", close: 1.08003, profit: 0, want: schema.StateLoss},
		{name: "standoff", standoff: true, close: 1.080031, profit: 0, want: schema.StateStandoff},
		{name: "standoff enabled but moved", standoff: true, close: 1.08004, profit: 8.5, want: schema.StateWin},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := newFakeGateway()
			gw.settlement = schema.Settlement{ClosePrice: tc.close, Profit: tc.profit}
			cfg := testConfig()
			cfg.Standoff = tc.standoff
			engine, fake := newTestEngine(t, cfg, gw)

			ticket, err := engine.Submit(context.Background(), sprint(time.Minute), nil)
			require.NoError(t, err)
			waitState(t, engine, ticket.ID(), schema.StateWaitingCompletion)
			fake.BlockUntil(1)
			fake.Advance(2 * time.Minute)
			waitDone(t, ticket)

			order, _ := engine.Get(ticket.ID())
			require.Equal(t, tc.want, order.State)
		})
	}
}

func TestCheckErrorAfterExhaustion(t *testing.T) {
	gw := newFakeGateway()
	noAnswer := errs.New("intrade", errs.CodeNoAnswer)
	gw.checkErrs = []error{noAnswer, noAnswer, noAnswer, noAnswer}
	rec := &recorder{}
	engine, fake := newTestEngine(t, testConfig(), gw)

	ticket, err := engine.Submit(context.Background(), sprint(time.Minute), rec.callback)
	require.NoError(t, err)
	waitState(t, engine, ticket.ID(), schema.StateWaitingCompletion)
	fake.BlockUntil(1)
	fake.Advance(2 * time.Minute)
	waitDone(t, ticket)

	order, _ := engine.Get(ticket.ID())
	require.Equal(t, schema.StateCheckError, order.State)
	_, checks := gw.calls()
	require.Equal(t, 3, checks)
	require.Zero(t, engine.Waiting())
	require.Equal(t, []schema.State{schema.StateWaitingCompletion, schema.StateCheckError}, rec.snapshot())
}

func TestClassicOrderWaitsForClosingTime(t *testing.T) {
	gw := newFakeGateway()
	engine, fake := newTestEngine(t, testConfig(), gw)

	closing := engineEpoch.Add(10 * time.Minute)
	ticket, err := engine.Submit(context.Background(), schema.OrderRequest{
		Symbol:      schema.SymbolEURUSD,
		Direction:   schema.DirectionDown,
		Amount:      25,
		Kind:        schema.KindClassic,
		ClosingTime: closing,
	}, nil)
	require.NoError(t, err)
	order := waitState(t, engine, ticket.ID(), schema.StateWaitingCompletion)
	require.Equal(t, closing, order.CloseTime)

	fake.BlockUntil(1)
	fake.Advance(5 * time.Minute)
	require.Never(t, func() bool {
		_, checks := gw.calls()
		return checks > 0
	}, 50*time.Millisecond, 5*time.Millisecond)

	fake.BlockUntil(1)
	fake.Advance(6 * time.Minute)
	waitDone(t, ticket)
	order, _ = engine.Get(ticket.ID())
	require.Equal(t, schema.StateWin, order.State)
}

func TestJournalReceivesDeliveredTransitions(t *testing.T) {
	gw := newFakeGateway()
	journal := memory.NewJournal(0)
	t.Cleanup(journal.Close)
	engine, fake := newTestEngine(t, testConfig(), gw, WithJournal(journal))

	ticket, err := engine.Submit(context.Background(), sprint(time.Minute), nil)
	require.NoError(t, err)
	waitState(t, engine, ticket.ID(), schema.StateWaitingCompletion)
	require.Eventually(t, func() bool {
		got, _ := journal.List(context.Background(), orderstore.Query{})
		return len(got) == 1 && got[0].State == schema.StateWaitingCompletion
	}, 5*time.Second, time.Millisecond)

	fake.BlockUntil(1)
	fake.Advance(2 * time.Minute)
	waitDone(t, ticket)
	got, err := journal.List(context.Background(), orderstore.Query{States: []schema.State{schema.StateWin}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, ticket.ID(), got[0].ClientID)
}

func TestTableReturnsCopiesAndClears(t *testing.T) {
	gw := newFakeGateway()
	engine, _ := newTestEngine(t, testConfig(), gw)

	a, err := engine.Submit(context.Background(), sprint(time.Minute), nil)
	require.NoError(t, err)
	b, err := engine.Submit(context.Background(), sprint(time.Minute), nil)
	require.NoError(t, err)
	require.Equal(t, a.ID()+1, b.ID())
	waitState(t, engine, a.ID(), schema.StateWaitingCompletion)
	waitState(t, engine, b.ID(), schema.StateWaitingCompletion)

	got, _ := engine.Get(a.ID())
	got.State = schema.StateWin
	again, _ := engine.Get(a.ID())
	require.Equal(t, schema.StateWaitingCompletion, again.State)

	list := engine.List()
	require.Len(t, list, 2)
	require.Equal(t, a.ID(), list[0].ClientID)

	require.Equal(t, 2, engine.Clear())
	require.Empty(t, engine.List())
	_, ok := engine.Get(a.ID())
	require.False(t, ok)
}

func TestEngineUsesGatewayCurrency(t *testing.T) {
	gw := &rubGateway{fakeGateway: newFakeGateway()}
	engine, _ := newTestEngine(t, testConfig(), gw)

	req := sprint(time.Minute)
	req.Amount = 10
	_, err := engine.Submit(context.Background(), req, nil)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	req.Amount = 100
	_, err = engine.Submit(context.Background(), req, nil)
	require.NoError(t, err)
}

type rubGateway struct {
	*fakeGateway
}

func (rubGateway) Currency() schema.Currency { return schema.CurrencyRUB }

func TestNewEngineRequiresGateway(t *testing.T) {
	_, err := NewEngine(Config{}, nil, nil)
	require.Error(t, err)
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/optiongate/internal/domain/orderstore"
	"github.com/coachpo/optiongate/internal/domain/schema"
)

func order(id uint64, sym schema.Symbol, state schema.State) schema.Order {
	o := schema.NewOrder(id, schema.OrderRequest{
		Symbol:    sym,
		Direction: schema.DirectionUp,
		Amount:    10,
		Kind:      schema.KindSprint,
		Duration:  time.Minute,
	})
	o.State = state
	return o
}

func TestJournalUpsertKeepsLatest(t *testing.T) {
	j := NewJournal(0)
	defer j.Close()
	ctx := context.Background()

	if err := j.Record(ctx, order(1, schema.SymbolEURUSD, schema.StateWaitingCompletion)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := j.Record(ctx, order(1, schema.SymbolEURUSD, schema.StateWin)); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if j.Len() != 1 {
		t.Fatalf("expected one journaled order, got %d", j.Len())
	}
	got, err := j.List(ctx, orderstore.Query{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].State != schema.StateWin {
		t.Fatalf("unexpected list result %+v", got)
	}
}

func TestJournalListFilters(t *testing.T) {
	j := NewJournal(0)
	defer j.Close()
	ctx := context.Background()
	_ = j.Record(ctx, order(1, schema.SymbolEURUSD, schema.StateWin))
	_ = j.Record(ctx, order(2, schema.SymbolUSDJPY, schema.StateLoss))
	_ = j.Record(ctx, order(3, schema.SymbolEURUSD, schema.StateLoss))

	got, _ := j.List(ctx, orderstore.Query{Symbol: "EURUSD"})
	if len(got) != 2 || got[0].ClientID != 3 || got[1].ClientID != 1 {
		t.Fatalf("symbol filter returned %+v", got)
	}
	got, _ = j.List(ctx, orderstore.Query{States: []schema.State{schema.StateLoss}, Limit: 1})
	if len(got) != 1 || got[0].ClientID != 3 {
		t.Fatalf("state filter returned %+v", got)
	}
	got, _ = j.List(ctx, orderstore.Query{Kinds: []schema.Kind{schema.KindClassic}})
	if len(got) != 0 {
		t.Fatalf("kind filter returned %+v", got)
	}
}

func TestJournalRejectsMissingID(t *testing.T) {
	j := NewJournal(0)
	defer j.Close()
	if err := j.Record(context.Background(), schema.Order{}); err == nil {
		t.Fatal("expected error for zero client id")
	}
}

func TestJournalCancelledContext(t *testing.T) {
	j := NewJournal(0)
	defer j.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.Record(ctx, order(1, schema.SymbolEURUSD, schema.StateWin)); err == nil {
		t.Fatal("expected context error")
	}
	if _, err := j.List(ctx, orderstore.Query{}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestJournalPrunesSettledOrders(t *testing.T) {
	j := NewJournal(time.Hour)
	defer j.Close()
	now := time.Unix(1700000000, 0)
	j.now = func() time.Time { return now }
	ctx := context.Background()
	_ = j.Record(ctx, order(1, schema.SymbolEURUSD, schema.StateWin))
	_ = j.Record(ctx, order(2, schema.SymbolEURUSD, schema.StateWaitingCompletion))

	now = now.Add(2 * time.Hour)
	if removed := j.pruneExpired(); removed != 1 {
		t.Fatalf("expected one pruned order, got %d", removed)
	}
	if j.Len() != 1 {
		t.Fatalf("expected waiting order to survive, got %d entries", j.Len())
	}
}

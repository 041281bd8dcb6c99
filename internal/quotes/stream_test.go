package quotes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/optiongate/errs"
	"github.com/coachpo/optiongate/internal/clock"
	"github.com/coachpo/optiongate/internal/domain/schema"
)

var streamEpoch = time.Unix(1700000000, 0)

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func writeText(t *testing.T, ctx context.Context, c *websocket.Conn, frame string) {
	t.Helper()
	if err := c.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Errorf("server write: %v", err)
	}
}

func drain(ctx context.Context, c *websocket.Conn) {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func newTestStream(t *testing.T, cfg Config) *Stream {
	t.Helper()
	s, err := New(cfg, clock.NewFake(streamEpoch), nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStreamMultiplexedIngest(t *testing.T) {
	subscribed := make(chan []string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			t.Errorf("decode subscribe: %v", err)
			return
		}
		subscribed <- req.Params
		writeText(t, ctx, c, `{"result":null,"id":1}`)
		writeText(t, ctx, c, `garbage`)
		writeText(t, ctx, c, `{"symbol":"USDJPY","bid":151.1,"ask":151.2,"updated":1700000002000}`)
		writeText(t, ctx, c, `{"symbol":"EURUSD","bid":1.08001,"ask":1.08004,"updated":1700000002000}`)
		drain(ctx, c)
	}))
	t.Cleanup(server.Close)

	s := newTestStream(t, Config{
		URL:     wsURL(server, "/ws"),
		Symbols: []schema.Symbol{schema.SymbolEURUSD},
	})

	require.True(t, s.Wait(context.Background(), 5*time.Second))
	require.Equal(t, []string{"EURUSD"}, <-subscribed)
	require.True(t, s.Connected())

	require.Equal(t, 1.08003, s.Price(schema.SymbolEURUSD))
	require.Zero(t, s.Price(schema.SymbolUSDJPY))
	require.Equal(t, uint64(1), s.SoftErrors())
	require.NotEmpty(t, s.LastError())
	require.Equal(t, streamEpoch, s.LastTick(schema.SymbolEURUSD))

	require.InDelta(t, 2.0, s.Offset(), 1e-9)
	require.InDelta(t, 1700000002.0, s.ServerTimestamp(), 1e-6)

	candle, ok := s.Candle(schema.SymbolEURUSD, 0)
	require.True(t, ok)
	require.Equal(t, int64(1699999980), candle.Timestamp)
	require.Equal(t, 1.08003, candle.Open)
	require.Equal(t, 1, s.CandleCount(schema.SymbolEURUSD))
	_, ok = s.CandleAt(schema.SymbolEURUSD, 1699999980)
	require.True(t, ok)

	require.NoError(t, s.Close())
	require.False(t, s.Connected())
	for _, state := range s.States() {
		require.Equal(t, StateClosed, state)
	}
	require.NoError(t, s.Close())
}

func TestStreamPerSymbolConnections(t *testing.T) {
	var mu sync.Mutex
	paths := make(map[string]int)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path]++
		mu.Unlock()
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		switch r.URL.Path {
		case "/ws/EURUSD":
			writeText(t, ctx, c, `{"symbol":"EURUSD","bid":1.1,"ask":1.1,"updated":1700000000}`)
		case "/ws/USDJPY":
			writeText(t, ctx, c, `{"symbol":"USDJPY","bid":150.1,"ask":150.1,"updated":1700000000}`)
		}
		drain(ctx, c)
	}))
	t.Cleanup(server.Close)

	s := newTestStream(t, Config{
		URL:     wsURL(server, "/ws/"+SymbolPlaceholder),
		Symbols: []schema.Symbol{schema.SymbolEURUSD, schema.SymbolUSDJPY},
	})

	require.Eventually(t, func() bool {
		return s.Price(schema.SymbolEURUSD) == 1.1 && s.Price(schema.SymbolUSDJPY) == 150.1
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, s.States(), 2)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, paths["/ws/EURUSD"])
	require.Equal(t, 1, paths["/ws/USDJPY"])
}

func TestStreamReconnectsAfterRemoteClose(t *testing.T) {
	var conns atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		if n == 1 {
			writeText(t, ctx, c, `{"symbol":"EURUSD","bid":1.1,"ask":1.1,"updated":1700000000}`)
			_ = c.Close(websocket.StatusGoingAway, "maintenance")
			return
		}
		writeText(t, ctx, c, `{"symbol":"EURUSD","bid":1.2,"ask":1.2,"updated":1700000001}`)
		drain(ctx, c)
	}))
	t.Cleanup(server.Close)

	s := newTestStream(t, Config{
		URL:          wsURL(server, "/ws"),
		Symbols:      []schema.Symbol{schema.SymbolEURUSD},
		MinReconnect: 10 * time.Millisecond,
		MaxReconnect: 20 * time.Millisecond,
	})

	require.True(t, s.Wait(context.Background(), 5*time.Second))
	require.Eventually(t, func() bool {
		return s.Price(schema.SymbolEURUSD) == 1.2
	}, 5*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, conns.Load(), int32(2))
	require.Eventually(t, func() bool {
		return strings.Contains(s.LastError(), "1001")
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, s.CandleCount(schema.SymbolEURUSD))
}

func TestStreamKeepsStateAcrossReconnect(t *testing.T) {
	var conns atomic.Int32
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
		if n == 1 {
			writeText(t, ctx, c, `{"symbol":"EURUSD","bid":1.1,"ask":1.1,"updated":1700000000}`)
			_ = c.Close(websocket.StatusGoingAway, "maintenance")
			return
		}
		select {
		case <-release:
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
			return
		}
		writeText(t, ctx, c, `{"symbol":"EURUSD","bid":1.2,"ask":1.2,"updated":1700000001}`)
		drain(ctx, c)
	}))
	t.Cleanup(server.Close)

	s := newTestStream(t, Config{
		URL:          wsURL(server, "/ws"),
		Symbols:      []schema.Symbol{schema.SymbolEURUSD},
		MinReconnect: 10 * time.Millisecond,
		MaxReconnect: 20 * time.Millisecond,
	})

	require.True(t, s.Wait(context.Background(), 5*time.Second))
	firstTick := s.LastTick(schema.SymbolEURUSD)
	require.False(t, firstTick.IsZero())

	require.Eventually(t, func() bool {
		return conns.Load() >= 2 && s.Connected()
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1.1, s.Price(schema.SymbolEURUSD))
	require.Equal(t, firstTick, s.LastTick(schema.SymbolEURUSD))
	require.Equal(t, 1, s.CandleCount(schema.SymbolEURUSD))

	unblock()
	require.Eventually(t, func() bool {
		return s.Price(schema.SymbolEURUSD) == 1.2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStreamSeedsHistory(t *testing.T) {
	s, err := New(Config{URL: "ws://127.0.0.1:1", Symbols: []schema.Symbol{schema.SymbolEURUSD}}, clock.NewFake(streamEpoch), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	history := []schema.Candle{
		{Open: 1.08, High: 1.09, Low: 1.07, Close: 1.085, Timestamp: 1699999860},
		{Open: 1.085, High: 1.086, Low: 1.08, Close: 1.081, Timestamp: 1699999920},
	}
	require.Equal(t, 2, s.Seed(schema.SymbolEURUSD, history))
	require.Zero(t, s.Seed(schema.SymbolUSDJPY, history))
	require.Equal(t, 2, s.CandleCount(schema.SymbolEURUSD))

	newest, ok := s.Candle(schema.SymbolEURUSD, 0)
	require.True(t, ok)
	require.Equal(t, int64(1699999920), newest.Timestamp)
	require.Zero(t, s.Price(schema.SymbolEURUSD))
}

func TestStreamWaitTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		drain(r.Context(), c)
	}))
	t.Cleanup(server.Close)

	s := newTestStream(t, Config{
		URL:     wsURL(server, "/ws"),
		Symbols: []schema.Symbol{schema.SymbolEURUSD},
	})
	require.False(t, s.Wait(context.Background(), 50*time.Millisecond))
	require.NoError(t, s.Close())
	require.False(t, s.Wait(context.Background(), time.Second))
}

func TestNewStreamValidation(t *testing.T) {
	_, err := New(Config{Symbols: []schema.Symbol{schema.SymbolEURUSD}}, nil, nil)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	_, err = New(Config{URL: "ws://127.0.0.1:1"}, nil, nil)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	_, err = New(Config{URL: "ws://127.0.0.1:1", Symbols: []schema.Symbol{schema.Symbol(-1)}}, nil, nil)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	s, err := New(Config{URL: "ws://127.0.0.1:1", Symbols: []schema.Symbol{schema.SymbolEURUSD}}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.Equal(t, errs.CodeUnavailable, errs.CodeOf(s.Start()))
}

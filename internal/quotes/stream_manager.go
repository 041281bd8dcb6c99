package quotes

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ConnState is the lifecycle position of one physical connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const controlWriteTimeout = 5 * time.Second

// streamManager keeps one websocket connection alive, replaying its
// subscription after every reconnect.
type streamManager struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc
	id     string

	conn     *websocket.Conn
	connMu   sync.RWMutex
	msgIDGen atomic.Uint64
	state    atomic.Int32

	// subscriptions is empty for dedicated per-symbol connections.
	subscriptions []string

	handler   func([]byte)
	errorChan chan<- error

	minReconnect time.Duration
	maxReconnect time.Duration
	pingInterval time.Duration
	pingTimeout  time.Duration
	readLimit    int64

	metrics *streamMetrics
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type subscribeResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *wsError         `json:"error,omitempty"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func newStreamManager(ctx context.Context, url string, subscriptions []string, cfg Config, handler func([]byte), errorChan chan<- error, metrics *streamMetrics) *streamManager {
	managerCtx, cancel := context.WithCancel(ctx)
	sm := &streamManager{
		url:           url,
		ctx:           managerCtx,
		cancel:        cancel,
		id:            uuid.NewString(),
		conn:          nil,
		connMu:        sync.RWMutex{},
		msgIDGen:      atomic.Uint64{},
		state:         atomic.Int32{},
		subscriptions: subscriptions,
		handler:       handler,
		errorChan:     errorChan,
		minReconnect:  cfg.MinReconnect,
		maxReconnect:  cfg.MaxReconnect,
		pingInterval:  cfg.PingInterval,
		pingTimeout:   cfg.PingTimeout,
		readLimit:     cfg.ReadLimit,
		metrics:       metrics,
	}
	sm.state.Store(int32(StateConnecting))
	return sm
}

func (sm *streamManager) State() ConnState {
	return ConnState(sm.state.Load())
}

// stop cancels the connection loop and closes the live socket.
func (sm *streamManager) stop() {
	sm.cancel()
	sm.connMu.Lock()
	if sm.conn != nil {
		_ = sm.conn.Close(websocket.StatusNormalClosure, "shutdown")
		sm.conn = nil
	}
	sm.connMu.Unlock()
}

// run dials and redials until the context ends. Each session runs its own
// read and ping loops; the first to fail tears the session down.
func (sm *streamManager) run() {
	defer sm.state.Store(int32(StateClosed))

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = sm.minReconnect
	backoffCfg.MaxInterval = sm.maxReconnect

	for {
		if sm.ctx.Err() != nil {
			return
		}
		sm.state.Store(int32(StateConnecting))

		conn, _, err := websocket.Dial(sm.ctx, sm.url, nil)
		if err != nil {
			if sm.ctx.Err() != nil {
				return
			}
			sm.metrics.recordReconnect(sm.ctx, "error")
			sm.reportError(fmt.Errorf("dial %s: %w", sm.url, err))
			if !sm.sleep(backoffCfg) {
				return
			}
			continue
		}
		sm.metrics.recordReconnect(sm.ctx, "success")

		sm.connMu.Lock()
		if sm.ctx.Err() != nil {
			sm.connMu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
			return
		}
		sm.conn = conn
		sm.connMu.Unlock()
		conn.SetReadLimit(sm.readLimit)

		if err := sm.subscribeAll(conn); err != nil {
			sm.reportError(fmt.Errorf("subscribe after connect: %w", err))
		} else {
			sm.state.Store(int32(StateOpen))
			backoffCfg.Reset()
		}

		connErr := sm.serve(conn)

		sm.connMu.Lock()
		if sm.conn == conn {
			sm.conn = nil
		}
		sm.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if sm.ctx.Err() != nil {
			return
		}
		sm.state.Store(int32(StateConnecting))
		if connErr != nil {
			sm.reportError(fmt.Errorf("connection loop: %w", connErr))
		}
		if !sm.sleep(backoffCfg) {
			return
		}
	}
}

func (sm *streamManager) serve(conn *websocket.Conn) error {
	connCtx, connCancel := context.WithCancel(sm.ctx)
	defer connCancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- sm.readLoop(connCtx, conn)
	}()
	go func() {
		defer wg.Done()
		errCh <- sm.pingLoop(connCtx, conn)
	}()

	firstErr := <-errCh
	connCancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	close(errCh)

	aggregated := firstErr
	for e := range errCh {
		if aggregated == nil || errors.Is(aggregated, context.Canceled) {
			aggregated = e
		}
	}
	if aggregated == nil || errors.Is(aggregated, context.Canceled) || errors.Is(aggregated, context.DeadlineExceeded) {
		if sm.ctx.Err() != nil {
			return nil
		}
		return errors.New("connection closed")
	}
	return aggregated
}

func (sm *streamManager) sleep(b *backoff.ExponentialBackOff) bool {
	wait := b.NextBackOff()
	if wait == backoff.Stop || wait > sm.maxReconnect {
		wait = sm.maxReconnect
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-sm.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (sm *streamManager) subscribeAll(conn *websocket.Conn) error {
	if len(sm.subscriptions) == 0 {
		return nil
	}
	req := subscribeRequest{
		Method: "SUBSCRIBE",
		Params: sm.subscriptions,
		ID:     sm.msgIDGen.Add(1),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal SUBSCRIBE request: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(sm.ctx, controlWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write SUBSCRIBE request: %w", err)
	}
	return nil
}

// pingLoop sends keepalive pings to detect stale sockets.
func (sm *streamManager) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	if sm.pingInterval <= 0 {
		<-ctx.Done()
		return context.Canceled
	}
	ticker := time.NewTicker(sm.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, sm.pingTimeout)
			start := time.Now()
			err := conn.Ping(pingCtx)
			cancel()
			result := "success"
			if err != nil {
				result = "error"
			}
			sm.metrics.recordPing(ctx, time.Since(start), result)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// readLoop hands stream data to the handler and swallows subscription acks.
func (sm *streamManager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		var resp subscribeResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				return fmt.Errorf("subscribe rejected (id=%d): code=%d, msg=%s", resp.ID, resp.Error.Code, resp.Error.Msg)
			}
			continue
		}
		if sm.handler != nil {
			sm.handler(data)
		}
	}
}

func (sm *streamManager) reportError(err error) {
	if err == nil || sm.errorChan == nil {
		return
	}
	err = fmt.Errorf("quote stream [%s]: %w", sm.id, err)
	select {
	case <-sm.ctx.Done():
	case sm.errorChan <- err:
	default:
	}
}

// Package httpserver exposes the order engine over a small JSON API.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/optiongate/errs"
	"github.com/coachpo/optiongate/internal/domain/schema"
	"github.com/coachpo/optiongate/internal/observability"
	"github.com/coachpo/optiongate/internal/orders"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	ordersPath        = "/orders"
	orderDetailPrefix = ordersPath + "/"
)

// OrderEngine is the subset of the order engine served over HTTP.
type OrderEngine interface {
	Submit(ctx context.Context, req schema.OrderRequest, callback orders.Callback) (*orders.Ticket, error)
	Get(id uint64) (schema.Order, bool)
	List() []schema.Order
	Clear() int
	Waiting() int
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	engine OrderEngine
	logger observability.Logger
}

// NewHandler routes the order API onto engine.
func NewHandler(engine OrderEngine, logger observability.Logger) http.Handler {
	if logger == nil {
		logger = observability.Nop()
	}
	server := &httpServer{engine: engine, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(ordersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.listOrders,
		http.MethodPost:   server.submitOrder,
		http.MethodDelete: server.clearOrders,
	}))
	mux.Handle(orderDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getOrder,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type orderPayload struct {
	Symbol      string          `json:"symbol"`
	Direction   string          `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        string          `json:"kind"`
	Duration    string          `json:"duration"`
	ClosingTime string          `json:"closingTime"`
}

type orderView struct {
	ClientID    uint64          `json:"clientId"`
	BrokerID    uint64          `json:"brokerId,omitempty"`
	Symbol      string          `json:"symbol"`
	Direction   string          `json:"direction"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        string          `json:"kind"`
	Duration    string          `json:"duration,omitempty"`
	ClosingTime string          `json:"closingTime,omitempty"`
	State       string          `json:"state"`
	OpenPrice   float64         `json:"openPrice,omitempty"`
	ClosePrice  float64         `json:"closePrice,omitempty"`
	Profit      float64         `json:"profit"`
	SendTime    string          `json:"sendTime,omitempty"`
	OpenTime    string          `json:"openTime,omitempty"`
	CloseTime   string          `json:"closeTime,omitempty"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"lastError,omitempty"`
}

func (s *httpServer) listOrders(w http.ResponseWriter, _ *http.Request) {
	list := s.engine.List()
	views := make([]orderView, 0, len(list))
	for _, order := range list {
		views = append(views, viewOf(order))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders":  views,
		"waiting": s.engine.Waiting(),
	})
}

func (s *httpServer) getOrder(w http.ResponseWriter, r *http.Request) {
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	if raw == "" {
		writeError(w, http.StatusNotFound, "order id required")
		return
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid order id %q", raw))
		return
	}
	order, ok := s.engine.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("order %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(order))
}

func (s *httpServer) submitOrder(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	req, err := decodeOrderRequest(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	ticket, err := s.engine.Submit(r.Context(), req, nil)
	if err != nil {
		s.logger.Debug("order rejected",
			observability.F("symbol", req.Symbol.String()),
			observability.F("error", err.Error()))
		writeError(w, statusOf(err), err.Error())
		return
	}
	order, ok := s.engine.Get(ticket.ID())
	if !ok {
		order = schema.NewOrder(ticket.ID(), req)
	}
	writeJSON(w, http.StatusAccepted, viewOf(order))
}

func (s *httpServer) clearOrders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "cleared": s.engine.Clear()})
}

func decodeOrderRequest(r *http.Request) (schema.OrderRequest, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload orderPayload
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return schema.OrderRequest{}, fmt.Errorf("decode payload: %w", err)
	}

	sym, ok := schema.ParseSymbol(payload.Symbol)
	if !ok {
		return schema.OrderRequest{}, fmt.Errorf("unknown symbol %q", payload.Symbol)
	}
	req := schema.OrderRequest{
		Symbol:      sym,
		Direction:   schema.Direction(strings.ToLower(strings.TrimSpace(payload.Direction))),
		Amount:      payload.Amount.InexactFloat64(),
		Kind:        schema.Kind(strings.ToLower(strings.TrimSpace(payload.Kind))),
		Duration:    0,
		ClosingTime: time.Time{},
	}
	if raw := strings.TrimSpace(payload.Duration); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return schema.OrderRequest{}, fmt.Errorf("duration: invalid duration %q", payload.Duration)
		}
		req.Duration = d
	}
	if raw := strings.TrimSpace(payload.ClosingTime); raw != "" {
		closing, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return schema.OrderRequest{}, fmt.Errorf("closingTime: expected RFC3339, got %q", payload.ClosingTime)
		}
		req.ClosingTime = closing
	}
	return req, nil
}

func viewOf(order schema.Order) orderView {
	view := orderView{
		ClientID:    order.ClientID,
		BrokerID:    order.BrokerID,
		Symbol:      order.Symbol.String(),
		Direction:   string(order.Direction),
		Amount:      decimal.NewFromFloat(order.Amount),
		Kind:        string(order.Kind),
		Duration:    "",
		ClosingTime: formatTime(order.ClosingTime),
		State:       string(order.State),
		OpenPrice:   order.OpenPrice,
		ClosePrice:  order.ClosePrice,
		Profit:      order.Profit,
		SendTime:    formatTime(order.SendTime),
		OpenTime:    formatTime(order.OpenTime),
		CloseTime:   formatTime(order.CloseTime),
		Attempts:    order.Attempts,
		LastError:   order.LastError,
	}
	if order.Kind == schema.KindSprint {
		view.Duration = order.Duration.String()
	}
	return view
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// statusOf maps engine error codes onto HTTP statuses.
func statusOf(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeQueueFull:
		return http.StatusTooManyRequests
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errs.CodeNotFound:
		return http.StatusNotFound
	default:
		if errors.Is(err, context.Canceled) {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

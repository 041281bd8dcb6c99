package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/optiongate/errs"
)

// Direction is the predicted price movement.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Kind distinguishes fixed-duration orders from clock-aligned ones.
type Kind string

const (
	// KindSprint expires a fixed duration after submission.
	KindSprint Kind = "sprint"
	// KindClassic expires at an absolute closing time.
	KindClassic Kind = "classic"
)

// State is the lifecycle position of an order.
type State string

const (
	StatePending           State = "PENDING"
	StateSubmitting        State = "SUBMITTING"
	StateOpeningError      State = "OPENING_ERROR"
	StateWaitingCompletion State = "WAITING_COMPLETION"
	StateWin               State = "WIN"
	StateLoss              State = "LOSS"
	StateStandoff          State = "STANDOFF"
	StateCheckError        State = "CHECK_ERROR"
)

// Terminal reports whether no further transition follows the state.
func (s State) Terminal() bool {
	switch s {
	case StateOpeningError, StateWin, StateLoss, StateStandoff, StateCheckError:
		return true
	default:
		return false
	}
}

const (
	// MinSprintDuration is the shortest sprint the broker accepts.
	MinSprintDuration = time.Second
	// MaxSprintDuration is the broker-imposed sprint ceiling.
	MaxSprintDuration = 500 * time.Minute
)

// OrderRequest is a client order before it is accepted by the engine.
type OrderRequest struct {
	Symbol    Symbol    `json:"symbol"`
	Direction Direction `json:"direction"`
	Amount    float64   `json:"amount"`
	Kind      Kind      `json:"kind"`
	// Duration applies to sprint orders.
	Duration time.Duration `json:"duration"`
	// ClosingTime applies to classic orders.
	ClosingTime time.Time `json:"closingTime"`
}

// Validate checks the request against the broker's static limits for the account currency.
func (r OrderRequest) Validate(currency Currency) error {
	switch r.Direction {
	case DirectionUp, DirectionDown:
	default:
		return invalid("unknown direction %q", string(r.Direction))
	}
	switch r.Kind {
	case KindSprint:
		if r.Duration < MinSprintDuration || r.Duration > MaxSprintDuration {
			return invalid("sprint duration %s outside [%s, %s]", r.Duration, MinSprintDuration, MaxSprintDuration)
		}
	case KindClassic:
		if r.ClosingTime.IsZero() {
			return invalid("classic order requires a closing time")
		}
	default:
		return invalid("unknown order kind %q", string(r.Kind))
	}
	spec, ok := r.Symbol.Spec()
	if !ok {
		return invalid("unknown symbol %d", int(r.Symbol))
	}
	if !spec.Available {
		return invalid("symbol %s is not tradable", spec.Name)
	}
	band, ok := AmountBandFor(r.Symbol, currency)
	if !ok {
		return invalid("unsupported currency %q", string(currency))
	}
	if !band.Contains(r.Amount) {
		return invalid("amount %v outside [%s, %s] %s for %s", r.Amount, band.Min, band.Max, strings.ToUpper(string(currency)), spec.Name)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errs.New("", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf(format, args...)))
}

// Submission is the broker confirmation of an opened order.
type Submission struct {
	BrokerID    uint64
	OpenPrice   float64
	OpenTime    time.Time
	SubmitDelay time.Duration
}

// Settlement is the broker outcome of an expired order.
type Settlement struct {
	ClosePrice float64
	Profit     float64
}

// Order is the engine's record of one client order.
type Order struct {
	ClientID    uint64        `json:"clientId"`
	BrokerID    uint64        `json:"brokerId"`
	Symbol      Symbol        `json:"symbol"`
	Direction   Direction     `json:"direction"`
	Amount      float64       `json:"amount"`
	Kind        Kind          `json:"kind"`
	Duration    time.Duration `json:"duration"`
	ClosingTime time.Time     `json:"closingTime"`
	State       State         `json:"state"`
	OpenPrice   float64       `json:"openPrice"`
	ClosePrice  float64       `json:"closePrice"`
	Profit      float64       `json:"profit"`
	SendTime    time.Time     `json:"sendTime"`
	OpenTime    time.Time     `json:"openTime"`
	CloseTime   time.Time     `json:"closeTime"`
	SubmitDelay time.Duration `json:"submitDelay"`
	Attempts    int           `json:"attempts"`
	LastError   string        `json:"lastError,omitempty"`
}

// NewOrder creates a pending order for the request.
func NewOrder(id uint64, req OrderRequest) Order {
	return Order{
		ClientID:    id,
		BrokerID:    0,
		Symbol:      req.Symbol,
		Direction:   req.Direction,
		Amount:      req.Amount,
		Kind:        req.Kind,
		Duration:    req.Duration,
		ClosingTime: req.ClosingTime,
		State:       StatePending,
		OpenPrice:   0,
		ClosePrice:  0,
		Profit:      0,
		SendTime:    time.Time{},
		OpenTime:    time.Time{},
		CloseTime:   time.Time{},
		SubmitDelay: 0,
		Attempts:    0,
		LastError:   "",
	}
}

// Request reconstructs the submission parameters of the order.
func (o Order) Request() OrderRequest {
	return OrderRequest{
		Symbol:      o.Symbol,
		Direction:   o.Direction,
		Amount:      o.Amount,
		Kind:        o.Kind,
		Duration:    o.Duration,
		ClosingTime: o.ClosingTime,
	}
}

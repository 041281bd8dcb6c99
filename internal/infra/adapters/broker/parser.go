package broker

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/optiongate/internal/domain/schema"
)

// epochMillisThreshold separates millisecond from second timestamps in "updated".
const epochMillisThreshold = 1e11

type quoteMessage struct {
	Symbol  string   `json:"symbol"`
	Bid     *float64 `json:"bid"`
	Ask     *float64 `json:"ask"`
	Updated float64  `json:"updated"`
}

// ErrUnknownSymbol reports a quote for a symbol missing from the table.
var ErrUnknownSymbol = errors.New("unknown symbol")

// DecodeTick parses one quote stream message. The tick price is the bid/ask
// midpoint rounded to the symbol's price scale.
func DecodeTick(data []byte) (schema.Tick, error) {
	var msg quoteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return schema.Tick{}, fmt.Errorf("decode quote: %w", err)
	}
	sym, ok := schema.ParseSymbol(msg.Symbol)
	if !ok {
		return schema.Tick{}, fmt.Errorf("decode quote %q: %w", msg.Symbol, ErrUnknownSymbol)
	}
	if msg.Bid == nil || msg.Ask == nil {
		return schema.Tick{}, fmt.Errorf("decode quote %s: bid and ask required", sym)
	}
	if *msg.Bid <= 0 || *msg.Ask <= 0 {
		return schema.Tick{}, fmt.Errorf("decode quote %s: non-positive price", sym)
	}
	if msg.Updated <= 0 {
		return schema.Tick{}, fmt.Errorf("decode quote %s: missing timestamp", sym)
	}

	serverTime := msg.Updated
	if serverTime > epochMillisThreshold {
		serverTime /= 1000
	}
	mid := decimal.NewFromFloat(*msg.Bid).
		Add(decimal.NewFromFloat(*msg.Ask)).
		Div(decimal.NewFromInt(2)).
		Round(sym.Scale())
	price, _ := mid.Float64()
	return schema.Tick{Symbol: sym, Price: price, ServerTime: serverTime}, nil
}

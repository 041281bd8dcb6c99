package broker

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/optiongate/errs"
	"github.com/coachpo/optiongate/internal/domain/schema"
)

// PriceMode selects which side of the book historical candles are built from.
type PriceMode string

const (
	PriceBid PriceMode = "bid"
	PriceAsk PriceMode = "ask"
	PriceMid PriceMode = "mid"
)

type historyResponse struct {
	Error string          `json:"error"`
	Data  []historyRecord `json:"data"`
}

type historyRecord struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V uint64  `json:"v"`
}

// FetchCandles downloads minute candles in [from, to] for the symbol in one request.
func (c *Client) FetchCandles(ctx context.Context, sym schema.Symbol, from, to time.Time, mode PriceMode) ([]schema.Candle, error) {
	if !sym.Valid() {
		return nil, errs.New(c.Name(), errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown symbol %d", int(sym))))
	}
	if to.Before(from) {
		return nil, errs.New(c.Name(), errs.CodeInvalid, errs.WithMessage("history range end before start"))
	}
	switch mode {
	case PriceBid, PriceAsk, PriceMid:
	case "":
		mode = PriceMid
	default:
		return nil, errs.New(c.Name(), errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown price mode %q", mode)))
	}

	query := url.Values{}
	query.Set("symbol", sym.String())
	query.Set("from", strconv.FormatInt(from.Unix(), 10))
	query.Set("to", strconv.FormatInt(to.Unix(), 10))
	query.Set("mode", string(mode))

	body, err := c.get(ctx, "history", c.opts.metadata.historyPath, query)
	if err != nil {
		return nil, err
	}
	var payload historyResponse
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, c.protocolError("history", "decode candles", body, err)
	}
	if msg := strings.TrimSpace(payload.Error); msg != "" {
		return nil, errs.New(c.Name(), errs.CodeNotFound, errs.WithMessage(msg), errs.WithField("symbol", sym.String()))
	}
	if len(payload.Data) == 0 {
		return nil, errs.New(c.Name(), errs.CodeNotFound,
			errs.WithMessage("no candles in range"),
			errs.WithField("symbol", sym.String()))
	}

	out := make([]schema.Candle, 0, len(payload.Data))
	for _, rec := range payload.Data {
		out = append(out, schema.Candle{
			Open:      schema.RoundPrice(sym, rec.O),
			High:      schema.RoundPrice(sym, rec.H),
			Low:       schema.RoundPrice(sym, rec.L),
			Close:     schema.RoundPrice(sym, rec.C),
			Volume:    rec.V,
			Timestamp: schema.MinuteStart(float64(rec.T)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

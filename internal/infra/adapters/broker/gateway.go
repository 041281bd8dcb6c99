package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/optiongate/errs"
	"github.com/coachpo/optiongate/internal/domain/schema"
)

// OrderGateway submits and checks orders for one session. It is stateless
// apart from the session; pacing between submissions belongs to the caller.
type OrderGateway struct {
	client  *Client
	session Session
	now     func() time.Time
}

// NewOrderGateway binds the gateway to an established session.
func NewOrderGateway(client *Client, session Session) *OrderGateway {
	return &OrderGateway{client: client, session: session, now: time.Now}
}

// Currency returns the session's account currency.
func (g *OrderGateway) Currency() schema.Currency {
	if g.session.Currency == "" {
		return schema.CurrencyUSD
	}
	return g.session.Currency
}

// Submit validates req and opens the order.
func (g *OrderGateway) Submit(ctx context.Context, req schema.OrderRequest) (schema.Submission, error) {
	if err := req.Validate(g.Currency()); err != nil {
		return schema.Submission{}, err
	}
	if !g.session.Valid() {
		return schema.Submission{}, errs.New(g.client.Name(), errs.CodeAuth, errs.WithCause(errNoSession))
	}

	form := g.session.form()
	form.Set("option", req.Symbol.String())
	form.Set("investment", decimal.NewFromFloat(req.Amount).StringFixed(2))
	form.Set("status", string(req.Direction))
	form.Set("trade_type", string(req.Kind))
	switch req.Kind {
	case schema.KindSprint:
		form.Set("duration", strconv.FormatInt(int64(req.Duration/time.Second), 10))
	case schema.KindClassic:
		form.Set("date", strconv.FormatInt(req.ClosingTime.Unix(), 10))
	}

	sent := g.now()
	body, err := g.client.postForm(ctx, "submit", g.client.opts.metadata.submitPath, form)
	if err != nil {
		return schema.Submission{}, err
	}
	delay := g.now().Sub(sent)
	return g.parseSubmission(body, delay)
}

func (g *OrderGateway) parseSubmission(body string, delay time.Duration) (schema.Submission, error) {
	if hasFailureMarker(body) {
		return schema.Submission{}, g.client.protocolError("submit", "order rejected", body, nil)
	}
	rawID, okID := scrapeAttr(body, "data-id")
	rawOpen, okOpen := scrapeAttr(body, "data-timeopen")
	rawRate, okRate := scrapeAttr(body, "data-rate")
	if !okID && !okOpen && !okRate {
		return schema.Submission{}, errs.New(g.client.Name(), errs.CodeNoAnswer,
			errs.WithMessage("submit response carried no order fields"),
			errs.WithRawMessage(body))
	}
	if !okID || !okOpen || !okRate {
		return schema.Submission{}, g.client.protocolError("submit", "partial order fields", body, nil)
	}

	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || id == 0 {
		return schema.Submission{}, g.client.protocolError("submit", fmt.Sprintf("bad order id %q", rawID), body, err)
	}
	openSec, err := strconv.ParseFloat(rawOpen, 64)
	if err != nil {
		return schema.Submission{}, g.client.protocolError("submit", fmt.Sprintf("bad open time %q", rawOpen), body, err)
	}
	rate, err := strconv.ParseFloat(rawRate, 64)
	if err != nil {
		return schema.Submission{}, g.client.protocolError("submit", fmt.Sprintf("bad open price %q", rawRate), body, err)
	}
	return schema.Submission{
		BrokerID:    id,
		OpenPrice:   rate,
		OpenTime:    schema.FromUnixSeconds(openSec),
		SubmitDelay: delay,
	}, nil
}

// Check fetches the settlement of an expired order.
func (g *OrderGateway) Check(ctx context.Context, brokerID uint64) (schema.Settlement, error) {
	if brokerID == 0 {
		return schema.Settlement{}, errs.New(g.client.Name(), errs.CodeInvalid, errs.WithMessage("broker order id required"))
	}
	if !g.session.Valid() {
		return schema.Settlement{}, errs.New(g.client.Name(), errs.CodeAuth, errs.WithCause(errNoSession))
	}
	form := g.session.form()
	form.Set("trade_id", strconv.FormatUint(brokerID, 10))

	body, err := g.client.postForm(ctx, "check", g.client.opts.metadata.checkPath, form)
	if err != nil {
		return schema.Settlement{}, err
	}
	return g.parseSettlement(body)
}

func (g *OrderGateway) parseSettlement(body string) (schema.Settlement, error) {
	text := strings.TrimSpace(body)
	if text == "" {
		return schema.Settlement{}, errs.New(g.client.Name(), errs.CodeNoAnswer, errs.WithMessage("empty check response"))
	}
	if hasFailureMarker(text) {
		return schema.Settlement{}, g.client.protocolError("check", "broker reported an error", text, nil)
	}
	price, profit, ok := strings.Cut(text, ";")
	if !ok {
		return schema.Settlement{}, g.client.protocolError("check", "expected price;profit", text, nil)
	}
	closePrice, err := strconv.ParseFloat(strings.TrimSpace(price), 64)
	if err != nil {
		return schema.Settlement{}, g.client.protocolError("check", "bad close price", text, err)
	}
	pnl, err := strconv.ParseFloat(strings.TrimSpace(profit), 64)
	if err != nil {
		return schema.Settlement{}, g.client.protocolError("check", "bad profit", text, err)
	}
	return schema.Settlement{ClosePrice: closePrice, Profit: pnl}, nil
}

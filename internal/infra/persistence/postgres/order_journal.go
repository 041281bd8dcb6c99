package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/optiongate/internal/domain/orderstore"
	"github.com/coachpo/optiongate/internal/domain/schema"
)

// OrderJournal persists order lifecycle snapshots keyed by client id.
type OrderJournal struct {
	pool *pgxpool.Pool
}

var _ orderstore.Journal = (*OrderJournal)(nil)

// NewOrderJournal constructs an OrderJournal backed by the provided pool.
func NewOrderJournal(pool *pgxpool.Pool) *OrderJournal {
	return &OrderJournal{pool: pool}
}

const (
	journalUpsertSQL = `
INSERT INTO order_journal (
    id,
    client_id,
    broker_id,
    symbol,
    direction,
    kind,
    amount,
    duration_ms,
    closing_time,
    state,
    open_price,
    close_price,
    profit,
    send_time,
    open_time,
    close_time,
    submit_delay_ms,
    attempts,
    metadata,
    created_at,
    updated_at
)
VALUES (
    @id,
    @client_id,
    @broker_id,
    @symbol,
    @direction,
    @kind,
    @amount,
    @duration_ms,
    @closing_time,
    @state,
    @open_price,
    @close_price,
    @profit,
    @send_time,
    @open_time,
    @close_time,
    @submit_delay_ms,
    @attempts,
    @metadata::jsonb,
    NOW(),
    NOW()
)
ON CONFLICT (client_id) DO UPDATE SET
    broker_id = EXCLUDED.broker_id,
    state = EXCLUDED.state,
    open_price = EXCLUDED.open_price,
    close_price = EXCLUDED.close_price,
    profit = EXCLUDED.profit,
    send_time = EXCLUDED.send_time,
    open_time = EXCLUDED.open_time,
    close_time = EXCLUDED.close_time,
    submit_delay_ms = EXCLUDED.submit_delay_ms,
    attempts = EXCLUDED.attempts,
    metadata = EXCLUDED.metadata,
    updated_at = NOW();
`

	journalSelectBase = `
SELECT
    client_id,
    broker_id,
    symbol,
    direction,
    kind,
    amount::float8,
    duration_ms,
    closing_time,
    state,
    open_price,
    close_price,
    profit::float8,
    send_time,
    open_time,
    close_time,
    submit_delay_ms,
    attempts,
    metadata
FROM order_journal
`

	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

func (s *OrderJournal) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order journal: nil pool")
	}
	return s.pool, nil
}

// Record upserts the latest snapshot of the order.
func (s *OrderJournal) Record(ctx context.Context, order schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args, err := recordArgs(order)
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, journalUpsertSQL, args); err != nil {
		return fmt.Errorf("order journal: upsert order: %w", err)
	}
	return nil
}

func recordArgs(order schema.Order) (pgx.NamedArgs, error) {
	if order.ClientID == 0 {
		return nil, fmt.Errorf("order journal: client id required")
	}
	if !order.Symbol.Valid() {
		return nil, fmt.Errorf("order journal: unknown symbol %d", int(order.Symbol))
	}
	amount, err := numericFromFloat(order.Amount, 2)
	if err != nil {
		return nil, fmt.Errorf("order journal: amount: %w", err)
	}
	profit, err := numericFromFloat(order.Profit, 2)
	if err != nil {
		return nil, fmt.Errorf("order journal: profit: %w", err)
	}
	metadata, err := encodeMetadata(orderMetadata(order))
	if err != nil {
		return nil, err
	}
	return pgx.NamedArgs{
		"id":              uuid.NewString(),
		"client_id":       int64(order.ClientID),
		"broker_id":       int64(order.BrokerID),
		"symbol":          order.Symbol.String(),
		"direction":       string(order.Direction),
		"kind":            string(order.Kind),
		"amount":          amount,
		"duration_ms":     order.Duration.Milliseconds(),
		"closing_time":    nullableTime(order.ClosingTime),
		"state":           string(order.State),
		"open_price":      order.OpenPrice,
		"close_price":     order.ClosePrice,
		"profit":          profit,
		"send_time":       nullableTime(order.SendTime),
		"open_time":       nullableTime(order.OpenTime),
		"close_time":      nullableTime(order.CloseTime),
		"submit_delay_ms": order.SubmitDelay.Milliseconds(),
		"attempts":        order.Attempts,
		"metadata":        metadata,
	}, nil
}

func orderMetadata(order schema.Order) map[string]any {
	if strings.TrimSpace(order.LastError) == "" {
		return nil
	}
	return map[string]any{"lastError": order.LastError}
}

// List retrieves journaled orders matching the query, newest first.
func (s *OrderJournal) List(ctx context.Context, query orderstore.Query) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	sql, args := buildListQuery(query)
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("order journal: list orders: %w", err)
	}
	defer rows.Close()

	var orders []schema.Order
	for rows.Next() {
		var (
			clientID      int64
			brokerID      int64
			symbol        string
			direction     string
			kind          string
			amount        float64
			durationMS    int64
			closingTime   pgtype.Timestamptz
			state         string
			openPrice     float64
			closePrice    float64
			profit        float64
			sendTime      pgtype.Timestamptz
			openTime      pgtype.Timestamptz
			closeTime     pgtype.Timestamptz
			submitDelayMS int64
			attempts      int
			metadataBytes []byte
		)
		if err := rows.Scan(
			&clientID,
			&brokerID,
			&symbol,
			&direction,
			&kind,
			&amount,
			&durationMS,
			&closingTime,
			&state,
			&openPrice,
			&closePrice,
			&profit,
			&sendTime,
			&openTime,
			&closeTime,
			&submitDelayMS,
			&attempts,
			&metadataBytes,
		); err != nil {
			return nil, fmt.Errorf("order journal: scan order: %w", err)
		}
		sym, ok := schema.ParseSymbol(symbol)
		if !ok {
			return nil, fmt.Errorf("order journal: unknown symbol %q", symbol)
		}
		metadata, err := decodeMetadata(metadataBytes)
		if err != nil {
			return nil, err
		}
		order := schema.Order{
			ClientID:    uint64(clientID),
			BrokerID:    uint64(brokerID),
			Symbol:      sym,
			Direction:   schema.Direction(direction),
			Amount:      amount,
			Kind:        schema.Kind(kind),
			Duration:    time.Duration(durationMS) * time.Millisecond,
			ClosingTime: timeOrZero(closingTime),
			State:       schema.State(state),
			OpenPrice:   openPrice,
			ClosePrice:  closePrice,
			Profit:      profit,
			SendTime:    timeOrZero(sendTime),
			OpenTime:    timeOrZero(openTime),
			CloseTime:   timeOrZero(closeTime),
			SubmitDelay: time.Duration(submitDelayMS) * time.Millisecond,
			Attempts:    attempts,
			LastError:   "",
		}
		if msg, ok := metadata["lastError"].(string); ok {
			order.LastError = msg
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order journal: iterate orders: %w", err)
	}
	return orders, nil
}

func buildListQuery(query orderstore.Query) (string, []any) {
	limit := clampLimit(query.Limit, defaultJournalLimit, maxJournalLimit)

	builder := strings.Builder{}
	builder.WriteString(journalSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 4)
	argPos := 1

	if trimmed := strings.ToUpper(strings.TrimSpace(query.Symbol)); trimmed != "" {
		fmt.Fprintf(&builder, " AND symbol = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if states := normalizedStates(query.States); len(states) > 0 {
		fmt.Fprintf(&builder, " AND state = ANY($%d)", argPos)
		args = append(args, states)
		argPos++
	}
	if len(query.Kinds) > 0 {
		kinds := make([]string, 0, len(query.Kinds))
		for _, kind := range query.Kinds {
			kinds = append(kinds, string(kind))
		}
		fmt.Fprintf(&builder, " AND kind = ANY($%d)", argPos)
		args = append(args, kinds)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY client_id DESC LIMIT $%d", argPos)
	args = append(args, limit)
	return builder.String(), args
}

func encodeMetadata(meta map[string]any) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("order journal: encode metadata: %w", err)
	}
	return data, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("order journal: decode metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timeOrZero(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

func normalizedStates(states []schema.State) []string {
	if len(states) == 0 {
		return nil
	}
	out := make([]string, 0, len(states))
	for _, state := range states {
		trimmed := strings.ToUpper(strings.TrimSpace(string(state)))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

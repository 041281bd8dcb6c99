package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromFloat rounds value to scale decimals and converts it into a pgtype.Numeric.
func numericFromFloat(value float64, scale int32) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	text := decimal.NewFromFloat(value).StringFixed(scale)
	if err := out.Scan(text); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", text, err)
	}
	return out, nil
}

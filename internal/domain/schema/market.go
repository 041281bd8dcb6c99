// Package schema defines the canonical broker data model shared by the stream and order layers.
package schema

import (
	"math"
	"time"
)

// MinuteSeconds is the candle width.
const MinuteSeconds = 60

// Candle is a one minute OHLC bar. Timestamp is the epoch second its minute starts at.
type Candle struct {
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    uint64  `json:"volume"`
	Timestamp int64   `json:"timestamp"`
}

// Tick is a decoded stream quote.
type Tick struct {
	Symbol     Symbol
	Price      float64
	ServerTime float64
}

// MinuteStart truncates an epoch-seconds timestamp to the start of its minute.
func MinuteStart(serverTime float64) int64 {
	return int64(math.Floor(serverTime/MinuteSeconds)) * MinuteSeconds
}

// UnixSeconds converts t to fractional epoch seconds.
func UnixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds converts fractional epoch seconds to a time.
func FromUnixSeconds(sec float64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}

package config

import (
	"strings"
	"time"
)

// Environment identifies the runtime environment where optiongate operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Candle open policies accepted by stream.openPolicy.
const (
	OpenPolicyFirstTick = "first_tick"
	OpenPolicyPrevClose = "prev_close"
)

// StreamTiming holds the parsed stream durations.
type StreamTiming struct {
	MinReconnect time.Duration
	MaxReconnect time.Duration
	PingInterval time.Duration
	WaitTimeout  time.Duration
	// HistoryWindow is zero when seeding is disabled.
	HistoryWindow time.Duration
}

// Timing parses the stream durations. Call only on a validated config.
func (c StreamConfig) Timing() StreamTiming {
	return StreamTiming{
		MinReconnect:  durationOf(c.MinReconnect),
		MaxReconnect:  durationOf(c.MaxReconnect),
		PingInterval:  durationOf(c.PingInterval),
		WaitTimeout:   durationOf(c.WaitTimeout),
		HistoryWindow: durationOf(c.HistoryWindow),
	}
}

// OrdersTiming holds the parsed order engine durations.
type OrdersTiming struct {
	SubmitRetryDelay time.Duration
	CheckRetryDelay  time.Duration
	PollInterval     time.Duration
	MinSubmitDelay   time.Duration
}

// Timing parses the order engine durations. Call only on a validated config.
func (c OrdersConfig) Timing() OrdersTiming {
	return OrdersTiming{
		SubmitRetryDelay: durationOf(c.SubmitRetryDelay),
		CheckRetryDelay:  durationOf(c.CheckRetryDelay),
		PollInterval:     durationOf(c.PollInterval),
		MinSubmitDelay:   durationOf(c.MinSubmitDelay),
	}
}

// Timeout returns the parsed broker HTTP timeout.
func (c BrokerConfig) Timeout() time.Duration {
	return durationOf(c.HTTPTimeout)
}

// Lifetime returns the parsed pool connection lifetime.
func (c DatabaseConfig) Lifetime() time.Duration {
	return durationOf(c.MaxConnLifetime)
}

func durationOf(value string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return d
}

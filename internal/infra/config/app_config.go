// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/optiongate/internal/domain/schema"
)

const (
	envEmail    = "OPTIONGATE_EMAIL"
	envPassword = "OPTIONGATE_PASSWORD"
)

// BrokerConfig identifies the broker endpoints and the account to trade on.
type BrokerConfig struct {
	Name        string `yaml:"name"`
	BaseURL     string `yaml:"baseUrl"`
	StreamURL   string `yaml:"streamUrl"`
	HTTPTimeout string `yaml:"httpTimeout"`
	UserAgent   string `yaml:"userAgent"`
	Email       string `yaml:"email"`
	Password    string `yaml:"password"`
	Demo        bool   `yaml:"demo"`
	Currency    string `yaml:"currency"`
}

// StreamConfig controls the quote stream subscription and candle retention.
type StreamConfig struct {
	Symbols      []string `yaml:"symbols"`
	OpenPolicy   string   `yaml:"openPolicy"`
	MaxCandles   int      `yaml:"maxCandles"`
	MinReconnect string   `yaml:"minReconnect"`
	MaxReconnect string   `yaml:"maxReconnect"`
	PingInterval string   `yaml:"pingInterval"`
	WaitTimeout  string   `yaml:"waitTimeout"`
	// HistoryWindow seeds the candle series from the broker history endpoint. Empty disables seeding.
	HistoryWindow string `yaml:"historyWindow"`
}

// OrdersConfig mirrors the order engine knobs, durations as Go duration strings.
type OrdersConfig struct {
	SubmitAttempts   int    `yaml:"submitAttempts"`
	SubmitRetryDelay string `yaml:"submitRetryDelay"`
	CheckAttempts    int    `yaml:"checkAttempts"`
	CheckRetryDelay  string `yaml:"checkRetryDelay"`
	PollInterval     string `yaml:"pollInterval"`
	MaxWaiting       int    `yaml:"maxWaiting"`
	Standoff         bool   `yaml:"standoff"`
	StandoffScale    int32  `yaml:"standoffScale"`
	MinSubmitDelay   string `yaml:"minSubmitDelay"`
}

// APIServerConfig configures the HTTP order API.
type APIServerConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls the PostgreSQL order journal and migration behaviour.
type DatabaseConfig struct {
	Enabled         bool   `yaml:"enabled"`
	DSN             string `yaml:"dsn"`
	MaxConns        int32  `yaml:"maxConns"`
	MinConns        int32  `yaml:"minConns"`
	MaxConnLifetime string `yaml:"maxConnLifetime"`
	RunMigrations   bool   `yaml:"runMigrations"`
	MigrationsDir   string `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/optiongate"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if strings.TrimSpace(c.MaxConnLifetime) == "" {
		c.MaxConnLifetime = "30m"
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
}

func (c DatabaseConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be within [0, maxConns]")
	}
	if err := positiveDuration("maxConnLifetime", c.MaxConnLifetime); err != nil {
		return err
	}
	return nil
}

// AppConfig is the unified optiongate configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Broker      BrokerConfig    `yaml:"broker"`
	Stream      StreamConfig    `yaml:"stream"`
	Orders      OrdersConfig    `yaml:"orders"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Database    DatabaseConfig  `yaml:"database"`
}

// DefaultAppConfig returns a configuration usable without a file on disk.
func DefaultAppConfig() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Broker: BrokerConfig{
			Name:        "",
			BaseURL:     "",
			StreamURL:   "",
			HTTPTimeout: "",
			UserAgent:   "",
			Email:       "",
			Password:    "",
			Demo:        true,
			Currency:    "",
		},
		Stream: StreamConfig{
			Symbols:       nil,
			OpenPolicy:    "",
			MaxCandles:    0,
			MinReconnect:  "",
			MaxReconnect:  "",
			PingInterval:  "",
			WaitTimeout:   "",
			HistoryWindow: "",
		},
		Orders: OrdersConfig{
			SubmitAttempts:   0,
			SubmitRetryDelay: "",
			CheckAttempts:    0,
			CheckRetryDelay:  "",
			PollInterval:     "",
			MaxWaiting:       0,
			Standoff:         false,
			StandoffScale:    0,
			MinSubmitDelay:   "",
		},
		APIServer: APIServerConfig{
			Addr: "",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "",
			OTLPInsecure:  false,
			EnableMetrics: false,
		},
		Database: DatabaseConfig{
			Enabled:         false,
			DSN:             "",
			MaxConns:        0,
			MinConns:        0,
			MaxConnLifetime: "",
			RunMigrations:   false,
			MigrationsDir:   "",
		},
	}
	cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{Environment: EnvDev}
	cfg.Broker.Demo = true
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the file when present and falls back to DefaultAppConfig otherwise.
// The boolean reports whether the file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	cfg, err := Load(ctx, configPath)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, false, err
	}
	cfg = DefaultAppConfig()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, false, err
	}
	return cfg, false, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.Broker.Name = strings.ToLower(strings.TrimSpace(c.Broker.Name))
	if c.Broker.Name == "" {
		c.Broker.Name = "intrade"
	}
	c.Broker.BaseURL = strings.TrimSpace(c.Broker.BaseURL)
	c.Broker.StreamURL = strings.TrimSpace(c.Broker.StreamURL)
	c.Broker.UserAgent = strings.TrimSpace(c.Broker.UserAgent)
	c.Broker.Email = strings.TrimSpace(c.Broker.Email)
	if email := strings.TrimSpace(os.Getenv(envEmail)); email != "" {
		c.Broker.Email = email
	}
	if password := os.Getenv(envPassword); password != "" {
		c.Broker.Password = password
	}
	c.Broker.Currency = strings.ToUpper(strings.TrimSpace(c.Broker.Currency))
	if c.Broker.Currency == "" {
		c.Broker.Currency = string(schema.CurrencyUSD)
	}
	defaultString(&c.Broker.HTTPTimeout, "10s")

	symbols := make([]string, 0, len(c.Stream.Symbols))
	seen := make(map[string]struct{}, len(c.Stream.Symbols))
	for _, raw := range c.Stream.Symbols {
		name := strings.ToUpper(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		symbols = append(symbols, name)
	}
	if len(symbols) == 0 {
		symbols = []string{string(schema.SymbolEURUSD)}
	}
	c.Stream.Symbols = symbols
	c.Stream.OpenPolicy = strings.ToLower(strings.TrimSpace(c.Stream.OpenPolicy))
	if c.Stream.OpenPolicy == "" {
		c.Stream.OpenPolicy = OpenPolicyFirstTick
	}
	if c.Stream.MaxCandles < 0 {
		c.Stream.MaxCandles = 0
	}
	defaultString(&c.Stream.MinReconnect, "1s")
	defaultString(&c.Stream.MaxReconnect, "5s")
	defaultString(&c.Stream.PingInterval, "30s")
	defaultString(&c.Stream.WaitTimeout, "30s")
	c.Stream.HistoryWindow = strings.TrimSpace(c.Stream.HistoryWindow)

	if c.Orders.SubmitAttempts <= 0 {
		c.Orders.SubmitAttempts = 3
	}
	if c.Orders.CheckAttempts <= 0 {
		c.Orders.CheckAttempts = 10
	}
	if c.Orders.MaxWaiting < 0 {
		c.Orders.MaxWaiting = 0
	}
	defaultString(&c.Orders.SubmitRetryDelay, "1s")
	defaultString(&c.Orders.CheckRetryDelay, "1s")
	defaultString(&c.Orders.PollInterval, "250ms")
	defaultString(&c.Orders.MinSubmitDelay, "0s")

	defaultString(&c.APIServer.Addr, ":8080")

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "optiongate"
	}

	c.Database.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if err := positiveDuration("broker httpTimeout", c.Broker.HTTPTimeout); err != nil {
		return err
	}
	switch schema.Currency(c.Broker.Currency) {
	case schema.CurrencyUSD, schema.CurrencyRUB:
	default:
		return fmt.Errorf("broker currency must be USD or RUB")
	}

	for _, name := range c.Stream.Symbols {
		if _, ok := schema.ParseSymbol(name); !ok {
			return fmt.Errorf("stream symbol %q not supported", name)
		}
	}
	switch c.Stream.OpenPolicy {
	case OpenPolicyFirstTick, OpenPolicyPrevClose:
	default:
		return fmt.Errorf("stream openPolicy must be %q or %q", OpenPolicyFirstTick, OpenPolicyPrevClose)
	}
	for name, value := range map[string]string{
		"stream minReconnect": c.Stream.MinReconnect,
		"stream maxReconnect": c.Stream.MaxReconnect,
		"stream pingInterval": c.Stream.PingInterval,
		"stream waitTimeout":  c.Stream.WaitTimeout,
		"orders pollInterval": c.Orders.PollInterval,
	} {
		if err := positiveDuration(name, value); err != nil {
			return err
		}
	}
	for name, value := range map[string]string{
		"orders submitRetryDelay": c.Orders.SubmitRetryDelay,
		"orders checkRetryDelay":  c.Orders.CheckRetryDelay,
		"orders minSubmitDelay":   c.Orders.MinSubmitDelay,
	} {
		if _, err := parseDuration(name, value); err != nil {
			return err
		}
	}
	if c.Orders.StandoffScale < 0 {
		return fmt.Errorf("orders standoffScale must be >=0")
	}
	if c.Stream.HistoryWindow != "" {
		if err := positiveDuration("stream historyWindow", c.Stream.HistoryWindow); err != nil {
			return err
		}
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func defaultString(field *string, fallback string) {
	*field = strings.TrimSpace(*field)
	if *field == "" {
		*field = fallback
	}
}

func parseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", name, value)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be >=0", name)
	}
	return d, nil
}

func positiveDuration(name, value string) error {
	d, err := parseDuration(name, value)
	if err != nil {
		return err
	}
	if d == 0 {
		return fmt.Errorf("%s must be >0", name)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}

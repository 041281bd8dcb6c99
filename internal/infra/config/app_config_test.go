package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Setenv(envEmail, "")
	t.Setenv(envPassword, "")
	path := writeConfig(t, `
environment: STAGING
broker:
  baseUrl: " https://broker.test "
  email: trader@example.com
  password: hunter2
  demo: false
  currency: rub
  httpTimeout: 3s
stream:
  symbols: [eurusd, " USDJPY ", EURUSD, ""]
  openPolicy: PREV_CLOSE
  maxCandles: 240
  minReconnect: 500ms
  historyWindow: 2h
apiServer:
  addr: " 127.0.0.1:9090 "
orders:
  submitAttempts: 5
  pollInterval: 100ms
  maxWaiting: 4
  standoff: true
database:
  enabled: true
  dsn: postgresql://db:5432/journal
  maxConns: 2
  minConns: 5
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging, got %q", cfg.Environment)
	}
	if cfg.Broker.BaseURL != "https://broker.test" || cfg.Broker.Currency != "RUB" || cfg.Broker.Demo {
		t.Fatalf("unexpected broker config %+v", cfg.Broker)
	}
	if cfg.Broker.Timeout() != 3*time.Second {
		t.Fatalf("expected 3s http timeout, got %v", cfg.Broker.Timeout())
	}
	if got := strings.Join(cfg.Stream.Symbols, ","); got != "EURUSD,USDJPY" {
		t.Fatalf("expected deduplicated symbols, got %s", got)
	}
	if cfg.Stream.OpenPolicy != OpenPolicyPrevClose {
		t.Fatalf("expected prev_close policy, got %q", cfg.Stream.OpenPolicy)
	}
	timing := cfg.Stream.Timing()
	if timing.MinReconnect != 500*time.Millisecond || timing.MaxReconnect != 5*time.Second {
		t.Fatalf("unexpected reconnect bounds %+v", timing)
	}
	if timing.HistoryWindow != 2*time.Hour {
		t.Fatalf("expected 2h history window, got %v", timing.HistoryWindow)
	}
	if cfg.APIServer.Addr != "127.0.0.1:9090" {
		t.Fatalf("expected api server addr 127.0.0.1:9090, got %q", cfg.APIServer.Addr)
	}
	if cfg.Orders.SubmitAttempts != 5 || cfg.Orders.CheckAttempts != 10 || !cfg.Orders.Standoff {
		t.Fatalf("unexpected orders config %+v", cfg.Orders)
	}
	if got := cfg.Orders.Timing(); got.PollInterval != 100*time.Millisecond || got.SubmitRetryDelay != time.Second {
		t.Fatalf("unexpected orders timing %+v", got)
	}
	if cfg.Database.MinConns != 2 || cfg.Database.Lifetime() != 30*time.Minute {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}
}

func TestLoadCredentialsFromEnvironment(t *testing.T) {
	t.Setenv(envEmail, "env@example.com")
	t.Setenv(envPassword, "from-env")
	path := writeConfig(t, "broker:\n  email: file@example.com\n  password: file\n")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Broker.Email != "env@example.com" || cfg.Broker.Password != "from-env" {
		t.Fatalf("expected environment credentials, got %q/%q", cfg.Broker.Email, cfg.Broker.Password)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"environment":   "environment: qa\n",
		"currency":      "broker:\n  currency: EUR\n",
		"symbol":        "stream:\n  symbols: [BTCUSD]\n",
		"open policy":   "stream:\n  openPolicy: midpoint\n",
		"duration":      "orders:\n  pollInterval: soon\n",
		"zero poll":     "orders:\n  pollInterval: 0s\n",
		"negative wait": "orders:\n  submitRetryDelay: -1s\n",
		"database":      "database:\n  enabled: true\n  maxConnLifetime: 0s\n",
		"history":       "stream:\n  historyWindow: 0s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(context.Background(), writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, loaded, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if loaded {
		t.Fatalf("expected defaults when file is absent")
	}
	if cfg.Environment != EnvDev || !cfg.Broker.Demo || cfg.Database.Enabled {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if len(cfg.Stream.Symbols) != 1 || cfg.Stream.Symbols[0] != "EURUSD" {
		t.Fatalf("expected EURUSD default symbol, got %v", cfg.Stream.Symbols)
	}
	if cfg.APIServer.Addr != ":8080" || cfg.Stream.Timing().HistoryWindow != 0 {
		t.Fatalf("unexpected api/history defaults %+v %+v", cfg.APIServer, cfg.Stream)
	}

	if _, _, err := LoadOrDefault(context.Background(), writeConfig(t, "environment: [")); err == nil {
		t.Fatalf("expected parse error to surface")
	}
}

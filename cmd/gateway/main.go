// Command gateway connects a broker session, streams quotes and runs the order engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/optiongate/db/migrations"
	"github.com/coachpo/optiongate/internal/candles"
	"github.com/coachpo/optiongate/internal/clock"
	"github.com/coachpo/optiongate/internal/domain/orderstore"
	"github.com/coachpo/optiongate/internal/domain/schema"
	"github.com/coachpo/optiongate/internal/infra/adapters/broker"
	"github.com/coachpo/optiongate/internal/infra/config"
	"github.com/coachpo/optiongate/internal/infra/persistence/memory"
	"github.com/coachpo/optiongate/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/optiongate/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/optiongate/internal/infra/server/http"
	"github.com/coachpo/optiongate/internal/infra/telemetry"
	"github.com/coachpo/optiongate/internal/observability"
	"github.com/coachpo/optiongate/internal/orders"
	"github.com/coachpo/optiongate/internal/quotes"
)

const (
	defaultConfigPath        = "config/app.yaml"
	gatewayLoggerPrefix      = "gateway "
	memoryJournalRetention   = 24 * time.Hour
	shutdownTimeout          = 30 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
	apiShutdownTimeout       = 5 * time.Second
	lifecycleShutdownTimeout = 5 * time.Second
	historyFetchTimeout      = 10 * time.Second
	engineShutdownTimeout    = 15 * time.Second
	streamShutdownTimeout    = 5 * time.Second
	journalShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newGatewayLogger()
	observability.SetLogger(observability.NewStdLogger(logger, false))

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, broker=%s, symbols=%v",
		appCfg.Environment, appCfg.Broker.Name, appCfg.Stream.Symbols)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	client, session, err := connectBroker(ctx, logger, appCfg.Broker)
	if err != nil {
		logger.Fatalf("connect broker: %v", err)
	}

	journal, pool, err := openJournal(ctx, logger, appCfg.Database)
	if err != nil {
		logger.Fatalf("open order journal: %v", err)
	}

	streamCfg, err := streamConfigFrom(appCfg, client.StreamURL())
	if err != nil {
		logger.Fatalf("stream config: %v", err)
	}
	stream, err := quotes.New(streamCfg, clock.Real(), observability.Log())
	if err != nil {
		logger.Fatalf("initialise quote stream: %v", err)
	}
	if err := stream.Start(); err != nil {
		logger.Fatalf("start quote stream: %v", err)
	}
	if stream.Wait(ctx, appCfg.Stream.Timing().WaitTimeout) {
		logger.Printf("quote stream ready: offset=%.3fs", stream.Offset())
	} else {
		logger.Printf("quote stream not ready after %s: %s", appCfg.Stream.WaitTimeout, stream.LastError())
	}
	if window := appCfg.Stream.Timing().HistoryWindow; window > 0 {
		seedHistory(ctx, logger, client, stream, streamCfg.Symbols, window, time.Now())
	}

	gateway := broker.NewOrderGateway(client, session)
	engine, err := orders.NewEngine(engineConfigFrom(appCfg), gateway, stream,
		orders.WithClock(clock.Real()),
		orders.WithLogger(observability.Log()),
		orders.WithJournal(journal),
	)
	if err != nil {
		logger.Fatalf("initialise order engine: %v", err)
	}

	var lifecycle conc.WaitGroup
	apiServer := buildAPIServer(appCfg.APIServer, engine)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("order API listening on %s", apiServer.Addr)

	logger.Print("gateway started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	if err := performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:    apiServer,
		lifecycle: &lifecycle,
		engine:    engine,
		stream:    stream,
		journal:   journal,
		pool:      pool,
		telemetry: telemetryProvider,
	}); err != nil {
		logger.Printf("shutdown finished with errors: %v", err)
	}
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newGatewayLogger() *log.Logger {
	return log.New(os.Stdout, gatewayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func connectBroker(ctx context.Context, logger *log.Logger, cfg config.BrokerConfig) (*broker.Client, broker.Session, error) {
	client := broker.NewClient(broker.Config{
		Name:        cfg.Name,
		BaseURL:     cfg.BaseURL,
		StreamURL:   cfg.StreamURL,
		HTTPTimeout: cfg.Timeout(),
		UserAgent:   cfg.UserAgent,
	}, observability.Log())

	session, err := client.Connect(ctx, broker.SessionConfig{
		Email:    cfg.Email,
		Password: cfg.Password,
		Demo:     cfg.Demo,
		Currency: schema.Currency(cfg.Currency),
	})
	if err != nil {
		return nil, broker.Session{}, err
	}
	balance, err := client.RefreshBalance(ctx, session)
	if err != nil {
		return nil, broker.Session{}, fmt.Errorf("read balance: %w", err)
	}
	logger.Printf("broker session connected: demo=%t, currency=%s, balance=%.2f", session.Demo, session.Currency, balance)
	return client, session, nil
}

func openJournal(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (orderstore.Journal, *pgxpool.Pool, error) {
	if !cfg.Enabled {
		logger.Printf("database disabled; journaling orders in memory for %s", memoryJournalRetention)
		return memory.NewJournal(memoryJournalRetention), nil, nil
	}
	if cfg.RunMigrations {
		var err error
		if cfg.MigrationsDir != "" {
			err = migrations.Apply(ctx, cfg.DSN, cfg.MigrationsDir, logger)
		} else {
			err = migrations.ApplyFS(ctx, cfg.DSN, dbmigrations.Files, logger)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := pgstore.OpenPool(ctx, pgstore.PoolConfig{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.Lifetime(),
	})
	if err != nil {
		return nil, nil, err
	}
	pgstore.ObservePoolMetrics(pool, "journal")
	logger.Printf("order journal connected: max_conns=%d", cfg.MaxConns)
	return pgstore.NewOrderJournal(pool), pool, nil
}

func openPolicyOf(name string) candles.OpenPolicy {
	if name == config.OpenPolicyPrevClose {
		return candles.OpenPrevClose
	}
	return candles.OpenFirstTick
}

func streamConfigFrom(cfg config.AppConfig, streamURL string) (quotes.Config, error) {
	symbols := make([]schema.Symbol, 0, len(cfg.Stream.Symbols))
	for _, name := range cfg.Stream.Symbols {
		sym, ok := schema.ParseSymbol(name)
		if !ok {
			return quotes.Config{}, fmt.Errorf("unknown symbol %q", name)
		}
		symbols = append(symbols, sym)
	}
	timing := cfg.Stream.Timing()
	return quotes.Config{
		URL:          streamURL,
		Symbols:      symbols,
		Broker:       cfg.Broker.Name,
		OpenPolicy:   openPolicyOf(cfg.Stream.OpenPolicy),
		MaxCandles:   cfg.Stream.MaxCandles,
		MinReconnect: timing.MinReconnect,
		MaxReconnect: timing.MaxReconnect,
		PingInterval: timing.PingInterval,
		PingTimeout:  0,
		ReadLimit:    0,
		Decoder:      nil,
	}, nil
}

func engineConfigFrom(cfg config.AppConfig) orders.Config {
	timing := cfg.Orders.Timing()
	return orders.Config{
		Broker:           cfg.Broker.Name,
		Currency:         schema.Currency(cfg.Broker.Currency),
		SubmitAttempts:   cfg.Orders.SubmitAttempts,
		SubmitRetryDelay: timing.SubmitRetryDelay,
		CheckAttempts:    cfg.Orders.CheckAttempts,
		CheckRetryDelay:  timing.CheckRetryDelay,
		PollInterval:     timing.PollInterval,
		MaxWaiting:       cfg.Orders.MaxWaiting,
		Standoff:         cfg.Orders.Standoff,
		StandoffScale:    cfg.Orders.StandoffScale,
		MinSubmitDelay:   timing.MinSubmitDelay,
	}
}

// candleFetcher loads historical minute candles.
type candleFetcher interface {
	FetchCandles(ctx context.Context, sym schema.Symbol, from, to time.Time, mode broker.PriceMode) ([]schema.Candle, error)
}

// seedHistory backfills each symbol's candle series. Failures are logged and
// leave the series to the live feed.
func seedHistory(ctx context.Context, logger *log.Logger, fetcher candleFetcher, stream *quotes.Stream, symbols []schema.Symbol, window time.Duration, now time.Time) int {
	total := 0
	for _, sym := range symbols {
		fetchCtx, cancel := context.WithTimeout(ctx, historyFetchTimeout)
		history, err := fetcher.FetchCandles(fetchCtx, sym, now.Add(-window), now, broker.PriceMid)
		cancel()
		if err != nil {
			logger.Printf("history seed %s skipped: %v", sym, err)
			continue
		}
		added := stream.Seed(sym, history)
		total += added
		logger.Printf("history seed %s: %d candles", sym, added)
	}
	return total
}

func buildAPIServer(cfg config.APIServerConfig, engine httpserver.OrderEngine) *http.Server {
	handler := httpserver.NewHandler(engine, observability.Log())

	return &http.Server{
		Addr:                         cfg.Addr,
		Handler:                      handler,
		DisableGeneralOptionsHandler: false,
		TLSConfig:                    nil,
		ReadTimeout:                  0,
		WriteTimeout:                 0,
		IdleTimeout:                  0,
		MaxHeaderBytes:               0,
		TLSNextProto:                 nil,
		ConnState:                    nil,
		ErrorLog:                     nil,
		BaseContext:                  nil,
		ConnContext:                  nil,
		HTTP2:                        nil,
		Protocols:                    nil,
		ReadHeaderTimeout:            apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("order API: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server    *http.Server
	lifecycle *conc.WaitGroup
	engine    *orders.Engine
	stream    *quotes.Stream
	journal   orderstore.Journal
	pool      *pgxpool.Pool
	telemetry *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) error {
	var failures []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping order API", apiShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.engine != nil {
		shutdownStep("stopping order engine", engineShutdownTimeout, func(stepCtx context.Context) error {
			waiting := cfg.engine.Waiting()
			if err := cfg.engine.Close(stepCtx); err != nil {
				return err
			}
			if waiting > 0 {
				logger.Printf("shutdown: %d orders abandoned while awaiting settlement", waiting)
			}
			return nil
		})
	}

	if cfg.stream != nil {
		shutdownStep("closing quote stream", streamShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan error, 1)
			go func() { done <- cfg.stream.Close() }()
			select {
			case err := <-done:
				return err
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if closer, ok := cfg.journal.(*memory.Journal); ok {
		closer.Close()
	}
	if cfg.pool != nil {
		shutdownStep("closing journal pool", journalShutdownTimeout, func(context.Context) error {
			cfg.pool.Close()
			return nil
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}

	return observability.AggregateErrors(observability.Log(), "gateway shutdown", failures...)
}

// Command algoexec launches the strategy execution engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/quantfoundry/algoexec/config"
	"github.com/quantfoundry/algoexec/internal/adapter"
	"github.com/quantfoundry/algoexec/internal/adapter/paper"
	"github.com/quantfoundry/algoexec/internal/adapter/ws"
	"github.com/quantfoundry/algoexec/internal/host"
	"github.com/quantfoundry/algoexec/internal/observability"
	"github.com/quantfoundry/algoexec/internal/persistence"
	"github.com/quantfoundry/algoexec/internal/persistence/migrations"
	"github.com/quantfoundry/algoexec/internal/persistence/postgres"
	"github.com/quantfoundry/algoexec/internal/strategies"
	"github.com/quantfoundry/algoexec/internal/telemetry"
	"github.com/quantfoundry/algoexec/lib/async"
)

const (
	loggerPrefix    = "algoexec "
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newEngineLogger()
	observability.SetLogger(observability.NewStdLogger(logger, os.Getenv("ALGOEXEC_DEBUG") == "true"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: venue=%s, store=%s", cfg.Venue.Mode, cfg.Store.Driver)

	telemetryProvider, err := initTelemetry(ctx, logger, cfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	venue, err := buildVenue(cfg.Venue)
	if err != nil {
		logger.Fatalf("initialise venue adapter: %v", err)
	}

	store, storeClose, err := buildStore(ctx, logger, cfg.Store)
	if err != nil {
		logger.Fatalf("initialise snapshot store: %v", err)
	}

	pool, err := async.NewPool(cfg.Host.PoolWorkers, cfg.Host.PoolQueue)
	if err != nil {
		logger.Fatalf("initialise worker pool: %v", err)
	}

	engine, err := host.New(host.Options{
		Adapter:     venue,
		Store:       store,
		Pool:        pool,
		SubmitRate:  rate.Limit(cfg.Host.SubmitRate),
		SubmitBurst: cfg.Host.SubmitBurst,
		AckTimeout:  cfg.Host.AckTimeout,
	})
	if err != nil {
		logger.Fatalf("initialise host: %v", err)
	}

	if err := registerDefinitions(engine); err != nil {
		logger.Fatalf("register strategies: %v", err)
	}

	if err := venue.Connect(ctx); err != nil {
		logger.Fatalf("connect venue: %v", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() { engine.Run(ctx) })

	if err := engine.Resume(ctx); err != nil {
		logger.Printf("resume instances: %v", err)
	}
	logger.Printf("engine started: instances=%d; awaiting shutdown signal", engine.InstanceCount())

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	if err := engine.Close(shutdownCtx); err != nil {
		logger.Printf("host close: %v", err)
	}
	if err := venue.Close(shutdownCtx); err != nil {
		logger.Printf("venue close: %v", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Printf("pool shutdown: %v", err)
	}
	storeClose()
	if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	cancel()
	lifecycle.Wait()
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", "Path to engine configuration file (default: config/algoexec.yaml)")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newEngineLogger() *log.Logger {
	return log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}
	return provider, nil
}

func registerDefinitions(engine *host.Host) error {
	if err := engine.RegisterDefinition(strategies.TWAP()); err != nil {
		return err
	}
	return engine.RegisterDefinition(strategies.Accumulate())
}

func buildVenue(cfg config.VenueConfig) (adapter.Adapter, error) {
	switch cfg.Mode {
	case "paper":
		minSizes, err := parseDecimalMap(cfg.Paper.MinSizes)
		if err != nil {
			return nil, fmt.Errorf("venue.paper.minSizes: %w", err)
		}
		balances, err := parseDecimalMap(cfg.Paper.Balances)
		if err != nil {
			return nil, fmt.Errorf("venue.paper.balances: %w", err)
		}
		return paper.New(paper.Options{
			MinSizes: minSizes,
			Balances: balances,
			AutoFill: cfg.Paper.AutoFill,
		}), nil
	case "ws":
		return ws.New(ws.Options{
			URL:            cfg.WS.URL,
			APIKey:         cfg.WS.APIKey,
			ConnectTimeout: cfg.WS.ConnectTimeout,
			EventBuffer:    cfg.WS.EventBuffer,
		}), nil
	default:
		return nil, fmt.Errorf("unknown venue mode %q", cfg.Mode)
	}
}

func buildStore(ctx context.Context, logger *log.Logger, cfg config.StoreConfig) (persistence.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		return persistence.NewMemoryStore(), func() {}, nil
	case "postgres":
		if cfg.Migrate {
			if err := migrations.Apply(ctx, cfg.DSN); err != nil {
				return nil, nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Print("database migrations applied")
		}
		dbPool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.NewStore(dbPool), dbPool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func parseDecimalMap(src map[string]string) (map[string]decimal.Decimal, error) {
	if len(src) == 0 {
		return nil, nil
	}
	out := make(map[string]decimal.Decimal, len(src))
	for key, raw := range src {
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = value
	}
	return out, nil
}

// Command migrate applies the snapshot store database migrations.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/quantfoundry/algoexec/config"
	"github.com/quantfoundry/algoexec/internal/observability"
	"github.com/quantfoundry/algoexec/internal/persistence/migrations"
)

func main() {
	cfgPath := flag.String("config", "", "Path to engine configuration file (default: config/algoexec.yaml)")
	dsn := flag.String("dsn", "", "Postgres DSN; overrides the configured store DSN")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, "migrate ", log.LstdFlags)
	observability.SetLogger(observability.NewStdLogger(logger, false))

	target := strings.TrimSpace(*dsn)
	if target == "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
		if cfg.Store.Driver != "postgres" {
			logger.Fatalf("store driver %q has no migrations", cfg.Store.Driver)
		}
		target = cfg.Store.DSN
	}

	if err := migrations.Apply(ctx, target); err != nil {
		logger.Fatalf("apply migrations: %v", err)
	}
	logger.Print("migrations applied")
}

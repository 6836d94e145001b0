// Package migrations wires golang-migrate execution for the algoexec
// persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver

	dbmigrations "github.com/quantfoundry/algoexec/db/migrations"
	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/observability"
)

// Apply runs the embedded migrations against the Postgres instance reachable
// via dsn. Already-applied migrations are a no-op.
func Apply(ctx context.Context, dsn string) error {
	const op = "migrations.Apply"

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("open migrations connection"),
			errs.WithCause(err))
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			observability.Log().Error("migrations connection close",
				observability.F("error", cerr.Error()))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("ping migrations database"),
			errs.WithCause(err))
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("initialise pgx v5 driver"),
			errs.WithCause(err))
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("open embedded migrations"),
			errs.WithCause(err))
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("initialise migrate instance"),
			errs.WithCause(err))
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Error("migrations source close",
				observability.F("error", sourceErr.Error()))
		}
		if dbErr != nil {
			observability.Log().Error("migrations db close",
				observability.F("error", dbErr.Error()))
		}
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Log().Info("database migrations up-to-date")
			return nil
		}
		return errs.New(op, errs.CodeUnavailable,
			errs.WithMessage("apply migrations"),
			errs.WithCause(err))
	}

	observability.Log().Info("database migrations applied")
	return nil
}

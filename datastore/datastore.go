// Package datastore holds the databases a loader can commit batches to.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnknownImplementation is returned by Open for an implementation name it
// does not recognise.
var ErrUnknownImplementation = errors.New("unknown datastore implementation")

// Store runs bulk statements. It satisfies loader.Datastore.
type Store interface {
	Query(ctx context.Context, sql string) (any, error)
	Close() error
}

const (
	ImplPostgres    = "postgres"
	ImplBigQuery    = "bigquery"
	ImplDevelopment = "development"
	ImplBlackhole   = "blackhole"
)

type Config struct {
	// Implementation is one of postgres, bigquery, development or blackhole.
	Implementation string            `mapstructure:"implementation"`
	Postgres       PostgresConfig    `mapstructure:"postgres"`
	BigQuery       BigQueryConfig    `mapstructure:"bigquery"`
	Development    DevelopmentConfig `mapstructure:"development"`
}

type DevelopmentConfig struct {
	// Delay is added to every query.
	Delay time.Duration `mapstructure:"delay"`
}

// Open connects to the datastore named by cfg.Implementation.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (Store, error) {
	switch cfg.Implementation {
	case ImplPostgres:
		return NewPostgres(ctx, cfg.Postgres, log)
	case ImplBigQuery:
		return NewBigQuery(ctx, cfg.BigQuery, log)
	case ImplDevelopment:
		return &Development{Delay: cfg.Development.Delay}, nil
	case ImplBlackhole:
		return Blackhole{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownImplementation, cfg.Implementation)
	}
}

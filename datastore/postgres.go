package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v4/pgxpool"
)

type PostgresConfig struct {
	// Connection holds libpq connection parameters such as host, port, user,
	// password and dbname.
	Connection map[string]string `mapstructure:"connection"`
	// ConnectAttempts is how many times to try connecting before giving up.
	ConnectAttempts uint          `mapstructure:"connectAttempts"`
	ConnectDelay    time.Duration `mapstructure:"connectDelay"`
}

// Postgres runs statements on a PostgreSQL (or Redshift) connection pool.
// Query returns the number of rows affected as an int64.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgres connects and checks the connection with a ping, retrying while
// the database comes up.
func NewPostgres(ctx context.Context, cfg PostgresConfig, log *slog.Logger) (*Postgres, error) {
	attempts := cfg.ConnectAttempts
	if attempts == 0 {
		attempts = 5
	}
	delay := cfg.ConnectDelay
	if delay == 0 {
		delay = time.Second
	}
	connString := ConnectionString(cfg.Connection)

	var pool *pgxpool.Pool
	err := retry.Do(
		func() error {
			p, err := pgxpool.Connect(ctx, connString)
			if err != nil {
				return fmt.Errorf("connecting: %w", err)
			}
			if err := p.Ping(ctx); err != nil {
				p.Close()
				return fmt.Errorf("pinging: %w", err)
			}
			pool = p
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.LogAttrs(ctx, slog.LevelWarn, "postgres not ready", slog.Any("error", err), slog.Uint64("attempt", uint64(n+1)))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return &Postgres{pool: pool, log: log}, nil
}

// ConnectionString builds a libpq key/value connection string. Keys are
// sorted so the result is stable.
func ConnectionString(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "='" + replacer.Replace(values[k]) + "'"
	}
	return strings.Join(parts, " ")
}

func (p *Postgres) Query(ctx context.Context, sql string) (any, error) {
	tag, err := p.pool.Exec(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("executing statement: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

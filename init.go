package teststack

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config returns the database configuration.
func Config(_ context.Context, c *DatabaseContainer) (DatabaseConfig, error) {
	return c.Conf, nil
}

// URL returns the database connection URL.
func URL(_ context.Context, c *DatabaseContainer) (string, error) {
	return c.Conf.URL, nil
}

// DSN returns the data source name for the engine's database/sql driver.
func DSN(_ context.Context, c *DatabaseContainer) (string, error) {
	return c.Conf.DSN, nil
}

// SQLDB opens and pings a *sql.DB for the database.
func SQLDB(ctx context.Context, c *DatabaseContainer) (*sql.DB, error) {
	def, err := c.Conf.Engine.definition()
	if err != nil {
		return nil, err
	}
	db, err := def.openDB(c.Conf)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", c.Conf.Engine, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("ping %s: %w", c.Conf.Engine, err), db.Close())
	}
	return db, nil
}

// PgxPool opens and pings a pgx connection pool. Only Postgres is supported.
func PgxPool(ctx context.Context, c *DatabaseContainer) (*pgxpool.Pool, error) {
	if c.Conf.Engine != Postgres {
		return nil, fmt.Errorf("pgx pool for %s: %w", c.Conf.Engine, ErrUnsupportedEngine)
	}
	pool, err := pgxpool.New(ctx, c.Conf.URL)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pgx pool: %w", err)
	}
	return pool, nil
}

// Container passes the container through unchanged.
func Container[C any](_ context.Context, c *TestContainer[C]) (*TestContainer[C], error) {
	return c, nil
}

// HostPort resolves the host port mapped to port.
func HostPort(port Port) Init[*CustomContainer, int] {
	return func(ctx context.Context, c *CustomContainer) (int, error) {
		return c.HostPort(ctx, port)
	}
}

// Address resolves port to a host:port address.
func Address(port Port) Init[*CustomContainer, string] {
	return func(ctx context.Context, c *CustomContainer) (string, error) {
		p, err := c.HostPort(ctx, port)
		if err != nil {
			return "", err
		}
		return net.JoinHostPort(c.Host(), strconv.Itoa(p)), nil
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/cartsync/internal/clock"
)

// BuildPool creates a pgx pool with sane defaults.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.MinConns = 1
	config.MaxConns = 4
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	return pgxpool.NewWithConfig(ctx, config)
}

// EnsureSchema creates the cookie table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS cookies (
    namespace TEXT NOT NULL,
    name TEXT NOT NULL,
    value TEXT NOT NULL,
    expires_unix BIGINT NOT NULL DEFAULT 0,
    updated_unix BIGINT NOT NULL,
    PRIMARY KEY (namespace, name)
);
`)
	return err
}

// PostgresCookieBackend persists cookies in PostgreSQL through a pgx pool.
type PostgresCookieBackend struct {
	pool      *pgxpool.Pool
	namespace string
	clock     clock.Clock
}

// NewPostgresCookieBackend constructs a Postgres backend over an existing pool.
func NewPostgresCookieBackend(pool *pgxpool.Pool, namespace string, timeSource clock.Clock) *PostgresCookieBackend {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if timeSource == nil {
		timeSource = clock.Real()
	}
	return &PostgresCookieBackend{pool: pool, namespace: namespace, clock: timeSource}
}

// SetCookie upserts the cookie row.
func (backend *PostgresCookieBackend) SetCookie(ctx context.Context, cookie *http.Cookie) error {
	var expiresUnix int64
	if !cookie.Expires.IsZero() {
		expiresUnix = cookie.Expires.Unix()
	}
	_, err := backend.pool.Exec(ctx, `
INSERT INTO cookies (namespace, name, value, expires_unix, updated_unix)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (namespace, name) DO UPDATE
SET value = EXCLUDED.value, expires_unix = EXCLUDED.expires_unix, updated_unix = EXCLUDED.updated_unix
`, backend.namespace, cookie.Name, cookie.Value, expiresUnix, backend.clock.Now().Unix())
	if err != nil {
		return fmt.Errorf("cookie_store.set.pgx: %w", err)
	}
	return nil
}

// Cookie loads a cookie row, treating expired rows as missing.
func (backend *PostgresCookieBackend) Cookie(ctx context.Context, name string) (*http.Cookie, error) {
	var value string
	var expiresUnix int64
	row := backend.pool.QueryRow(ctx, `
SELECT value, expires_unix
FROM cookies
WHERE namespace = $1 AND name = $2
`, backend.namespace, name)
	if scanErr := row.Scan(&value, &expiresUnix); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, fmt.Errorf("cookie_store.get.pgx: %w", ErrCookieNotFound)
		}
		return nil, fmt.Errorf("cookie_store.get.pgx: %w", scanErr)
	}
	cookie := &http.Cookie{Name: name, Value: value}
	if expiresUnix != 0 {
		cookie.Expires = time.Unix(expiresUnix, 0).UTC()
		if !backend.clock.Now().Before(cookie.Expires) {
			return nil, fmt.Errorf("cookie_store.get.pgx: %w", ErrCookieNotFound)
		}
	}
	return cookie, nil
}

// DeleteCookie removes the cookie row.
func (backend *PostgresCookieBackend) DeleteCookie(ctx context.Context, name string) error {
	_, err := backend.pool.Exec(ctx, `DELETE FROM cookies WHERE namespace = $1 AND name = $2`, backend.namespace, name)
	if err != nil {
		return fmt.Errorf("cookie_store.delete.pgx: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/roach88/cloudbridge/internal/schema"
)

var postgresDialect = dialect{
	name:        "postgres",
	driver:      "pgx",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
}

// OpenPostgres opens a Postgres-backed store. The objects and commits
// tables are created if missing.
func OpenPostgres(dsn string, registry *schema.Registry, opts ...Option) (*Durable, error) {
	db, err := sqlOpen(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	d, err := openDurable(db, postgresDialect, registry, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

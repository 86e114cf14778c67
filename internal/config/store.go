package config

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/cloudbridge/internal/schema"
	"github.com/roach88/cloudbridge/internal/store"
)

// LoadSchema loads the configured schema.
func (c Config) LoadSchema() (*schema.Registry, error) {
	if c.Schema == "" {
		return nil, fmt.Errorf("no schema configured")
	}
	return schema.LoadPath(c.Schema)
}

// OpenStore opens the configured store over registry. Close the returned
// closer when done; for the memory driver it does nothing.
func (c Config) OpenStore(registry *schema.Registry, logger *slog.Logger) (*store.Memory, io.Closer, error) {
	opts := []store.Option{store.WithLogger(logger)}
	switch c.Store.Driver {
	case DriverMemory:
		return store.NewMemory(registry, opts...), nopCloser{}, nil
	case DriverSQLite:
		d, err := store.OpenSQLite(c.Store.DSN, registry, opts...)
		if err != nil {
			return nil, nil, err
		}
		return d.Memory, d, nil
	case DriverPostgres:
		d, err := store.OpenPostgres(c.Store.DSN, registry, opts...)
		if err != nil {
			return nil, nil, err
		}
		return d.Memory, d, nil
	}
	return nil, nil, fmt.Errorf("unknown store.driver %q", c.Store.Driver)
}

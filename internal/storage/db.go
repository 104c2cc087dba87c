package storage

import (
	"context"
	"fmt"
)

// Config holds the storage settings: which Store backend to use plus
// the optional ClickHouse archive.
type Config struct {
	// Backend selects the Store implementation: "postgres" or "sqlite".
	Backend string

	// SQLitePath is the database file path when Backend is "sqlite".
	SQLitePath string

	Postgres PostgresConfig

	// ArchiveEnabled turns on the raw feed message archive.
	ArchiveEnabled bool
	ClickHouse     ClickHouseConfig
}

// OpenStore opens the configured Store backend.
func OpenStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "postgres":
		s, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		return s, nil
	case "sqlite", "":
		s, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// DB bundles the Store with the optional raw message archive.
type DB struct {
	Store   Store
	Archive *Archive // nil when the archive is disabled
}

// Open opens the Store and, if enabled, the ClickHouse archive.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	db := &DB{Store: store}
	if cfg.ArchiveEnabled {
		archive, err := OpenArchive(ctx, cfg.ClickHouse)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		db.Archive = archive
	}
	return db, nil
}

// Close closes all open connections.
func (d *DB) Close() error {
	var errs []error
	if d.Archive != nil {
		if err := d.Archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

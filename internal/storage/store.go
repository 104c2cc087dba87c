// Package storage persists train state and rail reference data.
//
// Two Store implementations share one contract: PostgresStore
// (pgx/v5) for service deployments and SQLiteStore (modernc.org/sqlite)
// for tests and single-node use. An optional ClickHouse archive keeps
// the raw feed messages; it is append-only and lives outside the Store
// contract.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate reports a unique-constraint violation. Ingestion treats
// it as "already recorded" rather than as a failure.
var ErrDuplicate = errors.New("storage: duplicate row")

// refreshChunkSize bounds the working set of full-refresh inserts.
const refreshChunkSize = 5000

// PositionQuery filters QueryPositions. Zero-value fields are ignored.
type PositionQuery struct {
	TrainID string
	Stanox  string
	Since   *time.Time
	Limit   int // capped at 10000, defaults to 1000
}

// Tx groups the per-envelope writes of the ingestion path into one
// transaction. A duplicate key surfacing at Commit is reported as
// ErrDuplicate so the caller can treat the envelope as already
// applied.
type Tx interface {
	FindTrainRun(ctx context.Context, trainID string) (*TrainRun, error)
	InsertTrainRun(ctx context.Context, run TrainRun) error
	UpdateTrainRun(ctx context.Context, run TrainRun) error

	// InsertMovementEvent inserts if no row with the same unique key
	// exists. Returns false (and no error) for a duplicate.
	InsertMovementEvent(ctx context.Context, ev MovementEvent) (bool, error)

	UpsertCurrentPosition(ctx context.Context, pos CurrentTrainPosition) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is the repository contract consumed by the ingestion,
// importer and merge pipelines.
type Store interface {
	Begin(ctx context.Context) (Tx, error)

	// Reads.
	CurrentPositions(ctx context.Context) ([]CurrentTrainPosition, error)
	QueryPositions(ctx context.Context, q PositionQuery) ([]CurrentTrainPosition, error)
	AllRailLocations(ctx context.Context) ([]RailLocation, error)
	RailLocationByStanox(ctx context.Context, stanox string) (*RailLocation, error)
	RailLocationLiteByStanox(ctx context.Context, stanox []string) (map[string]RailLocationLite, error)
	MergedBetween(ctx context.Context, from, to time.Time) ([]TrainAndRailMergeLite, error)
	TrainIDs(ctx context.Context, serviceDate *time.Time) ([]string, error)
	MovementsForTrain(ctx context.Context, trainID string, from, to *time.Time) ([]MovementEvent, error)

	// Full refresh: delete everything then insert rows in chunks,
	// all inside a single transaction. A failure leaves the previous
	// table content intact.
	ReplaceRailLocations(ctx context.Context, rows []RailLocation) (int, error)
	ReplaceRailLocationLite(ctx context.Context, rows []RailLocationLite) (int, error)
	ReplaceMerged(ctx context.Context, rows []TrainAndRailMergeLite) (int, error)

	// Retention.
	DeleteOldPositions(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOldMovements(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteOldTrainRuns(ctx context.Context, cutoffDate time.Time) (int64, error)

	Close() error
}

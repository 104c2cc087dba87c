package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresStore is a Store backed by a PostgreSQL connection pool. It
// is the service deployment backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL and bootstraps
// the schema.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS train_runs (
		train_id      TEXT PRIMARY KEY,
		train_uid     TEXT,
		toc_id        TEXT,
		service_date  DATE,
		first_seen    TIMESTAMPTZ NOT NULL,
		last_seen     TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_train_runs_service_date ON train_runs(service_date);

	CREATE TABLE IF NOT EXISTS movement_events (
		id                     BIGSERIAL PRIMARY KEY,
		train_id               TEXT NOT NULL,
		event_type             TEXT NOT NULL,
		actual_timestamp_ms    BIGINT NOT NULL,
		loc_stanox             TEXT NOT NULL,
		planned_timestamp_ms   BIGINT NOT NULL,
		gbtt_timestamp_ms      BIGINT,
		planned_event_type     TEXT,
		event_source           TEXT,
		correction_ind         BOOLEAN NOT NULL DEFAULT FALSE,
		offroute_ind           BOOLEAN NOT NULL DEFAULT FALSE,
		direction_ind          TEXT,
		platform               TEXT,
		route                  INTEGER,
		train_service_code     TEXT,
		division_code          TEXT,
		toc_id                 TEXT,
		timetable_variation    INTEGER,
		variation_status       TEXT,
		next_report_stanox     TEXT,
		next_report_run_time   INTEGER,
		train_terminated       BOOLEAN NOT NULL DEFAULT FALSE,
		delay_monitoring_point BOOLEAN NOT NULL DEFAULT FALSE,
		reporting_stanox       TEXT,
		auto_expected          BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (train_id, actual_timestamp_ms, loc_stanox, event_type)
	);

	CREATE INDEX IF NOT EXISTS idx_movement_events_train ON movement_events(train_id, actual_timestamp_ms);

	CREATE TABLE IF NOT EXISTS current_train_positions (
		train_id         TEXT PRIMARY KEY,
		loc_stanox       TEXT NOT NULL,
		reported_at      TIMESTAMPTZ NOT NULL,
		direction        TEXT,
		line             TEXT,
		variation_status TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_positions_reported_at ON current_train_positions(reported_at);

	CREATE TABLE IF NOT EXISTS rail_locations (
		stanox     TEXT NOT NULL,
		tiploc     TEXT NOT NULL,
		name       TEXT,
		easting    INTEGER,
		northing   INTEGER,
		latitude   DOUBLE PRECISION,
		longitude  DOUBLE PRECISION,
		valid_from TIMESTAMPTZ,
		valid_to   TIMESTAMPTZ,
		source     TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (stanox, tiploc)
	);

	CREATE INDEX IF NOT EXISTS idx_rail_locations_tiploc ON rail_locations(tiploc);

	CREATE TABLE IF NOT EXISTS rail_location_lite (
		stanox    TEXT PRIMARY KEY,
		latitude  DOUBLE PRECISION,
		longitude DOUBLE PRECISION
	);

	CREATE TABLE IF NOT EXISTS train_rail_merged (
		train_id    TEXT NOT NULL,
		loc_stanox  TEXT NOT NULL,
		reported_at TIMESTAMPTZ NOT NULL,
		direction   TEXT,
		latitude    DOUBLE PRECISION,
		longitude   DOUBLE PRECISION,
		PRIMARY KEY (train_id, loc_stanox)
	);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// isPgUniqueViolation reports whether err is a unique constraint
// violation (SQLSTATE 23505).
func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Begin starts an ingestion transaction.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) FindTrainRun(ctx context.Context, trainID string) (*TrainRun, error) {
	var run TrainRun
	err := t.tx.QueryRow(ctx, `
		SELECT train_id, train_uid, toc_id, service_date, first_seen, last_seen
		FROM train_runs WHERE train_id = $1
	`, trainID).Scan(&run.TrainID, &run.TrainUID, &run.TocID, &run.ServiceDate,
		&run.FirstSeenUTC, &run.LastSeenUTC)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (t *pgTx) InsertTrainRun(ctx context.Context, run TrainRun) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO train_runs (train_id, train_uid, toc_id, service_date, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.TrainID, run.TrainUID, run.TocID, run.ServiceDate, run.FirstSeenUTC, run.LastSeenUTC)
	if isPgUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) UpdateTrainRun(ctx context.Context, run TrainRun) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE train_runs
		SET train_uid = $1, toc_id = $2, service_date = $3, last_seen = $4
		WHERE train_id = $5
	`, run.TrainUID, run.TocID, run.ServiceDate, run.LastSeenUTC, run.TrainID)
	return err
}

func (t *pgTx) InsertMovementEvent(ctx context.Context, ev MovementEvent) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO movement_events (
			train_id, event_type, actual_timestamp_ms, loc_stanox,
			planned_timestamp_ms, gbtt_timestamp_ms, planned_event_type, event_source,
			correction_ind, offroute_ind, direction_ind, platform, route,
			train_service_code, division_code, toc_id, timetable_variation,
			variation_status, next_report_stanox, next_report_run_time,
			train_terminated, delay_monitoring_point, reporting_stanox, auto_expected
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24)
		ON CONFLICT (train_id, actual_timestamp_ms, loc_stanox, event_type) DO NOTHING
	`, ev.TrainID, ev.EventType, ev.ActualTimestampMs, ev.LocStanox,
		ev.PlannedTimestampMs, ev.GbttTimestampMs, ev.PlannedEventType, ev.EventSource,
		ev.CorrectionInd, ev.OffrouteInd, ev.DirectionInd, ev.Platform, ev.Route,
		ev.TrainServiceCode, ev.DivisionCode, ev.TocID, ev.TimetableVariation,
		ev.VariationStatus, ev.NextReportStanox, ev.NextReportRunTime,
		ev.TrainTerminated, ev.DelayMonitoringPoint, ev.ReportingStanox, ev.AutoExpected)
	if err != nil {
		return false, fmt.Errorf("insert movement event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) UpsertCurrentPosition(ctx context.Context, pos CurrentTrainPosition) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO current_train_positions (train_id, loc_stanox, reported_at, direction, line, variation_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (train_id) DO UPDATE SET
			loc_stanox = EXCLUDED.loc_stanox,
			reported_at = EXCLUDED.reported_at,
			direction = EXCLUDED.direction,
			line = EXCLUDED.line,
			variation_status = EXCLUDED.variation_status
	`, pos.TrainID, pos.LocStanox, pos.ReportedAt, pos.Direction, pos.Line, pos.VariationStatus)
	return err
}

func (t *pgTx) Commit(ctx context.Context) error {
	err := t.tx.Commit(ctx)
	if isPgUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == pgx.ErrTxClosed {
		return nil
	}
	return err
}

// CurrentPositions returns every current position row.
func (s *PostgresStore) CurrentPositions(ctx context.Context) ([]CurrentTrainPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT train_id, loc_stanox, reported_at, direction, line, variation_status
		FROM current_train_positions
	`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	return scanPgPositions(rows)
}

// QueryPositions returns current positions matching the filter,
// newest first.
func (s *PostgresStore) QueryPositions(ctx context.Context, q PositionQuery) ([]CurrentTrainPosition, error) {
	var conditions []string
	var args []any

	if q.TrainID != "" {
		args = append(args, q.TrainID)
		conditions = append(conditions, fmt.Sprintf("train_id = $%d", len(args)))
	}
	if q.Stanox != "" {
		args = append(args, q.Stanox)
		conditions = append(conditions, fmt.Sprintf("loc_stanox = $%d", len(args)))
	}
	if q.Since != nil {
		args = append(args, *q.Since)
		conditions = append(conditions, fmt.Sprintf("reported_at >= $%d", len(args)))
	}

	query := `SELECT train_id, loc_stanox, reported_at, direction, line, variation_status
		FROM current_train_positions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY reported_at DESC LIMIT %d", positionLimit(q.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	return scanPgPositions(rows)
}

func scanPgPositions(rows pgx.Rows) ([]CurrentTrainPosition, error) {
	var out []CurrentTrainPosition
	for rows.Next() {
		var pos CurrentTrainPosition
		err := rows.Scan(&pos.TrainID, &pos.LocStanox, &pos.ReportedAt,
			&pos.Direction, &pos.Line, &pos.VariationStatus)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

// AllRailLocations returns every rail location row.
func (s *PostgresStore) AllRailLocations(ctx context.Context) ([]RailLocation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT stanox, tiploc, name, easting, northing, latitude, longitude,
			valid_from, valid_to, source, updated_at
		FROM rail_locations ORDER BY stanox, tiploc
	`)
	if err != nil {
		return nil, fmt.Errorf("query rail locations: %w", err)
	}
	defer rows.Close()

	var out []RailLocation
	for rows.Next() {
		var loc RailLocation
		err := rows.Scan(&loc.Stanox, &loc.Tiploc, &loc.Name, &loc.Easting, &loc.Northing,
			&loc.Latitude, &loc.Longitude, &loc.ValidFrom, &loc.ValidTo, &loc.Source, &loc.UpdatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// RailLocationByStanox returns the most recently updated location for
// a stanox, lowest tiploc on ties, or nil when unknown.
func (s *PostgresStore) RailLocationByStanox(ctx context.Context, stanox string) (*RailLocation, error) {
	var loc RailLocation
	err := s.pool.QueryRow(ctx, `
		SELECT stanox, tiploc, name, easting, northing, latitude, longitude,
			valid_from, valid_to, source, updated_at
		FROM rail_locations WHERE stanox = $1
		ORDER BY updated_at DESC, tiploc ASC LIMIT 1
	`, stanox).Scan(&loc.Stanox, &loc.Tiploc, &loc.Name, &loc.Easting, &loc.Northing,
		&loc.Latitude, &loc.Longitude, &loc.ValidFrom, &loc.ValidTo, &loc.Source, &loc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

// RailLocationLiteByStanox returns the lite rows for the given stanox
// codes, keyed by stanox. Unknown codes are simply absent.
func (s *PostgresStore) RailLocationLiteByStanox(ctx context.Context, stanox []string) (map[string]RailLocationLite, error) {
	out := make(map[string]RailLocationLite, len(stanox))
	if len(stanox) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT stanox, latitude, longitude FROM rail_location_lite WHERE stanox = ANY($1)
	`, stanox)
	if err != nil {
		return nil, fmt.Errorf("query lite locations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var lite RailLocationLite
		if err := rows.Scan(&lite.Stanox, &lite.Latitude, &lite.Longitude); err != nil {
			return nil, err
		}
		out[lite.Stanox] = lite
	}
	return out, rows.Err()
}

// MergedBetween returns merge rows reported within [from, to).
func (s *PostgresStore) MergedBetween(ctx context.Context, from, to time.Time) ([]TrainAndRailMergeLite, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT train_id, loc_stanox, reported_at, direction, latitude, longitude
		FROM train_rail_merged
		WHERE reported_at >= $1 AND reported_at < $2
		ORDER BY train_id
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query merged: %w", err)
	}
	defer rows.Close()

	var out []TrainAndRailMergeLite
	for rows.Next() {
		var m TrainAndRailMergeLite
		err := rows.Scan(&m.TrainID, &m.LocStanox, &m.ReportedAt, &m.Direction, &m.Latitude, &m.Longitude)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TrainIDs returns the ids of known train runs, optionally filtered by
// service date, ordered by id.
func (s *PostgresStore) TrainIDs(ctx context.Context, serviceDate *time.Time) ([]string, error) {
	query := `SELECT train_id FROM train_runs`
	var args []any
	if serviceDate != nil {
		query += ` WHERE service_date = $1`
		args = append(args, *serviceDate)
	}
	query += ` ORDER BY train_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query train ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MovementsForTrain returns a train's movement history ordered by
// actual timestamp, optionally bounded by from/to (inclusive).
func (s *PostgresStore) MovementsForTrain(ctx context.Context, trainID string, from, to *time.Time) ([]MovementEvent, error) {
	query := `
		SELECT id, train_id, event_type, actual_timestamp_ms, loc_stanox,
			planned_timestamp_ms, gbtt_timestamp_ms, planned_event_type, event_source,
			correction_ind, offroute_ind, direction_ind, platform, route,
			train_service_code, division_code, toc_id, timetable_variation,
			variation_status, next_report_stanox, next_report_run_time,
			train_terminated, delay_monitoring_point, reporting_stanox, auto_expected
		FROM movement_events WHERE train_id = $1`
	args := []any{trainID}
	if from != nil {
		args = append(args, from.UnixMilli())
		query += fmt.Sprintf(" AND actual_timestamp_ms >= $%d", len(args))
	}
	if to != nil {
		args = append(args, to.UnixMilli())
		query += fmt.Sprintf(" AND actual_timestamp_ms <= $%d", len(args))
	}
	query += ` ORDER BY actual_timestamp_ms`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", err)
	}
	defer rows.Close()

	var out []MovementEvent
	for rows.Next() {
		var ev MovementEvent
		var plannedType, eventSource *string
		err := rows.Scan(&ev.ID, &ev.TrainID, &ev.EventType, &ev.ActualTimestampMs, &ev.LocStanox,
			&ev.PlannedTimestampMs, &ev.GbttTimestampMs, &plannedType, &eventSource,
			&ev.CorrectionInd, &ev.OffrouteInd, &ev.DirectionInd, &ev.Platform, &ev.Route,
			&ev.TrainServiceCode, &ev.DivisionCode, &ev.TocID, &ev.TimetableVariation,
			&ev.VariationStatus, &ev.NextReportStanox, &ev.NextReportRunTime,
			&ev.TrainTerminated, &ev.DelayMonitoringPoint, &ev.ReportingStanox, &ev.AutoExpected)
		if err != nil {
			return nil, err
		}
		if plannedType != nil {
			ev.PlannedEventType = *plannedType
		}
		if eventSource != nil {
			ev.EventSource = *eventSource
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ReplaceRailLocations swaps the rail location table for the given
// rows. The delete and all chunked inserts run in one transaction, so
// a failure leaves the previous content intact.
func (s *PostgresStore) ReplaceRailLocations(ctx context.Context, rows []RailLocation) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM rail_locations`); err != nil {
		return 0, fmt.Errorf("clear rail locations: %w", err)
	}

	total := 0
	for start := 0; start < len(rows); start += refreshChunkSize {
		end := start + refreshChunkSize
		if end > len(rows) {
			end = len(rows)
		}

		batch := &pgx.Batch{}
		for _, loc := range rows[start:end] {
			batch.Queue(`
				INSERT INTO rail_locations (stanox, tiploc, name, easting, northing,
					latitude, longitude, valid_from, valid_to, source, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			`, loc.Stanox, loc.Tiploc, loc.Name, loc.Easting, loc.Northing,
				loc.Latitude, loc.Longitude, loc.ValidFrom, loc.ValidTo, loc.Source, loc.UpdatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("insert rail locations: %w", err)
		}
		total += end - start
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// ReplaceRailLocationLite swaps the lite projection table.
func (s *PostgresStore) ReplaceRailLocationLite(ctx context.Context, rows []RailLocationLite) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM rail_location_lite`); err != nil {
		return 0, fmt.Errorf("clear lite locations: %w", err)
	}

	total := 0
	for start := 0; start < len(rows); start += refreshChunkSize {
		end := start + refreshChunkSize
		if end > len(rows) {
			end = len(rows)
		}

		batch := &pgx.Batch{}
		for _, r := range rows[start:end] {
			batch.Queue(`INSERT INTO rail_location_lite (stanox, latitude, longitude) VALUES ($1, $2, $3)`,
				r.Stanox, r.Latitude, r.Longitude)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("insert lite locations: %w", err)
		}
		total += end - start
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// ReplaceMerged swaps the merge output table.
func (s *PostgresStore) ReplaceMerged(ctx context.Context, rows []TrainAndRailMergeLite) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM train_rail_merged`); err != nil {
		return 0, fmt.Errorf("clear merged: %w", err)
	}

	total := 0
	for start := 0; start < len(rows); start += refreshChunkSize {
		end := start + refreshChunkSize
		if end > len(rows) {
			end = len(rows)
		}

		batch := &pgx.Batch{}
		for _, m := range rows[start:end] {
			batch.Queue(`
				INSERT INTO train_rail_merged (train_id, loc_stanox, reported_at, direction, latitude, longitude)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, m.TrainID, m.LocStanox, m.ReportedAt, m.Direction, m.Latitude, m.Longitude)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("insert merged: %w", err)
		}
		total += end - start
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// DeleteOldPositions removes current positions reported before cutoff.
func (s *PostgresStore) DeleteOldPositions(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM current_train_positions WHERE reported_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old positions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOldMovements removes movement events older than cutoff.
func (s *PostgresStore) DeleteOldMovements(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM movement_events WHERE actual_timestamp_ms < $1`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete old movements: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOldTrainRuns removes train runs with a service date before
// cutoffDate, along with their movements and positions.
func (s *PostgresStore) DeleteOldTrainRuns(ctx context.Context, cutoffDate time.Time) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		DELETE FROM movement_events WHERE train_id IN
			(SELECT train_id FROM train_runs WHERE service_date < $1)
	`, cutoffDate); err != nil {
		return 0, fmt.Errorf("delete dependent movements: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM current_train_positions WHERE train_id IN
			(SELECT train_id FROM train_runs WHERE service_date < $1)
	`, cutoffDate); err != nil {
		return 0, fmt.Errorf("delete dependent positions: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM train_runs WHERE service_date < $1`, cutoffDate)
	if err != nil {
		return 0, fmt.Errorf("delete train runs: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

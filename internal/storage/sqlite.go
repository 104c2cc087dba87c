package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by an embedded SQLite database. It is
// the single-node deployment option and the backend the test suite
// runs against.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite database at the given path and
// bootstraps the schema. Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection keeps in-memory databases coherent and
	// serializes writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func createSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS train_runs (
		train_id      TEXT PRIMARY KEY,
		train_uid     TEXT,
		toc_id        TEXT,
		service_date  TEXT,
		first_seen_ms INTEGER NOT NULL,
		last_seen_ms  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS movement_events (
		id                     INTEGER PRIMARY KEY AUTOINCREMENT,
		train_id               TEXT NOT NULL,
		event_type             TEXT NOT NULL,
		actual_timestamp_ms    INTEGER NOT NULL,
		loc_stanox             TEXT NOT NULL,
		planned_timestamp_ms   INTEGER NOT NULL,
		gbtt_timestamp_ms      INTEGER,
		planned_event_type     TEXT,
		event_source           TEXT,
		correction_ind         INTEGER NOT NULL DEFAULT 0,
		offroute_ind           INTEGER NOT NULL DEFAULT 0,
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
		train_terminated       INTEGER NOT NULL DEFAULT 0,
		delay_monitoring_point INTEGER NOT NULL DEFAULT 0,
		reporting_stanox       TEXT,
		auto_expected          INTEGER NOT NULL DEFAULT 0,
		UNIQUE (train_id, actual_timestamp_ms, loc_stanox, event_type)
	);

	CREATE INDEX IF NOT EXISTS idx_movement_events_train ON movement_events(train_id, actual_timestamp_ms);

	CREATE TABLE IF NOT EXISTS current_train_positions (
		train_id         TEXT PRIMARY KEY,
		loc_stanox       TEXT NOT NULL,
		reported_at_ms   INTEGER NOT NULL,
		direction        TEXT,
		line             TEXT,
		variation_status TEXT
	);

	CREATE TABLE IF NOT EXISTS rail_locations (
		stanox        TEXT NOT NULL,
		tiploc        TEXT NOT NULL,
		name          TEXT,
		easting       INTEGER,
		northing      INTEGER,
		latitude      REAL,
		longitude     REAL,
		valid_from_ms INTEGER,
		valid_to_ms   INTEGER,
		source        TEXT NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		PRIMARY KEY (stanox, tiploc)
	);

	CREATE INDEX IF NOT EXISTS idx_rail_locations_tiploc ON rail_locations(tiploc);

	CREATE TABLE IF NOT EXISTS rail_location_lite (
		stanox    TEXT PRIMARY KEY,
		latitude  REAL,
		longitude REAL
	);

	CREATE TABLE IF NOT EXISTS train_rail_merged (
		train_id       TEXT NOT NULL,
		loc_stanox     TEXT NOT NULL,
		reported_at_ms INTEGER NOT NULL,
		direction      TEXT,
		latitude       REAL,
		longitude      REAL,
		PRIMARY KEY (train_id, loc_stanox)
	);
	`

	_, err := db.Exec(schema)
	return err
}

// isSQLiteUniqueViolation reports whether err is a unique or primary
// key constraint failure.
func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: PRIMARY KEY")
}

const serviceDateLayout = "2006-01-02"

func msFromTime(t time.Time) int64 { return t.UnixMilli() }

func msFromTimePtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func timeFromMs(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timeFromMsPtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := timeFromMs(ms.Int64)
	return &t
}

func serviceDateString(d *time.Time) *string {
	if d == nil {
		return nil
	}
	s := d.UTC().Format(serviceDateLayout)
	return &s
}

func serviceDateFromString(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.ParseInLocation(serviceDateLayout, s.String, time.UTC)
	if err != nil {
		return nil
	}
	return &t
}

// Begin starts an ingestion transaction.
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) FindTrainRun(ctx context.Context, trainID string) (*TrainRun, error) {
	var run TrainRun
	var uid, toc, date sql.NullString
	var first, last int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT train_id, train_uid, toc_id, service_date, first_seen_ms, last_seen_ms
		FROM train_runs WHERE train_id = ?
	`, trainID).Scan(&run.TrainID, &uid, &toc, &date, &first, &last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if uid.Valid {
		run.TrainUID = &uid.String
	}
	if toc.Valid {
		run.TocID = &toc.String
	}
	run.ServiceDate = serviceDateFromString(date)
	run.FirstSeenUTC = timeFromMs(first)
	run.LastSeenUTC = timeFromMs(last)
	return &run, nil
}

func (t *sqliteTx) InsertTrainRun(ctx context.Context, run TrainRun) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO train_runs (train_id, train_uid, toc_id, service_date, first_seen_ms, last_seen_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.TrainID, run.TrainUID, run.TocID, serviceDateString(run.ServiceDate),
		msFromTime(run.FirstSeenUTC), msFromTime(run.LastSeenUTC))
	if isSQLiteUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *sqliteTx) UpdateTrainRun(ctx context.Context, run TrainRun) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE train_runs
		SET train_uid = ?, toc_id = ?, service_date = ?, last_seen_ms = ?
		WHERE train_id = ?
	`, run.TrainUID, run.TocID, serviceDateString(run.ServiceDate),
		msFromTime(run.LastSeenUTC), run.TrainID)
	return err
}

func (t *sqliteTx) InsertMovementEvent(ctx context.Context, ev MovementEvent) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO movement_events (
			train_id, event_type, actual_timestamp_ms, loc_stanox,
			planned_timestamp_ms, gbtt_timestamp_ms, planned_event_type, event_source,
			correction_ind, offroute_ind, direction_ind, platform, route,
			train_service_code, division_code, toc_id, timetable_variation,
			variation_status, next_report_stanox, next_report_run_time,
			train_terminated, delay_monitoring_point, reporting_stanox, auto_expected
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *sqliteTx) UpsertCurrentPosition(ctx context.Context, pos CurrentTrainPosition) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO current_train_positions (train_id, loc_stanox, reported_at_ms, direction, line, variation_status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (train_id) DO UPDATE SET
			loc_stanox = excluded.loc_stanox,
			reported_at_ms = excluded.reported_at_ms,
			direction = excluded.direction,
			line = excluded.line,
			variation_status = excluded.variation_status
	`, pos.TrainID, pos.LocStanox, msFromTime(pos.ReportedAt), pos.Direction, pos.Line, pos.VariationStatus)
	return err
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	err := t.tx.Commit()
	if isSQLiteUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*CurrentTrainPosition, error) {
	var pos CurrentTrainPosition
	var reportedMs int64
	var direction, line, variation sql.NullString
	err := row.Scan(&pos.TrainID, &pos.LocStanox, &reportedMs, &direction, &line, &variation)
	if err != nil {
		return nil, err
	}
	pos.ReportedAt = timeFromMs(reportedMs)
	if direction.Valid {
		pos.Direction = &direction.String
	}
	if line.Valid {
		pos.Line = &line.String
	}
	if variation.Valid {
		pos.VariationStatus = &variation.String
	}
	return &pos, nil
}

// CurrentPositions returns every current position row.
func (s *SQLiteStore) CurrentPositions(ctx context.Context) ([]CurrentTrainPosition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT train_id, loc_stanox, reported_at_ms, direction, line, variation_status
		FROM current_train_positions
	`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CurrentTrainPosition
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

// QueryPositions returns current positions matching the filter,
// newest first.
func (s *SQLiteStore) QueryPositions(ctx context.Context, q PositionQuery) ([]CurrentTrainPosition, error) {
	var conditions []string
	var args []any

	if q.TrainID != "" {
		conditions = append(conditions, "train_id = ?")
		args = append(args, q.TrainID)
	}
	if q.Stanox != "" {
		conditions = append(conditions, "loc_stanox = ?")
		args = append(args, q.Stanox)
	}
	if q.Since != nil {
		conditions = append(conditions, "reported_at_ms >= ?")
		args = append(args, msFromTime(*q.Since))
	}

	query := `SELECT train_id, loc_stanox, reported_at_ms, direction, line, variation_status
		FROM current_train_positions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY reported_at_ms DESC LIMIT %d", positionLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []CurrentTrainPosition
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

func positionLimit(limit int) int {
	switch {
	case limit <= 0:
		return 1000
	case limit > 10000:
		return 10000
	default:
		return limit
	}
}

// AllRailLocations returns every rail location row.
func (s *SQLiteStore) AllRailLocations(ctx context.Context) ([]RailLocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stanox, tiploc, name, easting, northing, latitude, longitude,
			valid_from_ms, valid_to_ms, source, updated_at_ms
		FROM rail_locations ORDER BY stanox, tiploc
	`)
	if err != nil {
		return nil, fmt.Errorf("query rail locations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RailLocation
	for rows.Next() {
		loc, err := scanRailLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *loc)
	}
	return out, rows.Err()
}

// RailLocationByStanox returns the most recently updated location for
// a stanox, lowest tiploc on ties, or nil when unknown.
func (s *SQLiteStore) RailLocationByStanox(ctx context.Context, stanox string) (*RailLocation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stanox, tiploc, name, easting, northing, latitude, longitude,
			valid_from_ms, valid_to_ms, source, updated_at_ms
		FROM rail_locations WHERE stanox = ?
		ORDER BY updated_at_ms DESC, tiploc ASC LIMIT 1
	`, stanox)
	loc, err := scanRailLocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return loc, nil
}

func scanRailLocation(row rowScanner) (*RailLocation, error) {
	var loc RailLocation
	var name sql.NullString
	var easting, northing sql.NullInt64
	var lat, lon sql.NullFloat64
	var validFrom, validTo sql.NullInt64
	var updated int64
	err := row.Scan(&loc.Stanox, &loc.Tiploc, &name, &easting, &northing, &lat, &lon,
		&validFrom, &validTo, &loc.Source, &updated)
	if err != nil {
		return nil, err
	}
	if name.Valid {
		loc.Name = &name.String
	}
	if easting.Valid {
		e := int(easting.Int64)
		loc.Easting = &e
	}
	if northing.Valid {
		n := int(northing.Int64)
		loc.Northing = &n
	}
	if lat.Valid {
		loc.Latitude = &lat.Float64
	}
	if lon.Valid {
		loc.Longitude = &lon.Float64
	}
	loc.ValidFrom = timeFromMsPtr(validFrom)
	loc.ValidTo = timeFromMsPtr(validTo)
	loc.UpdatedAt = timeFromMs(updated)
	return &loc, nil
}

// RailLocationLiteByStanox returns the lite rows for the given stanox
// codes, keyed by stanox. Unknown codes are simply absent.
func (s *SQLiteStore) RailLocationLiteByStanox(ctx context.Context, stanox []string) (map[string]RailLocationLite, error) {
	out := make(map[string]RailLocationLite, len(stanox))
	if len(stanox) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(stanox)), ",")
	args := make([]any, len(stanox))
	for i, code := range stanox {
		args[i] = code
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stanox, latitude, longitude FROM rail_location_lite WHERE stanox IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query lite locations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var lite RailLocationLite
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&lite.Stanox, &lat, &lon); err != nil {
			return nil, err
		}
		if lat.Valid {
			lite.Latitude = &lat.Float64
		}
		if lon.Valid {
			lite.Longitude = &lon.Float64
		}
		out[lite.Stanox] = lite
	}
	return out, rows.Err()
}

// MergedBetween returns merge rows reported within [from, to).
func (s *SQLiteStore) MergedBetween(ctx context.Context, from, to time.Time) ([]TrainAndRailMergeLite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT train_id, loc_stanox, reported_at_ms, direction, latitude, longitude
		FROM train_rail_merged
		WHERE reported_at_ms >= ? AND reported_at_ms < ?
		ORDER BY train_id
	`, msFromTime(from), msFromTime(to))
	if err != nil {
		return nil, fmt.Errorf("query merged: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []TrainAndRailMergeLite
	for rows.Next() {
		var m TrainAndRailMergeLite
		var reportedMs int64
		var direction sql.NullString
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&m.TrainID, &m.LocStanox, &reportedMs, &direction, &lat, &lon); err != nil {
			return nil, err
		}
		m.ReportedAt = timeFromMs(reportedMs)
		if direction.Valid {
			m.Direction = &direction.String
		}
		if lat.Valid {
			m.Latitude = &lat.Float64
		}
		if lon.Valid {
			m.Longitude = &lon.Float64
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TrainIDs returns the ids of known train runs, optionally filtered by
// service date, ordered by id.
func (s *SQLiteStore) TrainIDs(ctx context.Context, serviceDate *time.Time) ([]string, error) {
	query := `SELECT train_id FROM train_runs`
	var args []any
	if serviceDate != nil {
		query += ` WHERE service_date = ?`
		args = append(args, serviceDate.UTC().Format(serviceDateLayout))
	}
	query += ` ORDER BY train_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query train ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
func (s *SQLiteStore) MovementsForTrain(ctx context.Context, trainID string, from, to *time.Time) ([]MovementEvent, error) {
	query := `
		SELECT id, train_id, event_type, actual_timestamp_ms, loc_stanox,
			planned_timestamp_ms, gbtt_timestamp_ms, planned_event_type, event_source,
			correction_ind, offroute_ind, direction_ind, platform, route,
			train_service_code, division_code, toc_id, timetable_variation,
			variation_status, next_report_stanox, next_report_run_time,
			train_terminated, delay_monitoring_point, reporting_stanox, auto_expected
		FROM movement_events WHERE train_id = ?`
	args := []any{trainID}
	if from != nil {
		query += ` AND actual_timestamp_ms >= ?`
		args = append(args, msFromTime(*from))
	}
	if to != nil {
		query += ` AND actual_timestamp_ms <= ?`
		args = append(args, msFromTime(*to))
	}
	query += ` ORDER BY actual_timestamp_ms`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query movements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []MovementEvent
	for rows.Next() {
		ev, err := scanMovementEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func scanMovementEvent(row rowScanner) (*MovementEvent, error) {
	var ev MovementEvent
	var gbtt sql.NullInt64
	var plannedType, eventSource sql.NullString
	var direction, platform, serviceCode, divisionCode, tocID sql.NullString
	var variation, nextStanox, reportingStanox sql.NullString
	var route, timetableVar, nextRunTime sql.NullInt64
	err := row.Scan(&ev.ID, &ev.TrainID, &ev.EventType, &ev.ActualTimestampMs, &ev.LocStanox,
		&ev.PlannedTimestampMs, &gbtt, &plannedType, &eventSource,
		&ev.CorrectionInd, &ev.OffrouteInd, &direction, &platform, &route,
		&serviceCode, &divisionCode, &tocID, &timetableVar,
		&variation, &nextStanox, &nextRunTime,
		&ev.TrainTerminated, &ev.DelayMonitoringPoint, &reportingStanox, &ev.AutoExpected)
	if err != nil {
		return nil, err
	}
	if gbtt.Valid {
		ev.GbttTimestampMs = &gbtt.Int64
	}
	ev.PlannedEventType = plannedType.String
	ev.EventSource = eventSource.String
	if direction.Valid {
		ev.DirectionInd = &direction.String
	}
	if platform.Valid {
		ev.Platform = &platform.String
	}
	if route.Valid {
		r := int(route.Int64)
		ev.Route = &r
	}
	if serviceCode.Valid {
		ev.TrainServiceCode = &serviceCode.String
	}
	if divisionCode.Valid {
		ev.DivisionCode = &divisionCode.String
	}
	if tocID.Valid {
		ev.TocID = &tocID.String
	}
	if timetableVar.Valid {
		v := int(timetableVar.Int64)
		ev.TimetableVariation = &v
	}
	if variation.Valid {
		ev.VariationStatus = &variation.String
	}
	if nextStanox.Valid {
		ev.NextReportStanox = &nextStanox.String
	}
	if nextRunTime.Valid {
		v := int(nextRunTime.Int64)
		ev.NextReportRunTime = &v
	}
	if reportingStanox.Valid {
		ev.ReportingStanox = &reportingStanox.String
	}
	return &ev, nil
}

// ReplaceRailLocations swaps the rail location table for the given
// rows. The delete and all inserts run in one transaction, so a
// failure leaves the previous content intact.
func (s *SQLiteStore) ReplaceRailLocations(ctx context.Context, rows []RailLocation) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rail_locations`); err != nil {
		return 0, fmt.Errorf("clear rail locations: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rail_locations (stanox, tiploc, name, easting, northing,
			latitude, longitude, valid_from_ms, valid_to_ms, source, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	total := 0
	for _, loc := range rows {
		_, err := stmt.ExecContext(ctx, loc.Stanox, loc.Tiploc, loc.Name, loc.Easting, loc.Northing,
			loc.Latitude, loc.Longitude, msFromTimePtr(loc.ValidFrom), msFromTimePtr(loc.ValidTo),
			loc.Source, msFromTime(loc.UpdatedAt))
		if err != nil {
			return 0, fmt.Errorf("insert rail location %s/%s: %w", loc.Stanox, loc.Tiploc, err)
		}
		total++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// ReplaceRailLocationLite swaps the lite projection table.
func (s *SQLiteStore) ReplaceRailLocationLite(ctx context.Context, rows []RailLocationLite) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM rail_location_lite`); err != nil {
		return 0, fmt.Errorf("clear lite locations: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rail_location_lite (stanox, latitude, longitude) VALUES (?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	total := 0
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.Stanox, r.Latitude, r.Longitude); err != nil {
			return 0, fmt.Errorf("insert lite location %s: %w", r.Stanox, err)
		}
		total++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// ReplaceMerged swaps the merge output table.
func (s *SQLiteStore) ReplaceMerged(ctx context.Context, rows []TrainAndRailMergeLite) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM train_rail_merged`); err != nil {
		return 0, fmt.Errorf("clear merged: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO train_rail_merged (train_id, loc_stanox, reported_at_ms, direction, latitude, longitude)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	total := 0
	for _, m := range rows {
		_, err := stmt.ExecContext(ctx, m.TrainID, m.LocStanox, msFromTime(m.ReportedAt),
			m.Direction, m.Latitude, m.Longitude)
		if err != nil {
			return 0, fmt.Errorf("insert merged %s: %w", m.TrainID, err)
		}
		total++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// DeleteOldPositions removes current positions reported before cutoff.
func (s *SQLiteStore) DeleteOldPositions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM current_train_positions WHERE reported_at_ms < ?`, msFromTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old positions: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOldMovements removes movement events older than cutoff.
func (s *SQLiteStore) DeleteOldMovements(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM movement_events WHERE actual_timestamp_ms < ?`, msFromTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old movements: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOldTrainRuns removes train runs with a service date before
// cutoffDate, along with their movements and positions.
func (s *SQLiteStore) DeleteOldTrainRuns(ctx context.Context, cutoffDate time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	date := cutoffDate.UTC().Format(serviceDateLayout)

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM movement_events WHERE train_id IN
			(SELECT train_id FROM train_runs WHERE service_date < ?)
	`, date); err != nil {
		return 0, fmt.Errorf("delete dependent movements: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM current_train_positions WHERE train_id IN
			(SELECT train_id FROM train_runs WHERE service_date < ?)
	`, date); err != nil {
		return 0, fmt.Errorf("delete dependent positions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM train_runs WHERE service_date < ?`, date)
	if err != nil {
		return 0, fmt.Errorf("delete train runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

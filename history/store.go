package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/kradalby/port-twin/measurement"
)

const defaultMeasurementsTable = "measurements"

// Store reads historical records from a Postgres measurements table.
type Store struct {
	db    *sql.DB
	table string
	loc   *time.Location
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTable overrides the measurements table name.
func WithTable(table string) StoreOption {
	return func(s *Store) {
		if table != "" {
			s.table = table
		}
	}
}

// WithLocation sets the zone used for day windows.
func WithLocation(loc *time.Location) StoreOption {
	return func(s *Store) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// Open connects to Postgres with the pgx driver.
func Open(ctx context.Context, dsn string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return NewStore(db, opts...), nil
}

// NewStore wraps an open database.
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{db: db, table: defaultMeasurementsTable, loc: time.UTC}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the measurements table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("history store: nil db")
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id TEXT PRIMARY KEY,
	device TEXT NOT NULL,
	device_name TEXT NOT NULL DEFAULT '',
	ts TIMESTAMPTZ NOT NULL,
	phases JSONB NOT NULL DEFAULT '{}',
	total_consumption DOUBLE PRECISION
);
CREATE INDEX IF NOT EXISTS %[1]s_device_ts_idx ON %[1]s (device, ts);
CREATE INDEX IF NOT EXISTS %[1]s_ts_idx ON %[1]s (ts);`, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return nil
}

// Fetch implements Fetcher for the half-open day window.
func (s *Store) Fetch(ctx context.Context, device string, day measurement.Day) ([]measurement.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("history store: nil db")
	}
	if day.IsZero() {
		return nil, errors.New("history store: date is required")
	}

	start, end := day.Window(s.loc)

	query := fmt.Sprintf(`
SELECT id, device, device_name, ts, phases, total_consumption
FROM %s
WHERE ts >= $1
	AND ts < $2
	AND ($3 = '' OR device = $3)
ORDER BY ts ASC, id ASC`, s.table)

	rows, err := s.db.QueryContext(ctx, query, start, end, device)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	defer rows.Close()

	records := make([]measurement.Record, 0)
	for rows.Next() {
		var (
			rec    measurement.Record
			phases []byte
			total  sql.NullFloat64
		)
		if err := rows.Scan(&rec.ID, &rec.Device, &rec.DeviceName, &rec.Timestamp, &phases, &total); err != nil {
			return nil, err
		}
		rec.Phases, err = decodePhases(phases)
		if err != nil {
			return nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		if total.Valid {
			rec.TotalConsumption = measurement.Known(total.Float64)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// Insert stores records, ignoring identifiers that already exist.
func (s *Store) Insert(ctx context.Context, records []measurement.Record) error {
	if s == nil || s.db == nil {
		return errors.New("history store: nil db")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
INSERT INTO %s (id, device, device_name, ts, phases, total_consumption)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`, s.table)

	for _, rec := range records {
		phases, err := encodePhases(rec.Phases)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.ID, err)
		}
		var total sql.NullFloat64
		if rec.TotalConsumption.Valid {
			total = sql.NullFloat64{Float64: rec.TotalConsumption.Value, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, query, rec.ID, rec.Device, rec.DeviceName, rec.Timestamp, phases, total); err != nil {
			return fmt.Errorf("insert %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

func encodePhases(phases []measurement.PhaseReading) ([]byte, error) {
	byName := make(map[string]measurement.PhaseReading, len(phases))
	for _, p := range phases {
		byName[p.Phase] = p
	}
	return json.Marshal(byName)
}

func decodePhases(data []byte) ([]measurement.PhaseReading, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var byName map[string]measurement.PhaseReading
	if err := json.Unmarshal(data, &byName); err != nil {
		return nil, fmt.Errorf("decode phases: %w", err)
	}
	return measurement.PhasesFromMap(byName), nil
}

var _ Fetcher = (*Store)(nil)

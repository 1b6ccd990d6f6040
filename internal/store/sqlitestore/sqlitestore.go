// Package sqlitestore is the embedded-store implementation of C11's
// Repository interface, backed by modernc.org/sqlite (pure Go, no cgo —
// a deliberate fit for single-board deployment).
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/gsq7474741/rpi-odor/internal/loadcell"
	"github.com/gsq7474741/rpi-odor/internal/obserr"
	"github.com/gsq7474741/rpi-odor/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	program_id TEXT NOT NULL,
	program_version TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP,
	outcome TEXT,
	error_message TEXT
);

CREATE TABLE IF NOT EXISTS consumable_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id),
	kind TEXT NOT NULL,
	pump_index INTEGER NOT NULL,
	liquid_id TEXT NOT NULL,
	amount_ml REAL NOT NULL,
	duration_s REAL NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS calibration (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL
);
`

// Store is the sqlite-backed Repository. A single writer mutex serializes
// all mutating statements; modernc.org/sqlite otherwise permits concurrent
// readers.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ store.Repository = (*Store)(nil)

// Open creates the schema (if absent) and returns a ready Store.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "enosed.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("sqlitestore: create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) OpenRun(ctx context.Context, programID, programVersion string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, program_id, program_version, started_at) VALUES (?, ?, ?, ?)`,
		id, programID, programVersion, time.Now().UTC())
	if err != nil {
		return "", obserr.Wrap(err, obserr.ErrStore, "open_run")
	}
	return id, nil
}

func (s *Store) CloseRun(ctx context.Context, runID string, outcome string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, outcome = ?, error_message = ? WHERE id = ?`,
		time.Now().UTC(), outcome, errMsg, runID)
	if err != nil {
		return obserr.Wrap(err, obserr.ErrStore, "close_run")
	}
	return nil
}

func (s *Store) RecordConsumable(ctx context.Context, runID string, ev store.ConsumableEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consumable_events (run_id, kind, pump_index, liquid_id, amount_ml, duration_s, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, ev.Kind, ev.PumpIndex, ev.LiquidID, ev.AmountML, ev.DurationS, time.Now().UTC())
	if err != nil {
		return obserr.Wrap(err, obserr.ErrStore, "record_consumable")
	}
	return nil
}

func (s *Store) LoadCalibration(ctx context.Context) (loadcell.Calibration, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM calibration WHERE id = 1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return loadcell.DefaultCalibration(), nil
	}
	if err != nil {
		return loadcell.Calibration{}, obserr.Wrap(err, obserr.ErrStore, "load_calibration")
	}
	var c loadcell.Calibration
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return loadcell.Calibration{}, obserr.Wrap(err, obserr.ErrStore, "decode_calibration")
	}
	return c, nil
}

func (s *Store) SaveCalibration(ctx context.Context, c loadcell.Calibration) error {
	data, err := json.Marshal(c)
	if err != nil {
		return obserr.Wrap(err, obserr.ErrStore, "encode_calibration")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO calibration (id, payload) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		string(data))
	if err != nil {
		return obserr.Wrap(err, obserr.ErrStore, "save_calibration")
	}
	return nil
}

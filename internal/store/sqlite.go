// Package store persists cleaned observations into SQLite, keyed by
// (siteid, monitordate).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/lox/pm25etl/internal/models"
)

type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Pragmas for a single-writer batch workload: WAL durability with relaxed
// flushing, in-memory scratch space, referential integrity on.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

// Open opens (creating if absent) the SQLite store and applies the batch
// workload pragmas.
func Open(path string, log *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ApplySchemaFile applies the external schema definition if it exists. The DDL
// is expected to be idempotent (CREATE IF NOT EXISTS). A missing file is a
// warning, not an error; subsequent writes may fail against a missing table.
func (s *Store) ApplySchemaFile(path string) error {
	ddl, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Warn("schema definition not found, skipping store initialization", zap.String("path", path))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	if _, err := s.db.Exec(string(ddl)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.log.Info("schema applied", zap.String("path", path))
	return nil
}

const upsertSQL = `
INSERT INTO pm25 (siteid, sitename, county, itemid, itemname, itemengname, itemunit, monitordate, concentration)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(siteid, monitordate) DO UPDATE SET
	sitename = excluded.sitename,
	county = excluded.county,
	itemid = excluded.itemid,
	itemname = excluded.itemname,
	itemengname = excluded.itemengname,
	itemunit = excluded.itemunit,
	concentration = excluded.concentration`

const upsertBatchSize = 500

// UpsertRecords upserts records in batches, each batch inside its own
// transaction so a concurrent reader sees all of a batch or none of it.
// On collision the incoming row replaces every non-key column.
func (s *Store) UpsertRecords(records []models.CleanRecord) (int, error) {
	total := 0
	for start := 0; start < len(records); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(records))
		if err := s.upsertBatch(records[start:end]); err != nil {
			return total, fmt.Errorf("upsert batch at %d: %w", start, err)
		}
		total += end - start
	}
	return total, nil
}

func (s *Store) upsertBatch(batch []models.CleanRecord) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(upsertSQL)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range batch {
		_, err := stmt.Exec(
			r.SiteID, r.SiteName, r.County,
			r.ItemID, r.ItemName, r.ItemEngName, r.ItemUnit,
			r.MonitorDate.Format("2006-01-02"), r.Concentration,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Maintain refreshes planner statistics and reclaims storage. Best-effort:
// failures are logged and swallowed, committed data is already durable.
func (s *Store) Maintain() {
	if _, err := s.db.Exec("ANALYZE"); err != nil {
		s.log.Warn("analyze failed", zap.Error(err))
		return
	}
	if _, err := s.db.Exec("VACUUM"); err != nil {
		s.log.Warn("vacuum failed", zap.Error(err))
		return
	}
	s.log.Info("analyze and vacuum completed")
}

// GetRecord returns the stored row for a key, or nil when absent.
func (s *Store) GetRecord(siteID string, date time.Time) (*models.CleanRecord, error) {
	row := s.db.QueryRow(`
		SELECT siteid, sitename, county, itemid, itemname, itemengname, itemunit, monitordate, concentration
		FROM pm25
		WHERE siteid = ? AND monitordate = ?
	`, siteID, date.Format("2006-01-02"))

	var r models.CleanRecord
	var monitordate string
	err := row.Scan(&r.SiteID, &r.SiteName, &r.County, &r.ItemID, &r.ItemName, &r.ItemEngName, &r.ItemUnit, &monitordate, &r.Concentration)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d, ok := models.NormalizeMonitorDate(monitordate); ok {
		r.MonitorDate = d
	}
	return &r, nil
}

// CountRecords returns the number of stored rows.
func (s *Store) CountRecords() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pm25`).Scan(&n)
	return n, err
}

package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lox/pm25etl/internal/models"
)

const testSchema = `
CREATE TABLE IF NOT EXISTS pm25 (
    siteid TEXT NOT NULL,
    sitename TEXT,
    county TEXT,
    itemid TEXT,
    itemname TEXT,
    itemengname TEXT,
    itemunit TEXT,
    monitordate DATE NOT NULL,
    concentration REAL,
    PRIMARY KEY (siteid, monitordate)
);

CREATE INDEX IF NOT EXISTS idx_pm25_monitordate ON pm25(monitordate);
`

func writeTestSchema(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.sql")
	if err := os.WriteFile(path, []byte(testSchema), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	return path
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pm25.sqlite"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.ApplySchemaFile(writeTestSchema(t)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return s
}

func record(siteID, date string, conc float64) models.CleanRecord {
	d, _ := models.NormalizeMonitorDate(date)
	return models.CleanRecord{
		SiteID:        siteID,
		SiteName:      "站" + siteID,
		County:        sql.NullString{String: "高雄市", Valid: true},
		ItemID:        sql.NullString{String: "33", Valid: true},
		ItemName:      sql.NullString{String: "細懸浮微粒", Valid: true},
		ItemEngName:   sql.NullString{String: "PM2.5", Valid: true},
		ItemUnit:      sql.NullString{String: "μg/m3", Valid: true},
		MonitorDate:   d,
		Concentration: sql.NullFloat64{Float64: conc, Valid: true},
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	records := []models.CleanRecord{
		record("10", "2024-01-01", 12.5),
		record("11", "2024-01-01", 8),
	}

	for i := 0; i < 2; i++ {
		n, err := s.UpsertRecords(records)
		if err != nil {
			t.Fatalf("UpsertRecords pass %d: %v", i+1, err)
		}
		if n != 2 {
			t.Errorf("pass %d upserted = %d, want 2", i+1, n)
		}
	}

	count, err := s.CountRecords()
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2 after double load", count)
	}
}

func TestUpsertReplacesNonKeyColumns(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.UpsertRecords([]models.CleanRecord{
		record("10", "2024-01-01", 12.5),
		record("11", "2024-01-01", 8),
	}); err != nil {
		t.Fatalf("UpsertRecords: %v", err)
	}

	updated := record("10", "2024-01-01", 99)
	updated.SiteName = "renamed"
	if _, err := s.UpsertRecords([]models.CleanRecord{updated}); err != nil {
		t.Fatalf("UpsertRecords update: %v", err)
	}

	count, err := s.CountRecords()
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2 (update must not append)", count)
	}

	d, _ := models.NormalizeMonitorDate("2024-01-01")
	got, err := s.GetRecord("10", d)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got == nil {
		t.Fatal("GetRecord returned nil for existing key")
	}
	if got.Concentration.Float64 != 99 || got.SiteName != "renamed" {
		t.Errorf("updated row = %+v, want concentration 99 and sitename renamed", got)
	}

	other, err := s.GetRecord("11", d)
	if err != nil {
		t.Fatalf("GetRecord other: %v", err)
	}
	if other == nil || other.Concentration.Float64 != 8 {
		t.Errorf("untouched row changed: %+v", other)
	}
}

func TestUpsertNullConcentration(t *testing.T) {
	s := setupTestStore(t)
	r := record("10", "2024-01-01", 0)
	r.Concentration = sql.NullFloat64{}
	if _, err := s.UpsertRecords([]models.CleanRecord{r}); err != nil {
		t.Fatalf("UpsertRecords: %v", err)
	}

	got, err := s.GetRecord("10", r.MonitorDate)
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got.Concentration.Valid {
		t.Errorf("concentration = %+v, want null", got.Concentration)
	}
}

func TestApplySchemaIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	if err := s.ApplySchemaFile(writeTestSchema(t)); err != nil {
		t.Fatalf("second ApplySchemaFile: %v", err)
	}
}

func TestMissingSchemaFileIsAWarningNotAnError(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "pm25.sqlite"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	if err := s.ApplySchemaFile(filepath.Join(t.TempDir(), "absent.sql")); err != nil {
		t.Fatalf("ApplySchemaFile: %v", err)
	}

	// With no schema applied, writes fail against the missing table.
	if _, err := s.UpsertRecords([]models.CleanRecord{record("10", "2024-01-01", 1)}); err == nil {
		t.Error("UpsertRecords succeeded without a schema")
	}
}

func TestMaintainAfterCommit(t *testing.T) {
	s := setupTestStore(t)
	if _, err := s.UpsertRecords([]models.CleanRecord{record("10", "2024-01-01", 1)}); err != nil {
		t.Fatalf("UpsertRecords: %v", err)
	}
	s.Maintain() // must not panic or disturb committed rows

	count, err := s.CountRecords()
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1 after maintenance", count)
	}
}

func TestUpsertSpansBatches(t *testing.T) {
	s := setupTestStore(t)
	var records []models.CleanRecord
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < upsertBatchSize+10; i++ {
		r := record("10", "2020-01-01", float64(i))
		r.MonitorDate = base.AddDate(0, 0, i)
		records = append(records, r)
	}

	n, err := s.UpsertRecords(records)
	if err != nil {
		t.Fatalf("UpsertRecords: %v", err)
	}
	if n != len(records) {
		t.Errorf("upserted = %d, want %d", n, len(records))
	}

	count, err := s.CountRecords()
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if count != len(records) {
		t.Errorf("count = %d, want %d", count, len(records))
	}
}

// Package load reads the cleaned dataset and performs the batched idempotent
// upsert into the persistent store.
package load

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/lox/pm25etl/internal/csvio"
	"github.com/lox/pm25etl/internal/metrics"
	"github.com/lox/pm25etl/internal/models"
	"github.com/lox/pm25etl/internal/store"
)

type Loader struct {
	log        *zap.Logger
	dbPath     string
	schemaPath string
}

func New(log *zap.Logger, dbPath, schemaPath string) *Loader {
	return &Loader{log: log, dbPath: dbPath, schemaPath: schemaPath}
}

// Load opens the store, applies the schema definition if available, upserts
// the cleaned dataset, and runs best-effort maintenance. The connection is
// released on every exit path.
func (l *Loader) Load(cleanedPath string) error {
	st, err := store.Open(l.dbPath, l.log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.ApplySchemaFile(l.schemaPath); err != nil {
		return err
	}

	records, err := readCleaned(cleanedPath)
	if err != nil {
		return fmt.Errorf("read cleaned dataset %s: %w", cleanedPath, err)
	}
	l.log.Info("cleaned dataset loaded", zap.Int("records", len(records)))

	n, err := st.UpsertRecords(records)
	if err != nil {
		return err
	}
	metrics.RowsUpserted.Add(float64(n))
	l.log.Info("upsert completed", zap.Int("rows", n))

	st.Maintain()
	return nil
}

// readCleaned parses the cleaned CSV into records. Any required column absent
// from the input is materialized as null so the row shape is always complete;
// the observation date is re-normalized to a calendar date.
func readCleaned(path string) ([]models.CleanRecord, error) {
	header, rows, err := csvio.Read(path)
	if err != nil {
		return nil, err
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[name] = i
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}
	nullable := func(row []string, name string) sql.NullString {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return sql.NullString{}
		}
		return sql.NullString{String: row[i], Valid: true}
	}

	records := make([]models.CleanRecord, 0, len(rows))
	for _, row := range rows {
		r := models.CleanRecord{
			SiteID:      field(row, "siteid"),
			SiteName:    field(row, "sitename"),
			County:      nullable(row, "county"),
			ItemID:      nullable(row, "itemid"),
			ItemName:    nullable(row, "itemname"),
			ItemEngName: nullable(row, "itemengname"),
			ItemUnit:    nullable(row, "itemunit"),
		}
		date, ok := models.NormalizeMonitorDate(field(row, "monitordate"))
		if !ok {
			return nil, fmt.Errorf("parse monitordate %q", field(row, "monitordate"))
		}
		r.MonitorDate = date
		if v, err := strconv.ParseFloat(strings.TrimSpace(field(row, "concentration")), 64); err == nil {
			r.Concentration = sql.NullFloat64{Float64: v, Valid: true}
		}
		records = append(records, r)
	}
	return records, nil
}

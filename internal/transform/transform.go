// Package transform merges every raw snapshot into one cleaned, deduplicated,
// key-complete dataset sorted by observation date.
package transform

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lox/pm25etl/internal/csvio"
	"github.com/lox/pm25etl/internal/metrics"
	"github.com/lox/pm25etl/internal/models"
)

// OutputName is the single cleaned dataset artifact, replaced wholesale each run.
const OutputName = "pm25_cleaned.csv"

const badDateSampleLimit = 10

type Transformer struct {
	log        *zap.Logger
	rawDir     string
	cleanedDir string
}

func New(log *zap.Logger, rawDir, cleanedDir string) *Transformer {
	return &Transformer{log: log, rawDir: rawDir, cleanedDir: cleanedDir}
}

// SiteNameIndex maps station name to station id, built from records that have
// both. Later names overwrite earlier ones (last write wins within a run). It
// only backfills missing ids within the same run; it is never persisted.
type SiteNameIndex map[string]string

func BuildSiteNameIndex(rows []models.RawRecord) SiteNameIndex {
	idx := SiteNameIndex{}
	for _, r := range rows {
		name := strings.TrimSpace(r["sitename"])
		id := strings.TrimSpace(r["siteid"])
		if name != "" && id != "" {
			idx[name] = id
		}
	}
	return idx
}

// Transform reads every raw snapshot, cleans the merged set in memory, and
// writes the cleaned dataset. Returns "" when no raw snapshots exist. No
// output is written until the whole in-memory pass completes.
func (t *Transformer) Transform() (string, error) {
	files, err := filepath.Glob(filepath.Join(t.rawDir, "*.csv"))
	if err != nil {
		return "", err
	}
	sort.Strings(files)
	if len(files) == 0 {
		t.log.Warn("no raw snapshots found", zap.String("dir", t.rawDir))
		return "", nil
	}

	rows, err := t.merge(files)
	if err != nil {
		return "", err
	}

	before := len(rows)
	rows = dedupe(rows)
	t.log.Info("deduplicated", zap.Int("before", before), zap.Int("after", len(rows)))
	metrics.RowsDropped.WithLabelValues("duplicate").Add(float64(before - len(rows)))

	index := BuildSiteNameIndex(rows)
	t.log.Info("built site name index", zap.Int("entries", len(index)))

	records := t.parseRows(rows)
	records = t.backfillSiteIDs(records, index)
	records = t.dropMissingKeys(records)

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].date.Before(records[j].date)
	})

	if err := os.MkdirAll(t.cleanedDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(t.cleanedDir, OutputName)
	if err := writeCleaned(path, records); err != nil {
		return "", err
	}
	t.log.Info("cleaned dataset written", zap.String("path", path), zap.Int("records", len(records)))
	return path, nil
}

func (t *Transformer) merge(files []string) ([]models.RawRecord, error) {
	var rows []models.RawRecord
	for _, file := range files {
		header, data, err := csvio.Read(file)
		if err != nil {
			return nil, fmt.Errorf("read snapshot %s: %w", file, err)
		}
		for _, row := range data {
			rec := make(models.RawRecord, len(header))
			for i, col := range header {
				if i < len(row) {
					rec[col] = row[i]
				}
			}
			rows = append(rows, rec)
		}
	}
	t.log.Info("merged raw snapshots", zap.Int("files", len(files)), zap.Int("rows", len(rows)))
	return rows, nil
}

// dedupe removes exact duplicates only: rows identical across every field.
// Near-duplicates differing in any field are both retained.
func dedupe(rows []models.RawRecord) []models.RawRecord {
	seen := make(map[string]bool, len(rows))
	out := rows[:0]
	for _, r := range rows {
		key := rowKey(r)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

func rowKey(r models.RawRecord) string {
	keys := make([]string, 0, len(r))
	for k, v := range r {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%q=%q;", k, r[k])
	}
	return b.String()
}

type workRecord struct {
	raw     models.RawRecord
	date    time.Time
	hasDate bool
	conc    sql.NullFloat64
}

func (t *Transformer) parseRows(rows []models.RawRecord) []workRecord {
	records := make([]workRecord, 0, len(rows))
	badDates := 0
	badSamples := make(map[string]bool)

	for _, r := range rows {
		w := workRecord{raw: r}
		if d, ok := models.NormalizeMonitorDate(r["monitordate"]); ok {
			w.date, w.hasDate = d, true
		} else {
			badDates++
			metrics.ParseFailures.WithLabelValues("monitordate").Inc()
			if len(badSamples) < badDateSampleLimit {
				badSamples[r["monitordate"]] = true
			}
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(r["concentration"]), 64); err == nil {
			w.conc = sql.NullFloat64{Float64: v, Valid: true}
		} else if strings.TrimSpace(r["concentration"]) != "" {
			metrics.ParseFailures.WithLabelValues("concentration").Inc()
		}
		records = append(records, w)
	}

	t.log.Info("parsed observation dates", zap.Int("unparsed", badDates))
	if badDates > 0 {
		samples := make([]string, 0, len(badSamples))
		for s := range badSamples {
			samples = append(samples, s)
		}
		sort.Strings(samples)
		t.log.Warn("unparseable date samples", zap.Strings("samples", samples))
	}
	return records
}

func (t *Transformer) backfillSiteIDs(records []workRecord, index SiteNameIndex) []workRecord {
	missing := 0
	for _, w := range records {
		if strings.TrimSpace(w.raw["siteid"]) == "" {
			missing++
		}
	}
	if missing == 0 {
		return records
	}

	filled := 0
	for i, w := range records {
		if strings.TrimSpace(w.raw["siteid"]) != "" {
			continue
		}
		name := strings.TrimSpace(w.raw["sitename"])
		if name == "" {
			continue
		}
		if id, ok := index[name]; ok {
			records[i].raw["siteid"] = id
			filled++
		}
	}
	metrics.RowsBackfilled.Add(float64(filled))
	t.log.Info("backfilled missing site ids",
		zap.Int("before", missing), zap.Int("after", missing-filled), zap.Int("filled", filled))
	return records
}

// dropMissingKeys removes records still missing the storage key fields after
// parsing and backfill, and defaults missing station names to empty strings.
func (t *Transformer) dropMissingKeys(records []workRecord) []workRecord {
	before := len(records)
	out := records[:0]
	for _, w := range records {
		if !w.hasDate || strings.TrimSpace(w.raw["siteid"]) == "" {
			continue
		}
		out = append(out, w)
	}
	metrics.RowsDropped.WithLabelValues("missing_key").Add(float64(before - len(out)))
	t.log.Info("removed records missing key fields",
		zap.Int("before", before), zap.Int("after", len(out)))
	return out
}

func writeCleaned(path string, records []workRecord) error {
	rows := make([][]string, 0, len(records))
	for _, w := range records {
		conc := ""
		if w.conc.Valid {
			conc = strconv.FormatFloat(w.conc.Float64, 'f', -1, 64)
		}
		rows = append(rows, []string{
			strings.TrimSpace(w.raw["siteid"]),
			w.raw["sitename"],
			w.raw["county"],
			w.raw["itemid"],
			w.raw["itemname"],
			w.raw["itemengname"],
			w.raw["itemunit"],
			w.date.Format("2006-01-02"),
			conc,
		})
	}
	return csvio.WriteAtomic(path, models.CleanColumns, rows)
}

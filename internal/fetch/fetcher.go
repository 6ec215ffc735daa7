// Package fetch obtains PM2.5 observations from the upstream open-data API and
// persists them as immutable raw snapshots.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lox/pm25etl/internal/csvio"
	"github.com/lox/pm25etl/internal/httpclient"
	"github.com/lox/pm25etl/internal/metrics"
	"github.com/lox/pm25etl/internal/models"
)

// DefaultBaseURL is the Taiwan MoE daily PM2.5 dataset.
const DefaultBaseURL = "https://data.moenv.gov.tw/api/v2/aqx_p_322"

const defaultPageLimit = 5000

// ErrMissingAPIKey is returned before any network activity when no access
// token is configured.
var ErrMissingAPIKey = errors.New("missing PM25_API_KEY")

type Fetcher struct {
	client    *httpclient.Client
	log       *zap.Logger
	apiKey    string
	baseURL   string
	rawDir    string
	pageDelay time.Duration
	now       func() time.Time
}

func New(client *httpclient.Client, log *zap.Logger, apiKey, baseURL, rawDir string) *Fetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Fetcher{
		client:    client,
		log:       log,
		apiKey:    apiKey,
		baseURL:   baseURL,
		rawDir:    rawDir,
		pageDelay: 200 * time.Millisecond,
		now:       time.Now,
	}
}

// FetchDaily tries each candidate reporting date in order, most recent first,
// then falls back to a bulk fetch filtered locally to the same dates. It
// returns the snapshot path, or "" when no strategy produced records — a
// recoverable "no data available" outcome, not an error.
func (f *Fetcher) FetchDaily(ctx context.Context) (string, error) {
	if f.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	if err := os.MkdirAll(f.rawDir, 0o755); err != nil {
		return "", err
	}

	targets := f.candidateDates()
	var records []models.RawRecord
	for _, target := range targets {
		recs, ok := f.fetchForDate(ctx, target)
		if ok {
			records = recs
			break
		}
	}

	if len(records) == 0 {
		records = f.fetchRecentBulk(ctx, targets)
	}

	if len(records) == 0 {
		f.log.Error("no records available from any strategy")
		return "", nil
	}
	metrics.RecordsFetched.WithLabelValues("daily").Add(float64(len(records)))

	path := filepath.Join(f.rawDir, fmt.Sprintf("pm25_daily_%s.csv", f.now().Format("20060102")))
	if err := writeSnapshot(path, records); err != nil {
		return "", err
	}
	f.log.Info("snapshot written", zap.String("path", path), zap.Int("records", len(records)))
	return path, nil
}

func (f *Fetcher) fetchForDate(ctx context.Context, target string) ([]models.RawRecord, bool) {
	f.log.Info("fetching daily records", zap.String("date", target))
	u := fmt.Sprintf("%s?language=zh&api_key=%s&filters=monitordate,GR,%s&limit=%d",
		f.baseURL, url.QueryEscape(f.apiKey), target, defaultPageLimit)

	resp, err := f.client.Get(ctx, u)
	if err != nil {
		metrics.APICallsTotal.WithLabelValues("daily", "error").Inc()
		f.log.Warn("daily fetch failed", zap.String("date", target), zap.Error(err))
		return nil, false
	}
	metrics.APICallsTotal.WithLabelValues("daily", strconv.Itoa(resp.StatusCode)).Inc()
	f.log.Info("API responded", zap.Int("status", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		f.log.Error("unexpected API status",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", truncate(resp.Body, 200)))
		return nil, false
	}
	recs, err := decodeRecords(resp.Body)
	if err != nil {
		f.log.Warn("decode records", zap.String("date", target), zap.Error(err))
		return nil, false
	}
	if len(recs) == 0 {
		f.log.Warn("no records for date", zap.String("date", target))
		return nil, false
	}
	f.log.Info("fetched records", zap.Int("count", len(recs)), zap.String("date", target))
	return recs, true
}

// fetchRecentBulk is the salvage fallback: one unfiltered request sorted by
// date descending, filtered locally to the candidate dates. Best-effort only;
// transport failures here become a warning.
func (f *Fetcher) fetchRecentBulk(ctx context.Context, targets []string) []models.RawRecord {
	f.log.Info("exact-date queries empty, falling back to bulk fetch")
	u := fmt.Sprintf("%s?language=zh&api_key=%s&limit=%d&sort=%s",
		f.baseURL, url.QueryEscape(f.apiKey), defaultPageLimit, url.QueryEscape("monitordate desc"))

	resp, err := f.client.Get(ctx, u)
	if err != nil {
		metrics.APICallsTotal.WithLabelValues("bulk", "error").Inc()
		f.log.Warn("bulk fallback failed", zap.Error(err))
		return nil
	}
	metrics.APICallsTotal.WithLabelValues("bulk", strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		f.log.Warn("bulk fallback status", zap.Int("status", resp.StatusCode))
		return nil
	}
	recs, err := decodeRecords(resp.Body)
	if err != nil {
		f.log.Warn("decode bulk records", zap.Error(err))
		return nil
	}

	wanted := make(map[string]bool, len(targets))
	for _, t := range targets {
		wanted[t] = true
	}
	var kept []models.RawRecord
	for _, r := range recs {
		if d, ok := models.NormalizeMonitorDate(r["monitordate"]); ok && wanted[d.Format("2006-01-02")] {
			kept = append(kept, r)
		}
	}
	f.log.Info("filtered bulk records to candidate dates",
		zap.Int("total", len(recs)), zap.Int("kept", len(kept)))
	return kept
}

// FetchFull pages through the entire dataset until an empty page, then writes
// one snapshot with the full accumulation. Unlike FetchDaily, any page failure
// aborts the whole fetch and nothing is persisted.
func (f *Fetcher) FetchFull(ctx context.Context, limit int) (string, error) {
	if f.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	if err := os.MkdirAll(f.rawDir, 0o755); err != nil {
		return "", err
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}

	f.log.Info("fetching full history via pagination", zap.Int("limit", limit))
	var all []models.RawRecord
	offset := 0
	for {
		f.log.Info("fetching page", zap.Int("offset", offset))
		u := fmt.Sprintf("%s?language=zh&limit=%d&offset=%d&api_key=%s",
			f.baseURL, limit, offset, url.QueryEscape(f.apiKey))

		resp, err := f.client.Get(ctx, u)
		if err != nil {
			metrics.APICallsTotal.WithLabelValues("full", "error").Inc()
			return "", fmt.Errorf("fetch page at offset %d: %w", offset, err)
		}
		metrics.APICallsTotal.WithLabelValues("full", strconv.Itoa(resp.StatusCode)).Inc()
		if resp.StatusCode != http.StatusOK {
			f.log.Error("unexpected API status",
				zap.Int("status", resp.StatusCode),
				zap.ByteString("body", truncate(resp.Body, 500)))
			return "", fmt.Errorf("fetch page at offset %d: status %d", offset, resp.StatusCode)
		}
		recs, err := decodeRecords(resp.Body)
		if err != nil {
			return "", fmt.Errorf("decode page at offset %d: %w", offset, err)
		}
		if len(recs) == 0 {
			f.log.Info("no more records returned")
			break
		}
		all = append(all, recs...)
		f.log.Info("page fetched", zap.Int("count", len(recs)), zap.Int("total", len(all)))
		offset += len(recs)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(f.pageDelay):
		}
	}

	if len(all) == 0 {
		f.log.Warn("no records returned by full fetch")
		return "", nil
	}
	metrics.RecordsFetched.WithLabelValues("full").Add(float64(len(all)))

	path := filepath.Join(f.rawDir, fmt.Sprintf("pm25_full_%s.csv", f.now().Format("20060102")))
	if err := writeSnapshot(path, all); err != nil {
		return "", err
	}
	f.log.Info("snapshot written", zap.String("path", path), zap.Int("records", len(all)))
	return path, nil
}

// candidateDates returns the three most recent plausible reporting dates,
// yesterday first.
func (f *Fetcher) candidateDates() []string {
	today := f.now()
	return []string{
		today.AddDate(0, 0, -1).Format("2006-01-02"),
		today.AddDate(0, 0, -2).Format("2006-01-02"),
		today.AddDate(0, 0, -3).Format("2006-01-02"),
	}
}

type apiResponse struct {
	Records []map[string]any `json:"records"`
}

func decodeRecords(body []byte) ([]models.RawRecord, error) {
	var data apiResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	records := make([]models.RawRecord, 0, len(data.Records))
	for _, m := range data.Records {
		rec := make(models.RawRecord, len(m))
		for k, v := range m {
			rec[k] = stringify(v)
		}
		records = append(records, rec)
	}
	return records, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

// snapshotHeader is the union of fields observed across records: the known
// upstream columns first, any extras after them in lexical order.
func snapshotHeader(records []models.RawRecord) []string {
	present := make(map[string]bool)
	for _, r := range records {
		for k := range r {
			present[k] = true
		}
	}
	var header []string
	for _, c := range models.CleanColumns {
		if present[c] {
			header = append(header, c)
			delete(present, c)
		}
	}
	extras := make([]string, 0, len(present))
	for k := range present {
		extras = append(extras, k)
	}
	sort.Strings(extras)
	return append(header, extras...)
}

func writeSnapshot(path string, records []models.RawRecord) error {
	header := snapshotHeader(records)
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		row := make([]string, len(header))
		for i, col := range header {
			row[i] = r[col]
		}
		rows = append(rows, row)
	}
	return csvio.WriteAtomic(path, header, rows)
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

package models

import (
	"database/sql"
	"strings"
	"time"
)

// RawRecord is one observation as returned by the upstream API. Every value is
// kept as a string; nothing about a raw record is guaranteed.
type RawRecord map[string]string

// CleanRecord is a validated observation. SiteID and MonitorDate are always
// present and SiteName defaults to the empty string; the remaining attributes
// are null when the input never carried them.
type CleanRecord struct {
	SiteID        string
	SiteName      string
	County        sql.NullString
	ItemID        sql.NullString
	ItemName      sql.NullString
	ItemEngName   sql.NullString
	ItemUnit      sql.NullString
	MonitorDate   time.Time
	Concentration sql.NullFloat64
}

// CleanColumns is the fixed column order of the cleaned dataset artifact.
var CleanColumns = []string{
	"siteid", "sitename", "county",
	"itemid", "itemname", "itemengname", "itemunit",
	"monitordate", "concentration",
}

// Zero-width, non-breaking and full-width spaces seen in upstream dates.
var dateJunk = strings.NewReplacer("　", "", " ", "", "​", "", "\ufeff", "")

// NormalizeMonitorDate parses an upstream monitordate value into a calendar
// date. Slash separators are normalized to hyphens and anything past the date
// portion (time suffixes) is discarded before a strict YYYY-MM-DD parse.
func NormalizeMonitorDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(dateJunk.Replace(raw))
	s = strings.ReplaceAll(s, "/", "-")
	if len(s) > 10 {
		s = s[:10]
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

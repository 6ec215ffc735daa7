package csvio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAtomicRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	header := []string{"siteid", "sitename", "concentration"}
	rows := [][]string{
		{"1", "左營", "12.5"},
		{"2", "a,b", ""},
	}
	if err := WriteAtomic(path, header, rows); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(string(data), "\ufeff") {
		t.Error("output missing UTF-8 byte-order mark")
	}

	gotHeader, gotRows, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if strings.Join(gotHeader, "|") != strings.Join(header, "|") {
		t.Errorf("header = %v, want %v", gotHeader, header)
	}
	if len(gotRows) != 2 {
		t.Fatalf("rows = %d, want 2", len(gotRows))
	}
	if gotRows[1][1] != "a,b" {
		t.Errorf("quoted field = %q, want %q", gotRows[1][1], "a,b")
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after successful write")
	}
}

func TestReadMissingFile(t *testing.T) {
	if _, _, err := Read(filepath.Join(t.TempDir(), "absent.csv")); err == nil {
		t.Fatal("Read returned nil error for missing file")
	}
}

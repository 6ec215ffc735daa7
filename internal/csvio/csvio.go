// Package csvio reads and writes the pipeline's tabular artifacts: UTF-8 CSV
// with a byte-order mark, written atomically via a temp file and rename.
package csvio

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

const bom = "\ufeff"

// Read loads a CSV artifact, stripping any leading byte-order mark. The first
// row is returned as the header.
func Read(path string) ([]string, [][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	r := csv.NewReader(strings.NewReader(strings.TrimPrefix(string(data), bom)))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	return rows[0], rows[1:], nil
}

// WriteAtomic writes header and rows to path via a temp file in the same
// directory followed by a rename, so a partially written file is never visible
// under the final name.
func WriteAtomic(path string, header []string, rows [][]string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := writeAll(f, header, rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func writeAll(f *os.File, header []string, rows [][]string) error {
	if _, err := f.WriteString(bom); err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

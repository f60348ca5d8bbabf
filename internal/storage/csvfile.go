package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// csvTable is a header-indexed view of a CSV file
type csvTable struct {
	index map[string]int
	rows  [][]string
}

func (t *csvTable) get(row []string, column string) string {
	i, ok := t.index[column]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func (t *csvTable) require(columns ...string) error {
	var missing []string
	for _, c := range columns {
		if _, ok := t.index[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

// readCSV loads a whole CSV file. A missing file yields an empty table.
func readCSV(path string) (*csvTable, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &csvTable{index: map[string]int{}}, nil
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageUnavailable, path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &csvTable{index: map[string]int{}}, nil
		}
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	t := &csvTable{index: make(map[string]int, len(header))}
	for i, name := range header {
		// pandas writes an unnamed index column and may leave a BOM behind
		name = strings.TrimPrefix(strings.TrimSpace(name), "\uFEFF")
		t.index[name] = i
	}

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	t.rows = rows
	return t, nil
}

// appendCSV appends rows, writing the header first when the file is new.
// Rows are laid out by header name, so an existing file with an index
// column or extra columns keeps its layout; columns we do not know are left
// empty. The file is synced before returning so every append is durable.
func appendCSV(path string, header []string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: create directory for %s: %v", ErrStorageUnavailable, path, err)
		}
	}

	existing, err := readHeader(path)
	if err != nil {
		return err
	}
	if existing != nil {
		rows, err = alignRows(existing, header, rows)
		if err != nil {
			return fmt.Errorf("append to %s: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrStorageUnavailable, path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if existing == nil {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("%w: write header to %s: %v", ErrStorageUnavailable, path, err)
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStorageUnavailable, path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrStorageUnavailable, path, err)
	}
	return nil
}

// readHeader returns the header of an existing CSV file, or nil when the
// file is missing or empty
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageUnavailable, path, err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	return header, nil
}

// alignRows reorders rows written in columns order into the layout of
// existing. Every one of columns must be present in existing.
func alignRows(existing, columns []string, rows [][]string) ([][]string, error) {
	index := make(map[string]int, len(existing))
	for i, name := range existing {
		index[strings.TrimPrefix(strings.TrimSpace(name), "\uFEFF")] = i
	}
	pos := make([]int, len(columns))
	for i, c := range columns {
		j, ok := index[c]
		if !ok {
			return nil, fmt.Errorf("existing header %v has no %q column", existing, c)
		}
		pos[i] = j
	}

	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		rec := make([]string, len(existing))
		for i, v := range row {
			rec[pos[i]] = v
		}
		out = append(out, rec)
	}
	return out, nil
}

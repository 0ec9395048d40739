// Package archive reads the export files downloaded into the data
// directory back into rows for import.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nerrad567/em-ingest/internal/meter"
)

// Stats summarises one device directory.
type Stats struct {
	Files  int // export files read
	Total  int // rows across all files
	Unique int // rows left after dropping repeated timestamps
}

// Duplicates returns the number of rows dropped as repeats.
func (s Stats) Duplicates() int {
	return s.Total - s.Unique
}

// Files lists the *.csv files directly under dir, sorted by name. Export
// file names embed their start time, so name order is download order.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing exports: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

// ReadDevice parses every export file of one device directory and merges
// the rows. When files overlap, the row from the earliest file wins. A file
// whose header does not match the export schema fails the whole read.
func ReadDevice(dir string) ([]meter.BulkRow, Stats, error) {
	var stats Stats

	files, err := Files(dir)
	if err != nil {
		return nil, stats, err
	}

	var dedup meter.Deduper
	var rows []meter.BulkRow
	for _, path := range files {
		n, err := readFile(path, func(row meter.BulkRow) {
			if dedup.Keep(row) {
				rows = append(rows, row)
			}
		})
		stats.Total += n
		if err != nil {
			return nil, stats, err
		}
		stats.Files++
	}
	stats.Unique = len(rows)
	return rows, stats, nil
}

func readFile(path string, emit func(meter.BulkRow)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening export: %w", err)
	}
	defer f.Close()

	r, err := meter.NewBulkReader(f)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	n := 0
	for r.Next() {
		emit(r.Row())
		n++
	}
	if err := r.Err(); err != nil {
		return n, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return n, nil
}

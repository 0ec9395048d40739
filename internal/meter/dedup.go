package meter

import "time"

// Deduper drops export rows whose timestamp has already been seen.
// The zero value is ready to use. A Deduper is not safe for concurrent use.
type Deduper struct {
	seen map[int64]struct{}
}

// Keep reports whether row is the first one seen with its timestamp and
// remembers the timestamp.
func (d *Deduper) Keep(row BulkRow) bool {
	if d.seen == nil {
		d.seen = make(map[int64]struct{})
	}
	key := row.Timestamp.Unix()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Seen returns the number of distinct timestamps kept so far.
func (d *Deduper) Seen() int {
	return len(d.seen)
}

// DedupByTimestamp returns rows with only the first row per timestamp kept.
// Input order is preserved, and applying it to its own output is a no-op.
func DedupByTimestamp(rows []BulkRow) []BulkRow {
	var d Deduper
	out := make([]BulkRow, 0, len(rows))
	for _, row := range rows {
		if d.Keep(row) {
			out = append(out, row)
		}
	}
	return out
}

// Span returns the earliest and latest timestamp in rows.
func Span(rows []BulkRow) (first, last time.Time) {
	for i, row := range rows {
		if i == 0 || row.Timestamp.Before(first) {
			first = row.Timestamp
		}
		if i == 0 || row.Timestamp.After(last) {
			last = row.Timestamp
		}
	}
	return first, last
}

// Package ledger records completed history downloads so later runs can
// resume each device where the previous one stopped.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/em-ingest/internal/shelly"
)

// ErrNotFound is returned by LastDownload for a device never downloaded.
var ErrNotFound = errors.New("ledger: no download recorded")

// Entry is one completed download.
type Entry struct {
	Device       string
	Target       string
	Bytes        int64
	Duration     time.Duration
	Since        time.Time // zero: from the device's oldest record
	Until        time.Time // zero: up to the device's current time
	DownloadedAt time.Time
}

// ResumeFrom is where the next download of the device should start: the
// upper bound of this one, or the time it ran when it was open-ended.
func (e Entry) ResumeFrom() time.Time {
	if !e.Until.IsZero() {
		return e.Until
	}
	return e.DownloadedAt
}

// Repository defines the ledger operations.
type Repository interface {
	Record(ctx context.Context, result shelly.DownloadResult, since, until, at time.Time) error
	LastDownload(ctx context.Context, device string) (Entry, error)
}

// SQLiteRepository stores the ledger in the downloads table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a ledger on an opened, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record stores a finished download. Zero since/until are stored as NULL.
func (r *SQLiteRepository) Record(ctx context.Context, result shelly.DownloadResult, since, until, at time.Time) error {
	if result.Device == "" {
		return fmt.Errorf("recording download: empty device name")
	}
	if at.IsZero() {
		at = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO downloads (device, target_file, bytes, duration_ms, since, until, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		result.Device, result.Target, result.Bytes, result.Duration.Milliseconds(),
		nullableUnix(since), nullableUnix(until), at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("recording download of %s: %w", result.Device, err)
	}
	return nil
}

// LastDownload returns the most recent download of device.
func (r *SQLiteRepository) LastDownload(ctx context.Context, device string) (Entry, error) {
	e := Entry{Device: device}
	var durationMS, at int64
	var since, until sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT target_file, bytes, duration_ms, since, until, downloaded_at
		FROM downloads
		WHERE device = ?
		ORDER BY downloaded_at DESC, id DESC
		LIMIT 1`, device,
	).Scan(&e.Target, &e.Bytes, &durationMS, &since, &until, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w for %s", ErrNotFound, device)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("reading last download of %s: %w", device, err)
	}

	e.Duration = time.Duration(durationMS) * time.Millisecond
	e.Since = fromNullableUnix(since)
	e.Until = fromNullableUnix(until)
	e.DownloadedAt = time.Unix(at, 0).UTC()
	return e, nil
}

// ResumePoints returns the resume time of every listed device that has a
// recorded download. Devices never downloaded are absent from the map.
func ResumePoints(ctx context.Context, repo Repository, devices []string) (map[string]time.Time, error) {
	points := make(map[string]time.Time, len(devices))
	for _, device := range devices {
		e, err := repo.LastDownload(ctx, device)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		points[device] = e.ResumeFrom()
	}
	return points, nil
}

func nullableUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromNullableUnix(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

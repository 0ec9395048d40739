// Package point converts meter readings into storage points.
//
// A Point is one device/phase/source slice of a reading at one timestamp.
// Conversion is pure: no I/O, no retries, and every measurement of the
// input lands in exactly one output field. The only fields left out are the
// phase name, the per-phase error lists and the "n_" prefix of neutral
// statistics.
package point

import (
	"fmt"
	"maps"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/em-ingest/internal/meter"
)

// Measurement is the storage measurement every point is written to.
const Measurement = "em"

// Source tags keep historical and live data apart in storage.
const (
	SourceBulk = "bulk"
	SourceLive = "live"
)

// Phase tags beyond the three AC phases.
const (
	PhaseNeutral = "neutral"
	PhaseTotal   = "total"
)

// Precision is the timestamp resolution points are stored at.
const Precision = time.Second

// Point is one storage-ready record. Points are not modified after creation.
type Point struct {
	Device string
	Source string
	Phase  string
	Time   time.Time
	Fields map[string]float64
}

// Tags returns the point's tag set.
func (p Point) Tags() map[string]string {
	return map[string]string{
		"device": p.Device,
		"source": p.Source,
		"phase":  p.Phase,
	}
}

// WritePoint returns the point in the client library's representation.
func (p Point) WritePoint() *write.Point {
	fields := make(map[string]interface{}, len(p.Fields))
	for k, v := range p.Fields {
		fields[k] = v
	}
	return write.NewPoint(Measurement, p.Tags(), fields, p.Time)
}

// LineProtocol encodes the point at second precision.
func (p Point) LineProtocol() string {
	return write.PointToLineProtocol(p.WritePoint(), Precision)
}

// FromBulkRow expands an export row into one point per phase and one neutral point.
func FromBulkRow(device string, row meter.BulkRow) []Point {
	points := make([]Point, 0, len(row.Phases)+1)
	for _, ph := range row.Phases {
		points = append(points, Point{
			Device: device,
			Source: SourceBulk,
			Phase:  string(ph.Phase),
			Time:   row.Timestamp,
			Fields: ph.Fields(),
		})
	}
	return append(points, Point{
		Device: device,
		Source: SourceBulk,
		Phase:  PhaseNeutral,
		Time:   row.Timestamp,
		Fields: row.Neutral(),
	})
}

// FromLiveEvent expands a push event into one point per phase, a neutral
// point when the meter measured neutral current, and a total point.
func FromLiveEvent(device string, event meter.LiveEvent) []Point {
	status := event.Status
	points := make([]Point, 0, len(status.Phases)+2)
	for _, ph := range status.Phases {
		points = append(points, Point{
			Device: device,
			Source: SourceLive,
			Phase:  string(ph.Phase),
			Time:   event.Timestamp,
			Fields: ph.Fields(),
		})
	}

	if status.NeutralCurrent != nil {
		points = append(points, Point{
			Device: device,
			Source: SourceLive,
			Phase:  PhaseNeutral,
			Time:   event.Timestamp,
			Fields: map[string]float64{"current": *status.NeutralCurrent},
		})
	}

	return append(points, Point{
		Device: device,
		Source: SourceLive,
		Phase:  PhaseTotal,
		Time:   event.Timestamp,
		Fields: map[string]float64{
			"current":    status.TotalCurrent,
			"act_power":  status.TotalActPower,
			"aprt_power": status.TotalAprtPower,
		},
	})
}

// FromReading dispatches on the reading's kind.
func FromReading(device string, r meter.Reading) ([]Point, error) {
	switch r.Kind {
	case meter.KindBulk:
		return FromBulkRow(device, *r.Bulk), nil
	case meter.KindLive:
		return FromLiveEvent(device, *r.Live), nil
	default:
		return nil, fmt.Errorf("point: unsupported reading kind %v", r.Kind)
	}
}

// Equal reports whether two points carry the same tags, timestamp and fields.
func Equal(a, b Point) bool {
	return a.Device == b.Device &&
		a.Source == b.Source &&
		a.Phase == b.Phase &&
		a.Time.Equal(b.Time) &&
		maps.Equal(a.Fields, b.Fields)
}

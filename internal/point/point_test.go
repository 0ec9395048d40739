package point

import (
	"strings"
	"testing"
	"time"

	protocol "github.com/influxdata/line-protocol"

	"github.com/nerrad567/em-ingest/internal/meter"
)

const device = "dev"

var testTime = time.Date(2024, 5, 19, 17, 43, 59, 0, time.UTC)

func bulkRow() meter.BulkRow {
	row := meter.BulkRow{
		Timestamp:         testTime,
		NeutralMaxCurrent: 1.1,
		NeutralMinCurrent: 2.2,
		NeutralAvgCurrent: 3.3,
	}
	for i, ph := range meter.Phases {
		row.Phases[i] = meter.BulkPhase{
			Phase:             ph,
			AvgCurrent:        1.1,
			MaxCurrent:        2.2,
			MinCurrent:        3.3,
			AvgVoltage:        4.4,
			FundActEnergy:     5.5,
			FundActRetEnergy:  6.6,
			LagReactEnergy:    7.7,
			LeadReactEnergy:   8.8,
			MaxActPower:       9.9,
			TotalActEnergy:    10.10,
			TotalActRetEnergy: 11.11,
			MinActPower:       12.12,
			MaxAprtPower:      13.13,
			MinAprtPower:      14.14,
			MaxVoltage:        15.15,
			MinVoltage:        16.16,
		}
	}
	return row
}

func liveEvent(neutral *float64) meter.LiveEvent {
	status := meter.EnergyMeterStatus{
		NeutralCurrent: neutral,
		TotalCurrent:   3.3,
		TotalActPower:  1.1,
		TotalAprtPower: 2.2,
	}
	for i, ph := range meter.Phases {
		status.Phases[i] = meter.PhaseMeasurement{
			Phase: ph, ActPower: 1.1, AprtPower: 2.2, Current: 3.3, Freq: 4.4, PF: 5.5, Voltage: 6.6,
			Errors: []string{"out_of_range:current"},
		}
	}
	return meter.LiveEvent{Timestamp: testTime, Source: "shelly-1", Status: status}
}

func TestFromBulkRow(t *testing.T) {
	points := FromBulkRow(device, bulkRow())

	if len(points) != 4 {
		t.Fatalf("len(FromBulkRow()) = %d, want 4", len(points))
	}
	wantPhases := []string{"a", "b", "c", PhaseNeutral}
	for i, p := range points {
		if p.Phase != wantPhases[i] {
			t.Errorf("points[%d].Phase = %q, want %q", i, p.Phase, wantPhases[i])
		}
		if p.Source != SourceBulk {
			t.Errorf("points[%d].Source = %q, want %q", i, p.Source, SourceBulk)
		}
		if !p.Time.Equal(testTime) {
			t.Errorf("points[%d].Time = %v, want %v", i, p.Time, testTime)
		}
	}
	if len(points[0].Fields) != 16 {
		t.Errorf("phase point has %d fields, want 16", len(points[0].Fields))
	}
	if _, ok := points[0].Fields["phase_name"]; ok {
		t.Error("phase point carries the phase discriminator")
	}

	neutral := points[3].Fields
	if len(neutral) != 3 || neutral["max_current"] != 1.1 || neutral["min_current"] != 2.2 || neutral["avg_current"] != 3.3 {
		t.Errorf("neutral fields = %v", neutral)
	}
}

func TestFromLiveEvent(t *testing.T) {
	n := 1.1

	tests := []struct {
		name       string
		neutral    *float64
		wantPhases []string
	}{
		{"with neutral", &n, []string{"a", "b", "c", PhaseNeutral, PhaseTotal}},
		{"without neutral", nil, []string{"a", "b", "c", PhaseTotal}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			points := FromLiveEvent(device, liveEvent(tt.neutral))

			if len(points) != len(tt.wantPhases) {
				t.Fatalf("len(FromLiveEvent()) = %d, want %d", len(points), len(tt.wantPhases))
			}
			for i, p := range points {
				if p.Phase != tt.wantPhases[i] {
					t.Errorf("points[%d].Phase = %q, want %q", i, p.Phase, tt.wantPhases[i])
				}
				if p.Source != SourceLive {
					t.Errorf("points[%d].Source = %q, want %q", i, p.Source, SourceLive)
				}
			}

			if len(points[0].Fields) != 6 {
				t.Errorf("phase point has %d fields, want 6", len(points[0].Fields))
			}
			if _, ok := points[0].Fields["errors"]; ok {
				t.Error("phase point carries the error list")
			}

			total := points[len(points)-1].Fields
			if len(total) != 3 || total["act_power"] != 1.1 || total["aprt_power"] != 2.2 || total["current"] != 3.3 {
				t.Errorf("total fields = %v", total)
			}
		})
	}
}

func TestFromReading(t *testing.T) {
	bulk, err := FromReading(device, meter.BulkReading(bulkRow()))
	if err != nil || len(bulk) != 4 {
		t.Errorf("FromReading(bulk) = %d points, err %v; want 4", len(bulk), err)
	}

	live, err := FromReading(device, meter.LiveReading(liveEvent(nil)))
	if err != nil || len(live) != 4 {
		t.Errorf("FromReading(live) = %d points, err %v; want 4", len(live), err)
	}

	if _, err := FromReading(device, meter.Reading{}); err == nil {
		t.Error("FromReading(zero) expected error, got nil")
	}
}

func TestLineProtocol_Format(t *testing.T) {
	points := FromBulkRow(device, bulkRow())
	line := strings.TrimSpace(points[3].LineProtocol())

	if !strings.HasPrefix(line, "em,device=dev,phase=neutral,source=bulk ") {
		t.Errorf("LineProtocol() = %q, want measurement and sorted tags first", line)
	}
	if !strings.HasSuffix(line, " 1716140639") {
		t.Errorf("LineProtocol() = %q, want timestamp in seconds", line)
	}
}

func TestLineProtocol_RoundTrip(t *testing.T) {
	n := 0.25
	var points []Point
	points = append(points, FromBulkRow(device, bulkRow())...)
	points = append(points, FromLiveEvent("oben", liveEvent(&n))...)

	for _, p := range points {
		t.Run(p.Source+"/"+p.Phase, func(t *testing.T) {
			handler := protocol.NewMetricHandler()
			handler.SetTimePrecision(Precision)
			metrics, err := protocol.NewParser(handler).Parse([]byte(p.LineProtocol()))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if len(metrics) != 1 {
				t.Fatalf("Parse() returned %d metrics, want 1", len(metrics))
			}
			m := metrics[0]

			if m.Name() != Measurement {
				t.Errorf("Name() = %q, want %q", m.Name(), Measurement)
			}
			decoded := Point{Time: m.Time(), Fields: map[string]float64{}}
			for _, tag := range m.TagList() {
				switch tag.Key {
				case "device":
					decoded.Device = tag.Value
				case "source":
					decoded.Source = tag.Value
				case "phase":
					decoded.Phase = tag.Value
				default:
					t.Errorf("unexpected tag %q", tag.Key)
				}
			}
			for _, f := range m.FieldList() {
				v, ok := f.Value.(float64)
				if !ok {
					t.Fatalf("field %s has type %T, want float64", f.Key, f.Value)
				}
				decoded.Fields[f.Key] = v
			}

			if !Equal(p, decoded) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, p)
			}
		})
	}
}

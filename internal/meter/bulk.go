package meter

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"
)

// BulkPhase holds one phase's aggregates for one export interval.
// Energies are in Wh, powers in W/VA, voltages in V, currents in A.
type BulkPhase struct {
	Phase Phase

	TotalActEnergy    float64
	FundActEnergy     float64
	TotalActRetEnergy float64
	FundActRetEnergy  float64
	LagReactEnergy    float64
	LeadReactEnergy   float64
	MaxActPower       float64
	MinActPower       float64
	MaxAprtPower      float64
	MinAprtPower      float64
	MaxVoltage        float64
	MinVoltage        float64
	AvgVoltage        float64
	MaxCurrent        float64
	MinCurrent        float64
	AvgCurrent        float64
}

// phaseColumns maps each per-phase column suffix to its BulkPhase field.
var phaseColumns = []struct {
	name  string
	value func(p *BulkPhase) *float64
}{
	{"total_act_energy", func(p *BulkPhase) *float64 { return &p.TotalActEnergy }},
	{"fund_act_energy", func(p *BulkPhase) *float64 { return &p.FundActEnergy }},
	{"total_act_ret_energy", func(p *BulkPhase) *float64 { return &p.TotalActRetEnergy }},
	{"fund_act_ret_energy", func(p *BulkPhase) *float64 { return &p.FundActRetEnergy }},
	{"lag_react_energy", func(p *BulkPhase) *float64 { return &p.LagReactEnergy }},
	{"lead_react_energy", func(p *BulkPhase) *float64 { return &p.LeadReactEnergy }},
	{"max_act_power", func(p *BulkPhase) *float64 { return &p.MaxActPower }},
	{"min_act_power", func(p *BulkPhase) *float64 { return &p.MinActPower }},
	{"max_aprt_power", func(p *BulkPhase) *float64 { return &p.MaxAprtPower }},
	{"min_aprt_power", func(p *BulkPhase) *float64 { return &p.MinAprtPower }},
	{"max_voltage", func(p *BulkPhase) *float64 { return &p.MaxVoltage }},
	{"min_voltage", func(p *BulkPhase) *float64 { return &p.MinVoltage }},
	{"avg_voltage", func(p *BulkPhase) *float64 { return &p.AvgVoltage }},
	{"max_current", func(p *BulkPhase) *float64 { return &p.MaxCurrent }},
	{"min_current", func(p *BulkPhase) *float64 { return &p.MinCurrent }},
	{"avg_current", func(p *BulkPhase) *float64 { return &p.AvgCurrent }},
}

// Fields returns the sixteen aggregates keyed by column suffix.
func (p BulkPhase) Fields() map[string]float64 {
	fields := make(map[string]float64, len(phaseColumns))
	for _, col := range phaseColumns {
		fields[col.name] = *col.value(&p)
	}
	return fields
}

// BulkRow is one interval of the historical export.
type BulkRow struct {
	Timestamp time.Time
	Phases    [3]BulkPhase

	NeutralMaxCurrent float64
	NeutralMinCurrent float64
	NeutralAvgCurrent float64
}

// Neutral returns the neutral current statistics keyed without the "n_" prefix.
func (r BulkRow) Neutral() map[string]float64 {
	return map[string]float64{
		"max_current": r.NeutralMaxCurrent,
		"min_current": r.NeutralMinCurrent,
		"avg_current": r.NeutralAvgCurrent,
	}
}

const (
	timestampColumn = "timestamp"
	neutralPrefix   = "n_"
)

var neutralColumns = []string{"max_current", "min_current", "avg_current"}

// ExportFields returns the column names of the historical export in device order.
func ExportFields() []string {
	fields := make([]string, 0, 1+len(Phases)*len(phaseColumns)+len(neutralColumns))
	fields = append(fields, timestampColumn)
	for _, ph := range Phases {
		for _, col := range phaseColumns {
			fields = append(fields, string(ph)+"_"+col.name)
		}
	}
	for _, col := range neutralColumns {
		fields = append(fields, neutralPrefix+col)
	}
	return fields
}

// CheckFields verifies that header carries exactly the export field set.
// Column order is irrelevant. A mismatch returns a *SchemaError.
func CheckFields(header []string) error {
	want := ExportFields()
	got := make(map[string]bool, len(header))
	for _, h := range header {
		got[strings.TrimSpace(h)] = true
	}

	var missing, unexpected []string
	for _, f := range want {
		if !got[f] {
			missing = append(missing, f)
		}
		delete(got, f)
	}
	for f := range got {
		unexpected = append(unexpected, f)
	}
	if len(missing) == 0 && len(unexpected) == 0 {
		return nil
	}

	slices.Sort(unexpected)
	return &SchemaError{Missing: missing, Unexpected: unexpected}
}

// BulkReader parses an export stream row by row.
//
// Usage:
//
//	r, err := meter.NewBulkReader(body)
//	if err != nil {
//	    return err
//	}
//	for r.Next() {
//	    row := r.Row()
//	}
//	if err := r.Err(); err != nil {
//	    return err
//	}
type BulkReader struct {
	csv   *csv.Reader
	index map[string]int
	row   BulkRow
	err   error
}

// NewBulkReader reads and verifies the header line of an export stream.
func NewBulkReader(r io.Reader) (*BulkReader, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty export", ErrSchema)
		}
		return nil, fmt.Errorf("reading export header: %w", err)
	}
	if err := CheckFields(header); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	cr.FieldsPerRecord = len(header)

	return &BulkReader{csv: cr, index: index}, nil
}

// Next advances to the next row. It returns false at the end of the stream
// or on the first error, which Err then reports.
func (r *BulkReader) Next() bool {
	if r.err != nil {
		return false
	}

	record, err := r.csv.Read()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			r.err = fmt.Errorf("%w: %w", ErrMalformedRow, err)
		}
		return false
	}

	row, err := r.parse(record)
	if err != nil {
		line, _ := r.csv.FieldPos(0)
		r.err = fmt.Errorf("%w: line %d: %w", ErrMalformedRow, line, err)
		return false
	}
	r.row = row
	return true
}

// Row returns the row read by the last successful Next.
func (r *BulkReader) Row() BulkRow {
	return r.row
}

// Err returns the first error encountered, if any.
func (r *BulkReader) Err() error {
	return r.err
}

// ReadAll drains the reader into a slice.
func (r *BulkReader) ReadAll() ([]BulkRow, error) {
	var rows []BulkRow
	for r.Next() {
		rows = append(rows, r.Row())
	}
	return rows, r.Err()
}

func (r *BulkReader) parse(record []string) (BulkRow, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(record[r.index[timestampColumn]]), 10, 64)
	if err != nil {
		return BulkRow{}, fmt.Errorf("timestamp: %w", err)
	}
	row := BulkRow{Timestamp: time.Unix(ts, 0).UTC()}

	number := func(column string) (float64, error) {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[r.index[column]]), 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", column, err)
		}
		return v, nil
	}

	for i, ph := range Phases {
		row.Phases[i].Phase = ph
		for _, col := range phaseColumns {
			v, err := number(string(ph) + "_" + col.name)
			if err != nil {
				return BulkRow{}, err
			}
			*col.value(&row.Phases[i]) = v
		}
	}

	neutral := []*float64{&row.NeutralMaxCurrent, &row.NeutralMinCurrent, &row.NeutralAvgCurrent}
	for i, col := range neutralColumns {
		v, err := number(neutralPrefix + col)
		if err != nil {
			return BulkRow{}, err
		}
		*neutral[i] = v
	}

	return row, nil
}

package meter

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Phase identifies one of the three AC lines.
type Phase string

// The three measured phases.
const (
	PhaseA Phase = "a"
	PhaseB Phase = "b"
	PhaseC Phase = "c"
)

// Phases lists the phases in the order every reading carries them.
var Phases = [3]Phase{PhaseA, PhaseB, PhaseC}

// PhaseMeasurement is one phase's instantaneous reading.
type PhaseMeasurement struct {
	Phase     Phase
	Current   float64 // A
	Voltage   float64 // V
	ActPower  float64 // W
	AprtPower float64 // VA
	PF        float64
	Freq      float64 // Hz

	// Errors lists out_of_range conditions reported for this phase.
	Errors []string
}

// Fields returns the measurement values keyed by field name.
// The phase name and error list are not measurements and are left out.
func (p PhaseMeasurement) Fields() map[string]float64 {
	return map[string]float64{
		"current":    p.Current,
		"voltage":    p.Voltage,
		"act_power":  p.ActPower,
		"aprt_power": p.AprtPower,
		"pf":         p.PF,
		"freq":       p.Freq,
	}
}

// EnergyMeterStatus is the decoded em:0 component of a device.
type EnergyMeterStatus struct {
	ID     int
	Phases [3]PhaseMeasurement

	// NeutralCurrent is nil when the meter does not measure the neutral line.
	NeutralCurrent *float64
	NeutralErrors  []string

	TotalCurrent   float64 // A, excluding neutral
	TotalActPower  float64 // W
	TotalAprtPower float64 // VA

	UserCalibratedPhase []string
	Errors              []string
}

// LiveEvent is a status notification pushed by a device.
type LiveEvent struct {
	Timestamp time.Time
	Source    string
	Status    EnergyMeterStatus
}

// rawEnergyMeter mirrors the em:0 JSON object.
type rawEnergyMeter struct {
	ID int `json:"id"`

	ACurrent   float64  `json:"a_current"`
	AVoltage   float64  `json:"a_voltage"`
	AActPower  float64  `json:"a_act_power"`
	AAprtPower float64  `json:"a_aprt_power"`
	APF        float64  `json:"a_pf"`
	AFreq      float64  `json:"a_freq"`
	AErrors    []string `json:"a_errors"`

	BCurrent   float64  `json:"b_current"`
	BVoltage   float64  `json:"b_voltage"`
	BActPower  float64  `json:"b_act_power"`
	BAprtPower float64  `json:"b_aprt_power"`
	BPF        float64  `json:"b_pf"`
	BFreq      float64  `json:"b_freq"`
	BErrors    []string `json:"b_errors"`

	CCurrent   float64  `json:"c_current"`
	CVoltage   float64  `json:"c_voltage"`
	CActPower  float64  `json:"c_act_power"`
	CAprtPower float64  `json:"c_aprt_power"`
	CPF        float64  `json:"c_pf"`
	CFreq      float64  `json:"c_freq"`
	CErrors    []string `json:"c_errors"`

	NCurrent *float64 `json:"n_current"`
	NErrors  []string `json:"n_errors"`

	TotalCurrent   float64 `json:"total_current"`
	TotalActPower  float64 `json:"total_act_power"`
	TotalAprtPower float64 `json:"total_aprt_power"`

	UserCalibratedPhase []string `json:"user_calibrated_phase"`
	Errors              []string `json:"errors"`
}

func (r rawEnergyMeter) status() EnergyMeterStatus {
	return EnergyMeterStatus{
		ID: r.ID,
		Phases: [3]PhaseMeasurement{
			{Phase: PhaseA, Current: r.ACurrent, Voltage: r.AVoltage, ActPower: r.AActPower, AprtPower: r.AAprtPower, PF: r.APF, Freq: r.AFreq, Errors: r.AErrors},
			{Phase: PhaseB, Current: r.BCurrent, Voltage: r.BVoltage, ActPower: r.BActPower, AprtPower: r.BAprtPower, PF: r.BPF, Freq: r.BFreq, Errors: r.BErrors},
			{Phase: PhaseC, Current: r.CCurrent, Voltage: r.CVoltage, ActPower: r.CActPower, AprtPower: r.CAprtPower, PF: r.CPF, Freq: r.CFreq, Errors: r.CErrors},
		},
		NeutralCurrent:      r.NCurrent,
		NeutralErrors:       r.NErrors,
		TotalCurrent:        r.TotalCurrent,
		TotalActPower:       r.TotalActPower,
		TotalAprtPower:      r.TotalAprtPower,
		UserCalibratedPhase: r.UserCalibratedPhase,
		Errors:              r.Errors,
	}
}

// DecodeEnergyMeterStatus decodes an em:0 object as returned by EM.GetStatus.
func DecodeEnergyMeterStatus(data []byte) (EnergyMeterStatus, error) {
	var raw rawEnergyMeter
	if err := json.Unmarshal(data, &raw); err != nil {
		return EnergyMeterStatus{}, fmt.Errorf("decoding energy meter status: %w", err)
	}
	return raw.status(), nil
}

// statusFrame is the subset of a NotifyStatus frame needed for a LiveEvent.
type statusFrame struct {
	Src    string `json:"src"`
	Params struct {
		TS          *float64        `json:"ts"`
		EnergyMeter *rawEnergyMeter `json:"em:0"`
	} `json:"params"`
}

// DecodeLiveEvent decodes a status notification frame into a LiveEvent.
//
// The event timestamp is the frame's params.ts (fractional unix seconds)
// expressed in loc. Frames without params.em:0 return ErrNoEnergyMeter.
func DecodeLiveEvent(frame []byte, loc *time.Location) (LiveEvent, error) {
	var f statusFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return LiveEvent{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if f.Params.EnergyMeter == nil {
		return LiveEvent{}, ErrNoEnergyMeter
	}
	if f.Params.TS == nil {
		return LiveEvent{}, fmt.Errorf("%w: params.ts is missing", ErrMalformedEvent)
	}
	if loc == nil {
		loc = time.UTC
	}

	return LiveEvent{
		Timestamp: unixSeconds(*f.Params.TS).In(loc),
		Source:    f.Src,
		Status:    f.Params.EnergyMeter.status(),
	}, nil
}

// unixSeconds converts fractional unix seconds at microsecond resolution.
func unixSeconds(ts float64) time.Time {
	return time.UnixMicro(int64(math.Round(ts * 1e6)))
}

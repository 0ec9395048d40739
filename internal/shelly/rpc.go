package shelly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/em-ingest/internal/meter"
)

// RPC method names used by this client.
const (
	MethodGetDeviceInfo   = "Shelly.GetDeviceInfo"
	MethodGetStatus       = "Shelly.GetStatus"
	MethodSysGetStatus    = "Sys.GetStatus"
	MethodEMGetStatus     = "EM.GetStatus"
	MethodEMDataGetStatus = "EMData.GetStatus"
	MethodEMDataRecords   = "EMData.GetRecords"
)

// Energy meter component id. Pro 3EM devices expose a single em:0.
const energyMeterID = 0

// DeviceInfo is the result of Shelly.GetDeviceInfo.
type DeviceInfo struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	MAC     string `json:"mac"`
	Model   string `json:"model"`
	Gen     int    `json:"gen"`
	FwID    string `json:"fw_id"`
	Version string `json:"ver"`
	App     string `json:"app"`
	Profile string `json:"profile"`
	AuthEn  bool   `json:"auth_en"`
}

// SystemStatus is the result of Sys.GetStatus.
type SystemStatus struct {
	MAC             string `json:"mac"`
	RestartRequired bool   `json:"restart_required"`
	Time            string `json:"time"`
	Unixtime        int64  `json:"unixtime"`
	Uptime          int64  `json:"uptime"`
	RAMSize         int64  `json:"ram_size"`
	RAMFree         int64  `json:"ram_free"`
	FSSize          int64  `json:"fs_size"`
	FSFree          int64  `json:"fs_free"`
	CfgRev          int    `json:"cfg_rev"`
}

// DeviceTime returns the device clock, or the zero time if unset.
func (s SystemStatus) DeviceTime() time.Time {
	if s.Unixtime == 0 {
		return time.Time{}
	}
	return time.Unix(s.Unixtime, 0)
}

// EnergyDataStatus is the result of EMData.GetStatus: energy counters in Wh.
type EnergyDataStatus struct {
	ID                 int      `json:"id"`
	ATotalActEnergy    float64  `json:"a_total_act_energy"`
	ATotalActRetEnergy float64  `json:"a_total_act_ret_energy"`
	BTotalActEnergy    float64  `json:"b_total_act_energy"`
	BTotalActRetEnergy float64  `json:"b_total_act_ret_energy"`
	CTotalActEnergy    float64  `json:"c_total_act_energy"`
	CTotalActRetEnergy float64  `json:"c_total_act_ret_energy"`
	TotalAct           float64  `json:"total_act"`
	TotalActRet        float64  `json:"total_act_ret"`
	Errors             []string `json:"errors,omitempty"`
}

// Status is the result of Shelly.GetStatus with the components this
// client understands decoded. Components holds every component raw.
type Status struct {
	System      SystemStatus
	EnergyMeter *meter.EnergyMeterStatus
	EnergyData  *EnergyDataStatus
	Components  map[string]json.RawMessage
}

// RecordBlock describes one contiguous block of stored export records.
type RecordBlock struct {
	TS      int64 `json:"ts"`
	Period  int   `json:"period"`
	Records int   `json:"records"`
}

// Start returns the timestamp of the first record in the block.
func (b RecordBlock) Start() time.Time {
	return time.Unix(b.TS, 0).UTC()
}

// End returns the timestamp just after the last record in the block.
func (b RecordBlock) End() time.Time {
	return b.Start().Add(time.Duration(b.Period*b.Records) * time.Second)
}

// Records is the result of EMData.GetRecords.
type Records struct {
	Blocks       []RecordBlock `json:"data_blocks"`
	NextRecordTS int64         `json:"next_record_ts,omitempty"`
}

// DeviceInfo calls Shelly.GetDeviceInfo including the identity fields.
func (c *Client) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	var info DeviceInfo
	if err := c.Call(ctx, MethodGetDeviceInfo, map[string]any{"ident": true}, &info); err != nil {
		return DeviceInfo{}, err
	}
	return info, nil
}

// Status calls Shelly.GetStatus.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var components map[string]json.RawMessage
	if err := c.Call(ctx, MethodGetStatus, nil, &components); err != nil {
		return Status{}, err
	}

	status := Status{Components: components}
	if raw, ok := components["sys"]; ok {
		if err := json.Unmarshal(raw, &status.System); err != nil {
			return Status{}, fmt.Errorf("%w: decoding sys status: %w", ErrProtocol, err)
		}
	}
	if raw, ok := components[fmt.Sprintf("em:%d", energyMeterID)]; ok {
		em, err := meter.DecodeEnergyMeterStatus(raw)
		if err != nil {
			return Status{}, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		status.EnergyMeter = &em
	}
	if raw, ok := components[fmt.Sprintf("emdata:%d", energyMeterID)]; ok {
		var data EnergyDataStatus
		if err := json.Unmarshal(raw, &data); err != nil {
			return Status{}, fmt.Errorf("%w: decoding emdata status: %w", ErrProtocol, err)
		}
		status.EnergyData = &data
	}
	return status, nil
}

// SystemStatus calls Sys.GetStatus.
func (c *Client) SystemStatus(ctx context.Context) (SystemStatus, error) {
	var status SystemStatus
	if err := c.Call(ctx, MethodSysGetStatus, nil, &status); err != nil {
		return SystemStatus{}, err
	}
	return status, nil
}

// EnergyStatus calls EM.GetStatus for the energy meter component.
func (c *Client) EnergyStatus(ctx context.Context) (meter.EnergyMeterStatus, error) {
	var raw json.RawMessage
	if err := c.Call(ctx, MethodEMGetStatus, map[string]any{"id": energyMeterID}, &raw); err != nil {
		return meter.EnergyMeterStatus{}, err
	}
	status, err := meter.DecodeEnergyMeterStatus(raw)
	if err != nil {
		return meter.EnergyMeterStatus{}, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return status, nil
}

// EnergyDataStatus calls EMData.GetStatus.
func (c *Client) EnergyDataStatus(ctx context.Context) (EnergyDataStatus, error) {
	var status EnergyDataStatus
	if err := c.Call(ctx, MethodEMDataGetStatus, map[string]any{"id": energyMeterID}, &status); err != nil {
		return EnergyDataStatus{}, err
	}
	return status, nil
}

// Records calls EMData.GetRecords. A zero since lists every stored block.
func (c *Client) Records(ctx context.Context, since time.Time) (Records, error) {
	params := map[string]any{"id": energyMeterID}
	if !since.IsZero() {
		params["ts"] = since.Unix()
	}

	var records Records
	if err := c.Call(ctx, MethodEMDataRecords, params, &records); err != nil {
		return Records{}, err
	}
	return records, nil
}

package model

import (
	"strconv"
	"time"
)

// Device is one physical charger beacon, identified by the opaque external
// id the radio layer reports (its advertising address). Rows are created
// once and never deleted; address and name may be backfilled later.
type Device struct {
	DeviceID   int64     `json:"device_id"`
	ExternalID string    `json:"external_id"`
	MACAddress string    `json:"mac_address,omitempty"`
	Name       string    `json:"name,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
}

// Battery is the pack currently attached to a device. The numeric
// last-known fields only ever move to a nonzero observed value; a zero
// reading means "unknown" and never clears them.
type Battery struct {
	BatteryID          int64  `json:"battery_id"`
	DeviceID           int64  `json:"device_id"`
	Label              string `json:"label,omitempty"`
	Resistance         int    `json:"resistance"`
	CapacityMAH        int    `json:"capacity_mah"`
	DischargeCurrentMA int    `json:"discharge_current_ma"`
}

// DisplayLabel returns the battery's label, falling back to the
// stringified battery id when no label has been set.
func (b Battery) DisplayLabel() string {
	if b.Label != "" {
		return b.Label
	}
	return strconv.FormatInt(b.BatteryID, 10)
}

// Telemetry is one append-only decoded frame. Rows are never updated or
// deleted.
type Telemetry struct {
	TelemetryID        int64     `json:"telemetry_id"`
	VoltageMV          int       `json:"voltage_mv"`
	Resistance         int       `json:"resistance"`
	CapacityMAH        int       `json:"capacity_mah"`
	AdvCount           uint32    `json:"adv_count"`
	UptimeSeconds      float64   `json:"uptime_s"`
	Mode               int       `json:"mode"`
	DischargeCurrentMA int       `json:"discharge_current_ma"`
	BatteryID          int64     `json:"battery_id"`
	RecordedAt         time.Time `json:"recorded_at"`
}

// Package repo resolves external beacon identifiers to stable device and
// battery identities and owns the in-process identity caches. The caches
// are a subset view of the store and can always be rebuilt by reloading.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tlmwatch/internal/frame"
	"tlmwatch/internal/model"
	"tlmwatch/internal/store"
)

// ErrUnknownDevice is returned when an operation requires a cached identity
// that does not exist. Hitting it from the rename path is a caller bug.
var ErrUnknownDevice = errors.New("unknown external device id")

// Repository maps external device ids to device/battery rows, creating
// them lazily, and orchestrates telemetry writes.
//
// SaveTelemetry is called from the ingestion goroutines while
// UpdateBatteryLabel arrives from the UI goroutine, so the caches are
// guarded by a mutex with short critical sections.
type Repository struct {
	store      *store.Store
	logger     *slog.Logger
	deviceName string

	mu        sync.Mutex
	devices   map[string]model.Device
	batteries map[string]model.Battery
}

// New constructs a repository and preloads the device cache (and each
// device's battery, when it has one) from the store.
func New(ctx context.Context, st *store.Store, deviceName string, logger *slog.Logger) (*Repository, error) {
	r := &Repository{
		store:      st,
		logger:     logger,
		deviceName: deviceName,
		devices:    make(map[string]model.Device),
		batteries:  make(map[string]model.Battery),
	}

	devices, err := st.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("preload devices: %w", err)
	}

	for _, d := range devices {
		r.devices[d.ExternalID] = d

		batteries, err := st.BatteriesByDevice(ctx, d.DeviceID)
		if err != nil {
			return nil, fmt.Errorf("preload batteries: %w", err)
		}
		if len(batteries) > 0 {
			r.batteries[d.ExternalID] = batteries[0]
		}
	}

	return r, nil
}

// SaveTelemetry persists one decoded snapshot for the device identified by
// externalID, creating device and battery rows on first contact, and
// opportunistically refreshes the battery's last-known fields from any
// nonzero readings. It returns the inserted telemetry row.
func (r *Repository) SaveTelemetry(ctx context.Context, snap frame.Snapshot, externalID string) (model.Telemetry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, err := r.ensureDevice(ctx, externalID)
	if err != nil {
		return model.Telemetry{}, err
	}

	battery, err := r.ensureBattery(ctx, externalID, device.DeviceID)
	if err != nil {
		return model.Telemetry{}, err
	}

	telemetry, err := r.store.InsertTelemetry(ctx, model.Telemetry{
		VoltageMV:          int(snap.BatteryMilliVolts),
		Resistance:         int(snap.ResistanceRaw),
		CapacityMAH:        int(snap.CapacityMAH),
		AdvCount:           snap.AdvCount,
		UptimeSeconds:      snap.UptimeSeconds,
		Mode:               int(snap.Mode),
		DischargeCurrentMA: int(snap.DischargeCurrentMA),
		BatteryID:          battery.BatteryID,
		RecordedAt:         time.Now().UTC(),
	})
	if err != nil {
		return model.Telemetry{}, fmt.Errorf("save telemetry: %w", err)
	}

	// A zero reading means the beacon does not know the value; only a
	// nonzero observation replaces the stored one. Each field persists on
	// its own, matching the reference write pattern.
	if telemetry.Resistance > 0 {
		battery.Resistance = telemetry.Resistance
		if err := r.persistBattery(ctx, externalID, battery); err != nil {
			return model.Telemetry{}, err
		}
	}
	if telemetry.CapacityMAH > 0 {
		battery.CapacityMAH = telemetry.CapacityMAH
		if err := r.persistBattery(ctx, externalID, battery); err != nil {
			return model.Telemetry{}, err
		}
	}
	if telemetry.DischargeCurrentMA > 0 {
		battery.DischargeCurrentMA = telemetry.DischargeCurrentMA
		if err := r.persistBattery(ctx, externalID, battery); err != nil {
			return model.Telemetry{}, err
		}
	}

	return telemetry, nil
}

// BatteryByExternalID is a pure cache lookup.
func (r *Repository) BatteryByExternalID(externalID string) (model.Battery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batteries[externalID]
	return b, ok
}

// UpdateBatteryLabel renames the battery cached for externalID and
// persists the change. The external id must already be cached; anything
// else is ErrUnknownDevice.
func (r *Repository) UpdateBatteryLabel(ctx context.Context, externalID, label string) (model.Battery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	battery, ok := r.batteries[externalID]
	if !ok {
		return model.Battery{}, fmt.Errorf("update label for %q: %w", externalID, ErrUnknownDevice)
	}

	battery.Label = label
	if err := r.persistBattery(ctx, externalID, battery); err != nil {
		return model.Battery{}, err
	}
	return battery, nil
}

func (r *Repository) ensureDevice(ctx context.Context, externalID string) (model.Device, error) {
	if d, ok := r.devices[externalID]; ok {
		return d, nil
	}

	d, err := r.store.InsertDevice(ctx, model.Device{
		ExternalID: externalID,
		MACAddress: externalID,
		Name:       r.deviceName,
		FirstSeen:  time.Now().UTC(),
	})
	if err != nil {
		return model.Device{}, fmt.Errorf("create device: %w", err)
	}

	r.devices[externalID] = d
	r.logger.Info("registered new device", "external_id", externalID, "device_id", d.DeviceID)
	return d, nil
}

func (r *Repository) ensureBattery(ctx context.Context, externalID string, deviceID int64) (model.Battery, error) {
	if b, ok := r.batteries[externalID]; ok {
		return b, nil
	}

	// The battery cache is filled lazily; a restart may find rows that
	// predate this process.
	batteries, err := r.store.BatteriesByDevice(ctx, deviceID)
	if err != nil {
		return model.Battery{}, fmt.Errorf("load batteries: %w", err)
	}
	if len(batteries) > 0 {
		r.batteries[externalID] = batteries[0]
		return batteries[0], nil
	}

	b, err := r.store.InsertBattery(ctx, model.Battery{DeviceID: deviceID})
	if err != nil {
		return model.Battery{}, fmt.Errorf("create battery: %w", err)
	}

	r.batteries[externalID] = b
	r.logger.Info("registered new battery", "external_id", externalID, "battery_id", b.BatteryID)
	return b, nil
}

func (r *Repository) persistBattery(ctx context.Context, externalID string, b model.Battery) error {
	if err := r.store.UpdateBattery(ctx, b); err != nil {
		return fmt.Errorf("persist battery %d: %w", b.BatteryID, err)
	}
	r.batteries[externalID] = b
	return nil
}

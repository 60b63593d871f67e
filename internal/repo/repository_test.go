package repo

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tlmwatch/internal/frame"
	"tlmwatch/internal/store"
)

func testSetup(t *testing.T) (*Repository, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "tlmwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(context.Background()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := New(context.Background(), st, "ESP32 TLM Beacon", logger)
	require.NoError(t, err)
	return r, st
}

func TestSaveTelemetryCreatesIdentityOnce(t *testing.T) {
	r, st := testSetup(t)
	ctx := context.Background()

	snap := frame.Snapshot{FrameType: 0x20, Version: 1, BatteryMilliVolts: 3700, ResistanceRaw: 50, AdvCount: 7, UptimeSeconds: 10}

	first, err := r.SaveTelemetry(ctx, snap, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	snap.AdvCount = 8
	second, err := r.SaveTelemetry(ctx, snap, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	assert.Equal(t, first.BatteryID, second.BatteryID)

	devices, err := st.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "ESP32 TLM Beacon", devices[0].Name)

	batteries, err := st.ListBatteries(ctx)
	require.NoError(t, err)
	assert.Len(t, batteries, 1)

	rows, err := st.TelemetryByBattery(ctx, first.BatteryID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSaveTelemetryMapsSnapshotFields(t *testing.T) {
	r, _ := testSetup(t)

	snap := frame.Snapshot{
		FrameType:          0x20,
		Version:            1,
		BatteryMilliVolts:  4150,
		ResistanceRaw:      -3,
		AdvCount:           99,
		UptimeSeconds:      12.5,
		Mode:               2,
		CapacityMAH:        1800,
		DischargeCurrentMA: 250,
	}

	tl, err := r.SaveTelemetry(context.Background(), snap, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	assert.Equal(t, 4150, tl.VoltageMV)
	assert.Equal(t, -3, tl.Resistance)
	assert.Equal(t, uint32(99), tl.AdvCount)
	assert.InDelta(t, 12.5, tl.UptimeSeconds, 1e-9)
	assert.Equal(t, 2, tl.Mode)
	assert.Equal(t, 1800, tl.CapacityMAH)
	assert.Equal(t, 250, tl.DischargeCurrentMA)
	assert.False(t, tl.RecordedAt.IsZero())
}

func TestZeroReadingNeverClearsLastKnown(t *testing.T) {
	r, st := testSetup(t)
	ctx := context.Background()
	const addr = "AA:BB:CC:DD:EE:FF"

	_, err := r.SaveTelemetry(ctx, frame.Snapshot{
		ResistanceRaw:      120,
		CapacityMAH:        2400,
		DischargeCurrentMA: 500,
	}, addr)
	require.NoError(t, err)

	bat, ok := r.BatteryByExternalID(addr)
	require.True(t, ok)
	assert.Equal(t, 120, bat.Resistance)
	assert.Equal(t, 2400, bat.CapacityMAH)
	assert.Equal(t, 500, bat.DischargeCurrentMA)

	// All-zero snapshot: nothing may be cleared.
	_, err = r.SaveTelemetry(ctx, frame.Snapshot{}, addr)
	require.NoError(t, err)

	bat, _ = r.BatteryByExternalID(addr)
	assert.Equal(t, 120, bat.Resistance)
	assert.Equal(t, 2400, bat.CapacityMAH)
	assert.Equal(t, 500, bat.DischargeCurrentMA)

	stored, err := st.GetBattery(ctx, bat.BatteryID)
	require.NoError(t, err)
	assert.Equal(t, 120, stored.Resistance)

	// A positive reading always overwrites.
	_, err = r.SaveTelemetry(ctx, frame.Snapshot{ResistanceRaw: 95}, addr)
	require.NoError(t, err)

	bat, _ = r.BatteryByExternalID(addr)
	assert.Equal(t, 95, bat.Resistance)
	assert.Equal(t, 2400, bat.CapacityMAH)
}

func TestUpdateBatteryLabel(t *testing.T) {
	r, st := testSetup(t)
	ctx := context.Background()
	const addr = "AA:BB:CC:DD:EE:FF"

	_, err := r.SaveTelemetry(ctx, frame.Snapshot{BatteryMilliVolts: 3700}, addr)
	require.NoError(t, err)

	bat, err := r.UpdateBatteryLabel(ctx, addr, "bench cell")
	require.NoError(t, err)
	assert.Equal(t, "bench cell", bat.Label)

	stored, err := st.GetBattery(ctx, bat.BatteryID)
	require.NoError(t, err)
	assert.Equal(t, "bench cell", stored.Label)
}

func TestUpdateBatteryLabelUnknownDevice(t *testing.T) {
	r, _ := testSetup(t)

	_, err := r.UpdateBatteryLabel(context.Background(), "11:22:33:44:55:66", "ghost")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestPreloadRestoresIdentity(t *testing.T) {
	r, st := testSetup(t)
	ctx := context.Background()
	const addr = "AA:BB:CC:DD:EE:FF"

	first, err := r.SaveTelemetry(ctx, frame.Snapshot{BatteryMilliVolts: 3700}, addr)
	require.NoError(t, err)

	// A fresh repository over the same store must resolve the same identity.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reloaded, err := New(ctx, st, "ESP32 TLM Beacon", logger)
	require.NoError(t, err)

	again, err := reloaded.SaveTelemetry(ctx, frame.Snapshot{BatteryMilliVolts: 3710}, addr)
	require.NoError(t, err)
	assert.Equal(t, first.BatteryID, again.BatteryID)

	devices, err := st.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

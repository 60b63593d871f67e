package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tlmwatch/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "tlmwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func TestDeviceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inserted, err := s.InsertDevice(ctx, model.Device{ExternalID: "AA:BB:CC:DD:EE:FF", Name: "ESP32 TLM Beacon"})
	require.NoError(t, err)
	assert.NotZero(t, inserted.DeviceID)
	assert.False(t, inserted.FirstSeen.IsZero())

	got, err := s.GetDeviceByExternalID(ctx, "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, inserted.DeviceID, got.DeviceID)
	assert.Equal(t, "ESP32 TLM Beacon", got.Name)

	_, err = s.GetDeviceByExternalID(ctx, "11:22:33:44:55:66")
	assert.ErrorIs(t, err, ErrNotFound)

	devices, err := s.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestDeviceExternalIDUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertDevice(ctx, model.Device{ExternalID: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, err)

	_, err = s.InsertDevice(ctx, model.Device{ExternalID: "AA:BB:CC:DD:EE:FF"})
	assert.Error(t, err)
}

func TestBatteryUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dev, err := s.InsertDevice(ctx, model.Device{ExternalID: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, err)

	bat, err := s.InsertBattery(ctx, model.Battery{DeviceID: dev.DeviceID})
	require.NoError(t, err)
	assert.NotZero(t, bat.BatteryID)
	assert.Empty(t, bat.Label)

	bat.Label = "cell-18650-a"
	bat.Resistance = 120
	bat.CapacityMAH = 2400
	require.NoError(t, s.UpdateBattery(ctx, bat))

	got, err := s.GetBattery(ctx, bat.BatteryID)
	require.NoError(t, err)
	assert.Equal(t, "cell-18650-a", got.Label)
	assert.Equal(t, 120, got.Resistance)
	assert.Equal(t, 2400, got.CapacityMAH)

	byDevice, err := s.BatteriesByDevice(ctx, dev.DeviceID)
	require.NoError(t, err)
	require.Len(t, byDevice, 1)
	assert.Equal(t, bat.BatteryID, byDevice[0].BatteryID)
}

func TestTelemetryAppendAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dev, err := s.InsertDevice(ctx, model.Device{ExternalID: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, err)
	bat, err := s.InsertBattery(ctx, model.Battery{DeviceID: dev.DeviceID})
	require.NoError(t, err)

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := s.InsertTelemetry(ctx, model.Telemetry{
			VoltageMV:     3700 + i,
			Resistance:    50,
			AdvCount:      uint32(i),
			UptimeSeconds: float64(i) * 1.5,
			BatteryID:     bat.BatteryID,
			RecordedAt:    base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	recent, err := s.RecentTelemetry(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, 3702, recent[0].VoltageMV)

	all, err := s.TelemetryByBattery(ctx, bat.BatteryID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 3700, all[0].VoltageMV)
	assert.True(t, all[0].RecordedAt.Equal(base))

	n, err := s.CountTelemetry(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestParseTimeFormats(t *testing.T) {
	ts := parseTime("2026-08-30T10:11:12.123456789Z")
	assert.Equal(t, time.Date(2026, 8, 30, 10, 11, 12, 123456789, time.UTC), ts)

	// sqlite CURRENT_TIMESTAMP writes the space-separated form.
	ts = parseTime("2026-08-30 10:11:12")
	assert.Equal(t, time.Date(2026, 8, 30, 10, 11, 12, 0, time.UTC), ts)

	assert.True(t, parseTime("not a timestamp").IsZero())
}

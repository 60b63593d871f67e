package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tlmwatch/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS device (
			device_id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id TEXT NOT NULL UNIQUE,
			mac_address TEXT,
			name TEXT,
			first_seen TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS battery (
			battery_id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id INTEGER NOT NULL,
			label TEXT,
			resistance INTEGER NOT NULL DEFAULT 0,
			capacity INTEGER NOT NULL DEFAULT 0,
			discharge_current INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY(device_id) REFERENCES device(device_id)
				ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS telemetry (
			telemetry_id INTEGER PRIMARY KEY AUTOINCREMENT,
			voltage INTEGER NOT NULL,
			resistance INTEGER NOT NULL,
			capacity INTEGER NOT NULL,
			adv_count INTEGER NOT NULL,
			uptime_s REAL NOT NULL,
			mode INTEGER NOT NULL,
			discharge_current INTEGER NOT NULL,
			battery_id INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			FOREIGN KEY(battery_id) REFERENCES battery(battery_id)
				ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_battery_time ON telemetry(battery_id, recorded_at);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// InsertDevice persists a new device row and returns it with the assigned id.
func (s *Store) InsertDevice(ctx context.Context, d model.Device) (model.Device, error) {
	if s.db == nil {
		return model.Device{}, fmt.Errorf("store not initialized")
	}

	firstSeen := d.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = time.Now().UTC()
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO device (external_id, mac_address, name, first_seen) VALUES (?, ?, ?, ?);`,
		d.ExternalID,
		nullable(d.MACAddress),
		nullable(d.Name),
		firstSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return model.Device{}, fmt.Errorf("insert device: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.Device{}, fmt.Errorf("insert device id: %w", err)
	}

	d.DeviceID = id
	d.FirstSeen = firstSeen
	return d, nil
}

// GetDeviceByExternalID returns the device matching the given external id.
func (s *Store) GetDeviceByExternalID(ctx context.Context, externalID string) (model.Device, error) {
	if s.db == nil {
		return model.Device{}, fmt.Errorf("store not initialized")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT device_id, external_id, mac_address, name, first_seen FROM device WHERE external_id = ?;`,
		externalID,
	)
	d, err := scanDevice(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// ListDevices returns every device ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT device_id, external_id, mac_address, name, first_seen FROM device ORDER BY device_id;`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := scanDevice(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return devices, nil
}

// SetDeviceName backfills a device's human-readable name.
func (s *Store) SetDeviceName(ctx context.Context, deviceID int64, name string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE device SET name = ? WHERE device_id = ?;`, name, deviceID); err != nil {
		return fmt.Errorf("set device name: %w", err)
	}
	return nil
}

// InsertBattery persists a new battery row and returns it with the assigned id.
func (s *Store) InsertBattery(ctx context.Context, b model.Battery) (model.Battery, error) {
	if s.db == nil {
		return model.Battery{}, fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO battery (device_id, label, resistance, capacity, discharge_current) VALUES (?, ?, ?, ?, ?);`,
		b.DeviceID,
		nullable(b.Label),
		b.Resistance,
		b.CapacityMAH,
		b.DischargeCurrentMA,
	)
	if err != nil {
		return model.Battery{}, fmt.Errorf("insert battery: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.Battery{}, fmt.Errorf("insert battery id: %w", err)
	}

	b.BatteryID = id
	return b, nil
}

// UpdateBattery persists the mutable battery columns.
func (s *Store) UpdateBattery(ctx context.Context, b model.Battery) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`UPDATE battery SET device_id = ?, label = ?, resistance = ?, capacity = ?, discharge_current = ? WHERE battery_id = ?;`,
		b.DeviceID,
		nullable(b.Label),
		b.Resistance,
		b.CapacityMAH,
		b.DischargeCurrentMA,
		b.BatteryID,
	)
	if err != nil {
		return fmt.Errorf("update battery: %w", err)
	}
	return nil
}

// GetBattery returns one battery by id.
func (s *Store) GetBattery(ctx context.Context, batteryID int64) (model.Battery, error) {
	if s.db == nil {
		return model.Battery{}, fmt.Errorf("store not initialized")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT battery_id, device_id, label, resistance, capacity, discharge_current FROM battery WHERE battery_id = ?;`,
		batteryID,
	)
	b, err := scanBattery(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Battery{}, ErrNotFound
	}
	if err != nil {
		return model.Battery{}, fmt.Errorf("get battery: %w", err)
	}
	return b, nil
}

// ListBatteries returns every battery ordered by id.
func (s *Store) ListBatteries(ctx context.Context) ([]model.Battery, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT battery_id, device_id, label, resistance, capacity, discharge_current FROM battery ORDER BY battery_id;`)
	if err != nil {
		return nil, fmt.Errorf("query batteries: %w", err)
	}
	defer rows.Close()

	var batteries []model.Battery
	for rows.Next() {
		b, err := scanBattery(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan battery: %w", err)
		}
		batteries = append(batteries, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batteries: %w", err)
	}
	return batteries, nil
}

// BatteriesByDevice returns the batteries owned by one device.
func (s *Store) BatteriesByDevice(ctx context.Context, deviceID int64) ([]model.Battery, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT battery_id, device_id, label, resistance, capacity, discharge_current FROM battery WHERE device_id = ? ORDER BY battery_id;`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query batteries by device: %w", err)
	}
	defer rows.Close()

	var batteries []model.Battery
	for rows.Next() {
		b, err := scanBattery(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan battery: %w", err)
		}
		batteries = append(batteries, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batteries: %w", err)
	}
	return batteries, nil
}

// InsertTelemetry appends one telemetry row and returns it with the assigned id.
func (s *Store) InsertTelemetry(ctx context.Context, t model.Telemetry) (model.Telemetry, error) {
	if s.db == nil {
		return model.Telemetry{}, fmt.Errorf("store not initialized")
	}

	recordedAt := t.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO telemetry (voltage, resistance, capacity, adv_count, uptime_s, mode, discharge_current, battery_id, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		t.VoltageMV,
		t.Resistance,
		t.CapacityMAH,
		t.AdvCount,
		t.UptimeSeconds,
		t.Mode,
		t.DischargeCurrentMA,
		t.BatteryID,
		recordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return model.Telemetry{}, fmt.Errorf("insert telemetry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.Telemetry{}, fmt.Errorf("insert telemetry id: %w", err)
	}

	t.TelemetryID = id
	t.RecordedAt = recordedAt
	return t, nil
}

// RecentTelemetry returns the most recent rows ordered newest first.
func (s *Store) RecentTelemetry(ctx context.Context, limit int) ([]model.Telemetry, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT telemetry_id, voltage, resistance, capacity, adv_count, uptime_s, mode, discharge_current, battery_id, recorded_at
		 FROM telemetry
		 ORDER BY telemetry_id DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent telemetry: %w", err)
	}
	defer rows.Close()

	return collectTelemetry(rows)
}

// TelemetryByBattery returns every telemetry row for one battery, oldest first.
func (s *Store) TelemetryByBattery(ctx context.Context, batteryID int64) ([]model.Telemetry, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT telemetry_id, voltage, resistance, capacity, adv_count, uptime_s, mode, discharge_current, battery_id, recorded_at
		 FROM telemetry
		 WHERE battery_id = ?
		 ORDER BY telemetry_id;`,
		batteryID,
	)
	if err != nil {
		return nil, fmt.Errorf("query telemetry by battery: %w", err)
	}
	defer rows.Close()

	return collectTelemetry(rows)
}

// CountTelemetry returns the total number of stored telemetry rows.
func (s *Store) CountTelemetry(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count telemetry: %w", err)
	}
	return n, nil
}

func collectTelemetry(rows *sql.Rows) ([]model.Telemetry, error) {
	var out []model.Telemetry
	for rows.Next() {
		var (
			t             model.Telemetry
			recordedAtStr string
		)
		if err := rows.Scan(
			&t.TelemetryID,
			&t.VoltageMV,
			&t.Resistance,
			&t.CapacityMAH,
			&t.AdvCount,
			&t.UptimeSeconds,
			&t.Mode,
			&t.DischargeCurrentMA,
			&t.BatteryID,
			&recordedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scan telemetry: %w", err)
		}
		t.RecordedAt = parseTime(recordedAtStr)
		out = append(out, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate telemetry: %w", err)
	}
	return out, nil
}

func scanDevice(scan func(...any) error) (model.Device, error) {
	var (
		d            model.Device
		mac, name    sql.NullString
		firstSeenStr string
	)
	if err := scan(&d.DeviceID, &d.ExternalID, &mac, &name, &firstSeenStr); err != nil {
		return model.Device{}, err
	}
	d.MACAddress = mac.String
	d.Name = name.String
	d.FirstSeen = parseTime(firstSeenStr)
	return d, nil
}

func scanBattery(scan func(...any) error) (model.Battery, error) {
	var (
		b     model.Battery
		label sql.NullString
	)
	if err := scan(&b.BatteryID, &b.DeviceID, &label, &b.Resistance, &b.CapacityMAH, &b.DischargeCurrentMA); err != nil {
		return model.Battery{}, err
	}
	b.Label = label.String
	return b, nil
}

func parseTime(s string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Rows touched outside the app (sqlite CURRENT_TIMESTAMP) carry
		// the engine's space-separated format.
		ts, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return ts
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config lists the tunable parameters for the tlmwatch monitor.
type Config struct {
	SecretKey    string
	DeviceName   string
	DatabasePath string
	HTTPPort     int
	MQTTBroker   string
	BLEAdapter   string
	LogLevel     string
}

const (
	defaultSecretKey    = "secretKey"
	defaultDeviceName   = "ESP32 TLM Beacon"
	defaultDatabasePath = "data/tlmwatch.db"
	defaultHTTPPort     = 8080
	defaultBLEAdapter   = "/org/bluez/hci0"
	defaultLogLevel     = "info"
)

// Load derives configuration values from environment variables, falling back to defaults.
// An empty TLMWATCH_MQTT_BROKER leaves the MQTT ingest bridge disabled.
func Load() (Config, error) {
	cfg := Config{
		SecretKey:    defaultSecretKey,
		DeviceName:   defaultDeviceName,
		DatabasePath: defaultDatabasePath,
		HTTPPort:     defaultHTTPPort,
		BLEAdapter:   defaultBLEAdapter,
		LogLevel:     defaultLogLevel,
	}

	if v := os.Getenv("TLMWATCH_SECRET_KEY"); v != "" {
		cfg.SecretKey = v
	}

	if v := os.Getenv("TLMWATCH_DEVICE_NAME"); v != "" {
		cfg.DeviceName = v
	}

	if v := os.Getenv("TLMWATCH_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("TLMWATCH_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TLMWATCH_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("TLMWATCH_MQTT_BROKER"); v != "" {
		cfg.MQTTBroker = v
	}

	if v := os.Getenv("TLMWATCH_BLE_ADAPTER"); v != "" {
		cfg.BLEAdapter = v
	}

	if v := os.Getenv("TLMWATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

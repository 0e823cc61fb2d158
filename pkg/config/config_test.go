package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Modbus.BaudRate != 115200 {
		t.Errorf("Expected default baud 115200, got %d", cfg.Modbus.BaudRate)
	}
	if cfg.Modbus.TimeoutSec != 0.3 {
		t.Errorf("Expected default timeout 0.3s, got %g", cfg.Modbus.TimeoutSec)
	}
	if cfg.Modbus.DiscoveryTimeoutSec != 0.08 {
		t.Errorf("Expected default discovery timeout 0.08s, got %g", cfg.Modbus.DiscoveryTimeoutSec)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("Expected default QoS 1, got %d", cfg.MQTT.QoS)
	}
	if cfg.Database.RetentionDays != 30 {
		t.Errorf("Expected default retention 30 days, got %d", cfg.Database.RetentionDays)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults must validate, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MODBUS_PORT", "/dev/ttyAMA0")
	t.Setenv("MODBUS_BAUDRATE", "19200")
	t.Setenv("MODBUS_TIMEOUT", "0.5")
	t.Setenv("DEVICE_UNIT_ID_MIN", "2")
	t.Setenv("DEVICE_UNIT_ID_MAX", "20")
	t.Setenv("MQTT_TOPIC_PREFIX", "rig7")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Modbus.Port != "/dev/ttyAMA0" {
		t.Errorf("Expected port override, got %s", cfg.Modbus.Port)
	}
	if cfg.Modbus.BaudRate != 19200 {
		t.Errorf("Expected baud override 19200, got %d", cfg.Modbus.BaudRate)
	}
	if cfg.Modbus.TimeoutSec != 0.5 {
		t.Errorf("Expected timeout override 0.5, got %g", cfg.Modbus.TimeoutSec)
	}
	if cfg.Modbus.UnitIDMin != 2 || cfg.Modbus.UnitIDMax != 20 {
		t.Errorf("Expected unit range 2..20, got %d..%d", cfg.Modbus.UnitIDMin, cfg.Modbus.UnitIDMax)
	}
	if cfg.MQTT.TopicPrefix != "rig7" {
		t.Errorf("Expected topic prefix rig7, got %s", cfg.MQTT.TopicPrefix)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Logging.Level)
	}
}

func TestEnvOverridesInvalidValuesIgnored(t *testing.T) {
	t.Setenv("MODBUS_BAUDRATE", "fast")
	t.Setenv("MODBUS_TIMEOUT", "soon")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Modbus.BaudRate != 115200 {
		t.Errorf("Unparseable baud should keep default, got %d", cfg.Modbus.BaudRate)
	}
	if cfg.Modbus.TimeoutSec != 0.3 {
		t.Errorf("Unparseable timeout should keep default, got %g", cfg.Modbus.TimeoutSec)
	}
}

func TestYAMLFileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	content := []byte("modbus:\n  port: /dev/ttyS1\n  baud_rate: 9600\nmqtt:\n  host: broker.local\n")
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	t.Setenv("MODBUS_BAUDRATE", "57600")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// File sets the port, env wins over the file for baud
	if cfg.Modbus.Port != "/dev/ttyS1" {
		t.Errorf("Expected port from file, got %s", cfg.Modbus.Port)
	}
	if cfg.Modbus.BaudRate != 57600 {
		t.Errorf("Expected env to override file baud, got %d", cfg.Modbus.BaudRate)
	}
	if cfg.MQTT.Host != "broker.local" {
		t.Errorf("Expected MQTT host from file, got %s", cfg.MQTT.Host)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Modbus.Port = "" }},
		{"zero baud", func(c *Config) { c.Modbus.BaudRate = 0 }},
		{"negative timeout", func(c *Config) { c.Modbus.TimeoutSec = -1 }},
		{"unit min zero", func(c *Config) { c.Modbus.UnitIDMin = 0 }},
		{"unit max over 247", func(c *Config) { c.Modbus.UnitIDMax = 248 }},
		{"inverted unit range", func(c *Config) { c.Modbus.UnitIDMin = 20; c.Modbus.UnitIDMax = 10 }},
		{"poll interval zero", func(c *Config) { c.Polling.IntervalSec = 0 }},
		{"qos out of range", func(c *Config) { c.MQTT.QoS = 3 }},
		{"empty prefix", func(c *Config) { c.MQTT.TopicPrefix = "" }},
		{"bad http port", func(c *Config) { c.HTTP.Port = 0 }},
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"zero retention", func(c *Config) { c.Database.RetentionDays = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error for %s", tc.name)
			}
		})
	}
}

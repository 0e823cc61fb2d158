package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"modbus-edge-gateway/pkg/errors"
	"modbus-edge-gateway/pkg/logger"
)

// ModbusConfig holds serial bus parameters
type ModbusConfig struct {
	Port                string  `yaml:"port"`
	BaudRate            int     `yaml:"baud_rate"`
	TimeoutSec          float64 `yaml:"timeout_sec"`
	DiscoveryTimeoutSec float64 `yaml:"discovery_timeout_sec"`
	UnitIDMin           int     `yaml:"unit_id_min"`
	UnitIDMax           int     `yaml:"unit_id_max"`
	InterFrameDelayMs   int     `yaml:"inter_frame_delay_ms"`
}

// Timeout returns the operational per-transaction timeout
func (m *ModbusConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSec * float64(time.Second))
}

// DiscoveryTimeout returns the short probe timeout used during discovery
func (m *ModbusConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(m.DiscoveryTimeoutSec * float64(time.Second))
}

// InterFrameDelay returns the pause between transactions to consecutive devices
func (m *ModbusConfig) InterFrameDelay() time.Duration {
	return time.Duration(m.InterFrameDelayMs) * time.Millisecond
}

// PollingConfig holds telemetry polling parameters
type PollingConfig struct {
	IntervalSec float64 `yaml:"interval_sec"`
	AutoStart   bool    `yaml:"auto_start"`
}

// Interval returns the global polling interval
func (p *PollingConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSec * float64(time.Second))
}

// MQTTConfig holds broker connection parameters
type MQTTConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	QoS         int    `yaml:"qos"`
	TopicPrefix string `yaml:"topic_prefix"`
	KeepAlive   int    `yaml:"keep_alive"`
}

// BrokerURL returns the tcp:// broker address
func (m *MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.Host, m.Port)
}

// HTTPConfig holds the API listener parameters
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// DatabaseConfig holds local persistence parameters
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Config is the full gateway configuration
type Config struct {
	Modbus   ModbusConfig         `yaml:"modbus"`
	Polling  PollingConfig        `yaml:"polling"`
	MQTT     MQTTConfig           `yaml:"mqtt"`
	HTTP     HTTPConfig           `yaml:"http"`
	Database DatabaseConfig       `yaml:"database"`
	Logging  logger.LoggingConfig `yaml:"logging"`
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		Modbus: ModbusConfig{
			Port:                "/dev/ttyUSB0",
			BaudRate:            115200,
			TimeoutSec:          0.3,
			DiscoveryTimeoutSec: 0.08,
			UnitIDMin:           1,
			UnitIDMax:           32,
			InterFrameDelayMs:   10,
		},
		Polling: PollingConfig{
			IntervalSec: 5,
			AutoStart:   false,
		},
		MQTT: MQTTConfig{
			Host:        "localhost",
			Port:        1883,
			ClientID:    "modbus-edge-gateway",
			QoS:         1,
			TopicPrefix: "sensors",
			KeepAlive:   60,
		},
		HTTP: HTTPConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path:          "./gateway.db",
			RetentionDays: 30,
		},
		Logging: logger.LoggingConfig{
			Level: logger.LogLevelInfo,
		},
	}
}

// Load builds the configuration: defaults, then an optional YAML file,
// then environment variable overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.NewConfigError("read config file", err, "path")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.NewConfigError("parse config file", err, "path")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides configuration from the process environment
func (c *Config) applyEnv() {
	envString("MODBUS_PORT", &c.Modbus.Port)
	envInt("MODBUS_BAUDRATE", &c.Modbus.BaudRate)
	envFloat("MODBUS_TIMEOUT", &c.Modbus.TimeoutSec)
	envFloat("MODBUS_DISCOVERY_TIMEOUT", &c.Modbus.DiscoveryTimeoutSec)
	envInt("DEVICE_UNIT_ID_MIN", &c.Modbus.UnitIDMin)
	envInt("DEVICE_UNIT_ID_MAX", &c.Modbus.UnitIDMax)
	envFloat("POLL_INTERVAL_SEC", &c.Polling.IntervalSec)
	envInt("INTER_FRAME_DELAY_MS", &c.Modbus.InterFrameDelayMs)

	envString("MQTT_BROKER_HOST", &c.MQTT.Host)
	envInt("MQTT_BROKER_PORT", &c.MQTT.Port)
	envString("MQTT_USERNAME", &c.MQTT.Username)
	envString("MQTT_PASSWORD", &c.MQTT.Password)
	envInt("MQTT_QOS", &c.MQTT.QoS)
	envString("MQTT_TOPIC_PREFIX", &c.MQTT.TopicPrefix)

	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("HTTP_PORT", &c.HTTP.Port)

	envString("LOG_LEVEL", &c.Logging.Level)
	envString("DB_PATH", &c.Database.Path)
	envInt("RETENTION_DAYS", &c.Database.RetentionDays)
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Modbus.Port == "" {
		return errors.NewConfigError("validate", fmt.Errorf("serial port path is empty"), "modbus.port")
	}
	if c.Modbus.BaudRate <= 0 {
		return errors.NewConfigError("validate", fmt.Errorf("baud rate must be positive, got %d", c.Modbus.BaudRate), "modbus.baud_rate")
	}
	if c.Modbus.TimeoutSec <= 0 {
		return errors.NewConfigError("validate", fmt.Errorf("timeout must be positive, got %g", c.Modbus.TimeoutSec), "modbus.timeout_sec")
	}
	if c.Modbus.DiscoveryTimeoutSec <= 0 {
		return errors.NewConfigError("validate", fmt.Errorf("discovery timeout must be positive, got %g", c.Modbus.DiscoveryTimeoutSec), "modbus.discovery_timeout_sec")
	}
	if c.Modbus.UnitIDMin < 1 || c.Modbus.UnitIDMax > 247 || c.Modbus.UnitIDMin > c.Modbus.UnitIDMax {
		return errors.NewConfigError("validate",
			fmt.Errorf("unit id range must satisfy 1 <= min <= max <= 247, got %d..%d", c.Modbus.UnitIDMin, c.Modbus.UnitIDMax),
			"modbus.unit_id_range")
	}
	if c.Polling.IntervalSec < 1 {
		return errors.NewConfigError("validate", fmt.Errorf("poll interval must be >= 1s, got %g", c.Polling.IntervalSec), "polling.interval_sec")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return errors.NewConfigError("validate", fmt.Errorf("QoS must be 0, 1 or 2, got %d", c.MQTT.QoS), "mqtt.qos")
	}
	if c.MQTT.TopicPrefix == "" {
		return errors.NewConfigError("validate", fmt.Errorf("topic prefix is empty"), "mqtt.topic_prefix")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return errors.NewConfigError("validate", fmt.Errorf("HTTP port out of range: %d", c.HTTP.Port), "http.port")
	}
	if c.Database.Path == "" {
		return errors.NewConfigError("validate", fmt.Errorf("database path is empty"), "database.path")
	}
	if c.Database.RetentionDays < 1 {
		return errors.NewConfigError("validate", fmt.Errorf("retention must be >= 1 day, got %d", c.Database.RetentionDays), "database.retention_days")
	}
	return nil
}

func envString(name string, target *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*target = v
	}
}

func envInt(name string, target *int) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*target = parsed
		} else {
			logger.LogWarn("Ignoring %s: not an integer: %q", name, v)
		}
	}
}

func envFloat(name string, target *float64) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*target = parsed
		} else {
			logger.LogWarn("Ignoring %s: not a number: %q", name, v)
		}
	}
}

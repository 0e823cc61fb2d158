package devices

import (
	"errors"
	"fmt"
	"time"

	"modbus-edge-gateway/pkg/modbus"
)

// Device status values
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusUnknown = "unknown"
)

// offlineThreshold is the consecutive-error count that flips online → offline
const offlineThreshold = 3

// Device is the cached identity and state of one Modbus slave
type Device struct {
	UnitID            int       `json:"unit_id"`
	Alias             string    `json:"alias"`
	VendorID          uint16    `json:"vendor_id"`
	ProductID         uint16    `json:"product_id"`
	VendorName        string    `json:"vendor_name,omitempty"`
	ProductName       string    `json:"product_name,omitempty"`
	HWVersion         string    `json:"hw_version"`
	FWVersion         string    `json:"fw_version"`
	Capabilities      uint16    `json:"capabilities"`
	CapabilityNames   []string  `json:"capability_names"`
	StatusBits        uint16    `json:"status_bits"`
	ErrorBits         uint16    `json:"error_bits"`
	UptimeSec         uint32    `json:"uptime_sec"`
	Status            string    `json:"status"`
	LastSeen          time.Time `json:"last_seen"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	PollIntervalSec   int       `json:"poll_interval_sec,omitempty"`
	RigID             string    `json:"rig_id,omitempty"`
}

// Clone returns an independent copy for snapshot readers
func (d *Device) Clone() *Device {
	c := *d
	c.CapabilityNames = append([]string(nil), d.CapabilityNames...)
	return &c
}

// Name returns the presentation name used on gateway topics
func (d *Device) Name() string {
	return fmt.Sprintf("Sensor_Unit%d", d.UnitID)
}

// HasCapability checks a capability bit
func (d *Device) HasCapability(cap uint16) bool {
	return d.Capabilities&cap != 0
}

// CapabilityNames decodes the capability bitmask into names
func CapabilityNames(caps uint16) []string {
	var names []string
	if caps&modbus.CapRS485 != 0 {
		names = append(names, "RS485")
	}
	if caps&modbus.CapMPU6050 != 0 {
		names = append(names, "MPU6050")
	}
	if caps&modbus.CapIdent != 0 {
		names = append(names, "Identify")
	}
	if caps&modbus.CapWind != 0 {
		names = append(names, "Wind")
	}
	if caps&modbus.CapLoad != 0 {
		names = append(names, "Load")
	}
	return names
}

// Sensor is a logical channel of a device, persisted at discovery time
type Sensor struct {
	SensorID string   `json:"sensor_id"`
	UnitID   int      `json:"unit_id"`
	Type     string   `json:"type"`
	Unit     string   `json:"unit"`
	Register uint16   `json:"register"`
	AlarmLo  *float64 `json:"alarm_lo,omitempty"`
	AlarmHi  *float64 `json:"alarm_hi,omitempty"`
}

// Store is the persistence surface the manager writes through
type Store interface {
	UpsertDevice(d *Device) error
	UpsertSensor(s *Sensor) error
	DeleteDevice(unitID int) error
}

// Outcome classifies one bus transaction for status accounting
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTimeout
	OutcomeCRC
	OutcomeException
)

// OutcomeFromError maps a bus error to its outcome class
func OutcomeFromError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, modbus.ErrTimeout), errors.Is(err, modbus.ErrBusClosed):
		return OutcomeTimeout
	default:
		if _, ok := modbus.AsException(err); ok {
			return OutcomeException
		}
		return OutcomeCRC
	}
}

func versionString(word uint16) string {
	return fmt.Sprintf("%d.%d", word>>8, word&0xFF)
}

package errors

import (
	"fmt"
)

// ErrorSeverity defines the severity level of an error
type ErrorSeverity int

const (
	SeverityInfo ErrorSeverity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the string representation of the severity
func (s ErrorSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Diagnostic codes carried by the typed errors
const (
	CodeConfig     = 1
	CodeStorage    = 2
	CodeModbus     = 3
	CodeMQTT       = 4
	CodeValidation = 5
	CodeGeneric    = 99
)

// GatewayError is the base error type for all gateway errors
type GatewayError struct {
	Op       string        // Operation that failed
	Err      error         // Underlying error
	Severity ErrorSeverity // Error severity
	Code     int           // Diagnostic code
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Severity, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Severity, e.Op)
}

// Unwrap returns the underlying error
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// ModbusError represents errors from Modbus bus operations
type ModbusError struct {
	GatewayError
	UnitID       uint8
	FunctionCode uint8
	Address      uint16
}

// NewModbusError creates a new Modbus error
func NewModbusError(op string, err error, unitID uint8) *ModbusError {
	return &ModbusError{
		GatewayError: GatewayError{
			Op:       op,
			Err:      err,
			Severity: SeverityError,
			Code:     CodeModbus,
		},
		UnitID: unitID,
	}
}

// Error implements the error interface
func (e *ModbusError) Error() string {
	if e.FunctionCode != 0 {
		return fmt.Sprintf("[%s] Modbus unit %d func 0x%02X: %s: %v",
			e.Severity, e.UnitID, e.FunctionCode, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] Modbus unit %d: %s: %v",
		e.Severity, e.UnitID, e.Op, e.Err)
}

// StorageError represents errors from the local database
type StorageError struct {
	GatewayError
	Table string
}

// NewStorageError creates a new storage error
func NewStorageError(op string, err error, table string) *StorageError {
	return &StorageError{
		GatewayError: GatewayError{
			Op:       op,
			Err:      err,
			Severity: SeverityError,
			Code:     CodeStorage,
		},
		Table: table,
	}
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("[%s] Storage table '%s': %s: %v",
			e.Severity, e.Table, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] Storage: %s: %v", e.Severity, e.Op, e.Err)
}

// MQTTError represents errors from MQTT operations
type MQTTError struct {
	GatewayError
	Broker string
	Topic  string
	QoS    byte
}

// NewMQTTError creates a new MQTT error
func NewMQTTError(op string, err error, broker string) *MQTTError {
	return &MQTTError{
		GatewayError: GatewayError{
			Op:       op,
			Err:      err,
			Severity: SeverityError,
			Code:     CodeMQTT,
		},
		Broker: broker,
	}
}

// Error implements the error interface
func (e *MQTTError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("[%s] MQTT broker '%s' (topic: %s): %s: %v",
			e.Severity, e.Broker, e.Topic, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] MQTT broker '%s': %s: %v",
		e.Severity, e.Broker, e.Op, e.Err)
}

// ConfigError represents configuration errors
type ConfigError struct {
	GatewayError
	Field string
	Value interface{}
}

// NewConfigError creates a new configuration error
func NewConfigError(op string, err error, field string) *ConfigError {
	return &ConfigError{
		GatewayError: GatewayError{
			Op:       op,
			Err:      err,
			Severity: SeverityCritical, // Config errors are critical
			Code:     CodeConfig,
		},
		Field: field,
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("[%s] Configuration field '%s': %s: %v",
			e.Severity, e.Field, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] Configuration: %s: %v",
		e.Severity, e.Op, e.Err)
}

// ValidationError represents validation errors from operator commands
type ValidationError struct {
	GatewayError
	Field    string
	Expected interface{}
	Actual   interface{}
}

// NewValidationError creates a new validation error
func NewValidationError(field string, expected, actual interface{}) *ValidationError {
	return &ValidationError{
		GatewayError: GatewayError{
			Op:       "validation",
			Err:      fmt.Errorf("validation failed"),
			Severity: SeverityWarning,
			Code:     CodeValidation,
		},
		Field:    field,
		Expected: expected,
		Actual:   actual,
	}
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] Field '%s': expected %v, got %v",
		e.Severity, e.Field, e.Expected, e.Actual)
}

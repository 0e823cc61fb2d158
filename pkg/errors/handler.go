package errors

import (
	"modbus-edge-gateway/pkg/logger"
)

// Handle logs an error with severity-appropriate level
func Handle(err error) {
	if err == nil {
		return
	}

	switch e := err.(type) {
	case *ConfigError:
		logger.LogError("🔴 CRITICAL Configuration Error: %s", e.Error())
	case *ModbusError:
		logBySeverity(e.Severity, "Modbus", e.Error())
	case *StorageError:
		logBySeverity(e.Severity, "Storage", e.Error())
	case *MQTTError:
		logBySeverity(e.Severity, "MQTT", e.Error())
	case *ValidationError:
		logger.LogWarn("⚠️ Validation Error: %s", e.Error())
	case *GatewayError:
		logBySeverity(e.Severity, "Gateway", e.Error())
	default:
		logger.LogError("❌ Untyped Error: %v", err)
	}
}

func logBySeverity(severity ErrorSeverity, kind, message string) {
	switch severity {
	case SeverityCritical:
		logger.LogError("🔴 CRITICAL %s Error: %s", kind, message)
	case SeverityError:
		logger.LogError("❌ %s Error: %s", kind, message)
	case SeverityWarning:
		logger.LogWarn("⚠️ %s Warning: %s", kind, message)
	default:
		logger.LogInfo("ℹ️ %s Info: %s", kind, message)
	}
}

// IsRecoverable returns true if the error is recoverable
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}

	switch e := err.(type) {
	case *ConfigError:
		return false // Config errors are not recoverable
	case *ModbusError:
		return e.Severity != SeverityCritical
	case *StorageError:
		return e.Severity != SeverityCritical
	case *MQTTError:
		return e.Severity != SeverityCritical
	case *GatewayError:
		return e.Severity != SeverityCritical
	default:
		return true // Unknown errors are assumed recoverable
	}
}

// DiagnosticCode extracts the diagnostic code from an error
func DiagnosticCode(err error) int {
	if err == nil {
		return 0
	}

	switch e := err.(type) {
	case *ModbusError:
		return e.Code
	case *StorageError:
		return e.Code
	case *MQTTError:
		return e.Code
	case *ConfigError:
		return e.Code
	case *ValidationError:
		return e.Code
	case *GatewayError:
		return e.Code
	default:
		return CodeGeneric
	}
}

package modbus

import (
	"errors"
	"fmt"
)

// Transaction error kinds. Callers classify with errors.Is.
var (
	ErrTimeout         = errors.New("modbus: response timeout")
	ErrCRCMismatch     = errors.New("modbus: CRC mismatch")
	ErrShortFrame      = errors.New("modbus: short frame")
	ErrAddressMismatch = errors.New("modbus: response address mismatch")
	ErrBusClosed       = errors.New("modbus: bus closed")

	ErrBroadcastNotAllowed = errors.New("modbus: broadcast only permitted for write single register")
	ErrPayloadTooLarge     = errors.New("modbus: payload exceeds frame limit")
)

// Modbus exception codes
const (
	ExceptionIllegalFunction    = 0x01
	ExceptionIllegalDataAddress = 0x02
	ExceptionIllegalDataValue   = 0x03
	ExceptionSlaveDeviceFailure = 0x04
)

// ExceptionError is a slave-reported exception (function | 0x80 response)
type ExceptionError struct {
	Function byte
	Code     byte
}

// Error implements the error interface
func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception 0x%02X (%s) for function 0x%02X",
		e.Code, exceptionName(e.Code), e.Function)
}

func exceptionName(code byte) string {
	switch code {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionSlaveDeviceFailure:
		return "slave device failure"
	default:
		return "unknown"
	}
}

// AsException returns the exception error if err carries one
func AsException(err error) (*ExceptionError, bool) {
	var exc *ExceptionError
	if errors.As(err, &exc) {
		return exc, true
	}
	return nil, false
}

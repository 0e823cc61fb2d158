package modbus

import (
	"encoding/binary"
	"fmt"
	"time"

	"modbus-edge-gateway/pkg/crc"
)

// Supported function codes
const (
	FuncReadHoldingRegisters   = 0x03
	FuncReadInputRegisters     = 0x04
	FuncWriteSingleRegister    = 0x06
	FuncWriteMultipleRegisters = 0x10
	FuncReportSlaveID          = 0x11
	FuncIdentifyInfo           = 0x41 // proprietary identify + info
)

// Frame size limits for an RTU ADU: unit + function + payload + CRC
const (
	minFrameSize = 4
	maxFrameSize = 256
)

// exceptionFlag is OR-ed into the function code of an exception response
const exceptionFlag = 0x80

// BroadcastUnitID addresses all slaves; only write single register is honored
const BroadcastUnitID = 0

// Request describes one Modbus transaction
type Request struct {
	UnitID   byte
	Function byte
	Payload  []byte
	Timeout  time.Duration
}

// encode serializes the request into a wire ADU with CRC trailer
func (r *Request) encode() ([]byte, error) {
	if r.UnitID == BroadcastUnitID && r.Function != FuncWriteSingleRegister {
		return nil, ErrBroadcastNotAllowed
	}
	if len(r.Payload)+4 > maxFrameSize {
		return nil, ErrPayloadTooLarge
	}

	pdu := make([]byte, 0, len(r.Payload)+2)
	pdu = append(pdu, r.UnitID, r.Function)
	pdu = append(pdu, r.Payload...)
	return crc.AppendCRC(pdu), nil
}

// parseResponse validates a raw response ADU against the request and
// returns the payload (bytes after unit id and function, before CRC)
func parseResponse(raw []byte, unitID, function byte) ([]byte, error) {
	if len(raw) < minFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(raw))
	}
	if !crc.VerifyCRC(raw) {
		return nil, ErrCRCMismatch
	}
	if raw[0] != unitID {
		return nil, fmt.Errorf("%w: expected unit %d, got %d", ErrAddressMismatch, unitID, raw[0])
	}
	if raw[1] == function|exceptionFlag {
		if len(raw) < 5 {
			return nil, fmt.Errorf("%w: truncated exception", ErrShortFrame)
		}
		return nil, &ExceptionError{Function: function, Code: raw[2]}
	}
	if raw[1] != function {
		return nil, fmt.Errorf("%w: expected function 0x%02X, got 0x%02X", ErrAddressMismatch, function, raw[1])
	}
	return raw[2 : len(raw)-2], nil
}

// readRequestPayload builds the payload for the register read functions
func readRequestPayload(addr, count uint16) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], addr)
	binary.BigEndian.PutUint16(p[2:4], count)
	return p
}

// writeSinglePayload builds the payload for function 0x06
func writeSinglePayload(addr, value uint16) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], addr)
	binary.BigEndian.PutUint16(p[2:4], value)
	return p
}

// writeMultiplePayload builds the payload for function 0x10
func writeMultiplePayload(addr uint16, values []uint16) []byte {
	p := make([]byte, 5+2*len(values))
	binary.BigEndian.PutUint16(p[0:2], addr)
	binary.BigEndian.PutUint16(p[2:4], uint16(len(values)))
	p[4] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(p[5+2*i:7+2*i], v)
	}
	return p
}

// parseReadRegisters decodes a read response payload [byteCount][data...]
// into big-endian register words
func parseReadRegisters(payload []byte, count uint16) ([]uint16, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty read response", ErrShortFrame)
	}
	byteCount := int(payload[0])
	if byteCount != 2*int(count) || len(payload)-1 < byteCount {
		return nil, fmt.Errorf("%w: expected %d data bytes, got %d (%d in frame)",
			ErrShortFrame, 2*count, byteCount, len(payload)-1)
	}

	words := make([]uint16, count)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(payload[1+2*i : 3+2*i])
	}
	return words, nil
}

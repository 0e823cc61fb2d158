package modbus

import (
	"bytes"
	"errors"
	"testing"

	"modbus-edge-gateway/pkg/crc"
)

// TestRequestEncodeRoundTrip checks the CRC trailer for every supported function
func TestRequestEncodeRoundTrip(t *testing.T) {
	functions := []byte{
		FuncReadHoldingRegisters,
		FuncReadInputRegisters,
		FuncWriteSingleRegister,
		FuncWriteMultipleRegisters,
		FuncReportSlaveID,
		FuncIdentifyInfo,
	}

	for _, fn := range functions {
		req := Request{UnitID: 2, Function: fn, Payload: []byte{0x00, 0x00, 0x00, 0x01}}
		adu, err := req.encode()
		if err != nil {
			t.Fatalf("encode func 0x%02X: %v", fn, err)
		}

		if adu[0] != 2 || adu[1] != fn {
			t.Errorf("func 0x%02X: bad header %v", fn, adu[:2])
		}
		if !crc.VerifyCRC(adu) {
			t.Errorf("func 0x%02X: CRC trailer does not verify", fn)
		}

		// CRC little-endian: low byte first
		sum := crc.CRC16(adu[:len(adu)-2])
		if adu[len(adu)-2] != byte(sum&0xFF) || adu[len(adu)-1] != byte(sum>>8) {
			t.Errorf("func 0x%02X: CRC trailer not little-endian", fn)
		}
	}
}

func TestEncodeRejectsBroadcastExceptWriteSingle(t *testing.T) {
	req := Request{UnitID: BroadcastUnitID, Function: FuncReadHoldingRegisters, Payload: readRequestPayload(0, 1)}
	if _, err := req.encode(); !errors.Is(err, ErrBroadcastNotAllowed) {
		t.Errorf("Expected ErrBroadcastNotAllowed, got %v", err)
	}

	req.Function = FuncWriteSingleRegister
	req.Payload = writeSinglePayload(RegIdentifySeconds, 5)
	if _, err := req.encode(); err != nil {
		t.Errorf("Broadcast write single must be permitted, got %v", err)
	}
}

func TestParseResponseHappyPath(t *testing.T) {
	// Read response for 2 registers: byteCount=4, values 0x4C6F, 0x0001
	raw := crc.AppendCRC([]byte{2, FuncReadHoldingRegisters, 4, 0x4C, 0x6F, 0x00, 0x01})

	payload, err := parseResponse(raw, 2, FuncReadHoldingRegisters)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}

	words, err := parseReadRegisters(payload, 2)
	if err != nil {
		t.Fatalf("parseReadRegisters: %v", err)
	}
	if words[0] != 0x4C6F || words[1] != 0x0001 {
		t.Errorf("Expected [0x4C6F 0x0001], got %04X", words)
	}
}

func TestParseResponseCRCCorruption(t *testing.T) {
	raw := crc.AppendCRC([]byte{2, FuncReadInputRegisters, 2, 0x01, 0xF4})
	raw[len(raw)-1] ^= 0xFF // flip final byte

	if _, err := parseResponse(raw, 2, FuncReadInputRegisters); !errors.Is(err, ErrCRCMismatch) {
		t.Errorf("Expected ErrCRCMismatch, got %v", err)
	}
}

func TestParseResponseShortFrame(t *testing.T) {
	if _, err := parseResponse([]byte{2, 0x03}, 2, FuncReadHoldingRegisters); !errors.Is(err, ErrShortFrame) {
		t.Errorf("Expected ErrShortFrame, got %v", err)
	}
}

func TestParseResponseAddressMismatch(t *testing.T) {
	raw := crc.AppendCRC([]byte{7, FuncReadHoldingRegisters, 2, 0x00, 0x01})
	if _, err := parseResponse(raw, 2, FuncReadHoldingRegisters); !errors.Is(err, ErrAddressMismatch) {
		t.Errorf("Expected ErrAddressMismatch for wrong unit, got %v", err)
	}

	raw = crc.AppendCRC([]byte{2, FuncReadInputRegisters, 2, 0x00, 0x01})
	if _, err := parseResponse(raw, 2, FuncReadHoldingRegisters); !errors.Is(err, ErrAddressMismatch) {
		t.Errorf("Expected ErrAddressMismatch for wrong function, got %v", err)
	}
}

func TestParseResponseException(t *testing.T) {
	raw := crc.AppendCRC([]byte{2, FuncReadHoldingRegisters | 0x80, ExceptionIllegalDataAddress})

	_, err := parseResponse(raw, 2, FuncReadHoldingRegisters)
	exc, ok := AsException(err)
	if !ok {
		t.Fatalf("Expected ExceptionError, got %v", err)
	}
	if exc.Code != ExceptionIllegalDataAddress {
		t.Errorf("Expected exception code 0x02, got 0x%02X", exc.Code)
	}
	if exc.Function != FuncReadHoldingRegisters {
		t.Errorf("Expected function 0x03, got 0x%02X", exc.Function)
	}
}

func TestWriteMultiplePayloadLayout(t *testing.T) {
	// Alias block write: length word then packed "Sensor-A"
	values := []uint16{8, 0x5365, 0x6E73, 0x6F72, 0x2D41}
	payload := writeMultiplePayload(RegAliasLen, values)

	want := []byte{
		0x00, 0x30, // start address 0x0030
		0x00, 0x05, // register count
		10,                     // byte count
		0x00, 0x08, // length = 8
		0x53, 0x65, 0x6E, 0x73, 0x6F, 0x72, 0x2D, 0x41, // "Sensor-A"
	}
	if !bytes.Equal(payload, want) {
		t.Errorf("Payload layout mismatch:\n got  %X\n want %X", payload, want)
	}
}

func TestParseReadRegistersBadByteCount(t *testing.T) {
	if _, err := parseReadRegisters([]byte{4, 0x00, 0x01}, 2); !errors.Is(err, ErrShortFrame) {
		t.Errorf("Expected ErrShortFrame on truncated data, got %v", err)
	}
	if _, err := parseReadRegisters([]byte{2, 0x00, 0x01}, 2); !errors.Is(err, ErrShortFrame) {
		t.Errorf("Expected ErrShortFrame on byte count mismatch, got %v", err)
	}
}

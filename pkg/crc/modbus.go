// Package crc implements the CRC-16/MODBUS checksum used on RTU frames.
package crc

import "encoding/binary"

// poly is the reversed Modbus generator polynomial
const poly = 0xA001

// TrailerBytes is the size of the CRC trailer on a frame
const TrailerBytes = 2

// CRC16 computes the checksum over data, init 0xFFFF, LSB first
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for bit := 0; bit < 8; bit++ {
			lsb := crc & 1
			crc >>= 1
			if lsb != 0 {
				crc ^= poly
			}
		}
	}
	return crc
}

// VerifyCRC checks the little-endian trailer of a received frame. The
// shortest legal frame is unit + function + trailer.
func VerifyCRC(frame []byte) bool {
	if len(frame) < 2+TrailerBytes {
		return false
	}
	split := len(frame) - TrailerBytes
	return CRC16(frame[:split]) == binary.LittleEndian.Uint16(frame[split:])
}

// AppendCRC returns body with its little-endian checksum trailer appended
func AppendCRC(body []byte) []byte {
	frame := make([]byte, len(body)+TrailerBytes)
	copy(frame, body)
	binary.LittleEndian.PutUint16(frame[len(body):], CRC16(body))
	return frame
}

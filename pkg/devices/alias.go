package devices

import (
	"fmt"
	"strings"

	"modbus-edge-gateway/pkg/errors"
	"modbus-edge-gateway/pkg/modbus"
)

// ValidateAlias enforces the alias contract: at most 64 bytes of
// printable ASCII
func ValidateAlias(alias string) error {
	if len(alias) > modbus.AliasMaxBytes {
		return errors.NewValidationError("alias", fmt.Sprintf("at most %d bytes", modbus.AliasMaxBytes), len(alias))
	}
	for i := 0; i < len(alias); i++ {
		if alias[i] < 0x20 || alias[i] > 0x7E {
			return errors.NewValidationError("alias", "printable ASCII", fmt.Sprintf("byte 0x%02X at offset %d", alias[i], i))
		}
	}
	return nil
}

// PackAlias builds the write-multiple register block for an alias:
// a length word followed by the bytes packed two per word, MSB first,
// zero padded when the length is odd.
func PackAlias(alias string) []uint16 {
	words := make([]uint16, 1, 1+(len(alias)+1)/2)
	words[0] = uint16(len(alias))

	for i := 0; i < len(alias); i += 2 {
		hi := uint16(alias[i]) << 8
		var lo uint16
		if i+1 < len(alias) {
			lo = uint16(alias[i+1])
		}
		words = append(words, hi|lo)
	}
	return words
}

// UnpackAlias decodes a register block read from the alias area:
// words[0] is the stored length, clamped to the 64-byte maximum,
// followed by packed ASCII pairs. Non-printable bytes are dropped.
func UnpackAlias(words []uint16) string {
	if len(words) == 0 {
		return ""
	}
	length := int(words[0])
	if length > modbus.AliasMaxBytes {
		length = modbus.AliasMaxBytes
	}
	return unpackASCII(words[1:], length)
}

// unpackString decodes the vendor/product string blocks: a length word
// followed by four packed ASCII words (8 bytes maximum)
func unpackString(words []uint16) string {
	if len(words) == 0 {
		return ""
	}
	length := int(words[0])
	if max := 2 * (len(words) - 1); length > max {
		length = max
	}
	return unpackASCII(words[1:], length)
}

func unpackASCII(words []uint16, length int) string {
	var b strings.Builder
	for i := 0; i < length; i++ {
		word := i / 2
		if word >= len(words) {
			break
		}
		var c byte
		if i%2 == 0 {
			c = byte(words[word] >> 8)
		} else {
			c = byte(words[word] & 0xFF)
		}
		if c >= 0x20 && c <= 0x7E {
			b.WriteByte(c)
		}
	}
	return b.String()
}

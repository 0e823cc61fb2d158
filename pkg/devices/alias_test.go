package devices

import (
	"strings"
	"testing"
)

func TestPackAliasEvenLength(t *testing.T) {
	words := PackAlias("Sensor-A")

	want := []uint16{8, 0x5365, 0x6E73, 0x6F72, 0x2D41}
	if len(words) != len(want) {
		t.Fatalf("Expected %d words, got %d", len(want), len(words))
	}
	for i, w := range want {
		if words[i] != w {
			t.Errorf("word[%d]: expected 0x%04X, got 0x%04X", i, w, words[i])
		}
	}
}

func TestPackAliasOddLengthZeroPadded(t *testing.T) {
	words := PackAlias("Rig")

	want := []uint16{3, 0x5269, 0x6700}
	if len(words) != len(want) {
		t.Fatalf("Expected %d words, got %d", len(want), len(words))
	}
	for i, w := range want {
		if words[i] != w {
			t.Errorf("word[%d]: expected 0x%04X, got 0x%04X", i, w, words[i])
		}
	}
}

func TestAliasRoundTrip(t *testing.T) {
	for _, alias := range []string{"", "A", "Sensor-A", "north crane tilt #2", strings.Repeat("x", 64)} {
		if got := UnpackAlias(PackAlias(alias)); got != alias {
			t.Errorf("Round trip failed for %q: got %q", alias, got)
		}
	}
}

func TestUnpackAliasClampsLength(t *testing.T) {
	// Corrupt length word far beyond the 64-byte maximum
	words := PackAlias("abcd")
	words[0] = 5000

	got := UnpackAlias(words)
	if got != "abcd" {
		t.Errorf("Expected clamped decode 'abcd', got %q", got)
	}
}

func TestUnpackAliasDropsNonPrintable(t *testing.T) {
	words := []uint16{4, 0x4101, 0x4207} // 'A', 0x01, 'B', 0x07
	if got := UnpackAlias(words); got != "AB" {
		t.Errorf("Expected non-printables dropped, got %q", got)
	}
}

func TestValidateAlias(t *testing.T) {
	if err := ValidateAlias("Sensor-A"); err != nil {
		t.Errorf("Valid alias rejected: %v", err)
	}
	if err := ValidateAlias(strings.Repeat("y", 65)); err == nil {
		t.Error("Expected rejection of 65-byte alias")
	}
	if err := ValidateAlias("bad\tname"); err == nil {
		t.Error("Expected rejection of control character")
	}
	if err := ValidateAlias("héllo"); err == nil {
		t.Error("Expected rejection of non-ASCII bytes")
	}
}

func TestUnpackStringVendorBlock(t *testing.T) {
	// "LoRig" in a 5-word block: length 5, packed MSB first
	words := []uint16{5, 0x4C6F, 0x5269, 0x6700, 0x0000}
	if got := unpackString(words); got != "LoRig" {
		t.Errorf("Expected 'LoRig', got %q", got)
	}

	// Length beyond the block clamps to available bytes
	words[0] = 99
	if got := unpackString(words); got != "LoRig" {
		t.Errorf("Expected clamped 'LoRig', got %q", got)
	}
}

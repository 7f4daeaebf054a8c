package device

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Device indexes in the table.
const (
	Auto      = 0
	M128V1    = 1
	M128V2    = 2
	M128V3    = 3
	M3V1      = 4
	numDevice = 5
)

// V1Fallback is the device assumed when the board answers with protocol v1,
// which has no device identity command. m128_v1 and m128_v2 are
// indistinguishable on that dialect.
const V1Fallback = M128V2

// Overhead is the fixed part of the programming time estimate.
const Overhead = 230 * time.Millisecond

// Descriptor describes one supported board.
type Descriptor struct {
	Index int
	Name  string

	// ProtocolVersion is 0 for auto-detection, otherwise the bootloader
	// dialect the board must speak.
	ProtocolVersion int

	HasEEPROM      bool
	FlashPageTime  time.Duration
	EEPROMPageTime time.Duration
}

var table = [numDevice]Descriptor{
	{Index: Auto, Name: "auto", ProtocolVersion: 0},
	{Index: M128V1, Name: "asa_m128_v1", ProtocolVersion: 1, FlashPageTime: 47 * time.Millisecond, EEPROMPageTime: 50 * time.Millisecond},
	{Index: M128V2, Name: "asa_m128_v2", ProtocolVersion: 1, FlashPageTime: 47 * time.Millisecond, EEPROMPageTime: 50 * time.Millisecond},
	{Index: M128V3, Name: "asa_m128_v3", ProtocolVersion: 2, HasEEPROM: true, FlashPageTime: 47 * time.Millisecond, EEPROMPageTime: 50 * time.Millisecond},
	{Index: M3V1, Name: "asa_m3_v1", ProtocolVersion: 2, HasEEPROM: true, FlashPageTime: 500 * time.Millisecond, EEPROMPageTime: 50 * time.Millisecond},
}

// All returns a copy of the device table.
func All() []Descriptor {
	return append([]Descriptor(nil), table[:]...)
}

// Count returns the number of table entries.
func Count() int {
	return len(table)
}

// Lookup returns the descriptor at idx.
func Lookup(idx int) (Descriptor, bool) {
	if idx < 0 || idx >= len(table) {
		return Descriptor{}, false
	}
	return table[idx], true
}

// Name returns the device name for idx, or "unknown".
func Name(idx int) string {
	if d, ok := Lookup(idx); ok {
		return d.Name
	}
	return "unknown"
}

// Parse resolves a device given either its table index or its name. The
// "asa_" prefix may be omitted.
func Parse(s string) (int, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if idx, err := strconv.Atoi(s); err == nil {
		if _, ok := Lookup(idx); !ok {
			return 0, fmt.Errorf("device index %d out of range 0-%d", idx, len(table)-1)
		}
		return idx, nil
	}
	for _, d := range table {
		if d.Name == s || strings.TrimPrefix(d.Name, "asa_") == s {
			return d.Index, nil
		}
	}
	return 0, fmt.Errorf("unknown device %q", s)
}

// ProgTime estimates how long programming takes on the given device. The
// model is linear in page counts and only advisory.
func ProgTime(idx, flashPages, eepPages int) time.Duration {
	d, ok := Lookup(idx)
	if !ok || d.ProtocolVersion == 0 {
		return 0
	}
	return time.Duration(flashPages)*d.FlashPageTime +
		time.Duration(eepPages)*d.EEPROMPageTime +
		Overhead
}

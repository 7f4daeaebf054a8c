package protocol

import "fmt"

// Protocol v1 commands. v1 replies carry no status byte.
const (
	CmdChkProtocol = 0xFA
	CmdAck1        = 0xFB
	CmdData        = 0xFC
	CmdAck2        = 0xFD
)

// Protocol v2 commands. Every v2 reply echoes the command and starts with a
// status byte.
const (
	CmdProgChkDevice     = 0x02
	CmdProgEnd           = 0x03
	CmdProgEndAndGoApp   = 0x04
	CmdProgSetGoAppDelay = 0x05
	CmdFlashSetPgsz      = 0x10
	CmdFlashGetPgsz      = 0x11
	CmdFlashWrite        = 0x12
	CmdFlashRead         = 0x13
	CmdFlashVerify       = 0x14
	CmdFlashEraseSector  = 0x15
	CmdFlashEraseAll     = 0x16
	CmdEEPROMSetPgsz     = 0x20
	CmdEEPROMGetPgsz     = 0x21
	CmdEEPROMWrite       = 0x22
	CmdEEPROMRead        = 0x23
	CmdEEPROMVerify      = 0x24
	CmdEEPROMErase       = 0x25
	CmdEEPROMEraseAll    = 0x26
)

// Protocol versions reported by CHK_PROTOCOL.
const (
	VersionUnknown = 0
	Version1       = 1
	Version2       = 2
)

// Memory layout
const (
	PageSize = 256
	FillByte = 0xFF

	// MaxGoAppDelay is the largest delay PROG_SET_GO_APP_DELAY can carry.
	MaxGoAppDelay = 0xFFFF
)

// Status byte values
const (
	StatusOK = 0x00
)

var commandNames = map[byte]string{
	CmdChkProtocol:       "CHK_PROTOCOL",
	CmdAck1:              "ACK1",
	CmdData:              "DATA",
	CmdAck2:              "ACK2",
	CmdProgChkDevice:     "PROG_CHK_DEVICE",
	CmdProgEnd:           "PROG_END",
	CmdProgEndAndGoApp:   "PROG_END_AND_GO_APP",
	CmdProgSetGoAppDelay: "PROG_SET_GO_APP_DELAY",
	CmdFlashSetPgsz:      "FLASH_SET_PGSZ",
	CmdFlashGetPgsz:      "FLASH_GET_PGSZ",
	CmdFlashWrite:        "FLASH_WRITE",
	CmdFlashRead:         "FLASH_READ",
	CmdFlashVerify:       "FLASH_VERIFY",
	CmdFlashEraseSector:  "FLASH_ERASE_SECTOR",
	CmdFlashEraseAll:     "FLASH_ERASE_ALL",
	CmdEEPROMSetPgsz:     "EEPROM_SET_PGSZ",
	CmdEEPROMGetPgsz:     "EEPROM_GET_PGSZ",
	CmdEEPROMWrite:       "EEPROM_WRITE",
	CmdEEPROMRead:        "EEPROM_READ",
	CmdEEPROMVerify:      "EEPROM_VERIFY",
	CmdEEPROMErase:       "EEPROM_ERASE",
	CmdEEPROMEraseAll:    "EEPROM_ERASE_ALL",
}

// CommandName returns a human-readable name for a command code.
func CommandName(cmd byte) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("CMD_0x%02X", cmd)
}

// StatusMessage returns a human-readable message for a v2 status byte.
// The bootloader does not document its nonzero codes, so they are reported
// by value.
func StatusMessage(code byte) string {
	if code == StatusOK {
		return "ok"
	}
	return fmt.Sprintf("device error 0x%02X", code)
}

package loader

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/asaloader/asaloader/internal/device"
	"github.com/asaloader/asaloader/internal/protocol"
)

var (
	// ErrFileNotFound is returned when a requested image file does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrSessionFinished is returned by DoStep once the end step has run.
	ErrSessionFinished = errors.New("programming session already finished")
)

// DeviceTypeError indicates a device index outside the device table.
type DeviceTypeError struct {
	DeviceType int
}

func (e *DeviceTypeError) Error() string {
	return fmt.Sprintf("invalid device type %d: valid range is 0-%d", e.DeviceType, device.Count()-1)
}

// GoAppDelayValueError indicates a go-app delay outside 0-65535 ms.
type GoAppDelayValueError struct {
	Delay int
}

func (e *GoAppDelayValueError) Error() string {
	return fmt.Sprintf("go app delay %d ms is out of range 0-%d", e.Delay, protocol.MaxGoAppDelay)
}

// FlashIsNotIhexError indicates the flash image could not be read as Intel HEX.
type FlashIsNotIhexError struct {
	Path string
}

func (e *FlashIsNotIhexError) Error() string {
	return fmt.Sprintf("flash file %s is not a valid Intel HEX file", e.Path)
}

// EEPROMIsNotIhexError indicates the EEPROM image could not be read as Intel HEX.
type EEPROMIsNotIhexError struct {
	Path string
}

func (e *EEPROMIsNotIhexError) Error() string {
	return fmt.Sprintf("eeprom file %s is not a valid Intel HEX file", e.Path)
}

// CheckDeviceError indicates the connected board is not the configured one.
type CheckDeviceError struct {
	Expected int
	Detected int
}

func (e *CheckDeviceError) Error() string {
	return fmt.Sprintf("device mismatch: expected %s (%d), detected %s (%d)",
		device.Name(e.Expected), e.Expected, device.Name(e.Detected), e.Detected)
}

// CommandFailedError indicates the device rejected a command or answered
// with a reply that did not match it. Malformed is set when the reply echoed
// the command with a success status but could not be parsed.
type CommandFailedError struct {
	Command   byte
	Status    byte
	Reply     byte
	Malformed bool
}

func (e *CommandFailedError) Error() string {
	if e.Malformed {
		return fmt.Sprintf("%s failed: malformed reply", protocol.CommandName(e.Command))
	}
	if e.Reply != e.Command {
		return fmt.Sprintf("%s failed: device replied with %s",
			protocol.CommandName(e.Command), protocol.CommandName(e.Reply))
	}
	return fmt.Sprintf("%s failed: %s", protocol.CommandName(e.Command), protocol.StatusMessage(e.Status))
}

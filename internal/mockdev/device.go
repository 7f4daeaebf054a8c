// Package mockdev simulates an ASA board bootloader on an io.ReadWriter so
// the transport and loader can be exercised without hardware.
package mockdev

import (
	"bytes"
	"encoding/binary"

	"github.com/asaloader/asaloader/internal/alp"
	"github.com/asaloader/asaloader/internal/protocol"
)

// Device answers bootloader requests the way a v1 or v2 board does.
type Device struct {
	// Version is the dialect spoken: 1, 2, or 0 for a board that never
	// answers.
	Version int

	// DeviceID is reported by PROG_CHK_DEVICE on v2.
	DeviceID int

	// Fail maps a v2 command to the nonzero status it is answered with.
	Fail map[byte]byte

	// Mute lists commands that get no reply at all.
	Mute map[byte]bool

	// Corrupt lists commands whose reply carries a bad checksum.
	Corrupt map[byte]bool

	// Script, if set, is consulted first. Returning ok == true replaces the
	// simulated reply with raw (which may be empty for no reply).
	Script func(req alp.Packet) (raw []byte, ok bool)

	// Recorded state
	Requests   []alp.Packet
	Flash      map[uint32][]byte
	FlashV1    [][]byte
	EEPROM     [][]byte
	EraseCount int
	GoAppDelay uint16
	Ended      bool
	WentToApp  bool

	in  []byte
	out bytes.Buffer
}

// NewV1 returns a board speaking protocol v1.
func NewV1() *Device {
	return &Device{Version: protocol.Version1, Flash: map[uint32][]byte{}}
}

// NewV2 returns a board speaking protocol v2 that identifies as id.
func NewV2(id int) *Device {
	return &Device{Version: protocol.Version2, DeviceID: id, Flash: map[uint32][]byte{}}
}

// Read returns pending reply bytes. An empty buffer yields (0, nil), like a
// serial port whose read timed out.
func (d *Device) Read(p []byte) (int, error) {
	if d.out.Len() == 0 {
		return 0, nil
	}
	return d.out.Read(p)
}

// Write consumes request frames and queues the replies.
func (d *Device) Write(p []byte) (int, error) {
	d.in = append(d.in, p...)
	for {
		pkt, rest, err := alp.Decode(d.in)
		if err == alp.ErrIncomplete {
			return len(p), nil
		}
		d.in = rest
		if err != nil {
			continue
		}
		d.Requests = append(d.Requests, pkt)
		d.handle(pkt)
	}
}

// Commands returns the command codes received, in order.
func (d *Device) Commands() []byte {
	cmds := make([]byte, 0, len(d.Requests))
	for _, r := range d.Requests {
		cmds = append(cmds, r.Command)
	}
	return cmds
}

// Count returns how many requests with the given command were received.
func (d *Device) Count(cmd byte) int {
	n := 0
	for _, r := range d.Requests {
		if r.Command == cmd {
			n++
		}
	}
	return n
}

// QueueRaw appends raw bytes to the read side.
func (d *Device) QueueRaw(b []byte) {
	d.out.Write(b)
}

func (d *Device) reply(cmd byte, data []byte) {
	frame := alp.Encode(cmd, data)
	if d.Corrupt[cmd] {
		frame[len(frame)-1]++
	}
	d.out.Write(frame)
}

func (d *Device) handle(req alp.Packet) {
	if d.Script != nil {
		if raw, ok := d.Script(req); ok {
			d.out.Write(raw)
			return
		}
	}
	if d.Mute[req.Command] {
		return
	}

	switch d.Version {
	case protocol.Version1:
		d.handleV1(req)
	case protocol.Version2:
		d.handleV2(req)
	}
}

func (d *Device) handleV1(req alp.Packet) {
	switch req.Command {
	case protocol.CmdChkProtocol:
		d.reply(protocol.CmdAck1, protocol.AckData())
	case protocol.CmdData:
		if len(req.Data) == 0 {
			d.Ended = true
			d.reply(protocol.CmdAck2, protocol.AckData())
			return
		}
		d.FlashV1 = append(d.FlashV1, append([]byte(nil), req.Data...))
	}
}

func (d *Device) handleV2(req alp.Packet) {
	if status, ok := d.Fail[req.Command]; ok && status != protocol.StatusOK {
		d.reply(req.Command, []byte{status})
		return
	}

	ok := []byte{protocol.StatusOK}
	switch req.Command {
	case protocol.CmdChkProtocol:
		d.reply(req.Command, []byte{protocol.StatusOK, protocol.Version2})
	case protocol.CmdProgChkDevice:
		d.reply(req.Command, []byte{protocol.StatusOK, byte(d.DeviceID)})
	case protocol.CmdProgEnd:
		d.Ended = true
		d.reply(req.Command, ok)
	case protocol.CmdProgEndAndGoApp:
		d.Ended = true
		d.WentToApp = true
		d.reply(req.Command, ok)
	case protocol.CmdProgSetGoAppDelay:
		if len(req.Data) >= 2 {
			d.GoAppDelay = binary.LittleEndian.Uint16(req.Data)
		}
		d.reply(req.Command, ok)
	case protocol.CmdFlashSetPgsz, protocol.CmdEEPROMSetPgsz:
		d.reply(req.Command, ok)
	case protocol.CmdFlashGetPgsz, protocol.CmdEEPROMGetPgsz:
		d.reply(req.Command, append(ok, protocol.Uint16Data(protocol.PageSize)...))
	case protocol.CmdFlashWrite:
		if len(req.Data) < 4 {
			d.reply(req.Command, []byte{0x01})
			return
		}
		addr := binary.LittleEndian.Uint32(req.Data[0:4])
		d.Flash[addr] = append([]byte(nil), req.Data[4:]...)
		d.reply(req.Command, ok)
	case protocol.CmdFlashRead:
		d.reply(req.Command, append(ok, 0xDE, 0xAD))
	case protocol.CmdFlashEraseAll:
		d.EraseCount++
		d.Flash = map[uint32][]byte{}
		d.reply(req.Command, ok)
	case protocol.CmdFlashEraseSector:
		d.reply(req.Command, append(ok, protocol.Uint32Data(0)...))
	case protocol.CmdEEPROMWrite:
		d.EEPROM = append(d.EEPROM, append([]byte(nil), req.Data...))
		d.reply(req.Command, append(ok, protocol.Uint32Data(uint32(len(d.EEPROM)))...))
	case protocol.CmdEEPROMRead, protocol.CmdEEPROMErase:
		d.reply(req.Command, append(ok, protocol.Uint32Data(0)...))
	case protocol.CmdEEPROMEraseAll:
		d.EEPROM = nil
		d.reply(req.Command, ok)
	}
}

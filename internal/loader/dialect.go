package loader

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/asaloader/asaloader/internal/command"
	"github.com/asaloader/asaloader/internal/ihex"
	"github.com/asaloader/asaloader/internal/protocol"
)

// dialect is the per-protocol command strategy, chosen once after the
// version probe so the stage logic never branches on the version.
type dialect interface {
	// maybeErase runs before flash page idx is written.
	maybeErase(idx int) error
	writeFlashPage(p ihex.Page) error
	writeEEPROMPage(p ihex.Page) error
	finalize(goApp bool, delay uint16) error
}

// newDialect picks the strategy for version. tolerate decides whether a
// failure in the middle of a multi-command step stops the step.
func newDialect(version int, h *command.Handler, o options, tolerate func(error) error) dialect {
	if version == protocol.Version1 {
		return &v1Dialect{h: h, clock: o.clock, writeDelay: o.v1WriteDelay, log: o.log}
	}
	return &v2Dialect{h: h, tolerate: tolerate}
}

// commandResult turns a handler (ok, err) pair into an error, building a
// *CommandFailedError from the last reply when the device said no.
func commandResult(h *command.Handler, cmd byte, ok bool, err error) error {
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	failed := &CommandFailedError{Command: cmd, Reply: cmd}
	if pkt, has := h.LastReply(); has {
		status, hasStatus := protocol.Status(pkt)
		failed.Reply = pkt.Command
		failed.Status = status
		failed.Malformed = pkt.Command == cmd && (!hasStatus || status == protocol.StatusOK)
	}
	return failed
}

type v1Dialect struct {
	h          *command.Handler
	clock      command.Clock
	writeDelay time.Duration
	log        zerolog.Logger
}

// maybeErase is a no-op: a v1 board clears its flash when probed.
func (d *v1Dialect) maybeErase(int) error { return nil }

func (d *v1Dialect) writeFlashPage(p ihex.Page) error {
	ok, err := d.h.V1FlashWrite(p.Data)
	if err := commandResult(d.h, protocol.CmdData, ok, err); err != nil {
		return err
	}
	d.clock.Sleep(d.writeDelay)
	return nil
}

// writeEEPROMPage skips the page; v1 has no EEPROM commands.
func (d *v1Dialect) writeEEPROMPage(p ihex.Page) error {
	d.log.Debug().
		Uint32("address", p.Address).
		Msg("eeprom page skipped")
	return nil
}

// finalize ignores goApp: v1 has no go-app command.
func (d *v1Dialect) finalize(bool, uint16) error {
	ok, err := d.h.V1ProgEnd()
	return commandResult(d.h, protocol.CmdData, ok, err)
}

type v2Dialect struct {
	h        *command.Handler
	tolerate func(error) error
}

// maybeErase erases the whole chip before the first page.
func (d *v2Dialect) maybeErase(idx int) error {
	if idx != 0 {
		return nil
	}
	ok, err := d.h.V2FlashEraseAll()
	return commandResult(d.h, protocol.CmdFlashEraseAll, ok, err)
}

func (d *v2Dialect) writeFlashPage(p ihex.Page) error {
	ok, err := d.h.V2FlashWrite(p.Address, p.Data)
	return commandResult(d.h, protocol.CmdFlashWrite, ok, err)
}

func (d *v2Dialect) writeEEPROMPage(p ihex.Page) error {
	ok, _, err := d.h.V2EEPROMWrite(p.Data)
	return commandResult(d.h, protocol.CmdEEPROMWrite, ok, err)
}

func (d *v2Dialect) finalize(goApp bool, delay uint16) error {
	if !goApp {
		ok, err := d.h.V2ProgEnd()
		return commandResult(d.h, protocol.CmdProgEnd, ok, err)
	}

	ok, err := d.h.V2ProgSetGoAppDelay(delay)
	if err := d.tolerate(commandResult(d.h, protocol.CmdProgSetGoAppDelay, ok, err)); err != nil {
		return err
	}
	ok, err = d.h.V2ProgEndAndGoApp()
	return commandResult(d.h, protocol.CmdProgEndAndGoApp, ok, err)
}

package command

import (
	"github.com/asaloader/asaloader/internal/protocol"
)

// V1EnterProg succeeds iff the device answers the probe as protocol v1.
func (h *Handler) V1EnterProg() (bool, error) {
	ok, version, err := h.ChkProtocol()
	if err != nil {
		return false, err
	}
	return ok && version == protocol.Version1, nil
}

// V1FlashWrite sends one flash page. The v1 bootloader does not reply to
// page writes, so this only fails on transport errors. The caller must give
// the device time to program the page before the next write.
func (h *Handler) V1FlashWrite(page []byte) (bool, error) {
	if err := h.putPacket(protocol.CmdData, page); err != nil {
		return false, err
	}
	return true, nil
}

// V1ProgEnd sends the empty DATA terminator and expects ACK2 "OK!!".
func (h *Handler) V1ProgEnd() (bool, error) {
	pkt, err := h.transact(protocol.CmdData, nil)
	if err != nil {
		return false, err
	}
	return protocol.IsAck(pkt, protocol.CmdAck2), nil
}

// V2EnterProg succeeds iff the device answers the probe as protocol v2.
func (h *Handler) V2EnterProg() (bool, error) {
	ok, version, err := h.ChkProtocol()
	if err != nil {
		return false, err
	}
	return ok && version == protocol.Version2, nil
}

// V2ProgChkDevice returns the device id the bootloader reports.
func (h *Handler) V2ProgChkDevice() (bool, int, error) {
	ok, id, err := h.v2Value(protocol.CmdProgChkDevice, nil, 1)
	return ok, int(id), err
}

func (h *Handler) V2ProgEnd() (bool, error) {
	_, ok, err := h.v2(protocol.CmdProgEnd, nil)
	return ok, err
}

// V2ProgEndAndGoApp ends programming and starts the application after the
// configured delay. It replaces V2ProgEnd at the end of a session.
func (h *Handler) V2ProgEndAndGoApp() (bool, error) {
	_, ok, err := h.v2(protocol.CmdProgEndAndGoApp, nil)
	return ok, err
}

// V2ProgSetGoAppDelay sets the delay, in milliseconds, before the
// application starts.
func (h *Handler) V2ProgSetGoAppDelay(delay uint16) (bool, error) {
	_, ok, err := h.v2(protocol.CmdProgSetGoAppDelay, protocol.Uint16Data(delay))
	return ok, err
}

func (h *Handler) V2FlashSetPageSize(size uint32) (bool, error) {
	_, ok, err := h.v2(protocol.CmdFlashSetPgsz, protocol.Uint32Data(size))
	return ok, err
}

func (h *Handler) V2FlashGetPageSize() (bool, uint32, error) {
	return h.v2Value(protocol.CmdFlashGetPgsz, nil, 2)
}

// V2FlashWrite programs one flash page at address. The chip must have been
// erased beforehand.
func (h *Handler) V2FlashWrite(address uint32, page []byte) (bool, error) {
	_, ok, err := h.v2(protocol.CmdFlashWrite, protocol.FlashWriteData(address, page))
	return ok, err
}

// V2FlashRead returns the bytes following the status byte.
func (h *Handler) V2FlashRead() (bool, []byte, error) {
	pkt, ok, err := h.v2(protocol.CmdFlashRead, nil)
	if err != nil || !ok {
		return false, nil, err
	}
	return true, pkt.Data[1:], nil
}

func (h *Handler) V2FlashEraseSector(sector uint16) (bool, uint32, error) {
	return h.v2Value(protocol.CmdFlashEraseSector, protocol.Uint16Data(sector), 4)
}

func (h *Handler) V2FlashEraseAll() (bool, error) {
	_, ok, err := h.v2(protocol.CmdFlashEraseAll, nil)
	return ok, err
}

func (h *Handler) V2EEPROMSetPageSize(size uint32) (bool, error) {
	_, ok, err := h.v2(protocol.CmdEEPROMSetPgsz, protocol.Uint32Data(size))
	return ok, err
}

func (h *Handler) V2EEPROMGetPageSize() (bool, uint32, error) {
	return h.v2Value(protocol.CmdEEPROMGetPgsz, nil, 2)
}

// V2EEPROMWrite programs one EEPROM page. The value in a successful reply is
// passed through uninterpreted.
func (h *Handler) V2EEPROMWrite(page []byte) (bool, uint32, error) {
	return h.v2Value(protocol.CmdEEPROMWrite, page, 4)
}

func (h *Handler) V2EEPROMRead() (bool, uint32, error) {
	return h.v2Value(protocol.CmdEEPROMRead, nil, 4)
}

func (h *Handler) V2EEPROMErase() (bool, uint32, error) {
	return h.v2Value(protocol.CmdEEPROMErase, nil, 4)
}

func (h *Handler) V2EEPROMEraseAll() (bool, error) {
	_, ok, err := h.v2(protocol.CmdEEPROMEraseAll, nil)
	return ok, err
}

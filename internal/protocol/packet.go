package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/asaloader/asaloader/internal/alp"
)

var (
	probePayload = []byte("test")
	ackPayload   = []byte("OK!!")
)

// ProbeData returns the CHK_PROTOCOL request payload.
func ProbeData() []byte {
	return append([]byte(nil), probePayload...)
}

// AckData returns the literal payload of a v1 acknowledgement.
func AckData() []byte {
	return append([]byte(nil), ackPayload...)
}

// Uint16Data encodes v as 2 little-endian bytes.
func Uint16Data(v uint16) []byte {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, v)
	return data
}

// Uint32Data encodes v as 4 little-endian bytes.
func Uint32Data(v uint32) []byte {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, v)
	return data
}

// FlashWriteData creates the payload for a v2 FLASH_WRITE command.
func FlashWriteData(address uint32, page []byte) []byte {
	// 0-3: page address (little-endian)
	// 4+:  page bytes
	payload := make([]byte, 4+len(page))
	binary.LittleEndian.PutUint32(payload[0:4], address)
	copy(payload[4:], page)
	return payload
}

// IsAck reports whether pkt is a v1 acknowledgement of the given kind
// carrying the literal "OK!!" payload.
func IsAck(pkt alp.Packet, ack byte) bool {
	return pkt.Command == ack && bytes.Equal(pkt.Data, ackPayload)
}

// CheckStatus reports whether pkt is a successful v2 reply to cmd: the
// command is echoed and the status byte is zero.
func CheckStatus(pkt alp.Packet, cmd byte) bool {
	return pkt.Command == cmd && len(pkt.Data) >= 1 && pkt.Data[0] == StatusOK
}

// Status returns the status byte of a v2 reply, or false if it has none.
func Status(pkt alp.Packet) (byte, bool) {
	if len(pkt.Data) == 0 {
		return 0, false
	}
	return pkt.Data[0], true
}

// ParseUint reads an n-byte little-endian integer that follows the status
// byte of a v2 reply. n must be 1, 2 or 4.
func ParseUint(data []byte, n int) (uint32, error) {
	if len(data) < 1+n {
		return 0, fmt.Errorf("reply too short: %d bytes, need %d", len(data), 1+n)
	}
	field := data[1 : 1+n]
	switch n {
	case 1:
		return uint32(field[0]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(field)), nil
	case 4:
		return binary.LittleEndian.Uint32(field), nil
	default:
		return 0, fmt.Errorf("unsupported integer width %d", n)
	}
}

package alp

import (
	"errors"
)

// Frame layout:
//
//	0-2: header (0xFC 0xFC 0xFC)
//	3:   command
//	4-5: payload length (big-endian)
//	6+:  payload
//	end: checksum (sum of payload bytes, truncated to 8 bits)
const (
	Header     = 0xFC
	HeaderLen  = 3
	MaxDataLen = 0xFFFF
	Overhead   = HeaderLen + 1 + 2 + 1
)

var (
	ErrChecksum   = errors.New("alp: checksum mismatch")
	ErrIncomplete = errors.New("alp: incomplete frame")
)

// Packet is one decoded ALP frame.
type Packet struct {
	Command byte
	Data    []byte
}

// Encode wraps a command and payload in an ALP frame.
// Payloads longer than MaxDataLen are truncated.
func Encode(cmd byte, data []byte) []byte {
	if len(data) > MaxDataLen {
		data = data[:MaxDataLen]
	}

	frame := make([]byte, 0, Overhead+len(data))
	frame = append(frame, Header, Header, Header)
	frame = append(frame, cmd)
	frame = append(frame, byte(len(data)>>8), byte(len(data)))
	frame = append(frame, data...)
	frame = append(frame, Checksum(data))

	return frame
}

// Checksum returns the 8-bit sum of data.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// State is the externally visible state of a Decoder.
type State int

const (
	Idle State = iota
	InProgress
	Done
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InProgress:
		return "in-progress"
	case Done:
		return "done"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

type phase int

const (
	phaseHeader phase = iota
	phaseCommand
	phaseLenHigh
	phaseLenLow
	phaseData
	phaseChecksum
)

// Decoder reassembles one ALP frame from a byte stream, one byte at a time.
// Bytes other than 0xFC that arrive before a full header are discarded. A
// stray 0xFC is only skipped by a reply decoder, see NewReplyDecoder. Once
// the decoder reaches Done or Error it ignores further input until Reset.
type Decoder struct {
	resync  bool
	state   State
	phase   phase
	headers int
	cmd     byte
	length  int
	data    []byte
}

// NewDecoder returns a decoder waiting for a header.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// NewReplyDecoder returns a decoder for device replies. No reply carries
// command 0xFC, so a header byte where the command is expected means the run
// of header bytes started early, and the decoder slides forward by one.
// Requests must use NewDecoder: a v1 DATA frame has command 0xFC.
func NewReplyDecoder() *Decoder {
	return &Decoder{resync: true}
}

// Reset discards any partial frame.
func (d *Decoder) Reset() {
	*d = Decoder{resync: d.resync}
}

// Step feeds one byte and returns the resulting state.
func (d *Decoder) Step(b byte) State {
	if d.state == Done || d.state == Error {
		return d.state
	}

	switch d.phase {
	case phaseHeader:
		if b == Header {
			d.headers++
			d.state = InProgress
			if d.headers == HeaderLen {
				d.phase = phaseCommand
			}
		} else {
			d.headers = 0
			d.state = Idle
		}
	case phaseCommand:
		if d.resync && b == Header {
			break
		}
		d.cmd = b
		d.phase = phaseLenHigh
	case phaseLenHigh:
		d.length = int(b) << 8
		d.phase = phaseLenLow
	case phaseLenLow:
		d.length |= int(b)
		d.data = make([]byte, 0, d.length)
		if d.length == 0 {
			d.phase = phaseChecksum
		} else {
			d.phase = phaseData
		}
	case phaseData:
		d.data = append(d.data, b)
		if len(d.data) == d.length {
			d.phase = phaseChecksum
		}
	case phaseChecksum:
		if b == Checksum(d.data) {
			d.state = Done
		} else {
			d.state = Error
		}
	}

	return d.state
}

// State returns the current decoder state.
func (d *Decoder) State() State {
	return d.state
}

// IsDone reports whether a complete, valid frame has been decoded.
func (d *Decoder) IsDone() bool {
	return d.state == Done
}

// IsError reports whether the frame failed its checksum.
func (d *Decoder) IsError() bool {
	return d.state == Error
}

// Packet returns the decoded packet. Only meaningful once IsDone is true.
func (d *Decoder) Packet() Packet {
	return Packet{Command: d.cmd, Data: d.data}
}

// Decode runs a fresh decoder over buf and returns the first complete packet
// along with the bytes that follow it.
func Decode(buf []byte) (Packet, []byte, error) {
	return decode(NewDecoder(), buf)
}

// DecodeReply is Decode with a reply decoder.
func DecodeReply(buf []byte) (Packet, []byte, error) {
	return decode(NewReplyDecoder(), buf)
}

func decode(d *Decoder, buf []byte) (Packet, []byte, error) {
	for i, b := range buf {
		switch d.Step(b) {
		case Done:
			return d.Packet(), buf[i+1:], nil
		case Error:
			return Packet{}, buf[i+1:], ErrChecksum
		}
	}
	return Packet{}, buf, ErrIncomplete
}

package command

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/asaloader/asaloader/internal/alp"
	"github.com/asaloader/asaloader/internal/protocol"
)

// DefaultTimeout bounds the wait for a single reply packet.
const DefaultTimeout = 5 * time.Second

// Handler issues one request packet and waits for exactly one reply per
// command. Device-reported failures come back as ok == false; only transport
// problems are returned as errors.
type Handler struct {
	rw      io.ReadWriter
	timeout time.Duration
	clock   Clock
	log     zerolog.Logger

	last    alp.Packet
	hasLast bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithTimeout sets the reply timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(h *Handler) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithLogger sets the logger used for packet tracing.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

// New creates a Handler on rw.
func New(rw io.ReadWriter, opts ...Option) *Handler {
	h := &Handler{
		rw:      rw,
		timeout: DefaultTimeout,
		clock:   SystemClock(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Timeout returns the reply timeout.
func (h *Handler) Timeout() time.Duration {
	return h.timeout
}

// LastReply returns the most recent reply packet, if any.
func (h *Handler) LastReply() (alp.Packet, bool) {
	return h.last, h.hasLast
}

// putPacket frames and writes one request.
func (h *Handler) putPacket(cmd byte, data []byte) error {
	h.log.Trace().
		Str("cmd", protocol.CommandName(cmd)).
		Int("len", len(data)).
		Msg("send packet")

	if _, err := h.rw.Write(alp.Encode(cmd, data)); err != nil {
		return &CommError{Command: cmd, Err: errors.Wrap(err, "write")}
	}
	return nil
}

// getPacket reads bytes one at a time into a fresh decoder until a reply is
// complete, the frame is corrupt, or the timeout expires.
func (h *Handler) getPacket(cmd byte) (alp.Packet, error) {
	dec := alp.NewReplyDecoder()
	buf := make([]byte, 1)
	start := h.clock.Now()

	for {
		if h.clock.Now().Sub(start) > h.timeout {
			return alp.Packet{}, &CommError{Command: cmd, Err: ErrTimeout}
		}

		n, err := h.rw.Read(buf)
		if err != nil && err != io.EOF {
			return alp.Packet{}, &CommError{Command: cmd, Err: errors.Wrap(err, "read")}
		}
		if n == 0 {
			continue
		}

		switch dec.Step(buf[0]) {
		case alp.Done:
			pkt := dec.Packet()
			h.last, h.hasLast = pkt, true
			h.log.Trace().
				Str("cmd", protocol.CommandName(pkt.Command)).
				Int("len", len(pkt.Data)).
				Msg("recv packet")
			return pkt, nil
		case alp.Error:
			return alp.Packet{}, &CommError{Command: cmd, Err: ErrFrame}
		}
	}
}

// transact sends one request and waits for its reply.
func (h *Handler) transact(cmd byte, data []byte) (alp.Packet, error) {
	if err := h.putPacket(cmd, data); err != nil {
		return alp.Packet{}, err
	}
	return h.getPacket(cmd)
}

// v2 sends a v2 request and checks the echoed command and status byte.
func (h *Handler) v2(cmd byte, data []byte) (alp.Packet, bool, error) {
	pkt, err := h.transact(cmd, data)
	if err != nil {
		return alp.Packet{}, false, err
	}
	if !protocol.CheckStatus(pkt, cmd) {
		status, _ := protocol.Status(pkt)
		h.log.Debug().
			Str("cmd", protocol.CommandName(cmd)).
			Str("reply", protocol.CommandName(pkt.Command)).
			Str("status", protocol.StatusMessage(status)).
			Msg("command rejected by device")
		return pkt, false, nil
	}
	return pkt, true, nil
}

// v2Value is v2 for commands whose reply carries a little-endian integer
// after the status byte.
func (h *Handler) v2Value(cmd byte, data []byte, width int) (bool, uint32, error) {
	pkt, ok, err := h.v2(cmd, data)
	if err != nil || !ok {
		return false, 0, err
	}
	v, err := protocol.ParseUint(pkt.Data, width)
	if err != nil {
		h.log.Debug().Err(err).Str("cmd", protocol.CommandName(cmd)).Msg("malformed reply")
		return false, 0, nil
	}
	return true, v, nil
}

// ChkProtocol probes the bootloader dialect. A v1 device answers with
// ACK1 "OK!!"; a v2 device echoes the probe with status 0 and its version.
func (h *Handler) ChkProtocol() (bool, int, error) {
	pkt, err := h.transact(protocol.CmdChkProtocol, protocol.ProbeData())
	if err != nil {
		return false, protocol.VersionUnknown, err
	}

	if protocol.IsAck(pkt, protocol.CmdAck1) {
		return true, protocol.Version1, nil
	}
	if protocol.CheckStatus(pkt, protocol.CmdChkProtocol) && len(pkt.Data) >= 2 {
		return true, int(pkt.Data[1]), nil
	}
	return false, protocol.VersionUnknown, nil
}

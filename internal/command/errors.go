package command

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/asaloader/asaloader/internal/protocol"
)

var (
	// ErrTimeout means no complete reply arrived within the handler timeout.
	ErrTimeout = errors.New("timeout waiting for reply")

	// ErrFrame means a reply frame failed to decode.
	ErrFrame = errors.New("reply frame decode error")

	// ErrBadReply means the device answered, but not in a way the command
	// can continue from.
	ErrBadReply = errors.New("unexpected reply")
)

// CommError is a hard communication failure. It aborts the current command
// and is never retried by the handler.
type CommError struct {
	Command byte
	Err     error
}

func (e *CommError) Error() string {
	return fmt.Sprintf("communication error on %s: %v", protocol.CommandName(e.Command), e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

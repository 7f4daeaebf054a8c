package loader

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/asaloader/asaloader/internal/command"
)

// DefaultV1WriteDelay is how long a v1 board needs to program one flash page.
// v1 page writes are not acknowledged, so the loader waits this long after
// each one.
const DefaultV1WriteDelay = 30 * time.Millisecond

// Config describes what a programming session should do.
type Config struct {
	// DeviceType is an index into the device table. 0 selects auto-detection.
	DeviceType int

	FlashProg  bool
	EEPROMProg bool
	FlashFile  string
	EEPROMFile string

	// GoApp starts the application when programming ends, after GoAppDelay
	// milliseconds. Only honored by protocol v2 boards.
	GoApp      bool
	GoAppDelay int
}

type options struct {
	log          zerolog.Logger
	clock        command.Clock
	timeout      time.Duration
	bestEffort   bool
	v1WriteDelay time.Duration
}

func defaultOptions() options {
	return options{
		log:          zerolog.Nop(),
		clock:        command.SystemClock(),
		timeout:      command.DefaultTimeout,
		v1WriteDelay: DefaultV1WriteDelay,
	}
}

// Option is a functional option for configuring the Loader.
type Option func(*options)

// WithLogger sets the logger for session and packet events.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithClock replaces the wall clock used for reply deadlines and v1 write
// pacing.
func WithClock(c command.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithTimeout sets the per-reply timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithBestEffort makes DoStep log and skip commands the device rejects
// instead of returning a *CommandFailedError. Transport errors still abort
// the step.
func WithBestEffort(enabled bool) Option {
	return func(o *options) {
		o.bestEffort = enabled
	}
}

// WithV1WriteDelay sets the pause after each v1 flash page write.
func WithV1WriteDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.v1WriteDelay = d
		}
	}
}

package loader

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/asaloader/asaloader/internal/command"
	"github.com/asaloader/asaloader/internal/device"
	"github.com/asaloader/asaloader/internal/ihex"
	"github.com/asaloader/asaloader/internal/protocol"
)

// ProgressCallback is called after every completed step.
type ProgressCallback func(current, total int)

// Loader programs one board over one connection. It is prepared by New and
// then advanced one unit of work per DoStep call.
type Loader struct {
	cfg      Config
	opts     options
	log      zerolog.Logger
	cth      *command.Handler
	dialect  dialect
	progress ProgressCallback

	deviceType      int
	protocolVersion int

	flashPages []ihex.Page
	eepPages   []ihex.Page
	flashSize  int
	eepSize    int
	progTime   time.Duration

	stage Stage
	s     session
}

// New validates cfg, loads the images, identifies the board on rw and
// returns a session ready for its first step. Configuration errors are
// reported before any byte is sent.
func New(rw io.ReadWriter, cfg Config, opts ...Option) (*Loader, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	l := &Loader{
		cfg:        cfg,
		opts:       o,
		log:        o.log,
		deviceType: cfg.DeviceType,
		stage:      StagePrepare,
		cth: command.New(rw,
			command.WithTimeout(o.timeout),
			command.WithClock(o.clock),
			command.WithLogger(o.log),
		),
	}

	if err := l.prepare(); err != nil {
		return nil, err
	}
	return l, nil
}

// SetProgressCallback sets the progress callback function.
func (l *Loader) SetProgressCallback(cb ProgressCallback) {
	l.progress = cb
}

// reportProgress calls the progress callback if set.
func (l *Loader) reportProgress() {
	if l.progress != nil {
		l.progress(l.s.curStep, l.s.totalSteps)
	}
}

func (l *Loader) prepare() error {
	if _, ok := device.Lookup(l.deviceType); !ok {
		return &DeviceTypeError{DeviceType: l.deviceType}
	}

	if l.cfg.FlashProg && !isFile(l.cfg.FlashFile) {
		return errors.Wrapf(ErrFileNotFound, "flash file %q", l.cfg.FlashFile)
	}
	if l.cfg.EEPROMProg && !isFile(l.cfg.EEPROMFile) {
		return errors.Wrapf(ErrFileNotFound, "eeprom file %q", l.cfg.EEPROMFile)
	}

	if l.cfg.GoApp && (l.cfg.GoAppDelay < 0 || l.cfg.GoAppDelay > protocol.MaxGoAppDelay) {
		return &GoAppDelayValueError{Delay: l.cfg.GoAppDelay}
	}

	if err := l.prepareFlash(); err != nil {
		return err
	}
	if err := l.prepareEEPROM(); err != nil {
		return err
	}
	if err := l.prepareDevice(); err != nil {
		return err
	}

	if resolved, _ := device.Lookup(l.deviceType); l.cfg.EEPROMProg && !resolved.HasEEPROM {
		l.log.Warn().
			Str("device", resolved.Name).
			Int("eeprom_pages", len(l.eepPages)).
			Msg("device cannot program eeprom, eeprom pages will be skipped")
	}

	l.dialect = newDialect(l.protocolVersion, l.cth, l.opts, l.tolerate)
	l.s = newSession(len(l.flashPages), len(l.eepPages), l.cfg.FlashProg, l.cfg.EEPROMProg)
	l.stage = l.s.stage()
	l.progTime = device.ProgTime(l.deviceType, len(l.flashPages), len(l.eepPages))

	l.log.Debug().
		Str("device", device.Name(l.deviceType)).
		Int("protocol", l.protocolVersion).
		Int("flash_pages", len(l.flashPages)).
		Int("eeprom_pages", len(l.eepPages)).
		Int("total_steps", l.s.totalSteps).
		Dur("prog_time", l.progTime).
		Msg("session prepared")

	return nil
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (l *Loader) prepareFlash() error {
	if !l.cfg.FlashProg {
		return nil
	}
	pages, size, err := ihex.Load(l.cfg.FlashFile, protocol.PageSize, protocol.FillByte)
	if err != nil {
		l.log.Debug().Err(err).Str("file", l.cfg.FlashFile).Msg("flash image rejected")
		return &FlashIsNotIhexError{Path: l.cfg.FlashFile}
	}
	l.flashPages, l.flashSize = pages, size
	return nil
}

func (l *Loader) prepareEEPROM() error {
	if !l.cfg.EEPROMProg {
		return nil
	}
	pages, size, err := ihex.Load(l.cfg.EEPROMFile, protocol.PageSize, protocol.FillByte)
	if err != nil {
		l.log.Debug().Err(err).Str("file", l.cfg.EEPROMFile).Msg("eeprom image rejected")
		return &EEPROMIsNotIhexError{Path: l.cfg.EEPROMFile}
	}
	l.eepPages, l.eepSize = pages, size
	return nil
}

// prepareDevice probes the board and checks it against the configured
// device. An auto entry is replaced by the detected device.
func (l *Loader) prepareDevice() error {
	ok, version, err := l.cth.ChkProtocol()
	if err != nil {
		return err
	}

	var detected int
	switch {
	case ok && version == protocol.Version1:
		// v1 has no device identity command.
		detected = device.V1Fallback
	case ok && version == protocol.Version2:
		ok, id, err := l.cth.V2ProgChkDevice()
		if err != nil {
			return err
		}
		if !ok {
			return &command.CommError{Command: protocol.CmdProgChkDevice, Err: command.ErrBadReply}
		}
		detected = id
	default:
		return &command.CommError{Command: protocol.CmdChkProtocol, Err: command.ErrBadReply}
	}

	l.log.Debug().
		Int("protocol", version).
		Int("detected", detected).
		Str("detected_name", device.Name(detected)).
		Msg("device probed")

	configured, _ := device.Lookup(l.deviceType)
	switch configured.ProtocolVersion {
	case 0:
		resolved, ok := device.Lookup(detected)
		if !ok || resolved.ProtocolVersion == 0 {
			return &DeviceTypeError{DeviceType: detected}
		}
		if resolved.ProtocolVersion != version {
			return &CheckDeviceError{Expected: l.deviceType, Detected: detected}
		}
		l.deviceType = detected
	case protocol.Version1:
		// m128_v1 and m128_v2 look the same on v1, so only the dialect can
		// be checked.
		if version != protocol.Version1 {
			return &CheckDeviceError{Expected: l.deviceType, Detected: detected}
		}
	default:
		if detected != l.deviceType {
			return &CheckDeviceError{Expected: l.deviceType, Detected: detected}
		}
	}

	resolved, _ := device.Lookup(l.deviceType)
	l.protocolVersion = resolved.ProtocolVersion
	return nil
}

// tolerate drops command failures in best-effort mode.
func (l *Loader) tolerate(err error) error {
	var failed *CommandFailedError
	if l.opts.bestEffort && errors.As(err, &failed) {
		l.log.Warn().Err(err).Int("step", l.s.curStep+1).Msg("command failed, continuing")
		return nil
	}
	return err
}

// DoStep performs the next unit of work: one flash page, one EEPROM page or
// the end command. If it returns an error the cursor is not advanced, and
// the device may be left partially programmed.
func (l *Loader) DoStep() error {
	if l.s.finished {
		return ErrSessionFinished
	}

	var err error
	switch l.s.stage() {
	case StageFlashProg:
		err = l.doFlashProgStep()
	case StageEEPProg:
		err = l.doEEPProgStep()
	case StageEnd:
		err = l.doProgEndStep()
	}
	if err != nil {
		return err
	}

	l.stage = l.s.stage()
	l.reportProgress()
	return nil
}

func (l *Loader) doFlashProgStep() error {
	page := l.flashPages[l.s.flashIdx]

	if !l.s.flashErased {
		if err := l.tolerate(l.dialect.maybeErase(l.s.flashIdx)); err != nil {
			return errors.Wrap(err, "erase flash")
		}
		l.s.flashErased = true
	}

	if err := l.tolerate(l.dialect.writeFlashPage(page)); err != nil {
		return errors.Wrapf(err, "flash page %d at 0x%X", l.s.flashIdx, page.Address)
	}

	l.log.Trace().Int("page", l.s.flashIdx).Uint32("address", page.Address).Msg("flash page written")
	l.s.flashDone()
	return nil
}

func (l *Loader) doEEPProgStep() error {
	page := l.eepPages[l.s.eepIdx]

	if err := l.tolerate(l.dialect.writeEEPROMPage(page)); err != nil {
		return errors.Wrapf(err, "eeprom page %d at 0x%X", l.s.eepIdx, page.Address)
	}

	l.log.Trace().Int("page", l.s.eepIdx).Uint32("address", page.Address).Msg("eeprom page written")
	l.s.eepDone()
	return nil
}

func (l *Loader) doProgEndStep() error {
	if err := l.tolerate(l.dialect.finalize(l.cfg.GoApp, uint16(l.cfg.GoAppDelay))); err != nil {
		return errors.Wrap(err, "end programming")
	}

	l.log.Debug().Bool("go_app", l.cfg.GoApp).Msg("programming finished")
	l.s.endDone()
	return nil
}

// Run calls DoStep until the session finishes, checking ctx between steps.
func (l *Loader) Run(ctx context.Context) error {
	for !l.s.finished {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := l.DoStep(); err != nil {
			return err
		}
	}
	return nil
}

// Stage returns the current stage.
func (l *Loader) Stage() Stage {
	return l.stage
}

// DeviceType returns the device index, resolved if auto-detection was used.
func (l *Loader) DeviceType() int {
	return l.deviceType
}

// DeviceName returns the device table name of DeviceType.
func (l *Loader) DeviceName() string {
	return device.Name(l.deviceType)
}

// ProtocolVersion returns the bootloader dialect in use.
func (l *Loader) ProtocolVersion() int {
	return l.protocolVersion
}

// TotalSteps is the number of DoStep calls the session needs.
func (l *Loader) TotalSteps() int {
	return l.s.totalSteps
}

// CurrentStep is the number of steps completed so far.
func (l *Loader) CurrentStep() int {
	return l.s.curStep
}

// FlashSize is the flash image size in bytes before padding.
func (l *Loader) FlashSize() int {
	return l.flashSize
}

// EEPROMSize is the EEPROM image size in bytes before padding.
func (l *Loader) EEPROMSize() int {
	return l.eepSize
}

func (l *Loader) FlashPages() int {
	return len(l.flashPages)
}

func (l *Loader) EEPROMPages() int {
	return len(l.eepPages)
}

// ProgTime is the estimated programming duration. It is advisory only.
func (l *Loader) ProgTime() time.Duration {
	return l.progTime
}

// Finished reports whether the end step has run.
func (l *Loader) Finished() bool {
	return l.s.finished
}

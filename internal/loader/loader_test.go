package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/asaloader/asaloader/internal/alp"
	"github.com/asaloader/asaloader/internal/command"
	"github.com/asaloader/asaloader/internal/device"
	"github.com/asaloader/asaloader/internal/mockdev"
	"github.com/asaloader/asaloader/internal/protocol"
)

// hexImage returns an Intel HEX image covering n full pages from address 0.
// Byte i of the image is byte(i).
func hexImage(n int) string {
	var sb strings.Builder
	for addr := 0; addr < n*protocol.PageSize; addr += 16 {
		rec := []byte{16, byte(addr >> 8), byte(addr), 0x00}
		for i := 0; i < 16; i++ {
			rec = append(rec, byte(addr+i))
		}
		var sum byte
		for _, b := range rec {
			sum += b
		}
		fmt.Fprintf(&sb, ":%X%02X\n", rec, -sum)
	}
	sb.WriteString(":00000001FF\n")
	return sb.String()
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func testOptions(clock *mockdev.Clock) []Option {
	return []Option{WithClock(clock)}
}

func newTestLoader(t *testing.T, dev *mockdev.Device, cfg Config, opts ...Option) *Loader {
	t.Helper()
	opts = append(testOptions(mockdev.NewClock(time.Millisecond)), opts...)
	l, err := New(dev, cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

func runAll(t *testing.T, l *Loader) {
	t.Helper()
	for i := 0; i < l.TotalSteps(); i++ {
		if err := l.DoStep(); err != nil {
			t.Fatalf("DoStep() #%d error = %v", i+1, err)
		}
	}
}

func TestNew_DeviceTypeOutOfRange(t *testing.T) {
	for _, idx := range []int{-1, device.Count(), 42} {
		dev := mockdev.NewV2(4)
		_, err := New(dev, Config{DeviceType: idx})
		var typeErr *DeviceTypeError
		if !errors.As(err, &typeErr) || typeErr.DeviceType != idx {
			t.Errorf("New(device %d) error = %v, want *DeviceTypeError", idx, err)
		}
		if len(dev.Requests) != 0 {
			t.Errorf("New(device %d) talked to the device", idx)
		}
	}
}

func TestNew_MissingFiles(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.hex")

	tests := []struct {
		descr string
		cfg   Config
	}{
		{"flash", Config{DeviceType: device.M3V1, FlashProg: true, FlashFile: missing}},
		{"eeprom", Config{DeviceType: device.M3V1, EEPROMProg: true, EEPROMFile: missing}},
		{"directory", Config{DeviceType: device.M3V1, FlashProg: true, FlashFile: t.TempDir()}},
	}

	for _, tc := range tests {
		dev := mockdev.NewV2(device.M3V1)
		_, err := New(dev, tc.cfg)
		if !errors.Is(err, ErrFileNotFound) {
			t.Errorf("%s: New() error = %v, want %v", tc.descr, err, ErrFileNotFound)
		}
		if len(dev.Requests) != 0 {
			t.Errorf("%s: New() talked to the device", tc.descr)
		}
	}
}

func TestNew_GoAppDelayRange(t *testing.T) {
	path := writeFile(t, "app.hex", hexImage(1))

	for _, delay := range []int{65536, -1, 100000} {
		dev := mockdev.NewV2(device.M3V1)
		_, err := New(dev, Config{
			DeviceType: device.M3V1,
			FlashProg:  true,
			FlashFile:  path,
			GoApp:      true,
			GoAppDelay: delay,
		})
		var delayErr *GoAppDelayValueError
		if !errors.As(err, &delayErr) || delayErr.Delay != delay {
			t.Errorf("New(delay %d) error = %v, want *GoAppDelayValueError", delay, err)
		}
		if len(dev.Requests) != 0 {
			t.Errorf("New(delay %d) sent %d packets before failing", delay, len(dev.Requests))
		}
	}

	// The delay is only checked when the go-app jump is requested.
	l := newTestLoader(t, mockdev.NewV2(device.M3V1), Config{
		DeviceType: device.M3V1,
		FlashProg:  true,
		FlashFile:  path,
		GoAppDelay: 65536,
	})
	if l.TotalSteps() != 2 {
		t.Errorf("TotalSteps() = %d, want 2", l.TotalSteps())
	}
}

func TestNew_NotIhex(t *testing.T) {
	bad := writeFile(t, "bad.hex", "this is not intel hex\n")
	good := writeFile(t, "good.hex", hexImage(1))

	_, err := New(mockdev.NewV2(device.M3V1), Config{DeviceType: device.M3V1, FlashProg: true, FlashFile: bad})
	var flashErr *FlashIsNotIhexError
	if !errors.As(err, &flashErr) || flashErr.Path != bad {
		t.Errorf("New(bad flash) error = %v, want *FlashIsNotIhexError", err)
	}

	_, err = New(mockdev.NewV2(device.M3V1), Config{
		DeviceType: device.M3V1,
		FlashProg:  true, FlashFile: good,
		EEPROMProg: true, EEPROMFile: bad,
	})
	var eepErr *EEPROMIsNotIhexError
	if !errors.As(err, &eepErr) || eepErr.Path != bad {
		t.Errorf("New(bad eeprom) error = %v, want *EEPROMIsNotIhexError", err)
	}
}

func TestNew_SilentDevice(t *testing.T) {
	path := writeFile(t, "app.hex", hexImage(1))
	_, err := New(&mockdev.Device{}, Config{DeviceType: device.M3V1, FlashProg: true, FlashFile: path},
		testOptions(mockdev.NewClock(100*time.Millisecond))...)

	var commErr *command.CommError
	if !errors.As(err, &commErr) || !errors.Is(err, command.ErrTimeout) {
		t.Errorf("New() on silent device error = %v, want CommError timeout", err)
	}
}

func TestNew_UnknownProtocolReply(t *testing.T) {
	dev := &mockdev.Device{}
	dev.Script = func(req alp.Packet) ([]byte, bool) {
		return alp.Encode(protocol.CmdAck2, []byte("??")), true
	}
	_, err := New(dev, Config{DeviceType: device.Auto}, testOptions(mockdev.NewClock(time.Millisecond))...)
	if !errors.Is(err, command.ErrBadReply) {
		t.Errorf("New() error = %v, want %v", err, command.ErrBadReply)
	}
}

func TestNew_ChkDeviceFails(t *testing.T) {
	dev := mockdev.NewV2(device.M3V1)
	dev.Fail = map[byte]byte{protocol.CmdProgChkDevice: 0x01}
	_, err := New(dev, Config{DeviceType: device.M3V1}, testOptions(mockdev.NewClock(time.Millisecond))...)

	var commErr *command.CommError
	if !errors.As(err, &commErr) || commErr.Command != protocol.CmdProgChkDevice {
		t.Errorf("New() error = %v, want CommError on PROG_CHK_DEVICE", err)
	}
}

func TestNew_DeviceResolution(t *testing.T) {
	tests := []struct {
		descr      string
		configured int
		dev        *mockdev.Device
		wantType   int
		wantProto  int
		wantErr    bool
	}{
		{"auto on v2 m3", device.Auto, mockdev.NewV2(device.M3V1), device.M3V1, 2, false},
		{"auto on v2 m128_v3", device.Auto, mockdev.NewV2(device.M128V3), device.M128V3, 2, false},
		{"auto on v1 uses fallback", device.Auto, mockdev.NewV1(), device.M128V2, 1, false},
		{"auto on v2 with unknown id", device.Auto, mockdev.NewV2(9), 0, 0, true},
		{"auto on v2 claiming a v1 board", device.Auto, mockdev.NewV2(device.M128V1), 0, 0, true},
		{"m128_v1 on v1", device.M128V1, mockdev.NewV1(), device.M128V1, 1, false},
		{"m128_v2 on v1", device.M128V2, mockdev.NewV1(), device.M128V2, 1, false},
		{"m128_v1 on v2", device.M128V1, mockdev.NewV2(device.M128V3), 0, 0, true},
		{"m3 on v2 m3", device.M3V1, mockdev.NewV2(device.M3V1), device.M3V1, 2, false},
		{"m3 on v2 m128_v3", device.M3V1, mockdev.NewV2(device.M128V3), 0, 0, true},
		{"m128_v3 on v1", device.M128V3, mockdev.NewV1(), 0, 0, true},
	}

	for _, tc := range tests {
		l, err := New(tc.dev, Config{DeviceType: tc.configured}, testOptions(mockdev.NewClock(time.Millisecond))...)
		if tc.wantErr {
			var checkErr *CheckDeviceError
			var typeErr *DeviceTypeError
			if !errors.As(err, &checkErr) && !errors.As(err, &typeErr) {
				t.Errorf("%s: New() error = %v, want device check error", tc.descr, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: New() error = %v", tc.descr, err)
			continue
		}
		if l.DeviceType() != tc.wantType {
			t.Errorf("%s: DeviceType() = %d, want %d", tc.descr, l.DeviceType(), tc.wantType)
		}
		if l.ProtocolVersion() != tc.wantProto {
			t.Errorf("%s: ProtocolVersion() = %d, want %d", tc.descr, l.ProtocolVersion(), tc.wantProto)
		}
	}
}

func TestCheckDeviceError_CarriesBoth(t *testing.T) {
	_, err := New(mockdev.NewV2(device.M128V3), Config{DeviceType: device.M3V1},
		testOptions(mockdev.NewClock(time.Millisecond))...)

	var checkErr *CheckDeviceError
	if !errors.As(err, &checkErr) {
		t.Fatalf("New() error = %v, want *CheckDeviceError", err)
	}
	if checkErr.Expected != device.M3V1 || checkErr.Detected != device.M128V3 {
		t.Errorf("CheckDeviceError = %+v, want expected %d detected %d", checkErr, device.M3V1, device.M128V3)
	}
	if !strings.Contains(err.Error(), "asa_m3_v1") || !strings.Contains(err.Error(), "asa_m128_v3") {
		t.Errorf("error message %q does not name both devices", err.Error())
	}
}

func TestTotalSteps(t *testing.T) {
	flash := writeFile(t, "flash.hex", hexImage(5))
	eep := writeFile(t, "eep.hex", hexImage(2))

	tests := []struct {
		descr    string
		flash    bool
		eeprom   bool
		expected int
		stage    Stage
	}{
		{"flash only", true, false, 6, StageFlashProg},
		{"eeprom only", false, true, 3, StageEEPProg},
		{"both", true, true, 8, StageFlashProg},
		{"neither", false, false, 1, StageEnd},
	}

	for _, tc := range tests {
		l := newTestLoader(t, mockdev.NewV2(device.M128V3), Config{
			DeviceType: device.M128V3,
			FlashProg:  tc.flash, FlashFile: flash,
			EEPROMProg: tc.eeprom, EEPROMFile: eep,
		})
		if l.TotalSteps() != tc.expected {
			t.Errorf("%s: TotalSteps() = %d, want %d", tc.descr, l.TotalSteps(), tc.expected)
		}
		if l.Stage() != tc.stage {
			t.Errorf("%s: Stage() = %v, want %v", tc.descr, l.Stage(), tc.stage)
		}
	}
}

func TestSizesAndProgTime(t *testing.T) {
	flash := writeFile(t, "flash.hex", hexImage(10))
	l := newTestLoader(t, mockdev.NewV2(device.M3V1), Config{
		DeviceType: device.M3V1,
		FlashProg:  true,
		FlashFile:  flash,
	})

	if l.FlashSize() != 10*protocol.PageSize {
		t.Errorf("FlashSize() = %d, want %d", l.FlashSize(), 10*protocol.PageSize)
	}
	if l.FlashPages() != 10 || l.EEPROMPages() != 0 || l.EEPROMSize() != 0 {
		t.Errorf("pages = (%d, %d), eeprom size %d", l.FlashPages(), l.EEPROMPages(), l.EEPROMSize())
	}
	if l.ProgTime() != 5230*time.Millisecond {
		t.Errorf("ProgTime() = %v, want 5.23s", l.ProgTime())
	}
}

func TestProgTime_AutoUsesResolvedDevice(t *testing.T) {
	flash := writeFile(t, "flash.hex", hexImage(10))
	l := newTestLoader(t, mockdev.NewV2(device.M128V3), Config{
		DeviceType: device.Auto,
		FlashProg:  true,
		FlashFile:  flash,
	})
	want := 10*47*time.Millisecond + 230*time.Millisecond
	if l.ProgTime() != want {
		t.Errorf("ProgTime() = %v, want %v", l.ProgTime(), want)
	}
	if l.DeviceName() != "asa_m128_v3" {
		t.Errorf("DeviceName() = %q, want asa_m128_v3", l.DeviceName())
	}
}

func TestDoStep_V2FlashAndEEPROM(t *testing.T) {
	flash := writeFile(t, "flash.hex", hexImage(3))
	eep := writeFile(t, "eep.hex", hexImage(2))
	dev := mockdev.NewV2(device.M128V3)

	l := newTestLoader(t, dev, Config{
		DeviceType: device.M128V3,
		FlashProg:  true, FlashFile: flash,
		EEPROMProg: true, EEPROMFile: eep,
	})

	var stages []Stage
	prev := l.Stage()
	for i := 0; i < l.TotalSteps(); i++ {
		before := l.CurrentStep()
		if err := l.DoStep(); err != nil {
			t.Fatalf("DoStep() #%d error = %v", i+1, err)
		}
		if l.CurrentStep() != before+1 {
			t.Fatalf("CurrentStep() = %d after step from %d", l.CurrentStep(), before)
		}
		if l.Stage() < prev {
			t.Fatalf("stage moved backward from %v to %v", prev, l.Stage())
		}
		prev = l.Stage()
		stages = append(stages, l.Stage())
	}

	wantStages := []Stage{StageFlashProg, StageFlashProg, StageEEPProg, StageEEPProg, StageEnd, StageEnd}
	for i := range wantStages {
		if stages[i] != wantStages[i] {
			t.Errorf("stage after step %d = %v, want %v", i+1, stages[i], wantStages[i])
		}
	}

	if !l.Finished() {
		t.Errorf("Finished() = false after all steps")
	}
	if dev.EraseCount != 1 {
		t.Errorf("device erased %d times, want 1", dev.EraseCount)
	}
	if len(dev.Flash) != 3 || len(dev.EEPROM) != 2 {
		t.Errorf("device got %d flash and %d eeprom pages, want 3 and 2", len(dev.Flash), len(dev.EEPROM))
	}
	for _, addr := range []uint32{0x000, 0x100, 0x200} {
		page, ok := dev.Flash[addr]
		if !ok || len(page) != protocol.PageSize || page[1] != byte(addr+1) {
			t.Errorf("flash page at 0x%X missing or wrong", addr)
		}
	}
	if !dev.Ended || dev.WentToApp {
		t.Errorf("device Ended = %v, WentToApp = %v, want true, false", dev.Ended, dev.WentToApp)
	}
}

func TestDoStep_EraseOnlyBeforeFirstPage(t *testing.T) {
	flash := writeFile(t, "flash.hex", hexImage(4))
	dev := mockdev.NewV2(device.M3V1)
	l := newTestLoader(t, dev, Config{DeviceType: device.M3V1, FlashProg: true, FlashFile: flash})
	runAll(t, l)

	var seq []byte
	for _, c := range dev.Commands() {
		if c == protocol.CmdFlashEraseAll || c == protocol.CmdFlashWrite {
			seq = append(seq, c)
		}
	}
	want := []byte{
		protocol.CmdFlashEraseAll,
		protocol.CmdFlashWrite, protocol.CmdFlashWrite, protocol.CmdFlashWrite, protocol.CmdFlashWrite,
	}
	if !bytes.Equal(seq, want) {
		t.Errorf("flash command sequence = %v, want %v", seq, want)
	}
}

func TestDoStep_GoApp(t *testing.T) {
	flash := writeFile(t, "flash.hex", hexImage(1))
	dev := mockdev.NewV2(device.M3V1)
	l := newTestLoader(t, dev, Config{
		DeviceType: device.M3V1,
		FlashProg:  true,
		FlashFile:  flash,
		GoApp:      true,
		GoAppDelay: 65535,
	})
	runAll(t, l)

	if !dev.WentToApp {
		t.Errorf("device did not jump to the application")
	}
	if dev.GoAppDelay != 65535 {
		t.Errorf("device go-app delay = %d, want 65535", dev.GoAppDelay)
	}
	if dev.Count(protocol.CmdProgEnd) != 0 {
		t.Errorf("PROG_END sent together with PROG_END_AND_GO_APP")
	}

	cmds := dev.Commands()
	n := len(cmds)
	if cmds[n-2] != protocol.CmdProgSetGoAppDelay || cmds[n-1] != protocol.CmdProgEndAndGoApp {
		t.Errorf("final commands = %v, want set delay then end-and-go", cmds[n-2:])
	}
}

func TestDoStep_V1(t *testing.T) {
	flash := writeFile(t, "flash.hex", hexImage(3))
	eep := writeFile(t, "eep.hex", hexImage(2))
	dev := mockdev.NewV1()
	clock := mockdev.NewClock(time.Millisecond)

	l, err := New(dev, Config{
		DeviceType: device.M128V1,
		FlashProg:  true, FlashFile: flash,
		EEPROMProg: true, EEPROMFile: eep,
		GoApp: true,
	}, WithClock(clock))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// EEPROM pages still count on v1 even though nothing is written.
	if l.TotalSteps() != 3+2+1 {
		t.Errorf("TotalSteps() = %d, want 6", l.TotalSteps())
	}
	runAll(t, l)

	if len(dev.FlashV1) != 3 {
		t.Errorf("device got %d flash pages, want 3", len(dev.FlashV1))
	}
	if dev.Count(protocol.CmdEEPROMWrite) != 0 || dev.Count(protocol.CmdFlashEraseAll) != 0 {
		t.Errorf("v2 commands sent to a v1 board: %v", dev.Commands())
	}
	if !dev.Ended || dev.WentToApp {
		t.Errorf("device Ended = %v, WentToApp = %v, want true, false", dev.Ended, dev.WentToApp)
	}

	sleeps := clock.Sleeps()
	if len(sleeps) != 3 {
		t.Fatalf("clock slept %d times, want 3", len(sleeps))
	}
	for _, d := range sleeps {
		if d != DefaultV1WriteDelay {
			t.Errorf("v1 write delay = %v, want %v", d, DefaultV1WriteDelay)
		}
	}
}

func TestNew_WarnsWhenDeviceHasNoEEPROM(t *testing.T) {
	eep := writeFile(t, "eep.hex", hexImage(1))

	tests := []struct {
		descr string
		dev   *mockdev.Device
		typ   int
		warn  bool
	}{
		{"v1 board", mockdev.NewV1(), device.M128V1, true},
		{"v2 board", mockdev.NewV2(device.M128V3), device.M128V3, false},
	}

	for _, tc := range tests {
		var buf bytes.Buffer
		_, err := New(tc.dev, Config{DeviceType: tc.typ, EEPROMProg: true, EEPROMFile: eep},
			WithClock(mockdev.NewClock(time.Millisecond)),
			WithLogger(zerolog.New(&buf).Level(zerolog.WarnLevel)),
		)
		if err != nil {
			t.Fatalf("%s: New() error = %v", tc.descr, err)
		}
		got := strings.Contains(buf.String(), "cannot program eeprom")
		if got != tc.warn {
			t.Errorf("%s: eeprom warning logged = %v, want %v (log %q)", tc.descr, got, tc.warn, buf.String())
		}
	}
}

func TestDoStep_V1WriteDelayOption(t *testing.T) {
	flash := writeFile(t, "flash.hex", hexImage(2))
	clock := mockdev.NewClock(time.Millisecond)
	l, err := New(mockdev.NewV1(), Config{DeviceType: device.M128V2, FlashProg: true, FlashFile: flash},
		WithClock(clock), WithV1WriteDelay(0), WithTimeout(time.Second))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	runAll(t, l)
	for _, d := range clock.Sleeps() {
		if d != 0 {
			t.Errorf("v1 write delay = %v, want 0", d)
		}
	}
}

func TestDoStep_AfterFinish(t *testing.T) {
	l := newTestLoader(t, mockdev.NewV2(device.M3V1), Config{DeviceType: device.M3V1})
	if err := l.DoStep(); err != nil {
		t.Fatalf("DoStep() error = %v", err)
	}
	if err := l.DoStep(); !errors.Is(err, ErrSessionFinished) {
		t.Errorf("DoStep() after finish error = %v, want %v", err, ErrSessionFinished)
	}
	if l.CurrentStep() != 1 {
		t.Errorf("CurrentStep() = %d, want 1", l.CurrentStep())
	}
}

func TestDoStep_CommandFailureStopsCursor(t *testing.T) {
	flash := writeFile(t, "flash.hex", hexImage(2))
	dev := mockdev.NewV2(device.M3V1)
	l := newTestLoader(t, dev, Config{DeviceType: device.M3V1, FlashProg: true, FlashFile: flash})

	dev.Fail = map[byte]byte{protocol.CmdFlashWrite: 0x07}
	err := l.DoStep()

	var failed *CommandFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("DoStep() error = %v, want *CommandFailedError", err)
	}
	if failed.Command != protocol.CmdFlashWrite || failed.Status != 0x07 {
		t.Errorf("CommandFailedError = %+v, want FLASH_WRITE status 0x07", failed)
	}
	if l.CurrentStep() != 0 {
		t.Errorf("CurrentStep() = %d after failed step, want 0", l.CurrentStep())
	}

	// Retrying the page must not erase the chip a second time.
	dev.Fail = nil
	runAll(t, l)
	if dev.EraseCount != 1 {
		t.Errorf("device erased %d times, want 1", dev.EraseCount)
	}
}

func TestDoStep_BestEffort(t *testing.T) {
	flash := writeFile(t, "flash.hex", hexImage(3))
	dev := mockdev.NewV2(device.M3V1)
	l := newTestLoader(t, dev, Config{
		DeviceType: device.M3V1,
		FlashProg:  true,
		FlashFile:  flash,
		GoApp:      true,
	}, WithBestEffort(true))

	dev.Fail = map[byte]byte{
		protocol.CmdFlashWrite:        0x01,
		protocol.CmdProgSetGoAppDelay: 0x01,
	}
	runAll(t, l)

	if !l.Finished() || l.CurrentStep() != 4 {
		t.Errorf("Finished() = %v, CurrentStep() = %d, want true, 4", l.Finished(), l.CurrentStep())
	}
	if !dev.WentToApp {
		t.Errorf("end-and-go skipped after a tolerated delay failure")
	}
}

func TestDoStep_MalformedReply(t *testing.T) {
	eep := writeFile(t, "eep.hex", hexImage(1))
	dev := mockdev.NewV2(device.M3V1)
	l := newTestLoader(t, dev, Config{DeviceType: device.M3V1, EEPROMProg: true, EEPROMFile: eep})

	// Success status but no count after it.
	dev.Script = func(req alp.Packet) ([]byte, bool) {
		if req.Command == protocol.CmdEEPROMWrite {
			return alp.Encode(req.Command, []byte{protocol.StatusOK}), true
		}
		return nil, false
	}

	err := l.DoStep()
	var failed *CommandFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("DoStep() error = %v, want *CommandFailedError", err)
	}
	if !failed.Malformed {
		t.Errorf("CommandFailedError.Malformed = false, want true")
	}
	if !strings.Contains(err.Error(), "malformed reply") || strings.Contains(err.Error(), "failed: ok") {
		t.Errorf("error message %q does not report a malformed reply", err.Error())
	}
	if l.CurrentStep() != 0 {
		t.Errorf("CurrentStep() = %d, want 0", l.CurrentStep())
	}
}

func TestCommandFailedError_Status(t *testing.T) {
	dev := mockdev.NewV2(device.M3V1)
	dev.Fail = map[byte]byte{protocol.CmdProgEnd: 0x03}
	l := newTestLoader(t, dev, Config{DeviceType: device.M3V1})

	err := l.DoStep()
	var failed *CommandFailedError
	if !errors.As(err, &failed) || failed.Malformed || failed.Status != 0x03 {
		t.Fatalf("DoStep() error = %v, want status 0x03 failure", err)
	}
	if !strings.Contains(err.Error(), "device error 0x03") {
		t.Errorf("error message %q does not carry the status", err.Error())
	}
}

func TestDoStep_TimeoutIsNotTolerated(t *testing.T) {
	flash := writeFile(t, "flash.hex", hexImage(2))
	dev := mockdev.NewV2(device.M3V1)
	l := newTestLoader(t, dev, Config{DeviceType: device.M3V1, FlashProg: true, FlashFile: flash}, WithBestEffort(true))

	dev.Mute = map[byte]bool{protocol.CmdFlashWrite: true}
	err := l.DoStep()
	if !errors.Is(err, command.ErrTimeout) {
		t.Errorf("DoStep() error = %v, want %v", err, command.ErrTimeout)
	}
	if l.CurrentStep() != 0 {
		t.Errorf("CurrentStep() = %d, want 0", l.CurrentStep())
	}
}

func TestDoStep_V1ProgEndBadAck(t *testing.T) {
	dev := mockdev.NewV1()
	l := newTestLoader(t, dev, Config{DeviceType: device.M128V2})

	dev.Script = func(req alp.Packet) ([]byte, bool) {
		if req.Command == protocol.CmdData && len(req.Data) == 0 {
			return alp.Encode(protocol.CmdAck1, []byte("OK!!")), true
		}
		return nil, false
	}
	var failed *CommandFailedError
	if err := l.DoStep(); !errors.As(err, &failed) || failed.Reply != protocol.CmdAck1 {
		t.Errorf("DoStep() error = %v, want *CommandFailedError with ACK1 reply", err)
	}
}

func TestProgressCallback(t *testing.T) {
	flash := writeFile(t, "flash.hex", hexImage(2))
	l := newTestLoader(t, mockdev.NewV2(device.M3V1), Config{DeviceType: device.M3V1, FlashProg: true, FlashFile: flash})

	var calls [][2]int
	l.SetProgressCallback(func(current, total int) {
		calls = append(calls, [2]int{current, total})
	})
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := [][2]int{{1, 3}, {2, 3}, {3, 3}}
	if len(calls) != len(want) {
		t.Fatalf("progress calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("progress call %d = %v, want %v", i, calls[i], want[i])
		}
	}
}

func TestRun_Cancelled(t *testing.T) {
	flash := writeFile(t, "flash.hex", hexImage(2))
	dev := mockdev.NewV2(device.M3V1)
	l := newTestLoader(t, dev, Config{DeviceType: device.M3V1, FlashProg: true, FlashFile: flash})

	ctx, cancel := context.WithCancel(context.Background())
	l.SetProgressCallback(func(current, total int) {
		if current == 1 {
			cancel()
		}
	})
	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want %v", err, context.Canceled)
	}
	if l.CurrentStep() != 1 || l.Finished() {
		t.Errorf("CurrentStep() = %d, Finished() = %v, want 1, false", l.CurrentStep(), l.Finished())
	}
}

func TestStageString(t *testing.T) {
	tests := map[Stage]string{
		StagePrepare:   "prepare",
		StageFlashProg: "flash",
		StageEEPProg:   "eeprom",
		StageEnd:       "end",
		Stage(9):       "stage(9)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("Stage(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}

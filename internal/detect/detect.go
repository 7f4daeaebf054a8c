package detect

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/asaloader/asaloader/internal/command"
	"github.com/asaloader/asaloader/internal/device"
	"github.com/asaloader/asaloader/internal/protocol"
	"github.com/asaloader/asaloader/internal/serial"
)

// ProbeTimeout is the reply timeout used while scanning. Ports without a
// bootloader never answer, so it is shorter than the programming timeout.
const ProbeTimeout = time.Second

// ErrNotBootloader is returned when a port answers but not as an ASA
// bootloader.
var ErrNotBootloader = errors.New("not an ASA bootloader")

// Result represents a detected board.
type Result struct {
	Port       string
	Protocol   int
	DeviceID   int
	DeviceName string
}

// DetectDevice returns the first board found on the available ports.
func DetectDevice(baudRate int, log zerolog.Logger) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate, log)
		if err != nil {
			log.Debug().Err(err).Str("port", portName).Msg("no bootloader")
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no ASA board found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no ASA board found")
}

// DetectOnPort probes a specific port.
func DetectOnPort(portName string, baudRate int, log zerolog.Logger) (*Result, error) {
	return tryPort(portName, baudRate, log)
}

// ListDevices scans all ports and returns every board that answered.
func ListDevices(baudRate int, log zerolog.Logger) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate, log)
		if err != nil {
			log.Debug().Err(err).Str("port", portName).Msg("no bootloader")
			continue
		}
		results = append(results, *result)
	}

	return results, nil
}

func tryPort(portName string, baudRate int, log zerolog.Logger) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	result, err := Probe(port,
		command.WithTimeout(ProbeTimeout),
		command.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	result.Port = portName
	return result, nil
}

// Probe asks the bootloader on rw for its protocol version and, on v2, its
// device id. A v1 board cannot identify itself and is reported as the v1
// fallback device.
func Probe(rw io.ReadWriter, opts ...command.Option) (*Result, error) {
	h := command.New(rw, opts...)

	ok, version, err := h.ChkProtocol()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotBootloader
	}

	result := &Result{Protocol: version}
	switch version {
	case protocol.Version1:
		result.DeviceID = device.V1Fallback
	case protocol.Version2:
		ok, id, err := h.V2ProgChkDevice()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("device id query rejected: %w", ErrNotBootloader)
		}
		result.DeviceID = id
	default:
		return nil, fmt.Errorf("unsupported protocol version %d: %w", version, ErrNotBootloader)
	}

	result.DeviceName = device.Name(result.DeviceID)
	return result, nil
}

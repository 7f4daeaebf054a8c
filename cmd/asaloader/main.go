package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/asaloader/asaloader/internal/detect"
	"github.com/asaloader/asaloader/internal/device"
	"github.com/asaloader/asaloader/internal/loader"
	"github.com/asaloader/asaloader/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultBaudRate = 115200

var (
	portFlag       string
	baudFlag       int
	deviceFlag     string
	flashFlag      string
	eepromFlag     string
	goAppFlag      bool
	goAppDelayFlag int
	bestEffortFlag bool
	verboseFlag    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "asaloader",
		Short: "Program ASA boards over their serial bootloader",
		Long: `asaloader programs Intel HEX images into the flash and EEPROM of ASA
series boards (asa_m128, asa_m3) through their serial bootloader.

Both bootloader protocol versions are supported. The protocol and, on
version 2 boards, the board type are detected before programming.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Verbose logging")

	// Prog command
	progCmd := &cobra.Command{
		Use:   "prog",
		Short: "Program flash and/or EEPROM",
		Long: `Program a board.

At least one of --flash and --eeprom is usually given. Without either,
only the end-of-programming command is sent, which can be combined with
--after-prog-go-app to start the application already on the board.`,
		Args: cobra.NoArgs,
		RunE: runProg,
	}
	progCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	progCmd.Flags().IntVarP(&baudFlag, "baud", "b", defaultBaudRate, "Baud rate")
	progCmd.Flags().StringVarP(&deviceFlag, "device", "d", "auto", "Device name or index (see print-devices)")
	progCmd.Flags().StringVarP(&flashFlag, "flash", "f", "", "Flash image (Intel HEX)")
	progCmd.Flags().StringVarP(&eepromFlag, "eeprom", "e", "", "EEPROM image (Intel HEX)")
	progCmd.Flags().BoolVarP(&goAppFlag, "after-prog-go-app", "a", false, "Start the application after programming")
	progCmd.Flags().IntVarP(&goAppDelayFlag, "go-app-delay", "D", 50, "Delay in ms before the application starts")
	progCmd.Flags().BoolVar(&bestEffortFlag, "best-effort", false, "Continue past commands the board rejects")

	// Print-devices command
	printDevicesCmd := &cobra.Command{
		Use:   "print-devices",
		Short: "List supported devices",
		Run: func(cmd *cobra.Command, args []string) {
			printDevices()
		},
	}

	// Info command
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show board info",
		Long:  "Detect and show information about connected ASA boards.",
		RunE:  runInfo,
	}
	infoCmd.Flags().StringVarP(&portFlag, "port", "p", "", "Serial port (scan all if not specified)")
	infoCmd.Flags().IntVarP(&baudFlag, "baud", "b", defaultBaudRate, "Baud rate")

	// List command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("asaloader %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(progCmd, printDevicesCmd, infoCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verboseFlag {
		level = zerolog.DebugLevel
	}
	out := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.TimeOnly,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func runProg(cmd *cobra.Command, args []string) error {
	log := newLogger()

	deviceType, err := device.Parse(deviceFlag)
	if err != nil {
		return err
	}

	cfg := loader.Config{
		DeviceType: deviceType,
		FlashProg:  flashFlag != "",
		FlashFile:  flashFlag,
		EEPROMProg: eepromFlag != "",
		EEPROMFile: eepromFlag,
		GoApp:      goAppFlag,
		GoAppDelay: goAppDelayFlag,
	}

	// Find or use specified port
	portName := portFlag
	if portName == "" {
		fmt.Println("Detecting board...")
		result, err := detect.DetectDevice(baudFlag, log)
		if err != nil {
			return fmt.Errorf("board detection failed: %w", err)
		}
		portName = result.Port
		fmt.Printf("Found %s on %s\n", result.DeviceName, result.Port)
	}

	port, err := serial.Open(portName, baudFlag)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()

	fmt.Printf("Port: %s @ %d baud\n", port.PortName(), port.BaudRate())

	l, err := loader.New(port, cfg,
		loader.WithLogger(log),
		loader.WithBestEffort(bestEffortFlag),
	)
	if err != nil {
		return err
	}

	fmt.Printf("Device: %s (protocol v%d)\n", l.DeviceName(), l.ProtocolVersion())
	if cfg.FlashProg {
		fmt.Printf("Flash:  %s (%d bytes, %d pages)\n", cfg.FlashFile, l.FlashSize(), l.FlashPages())
	}
	if cfg.EEPROMProg {
		fmt.Printf("EEPROM: %s (%d bytes, %d pages)\n", cfg.EEPROMFile, l.EEPROMSize(), l.EEPROMPages())
	}
	fmt.Printf("Estimated time: %.2f s\n", l.ProgTime().Seconds())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar = progressbar.NewOptions(l.TotalSteps(),
			progressbar.OptionSetDescription("Programming"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowBytes(false),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	stage := l.Stage()
	l.SetProgressCallback(func(current, total int) {
		if bar != nil {
			bar.Set(current)
		}
		if l.Stage() != stage {
			log.Debug().Stringer("from", stage).Stringer("to", l.Stage()).Int("step", current).Msg("stage done")
			stage = l.Stage()
		}
	})

	start := time.Now()
	if err := l.Run(ctx); err != nil {
		if bar != nil {
			bar.Exit()
		}
		return fmt.Errorf("programming failed at step %d/%d: %w", l.CurrentStep()+1, l.TotalSteps(), err)
	}
	if bar != nil {
		bar.Finish()
	}

	fmt.Printf("\nProgramming complete in %.2f s\n", time.Since(start).Seconds())
	if cfg.GoApp && l.ProtocolVersion() == 2 {
		fmt.Printf("Application starts in %d ms\n", cfg.GoAppDelay)
	}
	return nil
}

func printDevices() {
	fmt.Println("Supported devices:")
	fmt.Printf("  %-3s %-14s %-9s %s\n", "#", "name", "protocol", "flash/page")
	for _, d := range device.All() {
		if d.ProtocolVersion == 0 {
			fmt.Printf("  %-3d %-14s %-9s %s\n", d.Index, d.Name, "-", "detect from board")
			continue
		}
		fmt.Printf("  %-3d %-14s v%-8d %v\n", d.Index, d.Name, d.ProtocolVersion, d.FlashPageTime)
	}
}

func runInfo(cmd *cobra.Command, args []string) error {
	log := newLogger()

	if portFlag != "" {
		// Check specific port
		result, err := detect.DetectOnPort(portFlag, baudFlag, log)
		if err != nil {
			return fmt.Errorf("failed to detect board on %s: %w", portFlag, err)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for ASA boards...")
	devices, err := detect.ListDevices(baudFlag, log)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No ASA boards found")
		return nil
	}

	fmt.Printf("Found %d board(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Board %d:\n", i+1)
		printDeviceInfo(&d)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:      %s\n", d.Port)
	fmt.Printf("  Protocol:  v%d\n", d.Protocol)
	fmt.Printf("  Device:    %s\n", d.DeviceName)
	if d.Protocol == 1 {
		fmt.Println("  Note:      v1 boards cannot report their type")
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPortDetails()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}

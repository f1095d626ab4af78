// Command ble-demo scans for TouchDetect sensors, connects to one by name
// and prints a few samples.
//
// Usage:
//
//	go run ./cmd/ble-demo [-device PWRON1] [-samples 20] [-rate 100ms] [-logfile ble.log]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/pkg/config"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/logger"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/ble"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], ble.NewBluetoothTransport(), os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, transport ble.Transport, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ble-demo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "optional path to config file")
	deviceName := fs.String("device", "", "name of the sensor to connect to (default from config, PWRON1)")
	samples := fs.Int("samples", 20, "number of samples to print")
	rate := fs.Duration("rate", 100*time.Millisecond, "interval between samples")
	logFile := fs.String("logfile", "", "write logs to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	if *logFile != "" {
		cfg.Logging.File = *logFile
	}
	closeLog, err := logger.SetupFile(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(stderr, "failed to set up logging: %v\n", err)
		return 1
	}
	defer closeLog()

	name := cfg.BLE.DeviceName
	if *deviceName != "" {
		name = *deviceName
	}

	sdk := ble.New(transport,
		ble.WithDiscoveryTime(cfg.BLE.DiscoveryTime),
		ble.WithConnectTimeout(cfg.BLE.ConnectTimeout),
		ble.WithPollInterval(cfg.BLE.PollInterval),
		ble.WithNotifyUUID(cfg.BLE.NotifyUUID),
	)
	sdk.Events().Add(func(ev touchdetect.Event) {
		if ev.Type != touchdetect.EventNewData {
			slog.Info("device event", "event", ev.Type.String(), "device", ev.Device.String(), "error", ev.Err)
		}
	})

	fmt.Fprintln(stdout, "Searching for devices...")
	devices := sdk.SearchDevices(ctx)
	for _, d := range devices {
		fmt.Fprintf(stdout, "  %s  %s\n", d.Name, d.Address)
	}
	if len(devices) == 0 {
		fmt.Fprintln(stdout, "No devices found.")
		return 1
	}

	fmt.Fprintf(stdout, "Connecting to %s...\n", name)
	if !sdk.Connect(ctx, name) {
		fmt.Fprintf(stderr, "could not connect to %s\n", name)
		return 1
	}
	defer sdk.Disconnect()

	ticker := time.NewTicker(*rate)
	defer ticker.Stop()
	for printed := 0; printed < *samples; {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
		}
		sample, ok := sdk.GetData()
		if !ok {
			continue
		}
		printed++
		fmt.Fprintf(stdout, "%10.3f s  %v\n", sample.Timestamp.Seconds(), sample.Values)
	}
	fmt.Fprintln(stdout, "Done.")
	return 0
}

// Command recorder streams taxel samples from a connected sensor to kafka
// (-mode publish) or stores the stream in postgres (-mode sink).
//
// Usage:
//
//	go run ./cmd/recorder -mode publish [-config configs/development.yaml]
//	go run ./cmd/recorder -mode sink [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/poweron-gmbh/touch-detect-sdk/internal/recorder"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/config"
	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/health"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/kafka"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/logger"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/metrics"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/postgres"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/resilience"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/ble"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/can"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/port"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/serial"
	"github.com/poweron-gmbh/touch-detect-sdk/pkg/touchdetect/wsg"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	mode := flag.String("mode", "publish", "publish (sensor to kafka) or sink (kafka to postgres)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	closeLog, err := logger.SetupFile(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checker := health.NewChecker()
	shutdown := serveOps(cfg, checker)
	defer shutdown()

	slog.Info("starting recorder", "mode", *mode, "topic", cfg.Kafka.Topics.SensorSamples)
	switch *mode {
	case "publish":
		err = publish(ctx, cfg, m, checker)
	case "sink":
		err = sink(ctx, cfg, checker)
	default:
		err = fmt.Errorf("unknown mode %q: %w", *mode, apperrors.ErrInvalidInput)
	}
	if err != nil {
		slog.Error("recorder failed", "mode", *mode, "error", err)
		os.Exit(1)
	}
	slog.Info("recorder stopped")
}

// serveOps exposes health probes and, when enabled, /metrics on the
// configured ports.
func serveOps(cfg *config.Config, checker *health.Checker) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server error", "error", err)
		}
	}()

	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		server.Shutdown(ctx)
		if shutdownMetrics != nil {
			shutdownMetrics(ctx)
		}
	}
}

func publish(ctx context.Context, cfg *config.Config, m *metrics.Metrics, checker *health.Checker) error {
	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.SensorSamples)
	defer producer.Close()

	breaker := resilience.NewCircuitBreaker("kafka-samples", resilience.CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
		OnStateChange: func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	checker.Register("kafka", func(context.Context) health.ComponentHealth {
		if breaker.State() == resilience.StateOpen {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "circuit open"}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	pub := recorder.NewPublisher(producer, breaker, 50, time.Second)
	pub.Start(ctx)
	defer pub.Close()

	stopSensor, err := connectSensor(ctx, cfg, m, pub)
	if err != nil {
		return err
	}
	defer stopSensor()

	<-ctx.Done()
	slog.Info("shutdown signal received", "dropped_samples", pub.Dropped())
	return nil
}

// connectSensor connects the transport named by recorder.transport and
// attaches pub to every connected device. The returned func disconnects.
func connectSensor(ctx context.Context, cfg *config.Config, m *metrics.Metrics, pub *recorder.Publisher) (func(), error) {
	switch cfg.Recorder.Transport {
	case "ble":
		sdk := ble.New(ble.NewBluetoothTransport(),
			ble.WithDiscoveryTime(cfg.BLE.DiscoveryTime),
			ble.WithConnectTimeout(cfg.BLE.ConnectTimeout),
			ble.WithPollInterval(cfg.BLE.PollInterval),
			ble.WithNotifyUUID(cfg.BLE.NotifyUUID),
		)
		pub.Attach(sdk.Device())
		if !sdk.Connect(ctx, cfg.BLE.DeviceName) {
			return nil, fmt.Errorf("connecting to %s: %w", cfg.BLE.DeviceName, apperrors.ErrNotConnected)
		}
		m.ConnectedDevices.WithLabelValues("ble").Inc()
		return func() {
			sdk.Disconnect()
			m.ConnectedDevices.WithLabelValues("ble").Dec()
		}, nil

	case "can":
		sdk := can.New(can.WithMetrics(m), can.WithMode(port.Mode{BaudRate: cfg.CAN.BaudRate, ReadTimeout: cfg.CAN.ReadTimeout}))
		devices, err := portDevices(cfg.CAN.Port, touchdetect.TypeCAN, sdk.FindDevices)
		if err != nil {
			return nil, err
		}
		return connectAll(devices, pub, func(d *touchdetect.Device) bool { return sdk.Connect(ctx, d) }, sdk.Close)

	case "serial":
		sdk := serial.New(
			serial.WithMetrics(m),
			serial.WithMode(port.Mode{BaudRate: cfg.Serial.BaudRate, ReadTimeout: cfg.Serial.ReadTimeout}),
			serial.WithPollInterval(cfg.Serial.PollInterval),
			serial.WithResponseTimeout(cfg.Serial.Timeout),
			serial.WithMaxTimeouts(cfg.Serial.MaxTimeouts),
		)
		devices, err := portDevices(cfg.Serial.Port, touchdetect.TypeSerial, sdk.FindDevices)
		if err != nil {
			return nil, err
		}
		return connectAll(devices, pub, func(d *touchdetect.Device) bool { return sdk.Connect(ctx, d) }, sdk.Close)

	case "wsg":
		if cfg.WSG.Address == "" {
			return nil, fmt.Errorf("wsg.address is not set: %w", apperrors.ErrInvalidInput)
		}
		sdk := wsg.New(
			wsg.WithMetrics(m),
			wsg.WithPort(cfg.WSG.Port),
			wsg.WithPollInterval(cfg.WSG.PollInterval),
			wsg.WithDialTimeout(cfg.WSG.DialTimeout),
		)
		devices := []*touchdetect.Device{wsg.NewDevice(cfg.WSG.Address, "wsg")}
		return connectAll(devices, pub, func(d *touchdetect.Device) bool { return sdk.Connect(ctx, d) }, sdk.Close)

	default:
		return nil, fmt.Errorf("unknown transport %q: %w", cfg.Recorder.Transport, apperrors.ErrInvalidInput)
	}
}

// portDevices uses the configured port or, when none is set, every adapter
// find reports.
func portDevices(name string, typ touchdetect.Type, find func() ([]*touchdetect.Device, error)) ([]*touchdetect.Device, error) {
	if name != "" {
		return []*touchdetect.Device{touchdetect.NewDevice(name, name, typ, touchdetect.DefaultSize)}, nil
	}
	devices, err := find()
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no %s adapters attached: %w", typ, apperrors.ErrDeviceNotFound)
	}
	return devices, nil
}

func connectAll(devices []*touchdetect.Device, pub *recorder.Publisher, connect func(*touchdetect.Device) bool, closeAll func()) (func(), error) {
	connected := 0
	for _, dev := range devices {
		pub.Attach(dev)
		if connect(dev) {
			connected++
			continue
		}
		slog.Warn("device did not connect", "device", dev.String())
	}
	if connected == 0 {
		closeAll()
		return nil, fmt.Errorf("none of %d devices connected: %w", len(devices), apperrors.ErrNotConnected)
	}
	slog.Info("recording", "devices", connected)
	return closeAll, nil
}

func sink(ctx context.Context, cfg *config.Config, checker *health.Checker) error {
	var pg *postgres.Client
	err := resilience.Retry(ctx, "postgres-connect", resilience.RetryConfig{MaxAttempts: 5, InitialDelay: time.Second}, func(ctx context.Context) error {
		var err error
		pg, err = postgres.New(ctx, cfg.Postgres)
		return err
	})
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx, recorder.Schema...); err != nil {
		return err
	}
	checker.Register("postgres", health.Ping(pg.Ping, false))

	s := recorder.NewSink(pg.DB)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.SensorSamples, s.HandleMessage(),
		kafka.WithGroup(cfg.Kafka.ConsumerGroup+"-sink"),
		kafka.FromFirstOffset(),
	)
	defer consumer.Close()
	return consumer.Start(ctx)
}

// Package config loads application configuration from YAML files with
// environment-variable overrides. It provides typed structs for the search
// service (Server, Redis, Kafka, Postgres, Docs, Search) and for the sensor
// transports (BLE, CAN, Serial, WSG).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Docs     DocsConfig     `yaml:"docs"`
	Search   SearchConfig   `yaml:"search"`
	BLE      BLEConfig      `yaml:"ble"`
	CAN      CANConfig      `yaml:"can"`
	Serial   SerialConfig   `yaml:"serial"`
	WSG      WSGConfig      `yaml:"wsg"`
	Recorder RecorderConfig `yaml:"recorder"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	CORSOrigins     []string      `yaml:"corsOrigins"`
	CORSMaxAge      int           `yaml:"corsMaxAge"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	QueryEvents   string `yaml:"queryEvents"`
	SensorSamples string `yaml:"sensorSamples"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// DocsConfig points at the Sphinx search index and the snapshot directory.
type DocsConfig struct {
	IndexPath      string `yaml:"indexPath"`
	SnapshotDir    string `yaml:"snapshotDir"`
	ReloadSchedule string `yaml:"reloadSchedule"`
	KeepSnapshots  int    `yaml:"keepSnapshots"`
	SnapshotCodec  string `yaml:"snapshotCodec"`
}

// SearchConfig controls query limits and request throttling.
type SearchConfig struct {
	MaxResults    int           `yaml:"maxResults"`
	DefaultLimit  int           `yaml:"defaultLimit"`
	QueryTimeout  time.Duration `yaml:"queryTimeout"`
	RateLimit     float64       `yaml:"rateLimit"`
	RateBurst     int           `yaml:"rateBurst"`
	StatsInterval time.Duration `yaml:"statsInterval"`
}

// BLEConfig configures the BLE transport and the demo device.
type BLEConfig struct {
	DeviceName     string        `yaml:"deviceName"`
	DiscoveryTime  time.Duration `yaml:"discoveryTime"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	NotifyUUID     string        `yaml:"notifyUUID"`
}

// CANConfig configures the USB-CAN adapter.
type CANConfig struct {
	Port        string        `yaml:"port"`
	BaudRate    int           `yaml:"baudRate"`
	ReadTimeout time.Duration `yaml:"readTimeout"`
}

// SerialConfig configures the HDLC serial sensor.
type SerialConfig struct {
	Port         string        `yaml:"port"`
	BaudRate     int           `yaml:"baudRate"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	PollInterval time.Duration `yaml:"pollInterval"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxTimeouts  int           `yaml:"maxTimeouts"`
}

// WSGConfig configures the WSG gripper connection.
type WSGConfig struct {
	Address      string        `yaml:"address"`
	Port         int           `yaml:"port"`
	PollInterval time.Duration `yaml:"pollInterval"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
}

// RecorderConfig selects the transport streamed by cmd/recorder.
type RecorderConfig struct {
	Transport string `yaml:"transport"`
}

// LoggingConfig controls structured logging level, output format and an
// optional log file.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. Missing values keep their defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading files or
// environment.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			CORSMaxAge:      3600,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "touchdetect",
			User:            "touchdetect",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "touchdetect",
			Topics: KafkaTopics{
				QueryEvents:   "docsearch.queries",
				SensorSamples: "touchdetect.samples",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 5 * time.Minute,
		},
		Docs: DocsConfig{
			IndexPath:      "docs/_build/html/searchindex.js",
			SnapshotDir:    "data/snapshots",
			ReloadSchedule: "@every 5m",
			KeepSnapshots:  3,
			SnapshotCodec:  "zstd",
		},
		Search: SearchConfig{
			MaxResults:    100,
			DefaultLimit:  10,
			QueryTimeout:  2 * time.Second,
			RateLimit:     50,
			RateBurst:     100,
			StatsInterval: time.Minute,
		},
		BLE: BLEConfig{
			DeviceName:     "PWRON1",
			DiscoveryTime:  2 * time.Second,
			ConnectTimeout: 5 * time.Second,
			PollInterval:   50 * time.Millisecond,
			NotifyUUID:     "0000fe42-8e22-4541-9d4c-21edae82ed19",
		},
		CAN: CANConfig{
			BaudRate:    1000000,
			ReadTimeout: 500 * time.Millisecond,
		},
		Serial: SerialConfig{
			BaudRate:     115200,
			ReadTimeout:  50 * time.Millisecond,
			PollInterval: 40 * time.Millisecond,
			Timeout:      800 * time.Millisecond,
			MaxTimeouts:  3,
		},
		WSG: WSGConfig{
			Port:         1000,
			PollInterval: 10 * time.Millisecond,
			DialTimeout:  3 * time.Second,
		},
		Recorder: RecorderConfig{
			Transport: "ble",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

func (c *Config) validate() error {
	if c.Search.DefaultLimit <= 0 || c.Search.MaxResults <= 0 {
		return fmt.Errorf("search limits must be positive (defaultLimit=%d, maxResults=%d)",
			c.Search.DefaultLimit, c.Search.MaxResults)
	}
	if c.Search.DefaultLimit > c.Search.MaxResults {
		return fmt.Errorf("search.defaultLimit %d exceeds search.maxResults %d",
			c.Search.DefaultLimit, c.Search.MaxResults)
	}
	switch c.Docs.SnapshotCodec {
	case "zstd", "lz4":
	default:
		return fmt.Errorf("unknown docs.snapshotCodec %q", c.Docs.SnapshotCodec)
	}
	switch c.Recorder.Transport {
	case "ble", "can", "serial", "wsg":
	default:
		return fmt.Errorf("unknown recorder transport %q", c.Recorder.Transport)
	}
	return nil
}

// applyEnvOverrides reads TD_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TD_SERVER_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("TD_POSTGRES_ENABLED"); v != "" {
		cfg.Postgres.Enabled = parseBool(v, cfg.Postgres.Enabled)
	}
	if v := os.Getenv("TD_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("TD_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("TD_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("TD_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("TD_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("TD_KAFKA_ENABLED"); v != "" {
		cfg.Kafka.Enabled = parseBool(v, cfg.Kafka.Enabled)
	}
	if v := os.Getenv("TD_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("TD_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TD_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TD_DOCS_INDEX_PATH"); v != "" {
		cfg.Docs.IndexPath = v
	}
	if v := os.Getenv("TD_DOCS_SNAPSHOT_DIR"); v != "" {
		cfg.Docs.SnapshotDir = v
	}
	if v := os.Getenv("TD_DOCS_RELOAD_SCHEDULE"); v != "" {
		cfg.Docs.ReloadSchedule = v
	}
	if v := os.Getenv("TD_BLE_DEVICE_NAME"); v != "" {
		cfg.BLE.DeviceName = v
	}
	if v := os.Getenv("TD_CAN_PORT"); v != "" {
		cfg.CAN.Port = v
	}
	if v := os.Getenv("TD_SERIAL_PORT"); v != "" {
		cfg.Serial.Port = v
	}
	if v := os.Getenv("TD_WSG_ADDRESS"); v != "" {
		cfg.WSG.Address = v
	}
	if v := os.Getenv("TD_RECORDER_TRANSPORT"); v != "" {
		cfg.Recorder.Transport = v
	}
	if v := os.Getenv("TD_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TD_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("TD_LOGGING_FILE"); v != "" {
		cfg.Logging.File = v
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

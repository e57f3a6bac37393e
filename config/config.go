package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxOcidLength is the width of the users.ocid column.
const MaxOcidLength = 32

type Config struct {
	Port     int    `yaml:"port"`
	DBDriver string `yaml:"db_driver"` // "sqlite3" or "postgres"
	DBPath   string `yaml:"db_path"`   // sqlite file or postgres DSN

	// There is no keepalive opcode, so an idle check also drops clients that
	// only receive. 0 disables it.
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	StoreTimeout time.Duration `yaml:"store_timeout"`

	MaxProtocolErrors int     `yaml:"max_protocol_errors"` // errors tolerated before closing, 0 means unlimited
	FrameRate         float64 `yaml:"frame_rate"`          // frames per second, 0 disables
	FrameBurst        int     `yaml:"frame_burst"`
	MaxFrameSize      int     `yaml:"max_frame_size"`
	SendQueueSize     int     `yaml:"send_queue_size"`

	FanoutWorkers   int  `yaml:"fanout_workers"`
	DeliverToSender bool `yaml:"deliver_to_sender"`
	PendingBatch    int  `yaml:"pending_batch"`

	OcidLength int `yaml:"ocid_length"`
	BcryptCost int `yaml:"bcrypt_cost"`

	MetricsAddr   string `yaml:"metrics_addr"`
	ControlSocket string `yaml:"control_socket"`
	LogLevel      string `yaml:"log_level"`
	Env           string `yaml:"env"`
}

func Default() *Config {
	return &Config{
		Port:              54088,
		DBDriver:          "sqlite3",
		DBPath:            "chatrelay.db",
		WriteTimeout:      10 * time.Second,
		StoreTimeout:      5 * time.Second,
		MaxProtocolErrors: 10,
		FrameRate:         50,
		FrameBurst:        100,
		MaxFrameSize:      64 * 1024,
		SendQueueSize:     256,
		FanoutWorkers:     16,
		PendingBatch:      500,
		OcidLength:        14,
		BcryptCost:        10,
		ControlSocket:     "/tmp/chatrelay.sock",
		LogLevel:          "info",
		Env:               "prod",
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// CHATRELAY_CONFIG and CHATRELAY_* environment overrides, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CHATRELAY_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v, ok := envInt("CHATRELAY_PORT"); ok {
		c.Port = v
	}
	if v := os.Getenv("CHATRELAY_DB_DRIVER"); v != "" {
		c.DBDriver = v
	}
	if v := os.Getenv("CHATRELAY_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v, ok := envSeconds("CHATRELAY_READ_TIMEOUT"); ok {
		c.ReadTimeout = v
	}
	if v, ok := envSeconds("CHATRELAY_WRITE_TIMEOUT"); ok {
		c.WriteTimeout = v
	}
	if v, ok := envSeconds("CHATRELAY_STORE_TIMEOUT"); ok {
		c.StoreTimeout = v
	}
	if v, ok := envInt("CHATRELAY_MAX_PROTOCOL_ERRORS"); ok {
		c.MaxProtocolErrors = v
	}
	if v := os.Getenv("CHATRELAY_FRAME_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.FrameRate = f
		}
	}
	if v, ok := envInt("CHATRELAY_FRAME_BURST"); ok {
		c.FrameBurst = v
	}
	if v, ok := envInt("CHATRELAY_MAX_FRAME_SIZE"); ok {
		c.MaxFrameSize = v
	}
	if v, ok := envInt("CHATRELAY_SEND_QUEUE_SIZE"); ok {
		c.SendQueueSize = v
	}
	if v, ok := envInt("CHATRELAY_FANOUT_WORKERS"); ok {
		c.FanoutWorkers = v
	}
	if v := os.Getenv("CHATRELAY_DELIVER_TO_SENDER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DeliverToSender = b
		}
	}
	if v, ok := envInt("CHATRELAY_PENDING_BATCH"); ok {
		c.PendingBatch = v
	}
	if v, ok := envInt("CHATRELAY_OCID_LENGTH"); ok {
		c.OcidLength = v
	}
	if v, ok := envInt("CHATRELAY_BCRYPT_COST"); ok {
		c.BcryptCost = v
	}
	if v := os.Getenv("CHATRELAY_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("CHATRELAY_CONTROL_SOCKET"); v != "" {
		c.ControlSocket = v
	}
	if v := os.Getenv("CHATRELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CHATRELAY_ENV"); v != "" {
		c.Env = v
	}
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.OcidLength < 8 {
		return fmt.Errorf("ocid length %d is too short", c.OcidLength)
	}
	if c.OcidLength > MaxOcidLength {
		return fmt.Errorf("ocid length %d exceeds %d", c.OcidLength, MaxOcidLength)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("send queue size must be positive")
	}
	if c.FanoutWorkers <= 0 {
		return fmt.Errorf("fanout workers must be positive")
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// envSeconds reads an integer number of seconds.
func envSeconds(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

// Package config loads the agent configuration from a YAML file, .env files
// and HANDHELD_* environment variables, in that order of precedence from low
// to high.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dotside-studios/handheld-agent/buildinfo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HANDHELD_"

// Config is the top-level agent configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Location LocationConfig `yaml:"location"`
	NATS     NATSConfig     `yaml:"nats"`
	Service  ServiceConfig  `yaml:"service"`
	Chainway ChainwayConfig `yaml:"chainway"`
	Log      LogConfig      `yaml:"log"`
	// Simulate replaces the vendor SDKs with in-process simulators.
	Simulate bool `yaml:"simulate"`
}

// ServerConfig configures the HTTP/WebSocket server.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Secret         string        `yaml:"secret"`
	Advertise      bool          `yaml:"advertise"`       // register over mDNS
	ControlTimeout time.Duration `yaml:"control_timeout"` // idle time before the control lease is released
	Metrics        bool          `yaml:"metrics"`
	// TLS serves https/wss with a certificate signed by a local CA that is
	// installed in the system trust store.
	TLS bool `yaml:"tls"`
}

// StoreConfig selects where settings and the last session are persisted.
type StoreConfig struct {
	Path string `yaml:"path"` // empty keeps settings in memory
}

// LocationConfig configures the serial GPS receiver used to geotag reads.
type LocationConfig struct {
	SerialPort string `yaml:"serial_port"`
	Baud       int    `yaml:"baud"`
}

// NATSConfig configures the optional event bridge.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Stream        string `yaml:"stream"`
}

// ServiceConfig tunes the reader facade.
type ServiceConfig struct {
	SettleWindow       time.Duration `yaml:"settle_window"`
	StopReadGrace      time.Duration `yaml:"stop_read_grace"`
	BatteryInterval    time.Duration `yaml:"battery_interval"`
	QueueSize          int           `yaml:"queue_size"`
	MailboxSize        int           `yaml:"mailbox_size"`
	EventDrivenConnect bool          `yaml:"event_driven_connect"`
	IgnoreTrigger      bool          `yaml:"ignore_trigger"`
}

// ChainwayConfig configures the R6 backend.
type ChainwayConfig struct {
	NamePrefix string `yaml:"name_prefix"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           18090,
			Advertise:      true,
			ControlTimeout: 60 * time.Second,
			Metrics:        true,
		},
		Store:    StoreConfig{Path: DefaultStorePath()},
		Location: LocationConfig{Baud: 4800},
		NATS:     NATSConfig{SubjectPrefix: "handheld"},
		Service: ServiceConfig{
			SettleWindow:       2 * time.Second,
			StopReadGrace:      3 * time.Second,
			BatteryInterval:    5 * time.Second,
			QueueSize:          64,
			MailboxSize:        256,
			EventDrivenConnect: true,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// DataDir returns the agent directory inside the user config directory, or
// the working directory when that cannot be determined.
func DataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, buildinfo.DirName)
}

// DefaultStorePath returns agent.db inside DataDir.
func DefaultStorePath() string {
	return filepath.Join(DataDir(), "agent.db")
}

// Load reads the configuration. An empty path skips the YAML file. Values in
// the file may reference environment variables as ${VAR}.
func Load(path string) (*Config, error) {
	loadEnvFiles(".env", ".env.local")

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("configuration file not found: %s", path)
			}
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadEnvFiles loads each file that exists. Variables already set in the
// process environment win.
func loadEnvFiles(names ...string) {
	for _, name := range names {
		if _, err := os.Stat(name); err != nil {
			continue
		}
		if err := godotenv.Load(name); err != nil {
			fmt.Fprintf(os.Stderr, "Note: could not load %s: %v\n", name, err)
		}
	}
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	num("PORT", &cfg.Server.Port)
	str("SECRET", &cfg.Server.Secret)
	flag("ADVERTISE", &cfg.Server.Advertise)
	flag("TLS", &cfg.Server.TLS)
	str("STORE", &cfg.Store.Path)
	str("GPS_PORT", &cfg.Location.SerialPort)
	num("GPS_BAUD", &cfg.Location.Baud)
	str("NATS_URL", &cfg.NATS.URL)
	str("NATS_STREAM", &cfg.NATS.Stream)
	flag("IGNORE_TRIGGER", &cfg.Service.IgnoreTrigger)
	str("CHAINWAY_PREFIX", &cfg.Chainway.NamePrefix)
	str("LOG_LEVEL", &cfg.Log.Level)
	flag("SIMULATE", &cfg.Simulate)
	return errors.Join(errs...)
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ControlTimeout < 0 {
		errs = append(errs, errors.New("server.control_timeout must not be negative"))
	}
	if c.Location.SerialPort != "" && c.Location.Baud <= 0 {
		errs = append(errs, fmt.Errorf("location.baud must be positive, got %d", c.Location.Baud))
	}
	if c.NATS.Stream != "" && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.stream requires nats.url"))
	}
	if strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
		errs = append(errs, fmt.Errorf("nats.subject_prefix %q contains wildcard or space", c.NATS.SubjectPrefix))
	}
	for name, d := range map[string]time.Duration{
		"service.settle_window":    c.Service.SettleWindow,
		"service.stop_read_grace":  c.Service.StopReadGrace,
		"service.battery_interval": c.Service.BatteryInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "error", "":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not a known level", c.Log.Level))
	}
	switch c.Log.Format {
	case "console", "json", "":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// WriteExample writes the default configuration to path.
func WriteExample(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}
	cfg := Default()
	cfg.Store.Path = "./handheld-agent.db"
	cfg.Server.Secret = "${HANDHELD_SECRET}"
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Package config loads peer and broker settings.
//
// Values start from Default/DefaultBroker, are overlaid by an optional YAML
// file and finally by CYRUS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// BrokerDiscover as the broker URL makes peers browse the LAN for a broker
// over mDNS instead of dialing a fixed address.
const BrokerDiscover = "mdns"

const envPrefix = "CYRUS_"

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Config is the peer side configuration.
type Config struct {
	BrokerURL         string        `yaml:"broker_url"         env:"BROKER_URL"`
	STUNServers       []string      `yaml:"stun_servers"       env:"STUN_SERVERS" envSeparator:","`
	LogLevel          string        `yaml:"log_level"          env:"LOG_LEVEL"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"    env:"CONNECT_TIMEOUT"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	ScannerCommand    []string      `yaml:"scanner_command"    env:"SCANNER_COMMAND" envSeparator:" "`
	QRSize            int           `yaml:"qr_size"            env:"QR_SIZE"`
	DownloadDir       string        `yaml:"download_dir"       env:"DOWNLOAD_DIR"`
	CloseDelay        time.Duration `yaml:"close_delay"        env:"CLOSE_DELAY"`
}

// BrokerConfig configures the signaling broker.
type BrokerConfig struct {
	ListenAddr       string        `yaml:"listen_addr"       env:"LISTEN_ADDR"`
	Path             string        `yaml:"path"              env:"PATH_PREFIX"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"HEARTBEAT_TIMEOUT"`
	DSN              string        `yaml:"dsn"               env:"DSN"`
	Advertise        bool          `yaml:"advertise"         env:"ADVERTISE"`
	InstanceName     string        `yaml:"instance_name"     env:"INSTANCE_NAME"`
	LogLevel         string        `yaml:"log_level"         env:"LOG_LEVEL"`
}

func Default() Config {
	return Config{
		BrokerURL:         "ws://localhost:8080/signal",
		STUNServers:       append([]string(nil), defaultSTUNServers...),
		LogLevel:          "info",
		ConnectTimeout:    30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		ScannerCommand:    []string{"zbarcam", "--raw", "--quiet"},
		QRSize:            256,
		DownloadDir:       ".",
		CloseDelay:        3 * time.Second,
	}
}

func DefaultBroker() BrokerConfig {
	return BrokerConfig{
		ListenAddr:       ":8080",
		Path:             "/signal",
		HeartbeatTimeout: 15 * time.Second,
		DSN:              ":memory:",
		Advertise:        false,
		InstanceName:     "cyrus-broker",
		LogLevel:         "info",
	}
}

// Load reads the peer configuration from path (optional) and the process
// environment.
func Load(path string) (Config, error) {
	return load(path, Default(), nil)
}

// LoadBroker reads the broker configuration from path (optional) and the
// process environment.
func LoadBroker(path string) (BrokerConfig, error) {
	return load(path, DefaultBroker(), nil)
}

// LoadWithEnv is Load with an explicit environment instead of os.Environ.
func LoadWithEnv(path string, environ map[string]string) (Config, error) {
	return load(path, Default(), environ)
}

func load[T any](path string, cfg T, environ map[string]string) (T, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	if v, ok := any(&cfg).(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

var (
	ErrMissingBroker  = errors.New("broker url is required")
	ErrInvalidTimeout = errors.New("timeout must be positive")
)

func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return ErrMissingBroker
	}
	if c.ConnectTimeout <= 0 || c.HeartbeatInterval <= 0 {
		return ErrInvalidTimeout
	}
	if c.QRSize <= 0 {
		c.QRSize = 256
	}
	return nil
}

func (c *BrokerConfig) Validate() error {
	if c.HeartbeatTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.Path == "" {
		c.Path = "/signal"
	}
	return nil
}

// DiscoverBroker reports whether the broker should be found over mDNS.
func (c Config) DiscoverBroker() bool {
	return c.BrokerURL == BrokerDiscover
}

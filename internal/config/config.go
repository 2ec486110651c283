// Package config loads client settings from a YAML file and the positional
// command-line arguments.
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/omochice/duplex-bridge/internal/client"
	"github.com/omochice/duplex-bridge/internal/transport"
)

const (
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

// Config holds the client configuration.
type Config struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	Credential   string   `yaml:"credential"` // base64
	Transport    string   `yaml:"transport"`  // tcp/ws
	WSPath       string   `yaml:"ws_path"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
	KeepAlive    bool     `yaml:"keep_alive"`
	KeepAliveFor Duration `yaml:"keep_alive_period"`
	Linger       Duration `yaml:"linger"`
	LogLevel     string   `yaml:"log_level"`
	LogFormat    string   `yaml:"log_format"` // text/json
	MetricsAddr  string   `yaml:"metrics_addr"`
	CapturePath  string   `yaml:"capture_path"`
}

type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Host:         "localhost",
		Transport:    TransportTCP,
		WSPath:       "/",
		DialTimeout:  Duration{5 * time.Second},
		KeepAlive:    true,
		KeepAliveFor: Duration{30 * time.Second},
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// DefaultPath returns the default config file path: ~/.duplex-bridge/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".duplex-bridge", "config.yaml")
	}
	return filepath.Join(home, ".duplex-bridge", "config.yaml")
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it returns Default() with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: read %s: %w", client.ErrConfig, path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", client.ErrConfig, path, err)
	}
	return cfg, nil
}

// ApplyArgs applies the positional form `<port> <credential>`. No arguments
// leaves the loaded values untouched.
func (c *Config) ApplyArgs(args []string) error {
	switch len(args) {
	case 0:
		return nil
	case 2:
	default:
		return fmt.Errorf("%w: expected <port> <credential>, got %d arguments", client.ErrConfig, len(args))
	}

	port, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("%w: invalid port %q", client.ErrConfig, args[0])
	}
	c.Port = port
	c.Credential = args[1]
	return nil
}

// Validate checks the configuration for missing or malformed values.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", client.ErrConfig)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", client.ErrConfig, c.Port)
	}
	if _, err := c.DecodeCredential(); err != nil {
		return err
	}
	switch c.Transport {
	case TransportTCP, TransportWS:
	default:
		return fmt.Errorf("%w: unknown transport %q", client.ErrConfig, c.Transport)
	}
	for name, d := range map[string]Duration{
		"dial_timeout":      c.DialTimeout,
		"read_timeout":      c.ReadTimeout,
		"write_timeout":     c.WriteTimeout,
		"keep_alive_period": c.KeepAliveFor,
		"linger":            c.Linger,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%w: %s must not be negative", client.ErrConfig, name)
		}
	}
	if _, err := c.Logger(); err != nil {
		return err
	}
	return nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DecodeCredential returns the raw credential bytes. Padded and unpadded
// base64 are both accepted.
func (c *Config) DecodeCredential() ([]byte, error) {
	text := strings.TrimSpace(c.Credential)
	if text == "" {
		return nil, fmt.Errorf("%w: credential is required", client.ErrConfig)
	}
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(text)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: credential is not valid base64: %w", client.ErrConfig, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: credential decodes to nothing", client.ErrConfig)
	}
	return raw, nil
}

// TransportOptions converts the timeouts into dialer options.
func (c *Config) TransportOptions() []transport.Option {
	opts := []transport.Option{
		transport.WithDialTimeout(c.DialTimeout.Duration),
		transport.WithReadTimeout(c.ReadTimeout.Duration),
		transport.WithWriteTimeout(c.WriteTimeout.Duration),
		transport.WithKeepAlive(c.KeepAlive, c.KeepAliveFor.Duration),
	}
	if c.WSPath != "" {
		opts = append(opts, transport.WithPath(c.WSPath))
	}
	return opts
}

// Logger builds a logger with the configured level and format.
func (c *Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", client.ErrConfig, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(os.Stderr)
	switch c.LogFormat {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("%w: unknown log format %q", client.ErrConfig, c.LogFormat)
	}
	return logger, nil
}

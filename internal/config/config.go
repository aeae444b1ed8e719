// Package config loads process configuration from MULTISCREEN_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/zsiec/multiscreen/internal/annexb"
	"github.com/zsiec/multiscreen/internal/transport"
)

// Prefix is the environment variable prefix.
const Prefix = "multiscreen"

// Config holds both receive and send settings. Each command reads the
// fields it needs.
type Config struct {
	Transport  string `default:"tcp"`
	ListenHost string `split_words:"true" default:"0.0.0.0"`
	Host       string `default:"127.0.0.1"`
	BasePort   int    `split_words:"true" default:"8000"`
	Displays   int    `default:"3"`

	MaxBufferBytes int  `split_words:"true" default:"62914560"`
	AckUnits       bool `split_words:"true" default:"false"`
	KeyframeGate   bool `split_words:"true" default:"false"`

	APIAddr   string `split_words:"true" default:":8080"`
	LogLevel  string `split_words:"true" default:"info"`
	LogFormat string `split_words:"true" default:"text"`

	Width               int           `default:"1920"`
	Height              int           `default:"1080"`
	FPS                 int           `default:"60"`
	GOP                 int           `default:"60"`
	InputFile           string        `split_words:"true"`
	RepeatParameterSets bool          `split_words:"true" default:"true"`
	QUICFingerprint     string        `envconfig:"quic_fingerprint"`
	ReconnectDelay      time.Duration `split_words:"true" default:"1s"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process(Prefix, &c); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Defaults returns the configuration with only default values applied.
func Defaults() Config {
	return Config{
		Transport:           string(transport.TCP),
		ListenHost:          "0.0.0.0",
		Host:                "127.0.0.1",
		BasePort:            8000,
		Displays:            3,
		MaxBufferBytes:      annexb.DefaultMaxBuffered,
		APIAddr:             ":8080",
		LogLevel:            "info",
		LogFormat:           "text",
		Width:               1920,
		Height:              1080,
		FPS:                 60,
		GOP:                 60,
		RepeatParameterSets: true,
		ReconnectDelay:      time.Second,
	}
}

// Validate rejects values no command can run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := transport.ParseNetwork(c.Transport); err != nil {
		errs = append(errs, err)
	}
	if c.Displays <= 0 {
		errs = append(errs, fmt.Errorf("displays must be positive, got %d", c.Displays))
	}
	if c.BasePort <= 0 || c.BasePort+c.Displays-1 > 65535 {
		errs = append(errs, fmt.Errorf("ports %d..%d out of range", c.BasePort, c.BasePort+c.Displays-1))
	}
	if c.MaxBufferBytes <= 0 {
		errs = append(errs, fmt.Errorf("max buffer bytes must be positive, got %d", c.MaxBufferBytes))
	}
	if c.Width <= 0 || c.Height <= 0 || c.Width%2 != 0 || c.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("invalid capture size %dx%d", c.Width, c.Height))
	}
	if c.FPS <= 0 || c.FPS > 240 {
		errs = append(errs, fmt.Errorf("fps must be in 1..240, got %d", c.FPS))
	}
	if c.GOP <= 0 {
		errs = append(errs, fmt.Errorf("gop must be positive, got %d", c.GOP))
	}
	if c.ReconnectDelay <= 0 {
		errs = append(errs, fmt.Errorf("reconnect delay must be positive, got %v", c.ReconnectDelay))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Network returns the parsed transport network.
func (c *Config) Network() transport.Network {
	n, _ := transport.ParseNetwork(c.Transport)
	return n
}

// Ports returns one port per display, starting at BasePort.
func (c *Config) Ports() []int {
	ports := make([]int, c.Displays)
	for i := range ports {
		ports[i] = c.BasePort + i
	}
	return ports
}

// FrameInterval is the time between captured images.
func (c *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FPS)
}

// Package config loads serialcast configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file named by --config or SERIALCAST_CONFIG, and command line
// flags that were set explicitly. The PORT environment variable, when set,
// replaces the port of the listen address.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"serialcast/internal/serial"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "SERIALCAST_CONFIG"

// Frame modes for payloads sent over WebSocket.
const (
	FrameText   = "text"
	FrameBinary = "binary"
)

// Config is the full serialcast configuration.
type Config struct {
	Serial  SerialConfig  `yaml:"serial"`
	HTTP    HTTPConfig    `yaml:"http"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

// SerialConfig describes the hardware channel.
type SerialConfig struct {
	// Device is the serial device path.
	// Default: /dev/ttyUSB0
	Device string `yaml:"device"`

	// Baud is the line speed.
	// Default: 9600
	Baud int `yaml:"baud"`

	// ReadTimeout bounds each read so the loop can notice shutdown.
	// Default: 10ms
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// BufferSize is the largest chunk read at once, and so the largest payload.
	// Default: 30
	BufferSize int `yaml:"buffer_size"`

	// Echo copies every payload to stdout.
	Echo bool `yaml:"echo"`
}

// HTTPConfig configures the listener.
type HTTPConfig struct {
	// Listen is the host:port to serve on.
	// Default: 127.0.0.1:8080
	Listen string `yaml:"listen"`
}

// SessionConfig configures subscriber sessions.
type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ClientTimeout     time.Duration `yaml:"client_timeout"`
	OutboxSize        int           `yaml:"outbox_size"`

	// Frame selects WebSocket text or binary frames.
	Frame string `yaml:"frame"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Serial: SerialConfig{
			Device:      "/dev/ttyUSB0",
			Baud:        9600,
			ReadTimeout: 10 * time.Millisecond,
			BufferSize:  30,
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8080",
		},
		Session: SessionConfig{
			HeartbeatInterval: 5 * time.Second,
			ClientTimeout:     10 * time.Second,
			OutboxSize:        64,
			Frame:             FrameText,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile reads a YAML file on top of the defaults. Unknown keys are errors.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Load builds the configuration from args (without the program name) and
// the environment. It returns pflag.ErrHelp when --help was requested.
func Load(args []string, getenv func(string) string) (Config, error) {
	def := Default()
	flags := def
	var path string
	fs := pflag.NewFlagSet("serialcast", pflag.ContinueOnError)
	fs.StringVar(&path, "config", "", "path to a YAML config file (or "+EnvConfigPath+")")
	fs.StringVar(&flags.Serial.Device, "device", def.Serial.Device, "serial device path")
	fs.IntVar(&flags.Serial.Baud, "baud", def.Serial.Baud, "serial baud rate")
	fs.DurationVar(&flags.Serial.ReadTimeout, "read-timeout", def.Serial.ReadTimeout, "per-read timeout on the serial device")
	fs.IntVar(&flags.Serial.BufferSize, "buffer-size", def.Serial.BufferSize, "serial read buffer size in bytes")
	fs.BoolVar(&flags.Serial.Echo, "echo", def.Serial.Echo, "echo serial data to stdout")
	fs.StringVar(&flags.HTTP.Listen, "listen", def.HTTP.Listen, "HTTP listen address")
	fs.DurationVar(&flags.Session.HeartbeatInterval, "heartbeat", def.Session.HeartbeatInterval, "subscriber heartbeat interval")
	fs.DurationVar(&flags.Session.ClientTimeout, "client-timeout", def.Session.ClientTimeout, "disconnect subscribers silent for this long")
	fs.IntVar(&flags.Session.OutboxSize, "outbox", def.Session.OutboxSize, "payloads buffered per subscriber")
	fs.StringVar(&flags.Session.Frame, "frame", def.Session.Frame, "websocket frame type: text or binary")
	fs.StringVar(&flags.Log.Level, "log-level", def.Log.Level, "log level: debug, info, warn, error")
	fs.StringVar(&flags.Log.Format, "log-format", def.Log.Format, "log format: text or json")
	if err := fs.Parse(args); err != nil {
		return def, err
	}

	if path == "" {
		path = getenv(EnvConfigPath)
	}
	cfg := def
	if path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return cfg, err
		}
	}

	overrides := map[string]func(){
		"device":         func() { cfg.Serial.Device = flags.Serial.Device },
		"baud":           func() { cfg.Serial.Baud = flags.Serial.Baud },
		"read-timeout":   func() { cfg.Serial.ReadTimeout = flags.Serial.ReadTimeout },
		"buffer-size":    func() { cfg.Serial.BufferSize = flags.Serial.BufferSize },
		"echo":           func() { cfg.Serial.Echo = flags.Serial.Echo },
		"listen":         func() { cfg.HTTP.Listen = flags.HTTP.Listen },
		"heartbeat":      func() { cfg.Session.HeartbeatInterval = flags.Session.HeartbeatInterval },
		"client-timeout": func() { cfg.Session.ClientTimeout = flags.Session.ClientTimeout },
		"outbox":         func() { cfg.Session.OutboxSize = flags.Session.OutboxSize },
		"frame":          func() { cfg.Session.Frame = flags.Session.Frame },
		"log-level":      func() { cfg.Log.Level = flags.Log.Level },
		"log-format":     func() { cfg.Log.Format = flags.Log.Format },
	}
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})

	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		host, _, err := net.SplitHostPort(cfg.HTTP.Listen)
		if err != nil {
			host = ""
		}
		cfg.HTTP.Listen = net.JoinHostPort(host, port)
	}

	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Serial.Device == "":
		return errors.New("serial.device is required")
	case !serial.ValidBaudRate(c.Serial.Baud):
		return fmt.Errorf("serial.baud %d is not supported", c.Serial.Baud)
	case c.Serial.ReadTimeout < time.Millisecond:
		return fmt.Errorf("serial.read_timeout %v must be at least 1ms", c.Serial.ReadTimeout)
	case c.Serial.BufferSize <= 0:
		return fmt.Errorf("serial.buffer_size %d must be positive", c.Serial.BufferSize)
	case c.HTTP.Listen == "":
		return errors.New("http.listen is required")
	case c.Session.HeartbeatInterval <= 0:
		return fmt.Errorf("session.heartbeat_interval %v must be positive", c.Session.HeartbeatInterval)
	case c.Session.ClientTimeout <= c.Session.HeartbeatInterval:
		return fmt.Errorf("session.client_timeout %v must exceed the heartbeat interval %v",
			c.Session.ClientTimeout, c.Session.HeartbeatInterval)
	case c.Session.OutboxSize <= 0:
		return fmt.Errorf("session.outbox_size %d must be positive", c.Session.OutboxSize)
	case c.Session.Frame != FrameText && c.Session.Frame != FrameBinary:
		return fmt.Errorf("session.frame %q must be %q or %q", c.Session.Frame, FrameText, FrameBinary)
	}
	if _, _, err := net.SplitHostPort(c.HTTP.Listen); err != nil {
		return fmt.Errorf("http.listen %q: %w", c.HTTP.Listen, err)
	}
	return nil
}

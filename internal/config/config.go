// Package config loads a12relay configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the A12RELAY_CONFIG environment variable. There is no discovery: with
// neither set, the defaults apply. The only environment override is
// A12RELAY_AUTHK, so the key can be kept out of the file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chronologos/a12relay/internal/a12"
	"github.com/chronologos/a12relay/internal/auth"
	"github.com/chronologos/a12relay/internal/relay"
	"github.com/chronologos/a12relay/internal/segment"
	"github.com/chronologos/a12relay/internal/transport"
)

const (
	// EnvConfig names the config file when --config is not given.
	EnvConfig = "A12RELAY_CONFIG"
	// EnvAuthKey overrides authk.
	EnvAuthKey = "A12RELAY_AUTHK"

	// DefaultPort is the a12 listening port.
	DefaultPort = 6680
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the relay configuration.
type Config struct {
	// AuthKey is the pre-shared key: 64 hex characters or a passphrase.
	AuthKey string `yaml:"authk"`

	// VFrameBlock is the number of unacknowledged video frames allowed in
	// flight. Zero disables the limit.
	VFrameBlock int `yaml:"vframe_block"`

	// RedirectExit turns a remote exit into a device hint towards this
	// connection point.
	RedirectExit string `yaml:"redirect_exit"`

	// DeviceHintCP is announced to segments as their alternate connection
	// point.
	DeviceHintCP string `yaml:"devicehint_cp"`

	// OutboundLimit bounds bytes queued for the network, per connection.
	OutboundLimit int `yaml:"outbound_limit"`

	// ConnPath is the directory holding connection points. ${VAR} and
	// ${VAR:-default} are expanded.
	ConnPath string `yaml:"connpath"`

	// Codec is the video codec for outbound frames: raw, zstd or lz4.
	Codec string `yaml:"codec"`

	// Transport selects the network carrier: tcp, quic or dual.
	Transport string `yaml:"transport"`

	// Port is the network port to listen on or dial.
	Port int `yaml:"port"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		VFrameBlock:   2,
		OutboundLimit: 64 << 20,
		ConnPath:      segment.DefaultDir(),
		Codec:         a12.CodecZstd.String(),
		Transport:     string(transport.ModeTCP),
		Port:          DefaultPort,
		LogLevel:      "info",
	}
}

// Load loads the file at path, or the file named by A12RELAY_CONFIG when
// path is empty. With neither, it returns the defaults. A12RELAY_AUTHK is
// applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if k := os.Getenv(EnvAuthKey); k != "" {
		cfg.AuthKey = k
	}
	cfg.ConnPath = expandVars(cfg.ConnPath)
	return cfg, nil
}

// loadFile merges a YAML file into c. Unknown keys are rejected.
func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if c.VFrameBlock < 0 {
		errs = append(errs, fmt.Errorf("vframe_block must not be negative: %d", c.VFrameBlock))
	}
	if c.OutboundLimit < 0 {
		errs = append(errs, fmt.Errorf("outbound_limit must not be negative: %d", c.OutboundLimit))
	}
	if c.RedirectExit != "" && !segment.ValidName(c.RedirectExit) {
		errs = append(errs, fmt.Errorf("redirect_exit: invalid connection point %q", c.RedirectExit))
	}
	if c.DeviceHintCP != "" && !segment.ValidName(c.DeviceHintCP) {
		errs = append(errs, fmt.Errorf("devicehint_cp: invalid connection point %q", c.DeviceHintCP))
	}
	if c.ConnPath == "" {
		errs = append(errs, errors.New("connpath is required"))
	}
	if _, err := a12.ParseCodec(c.Codec); err != nil {
		errs = append(errs, fmt.Errorf("codec: %w", err))
	}
	if _, err := transport.ParseMode(c.Transport); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Key parses the pre-shared key. An empty key is an error.
func (c *Config) Key() (auth.Key, error) {
	if strings.TrimSpace(c.AuthKey) == "" {
		return auth.Key{}, fmt.Errorf("%w: authk is required (set it in the file or %s)", ErrInvalid, EnvAuthKey)
	}
	return auth.ParseKey(c.AuthKey)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, err
	}
	return l, nil
}

// Mode returns the parsed transport mode. Call after Validate.
func (c *Config) Mode() transport.Mode {
	m, _ := transport.ParseMode(c.Transport)
	return m
}

// RelayOptions builds per-connection relay options. Every frame is offered
// to the configured codec; the protocol falls back to raw when it does not
// compress.
func (c *Config) RelayOptions(log *slog.Logger) relay.Options {
	codec, _ := a12.ParseCodec(c.Codec)
	return relay.Options{
		VideoEvaluator:      func(uint8, segment.Frame) a12.Codec { return codec },
		CongestionTolerance: c.VFrameBlock,
		RedirectExit:        c.RedirectExit,
		DeviceHintPoint:     c.DeviceHintCP,
		OutboundLimit:       c.OutboundLimit,
		ConnDir:             c.ConnPath,
		Logger:              log,
	}
}

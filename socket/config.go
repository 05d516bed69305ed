package socket

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/kleeedolinux/resocket/socket/transport"
)

const (
	DefaultReadyPollInterval     = 10 * time.Millisecond
	DefaultConnectTimeout        = 30 * time.Second
	DefaultReconnectInitialDelay = 100 * time.Millisecond
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultHandshakeTimeout      = 10 * time.Second
	DefaultWriteTimeout          = 10 * time.Second
	DefaultCloseTimeout          = 5 * time.Second
)

// Protocols decodes from either a single string or a list.
type Protocols []string

func (p *Protocols) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*p = nil
		if s = strings.TrimSpace(s); s != "" {
			*p = Protocols{s}
		}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*p = list
		return nil
	default:
		return fmt.Errorf("protocols: expected a string or a list, line %d", value.Line)
	}
}

func (p *Protocols) Decode(value string) error {
	*p = nil
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			*p = append(*p, s)
		}
	}
	return nil
}

type Config struct {
	Address       string               `yaml:"address" envconfig:"ADDRESS"`
	Protocols     Protocols            `yaml:"protocols" envconfig:"PROTOCOLS"`
	BinaryType    transport.BinaryType `yaml:"binary_type" envconfig:"BINARY_TYPE"`
	AutoReconnect bool                 `yaml:"auto_reconnect" envconfig:"AUTO_RECONNECT"`

	ReadyPollInterval time.Duration `yaml:"ready_poll_interval" envconfig:"READY_POLL_INTERVAL"`
	// ConnectTimeout bounds how long an attempt may take to become ready.
	// Negative disables it.
	ConnectTimeout time.Duration `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`

	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay" envconfig:"RECONNECT_INITIAL_DELAY"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay" envconfig:"RECONNECT_MAX_DELAY"`
	// ReconnectMaxElapsed gives up reconnecting after this long without a
	// ready connection. Zero retries forever.
	ReconnectMaxElapsed time.Duration `yaml:"reconnect_max_elapsed" envconfig:"RECONNECT_MAX_ELAPSED"`

	HandshakeTimeout  time.Duration     `yaml:"handshake_timeout" envconfig:"HANDSHAKE_TIMEOUT"`
	WriteTimeout      time.Duration     `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	CloseTimeout      time.Duration     `yaml:"close_timeout" envconfig:"CLOSE_TIMEOUT"`
	Headers           map[string]string `yaml:"headers" envconfig:"HEADERS"`
	EnableCompression bool              `yaml:"enable_compression" envconfig:"ENABLE_COMPRESSION"`
	ReadLimit         int64             `yaml:"read_limit" envconfig:"READ_LIMIT"`
}

// LoadConfig reads a YAML file, expanding ${VAR} references first, and
// fills in defaults for anything left unset.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// ApplyEnv overrides fields from PREFIX_* environment variables. Variables
// that are not set leave the field alone.
func (c *Config) ApplyEnv(prefix string) error {
	if err := envconfig.Process(prefix, c); err != nil {
		return fmt.Errorf("process environment: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BinaryType == "" {
		c.BinaryType = transport.ArrayBuffer
	}
	if c.ReadyPollInterval <= 0 {
		c.ReadyPollInterval = DefaultReadyPollInterval
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectInitialDelay <= 0 {
		c.ReconnectInitialDelay = DefaultReconnectInitialDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
}

// Validate reports every problem with the config at once.
func (c Config) Validate() error {
	var result *multierror.Error

	if c.Address == "" {
		result = multierror.Append(result, ErrNoAddress)
	} else if _, err := transport.ParseURL(c.Address); err != nil {
		result = multierror.Append(result, err)
	}

	if err := transport.ValidateProtocols(c.Protocols); err != nil {
		result = multierror.Append(result, err)
	}

	if _, err := transport.ParseBinaryType(string(c.BinaryType)); err != nil {
		result = multierror.Append(result, err)
	}

	if c.ReconnectMaxElapsed < 0 {
		result = multierror.Append(result, fmt.Errorf("reconnect_max_elapsed must not be negative"))
	}
	if c.ReconnectInitialDelay > c.ReconnectMaxDelay && c.ReconnectMaxDelay > 0 {
		result = multierror.Append(result, fmt.Errorf("reconnect_initial_delay %s exceeds reconnect_max_delay %s",
			c.ReconnectInitialDelay, c.ReconnectMaxDelay))
	}
	if c.ReadLimit < 0 {
		result = multierror.Append(result, fmt.Errorf("read_limit must not be negative"))
	}

	return result.ErrorOrNil()
}

func (c Config) header() http.Header {
	h := make(http.Header, len(c.Headers))
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	return h
}

func (c Config) transportOptions(log *logrus.Entry) []transport.WebSocketOption {
	return []transport.WebSocketOption{
		transport.WithHeaders(c.header()),
		transport.WithHandshakeTimeout(c.HandshakeTimeout),
		transport.WithWriteTimeout(c.WriteTimeout),
		transport.WithCloseTimeout(c.CloseTimeout),
		transport.WithCompression(c.EnableCompression),
		transport.WithReadLimit(c.ReadLimit),
		transport.WithLogger(log.WithField("component", "transport")),
	}
}

// backOff builds the default reconnect schedule: jittered exponential
// growth from ReconnectInitialDelay up to ReconnectMaxDelay.
func (c Config) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.ReconnectInitialDelay
	b.MaxInterval = c.ReconnectMaxDelay
	b.MaxElapsedTime = c.ReconnectMaxElapsed
	b.Reset()
	return b
}

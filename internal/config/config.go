// Package config handles halink configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/halink/config.yaml, /etc/halink/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "halink", "config.yaml"))
	}

	paths = append(paths, "/etc/halink/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all halink configuration.
type Config struct {
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Journal       JournalConfig       `yaml:"journal"`

	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat selects the slog handler: "text" (default) or "json".
	LogFormat string `yaml:"log_format"`
}

// HomeAssistantConfig defines hub connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	// VerifySSL controls TLS certificate verification for both REST
	// and WebSocket. Nil means true.
	VerifySSL *bool `yaml:"verify_ssl"`

	// WebSocketTimeout is the keepalive interval. A ping is sent every
	// interval and the connection is dropped if it goes unanswered.
	WebSocketTimeout time.Duration `yaml:"websocket_timeout"`

	// RequestTimeout bounds each REST call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// CommandTimeout bounds each WebSocket command awaiting a result.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	// StateCacheTTL expires cached entity states. Zero keeps them
	// valid until the connection is lost.
	StateCacheTTL time.Duration `yaml:"state_cache_ttl"`

	Subscribe SubscribeConfig `yaml:"subscribe"`
}

// ReconnectConfig sets the reconnect backoff schedule.
type ReconnectConfig struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// SubscribeConfig selects which hub events the serve command watches.
type SubscribeConfig struct {
	// EventTypes are subscribed in addition to state_changed.
	EventTypes []string `yaml:"event_types"`

	// EntityGlobs filter state changes forwarded to the journal and
	// MQTT mirror (e.g. "light.*"). Empty forwards everything.
	EntityGlobs []string `yaml:"entity_globs"`

	// RateLimitPerMinute caps forwarded state changes per entity.
	// Zero disables the limit.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// MQTTConfig configures the optional state mirror. Empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// JournalConfig configures the optional event journal. Empty Path
// disables it.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// Defaults applied by applyDefaults.
const (
	DefaultWebSocketTimeout = 55 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
	DefaultCommandTimeout   = 10 * time.Second
	DefaultReconnectBase    = 1 * time.Second
	DefaultReconnectMax     = 300 * time.Second
	DefaultTopicPrefix      = "halink"
	DefaultJournalRetention = 7 * 24 * time.Hour
)

// VerifyTLS reports whether certificates should be verified.
func (c HomeAssistantConfig) VerifyTLS() bool {
	return c.VerifySSL == nil || *c.VerifySSL
}

// Configured reports whether both URL and token are present.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// Enabled reports whether the MQTT mirror should run.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// Enabled reports whether the journal should run.
func (c JournalConfig) Enabled() bool {
	return c.Path != ""
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML configuration, expanding environment variables and
// applying defaults. It does not validate.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied and no hub
// configured.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	ha := &c.HomeAssistant
	ha.URL = strings.TrimRight(ha.URL, "/")
	if ha.WebSocketTimeout <= 0 {
		ha.WebSocketTimeout = DefaultWebSocketTimeout
	}
	if ha.RequestTimeout <= 0 {
		ha.RequestTimeout = DefaultRequestTimeout
	}
	if ha.CommandTimeout <= 0 {
		ha.CommandTimeout = DefaultCommandTimeout
	}
	if ha.Reconnect.Base <= 0 {
		ha.Reconnect.Base = DefaultReconnectBase
	}
	if ha.Reconnect.Max <= 0 {
		ha.Reconnect.Max = DefaultReconnectMax
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	c.MQTT.TopicPrefix = strings.Trim(c.MQTT.TopicPrefix, "/")
	if c.Journal.Retention <= 0 {
		c.Journal.Retention = DefaultJournalRetention
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for errors that would prevent a
// connection from ever succeeding. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	ha := c.HomeAssistant
	switch {
	case ha.URL == "":
		errs = append(errs, errors.New("homeassistant.url is required"))
	default:
		u, err := url.Parse(ha.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("homeassistant.url: %w", err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("homeassistant.url: scheme must be http or https, got %q", u.Scheme))
		} else if u.Host == "" {
			errs = append(errs, errors.New("homeassistant.url: missing host"))
		}
	}
	if ha.Token == "" {
		errs = append(errs, errors.New("homeassistant.token is required"))
	}
	if ha.Reconnect.Max < ha.Reconnect.Base {
		errs = append(errs, fmt.Errorf("homeassistant.reconnect.max (%s) is less than base (%s)",
			ha.Reconnect.Max, ha.Reconnect.Base))
	}
	if ha.StateCacheTTL < 0 {
		errs = append(errs, errors.New("homeassistant.state_cache_ttl must not be negative"))
	}
	if ha.Subscribe.RateLimitPerMinute < 0 {
		errs = append(errs, errors.New("homeassistant.subscribe.rate_limit_per_minute must not be negative"))
	}

	if c.MQTT.Enabled() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil {
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		} else {
			switch u.Scheme {
			case "mqtt", "mqtts", "tcp", "ssl", "ws", "wss":
			default:
				errs = append(errs, fmt.Errorf("mqtt.broker: unsupported scheme %q", u.Scheme))
			}
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}

	return errors.Join(errs...)
}

// Package config handles mxchat configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mxchat/config.yaml, /etc/mxchat/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mxchat", "config.yaml"))
	}

	paths = append(paths, "/etc/mxchat/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns an empty path and nil error when nothing was found; callers fall
// back to [Default] in that case.
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

	return "", nil
}

// Config holds all mxchat configuration.
type Config struct {
	Session   SessionConfig `yaml:"session"`
	Chat      ChatConfig    `yaml:"chat"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text (default) or json

	// IdentityBackend selects where the client id lives: "file"
	// (default) or "sqlite".
	IdentityBackend string `yaml:"identity_backend"`
}

// SessionConfig defines the bidirectional workflow session.
type SessionConfig struct {
	// URL is the session endpoint without the clientId query, e.g.
	// ws://localhost:8188/ws. http(s) schemes are accepted and mapped
	// to ws(s).
	URL string `yaml:"url"`

	// Secure upgrades the scheme to wss, mirroring a front-end served
	// from a secure origin.
	Secure bool `yaml:"secure"`

	// BaseDelay is the first reconnect delay (default 1s).
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps reconnect backoff growth (default 30s).
	MaxDelay time.Duration `yaml:"max_delay"`

	// ConnectTimeout bounds how long a dial may take to reach Open
	// before it is treated as a failure (default 10s).
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// ChatConfig defines the streaming conversational endpoint.
type ChatConfig struct {
	// URL is the chat server base URL; /chat and /update_config are
	// appended.
	URL string `yaml:"url"`

	// Mode is the front-end mode the client starts in (default
	// "chat"). Streamed questions always use chat mode.
	Mode string `yaml:"mode"`

	// Timeout bounds a whole streamed reply. Zero means no limit.
	Timeout time.Duration `yaml:"timeout"`

	// InsecureSkipVerify disables TLS verification for self-signed
	// development hosts.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// MQTTConfig defines the optional MQTT relay. Leave Broker empty to
// disable it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Configured reports whether the MQTT relay should run.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables
// referenced as ${NAME} are expanded before parsing. Missing fields
// keep their [Default] values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration pointing at a local workflow host
// and chat server on their usual ports.
func Default() *Config {
	cfg := &Config{
		Session: SessionConfig{
			URL: "ws://localhost:8188/ws",
		},
		Chat: ChatConfig{
			URL: "http://localhost:8166",
		},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-value fields. Called after YAML decoding so
// an explicit "0s" in the file still falls back to a usable value.
func (c *Config) applyDefaults() {
	if c.Session.BaseDelay <= 0 {
		c.Session.BaseDelay = time.Second
	}
	if c.Session.MaxDelay <= 0 {
		c.Session.MaxDelay = 30 * time.Second
	}
	if c.Session.ConnectTimeout <= 0 {
		c.Session.ConnectTimeout = 10 * time.Second
	}
	if c.Chat.Mode == "" {
		c.Chat.Mode = "chat"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "mxchat"
	}
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".local", "share", "mxchat")
		} else {
			c.DataDir = "data"
		}
	}
	if c.IdentityBackend == "" {
		c.IdentityBackend = "file"
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Session.URL == "" {
		return fmt.Errorf("session.url is required")
	}
	if c.Chat.URL == "" {
		return fmt.Errorf("chat.url is required")
	}
	if c.Session.MaxDelay < c.Session.BaseDelay {
		return fmt.Errorf("session.max_delay (%s) must not be below session.base_delay (%s)",
			c.Session.MaxDelay, c.Session.BaseDelay)
	}
	switch c.Chat.Mode {
	case "agent", "chat", "build":
	default:
		return fmt.Errorf("unknown chat.mode %q (valid: agent, chat, build)", c.Chat.Mode)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	switch c.IdentityBackend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown identity_backend %q (valid: file, sqlite)", c.IdentityBackend)
	}
	return nil
}

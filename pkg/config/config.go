// Package config loads streamchat settings. Later layers override earlier
// ones: compiled defaults, the YAML file, STREAMCHAT_* environment
// variables, then command flags (applied by the commands themselves).
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/streamchat/pkg/redisstream"
	"github.com/go-go-golems/streamchat/pkg/transport"
)

// EnvPrefix prefixes every environment variable, e.g. STREAMCHAT_SERVER_URL.
const EnvPrefix = "STREAMCHAT"

type Config struct {
	ServerURL string `yaml:"server_url" envconfig:"SERVER_URL"`
	// SessionID selects the conversation to resume. Nil starts pending.
	SessionID    *int64 `yaml:"session_id" envconfig:"SESSION_ID"`
	TranscriptDB string `yaml:"transcript_db" envconfig:"TRANSCRIPT_DB"`
	RenderStyle  string `yaml:"render_style" envconfig:"RENDER_STYLE"`

	SpeechCommand string `yaml:"speech_command" envconfig:"SPEECH_COMMAND"`
	Voice         string `yaml:"voice" envconfig:"VOICE"`
	Mute          bool   `yaml:"mute" envconfig:"MUTE"`

	RetryAttempts       int           `yaml:"retry_attempts" envconfig:"RETRY_ATTEMPTS"`
	RetryInitialBackoff time.Duration `yaml:"retry_initial_backoff" envconfig:"RETRY_INITIAL_BACKOFF"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	HistoryLimit        int           `yaml:"history_limit" envconfig:"HISTORY_LIMIT"`

	MirrorAddr string               `yaml:"mirror_addr" envconfig:"MIRROR_ADDR"`
	Redis      redisstream.Settings `yaml:"redis" envconfig:"REDIS"`
}

func Default() Config {
	return Config{
		ServerURL:           "http://localhost:8000",
		RenderStyle:         "auto",
		SpeechCommand:       "none",
		RetryInitialBackoff: 500 * time.Millisecond,
		HistoryLimit:        50,
		Redis:               redisstream.DefaultSettings(),
	}
}

// DefaultPath is $XDG_CONFIG_HOME/streamchat/config.yaml or its platform
// equivalent.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "config: locate user config dir")
	}
	return filepath.Join(dir, "streamchat", "config.yaml"), nil
}

// Load builds the configuration. An empty path reads the default file if it
// exists; an explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err == nil {
			path = p
		}
	}
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return Config{}, err
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: environment")
	}
	if cfg.TranscriptDB != "" {
		expanded, err := ExpandPath(cfg.TranscriptDB)
		if err != nil {
			return Config{}, err
		}
		cfg.TranscriptDB = expanded
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ExpandPath resolves a leading ~ to the home directory.
func ExpandPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", errors.Wrapf(err, "config: expand %s", path)
	}
	return expanded, nil
}

// LoadFile overlays the YAML file at path onto cfg.
func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return errors.Wrapf(err, "config: parse %s", path)
	}
	return nil
}

func (c Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("config: server url is empty")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return errors.Wrapf(err, "config: server url %q", c.ServerURL)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("config: server url %q must be http(s)://host", c.ServerURL)
	}
	if c.RetryAttempts < 0 {
		return errors.New("config: retry attempts must not be negative")
	}
	if c.RetryInitialBackoff < 0 {
		return errors.New("config: retry backoff must not be negative")
	}
	if c.IdleTimeout < 0 {
		return errors.New("config: idle timeout must not be negative")
	}
	if c.HistoryLimit < 0 {
		return errors.New("config: history limit must not be negative")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("config: redis enabled without an address")
	}
	return nil
}

func (c Config) RetryPolicy() transport.RetryPolicy {
	return transport.RetryPolicy{
		Retries:        c.RetryAttempts,
		InitialBackoff: c.RetryInitialBackoff,
	}
}

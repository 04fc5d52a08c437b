package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath               = "config.json"
	DefaultMusicFile          = "music.mp3"
	DefaultVolume             = 0.5
	DefaultMaxConnectAttempts = 17280 // one day of retries at the fixed connect delay
	DefaultWatchdogSchedule   = "@every 30s"
	DefaultLogLevel           = "info"
)

// Config holds the immutable settings read once at startup.
type Config struct {
	Token     string  `json:"token" toml:"token" yaml:"token" env:"DISCORD_TOKEN"`
	GuildID   string  `json:"guild_id" toml:"guild_id" yaml:"guild_id" env:"GUILD_ID"`
	ChannelID string  `json:"channel_id" toml:"channel_id" yaml:"channel_id" env:"CHANNEL_ID"`
	MusicFile string  `json:"music_file" toml:"music_file" yaml:"music_file" env:"MUSIC_FILE"`
	Volume    float64 `json:"volume" toml:"volume" yaml:"volume" env:"VOLUME"`

	BotAccount         bool   `json:"bot_account" toml:"bot_account" yaml:"bot_account" env:"BOT_ACCOUNT"`
	ExitOnLoginFailure bool   `json:"exit_on_login_failure" toml:"exit_on_login_failure" yaml:"exit_on_login_failure"`
	MaxConnectAttempts int    `json:"max_connect_attempts" toml:"max_connect_attempts" yaml:"max_connect_attempts"`
	WatchdogSchedule   string `json:"watchdog_schedule" toml:"watchdog_schedule" yaml:"watchdog_schedule"`
	ShowActivity       bool   `json:"show_activity" toml:"show_activity" yaml:"show_activity"`
	LogLevel           string `json:"log_level" toml:"log_level" yaml:"log_level" env:"LOG_LEVEL"`

	// Notes collects adjustments made while normalizing, for the caller to log.
	Notes []string `json:"-" toml:"-" yaml:"-"`
}

// Default returns a Config with every optional field at its default.
func Default() *Config {
	return &Config{
		MusicFile:          DefaultMusicFile,
		Volume:             DefaultVolume,
		MaxConnectAttempts: DefaultMaxConnectAttempts,
		WatchdogSchedule:   DefaultWatchdogSchedule,
		LogLevel:           DefaultLogLevel,
	}
}

// LoadEnvFile loads a .env file into the process environment. A missing
// file is not an error; environment variables may come from elsewhere.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return errors.Wrapf(godotenv.Load(path), "load %s", path)
}

// Load reads the configuration document at path, applies environment
// overrides, normalizes and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrConfigNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "read %s", path)
	}

	cfg := Default()
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrapf(ErrEnvOverride, "%v", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return errors.Wrapf(ErrUnsupportedFormat, "%q", ext)
	}
	if err != nil {
		return errors.Wrapf(ErrMalformedConfig, "%s: %v", path, err)
	}
	return nil
}

// normalize resolves the music path and clamps volume into [0, 1].
func (c *Config) normalize() error {
	c.Token = strings.TrimSpace(c.Token)
	c.GuildID = strings.TrimSpace(c.GuildID)
	c.ChannelID = strings.TrimSpace(c.ChannelID)

	if c.MusicFile == "" {
		c.MusicFile = DefaultMusicFile
	}
	abs, err := filepath.Abs(c.MusicFile)
	if err != nil {
		return errors.Wrapf(err, "resolve music_file %q", c.MusicFile)
	}
	c.MusicFile = abs

	if math.IsNaN(c.Volume) {
		return errors.Wrap(ErrInvalidVolume, "volume is NaN")
	}
	if clamped := ClampVolume(c.Volume); clamped != c.Volume {
		c.Notes = append(c.Notes, fmt.Sprintf("volume %v clamped to %v", c.Volume, clamped))
		c.Volume = clamped
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	return nil
}

// Validate checks required fields and option ranges.
func (c *Config) Validate() error {
	if c.Token == "" {
		return ErrTokenNotSet
	}
	if c.GuildID == "" {
		return ErrGuildIDNotSet
	}
	if c.ChannelID == "" {
		return ErrChannelIDNotSet
	}
	if math.IsNaN(c.Volume) || c.Volume < 0 || c.Volume > 1 {
		return errors.Wrapf(ErrInvalidVolume, "%v", c.Volume)
	}
	if c.MaxConnectAttempts < 0 {
		return errors.Wrapf(ErrInvalidMaxAttempts, "%d", c.MaxConnectAttempts)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Wrapf(ErrInvalidLogLevel, "%q", c.LogLevel)
	}
	if c.WatchdogSchedule != "" {
		if _, err := cron.ParseStandard(c.WatchdogSchedule); err != nil {
			return errors.Wrapf(ErrInvalidWatchdogSpec, "%q: %v", c.WatchdogSchedule, err)
		}
	}
	return nil
}

// AuthToken returns the token in the form discordgo expects.
func (c *Config) AuthToken() string {
	if c.BotAccount && !strings.HasPrefix(c.Token, "Bot ") {
		return "Bot " + c.Token
	}
	return c.Token
}

// ClampVolume limits v to [0, 1].
func ClampVolume(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

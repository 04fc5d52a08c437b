package config

import "errors"

// Configuration load errors
var (
	ErrConfigNotFound    = errors.New("config file not found")
	ErrUnsupportedFormat = errors.New("unsupported config format")
	ErrMalformedConfig   = errors.New("malformed config")
	ErrEnvOverride       = errors.New("invalid environment override")
)

// Validation errors
var (
	ErrTokenNotSet         = errors.New("token is not set")
	ErrGuildIDNotSet       = errors.New("guild_id is not set")
	ErrChannelIDNotSet     = errors.New("channel_id is not set")
	ErrInvalidVolume       = errors.New("invalid volume")
	ErrInvalidMaxAttempts  = errors.New("invalid max_connect_attempts")
	ErrInvalidLogLevel     = errors.New("invalid log_level")
	ErrInvalidWatchdogSpec = errors.New("invalid watchdog_schedule")
)

// Package config provides the configuration schema, loader, and file watcher
// for the earbridge interaction broker.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// LogLevel controls log verbosity for the broker.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ChannelType selects the wire format of a notification channel.
type ChannelType string

const (
	ChannelNtfy    ChannelType = "ntfy"
	ChannelSlack   ChannelType = "slack"
	ChannelDiscord ChannelType = "discord"
	ChannelWebhook ChannelType = "webhook"
)

// IsValid reports whether t is a recognised channel type.
func (t ChannelType) IsValid() bool {
	switch t {
	case ChannelNtfy, ChannelSlack, ChannelDiscord, ChannelWebhook:
		return true
	}
	return false
}

// Config is the root configuration structure for earbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	TTS           TTSConfig           `yaml:"tts"`
	Health        HealthConfig        `yaml:"health"`
	Notifications NotificationsConfig `yaml:"notifications"`
	State         StateConfig         `yaml:"state"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// FrontendAddr is the address of the operator-facing HTTP API.
	FrontendAddr string `yaml:"frontend_addr"`

	// BackendAddr is the address of the agent-facing tool-call server.
	BackendAddr string `yaml:"backend_addr"`

	// SendAddr is the address of the message-send API.
	SendAddr string `yaml:"send_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PIDFile is where the broker writes its decimal PID.
	PIDFile string `yaml:"pid_file"`
}

// TTSConfig holds speech synthesis settings.
type TTSConfig struct {
	// Binary is the synthesis command; it must stream a WAV to stdout.
	Binary string `yaml:"binary"`

	// Player is the playback command; it receives a WAV file path.
	Player string `yaml:"player"`

	// LocalBinary is the fast local fallback synthesiser (e.g. espeak-ng).
	LocalBinary string `yaml:"local_binary"`

	// Local forces the local synthesiser even when Binary is available.
	Local bool `yaml:"local"`

	// Model, Voice, Emotion and Speed parameterise synthesis and the
	// audio cache key.
	Model   string  `yaml:"model"`
	Voice   string  `yaml:"voice"`
	Emotion string  `yaml:"emotion"`
	Speed   float64 `yaml:"speed"`

	// STTModel names the speech-to-text model used by the recording UI.
	// Opaque to the broker; carried so agents can query and set it.
	STTModel string `yaml:"stt_model"`

	// CacheDir holds generated WAV clips. Defaults under the system
	// temp directory.
	CacheDir string `yaml:"cache_dir"`

	// GenerateTimeout bounds one synthesis subprocess call.
	GenerateTimeout time.Duration `yaml:"generate_timeout"`
}

// HealthConfig tunes the session health monitor.
type HealthConfig struct {
	// CheckInterval is how often the monitor sweeps sessions.
	CheckInterval time.Duration `yaml:"check_interval"`

	// WarningAfter marks a silent session as warning.
	WarningAfter time.Duration `yaml:"warning_after"`

	// UnresponsiveAfter marks a silent session as unresponsive.
	UnresponsiveAfter time.Duration `yaml:"unresponsive_after"`

	// StaleTimeout is the idle age past which unfocused sessions are
	// removed by cleanup.
	StaleTimeout time.Duration `yaml:"stale_timeout"`
}

// NotificationsConfig configures outbound webhook notifications.
type NotificationsConfig struct {
	// Enabled gates all delivery; channels are ignored when false.
	Enabled bool `yaml:"enabled"`

	// Cooldown suppresses repeat notifications per channel and event
	// type. Default 60s.
	Cooldown time.Duration `yaml:"cooldown"`

	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig describes one notification sink.
type ChannelConfig struct {
	// Name is a unique label used in logs and cooldown keys.
	Name string `yaml:"name"`

	// Type selects the payload format.
	Type ChannelType `yaml:"type"`

	// URL is the delivery endpoint.
	URL string `yaml:"url"`

	// Method defaults to POST.
	Method string `yaml:"method"`

	// Headers are added to every request.
	Headers map[string]string `yaml:"headers"`

	// Events lists accepted event types; "all" accepts everything.
	Events []string `yaml:"events"`

	// Priority is passed through to sinks that support it (ntfy).
	Priority string `yaml:"priority"`
}

// StateConfig holds persistence paths.
type StateConfig struct {
	// SessionsFile persists registered-session metadata across restarts.
	SessionsFile string `yaml:"sessions_file"`

	// UIStateFile persists the operator's UI settings.
	UIStateFile string `yaml:"ui_state_file"`
}

// Default returns a config with all defaults applied.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			FrontendAddr: "127.0.0.1:8445",
			BackendAddr:  "127.0.0.1:8444",
			SendAddr:     "127.0.0.1:8446",
			LogLevel:     LogInfo,
			PIDFile:      filepath.Join(os.TempDir(), "earbridge.pid"),
		},
		TTS: TTSConfig{
			Player:          "paplay",
			LocalBinary:     "espeak-ng",
			Speed:           1.0,
			CacheDir:        filepath.Join(os.TempDir(), "earbridge-tts-cache"),
			GenerateTimeout: 30 * time.Second,
		},
		Health: HealthConfig{
			CheckInterval:     30 * time.Second,
			WarningAfter:      5 * time.Minute,
			UnresponsiveAfter: 10 * time.Minute,
			StaleTimeout:      time.Hour,
		},
		Notifications: NotificationsConfig{
			Cooldown: 60 * time.Second,
		},
		State: StateConfig{
			SessionsFile: filepath.Join(home, ".config", "earbridge", "sessions.json"),
			UIStateFile:  filepath.Join(home, ".config", "earbridge", "ui_state.json"),
		},
	}
}

// applyDefaults fills zero-value fields in cfg from [Default].
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.FrontendAddr == "" {
		cfg.Server.FrontendAddr = def.Server.FrontendAddr
	}
	if cfg.Server.BackendAddr == "" {
		cfg.Server.BackendAddr = def.Server.BackendAddr
	}
	if cfg.Server.SendAddr == "" {
		cfg.Server.SendAddr = def.Server.SendAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.Server.PIDFile == "" {
		cfg.Server.PIDFile = def.Server.PIDFile
	}
	if cfg.TTS.Player == "" {
		cfg.TTS.Player = def.TTS.Player
	}
	if cfg.TTS.LocalBinary == "" {
		cfg.TTS.LocalBinary = def.TTS.LocalBinary
	}
	if cfg.TTS.Speed == 0 {
		cfg.TTS.Speed = def.TTS.Speed
	}
	if cfg.TTS.CacheDir == "" {
		cfg.TTS.CacheDir = def.TTS.CacheDir
	}
	if cfg.TTS.GenerateTimeout == 0 {
		cfg.TTS.GenerateTimeout = def.TTS.GenerateTimeout
	}
	if cfg.Health.CheckInterval == 0 {
		cfg.Health.CheckInterval = def.Health.CheckInterval
	}
	if cfg.Health.WarningAfter == 0 {
		cfg.Health.WarningAfter = def.Health.WarningAfter
	}
	if cfg.Health.UnresponsiveAfter == 0 {
		cfg.Health.UnresponsiveAfter = def.Health.UnresponsiveAfter
	}
	if cfg.Health.StaleTimeout == 0 {
		cfg.Health.StaleTimeout = def.Health.StaleTimeout
	}
	if cfg.Notifications.Cooldown == 0 {
		cfg.Notifications.Cooldown = def.Notifications.Cooldown
	}
	if cfg.State.SessionsFile == "" {
		cfg.State.SessionsFile = def.State.SessionsFile
	}
	if cfg.State.UIStateFile == "" {
		cfg.State.UIStateFile = def.State.UIStateFile
	}
}

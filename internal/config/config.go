// Package config provides the configuration schema, loader, and backend
// registry for the voicedesk daemon.
package config

import (
	"time"

	"github.com/MrWong99/voicedesk/internal/authbridge"
	"github.com/MrWong99/voicedesk/internal/conversation"
	"github.com/MrWong99/voicedesk/internal/vad"
	"github.com/MrWong99/voicedesk/internal/voice"
)

// EnvPrefix is prepended to every environment override, e.g.
// VOICEDESK_BACKEND_URL.
const EnvPrefix = "VOICEDESK_"

// LogLevel controls log verbosity for the daemon.
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

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Backend    BackendConfig    `yaml:"backend" envPrefix:"BACKEND_"`
	Voice      VoiceConfig      `yaml:"voice" envPrefix:"VOICE_"`
	Capture    CaptureConfig    `yaml:"capture" envPrefix:"CAPTURE_"`
	Playback   PlaybackConfig   `yaml:"playback"`
	AuthBridge AuthBridgeConfig `yaml:"auth_bridge"`
	Archive    ArchiveConfig    `yaml:"archive" envPrefix:"ARCHIVE_"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds the local control API and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on. Default:
	// "127.0.0.1:8765".
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"LOG_LEVEL"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds paths to TLS certificate and key files.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// BackendConfig points at the decision backend.
type BackendConfig struct {
	// URL is the API base, e.g. "https://api.example.com/api". Required.
	URL string `yaml:"url" env:"URL"`

	// Locale is sent as x-locale and selects fallback messages. Default: "en".
	Locale string `yaml:"locale" env:"LOCALE"`

	// Timeout bounds each backend call. Default: 15s.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	// Paths overrides endpoint paths. Empty entries keep their default.
	Paths conversation.Paths `yaml:"paths"`

	// FallbackMessages are merged over the built-in per-locale messages.
	FallbackMessages map[string]string `yaml:"fallback_messages"`
}

// VoiceConfig tunes the recording engine.
type VoiceConfig struct {
	VAD VADConfig `yaml:"vad"`

	// CloseAfterNavigate closes the interface after a navigate action.
	// Default: true.
	CloseAfterNavigate *bool `yaml:"close_after_navigate"`

	// CloseDelay is the pause before closing after navigation. Default: 250ms.
	CloseDelay time.Duration `yaml:"close_delay"`

	// KeepUtterances leaves uploaded WAV files on disk.
	KeepUtterances bool `yaml:"keep_utterances" env:"KEEP_UTTERANCES"`

	// MaxFollowUps bounds automatic follow-up turns per user turn. Default: 4.
	MaxFollowUps int `yaml:"max_follow_ups"`

	// AuthScreen is where protected navigation is redirected. Default:
	// "AuthStart".
	AuthScreen string `yaml:"auth_screen"`

	// ProtectedRoutes replaces the built-in list when non-empty.
	ProtectedRoutes []voice.Route `yaml:"protected_routes"`
}

// VADConfig overrides voice activity detection parameters. Zero values keep
// the defaults.
type VADConfig struct {
	SpeechThresholdDB  *float64      `yaml:"speech_threshold_db"`
	SilenceThresholdDB *float64      `yaml:"silence_threshold_db"`
	SpeechConfirm      time.Duration `yaml:"speech_confirm"`
	SilenceConfirm     time.Duration `yaml:"silence_confirm"`
	MinRecording       time.Duration `yaml:"min_recording"`
	MaxRecording       time.Duration `yaml:"max_recording"`
	MeteringFallback   time.Duration `yaml:"metering_fallback"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	WindowSize         int           `yaml:"window_size"`
}

// Resolve merges c over [vad.DefaultConfig].
func (c VADConfig) Resolve() vad.Config {
	out := vad.DefaultConfig()
	if c.SpeechThresholdDB != nil {
		out.SpeechThresholdDB = *c.SpeechThresholdDB
	}
	if c.SilenceThresholdDB != nil {
		out.SilenceThresholdDB = *c.SilenceThresholdDB
	}
	setDuration(&out.SpeechConfirm, c.SpeechConfirm)
	setDuration(&out.SilenceConfirm, c.SilenceConfirm)
	setDuration(&out.MinRecording, c.MinRecording)
	setDuration(&out.MaxRecording, c.MaxRecording)
	setDuration(&out.MeteringFallback, c.MeteringFallback)
	setDuration(&out.PollInterval, c.PollInterval)
	if c.WindowSize != 0 {
		out.WindowSize = c.WindowSize
	}
	return out
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

// Engine builds the recording engine configuration.
func (c VoiceConfig) Engine() voice.Config {
	out := voice.DefaultConfig()
	out.VAD = c.VAD.Resolve()
	if c.CloseAfterNavigate != nil {
		out.CloseAfterNavigate = *c.CloseAfterNavigate
	}
	setDuration(&out.CloseDelay, c.CloseDelay)
	out.KeepUtterances = c.KeepUtterances
	if c.AuthScreen != "" {
		out.Guard.AuthScreen = c.AuthScreen
	}
	if len(c.ProtectedRoutes) > 0 {
		out.Guard.Protected = c.ProtectedRoutes
	}
	return out
}

// CaptureConfig selects the microphone backend.
type CaptureConfig struct {
	// Backend names a factory in the [Registry]. Default: "ffmpeg".
	Backend string `yaml:"backend" env:"BACKEND"`

	// Command and Args are used by the "command" backend. The command must
	// write raw s16le PCM to stdout.
	Command string   `yaml:"command" env:"COMMAND"`
	Args    []string `yaml:"args"`

	// SampleRate of the capture in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// Dir receives utterance files. Empty means the OS temp directory.
	Dir string `yaml:"dir" env:"DIR"`
}

// PlaybackConfig lists playback backends in failover order. An empty list
// uses the platform default player.
type PlaybackConfig struct {
	Players []PlayerEntry `yaml:"players"`
}

// PlayerEntry configures one playback backend.
type PlayerEntry struct {
	// Backend names a factory in the [Registry]: "default" or "command".
	Backend string `yaml:"backend"`

	// Command and Args are used by the "command" backend. The clip path is
	// appended as the last argument.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Label names the entry for logs and breaker metrics.
func (e PlayerEntry) Label() string {
	if e.Command != "" {
		return e.Command
	}
	return e.Backend
}

// AuthBridgeConfig overrides the identity prompt markers.
type AuthBridgeConfig struct {
	// Markers replaces the built-in phrases for each locale listed.
	Markers map[string]authbridge.Markers `yaml:"markers"`
}

// ArchiveConfig enables the PostgreSQL transcript archive.
type ArchiveConfig struct {
	// PostgresDSN enables the archive when non-empty.
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`

	// BufferSize is the queue depth of pending entries. Default: 256.
	BufferSize int `yaml:"buffer_size"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName reported in telemetry. Default: "voicedesk".
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`

	// SampleRatio is the trace sampling fraction in [0, 1]. Zero samples
	// everything.
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// ResilienceConfig tunes circuit breakers.
type ResilienceConfig struct {
	Backend  BreakerConfig `yaml:"backend"`
	Playback BreakerConfig `yaml:"playback"`
}

// BreakerConfig mirrors the tunable part of a circuit breaker. Zero values
// keep the breaker defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [LoadFromReader] to unset values.
const (
	DefaultListenAddr      = "127.0.0.1:8765"
	DefaultLocale          = "en"
	DefaultCaptureBackend  = "ffmpeg"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultArchiveBuffer   = 256
)

// ValidBackendNames lists the built-in backend names per kind. Used by
// [Validate] to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"capture":  {"ffmpeg", "command"},
	"playback": {"default", "command"},
}

// LoadOption customises [Load] and [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	environ map[string]string
}

// WithEnvironment replaces the process environment as the source of
// VOICEDESK_* overrides.
func WithEnvironment(environ map[string]string) LoadOption {
	return func(o *loadOptions) { o.environ = environ }
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string, opts ...LoadOption) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies VOICEDESK_* environment
// overrides and defaults, and validates the result. An empty document is a
// valid (all default) config.
func LoadFromReader(r io.Reader, opts ...LoadOption) (*Config, error) {
	var o loadOptions
	for _, fn := range opts {
		fn(&o)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	envOpts := env.Options{Prefix: EnvPrefix}
	if o.environ != nil {
		envOpts.Environment = o.environ
	}
	if err := env.Parse(cfg, envOpts); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset scalar values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Backend.Locale == "" {
		cfg.Backend.Locale = DefaultLocale
	}
	if cfg.Capture.Backend == "" {
		cfg.Capture.Backend = DefaultCaptureBackend
	}
	if cfg.Archive.BufferSize == 0 {
		cfg.Archive.BufferSize = DefaultArchiveBuffer
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "voicedesk"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Backend
	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if u, err := url.Parse(cfg.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.url %q must be an absolute http or https URL", cfg.Backend.URL))
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %s must not be negative", cfg.Backend.Timeout))
	}
	for locale, msg := range cfg.Backend.FallbackMessages {
		if msg == "" {
			errs = append(errs, fmt.Errorf("backend.fallback_messages[%s] is empty", locale))
		}
	}

	// Voice
	if err := cfg.Voice.VAD.Resolve().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("voice.vad: %w", err))
	}
	if cfg.Voice.CloseDelay < 0 {
		errs = append(errs, fmt.Errorf("voice.close_delay %s must not be negative", cfg.Voice.CloseDelay))
	}
	if cfg.Voice.MaxFollowUps < 0 {
		errs = append(errs, fmt.Errorf("voice.max_follow_ups %d must not be negative", cfg.Voice.MaxFollowUps))
	}
	for i, r := range cfg.Voice.ProtectedRoutes {
		if r.Screen == "" {
			errs = append(errs, fmt.Errorf("voice.protected_routes[%d].screen is required", i))
		}
	}

	// Capture
	validateBackendName("capture", cfg.Capture.Backend)
	if cfg.Capture.Backend == "command" && cfg.Capture.Command == "" {
		errs = append(errs, errors.New("capture.command is required when backend is command"))
	}
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}

	// Playback
	for i, p := range cfg.Playback.Players {
		prefix := fmt.Sprintf("playback.players[%d]", i)
		if p.Backend == "" {
			errs = append(errs, fmt.Errorf("%s.backend is required", prefix))
			continue
		}
		validateBackendName("playback", p.Backend)
		if p.Backend == "command" && p.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when backend is command", prefix))
		}
	}

	// Auth bridge
	for locale, m := range cfg.AuthBridge.Markers {
		for field, phrases := range map[string][]string{
			"national_id":  m.NationalID,
			"phone_number": m.PhoneNumber,
			"full_name":    m.FullName,
			"otp":          m.OTP,
		} {
			if slices.Contains(phrases, "") {
				errs = append(errs, fmt.Errorf("auth_bridge.markers[%s].%s contains an empty phrase", locale, field))
			}
		}
	}

	// Archive
	if cfg.Archive.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("archive.buffer_size %d must not be negative", cfg.Archive.BufferSize))
	}
	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; transcripts will not be archived")
	}

	// Telemetry
	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Resilience
	for name, b := range map[string]BreakerConfig{"backend": cfg.Resilience.Backend, "playback": cfg.Resilience.Playback} {
		if b.MaxFailures < 0 {
			errs = append(errs, fmt.Errorf("resilience.%s.max_failures %d must not be negative", name, b.MaxFailures))
		}
		if b.ResetTimeout < 0 {
			errs = append(errs, fmt.Errorf("resilience.%s.reset_timeout %s must not be negative", name, b.ResetTimeout))
		}
	}

	return errors.Join(errs...)
}

// validateBackendName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidBackendNames[kind], name) {
		return
	}
	slog.Warn("unknown backend name; it must be registered before startup",
		"kind", kind,
		"name", name,
		"known", ValidBackendNames[kind],
	)
}

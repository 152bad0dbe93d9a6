package app

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/voicedesk/internal/config"
	"github.com/MrWong99/voicedesk/internal/resilience"
	"github.com/MrWong99/voicedesk/pkg/audio"
	"github.com/MrWong99/voicedesk/pkg/audio/pcmpipe"
	"github.com/MrWong99/voicedesk/pkg/provider/tts"
	ttscommand "github.com/MrWong99/voicedesk/pkg/provider/tts/command"
)

// Backends holds the device-facing dependencies. Populated by main.go via
// the config registry, or directly by tests.
type Backends struct {
	Recorder audio.Recorder
	Player   tts.Player
}

// RegisterBuiltins registers the capture and playback backends shipped with
// voicedesk.
func RegisterBuiltins(reg *config.Registry) {
	reg.RegisterCapture("ffmpeg", func(config.CaptureConfig) (audio.Recorder, error) {
		return pcmpipe.New(), nil
	})
	reg.RegisterCapture("command", func(c config.CaptureConfig) (audio.Recorder, error) {
		if c.Command == "" {
			return nil, fmt.Errorf("capture backend %q requires a command", "command")
		}
		return pcmpipe.New(pcmpipe.WithCommand(c.Command, c.Args...)), nil
	})

	reg.RegisterPlayback("default", func(config.PlayerEntry) (tts.Player, error) {
		return ttscommand.New(), nil
	})
	reg.RegisterPlayback("command", func(e config.PlayerEntry) (tts.Player, error) {
		if e.Command == "" {
			return nil, fmt.Errorf("playback backend %q requires a command", "command")
		}
		return ttscommand.New(ttscommand.WithCommand(e.Command, e.Args...)), nil
	})
}

// BuildBackends instantiates the configured recorder and the playback
// failover chain. Every player sits behind its own circuit breaker.
func BuildBackends(reg *config.Registry, cfg *config.Config) (*Backends, error) {
	rec, err := reg.CreateCapture(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("create capture backend: %w", err)
	}

	entries := cfg.Playback.Players
	if len(entries) == 0 {
		entries = []config.PlayerEntry{{Backend: "default"}}
	}

	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.Playback.MaxFailures,
			ResetTimeout: cfg.Resilience.Playback.ResetTimeout,
		},
	}

	var chain *resilience.PlayerFallback
	for i, e := range entries {
		p, err := reg.CreatePlayback(e)
		if err != nil {
			return nil, fmt.Errorf("create playback backend %d: %w", i, err)
		}
		if chain == nil {
			chain = resilience.NewPlayerFallback(p, e.Label(), fbCfg)
			continue
		}
		chain.AddFallback(e.Label(), p)
	}
	slog.Info("backends ready", "capture", cfg.Capture.Backend, "players", len(entries))
	return &Backends{Recorder: rec, Player: chain}, nil
}

package resilience

import (
	"context"

	"github.com/MrWong99/voicedesk/pkg/provider/tts"
)

// PlayerFallback implements [tts.Player] with failover across several
// playback backends. Each backend has its own circuit breaker.
type PlayerFallback struct {
	group *FallbackGroup[tts.Player]
}

// Compile-time interface assertion.
var _ tts.Player = (*PlayerFallback)(nil)

// NewPlayerFallback creates a [PlayerFallback] with primary as the preferred
// backend.
func NewPlayerFallback(primary tts.Player, primaryName string, cfg FallbackConfig) *PlayerFallback {
	return &PlayerFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional player.
func (f *PlayerFallback) AddFallback(name string, p tts.Player) {
	f.group.AddFallback(name, p)
}

// Play plays clip on the first healthy backend. A cancelled context is
// returned as is rather than counted as a backend failure.
func (f *PlayerFallback) Play(ctx context.Context, clip []byte) error {
	return f.group.Execute(ctx, func(p tts.Player) error {
		if err := p.Play(ctx, clip); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		return nil
	})
}

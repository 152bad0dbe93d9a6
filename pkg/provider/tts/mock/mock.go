// Package mock provides a test double for the tts.Player interface.
//
// Example:
//
//	p := &mock.Player{}
//	_ = p.Play(ctx, clip)
//	if len(p.PlayCalls) != 1 { ... }
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicedesk/pkg/provider/tts"
)

// PlayCall records a single invocation of Play.
type PlayCall struct {
	// Clip is a copy of the audio passed to Play.
	Clip []byte
}

// Player is a mock implementation of tts.Player.
type Player struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by Play.
	PlayErr error

	// Block, if non-nil, makes Play wait until the channel is closed or the
	// context is cancelled.
	Block chan struct{}

	// PlayCalls records every call to Play in order.
	PlayCalls []PlayCall
}

// Play records the call and returns PlayErr.
func (p *Player) Play(ctx context.Context, clip []byte) error {
	p.mu.Lock()
	p.PlayCalls = append(p.PlayCalls, PlayCall{Clip: append([]byte(nil), clip...)})
	block, err := p.Block, p.PlayErr
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Player) Calls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.PlayCalls))
	copy(out, p.PlayCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Player) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlayCalls = nil
}

// Ensure Player implements tts.Player at compile time.
var _ tts.Player = (*Player)(nil)

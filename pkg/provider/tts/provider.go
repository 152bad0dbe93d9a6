// Package tts defines the playback sink for synthesized assistant speech.
//
// The conversation backend synthesizes each reply and returns it as a
// base64-encoded audio clip (usually WAV or MP3). A [Player] plays one clip
// to completion on the local output device. Playback implementations live in
// sub-packages (tts/command runs an external player, tts/mock for tests).
package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyClip is returned when there is no audio to play.
var ErrEmptyClip = errors.New("tts: empty audio clip")

// Player plays synthesized audio.
//
// Implementations must be safe for concurrent use, although the voice engine
// never plays two clips at once.
type Player interface {
	// Play blocks until clip has finished playing or ctx is cancelled.
	Play(ctx context.Context, clip []byte) error
}

// PlayerFunc adapts a function to [Player].
type PlayerFunc func(ctx context.Context, clip []byte) error

// Play calls f.
func (f PlayerFunc) Play(ctx context.Context, clip []byte) error { return f(ctx, clip) }

// DecodeClip decodes a base64 clip as returned by the backend. A data URI
// prefix ("data:audio/wav;base64,") is tolerated.
func DecodeClip(b64 string) ([]byte, error) {
	s := strings.TrimSpace(b64)
	if i := strings.Index(s, ";base64,"); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+len(";base64,"):]
	}
	if s == "" {
		return nil, ErrEmptyClip
	}
	clip, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("tts: decode clip: %w", err)
	}
	if len(clip) == 0 {
		return nil, ErrEmptyClip
	}
	return clip, nil
}

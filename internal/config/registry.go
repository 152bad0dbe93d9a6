package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voicedesk/pkg/audio"
	"github.com/MrWong99/voicedesk/pkg/provider/tts"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Registry maps backend names to their constructor functions for capture and
// playback. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	capture  map[string]func(CaptureConfig) (audio.Recorder, error)
	playback map[string]func(PlayerEntry) (tts.Player, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:  make(map[string]func(CaptureConfig) (audio.Recorder, error)),
		playback: make(map[string]func(PlayerEntry) (tts.Player, error)),
	}
}

// RegisterCapture registers a microphone backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory func(CaptureConfig) (audio.Recorder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a playback backend factory under name.
func (r *Registry) RegisterPlayback(name string, factory func(PlayerEntry) (tts.Player, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// CreateCapture instantiates the recorder registered under cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateCapture(cfg CaptureConfig) (audio.Recorder, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreatePlayback instantiates the player registered under entry.Backend.
func (r *Registry) CreatePlayback(entry PlayerEntry) (tts.Player, error) {
	r.mu.RLock()
	factory, ok := r.playback[entry.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrBackendNotRegistered, entry.Backend)
	}
	return factory(entry)
}

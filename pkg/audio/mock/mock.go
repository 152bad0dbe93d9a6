// Package mock provides in-memory implementations of [audio.Recorder] and
// [audio.Recording] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	rec := &mock.Recording{
//	    Script: []audio.Status{
//	        {Recording: true, Metered: true, LevelDB: -30},
//	        {Recording: true, Metered: true, LevelDB: -50},
//	    },
//	    StopURI: "/tmp/utt.wav",
//	}
//	r := &mock.Recorder{Recordings: []*mock.Recording{rec}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicedesk/pkg/audio"
)

// ─── Recorder ────────────────────────────────────────────────────────────────

// Recorder is a mock implementation of [audio.Recorder].
type Recorder struct {
	mu sync.Mutex

	// Recordings are handed out by Start in order. Once exhausted, Start
	// returns a fresh Recording that reports Recording=true without a level.
	Recordings []*Recording

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// StartCalls records the options of every Start call.
	StartCalls []audio.Options

	started []*Recording
}

var _ audio.Recorder = (*Recorder)(nil)

// Start returns the next scripted recording.
func (r *Recorder) Start(_ context.Context, opts audio.Options) (audio.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls = append(r.StartCalls, opts)
	if r.StartErr != nil {
		return nil, r.StartErr
	}
	var rec *Recording
	if len(r.Recordings) > 0 {
		rec = r.Recordings[0]
		r.Recordings = r.Recordings[1:]
	} else {
		rec = &Recording{Script: []audio.Status{{Recording: true}}}
	}
	r.started = append(r.started, rec)
	return rec, nil
}

// Started returns every recording handed out so far.
func (r *Recorder) Started() []*Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Recording, len(r.started))
	copy(out, r.started)
	return out
}

// ─── Recording ───────────────────────────────────────────────────────────────

// Recording is a mock implementation of [audio.Recording].
type Recording struct {
	mu sync.Mutex

	// Script is returned by successive Status calls. The last entry repeats
	// once the script is exhausted. After Stop or Discard, Status reports
	// Recording=false.
	Script []audio.Status

	// StatusErr, if non-nil, is returned by Status.
	StatusErr error

	// StopURI is returned by Stop.
	StopURI string

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	// DiscardErr, if non-nil, is returned by Discard.
	DiscardErr error

	// CallCountStatus records how many times Status was called.
	CallCountStatus int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountDiscard records how many times Discard was called.
	CallCountDiscard int

	stopped bool
}

var _ audio.Recording = (*Recording)(nil)

// Status returns the next scripted status.
func (r *Recording) Status(_ context.Context) (audio.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountStatus++
	if r.StatusErr != nil {
		return audio.Status{}, r.StatusErr
	}
	if r.stopped {
		return audio.Status{}, nil
	}
	if len(r.Script) == 0 {
		return audio.Status{Recording: true}, nil
	}
	st := r.Script[0]
	if len(r.Script) > 1 {
		r.Script = r.Script[1:]
	}
	return st, nil
}

// Stop marks the recording stopped and returns StopURI.
func (r *Recording) Stop(_ context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountStop++
	if r.stopped {
		return "", audio.ErrNotRecording
	}
	r.stopped = true
	if r.StopErr != nil {
		return "", r.StopErr
	}
	return r.StopURI, nil
}

// Discard marks the recording stopped.
func (r *Recording) Discard(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountDiscard++
	r.stopped = true
	return r.DiscardErr
}

// Stopped reports whether Stop or Discard was called.
func (r *Recording) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

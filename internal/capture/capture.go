// Package capture owns the single microphone recording of the process.
//
// At most one recording exists at any time. [Session.Start] force-stops and
// discards whatever recording is active before opening a new one, and every
// [Handle] is bound to the recording it started so that a superseded handle
// can never stop or read its successor.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/pkg/audio"
)

var (
	// ErrNoActiveCapture is returned when an operation needs a recording and
	// none is active.
	ErrNoActiveCapture = errors.New("capture: no active recording")

	// ErrSuperseded is returned by a [Handle] whose recording was replaced or
	// already stopped.
	ErrSuperseded = errors.New("capture: recording superseded")
)

// RecordingSession describes the current (or most recent) recording.
type RecordingSession struct {
	Active    bool
	StartTime time.Time
	// URI is the output of the most recent completed recording.
	URI string
}

// Session is the recording singleton.
type Session struct {
	recorder audio.Recorder
	opts     audio.Options
	now      func() time.Time
	metrics  *observe.Metrics

	mu        sync.Mutex
	rec       audio.Recording
	gen       uint64
	startedAt time.Time
	lastURI   string
}

// Option is a functional option for [New].
type Option func(*Session)

// WithOptions overrides the capture format. Default: [audio.DefaultOptions].
func WithOptions(o audio.Options) Option {
	return func(s *Session) { s.opts = o }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithMetrics records the active-capture gauge on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// New returns a Session that records through r.
func New(r audio.Recorder, opts ...Option) *Session {
	s := &Session{recorder: r, opts: audio.DefaultOptions(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins a new recording, first force-stopping an active one. The
// previous recording's output is discarded.
func (s *Session) Start(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec != nil {
		slog.Info("capture: force-stopping previous recording")
		if err := s.rec.Discard(ctx); err != nil {
			slog.Warn("capture: discard previous recording", "err", err)
		}
		s.release(ctx)
	}

	rec, err := s.recorder.Start(ctx, s.opts)
	if err != nil {
		return nil, fmt.Errorf("capture: start: %w", err)
	}
	s.rec = rec
	s.gen++
	s.startedAt = s.now()
	if s.metrics != nil {
		s.metrics.ActiveCaptures.Add(ctx, 1)
	}
	return &Handle{s: s, gen: s.gen, startedAt: s.startedAt}, nil
}

// release forgets the active recording. Must be called with s.mu held.
func (s *Session) release(ctx context.Context) {
	s.rec = nil
	if s.metrics != nil {
		s.metrics.ActiveCaptures.Add(ctx, -1)
	}
}

// Stop stops the active recording and returns its URI.
func (s *Session) Stop(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Session) stopLocked(ctx context.Context) (string, error) {
	if s.rec == nil {
		return "", ErrNoActiveCapture
	}
	rec := s.rec
	s.release(ctx)
	uri, err := rec.Stop(ctx)
	if err != nil {
		return "", fmt.Errorf("capture: stop: %w", err)
	}
	s.lastURI = uri
	return uri, nil
}

// Cancel discards the active recording, if any.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil
	}
	rec := s.rec
	s.release(ctx)
	return rec.Discard(ctx)
}

// Status reports the active recording's status.
func (s *Session) Status(ctx context.Context) (audio.Status, error) {
	s.mu.Lock()
	rec := s.rec
	s.mu.Unlock()
	if rec == nil {
		return audio.Status{}, ErrNoActiveCapture
	}
	return rec.Status(ctx)
}

// Active reports whether a recording is in progress.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec != nil
}

// Info returns a snapshot of the session.
func (s *Session) Info() RecordingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RecordingSession{Active: s.rec != nil, StartTime: s.startedAt, URI: s.lastURI}
}

// Handle is bound to one recording started by [Session.Start].
type Handle struct {
	s         *Session
	gen       uint64
	startedAt time.Time
}

// StartedAt returns when the recording began.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

func (h *Handle) current() (audio.Recording, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.s.rec == nil || h.s.gen != h.gen {
		return nil, ErrSuperseded
	}
	return h.s.rec, nil
}

// Status reports the status of this handle's recording.
func (h *Handle) Status(ctx context.Context) (audio.Status, error) {
	rec, err := h.current()
	if err != nil {
		return audio.Status{}, err
	}
	return rec.Status(ctx)
}

// Stop stops this handle's recording and returns its URI.
func (h *Handle) Stop(ctx context.Context) (string, error) {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.s.rec == nil || h.s.gen != h.gen {
		return "", ErrSuperseded
	}
	return h.s.stopLocked(ctx)
}

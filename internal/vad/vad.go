// Package vad decides when a user has finished speaking into an active
// recording.
//
// A [Monitor] polls the recording every 100 ms, smooths the input level over
// the last ten readings and applies hysteresis: speech must stay above
// -35 dBFS for 300 ms before it counts, and once it counts, the smoothed level
// must stay below -38 dBFS for 1000 ms to end the utterance. The utterance
// also ends when it reaches the 6 s safety limit, or when the platform has
// delivered no level readings for 5 s. In every case the recording is stopped
// and the completion callback runs exactly once with the recording's URI.
package vad

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

// Detection constants.
const (
	SpeechThresholdDB  = -35.0
	SilenceThresholdDB = -38.0

	SpeechConfirm    = 300 * time.Millisecond
	SilenceConfirm   = 1000 * time.Millisecond
	MinRecording     = 1000 * time.Millisecond
	MaxRecording     = 6000 * time.Millisecond
	MeteringFallback = 5000 * time.Millisecond
	PollInterval     = 100 * time.Millisecond

	WindowSize = 10
)

var (
	// ErrAborted wraps every reason monitoring stops without a completion.
	ErrAborted = errors.New("vad: monitoring aborted")

	// ErrCaptureEnded means the platform stopped the recording on its own.
	ErrCaptureEnded = errors.New("vad: recording stopped unexpectedly")
)

// Reason says why an utterance ended.
type Reason int

const (
	// ReasonSilence is confirmed silence after confirmed speech.
	ReasonSilence Reason = iota + 1
	// ReasonMaxDuration is the safety limit.
	ReasonMaxDuration
	// ReasonMeteringFallback is a platform without level readings.
	ReasonMeteringFallback
)

// String returns the metric label of r.
func (r Reason) String() string {
	switch r {
	case ReasonSilence:
		return "silence"
	case ReasonMaxDuration:
		return "max_duration"
	case ReasonMeteringFallback:
		return "metering_fallback"
	default:
		return "unknown"
	}
}

// Completion is passed to the completion callback.
type Completion struct {
	URI     string
	Reason  Reason
	Elapsed time.Duration
}

// Source is the recording being monitored.
type Source interface {
	Status(ctx context.Context) (audio.Status, error)
	Stop(ctx context.Context) (string, error)
}

// Sample is one smoothed-window entry.
type Sample struct {
	At      time.Time
	LevelDB float64
}

// Config holds the detection parameters. [DefaultConfig] returns the
// package constants.
type Config struct {
	SpeechThresholdDB  float64
	SilenceThresholdDB float64
	SpeechConfirm      time.Duration
	SilenceConfirm     time.Duration
	MinRecording       time.Duration
	MaxRecording       time.Duration
	MeteringFallback   time.Duration
	PollInterval       time.Duration
	WindowSize         int
}

// DefaultConfig returns the standard detection parameters.
func DefaultConfig() Config {
	return Config{
		SpeechThresholdDB:  SpeechThresholdDB,
		SilenceThresholdDB: SilenceThresholdDB,
		SpeechConfirm:      SpeechConfirm,
		SilenceConfirm:     SilenceConfirm,
		MinRecording:       MinRecording,
		MaxRecording:       MaxRecording,
		MeteringFallback:   MeteringFallback,
		PollInterval:       PollInterval,
		WindowSize:         WindowSize,
	}
}

// Validate reports inconsistent parameters.
func (c Config) Validate() error {
	var errs []error
	if c.SilenceThresholdDB > c.SpeechThresholdDB {
		errs = append(errs, fmt.Errorf("silence threshold %.1f dB is above speech threshold %.1f dB", c.SilenceThresholdDB, c.SpeechThresholdDB))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.WindowSize <= 0 {
		errs = append(errs, errors.New("window size must be positive"))
	}
	if c.MaxRecording <= c.MinRecording {
		errs = append(errs, fmt.Errorf("max recording %s must exceed min recording %s", c.MaxRecording, c.MinRecording))
	}
	return errors.Join(errs...)
}

// Option is a functional option for [New].
type Option func(*Monitor)

// WithConfig overrides the detection parameters.
func WithConfig(c Config) Option {
	return func(m *Monitor) { m.cfg = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithMetrics records completions on met.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Monitor) { m.metrics = met }
}

// Monitor watches one recording. It is not reusable.
type Monitor struct {
	src        Source
	startedAt  time.Time
	onComplete func(context.Context, Completion)
	cfg        Config
	now        func() time.Time
	metrics    *observe.Metrics

	mu              sync.Mutex
	window          []Sample
	speechConfirmed bool
	speechStart     time.Time
	silenceStart    time.Time
	unmeteredSince  time.Time
	finished        bool
}

// New returns a Monitor for src, which began recording at startedAt.
// onComplete runs at most once, on the goroutine that detected completion.
func New(src Source, startedAt time.Time, onComplete func(context.Context, Completion), opts ...Option) *Monitor {
	m := &Monitor{
		src:        src,
		startedAt:  startedAt,
		onComplete: onComplete,
		cfg:        DefaultConfig(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run polls until the utterance completes, monitoring aborts, or ctx is
// cancelled. It returns nil after a completion, ctx.Err() on cancellation
// and an error wrapping [ErrAborted] otherwise.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.finish()
			return ctx.Err()
		case <-ticker.C:
			done, err := m.Tick(ctx)
			if done {
				return err
			}
		}
	}
}

// Tick performs one poll step. done reports whether monitoring is over.
func (m *Monitor) Tick(ctx context.Context) (done bool, err error) {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()

	st, err := m.src.Status(ctx)
	if err != nil {
		m.finish()
		return true, fmt.Errorf("%w: status: %w", ErrAborted, err)
	}

	log := observe.Logger(ctx)
	now := m.now()
	elapsed := now.Sub(m.startedAt)

	if elapsed >= m.cfg.MaxRecording {
		log.Info("vad: safety stop", "elapsed", elapsed)
		return true, m.complete(ctx, ReasonMaxDuration, elapsed)
	}

	if !st.Recording {
		m.finish()
		return true, fmt.Errorf("%w: %w", ErrAborted, ErrCaptureEnded)
	}

	m.mu.Lock()
	reason, stop := m.apply(log, now, elapsed, st)
	m.mu.Unlock()
	if stop {
		return true, m.complete(ctx, reason, elapsed)
	}
	return false, nil
}

// apply applies one status reading. Must be called with m.mu held.
func (m *Monitor) apply(log *slog.Logger, now time.Time, elapsed time.Duration, st audio.Status) (Reason, bool) {
	if !st.Metered {
		if m.unmeteredSince.IsZero() {
			m.unmeteredSince = now
			log.Warn("vad: no level reading, using fallback timer")
			return 0, false
		}
		if now.Sub(m.unmeteredSince) >= m.cfg.MeteringFallback {
			return ReasonMeteringFallback, true
		}
		return 0, false
	}
	m.unmeteredSince = time.Time{}

	m.window = append(m.window, Sample{At: now, LevelDB: st.LevelDB})
	if len(m.window) > m.cfg.WindowSize {
		m.window = m.window[len(m.window)-m.cfg.WindowSize:]
	}
	avg := m.average()

	if !m.speechConfirmed {
		if avg <= m.cfg.SpeechThresholdDB {
			m.speechStart = time.Time{}
			return 0, false
		}
		if m.speechStart.IsZero() {
			m.speechStart = now
			log.Debug("vad: potential speech", "avg_db", avg)
		}
		if now.Sub(m.speechStart) >= m.cfg.SpeechConfirm {
			m.speechConfirmed = true
			m.speechStart = time.Time{}
			m.silenceStart = time.Time{}
			log.Debug("vad: speech confirmed", "elapsed", elapsed)
		}
		return 0, false
	}

	if avg >= m.cfg.SilenceThresholdDB {
		m.silenceStart = time.Time{}
		return 0, false
	}
	if m.silenceStart.IsZero() {
		m.silenceStart = now
		log.Debug("vad: silence", "avg_db", avg)
	}
	if now.Sub(m.silenceStart) < m.cfg.SilenceConfirm {
		return 0, false
	}
	if elapsed < m.cfg.MinRecording {
		log.Debug("vad: utterance too short, continuing", "elapsed", elapsed)
		m.silenceStart = time.Time{}
		return 0, false
	}
	return ReasonSilence, true
}

func (m *Monitor) average() float64 {
	var sum float64
	for _, s := range m.window {
		sum += s.LevelDB
	}
	return sum / float64(len(m.window))
}

// finish marks monitoring over and clears the window. It reports whether
// this call was the one that finished it.
func (m *Monitor) finish() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return false
	}
	m.finished = true
	m.window = nil
	return true
}

// complete stops the recording and fires the callback once.
func (m *Monitor) complete(ctx context.Context, reason Reason, elapsed time.Duration) error {
	if !m.finish() {
		return nil
	}
	uri, err := m.src.Stop(ctx)
	if err != nil {
		return fmt.Errorf("%w: stop: %w", ErrAborted, err)
	}
	if m.metrics != nil {
		m.metrics.RecordVADCompletion(ctx, reason.String())
		m.metrics.UtteranceDuration.Record(ctx, elapsed.Seconds())
	}
	observe.Logger(ctx).Info("vad: utterance complete", "reason", reason.String(), "elapsed", elapsed)
	if m.onComplete != nil {
		m.onComplete(ctx, Completion{URI: uri, Reason: reason, Elapsed: elapsed})
	}
	return nil
}

// SpeechConfirmed reports whether speech has been confirmed.
func (m *Monitor) SpeechConfirmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speechConfirmed
}

// Window returns a copy of the smoothing window. It is empty once
// monitoring has finished.
func (m *Monitor) Window() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.window))
	copy(out, m.window)
	return out
}

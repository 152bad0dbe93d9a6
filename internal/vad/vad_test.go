package vad_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/vad"
	"github.com/MrWong99/voicedesk/pkg/audio"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// scriptSource replays statuses and advances a shared clock by one poll
// interval before each reading.
type scriptSource struct {
	mu      sync.Mutex
	now     time.Time
	step    time.Duration
	script  []audio.Status
	err     error
	stops   int
	stopErr error
}

func newSource(script ...audio.Status) *scriptSource {
	return &scriptSource{now: epoch, step: vad.PollInterval, script: script}
}

func (s *scriptSource) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *scriptSource) Status(context.Context) (audio.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(s.step)
	if s.err != nil {
		return audio.Status{}, s.err
	}
	if len(s.script) == 0 {
		return audio.Status{Recording: true, Metered: true, LevelDB: -20}, nil
	}
	st := s.script[0]
	if len(s.script) > 1 {
		s.script = s.script[1:]
	}
	return st, nil
}

func (s *scriptSource) Stop(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	if s.stopErr != nil {
		return "", s.stopErr
	}
	return "/tmp/utt.wav", nil
}

func level(db float64) audio.Status {
	return audio.Status{Recording: true, Metered: true, LevelDB: db}
}

func repeat(st audio.Status, n int) []audio.Status {
	out := make([]audio.Status, n)
	for i := range out {
		out[i] = st
	}
	return out
}

func concat(parts ...[]audio.Status) []audio.Status {
	var out []audio.Status
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

type recorder struct {
	mu    sync.Mutex
	calls []vad.Completion
}

func (r *recorder) onComplete(_ context.Context, c vad.Completion) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// drive ticks m until it reports done or limit ticks pass, returning the
// number of ticks taken.
func drive(t *testing.T, m *vad.Monitor, limit int) (int, error) {
	t.Helper()
	for i := 1; i <= limit; i++ {
		done, err := m.Tick(context.Background())
		if done {
			return i, err
		}
	}
	t.Fatalf("monitor still running after %d ticks", limit)
	return 0, nil
}

func newMonitor(src *scriptSource, rec *recorder, opts ...vad.Option) *vad.Monitor {
	opts = append([]vad.Option{vad.WithClock(src.Now)}, opts...)
	return vad.New(src, epoch, rec.onComplete, opts...)
}

func TestMonitor_SpeechConfirmedOnFourthSample(t *testing.T) {
	t.Parallel()
	src := newSource(concat(repeat(level(-30), 4), repeat(level(-36), 100))...)
	m := newMonitor(src, &recorder{})

	for i := 1; i <= 3; i++ {
		if _, err := m.Tick(context.Background()); err != nil {
			t.Fatalf("Tick() error: %v", err)
		}
		if m.SpeechConfirmed() {
			t.Fatalf("speech confirmed after %d samples, want 4", i)
		}
	}
	if _, err := m.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	if !m.SpeechConfirmed() {
		t.Fatal("speech not confirmed after 4 samples")
	}
}

func TestMonitor_SilenceAfterSpeechCompletes(t *testing.T) {
	t.Parallel()
	// Speech until 1500 ms, then quiet. The ten-sample average first drops
	// below -38 dB on the ninth quiet sample (2400 ms); silence is confirmed
	// 1000 ms later.
	src := newSource(concat(repeat(level(-30), 15), repeat(level(-40), 100))...)
	rec := &recorder{}
	m := newMonitor(src, rec)

	ticks, err := drive(t, m, 100)
	if err != nil {
		t.Fatalf("monitor error: %v", err)
	}
	if ticks != 34 {
		t.Errorf("completed after %d ticks, want 34", ticks)
	}
	if rec.count() != 1 {
		t.Fatalf("callback count = %d, want 1", rec.count())
	}
	got := rec.calls[0]
	if got.Reason != vad.ReasonSilence || got.URI != "/tmp/utt.wav" || got.Elapsed != 3400*time.Millisecond {
		t.Errorf("completion = %+v", got)
	}
	if len(m.Window()) != 0 {
		t.Errorf("window has %d samples after completion, want 0", len(m.Window()))
	}
}

func TestMonitor_DeepSilenceCompletesAfterElevenSamples(t *testing.T) {
	t.Parallel()
	// With a single-sample window the level crosses immediately, so eleven
	// quiet samples (1100 ms) end the utterance.
	cfg := vad.DefaultConfig()
	cfg.WindowSize = 1
	src := newSource(concat(repeat(level(-30), 15), repeat(level(-40), 100))...)
	rec := &recorder{}
	m := newMonitor(src, rec, vad.WithConfig(cfg))

	ticks, err := drive(t, m, 100)
	if err != nil {
		t.Fatalf("monitor error: %v", err)
	}
	if ticks != 15+11 {
		t.Errorf("completed after %d ticks, want %d", ticks, 26)
	}
	if rec.count() != 1 {
		t.Errorf("callback count = %d, want 1", rec.count())
	}
}

func TestMonitor_MaxDuration(t *testing.T) {
	t.Parallel()
	src := newSource(level(-20))
	rec := &recorder{}
	m := newMonitor(src, rec)

	ticks, err := drive(t, m, 100)
	if err != nil {
		t.Fatalf("monitor error: %v", err)
	}
	if ticks != 60 {
		t.Errorf("completed after %d ticks, want 60", ticks)
	}
	if rec.count() != 1 {
		t.Fatalf("callback count = %d, want 1", rec.count())
	}
	if got := rec.calls[0]; got.Reason != vad.ReasonMaxDuration || got.Elapsed != vad.MaxRecording {
		t.Errorf("completion = %+v, want max_duration at 6s", got)
	}
}

func TestMonitor_NoSpeechRunsToMaxDuration(t *testing.T) {
	t.Parallel()
	src := newSource(level(-60))
	rec := &recorder{}
	m := newMonitor(src, rec)

	ticks, err := drive(t, m, 100)
	if err != nil {
		t.Fatalf("monitor error: %v", err)
	}
	if ticks != 60 || rec.calls[0].Reason != vad.ReasonMaxDuration {
		t.Errorf("ticks = %d reason = %v, want 60 max_duration", ticks, rec.calls[0].Reason)
	}
}

func TestMonitor_Hysteresis(t *testing.T) {
	t.Parallel()
	cfg := vad.DefaultConfig()
	cfg.WindowSize = 1

	tests := []struct {
		name      string
		script    []audio.Status
		confirmed bool
		ticks     int
	}{
		{
			name:      "between thresholds never confirms speech",
			script:    repeat(level(-36), 30),
			confirmed: false,
			ticks:     30,
		},
		{
			name:      "exactly at speech threshold does not count",
			script:    repeat(level(-35), 30),
			confirmed: false,
			ticks:     30,
		},
		{
			name:      "dip resets the speech timer",
			script:    concat(repeat(level(-30), 3), []audio.Status{level(-50)}, repeat(level(-30), 3)),
			confirmed: false,
			ticks:     7,
		},
		{
			name:      "level between thresholds after speech keeps listening",
			script:    concat(repeat(level(-30), 4), repeat(level(-37), 40)),
			confirmed: true,
			ticks:     44,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := newSource(tc.script...)
			rec := &recorder{}
			m := newMonitor(src, rec, vad.WithConfig(cfg))
			for range tc.ticks {
				done, err := m.Tick(context.Background())
				if err != nil || done {
					t.Fatalf("Tick() done=%v err=%v before script ended", done, err)
				}
			}
			if got := m.SpeechConfirmed(); got != tc.confirmed {
				t.Errorf("SpeechConfirmed() = %v, want %v", got, tc.confirmed)
			}
			if rec.count() != 0 {
				t.Errorf("callback count = %d, want 0", rec.count())
			}
		})
	}
}

func TestMonitor_MinRecordingExtendsShortUtterance(t *testing.T) {
	t.Parallel()
	cfg := vad.DefaultConfig()
	cfg.WindowSize = 1
	cfg.MinRecording = 2000 * time.Millisecond
	// Speech confirmed at 400 ms, silence from 500 ms. At 1500 ms the
	// utterance is too short, so the silence timer restarts at 1600 ms and
	// completes at 2600 ms.
	src := newSource(concat(repeat(level(-30), 4), repeat(level(-60), 100))...)
	rec := &recorder{}
	m := newMonitor(src, rec, vad.WithConfig(cfg))

	ticks, err := drive(t, m, 100)
	if err != nil {
		t.Fatalf("monitor error: %v", err)
	}
	if ticks != 26 {
		t.Errorf("completed after %d ticks, want 26", ticks)
	}
	if rec.calls[0].Reason != vad.ReasonSilence {
		t.Errorf("reason = %v, want silence", rec.calls[0].Reason)
	}
}

func TestMonitor_MeteringFallback(t *testing.T) {
	t.Parallel()
	src := newSource(audio.Status{Recording: true})
	rec := &recorder{}
	m := newMonitor(src, rec, vad.WithConfig(func() vad.Config {
		c := vad.DefaultConfig()
		c.MaxRecording = time.Minute
		return c
	}()))

	ticks, err := drive(t, m, 100)
	if err != nil {
		t.Fatalf("monitor error: %v", err)
	}
	// First unmetered reading at 100 ms; fallback fires 5000 ms later.
	if ticks != 51 {
		t.Errorf("completed after %d ticks, want 51", ticks)
	}
	if rec.calls[0].Reason != vad.ReasonMeteringFallback {
		t.Errorf("reason = %v, want metering_fallback", rec.calls[0].Reason)
	}
}

func TestMonitor_LogsCarrySession(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	src := newSource(audio.Status{Recording: true})
	m := newMonitor(src, &recorder{})
	ctx := observe.WithSession(context.Background(), "voice_session_42")
	for i := 0; i < 100; i++ {
		if done, err := m.Tick(ctx); done {
			if err != nil {
				t.Fatalf("monitor error: %v", err)
			}
			break
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("log output = %q, want fallback warning and completion", buf.String())
	}
	for _, l := range lines {
		if !strings.Contains(l, "session_id=voice_session_42") {
			t.Errorf("log line without session: %s", l)
		}
	}
}

func TestMonitor_MeteringFallbackResetsOnReading(t *testing.T) {
	t.Parallel()
	unmetered := audio.Status{Recording: true}
	cfg := vad.DefaultConfig()
	cfg.MaxRecording = time.Minute
	src := newSource(concat(repeat(unmetered, 40), []audio.Status{level(-60)}, repeat(unmetered, 100))...)
	rec := &recorder{}
	m := newMonitor(src, rec, vad.WithConfig(cfg))

	ticks, err := drive(t, m, 200)
	if err != nil {
		t.Fatalf("monitor error: %v", err)
	}
	// Countdown restarts at tick 42 and fires 50 ticks later.
	if ticks != 92 {
		t.Errorf("completed after %d ticks, want 92", ticks)
	}
}

func TestMonitor_StatusErrorAborts(t *testing.T) {
	t.Parallel()
	boom := errors.New("audio session interrupted")
	src := newSource(level(-30))
	src.err = boom
	rec := &recorder{}
	m := newMonitor(src, rec)

	done, err := m.Tick(context.Background())
	if !done {
		t.Fatal("Tick() not done after status error")
	}
	if !errors.Is(err, vad.ErrAborted) || !errors.Is(err, boom) {
		t.Errorf("err = %v, want ErrAborted wrapping %v", err, boom)
	}
	if rec.count() != 0 || src.stops != 0 {
		t.Errorf("callbacks = %d stops = %d, want 0/0", rec.count(), src.stops)
	}
}

func TestMonitor_CaptureEndedAborts(t *testing.T) {
	t.Parallel()
	src := newSource(level(-30), audio.Status{Recording: false})
	rec := &recorder{}
	m := newMonitor(src, rec)

	_, err := drive(t, m, 5)
	if !errors.Is(err, vad.ErrCaptureEnded) {
		t.Errorf("err = %v, want ErrCaptureEnded", err)
	}
	if rec.count() != 0 {
		t.Errorf("callback count = %d, want 0", rec.count())
	}
	if len(m.Window()) != 0 {
		t.Error("window not cleared after abort")
	}
}

func TestMonitor_StopErrorSuppressesCallback(t *testing.T) {
	t.Parallel()
	src := newSource(level(-20))
	src.stopErr = errors.New("file system full")
	rec := &recorder{}
	m := newMonitor(src, rec)

	_, err := drive(t, m, 100)
	if !errors.Is(err, vad.ErrAborted) {
		t.Errorf("err = %v, want ErrAborted", err)
	}
	if rec.count() != 0 {
		t.Errorf("callback count = %d, want 0", rec.count())
	}
}

func TestMonitor_CompletesExactlyOnce(t *testing.T) {
	t.Parallel()
	src := newSource(level(-20))
	rec := &recorder{}
	m := newMonitor(src, rec)

	if _, err := drive(t, m, 100); err != nil {
		t.Fatalf("monitor error: %v", err)
	}
	for range 10 {
		done, err := m.Tick(context.Background())
		if !done || err != nil {
			t.Fatalf("Tick() after completion = %v, %v; want true, nil", done, err)
		}
	}
	if rec.count() != 1 || src.stops != 1 {
		t.Errorf("callbacks = %d stops = %d, want 1/1", rec.count(), src.stops)
	}
}

func TestMonitor_Run(t *testing.T) {
	t.Parallel()
	cfg := vad.DefaultConfig()
	cfg.PollInterval = time.Millisecond
	src := newSource(level(-20))
	rec := &recorder{}
	m := newMonitor(src, rec, vad.WithConfig(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("callback count = %d, want 1", rec.count())
	}
}

func TestMonitor_RunCancelled(t *testing.T) {
	t.Parallel()
	src := newSource(level(-60))
	rec := &recorder{}
	m := newMonitor(src, rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() err = %v, want context.Canceled", err)
	}
	if done, _ := m.Tick(context.Background()); !done {
		t.Error("Tick() after cancellation should report done")
	}
	if rec.count() != 0 {
		t.Errorf("callback count = %d, want 0", rec.count())
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	if err := vad.DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error: %v", err)
	}
	bad := vad.DefaultConfig()
	bad.SilenceThresholdDB = -30
	bad.WindowSize = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("Validate() with inverted thresholds should fail")
	}
}

func TestReason_String(t *testing.T) {
	t.Parallel()
	for r, want := range map[vad.Reason]string{
		vad.ReasonSilence:          "silence",
		vad.ReasonMaxDuration:      "max_duration",
		vad.ReasonMeteringFallback: "metering_fallback",
		vad.Reason(0):              "unknown",
	} {
		if got := r.String(); got != want {
			t.Errorf("Reason(%d).String() = %q, want %q", r, got, want)
		}
	}
}

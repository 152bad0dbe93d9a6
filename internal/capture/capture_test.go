package capture_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voicedesk/internal/capture"
	"github.com/MrWong99/voicedesk/pkg/audio"
	"github.com/MrWong99/voicedesk/pkg/audio/mock"
)

func TestSession_StartStop(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec := &mock.Recording{StopURI: "/tmp/utt-1.wav"}
	r := &mock.Recorder{Recordings: []*mock.Recording{rec}}
	s := capture.New(r, capture.WithClock(func() time.Time { return start }))

	h, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !s.Active() {
		t.Fatal("Active() = false after Start")
	}
	if !h.StartedAt().Equal(start) {
		t.Errorf("StartedAt() = %v, want %v", h.StartedAt(), start)
	}
	if got := r.StartCalls[0]; got != audio.DefaultOptions() {
		t.Errorf("start options = %+v, want defaults", got)
	}

	uri, err := h.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if uri != "/tmp/utt-1.wav" {
		t.Errorf("uri = %q, want /tmp/utt-1.wav", uri)
	}
	info := s.Info()
	if info.Active || info.URI != uri || !info.StartTime.Equal(start) {
		t.Errorf("Info() = %+v", info)
	}
}

func TestSession_StartForceStopsPrevious(t *testing.T) {
	t.Parallel()
	first := &mock.Recording{StopURI: "/tmp/a.wav"}
	second := &mock.Recording{StopURI: "/tmp/b.wav"}
	s := capture.New(&mock.Recorder{Recordings: []*mock.Recording{first, second}})

	h1, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	h2, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("second Start() error: %v", err)
	}

	if first.CallCountDiscard != 1 {
		t.Errorf("first recording discards = %d, want 1", first.CallCountDiscard)
	}
	if _, err := h1.Stop(context.Background()); !errors.Is(err, capture.ErrSuperseded) {
		t.Errorf("stale handle Stop() err = %v, want ErrSuperseded", err)
	}
	if _, err := h1.Status(context.Background()); !errors.Is(err, capture.ErrSuperseded) {
		t.Errorf("stale handle Status() err = %v, want ErrSuperseded", err)
	}
	if second.Stopped() {
		t.Fatal("stale handle stopped the new recording")
	}

	uri, err := h2.Stop(context.Background())
	if err != nil || uri != "/tmp/b.wav" {
		t.Errorf("Stop() = %q, %v; want /tmp/b.wav", uri, err)
	}
}

func TestSession_StopWithoutRecording(t *testing.T) {
	t.Parallel()
	s := capture.New(&mock.Recorder{})
	if _, err := s.Stop(context.Background()); !errors.Is(err, capture.ErrNoActiveCapture) {
		t.Errorf("Stop() err = %v, want ErrNoActiveCapture", err)
	}
	if _, err := s.Status(context.Background()); !errors.Is(err, capture.ErrNoActiveCapture) {
		t.Errorf("Status() err = %v, want ErrNoActiveCapture", err)
	}
	if err := s.Cancel(context.Background()); err != nil {
		t.Errorf("Cancel() error: %v", err)
	}
}

func TestSession_StartError(t *testing.T) {
	t.Parallel()
	boom := errors.New("no microphone permission")
	s := capture.New(&mock.Recorder{StartErr: boom})
	if _, err := s.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Start() err = %v, want %v", err, boom)
	}
	if s.Active() {
		t.Error("Active() = true after failed Start")
	}
}

func TestSession_CancelDiscards(t *testing.T) {
	t.Parallel()
	rec := &mock.Recording{}
	s := capture.New(&mock.Recorder{Recordings: []*mock.Recording{rec}})
	h, err := s.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := s.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() error: %v", err)
	}
	if rec.CallCountDiscard != 1 || rec.CallCountStop != 0 {
		t.Errorf("discard/stop = %d/%d, want 1/0", rec.CallCountDiscard, rec.CallCountStop)
	}
	if _, err := h.Stop(context.Background()); !errors.Is(err, capture.ErrSuperseded) {
		t.Errorf("Stop() after Cancel err = %v, want ErrSuperseded", err)
	}
}

func TestSession_StopErrorStillReleases(t *testing.T) {
	t.Parallel()
	rec := &mock.Recording{StopErr: errors.New("io")}
	s := capture.New(&mock.Recorder{Recordings: []*mock.Recording{rec}})
	h, _ := s.Start(context.Background())
	if _, err := h.Stop(context.Background()); err == nil {
		t.Fatal("Stop() should fail")
	}
	if s.Active() {
		t.Error("Active() = true after failed Stop")
	}
}

package app_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicedesk/internal/app"
	"github.com/MrWong99/voicedesk/internal/config"
	"github.com/MrWong99/voicedesk/internal/conversation"
	"github.com/MrWong99/voicedesk/pkg/audio"
	audiomock "github.com/MrWong99/voicedesk/pkg/audio/mock"
	"github.com/MrWong99/voicedesk/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voicedesk/pkg/provider/tts/mock"
)

// testConfig returns a defaulted config pointing at backendURL.
func testConfig(backendURL string) *config.Config {
	cfg := &config.Config{
		Server:  config.ServerConfig{ListenAddr: "127.0.0.1:0", LogLevel: config.LogInfo},
		Backend: config.BackendConfig{URL: backendURL},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func testBackends() *app.Backends {
	return &app.Backends{Recorder: &audiomock.Recorder{}, Player: &ttsmock.Player{}}
}

// backend answers every decision turn with a fixed SERVICE-stage reply.
func backend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		if r.URL.Path != "/decision/next" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok":true,"sessionId":"s-1","stage":"SERVICE","message":"Which service do you need?"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// memWriter records archived entries.
type memWriter struct {
	mu      sync.Mutex
	entries []conversation.Entry
}

func (w *memWriter) Write(_ context.Context, entries []conversation.Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, entries...)
	return nil
}

func (w *memWriter) all() []conversation.Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]conversation.Entry(nil), w.entries...)
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg, testBackends(), opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestNew_RequiresBackends(t *testing.T) {
	t.Parallel()
	cfg := testConfig("http://127.0.0.1:1")

	if _, err := app.New(context.Background(), cfg, nil); err == nil {
		t.Error("New(nil backends) error = nil")
	}
	if _, err := app.New(context.Background(), cfg, &app.Backends{Recorder: &audiomock.Recorder{}}); err == nil {
		t.Error("New(no player) error = nil")
	}
}

func TestNew_InvalidBackendURL(t *testing.T) {
	t.Parallel()
	cfg := testConfig("::not a url")
	if _, err := app.New(context.Background(), cfg, testBackends()); err == nil {
		t.Error("New() error = nil for invalid backend url")
	}
}

func TestApp_HealthRoutes(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(backend(t).URL))

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200 (body %s)", path, rec.Code, rec.Body)
		}
	}
}

func TestApp_ReadyzFailsWhenBackendDown(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := newApp(t, testConfig(url))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestApp_MetricsRoute(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "# metrics\n")
	})

	withMetrics := newApp(t, testConfig(backend(t).URL), app.WithMetricsHandler(metrics))
	rec := httptest.NewRecorder()
	withMetrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "# metrics") {
		t.Errorf("GET /metrics = %d %q, want 200 with body", rec.Code, rec.Body)
	}

	without := newApp(t, testConfig(backend(t).URL))
	rec = httptest.NewRecorder()
	without.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET /metrics without handler = %d, want 404", rec.Code)
	}
}

func TestApp_VoiceStateRoute(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(backend(t).URL))

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/voice/open", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /v1/voice/open status = %d, want 200", rec.Code)
	}
	if !a.Engine().Snapshot().Open {
		t.Error("engine not open after POST /v1/voice/open")
	}
}

func TestApp_TextTurnIsArchived(t *testing.T) {
	t.Parallel()
	w := &memWriter{}
	a := newApp(t, testConfig(backend(t).URL), app.WithArchiveWriter(w))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for a.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("Run() did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	base := "http://" + a.Addr().String()

	resp, err := http.Post(base+"/v1/voice/text", "application/json", strings.NewReader(`{"text":"I need an appointment"}`))
	if err != nil {
		t.Fatalf("POST /v1/voice/text error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /v1/voice/text status = %d, want 202", resp.StatusCode)
	}

	for len(a.Engine().Snapshot().Transcript) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("transcript = %+v, want user and assistant entries", a.Engine().Snapshot().Transcript)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	got := w.all()
	if len(got) != 2 {
		t.Fatalf("archived %d entries, want 2: %+v", len(got), got)
	}
	if got[0].Role != conversation.RoleUser || got[0].Text != "I need an appointment" {
		t.Errorf("entry[0] = %+v, want user text", got[0])
	}
	if got[1].Role != conversation.RoleAssistant || got[1].Text != "Which service do you need?" {
		t.Errorf("entry[1] = %+v, want assistant reply", got[1])
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(backend(t).URL))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Second call is a no-op.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_RunListenError(t *testing.T) {
	t.Parallel()
	cfg := testConfig(backend(t).URL)
	cfg.Server.ListenAddr = "256.0.0.1:99999"
	a := newApp(t, cfg)

	if err := a.Run(context.Background()); err == nil {
		t.Error("Run() error = nil for unusable listen address")
	}
}

// ── Backends ─────────────────────────────────────────────────────────────────

func TestRegisterBuiltins(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)

	if _, err := reg.CreateCapture(config.CaptureConfig{Backend: "ffmpeg"}); err != nil {
		t.Errorf("CreateCapture(ffmpeg) error: %v", err)
	}
	if _, err := reg.CreateCapture(config.CaptureConfig{Backend: "command", Command: "arecord"}); err != nil {
		t.Errorf("CreateCapture(command) error: %v", err)
	}
	if _, err := reg.CreateCapture(config.CaptureConfig{Backend: "command"}); err == nil {
		t.Error("CreateCapture(command without command) error = nil")
	}
	if _, err := reg.CreatePlayback(config.PlayerEntry{Backend: "default"}); err != nil {
		t.Errorf("CreatePlayback(default) error: %v", err)
	}
	if _, err := reg.CreatePlayback(config.PlayerEntry{Backend: "command"}); err == nil {
		t.Error("CreatePlayback(command without command) error = nil")
	}
}

func TestBuildBackends_PlaybackFailover(t *testing.T) {
	t.Parallel()
	primary := &ttsmock.Player{PlayErr: errors.New("no audio device")}
	secondary := &ttsmock.Player{}
	rec := &audiomock.Recorder{}

	reg := config.NewRegistry()
	reg.RegisterCapture("fake", func(config.CaptureConfig) (audio.Recorder, error) { return rec, nil })
	reg.RegisterPlayback("fake", func(e config.PlayerEntry) (tts.Player, error) {
		if e.Command == "primary" {
			return primary, nil
		}
		return secondary, nil
	})

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Capture.Backend = "fake"
	cfg.Playback.Players = []config.PlayerEntry{
		{Backend: "fake", Command: "primary"},
		{Backend: "fake", Command: "secondary"},
	}

	b, err := app.BuildBackends(reg, cfg)
	if err != nil {
		t.Fatalf("BuildBackends() error: %v", err)
	}
	if b.Recorder != rec {
		t.Error("Recorder is not the registered capture backend")
	}
	if err := b.Player.Play(context.Background(), []byte{1, 2}); err != nil {
		t.Fatalf("Play() error: %v", err)
	}
	if n := len(primary.Calls()); n != 1 {
		t.Errorf("primary calls = %d, want 1", n)
	}
	if n := len(secondary.Calls()); n != 1 {
		t.Errorf("secondary calls = %d, want 1", n)
	}
}

func TestBuildBackends_UnknownBackend(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Playback.Players = []config.PlayerEntry{{Backend: "pulse"}}
	if _, err := app.BuildBackends(reg, cfg); !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("BuildBackends() error = %v, want ErrBackendNotRegistered", err)
	}
}

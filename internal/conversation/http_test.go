package conversation_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voicedesk/internal/conversation"
	"github.com/MrWong99/voicedesk/internal/resilience"
)

const okBody = `{"ok":true,"sessionId":"srv-9","stage":"SERVICE","message":"Done."}`

func newTransport(t *testing.T, h http.HandlerFunc, opts ...conversation.HTTPOption) *conversation.HTTPTransport {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	tp, err := conversation.NewHTTPTransport(srv.URL+"/api/", opts...)
	if err != nil {
		t.Fatalf("NewHTTPTransport() error: %v", err)
	}
	return tp
}

func TestHTTPTransport_SendText(t *testing.T) {
	t.Parallel()
	var gotBody map[string]string
	var gotHeaders http.Header
	tp := newTransport(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/decision/next" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, okBody)
	},
		conversation.WithTokenProvider(func() string { return "jwt-1" }),
		conversation.WithLocale(func() string { return "ar" }),
	)

	res, err := tp.SendText(context.Background(), "voice_session_x", "hello")
	if err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if res.SessionID != "srv-9" {
		t.Errorf("SessionID = %q", res.SessionID)
	}
	if gotBody["text"] != "hello" || gotBody["sessionId"] != "voice_session_x" {
		t.Errorf("body = %v", gotBody)
	}
	if got := gotHeaders.Get("Authorization"); got != "Bearer jwt-1" {
		t.Errorf("Authorization = %q", got)
	}
	if got := gotHeaders.Get("x-locale"); got != "ar" {
		t.Errorf("x-locale = %q", got)
	}
}

func TestHTTPTransport_SendVoice(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "u.wav")
	if err := os.WriteFile(path, []byte("RIFFdata"), 0o600); err != nil {
		t.Fatal(err)
	}

	var gotType, gotSession string
	var gotBody []byte
	tp := newTransport(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/voice/stt" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotType = r.Header.Get("Content-Type")
		gotSession = r.URL.Query().Get("sessionId")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, okBody)
	})

	if _, err := tp.SendVoice(context.Background(), "s 1", "file://"+path); err != nil {
		t.Fatalf("SendVoice() error: %v", err)
	}
	if gotType != "audio/wav" || gotSession != "s 1" || string(gotBody) != "RIFFdata" {
		t.Errorf("type=%q session=%q body=%q", gotType, gotSession, gotBody)
	}
}

func TestHTTPTransport_SyncAuth(t *testing.T) {
	t.Parallel()
	var got map[string]string
	tp := newTransport(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/voice/auth-sync" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, okBody)
	})
	if _, err := tp.SyncAuth(context.Background(), "srv-9", "tok"); err != nil {
		t.Fatalf("SyncAuth() error: %v", err)
	}
	if got["sessionId"] != "srv-9" || got["authToken"] != "tok" {
		t.Errorf("body = %v", got)
	}
}

func TestHTTPTransport_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error", http.StatusBadGateway, "upstream down", conversation.ErrNetwork},
		{"unauthorized", http.StatusUnauthorized, `{"error":"expired"}`, conversation.ErrUnauthorized},
		{"html body", http.StatusOK, "<html></html>", conversation.ErrMalformedResponse},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var unauth atomic.Int32
			tp := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}, conversation.WithUnauthorizedHandler(func(context.Context) { unauth.Add(1) }))

			_, err := tp.SendText(context.Background(), "s", "x")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			wantUnauth := int32(0)
			if tc.status == http.StatusUnauthorized {
				wantUnauth = 1
			}
			if unauth.Load() != wantUnauth {
				t.Errorf("unauthorized handler calls = %d, want %d", unauth.Load(), wantUnauth)
			}
		})
	}
}

func TestHTTPTransport_Timeout(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	tp := newTransport(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, conversation.WithTimeout(50*time.Millisecond))
	defer close(release)

	_, err := tp.SendText(context.Background(), "s", "x")
	if !errors.Is(err, conversation.ErrNetwork) {
		t.Fatalf("err = %v, want ErrNetwork", err)
	}
}

func TestHTTPTransport_CircuitBreaker(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "backend", MaxFailures: 2, ResetTimeout: time.Hour})
	tp := newTransport(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, conversation.WithCircuitBreaker(cb))

	for range 3 {
		_, err := tp.SendText(context.Background(), "s", "x")
		if !errors.Is(err, conversation.ErrNetwork) {
			t.Fatalf("err = %v, want ErrNetwork", err)
		}
	}
	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2 (third call short-circuited)", hits.Load())
	}
}

func TestNewHTTPTransport_RejectsBadURL(t *testing.T) {
	t.Parallel()
	for _, u := range []string{"ftp://x", "::not a url", ""} {
		if _, err := conversation.NewHTTPTransport(u); err == nil {
			t.Errorf("NewHTTPTransport(%q) error = nil", u)
		}
	}
}

func TestHTTPTransport_MissingUtterance(t *testing.T) {
	t.Parallel()
	tp := newTransport(t, func(http.ResponseWriter, *http.Request) {
		t.Error("backend called for missing file")
	})
	if _, err := tp.SendVoice(context.Background(), "s", "/nonexistent/u.wav"); err == nil {
		t.Fatal("SendVoice() error = nil for missing file")
	}
}

func TestHTTPTransport_CustomPaths(t *testing.T) {
	t.Parallel()
	var got []string
	tp := newTransport(t, func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.URL.Path)
		_, _ = io.WriteString(w, okBody)
	}, conversation.WithPaths(conversation.Paths{Text: "/v2/turn"}))

	if _, err := tp.SendText(context.Background(), "s", "hi"); err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if _, err := tp.SyncAuth(context.Background(), "s", "tok"); err != nil {
		t.Fatalf("SyncAuth() error: %v", err)
	}
	want := []string{"/api/v2/turn", "/api/voice/auth-sync"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("paths = %v, want %v", got, want)
	}
}

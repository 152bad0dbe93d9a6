// Package gateway exposes the voice engine and the auth flow to a local UI.
//
// Commands are plain JSON over HTTP. Engine events, including navigation
// commands, stream over a WebSocket at GET /v1/events: the first message is
// a snapshot, followed by one JSON object per [voice.Event].
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/MrWong99/voicedesk/internal/auth"
	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/voice"
)

// DefaultEventBuffer is the per-connection event queue depth.
const DefaultEventBuffer = 64

// maxBodyBytes caps request bodies.
const maxBodyBytes = 64 << 10

// Voice is the engine surface used by the gateway. [*voice.Engine]
// implements it.
type Voice interface {
	Open(ctx context.Context)
	Close(ctx context.Context)
	Clear(ctx context.Context)
	StartListening(ctx context.Context) error
	StopListening(ctx context.Context) error
	SubmitText(ctx context.Context, text string) error
	Snapshot() voice.Snapshot
	Subscribe(fn func(voice.Event)) (cancel func())
}

// Auth is the login surface. [*auth.Flow] implements it.
type Auth interface {
	Step() auth.Step
	Pending() auth.OTPRequest
	Begin(ctx context.Context, nationalID, phone string) (auth.Step, error)
	Signup(ctx context.Context, fullName string) (auth.Step, error)
	Verify(ctx context.Context, otp string) (auth.User, error)
	SignOut(ctx context.Context)
}

// Session reports who is signed in. [*auth.TokenStore] implements it.
type Session interface {
	Status() auth.Status
	User() (auth.User, bool)
}

var (
	_ Voice   = (*voice.Engine)(nil)
	_ Auth    = (*auth.Flow)(nil)
	_ Session = (*auth.TokenStore)(nil)
)

// Server routes control requests. It holds no state of its own besides the
// event stream connections.
type Server struct {
	voice   Voice
	auth    Auth
	session Session
	metrics *observe.Metrics
	buffer  int
	origins []string
}

// Option is a functional option for [New].
type Option func(*Server)

// WithMetrics records event subscribers on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithEventBuffer overrides [DefaultEventBuffer].
func WithEventBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin WebSocket clients matching the
// given host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// New returns a Server.
func New(v Voice, a Auth, sess Session, opts ...Option) *Server {
	s := &Server{
		voice:   v,
		auth:    a,
		session: sess,
		metrics: observe.DefaultMetrics(),
		buffer:  DefaultEventBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds all gateway routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/voice/state", s.handleState)
	mux.HandleFunc("POST /v1/voice/open", s.handleOpen)
	mux.HandleFunc("POST /v1/voice/close", s.handleClose)
	mux.HandleFunc("POST /v1/voice/listen", s.handleListen)
	mux.HandleFunc("POST /v1/voice/stop", s.handleStop)
	mux.HandleFunc("POST /v1/voice/text", s.handleText)
	mux.HandleFunc("POST /v1/voice/clear", s.handleClear)

	mux.HandleFunc("GET /v1/auth/session", s.handleSession)
	mux.HandleFunc("POST /v1/auth/start", s.handleAuthStart)
	mux.HandleFunc("POST /v1/auth/signup", s.handleAuthSignup)
	mux.HandleFunc("POST /v1/auth/verify", s.handleAuthVerify)
	mux.HandleFunc("POST /v1/auth/signout", s.handleSignOut)

	mux.HandleFunc("GET /v1/events", s.handleEvents)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	var apiErr *auth.APIError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, auth.ErrInvalidNationalID),
		errors.Is(err, auth.ErrInvalidPhone),
		errors.Is(err, auth.ErrInvalidName),
		errors.Is(err, auth.ErrInvalidOTP):
		status, code = http.StatusBadRequest, "invalid"
	case errors.Is(err, voice.ErrClosed):
		status, code = http.StatusConflict, "closed"
	case errors.Is(err, voice.ErrBusy):
		status, code = http.StatusConflict, "busy"
	case errors.Is(err, voice.ErrNotListening):
		status, code = http.StatusConflict, "not_listening"
	case errors.Is(err, auth.ErrOutOfOrder):
		status, code = http.StatusConflict, "out_of_order"
	case errors.Is(err, auth.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.As(err, &apiErr):
		status, code = http.StatusBadGateway, "backend"
	}
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("gateway request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
}

var errBadRequest = errors.New("gateway: malformed request body")

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// Package app wires all voicedesk subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the control API until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via [Backends] and the functional options
// (WithArchiveWriter, WithHTTPClient, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicedesk/internal/archive"
	"github.com/MrWong99/voicedesk/internal/auth"
	"github.com/MrWong99/voicedesk/internal/authbridge"
	"github.com/MrWong99/voicedesk/internal/capture"
	"github.com/MrWong99/voicedesk/internal/config"
	"github.com/MrWong99/voicedesk/internal/conversation"
	"github.com/MrWong99/voicedesk/internal/gateway"
	"github.com/MrWong99/voicedesk/internal/health"
	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/resilience"
	"github.com/MrWong99/voicedesk/internal/voice"
	"github.com/MrWong99/voicedesk/pkg/audio"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	backends *Backends

	metrics        *observe.Metrics
	metricsHandler http.Handler
	httpClient     *http.Client
	now            func() time.Time

	// Subsystems, initialised in New and torn down in Shutdown.
	tokens   *auth.TokenStore
	flow     *auth.Flow
	breaker  *resilience.CircuitBreaker
	conv     *conversation.Client
	bridge   *authbridge.Bridge
	engine   *voice.Engine
	archive  archive.Writer
	archiver *archive.Archiver
	checkers []health.Checker
	handler  http.Handler
	server   *http.Server

	mu   sync.Mutex
	addr net.Addr

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchiveWriter injects a transcript archive instead of connecting to
// archive.postgres_dsn.
func WithArchiveWriter(w archive.Writer) Option {
	return func(a *App) { a.archive = w }
}

// WithMetrics records all subsystem metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithHTTPClient sets the client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

// WithClock overrides time.Now for token expiry and state timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The backends come
// from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, backends *Backends, opts ...Option) (*App, error) {
	if backends == nil || backends.Recorder == nil || backends.Player == nil {
		return nil, errors.New("app: recorder and player are required")
	}
	a := &App{
		cfg:        cfg,
		backends:   backends,
		httpClient: http.DefaultClient,
		now:        time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Session token store ───────────────────────────────────────────
	a.tokens = auth.NewTokenStore(a.now)

	// ── 2. Conversation client ───────────────────────────────────────────
	if err := a.initConversation(); err != nil {
		return nil, fmt.Errorf("app: init conversation: %w", err)
	}

	// ── 3. Auth bridge + login flow ──────────────────────────────────────
	if err := a.initAuth(); err != nil {
		return nil, fmt.Errorf("app: init auth: %w", err)
	}

	// ── 4. Voice engine ──────────────────────────────────────────────────
	a.initEngine()

	// ── 5. Transcript archive ────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 6. Control API ───────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initConversation builds the backend transport behind a circuit breaker.
func (a *App) initConversation() error {
	bc := a.cfg.Backend
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "backend",
		MaxFailures:  a.cfg.Resilience.Backend.MaxFailures,
		ResetTimeout: a.cfg.Resilience.Backend.ResetTimeout,
		Now:          a.now,
		IsFailure:    isBackendFailure,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from, "to", to)
		},
	})

	locale := func() string { return bc.Locale }
	topts := []conversation.HTTPOption{
		conversation.WithHTTPClient(a.httpClient),
		conversation.WithTokenProvider(a.tokens.Token),
		conversation.WithLocale(locale),
		conversation.WithUnauthorizedHandler(func(ctx context.Context) {
			a.tokens.Clear(ctx, auth.ReasonUnauthorized)
		}),
		conversation.WithCircuitBreaker(a.breaker),
		conversation.WithPaths(bc.Paths),
		conversation.WithTransportMetrics(a.metrics),
	}
	if bc.Timeout > 0 {
		topts = append(topts, conversation.WithTimeout(bc.Timeout))
	}
	transport, err := conversation.NewHTTPTransport(bc.URL, topts...)
	if err != nil {
		return err
	}

	copts := []conversation.Option{
		conversation.WithClientLocale(locale),
		conversation.WithFallbackMessages(bc.FallbackMessages),
		conversation.WithMetrics(a.metrics),
		conversation.WithClock(a.now),
	}
	if n := a.cfg.Voice.MaxFollowUps; n > 0 {
		copts = append(copts, conversation.WithMaxFollowUps(n))
	}
	a.conv = conversation.New(transport, copts...)
	return nil
}

// isBackendFailure keeps caller-side errors from tripping the backend breaker.
func isBackendFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, conversation.ErrUnauthorized):
		return false
	}
	return true
}

// initAuth connects the OTP flow, the token store and the auth bridge.
func (a *App) initAuth() error {
	bc := a.cfg.Backend
	aopts := []auth.ClientOption{
		auth.WithHTTPClient(a.httpClient),
		auth.WithLocale(func() string { return bc.Locale }),
	}
	if bc.Timeout > 0 {
		aopts = append(aopts, auth.WithTimeout(bc.Timeout))
	}
	client, err := auth.NewClient(bc.URL, aopts...)
	if err != nil {
		return err
	}

	a.bridge = authbridge.New(a.tokens, a.conv,
		authbridge.WithMarkers(a.cfg.AuthBridge.Markers),
		authbridge.WithMetrics(a.metrics),
	)
	a.conv.Use(a.bridge)
	a.flow = auth.NewFlow(client, a.tokens, auth.WithRecorder(a.bridge))
	a.tokens.OnIssued(a.bridge.OnTokenIssued)
	return nil
}

// initEngine builds the capture session and the voice engine.
func (a *App) initEngine() {
	opts := audio.DefaultOptions()
	if sr := a.cfg.Capture.SampleRate; sr > 0 {
		opts.SampleRate = sr
	}
	opts.Dir = a.cfg.Capture.Dir

	cs := capture.New(a.backends.Recorder,
		capture.WithOptions(opts),
		capture.WithClock(a.now),
		capture.WithMetrics(a.metrics),
	)
	a.engine = voice.New(cs, a.conv, a.backends.Player,
		voice.WithConfig(a.cfg.Voice.Engine()),
		voice.WithAuth(a.tokens),
		voice.WithBridge(a.bridge),
		voice.WithMetrics(a.metrics),
		voice.WithClock(a.now),
	)
	a.tokens.OnCleared(a.engine.OnTokenCleared)
}

// initArchive connects the transcript archive when one is configured or
// injected. Without either, transcripts live only in memory.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive == nil {
		dsn := a.cfg.Archive.PostgresDSN
		if dsn == "" {
			return nil
		}
		store, err := archive.NewStore(ctx, dsn)
		if err != nil {
			return err
		}
		a.archive = store
		a.checkers = append(a.checkers, health.Ping("archive", store))
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	a.archiver = archive.NewArchiver(a.archive, a.cfg.Archive.BufferSize)
	a.conv.Transcript().OnAppend(a.archiver.Observe)
	slog.Info("transcript archive enabled", "buffer", a.cfg.Archive.BufferSize)
	return nil
}

// initHTTP assembles the control API, health and metrics routes.
func (a *App) initHTTP() {
	mux := http.NewServeMux()
	gateway.New(a.engine, a.flow, a.tokens, gateway.WithMetrics(a.metrics)).Register(mux)

	checkers := append([]health.Checker{
		health.Backend(a.httpClient, a.cfg.Backend.URL),
		health.Breaker("backend_circuit", a.breaker),
	}, a.checkers...)
	health.New(checkers...).Register(mux)

	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	a.handler = observe.Middleware(a.metrics)(mux)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Engine returns the voice engine.
func (a *App) Engine() *voice.Engine { return a.engine }

// Addr returns the bound listener address, or nil before Run has started
// listening.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return config.DefaultShutdownTimeout
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API and drains the transcript archive until ctx is
// cancelled. A clean stop returns nil.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if a.archiver != nil {
		g.Go(func() error { return a.archiver.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		return a.server.Shutdown(sctx)
	})

	slog.Info("control api listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the engine and releases every resource acquired in New.
// It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop the engine first so no turn outlives the transport.
		if err := a.engine.Shutdown(ctx); err != nil {
			slog.Warn("voice engine shutdown error", "err", err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

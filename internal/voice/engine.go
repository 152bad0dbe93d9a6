// Package voice drives the voice assistant: it owns the recording state
// machine and connects microphone capture, utterance detection, conversation
// turns, reply playback and navigation.
//
// The [Engine] is the only writer of the [State]. UI surfaces observe it
// through [Engine.Subscribe] and act on it through the exported methods.
package voice

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicedesk/internal/auth"
	"github.com/MrWong99/voicedesk/internal/authbridge"
	"github.com/MrWong99/voicedesk/internal/capture"
	"github.com/MrWong99/voicedesk/internal/conversation"
	"github.com/MrWong99/voicedesk/internal/observe"
	"github.com/MrWong99/voicedesk/internal/vad"
	"github.com/MrWong99/voicedesk/pkg/provider/tts"
)

var (
	// ErrClosed is returned for voice input while the interface is closed.
	ErrClosed = errors.New("voice: interface closed")

	// ErrBusy is returned when a turn or playback prevents the request.
	ErrBusy = errors.New("voice: busy")

	// ErrNotListening is returned by StopListening outside [StateListening].
	ErrNotListening = errors.New("voice: not listening")
)

// ── Events ───────────────────────────────────────────────────────────────────

// EventType classifies an [Event].
type EventType string

const (
	EventState      EventType = "state"
	EventTranscript EventType = "transcript"
	EventNavigate   EventType = "navigate"
	EventHandOff    EventType = "handoff"
	EventError      EventType = "error"
	EventOpen       EventType = "open"
	EventClose      EventType = "close"
	EventCleared    EventType = "cleared"
)

// Event is delivered to subscribers.
type Event struct {
	Type       EventType           `json:"type"`
	Transition *Transition         `json:"transition,omitempty"`
	Entry      *conversation.Entry `json:"entry,omitempty"`
	Navigation *Navigation         `json:"navigation,omitempty"`
	Message    string              `json:"message,omitempty"`
	At         time.Time           `json:"at"`
}

// ── Configuration ────────────────────────────────────────────────────────────

// Config tunes the engine.
type Config struct {
	VAD vad.Config

	// Guard redirects protected navigation for anonymous users.
	Guard Guard

	// CloseAfterNavigate closes the interface CloseDelay after a navigate
	// action.
	CloseAfterNavigate bool
	CloseDelay         time.Duration

	// KeepUtterances leaves recorded WAV files on disk after upload.
	KeepUtterances bool
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		VAD:                vad.DefaultConfig(),
		Guard:              Guard{Protected: DefaultProtectedRoutes, AuthScreen: DefaultAuthScreen},
		CloseAfterNavigate: true,
		CloseDelay:         250 * time.Millisecond,
	}
}

// Authenticator reports the auth state. [*auth.TokenStore] implements it.
type Authenticator interface {
	Status() auth.Status
}

type anonymous struct{}

func (anonymous) Status() auth.Status { return auth.StatusAnonymous }

// Option is a functional option for [New].
type Option func(*Engine)

// WithConfig replaces [DefaultConfig].
func WithConfig(c Config) Option { return func(e *Engine) { e.cfg = c } }

// WithAuth sets the auth state source. Default: always anonymous.
func WithAuth(a Authenticator) Option { return func(e *Engine) { e.auth = a } }

// WithNavigator sets the host navigation sink.
func WithNavigator(n Navigator) Option { return func(e *Engine) { e.nav = n } }

// WithBridge attaches the auth bridge. The engine resets it on Clear.
func WithBridge(b *authbridge.Bridge) Option { return func(e *Engine) { e.bridge = b } }

// WithMetrics records engine metrics on m.
func WithMetrics(m *observe.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// ── Engine ───────────────────────────────────────────────────────────────────

// Engine is the voice interaction engine.
//
// Subscribers are called synchronously, sometimes with internal locks held;
// they must not call back into the Engine.
type Engine struct {
	capture *capture.Session
	conv    *conversation.Client
	player  tts.Player
	auth    Authenticator
	nav     Navigator
	bridge  *authbridge.Bridge
	cfg     Config
	metrics *observe.Metrics
	now     func() time.Time
	machine *Machine

	base     context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup

	mu            sync.Mutex
	open          bool
	resume        bool
	listenGen     uint64
	monitorCancel context.CancelFunc
	playGen       uint64
	playCancel    context.CancelFunc
	closeTimer    *time.Timer

	subMu   sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

var _ authbridge.Voice = (*Engine)(nil)

// New returns a closed engine in [StateIdle].
func New(cs *capture.Session, conv *conversation.Client, player tts.Player, opts ...Option) *Engine {
	e := &Engine{
		capture: cs,
		conv:    conv,
		player:  player,
		auth:    anonymous{},
		cfg:     DefaultConfig(),
		metrics: observe.DefaultMetrics(),
		now:     time.Now,
		subs:    make(map[int]func(Event)),
	}
	for _, o := range opts {
		o(e)
	}
	e.base, e.stopBase = context.WithCancel(context.Background())
	e.machine = NewMachine(e.now, e.metrics)
	e.machine.Subscribe(func(tr Transition) {
		e.emit(Event{Type: EventState, Transition: &tr})
	})
	conv.Transcript().OnAppend(func(en conversation.Entry) {
		e.emit(Event{Type: EventTranscript, Entry: &en})
	})
	if e.bridge != nil {
		e.bridge.Attach(e)
	}
	return e
}

// Subscribe registers fn for every engine event.
func (e *Engine) Subscribe(fn func(Event)) (cancel func()) {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.subMu.Lock()
	subs := slices.Collect(maps.Values(e.subs))
	e.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// State returns the current state.
func (e *Engine) State() State { return e.machine.State() }

// IsOpen reports whether the voice interface is open.
func (e *Engine) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// Busy reports whether a turn is in flight.
func (e *Engine) Busy() bool { return e.machine.Is(StateProcessing) }

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	State      State                `json:"state"`
	Open       bool                 `json:"open"`
	SessionID  string               `json:"sessionId,omitempty"`
	Stage      conversation.Stage   `json:"stage,omitempty"`
	Transcript []conversation.Entry `json:"transcript"`
}

// Snapshot returns the current engine view.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		State:      e.State(),
		Open:       e.IsOpen(),
		SessionID:  e.conv.SessionID(),
		Stage:      e.conv.Stage(),
		Transcript: e.conv.Transcript().Snapshot(),
	}
}

// ── Interface lifecycle ──────────────────────────────────────────────────────

// Open shows the voice interface. An error state is acknowledged.
func (e *Engine) Open(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.machine.Is(StateError) {
		_ = e.machine.Transition(ctx, StateIdle, "open")
	}
	if e.open {
		return
	}
	e.open = true
	e.emit(Event{Type: EventOpen})
}

// Close hides the interface. Capture and playback stop; a turn in flight
// completes but its audio is not played.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked(ctx)
}

func (e *Engine) closeLocked(ctx context.Context) {
	was := e.open
	e.open = false
	e.resume = false
	e.stopCloseTimerLocked()
	e.haltListeningLocked(ctx)
	e.haltPlaybackLocked()
	if e.machine.Is(StateListening, StatePlaying) {
		_ = e.machine.Transition(ctx, StateIdle, "close")
	}
	if was {
		e.emit(Event{Type: EventClose})
	}
}

// Clear ends the conversation: capture, playback, session id, transcript,
// pending auth data and the resume flag are all reset and the state returns
// to idle. The open/closed status is kept.
func (e *Engine) Clear(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopCloseTimerLocked()
	e.haltListeningLocked(ctx)
	e.haltPlaybackLocked()
	e.resume = false
	e.conv.Clear()
	if e.bridge != nil {
		e.bridge.Reset()
	}
	_ = e.machine.Transition(ctx, StateIdle, "clear")
	e.emit(Event{Type: EventCleared})
	observe.Logger(ctx).Info("voice session cleared")
}

// OnTokenCleared ends the voice session when the auth token is dropped. It
// is meant to be registered with [auth.TokenStore.OnCleared].
func (e *Engine) OnTokenCleared(ctx context.Context, reason auth.ClearReason) {
	if e.conv.SessionID() == "" {
		return
	}
	observe.Logger(ctx).Info("auth token cleared, ending voice session", "reason", string(reason))
	e.Clear(ctx)
}

// Shutdown closes the interface and waits for background work.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Close(ctx)
	e.stopBase()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) stopCloseTimerLocked() {
	if e.closeTimer != nil {
		e.closeTimer.Stop()
		e.closeTimer = nil
	}
}

// ── Listening ────────────────────────────────────────────────────────────────

// StartListening opens the microphone. Input is ignored with [ErrBusy] while
// a turn is processing; playback in progress is interrupted.
func (e *Engine) StartListening(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return ErrClosed
	}
	switch e.machine.State() {
	case StateProcessing:
		observe.Logger(ctx).Debug("ignoring microphone while processing")
		return ErrBusy
	case StateListening:
		return nil
	case StatePlaying:
		e.haltPlaybackLocked()
	case StateError:
		_ = e.machine.Transition(ctx, StateIdle, "user")
	}
	e.resume = false
	return e.listenLocked(ctx, "user")
}

func (e *Engine) listenLocked(ctx context.Context, cause string) error {
	h, err := e.capture.Start(ctx)
	if err != nil {
		e.failLocked(ctx, "capture", err)
		return err
	}
	if err := e.machine.Transition(ctx, StateListening, cause); err != nil {
		_ = e.capture.Cancel(ctx)
		return err
	}
	e.listenGen++
	gen := e.listenGen

	mctx, cancel := context.WithCancel(observe.WithSession(e.base, e.conv.SessionID()))
	e.monitorCancel = cancel
	mon := vad.New(h, h.StartedAt(),
		func(ctx context.Context, c vad.Completion) { e.onUtterance(ctx, gen, c) },
		vad.WithConfig(e.cfg.VAD), vad.WithClock(e.now), vad.WithMetrics(e.metrics),
	)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		if err := mon.Run(mctx); err != nil && !errors.Is(err, context.Canceled) {
			e.onMonitorAbort(mctx, gen, err)
		}
	}()
	return nil
}

// StopListening ends the utterance manually and submits it.
func (e *Engine) StopListening(ctx context.Context) error {
	e.mu.Lock()
	if !e.machine.Is(StateListening) {
		e.mu.Unlock()
		return ErrNotListening
	}
	uri, err := e.capture.Stop(ctx)
	switch {
	case errors.Is(err, capture.ErrNoActiveCapture):
		// The monitor completed the utterance first.
		e.mu.Unlock()
		return nil
	case err != nil:
		e.haltListeningLocked(ctx)
		e.failLocked(ctx, "capture", err)
		e.mu.Unlock()
		return err
	}
	e.haltListeningLocked(ctx)
	err = e.machine.Transition(ctx, StateProcessing, "manual_stop")
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.startTurn(conversation.KindAudio, uri)
	return nil
}

func (e *Engine) onUtterance(ctx context.Context, gen uint64, c vad.Completion) {
	e.mu.Lock()
	if gen != e.listenGen || !e.machine.Is(StateListening) {
		e.mu.Unlock()
		observe.Logger(ctx).Debug("dropping stale utterance", "uri", c.URI)
		e.removeUtterance(c.URI)
		return
	}
	e.monitorCancel = nil
	err := e.machine.Transition(ctx, StateProcessing, "utterance_"+c.Reason.String())
	e.mu.Unlock()
	if err != nil {
		return
	}
	e.startTurn(conversation.KindAudio, c.URI)
}

func (e *Engine) onMonitorAbort(ctx context.Context, gen uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.listenGen {
		return
	}
	e.monitorCancel = nil
	if cerr := e.capture.Cancel(ctx); cerr != nil {
		observe.Logger(ctx).Warn("discard aborted capture", "err", cerr)
	}
	e.failLocked(ctx, "vad", err)
}

// haltListeningLocked cancels the monitor and discards an active capture.
func (e *Engine) haltListeningLocked(ctx context.Context) {
	e.listenGen++
	if e.monitorCancel != nil {
		e.monitorCancel()
		e.monitorCancel = nil
	}
	if err := e.capture.Cancel(ctx); err != nil {
		observe.Logger(ctx).Warn("discard capture", "err", err)
	}
}

func (e *Engine) failLocked(ctx context.Context, source string, err error) {
	observe.Logger(ctx).Error("voice engine error", "source", source, "err", err)
	_ = e.machine.Transition(ctx, StateError, source)
	e.emit(Event{Type: EventError, Message: fmt.Sprintf("%s failed", source)})
}

// ── Turns ────────────────────────────────────────────────────────────────────

// SubmitText sends typed text as a turn. Blank input is ignored.
func (e *Engine) SubmitText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	e.mu.Lock()
	switch e.machine.State() {
	case StateProcessing, StateListening, StatePlaying:
		e.mu.Unlock()
		return ErrBusy
	case StateError:
		_ = e.machine.Transition(ctx, StateIdle, "user")
	}
	err := e.machine.Transition(ctx, StateProcessing, "text")
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.startTurn(conversation.KindText, text)
	return nil
}

// SyncAuth posts a newly issued token to the backend as a turn of its own.
// The reply is played when the interface is open and listening resumes
// afterwards. A capture or playback in progress is dropped. It returns
// [ErrBusy] while another turn is processing.
func (e *Engine) SyncAuth(ctx context.Context, token string) error {
	e.mu.Lock()
	switch e.machine.State() {
	case StateProcessing:
		e.mu.Unlock()
		return ErrBusy
	case StateListening:
		e.haltListeningLocked(ctx)
	case StatePlaying:
		e.haltPlaybackLocked()
		_ = e.machine.Transition(ctx, StateIdle, "interrupted")
	case StateError:
		_ = e.machine.Transition(ctx, StateIdle, "auth_sync")
	}
	err := e.machine.Transition(ctx, StateProcessing, "auth_sync")
	if err == nil {
		e.resume = true
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.startTurn(conversation.KindAuthSync, token)
	return nil
}

// startTurn runs the turn on a context detached from the caller.
func (e *Engine) startTurn(kind conversation.Kind, payload string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx := observe.WithSession(e.base, e.conv.SessionID())
		var (
			res conversation.TurnResult
			err error
		)
		switch kind {
		case conversation.KindAudio:
			res, err = e.conv.SendVoice(ctx, payload)
			e.removeUtterance(payload)
		case conversation.KindAuthSync:
			res, err = e.conv.SyncAuth(ctx, payload)
		default:
			res, err = e.conv.SendText(ctx, payload)
		}
		e.finishTurn(ctx, res, err)
	}()
}

func (e *Engine) removeUtterance(uri string) {
	if e.cfg.KeepUtterances || uri == "" {
		return
	}
	if err := os.Remove(strings.TrimPrefix(uri, "file://")); err != nil && !errors.Is(err, os.ErrNotExist) {
		observe.Logger(e.base).Debug("remove utterance", "uri", uri, "err", err)
	}
}

func (e *Engine) finishTurn(ctx context.Context, res conversation.TurnResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if errors.Is(err, conversation.ErrCleared) || !e.machine.Is(StateProcessing) {
		return
	}
	cause := "reply"
	if e.resume {
		cause = "auth_sync"
	}
	if err != nil {
		e.resume = false
		if conversation.IsFallback(err) {
			// The client has already appended the fallback reply.
			e.emit(Event{Type: EventError, Message: res.Message})
		} else {
			observe.Logger(ctx).Warn("turn not sent", "cause", cause, "err", err)
		}
		_ = e.machine.Transition(ctx, StateIdle, "turn_failed")
		return
	}

	if res.Action != nil {
		e.navigateLocked(ctx, res.Action)
	}
	if res.HandedOff {
		e.resume = false
		nav := Navigation{Screen: e.cfg.Guard.authScreen()}
		e.emit(Event{Type: EventHandOff, Navigation: &nav, Message: res.Message})
	}
	if res.HasAudio() && e.open {
		e.playLocked(ctx, res, cause)
		return
	}
	_ = e.machine.Transition(ctx, StateIdle, cause)
	e.resumeLocked(ctx)
	e.resume = false
}

// ── Playback ─────────────────────────────────────────────────────────────────

func (e *Engine) playLocked(ctx context.Context, res conversation.TurnResult, cause string) {
	clip, err := tts.DecodeClip(res.AudioBase64)
	if err != nil {
		observe.Logger(ctx).Warn("undecodable reply audio", "err", err)
		_ = e.machine.Transition(ctx, StateIdle, "bad_audio")
		e.resumeLocked(ctx)
		return
	}
	if err := e.machine.Transition(ctx, StatePlaying, cause); err != nil {
		return
	}
	e.playGen++
	gen := e.playGen
	pctx, cancel := context.WithCancel(e.base)
	e.playCancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		start := e.now()
		err := e.player.Play(pctx, clip)
		e.metrics.PlaybackDuration.Record(ctx, e.now().Sub(start).Seconds())
		e.onPlaybackDone(ctx, gen, err)
	}()
}

func (e *Engine) onPlaybackDone(ctx context.Context, gen uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.playGen {
		return
	}
	e.playCancel = nil
	if err != nil {
		e.resume = false
		e.failLocked(ctx, "playback", err)
		return
	}
	if e.resume && e.open {
		e.resume = false
		if lerr := e.listenLocked(ctx, "resume"); lerr != nil {
			observe.Logger(ctx).Warn("auto-resume failed", "err", lerr)
		}
		return
	}
	_ = e.machine.Transition(ctx, StateIdle, "playback_done")
}

// resumeLocked starts listening if the resume flag is set.
func (e *Engine) resumeLocked(ctx context.Context) {
	if !e.resume || !e.open {
		return
	}
	e.resume = false
	if err := e.listenLocked(ctx, "resume"); err != nil {
		observe.Logger(ctx).Warn("auto-resume failed", "err", err)
	}
}

// haltPlaybackLocked stops playback. The playback goroutine then leaves the
// state alone.
func (e *Engine) haltPlaybackLocked() {
	e.playGen++
	if e.playCancel != nil {
		e.playCancel()
		e.playCancel = nil
	}
}

// ── Navigation ───────────────────────────────────────────────────────────────

func (e *Engine) navigateLocked(ctx context.Context, a *conversation.Action) {
	if a.Type != conversation.ActionNavigate {
		return
	}
	nav := e.cfg.Guard.Resolve(Navigation{Screen: a.Screen, Params: a.Params}, e.auth.Status() == auth.StatusAuthenticated)
	observe.Logger(ctx).Info("navigating", "screen", nav.Screen, "requested", a.Screen)
	if e.nav != nil {
		e.nav.Navigate(ctx, nav)
	}
	e.emit(Event{Type: EventNavigate, Navigation: &nav})

	if !e.cfg.CloseAfterNavigate {
		return
	}
	if e.cfg.CloseDelay <= 0 {
		e.closeLocked(ctx)
		return
	}
	e.stopCloseTimerLocked()
	e.closeTimer = time.AfterFunc(e.cfg.CloseDelay, func() { e.Close(e.base) })
}

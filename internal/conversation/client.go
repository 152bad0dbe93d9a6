package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voicedesk/internal/observe"
)

// SessionPrefix prefixes locally minted session ids.
const SessionPrefix = "voice_session_"

// DefaultMaxFollowUps bounds interceptor-driven follow-up turns per
// submission.
const DefaultMaxFollowUps = 4

// DefaultFallbackMessages are the canned replies used when a turn fails.
// Unknown locales use "en".
var DefaultFallbackMessages = map[string]string{
	"en": "Sorry, I couldn't process that. Please try again.",
	"ar": "عذراً، لم أتمكن من معالجة طلبك. حاول مرة أخرى.",
}

// Directive is returned by an [Interceptor] after a turn.
type Directive struct {
	// FollowUp, when non-empty, is submitted as the next text turn.
	FollowUp string

	// HandOff marks the result as handed off; the voice loop suspends.
	HandOff bool
}

// Interceptor inspects every completed turn. Fallback results are passed
// too, with [TurnResult.Fallback] set, but their directives are ignored.
type Interceptor interface {
	AfterTurn(ctx context.Context, kind Kind, res TurnResult) Directive
}

// InterceptorFunc adapts a function to [Interceptor].
type InterceptorFunc func(ctx context.Context, kind Kind, res TurnResult) Directive

// AfterTurn calls f.
func (f InterceptorFunc) AfterTurn(ctx context.Context, kind Kind, res TurnResult) Directive {
	return f(ctx, kind, res)
}

// Client runs turns for a single conversation session.
//
// Turns are expected to be sequential; the voice engine enforces this. The
// Client itself is safe for concurrent use.
type Client struct {
	transport    Transport
	transcript   *Transcript
	locale       func() string
	fallbacks    map[string]string
	maxFollowUps int
	metrics      *observe.Metrics
	now          func() time.Time

	mu           sync.Mutex
	interceptors []Interceptor
	sessionID    string
	stage        Stage
	epoch        uint64
}

// Option is a functional option for [New].
type Option func(*Client)

// WithTranscript shares an existing transcript.
func WithTranscript(t *Transcript) Option {
	return func(c *Client) { c.transcript = t }
}

// WithClientLocale selects the fallback message language.
func WithClientLocale(fn func() string) Option {
	return func(c *Client) { c.locale = fn }
}

// WithFallbackMessages merges msgs over [DefaultFallbackMessages].
func WithFallbackMessages(msgs map[string]string) Option {
	return func(c *Client) {
		for k, v := range msgs {
			if v != "" {
				c.fallbacks[k] = v
			}
		}
	}
}

// WithMaxFollowUps overrides [DefaultMaxFollowUps].
func WithMaxFollowUps(n int) Option {
	return func(c *Client) { c.maxFollowUps = n }
}

// WithMetrics records turn metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New returns a Client on top of t.
func New(t Transport, opts ...Option) *Client {
	c := &Client{
		transport:    t,
		transcript:   NewTranscript(),
		locale:       func() string { return "en" },
		fallbacks:    make(map[string]string, len(DefaultFallbackMessages)),
		maxFollowUps: DefaultMaxFollowUps,
		metrics:      observe.DefaultMetrics(),
		now:          time.Now,
	}
	for k, v := range DefaultFallbackMessages {
		c.fallbacks[k] = v
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Use appends an interceptor. Interceptors run in registration order; the
// first non-empty FollowUp wins.
func (c *Client) Use(i Interceptor) {
	c.mu.Lock()
	c.interceptors = append(c.interceptors, i)
	c.mu.Unlock()
}

// Transcript returns the session transcript.
func (c *Client) Transcript() *Transcript { return c.transcript }

// SessionID returns the current session id, or "" before the first turn.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Stage returns the last stage reported by the backend.
func (c *Client) Stage() Stage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// ensureSession returns the session id, minting one if needed, and the
// current epoch.
func (c *Client) ensureSession() (string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		c.sessionID = SessionPrefix + uuid.NewString()
	}
	return c.sessionID, c.epoch
}

// Clear empties the session id, stage and transcript. Results of turns in
// flight are dropped. Calling Clear repeatedly is harmless.
func (c *Client) Clear() {
	c.mu.Lock()
	c.sessionID = ""
	c.stage = ""
	c.epoch++
	c.mu.Unlock()
	c.transcript.Reset()
}

// SendText submits typed text. Empty input is ignored and returns a zero
// result with a nil error.
func (c *Client) SendText(ctx context.Context, text string) (TurnResult, error) {
	return c.submitText(ctx, text, 0)
}

func (c *Client) submitText(ctx context.Context, text string, depth int) (TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnResult{}, nil
	}
	sid, _ := c.ensureSession()
	c.transcript.Append(sid, RoleUser, text)
	return c.turn(ctx, KindText, depth, func(ctx context.Context, sid string) (TurnResult, error) {
		return c.transport.SendText(ctx, sid, text)
	})
}

// SendVoice submits the recorded utterance at uri.
func (c *Client) SendVoice(ctx context.Context, uri string) (TurnResult, error) {
	return c.turn(ctx, KindAudio, 0, func(ctx context.Context, sid string) (TurnResult, error) {
		return c.transport.SendVoice(ctx, sid, uri)
	})
}

// SyncAuth tells the backend that the user authenticated with token. It
// returns [ErrNoSession] when no conversation is active.
func (c *Client) SyncAuth(ctx context.Context, token string) (TurnResult, error) {
	if c.SessionID() == "" {
		return TurnResult{}, ErrNoSession
	}
	return c.turn(ctx, KindAuthSync, 0, func(ctx context.Context, sid string) (TurnResult, error) {
		return c.transport.SyncAuth(ctx, sid, token)
	})
}

func (c *Client) turn(ctx context.Context, kind Kind, depth int, call func(context.Context, string) (TurnResult, error)) (TurnResult, error) {
	sid, epoch := c.ensureSession()
	ctx = observe.WithSession(ctx, sid)
	ctx, span := observe.StartSpan(ctx, "conversation.turn")
	defer span.End()
	log := observe.Logger(ctx).With("kind", string(kind))

	start := c.now()
	res, err := call(ctx, sid)
	elapsed := c.now().Sub(start).Seconds()

	if !c.sameEpoch(epoch) {
		log.Info("conversation cleared during turn, dropping reply")
		c.metrics.RecordTurn(ctx, string(kind), "cleared", elapsed)
		return TurnResult{}, ErrCleared
	}

	if err != nil {
		terr := &TurnError{Kind: kind, Err: err}
		c.metrics.RecordTurn(ctx, string(kind), terr.Status(), elapsed)
		log.Warn("turn failed, using fallback reply", "status", terr.Status(), "err", err)
		msg := c.fallbackMessage()
		c.transcript.Append(sid, RoleAssistant, msg)
		fb := TurnResult{
			OK:        false,
			SessionID: sid,
			Stage:     StageService,
			Message:   msg,
			Fallback:  true,
		}
		c.mu.Lock()
		c.stage = StageService
		interceptors := append([]Interceptor(nil), c.interceptors...)
		c.mu.Unlock()
		// Interceptors see the fallback so they can drop per-stage state;
		// their directives are ignored.
		for _, i := range interceptors {
			i.AfterTurn(ctx, kind, fb)
		}
		return fb, terr
	}

	c.mu.Lock()
	c.sessionID = res.SessionID
	c.stage = res.Stage
	interceptors := append([]Interceptor(nil), c.interceptors...)
	c.mu.Unlock()

	if kind == KindAudio && res.Transcript != "" {
		c.transcript.Append(res.SessionID, RoleUser, res.Transcript)
	}
	if res.Message != "" {
		c.transcript.Append(res.SessionID, RoleAssistant, res.Message)
	}
	c.metrics.RecordTurn(ctx, string(kind), "ok", elapsed)
	log.Debug("turn complete", "stage", string(res.Stage), "ok", res.OK, "audio", res.HasAudio())

	var dir Directive
	for _, i := range interceptors {
		d := i.AfterTurn(ctx, kind, res)
		dir.HandOff = dir.HandOff || d.HandOff
		if dir.FollowUp == "" {
			dir.FollowUp = d.FollowUp
		}
	}
	res.HandedOff = dir.HandOff

	if dir.FollowUp != "" {
		if depth >= c.maxFollowUps {
			log.Warn("follow-up limit reached, not submitting", "depth", depth)
			return res, nil
		}
		next, err := c.submitText(ctx, dir.FollowUp, depth+1)
		if err != nil || next.SessionID != "" {
			next.HandedOff = next.HandedOff || res.HandedOff
			return next, err
		}
	}
	return res, nil
}

func (c *Client) sameEpoch(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch
}

func (c *Client) fallbackMessage() string {
	loc := strings.ToLower(c.locale())
	if i := strings.IndexAny(loc, "-_"); i > 0 {
		loc = loc[:i]
	}
	if msg, ok := c.fallbacks[loc]; ok {
		return msg
	}
	return c.fallbacks["en"]
}

// IsFallback reports whether err came from a failed turn whose fallback
// reply was already appended.
func IsFallback(err error) bool {
	var terr *TurnError
	return errors.As(err, &terr)
}

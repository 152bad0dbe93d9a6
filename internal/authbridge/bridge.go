// Package authbridge splices the login flow into the voice conversation.
//
// When the backend asks for identity while the user is anonymous, the bridge
// hands the conversation off to the regular auth screens and remembers every
// value the user types there. Once the backend later asks for one of those
// values (recognised by marker phrases in its reply), the bridge answers on
// the user's behalf. When a token is issued it syncs the conversation with
// the backend and lets the assistant resume speaking.
package authbridge

import (
	"context"
	"maps"
	"strings"
	"sync"

	"github.com/MrWong99/voicedesk/internal/auth"
	"github.com/MrWong99/voicedesk/internal/conversation"
	"github.com/MrWong99/voicedesk/internal/observe"
)

// Markers are the phrases that identify which field a prompt asks for.
type Markers struct {
	NationalID  []string `yaml:"national_id"`
	PhoneNumber []string `yaml:"phone_number"`
	FullName    []string `yaml:"full_name"`
	OTP         []string `yaml:"otp"`
}

func (m Markers) forField(f auth.Field) []string {
	switch f {
	case auth.FieldNationalID:
		return m.NationalID
	case auth.FieldPhoneNumber:
		return m.PhoneNumber
	case auth.FieldFullName:
		return m.FullName
	case auth.FieldOTP:
		return m.OTP
	}
	return nil
}

// DefaultMarkers holds the built-in phrases per locale.
var DefaultMarkers = map[string]Markers{
	"ar": {
		NationalID:  []string{"رقم هويتك"},
		PhoneNumber: []string{"رقم تلفونك"},
		FullName:    []string{"اسمك"},
		OTP:         []string{"رمز"},
	},
	"en": {
		NationalID:  []string{"your ID number"},
		PhoneNumber: []string{"your phone number"},
		FullName:    []string{"your name"},
		OTP:         []string{"the code"},
	},
}

// Authenticator reports the current auth state. [*auth.TokenStore]
// implements it.
type Authenticator interface {
	Status() auth.Status
}

// Syncer posts an issued token to the conversation backend.
// [*conversation.Client] implements it.
type Syncer interface {
	SessionID() string
	SyncAuth(ctx context.Context, token string) (conversation.TurnResult, error)
}

// Voice is the part of the voice engine the bridge drives.
type Voice interface {
	// SyncAuth posts token to the backend as a turn of the voice loop. The
	// reply is played when the interface is open and listening resumes.
	SyncAuth(ctx context.Context, token string) error
}

// Bridge is a [conversation.Interceptor] and an [auth.FieldRecorder].
type Bridge struct {
	auth    Authenticator
	syncer  Syncer
	markers map[string]Markers
	metrics *observe.Metrics

	mu        sync.Mutex
	voice     Voice
	triggered bool
	pending   map[auth.Field]string
}

var (
	_ conversation.Interceptor = (*Bridge)(nil)
	_ auth.FieldRecorder       = (*Bridge)(nil)
)

// Option is a functional option for [New].
type Option func(*Bridge)

// WithMarkers replaces the marker set for each given locale.
func WithMarkers(m map[string]Markers) Option {
	return func(b *Bridge) { maps.Copy(b.markers, m) }
}

// WithMetrics records bridge metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New returns a Bridge. Call [Bridge.Attach] before tokens can be issued.
func New(a Authenticator, s Syncer, opts ...Option) *Bridge {
	b := &Bridge{
		auth:    a,
		syncer:  s,
		markers: maps.Clone(DefaultMarkers),
		metrics: observe.DefaultMetrics(),
		pending: make(map[auth.Field]string),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Attach connects the voice engine.
func (b *Bridge) Attach(v Voice) {
	b.mu.Lock()
	b.voice = v
	b.mu.Unlock()
}

// Triggered reports whether a voice-initiated login is in progress.
func (b *Bridge) Triggered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.triggered
}

// Pending returns a copy of the unused identity values.
func (b *Bridge) Pending() map[auth.Field]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.pending)
}

// Reset drops the pending values and the trigger flag.
func (b *Bridge) Reset() {
	b.mu.Lock()
	b.triggered = false
	clear(b.pending)
	b.mu.Unlock()
}

// Record stores a value typed into the auth flow. Values are only kept
// while a voice-initiated login is in progress.
func (b *Bridge) Record(field auth.Field, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.triggered || value == "" {
		return
	}
	b.pending[field] = value
}

// AfterTurn implements [conversation.Interceptor].
func (b *Bridge) AfterTurn(ctx context.Context, _ conversation.Kind, res conversation.TurnResult) conversation.Directive {
	log := observe.Logger(ctx)
	switch res.Stage {
	case conversation.StageService:
		b.Reset()
		return conversation.Directive{}

	case conversation.StageIdentity:
		b.mu.Lock()
		defer b.mu.Unlock()

		if b.triggered && len(b.pending) > 0 {
			field, value, ok := b.pick(res.Message)
			if !ok {
				log.Info("identity prompt matched no pending field", "pending", len(b.pending))
				b.metrics.AuthMismatches.Add(ctx, 1)
				return conversation.Directive{}
			}
			for f, v := range b.pending {
				if v == value {
					delete(b.pending, f)
				}
			}
			b.metrics.RecordAuthAutoSubmit(ctx, string(field))
			log.Info("answering identity prompt from auth flow", "field", string(field))
			return conversation.Directive{FollowUp: value}
		}

		if b.auth.Status() != auth.StatusAuthenticated {
			if !b.triggered {
				log.Info("identity requested while anonymous, handing off to login")
			}
			b.triggered = true
			return conversation.Directive{HandOff: true}
		}
	}
	return conversation.Directive{}
}

// pick returns the first field, in [auth.Fields] order, whose marker occurs
// in msg and which has a pending value. b.mu must be held.
func (b *Bridge) pick(msg string) (auth.Field, string, bool) {
	lower := strings.ToLower(msg)
	for _, f := range auth.Fields {
		v, ok := b.pending[f]
		if !ok {
			continue
		}
		for _, m := range b.markers {
			for _, phrase := range m.forField(f) {
				if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
					return f, v, true
				}
			}
		}
	}
	return "", "", false
}

// OnTokenIssued syncs a newly issued token with the active conversation.
// It is meant to be registered with [auth.TokenStore.OnIssued].
func (b *Bridge) OnTokenIssued(ctx context.Context, token string) {
	log := observe.Logger(ctx)
	if b.syncer.SessionID() == "" {
		log.Debug("token issued without a voice session, skipping sync")
		return
	}
	b.mu.Lock()
	v := b.voice
	b.mu.Unlock()

	if v != nil {
		if err := v.SyncAuth(ctx, token); err != nil {
			log.Warn("auth sync not started", "err", err)
		}
		return
	}
	if _, err := b.syncer.SyncAuth(ctx, token); err != nil {
		log.Warn("auth sync failed", "err", err)
	}
}

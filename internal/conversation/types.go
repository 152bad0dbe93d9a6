// Package conversation runs the turn-based dialog with the decision backend.
//
// A turn submits either a recorded utterance (a WAV file) or typed text
// against a session id and receives a [TurnResult]: the dialog stage, the
// assistant's reply, optional synthesized audio and an optional navigation
// action. The [Client] owns the session id and the append-only
// [Transcript]; on any failure it appends one localized fallback reply and
// never surfaces raw transport errors to the UI.
package conversation

import (
	"errors"
	"fmt"
)

// Stage is the dialog stage reported by the backend.
type Stage string

const (
	StageIdentity Stage = "IDENTITY"
	StageService  Stage = "SERVICE"
	StageDate     Stage = "DATE"
	StageTime     Stage = "TIME"
	StageConfirm  Stage = "CONFIRM"
)

// IsValid reports whether s is a known stage.
func (s Stage) IsValid() bool {
	switch s {
	case StageIdentity, StageService, StageDate, StageTime, StageConfirm:
		return true
	}
	return false
}

// ActionNavigate is the only action type the backend emits.
const ActionNavigate = "navigate"

// Action asks the host to show a screen.
type Action struct {
	Type   string         `json:"type"`
	Screen string         `json:"screen"`
	Params map[string]any `json:"params,omitempty"`
}

// TurnResult is one validated backend reply.
type TurnResult struct {
	OK          bool    `json:"ok"`
	SessionID   string  `json:"sessionId"`
	Stage       Stage   `json:"stage"`
	Message     string  `json:"message"`
	AudioBase64 string  `json:"audioBase64,omitempty"`
	Transcript  string  `json:"transcript,omitempty"`
	Action      *Action `json:"action,omitempty"`

	// HandedOff is set when an interceptor suspended the voice loop after
	// this turn (for example to run a login flow).
	HandedOff bool `json:"-"`

	// Fallback marks a locally generated reply standing in for a failed turn.
	Fallback bool `json:"-"`
}

// HasAudio reports whether the reply carries synthesized speech.
func (r TurnResult) HasAudio() bool { return r.AudioBase64 != "" }

// Kind is the input modality of a turn.
type Kind string

const (
	KindAudio    Kind = "audio"
	KindText     Kind = "text"
	KindAuthSync Kind = "auth_sync"
)

var (
	// ErrNetwork wraps transport failures: unreachable backend, timeouts,
	// non-2xx responses, an open circuit breaker.
	ErrNetwork = errors.New("conversation: network error")

	// ErrMalformedResponse wraps replies that fail validation.
	ErrMalformedResponse = errors.New("conversation: malformed response")

	// ErrUnauthorized is returned for HTTP 401. It also wraps [ErrNetwork].
	ErrUnauthorized = fmt.Errorf("%w: unauthorized", ErrNetwork)

	// ErrCleared is returned when the conversation was cleared while the
	// turn was in flight. The reply is dropped.
	ErrCleared = errors.New("conversation: cleared during turn")

	// ErrNoSession is returned by operations that need an existing session.
	ErrNoSession = errors.New("conversation: no session")
)

// TurnError reports a failed turn. The Client has already appended the
// fallback reply when it returns one.
type TurnError struct {
	Kind Kind
	Err  error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("conversation: %s turn failed: %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Status returns the metric label for the failure class.
func (e *TurnError) Status() string {
	switch {
	case errors.Is(e.Err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(e.Err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(e.Err, ErrNetwork):
		return "network_error"
	default:
		return "error"
	}
}

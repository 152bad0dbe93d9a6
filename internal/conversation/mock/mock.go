// Package mock provides a scripted [conversation.Transport] for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voicedesk/internal/conversation"
)

// Call records one transport invocation.
type Call struct {
	Kind      conversation.Kind
	SessionID string
	// Payload is the text, the utterance URI or the auth token.
	Payload string
}

// Reply is one scripted transport answer.
type Reply struct {
	Result conversation.TurnResult
	Err    error
}

// Transport hands out Replies in order. When the script is exhausted it
// returns Default (or an error if Default is unset).
type Transport struct {
	mu sync.Mutex

	// Replies are consumed one per call.
	Replies []Reply

	// Default is returned once Replies is empty.
	Default *Reply

	// Block, when non-nil, is received from before each reply is returned.
	Block chan struct{}

	calls []Call
}

var _ conversation.Transport = (*Transport)(nil)

// ErrNoReply is returned when no scripted reply is left.
var ErrNoReply = errors.New("mock: no scripted reply")

func (t *Transport) next(ctx context.Context, c Call) (conversation.TurnResult, error) {
	t.mu.Lock()
	t.calls = append(t.calls, c)
	var r Reply
	switch {
	case len(t.Replies) > 0:
		r = t.Replies[0]
		t.Replies = t.Replies[1:]
	case t.Default != nil:
		r = *t.Default
	default:
		r = Reply{Err: ErrNoReply}
	}
	block := t.Block
	t.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return conversation.TurnResult{}, ctx.Err()
		}
	}
	return r.Result, r.Err
}

// SendText records the call and returns the next reply.
func (t *Transport) SendText(ctx context.Context, sessionID, text string) (conversation.TurnResult, error) {
	return t.next(ctx, Call{Kind: conversation.KindText, SessionID: sessionID, Payload: text})
}

// SendVoice records the call and returns the next reply.
func (t *Transport) SendVoice(ctx context.Context, sessionID, uri string) (conversation.TurnResult, error) {
	return t.next(ctx, Call{Kind: conversation.KindAudio, SessionID: sessionID, Payload: uri})
}

// SyncAuth records the call and returns the next reply.
func (t *Transport) SyncAuth(ctx context.Context, sessionID, token string) (conversation.TurnResult, error) {
	return t.next(ctx, Call{Kind: conversation.KindAuthSync, SessionID: sessionID, Payload: token})
}

// Calls returns a copy of all recorded calls.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}

// Push appends replies to the script.
func (t *Transport) Push(r ...Reply) {
	t.mu.Lock()
	t.Replies = append(t.Replies, r...)
	t.mu.Unlock()
}

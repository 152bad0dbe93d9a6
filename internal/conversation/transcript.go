package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one transcript line.
type Entry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Transcript is an append-only list of entries. Entries are never edited or
// removed individually; [Transcript.Reset] empties it as a whole.
type Transcript struct {
	now func() time.Time

	mu        sync.Mutex
	entries   []Entry
	observers map[int]func(Entry)
	nextObs   int
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{now: time.Now, observers: make(map[int]func(Entry))}
}

// Append adds an entry and notifies observers.
func (t *Transcript) Append(sessionID string, role Role, text string) Entry {
	prefix := "usr_"
	if role == RoleAssistant {
		prefix = "ast_"
	}
	e := Entry{
		ID:        prefix + uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		CreatedAt: t.now(),
	}

	t.mu.Lock()
	t.entries = append(t.entries, e)
	obs := make([]func(Entry), 0, len(t.observers))
	for _, fn := range t.observers {
		obs = append(obs, fn)
	}
	t.mu.Unlock()

	for _, fn := range obs {
		fn(e)
	}
	return e
}

// Snapshot returns a copy of all entries in order.
func (t *Transcript) Snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// LastAssistant returns the most recent non-empty assistant reply.
func (t *Transcript) LastAssistant() (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.entries) - 1; i >= 0; i-- {
		if e := t.entries[i]; e.Role == RoleAssistant && e.Text != "" {
			return e, true
		}
	}
	return Entry{}, false
}

// Reset removes all entries. Observers stay registered.
func (t *Transcript) Reset() {
	t.mu.Lock()
	t.entries = nil
	t.mu.Unlock()
}

// OnAppend registers fn to run after every append. The returned function
// unregisters it.
func (t *Transcript) OnAppend(fn func(Entry)) (cancel func()) {
	t.mu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

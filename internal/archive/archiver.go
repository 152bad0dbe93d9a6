package archive

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicedesk/internal/conversation"
)

const (
	// DefaultFlushInterval is how long entries wait before a partial batch
	// is written.
	DefaultFlushInterval = time.Second

	// maxBatch caps one write.
	maxBatch = 64

	// drainTimeout bounds the final flush after Run's context ends.
	drainTimeout = 5 * time.Second
)

// Writer persists a batch of entries. [*Store] implements it.
type Writer interface {
	Write(ctx context.Context, entries []conversation.Entry) error
}

// Archiver queues transcript entries and writes them in batches from a single
// worker. Observe never blocks: when the queue is full the entry is dropped
// and counted.
type Archiver struct {
	w        Writer
	queue    chan conversation.Entry
	interval time.Duration
	dropped  atomic.Int64
	failed   atomic.Int64
}

// ArchiverOption is a functional option for [NewArchiver].
type ArchiverOption func(*Archiver)

// WithFlushInterval overrides [DefaultFlushInterval].
func WithFlushInterval(d time.Duration) ArchiverOption {
	return func(a *Archiver) { a.interval = d }
}

// NewArchiver returns an Archiver with a queue of the given depth.
func NewArchiver(w Writer, buffer int, opts ...ArchiverOption) *Archiver {
	if buffer <= 0 {
		buffer = 1
	}
	a := &Archiver{
		w:        w,
		queue:    make(chan conversation.Entry, buffer),
		interval: DefaultFlushInterval,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Observe enqueues e. It matches the [conversation.Transcript.OnAppend]
// callback signature.
func (a *Archiver) Observe(e conversation.Entry) {
	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
		slog.Warn("archive queue full, dropping transcript entry", "session_id", e.SessionID, "entry_id", e.ID)
	}
}

// Dropped returns the number of entries lost to a full queue.
func (a *Archiver) Dropped() int64 { return a.dropped.Load() }

// Failed returns the number of entries whose write failed.
func (a *Archiver) Failed() int64 { return a.failed.Load() }

// Run writes queued entries until ctx is cancelled, then drains what is left
// with a short grace period. It always returns nil so it can run inside an
// errgroup without tearing the group down.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	batch := make([]conversation.Entry, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			a.drain(batch)
			return nil
		case e := <-a.queue:
			batch = append(batch, e)
			if len(batch) >= maxBatch {
				batch = a.flush(ctx, batch)
			}
		case <-ticker.C:
			batch = a.flush(ctx, batch)
		}
	}
}

func (a *Archiver) drain(batch []conversation.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case e := <-a.queue:
			batch = append(batch, e)
			if len(batch) >= maxBatch {
				batch = a.flush(ctx, batch)
			}
		default:
			a.flush(ctx, batch)
			return
		}
	}
}

// flush writes batch and returns it emptied. Failed batches are logged and
// discarded; the archive is best effort.
func (a *Archiver) flush(ctx context.Context, batch []conversation.Entry) []conversation.Entry {
	if len(batch) == 0 {
		return batch
	}
	if err := a.w.Write(ctx, batch); err != nil {
		a.failed.Add(int64(len(batch)))
		slog.Warn("archive write failed", "entries", len(batch), "err", err)
	}
	return batch[:0]
}

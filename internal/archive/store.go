// Package archive persists conversation transcripts to PostgreSQL.
//
// The voice transcript itself lives in memory and is cleared with the
// session. The archive keeps a durable copy for support and auditing:
//
//	store, err := archive.NewStore(ctx, dsn)
//	if err != nil { … }
//	a := archive.NewArchiver(store, 256)
//	cancel := transcript.OnAppend(a.Observe)
//	go a.Run(ctx)
package archive

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voicedesk/internal/conversation"
)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS voice_transcript_entries (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL DEFAULT '',
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voice_transcript_entries_session_created
    ON voice_transcript_entries (session_id, created_at);
`

// Store is a PostgreSQL-backed transcript archive. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ Writer = (*Store)(nil)

// NewStore connects to dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the archive table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("archive: create table: %w", err)
	}
	return nil
}

// Write inserts entries in one batch. Entries already archived are skipped.
func (s *Store) Write(ctx context.Context, entries []conversation.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	const q = `
		INSERT INTO voice_transcript_entries (id, session_id, role, text, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(q, e.ID, e.SessionID, string(e.Role), e.Text, e.CreatedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("archive: write %d entries: %w", len(entries), err)
	}
	return nil
}

// Session returns the archived entries of sessionID, oldest first.
func (s *Store) Session(ctx context.Context, sessionID string) ([]conversation.Entry, error) {
	const q = `
		SELECT id, session_id, role, text, created_at
		FROM   voice_transcript_entries
		WHERE  session_id = $1
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: query session: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Entry, error) {
		var e conversation.Entry
		var role string
		if err := row.Scan(&e.ID, &e.SessionID, &role, &e.Text, &e.CreatedAt); err != nil {
			return conversation.Entry{}, err
		}
		e.Role = conversation.Role(role)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if entries == nil {
		entries = []conversation.Entry{}
	}
	return entries, nil
}

// Ping checks database connectivity. Used as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

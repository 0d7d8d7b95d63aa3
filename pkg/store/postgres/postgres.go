// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store] using pgx.
//
// Conversations keep their ordered fragments and optional summary as JSONB;
// memories are a flat table ordered by a precomputed retrieval score.
//
// Usage:
//
//	s, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer s.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/murmur/pkg/store"
	"github.com/MrWong99/murmur/pkg/types"
)

// Schema is the SQL DDL for the conversations and memories tables. It is
// applied by [Store.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
    owner_id              TEXT         NOT NULL,
    id                    TEXT         NOT NULL,
    status                TEXT         NOT NULL,
    discarded             BOOLEAN      NOT NULL DEFAULT false,
    fragments             JSONB        NOT NULL DEFAULT '[]',
    summary               JSONB,
    memory_ids            TEXT[]       NOT NULL DEFAULT '{}',
    failure_reason        TEXT         NOT NULL DEFAULT '',
    language              TEXT         NOT NULL DEFAULT '',
    timezone              TEXT         NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ  NOT NULL,
    started_at            TIMESTAMPTZ  NOT NULL,
    finished_at           TIMESTAMPTZ  NOT NULL,
    updated_at            TIMESTAMPTZ  NOT NULL,
    processing_started_at TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (owner_id, id)
);

CREATE INDEX IF NOT EXISTS idx_conversations_owner_created
    ON conversations (owner_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_conversations_processing
    ON conversations (processing_started_at) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS memories (
    owner_id        TEXT         NOT NULL,
    id              TEXT         NOT NULL,
    content         TEXT         NOT NULL,
    category        TEXT         NOT NULL,
    tags            TEXT[]       NOT NULL DEFAULT '{}',
    conversation_id TEXT         NOT NULL DEFAULT '',
    review          TEXT         NOT NULL DEFAULT '',
    manual          BOOLEAN      NOT NULL DEFAULT false,
    visibility      TEXT         NOT NULL DEFAULT 'private',
    score           BIGINT       NOT NULL,
    created_at      TIMESTAMPTZ  NOT NULL,
    updated_at      TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (owner_id, id)
);

CREATE INDEX IF NOT EXISTS idx_memories_owner_score
    ON memories (owner_id, score DESC);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [store.Store] backed by PostgreSQL. All operations are safe for
// concurrent use.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New wraps an existing connection or pool. The caller is responsible for
// calling [Store.Migrate] before issuing queries.
func New(db DB) *Store {
	s := &Store{db: db}
	if pool, ok := db.(*pgxpool.Pool); ok {
		s.pool = pool
	}
	return s
}

// NewStore creates a connection pool to the database at dsn, verifies the
// connection and runs [Store.Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres store: migrate: %w", err)
	}
	return nil
}

// Ping implements [store.Store]. Without a pool it issues a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// Close releases the pool when the Store owns one.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Conversations
// ─────────────────────────────────────────────────────────────────────────────

const conversationColumns = `
	owner_id, id, status, discarded, fragments, summary, memory_ids,
	failure_reason, language, timezone,
	created_at, started_at, finished_at, updated_at, processing_started_at`

// UpsertConversation implements [store.ConversationStore].
func (s *Store) UpsertConversation(ctx context.Context, c *types.Conversation) error {
	fragments := c.Fragments
	if fragments == nil {
		fragments = []types.Fragment{}
	}
	fragJSON, err := json.Marshal(fragments)
	if err != nil {
		return fmt.Errorf("postgres store: marshal fragments: %w", err)
	}
	var summaryJSON *string
	if c.Summary != nil {
		b, err := json.Marshal(c.Summary)
		if err != nil {
			return fmt.Errorf("postgres store: marshal summary: %w", err)
		}
		str := string(b)
		summaryJSON = &str
	}
	memoryIDs := c.MemoryIDs
	if memoryIDs == nil {
		memoryIDs = []string{}
	}

	const query = `
		INSERT INTO conversations (` + conversationColumns + `)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (owner_id, id) DO UPDATE SET
			status = EXCLUDED.status,
			discarded = EXCLUDED.discarded,
			fragments = EXCLUDED.fragments,
			summary = EXCLUDED.summary,
			memory_ids = EXCLUDED.memory_ids,
			failure_reason = EXCLUDED.failure_reason,
			language = EXCLUDED.language,
			timezone = EXCLUDED.timezone,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			updated_at = EXCLUDED.updated_at,
			processing_started_at = EXCLUDED.processing_started_at`

	_, err = s.db.Exec(ctx, query,
		c.OwnerID, c.ID, string(c.Status), c.Discarded, string(fragJSON), summaryJSON, memoryIDs,
		c.FailureReason, c.Language, c.Timezone,
		c.CreatedAt, c.StartedAt, c.FinishedAt, c.UpdatedAt, c.ProcessingStartedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: upsert conversation %q: %w", c.ID, err)
	}
	return nil
}

// GetConversation implements [store.ConversationStore].
func (s *Store) GetConversation(ctx context.Context, ownerID, id string) (*types.Conversation, error) {
	const query = `SELECT ` + conversationColumns + ` FROM conversations WHERE owner_id = $1 AND id = $2`

	c, err := scanConversation(s.db.QueryRow(ctx, query, ownerID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres store: get conversation %q: %w", id, err)
	}
	return c, nil
}

// ListConversations implements [store.ConversationStore].
func (s *Store) ListConversations(ctx context.Context, ownerID string, f store.ConversationFilter) ([]*types.Conversation, error) {
	const query = `SELECT ` + conversationColumns + ` FROM conversations
		WHERE owner_id = $1 AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at DESC, id
		LIMIT $3`

	rows, err := s.db.Query(ctx, query, ownerID, string(f.Status), store.Limit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("postgres store: list conversations: %w", err)
	}
	return collectConversations(rows)
}

// ListProcessingBefore implements [store.ConversationStore].
func (s *Store) ListProcessingBefore(ctx context.Context, before time.Time) ([]*types.Conversation, error) {
	const query = `SELECT ` + conversationColumns + ` FROM conversations
		WHERE status = 'processing' AND processing_started_at < $1
		ORDER BY processing_started_at`

	rows, err := s.db.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list processing: %w", err)
	}
	return collectConversations(rows)
}

func collectConversations(rows pgx.Rows) ([]*types.Conversation, error) {
	defer rows.Close()
	out := []*types.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres store: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate conversations: %w", err)
	}
	return out, nil
}

func scanConversation(row pgx.Row) (*types.Conversation, error) {
	var (
		c                     types.Conversation
		status                string
		fragJSON, summaryJSON []byte
	)
	if err := row.Scan(
		&c.OwnerID, &c.ID, &status, &c.Discarded, &fragJSON, &summaryJSON, &c.MemoryIDs,
		&c.FailureReason, &c.Language, &c.Timezone,
		&c.CreatedAt, &c.StartedAt, &c.FinishedAt, &c.UpdatedAt, &c.ProcessingStartedAt,
	); err != nil {
		return nil, err
	}
	c.Status = types.Status(status)

	if err := json.Unmarshal(fragJSON, &c.Fragments); err != nil {
		return nil, fmt.Errorf("unmarshal fragments: %w", err)
	}
	if c.Fragments == nil {
		c.Fragments = []types.Fragment{}
	}
	if len(summaryJSON) > 0 {
		var sum types.Summary
		if err := json.Unmarshal(summaryJSON, &sum); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
		c.Summary = &sum
	}
	if c.MemoryIDs == nil {
		c.MemoryIDs = []string{}
	}
	return &c, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Memories
// ─────────────────────────────────────────────────────────────────────────────

const memoryColumns = `
	owner_id, id, content, category, tags, conversation_id, review, manual,
	visibility, score, created_at, updated_at`

// UpsertMemory implements [store.MemoryStore].
func (s *Store) UpsertMemory(ctx context.Context, m *types.Memory) error {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}

	const query = `
		INSERT INTO memories (` + memoryColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (owner_id, id) DO UPDATE SET
			content = EXCLUDED.content,
			category = EXCLUDED.category,
			tags = EXCLUDED.tags,
			conversation_id = EXCLUDED.conversation_id,
			review = EXCLUDED.review,
			manual = EXCLUDED.manual,
			visibility = EXCLUDED.visibility,
			score = EXCLUDED.score,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`

	err := s.db.QueryRow(ctx, query,
		m.OwnerID, m.ID, m.Content, string(m.Category), tags, m.ConversationID,
		string(m.Review), m.Manual, string(m.Visibility), m.Score, m.CreatedAt, m.UpdatedAt,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: upsert memory %q: %w", m.ID, err)
	}
	return nil
}

// GetMemory implements [store.MemoryStore].
func (s *Store) GetMemory(ctx context.Context, ownerID, id string) (*types.Memory, error) {
	const query = `SELECT ` + memoryColumns + ` FROM memories WHERE owner_id = $1 AND id = $2`

	m, err := scanMemory(s.db.QueryRow(ctx, query, ownerID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("postgres store: get memory %q: %w", id, err)
	}
	return &m, nil
}

// ListMemories implements [store.MemoryStore].
func (s *Store) ListMemories(ctx context.Context, ownerID string, f store.MemoryFilter) ([]types.Memory, error) {
	const query = `SELECT ` + memoryColumns + ` FROM memories
		WHERE owner_id = $1
		  AND created_at >= $2
		  AND ($3::text = '' OR category = $3::text)
		  AND ($4::boolean OR review <> 'rejected')
		ORDER BY CASE WHEN $6::boolean THEN created_at END DESC, score DESC, id
		LIMIT $5`

	since := f.Since
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}
	rows, err := s.db.Query(ctx, query, ownerID, since, string(f.Category), f.IncludeRejected, store.Limit(f.Limit), f.Newest)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list memories: %w", err)
	}
	defer rows.Close()

	out := []types.Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres store: scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate memories: %w", err)
	}
	return out, nil
}

func scanMemory(row pgx.Row) (types.Memory, error) {
	var (
		m                            types.Memory
		category, review, visibility string
	)
	if err := row.Scan(
		&m.OwnerID, &m.ID, &m.Content, &category, &m.Tags, &m.ConversationID, &review, &m.Manual,
		&visibility, &m.Score, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return types.Memory{}, err
	}
	m.Category = types.MemoryCategory(category)
	m.Review = types.ReviewState(review)
	m.Visibility = types.Visibility(visibility)
	if m.Tags == nil {
		m.Tags = []string{}
	}
	return m, nil
}

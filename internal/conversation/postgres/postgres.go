package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/gradientsaas/gradient-chat/internal/conversation"
)

// Config controls the connection pool.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns pool settings suitable for a single relay instance.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Store implements conversation.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed conversation store using the provided DSN.
func New(dsn string, cfg Config) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id UUID PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated ON conversations(owner_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS turns (
	id BIGSERIAL PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL CHECK(role IN ('user','assistant','system')),
	content TEXT NOT NULL,
	attachment_mime_types TEXT[] NOT NULL DEFAULT '{}',
	attachment_names TEXT[] NOT NULL DEFAULT '{}',
	attachment_sizes BIGINT[] NOT NULL DEFAULT '{}',
	attachment_data BYTEA[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateConversation inserts a new conversation for the owner.
func (s *Store) CreateConversation(ctx context.Context, ownerID, title string) (*conversation.Conversation, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, errors.New("owner id required")
	}
	c := conversation.Conversation{ID: uuid.NewString(), OwnerID: ownerID, Title: conversation.NormalizeTitle(title)}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO conversations(id, owner_id, title)
VALUES($1, $2, $3)
RETURNING created_at, updated_at`, c.ID, c.OwnerID, c.Title).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &c, nil
}

// GetConversation returns the conversation when it exists and belongs to ownerID.
func (s *Store) GetConversation(ctx context.Context, id, ownerID string) (*conversation.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		// A malformed id cannot exist; answer exactly like a missing row.
		return nil, conversation.ErrNotFound
	}
	var c conversation.Conversation
	err := s.db.QueryRowContext(ctx, `
SELECT id, owner_id, title, created_at, updated_at
FROM conversations
WHERE id = $1 AND owner_id = $2`, id, ownerID).Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conversation.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListConversations returns the owner's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, ownerID string) ([]conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, owner_id, title, created_at, updated_at
FROM conversations
WHERE owner_id = $1
ORDER BY updated_at DESC, created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []conversation.Conversation{}
	for rows.Next() {
		var c conversation.Conversation
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RenameConversation updates the title of an owned conversation.
func (s *Store) RenameConversation(ctx context.Context, id, ownerID, title string) (*conversation.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, conversation.ErrNotFound
	}
	var c conversation.Conversation
	err := s.db.QueryRowContext(ctx, `
UPDATE conversations SET title = $1, updated_at = NOW()
WHERE id = $2 AND owner_id = $3
RETURNING id, owner_id, title, created_at, updated_at`, conversation.NormalizeTitle(title), id, ownerID).
		Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, conversation.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// AppendTurn inserts the turn with its attachments as one row.
func (s *Store) AppendTurn(ctx context.Context, turn conversation.Turn) (*conversation.Turn, error) {
	if err := conversation.ValidateTurn(turn); err != nil {
		return nil, err
	}
	mimeTypes := make([]string, len(turn.Images))
	names := make([]string, len(turn.Images))
	sizes := make([]int64, len(turn.Images))
	data := make([][]byte, len(turn.Images))
	for i, img := range turn.Images {
		mimeTypes[i] = img.MimeType
		names[i] = img.Name
		sizes[i] = img.Size
		if sizes[i] == 0 {
			sizes[i] = int64(len(img.Data))
		}
		data[i] = img.Data
	}
	created := turn.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO turns(conversation_id, role, content, attachment_mime_types, attachment_names, attachment_sizes, attachment_data, created_at)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id, created_at`,
		turn.ConversationID,
		string(turn.Role),
		turn.Content,
		pq.Array(mimeTypes),
		pq.Array(names),
		pq.Array(sizes),
		pq.Array(data),
		created,
	).Scan(&turn.ID, &turn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	return &turn, nil
}

// RecentTurns returns up to limit of the newest turns, oldest first. limit <= 0 returns all turns.
func (s *Store) RecentTurns(ctx context.Context, conversationID string, limit int) ([]conversation.Turn, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, attachment_mime_types, attachment_names, attachment_sizes, attachment_data, created_at FROM (
	SELECT id, conversation_id, role, content, attachment_mime_types, attachment_names, attachment_sizes, attachment_data, created_at
	FROM turns
	WHERE conversation_id = $1
	ORDER BY id DESC
	LIMIT $2
) recent ORDER BY id ASC`, conversationID, limitArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := []conversation.Turn{}
	for rows.Next() {
		var (
			t         conversation.Turn
			role      string
			mimeTypes []string
			names     []string
			sizes     []int64
			data      [][]byte
		)
		if err := rows.Scan(&t.ID, &t.ConversationID, &role, &t.Content,
			pq.Array(&mimeTypes), pq.Array(&names), pq.Array(&sizes), pq.Array(&data), &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Role = conversation.Role(role)
		for i := range mimeTypes {
			img := conversation.ImageAttachment{MimeType: mimeTypes[i]}
			if i < len(names) {
				img.Name = names[i]
			}
			if i < len(sizes) {
				img.Size = sizes[i]
			}
			if i < len(data) {
				img.Data = data[i]
			}
			t.Images = append(t.Images, img)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// TouchConversation refreshes the conversation's updated timestamp.
func (s *Store) TouchConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return conversation.ErrNotFound
	}
	return nil
}

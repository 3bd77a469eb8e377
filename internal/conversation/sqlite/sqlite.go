package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	// cgo driver, registered as "sqlite3"
	_ "github.com/mattn/go-sqlite3"
	// pure Go driver, registered as "sqlite"
	_ "modernc.org/sqlite"

	"github.com/gradientsaas/gradient-chat/internal/conversation"
)

const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

// Store implements conversation.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite conversation store using the pure Go driver.
func New(path string) (*Store, error) {
	return NewWithDriver(DriverModernc, path)
}

// NewWithDriver opens the store with an explicit driver name ("sqlite" or "sqlite3").
func NewWithDriver(driver, path string) (*Store, error) {
	driver = strings.TrimSpace(driver)
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single writer connection keeps SQLite from returning SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
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
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated ON conversations(owner_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL CHECK(role IN ('user','assistant','system')),
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id);

CREATE TABLE IF NOT EXISTS turn_attachments (
	turn_id INTEGER NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	mime_type TEXT NOT NULL,
	name TEXT,
	size INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (turn_id, position)
);
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
	now := time.Now().UTC()
	c := &conversation.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     conversation.NormalizeTitle(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(id, owner_id, title, created_at, updated_at)
VALUES(?, ?, ?, ?, ?)`, c.ID, c.OwnerID, c.Title, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns the conversation when it exists and belongs to ownerID.
func (s *Store) GetConversation(ctx context.Context, id, ownerID string) (*conversation.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, owner_id, title, created_at, updated_at
FROM conversations
WHERE id = ? AND owner_id = ?`, id, ownerID)
	var c conversation.Conversation
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
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
WHERE owner_id = ?
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
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations SET title = ?, updated_at = ?
WHERE id = ? AND owner_id = ?`, conversation.NormalizeTitle(title), time.Now().UTC(), id, ownerID)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, conversation.ErrNotFound
	}
	return s.GetConversation(ctx, id, ownerID)
}

// AppendTurn inserts the turn and its attachments in a single transaction.
func (s *Store) AppendTurn(ctx context.Context, turn conversation.Turn) (*conversation.Turn, error) {
	if err := conversation.ValidateTurn(turn); err != nil {
		return nil, err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var res sql.Result
	res, err = tx.ExecContext(ctx, `
INSERT INTO turns(conversation_id, role, content, created_at)
VALUES(?, ?, ?, ?)`, turn.ConversationID, string(turn.Role), turn.Content, turn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	turn.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}
	for i, img := range turn.Images {
		size := img.Size
		if size == 0 {
			size = int64(len(img.Data))
		}
		if _, err = tx.ExecContext(ctx, `
INSERT INTO turn_attachments(turn_id, position, mime_type, name, size, data)
VALUES(?, ?, ?, ?, ?, ?)`, turn.ID, i, img.MimeType, img.Name, size, img.Data); err != nil {
			return nil, fmt.Errorf("insert attachment: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &turn, nil
}

// RecentTurns returns up to limit of the newest turns, oldest first. limit <= 0 returns all turns.
func (s *Store) RecentTurns(ctx context.Context, conversationID string, limit int) ([]conversation.Turn, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, created_at FROM (
	SELECT id, conversation_id, role, content, created_at
	FROM turns
	WHERE conversation_id = ?
	ORDER BY id DESC
	LIMIT ?
) ORDER BY id ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := []conversation.Turn{}
	index := map[int64]int{}
	for rows.Next() {
		var t conversation.Turn
		var role string
		if err := rows.Scan(&t.ID, &t.ConversationID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Role = conversation.Role(role)
		index[t.ID] = len(turns)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(turns) == 0 {
		return turns, nil
	}
	if err := s.loadAttachments(ctx, turns, index); err != nil {
		return nil, err
	}
	return turns, nil
}

func (s *Store) loadAttachments(ctx context.Context, turns []conversation.Turn, index map[int64]int) error {
	placeholders := make([]string, len(turns))
	args := make([]any, len(turns))
	for i, t := range turns {
		placeholders[i] = "?"
		args[i] = t.ID
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT turn_id, mime_type, name, size, data
FROM turn_attachments
WHERE turn_id IN (`+strings.Join(placeholders, ",")+`)
ORDER BY turn_id, position`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			turnID int64
			img    conversation.ImageAttachment
			name   sql.NullString
		)
		if err := rows.Scan(&turnID, &img.MimeType, &name, &img.Size, &img.Data); err != nil {
			return err
		}
		img.Name = name.String
		if i, ok := index[turnID]; ok {
			turns[i].Images = append(turns[i].Images, img)
		}
	}
	return rows.Err()
}

// TouchConversation refreshes the conversation's updated timestamp.
func (s *Store) TouchConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return conversation.ErrNotFound
	}
	return nil
}

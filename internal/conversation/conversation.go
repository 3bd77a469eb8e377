package conversation

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultTitle is assigned to conversations created without a title.
const DefaultTitle = "New Chat"

// ErrNotFound is returned when a conversation does not exist or belongs to another owner.
// Callers must not be able to tell the two cases apart.
var ErrNotFound = errors.New("conversation not found")

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Conversation is a titled sequence of turns owned by a single user.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ImageAttachment is an inline image carried by a turn. Data is base64 on the wire.
type ImageAttachment struct {
	MimeType string `json:"mimeType"`
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Data     []byte `json:"data"`
}

// Turn is one immutable message within a conversation.
type Turn struct {
	ID             int64             `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Role           Role              `json:"role"`
	Content        string            `json:"content"`
	Images         []ImageAttachment `json:"images,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// Store persists conversations and their turns.
//
// Turns are append-only. RecentTurns always returns turns oldest first, in
// insertion order.
type Store interface {
	CreateConversation(ctx context.Context, ownerID, title string) (*Conversation, error)
	GetConversation(ctx context.Context, id, ownerID string) (*Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]Conversation, error)
	RenameConversation(ctx context.Context, id, ownerID, title string) (*Conversation, error)
	AppendTurn(ctx context.Context, turn Turn) (*Turn, error)
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)
	TouchConversation(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// NormalizeTitle trims a requested title and falls back to DefaultTitle.
func NormalizeTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return DefaultTitle
	}
	return title
}

// ValidateTurn checks the fields every backend requires before inserting.
func ValidateTurn(turn Turn) error {
	if strings.TrimSpace(turn.ConversationID) == "" {
		return errors.New("turn requires conversation id")
	}
	if !turn.Role.Valid() {
		return errors.New("turn requires a valid role")
	}
	if turn.Content == "" && len(turn.Images) == 0 {
		return errors.New("turn requires content or images")
	}
	return nil
}

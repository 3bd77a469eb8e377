package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/gradientsaas/gradient-chat/internal/conversation"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("GRADIENT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GRADIENT_TEST_POSTGRES_DSN not set")
	}
	store, err := New(dsn, DefaultConfig())
	if err != nil {
		t.Skipf("Skipping test: cannot connect to database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c, err := store.CreateConversation(ctx, "pg-user", "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := store.AppendTurn(ctx, conversation.Turn{
		ConversationID: c.ID,
		Role:           conversation.RoleUser,
		Content:        "hi",
		Images:         []conversation.ImageAttachment{{MimeType: "image/jpeg", Name: "a.jpg", Data: []byte{0xff, 0xd8}}},
	}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}
	if _, err := store.AppendTurn(ctx, conversation.Turn{ConversationID: c.ID, Role: conversation.RoleAssistant, Content: "hello"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	turns, err := store.RecentTurns(ctx, c.ID, 20)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "hi" || turns[1].Content != "hello" {
		t.Fatalf("unexpected turns %+v", turns)
	}
	if len(turns[0].Images) != 1 || turns[0].Images[0].Size != 2 {
		t.Fatalf("unexpected attachments %+v", turns[0].Images)
	}

	if _, err := store.GetConversation(ctx, c.ID, "someone-else"); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetConversation(ctx, "not-a-uuid", "pg-user"); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed id, got %v", err)
	}
}

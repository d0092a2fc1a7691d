// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers database creation, message persistence with parts, ordering/limiting, and latest lookup

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2389/agent-relay/internal/event"
	"github.com/2389/agent-relay/internal/segment"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	first, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	first.Close()

	// Schema creation and migrations must be idempotent.
	second, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer second.Close()

	if err := second.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveMessageWithParts(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	parts := []segment.Part{
		{Type: segment.PartStatus, Entries: []segment.StatusEntry{{Phase: event.PhaseCall, Label: "Searching"}}},
		{Type: segment.PartReasoning, Text: "web: find docs"},
		{Type: segment.PartText, Text: "Answer"},
	}
	msg := &Message{
		ID:        "m-1",
		ChatID:    "chat-1",
		Role:      RoleAssistant,
		Content:   "Answer",
		Parts:     parts,
		StreamID:  "s-1",
		CreatedAt: time.Now(),
	}

	if err := store.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	msgs, err := store.GetChatMessages(ctx, "chat-1", 0)
	if err != nil {
		t.Fatalf("GetChatMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}

	got := msgs[0]
	if got.Role != RoleAssistant || got.Content != "Answer" || got.StreamID != "s-1" {
		t.Errorf("unexpected message: %+v", got)
	}
	if len(got.Parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(got.Parts))
	}
	if got.Parts[0].Phase() != event.PhaseCall {
		t.Errorf("status part phase = %q, want call", got.Parts[0].Phase())
	}
	if got.Parts[1].Text != "web: find docs" {
		t.Errorf("reasoning part = %q", got.Parts[1].Text)
	}
}

func TestGetChatMessages_OrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msg := &Message{
			ID:        fmt.Sprintf("msg-%d", i),
			ChatID:    "chat-1",
			Role:      role,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.SaveMessage(ctx, msg); err != nil {
			t.Fatalf("SaveMessage %d failed: %v", i, err)
		}
	}

	all, err := store.GetChatMessages(ctx, "chat-1", 0)
	if err != nil {
		t.Fatalf("GetChatMessages failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(all))
	}
	for i, msg := range all {
		if msg.ID != fmt.Sprintf("msg-%d", i) {
			t.Errorf("message %d: got %s", i, msg.ID)
		}
	}

	recent, err := store.GetChatMessages(ctx, "chat-1", 2)
	if err != nil {
		t.Fatalf("GetChatMessages with limit failed: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != "msg-3" || recent[1].ID != "msg-4" {
		t.Errorf("expected [msg-3 msg-4], got %v", ids(recent))
	}

	latest, err := store.LatestMessage(ctx, "chat-1", RoleAssistant)
	if err != nil {
		t.Fatalf("LatestMessage failed: %v", err)
	}
	if latest.ID != "msg-3" {
		t.Errorf("latest assistant = %s, want msg-3", latest.ID)
	}

	_, err = store.LatestMessage(ctx, "chat-2", RoleAssistant)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func ids(msgs []*Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore(:memory:) failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateStream(ctx, &StreamSession{StreamID: "s", ChatID: "c", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateStream failed: %v", err)
	}
	if _, err := store.GetStream(ctx, "s"); err != nil {
		t.Fatalf("GetStream failed: %v", err)
	}
}

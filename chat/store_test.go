package chat_test

import (
	"testing"
	"time"

	"github.com/docrobotics/viewerd/chat"
)

func TestStoreTranscript(t *testing.T) {
	store := chat.NewStore()
	key := chat.Key{ConnectionID: "conn-1", ConversationID: "conv-1"}

	store.GetOrCreate(key)
	store.AppendTurn(key, chat.Turn{Role: chat.RoleUser, Content: "hello"})
	store.AppendTurn(key, chat.Turn{Role: chat.RoleAssistant, Content: "hi there"})

	turns := store.Turns(key)
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != chat.RoleUser || turns[0].Content != "hello" {
		t.Errorf("unexpected first turn: %+v", turns[0])
	}
	if turns[1].Role != chat.RoleAssistant || turns[1].Content != "hi there" {
		t.Errorf("unexpected second turn: %+v", turns[1])
	}

	// The returned slice is a copy.
	turns[0].Content = "mutated"
	if store.Turns(key)[0].Content != "hello" {
		t.Error("expected the stored transcript to be unaffected by mutation")
	}
}

func TestStoreConnectionScoping(t *testing.T) {
	store := chat.NewStore()

	first := chat.Key{ConnectionID: "conn-1", ConversationID: "conv-1"}
	second := chat.Key{ConnectionID: "conn-2", ConversationID: "conv-1"}

	store.AppendTurn(first, chat.Turn{Role: chat.RoleUser, Content: "from conn-1"})

	if got := len(store.Turns(second)); got != 0 {
		t.Errorf("expected conversations to be scoped per connection, got %d turns", got)
	}
}

func TestStoreCurrentPointer(t *testing.T) {
	store := chat.NewStore()

	if _, ok := store.Current("conn-1"); ok {
		t.Error("expected no current conversation for a fresh connection")
	}

	store.SetCurrent("conn-1", "conv-a")
	if id, ok := store.Current("conn-1"); !ok || id != "conv-a" {
		t.Errorf("expected current conversation conv-a, got %q (%v)", id, ok)
	}

	store.ClearConnection("conn-1")
	if _, ok := store.Current("conn-1"); ok {
		t.Error("expected the current pointer to be cleared")
	}
}

func TestStoreActiveFlag(t *testing.T) {
	store := chat.NewStore()
	key := chat.Key{ConnectionID: "conn-1", ConversationID: "conv-1"}

	if store.Active(key) {
		t.Error("expected a missing session to be inactive")
	}

	store.SetActive(key, true)
	if !store.Active(key) {
		t.Error("expected the session to be active")
	}

	store.SetActive(key, false)
	if store.Active(key) {
		t.Error("expected the session to be inactive again")
	}
}

func TestStoreEviction(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := chat.NewStore(chat.WithStoreClock(clock))

	old := chat.Key{ConnectionID: "conn-1", ConversationID: "old"}
	oldActive := chat.Key{ConnectionID: "conn-1", ConversationID: "old-active"}
	store.GetOrCreate(old)
	store.GetOrCreate(oldActive)
	store.SetActive(oldActive, true)

	now = now.Add(25 * time.Hour)
	fresh := chat.Key{ConnectionID: "conn-1", ConversationID: "fresh"}
	store.GetOrCreate(fresh)

	removed := store.EvictOlderThan(24 * time.Hour)
	if removed != 1 {
		t.Fatalf("expected 1 evicted session, got %d", removed)
	}
	if store.Len() != 2 {
		t.Errorf("expected 2 remaining sessions, got %d", store.Len())
	}
	if !store.Active(oldActive) {
		t.Error("expected the active session to survive eviction")
	}
	if got := store.Turns(old); got != nil {
		t.Errorf("expected the old session to be gone, got %v", got)
	}
}

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/echochat/echochat/internal/llm"
)

func TestCreateAccountFirstOfKindIsDefault(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &Account{Kind: llm.KindGemini, Model: "gemini-2.5-flash"}
	second := &Account{Kind: llm.KindGemini, Model: "gemini-2.5-pro", Label: "pro"}
	local := &Account{Kind: llm.KindLocal, Model: "llama3"}
	for _, a := range []*Account{first, second, local} {
		if err := store.CreateAccount(ctx, a); err != nil {
			t.Fatalf("create account: %v", err)
		}
	}
	if !first.IsDefault || second.IsDefault || !local.IsDefault {
		t.Errorf("defaults = %v/%v/%v, want true/false/true", first.IsDefault, second.IsDefault, local.IsDefault)
	}

	def, err := store.DefaultAccount(ctx, llm.KindGemini)
	if err != nil {
		t.Fatalf("default account: %v", err)
	}
	if def.ID != first.ID {
		t.Errorf("default gemini account = %s, want %s", def.ID, first.ID)
	}

	if err := store.SetDefaultAccount(ctx, second.ID); err != nil {
		t.Fatalf("set default: %v", err)
	}
	def, _ = store.DefaultAccount(ctx, llm.KindGemini)
	if def.ID != second.ID {
		t.Errorf("default after switch = %s, want %s", def.ID, second.ID)
	}
	got, _ := store.GetAccount(ctx, local.ID)
	if !got.IsDefault {
		t.Error("switching gemini default must not touch local default")
	}

	if _, err := store.DefaultAccount(ctx, llm.KindClaude); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAccountUsageAccumulates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acct := &Account{Kind: llm.KindLocal, Model: "llama3"}
	if err := store.CreateAccount(ctx, acct); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := store.AddAccountUsage(ctx, acct.ID, llm.Usage{InputTokens: 100, OutputTokens: 30}); err != nil {
			t.Fatalf("add usage: %v", err)
		}
	}
	got, _ := store.GetAccount(ctx, acct.ID)
	if got.TotalTokensIn != 200 || got.TotalTokensOut != 60 {
		t.Errorf("totals = %d/%d, want 200/60", got.TotalTokensIn, got.TotalTokensOut)
	}
}

func TestDeleteAccountReassigns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acct, conv := seedConversation(t, store)

	other := &Account{Kind: llm.KindClaude, Model: "claude-opus-4-1"}
	if err := store.CreateAccount(ctx, other); err != nil {
		t.Fatal(err)
	}

	moved, err := store.DeleteAccount(ctx, acct.ID, other.ID)
	if err != nil {
		t.Fatalf("delete account: %v", err)
	}
	if moved != 1 {
		t.Errorf("moved = %d, want 1", moved)
	}
	got, _ := store.GetConversation(ctx, conv.ID)
	if got.AccountID != other.ID || got.Archived {
		t.Errorf("conversation not reassigned: %+v", got)
	}
	promoted, _ := store.GetAccount(ctx, other.ID)
	if !promoted.IsDefault {
		t.Error("remaining account of the kind should become default")
	}
	if _, err := store.GetAccount(ctx, acct.ID); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected deleted account to be gone, got %v", err)
	}
}

func TestDeleteAccountArchivesConversations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acct, conv := seedConversation(t, store)

	if _, err := store.DeleteAccount(ctx, acct.ID, ""); err != nil {
		t.Fatalf("delete account: %v", err)
	}
	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("conversation should survive account deletion: %v", err)
	}
	if !got.Archived || got.AccountID != "" {
		t.Errorf("expected archived conversation without account, got %+v", got)
	}

	list, _ := store.ListConversations(ctx, ListOptions{})
	if len(list) != 0 {
		t.Errorf("archived conversation should be hidden, got %d", len(list))
	}
	list, _ = store.ListConversations(ctx, ListOptions{Archived: true})
	if len(list) != 1 {
		t.Errorf("expected archived conversation when requested, got %d", len(list))
	}

	if err := store.ArchiveConversation(ctx, conv.ID, false); err == nil {
		t.Error("restoring a conversation without an account should fail")
	}

	replacement := &Account{Kind: llm.KindLocal, Model: "llama3"}
	if err := store.CreateAccount(ctx, replacement); err != nil {
		t.Fatal(err)
	}
	if err := store.AssignAccount(ctx, conv.ID, replacement.ID); err != nil {
		t.Fatalf("assign account: %v", err)
	}
	got, _ = store.GetConversation(ctx, conv.ID)
	if got.Archived || got.AccountID != replacement.ID {
		t.Errorf("assign should restore the conversation, got %+v", got)
	}
}

func TestDeleteAccountErrors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acct, _ := seedConversation(t, store)

	if _, err := store.DeleteAccount(ctx, "missing", ""); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := store.DeleteAccount(ctx, acct.ID, "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound for reassign target, got %v", err)
	}
	if _, err := store.DeleteAccount(ctx, acct.ID, acct.ID); err == nil {
		t.Error("expected error reassigning to self")
	}
	if _, err := store.GetAccount(ctx, acct.ID); err != nil {
		t.Errorf("failed deletes must leave the account in place: %v", err)
	}
}

func TestConversationListingOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	acct, older := seedConversation(t, store)

	newer := &Conversation{AccountID: acct.ID, Title: "newer"}
	if err := store.CreateConversation(ctx, newer); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendMessage(ctx, newer.ID, &Message{Role: llm.RoleUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListConversations(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != newer.ID {
		t.Fatalf("expected most recent first, got %+v", list)
	}
	if list[0].MessageCount != 1 {
		t.Errorf("message count = %d, want 1", list[0].MessageCount)
	}

	if err := store.SetPinned(ctx, older.ID, true); err != nil {
		t.Fatal(err)
	}
	list, _ = store.ListConversations(ctx, ListOptions{})
	if list[0].ID != older.ID {
		t.Errorf("pinned conversation should sort first")
	}
}

func TestConversationMutations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, conv := seedConversation(t, store)

	if err := store.RenameConversation(ctx, conv.ID, "Renamed"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSystemPrompt(ctx, conv.ID, "be brief"); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetConversation(ctx, conv.ID)
	if got.Title != "Renamed" || got.SystemPrompt != "be brief" {
		t.Errorf("unexpected conversation: %+v", got)
	}

	full, err := store.ResolveConversationID(ctx, ShortID(conv.ID))
	if err != nil || full != conv.ID {
		t.Errorf("resolve short id = %q, %v", full, err)
	}

	if err := store.CreateConversation(ctx, &Conversation{AccountID: "missing"}); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}

	if err := store.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.RenameConversation(ctx, conv.ID, "x"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

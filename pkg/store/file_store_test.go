package store

import (
	"testing"

	"suncochat/pkg/domain"
)

func TestFileStoreCreateUserRejectsDuplicateEmail(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	if _, err := s.CreateUser("a@b.c", "hash-1"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := s.CreateUser("a@b.c", "hash-2"); err != ErrEmailAlreadyExists {
		t.Fatalf("expected ErrEmailAlreadyExists, got %v", err)
	}
	got, ok, err := s.GetUserByEmail("a@b.c")
	if err != nil || !ok {
		t.Fatalf("get user: ok=%v err=%v", ok, err)
	}
	if got.PasswordHash != "hash-1" {
		t.Fatalf("duplicate signup must not overwrite credentials, got hash %q", got.PasswordHash)
	}
}

func TestFileStoreUpsertMessageKeepsPosition(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	chat, err := s.CreateChat("user-1", "hello world")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := s.UpsertMessage(chat.ID, domain.Message{ID: id, Role: domain.RoleUser, Text: id}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if err := s.UpsertMessage(chat.ID, domain.Message{ID: "m2", Role: domain.RoleModel, Text: "updated"}); err != nil {
		t.Fatalf("upsert replacement: %v", err)
	}
	msgs, err := s.ListMessages(chat.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 || msgs[1].ID != "m2" || msgs[1].Text != "updated" {
		t.Fatalf("expected m2 replaced in place, got %+v", msgs)
	}
}

func TestFileStoreSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	user, err := s.CreateUser("a@b.c", "hash-1")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	chat, err := s.CreateChat(user.ID, "persisted conversation")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	msg := domain.Message{ID: "m1", Role: domain.RoleUser, Text: "hi"}
	if err := s.UpsertMessage(chat.ID, msg); err != nil {
		t.Fatalf("upsert message: %v", err)
	}
	if err := s.SetCurrentUser(&user); err != nil {
		t.Fatalf("set current user: %v", err)
	}

	reloaded, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reload file store: %v", err)
	}
	got, ok, err := reloaded.GetUserByEmail("a@b.c")
	if err != nil || !ok {
		t.Fatalf("get user after reload: ok=%v err=%v", ok, err)
	}
	if got.ID != user.ID || got.PasswordHash != "hash-1" {
		t.Fatalf("user not persisted: %+v", got)
	}
	chats, err := reloaded.ListChats(user.ID)
	if err != nil || len(chats) != 1 {
		t.Fatalf("expected 1 chat after reload, got %d err=%v", len(chats), err)
	}
	if chats[0].Title != "persisted conversation" {
		t.Fatalf("unexpected title: %q", chats[0].Title)
	}
	msgs, err := reloaded.ListMessages(chat.ID)
	if err != nil || len(msgs) != 1 || msgs[0].Text != "hi" {
		t.Fatalf("messages not persisted: %+v err=%v", msgs, err)
	}
	current, ok, err := reloaded.CurrentUser()
	if err != nil || !ok || current.ID != user.ID {
		t.Fatalf("current user not persisted: ok=%v err=%v got=%+v", ok, err, current)
	}
}

func TestFileStoreClearCurrentUserPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	user, err := s.CreateUser("a@b.c", "hash-1")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.SetCurrentUser(&user); err != nil {
		t.Fatalf("set current user: %v", err)
	}
	if err := s.SetCurrentUser(nil); err != nil {
		t.Fatalf("clear current user: %v", err)
	}
	reloaded, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reload file store: %v", err)
	}
	if _, ok, _ := reloaded.CurrentUser(); ok {
		t.Fatalf("expected current user cleared after reload")
	}
}

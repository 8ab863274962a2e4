package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"suncochat/internal/auth"
	"suncochat/pkg/ai"
	"suncochat/pkg/domain"
	"suncochat/pkg/store"
)

type fakeStream struct {
	deltas []string
	idx    int
	err    error
	// block, when set, holds Recv until closed.
	block chan struct{}
}

func (s *fakeStream) Recv() (string, error) {
	if s.block != nil {
		<-s.block
	}
	if s.idx < len(s.deltas) {
		delta := s.deltas[s.idx]
		s.idx++
		return delta, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

type fakeChat struct {
	mu        sync.Mutex
	calls     [][]ai.Part
	stream    *fakeStream
	streamErr error
}

func (c *fakeChat) StreamMessage(_ context.Context, parts []ai.Part) (ai.Stream, error) {
	c.mu.Lock()
	c.calls = append(c.calls, parts)
	c.mu.Unlock()
	if c.streamErr != nil {
		return nil, c.streamErr
	}
	return c.stream, nil
}

func (c *fakeChat) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type fakeAssistant struct {
	mu         sync.Mutex
	chat       *fakeChat
	startCalls [][]ai.Turn

	generatePrompts []string
	generateData    string
	generateErr     error

	editPrompts []string
	editData    string
	editErr     error
}

func (f *fakeAssistant) StartChat(history []ai.Turn) ai.Chat {
	f.mu.Lock()
	f.startCalls = append(f.startCalls, history)
	f.mu.Unlock()
	return f.chat
}

func (f *fakeAssistant) GenerateImage(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.generatePrompts = append(f.generatePrompts, prompt)
	f.mu.Unlock()
	if f.generateErr != nil {
		return "", f.generateErr
	}
	return f.generateData, nil
}

func (f *fakeAssistant) EditImage(_ context.Context, prompt, _, _ string) (string, error) {
	f.mu.Lock()
	f.editPrompts = append(f.editPrompts, prompt)
	f.mu.Unlock()
	if f.editErr != nil {
		return "", f.editErr
	}
	return f.editData, nil
}

func newTestApp(t *testing.T, assistant *fakeAssistant) (*App, *auth.Gateway, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	gateway, err := auth.NewGateway(st)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if _, err := gateway.SignUp("a@b.c", "secret1"); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	a, err := New(Config{Store: st, Auth: gateway, Assistant: assistant})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, gateway, st
}

func TestSendMessagePersistsUserAndModelMessages(t *testing.T) {
	assistant := &fakeAssistant{chat: &fakeChat{stream: &fakeStream{deltas: []string{"Hel", "lo"}}}}
	a, _, st := newTestApp(t, assistant)

	if err := a.SendMessage(context.Background(), "hi there", nil); err != nil {
		t.Fatalf("send message: %v", err)
	}
	chatID := a.ActiveChatID()
	if chatID == "" {
		t.Fatalf("expected a chat to be created")
	}
	chat, ok, _ := st.GetChat(chatID)
	if !ok || chat.Title != "hi there" {
		t.Fatalf("unexpected chat: ok=%v %+v", ok, chat)
	}
	msgs, err := st.ListMessages(chatID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[0].Text != "hi there" {
		t.Fatalf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != domain.RoleModel || msgs[1].Text != "Hello" || msgs[1].Loading {
		t.Fatalf("unexpected model message: %+v", msgs[1])
	}
	if len(assistant.generatePrompts) != 0 || len(assistant.editPrompts) != 0 {
		t.Fatalf("plain text send must not touch image operations")
	}
	if a.IsStreaming() {
		t.Fatalf("streaming flag must clear after send")
	}
}

func TestSendMessageImagineGeneratesImage(t *testing.T) {
	assistant := &fakeAssistant{chat: &fakeChat{stream: &fakeStream{}}, generateData: "aW1n"}
	a, _, st := newTestApp(t, assistant)

	if err := a.SendMessage(context.Background(), "/imagine a red fox", nil); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if len(assistant.generatePrompts) != 1 || assistant.generatePrompts[0] != "a red fox" {
		t.Fatalf("unexpected prompts: %+v", assistant.generatePrompts)
	}
	if assistant.chat.callCount() != 0 {
		t.Fatalf("imagine must not hit the chat stream")
	}
	msgs, _ := st.ListMessages(a.ActiveChatID())
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	final := msgs[1]
	if final.Image != "aW1n" {
		t.Fatalf("expected image payload, got %+v", final)
	}
	if final.Text != `Here is the image you requested for: "a red fox"` {
		t.Fatalf("unexpected caption: %q", final.Text)
	}
}

func TestSendMessageImageAttachmentEdits(t *testing.T) {
	assistant := &fakeAssistant{chat: &fakeChat{stream: &fakeStream{}}, editData: "ZWRpdA=="}
	a, _, st := newTestApp(t, assistant)

	file := &domain.FileAttachment{Name: "photo.png", MimeType: "image/png", Data: "b3JpZw=="}
	if err := a.SendMessage(context.Background(), "  make it blue  ", file); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if len(assistant.editPrompts) != 1 || assistant.editPrompts[0] != "make it blue" {
		t.Fatalf("unexpected edit prompts: %+v", assistant.editPrompts)
	}
	if assistant.chat.callCount() != 0 {
		t.Fatalf("image edit must not hit the chat stream")
	}
	msgs, _ := st.ListMessages(a.ActiveChatID())
	final := msgs[len(msgs)-1]
	if final.Image != "ZWRpdA==" || final.Text != "Here is the edited image:" {
		t.Fatalf("unexpected edited message: %+v", final)
	}
}

func TestSendMessageFailureYieldsApology(t *testing.T) {
	assistant := &fakeAssistant{chat: &fakeChat{streamErr: errors.New("model unavailable")}}
	a, _, st := newTestApp(t, assistant)

	if err := a.SendMessage(context.Background(), "hi", nil); err != nil {
		t.Fatalf("model failure must not surface as a send error, got: %v", err)
	}
	msgs, _ := st.ListMessages(a.ActiveChatID())
	if len(msgs) != 2 {
		t.Fatalf("expected user message and apology, got %d", len(msgs))
	}
	final := msgs[1]
	if final.Text != "Sorry, something went wrong. Please try again." {
		t.Fatalf("unexpected apology: %q", final.Text)
	}
	if final.Loading {
		t.Fatalf("apology must not stay in loading state")
	}
	if a.IsStreaming() {
		t.Fatalf("streaming flag must clear after failure")
	}
}

func TestSendMessageRejectsConcurrentSend(t *testing.T) {
	block := make(chan struct{})
	assistant := &fakeAssistant{chat: &fakeChat{stream: &fakeStream{deltas: []string{"x"}, block: block}}}
	a, _, _ := newTestApp(t, assistant)

	done := make(chan error, 1)
	go func() {
		done <- a.SendMessage(context.Background(), "first", nil)
	}()
	waitFor(t, a.IsStreaming)

	if err := a.SendMessage(context.Background(), "second", nil); !errors.Is(err, ErrStreamInProgress) {
		t.Fatalf("expected ErrStreamInProgress, got %v", err)
	}
	if err := a.SelectChat(context.Background(), "whatever"); !errors.Is(err, ErrStreamInProgress) {
		t.Fatalf("expected chat switch rejected, got %v", err)
	}
	if err := a.NewChat(); !errors.Is(err, ErrStreamInProgress) {
		t.Fatalf("expected new chat rejected, got %v", err)
	}

	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
	if a.IsStreaming() {
		t.Fatalf("streaming flag must clear")
	}
}

func TestSelectChatLoadsHistoryAndSeedsSession(t *testing.T) {
	assistant := &fakeAssistant{chat: &fakeChat{stream: &fakeStream{}}}
	a, gateway, st := newTestApp(t, assistant)
	user, _ := gateway.CurrentUser()

	chat, err := st.CreateChat(user.ID, "old conversation")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	saved := []domain.Message{
		{ID: "m1", Role: domain.RoleUser, Text: "question"},
		{ID: "m2", Role: domain.RoleModel, Text: "answer"},
	}
	for _, msg := range saved {
		if err := st.UpsertMessage(chat.ID, msg); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	if err := a.SelectChat(context.Background(), chat.ID); err != nil {
		t.Fatalf("select chat: %v", err)
	}
	if a.ActiveChatID() != chat.ID {
		t.Fatalf("active chat not switched")
	}
	msgs := a.Messages()
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("unexpected loaded messages: %+v", msgs)
	}
	assistant.mu.Lock()
	lastStart := assistant.startCalls[len(assistant.startCalls)-1]
	assistant.mu.Unlock()
	if len(lastStart) != 2 {
		t.Fatalf("expected session seeded with 2 turns, got %d", len(lastStart))
	}
	if lastStart[0].Role != "user" || lastStart[0].Text != "question" {
		t.Fatalf("unexpected seed turn: %+v", lastStart[0])
	}
	if lastStart[1].Role != "model" || lastStart[1].Text != "answer" {
		t.Fatalf("unexpected seed turn: %+v", lastStart[1])
	}
}

func TestSelectChatRejectsForeignChat(t *testing.T) {
	assistant := &fakeAssistant{chat: &fakeChat{stream: &fakeStream{}}}
	a, _, st := newTestApp(t, assistant)

	foreign, err := st.CreateChat("someone-else", "theirs")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if err := a.SelectChat(context.Background(), foreign.ID); !errors.Is(err, store.ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound, got %v", err)
	}
	if err := a.SelectChat(context.Background(), "missing"); !errors.Is(err, store.ErrChatNotFound) {
		t.Fatalf("expected ErrChatNotFound for unknown id, got %v", err)
	}
	if a.ActiveChatID() != "" {
		t.Fatalf("failed select must not change the active chat")
	}
}

func TestNewChatResetsState(t *testing.T) {
	assistant := &fakeAssistant{chat: &fakeChat{stream: &fakeStream{deltas: []string{"reply"}}}}
	a, _, _ := newTestApp(t, assistant)

	if err := a.SendMessage(context.Background(), "hello", nil); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if err := a.NewChat(); err != nil {
		t.Fatalf("new chat: %v", err)
	}
	if a.ActiveChatID() != "" {
		t.Fatalf("expected active chat cleared")
	}
	if len(a.Messages()) != 0 {
		t.Fatalf("expected messages cleared")
	}
}

func TestStreamAccumulatesIntoPlaceholder(t *testing.T) {
	assistant := &fakeAssistant{chat: &fakeChat{stream: &fakeStream{deltas: []string{"Once ", "upon ", "a time"}}}}
	a, _, _ := newTestApp(t, assistant)

	var mu sync.Mutex
	var snapshots [][]domain.Message
	cancel := a.Subscribe(func(msgs []domain.Message) {
		mu.Lock()
		snapshots = append(snapshots, msgs)
		mu.Unlock()
	})
	defer cancel()

	if err := a.SendMessage(context.Background(), "tell me a story", nil); err != nil {
		t.Fatalf("send message: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var texts []string
	for _, snap := range snapshots {
		if len(snap) == 2 && snap[1].Role == domain.RoleModel && snap[1].Text != "" {
			texts = append(texts, snap[1].Text)
		}
	}
	want := []string{"Once ", "Once upon ", "Once upon a time"}
	if len(texts) < len(want) {
		t.Fatalf("expected at least %d incremental snapshots, got %v", len(want), texts)
	}
	for i, prefix := range want {
		if texts[i] != prefix {
			t.Fatalf("snapshot %d: got %q, want %q", i, texts[i], prefix)
		}
	}
	final := a.Messages()
	if len(final) != 2 || final[1].Text != "Once upon a time" {
		t.Fatalf("unexpected final state: %+v", final)
	}
	if strings.Count(concatIDs(final), final[1].ID) != 1 {
		t.Fatalf("expected exactly one model message")
	}
}

func TestSignOutResetsConversation(t *testing.T) {
	assistant := &fakeAssistant{chat: &fakeChat{stream: &fakeStream{deltas: []string{"reply"}}}}
	a, gateway, _ := newTestApp(t, assistant)

	if err := a.SendMessage(context.Background(), "hello", nil); err != nil {
		t.Fatalf("send message: %v", err)
	}
	if err := gateway.SignOut(); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	if len(a.Messages()) != 0 || a.ActiveChatID() != "" {
		t.Fatalf("expected conversation state cleared on sign-out")
	}
	if err := a.SendMessage(context.Background(), "hello", nil); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("expected ErrNotSignedIn, got %v", err)
	}
}

func TestListChatsNewestFirst(t *testing.T) {
	assistant := &fakeAssistant{chat: &fakeChat{stream: &fakeStream{}}}
	a, gateway, st := newTestApp(t, assistant)
	user, _ := gateway.CurrentUser()

	older, _ := st.CreateChat(user.ID, "older")
	time.Sleep(5 * time.Millisecond)
	newer, _ := st.CreateChat(user.ID, "newer")
	_, _ = st.CreateChat("someone-else", "theirs")

	chats, err := a.ListChats(context.Background())
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(chats))
	}
	if chats[0].ID != newer.ID || chats[1].ID != older.ID {
		t.Fatalf("expected newest first, got %+v", chats)
	}
}

func concatIDs(msgs []domain.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		sb.WriteString(m.ID)
		sb.WriteString("|")
	}
	return sb.String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

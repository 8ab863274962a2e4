package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"suncochat/internal/auth"
	"suncochat/internal/util"
	"suncochat/pkg/ai"
	"suncochat/pkg/domain"
	"suncochat/pkg/storage"
	"suncochat/pkg/store"
)

const (
	imaginePrefix = "/imagine"

	apologyText   = "Sorry, something went wrong. Please try again."
	editedCaption = "Here is the edited image:"
)

// loadingMessageID marks the transient placeholder shown while a selected
// chat's history is being fetched.
const loadingMessageID = "loading"

// Config wires the orchestrator's collaborators.
type Config struct {
	Store     store.Store
	Auth      *auth.Gateway
	Assistant ai.Assistant
	// Objects, when set, receives generated and edited image payloads.
	Objects storage.ObjectStore
}

// App orchestrates the conversation: it owns the in-memory message list, the
// active chat id, the live model session, and the streaming flag, and it
// coordinates user input, optimistic UI state, persistence, and the
// generative backend.
type App struct {
	store     store.Store
	auth      *auth.Gateway
	assistant ai.Assistant
	objects   storage.ObjectStore

	mu           sync.Mutex
	messages     []domain.Message
	activeChatID string
	chat         ai.Chat
	streaming    bool

	emitter util.Emitter[[]domain.Message]
}

// New constructs the orchestrator. Auth-state changes reset conversation
// state when the user signs out.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth gateway required")
	}
	if cfg.Assistant == nil {
		return nil, fmt.Errorf("assistant required")
	}
	a := &App{
		store:     cfg.Store,
		auth:      cfg.Auth,
		assistant: cfg.Assistant,
		objects:   cfg.Objects,
	}
	cfg.Auth.Subscribe(func(user *domain.User) {
		if user == nil {
			a.reset()
		}
	})
	return a, nil
}

// Subscribe registers fn for message-state broadcasts; every state change
// delivers a fresh snapshot. The returned func unsubscribes.
func (a *App) Subscribe(fn func([]domain.Message)) func() {
	return a.emitter.Subscribe(fn)
}

// Messages returns a snapshot of the in-memory message list.
func (a *App) Messages() []domain.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// ActiveChatID returns the id of the chat shown in the UI, if any.
func (a *App) ActiveChatID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeChatID
}

// IsStreaming reports whether a send is in flight.
func (a *App) IsStreaming() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streaming
}

// ListChats returns the signed-in user's chat sessions, newest first.
func (a *App) ListChats(ctx context.Context) ([]domain.ChatSession, error) {
	user, ok := a.auth.CurrentUser()
	if !ok {
		return nil, ErrNotSignedIn
	}
	chats, err := a.store.ListChats(user.ID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].CreatedAt.After(chats[j].CreatedAt)
	})
	return chats, nil
}

// NewChat clears the active chat and starts a fresh model session.
func (a *App) NewChat() error {
	a.mu.Lock()
	if a.streaming {
		a.mu.Unlock()
		return ErrStreamInProgress
	}
	a.activeChatID = ""
	a.messages = nil
	a.chat = a.assistant.StartChat(nil)
	snapshot := a.snapshotLocked()
	a.mu.Unlock()
	a.emitter.Emit(snapshot)
	return nil
}

// SelectChat switches to a persisted chat: its saved messages replace local
// state and a new model session is seeded with them (role and text only).
// It is a state-preserving no-op while a reply is streaming.
func (a *App) SelectChat(ctx context.Context, chatID string) error {
	user, ok := a.auth.CurrentUser()
	if !ok {
		return ErrNotSignedIn
	}

	a.mu.Lock()
	if a.streaming {
		a.mu.Unlock()
		return ErrStreamInProgress
	}
	chat, found, err := a.store.GetChat(chatID)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("load chat: %w", err)
	}
	if !found || chat.UserID != user.ID {
		a.mu.Unlock()
		return store.ErrChatNotFound
	}
	a.activeChatID = chatID
	a.messages = []domain.Message{{ID: loadingMessageID, Role: domain.RoleModel, Loading: true}}
	snapshot := a.snapshotLocked()
	a.mu.Unlock()
	a.emitter.Emit(snapshot)

	fetched, err := a.store.ListMessages(chatID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	history := make([]ai.Turn, 0, len(fetched))
	for _, msg := range fetched {
		history = append(history, ai.Turn{Role: string(msg.Role), Text: msg.Text})
	}

	a.mu.Lock()
	a.messages = fetched
	a.chat = a.assistant.StartChat(history)
	snapshot = a.snapshotLocked()
	a.mu.Unlock()
	a.emitter.Emit(snapshot)
	return nil
}

// SendMessage runs the full send pipeline: optimistic user-message insert,
// lazy chat creation, dispatch to the right model operation, incremental
// placeholder updates, and final persistence. Failures in the model phase
// collapse to a fixed apology message; they are logged, not returned.
func (a *App) SendMessage(ctx context.Context, text string, file *domain.FileAttachment) error {
	user, ok := a.auth.CurrentUser()
	if !ok {
		return ErrNotSignedIn
	}

	a.mu.Lock()
	if a.streaming {
		a.mu.Unlock()
		return ErrStreamInProgress
	}
	a.streaming = true
	if a.chat == nil {
		a.chat = a.assistant.StartChat(nil)
	}
	chat := a.chat
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.streaming = false
		a.mu.Unlock()
	}()

	userMsg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Text:      text,
		File:      file,
		CreatedAt: time.Now().UTC(),
	}
	a.appendMessage(userMsg)

	chatID, err := a.ensureChat(user, text, file)
	if err != nil {
		return err
	}
	if err := a.store.UpsertMessage(chatID, userMsg); err != nil {
		return fmt.Errorf("save user message: %w", err)
	}

	placeholder := domain.Message{
		ID:      uuid.NewString(),
		Role:    domain.RoleModel,
		Loading: true,
	}
	a.appendMessage(placeholder)

	final, err := a.dispatch(ctx, chat, placeholder, text, file)
	if err != nil {
		logger := util.LoggerFromContext(ctx)
		logger.Error("send message failed", "chat_id", chatID, "err", err)
		final = placeholder
		final.Text = apologyText
		final.Loading = false
		final.CreatedAt = time.Now().UTC()
	}
	a.offloadImage(ctx, chatID, &final)
	a.replaceMessage(final)
	if err := a.store.UpsertMessage(chatID, final); err != nil {
		return fmt.Errorf("save model message: %w", err)
	}
	return nil
}

// ensureChat lazily creates the chat session on the first message of a
// conversation and makes it active.
func (a *App) ensureChat(user domain.User, text string, file *domain.FileAttachment) (string, error) {
	a.mu.Lock()
	chatID := a.activeChatID
	a.mu.Unlock()
	if chatID != "" {
		return chatID, nil
	}

	seed := text
	if seed == "" && file != nil {
		seed = file.Name
	}
	chat, err := a.store.CreateChat(user.ID, seed)
	if err != nil {
		return "", fmt.Errorf("create chat: %w", err)
	}
	a.mu.Lock()
	a.activeChatID = chat.ID
	a.mu.Unlock()
	return chat.ID, nil
}

// dispatch picks the model operation for the input shape, in precedence
// order: /imagine prefix, image attachment, plain chat stream.
func (a *App) dispatch(ctx context.Context, chat ai.Chat, placeholder domain.Message, text string, file *domain.FileAttachment) (domain.Message, error) {
	switch {
	case strings.HasPrefix(text, imaginePrefix):
		prompt := strings.TrimSpace(strings.TrimPrefix(text, imaginePrefix))
		image, err := a.assistant.GenerateImage(ctx, prompt)
		if err != nil {
			return domain.Message{}, err
		}
		placeholder.Text = fmt.Sprintf("Here is the image you requested for: %q", prompt)
		placeholder.Image = image

	case file != nil && strings.HasPrefix(file.MimeType, "image/"):
		image, err := a.assistant.EditImage(ctx, strings.TrimSpace(text), file.Data, file.MimeType)
		if err != nil {
			return domain.Message{}, err
		}
		placeholder.Text = editedCaption
		placeholder.Image = image

	default:
		full, err := a.streamReply(ctx, chat, placeholder, text, file)
		if err != nil {
			return domain.Message{}, err
		}
		placeholder.Text = full
	}

	placeholder.Loading = false
	placeholder.CreatedAt = time.Now().UTC()
	return placeholder, nil
}

// streamReply consumes the reply stream, growing the placeholder's text in
// local state on every increment so observers see it build up.
func (a *App) streamReply(ctx context.Context, chat ai.Chat, placeholder domain.Message, text string, file *domain.FileAttachment) (string, error) {
	stream, err := chat.StreamMessage(ctx, messageParts(text, file))
	if err != nil {
		return "", err
	}
	var acc strings.Builder
	for {
		delta, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		acc.WriteString(delta)
		update := placeholder
		update.Text = acc.String()
		update.Loading = false
		a.replaceMessage(update)
	}
	return acc.String(), nil
}

// offloadImage copies an image payload to object storage, best effort. The
// base64 payload on the message stays canonical.
func (a *App) offloadImage(ctx context.Context, chatID string, msg *domain.Message) {
	if a.objects == nil || msg.Image == "" {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Image)
	if err != nil {
		slog.Warn("skip image offload: bad payload", "message_id", msg.ID, "err", err)
		return
	}
	key := fmt.Sprintf("chats/%s/%s.jpg", chatID, msg.ID)
	if err := a.objects.Put(ctx, key, bytes.NewReader(raw), int64(len(raw)), "image/jpeg"); err != nil {
		slog.Warn("image offload failed", "message_id", msg.ID, "err", err)
		return
	}
	msg.ImageKey = key
}

func (a *App) appendMessage(msg domain.Message) {
	a.mu.Lock()
	a.messages = append(a.messages, msg)
	snapshot := a.snapshotLocked()
	a.mu.Unlock()
	a.emitter.Emit(snapshot)
}

// replaceMessage overwrites the message with a matching id in local state.
func (a *App) replaceMessage(msg domain.Message) {
	a.mu.Lock()
	for i := range a.messages {
		if a.messages[i].ID == msg.ID {
			a.messages[i] = msg
			break
		}
	}
	snapshot := a.snapshotLocked()
	a.mu.Unlock()
	a.emitter.Emit(snapshot)
}

func (a *App) reset() {
	a.mu.Lock()
	a.messages = nil
	a.activeChatID = ""
	a.chat = nil
	snapshot := a.snapshotLocked()
	a.mu.Unlock()
	a.emitter.Emit(snapshot)
}

func (a *App) snapshotLocked() []domain.Message {
	out := make([]domain.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

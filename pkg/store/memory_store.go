package store

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"suncochat/pkg/domain"
)

const titleRuneLimit = 30

// MemoryStore keeps all tables in process memory. Used in tests and as the
// in-memory half of FileStore.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]domain.User // email -> user
	chats    map[string]domain.ChatSession
	messages map[string][]domain.Message // chat id -> ordered messages
	current  *domain.User
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]domain.User),
		chats:    make(map[string]domain.ChatSession),
		messages: make(map[string][]domain.Message),
	}
}

// CreateUser registers a user keyed by email.
func (m *MemoryStore) CreateUser(email, passwordHash string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[email]; exists {
		return domain.User{}, ErrEmailAlreadyExists
	}
	user := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	m.users[email] = user
	return user, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[email]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.ID == id {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

// CreateChat records a new chat session titled from its seed text.
func (m *MemoryStore) CreateChat(userID, seedText string) (domain.ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat := domain.ChatSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     chatTitle(seedText),
		CreatedAt: time.Now().UTC(),
	}
	m.chats[chat.ID] = chat
	m.messages[chat.ID] = []domain.Message{}
	return chat, nil
}

// GetChat retrieves a chat session by ID.
func (m *MemoryStore) GetChat(id string) (domain.ChatSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chats[id]
	return c, ok, nil
}

// ListChats returns all chat sessions owned by a user, in no defined order.
func (m *MemoryStore) ListChats(userID string) ([]domain.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.ChatSession, 0)
	for _, c := range m.chats {
		if c.UserID == userID {
			res = append(res, c)
		}
	}
	return res, nil
}

// ListMessages returns the ordered message list for a chat. Unknown chats
// yield an empty slice.
func (m *MemoryStore) ListMessages(chatID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[chatID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// UpsertMessage replaces the message with a matching ID in place, or appends
// when no message has that ID yet.
func (m *MemoryStore) UpsertMessage(chatID string, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[chatID]
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			return nil
		}
	}
	m.messages[chatID] = append(msgs, msg)
	return nil
}

// CurrentUser returns the persisted signed-in user, when any.
func (m *MemoryStore) CurrentUser() (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return domain.User{}, false, nil
	}
	return *m.current, true, nil
}

// SetCurrentUser records or clears the signed-in user pointer.
func (m *MemoryStore) SetCurrentUser(user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user == nil {
		m.current = nil
		return nil
	}
	u := *user
	m.current = &u
	return nil
}

// chatTitle derives a session title from the first message, truncated to
// thirty runes with a trailing ellipsis marker.
func chatTitle(seed string) string {
	seed = strings.TrimSpace(strings.ReplaceAll(seed, "\n", " "))
	if seed == "" {
		return "New Chat"
	}
	runes := []rune(seed)
	if len(runes) > titleRuneLimit {
		return string(runes[:titleRuneLimit]) + "..."
	}
	return seed
}

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"suncochat/pkg/domain"
)

const (
	usersFile       = "users.json"
	chatsFile       = "chats.json"
	messagesFile    = "messages.json"
	currentUserFile = "current_user.json"
)

// FileStore is the durable key-value mock: three JSON table snapshots
// (users by email, chats by id, messages by chat id) plus a single
// current-user snapshot, each rewritten wholesale on every mutation.
// There is no partial-write recovery; the last write wins on crash.
type FileStore struct {
	mu  sync.Mutex
	dir string

	users    map[string]userRecord
	chats    map[string]domain.ChatSession
	messages map[string][]domain.Message
	current  *domain.User
}

// userRecord is the on-disk user shape. domain.User hides the password hash
// from JSON, so the file table keeps its own serializable form.
type userRecord struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewFileStore loads existing snapshots from dir, creating it when missing.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &FileStore{
		dir:      dir,
		users:    make(map[string]userRecord),
		chats:    make(map[string]domain.ChatSession),
		messages: make(map[string][]domain.Message),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	if err := readSnapshot(filepath.Join(s.dir, usersFile), &s.users); err != nil {
		return err
	}
	if err := readSnapshot(filepath.Join(s.dir, chatsFile), &s.chats); err != nil {
		return err
	}
	if err := readSnapshot(filepath.Join(s.dir, messagesFile), &s.messages); err != nil {
		return err
	}
	var current *domain.User
	if err := readSnapshot(filepath.Join(s.dir, currentUserFile), &current); err != nil {
		return err
	}
	s.current = current
	return nil
}

func readSnapshot(path string, out any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse snapshot %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) writeSnapshot(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o600); err != nil {
		return fmt.Errorf("write snapshot %s: %w", name, err)
	}
	return nil
}

// CreateUser registers a user keyed by email and persists the user table.
func (s *FileStore) CreateUser(email, passwordHash string) (domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[email]; exists {
		return domain.User{}, ErrEmailAlreadyExists
	}
	rec := userRecord{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[email] = rec
	if err := s.writeSnapshot(usersFile, s.users); err != nil {
		delete(s.users, email)
		return domain.User{}, err
	}
	return rec.user(), nil
}

// GetUserByEmail looks up a user by email.
func (s *FileStore) GetUserByEmail(email string) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[email]
	if !ok {
		return domain.User{}, false, nil
	}
	return rec.user(), true, nil
}

// GetUserByID returns a user by ID.
func (s *FileStore) GetUserByID(id string) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.users {
		if rec.ID == id {
			return rec.user(), true, nil
		}
	}
	return domain.User{}, false, nil
}

// CreateChat records a new chat session and persists the chat table.
func (s *FileStore) CreateChat(userID, seedText string) (domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat := domain.ChatSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     chatTitle(seedText),
		CreatedAt: time.Now().UTC(),
	}
	s.chats[chat.ID] = chat
	s.messages[chat.ID] = []domain.Message{}
	if err := s.writeSnapshot(chatsFile, s.chats); err != nil {
		return domain.ChatSession{}, err
	}
	if err := s.writeSnapshot(messagesFile, s.messages); err != nil {
		return domain.ChatSession{}, err
	}
	return chat, nil
}

// GetChat retrieves a chat session by ID.
func (s *FileStore) GetChat(id string) (domain.ChatSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	return c, ok, nil
}

// ListChats returns chat sessions owned by a user, in no defined order.
func (s *FileStore) ListChats(userID string) ([]domain.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]domain.ChatSession, 0)
	for _, c := range s.chats {
		if c.UserID == userID {
			res = append(res, c)
		}
	}
	return res, nil
}

// ListMessages returns the ordered message list for a chat. Unknown chats
// yield an empty slice.
func (s *FileStore) ListMessages(chatID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[chatID]
	out := make([]domain.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// UpsertMessage replaces the message with a matching ID in place, or appends
// it, then persists the message table.
func (s *FileStore) UpsertMessage(chatID string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[chatID]
	replaced := false
	for i := range msgs {
		if msgs[i].ID == msg.ID {
			msgs[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		s.messages[chatID] = append(msgs, msg)
	}
	return s.writeSnapshot(messagesFile, s.messages)
}

// CurrentUser returns the persisted signed-in user, when any.
func (s *FileStore) CurrentUser() (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return domain.User{}, false, nil
	}
	return *s.current, true, nil
}

// SetCurrentUser records or clears the signed-in user pointer on disk.
func (s *FileStore) SetCurrentUser(user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user == nil {
		s.current = nil
	} else {
		u := *user
		s.current = &u
	}
	return s.writeSnapshot(currentUserFile, s.current)
}

func (r userRecord) user() domain.User {
	return domain.User{
		ID:           r.ID,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		CreatedAt:    r.CreatedAt,
	}
}

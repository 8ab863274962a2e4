package store

import (
	"errors"

	"suncochat/pkg/domain"
)

var (
	// ErrEmailAlreadyExists is returned when creating a user with a taken email.
	ErrEmailAlreadyExists = errors.New("email already in use")
	// ErrChatNotFound is returned when a chat session id is unknown.
	ErrChatNotFound = errors.New("chat not found")
)

// Store defines persistence for users, chat sessions, and messages.
// Implementations must persist every mutation before returning.
type Store interface {
	// users
	CreateUser(email, passwordHash string) (domain.User, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)

	// chat sessions
	CreateChat(userID, seedText string) (domain.ChatSession, error)
	GetChat(id string) (domain.ChatSession, bool, error)
	ListChats(userID string) ([]domain.ChatSession, error)

	// messages
	ListMessages(chatID string) ([]domain.Message, error)
	UpsertMessage(chatID string, msg domain.Message) error

	// signed-in user pointer
	CurrentUser() (domain.User, bool, error)
	SetCurrentUser(user *domain.User) error
}

// SessionStore persists session tokens for the HTTP surface.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
}

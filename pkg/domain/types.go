package domain

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// User is an account in the chat application.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ChatSession is one conversation owned by a user. Sessions are created on
// the first message of a conversation and never mutated afterwards.
type ChatSession struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// FileAttachment is a file sent alongside a message. It only exists embedded
// in its message; it is never persisted on its own.
type FileAttachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Data     string `json:"data"` // base64-encoded payload
}

// Message is a single chat turn. Image holds base64-encoded bytes when the
// model produced one. ImageKey is set when the payload was also offloaded to
// object storage. Loading marks a placeholder still waiting for the model.
type Message struct {
	ID        string          `json:"id"`
	Role      Role            `json:"role"`
	Text      string          `json:"text"`
	Image     string          `json:"image,omitempty"`
	ImageKey  string          `json:"imageKey,omitempty"`
	File      *FileAttachment `json:"file,omitempty"`
	Loading   bool            `json:"loading,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

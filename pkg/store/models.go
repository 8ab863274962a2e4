package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used by the Postgres store.
type UserModel struct {
	ID           string    `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type ChatModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Title     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID        string `gorm:"primaryKey"`
	ChatID    string `gorm:"not null;index"`
	Position  int    `gorm:"not null"`
	Role      string `gorm:"not null"`
	Text      string `gorm:"type:text"`
	Image     string `gorm:"type:text"`
	ImageKey  string
	File      datatypes.JSON `gorm:"type:jsonb"`
	Loading   bool
	CreatedAt time.Time `gorm:"not null;index"`
}

// CurrentUserModel is a single-row table holding the signed-in user pointer.
type CurrentUserModel struct {
	ID        int    `gorm:"primaryKey"`
	UserID    string `gorm:"not null"`
	UpdatedAt time.Time
}

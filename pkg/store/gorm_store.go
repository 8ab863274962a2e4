package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"suncochat/pkg/domain"
)

// GormStore implements Store on GORM + Postgres for deployments where the
// JSON-file mock is not enough.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&UserModel{}, &ChatModel{}, &MessageModel{}, &CurrentUserModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// CreateUser registers a user keyed by email.
func (g *GormStore) CreateUser(email, passwordHash string) (domain.User, error) {
	var count int64
	if err := g.db.Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return domain.User{}, fmt.Errorf("check email: %w", err)
	}
	if count > 0 {
		return domain.User{}, ErrEmailAlreadyExists
	}
	model := UserModel{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := g.db.Create(&model).Error; err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return userFromModel(model), nil
}

// GetUserByEmail looks up a user by email.
func (g *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	err := g.db.Where("email = ?", email).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("fetch user: %w", err)
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (g *GormStore) GetUserByID(id string) (domain.User, bool, error) {
	var model UserModel
	err := g.db.Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("fetch user: %w", err)
	}
	return userFromModel(model), true, nil
}

// CreateChat records a new chat session titled from its seed text.
func (g *GormStore) CreateChat(userID, seedText string) (domain.ChatSession, error) {
	model := ChatModel{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     chatTitle(seedText),
		CreatedAt: time.Now().UTC(),
	}
	if err := g.db.Create(&model).Error; err != nil {
		return domain.ChatSession{}, fmt.Errorf("create chat: %w", err)
	}
	return chatFromModel(model), nil
}

// GetChat retrieves a chat session by ID.
func (g *GormStore) GetChat(id string) (domain.ChatSession, bool, error) {
	var model ChatModel
	err := g.db.Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ChatSession{}, false, nil
	}
	if err != nil {
		return domain.ChatSession{}, false, fmt.Errorf("fetch chat: %w", err)
	}
	return chatFromModel(model), true, nil
}

// ListChats returns chat sessions owned by a user.
func (g *GormStore) ListChats(userID string) ([]domain.ChatSession, error) {
	var models []ChatModel
	if err := g.db.Where("user_id = ?", userID).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	res := make([]domain.ChatSession, 0, len(models))
	for _, m := range models {
		res = append(res, chatFromModel(m))
	}
	return res, nil
}

// ListMessages returns the message list for a chat in insertion order.
func (g *GormStore) ListMessages(chatID string) ([]domain.Message, error) {
	var models []MessageModel
	if err := g.db.Where("chat_id = ?", chatID).Order("position ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	res := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msg, err := messageFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, msg)
	}
	return res, nil
}

// UpsertMessage replaces the row with a matching ID, keeping its position,
// or appends the message at the next position.
func (g *GormStore) UpsertMessage(chatID string, msg domain.Message) error {
	return g.db.Transaction(func(tx *gorm.DB) error {
		var existing MessageModel
		err := tx.Where("chat_id = ? AND id = ?", chatID, msg.ID).First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("fetch message: %w", err)
		}
		position := existing.Position
		if errors.Is(err, gorm.ErrRecordNotFound) {
			var max int
			row := tx.Model(&MessageModel{}).Where("chat_id = ?", chatID).Select("COALESCE(MAX(position), -1)").Row()
			if err := row.Scan(&max); err != nil {
				return fmt.Errorf("next position: %w", err)
			}
			position = max + 1
		}
		model, buildErr := messageToModel(chatID, position, msg)
		if buildErr != nil {
			return buildErr
		}
		if err := tx.Save(&model).Error; err != nil {
			return fmt.Errorf("save message: %w", err)
		}
		return nil
	})
}

// CurrentUser returns the persisted signed-in user, when any.
func (g *GormStore) CurrentUser() (domain.User, bool, error) {
	var pointer CurrentUserModel
	err := g.db.Where("id = ?", 1).First(&pointer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, false, nil
	}
	if err != nil {
		return domain.User{}, false, fmt.Errorf("fetch current user: %w", err)
	}
	return g.GetUserByID(pointer.UserID)
}

// SetCurrentUser records or clears the signed-in user pointer.
func (g *GormStore) SetCurrentUser(user *domain.User) error {
	if user == nil {
		if err := g.db.Delete(&CurrentUserModel{}, "id = ?", 1).Error; err != nil {
			return fmt.Errorf("clear current user: %w", err)
		}
		return nil
	}
	pointer := CurrentUserModel{ID: 1, UserID: user.ID, UpdatedAt: time.Now().UTC()}
	if err := g.db.Save(&pointer).Error; err != nil {
		return fmt.Errorf("set current user: %w", err)
	}
	return nil
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}

func chatFromModel(m ChatModel) domain.ChatSession {
	return domain.ChatSession{
		ID:        m.ID,
		UserID:    m.UserID,
		Title:     m.Title,
		CreatedAt: m.CreatedAt,
	}
}

func messageToModel(chatID string, position int, msg domain.Message) (MessageModel, error) {
	model := MessageModel{
		ID:        msg.ID,
		ChatID:    chatID,
		Position:  position,
		Role:      string(msg.Role),
		Text:      msg.Text,
		Image:     msg.Image,
		ImageKey:  msg.ImageKey,
		Loading:   msg.Loading,
		CreatedAt: msg.CreatedAt,
	}
	if msg.File != nil {
		data, err := json.Marshal(msg.File)
		if err != nil {
			return MessageModel{}, fmt.Errorf("encode attachment: %w", err)
		}
		model.File = datatypes.JSON(data)
	}
	return model, nil
}

func messageFromModel(m MessageModel) (domain.Message, error) {
	msg := domain.Message{
		ID:        m.ID,
		Role:      domain.Role(m.Role),
		Text:      m.Text,
		Image:     m.Image,
		ImageKey:  m.ImageKey,
		Loading:   m.Loading,
		CreatedAt: m.CreatedAt,
	}
	if len(m.File) > 0 {
		var file domain.FileAttachment
		if err := json.Unmarshal(m.File, &file); err != nil {
			return domain.Message{}, fmt.Errorf("decode attachment: %w", err)
		}
		msg.File = &file
	}
	return msg, nil
}

// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model. Messages are never hard-deleted; deletes flip soft-delete flags.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/domain"
)

// CreateMessage inserts a new message row inside a session.
func CreateMessage(ctx context.Context, db *gorm.DB, sessionID, senderID, senderRole, recipientID, recipientRole, body string) (*domain.Message, error) {
	now := time.Now().UTC()
	m := &domain.Message{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		SenderID:      senderID,
		SenderRole:    senderRole,
		RecipientID:   recipientID,
		RecipientRole: recipientRole,
		Body:          body,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return m, db.WithContext(ctx).Create(m).Error
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// EditMessage replaces the body and sets the edited flag.
func EditMessage(ctx context.Context, db *gorm.DB, id, body string) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(map[string]any{"body": body, "edited": true})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteMessage sets deleted_for_everyone, or deleted_for_sender when
// forEveryone is false.
func SoftDeleteMessage(ctx context.Context, db *gorm.DB, id string, forEveryone bool) error {
	col := "deleted_for_sender"
	if forEveryone {
		col = "deleted_for_everyone"
	}
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Update(col, true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMessagesRead flags every unread message from senderID to recipientID
// as read and returns how many rows changed.
func MarkMessagesRead(ctx context.Context, db *gorm.DB, senderID, recipientID string) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("sender_id = ? AND recipient_id = ? AND is_read = ?", senderID, recipientID, false).
		Update("is_read", true)
	return res.RowsAffected, res.Error
}

// visibleTo scopes a message query to rows viewerID has not deleted.
func visibleTo(db *gorm.DB, sessionID, viewerID string) *gorm.DB {
	return db.Model(&domain.Message{}).
		Where("session_id = ? AND deleted_for_everyone = ?", sessionID, false).
		Where("(sender_id = ? AND deleted_for_sender = ?) OR (recipient_id = ? AND deleted_for_recipient = ?)",
			viewerID, false, viewerID, false)
}

// CountSessionMessages counts the messages of a session visible to viewerID.
func CountSessionMessages(ctx context.Context, db *gorm.DB, sessionID, viewerID string) (int64, error) {
	var total int64
	err := visibleTo(db.WithContext(ctx), sessionID, viewerID).Count(&total).Error
	return total, err
}

// ListSessionMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC)
// of the messages visible to viewerID.
func ListSessionMessagesPage(ctx context.Context, db *gorm.DB, sessionID, viewerID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := visibleTo(db.WithContext(ctx), sessionID, viewerID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

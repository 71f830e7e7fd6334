// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the ChatRequest
// model. Requests are never deleted; status transitions out of "pending" are
// conditional so that only one resolver (accept, reject, or expiry) wins.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/domain"
)

// CreateChatRequest inserts a pending request created at now.
func CreateChatRequest(ctx context.Context, db *gorm.DB, userID, astrologerID, kind string, now time.Time) (*domain.ChatRequest, error) {
	r := &domain.ChatRequest{
		ID:           uuid.NewString(),
		UserID:       userID,
		AstrologerID: astrologerID,
		Type:         kind,
		Status:       domain.RequestPending,
		CreatedAt:    now.UTC(),
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

// GetChatRequest fetches a request by ID, or ErrNotFound.
func GetChatRequest(ctx context.Context, db *gorm.DB, id string) (*domain.ChatRequest, error) {
	var r domain.ChatRequest
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// FindPendingRequest returns the pending request for the (user, astrologer)
// pair, or ErrNotFound.
func FindPendingRequest(ctx context.Context, db *gorm.DB, userID, astrologerID string) (*domain.ChatRequest, error) {
	var r domain.ChatRequest
	err := db.WithContext(ctx).
		Where("user_id = ? AND astrologer_id = ? AND status = ?", userID, astrologerID, domain.RequestPending).
		Order("created_at DESC").
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ResolveChatRequest moves a pending request to status, stamping
// responded_at. It returns ErrConflict if the request was no longer pending.
func ResolveChatRequest(ctx context.Context, db *gorm.DB, id, status string, at time.Time) error {
	at = at.UTC()
	res := db.WithContext(ctx).
		Model(&domain.ChatRequest{}).
		Where("id = ? AND status = ?", id, domain.RequestPending).
		Updates(map[string]any{"status": status, "responded_at": &at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return missingOr(ctx, db, &domain.ChatRequest{}, id, ErrConflict)
	}
	return nil
}

// ExpirePendingRequests marks every request still pending since before
// cutoff as expired and returns the rows it expired.
func ExpirePendingRequests(ctx context.Context, db *gorm.DB, cutoff, at time.Time) ([]domain.ChatRequest, error) {
	var stale []domain.ChatRequest
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND created_at < ?", domain.RequestPending, cutoff.UTC()).
			Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]string, len(stale))
		for i := range stale {
			ids[i] = stale[i].ID
		}
		ts := at.UTC()
		return tx.Model(&domain.ChatRequest{}).
			Where("id IN ? AND status = ?", ids, domain.RequestPending).
			Updates(map[string]any{"status": domain.RequestExpired, "responded_at": &ts}).Error
	})
	if err != nil {
		return nil, err
	}
	for i := range stale {
		stale[i].Status = domain.RequestExpired
	}
	return stale, nil
}

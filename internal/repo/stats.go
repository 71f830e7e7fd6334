// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/domain"
)

// SessionMessagesStats returns aggregate metadata for the messages of a
// session as seen by viewerID: the number of visible rows and the maximum
// UpdatedAt among all of the session's rows. Any edit, delete or read flag
// change moves UpdatedAt, so the pair changes whenever the history does.
//
// When the session has no messages, the returned count is 0 and maxUpdatedAt
// is nil.
func SessionMessagesStats(ctx context.Context, db *gorm.DB, sessionID, viewerID string) (count int64, maxUpdatedAt *time.Time, err error) {
	if count, err = CountSessionMessages(ctx, db, sessionID, viewerID); err != nil {
		return 0, nil, err
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var rows []struct {
		UpdatedAt time.Time
	}
	err = db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("session_id = ?", sessionID).
		Select("updated_at").
		Order("updated_at DESC").
		Limit(1).
		Scan(&rows).Error
	if err != nil {
		return 0, nil, err
	}
	if len(rows) == 0 {
		return 0, nil, nil
	}
	return count, &rows[0].UpdatedAt, nil
}

// TransactionsStats returns the number of transactions for a user and the
// most recent CreatedAt, or nil when the user has none.
func TransactionsStats(ctx context.Context, db *gorm.DB, userID string) (count int64, maxCreatedAt *time.Time, err error) {
	if count, err = CountTransactions(ctx, db, userID); err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	var row struct {
		CreatedAt time.Time
	}
	err = db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("user_id = ?", userID).
		Select("created_at").
		Order("created_at DESC").
		Limit(1).
		Scan(&row).Error
	if err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}

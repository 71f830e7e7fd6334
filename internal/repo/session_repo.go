// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the ChatSession
// model and its BillingTick ledger.
//
// The ledger is append-only: each charged interval inserts one BillingTick
// with a per-session sequence number and bumps the session's running totals
// in the same statement group. The (session_id, seq) unique index turns a
// replayed tick into ErrDuplicate instead of a double charge.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/domain"
)

// CreateSession inserts an active session for an accepted request.
func CreateSession(ctx context.Context, db *gorm.DB, req *domain.ChatRequest, rate int64, now time.Time) (*domain.ChatSession, error) {
	now = now.UTC()
	s := &domain.ChatSession{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		AstrologerID:  req.AstrologerID,
		ChatRequestID: req.ID,
		Type:          req.Type,
		Rate:          rate,
		Status:        domain.SessionActive,
		StartedAt:     now,
		LastTickAt:    now,
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession fetches a session by ID, or ErrNotFound.
func GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.ChatSession, error) {
	var s domain.ChatSession
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListActiveSessions returns every session still in the active state.
func ListActiveSessions(ctx context.Context, db *gorm.DB) ([]domain.ChatSession, error) {
	var out []domain.ChatSession
	err := db.WithContext(ctx).
		Where("status = ?", domain.SessionActive).
		Order("started_at ASC").
		Find(&out).Error
	return out, err
}

// HasActiveSession reports whether the astrologer is in an active session.
func HasActiveSession(ctx context.Context, db *gorm.DB, astrologerID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("astrologer_id = ? AND status = ?", astrologerID, domain.SessionActive).
		Count(&n).Error
	return n > 0, err
}

// HasActiveSessionBetween reports whether the user and the astrologer share
// an active session.
func HasActiveSessionBetween(ctx context.Context, db *gorm.DB, userID, astrologerID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("user_id = ? AND astrologer_id = ? AND status = ?", userID, astrologerID, domain.SessionActive).
		Count(&n).Error
	return n > 0, err
}

// CloseSession moves an active session to ended. It returns ErrConflict when
// the session had already ended.
func CloseSession(ctx context.Context, db *gorm.DB, id, reason string, at time.Time) error {
	at = at.UTC()
	res := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("id = ? AND status = ?", id, domain.SessionActive).
		Updates(map[string]any{"status": domain.SessionEnded, "end_reason": reason, "ended_at": &at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return missingOr(ctx, db, &domain.ChatSession{}, id, ErrConflict)
	}
	return nil
}

// RecordTick appends tick seq to the session ledger and updates the running
// totals. Callers run it inside the same transaction as the wallet debit.
func RecordTick(ctx context.Context, db *gorm.DB, sessionID string, seq int, amount int64, at time.Time) (*domain.BillingTick, error) {
	at = at.UTC()
	t := &domain.BillingTick{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       seq,
		Amount:    amount,
		CreatedAt: at,
	}
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	res := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"tick_count":    seq,
			"billed_amount": gorm.Expr("billed_amount + ?", amount),
			"last_tick_at":  at,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return t, nil
}

// SumTicks returns the total charged and the number of ticks recorded for a
// session, straight from the ledger.
func SumTicks(ctx context.Context, db *gorm.DB, sessionID string) (int64, int, error) {
	var row struct {
		Total int64
		N     int
	}
	err := db.WithContext(ctx).
		Model(&domain.BillingTick{}).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS n").
		Where("session_id = ?", sessionID).
		Scan(&row).Error
	return row.Total, row.N, err
}

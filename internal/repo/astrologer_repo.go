// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Astrologer
// model: directory reads, availability status, the busy flag, and the locked
// balance that receives settled session funds.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/domain"
)

// CreateAstrologer inserts a, assigning an ID and timestamps when missing.
func CreateAstrologer(ctx context.Context, db *gorm.DB, a *domain.Astrologer) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.StatusOffline
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return db.WithContext(ctx).Create(a).Error
}

// GetAstrologer fetches an astrologer by ID, or ErrNotFound.
func GetAstrologer(ctx context.Context, db *gorm.DB, id string) (*domain.Astrologer, error) {
	var a domain.Astrologer
	if err := db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func astrologerScope(db *gorm.DB, status string) *gorm.DB {
	q := db.Model(&domain.Astrologer{}).Where("is_blocked = ?", false)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	return q
}

// CountAstrologers counts unblocked astrologers, optionally by status.
func CountAstrologers(ctx context.Context, db *gorm.DB, status string) (int64, error) {
	var total int64
	err := astrologerScope(db.WithContext(ctx), status).Count(&total).Error
	return total, err
}

// ListAstrologersPage returns unblocked astrologers ordered by name, optionally
// filtered by status.
func ListAstrologersPage(ctx context.Context, db *gorm.DB, status string, offset, limit int) ([]domain.Astrologer, error) {
	var out []domain.Astrologer
	err := astrologerScope(db.WithContext(ctx), status).
		Order("name ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// SetAstrologerStatus persists online/offline availability.
func SetAstrologerStatus(ctx context.Context, db *gorm.DB, id, status string) error {
	res := db.WithContext(ctx).
		Model(&domain.Astrologer{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimAstrologer flips is_busy from false to true. It returns ErrConflict
// when the astrologer is already busy.
func ClaimAstrologer(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Model(&domain.Astrologer{}).
		Where("id = ? AND is_busy = ?", id, false).
		Update("is_busy", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return missingOr(ctx, db, &domain.Astrologer{}, id, ErrConflict)
	}
	return nil
}

// ReleaseAstrologer clears the busy flag.
func ReleaseAstrologer(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).
		Model(&domain.Astrologer{}).
		Where("id = ?", id).
		Update("is_busy", false).Error
}

// CreditAstrologerLocked adds settled session funds to the astrologer's
// locked balance, where they wait for payout.
func CreditAstrologerLocked(ctx context.Context, db *gorm.DB, id string, amount int64) error {
	res := db.WithContext(ctx).
		Model(&domain.Astrologer{}).
		Where("id = ?", id).
		Update("locked_balance", gorm.Expr("locked_balance + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

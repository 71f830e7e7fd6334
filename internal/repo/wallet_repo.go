// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model
// and its wallet.
//
// Wallet mutations are single conditional UPDATE statements: the guard lives
// in the WHERE clause (for example "balance >= amount"), so concurrent debits
// can never drive a balance negative or lose an update. Every wallet mutation
// also bumps User.Version.
//
// Error semantics:
//   - ErrNotFound when the user does not exist.
//   - ErrInsufficientFunds when a debit guard fails on an existing user.
//   - ErrConflict when a locked-balance guard fails.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

var (
	// ErrInsufficientFunds is returned when a conditional debit matched the
	// row but not the balance guard.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConflict is returned when a conditional state transition matched
	// no rows because the record is no longer in the expected state.
	ErrConflict = errors.New("conditional update conflict")
)

// CreateUser inserts a new user with an opening balance.
func CreateUser(ctx context.Context, db *gorm.DB, name, mobile string, balance int64) (*domain.User, error) {
	now := time.Now().UTC()
	u := &domain.User{
		ID:        uuid.NewString(),
		Name:      name,
		Mobile:    mobile,
		Balance:   balance,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, err
	}
	return u, nil
}

// GetUser fetches a user by ID, or ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// LockFunds moves amount from the user's available balance into the locked
// balance. The move only happens when balance >= amount.
func LockFunds(ctx context.Context, db *gorm.DB, userID string, amount int64) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ? AND balance >= ?", userID, amount).
		Updates(map[string]any{
			"balance":        gorm.Expr("balance - ?", amount),
			"locked_balance": gorm.Expr("locked_balance + ?", amount),
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return missingOr(ctx, db, &domain.User{}, userID, ErrInsufficientFunds)
	}
	return nil
}

// ReleaseLocked removes amount from the user's locked balance once it has
// been settled to an astrologer. It fails with ErrConflict when the locked
// balance does not cover amount.
func ReleaseLocked(ctx context.Context, db *gorm.DB, userID string, amount int64) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ? AND locked_balance >= ?", userID, amount).
		Updates(map[string]any{
			"locked_balance": gorm.Expr("locked_balance - ?", amount),
			"version":        gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return missingOr(ctx, db, &domain.User{}, userID, ErrConflict)
	}
	return nil
}

// CreditUser adds amount to the user's available balance (wallet recharge).
func CreditUser(ctx context.Context, db *gorm.DB, userID string, amount int64) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// missingOr distinguishes a missing row from a failed guard after a
// conditional update matched nothing.
func missingOr(ctx context.Context, db *gorm.DB, model any, id string, guardErr error) error {
	var n int64
	if err := db.WithContext(ctx).Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return guardErr
}

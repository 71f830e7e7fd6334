package services

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/repo"
	"github.com/tbourn/astro-consult-backend/internal/utils"
)

// DirectoryService registers and looks up users and astrologers.
type DirectoryService struct {
	DB *gorm.DB
}

// CreateUser registers a user with an opening balance.
func (s *DirectoryService) CreateUser(ctx context.Context, name, mobile string, balance int64) (*domain.User, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidAction.With("name is required")
	}
	if balance < 0 {
		return nil, ErrInvalidAmount.With("opening balance must not be negative")
	}
	return repo.CreateUser(ctx, s.DB, name, strings.TrimSpace(mobile), balance)
}

// User returns a user by id.
func (s *DirectoryService) User(ctx context.Context, id string) (*domain.User, error) {
	u, err := repo.GetUser(ctx, s.DB, id)
	if err != nil {
		return nil, notFoundOr(err, "user not found")
	}
	return u, nil
}

// CreateAstrologer registers an astrologer. New astrologers start offline.
func (s *DirectoryService) CreateAstrologer(ctx context.Context, a *domain.Astrologer) error {
	a.Name = strings.TrimSpace(a.Name)
	if a.Name == "" {
		return ErrInvalidAction.With("name is required")
	}
	if a.ChatRate < 0 || a.VoiceRate < 0 || a.VideoRate < 0 {
		return ErrInvalidAmount.With("rates must not be negative")
	}
	a.Status = domain.StatusOffline
	a.IsBusy = false
	return repo.CreateAstrologer(ctx, s.DB, a)
}

// Astrologer returns an astrologer by id.
func (s *DirectoryService) Astrologer(ctx context.Context, id string) (*domain.Astrologer, error) {
	a, err := repo.GetAstrologer(ctx, s.DB, id)
	if err != nil {
		return nil, notFoundOr(err, "astrologer not found")
	}
	return a, nil
}

// Astrologers returns a page of unblocked astrologers, optionally filtered
// by status, ordered by name.
func (s *DirectoryService) Astrologers(ctx context.Context, status string, page, pageSize int) ([]domain.Astrologer, int64, error) {
	switch status {
	case "", domain.StatusOnline, domain.StatusOffline:
	default:
		return nil, 0, ErrInvalidAction.With("status must be %q or %q", domain.StatusOnline, domain.StatusOffline)
	}
	_, pageSize, offset := utils.Window(page, pageSize, 20)
	total, err := repo.CountAstrologers(ctx, s.DB, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Astrologer{}, 0, nil
	}
	items, err := repo.ListAstrologersPage(ctx, s.DB, status, offset, pageSize)
	return items, total, err
}

package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/notify"
	"github.com/tbourn/astro-consult-backend/internal/observability"
	"github.com/tbourn/astro-consult-backend/internal/repo"
	"github.com/tbourn/astro-consult-backend/internal/utils"
)

// ScopeWalletCredit is the idempotency scope of wallet recharges.
const ScopeWalletCredit = "wallet_credit"

// WalletService reads wallets and applies recharges confirmed by the
// payment gateway.
type WalletService struct {
	DB       *gorm.DB
	Out      *Outbox
	Notifier Notifier
	// IdempotencyTTL is how long a recharge key is remembered.
	IdempotencyTTL time.Duration
	Log            zerolog.Logger
}

// Wallet returns the user's balances.
func (s *WalletService) Wallet(ctx context.Context, userID string) (*domain.User, error) {
	u, err := repo.GetUser(ctx, s.DB, userID)
	if err != nil {
		return nil, notFoundOr(err, "user not found")
	}
	return u, nil
}

// Credit adds amount to the user's balance and records a walletRecharge
// transaction. When key is set, a retry with the same key returns the first
// transaction and replayed is true.
func (s *WalletService) Credit(ctx context.Context, userID string, amount int64, key string) (txn *domain.Transaction, replayed bool, err error) {
	ctx, span := observability.Tracer("services/wallet").Start(ctx, "Credit",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.Int64("amount", amount)),
	)
	defer func() {
		observability.Fail(span, err)
		span.End()
	}()

	if amount <= 0 {
		return nil, false, ErrInvalidAmount
	}
	if key != "" {
		if prev, ok := s.replay(ctx, userID, key); ok {
			return prev, true, nil
		}
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreditUser(ctx, tx, userID, amount); err != nil {
			return notFoundOr(err, "user not found")
		}
		txn = &domain.Transaction{
			UserID:      userID,
			Amount:      amount,
			Type:        domain.TxWalletRecharge,
			Description: "Wallet recharge",
			Status:      domain.TxSuccess,
		}
		if err := repo.CreateTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if key == "" {
			return nil
		}
		_, err := repo.CreateIdempotency(ctx, tx, userID, ScopeWalletCredit, key, txn.ID, http.StatusCreated, s.IdempotencyTTL)
		return err
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// A concurrent request with the same key won.
		if prev, ok := s.replay(ctx, userID, key); ok {
			return prev, true, nil
		}
	}
	if err != nil {
		return nil, false, err
	}

	if u, err := repo.GetUser(ctx, s.DB, userID); err == nil {
		s.Out.To(u.ID, domain.RoleUser, EventWalletUpdate, WalletViewOf(u))
	}
	if s.Notifier != nil {
		s.Notifier.Notify(ctx, notify.Notification{
			RecipientID:   userID,
			RecipientRole: domain.RoleUser,
			Kind:          domain.NotifyWallet,
			Title:         "Wallet recharged",
			Body:          "Your wallet has been credited",
			Data:          map[string]any{"amount": amount, "transactionId": txn.ID},
		})
	}
	return txn, false, nil
}

func (s *WalletService) replay(ctx context.Context, userID, key string) (*domain.Transaction, bool) {
	rec, err := repo.GetIdempotency(ctx, s.DB, userID, ScopeWalletCredit, key, time.Now().UTC())
	if err != nil || rec == nil {
		return nil, false
	}
	prev, err := repo.GetTransaction(ctx, s.DB, rec.ResultID)
	if err != nil {
		return nil, false
	}
	return prev, true
}

// Transactions returns a page of the user's transactions, newest first.
func (s *WalletService) Transactions(ctx context.Context, userID string, page, pageSize int) ([]domain.Transaction, int64, error) {
	_, pageSize, offset := utils.Window(page, pageSize, 20)
	if _, err := s.Wallet(ctx, userID); err != nil {
		return nil, 0, err
	}
	total, err := repo.CountTransactions(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Transaction{}, 0, nil
	}
	items, err := repo.ListTransactionsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

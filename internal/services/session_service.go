package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/billing"
	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/lock"
	"github.com/tbourn/astro-consult-backend/internal/notify"
	"github.com/tbourn/astro-consult-backend/internal/observability"
	"github.com/tbourn/astro-consult-backend/internal/repo"
)

// SessionService owns the active -> ended transition of chat sessions and
// the billing clock of every session it opened or resumed.
//
// Ticks and ends of one session are serialized through Locks, so a tick
// that races an explicit end either bills before the end settles or sees the
// ended session and stops. The settled amount is the sum of the recorded
// billing ticks.
type SessionService struct {
	DB       *gorm.DB
	Meter    *billing.Meter
	Locks    lock.Locker
	Out      *Outbox
	Notifier Notifier
	Invoicer Invoicer // optional
	Interval time.Duration
	Log      zerolog.Logger

	title cases.Caser

	mu     sync.Mutex
	clocks map[string]*billing.Handle
}

// NewSessionService wires a SessionService. notifier may be nil.
func NewSessionService(db *gorm.DB, meter *billing.Meter, locks lock.Locker, out *Outbox, notifier Notifier, interval time.Duration, log zerolog.Logger) *SessionService {
	if locks == nil {
		locks = lock.NewKeyedMutex()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &SessionService{
		DB:       db,
		Meter:    meter,
		Locks:    locks,
		Out:      out,
		Notifier: notifier,
		Interval: interval,
		Log:      log.With().Str("component", "sessions").Logger(),
		title:    cases.Title(language.Und),
		clocks:   make(map[string]*billing.Handle),
	}
}

// Ended is the outcome of a session termination.
type Ended struct {
	Session     *domain.ChatSession
	Transaction *domain.Transaction
	Minutes     int64
}

func (s *SessionService) now() time.Time { return s.Meter.Clock().Now().UTC() }

// OpenSession accepts req and starts a billed session. The request
// transition, the astrologer claim, the first-interval debit, the session row
// and tick 1 commit together or not at all.
func (s *SessionService) OpenSession(ctx context.Context, req *domain.ChatRequest) (*domain.ChatSession, error) {
	ctx, span := observability.Tracer("services/session").Start(ctx, "OpenSession",
		trace.WithAttributes(attribute.String("request.id", req.ID), attribute.String("astrologer.id", req.AstrologerID)),
	)
	defer span.End()

	astro, err := repo.GetAstrologer(ctx, s.DB, req.AstrologerID)
	if err != nil {
		return nil, notFoundOr(err, "astrologer not found")
	}
	if astro.IsBlocked {
		return nil, ErrUnavailable
	}
	rate := astro.RateFor(req.Type)
	now := s.now()

	var (
		sess       *domain.ChatSession
		balanceWas int64
	)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := repo.GetUser(ctx, tx, req.UserID)
		if err != nil {
			return notFoundOr(err, "user not found")
		}
		balanceWas = u.Balance

		if err := repo.ResolveChatRequest(ctx, tx, req.ID, domain.RequestAccepted, now); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return ErrAlreadyResolved
			}
			return notFoundOr(err, "chat request not found")
		}
		if err := repo.ClaimAstrologer(ctx, tx, req.AstrologerID); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return ErrUnavailable.With("astrologer is busy")
			}
			return notFoundOr(err, "astrologer not found")
		}
		if rate > 0 {
			if err := repo.LockFunds(ctx, tx, req.UserID, rate); err != nil {
				if errors.Is(err, repo.ErrInsufficientFunds) {
					return ErrInsufficientFunds
				}
				return notFoundOr(err, "user not found")
			}
		}
		sess, err = repo.CreateSession(ctx, tx, req, rate, now)
		if err != nil {
			return err
		}
		if rate > 0 {
			if _, err := repo.RecordTick(ctx, tx, sess.ID, 1, rate, now); err != nil {
				return err
			}
			sess.TickCount, sess.BilledAmount = 1, rate
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	req.Status = domain.RequestAccepted
	req.RespondedAt = &now

	if err := s.startClock(sess.ID, s.Interval); err != nil {
		// The session is committed; Resume picks it up on the next boot.
		s.Log.Error().Err(err).Str("session_id", sess.ID).Msg("billing clock not started")
	}
	observability.ChatRequests.WithLabelValues("accepted").Inc()
	observability.BilledAmount.Add(float64(sess.BilledAmount))

	user, _ := repo.GetUser(ctx, s.DB, sess.UserID)
	view := SessionView{
		SessionID:    sess.ID,
		RequestID:    req.ID,
		UserID:       sess.UserID,
		AstrologerID: sess.AstrologerID,
		Type:         sess.Type,
		Rate:         rate,
		MaxMinutes:   MaxMinutes(balanceWas, rate),
		StartedAt:    sess.StartedAt,
	}
	if user != nil {
		view.UserName = user.Name
		s.Out.To(user.ID, domain.RoleUser, EventWalletUpdate, WalletViewOf(user))
	}
	s.Out.To(sess.UserID, domain.RoleUser, EventChatRequestAccepted, view)
	s.Out.To(sess.AstrologerID, domain.RoleAstrologer, EventChatSessionStarted, view)

	astro.IsBusy = true
	s.Out.Broadcast(EventAstrologerStatus, astrologerStatus(astro))

	s.Notifier.Notify(ctx, notify.Notification{
		RecipientID:   sess.UserID,
		RecipientRole: domain.RoleUser,
		SenderID:      astro.ID,
		SenderRole:    domain.RoleAstrologer,
		Kind:          domain.NotifyChatAccepted,
		Title:         "Chat request accepted",
		Body:          fmt.Sprintf("%s accepted your chat request", s.title.String(astro.Name)),
		SessionID:     sess.ID,
	})
	return sess, nil
}

// EndSession terminates a session on behalf of one of its participants.
func (s *SessionService) EndSession(ctx context.Context, sessionID, initiatorID, initiatorRole string) (*Ended, error) {
	ctx, span := observability.Tracer("services/session").Start(ctx, "EndSession",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.String("initiator.role", initiatorRole)),
	)
	defer span.End()

	unlock, err := s.Locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		return nil, notFoundOr(err, "chat session not found")
	}
	if !sess.Active() {
		return nil, ErrInvalidState.With("chat session already ended")
	}
	if !sess.HasParticipant(initiatorID) || roleOf(sess, initiatorID) != initiatorRole {
		return nil, ErrUnauthorized.With("not a participant of this session")
	}

	reason := domain.EndReasonUser
	if initiatorRole == domain.RoleAstrologer {
		reason = domain.EndReasonAstrologer
	}
	return s.endLocked(ctx, sess, reason, initiatorID)
}

// endLocked settles and closes sess. The caller holds the session lock.
func (s *SessionService) endLocked(ctx context.Context, sess *domain.ChatSession, reason, endedBy string) (*Ended, error) {
	astro, err := repo.GetAstrologer(ctx, s.DB, sess.AstrologerID)
	if err != nil {
		return nil, notFoundOr(err, "astrologer not found")
	}

	now := s.now()
	minutes := ElapsedMinutes(sess.StartedAt, now)
	var txn *domain.Transaction

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CloseSession(ctx, tx, sess.ID, reason, now); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return ErrInvalidState.With("chat session already ended")
			}
			return notFoundOr(err, "chat session not found")
		}
		total, ticks, err := repo.SumTicks(ctx, tx, sess.ID)
		if err != nil {
			return err
		}
		if want := sess.Rate * minutes; want != total {
			s.Log.Info().
				Str("session_id", sess.ID).
				Int64("ticked", total).
				Int("ticks", ticks).
				Int64("elapsed_amount", want).
				Int64("minutes", minutes).
				Msg("settling on recorded ticks")
		}

		id := sess.ID
		txn = &domain.Transaction{
			UserID:       sess.UserID,
			AstrologerID: sess.AstrologerID,
			SessionID:    &id,
			Amount:       total,
			Type:         sess.Type,
			Description:  s.describe(sess.Type, astro.Name, minutes),
			Duration:     DurationLabel(minutes),
			Status:       domain.TxSuccess,
			CreatedAt:    now,
		}
		if err := repo.CreateTransaction(ctx, tx, txn); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrInvalidState.With("chat session already settled")
			}
			return err
		}
		if total > 0 {
			if err := repo.ReleaseLocked(ctx, tx, sess.UserID, total); err != nil {
				return fmt.Errorf("release locked funds: %w", err)
			}
			if err := repo.CreditAstrologerLocked(ctx, tx, sess.AstrologerID, total); err != nil {
				return fmt.Errorf("credit astrologer: %w", err)
			}
		}
		return repo.ReleaseAstrologer(ctx, tx, sess.AstrologerID)
	})
	if err != nil {
		return nil, err
	}

	s.stopClock(sess.ID)
	observability.SessionsEnded.WithLabelValues(reason).Inc()

	sess.Status = domain.SessionEnded
	sess.EndReason = reason
	sess.EndedAt = &now

	if s.Invoicer != nil {
		if _, err := s.Invoicer.Generate(ctx, txn.ID); err != nil {
			s.Log.Warn().Err(err).Str("transaction_id", txn.ID).Msg("invoice not generated")
			observability.CountFailure("invoice")
		}
	}

	ended := SessionEnded{
		SessionID:     sess.ID,
		Reason:        reason,
		EndedBy:       endedBy,
		Minutes:       minutes,
		Amount:        txn.Amount,
		TransactionID: txn.ID,
		EndedAt:       now,
	}
	if u, err := repo.GetUser(ctx, s.DB, sess.UserID); err == nil {
		s.Out.To(u.ID, domain.RoleUser, EventWalletUpdate, WalletViewOf(u))
	}
	s.Out.To(sess.UserID, domain.RoleUser, EventChatSessionEnded, ended)
	s.Out.To(sess.AstrologerID, domain.RoleAstrologer, EventChatSessionEnded, ended)

	astro.IsBusy = false
	s.Out.Broadcast(EventAstrologerStatus, astrologerStatus(astro))

	body := fmt.Sprintf("Your chat session ended after %s", DurationLabel(minutes))
	for _, p := range []struct{ id, role string }{
		{sess.UserID, domain.RoleUser},
		{sess.AstrologerID, domain.RoleAstrologer},
	} {
		s.Notifier.Notify(ctx, notify.Notification{
			RecipientID:   p.id,
			RecipientRole: p.role,
			Kind:          domain.NotifyChatEnded,
			Title:         "Chat session ended",
			Body:          body,
			SessionID:     sess.ID,
			Data:          map[string]any{"reason": reason, "amount": txn.Amount},
		})
	}

	s.Log.Info().
		Str("session_id", sess.ID).
		Str("reason", reason).
		Int64("minutes", minutes).
		Int64("amount", txn.Amount).
		Msg("session ended")
	return &Ended{Session: sess, Transaction: txn, Minutes: minutes}, nil
}

// billTick returns the clock callback of one session.
func (s *SessionService) billTick(sessionID string) billing.TickFunc {
	return func(ctx context.Context, at time.Time) (billing.Decision, error) {
		unlock, err := s.Locks.Lock(ctx, sessionID)
		if err != nil {
			observability.BillingTicks.WithLabelValues("failed").Inc()
			return billing.Stop, err
		}
		defer unlock()

		sess, err := repo.GetSession(ctx, s.DB, sessionID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				observability.BillingTicks.WithLabelValues("stopped").Inc()
				return billing.Stop, nil
			}
			observability.BillingTicks.WithLabelValues("failed").Inc()
			return billing.Stop, err
		}
		if !sess.Active() {
			observability.BillingTicks.WithLabelValues("stopped").Inc()
			return billing.Stop, nil
		}
		if sess.Rate == 0 {
			return billing.Continue, nil
		}

		user, err := repo.GetUser(ctx, s.DB, sess.UserID)
		if err != nil {
			observability.BillingTicks.WithLabelValues("failed").Inc()
			return billing.Stop, err
		}
		if user.Balance < sess.Rate {
			return s.endForFunds(ctx, sess)
		}

		at = at.UTC()
		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := repo.LockFunds(ctx, tx, sess.UserID, sess.Rate); err != nil {
				return err
			}
			_, err := repo.RecordTick(ctx, tx, sess.ID, sess.TickCount+1, sess.Rate, at)
			return err
		})
		switch {
		case errors.Is(err, repo.ErrInsufficientFunds):
			return s.endForFunds(ctx, sess)
		case errors.Is(err, repo.ErrDuplicate):
			// Another holder of the session lock billed this slot already.
			return billing.Continue, nil
		case err != nil:
			observability.BillingTicks.WithLabelValues("failed").Inc()
			return billing.Stop, err
		}

		observability.BillingTicks.WithLabelValues("charged").Inc()
		observability.BilledAmount.Add(float64(sess.Rate))
		if u, err := repo.GetUser(ctx, s.DB, sess.UserID); err == nil {
			s.Out.To(u.ID, domain.RoleUser, EventWalletUpdate, WalletViewOf(u))
		}
		return billing.Continue, nil
	}
}

func (s *SessionService) endForFunds(ctx context.Context, sess *domain.ChatSession) (billing.Decision, error) {
	observability.BillingTicks.WithLabelValues("ended").Inc()
	if _, err := s.endLocked(ctx, sess, domain.EndReasonInsufficientBalance, ""); err != nil {
		return billing.Stop, err
	}
	return billing.Stop, nil
}

// Resume restarts the clocks of sessions left active by a previous process.
// Each clock keeps its cadence: the next tick is due one interval after the
// last recorded one, immediately when that moment has passed.
func (s *SessionService) Resume(ctx context.Context) (int, error) {
	active, err := repo.ListActiveSessions(ctx, s.DB)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, sess := range active {
		if s.Running(sess.ID) {
			continue
		}
		first := sess.LastTickAt.Add(s.Interval).Sub(now)
		if err := s.startClockAfter(sess.ID, first, s.Interval); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		s.Log.Info().Int("sessions", n).Msg("billing clocks resumed")
	}
	return n, nil
}

// Get returns a session by id.
func (s *SessionService) Get(ctx context.Context, id string) (*domain.ChatSession, error) {
	sess, err := repo.GetSession(ctx, s.DB, id)
	if err != nil {
		return nil, notFoundOr(err, "chat session not found")
	}
	return sess, nil
}

// Running reports whether this process runs the session's clock.
func (s *SessionService) Running(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clocks[sessionID]
	return ok
}

func (s *SessionService) startClock(sessionID string, interval time.Duration) error {
	return s.startClockAfter(sessionID, interval, interval)
}

func (s *SessionService) startClockAfter(sessionID string, first, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clocks[sessionID]; ok {
		return nil
	}
	h, err := s.Meter.StartAfter(sessionID, first, interval, s.billTick(sessionID))
	if err != nil {
		return err
	}
	s.clocks[sessionID] = h
	observability.ActiveSessions.Inc()

	go func() {
		<-h.Done()
		s.mu.Lock()
		if s.clocks[sessionID] == h {
			delete(s.clocks, sessionID)
		}
		s.mu.Unlock()
		observability.ActiveSessions.Dec()
	}()
	return nil
}

func (s *SessionService) stopClock(sessionID string) {
	s.mu.Lock()
	h := s.clocks[sessionID]
	s.mu.Unlock()
	if h != nil {
		h.Stop()
	}
}

func (s *SessionService) describe(kind, astrologer string, minutes int64) string {
	return fmt.Sprintf("%s with %s for %s", kindLabel(kind), s.title.String(astrologer), DurationLabel(minutes))
}

func kindLabel(kind string) string {
	switch kind {
	case domain.ConsultVoice:
		return "Voice call"
	case domain.ConsultVideo:
		return "Video call"
	default:
		return "Chat"
	}
}

func roleOf(sess *domain.ChatSession, id string) string {
	if id == sess.UserID {
		return domain.RoleUser
	}
	return domain.RoleAstrologer
}

// ElapsedMinutes returns the whole minutes between start and end, rounded
// up, never less than one.
func ElapsedMinutes(start, end time.Time) int64 {
	d := end.Sub(start)
	if d <= 0 {
		return 1
	}
	m := int64((d + time.Minute - 1) / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}

// DurationLabel renders minutes as "1 minute" or "N minutes".
func DurationLabel(minutes int64) string {
	if minutes == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", minutes)
}

// MaxMinutes is how many whole minutes balance pays for at rate. Zero rate
// means unmetered and reports 0.
func MaxMinutes(balance, rate int64) int64 {
	if rate <= 0 || balance <= 0 {
		return 0
	}
	return balance / rate
}

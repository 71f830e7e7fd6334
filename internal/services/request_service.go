package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/billing"
	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/lock"
	"github.com/tbourn/astro-consult-backend/internal/notify"
	"github.com/tbourn/astro-consult-backend/internal/observability"
	"github.com/tbourn/astro-consult-backend/internal/repo"
)

// RequestService negotiates chat requests between users and astrologers.
// Accepted requests are handed to Sessions.
type RequestService struct {
	DB       *gorm.DB
	Sessions *SessionService
	Locks    lock.Locker
	Out      *Outbox
	Notifier Notifier
	Clock    billing.Clock
	// TTL is how long a request may stay pending before it expires.
	TTL time.Duration
	Log zerolog.Logger
}

// NewRequestService wires a RequestService sharing the session service's
// clock and locks.
func NewRequestService(db *gorm.DB, sessions *SessionService, ttl time.Duration, log zerolog.Logger) *RequestService {
	return &RequestService{
		DB:       db,
		Sessions: sessions,
		Locks:    lock.NewKeyedMutex(),
		Out:      sessions.Out,
		Notifier: sessions.Notifier,
		Clock:    sessions.Meter.Clock(),
		TTL:      ttl,
		Log:      log.With().Str("component", "requests").Logger(),
	}
}

func (s *RequestService) now() time.Time { return s.Clock.Now().UTC() }

// CreateRequest records a pending request from userID to astrologerID and
// alerts the astrologer. kind defaults to chat.
//
// Checks run in order: astrologer exists, user exists, astrologer is online,
// free and not blocked, no pending request for the pair, and the user can pay
// one minute at the astrologer's rate for kind.
func (s *RequestService) CreateRequest(ctx context.Context, userID, astrologerID, kind string) (*domain.ChatRequest, error) {
	ctx, span := observability.Tracer("services/request").Start(ctx, "CreateRequest",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.String("astrologer.id", astrologerID)),
	)
	defer span.End()

	req, err := s.createRequest(ctx, userID, astrologerID, kind)
	if err != nil {
		observability.ChatRequests.WithLabelValues(string(CodeOf(err))).Inc()
		return nil, err
	}
	observability.ChatRequests.WithLabelValues("created").Inc()
	return req, nil
}

func (s *RequestService) createRequest(ctx context.Context, userID, astrologerID, kind string) (*domain.ChatRequest, error) {
	if kind == "" {
		kind = domain.ConsultChat
	}
	switch kind {
	case domain.ConsultChat, domain.ConsultVoice, domain.ConsultVideo:
	default:
		return nil, ErrInvalidAction.With("unknown consultation type %q", kind)
	}

	astro, err := repo.GetAstrologer(ctx, s.DB, astrologerID)
	if err != nil {
		return nil, notFoundOr(err, "astrologer not found")
	}
	user, err := repo.GetUser(ctx, s.DB, userID)
	if err != nil {
		return nil, notFoundOr(err, "user not found")
	}
	switch {
	case astro.IsBlocked:
		return nil, ErrUnavailable.With("astrologer is not taking requests")
	case astro.Status != domain.StatusOnline:
		return nil, ErrUnavailable.With("astrologer is offline")
	case astro.IsBusy:
		return nil, ErrUnavailable.With("astrologer is busy")
	}

	// One pending request per pair: serialize creators of the same pair.
	unlock, err := s.Locks.Lock(ctx, "req:"+userID+":"+astrologerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := s.ExpireStale(ctx); err != nil {
		s.Log.Warn().Err(err).Msg("stale request sweep failed")
	}
	if _, err := repo.FindPendingRequest(ctx, s.DB, userID, astrologerID); err == nil {
		return nil, ErrDuplicateRequest
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	if rate := astro.RateFor(kind); user.Balance < rate {
		return nil, ErrInsufficientFunds.With("balance %d is below the rate of %d per minute", user.Balance, rate)
	}

	req, err := repo.CreateChatRequest(ctx, s.DB, userID, astrologerID, kind, s.now())
	if err != nil {
		return nil, err
	}

	s.Out.To(astrologerID, domain.RoleAstrologer, EventChatRequestReceived, RequestView{
		RequestID:    req.ID,
		UserID:       user.ID,
		UserName:     user.Name,
		AstrologerID: astrologerID,
		Type:         req.Type,
		Status:       req.Status,
		CreatedAt:    req.CreatedAt,
	})
	s.Notifier.Notify(ctx, notify.Notification{
		RecipientID:   astrologerID,
		RecipientRole: domain.RoleAstrologer,
		SenderID:      user.ID,
		SenderRole:    domain.RoleUser,
		Kind:          domain.NotifyChatRequest,
		Title:         "New chat request",
		Body:          fmt.Sprintf("%s wants to chat with you", user.Name),
		Data:          map[string]any{"requestId": req.ID, "type": req.Type},
	})
	return req, nil
}

// Responded is the outcome of RespondToRequest.
type Responded struct {
	Request *domain.ChatRequest
	// Session is set when the request was accepted.
	Session *domain.ChatSession
}

// RespondToRequest applies the astrologer's accept or reject. Accepting
// opens the billed session.
func (s *RequestService) RespondToRequest(ctx context.Context, requestID, astrologerID, action string) (*Responded, error) {
	ctx, span := observability.Tracer("services/request").Start(ctx, "RespondToRequest",
		trace.WithAttributes(attribute.String("request.id", requestID), attribute.String("action", action)),
	)
	defer span.End()

	if action != ActionAccept && action != ActionReject {
		return nil, ErrInvalidAction.With("action must be %q or %q", ActionAccept, ActionReject)
	}

	req, err := repo.GetChatRequest(ctx, s.DB, requestID)
	if err != nil {
		return nil, notFoundOr(err, "chat request not found")
	}
	if req.AstrologerID != astrologerID {
		return nil, ErrUnauthorized.With("request is addressed to another astrologer")
	}
	if req.Status != domain.RequestPending {
		return nil, ErrAlreadyResolved.With("chat request is %s", req.Status)
	}
	if s.TTL > 0 && s.now().Sub(req.CreatedAt) > s.TTL {
		s.expire(ctx)
		return nil, ErrAlreadyResolved.With("chat request expired")
	}

	if action == ActionAccept {
		sess, err := s.Sessions.OpenSession(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Responded{Request: req, Session: sess}, nil
	}

	now := s.now()
	if err := repo.ResolveChatRequest(ctx, s.DB, req.ID, domain.RequestRejected, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil, ErrAlreadyResolved
		}
		return nil, notFoundOr(err, "chat request not found")
	}
	req.Status = domain.RequestRejected
	req.RespondedAt = &now
	observability.ChatRequests.WithLabelValues("rejected").Inc()

	s.Out.To(req.UserID, domain.RoleUser, EventChatRequestRejected, RequestViewOf(req))
	s.Notifier.Notify(ctx, notify.Notification{
		RecipientID:   req.UserID,
		RecipientRole: domain.RoleUser,
		SenderID:      astrologerID,
		SenderRole:    domain.RoleAstrologer,
		Kind:          domain.NotifyChatRejected,
		Title:         "Chat request declined",
		Body:          "The astrologer is unable to take your chat right now",
		Data:          map[string]any{"requestId": req.ID},
	})
	return &Responded{Request: req}, nil
}

// Get returns a request by id.
func (s *RequestService) Get(ctx context.Context, id string) (*domain.ChatRequest, error) {
	req, err := repo.GetChatRequest(ctx, s.DB, id)
	if err != nil {
		return nil, notFoundOr(err, "chat request not found")
	}
	return req, nil
}

// ExpireStale expires every request pending for longer than TTL and tells
// both parties. It returns how many requests expired.
func (s *RequestService) ExpireStale(ctx context.Context) (int, error) {
	if s.TTL <= 0 {
		return 0, nil
	}
	now := s.now()
	stale, err := repo.ExpirePendingRequests(ctx, s.DB, now.Add(-s.TTL), now)
	if err != nil {
		return 0, err
	}
	for i := range stale {
		v := RequestViewOf(&stale[i])
		s.Out.To(stale[i].UserID, domain.RoleUser, EventChatRequestExpired, v)
		s.Out.To(stale[i].AstrologerID, domain.RoleAstrologer, EventChatRequestExpired, v)
	}
	if len(stale) > 0 {
		observability.ChatRequests.WithLabelValues("expired").Add(float64(len(stale)))
		s.Log.Info().Int("requests", len(stale)).Msg("pending requests expired")
	}
	return len(stale), nil
}

func (s *RequestService) expire(ctx context.Context) {
	if _, err := s.ExpireStale(ctx); err != nil {
		s.Log.Warn().Err(err).Msg("stale request sweep failed")
	}
}

// Janitor sweeps stale requests every interval until ctx is done.
func (s *RequestService) Janitor(ctx context.Context, every time.Duration) error {
	t := s.Clock.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			s.expire(ctx)
		}
	}
}

// RequestViewOf converts a request row to its wire form.
func RequestViewOf(r *domain.ChatRequest) RequestView {
	return RequestView{
		RequestID:    r.ID,
		UserID:       r.UserID,
		AstrologerID: r.AstrologerID,
		Type:         r.Type,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
	}
}

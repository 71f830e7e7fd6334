// Package services – MessageService
//
// MessageService relays chat lines between the two participants of an active
// session: sending, editing, soft-deleting, read receipts and typing
// indicators. Messages are persisted before delivery; delivery itself is
// best-effort, and a recipient who is offline picks the message up from the
// history endpoint later. Push notifications and the stream mirror never fail
// the sender.
//
// Observability: public methods open OpenTelemetry spans tagged with the
// session or message id.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

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

// MessageService relays chat messages.
type MessageService struct {
	DB       *gorm.DB
	Out      *Outbox
	Notifier Notifier
	Mirror   Mirror

	// MaxRunes caps message bodies; zero disables the cap.
	MaxRunes int
	Log      zerolog.Logger
}

// NewMessageService wires a MessageService. notifier and mirror may be nil.
func NewMessageService(db *gorm.DB, out *Outbox, notifier Notifier, mirror Mirror, maxRunes int, log zerolog.Logger) *MessageService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if mirror == nil {
		mirror = nopMirror{}
	}
	return &MessageService{
		DB:       db,
		Out:      out,
		Notifier: notifier,
		Mirror:   mirror,
		MaxRunes: maxRunes,
		Log:      log.With().Str("component", "messages").Logger(),
	}
}

func (s *MessageService) body(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrInvalidMessage.With("message is empty")
	}
	if s.MaxRunes > 0 && utf8.RuneCountInString(body) > s.MaxRunes {
		return "", ErrInvalidMessage.With("message exceeds %d characters", s.MaxRunes)
	}
	return body, nil
}

// Send stores a message from a session participant and delivers it to the
// other participant if online.
func (s *MessageService) Send(ctx context.Context, sessionID, senderID, senderRole, body string) (*domain.Message, error) {
	ctx, span := observability.Tracer("services/message").Start(ctx, "Send",
		trace.WithAttributes(attribute.String("session.id", sessionID), attribute.String("sender.role", senderRole)),
	)
	defer span.End()

	body, err := s.body(body)
	if err != nil {
		return nil, err
	}
	sess, err := repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrInvalidSession.With("chat session not found")
		}
		return nil, err
	}
	if !sess.Active() {
		return nil, ErrInvalidSession
	}
	if !sess.HasParticipant(senderID) || roleOf(sess, senderID) != senderRole {
		return nil, ErrUnauthorized.With("not a participant of this session")
	}

	recipientID, recipientRole := sess.Counterpart(senderID)
	m, err := repo.CreateMessage(ctx, s.DB, sess.ID, senderID, senderRole, recipientID, recipientRole, body)
	if err != nil {
		return nil, err
	}
	observability.Messages.WithLabelValues("send").Inc()

	s.Out.To(recipientID, recipientRole, EventNewMessage, MessageViewOf(m))
	s.Notifier.Notify(ctx, notify.Notification{
		RecipientID:   recipientID,
		RecipientRole: recipientRole,
		SenderID:      senderID,
		SenderRole:    senderRole,
		Kind:          domain.NotifyNewMessage,
		Title:         "New message",
		Body:          preview(body, 80),
		SessionID:     sess.ID,
		Data:          map[string]any{"messageId": m.ID},
	})
	s.Mirror.Append(ctx, m)
	return m, nil
}

// Edit replaces the body of requesterID's own message.
func (s *MessageService) Edit(ctx context.Context, messageID, requesterID, body string) (*domain.Message, error) {
	ctx, span := observability.Tracer("services/message").Start(ctx, "Edit",
		trace.WithAttributes(attribute.String("message.id", messageID)),
	)
	defer span.End()

	body, err := s.body(body)
	if err != nil {
		return nil, err
	}
	m, err := s.own(ctx, messageID, requesterID)
	if err != nil {
		return nil, err
	}
	if m.DeletedForEveryone {
		return nil, ErrInvalidState.With("message was deleted")
	}
	if err := repo.EditMessage(ctx, s.DB, m.ID, body); err != nil {
		return nil, notFoundOr(err, "message not found")
	}
	if m, err = repo.GetMessage(ctx, s.DB, m.ID); err != nil {
		return nil, err
	}
	observability.Messages.WithLabelValues("edit").Inc()

	if m.VisibleTo(m.RecipientID) {
		s.Out.To(m.RecipientID, m.RecipientRole, EventMessageUpdated, MessageViewOf(m))
	}
	return m, nil
}

// Delete soft-deletes requesterID's own message, for everyone or for the
// sender only.
func (s *MessageService) Delete(ctx context.Context, messageID, requesterID string, forEveryone bool) (*domain.Message, error) {
	ctx, span := observability.Tracer("services/message").Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("message.id", messageID), attribute.Bool("for_everyone", forEveryone)),
	)
	defer span.End()

	m, err := s.own(ctx, messageID, requesterID)
	if err != nil {
		return nil, err
	}
	if err := repo.SoftDeleteMessage(ctx, s.DB, m.ID, forEveryone); err != nil {
		return nil, notFoundOr(err, "message not found")
	}
	if forEveryone {
		m.DeletedForEveryone = true
	} else {
		m.DeletedForSender = true
	}
	observability.Messages.WithLabelValues("delete").Inc()

	s.Out.To(m.RecipientID, m.RecipientRole, EventMessageDeleted, MessageDeleted{
		MessageID:   m.ID,
		SessionID:   m.SessionID,
		DeletedBy:   requesterID,
		ForEveryone: forEveryone,
	})
	return m, nil
}

// MarkRead flags every unread message from senderID to readerID as read
// and sends the sender a receipt.
func (s *MessageService) MarkRead(ctx context.Context, senderID, senderRole, readerID string) (int64, error) {
	ctx, span := observability.Tracer("services/message").Start(ctx, "MarkRead")
	defer span.End()

	if senderID == "" {
		return 0, ErrInvalidAction.With("sender id is required")
	}
	n, err := repo.MarkMessagesRead(ctx, s.DB, senderID, readerID)
	if err != nil {
		return 0, err
	}
	observability.Messages.WithLabelValues("read").Inc()
	if n > 0 {
		s.Out.To(senderID, senderRole, EventMessagesRead, ReadReceipt{SenderID: senderID, RecipientID: readerID, Count: n})
	}
	return n, nil
}

// Typing forwards a typing indicator to the other party of an active
// session. It reports whether the recipient was online; nothing is stored.
func (s *MessageService) Typing(ctx context.Context, senderID, senderRole, recipientID string, typing bool) (bool, error) {
	if senderID == "" || recipientID == "" {
		return false, ErrInvalidAction.With("sender and recipient are required")
	}
	userID, astrologerID := senderID, recipientID
	if senderRole == domain.RoleAstrologer {
		userID, astrologerID = recipientID, senderID
	}
	paired, err := repo.HasActiveSessionBetween(ctx, s.DB, userID, astrologerID)
	if err != nil {
		return false, err
	}
	if !paired {
		return false, ErrInvalidSession.With("no active chat session with this recipient")
	}

	event := EventUserStoppedTyping
	if typing {
		event = EventUserTyping
	}
	return s.Out.To(recipientID, counterRole(senderRole), event, TypingView{SenderID: senderID, SenderRole: senderRole}), nil
}

// History returns a page of the session's messages as viewerID sees them,
// newest last, plus the total visible count.
func (s *MessageService) History(ctx context.Context, sessionID, viewerID string, page, pageSize int) ([]domain.Message, int64, error) {
	ctx, span := observability.Tracer("services/message").Start(ctx, "History",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	_, pageSize, offset := utils.Window(page, pageSize, 50)
	sess, err := repo.GetSession(ctx, s.DB, sessionID)
	if err != nil {
		return nil, 0, notFoundOr(err, "chat session not found")
	}
	if !sess.HasParticipant(viewerID) {
		return nil, 0, ErrUnauthorized.With("not a participant of this session")
	}

	total, err := repo.CountSessionMessages(ctx, s.DB, sessionID, viewerID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := repo.ListSessionMessagesPage(ctx, s.DB, sessionID, viewerID, offset, pageSize)
	return items, total, err
}

// own loads a message and checks that requesterID sent it.
func (s *MessageService) own(ctx context.Context, messageID, requesterID string) (*domain.Message, error) {
	m, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil {
		return nil, notFoundOr(err, "message not found")
	}
	if m.SenderID != requesterID {
		return nil, ErrUnauthorized.With("only the sender can change a message")
	}
	return m, nil
}

func counterRole(role string) string {
	if role == domain.RoleAstrologer {
		return domain.RoleUser
	}
	return domain.RoleAstrologer
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return fmt.Sprintf("%s…", string(r[:n]))
}

// Package notify holds the best-effort side channels of the chat core: push
// notifications and the durable message mirror.
//
// Dispatcher persists every notification and, when Redis is configured,
// publishes a push job for the recipient's device token on a pub/sub channel
// consumed by a separate push worker. Mirror appends each chat message to a
// Redis stream for downstream archiving. Neither ever returns an error to the
// caller: failures are logged and counted, and the primary operation that
// triggered them stands.
package notify

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/repo"
)

// DefaultPushChannel is the pub/sub channel push jobs are published on.
const DefaultPushChannel = "push:notifications"

// Notification is one outbound notice.
type Notification struct {
	RecipientID   string
	RecipientRole string
	SenderID      string
	SenderRole    string
	Kind          string
	Title         string
	Body          string
	SessionID     string
	Data          map[string]any
}

// PushJob is the payload published for the push worker.
type PushJob struct {
	NotificationID string         `json:"notification_id"`
	Token          string         `json:"token"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	Data           map[string]any `json:"data,omitempty"`
}

// Dispatcher persists notifications and publishes push jobs.
type Dispatcher struct {
	DB      *gorm.DB
	Redis   redis.UniversalClient // nil disables publishing
	Channel string
	Timeout time.Duration
	Log     zerolog.Logger

	// OnFailure, when set, is called once per swallowed failure.
	OnFailure func(stage string)
}

// NewDispatcher returns a Dispatcher publishing on DefaultPushChannel.
func NewDispatcher(db *gorm.DB, rdb redis.UniversalClient, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		DB:      db,
		Redis:   rdb,
		Channel: DefaultPushChannel,
		Timeout: 3 * time.Second,
		Log:     log.With().Str("component", "notify").Logger(),
	}
}

// Notify records n and queues a push for it. It never fails the caller.
func (d *Dispatcher) Notify(ctx context.Context, n Notification) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.Timeout)
	defer cancel()

	lg := d.Log.With().
		Str("recipient_id", n.RecipientID).
		Str("recipient_role", n.RecipientRole).
		Str("kind", n.Kind).
		Logger()

	row := &domain.Notification{
		RecipientID:   n.RecipientID,
		RecipientRole: n.RecipientRole,
		SenderID:      n.SenderID,
		SenderRole:    n.SenderRole,
		Kind:          n.Kind,
		Title:         n.Title,
		Body:          n.Body,
		SessionID:     n.SessionID,
		Data:          n.Data,
	}
	if err := repo.CreateNotification(ctx, d.DB, row); err != nil {
		lg.Warn().Err(err).Msg("notification not persisted")
		d.fail("persist")
	}

	if d.Redis == nil {
		return
	}
	token, err := d.pushToken(ctx, n.RecipientID, n.RecipientRole)
	if err != nil {
		lg.Warn().Err(err).Msg("push token lookup failed")
		d.fail("token")
		return
	}
	if token == "" {
		return
	}
	payload, err := json.Marshal(PushJob{
		NotificationID: row.ID,
		Token:          token,
		Title:          n.Title,
		Body:           n.Body,
		Data:           n.Data,
	})
	if err != nil {
		lg.Warn().Err(err).Msg("push job not encoded")
		d.fail("encode")
		return
	}
	if err := d.Redis.Publish(ctx, d.Channel, payload).Err(); err != nil {
		lg.Warn().Err(err).Msg("push job not published")
		d.fail("publish")
	}
}

func (d *Dispatcher) pushToken(ctx context.Context, id, role string) (string, error) {
	switch role {
	case domain.RoleAstrologer:
		a, err := repo.GetAstrologer(ctx, d.DB, id)
		if err != nil {
			return "", err
		}
		return a.PushToken, nil
	default:
		u, err := repo.GetUser(ctx, d.DB, id)
		if err != nil {
			return "", err
		}
		return u.PushToken, nil
	}
}

func (d *Dispatcher) fail(stage string) {
	if d.OnFailure != nil {
		d.OnFailure(stage)
	}
}

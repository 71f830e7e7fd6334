package notify

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tbourn/astro-consult-backend/internal/domain"
)

// DefaultMirrorStream is the Redis stream chat messages are mirrored to.
const DefaultMirrorStream = "chat:messages"

// Mirror appends chat messages to a capped Redis stream.
type Mirror struct {
	Redis   redis.UniversalClient // nil disables mirroring
	Stream  string
	MaxLen  int64
	Timeout time.Duration
	Log     zerolog.Logger

	OnFailure func(stage string)
}

// NewMirror returns a Mirror writing to DefaultMirrorStream.
func NewMirror(rdb redis.UniversalClient, log zerolog.Logger) *Mirror {
	return &Mirror{
		Redis:   rdb,
		Stream:  DefaultMirrorStream,
		MaxLen:  100000,
		Timeout: 2 * time.Second,
		Log:     log.With().Str("component", "mirror").Logger(),
	}
}

// Append mirrors m. Failures are logged only.
func (m *Mirror) Append(ctx context.Context, msg *domain.Message) {
	if m == nil || m.Redis == nil || msg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.Timeout)
	defer cancel()

	err := m.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: m.Stream,
		MaxLen: m.MaxLen,
		Approx: true,
		Values: map[string]any{
			"id":             msg.ID,
			"session_id":     msg.SessionID,
			"sender_id":      msg.SenderID,
			"sender_role":    msg.SenderRole,
			"recipient_id":   msg.RecipientID,
			"recipient_role": msg.RecipientRole,
			"body":           msg.Body,
			"created_at":     msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		m.Log.Warn().Err(err).Str("message_id", msg.ID).Msg("message not mirrored")
		if m.OnFailure != nil {
			m.OnFailure("mirror")
		}
	}
}

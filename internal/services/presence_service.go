package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/observability"
	"github.com/tbourn/astro-consult-backend/internal/presence"
	"github.com/tbourn/astro-consult-backend/internal/repo"
)

// PresenceService applies the side effects of connect and disconnect: the
// astrologer's persisted availability and the status broadcasts.
type PresenceService struct {
	DB       *gorm.DB
	Registry *presence.Registry
	Out      *Outbox
	Log      zerolog.Logger
}

// Joined is the result of a successful join.
type Joined struct {
	ID   string
	Role string
	// Replaced is the connection that held this identity before, if any.
	Replaced presence.ConnID
}

// Join binds conn to (id, role). The entity must exist. Astrologers are
// marked online and the new status is broadcast.
func (s *PresenceService) Join(ctx context.Context, conn presence.ConnID, id, role string) (*Joined, error) {
	ctx, span := observability.Tracer("services/presence").Start(ctx, "Join",
		trace.WithAttributes(attribute.String("participant.id", id), attribute.String("participant.role", role)),
	)
	defer span.End()

	if id == "" {
		return nil, ErrInvalidAction.With("id is required")
	}

	var status StatusChange
	switch role {
	case domain.RoleUser:
		if _, err := repo.GetUser(ctx, s.DB, id); err != nil {
			return nil, notFoundOr(err, "user not found")
		}
		status = StatusChange{ID: id, Role: role, Status: domain.StatusOnline}
	case domain.RoleAstrologer:
		if err := repo.SetAstrologerStatus(ctx, s.DB, id, domain.StatusOnline); err != nil {
			return nil, notFoundOr(err, "astrologer not found")
		}
		a, err := repo.GetAstrologer(ctx, s.DB, id)
		if err != nil {
			return nil, notFoundOr(err, "astrologer not found")
		}
		status = astrologerStatus(a)
	default:
		return nil, ErrInvalidAction.With("role must be %q or %q", domain.RoleUser, domain.RoleAstrologer)
	}

	// A connection that switches identity takes the old one offline first.
	if old, ok := s.Registry.Identity(conn); ok && (old.ID != id || old.Role != role) {
		if e, ok := s.Registry.Unregister(conn); ok {
			s.Log.Info().Str("participant_id", e.ID).Str("role", e.Role).Str("conn_id", string(conn)).Msg("connection switched identity")
			s.offline(ctx, e)
		}
	}

	prev, replaced := s.Registry.Register(id, role, conn)
	if replaced {
		s.Log.Info().Str("participant_id", id).Str("role", role).Str("replaced_conn", string(prev)).Msg("presence replaced")
	}

	s.Out.Broadcast(statusEvent(role), status)
	return &Joined{ID: id, Role: role, Replaced: prev}, nil
}

// Leave handles a closed connection. A connection that was never joined or
// was replaced by a newer one is ignored. Sessions survive disconnects; an
// astrologer who leaves mid-session stays busy.
func (s *PresenceService) Leave(ctx context.Context, conn presence.ConnID) {
	e, ok := s.Registry.Unregister(conn)
	if !ok {
		return
	}
	s.offline(ctx, e)
}

// offline applies the side effects of e leaving: astrologers are persisted
// offline and freed when idle, and the status change is broadcast.
func (s *PresenceService) offline(ctx context.Context, e presence.Entry) {
	ctx, span := observability.Tracer("services/presence").Start(ctx, "Leave",
		trace.WithAttributes(attribute.String("participant.id", e.ID), attribute.String("participant.role", e.Role)),
	)
	defer span.End()

	lg := s.Log.With().Str("participant_id", e.ID).Str("role", e.Role).Logger()

	if e.Role != domain.RoleAstrologer {
		s.Out.Broadcast(EventUserStatus, StatusChange{ID: e.ID, Role: e.Role, Status: domain.StatusOffline})
		return
	}

	if err := repo.SetAstrologerStatus(ctx, s.DB, e.ID, domain.StatusOffline); err != nil {
		lg.Warn().Err(err).Msg("astrologer offline status not persisted")
	}
	busy, err := repo.HasActiveSession(ctx, s.DB, e.ID)
	if err != nil {
		lg.Warn().Err(err).Msg("active session check failed")
	} else if !busy {
		if err := repo.ReleaseAstrologer(ctx, s.DB, e.ID); err != nil {
			lg.Warn().Err(err).Msg("busy flag not cleared")
		}
	}
	s.Out.Broadcast(EventAstrologerStatus, StatusChange{ID: e.ID, Role: e.Role, Status: domain.StatusOffline, IsBusy: busy})
}

func statusEvent(role string) string {
	if role == domain.RoleAstrologer {
		return EventAstrologerStatus
	}
	return EventUserStatus
}

// notFoundOr maps a missing row to ErrNotFound with msg and passes other
// errors through.
func notFoundOr(err error, msg string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return ErrNotFound.With("%s", msg)
	}
	return err
}

package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/astro-consult-backend/internal/domain"
)

func TestCreateChatRequest_FindPending(t *testing.T) {
	db := newTestDB(t, &domain.ChatRequest{})
	ctx := context.Background()
	now := time.Now().UTC()

	r, err := CreateChatRequest(ctx, db, "u1", "a1", domain.ConsultChat, now)
	if err != nil {
		t.Fatalf("CreateChatRequest: %v", err)
	}
	if r.Status != domain.RequestPending || r.RespondedAt != nil {
		t.Fatalf("unexpected request: %+v", r)
	}

	got, err := FindPendingRequest(ctx, db, "u1", "a1")
	if err != nil || got.ID != r.ID {
		t.Fatalf("FindPendingRequest: %+v %v", got, err)
	}
	if _, err := FindPendingRequest(ctx, db, "u1", "a2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other pair, got %v", err)
	}
}

func TestResolveChatRequest_OnlyFromPending(t *testing.T) {
	db := newTestDB(t, &domain.ChatRequest{})
	ctx := context.Background()
	now := time.Now().UTC()
	r, _ := CreateChatRequest(ctx, db, "u1", "a1", domain.ConsultChat, now)

	if err := ResolveChatRequest(ctx, db, r.ID, domain.RequestRejected, now); err != nil {
		t.Fatalf("ResolveChatRequest: %v", err)
	}
	if err := ResolveChatRequest(ctx, db, r.ID, domain.RequestAccepted, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := ResolveChatRequest(ctx, db, "missing", domain.RequestAccepted, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, _ := GetChatRequest(ctx, db, r.ID)
	if got.Status != domain.RequestRejected || got.RespondedAt == nil {
		t.Fatalf("unexpected request after resolve: %+v", got)
	}
	if _, err := FindPendingRequest(ctx, db, "u1", "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("resolved request should not be pending, got %v", err)
	}
}

func TestExpirePendingRequests_OnlyStale(t *testing.T) {
	db := newTestDB(t, &domain.ChatRequest{})
	ctx := context.Background()
	now := time.Now().UTC()

	old, _ := CreateChatRequest(ctx, db, "u1", "a1", domain.ConsultChat, now.Add(-5*time.Minute))
	fresh, _ := CreateChatRequest(ctx, db, "u2", "a1", domain.ConsultChat, now)
	done, _ := CreateChatRequest(ctx, db, "u3", "a1", domain.ConsultChat, now.Add(-10*time.Minute))
	_ = ResolveChatRequest(ctx, db, done.ID, domain.RequestRejected, now)

	expired, err := ExpirePendingRequests(ctx, db, now.Add(-2*time.Minute), now)
	if err != nil {
		t.Fatalf("ExpirePendingRequests: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID || expired[0].Status != domain.RequestExpired {
		t.Fatalf("unexpected expired set: %+v", expired)
	}
	if got, _ := GetChatRequest(ctx, db, fresh.ID); got.Status != domain.RequestPending {
		t.Fatalf("fresh request should stay pending: %+v", got)
	}
	if got, _ := GetChatRequest(ctx, db, done.ID); got.Status != domain.RequestRejected {
		t.Fatalf("resolved request must not be expired: %+v", got)
	}

	again, err := ExpirePendingRequests(ctx, db, now.Add(-2*time.Minute), now)
	if err != nil || len(again) != 0 {
		t.Fatalf("second sweep should be empty, got %d (%v)", len(again), err)
	}
}

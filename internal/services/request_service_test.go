package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/repo"
)

func TestCreateRequest_OfflineAstrologer_Unavailable(t *testing.T) {
	e := newEnv(t)
	off := e.newAstrologer("Meera", 10)

	_, err := e.requests.CreateRequest(e.ctx, e.user.ID, off.ID, "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCreateRequest_RefusalOrder(t *testing.T) {
	e := newEnv(t)

	_, err := e.requests.CreateRequest(e.ctx, "nobody", "nowhere", "")
	assert.ErrorIs(t, err, ErrNotFound, "astrologer is checked first")
	assert.Contains(t, err.Error(), "astrologer")

	_, err = e.requests.CreateRequest(e.ctx, "nobody", e.astro.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "user")

	_, err = e.requests.CreateRequest(e.ctx, e.user.ID, e.astro.ID, "tarot")
	assert.ErrorIs(t, err, ErrInvalidAction)

	require.NoError(t, e.db.Model(&domain.Astrologer{}).Where("id = ?", e.astro.ID).Update("is_blocked", true).Error)
	_, err = e.requests.CreateRequest(e.ctx, e.user.ID, e.astro.ID, "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCreateRequest_BusyAstrologer_Unavailable(t *testing.T) {
	e := newEnv(t)
	e.open()

	other := e.newUser("Kiran", 100)
	_, err := e.requests.CreateRequest(e.ctx, other.ID, e.astro.ID, "")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCreateRequest_PendingThenDuplicate(t *testing.T) {
	e := newEnv(t)

	req, err := e.requests.CreateRequest(e.ctx, e.user.ID, e.astro.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, req.Status)
	assert.Equal(t, domain.ConsultChat, req.Type)

	var pending int64
	require.NoError(t, e.db.Model(&domain.ChatRequest{}).
		Where("user_id = ? AND astrologer_id = ? AND status = ?", e.user.ID, e.astro.ID, domain.RequestPending).
		Count(&pending).Error)
	assert.EqualValues(t, 1, pending)

	_, err = e.requests.CreateRequest(e.ctx, e.user.ID, e.astro.ID, "")
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	// The astrologer heard about it, live and by push.
	p, ok := e.tr.last(connAstro, EventChatRequestReceived)
	require.True(t, ok)
	assert.Equal(t, req.ID, p.(RequestView).RequestID)
	assert.Equal(t, "Asha", p.(RequestView).UserName)
	assert.Contains(t, e.notes.kinds(e.astro.ID), domain.NotifyChatRequest)

	// Once resolved, a new request is allowed.
	_, err = e.requests.RespondToRequest(e.ctx, req.ID, e.astro.ID, ActionReject)
	require.NoError(t, err)
	_, err = e.requests.CreateRequest(e.ctx, e.user.ID, e.astro.ID, "")
	assert.NoError(t, err)
}

func TestCreateRequest_InsufficientFunds(t *testing.T) {
	e := newEnv(t)
	poor := e.newUser("Dev", 5)

	_, err := e.requests.CreateRequest(e.ctx, poor.ID, e.astro.ID, "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	// Voice costs twice the chat rate in the fixture.
	mid := e.newUser("Nila", 15)
	_, err = e.requests.CreateRequest(e.ctx, mid.ID, e.astro.ID, domain.ConsultVoice)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	_, err = e.requests.CreateRequest(e.ctx, mid.ID, e.astro.ID, domain.ConsultChat)
	assert.NoError(t, err)
}

func TestCreateRequest_StalePendingExpires(t *testing.T) {
	e := newEnv(t)

	first, err := e.requests.CreateRequest(e.ctx, e.user.ID, e.astro.ID, "")
	require.NoError(t, err)

	e.clk.Advance(2*time.Minute + time.Second)
	second, err := e.requests.CreateRequest(e.ctx, e.user.ID, e.astro.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	got, err := repo.GetChatRequest(e.ctx, e.db, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestExpired, got.Status)
	_, ok := e.tr.last(connUser, EventChatRequestExpired)
	assert.True(t, ok)
}

func TestRespondToRequest_Refusals(t *testing.T) {
	e := newEnv(t)
	req, err := e.requests.CreateRequest(e.ctx, e.user.ID, e.astro.ID, "")
	require.NoError(t, err)

	_, err = e.requests.RespondToRequest(e.ctx, req.ID, e.astro.ID, "maybe")
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = e.requests.RespondToRequest(e.ctx, "missing", e.astro.ID, ActionAccept)
	assert.ErrorIs(t, err, ErrNotFound)

	other := e.newAstrologer("Tara", 10)
	_, err = e.requests.RespondToRequest(e.ctx, req.ID, other.ID, ActionAccept)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = e.requests.RespondToRequest(e.ctx, req.ID, e.astro.ID, ActionReject)
	require.NoError(t, err)
	_, err = e.requests.RespondToRequest(e.ctx, req.ID, e.astro.ID, ActionAccept)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestRespondToRequest_ExpiredIsAlreadyResolved(t *testing.T) {
	e := newEnv(t)
	req, err := e.requests.CreateRequest(e.ctx, e.user.ID, e.astro.ID, "")
	require.NoError(t, err)

	e.clk.Advance(3 * time.Minute)
	_, err = e.requests.RespondToRequest(e.ctx, req.ID, e.astro.ID, ActionAccept)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	got, err := e.requests.Get(e.ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestExpired, got.Status)
	assert.False(t, e.astroRow(e.astro.ID).IsBusy)
}

func TestRespondToRequest_RejectNotifiesUser(t *testing.T) {
	e := newEnv(t)
	req, err := e.requests.CreateRequest(e.ctx, e.user.ID, e.astro.ID, "")
	require.NoError(t, err)

	res, err := e.requests.RespondToRequest(e.ctx, req.ID, e.astro.ID, ActionReject)
	require.NoError(t, err)
	assert.Nil(t, res.Session)
	assert.Equal(t, domain.RequestRejected, res.Request.Status)
	require.NotNil(t, res.Request.RespondedAt)

	assert.Contains(t, e.tr.events(connUser), EventChatRequestRejected)
	assert.Contains(t, e.notes.kinds(e.user.ID), domain.NotifyChatRejected)
	assert.False(t, e.astroRow(e.astro.ID).IsBusy)
}

func TestRespondToRequest_AcceptWhileBusy_Unavailable(t *testing.T) {
	e := newEnv(t)
	other := e.newUser("Kiran", 100)
	waiting, err := e.requests.CreateRequest(e.ctx, other.ID, e.astro.ID, "")
	require.NoError(t, err)

	e.open()

	_, err = e.requests.RespondToRequest(e.ctx, waiting.ID, e.astro.ID, ActionAccept)
	assert.ErrorIs(t, err, ErrUnavailable)

	// The failed accept left no trace: still pending, no second session.
	got, err := repo.GetChatRequest(e.ctx, e.db, waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestPending, got.Status)
	assert.Equal(t, int64(100), e.userRow(other.ID).Balance)
	e.assertBusyMatchesSessions()
}

func TestExpireStale_Janitor(t *testing.T) {
	e := newEnv(t)
	_, err := e.requests.CreateRequest(e.ctx, e.user.ID, e.astro.ID, "")
	require.NoError(t, err)

	n, err := e.requests.ExpireStale(e.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.clk.Advance(5 * time.Minute)
	n, err = e.requests.ExpireStale(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

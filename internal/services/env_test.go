package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/astro-consult-backend/internal/billing"
	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/lock"
	"github.com/tbourn/astro-consult-backend/internal/notify"
	"github.com/tbourn/astro-consult-backend/internal/presence"
	"github.com/tbourn/astro-consult-backend/internal/repo"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

const (
	connUser  presence.ConnID = "conn-user"
	connAstro presence.ConnID = "conn-astro"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	// One connection: the billing goroutine and the test take turns.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

type delivery struct {
	Conn    presence.ConnID
	Event   string
	Payload any
}

// recorder is an in-memory Transport.
type recorder struct {
	mu         sync.Mutex
	sent       []delivery
	broadcasts []delivery
}

func (r *recorder) Send(conn presence.ConnID, event string, payload any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, delivery{Conn: conn, Event: event, Payload: payload})
	return true
}

func (r *recorder) Broadcast(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts = append(r.broadcasts, delivery{Event: event, Payload: payload})
}

// events lists the event names delivered to conn, in order.
func (r *recorder) events(conn presence.ConnID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, d := range r.sent {
		if d.Conn == conn {
			out = append(out, d.Event)
		}
	}
	return out
}

// last returns the newest payload of event delivered to conn.
func (r *recorder) last(conn presence.ConnID, event string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent) - 1; i >= 0; i-- {
		if r.sent[i].Conn == conn && r.sent[i].Event == event {
			return r.sent[i].Payload, true
		}
	}
	return nil, false
}

func (r *recorder) lastBroadcast(event string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.broadcasts) - 1; i >= 0; i-- {
		if r.broadcasts[i].Event == event {
			return r.broadcasts[i].Payload, true
		}
	}
	return nil, false
}

type notifications struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *notifications) Notify(_ context.Context, x notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
}

func (n *notifications) kinds(recipient string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, x := range n.got {
		if x.RecipientID == recipient {
			out = append(out, x.Kind)
		}
	}
	return out
}

type invoices struct {
	mu   sync.Mutex
	ids  []string
	fail bool
}

func (i *invoices) Generate(_ context.Context, txID string) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.fail {
		return "", errors.New("invoice backend down")
	}
	i.ids = append(i.ids, txID)
	return "INV-" + txID, nil
}

type env struct {
	t        *testing.T
	ctx      context.Context
	db       *gorm.DB
	clk      *billing.FakeClock
	meter    *billing.Meter
	reg      *presence.Registry
	tr       *recorder
	out      *Outbox
	notes    *notifications
	inv      *invoices
	presence *PresenceService
	sessions *SessionService
	requests *RequestService
	messages *MessageService
	wallet   *WalletService

	user  *domain.User
	astro *domain.Astrologer
}

// newEnv seeds user U (balance 100) and astrologer A (chat rate 10,
// online, free), both connected.
func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{t: t, ctx: context.Background()}
	e.db = newTestDB(t)
	e.clk = billing.NewFakeClock(t0)
	e.meter = billing.NewMeter(e.clk, zerolog.Nop())
	t.Cleanup(e.meter.Close)

	e.reg = presence.NewRegistry()
	e.tr = &recorder{}
	e.out = &Outbox{Registry: e.reg, Transport: e.tr}
	e.notes = &notifications{}
	e.inv = &invoices{}

	e.presence = &PresenceService{DB: e.db, Registry: e.reg, Out: e.out, Log: zerolog.Nop()}
	e.sessions = NewSessionService(e.db, e.meter, lock.NewKeyedMutex(), e.out, e.notes, time.Minute, zerolog.Nop())
	e.sessions.Invoicer = e.inv
	e.requests = NewRequestService(e.db, e.sessions, 2*time.Minute, zerolog.Nop())
	e.messages = NewMessageService(e.db, e.out, e.notes, nil, 100, zerolog.Nop())
	e.wallet = &WalletService{DB: e.db, Out: e.out, Notifier: e.notes, IdempotencyTTL: time.Hour, Log: zerolog.Nop()}

	e.user = e.newUser("Asha", 100)
	e.astro = e.newAstrologer("ravi sharma", 10)
	e.join(connUser, e.user.ID, domain.RoleUser)
	e.join(connAstro, e.astro.ID, domain.RoleAstrologer)
	return e
}

func (e *env) newUser(name string, balance int64) *domain.User {
	e.t.Helper()
	u, err := repo.CreateUser(e.ctx, e.db, name, "", balance)
	require.NoError(e.t, err)
	return u
}

func (e *env) newAstrologer(name string, rate int64) *domain.Astrologer {
	e.t.Helper()
	a := &domain.Astrologer{Name: name, ChatRate: rate, VoiceRate: rate * 2, VideoRate: rate * 3}
	require.NoError(e.t, repo.CreateAstrologer(e.ctx, e.db, a))
	return a
}

func (e *env) join(conn presence.ConnID, id, role string) {
	e.t.Helper()
	_, err := e.presence.Join(e.ctx, conn, id, role)
	require.NoError(e.t, err)
}

func (e *env) userRow(id string) *domain.User {
	e.t.Helper()
	u, err := repo.GetUser(e.ctx, e.db, id)
	require.NoError(e.t, err)
	return u
}

func (e *env) astroRow(id string) *domain.Astrologer {
	e.t.Helper()
	a, err := repo.GetAstrologer(e.ctx, e.db, id)
	require.NoError(e.t, err)
	return a
}

func (e *env) sessionRow(id string) *domain.ChatSession {
	e.t.Helper()
	s, err := repo.GetSession(e.ctx, e.db, id)
	require.NoError(e.t, err)
	return s
}

// open runs request + accept for U and A and returns the session.
func (e *env) open() *domain.ChatSession {
	e.t.Helper()
	req, err := e.requests.CreateRequest(e.ctx, e.user.ID, e.astro.ID, "")
	require.NoError(e.t, err)
	res, err := e.requests.RespondToRequest(e.ctx, req.ID, e.astro.ID, ActionAccept)
	require.NoError(e.t, err)
	require.NotNil(e.t, res.Session)
	return res.Session
}

// tick advances the fake clock one interval and waits until the session
// has recorded wantTicks ticks or ended.
func (e *env) tick(sessionID string, wantTicks int) {
	e.t.Helper()
	e.clk.Advance(time.Minute)
	require.Eventually(e.t, func() bool {
		s, err := repo.GetSession(e.ctx, e.db, sessionID)
		return err == nil && (s.TickCount >= wantTicks || !s.Active())
	}, 2*time.Second, 5*time.Millisecond)
}

// assertBusyMatchesSessions checks that is_busy is set exactly for
// astrologers with an active session.
func (e *env) assertBusyMatchesSessions() {
	e.t.Helper()
	var astros []domain.Astrologer
	require.NoError(e.t, e.db.Find(&astros).Error)
	for _, a := range astros {
		active, err := repo.HasActiveSession(e.ctx, e.db, a.ID)
		require.NoError(e.t, err)
		require.Equal(e.t, active, a.IsBusy, "astrologer %s busy flag", a.Name)
	}
}

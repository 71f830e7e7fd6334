package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/http/middleware"
	"github.com/tbourn/astro-consult-backend/internal/repo"
	"github.com/tbourn/astro-consult-backend/internal/services"
)

// ---------- test env ----------

type env struct {
	db     *gorm.DB
	router *gin.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	h := New(
		&services.DirectoryService{DB: db},
		&services.WalletService{DB: db, IdempotencyTTL: time.Hour, Log: zerolog.Nop()},
		&services.SessionService{DB: db},
		&services.RequestService{DB: db},
		&services.MessageService{DB: db},
	)

	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Identity())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{OwnerParam: "id"}, nil))
	r.POST("/users", h.CreateUser)
	r.GET("/users/:id", h.GetUser)
	r.GET("/users/:id/wallet", h.GetWallet)
	r.POST("/users/:id/wallet/credit", h.CreditWallet)
	r.GET("/users/:id/transactions", h.ListTransactions)
	r.POST("/astrologers", h.CreateAstrologer)
	r.GET("/astrologers", h.ListAstrologers)
	r.GET("/astrologers/:id", h.GetAstrologer)
	r.GET("/chat-requests/:id", h.GetChatRequest)
	r.GET("/chat-sessions/:id", h.GetChatSession)
	r.GET("/chat-sessions/:id/messages", h.ListSessionMessages)

	return &env{db: db, router: r}
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	if got := decode[ErrorResponse](t, w); got.Code != code {
		t.Fatalf("code = %q, want %q", got.Code, code)
	}
}

// session seeds a user, an astrologer, an accepted request and an active
// session between them.
func (e *env) session(t *testing.T) (*domain.User, *domain.Astrologer, *domain.ChatRequest, *domain.ChatSession) {
	t.Helper()
	ctx := context.Background()
	u, err := repo.CreateUser(ctx, e.db, "Asha", "", 500)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	a := &domain.Astrologer{Name: "Ravi Sharma", ChatRate: 10}
	if err := repo.CreateAstrologer(ctx, e.db, a); err != nil {
		t.Fatalf("astrologer: %v", err)
	}
	now := time.Now().UTC()
	req, err := repo.CreateChatRequest(ctx, e.db, u.ID, a.ID, domain.ConsultChat, now)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	sess, err := repo.CreateSession(ctx, e.db, req, a.ChatRate, now)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	return u, a, req, sess
}

// ---------- users & wallet ----------

func TestCreateAndGetUser(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/users", CreateUserRequest{Name: "Asha", Mobile: "+911234567890", Balance: 2500}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	u := decode[domain.User](t, w)
	if u.ID == "" || u.Balance != 2500 {
		t.Fatalf("unexpected user: %+v", u)
	}

	w = e.do(t, http.MethodGet, "/users/"+u.ID, nil, nil)
	if w.Code != http.StatusOK || decode[domain.User](t, w).Name != "Asha" {
		t.Fatalf("get = %d %s", w.Code, w.Body.String())
	}

	expectError(t, e.do(t, http.MethodGet, "/users/nope", nil, nil), http.StatusNotFound, string(services.CodeNotFound))
	expectError(t, e.do(t, http.MethodPost, "/users", map[string]any{"balance": 10}, nil), http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, e.do(t, http.MethodPost, "/users", map[string]any{"name": "X", "balance": -1}, nil), http.StatusBadRequest, ErrCodeBadRequest)
}

func TestCreditWallet_IdempotentReplay(t *testing.T) {
	e := newEnv(t)
	u, err := repo.CreateUser(context.Background(), e.db, "Asha", "", 100)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	path := "/users/" + u.ID + "/wallet/credit"
	key := map[string]string{middleware.HeaderIdempotencyKey: "pay-001"}

	w := e.do(t, http.MethodPost, path, CreditRequest{Amount: 400}, key)
	if w.Code != http.StatusCreated || w.Header().Get(middleware.HeaderIdempotencyReplayed) != "" {
		t.Fatalf("first credit = %d %s", w.Code, w.Body.String())
	}
	first := decode[CreditResponse](t, w)
	if first.Wallet.Balance != 500 || first.Transaction.Type != domain.TxWalletRecharge {
		t.Fatalf("unexpected first result: %+v", first)
	}

	w = e.do(t, http.MethodPost, path, CreditRequest{Amount: 400}, key)
	if w.Code != http.StatusOK || w.Header().Get(middleware.HeaderIdempotencyReplayed) != "true" {
		t.Fatalf("replay = %d headers=%v", w.Code, w.Header())
	}
	again := decode[CreditResponse](t, w)
	if again.Transaction.ID != first.Transaction.ID || again.Wallet.Balance != 500 {
		t.Fatalf("replay changed state: %+v", again)
	}

	w = e.do(t, http.MethodGet, "/users/"+u.ID+"/wallet", nil, nil)
	if got := decode[services.WalletView](t, w); got.Balance != 500 {
		t.Fatalf("wallet balance = %d", got.Balance)
	}
}

func TestCreditWallet_Refusals(t *testing.T) {
	e := newEnv(t)
	u, _ := repo.CreateUser(context.Background(), e.db, "Asha", "", 0)

	expectError(t, e.do(t, http.MethodPost, "/users/"+u.ID+"/wallet/credit", CreditRequest{Amount: 0}, nil),
		http.StatusBadRequest, string(services.CodeInvalidAmount))
	expectError(t, e.do(t, http.MethodPost, "/users/"+u.ID+"/wallet/credit", map[string]any{"amount": -5}, nil),
		http.StatusBadRequest, string(services.CodeInvalidAmount))
	expectError(t, e.do(t, http.MethodPost, "/users/missing/wallet/credit", CreditRequest{Amount: 10}, nil),
		http.StatusNotFound, string(services.CodeNotFound))
}

func TestListTransactions_PagingAndETag(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u, _ := repo.CreateUser(ctx, e.db, "Asha", "", 0)
	svc := &services.WalletService{DB: e.db, IdempotencyTTL: time.Hour}
	for i := 0; i < 3; i++ {
		if _, _, err := svc.Credit(ctx, u.ID, int64(100*(i+1)), ""); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}

	path := "/users/" + u.ID + "/transactions?page=1&page_size=2"
	w := e.do(t, http.MethodGet, path, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d %s", w.Code, w.Body.String())
	}
	page := decode[ListTransactionsResponse](t, w)
	if len(page.Transactions) != 2 || page.Pagination.Total != 3 || !page.Pagination.HasNext || page.Pagination.TotalPages != 2 {
		t.Fatalf("unexpected page: %+v", page.Pagination)
	}
	etag := w.Header().Get("ETag")
	if !strings.HasPrefix(etag, `W/"transactions:`) {
		t.Fatalf("etag = %q", etag)
	}

	w = e.do(t, http.MethodGet, path, nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional = %d", w.Code)
	}

	if _, _, err := svc.Credit(ctx, u.ID, 50, ""); err != nil {
		t.Fatalf("credit: %v", err)
	}
	w = e.do(t, http.MethodGet, path, nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusOK {
		t.Fatalf("stale etag should refetch, got %d", w.Code)
	}
}

// ---------- astrologers ----------

func TestAstrologers_CreateGetList(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/astrologers", CreateAstrologerRequest{Name: "Ravi Sharma", ChatRate: 1000}, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	a := decode[domain.Astrologer](t, w)
	if a.Status != domain.StatusOffline || a.IsBusy {
		t.Fatalf("new astrologer must start offline and free: %+v", a)
	}
	e.do(t, http.MethodPost, "/astrologers", CreateAstrologerRequest{Name: "Meera"}, nil)
	if err := repo.SetAstrologerStatus(context.Background(), e.db, a.ID, domain.StatusOnline); err != nil {
		t.Fatalf("status: %v", err)
	}

	w = e.do(t, http.MethodGet, "/astrologers/"+a.ID, nil, nil)
	if w.Code != http.StatusOK || decode[domain.Astrologer](t, w).Status != domain.StatusOnline {
		t.Fatalf("get = %d %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/astrologers?status=online", nil, nil)
	online := decode[ListAstrologersResponse](t, w)
	if len(online.Astrologers) != 1 || online.Astrologers[0].ID != a.ID {
		t.Fatalf("online filter: %+v", online)
	}
	w = e.do(t, http.MethodGet, "/astrologers", nil, nil)
	if all := decode[ListAstrologersResponse](t, w); all.Pagination.Total != 2 {
		t.Fatalf("all = %+v", all.Pagination)
	}

	expectError(t, e.do(t, http.MethodGet, "/astrologers?status=busy", nil, nil), http.StatusBadRequest, string(services.CodeInvalidAction))
	expectError(t, e.do(t, http.MethodPost, "/astrologers", CreateAstrologerRequest{Name: "X", ChatRate: -1}, nil), http.StatusBadRequest, ErrCodeBadRequest)
	expectError(t, e.do(t, http.MethodGet, "/astrologers/none", nil, nil), http.StatusNotFound, string(services.CodeNotFound))
}

// ---------- consultations ----------

func TestChatRequestAndSession_AccessByParticipants(t *testing.T) {
	e := newEnv(t)
	u, a, req, sess := e.session(t)

	for _, who := range []string{u.ID, a.ID} {
		hdr := map[string]string{middleware.HeaderUserID: who}
		if w := e.do(t, http.MethodGet, "/chat-requests/"+req.ID, nil, hdr); w.Code != http.StatusOK {
			t.Fatalf("request as %s = %d", who, w.Code)
		}
		w := e.do(t, http.MethodGet, "/chat-sessions/"+sess.ID, nil, hdr)
		if w.Code != http.StatusOK || decode[domain.ChatSession](t, w).Rate != 10 {
			t.Fatalf("session as %s = %d %s", who, w.Code, w.Body.String())
		}
	}

	stranger := map[string]string{middleware.HeaderUserID: "stranger"}
	expectError(t, e.do(t, http.MethodGet, "/chat-requests/"+req.ID, nil, stranger), http.StatusForbidden, string(services.CodeUnauthorized))
	expectError(t, e.do(t, http.MethodGet, "/chat-sessions/"+sess.ID, nil, stranger), http.StatusForbidden, string(services.CodeUnauthorized))
	expectError(t, e.do(t, http.MethodGet, "/chat-sessions/"+sess.ID, nil, nil), http.StatusUnauthorized, ErrCodeUnauthorized)
	expectError(t, e.do(t, http.MethodGet, "/chat-sessions/nope", nil, stranger), http.StatusNotFound, string(services.CodeNotFound))
}

func TestListSessionMessages_ViewerFilterAndETag(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	u, a, _, sess := e.session(t)

	var mine *domain.Message
	for i, body := range []string{"Namaste", "What does Saturn say?", "Patience."} {
		from, fromRole, to, toRole := u.ID, domain.RoleUser, a.ID, domain.RoleAstrologer
		if i == 2 {
			from, fromRole, to, toRole = a.ID, domain.RoleAstrologer, u.ID, domain.RoleUser
		}
		m, err := repo.CreateMessage(ctx, e.db, sess.ID, from, fromRole, to, toRole, body)
		if err != nil {
			t.Fatalf("message: %v", err)
		}
		if i == 0 {
			mine = m
		}
	}
	if err := repo.SoftDeleteMessage(ctx, e.db, mine.ID, false); err != nil {
		t.Fatalf("delete: %v", err)
	}

	path := "/chat-sessions/" + sess.ID + "/messages"
	w := e.do(t, http.MethodGet, path, nil, map[string]string{middleware.HeaderUserID: u.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("as user = %d %s", w.Code, w.Body.String())
	}
	if got := decode[ListMessagesResponse](t, w); got.Pagination.Total != 2 {
		t.Fatalf("user should not see own deleted message: %+v", got.Pagination)
	}
	etag := w.Header().Get("ETag")

	asAstro := map[string]string{middleware.HeaderUserID: a.ID}
	w = e.do(t, http.MethodGet, path+"?viewer="+a.ID, nil, asAstro)
	if got := decode[ListMessagesResponse](t, w); got.Pagination.Total != 3 {
		t.Fatalf("astrologer sees all three: %+v", got.Pagination)
	}

	w = e.do(t, http.MethodGet, path, nil, map[string]string{middleware.HeaderUserID: u.ID, "If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional = %d", w.Code)
	}

	expectError(t, e.do(t, http.MethodGet, path, nil, map[string]string{middleware.HeaderUserID: "stranger"}), http.StatusForbidden, string(services.CodeUnauthorized))
	expectError(t, e.do(t, http.MethodGet, path, nil, nil), http.StatusUnauthorized, ErrCodeUnauthorized)
}

func TestListSessionMessages_ViewerCannotImpersonate(t *testing.T) {
	e := newEnv(t)
	u, a, _, sess := e.session(t)
	path := "/chat-sessions/" + sess.ID + "/messages"

	// Without a caller the query param alone grants nothing.
	expectError(t, e.do(t, http.MethodGet, path+"?viewer="+u.ID, nil, nil), http.StatusUnauthorized, ErrCodeUnauthorized)

	stranger := map[string]string{middleware.HeaderUserID: "stranger"}
	expectError(t, e.do(t, http.MethodGet, path+"?viewer="+u.ID, nil, stranger), http.StatusForbidden, string(services.CodeUnauthorized))

	// A participant cannot read as the other side either.
	asUser := map[string]string{middleware.HeaderUserID: u.ID}
	expectError(t, e.do(t, http.MethodGet, path+"?viewer="+a.ID, nil, asUser), http.StatusForbidden, string(services.CodeUnauthorized))
}

// ---------- errors & envelope ----------

func TestStatusOf_EveryCode(t *testing.T) {
	cases := map[services.Code]int{
		services.CodeNotFound:          http.StatusNotFound,
		services.CodeUnauthorized:      http.StatusForbidden,
		services.CodeInvalidState:      http.StatusConflict,
		services.CodeAlreadyResolved:   http.StatusConflict,
		services.CodeUnavailable:       http.StatusConflict,
		services.CodeDuplicateRequest:  http.StatusConflict,
		services.CodeInvalidSession:    http.StatusConflict,
		services.CodeInsufficientFunds: http.StatusPaymentRequired,
		services.CodeInvalidMessage:    http.StatusBadRequest,
		services.CodeInvalidAction:     http.StatusBadRequest,
		services.CodeInvalidAmount:     http.StatusBadRequest,
		services.CodeInternal:          http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusOf(code); got != want {
			t.Fatalf("statusOf(%s) = %d, want %d", code, got, want)
		}
	}
}

func TestFailErr_HidesInternalErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	lg := zerolog.New(&buf)

	r := gin.New()
	r.Use(middleware.RequestID(), func(c *gin.Context) {
		c.Set("logger", &lg)
		c.Next()
	})
	r.GET("/boom", func(c *gin.Context) { failErr(c, fmt.Errorf("disk on fire")) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	expectError(t, w, http.StatusInternalServerError, ErrCodeInternal)
	resp := decode[ErrorResponse](t, w)
	if strings.Contains(resp.Message, "disk") || resp.RequestID == "" {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
	if !strings.Contains(buf.String(), "disk on fire") {
		t.Fatalf("cause not logged: %s", buf.String())
	}
}

func TestClampPagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/?page=-3&page_size=1000", nil)
	if p, s := clampPagination(c, 20); p != 1 || s != 100 {
		t.Fatalf("clamp = %d,%d", p, s)
	}
	c.Request = httptest.NewRequest(http.MethodGet, "/?page_size=x", nil)
	if _, s := clampPagination(c, 50); s != 50 {
		t.Fatalf("default size = %d", s)
	}
	if got := paginate(2, 10, 25); got.TotalPages != 3 || !got.HasNext {
		t.Fatalf("paginate = %+v", got)
	}
}

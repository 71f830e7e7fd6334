// Package handlers exposes the REST surface of the consultation backend:
// user and astrologer registration, wallet reads and recharges, and read
// access to chat requests, sessions and message history. Live chat itself
// runs over the websocket transport; these handlers only read what it
// persisted.
//
// Handlers are transport-thin: they bind and validate input, call the
// application services, and translate results and *services.Error codes
// into HTTP responses.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/http/middleware"
	"github.com/tbourn/astro-consult-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// Directory registers and looks up users and astrologers.
type Directory interface {
	CreateUser(ctx context.Context, name, mobile string, balance int64) (*domain.User, error)
	User(ctx context.Context, id string) (*domain.User, error)
	CreateAstrologer(ctx context.Context, a *domain.Astrologer) error
	Astrologer(ctx context.Context, id string) (*domain.Astrologer, error)
	Astrologers(ctx context.Context, status string, page, pageSize int) ([]domain.Astrologer, int64, error)
}

// Wallets reads balances and applies recharges.
type Wallets interface {
	Wallet(ctx context.Context, userID string) (*domain.User, error)
	Credit(ctx context.Context, userID string, amount int64, key string) (*domain.Transaction, bool, error)
	Transactions(ctx context.Context, userID string, page, pageSize int) ([]domain.Transaction, int64, error)
}

// Sessions looks up chat sessions.
type Sessions interface {
	Get(ctx context.Context, id string) (*domain.ChatSession, error)
}

// Requests looks up chat requests.
type Requests interface {
	Get(ctx context.Context, id string) (*domain.ChatRequest, error)
}

// Messages pages through a session's history.
type Messages interface {
	History(ctx context.Context, sessionID, viewerID string, page, pageSize int) ([]domain.Message, int64, error)
}

//
// Handler wiring
//

// Handlers groups the REST endpoints.
type Handlers struct {
	dir      Directory
	wallets  Wallets
	sessions Sessions
	requests Requests
	messages Messages
}

// New returns Handlers bound to the given services.
func New(dir Directory, wallets Wallets, sessions Sessions, requests Requests, messages Messages) *Handlers {
	return &Handlers{dir: dir, wallets: wallets, sessions: sessions, requests: requests, messages: messages}
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

//
// Helpers
//

// clampPagination parses page and page_size, applying defaults and caps.
func clampPagination(c *gin.Context, defaultPageSize int) (page, pageSize int) {
	page, pageSize, _ = utils.Window(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), defaultPageSize),
		defaultPageSize,
	)
	return page, pageSize
}

func paginate(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// caller returns the X-User-ID identity, or "" for anonymous requests.
func caller(c *gin.Context) string {
	if id := middleware.UserID(c); id != "" {
		return id
	}
	return strings.TrimSpace(c.GetHeader(middleware.HeaderUserID))
}

// requireCaller fails with 401 when the request carries no identity.
func requireCaller(c *gin.Context) (string, bool) {
	id := caller(c)
	if id == "" {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "X-User-ID header required")
		return "", false
	}
	return id, true
}

// notModified sets a weak ETag built from the resource kind, scope, row
// count and newest timestamp, and answers 304 when If-None-Match matches.
func notModified(c *gin.Context, kind, scope string, count int64, newest *time.Time) bool {
	var ts int64
	if newest != nil {
		ts = newest.UnixNano()
	}
	etag := fmt.Sprintf(`W/"%s:%s:%d:%d"`, kind, scope, count, ts)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

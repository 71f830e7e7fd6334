package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/http/middleware"
	"github.com/tbourn/astro-consult-backend/internal/repo"
	"github.com/tbourn/astro-consult-backend/internal/services"
)

// CreateUserRequest registers a user.
type CreateUserRequest struct {
	Name   string `json:"name"   binding:"required,min=1,max=128" example:"Asha"`
	Mobile string `json:"mobile" binding:"omitempty,max=32"       example:"+919876543210"`
	// Opening balance in minor units (paise).
	Balance int64 `json:"balance" binding:"gte=0" example:"50000"`
}

// CreditRequest is a wallet recharge confirmed by the payment gateway.
type CreditRequest struct {
	// Amount in minor units; must be positive.
	Amount int64 `json:"amount" binding:"required,gt=0" example:"10000"`
}

// CreditResponse returns the recharge transaction and the new balances.
type CreditResponse struct {
	Transaction *domain.Transaction `json:"transaction"`
	Wallet      services.WalletView `json:"wallet"`
}

// ListTransactionsResponse is a page of wallet transactions.
type ListTransactionsResponse struct {
	Transactions []domain.Transaction `json:"transactions"`
	Pagination   Pagination           `json:"pagination"`
}

// CreateUser godoc
// @ID          createUser
// @Summary     Register a user
// @Tags        Users
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.CreateUserRequest  true  "User"
// @Success     201   {object}  domain.User
// @Failure     400   {object}  handlers.ErrorResponse
// @Router      /users [post]
func (h *Handlers) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name required; balance must not be negative")
		return
	}
	u, err := h.dir.CreateUser(c.Request.Context(), req.Name, req.Mobile, req.Balance)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, u)
}

// GetUser godoc
// @ID          getUser
// @Summary     Get a user
// @Tags        Users
// @Produce     json
// @Param       id   path      string  true  "User ID"  format(uuid)
// @Success     200  {object}  domain.User
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /users/{id} [get]
func (h *Handlers) GetUser(c *gin.Context) {
	u, err := h.dir.User(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}

// GetWallet godoc
// @ID          getWallet
// @Summary     Get a user's wallet balances
// @Tags        Wallet
// @Produce     json
// @Param       id   path      string  true  "User ID"  format(uuid)
// @Success     200  {object}  services.WalletView
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /users/{id}/wallet [get]
func (h *Handlers) GetWallet(c *gin.Context) {
	u, err := h.wallets.Wallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, services.WalletViewOf(u))
}

// CreditWallet godoc
// @ID          creditWallet
// @Summary     Recharge a wallet
// @Description Credits a confirmed payment to the user's balance. A retry
// @Description with the same Idempotency-Key returns the first result with
// @Description status 200 and Idempotency-Replayed: true.
// @Tags        Wallet
// @Accept      json
// @Produce     json
// @Param       id               path    string  true   "User ID"  format(uuid)
// @Param       Idempotency-Key  header  string  false  "Key for safe retries"
// @Param       body             body    handlers.CreditRequest  true  "Amount"
// @Success     201  {object}  handlers.CreditResponse
// @Success     200  {object}  handlers.CreditResponse  "Replayed"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /users/{id}/wallet/credit [post]
func (h *Handlers) CreditWallet(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")

	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, string(services.CodeInvalidAmount), "amount must be a positive integer")
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	txn, replayed, err := h.wallets.Credit(ctx, userID, req.Amount, key)
	if err != nil {
		failErr(c, err)
		return
	}
	u, err := h.wallets.Wallet(ctx, userID)
	if err != nil {
		failErr(c, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		c.Header(middleware.HeaderIdempotencyReplayed, "true")
		status = http.StatusOK
	}
	ok(c, status, CreditResponse{Transaction: txn, Wallet: services.WalletViewOf(u)})
}

// ListTransactions godoc
// @ID          listTransactions
// @Summary     List wallet transactions (newest first)
// @Description Supports a weak ETag via If-None-Match and may return 304.
// @Tags        Wallet
// @Produce     json
// @Param       id             path    string  true   "User ID"  format(uuid)
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListTransactionsResponse
// @Success     304  {string}  string  "Not Modified"
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /users/{id}/transactions [get]
func (h *Handlers) ListTransactions(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")
	page, pageSize := clampPagination(c, 20)

	if svc, isSvc := h.wallets.(*services.WalletService); isSvc && svc.DB != nil {
		if count, newest, err := repo.TransactionsStats(ctx, svc.DB, userID); err == nil {
			if notModified(c, "transactions", userID, count, newest) {
				return
			}
		}
	}

	items, total, err := h.wallets.Transactions(ctx, userID, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListTransactionsResponse{Transactions: items, Pagination: paginate(page, pageSize, total)})
}

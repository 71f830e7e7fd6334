package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/astro-consult-backend/internal/services"
)

// Transport error codes. Domain refusals reuse the services.Code values.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)

// statusOf maps a domain code to its HTTP status.
func statusOf(code services.Code) int {
	switch code {
	case services.CodeNotFound:
		return http.StatusNotFound
	case services.CodeUnauthorized:
		return http.StatusForbidden
	case services.CodeInvalidState,
		services.CodeAlreadyResolved,
		services.CodeUnavailable,
		services.CodeDuplicateRequest,
		services.CodeInvalidSession:
		return http.StatusConflict
	case services.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case services.CodeInvalidMessage,
		services.CodeInvalidAction,
		services.CodeInvalidAmount:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// failErr writes the error returned by a service. Internal failures are
// logged and reported without detail.
func failErr(c *gin.Context, err error) {
	code := services.CodeOf(err)
	status := statusOf(code)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		fail(c, status, ErrCodeInternal, "internal error")
		return
	}
	fail(c, status, string(code), err.Error())
}

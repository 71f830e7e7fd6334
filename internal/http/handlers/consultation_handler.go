package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/astro-consult-backend/internal/domain"
	"github.com/tbourn/astro-consult-backend/internal/repo"
	"github.com/tbourn/astro-consult-backend/internal/services"
)

// ListMessagesResponse is a page of a session's history, oldest first.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// GetChatRequest godoc
// @ID          getChatRequest
// @Summary     Get a chat request
// @Description Only the requesting user and the addressed astrologer may read it.
// @Tags        Consultations
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller (user or astrologer id)"
// @Param       id         path    string  true  "Chat request ID"  format(uuid)
// @Success     200  {object}  domain.ChatRequest
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /chat-requests/{id} [get]
func (h *Handlers) GetChatRequest(c *gin.Context) {
	who, isSet := requireCaller(c)
	if !isSet {
		return
	}
	req, err := h.requests.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if who != req.UserID && who != req.AstrologerID {
		failErr(c, services.ErrUnauthorized.With("not a party to this request"))
		return
	}
	ok(c, http.StatusOK, req)
}

// GetChatSession godoc
// @ID          getChatSession
// @Summary     Get a chat session
// @Tags        Consultations
// @Produce     json
// @Param       X-User-ID  header  string  true  "Caller (user or astrologer id)"
// @Param       id         path    string  true  "Chat session ID"  format(uuid)
// @Success     200  {object}  domain.ChatSession
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /chat-sessions/{id} [get]
func (h *Handlers) GetChatSession(c *gin.Context) {
	who, isSet := requireCaller(c)
	if !isSet {
		return
	}
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if !sess.HasParticipant(who) {
		failErr(c, services.ErrUnauthorized.With("not a participant of this session"))
		return
	}
	ok(c, http.StatusOK, sess)
}

// ListSessionMessages godoc
// @ID          listSessionMessages
// @Summary     Page through a session's messages
// @Description Messages the caller deleted for themselves are hidden. The
// @Description viewer is always X-User-ID. Supports a weak ETag.
// @Tags        Consultations
// @Produce     json
// @Param       X-User-ID      header  string  true   "Caller (user or astrologer id)"
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       id             path    string  true   "Chat session ID"  format(uuid)
// @Param       viewer         query   string  false  "Viewer id; must equal X-User-ID"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(50)
// @Success     200  {object}  handlers.ListMessagesResponse
// @Success     304  {string}  string  "Not Modified"
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /chat-sessions/{id}/messages [get]
func (h *Handlers) ListSessionMessages(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	viewer, isSet := requireCaller(c)
	if !isSet {
		return
	}
	if q := strings.TrimSpace(c.Query("viewer")); q != "" && q != viewer {
		failErr(c, services.ErrUnauthorized.With("cannot read history as another participant"))
		return
	}
	page, pageSize := clampPagination(c, 50)

	items, total, err := h.messages.History(ctx, sessionID, viewer, page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}

	// Only after History's access check.
	if svc, isSvc := h.messages.(*services.MessageService); isSvc && svc.DB != nil {
		if count, newest, err := repo.SessionMessagesStats(ctx, svc.DB, sessionID, viewer); err == nil {
			if notModified(c, "messages", sessionID+":"+viewer, count, newest) {
				return
			}
		}
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items, Pagination: paginate(page, pageSize, total)})
}

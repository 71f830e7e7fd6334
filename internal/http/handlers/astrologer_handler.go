package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/astro-consult-backend/internal/domain"
)

// CreateAstrologerRequest registers an astrologer. Rates are per minute in
// minor units.
type CreateAstrologerRequest struct {
	Name      string `json:"name"       binding:"required,min=1,max=128" example:"Ravi Sharma"`
	ChatRate  int64  `json:"chat_rate"  binding:"gte=0" example:"1000"`
	VoiceRate int64  `json:"voice_rate" binding:"gte=0" example:"1500"`
	VideoRate int64  `json:"video_rate" binding:"gte=0" example:"2000"`
}

// ListAstrologersResponse is a page of astrologers.
type ListAstrologersResponse struct {
	Astrologers []domain.Astrologer `json:"astrologers"`
	Pagination  Pagination          `json:"pagination"`
}

// CreateAstrologer godoc
// @ID          createAstrologer
// @Summary     Register an astrologer
// @Description New astrologers start offline and become online when they join over the websocket.
// @Tags        Astrologers
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.CreateAstrologerRequest  true  "Astrologer"
// @Success     201   {object}  domain.Astrologer
// @Failure     400   {object}  handlers.ErrorResponse
// @Router      /astrologers [post]
func (h *Handlers) CreateAstrologer(c *gin.Context) {
	var req CreateAstrologerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name required; rates must not be negative")
		return
	}
	a := &domain.Astrologer{
		Name:      req.Name,
		ChatRate:  req.ChatRate,
		VoiceRate: req.VoiceRate,
		VideoRate: req.VideoRate,
	}
	if err := h.dir.CreateAstrologer(c.Request.Context(), a); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, a)
}

// GetAstrologer godoc
// @ID          getAstrologer
// @Summary     Get an astrologer
// @Tags        Astrologers
// @Produce     json
// @Param       id   path      string  true  "Astrologer ID"  format(uuid)
// @Success     200  {object}  domain.Astrologer
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /astrologers/{id} [get]
func (h *Handlers) GetAstrologer(c *gin.Context) {
	a, err := h.dir.Astrologer(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

// ListAstrologers godoc
// @ID          listAstrologers
// @Summary     List astrologers
// @Description Unblocked astrologers ordered by name, optionally filtered by presence status.
// @Tags        Astrologers
// @Produce     json
// @Param       status     query  string  false  "online or offline"  Enums(online, offline)
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListAstrologersResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Router      /astrologers [get]
func (h *Handlers) ListAstrologers(c *gin.Context) {
	page, pageSize := clampPagination(c, 20)
	items, total, err := h.dir.Astrologers(c.Request.Context(), c.Query("status"), page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListAstrologersResponse{Astrologers: items, Pagination: paginate(page, pageSize, total)})
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) afkStart(c *gin.Context) {
	session, err := h.deps.Afk.Start(c.Request.Context(), mustActor(c).AccountID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, session)
}

type tickRequest struct {
	SecondsElapsed *int `json:"secondsElapsed" binding:"required"`
}

// afkTick reports the client-measured time since its previous tick. A value
// outside the window ends the session.
func (h *Handler) afkTick(c *gin.Context) {
	var req tickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.deps.Afk.VerifyTick(c.Request.Context(), mustActor(c).AccountID, *req.SecondsElapsed)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (h *Handler) afkStop(c *gin.Context) {
	session, err := h.deps.Afk.Stop(c.Request.Context(), mustActor(c).AccountID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, session)
}

func (h *Handler) afkStatus(c *gin.Context) {
	session, err := h.deps.Afk.Status(c.Request.Context(), mustActor(c).AccountID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, session)
}

func (h *Handler) afkHistory(c *gin.Context) {
	sessions, err := h.deps.Afk.History(c.Request.Context(), mustActor(c).AccountID, queryInt(c, "limit", 0))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, sessions)
}

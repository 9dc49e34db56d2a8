package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hosting-ledger/internal/model"
	"hosting-ledger/internal/service"
)

// createServer answers 201 when the control plane confirmed the instance and
// 202 when the record was kept locally for a later retry.
func (h *Handler) createServer(c *gin.Context) {
	var req service.CreateServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.deps.Reconciler.Create(c.Request.Context(), mustActor(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, lifecycleStatus(res, http.StatusCreated), res)
}

func (h *Handler) listServers(c *gin.Context) {
	servers, err := h.deps.Reconciler.List(c.Request.Context(), mustActor(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, servers)
}

func (h *Handler) serverCount(c *gin.Context) {
	n, err := h.deps.Reconciler.ActiveServerCount(c.Request.Context(), mustActor(c).AccountID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"count": n})
}

func (h *Handler) getServer(c *gin.Context) {
	rec, err := h.deps.Reconciler.Get(c.Request.Context(), mustActor(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, rec)
}

func (h *Handler) deleteServer(c *gin.Context) {
	res, err := h.deps.Reconciler.Delete(c.Request.Context(), mustActor(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

type powerRequest struct {
	Target string `json:"target" binding:"required"`
}

func (h *Handler) powerServer(c *gin.Context) {
	var req powerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.deps.Reconciler.Power(c.Request.Context(), mustActor(c), c.Param("id"), req.Target)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (h *Handler) retryServer(c *gin.Context) {
	res, err := h.deps.Reconciler.RetryProvision(c.Request.Context(), mustActor(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, lifecycleStatus(res, http.StatusOK), res)
}

func lifecycleStatus(res *service.LifecycleResult, confirmed int) int {
	if res.Outcome == model.OutcomeFailed {
		return http.StatusAccepted
	}
	return confirmed
}

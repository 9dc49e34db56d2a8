package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) prices(c *gin.Context) {
	ok(c, http.StatusOK, h.deps.Allocator.Prices())
}

func (h *Handler) items(c *gin.Context) {
	ok(c, http.StatusOK, h.deps.Allocator.Items())
}

func (h *Handler) tasks(c *gin.Context) {
	ok(c, http.StatusOK, h.deps.Tasks.Tasks())
}

type upgradeRequest struct {
	Type           string `json:"type" binding:"required"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (h *Handler) upgrade(c *gin.Context) {
	var req upgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	res, err := h.deps.Allocator.Upgrade(c.Request.Context(), mustActor(c).AccountID, req.Type, req.Quantity, idempotencyKey(c, req.IdempotencyKey))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

type purchaseRequest struct {
	ItemID         string `json:"itemId" binding:"required"`
	PaymentRef     string `json:"paymentRef"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (h *Handler) purchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.deps.Allocator.Purchase(c.Request.Context(), mustActor(c).AccountID, req.ItemID, idempotencyKey(c, req.IdempotencyKey), req.PaymentRef)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (h *Handler) completeTask(c *gin.Context) {
	res, err := h.deps.Tasks.Complete(c.Request.Context(), mustActor(c).AccountID, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (h *Handler) completedTasks(c *gin.Context) {
	ids, err := h.deps.Tasks.Completed(c.Request.Context(), mustActor(c).AccountID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, ids)
}

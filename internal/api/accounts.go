package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
)

type registerRequest struct {
	Email string `json:"email"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	actor := mustActor(c)
	acc, created, err := h.deps.Ledger.CreateAccount(c.Request.Context(), actor.AccountID, req.Email, h.deps.Config.Defaults)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, acc)
}

func (h *Handler) me(c *gin.Context) {
	acc, err := h.deps.Ledger.Balance(c.Request.Context(), mustActor(c).AccountID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, acc)
}

func (h *Handler) myTransactions(c *gin.Context) {
	h.transactions(c, mustActor(c).AccountID)
}

func (h *Handler) transactions(c *gin.Context, accountID int64) {
	kind := model.TransactionKind(c.Query("kind"))
	txs, err := h.deps.Ledger.History(c.Request.Context(), accountID, kind, queryInt(c, "limit", 0))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, txs)
}

// idempotencyKey prefers the body value over the Idempotency-Key header.
func idempotencyKey(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	return c.GetHeader(HeaderIdempotencyKey)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// pathID parses a positive int64 path parameter.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		fail(c, apperr.New(apperr.KindInvalidRequest, "invalid "+name))
		return 0, false
	}
	return id, true
}

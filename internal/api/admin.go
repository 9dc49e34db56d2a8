package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"hosting-ledger/internal/model"
	"hosting-ledger/internal/service"
)

func (h *Handler) listAccounts(c *gin.Context) {
	accounts, err := h.deps.Ledger.Accounts(c.Request.Context(), queryInt(c, "limit", 0), queryInt(c, "offset", 0))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, accounts)
}

func (h *Handler) getAccount(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	acc, err := h.deps.Ledger.Balance(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, acc)
}

func (h *Handler) deleteAccount(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	if err := h.deps.Ledger.DeleteAccount(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	log.Info().Int64("account_id", id).Int64("admin_id", mustActor(c).AccountID).Msg("Account deleted by admin")
	c.Status(http.StatusNoContent)
}

func (h *Handler) accountTransactions(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	h.transactions(c, id)
}

func (h *Handler) accountServers(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	servers, err := h.deps.Reconciler.ListForAccount(c.Request.Context(), mustActor(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, servers)
}

func (h *Handler) auditAccount(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	report, err := h.deps.Ledger.Audit(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, report)
}

func (h *Handler) auditAll(c *gin.Context) {
	mismatches, err := h.deps.Ledger.AuditAll(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if mismatches == nil {
		mismatches = []*model.LedgerMismatch{}
	}
	ok(c, http.StatusOK, mismatches)
}

type earnRequest struct {
	Amount         int64                 `json:"amount"`
	Kind           model.TransactionKind `json:"kind"`
	Description    string                `json:"description"`
	IdempotencyKey string                `json:"idempotencyKey"`
}

func (h *Handler) earn(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req earnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Kind == "" {
		req.Kind = model.TxKindAdminAdjust
	}
	res, err := h.deps.Ledger.Earn(c.Request.Context(), id, req.Amount, req.Kind, req.Description, service.ClientKey("earn", idempotencyKey(c, req.IdempotencyKey)))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

type adjustRequest struct {
	model.Delta
	Description    string `json:"description"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (h *Handler) adjust(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.deps.Ledger.AdminAdjust(c.Request.Context(), id, req.Delta, req.Description, service.ClientKey("adjust", idempotencyKey(c, req.IdempotencyKey)))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

func (h *Handler) listInconsistencies(c *gin.Context) {
	onlyOpen := c.DefaultQuery("open", "true") != "false"
	incs, err := h.deps.Reconciler.Inconsistencies(c.Request.Context(), mustActor(c), onlyOpen, queryInt(c, "limit", 0))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, incs)
}

func (h *Handler) resolveInconsistency(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	inc, err := h.deps.Reconciler.ResolveInconsistency(c.Request.Context(), mustActor(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, inc)
}

package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"hosting-ledger/internal/model"
)

type registerNodeRequest struct {
	NodeID int64  `json:"nodeId" binding:"required"`
	Name   string `json:"name"`
	model.Resources
}

func (h *Handler) registerNode(c *gin.Context) {
	var req registerNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	node, err := h.deps.Capacity.Register(c.Request.Context(), req.NodeID, req.Name, req.Resources)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, nodeView(node))
}

func (h *Handler) listNodes(c *gin.Context) {
	nodes, err := h.deps.Capacity.List(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	views := make([]nodeStatus, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, nodeView(n))
	}
	ok(c, http.StatusOK, views)
}

func (h *Handler) getNode(c *gin.Context) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	node, err := h.deps.Capacity.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, nodeView(node))
}

func (h *Handler) setNodeTotals(c *gin.Context) {
	h.nodeMutation(c, h.deps.Capacity.SetTotals)
}

func (h *Handler) reserveNode(c *gin.Context) {
	h.nodeMutation(c, h.deps.Capacity.Reserve)
}

func (h *Handler) releaseNode(c *gin.Context) {
	h.nodeMutation(c, h.deps.Capacity.Release)
}

type nodeOp func(ctx context.Context, nodeID int64, r model.Resources) (*model.NodeCapacity, error)

func (h *Handler) nodeMutation(c *gin.Context, op nodeOp) {
	id, valid := pathID(c, "id")
	if !valid {
		return
	}
	var req model.Resources
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	node, err := op(c.Request.Context(), id, req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, nodeView(node))
}

// nodeStatus adds the derived free amounts to a node.
type nodeStatus struct {
	*model.NodeCapacity
	Free model.Resources `json:"free"`
}

func nodeView(n *model.NodeCapacity) nodeStatus {
	return nodeStatus{NodeCapacity: n, Free: n.Free()}
}

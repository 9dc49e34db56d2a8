package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
)

// CapacityService is the node capacity tracker.
type CapacityService struct {
	nodes NodeStore
}

// NewCapacityService creates a new CapacityService instance.
func NewCapacityService(nodes NodeStore) *CapacityService {
	return &CapacityService{nodes: nodes}
}

// Register adds a node or updates its name and totals.
func (s *CapacityService) Register(ctx context.Context, nodeID int64, name string, total model.Resources) (*model.NodeCapacity, error) {
	if nodeID <= 0 {
		return nil, fmt.Errorf("node id must be positive: %w", apperr.ErrInvalidRequest)
	}
	if !total.Valid() {
		return nil, apperr.ErrInvalidAmount
	}
	node, err := s.nodes.Register(ctx, nodeID, name, total)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int64("node_id", nodeID).
		Str("name", name).
		Int64("ram_total", total.RAM).
		Int64("cpu_total", total.CPU).
		Int64("disk_total", total.Disk).
		Msg("Node registered")
	return node, nil
}

// Reserve claims capacity on a node if it fits in total - used on every axis.
func (s *CapacityService) Reserve(ctx context.Context, nodeID int64, req model.Resources) (*model.NodeCapacity, error) {
	if !req.Valid() {
		return nil, apperr.ErrInvalidAmount
	}
	return s.nodes.Reserve(ctx, nodeID, req)
}

// Release returns capacity to a node. Used amounts never go below zero.
func (s *CapacityService) Release(ctx context.Context, nodeID int64, req model.Resources) (*model.NodeCapacity, error) {
	if !req.Valid() {
		return nil, apperr.ErrInvalidAmount
	}
	return s.nodes.Release(ctx, nodeID, req)
}

// SetTotals changes a node's totals. Shrinking below current usage is
// allowed; new reservations then fail until usage drops.
func (s *CapacityService) SetTotals(ctx context.Context, nodeID int64, total model.Resources) (*model.NodeCapacity, error) {
	if !total.Valid() {
		return nil, apperr.ErrInvalidAmount
	}
	node, err := s.nodes.SetTotals(ctx, nodeID, total)
	if err != nil {
		return nil, err
	}
	used := model.Resources{RAM: node.RAMUsed, CPU: node.CPUUsed, Disk: node.DiskUsed}
	if !used.Fits(total) {
		log.Warn().Int64("node_id", nodeID).Msg("Node totals set below current usage")
	}
	return node, nil
}

// Get returns one node.
func (s *CapacityService) Get(ctx context.Context, nodeID int64) (*model.NodeCapacity, error) {
	return s.nodes.GetByID(ctx, nodeID)
}

// List returns all nodes.
func (s *CapacityService) List(ctx context.Context) ([]*model.NodeCapacity, error) {
	return s.nodes.List(ctx)
}

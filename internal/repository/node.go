package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
	"hosting-ledger/internal/pkg/db"
)

const nodeColumns = `id, name, ram_total, cpu_total, disk_total, ram_used, cpu_used, disk_used, updated_at`

func scanNode(row pgx.Row) (*model.NodeCapacity, error) {
	var n model.NodeCapacity
	err := row.Scan(
		&n.NodeID,
		&n.Name,
		&n.RAMTotal,
		&n.CPUTotal,
		&n.DiskTotal,
		&n.RAMUsed,
		&n.CPUUsed,
		&n.DiskUsed,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// NodeRepository tracks per-node capacity.
type NodeRepository struct {
	pool *pgxpool.Pool
}

// NewNodeRepository creates a new NodeRepository instance.
func NewNodeRepository(pool *pgxpool.Pool) *NodeRepository {
	return &NodeRepository{pool: pool}
}

// Register creates a node or updates its name and totals. Used amounts are kept.
func (r *NodeRepository) Register(ctx context.Context, nodeID int64, name string, total model.Resources) (*model.NodeCapacity, error) {
	const query = `
		INSERT INTO nodes (id, name, ram_total, cpu_total, disk_total, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    ram_total = EXCLUDED.ram_total,
		    cpu_total = EXCLUDED.cpu_total,
		    disk_total = EXCLUDED.disk_total,
		    updated_at = NOW()
		RETURNING ` + nodeColumns

	n, err := scanNode(r.pool.QueryRow(ctx, query, nodeID, name, total.RAM, total.CPU, total.Disk))
	if err != nil {
		return nil, fmt.Errorf("failed to register node: %w", err)
	}
	return n, nil
}

// GetByID retrieves a node.
// Returns apperr.ErrNodeNotFound if the node does not exist.
func (r *NodeRepository) GetByID(ctx context.Context, nodeID int64) (*model.NodeCapacity, error) {
	return getNode(ctx, r.pool, nodeID)
}

func getNode(ctx context.Context, q db.DBTX, nodeID int64) (*model.NodeCapacity, error) {
	n, err := scanNode(q.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, nodeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	return n, nil
}

// List returns all nodes ordered by id.
func (r *NodeRepository) List(ctx context.Context) ([]*model.NodeCapacity, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*model.NodeCapacity
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}
	return nodes, nil
}

// Reserve adds req to the node's used amounts if it fits in the free capacity.
func (r *NodeRepository) Reserve(ctx context.Context, nodeID int64, req model.Resources) (*model.NodeCapacity, error) {
	return reserveNode(ctx, r.pool, nodeID, req)
}

// reserveNode is a single conditional UPDATE so the check and the increment
// cannot be interleaved with another reservation on the same node.
func reserveNode(ctx context.Context, q db.DBTX, nodeID int64, req model.Resources) (*model.NodeCapacity, error) {
	const query = `
		UPDATE nodes
		SET ram_used = ram_used + $2,
		    cpu_used = cpu_used + $3,
		    disk_used = disk_used + $4,
		    updated_at = NOW()
		WHERE id = $1
		  AND ram_used + $2 <= ram_total
		  AND cpu_used + $3 <= cpu_total
		  AND disk_used + $4 <= disk_total
		RETURNING ` + nodeColumns

	n, err := scanNode(q.QueryRow(ctx, query, nodeID, req.RAM, req.CPU, req.Disk))
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to reserve node capacity: %w", err)
	}

	// Either the node is missing or it is full.
	if _, err := getNode(ctx, q, nodeID); err != nil {
		return nil, err
	}
	return nil, apperr.ErrCapacityExceeded
}

// Release subtracts req from the node's used amounts, clamped at zero.
func (r *NodeRepository) Release(ctx context.Context, nodeID int64, req model.Resources) (*model.NodeCapacity, error) {
	return releaseNode(ctx, r.pool, nodeID, req)
}

func releaseNode(ctx context.Context, q db.DBTX, nodeID int64, req model.Resources) (*model.NodeCapacity, error) {
	const query = `
		UPDATE nodes
		SET ram_used = GREATEST(ram_used - $2, 0),
		    cpu_used = GREATEST(cpu_used - $3, 0),
		    disk_used = GREATEST(disk_used - $4, 0),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + nodeColumns

	n, err := scanNode(q.QueryRow(ctx, query, nodeID, req.RAM, req.CPU, req.Disk))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to release node capacity: %w", err)
	}
	return n, nil
}

// SetTotals overwrites the node's totals. Totals may drop below used.
func (r *NodeRepository) SetTotals(ctx context.Context, nodeID int64, total model.Resources) (*model.NodeCapacity, error) {
	const query = `
		UPDATE nodes
		SET ram_total = $2, cpu_total = $3, disk_total = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + nodeColumns

	n, err := scanNode(r.pool.QueryRow(ctx, query, nodeID, total.RAM, total.CPU, total.Disk))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to set node totals: %w", err)
	}
	return n, nil
}

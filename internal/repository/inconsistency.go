package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
)

// ErrInconsistencyNotFound is returned when an inconsistency id is unknown
// or already resolved.
var ErrInconsistencyNotFound = apperr.New(apperr.KindInvalidRequest, "inconsistency not found or already resolved")

const inconsistencyColumns = `id, server_id, account_id, remote_id, action, outcome, detail, created_at, resolved_at`

func scanInconsistency(row pgx.Row) (*model.Inconsistency, error) {
	var i model.Inconsistency
	err := row.Scan(
		&i.ID,
		&i.ServerID,
		&i.AccountID,
		&i.RemoteID,
		&i.Action,
		&i.Outcome,
		&i.Detail,
		&i.CreatedAt,
		&i.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

// InconsistencyRepository stores degraded and failed reconciliations.
type InconsistencyRepository struct {
	pool *pgxpool.Pool
}

// NewInconsistencyRepository creates a new InconsistencyRepository instance.
func NewInconsistencyRepository(pool *pgxpool.Pool) *InconsistencyRepository {
	return &InconsistencyRepository{pool: pool}
}

// Create records an inconsistency.
func (r *InconsistencyRepository) Create(ctx context.Context, inc *model.Inconsistency) (*model.Inconsistency, error) {
	const query = `
		INSERT INTO inconsistencies (server_id, account_id, remote_id, action, outcome, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING ` + inconsistencyColumns

	created, err := scanInconsistency(r.pool.QueryRow(ctx, query,
		inc.ServerID, inc.AccountID, inc.RemoteID, inc.Action, inc.Outcome, inc.Detail))
	if err != nil {
		return nil, fmt.Errorf("failed to record inconsistency: %w", err)
	}
	return created, nil
}

// List returns inconsistencies, newest first. onlyOpen skips resolved ones.
func (r *InconsistencyRepository) List(ctx context.Context, onlyOpen bool, limit int) ([]*model.Inconsistency, error) {
	query := `SELECT ` + inconsistencyColumns + ` FROM inconsistencies`
	if onlyOpen {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list inconsistencies: %w", err)
	}
	defer rows.Close()

	var list []*model.Inconsistency
	for rows.Next() {
		inc, err := scanInconsistency(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan inconsistency: %w", err)
		}
		list = append(list, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inconsistencies: %w", err)
	}
	return list, nil
}

// Resolve marks an open inconsistency as resolved.
// Returns ErrInconsistencyNotFound if it is unknown or already resolved.
func (r *InconsistencyRepository) Resolve(ctx context.Context, id int64) (*model.Inconsistency, error) {
	const query = `
		UPDATE inconsistencies
		SET resolved_at = NOW()
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING ` + inconsistencyColumns

	inc, err := scanInconsistency(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInconsistencyNotFound
		}
		return nil, fmt.Errorf("failed to resolve inconsistency: %w", err)
	}
	return inc, nil
}

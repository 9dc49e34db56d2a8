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

const serverColumns = `id, account_id, name, node_id, ram, cpu, disk, status, remote_id, last_error, created_at, updated_at`

func scanServer(row pgx.Row) (*model.ServerRecord, error) {
	var s model.ServerRecord
	err := row.Scan(
		&s.ID,
		&s.AccountID,
		&s.Name,
		&s.NodeID,
		&s.RAM,
		&s.CPU,
		&s.Disk,
		&s.Status,
		&s.RemoteID,
		&s.LastError,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ServerRepository persists local server records together with the node
// capacity they hold.
type ServerRepository struct {
	pool *pgxpool.Pool
}

// NewServerRepository creates a new ServerRepository instance.
func NewServerRepository(pool *pgxpool.Pool) *ServerRepository {
	return &ServerRepository{pool: pool}
}

// CreateWithReservation checks the owner's quota, reserves node capacity and
// inserts rec as pending, all in one database transaction.
//
// The owner's account row is locked first so two concurrent creates for the
// same owner cannot both pass the quota check.
func (r *ServerRepository) CreateWithReservation(ctx context.Context, rec *model.ServerRecord) (*model.ServerRecord, error) {
	var created *model.ServerRecord
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		owner, err := scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, rec.AccountID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.ErrAccountNotFound
			}
			return fmt.Errorf("failed to lock account: %w", err)
		}

		var count int64
		var used model.Resources
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*), COALESCE(SUM(ram), 0), COALESCE(SUM(cpu), 0), COALESCE(SUM(disk), 0)
			FROM servers WHERE account_id = $1`, rec.AccountID,
		).Scan(&count, &used.RAM, &used.CPU, &used.Disk)
		if err != nil {
			return fmt.Errorf("failed to sum account servers: %w", err)
		}

		allotment := model.Resources{RAM: owner.RAM, CPU: owner.CPU, Disk: owner.Disk}
		if count+1 > owner.ServerSlots || !used.Add(rec.Resources()).Fits(allotment) {
			return apperr.ErrQuotaExceeded
		}

		if _, err := reserveNode(ctx, tx, rec.NodeID, rec.Resources()); err != nil {
			return err
		}

		created, err = scanServer(tx.QueryRow(ctx, `
			INSERT INTO servers (id, account_id, name, node_id, ram, cpu, disk, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
			RETURNING `+serverColumns,
			rec.ID, rec.AccountID, rec.Name, rec.NodeID, rec.RAM, rec.CPU, rec.Disk, model.ServerPending,
		))
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetByID retrieves a server record.
// Returns apperr.ErrServerNotFound if it does not exist.
func (r *ServerRepository) GetByID(ctx context.Context, id string) (*model.ServerRecord, error) {
	s, err := scanServer(r.pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrServerNotFound
		}
		return nil, fmt.Errorf("failed to get server: %w", err)
	}
	return s, nil
}

// ListByAccount returns an account's server records, oldest first.
func (r *ServerRepository) ListByAccount(ctx context.Context, accountID int64) ([]*model.ServerRecord, error) {
	return r.list(ctx, `SELECT `+serverColumns+` FROM servers WHERE account_id = $1 ORDER BY created_at, id`, accountID)
}

// ListAll returns every server record, oldest first.
func (r *ServerRepository) ListAll(ctx context.Context) ([]*model.ServerRecord, error) {
	return r.list(ctx, `SELECT `+serverColumns+` FROM servers ORDER BY created_at, id`)
}

func (r *ServerRepository) list(ctx context.Context, query string, args ...any) ([]*model.ServerRecord, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []*model.ServerRecord
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating servers: %w", err)
	}
	return servers, nil
}

// CountConfirmed returns the number of an account's records that carry a remote id.
func (r *ServerRepository) CountConfirmed(ctx context.Context, accountID int64) (int64, error) {
	const query = `SELECT COUNT(*) FROM servers WHERE account_id = $1 AND remote_id IS NOT NULL AND remote_id <> ''`

	var n int64
	if err := r.pool.QueryRow(ctx, query, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count servers: %w", err)
	}
	return n, nil
}

// SetRemote confirms a record: stores the remote id, sets status and clears last_error.
func (r *ServerRepository) SetRemote(ctx context.Context, id, remoteID string, status model.ServerStatus) (*model.ServerRecord, error) {
	const query = `
		UPDATE servers
		SET remote_id = $2, status = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + serverColumns
	return r.update(ctx, query, id, remoteID, status)
}

// SetStatus changes the local status of a record.
func (r *ServerRepository) SetStatus(ctx context.Context, id string, status model.ServerStatus) (*model.ServerRecord, error) {
	const query = `
		UPDATE servers
		SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + serverColumns
	return r.update(ctx, query, id, status)
}

// SetError stores the last remote failure for a record.
func (r *ServerRepository) SetError(ctx context.Context, id, lastError string) (*model.ServerRecord, error) {
	const query = `
		UPDATE servers
		SET last_error = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + serverColumns
	return r.update(ctx, query, id, lastError)
}

func (r *ServerRepository) update(ctx context.Context, query string, args ...any) (*model.ServerRecord, error) {
	s, err := scanServer(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrServerNotFound
		}
		return nil, fmt.Errorf("failed to update server: %w", err)
	}
	return s, nil
}

// DeleteWithRelease releases the record's node capacity and deletes the
// record in one database transaction. It returns the deleted record.
func (r *ServerRepository) DeleteWithRelease(ctx context.Context, id string) (*model.ServerRecord, error) {
	var deleted *model.ServerRecord
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		s, err := scanServer(tx.QueryRow(ctx,
			`SELECT `+serverColumns+` FROM servers WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.ErrServerNotFound
			}
			return fmt.Errorf("failed to lock server: %w", err)
		}

		if _, err := releaseNode(ctx, tx, s.NodeID, s.Resources()); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM servers WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete server: %w", err)
		}
		deleted = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

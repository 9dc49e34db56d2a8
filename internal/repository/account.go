// Package repository provides data access layer implementations.
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

const accountColumns = `id, email, coins, ram, cpu, disk, server_slots, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.Coins,
		&a.RAM,
		&a.CPU,
		&a.Disk,
		&a.ServerSlots,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AccountRepository is the ledger store: account balances plus the
// append-only transaction log, mutated together in one database transaction.
type AccountRepository struct {
	pool *pgxpool.Pool
}

// NewAccountRepository creates a new AccountRepository instance.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// Create inserts a new account with zero coins and the given resources.
// Creating an id that already exists returns the existing account and false.
func (r *AccountRepository) Create(ctx context.Context, id int64, email string, res model.Delta) (*model.Account, bool, error) {
	const query = `
		INSERT INTO accounts (id, email, coins, ram, cpu, disk, server_slots, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + accountColumns

	acc, err := scanAccount(r.pool.QueryRow(ctx, query, id, email, res.RAM, res.CPU, res.Disk, res.ServerSlots))
	if err == nil {
		return acc, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create account: %w", err)
	}

	acc, err = r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return acc, false, nil
}

// GetByID retrieves an account.
// Returns apperr.ErrAccountNotFound if the account does not exist.
func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	acc, err := scanAccount(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// Delete removes an account. Transactions, AFK sessions and idempotency keys
// cascade with it.
func (r *AccountRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		if db.IsForeignKeyViolation(err) {
			return fmt.Errorf("account %d still owns servers: %w", id, apperr.ErrForbidden)
		}
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperr.ErrAccountNotFound
	}
	return nil
}

// List returns accounts ordered by id.
func (r *AccountRepository) List(ctx context.Context, limit, offset int) ([]*model.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts ORDER BY id LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*model.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// ApplyDelta applies delta to the account and appends exactly one
// transaction row, all in one database transaction.
//
// The account row is locked with SELECT ... FOR UPDATE before anything is
// read, so concurrent calls for the same account are linearized and every
// sufficiency check sees the committed effect of the previous call. Calls for
// different accounts do not contend.
//
// If draft carries an idempotency key that was already used for this
// account, the stored original result is returned with Replayed set and
// nothing is written.
func (r *AccountRepository) ApplyDelta(ctx context.Context, accountID int64, delta model.Delta, draft model.TransactionDraft) (*model.LedgerResult, error) {
	if !draft.Kind.Valid() {
		return nil, fmt.Errorf("unknown transaction kind %q: %w", draft.Kind, apperr.ErrInvalidRequest)
	}

	var result *model.LedgerResult
	err := db.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		acc, err := scanAccount(tx.QueryRow(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.ErrAccountNotFound
			}
			return fmt.Errorf("failed to lock account: %w", err)
		}

		if draft.IdempotencyKey != "" {
			replayed, err := r.replay(ctx, tx, acc, draft.IdempotencyKey)
			if err == nil {
				result = replayed
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}

		next, ok := delta.ApplyTo(*acc)
		if !ok {
			return apperr.ErrInsufficientFunds
		}

		updated, err := scanAccount(tx.QueryRow(ctx, `
			UPDATE accounts
			SET coins = $2, ram = $3, cpu = $4, disk = $5, server_slots = $6, updated_at = NOW()
			WHERE id = $1
			RETURNING `+accountColumns,
			accountID, next.Coins, next.RAM, next.CPU, next.Disk, next.ServerSlots,
		))
		if err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}

		var key *string
		if draft.IdempotencyKey != "" {
			key = &draft.IdempotencyKey
		}
		txn, err := scanTransaction(tx.QueryRow(ctx, `
			INSERT INTO transactions (account_id, amount, kind, description, idempotency_key, balance_after, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			RETURNING `+transactionColumns,
			accountID, delta.Coins, draft.Kind, draft.Description, key, updated.Coins,
		))
		if err != nil {
			return fmt.Errorf("failed to create transaction: %w", err)
		}

		if key != nil {
			_, err = tx.Exec(ctx, `
				INSERT INTO idempotency_keys (account_id, key, transaction_id, coins, ram, cpu, disk, server_slots, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())`,
				accountID, *key, txn.ID, updated.Coins, updated.RAM, updated.CPU, updated.Disk, updated.ServerSlots,
			)
			if err != nil {
				return fmt.Errorf("failed to store idempotency key: %w", err)
			}
		}

		result = &model.LedgerResult{Account: *updated, Transaction: *txn}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// replay loads the original result stored under key. It returns
// pgx.ErrNoRows when the key is unused.
func (r *AccountRepository) replay(ctx context.Context, tx pgx.Tx, acc *model.Account, key string) (*model.LedgerResult, error) {
	const query = `
		SELECT k.coins, k.ram, k.cpu, k.disk, k.server_slots,
		       t.id, t.account_id, t.amount, t.kind, t.description, t.idempotency_key, t.balance_after, t.created_at
		FROM idempotency_keys k
		JOIN transactions t ON t.id = k.transaction_id
		WHERE k.account_id = $1 AND k.key = $2
	`

	snapshot := *acc
	var txn model.Transaction
	err := tx.QueryRow(ctx, query, acc.ID, key).Scan(
		&snapshot.Coins,
		&snapshot.RAM,
		&snapshot.CPU,
		&snapshot.Disk,
		&snapshot.ServerSlots,
		&txn.ID,
		&txn.AccountID,
		&txn.Amount,
		&txn.Kind,
		&txn.Description,
		&txn.IdempotencyKey,
		&txn.BalanceAfter,
		&txn.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load idempotency key: %w", err)
	}

	return &model.LedgerResult{Account: snapshot, Transaction: txn, Replayed: true}, nil
}

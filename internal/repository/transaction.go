package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hosting-ledger/internal/model"
)

const transactionColumns = `id, account_id, amount, kind, description, idempotency_key, balance_after, created_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	err := row.Scan(
		&t.ID,
		&t.AccountID,
		&t.Amount,
		&t.Kind,
		&t.Description,
		&t.IdempotencyKey,
		&t.BalanceAfter,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// TransactionRepository reads the append-only transaction log.
// Writes go through AccountRepository.ApplyDelta only.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository creates a new TransactionRepository instance.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

// ListByAccount retrieves an account's transactions, newest first.
func (r *TransactionRepository) ListByAccount(ctx context.Context, accountID int64, limit int) ([]*model.Transaction, error) {
	const query = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	return r.list(ctx, query, accountID, limit)
}

// ListByAccountAndKind retrieves an account's transactions of one kind, newest first.
func (r *TransactionRepository) ListByAccountAndKind(ctx context.Context, accountID int64, kind model.TransactionKind, limit int) ([]*model.Transaction, error) {
	const query = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1 AND kind = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`
	return r.list(ctx, query, accountID, kind, limit)
}

func (r *TransactionRepository) list(ctx context.Context, query string, args ...any) ([]*model.Transaction, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*model.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return transactions, nil
}

// GetByIdempotencyKey retrieves the transaction written under key, or nil
// when the key is unused.
func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, accountID int64, key string) (*model.Transaction, error) {
	const query = `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1 AND idempotency_key = $2
	`
	tx, err := scanTransaction(r.pool.QueryRow(ctx, query, accountID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// SumByAccount returns the sum of all transaction amounts for an account.
func (r *TransactionRepository) SumByAccount(ctx context.Context, accountID int64) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id = $1`

	var sum int64
	if err := r.pool.QueryRow(ctx, query, accountID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}

// CountByAccount returns the number of transactions for an account.
func (r *TransactionRepository) CountByAccount(ctx context.Context, accountID int64) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE account_id = $1`, accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

// Mismatches returns every account whose transaction sum differs from its coins.
func (r *TransactionRepository) Mismatches(ctx context.Context) ([]*model.LedgerMismatch, error) {
	const query = `
		SELECT a.id, a.coins, COALESCE(SUM(t.amount), 0) AS sum
		FROM accounts a
		LEFT JOIN transactions t ON t.account_id = a.id
		GROUP BY a.id, a.coins
		HAVING a.coins <> COALESCE(SUM(t.amount), 0)
		ORDER BY a.id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to audit ledger: %w", err)
	}
	defer rows.Close()

	var mismatches []*model.LedgerMismatch
	for rows.Next() {
		var m model.LedgerMismatch
		if err := rows.Scan(&m.AccountID, &m.Coins, &m.Sum); err != nil {
			return nil, fmt.Errorf("failed to scan mismatch: %w", err)
		}
		mismatches = append(mismatches, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mismatches: %w", err)
	}
	return mismatches, nil
}

// Package service provides business logic implementations.
package service

import (
	"context"
	"time"

	"hosting-ledger/internal/cache"
	"hosting-ledger/internal/model"
	"hosting-ledger/internal/repository"
)

// AccountStore is the ledger store: balances plus the transaction log,
// mutated together by ApplyDelta.
type AccountStore interface {
	Create(ctx context.Context, id int64, email string, res model.Delta) (*model.Account, bool, error)
	GetByID(ctx context.Context, id int64) (*model.Account, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, limit, offset int) ([]*model.Account, error)
	ApplyDelta(ctx context.Context, accountID int64, delta model.Delta, draft model.TransactionDraft) (*model.LedgerResult, error)
}

// TransactionLog reads the append-only transaction log.
type TransactionLog interface {
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]*model.Transaction, error)
	ListByAccountAndKind(ctx context.Context, accountID int64, kind model.TransactionKind, limit int) ([]*model.Transaction, error)
	GetByIdempotencyKey(ctx context.Context, accountID int64, key string) (*model.Transaction, error)
	SumByAccount(ctx context.Context, accountID int64) (int64, error)
	Mismatches(ctx context.Context) ([]*model.LedgerMismatch, error)
}

// ResultCache holds completed idempotent results in front of the store.
type ResultCache interface {
	Get(ctx context.Context, accountID int64, key string) (*model.LedgerResult, bool)
	Put(ctx context.Context, accountID int64, key string, res *model.LedgerResult)
	Forget(ctx context.Context, accountID int64) error
}

// AfkStore persists AFK sessions.
type AfkStore interface {
	Start(ctx context.Context, accountID int64, now time.Time) (*model.AfkSession, error)
	GetActive(ctx context.Context, accountID int64) (*model.AfkSession, error)
	RecordTick(ctx context.Context, sessionID, tick, duration, coins int64, at time.Time) (*model.AfkSession, error)
	Deactivate(ctx context.Context, sessionID, duration int64, now time.Time) (*model.AfkSession, error)
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]*model.AfkSession, error)
}

// NodeStore tracks node capacity.
type NodeStore interface {
	Register(ctx context.Context, nodeID int64, name string, total model.Resources) (*model.NodeCapacity, error)
	GetByID(ctx context.Context, nodeID int64) (*model.NodeCapacity, error)
	List(ctx context.Context) ([]*model.NodeCapacity, error)
	Reserve(ctx context.Context, nodeID int64, req model.Resources) (*model.NodeCapacity, error)
	Release(ctx context.Context, nodeID int64, req model.Resources) (*model.NodeCapacity, error)
	SetTotals(ctx context.Context, nodeID int64, total model.Resources) (*model.NodeCapacity, error)
}

// ServerStore persists server records together with their node reservation.
type ServerStore interface {
	CreateWithReservation(ctx context.Context, rec *model.ServerRecord) (*model.ServerRecord, error)
	GetByID(ctx context.Context, id string) (*model.ServerRecord, error)
	ListByAccount(ctx context.Context, accountID int64) ([]*model.ServerRecord, error)
	ListAll(ctx context.Context) ([]*model.ServerRecord, error)
	CountConfirmed(ctx context.Context, accountID int64) (int64, error)
	SetRemote(ctx context.Context, id, remoteID string, status model.ServerStatus) (*model.ServerRecord, error)
	SetStatus(ctx context.Context, id string, status model.ServerStatus) (*model.ServerRecord, error)
	SetError(ctx context.Context, id, lastError string) (*model.ServerRecord, error)
	DeleteWithRelease(ctx context.Context, id string) (*model.ServerRecord, error)
}

// InconsistencyStore records degraded and failed reconciliations.
type InconsistencyStore interface {
	Create(ctx context.Context, inc *model.Inconsistency) (*model.Inconsistency, error)
	List(ctx context.Context, onlyOpen bool, limit int) ([]*model.Inconsistency, error)
	Resolve(ctx context.Context, id int64) (*model.Inconsistency, error)
}

var (
	_ AccountStore       = (*repository.AccountRepository)(nil)
	_ TransactionLog     = (*repository.TransactionRepository)(nil)
	_ ResultCache        = (*cache.IdempotencyCache)(nil)
	_ AfkStore           = (*repository.AfkRepository)(nil)
	_ NodeStore          = (*repository.NodeRepository)(nil)
	_ ServerStore        = (*repository.ServerRepository)(nil)
	_ InconsistencyStore = (*repository.InconsistencyRepository)(nil)
)

// clampLimit bounds list sizes.
func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// Tests use testcontainers-go to spin up a PostgreSQL container.
package repository

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
	"hosting-ledger/internal/pkg/db"
)

// checkDockerAvailable checks if Docker is available and running
func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	err := cmd.Run()
	return err == nil
}

// setupTestDB creates a PostgreSQL container and returns a migrated pool.
// Skips the test if Docker is not available.
func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, db.Migrate(ctx, pool))

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}

	return pool, cleanup
}

var defaultResources = model.Delta{RAM: 2, CPU: 100, Disk: 10, ServerSlots: 1}

func earn(amount int64, key string) (model.Delta, model.TransactionDraft) {
	return model.Delta{Coins: amount}, model.TransactionDraft{Kind: model.TxKindAfk, Description: "test", IdempotencyKey: key}
}

// ============================================================================
// AccountRepository Tests
// ============================================================================

func TestAccountRepository_Create(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	ctx := context.Background()

	acc, created, err := repo.Create(ctx, 1, "a@example.com", defaultResources)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(0), acc.Coins)
	assert.Equal(t, int64(2), acc.RAM)
	assert.Equal(t, int64(1), acc.ServerSlots)

	again, created, err := repo.Create(ctx, 1, "other@example.com", model.Delta{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a@example.com", again.Email)

	_, err = repo.GetByID(ctx, 999)
	assert.ErrorIs(t, err, apperr.ErrAccountNotFound)
}

func TestAccountRepository_ApplyDelta(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	txRepo := NewTransactionRepository(pool)
	ctx := context.Background()

	_, _, err := repo.Create(ctx, 1, "", defaultResources)
	require.NoError(t, err)

	d, draft := earn(100, "")
	res, err := repo.ApplyDelta(ctx, 1, d, draft)
	require.NoError(t, err)
	assert.Equal(t, int64(100), res.Account.Coins)
	assert.Equal(t, int64(100), res.Transaction.BalanceAfter)
	assert.False(t, res.Replayed)

	spend := model.Delta{Coins: -50, RAM: 2}
	res, err = repo.ApplyDelta(ctx, 1, spend, model.TransactionDraft{Kind: model.TxKindUpgrade, Description: "ram"})
	require.NoError(t, err)
	assert.Equal(t, int64(50), res.Account.Coins)
	assert.Equal(t, int64(4), res.Account.RAM)
	assert.Equal(t, int64(-50), res.Transaction.Amount)

	_, err = repo.ApplyDelta(ctx, 1, model.Delta{Coins: -51}, model.TransactionDraft{Kind: model.TxKindUpgrade})
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	acc, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.Coins)

	sum, err := txRepo.SumByAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, acc.Coins, sum)

	n, err := txRepo.CountByAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = repo.ApplyDelta(ctx, 42, d, draft)
	assert.ErrorIs(t, err, apperr.ErrAccountNotFound)

	_, err = repo.ApplyDelta(ctx, 1, d, model.TransactionDraft{Kind: "bogus"})
	assert.ErrorIs(t, err, apperr.ErrInvalidRequest)
}

func TestAccountRepository_ApplyDeltaIdempotent(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	txRepo := NewTransactionRepository(pool)
	ctx := context.Background()

	_, _, err := repo.Create(ctx, 1, "", defaultResources)
	require.NoError(t, err)

	d, draft := earn(30, "k1")
	first, err := repo.ApplyDelta(ctx, 1, d, draft)
	require.NoError(t, err)

	// A later mutation must not change what the replay reports.
	other, otherDraft := earn(5, "")
	_, err = repo.ApplyDelta(ctx, 1, other, otherDraft)
	require.NoError(t, err)

	second, err := repo.ApplyDelta(ctx, 1, d, draft)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, first.Account.Coins, second.Account.Coins)

	stored, err := txRepo.GetByIdempotencyKey(ctx, 1, "k1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, first.Transaction.ID, stored.ID)

	missing, err := txRepo.GetByIdempotencyKey(ctx, 1, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	n, err := txRepo.CountByAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestAccountRepository_NoDoubleSpend(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	ctx := context.Background()

	_, _, err := repo.Create(ctx, 1, "", defaultResources)
	require.NoError(t, err)
	d, draft := earn(100, "")
	_, err = repo.ApplyDelta(ctx, 1, d, draft)
	require.NoError(t, err)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := repo.ApplyDelta(ctx, 1, model.Delta{Coins: -30}, model.TransactionDraft{Kind: model.TxKindUpgrade})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	acc, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, int64(10), acc.Coins)
}

func TestAccountRepository_Delete(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	txRepo := NewTransactionRepository(pool)
	ctx := context.Background()

	_, _, err := repo.Create(ctx, 1, "", defaultResources)
	require.NoError(t, err)
	d, draft := earn(10, "x")
	_, err = repo.ApplyDelta(ctx, 1, d, draft)
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, 1))
	assert.ErrorIs(t, repo.Delete(ctx, 1), apperr.ErrAccountNotFound)

	n, err := txRepo.CountByAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

// ============================================================================
// TransactionRepository Tests
// ============================================================================

func TestTransactionRepository_ListAndAudit(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewAccountRepository(pool)
	txRepo := NewTransactionRepository(pool)
	ctx := context.Background()

	for id := int64(1); id <= 2; id++ {
		_, _, err := repo.Create(ctx, id, "", defaultResources)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		d, draft := earn(10, fmt.Sprintf("k%d", i))
		_, err := repo.ApplyDelta(ctx, 1, d, draft)
		require.NoError(t, err)
	}
	_, err := repo.ApplyDelta(ctx, 1, model.Delta{Coins: -5}, model.TransactionDraft{Kind: model.TxKindUpgrade})
	require.NoError(t, err)

	txs, err := txRepo.ListByAccount(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, txs, 4)
	assert.Equal(t, model.TxKindUpgrade, txs[0].Kind)

	afk, err := txRepo.ListByAccountAndKind(ctx, 1, model.TxKindAfk, 10)
	require.NoError(t, err)
	assert.Len(t, afk, 3)

	mismatches, err := txRepo.Mismatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	// Simulate out-of-band drift.
	_, err = pool.Exec(ctx, `UPDATE accounts SET coins = coins + 7 WHERE id = 2`)
	require.NoError(t, err)

	mismatches, err = txRepo.Mismatches(ctx)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, int64(2), mismatches[0].AccountID)
	assert.Equal(t, int64(7), mismatches[0].Coins)
	assert.Equal(t, int64(0), mismatches[0].Sum)
}

// ============================================================================
// AfkRepository Tests
// ============================================================================

func TestAfkRepository_Lifecycle(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	accounts := NewAccountRepository(pool)
	repo := NewAfkRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	_, err := repo.Start(ctx, 1, now)
	assert.ErrorIs(t, err, apperr.ErrAccountNotFound)

	_, _, err = accounts.Create(ctx, 1, "", defaultResources)
	require.NoError(t, err)

	s, err := repo.Start(ctx, 1, now)
	require.NoError(t, err)
	assert.True(t, s.IsActive)

	_, err = repo.Start(ctx, 1, now)
	assert.ErrorIs(t, err, apperr.ErrSessionAlreadyActive)

	tickAt := now.Add(time.Minute)
	s, err = repo.RecordTick(ctx, s.ID, 1, 1, 5, tickAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.LastTick)
	assert.Equal(t, int64(5), s.CoinsEarned)
	require.NotNil(t, s.LastTickAt)
	assert.True(t, tickAt.Equal(*s.LastTickAt))

	_, err = repo.RecordTick(ctx, s.ID, 1, 1, 5, tickAt)
	assert.ErrorIs(t, err, apperr.ErrInvalidVerificationWindow)

	stopped, err := repo.Deactivate(ctx, s.ID, 3, now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, stopped.IsActive)
	assert.Equal(t, int64(3), stopped.Duration)
	require.NotNil(t, stopped.EndedAt)

	again, err := repo.Deactivate(ctx, s.ID, 9, now.Add(9*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(3), again.Duration)

	_, err = repo.GetActive(ctx, 1)
	assert.ErrorIs(t, err, apperr.ErrNoActiveSession)

	_, err = repo.Start(ctx, 1, now)
	require.NoError(t, err)

	sessions, err := repo.ListByAccount(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

// ============================================================================
// NodeRepository Tests
// ============================================================================

func TestNodeRepository_ReserveRelease(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewNodeRepository(pool)
	ctx := context.Background()

	_, err := repo.Reserve(ctx, 1, model.Resources{RAM: 1})
	assert.ErrorIs(t, err, apperr.ErrNodeNotFound)

	_, err = repo.Register(ctx, 1, "node-1", model.Resources{RAM: 8, CPU: 400, Disk: 100})
	require.NoError(t, err)

	n, err := repo.Reserve(ctx, 1, model.Resources{RAM: 6, CPU: 200, Disk: 50})
	require.NoError(t, err)
	assert.Equal(t, int64(6), n.RAMUsed)

	_, err = repo.Reserve(ctx, 1, model.Resources{RAM: 3})
	assert.ErrorIs(t, err, apperr.ErrCapacityExceeded)

	n, err = repo.Release(ctx, 1, model.Resources{RAM: 10, CPU: 100, Disk: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n.RAMUsed)
	assert.Equal(t, int64(100), n.CPUUsed)

	n, err = repo.SetTotals(ctx, 1, model.Resources{RAM: 0, CPU: 50, Disk: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(50), n.CPUTotal)
	assert.Equal(t, int64(100), n.CPUUsed)

	n, err = repo.Register(ctx, 1, "renamed", model.Resources{RAM: 4, CPU: 400, Disk: 100})
	require.NoError(t, err)
	assert.Equal(t, "renamed", n.Name)
	assert.Equal(t, int64(100), n.CPUUsed)

	nodes, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

// ============================================================================
// ServerRepository Tests
// ============================================================================

func TestServerRepository_CreateAndDelete(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	accounts := NewAccountRepository(pool)
	nodes := NewNodeRepository(pool)
	repo := NewServerRepository(pool)
	ctx := context.Background()

	_, _, err := accounts.Create(ctx, 1, "", model.Delta{RAM: 4, CPU: 200, Disk: 20, ServerSlots: 1})
	require.NoError(t, err)
	_, err = nodes.Register(ctx, 7, "n", model.Resources{RAM: 16, CPU: 800, Disk: 200})
	require.NoError(t, err)

	rec := &model.ServerRecord{ID: uuid.NewString(), AccountID: 1, Name: "mc", NodeID: 7, RAM: 2, CPU: 100, Disk: 10}
	created, err := repo.CreateWithReservation(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, model.ServerPending, created.Status)
	assert.False(t, created.Confirmed())

	// Slot quota reached.
	_, err = repo.CreateWithReservation(ctx, &model.ServerRecord{ID: uuid.NewString(), AccountID: 1, Name: "b", NodeID: 7, RAM: 1, CPU: 1, Disk: 1})
	assert.ErrorIs(t, err, apperr.ErrQuotaExceeded)

	n, err := nodes.GetByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n.RAMUsed)

	count, err := repo.CountConfirmed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	confirmed, err := repo.SetRemote(ctx, rec.ID, "42", model.ServerOnline)
	require.NoError(t, err)
	assert.True(t, confirmed.Confirmed())

	count, err = repo.CountConfirmed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = repo.SetError(ctx, rec.ID, "boom")
	require.NoError(t, err)
	s, err := repo.SetStatus(ctx, rec.ID, model.ServerDeleting)
	require.NoError(t, err)
	require.NotNil(t, s.LastError)
	assert.Equal(t, "boom", *s.LastError)

	// Owning servers blocks account deletion.
	assert.ErrorIs(t, accounts.Delete(ctx, 1), apperr.ErrForbidden)

	deleted, err := repo.DeleteWithRelease(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, deleted.ID)

	n, err = nodes.GetByID(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n.RAMUsed)
	assert.Equal(t, int64(0), n.CPUUsed)

	_, err = repo.GetByID(ctx, rec.ID)
	assert.ErrorIs(t, err, apperr.ErrServerNotFound)
	_, err = repo.DeleteWithRelease(ctx, rec.ID)
	assert.ErrorIs(t, err, apperr.ErrServerNotFound)
}

func TestServerRepository_CapacityExceededLeavesNoRecord(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	accounts := NewAccountRepository(pool)
	nodes := NewNodeRepository(pool)
	repo := NewServerRepository(pool)
	ctx := context.Background()

	_, _, err := accounts.Create(ctx, 1, "", model.Delta{RAM: 64, CPU: 800, Disk: 500, ServerSlots: 3})
	require.NoError(t, err)
	_, err = nodes.Register(ctx, 1, "small", model.Resources{RAM: 4, CPU: 100, Disk: 20})
	require.NoError(t, err)

	_, err = repo.CreateWithReservation(ctx, &model.ServerRecord{ID: uuid.NewString(), AccountID: 1, Name: "big", NodeID: 1, RAM: 8, CPU: 100, Disk: 10})
	assert.ErrorIs(t, err, apperr.ErrCapacityExceeded)

	list, err := repo.ListByAccount(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = repo.CreateWithReservation(ctx, &model.ServerRecord{ID: uuid.NewString(), AccountID: 1, Name: "x", NodeID: 99, RAM: 1, CPU: 1, Disk: 1})
	assert.ErrorIs(t, err, apperr.ErrNodeNotFound)
}

// ============================================================================
// InconsistencyRepository Tests
// ============================================================================

func TestInconsistencyRepository(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewInconsistencyRepository(pool)
	ctx := context.Background()

	remote := "12"
	inc, err := repo.Create(ctx, &model.Inconsistency{
		ServerID:  uuid.NewString(),
		AccountID: 1,
		RemoteID:  &remote,
		Action:    "delete",
		Outcome:   model.OutcomeDegradedLocalOnly,
		Detail:    "timeout",
	})
	require.NoError(t, err)
	assert.Nil(t, inc.ResolvedAt)

	open, err := repo.List(ctx, true, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	resolved, err := repo.Resolve(ctx, inc.ID)
	require.NoError(t, err)
	assert.NotNil(t, resolved.ResolvedAt)

	_, err = repo.Resolve(ctx, inc.ID)
	assert.ErrorIs(t, err, ErrInconsistencyNotFound)

	open, err = repo.List(ctx, true, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	all, err := repo.List(ctx, false, 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

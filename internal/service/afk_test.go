package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"hosting-ledger/internal/config"
	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
	"hosting-ledger/internal/service/servicetest"
)

var testAfkConfig = config.AfkConfig{CoinsPerTick: 3, MinWindowSeconds: 55, MaxWindowSeconds: 65}

// fakeClock is a settable wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestAfk(t testingT) (*AfkService, *LedgerService, *fakeClock) {
	t.Helper()
	ledger, _ := newTestLedger(t, nil)
	mustAccount(t, ledger, 1)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewAfkService(&servicetest.AfkStore{}, ledger, testAfkConfig, nil).WithClock(clock.Now)
	return svc, ledger, clock
}

func TestAfkService_SingleActiveSession(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestAfk(t)

	_, err := svc.Status(ctx, 1)
	assert.ErrorIs(t, err, apperr.ErrNoActiveSession)

	session, err := svc.Start(ctx, 1)
	require.NoError(t, err)
	assert.True(t, session.IsActive)

	_, err = svc.Start(ctx, 1)
	assert.ErrorIs(t, err, apperr.ErrSessionAlreadyActive)

	stopped, err := svc.Stop(ctx, 1)
	require.NoError(t, err)
	assert.False(t, stopped.IsActive)
	assert.NotNil(t, stopped.EndedAt)

	_, err = svc.Stop(ctx, 1)
	assert.ErrorIs(t, err, apperr.ErrNoActiveSession)

	next, err := svc.Start(ctx, 1)
	require.NoError(t, err)
	assert.NotEqual(t, session.ID, next.ID)

	history, err := svc.History(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestAfkService_VerifyTickCreditsOncePerWindow(t *testing.T) {
	ctx := context.Background()
	svc, ledger, clock := newTestAfk(t)
	_, err := svc.Start(ctx, 1)
	require.NoError(t, err)

	clock.Advance(60 * time.Second)
	res, err := svc.VerifyTick(ctx, 1, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Tick)
	assert.Equal(t, int64(3), res.Credited)
	assert.Equal(t, int64(3), res.Balance)
	assert.Equal(t, int64(3), res.Session.CoinsEarned)
	assert.Equal(t, int64(1), res.Session.Duration)

	// An immediate repeat is a replay; the session survives.
	_, err = svc.VerifyTick(ctx, 1, 60)
	assert.ErrorIs(t, err, apperr.ErrInvalidVerificationWindow)
	_, err = svc.Status(ctx, 1)
	require.NoError(t, err)

	clock.Advance(61 * time.Second)
	res, err = svc.VerifyTick(ctx, 1, 61)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Tick)
	assert.Equal(t, int64(6), res.Balance)

	history, err := ledger.History(ctx, 1, model.TxKindAfk, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NotNil(t, history[0].IdempotencyKey)
	assert.Contains(t, *history[0].IdempotencyKey, ":2")
}

func TestAfkService_TickBeforeWindowElapsed(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestAfk(t)
	_, err := svc.Start(ctx, 1)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	_, err = svc.VerifyTick(ctx, 1, 60)
	assert.ErrorIs(t, err, apperr.ErrInvalidVerificationWindow)

	session, err := svc.Status(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), session.CoinsEarned)
}

func TestAfkService_WindowEnforcement(t *testing.T) {
	for _, elapsed := range []int{0, 30, 54, 66, 120} {
		ctx := context.Background()
		svc, ledger, clock := newTestAfk(t)
		_, err := svc.Start(ctx, 1)
		require.NoError(t, err)
		clock.Advance(time.Minute)

		_, err = svc.VerifyTick(ctx, 1, elapsed)
		assert.ErrorIs(t, err, apperr.ErrInvalidVerificationWindow, "elapsed %d", elapsed)

		_, err = svc.Status(ctx, 1)
		assert.ErrorIs(t, err, apperr.ErrNoActiveSession, "elapsed %d ends the session", elapsed)

		acc, err := ledger.Balance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(0), acc.Coins)
	}

	for _, elapsed := range []int{55, 60, 65} {
		ctx := context.Background()
		svc, _, clock := newTestAfk(t)
		_, err := svc.Start(ctx, 1)
		require.NoError(t, err)
		clock.Advance(time.Minute)

		res, err := svc.VerifyTick(ctx, 1, elapsed)
		require.NoError(t, err, "elapsed %d", elapsed)
		assert.Equal(t, testAfkConfig.CoinsPerTick, res.Credited)
	}
}

func TestAfkService_SteadyCadenceInsideWindow(t *testing.T) {
	ctx := context.Background()
	svc, ledger, clock := newTestAfk(t)
	_, err := svc.Start(ctx, 1)
	require.NoError(t, err)

	// First tick at the window minimum, before a full minute has passed.
	clock.Advance(55 * time.Second)
	res, err := svc.VerifyTick(ctx, 1, 55)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Tick)
	assert.Equal(t, int64(0), res.Session.Duration)

	for i := 0; i < 20; i++ {
		clock.Advance(57 * time.Second)
		_, err := svc.VerifyTick(ctx, 1, 57)
		require.NoError(t, err, "tick %d", i+2)
	}

	// Server-side latency slightly under the client's measure is tolerated.
	clock.Advance(54 * time.Second)
	res, err = svc.VerifyTick(ctx, 1, 55)
	require.NoError(t, err)
	assert.Equal(t, int64(22), res.Tick)
	assert.Equal(t, int64((55+20*57+54)/60), res.Session.Duration)

	acc, err := ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 22*testAfkConfig.CoinsPerTick, acc.Coins)
}

func TestAfkService_VerifyWithoutSession(t *testing.T) {
	svc, _, _ := newTestAfk(t)
	_, err := svc.VerifyTick(context.Background(), 1, 60)
	assert.ErrorIs(t, err, apperr.ErrNoActiveSession)
}

func TestAfkService_StallEarnsDurationNotCoins(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestAfk(t)
	_, err := svc.Start(ctx, 1)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	res, err := svc.VerifyTick(ctx, 1, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Tick)
	assert.Equal(t, int64(3), res.Balance)
	assert.Equal(t, int64(10), res.Session.Duration)
}

// Property: the balance always equals coinsPerTick times the number of
// credited ticks, and each session's coinsEarned matches its own ticks.
func TestProperty_AfkCreditsMatchTicks(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		svc, ledger, clock := newTestAfk(rt)
		if _, err := svc.Start(ctx, 1); err != nil {
			rt.Fatalf("start: %v", err)
		}

		var credited, sessionCredited int64
		steps := rapid.IntRange(1, 20).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			advance := rapid.IntRange(0, 90).Draw(rt, "advance")
			clock.Advance(time.Duration(advance) * time.Second)
			elapsed := rapid.IntRange(50, 70).Draw(rt, "elapsed")

			res, err := svc.VerifyTick(ctx, 1, elapsed)
			switch {
			case err == nil:
				credited++
				sessionCredited++
				if res.Session.CoinsEarned != sessionCredited*testAfkConfig.CoinsPerTick {
					rt.Fatalf("coinsEarned %d after %d ticks", res.Session.CoinsEarned, sessionCredited)
				}
			case errors.Is(err, apperr.ErrInvalidVerificationWindow):
			case errors.Is(err, apperr.ErrNoActiveSession):
				if _, err := svc.Start(ctx, 1); err != nil {
					rt.Fatalf("restart: %v", err)
				}
				sessionCredited = 0
			default:
				rt.Fatalf("verify: %v", err)
			}
		}

		acc, err := ledger.Balance(ctx, 1)
		if err != nil {
			rt.Fatalf("balance: %v", err)
		}
		if acc.Coins != credited*testAfkConfig.CoinsPerTick {
			rt.Fatalf("balance %d, want %d", acc.Coins, credited*testAfkConfig.CoinsPerTick)
		}
	})
}

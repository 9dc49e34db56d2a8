package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"hosting-ledger/internal/config"
	"hosting-ledger/internal/metrics"
	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
)

// TickResult is the outcome of a verified AFK tick.
type TickResult struct {
	Session  *model.AfkSession `json:"session"`
	Tick     int64             `json:"tick"`
	Credited int64             `json:"credited"`
	Balance  int64             `json:"balance"`
}

// tickSkew absorbs request latency between the client's timer and the
// server's receive time.
const tickSkew = 2 * time.Second

// AfkService is the AFK accrual monitor. The client paces the ticks; the
// server verifies each one against the wall clock and credits coins at most
// once per verification window.
type AfkService struct {
	store   AfkStore
	ledger  *LedgerService
	cfg     config.AfkConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewAfkService creates a new AfkService instance.
func NewAfkService(store AfkStore, ledger *LedgerService, cfg config.AfkConfig, m *metrics.Metrics) *AfkService {
	return &AfkService{
		store:   store,
		ledger:  ledger,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the wall clock.
func (s *AfkService) WithClock(now func() time.Time) *AfkService {
	s.now = now
	return s
}

// Start opens a session for the account.
func (s *AfkService) Start(ctx context.Context, accountID int64) (*model.AfkSession, error) {
	session, err := s.store.Start(ctx, accountID, s.now())
	if err != nil {
		return nil, err
	}
	log.Info().Int64("account_id", accountID).Int64("session_id", session.ID).Msg("AFK session started")
	return session, nil
}

// VerifyTick checks a client tick and credits coinsPerTick.
//
// secondsElapsed is the client's own measure since its previous tick and
// must fall inside the configured window; a value outside it ends the
// session. The server also requires the window minimum to have passed on its
// own clock since the last credited tick (or the start), so a replayed or
// early tick is rejected without ending the session. Duration stays the
// whole minutes since the start.
func (s *AfkService) VerifyTick(ctx context.Context, accountID int64, secondsElapsed int) (*TickResult, error) {
	session, err := s.store.GetActive(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if secondsElapsed < s.cfg.MinWindowSeconds || secondsElapsed > s.cfg.MaxWindowSeconds {
		s.metrics.AfkTick(false)
		log.Warn().
			Int64("account_id", accountID).
			Int64("session_id", session.ID).
			Int("seconds_elapsed", secondsElapsed).
			Msg("AFK tick outside verification window, ending session")
		if _, err := s.store.Deactivate(ctx, session.ID, s.minutesSince(session), s.now()); err != nil {
			return nil, err
		}
		return nil, apperr.ErrInvalidVerificationWindow
	}

	now := s.now()
	since := session.StartTime
	if session.LastTickAt != nil {
		since = *session.LastTickAt
	}
	if waited := now.Sub(since); waited < time.Duration(s.cfg.MinWindowSeconds)*time.Second-tickSkew {
		s.metrics.AfkTick(false)
		return nil, fmt.Errorf("tick after %s, previous tick too recent: %w", waited.Truncate(time.Second), apperr.ErrInvalidVerificationWindow)
	}

	tick := session.LastTick + 1
	key := fmt.Sprintf("afk:%d:%d", session.ID, tick)
	res, err := s.ledger.Earn(ctx, accountID, s.cfg.CoinsPerTick, model.TxKindAfk, fmt.Sprintf("afk tick %d", tick), key)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.RecordTick(ctx, session.ID, tick, s.minutesSince(session), s.cfg.CoinsPerTick, now)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidVerificationWindow) {
			// A concurrent tick with the same index won; the earn above was a replay of it.
			s.metrics.AfkTick(false)
		}
		return nil, err
	}

	credited := s.cfg.CoinsPerTick
	if res.Replayed {
		credited = 0
	}
	s.metrics.AfkTick(credited > 0)

	return &TickResult{
		Session:  updated,
		Tick:     tick,
		Credited: credited,
		Balance:  res.Account.Coins,
	}, nil
}

// Stop ends the active session. The session stays as history.
func (s *AfkService) Stop(ctx context.Context, accountID int64) (*model.AfkSession, error) {
	session, err := s.store.GetActive(ctx, accountID)
	if err != nil {
		return nil, err
	}
	stopped, err := s.store.Deactivate(ctx, session.ID, s.minutesSince(session), s.now())
	if err != nil {
		return nil, err
	}
	log.Info().
		Int64("account_id", accountID).
		Int64("session_id", stopped.ID).
		Int64("duration", stopped.Duration).
		Int64("coins_earned", stopped.CoinsEarned).
		Msg("AFK session stopped")
	return stopped, nil
}

// Status returns the active session.
func (s *AfkService) Status(ctx context.Context, accountID int64) (*model.AfkSession, error) {
	return s.store.GetActive(ctx, accountID)
}

// History lists the account's sessions, newest first.
func (s *AfkService) History(ctx context.Context, accountID int64, limit int) ([]*model.AfkSession, error) {
	return s.store.ListByAccount(ctx, accountID, clampLimit(limit, 20, 200))
}

func (s *AfkService) minutesSince(session *model.AfkSession) int64 {
	elapsed := s.now().Sub(session.StartTime)
	if elapsed < 0 {
		return 0
	}
	return int64(elapsed / time.Minute)
}

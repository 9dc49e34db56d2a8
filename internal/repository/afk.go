package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
	"hosting-ledger/internal/pkg/db"
)

const afkColumns = `id, account_id, start_time, duration, coins_earned, is_active, last_tick, last_tick_at, ended_at`

func scanAfkSession(row pgx.Row) (*model.AfkSession, error) {
	var s model.AfkSession
	err := row.Scan(
		&s.ID,
		&s.AccountID,
		&s.StartTime,
		&s.Duration,
		&s.CoinsEarned,
		&s.IsActive,
		&s.LastTick,
		&s.LastTickAt,
		&s.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// AfkRepository handles AFK session persistence.
type AfkRepository struct {
	pool *pgxpool.Pool
}

// NewAfkRepository creates a new AfkRepository instance.
func NewAfkRepository(pool *pgxpool.Pool) *AfkRepository {
	return &AfkRepository{pool: pool}
}

// Start opens a new active session.
// Returns apperr.ErrSessionAlreadyActive if the account already has one.
func (r *AfkRepository) Start(ctx context.Context, accountID int64, now time.Time) (*model.AfkSession, error) {
	const query = `
		INSERT INTO afk_sessions (account_id, start_time, duration, coins_earned, is_active, last_tick)
		VALUES ($1, $2, 0, 0, TRUE, 0)
		RETURNING ` + afkColumns

	s, err := scanAfkSession(r.pool.QueryRow(ctx, query, accountID, now))
	if err != nil {
		if db.IsUniqueViolation(err, "afk_sessions_one_active") {
			return nil, apperr.ErrSessionAlreadyActive
		}
		if db.IsForeignKeyViolation(err) {
			return nil, apperr.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to start afk session: %w", err)
	}
	return s, nil
}

// GetActive returns the account's active session.
// Returns apperr.ErrNoActiveSession if there is none.
func (r *AfkRepository) GetActive(ctx context.Context, accountID int64) (*model.AfkSession, error) {
	const query = `SELECT ` + afkColumns + ` FROM afk_sessions WHERE account_id = $1 AND is_active`

	s, err := scanAfkSession(r.pool.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNoActiveSession
		}
		return nil, fmt.Errorf("failed to get afk session: %w", err)
	}
	return s, nil
}

// RecordTick advances an active session to tick at time at, adding coins to
// its total. A tick at or below the last recorded one, or an inactive
// session, yields apperr.ErrInvalidVerificationWindow and leaves the row
// untouched.
func (r *AfkRepository) RecordTick(ctx context.Context, sessionID, tick, duration, coins int64, at time.Time) (*model.AfkSession, error) {
	const query = `
		UPDATE afk_sessions
		SET last_tick = $2,
		    duration = GREATEST(duration, $3),
		    coins_earned = coins_earned + $4,
		    last_tick_at = $5
		WHERE id = $1 AND is_active AND last_tick < $2
		RETURNING ` + afkColumns

	s, err := scanAfkSession(r.pool.QueryRow(ctx, query, sessionID, tick, duration, coins, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrInvalidVerificationWindow
		}
		return nil, fmt.Errorf("failed to record afk tick: %w", err)
	}
	return s, nil
}

// Deactivate closes a session, recording its final duration.
// Closing an already inactive session is a no-op that returns the stored row.
func (r *AfkRepository) Deactivate(ctx context.Context, sessionID, duration int64, now time.Time) (*model.AfkSession, error) {
	const query = `
		UPDATE afk_sessions
		SET is_active = FALSE,
		    duration = GREATEST(duration, $2),
		    ended_at = $3
		WHERE id = $1 AND is_active
		RETURNING ` + afkColumns

	s, err := scanAfkSession(r.pool.QueryRow(ctx, query, sessionID, duration, now))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to stop afk session: %w", err)
	}

	s, err = scanAfkSession(r.pool.QueryRow(ctx, `SELECT `+afkColumns+` FROM afk_sessions WHERE id = $1`, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNoActiveSession
		}
		return nil, fmt.Errorf("failed to get afk session: %w", err)
	}
	return s, nil
}

// ListByAccount returns an account's sessions, newest first.
func (r *AfkRepository) ListByAccount(ctx context.Context, accountID int64, limit int) ([]*model.AfkSession, error) {
	const query = `
		SELECT ` + afkColumns + `
		FROM afk_sessions
		WHERE account_id = $1
		ORDER BY start_time DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list afk sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.AfkSession
	for rows.Next() {
		s, err := scanAfkSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan afk session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating afk sessions: %w", err)
	}
	return sessions, nil
}

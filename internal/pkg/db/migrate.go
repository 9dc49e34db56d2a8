package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

type migration struct {
	name string
	sql  string
}

// migrations are idempotent and applied in order on every start.
var migrations = []migration{
	{
		name: "accounts table",
		sql: `
		CREATE TABLE IF NOT EXISTS accounts (
			id BIGINT PRIMARY KEY,
			email VARCHAR(320) NOT NULL DEFAULT '',
			coins BIGINT NOT NULL DEFAULT 0 CHECK (coins >= 0),
			ram BIGINT NOT NULL DEFAULT 0 CHECK (ram >= 0),
			cpu BIGINT NOT NULL DEFAULT 0 CHECK (cpu >= 0),
			disk BIGINT NOT NULL DEFAULT 0 CHECK (disk >= 0),
			server_slots BIGINT NOT NULL DEFAULT 1 CHECK (server_slots >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_accounts_coins ON accounts(coins DESC);
		`,
	},
	{
		name: "transactions table",
		sql: `
		CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			amount BIGINT NOT NULL,
			kind VARCHAR(32) NOT NULL
				CHECK (kind IN ('afk', 'join4reward', 'purchase', 'upgrade', 'admin-adjust')),
			description TEXT NOT NULL DEFAULT '',
			idempotency_key VARCHAR(255),
			balance_after BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_account_time ON transactions(account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transactions_kind_time ON transactions(kind, created_at DESC);
		`,
	},
	{
		name: "idempotency_keys table",
		sql: `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			key VARCHAR(255) NOT NULL,
			transaction_id BIGINT NOT NULL REFERENCES transactions(id) ON DELETE CASCADE,
			coins BIGINT NOT NULL,
			ram BIGINT NOT NULL,
			cpu BIGINT NOT NULL,
			disk BIGINT NOT NULL,
			server_slots BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (account_id, key)
		);
		`,
	},
	{
		name: "afk_sessions table",
		sql: `
		CREATE TABLE IF NOT EXISTS afk_sessions (
			id BIGSERIAL PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			start_time TIMESTAMPTZ NOT NULL,
			duration BIGINT NOT NULL DEFAULT 0,
			coins_earned BIGINT NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_tick BIGINT NOT NULL DEFAULT 0,
			last_tick_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS afk_sessions_one_active ON afk_sessions(account_id) WHERE is_active;
		`,
	},
	{
		name: "nodes table",
		sql: `
		CREATE TABLE IF NOT EXISTS nodes (
			id BIGINT PRIMARY KEY,
			name VARCHAR(255) NOT NULL DEFAULT '',
			ram_total BIGINT NOT NULL CHECK (ram_total >= 0),
			cpu_total BIGINT NOT NULL CHECK (cpu_total >= 0),
			disk_total BIGINT NOT NULL CHECK (disk_total >= 0),
			ram_used BIGINT NOT NULL DEFAULT 0 CHECK (ram_used >= 0),
			cpu_used BIGINT NOT NULL DEFAULT 0 CHECK (cpu_used >= 0),
			disk_used BIGINT NOT NULL DEFAULT 0 CHECK (disk_used >= 0),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		`,
	},
	{
		name: "servers table",
		sql: `
		CREATE TABLE IF NOT EXISTS servers (
			id UUID PRIMARY KEY,
			account_id BIGINT NOT NULL REFERENCES accounts(id),
			name VARCHAR(255) NOT NULL,
			node_id BIGINT NOT NULL REFERENCES nodes(id),
			ram BIGINT NOT NULL CHECK (ram >= 0),
			cpu BIGINT NOT NULL CHECK (cpu >= 0),
			disk BIGINT NOT NULL CHECK (disk >= 0),
			status VARCHAR(16) NOT NULL
				CHECK (status IN ('pending', 'online', 'offline', 'deleting')),
			remote_id VARCHAR(255),
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_servers_account ON servers(account_id);
		CREATE INDEX IF NOT EXISTS idx_servers_node ON servers(node_id);
		`,
	},
	{
		name: "inconsistencies table",
		sql: `
		CREATE TABLE IF NOT EXISTS inconsistencies (
			id BIGSERIAL PRIMARY KEY,
			server_id UUID NOT NULL,
			account_id BIGINT NOT NULL,
			remote_id VARCHAR(255),
			action VARCHAR(32) NOT NULL,
			outcome VARCHAR(32) NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			resolved_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_inconsistencies_open ON inconsistencies(created_at DESC) WHERE resolved_at IS NULL;
		`,
	},
}

// Migrate applies the database schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	log.Info().Msg("Running database migrations...")

	for i, m := range migrations {
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", i+1, m.name, err)
		}
		log.Info().Int("migration", i+1).Str("name", m.name).Msg("Migration applied")
	}

	log.Info().Msg("All migrations completed successfully")
	return nil
}

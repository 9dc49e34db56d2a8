package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"hosting-ledger/internal/catalog"
	"hosting-ledger/internal/config"
	"hosting-ledger/internal/metrics"
	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
)

// LedgerService is the transaction engine. Every balance or resource change
// goes through it and produces exactly one transaction row.
type LedgerService struct {
	accounts AccountStore
	txs      TransactionLog
	cache    ResultCache
	metrics  *metrics.Metrics

	inflight singleflight.Group
}

// NewLedgerService creates a new LedgerService instance. cache may be nil.
func NewLedgerService(accounts AccountStore, txs TransactionLog, cache ResultCache, m *metrics.Metrics) *LedgerService {
	return &LedgerService{
		accounts: accounts,
		txs:      txs,
		cache:    cache,
		metrics:  m,
	}
}

// CreateAccount registers an account with zero coins and the resources in
// settings. Registering an existing id returns the stored account and false.
func (s *LedgerService) CreateAccount(ctx context.Context, id int64, email string, settings config.DefaultsConfig) (*model.Account, bool, error) {
	if id <= 0 {
		return nil, false, fmt.Errorf("account id must be positive: %w", apperr.ErrInvalidRequest)
	}
	if settings.ServerSlots < 1 || settings.RAM < 0 || settings.CPU < 0 || settings.Disk < 0 {
		return nil, false, fmt.Errorf("invalid account defaults: %w", apperr.ErrInvalidRequest)
	}

	res := model.Delta{
		RAM:         settings.RAM,
		CPU:         settings.CPU,
		Disk:        settings.Disk,
		ServerSlots: settings.ServerSlots,
	}
	acc, created, err := s.accounts.Create(ctx, id, email, res)
	if err != nil {
		return nil, false, err
	}
	if created {
		log.Info().Int64("account_id", id).Msg("Account created")
	}
	return acc, created, nil
}

// DeleteAccount removes an account and its history. Accounts that still own
// servers cannot be deleted.
func (s *LedgerService) DeleteAccount(ctx context.Context, id int64) error {
	if err := s.accounts.Delete(ctx, id); err != nil {
		return err
	}
	if s.cache != nil {
		if err := s.cache.Forget(ctx, id); err != nil {
			log.Warn().Err(err).Int64("account_id", id).Msg("Failed to drop cached ledger results")
		}
	}
	log.Info().Int64("account_id", id).Msg("Account deleted")
	return nil
}

// Balance returns the account's current state.
func (s *LedgerService) Balance(ctx context.Context, id int64) (*model.Account, error) {
	return s.accounts.GetByID(ctx, id)
}

// Accounts lists accounts ordered by id.
func (s *LedgerService) Accounts(ctx context.Context, limit, offset int) ([]*model.Account, error) {
	if offset < 0 {
		offset = 0
	}
	return s.accounts.List(ctx, clampLimit(limit, 50, 500), offset)
}

// Earn credits amount coins.
func (s *LedgerService) Earn(ctx context.Context, accountID, amount int64, kind model.TransactionKind, description, idempotencyKey string) (*model.LedgerResult, error) {
	if amount <= 0 {
		return nil, apperr.ErrInvalidAmount
	}
	if !kind.Valid() || kind == model.TxKindUpgrade {
		return nil, fmt.Errorf("cannot earn with kind %q: %w", kind, apperr.ErrInvalidRequest)
	}
	return s.apply(ctx, accountID, model.Delta{Coins: amount}, model.TransactionDraft{
		Kind:           kind,
		Description:    description,
		IdempotencyKey: idempotencyKey,
	})
}

// Spend debits cost coins for one unit of an upgrade.
func (s *LedgerService) Spend(ctx context.Context, accountID int64, upgrade catalog.UpgradeType, cost int64, idempotencyKey string) (*model.LedgerResult, error) {
	return s.SpendUpgrade(ctx, accountID, upgrade, 1, cost, idempotencyKey)
}

// SpendUpgrade debits cost coins and grants quantity units of upgrade in the
// same mutation.
func (s *LedgerService) SpendUpgrade(ctx context.Context, accountID int64, upgrade catalog.UpgradeType, quantity, cost int64, idempotencyKey string) (*model.LedgerResult, error) {
	effect, ok := upgrade.Effect()
	if !ok {
		return nil, apperr.ErrInvalidUpgradeType
	}
	if quantity < 1 {
		return nil, apperr.ErrInvalidAmount
	}
	description := fmt.Sprintf("upgrade %s x%d", upgrade, quantity)
	return s.SpendFor(ctx, accountID, cost, effect.Scale(quantity), model.TxKindUpgrade, description, idempotencyKey)
}

// SpendFor debits cost coins and applies grant in one mutation.
func (s *LedgerService) SpendFor(ctx context.Context, accountID, cost int64, grant model.Delta, kind model.TransactionKind, description, idempotencyKey string) (*model.LedgerResult, error) {
	if cost <= 0 {
		return nil, apperr.ErrInvalidAmount
	}
	if grant.Coins != 0 {
		return nil, fmt.Errorf("grant cannot carry coins: %w", apperr.ErrInvalidRequest)
	}
	delta := grant
	delta.Coins = -cost
	return s.apply(ctx, accountID, delta, model.TransactionDraft{
		Kind:           kind,
		Description:    description,
		IdempotencyKey: idempotencyKey,
	})
}

// AdminAdjust applies an arbitrary signed delta. A resource-only adjustment
// still writes one zero-amount transaction row.
func (s *LedgerService) AdminAdjust(ctx context.Context, accountID int64, delta model.Delta, description, idempotencyKey string) (*model.LedgerResult, error) {
	if delta.IsZero() {
		return nil, apperr.ErrInvalidAmount
	}
	if description == "" {
		description = "admin adjustment"
	}
	res, err := s.apply(ctx, accountID, delta, model.TransactionDraft{
		Kind:           model.TxKindAdminAdjust,
		Description:    description,
		IdempotencyKey: idempotencyKey,
	})
	if err == nil && !res.Replayed {
		log.Info().
			Int64("account_id", accountID).
			Int64("coins", delta.Coins).
			Int64("ram", delta.RAM).
			Int64("cpu", delta.CPU).
			Int64("disk", delta.Disk).
			Int64("server_slots", delta.ServerSlots).
			Str("description", description).
			Msg("Admin adjustment applied")
	}
	return res, err
}

// Prefixes of idempotency keys derived by the services. Client keys are
// scoped under clientKeyPrefix so they never collide with these.
const (
	clientKeyPrefix  = "client:"
	paymentKeyPrefix = "payment:"
)

// ClientKey scopes a caller-chosen idempotency key to op. The same client key
// used for two different operations names two different requests.
func ClientKey(op, key string) string {
	if key == "" {
		return ""
	}
	return clientKeyPrefix + op + ":" + key
}

// Seen reports whether idempotencyKey was already used for the account.
func (s *LedgerService) Seen(ctx context.Context, accountID int64, idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, nil
	}
	if s.cache != nil {
		if _, ok := s.cache.Get(ctx, accountID, idempotencyKey); ok {
			return true, nil
		}
	}
	tx, err := s.txs.GetByIdempotencyKey(ctx, accountID, idempotencyKey)
	if err != nil {
		return false, err
	}
	return tx != nil, nil
}

// History returns the account's transactions, newest first. An empty kind
// lists every kind.
func (s *LedgerService) History(ctx context.Context, accountID int64, kind model.TransactionKind, limit int) ([]*model.Transaction, error) {
	if _, err := s.accounts.GetByID(ctx, accountID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, 20, 200)
	if kind == "" {
		return s.txs.ListByAccount(ctx, accountID, limit)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown transaction kind %q: %w", kind, apperr.ErrInvalidRequest)
	}
	return s.txs.ListByAccountAndKind(ctx, accountID, kind, limit)
}

// Audit compares an account's coins with the sum of its transactions.
func (s *LedgerService) Audit(ctx context.Context, accountID int64) (*model.LedgerMismatch, error) {
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sum, err := s.txs.SumByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	report := &model.LedgerMismatch{AccountID: accountID, Coins: acc.Coins, Sum: sum}
	if !report.Balanced() {
		log.Error().
			Int64("account_id", accountID).
			Int64("coins", acc.Coins).
			Int64("sum", sum).
			Msg("Ledger mismatch")
	}
	return report, nil
}

// AuditAll returns every account whose coins differ from its transaction sum.
func (s *LedgerService) AuditAll(ctx context.Context) ([]*model.LedgerMismatch, error) {
	mismatches, err := s.txs.Mismatches(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range mismatches {
		log.Error().
			Int64("account_id", m.AccountID).
			Int64("coins", m.Coins).
			Int64("sum", m.Sum).
			Msg("Ledger mismatch")
	}
	return mismatches, nil
}

// apply runs one ledger mutation. Keyed calls are answered from the cache
// when possible, and concurrent in-process calls with the same key share a
// single store round trip.
func (s *LedgerService) apply(ctx context.Context, accountID int64, delta model.Delta, draft model.TransactionDraft) (*model.LedgerResult, error) {
	kind := string(draft.Kind)

	if draft.IdempotencyKey == "" {
		res, err := s.accounts.ApplyDelta(ctx, accountID, delta, draft)
		s.observe(kind, res, err)
		return res, err
	}

	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, accountID, draft.IdempotencyKey); ok {
			s.metrics.CacheLookup(true)
			replay := *cached
			replay.Replayed = true
			s.observe(kind, &replay, nil)
			return &replay, nil
		}
		s.metrics.CacheLookup(false)
	}

	flightKey := strconv.FormatInt(accountID, 10) + ":" + draft.IdempotencyKey
	ran := false
	v, err, _ := s.inflight.Do(flightKey, func() (any, error) {
		ran = true
		return s.accounts.ApplyDelta(ctx, accountID, delta, draft)
	})
	if err != nil {
		s.observe(kind, nil, err)
		return nil, err
	}

	res := *v.(*model.LedgerResult)
	if !ran {
		// Joined another caller's flight; that caller owns the original apply.
		res.Replayed = true
	}
	if s.cache != nil {
		s.cache.Put(ctx, accountID, draft.IdempotencyKey, &model.LedgerResult{
			Account:     res.Account,
			Transaction: res.Transaction,
		})
	}
	s.observe(kind, &res, nil)
	return &res, nil
}

func (s *LedgerService) observe(kind string, res *model.LedgerResult, err error) {
	switch {
	case err != nil:
		s.metrics.LedgerMutation(kind, "rejected")
		if apperr.KindOf(err) == apperr.KindInternal && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("kind", kind).Msg("Ledger mutation failed")
		}
	case res.Replayed:
		s.metrics.LedgerMutation(kind, "replayed")
	default:
		s.metrics.LedgerMutation(kind, "applied")
	}
}

// Package servicetest provides in-memory stores and a scriptable control
// plane for exercising the service layer without PostgreSQL.
package servicetest

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"hosting-ledger/internal/controlplane"
	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
)

// Ledger is an in-memory account store and transaction log. One mutex plays
// the role of the account row lock.
type Ledger struct {
	mu       sync.Mutex
	accounts map[int64]*model.Account
	txs      []*model.Transaction
	keys     map[string]*model.LedgerResult
	nextTx   int64
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[int64]*model.Account),
		keys:     make(map[string]*model.LedgerResult),
	}
}

func idemKey(accountID int64, key string) string {
	return strconv.FormatInt(accountID, 10) + ":" + key
}

func (m *Ledger) Create(_ context.Context, id int64, email string, res model.Delta) (*model.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[id]; ok {
		cp := *acc
		return &cp, false, nil
	}
	acc := &model.Account{
		ID:          id,
		Email:       email,
		RAM:         res.RAM,
		CPU:         res.CPU,
		Disk:        res.Disk,
		ServerSlots: res.ServerSlots,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	m.accounts[id] = acc
	cp := *acc
	return &cp, true, nil
}

func (m *Ledger) GetByID(_ context.Context, id int64) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[id]
	if !ok {
		return nil, apperr.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (m *Ledger) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return apperr.ErrAccountNotFound
	}
	delete(m.accounts, id)
	return nil
}

func (m *Ledger) List(_ context.Context, limit, offset int) ([]*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Account
	for _, acc := range m.accounts {
		cp := *acc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Ledger) ApplyDelta(_ context.Context, accountID int64, delta model.Delta, draft model.TransactionDraft) (*model.LedgerResult, error) {
	if !draft.Kind.Valid() {
		return nil, apperr.ErrInvalidRequest
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[accountID]
	if !ok {
		return nil, apperr.ErrAccountNotFound
	}
	if draft.IdempotencyKey != "" {
		if prev, ok := m.keys[idemKey(accountID, draft.IdempotencyKey)]; ok {
			replay := *prev
			replay.Replayed = true
			return &replay, nil
		}
	}
	next, ok := delta.ApplyTo(*acc)
	if !ok {
		return nil, apperr.ErrInsufficientFunds
	}
	next.UpdatedAt = time.Now()
	*acc = next

	m.nextTx++
	tx := &model.Transaction{
		ID:           m.nextTx,
		AccountID:    accountID,
		Amount:       delta.Coins,
		Kind:         draft.Kind,
		Description:  draft.Description,
		BalanceAfter: next.Coins,
		CreatedAt:    time.Now(),
	}
	if draft.IdempotencyKey != "" {
		k := draft.IdempotencyKey
		tx.IdempotencyKey = &k
	}
	m.txs = append(m.txs, tx)

	res := &model.LedgerResult{Account: next, Transaction: *tx}
	if draft.IdempotencyKey != "" {
		stored := *res
		m.keys[idemKey(accountID, draft.IdempotencyKey)] = &stored
	}
	return res, nil
}

func (m *Ledger) ListByAccount(ctx context.Context, accountID int64, limit int) ([]*model.Transaction, error) {
	return m.ListByAccountAndKind(ctx, accountID, "", limit)
}

func (m *Ledger) ListByAccountAndKind(_ context.Context, accountID int64, kind model.TransactionKind, limit int) ([]*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Transaction
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		tx := m.txs[i]
		if tx.AccountID != accountID || (kind != "" && tx.Kind != kind) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Ledger) GetByIdempotencyKey(_ context.Context, accountID int64, key string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.keys[idemKey(accountID, key)]; ok {
		tx := res.Transaction
		return &tx, nil
	}
	return nil, nil
}

func (m *Ledger) SumByAccount(_ context.Context, accountID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, tx := range m.txs {
		if tx.AccountID == accountID {
			sum += tx.Amount
		}
	}
	return sum, nil
}

func (m *Ledger) Mismatches(_ context.Context) ([]*model.LedgerMismatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sums := make(map[int64]int64)
	for _, tx := range m.txs {
		sums[tx.AccountID] += tx.Amount
	}
	var out []*model.LedgerMismatch
	for id, acc := range m.accounts {
		if acc.Coins != sums[id] {
			out = append(out, &model.LedgerMismatch{AccountID: id, Coins: acc.Coins, Sum: sums[id]})
		}
	}
	return out, nil
}

// Corrupt sets coins without writing a transaction.
func (m *Ledger) Corrupt(accountID, coins int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[accountID].Coins = coins
}

// TxCount returns the number of transactions written.
func (m *Ledger) TxCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

// Cache is an idempotency result cache backed by a map.
type Cache struct {
	mu      sync.Mutex
	results map[string]*model.LedgerResult
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{results: make(map[string]*model.LedgerResult)}
}

func (c *Cache) Get(_ context.Context, accountID int64, key string) (*model.LedgerResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[idemKey(accountID, key)]
	if !ok {
		return nil, false
	}
	cp := *res
	return &cp, true
}

func (c *Cache) Put(_ context.Context, accountID int64, key string, res *model.LedgerResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *res
	c.results[idemKey(accountID, key)] = &cp
}

func (c *Cache) Forget(_ context.Context, accountID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strconv.FormatInt(accountID, 10) + ":"
	for k := range c.results {
		if strings.HasPrefix(k, prefix) {
			delete(c.results, k)
		}
	}
	return nil
}

// AfkStore keeps AFK sessions in memory.
type AfkStore struct {
	mu       sync.Mutex
	sessions []*model.AfkSession
}

func (m *AfkStore) Start(_ context.Context, accountID int64, now time.Time) (*model.AfkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.AccountID == accountID && s.IsActive {
			return nil, apperr.ErrSessionAlreadyActive
		}
	}
	s := &model.AfkSession{ID: int64(len(m.sessions) + 1), AccountID: accountID, StartTime: now, IsActive: true}
	m.sessions = append(m.sessions, s)
	cp := *s
	return &cp, nil
}

func (m *AfkStore) GetActive(_ context.Context, accountID int64) (*model.AfkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.AccountID == accountID && s.IsActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, apperr.ErrNoActiveSession
}

func (m *AfkStore) RecordTick(_ context.Context, sessionID, tick, duration, coins int64, at time.Time) (*model.AfkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == sessionID && s.IsActive && s.LastTick < tick {
			s.LastTick = tick
			s.Duration = max(s.Duration, duration)
			s.CoinsEarned += coins
			tickAt := at
			s.LastTickAt = &tickAt
			cp := *s
			return &cp, nil
		}
	}
	return nil, apperr.ErrInvalidVerificationWindow
}

func (m *AfkStore) Deactivate(_ context.Context, sessionID, duration int64, now time.Time) (*model.AfkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID != sessionID {
			continue
		}
		if s.IsActive {
			s.IsActive = false
			s.Duration = max(s.Duration, duration)
			ended := now
			s.EndedAt = &ended
		}
		cp := *s
		return &cp, nil
	}
	return nil, apperr.ErrNoActiveSession
}

func (m *AfkStore) ListByAccount(_ context.Context, accountID int64, limit int) ([]*model.AfkSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.AfkSession
	for i := len(m.sessions) - 1; i >= 0 && len(out) < limit; i-- {
		if s := m.sessions[i]; s.AccountID == accountID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Infra holds nodes, servers and inconsistencies under one lock, as the
// database shares one transaction.
type Infra struct {
	mu      sync.Mutex
	ledger  *Ledger
	nodes   map[int64]*model.NodeCapacity
	servers map[string]*model.ServerRecord
	incs    []*model.Inconsistency

	// DeleteErr, when set, fails DeleteWithRelease.
	DeleteErr error
}

// NewInfra returns node, server and inconsistency stores that check quotas
// against ledger.
func NewInfra(ledger *Ledger) *Infra {
	return &Infra{
		ledger:  ledger,
		nodes:   make(map[int64]*model.NodeCapacity),
		servers: make(map[string]*model.ServerRecord),
	}
}

func (m *Infra) Register(_ context.Context, nodeID int64, name string, total model.Resources) (*model.NodeCapacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		n = &model.NodeCapacity{NodeID: nodeID}
		m.nodes[nodeID] = n
	}
	n.Name = name
	n.RAMTotal, n.CPUTotal, n.DiskTotal = total.RAM, total.CPU, total.Disk
	cp := *n
	return &cp, nil
}

func (m *Infra) GetByID(_ context.Context, nodeID int64) (*model.NodeCapacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, apperr.ErrNodeNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *Infra) List(_ context.Context) ([]*model.NodeCapacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.NodeCapacity
	for _, n := range m.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (m *Infra) reserveLocked(nodeID int64, req model.Resources) (*model.NodeCapacity, error) {
	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, apperr.ErrNodeNotFound
	}
	used := model.Resources{RAM: n.RAMUsed, CPU: n.CPUUsed, Disk: n.DiskUsed}.Add(req)
	if !used.Fits(model.Resources{RAM: n.RAMTotal, CPU: n.CPUTotal, Disk: n.DiskTotal}) {
		return nil, apperr.ErrCapacityExceeded
	}
	n.RAMUsed, n.CPUUsed, n.DiskUsed = used.RAM, used.CPU, used.Disk
	cp := *n
	return &cp, nil
}

func (m *Infra) releaseLocked(nodeID int64, req model.Resources) (*model.NodeCapacity, error) {
	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, apperr.ErrNodeNotFound
	}
	n.RAMUsed = max(n.RAMUsed-req.RAM, 0)
	n.CPUUsed = max(n.CPUUsed-req.CPU, 0)
	n.DiskUsed = max(n.DiskUsed-req.Disk, 0)
	cp := *n
	return &cp, nil
}

func (m *Infra) Reserve(_ context.Context, nodeID int64, req model.Resources) (*model.NodeCapacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserveLocked(nodeID, req)
}

func (m *Infra) Release(_ context.Context, nodeID int64, req model.Resources) (*model.NodeCapacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(nodeID, req)
}

func (m *Infra) SetTotals(_ context.Context, nodeID int64, total model.Resources) (*model.NodeCapacity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[nodeID]
	if !ok {
		return nil, apperr.ErrNodeNotFound
	}
	n.RAMTotal, n.CPUTotal, n.DiskTotal = total.RAM, total.CPU, total.Disk
	cp := *n
	return &cp, nil
}

// Servers exposes Infra as a server store; the node and server method sets
// collide on GetByID.
type Servers struct{ *Infra }

func (m Servers) CreateWithReservation(ctx context.Context, rec *model.ServerRecord) (*model.ServerRecord, error) {
	acc, err := m.ledger.GetByID(ctx, rec.AccountID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	used := rec.Resources()
	for _, s := range m.servers {
		if s.AccountID == rec.AccountID {
			count++
			used = used.Add(s.Resources())
		}
	}
	if count+1 > acc.ServerSlots || !used.Fits(model.Resources{RAM: acc.RAM, CPU: acc.CPU, Disk: acc.Disk}) {
		return nil, apperr.ErrQuotaExceeded
	}
	if _, err := m.reserveLocked(rec.NodeID, rec.Resources()); err != nil {
		return nil, err
	}
	stored := *rec
	stored.Status = model.ServerPending
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	m.servers[stored.ID] = &stored
	cp := stored
	return &cp, nil
}

func (m Servers) GetByID(_ context.Context, id string) (*model.ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, apperr.ErrServerNotFound
	}
	cp := *s
	return &cp, nil
}

func (m Servers) ListByAccount(_ context.Context, accountID int64) ([]*model.ServerRecord, error) {
	all, _ := m.ListAll(context.Background())
	var out []*model.ServerRecord
	for _, s := range all {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m Servers) ListAll(_ context.Context) ([]*model.ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ServerRecord
	for _, s := range m.servers {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m Servers) CountConfirmed(_ context.Context, accountID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.servers {
		if s.AccountID == accountID && s.Confirmed() {
			n++
		}
	}
	return n, nil
}

func (m Servers) mutate(id string, fn func(*model.ServerRecord)) (*model.ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, apperr.ErrServerNotFound
	}
	fn(s)
	s.UpdatedAt = time.Now()
	cp := *s
	return &cp, nil
}

func (m Servers) SetRemote(_ context.Context, id, remoteID string, status model.ServerStatus) (*model.ServerRecord, error) {
	return m.mutate(id, func(s *model.ServerRecord) {
		s.RemoteID = &remoteID
		s.Status = status
		s.LastError = nil
	})
}

func (m Servers) SetStatus(_ context.Context, id string, status model.ServerStatus) (*model.ServerRecord, error) {
	return m.mutate(id, func(s *model.ServerRecord) { s.Status = status })
}

func (m Servers) SetError(_ context.Context, id, lastError string) (*model.ServerRecord, error) {
	return m.mutate(id, func(s *model.ServerRecord) { s.LastError = &lastError })
}

func (m Servers) DeleteWithRelease(_ context.Context, id string) (*model.ServerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[id]
	if !ok {
		return nil, apperr.ErrServerNotFound
	}
	if m.DeleteErr != nil {
		return nil, m.DeleteErr
	}
	if _, err := m.releaseLocked(s.NodeID, s.Resources()); err != nil && !errors.Is(err, apperr.ErrNodeNotFound) {
		return nil, err
	}
	delete(m.servers, id)
	cp := *s
	return &cp, nil
}

// Inconsistencies exposes Infra as an inconsistency store.
type Inconsistencies struct{ *Infra }

func (m Inconsistencies) Create(_ context.Context, inc *model.Inconsistency) (*model.Inconsistency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *inc
	stored.ID = int64(len(m.incs) + 1)
	stored.CreatedAt = time.Now()
	m.incs = append(m.incs, &stored)
	cp := stored
	return &cp, nil
}

func (m Inconsistencies) List(_ context.Context, onlyOpen bool, limit int) ([]*model.Inconsistency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Inconsistency
	for i := len(m.incs) - 1; i >= 0 && len(out) < limit; i-- {
		if onlyOpen && m.incs[i].ResolvedAt != nil {
			continue
		}
		cp := *m.incs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m Inconsistencies) Resolve(_ context.Context, id int64) (*model.Inconsistency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range m.incs {
		if inc.ID == id && inc.ResolvedAt == nil {
			now := time.Now()
			inc.ResolvedAt = &now
			cp := *inc
			return &cp, nil
		}
	}
	return nil, apperr.ErrInvalidRequest
}

// Remote is a scriptable controlplane.Client. Set the error fields before
// use, or call Fail from concurrent tests.
type Remote struct {
	mu        sync.Mutex
	CreateErr error
	PowerErr  error
	DeleteErr error
	Block     chan struct{}
	Created   []controlplane.CreateRequest
	Signals   []controlplane.PowerSignal
	Deleted   []string
}

func (f *Remote) CreateInstance(ctx context.Context, req controlplane.CreateRequest) (*controlplane.Instance, error) {
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return nil, errors.Join(apperr.ErrRemoteActionFailed, ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	f.Created = append(f.Created, req)
	return &controlplane.Instance{RemoteID: "remote-" + req.ServerID[:8], Status: model.ServerOffline}, nil
}

// Fail makes every later create and delete return err; nil heals it.
func (f *Remote) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateErr = err
	f.DeleteErr = err
}

func (f *Remote) SetPower(_ context.Context, _ string, signal controlplane.PowerSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PowerErr != nil {
		return f.PowerErr
	}
	f.Signals = append(f.Signals, signal)
	return nil
}

func (f *Remote) DeleteInstance(_ context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.Deleted = append(f.Deleted, remoteID)
	return nil
}

var _ controlplane.Client = (*Remote)(nil)

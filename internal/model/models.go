// Package model defines the data models for the resource ledger.
package model

import "time"

// Account is a user's resource ledger.
// Coins, RAM (GB), CPU (percent, 100 = one core), disk (GB) and server slots
// are never negative.
type Account struct {
	ID          int64     `db:"id" json:"id"`
	Email       string    `db:"email" json:"email"`
	Coins       int64     `db:"coins" json:"coins"`
	RAM         int64     `db:"ram" json:"ram"`
	CPU         int64     `db:"cpu" json:"cpu"`
	Disk        int64     `db:"disk" json:"disk"`
	ServerSlots int64     `db:"server_slots" json:"serverSlots"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

// Delta is a signed change applied to an account's fields.
type Delta struct {
	Coins       int64 `json:"coins,omitempty" yaml:"coins"`
	RAM         int64 `json:"ram,omitempty" yaml:"ram"`
	CPU         int64 `json:"cpu,omitempty" yaml:"cpu"`
	Disk        int64 `json:"disk,omitempty" yaml:"disk"`
	ServerSlots int64 `json:"serverSlots,omitempty" yaml:"server_slots"`
}

// Scale multiplies every field by n.
func (d Delta) Scale(n int64) Delta {
	return Delta{
		Coins:       d.Coins * n,
		RAM:         d.RAM * n,
		CPU:         d.CPU * n,
		Disk:        d.Disk * n,
		ServerSlots: d.ServerSlots * n,
	}
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d == Delta{}
}

// ApplyTo returns the account fields after applying d, and false if any
// resulting field would be negative.
func (d Delta) ApplyTo(a Account) (Account, bool) {
	a.Coins += d.Coins
	a.RAM += d.RAM
	a.CPU += d.CPU
	a.Disk += d.Disk
	a.ServerSlots += d.ServerSlots
	ok := a.Coins >= 0 && a.RAM >= 0 && a.CPU >= 0 && a.Disk >= 0 && a.ServerSlots >= 0
	return a, ok
}

// TransactionKind categorizes a ledger transaction.
type TransactionKind string

// Transaction kinds.
const (
	TxKindAfk         TransactionKind = "afk"          // verified AFK tick
	TxKindJoinReward  TransactionKind = "join4reward"  // one-off reward task
	TxKindPurchase    TransactionKind = "purchase"     // catalog item
	TxKindUpgrade     TransactionKind = "upgrade"      // coins spent on a resource upgrade
	TxKindAdminAdjust TransactionKind = "admin-adjust" // manual adjustment
)

// Valid reports whether k is a known kind.
func (k TransactionKind) Valid() bool {
	switch k {
	case TxKindAfk, TxKindJoinReward, TxKindPurchase, TxKindUpgrade, TxKindAdminAdjust:
		return true
	}
	return false
}

// Transaction is an immutable ledger record. Amount is the signed coin change.
type Transaction struct {
	ID             int64           `db:"id" json:"id"`
	AccountID      int64           `db:"account_id" json:"accountId"`
	Amount         int64           `db:"amount" json:"amount"`
	Kind           TransactionKind `db:"kind" json:"kind"`
	Description    string          `db:"description" json:"description"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotencyKey,omitempty"`
	BalanceAfter   int64           `db:"balance_after" json:"balanceAfter"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// TransactionDraft describes the transaction row to write with a delta.
type TransactionDraft struct {
	Kind           TransactionKind
	Description    string
	IdempotencyKey string
}

// LedgerResult is the outcome of one atomic ledger mutation.
// Replayed is set when an idempotency key matched an earlier mutation and
// the stored result was returned without re-applying anything.
type LedgerResult struct {
	Account     Account     `json:"account"`
	Transaction Transaction `json:"transaction"`
	Replayed    bool        `json:"replayed"`
}

// LedgerMismatch reports an account whose transaction sum differs from its coins.
type LedgerMismatch struct {
	AccountID int64 `db:"account_id" json:"accountId"`
	Coins     int64 `db:"coins" json:"coins"`
	Sum       int64 `db:"sum" json:"sum"`
}

// Balanced reports whether the transaction sum matches the balance.
func (m LedgerMismatch) Balanced() bool {
	return m.Coins == m.Sum
}

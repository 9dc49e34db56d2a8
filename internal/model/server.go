package model

import "time"

// AfkSession tracks one AFK accrual run for an account.
type AfkSession struct {
	ID          int64      `db:"id" json:"id"`
	AccountID   int64      `db:"account_id" json:"accountId"`
	StartTime   time.Time  `db:"start_time" json:"startTime"`
	Duration    int64      `db:"duration" json:"duration"` // minutes
	CoinsEarned int64      `db:"coins_earned" json:"coinsEarned"`
	IsActive    bool       `db:"is_active" json:"isActive"`
	LastTick    int64      `db:"last_tick" json:"lastTick"` // credited ticks so far
	LastTickAt  *time.Time `db:"last_tick_at" json:"lastTickAt,omitempty"`
	EndedAt     *time.Time `db:"ended_at" json:"endedAt,omitempty"`
}

// ServerStatus is the local lifecycle state of a server record.
type ServerStatus string

// Server statuses.
const (
	ServerPending  ServerStatus = "pending"
	ServerOnline   ServerStatus = "online"
	ServerOffline  ServerStatus = "offline"
	ServerDeleting ServerStatus = "deleting"
)

// Resources is an amount of ram (GB), cpu (percent) and disk (GB).
type Resources struct {
	RAM  int64 `json:"ram"`
	CPU  int64 `json:"cpu"`
	Disk int64 `json:"disk"`
}

// Add returns r + o.
func (r Resources) Add(o Resources) Resources {
	return Resources{RAM: r.RAM + o.RAM, CPU: r.CPU + o.CPU, Disk: r.Disk + o.Disk}
}

// Fits reports whether r fits in limit on every axis.
func (r Resources) Fits(limit Resources) bool {
	return r.RAM <= limit.RAM && r.CPU <= limit.CPU && r.Disk <= limit.Disk
}

// Valid reports whether all amounts are non-negative.
func (r Resources) Valid() bool {
	return r.RAM >= 0 && r.CPU >= 0 && r.Disk >= 0
}

// ServerRecord is the local mirror of a remotely provisioned instance.
// A nil RemoteID means the record is unconfirmed.
type ServerRecord struct {
	ID        string       `db:"id" json:"id"`
	AccountID int64        `db:"account_id" json:"accountId"`
	Name      string       `db:"name" json:"name"`
	NodeID    int64        `db:"node_id" json:"nodeId"`
	RAM       int64        `db:"ram" json:"ram"`
	CPU       int64        `db:"cpu" json:"cpu"`
	Disk      int64        `db:"disk" json:"disk"`
	Status    ServerStatus `db:"status" json:"status"`
	RemoteID  *string      `db:"remote_id" json:"remoteId,omitempty"`
	LastError *string      `db:"last_error" json:"lastError,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time    `db:"updated_at" json:"updatedAt"`
}

// Confirmed reports whether the control plane has acknowledged the record.
func (s *ServerRecord) Confirmed() bool {
	return s.RemoteID != nil && *s.RemoteID != ""
}

// Resources returns the reserved amounts.
func (s *ServerRecord) Resources() Resources {
	return Resources{RAM: s.RAM, CPU: s.CPU, Disk: s.Disk}
}

// NodeCapacity tracks used versus total resources on one physical node.
// Used may exceed Total after an administrator shrinks the node.
type NodeCapacity struct {
	NodeID    int64     `db:"id" json:"nodeId"`
	Name      string    `db:"name" json:"name"`
	RAMTotal  int64     `db:"ram_total" json:"ramTotal"`
	CPUTotal  int64     `db:"cpu_total" json:"cpuTotal"`
	DiskTotal int64     `db:"disk_total" json:"diskTotal"`
	RAMUsed   int64     `db:"ram_used" json:"ramUsed"`
	CPUUsed   int64     `db:"cpu_used" json:"cpuUsed"`
	DiskUsed  int64     `db:"disk_used" json:"diskUsed"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Free returns total - used per axis, floored at zero.
func (n *NodeCapacity) Free() Resources {
	return Resources{
		RAM:  max(n.RAMTotal-n.RAMUsed, 0),
		CPU:  max(n.CPUTotal-n.CPUUsed, 0),
		Disk: max(n.DiskTotal-n.DiskUsed, 0),
	}
}

// Outcome names how a local action reconciled with the control plane.
type Outcome string

// Reconciliation outcomes.
const (
	OutcomeConfirmed         Outcome = "confirmed"           // local and remote agree
	OutcomeDegradedLocalOnly Outcome = "degraded-local-only" // local applied, remote failed
	OutcomeFailed            Outcome = "failed"              // remote failed, local left for remediation
	OutcomeLocalOnly         Outcome = "local-only"          // nothing remote to mirror
)

// Inconsistency is an admin-visible record of a degraded or failed reconciliation.
type Inconsistency struct {
	ID         int64      `db:"id" json:"id"`
	ServerID   string     `db:"server_id" json:"serverId"`
	AccountID  int64      `db:"account_id" json:"accountId"`
	RemoteID   *string    `db:"remote_id" json:"remoteId,omitempty"`
	Action     string     `db:"action" json:"action"`
	Outcome    Outcome    `db:"outcome" json:"outcome"`
	Detail     string     `db:"detail" json:"detail"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	ResolvedAt *time.Time `db:"resolved_at" json:"resolvedAt,omitempty"`
}

// Actor is the verified caller of a core operation.
type Actor struct {
	AccountID int64
	IsAdmin   bool
}

// CanActOn reports whether the actor may act on a resource owned by ownerID.
func (a Actor) CanActOn(ownerID int64) bool {
	return a.IsAdmin || a.AccountID == ownerID
}

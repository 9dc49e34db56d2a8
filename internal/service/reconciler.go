package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"hosting-ledger/internal/controlplane"
	"hosting-ledger/internal/metrics"
	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
	"hosting-ledger/internal/pkg/lock"
)

// Lifecycle action names recorded on inconsistencies and metrics.
const (
	ActionCreate = "create"
	ActionRetry  = "retry"
	ActionDelete = "delete"
	ActionPower  = "power"
)

// lockWait bounds how long a lifecycle action waits for another action on
// the same record.
const lockWait = 30 * time.Second

// CreateServerRequest describes a server to provision. OwnerID defaults to
// the actor; only admins may create for someone else.
type CreateServerRequest struct {
	OwnerID int64  `json:"ownerId,omitempty"`
	Name    string `json:"name"`
	NodeID  int64  `json:"nodeId"`
	RAM     int64  `json:"ram"`
	CPU     int64  `json:"cpu"`
	Disk    int64  `json:"disk"`
}

// LifecycleResult is the outcome of a reconciled lifecycle action.
type LifecycleResult struct {
	Server        *model.ServerRecord  `json:"server"`
	Outcome       model.Outcome        `json:"outcome"`
	Inconsistency *model.Inconsistency `json:"inconsistency,omitempty"`
}

// forActor hides the raw remote error from non-admin callers.
func (r *LifecycleResult) forActor(actor model.Actor) *LifecycleResult {
	if r == nil || r.Inconsistency == nil || actor.IsAdmin {
		return r
	}
	inc := *r.Inconsistency
	inc.Detail = publicRemoteError(inc.Action)
	out := *r
	out.Inconsistency = &inc
	return &out
}

// publicRemoteError is what owners see of a failed remote call. The cause
// itself is kept on the inconsistency for admins.
func publicRemoteError(action string) string {
	return "control plane " + action + " failed"
}

// ReconcilerService keeps local server records, node capacity and the
// control plane in step. Local bookkeeping always completes; remote failures
// become outcomes and inconsistencies instead of rollbacks.
type ReconcilerService struct {
	servers ServerStore
	incs    InconsistencyStore
	remote  controlplane.Client
	metrics *metrics.Metrics
	timeout time.Duration
	locks   *lock.KeyedLock[string]
	newID   func() string
}

// NewReconcilerService creates a new ReconcilerService instance.
func NewReconcilerService(servers ServerStore, incs InconsistencyStore, remote controlplane.Client, timeout time.Duration, m *metrics.Metrics) *ReconcilerService {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ReconcilerService{
		servers: servers,
		incs:    incs,
		remote:  remote,
		metrics: m,
		timeout: timeout,
		locks:   lock.New[string](),
		newID:   uuid.NewString,
	}
}

// Create reserves capacity, inserts a pending record and provisions it
// remotely. A remote failure leaves the record pending with its error and
// returns outcome failed.
func (s *ReconcilerService) Create(ctx context.Context, actor model.Actor, req CreateServerRequest) (*LifecycleResult, error) {
	owner := req.OwnerID
	if owner == 0 {
		owner = actor.AccountID
	}
	if !actor.CanActOn(owner) {
		return nil, apperr.ErrForbidden
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.NodeID <= 0 {
		return nil, fmt.Errorf("server name and node are required: %w", apperr.ErrInvalidRequest)
	}
	if req.RAM <= 0 || req.CPU <= 0 || req.Disk <= 0 {
		return nil, apperr.ErrInvalidAmount
	}

	rec, err := s.servers.CreateWithReservation(ctx, &model.ServerRecord{
		ID:        s.newID(),
		AccountID: owner,
		Name:      req.Name,
		NodeID:    req.NodeID,
		RAM:       req.RAM,
		CPU:       req.CPU,
		Disk:      req.Disk,
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("server_id", rec.ID).
		Int64("account_id", owner).
		Int64("node_id", rec.NodeID).
		Msg("Server reserved")

	var result *LifecycleResult
	err = s.withRecordLock(ctx, rec.ID, func() error {
		result, err = s.provision(ctx, rec, ActionCreate)
		return err
	})
	return result.forActor(actor), err
}

// RetryProvision re-attempts remote creation of an unconfirmed record.
func (s *ReconcilerService) RetryProvision(ctx context.Context, actor model.Actor, serverID string) (*LifecycleResult, error) {
	var result *LifecycleResult
	err := s.withRecordLock(ctx, serverID, func() error {
		rec, err := s.authorized(ctx, actor, serverID)
		if err != nil {
			return err
		}
		if rec.Confirmed() {
			result = &LifecycleResult{Server: rec, Outcome: model.OutcomeConfirmed}
			return nil
		}
		if rec.Status == model.ServerDeleting {
			return fmt.Errorf("server is being deleted: %w", apperr.ErrInvalidRequest)
		}
		result, err = s.provision(ctx, rec, ActionRetry)
		return err
	})
	return result.forActor(actor), err
}

func (s *ReconcilerService) provision(ctx context.Context, rec *model.ServerRecord, action string) (*LifecycleResult, error) {
	local := context.WithoutCancel(ctx)

	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	start := time.Now()
	inst, err := s.remote.CreateInstance(rctx, controlplane.CreateRequest{
		ServerID:  rec.ID,
		AccountID: rec.AccountID,
		Name:      rec.Name,
		NodeID:    rec.NodeID,
		RAM:       rec.RAM,
		CPU:       rec.CPU,
		Disk:      rec.Disk,
	})
	cancel()
	s.metrics.RemoteCall(ActionCreate, time.Since(start), err)

	if err != nil {
		log.Warn().Err(err).Str("server_id", rec.ID).Msg("Remote provisioning failed, record left pending")
		updated, serr := s.servers.SetError(local, rec.ID, publicRemoteError(action))
		if serr != nil {
			return nil, serr
		}
		inc := s.recordInconsistency(local, updated, action, model.OutcomeFailed, err)
		s.metrics.Reconcile(action, string(model.OutcomeFailed))
		return &LifecycleResult{Server: updated, Outcome: model.OutcomeFailed, Inconsistency: inc}, nil
	}

	updated, err := s.servers.SetRemote(local, rec.ID, inst.RemoteID, inst.Status)
	if err != nil {
		// The instance exists remotely but the record could not be confirmed.
		failed := *rec
		failed.RemoteID = &inst.RemoteID
		s.recordInconsistency(local, &failed, action, model.OutcomeFailed, err)
		return nil, err
	}

	log.Info().Str("server_id", rec.ID).Str("remote_id", inst.RemoteID).Msg("Server provisioned")
	s.metrics.Reconcile(action, string(model.OutcomeConfirmed))
	return &LifecycleResult{Server: updated, Outcome: model.OutcomeConfirmed}, nil
}

// Delete removes a server. The remote delete is attempted first when the
// record is confirmed; whatever its result, node capacity is released and
// the local record removed in one database transaction.
func (s *ReconcilerService) Delete(ctx context.Context, actor model.Actor, serverID string) (*LifecycleResult, error) {
	var result *LifecycleResult
	err := s.withRecordLock(ctx, serverID, func() error {
		rec, err := s.authorized(ctx, actor, serverID)
		if err != nil {
			return err
		}
		local := context.WithoutCancel(ctx)

		if rec.Status != model.ServerDeleting {
			if rec, err = s.servers.SetStatus(local, rec.ID, model.ServerDeleting); err != nil {
				return err
			}
		}

		outcome := model.OutcomeLocalOnly
		var remoteErr error
		if rec.Confirmed() {
			rctx, cancel := context.WithTimeout(ctx, s.timeout)
			start := time.Now()
			remoteErr = s.remote.DeleteInstance(rctx, *rec.RemoteID)
			cancel()
			s.metrics.RemoteCall(ActionDelete, time.Since(start), remoteErr)

			outcome = model.OutcomeConfirmed
			if remoteErr != nil {
				outcome = model.OutcomeDegradedLocalOnly
				log.Warn().Err(remoteErr).
					Str("server_id", rec.ID).
					Str("remote_id", *rec.RemoteID).
					Msg("Remote delete failed, removing local record anyway")
			}
		}

		deleted, err := s.servers.DeleteWithRelease(local, rec.ID)
		if err != nil {
			if rec.Confirmed() && remoteErr == nil {
				// The instance is gone but the record still points at it.
				s.recordInconsistency(local, rec, ActionDelete, model.OutcomeFailed,
					fmt.Errorf("remote instance deleted, local record kept: %w", err))
				s.metrics.Reconcile(ActionDelete, string(model.OutcomeFailed))
			}
			return err
		}

		result = &LifecycleResult{Server: deleted, Outcome: outcome}
		if remoteErr != nil {
			result.Inconsistency = s.recordInconsistency(local, deleted, ActionDelete, outcome, remoteErr)
		}
		s.metrics.Reconcile(ActionDelete, string(outcome))
		log.Info().Str("server_id", rec.ID).Str("outcome", string(outcome)).Msg("Server deleted")
		return nil
	})
	return result.forActor(actor), err
}

// Power changes a server's power state. The local status is updated first
// and kept even if the control plane rejects the signal.
func (s *ReconcilerService) Power(ctx context.Context, actor model.Actor, serverID, target string) (*LifecycleResult, error) {
	signal, status, err := controlplane.SignalFor(target)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidRequest, "unknown power target", err)
	}

	var result *LifecycleResult
	err = s.withRecordLock(ctx, serverID, func() error {
		rec, err := s.authorized(ctx, actor, serverID)
		if err != nil {
			return err
		}
		if rec.Status == model.ServerDeleting {
			return fmt.Errorf("server is being deleted: %w", apperr.ErrInvalidRequest)
		}
		local := context.WithoutCancel(ctx)

		updated, err := s.servers.SetStatus(local, rec.ID, status)
		if err != nil {
			return err
		}

		if !rec.Confirmed() {
			s.metrics.Reconcile(ActionPower, string(model.OutcomeLocalOnly))
			result = &LifecycleResult{Server: updated, Outcome: model.OutcomeLocalOnly}
			return nil
		}

		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		start := time.Now()
		remoteErr := s.remote.SetPower(rctx, *rec.RemoteID, signal)
		cancel()
		s.metrics.RemoteCall(ActionPower, time.Since(start), remoteErr)

		if remoteErr != nil {
			log.Warn().Err(remoteErr).
				Str("server_id", rec.ID).
				Str("signal", string(signal)).
				Msg("Remote power action failed, keeping local status")
			inc := s.recordInconsistency(local, updated, ActionPower, model.OutcomeDegradedLocalOnly, remoteErr)
			s.metrics.Reconcile(ActionPower, string(model.OutcomeDegradedLocalOnly))
			result = &LifecycleResult{Server: updated, Outcome: model.OutcomeDegradedLocalOnly, Inconsistency: inc}
			return nil
		}

		s.metrics.Reconcile(ActionPower, string(model.OutcomeConfirmed))
		result = &LifecycleResult{Server: updated, Outcome: model.OutcomeConfirmed}
		return nil
	})
	return result.forActor(actor), err
}

// Get returns one server the actor may see.
func (s *ReconcilerService) Get(ctx context.Context, actor model.Actor, serverID string) (*model.ServerRecord, error) {
	return s.authorized(ctx, actor, serverID)
}

// List returns the actor's servers, or every server for an admin.
func (s *ReconcilerService) List(ctx context.Context, actor model.Actor) ([]*model.ServerRecord, error) {
	if actor.IsAdmin {
		return s.servers.ListAll(ctx)
	}
	return s.servers.ListByAccount(ctx, actor.AccountID)
}

// ListForAccount returns one account's servers.
func (s *ReconcilerService) ListForAccount(ctx context.Context, actor model.Actor, accountID int64) ([]*model.ServerRecord, error) {
	if !actor.CanActOn(accountID) {
		return nil, apperr.ErrForbidden
	}
	return s.servers.ListByAccount(ctx, accountID)
}

// ActiveServerCount counts the account's confirmed servers.
func (s *ReconcilerService) ActiveServerCount(ctx context.Context, accountID int64) (int64, error) {
	return s.servers.CountConfirmed(ctx, accountID)
}

// Inconsistencies lists recorded inconsistencies. Admin only.
func (s *ReconcilerService) Inconsistencies(ctx context.Context, actor model.Actor, onlyOpen bool, limit int) ([]*model.Inconsistency, error) {
	if !actor.IsAdmin {
		return nil, apperr.ErrForbidden
	}
	return s.incs.List(ctx, onlyOpen, clampLimit(limit, 50, 500))
}

// ResolveInconsistency marks an inconsistency handled. Admin only.
func (s *ReconcilerService) ResolveInconsistency(ctx context.Context, actor model.Actor, id int64) (*model.Inconsistency, error) {
	if !actor.IsAdmin {
		return nil, apperr.ErrForbidden
	}
	inc, err := s.incs.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Info().Int64("inconsistency_id", id).Int64("admin_id", actor.AccountID).Msg("Inconsistency resolved")
	return inc, nil
}

// authorized loads a record and checks the actor may act on it.
func (s *ReconcilerService) authorized(ctx context.Context, actor model.Actor, serverID string) (*model.ServerRecord, error) {
	if _, err := uuid.Parse(serverID); err != nil {
		return nil, apperr.ErrServerNotFound
	}
	rec, err := s.servers.GetByID(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if !actor.CanActOn(rec.AccountID) {
		return nil, apperr.ErrForbidden
	}
	return rec, nil
}

func (s *ReconcilerService) withRecordLock(ctx context.Context, serverID string, fn func() error) error {
	err := s.locks.WithLockContext(ctx, serverID, lockWait, fn)
	if errors.Is(err, lock.ErrLockTimeout) {
		return apperr.Wrap(apperr.KindInvalidRequest, "another action on this server is in progress", err)
	}
	return err
}

// recordInconsistency stores an inconsistency. A storage failure is logged
// and does not fail the action.
func (s *ReconcilerService) recordInconsistency(ctx context.Context, rec *model.ServerRecord, action string, outcome model.Outcome, cause error) *model.Inconsistency {
	inc, err := s.incs.Create(ctx, &model.Inconsistency{
		ServerID:  rec.ID,
		AccountID: rec.AccountID,
		RemoteID:  rec.RemoteID,
		Action:    action,
		Outcome:   outcome,
		Detail:    cause.Error(),
	})
	if err != nil {
		log.Error().Err(err).Str("server_id", rec.ID).Str("action", action).Msg("Failed to record inconsistency")
		return nil
	}
	return inc
}

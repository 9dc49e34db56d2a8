// Package controlplane talks to the remote provisioning API that owns the
// real server instances.
package controlplane

import (
	"context"
	"fmt"

	"hosting-ledger/internal/model"
)

// PowerSignal is a power action understood by the control plane.
type PowerSignal string

// Power signals.
const (
	SignalStart   PowerSignal = "start"
	SignalStop    PowerSignal = "stop"
	SignalRestart PowerSignal = "restart"
)

// SignalFor maps a requested target state to the signal that reaches it and
// the local status to record.
func SignalFor(target string) (PowerSignal, model.ServerStatus, error) {
	switch target {
	case "online", "start":
		return SignalStart, model.ServerOnline, nil
	case "offline", "stop":
		return SignalStop, model.ServerOffline, nil
	case "restart":
		return SignalRestart, model.ServerOnline, nil
	}
	return "", "", fmt.Errorf("unknown power target %q", target)
}

// CreateRequest describes an instance to provision.
type CreateRequest struct {
	ServerID  string // local record id, sent as the external id
	AccountID int64
	Name      string
	NodeID    int64
	RAM       int64 // GB
	CPU       int64 // percent
	Disk      int64 // GB
}

// Instance is the control plane's view of a provisioned server.
type Instance struct {
	RemoteID string
	Status   model.ServerStatus
}

// Client is the remote provisioning API. Every non-success, including a
// context deadline, is returned as an error wrapping apperr.ErrRemoteActionFailed.
type Client interface {
	CreateInstance(ctx context.Context, req CreateRequest) (*Instance, error)
	SetPower(ctx context.Context, remoteID string, signal PowerSignal) error
	DeleteInstance(ctx context.Context, remoteID string) error
}

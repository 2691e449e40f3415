package storage

import (
	"context"
	"errors"
	"time"

	"github.com/songzhibin97/careflow/types"
)

// Errors
var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrInstanceNotFound = errors.New("instance not found")
)

// Storage defines the interface for persisting templates, instances and the
// dispatch ledger.
type Storage interface {
	// SaveTemplate saves a template definition.
	SaveTemplate(ctx context.Context, tpl types.Template) error

	// GetTemplate retrieves a template by ID.
	GetTemplate(ctx context.Context, id string) (types.Template, error)

	// ListTemplates returns every stored template ordered by ID.
	ListTemplates(ctx context.Context) ([]types.Template, error)

	// SaveInstance saves a workflow instance.
	SaveInstance(ctx context.Context, inst types.Instance) error

	// GetInstance retrieves a workflow instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)

	// ListDue returns up to limit waiting instances whose wake time is at or
	// before now, ordered by wake time. limit <= 0 means no limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]types.Instance, error)

	// CompareAndSwapState atomically moves an instance whose state is one of
	// from into state to. It returns the updated instance and whether the swap
	// happened. WakeAt is cleared unless to is StateWaiting.
	CompareAndSwapState(ctx context.Context, id uint64, from []types.InstanceState, to types.InstanceState) (types.Instance, bool, error)

	// RecordDispatch remembers that the request with the given key was acknowledged.
	RecordDispatch(ctx context.Context, key, outcome string) error

	// LookupDispatch reports whether the request key was acknowledged and with which outcome.
	LookupDispatch(ctx context.Context, key string) (outcome string, found bool, err error)

	// RequestCancel records a cancel request for an active instance, checked
	// against the stored state atomically. It returns the current state and
	// whether the request was recorded; nothing is recorded unless the
	// instance is active. Saving a terminal instance drops its request.
	RequestCancel(ctx context.Context, id uint64) (types.InstanceState, bool, error)

	// CancelRequested reports whether a cancel request is pending for the instance.
	CancelRequested(ctx context.Context, id uint64) (bool, error)

	// ClearTerminal removes completed, failed and cancelled instances along
	// with the ledger entries of their dispatches, and returns how many
	// instances were removed.
	ClearTerminal(ctx context.Context) (int, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func stateIn(s types.InstanceState, set []types.InstanceState) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

// requestKeys returns the ledger keys of the dispatches in inst's history.
func requestKeys(inst types.Instance) []string {
	var keys []string
	for _, h := range inst.History {
		if h.RequestKey != "" {
			keys = append(keys, h.RequestKey)
		}
	}
	return keys
}

// applyState mutates inst for a state transition.
func applyState(inst *types.Instance, to types.InstanceState, now time.Time) {
	inst.State = to
	if to != types.StateWaiting {
		inst.WakeAt = nil
	}
	inst.UpdatedAt = now.UnixMilli()
}

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/careflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Values are cloned on the way in and out so callers never share state.
type MemoryStorage struct {
	templates  map[string]types.Template
	instances  map[uint64]types.Instance
	dispatches map[string]string
	cancels    map[uint64]bool
	mu         sync.RWMutex
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		templates:  make(map[string]types.Template),
		instances:  make(map[uint64]types.Instance),
		dispatches: make(map[string]string),
		cancels:    make(map[uint64]bool),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, id K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%v", errNotFound, id)
		}
		return item, nil
	})
}

// SaveTemplate saves a template to memory.
func (s *MemoryStorage) SaveTemplate(ctx context.Context, tpl types.Template) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.templates[tpl.ID] = tpl
		return nil
	})
}

// GetTemplate retrieves a template from memory.
func (s *MemoryStorage) GetTemplate(ctx context.Context, id string) (types.Template, error) {
	return getItem(ctx, &s.mu, s.templates, id, ErrTemplateNotFound)
}

// ListTemplates returns all templates ordered by ID.
func (s *MemoryStorage) ListTemplates(ctx context.Context) ([]types.Template, error) {
	return withContext(ctx, func() ([]types.Template, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.Template, 0, len(s.templates))
		for _, tpl := range s.templates {
			out = append(out, tpl)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// SaveInstance saves a workflow instance to memory.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.instances[inst.ID] = inst.Clone()
		if inst.State.Terminal() {
			delete(s.cancels, inst.ID)
		}
		return nil
	})
}

// GetInstance retrieves a workflow instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	inst, err := getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
	if err != nil {
		return types.Instance{}, err
	}
	return inst.Clone(), nil
}

// ListDue returns waiting instances whose wake time has passed.
func (s *MemoryStorage) ListDue(ctx context.Context, now time.Time, limit int) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Instance
		for _, inst := range s.instances {
			if inst.State == types.StateWaiting && inst.WakeAt != nil && !inst.WakeAt.After(now) {
				out = append(out, inst.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].WakeAt.Equal(*out[j].WakeAt) {
				return out[i].WakeAt.Before(*out[j].WakeAt)
			}
			return out[i].ID < out[j].ID
		})
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	})
}

// CompareAndSwapState atomically transitions an instance.
func (s *MemoryStorage) CompareAndSwapState(ctx context.Context, id uint64, from []types.InstanceState, to types.InstanceState) (types.Instance, bool, error) {
	var swapped bool
	inst, err := withContext(ctx, func() (types.Instance, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		inst, ok := s.instances[id]
		if !ok {
			return types.Instance{}, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
		}
		if !stateIn(inst.State, from) {
			return inst.Clone(), nil
		}
		applyState(&inst, to, time.Now())
		s.instances[id] = inst
		if to.Terminal() {
			delete(s.cancels, id)
		}
		swapped = true
		return inst.Clone(), nil
	})
	return inst, swapped, err
}

// RecordDispatch remembers an acknowledged request key.
func (s *MemoryStorage) RecordDispatch(ctx context.Context, key, outcome string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.dispatches[key] = outcome
		return nil
	})
}

// LookupDispatch reports whether a request key was acknowledged.
func (s *MemoryStorage) LookupDispatch(ctx context.Context, key string) (string, bool, error) {
	var found bool
	outcome, err := withContext(ctx, func() (string, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var outcome string
		outcome, found = s.dispatches[key]
		return outcome, nil
	})
	return outcome, found, err
}

// RequestCancel marks an active instance for cancellation.
func (s *MemoryStorage) RequestCancel(ctx context.Context, id uint64) (types.InstanceState, bool, error) {
	var requested bool
	state, err := withContext(ctx, func() (types.InstanceState, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		inst, ok := s.instances[id]
		if !ok {
			return "", fmt.Errorf("%w: id=%d", ErrInstanceNotFound, id)
		}
		if inst.State == types.StateActive {
			s.cancels[id] = true
			requested = true
		}
		return inst.State, nil
	})
	return state, requested, err
}

// CancelRequested reports whether an instance is marked for cancellation.
func (s *MemoryStorage) CancelRequested(ctx context.Context, id uint64) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.cancels[id], nil
	})
}

// ClearTerminal removes completed, failed and cancelled instances and their
// ledger entries.
func (s *MemoryStorage) ClearTerminal(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		n := 0
		for id, inst := range s.instances {
			if inst.State.Terminal() {
				for _, key := range requestKeys(inst) {
					delete(s.dispatches, key)
				}
				delete(s.instances, id)
				delete(s.cancels, id)
				n++
			}
		}
		return n, nil
	})
}

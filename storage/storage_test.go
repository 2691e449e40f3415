package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/careflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper function to create a sample template
func newTemplate(id string) types.Template {
	return types.Template{
		ID:   id,
		Name: "Test Template",
		Type: types.TemplatePatient,
		Blocks: []types.Block{
			{ID: "block-1", Type: "trigger-event", Data: types.BlockData{TriggerEvents: []string{"appointment-completed"}}},
			{ID: "block-2", Type: "wait", Data: types.BlockData{Duration: 1, Unit: types.UnitDays}},
		},
		Connections: []types.Connection{
			{From: "block-1", To: "block-2", Type: types.ConnectionDirect},
		},
	}
}

// Helper function to create a sample instance
func newInstance(id uint64, state types.InstanceState) types.Instance {
	now := time.Now()
	return types.Instance{
		ID:             id,
		TemplateID:     "tpl-1",
		SubjectID:      "patient-001",
		CurrentBlockID: "block-2",
		State:          state,
		Context:        map[string]interface{}{"key": "value"},
		CreatedAt:      now.UnixMilli(),
		UpdatedAt:      now.UnixMilli(),
	}
}

func waitingUntil(id uint64, wake time.Time) types.Instance {
	inst := newInstance(id, types.StateWaiting)
	inst.WakeAt = &wake
	return inst
}

// testStorage runs the behaviour every Storage implementation shares.
func testStorage(t *testing.T, newStore func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("SaveAndGetTemplate", func(t *testing.T) {
		store := newStore(t)

		tpl := newTemplate("tpl-1")
		require.NoError(t, store.SaveTemplate(ctx, tpl))

		got, err := store.GetTemplate(ctx, "tpl-1")
		require.NoError(t, err)
		assert.Equal(t, tpl.ID, got.ID)
		assert.Equal(t, tpl.Blocks, got.Blocks)
		assert.Equal(t, tpl.Connections, got.Connections)

		_, err = store.GetTemplate(ctx, "missing")
		assert.ErrorIs(t, err, ErrTemplateNotFound)
	})

	t.Run("ListTemplates", func(t *testing.T) {
		store := newStore(t)
		for _, id := range []string{"tpl-b", "tpl-a", "tpl-c"} {
			require.NoError(t, store.SaveTemplate(ctx, newTemplate(id)))
		}

		list, err := store.ListTemplates(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "tpl-a", list[0].ID)
		assert.Equal(t, "tpl-c", list[2].ID)
	})

	t.Run("SaveAndGetInstance", func(t *testing.T) {
		store := newStore(t)

		inst := newInstance(1, types.StatePending)
		inst.Anchors = map[string]time.Time{"appointment-date": time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
		require.NoError(t, store.SaveInstance(ctx, inst))

		got, err := store.GetInstance(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, inst.SubjectID, got.SubjectID)
		assert.Equal(t, inst.State, got.State)
		assert.Equal(t, "value", got.Context["key"])
		assert.True(t, inst.Anchors["appointment-date"].Equal(got.Anchors["appointment-date"]))

		_, err = store.GetInstance(ctx, 99)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("ListDue", func(t *testing.T) {
		store := newStore(t)
		now := time.Now()

		require.NoError(t, store.SaveInstance(ctx, waitingUntil(1, now.Add(-time.Hour))))
		require.NoError(t, store.SaveInstance(ctx, waitingUntil(2, now.Add(-2*time.Hour))))
		require.NoError(t, store.SaveInstance(ctx, waitingUntil(3, now.Add(time.Hour))))
		require.NoError(t, store.SaveInstance(ctx, newInstance(4, types.StateActive)))

		due, err := store.ListDue(ctx, now, 0)
		require.NoError(t, err)
		require.Len(t, due, 2)
		assert.Equal(t, uint64(2), due[0].ID, "earliest wake time first")
		assert.Equal(t, uint64(1), due[1].ID)

		due, err = store.ListDue(ctx, now, 1)
		require.NoError(t, err)
		assert.Len(t, due, 1)

		// leaving the waiting state removes the instance from the due set
		inst := waitingUntil(2, now.Add(-2*time.Hour))
		inst.State = types.StateCompleted
		inst.WakeAt = nil
		require.NoError(t, store.SaveInstance(ctx, inst))

		due, err = store.ListDue(ctx, now, 0)
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, uint64(1), due[0].ID)
	})

	t.Run("CompareAndSwapState", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveInstance(ctx, waitingUntil(1, time.Now())))

		from := []types.InstanceState{types.StatePending, types.StateWaiting}
		got, ok, err := store.CompareAndSwapState(ctx, 1, from, types.StateActive)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, types.StateActive, got.State)
		assert.Nil(t, got.WakeAt)

		got, ok, err = store.CompareAndSwapState(ctx, 1, from, types.StateActive)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, types.StateActive, got.State)

		due, err := store.ListDue(ctx, time.Now().Add(time.Hour), 0)
		require.NoError(t, err)
		assert.Empty(t, due)

		_, _, err = store.CompareAndSwapState(ctx, 42, from, types.StateActive)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("ConcurrentCompareAndSwap", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveInstance(ctx, waitingUntil(1, time.Now())))

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			won int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := store.CompareAndSwapState(ctx, 1,
					[]types.InstanceState{types.StateWaiting}, types.StateActive)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					won++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, won, "exactly one activation wins")
	})

	t.Run("DispatchLedger", func(t *testing.T) {
		store := newStore(t)

		_, found, err := store.LookupDispatch(ctx, "key-1")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, store.RecordDispatch(ctx, "key-1", "sent"))
		outcome, found, err := store.LookupDispatch(ctx, "key-1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "sent", outcome)
	})

	t.Run("CancelRequest", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveInstance(ctx, newInstance(1, types.StateActive)))
		require.NoError(t, store.SaveInstance(ctx, waitingUntil(2, time.Now())))

		state, ok, err := store.RequestCancel(ctx, 1)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, types.StateActive, state)

		// saving a non-terminal state keeps the request
		require.NoError(t, store.SaveInstance(ctx, newInstance(1, types.StateActive)))
		pending, err := store.CancelRequested(ctx, 1)
		require.NoError(t, err)
		assert.True(t, pending)

		state, ok, err = store.RequestCancel(ctx, 2)
		require.NoError(t, err)
		assert.False(t, ok, "only active instances take a cancel request")
		assert.Equal(t, types.StateWaiting, state)
		pending, err = store.CancelRequested(ctx, 2)
		require.NoError(t, err)
		assert.False(t, pending)

		require.NoError(t, store.SaveInstance(ctx, newInstance(1, types.StateCancelled)))
		pending, err = store.CancelRequested(ctx, 1)
		require.NoError(t, err)
		assert.False(t, pending, "terminal save drops the request")

		_, _, err = store.RequestCancel(ctx, 42)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("CancelRequestDroppedByTerminalSwap", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.SaveInstance(ctx, newInstance(1, types.StateActive)))
		_, ok, err := store.RequestCancel(ctx, 1)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, store.SaveInstance(ctx, waitingUntil(1, time.Now())))
		_, ok, err = store.CompareAndSwapState(ctx, 1, []types.InstanceState{types.StateWaiting}, types.StateCancelled)
		require.NoError(t, err)
		require.True(t, ok)

		pending, err := store.CancelRequested(ctx, 1)
		require.NoError(t, err)
		assert.False(t, pending)
	})

	t.Run("ClearTerminal", func(t *testing.T) {
		store := newStore(t)
		states := []types.InstanceState{
			types.StateCompleted, types.StateFailed, types.StateCancelled,
			types.StateActive, types.StatePending,
		}
		for i, s := range states {
			inst := newInstance(uint64(i+1), s)
			key := fmt.Sprintf("key-%d", i+1)
			inst.History = []types.BlockExecution{{BlockID: "block-3", Outcome: "dispatch", RequestKey: key}}
			require.NoError(t, store.SaveInstance(ctx, inst))
			require.NoError(t, store.RecordDispatch(ctx, key, "sent"))
		}

		n, err := store.ClearTerminal(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		for i, s := range states {
			_, found, err := store.LookupDispatch(ctx, fmt.Sprintf("key-%d", i+1))
			require.NoError(t, err)
			assert.Equal(t, !s.Terminal(), found, fmt.Sprintf("ledger entry of a %s instance", s))
		}

		for i, s := range states {
			_, err := store.GetInstance(ctx, uint64(i+1))
			if s.Terminal() {
				assert.ErrorIs(t, err, ErrInstanceNotFound, fmt.Sprintf("state %s", s))
			} else {
				assert.NoError(t, err)
			}
		}
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newStore(t)
		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, store.SaveTemplate(cancelled, newTemplate("tpl-1")), context.Canceled)
		_, err := store.GetInstance(cancelled, 1)
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.ListDue(cancelled, time.Now(), 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

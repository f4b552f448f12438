// Package storetest is a conformance suite run against every runstore.Store
// implementation.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstore"
)

// Run executes the suite. newStore must return a store that does not share
// conversations with stores returned by earlier calls, or tests must be
// isolated by the unique locators the suite generates.
func Run(t *testing.T, newStore func(t *testing.T) runstore.Store) {
	t.Run("CreateAndLoad", func(t *testing.T) { testCreateAndLoad(t, newStore(t)) })
	t.Run("OneActiveRunPerConversation", func(t *testing.T) { testOneActiveRun(t, newStore(t)) })
	t.Run("LocatorIsolation", func(t *testing.T) { testLocatorIsolation(t, newStore(t)) })
	t.Run("CASUpdateRun", func(t *testing.T) { testCASUpdateRun(t, newStore(t)) })
	t.Run("RequestCancel", func(t *testing.T) { testRequestCancel(t, newStore(t)) })
	t.Run("ToolCalls", func(t *testing.T) { testToolCalls(t, newStore(t)) })
	t.Run("ConcurrentResolve", func(t *testing.T) { testConcurrentResolve(t, newStore(t)) })
	t.Run("Messages", func(t *testing.T) { testMessages(t, newStore(t)) })
}

// NewLocator returns a locator in a fresh conversation.
func NewLocator() model.Locator {
	return model.Locator{TenantID: "tenant-a", UserID: "user-1", ConversationID: "conv-" + uuid.NewString()}
}

func create(t *testing.T, s runstore.Store, loc model.Locator) model.Run {
	t.Helper()
	run, err := s.CreateRun(context.Background(), model.NewRun{ID: uuid.New(), Locator: loc})
	require.NoError(t, err)
	return run
}

func testCreateAndLoad(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	loc := NewLocator()
	run := create(t, s, loc)

	assert.Equal(t, model.RunStateStreaming, run.State)
	assert.Equal(t, int64(1), run.Version)
	assert.False(t, run.CancelRequested)
	assert.Nil(t, run.PendingToolCallID)

	got, err := s.LoadRun(ctx, loc, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, loc, got.Locator())
	assert.Empty(t, got.ToolCalls)

	resolved, err := s.ResolveLocator(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, loc, resolved)

	_, err = s.ResolveLocator(ctx, uuid.New())
	assert.ErrorIs(t, err, runstore.ErrNotFound)
}

func testOneActiveRun(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	loc := NewLocator()
	run := create(t, s, loc)

	_, err := s.CreateRun(ctx, model.NewRun{ID: uuid.New(), Locator: loc})
	require.ErrorIs(t, err, runstore.ErrActiveRunExists)

	// Another conversation is unaffected.
	create(t, s, NewLocator())

	_, err = s.CASUpdateRun(ctx, loc, run.ID, run.Version, model.RunUpdate{State: model.RunStateDone})
	require.NoError(t, err)

	create(t, s, loc)
}

func testLocatorIsolation(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	loc := NewLocator()
	run := create(t, s, loc)

	other := loc
	other.TenantID = "tenant-b"
	_, err := s.LoadRun(ctx, other, run.ID)
	assert.ErrorIs(t, err, runstore.ErrNotFound)

	_, err = s.RequestCancel(ctx, other, run.ID)
	assert.ErrorIs(t, err, runstore.ErrNotFound)

	got, err := s.LoadRun(ctx, loc, run.ID)
	require.NoError(t, err)
	assert.False(t, got.CancelRequested)
}

func testCASUpdateRun(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	loc := NewLocator()
	run := create(t, s, loc)

	tcID := "call_1"
	updated, err := s.CASUpdateRun(ctx, loc, run.ID, run.Version, model.RunUpdate{
		State:             model.RunStateAwaitingApproval,
		PendingToolCallID: &tcID,
	})
	require.NoError(t, err)
	assert.Equal(t, run.Version+1, updated.Version)
	assert.Equal(t, model.RunStateAwaitingApproval, updated.State)
	require.NotNil(t, updated.PendingToolCallID)
	assert.Equal(t, tcID, *updated.PendingToolCallID)

	// Stale version.
	_, err = s.CASUpdateRun(ctx, loc, run.ID, run.Version, model.RunUpdate{State: model.RunStateStreaming})
	require.ErrorIs(t, err, runstore.ErrConcurrencyConflict)

	msg := "boom"
	final, err := s.CASUpdateRun(ctx, loc, run.ID, updated.Version, model.RunUpdate{State: model.RunStateFailed, Error: &msg})
	require.NoError(t, err)
	assert.Nil(t, final.PendingToolCallID)
	require.NotNil(t, final.Error)
	assert.Equal(t, "boom", *final.Error)
	assert.NotNil(t, final.CompletedAt)

	// Terminal states are immutable even with the right version.
	_, err = s.CASUpdateRun(ctx, loc, run.ID, final.Version, model.RunUpdate{State: model.RunStateStreaming})
	require.ErrorIs(t, err, runstore.ErrConcurrencyConflict)
}

func testRequestCancel(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	loc := NewLocator()
	run := create(t, s, loc)

	got, err := s.RequestCancel(ctx, loc, run.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, run.Version, got.Version, "cancel must not bump the version")

	// Once a stop is recorded only CANCELLED may be written, and a refused
	// write leaves the record untouched.
	for _, state := range []model.RunState{model.RunStateStreaming, model.RunStateDone, model.RunStateFailed} {
		_, err := s.CASUpdateRun(ctx, loc, run.ID, run.Version, model.RunUpdate{State: state})
		assert.ErrorIs(t, err, runstore.ErrCancelRequested, "state %s", state)
	}
	after, err := s.LoadRun(ctx, loc, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Version, after.Version)
	assert.Equal(t, model.RunStateStreaming, after.State)
	assert.True(t, after.CancelRequested)

	done, err := s.CASUpdateRun(ctx, loc, run.ID, after.Version, model.RunUpdate{State: model.RunStateCancelled})
	require.NoError(t, err)
	assert.True(t, done.CancelRequested)

	// No-op on terminal.
	again, err := s.RequestCancel(ctx, loc, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStateCancelled, again.State)
	assert.Equal(t, done.Version, again.Version)
}

func testToolCalls(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	loc := NewLocator()
	run := create(t, s, loc)

	first, err := s.InsertToolCall(ctx, loc, run.ID, model.ToolCall{
		ID:                "call_a",
		Name:              "get_weather",
		Arguments:         json.RawMessage(`{}`),
		Status:            model.ToolCallParametersRequested,
		MissingParameters: []string{"city"},
	})
	require.NoError(t, err)
	assert.Equal(t, run.ID, first.RunID)
	assert.False(t, first.CreatedAt.IsZero())

	_, err = s.InsertToolCall(ctx, loc, run.ID, model.ToolCall{ID: "call_a", Name: "x", Arguments: json.RawMessage(`{}`), Status: model.ToolCallPending})
	require.ErrorIs(t, err, runstore.ErrDuplicateToolCall)

	_, err = s.InsertToolCall(ctx, loc, run.ID, model.ToolCall{ID: "call_b", Name: "get_time", Arguments: json.RawMessage(`{}`), Status: model.ToolCallPending})
	require.NoError(t, err)

	loaded, err := s.LoadRun(ctx, loc, run.ID)
	require.NoError(t, err)
	require.Len(t, loaded.ToolCalls, 2)
	assert.Equal(t, "call_a", loaded.ToolCalls[0].ID)
	assert.Equal(t, []string{"city"}, loaded.ToolCalls[0].MissingParameters)
	assert.Equal(t, "call_b", loaded.ToolCalls[1].ID)

	// Supplying parameters moves the call back to PENDING.
	supplied, err := s.CASUpdateToolCall(ctx, loc, run.ID, "call_a", model.ToolCallParametersRequested, model.ToolCallPending,
		model.ToolCallPatch{Arguments: json.RawMessage(`{"city":"Paris"}`)})
	require.NoError(t, err)
	assert.Equal(t, model.ToolCallPending, supplied.Status)
	assert.Empty(t, supplied.MissingParameters)
	assert.JSONEq(t, `{"city":"Paris"}`, string(supplied.Arguments))

	approved, err := s.CASUpdateToolCall(ctx, loc, run.ID, "call_a", model.ToolCallPending, model.ToolCallApproved, model.ToolCallPatch{})
	require.NoError(t, err)
	assert.NotNil(t, approved.ResolvedAt)
	assert.JSONEq(t, `{"city":"Paris"}`, string(approved.Arguments), "nil patch arguments keep the stored value")

	// A second resolution observes the first.
	current, err := s.CASUpdateToolCall(ctx, loc, run.ID, "call_a", model.ToolCallPending, model.ToolCallRejected, model.ToolCallPatch{})
	require.ErrorIs(t, err, runstore.ErrAlreadyResolved)
	assert.Equal(t, model.ToolCallApproved, current.Status)

	executed, err := s.CASUpdateToolCall(ctx, loc, run.ID, "call_a", model.ToolCallApproved, model.ToolCallExecuted,
		model.ToolCallPatch{Result: json.RawMessage(`"sunny"`)})
	require.NoError(t, err)
	assert.JSONEq(t, `"sunny"`, string(executed.Result))
	assert.NotNil(t, executed.CompletedAt)

	got, err := s.LoadToolCall(ctx, loc, run.ID, "call_a")
	require.NoError(t, err)
	assert.Equal(t, model.ToolCallExecuted, got.Status)

	_, err = s.LoadToolCall(ctx, loc, run.ID, "missing")
	assert.ErrorIs(t, err, runstore.ErrNotFound)
	_, err = s.CASUpdateToolCall(ctx, loc, run.ID, "missing", model.ToolCallPending, model.ToolCallApproved, model.ToolCallPatch{})
	assert.ErrorIs(t, err, runstore.ErrNotFound)
}

func testConcurrentResolve(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	loc := NewLocator()
	run := create(t, s, loc)
	_, err := s.InsertToolCall(ctx, loc, run.ID, model.ToolCall{ID: "call_race", Name: "get_time", Arguments: json.RawMessage(`{}`), Status: model.ToolCallPending})
	require.NoError(t, err)

	const workers = 16
	var wins, misses atomic.Int32
	var winner atomic.Value
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := model.ToolCallApproved
			if i%2 == 1 {
				next = model.ToolCallRejected
			}
			_, err := s.CASUpdateToolCall(ctx, loc, run.ID, "call_race", model.ToolCallPending, next, model.ToolCallPatch{})
			switch {
			case err == nil:
				wins.Add(1)
				winner.Store(next)
			case errors.Is(err, runstore.ErrAlreadyResolved):
				misses.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load(), "exactly one resolution must win")
	require.Equal(t, int32(workers-1), misses.Load(), "all others must observe the resolution")
	got, err := s.LoadToolCall(ctx, loc, run.ID, "call_race")
	require.NoError(t, err)
	assert.Equal(t, winner.Load(), got.Status)
}

func testMessages(t *testing.T, s runstore.Store) {
	ctx := context.Background()
	loc := NewLocator()
	run := create(t, s, loc)

	for i, content := range []string{"one", "two", "three"} {
		m, err := s.AppendMessage(ctx, loc, model.Message{RunID: &run.ID, Role: model.RoleUser, Content: content, FileIDs: []string{fmt.Sprintf("f%d", i)}})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), m.Seq)
		assert.NotEqual(t, uuid.Nil, m.ID)
	}
	_, err := s.AppendMessage(ctx, loc, model.Message{
		RunID:     &run.ID,
		Role:      model.RoleAssistant,
		ToolCalls: []model.ToolCallRef{{ID: "c1", Name: "get_time", Arguments: json.RawMessage(`{}`)}},
	})
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, loc)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, []string{"f2"}, msgs[2].FileIDs)
	require.Len(t, msgs[3].ToolCalls, 1)
	assert.Equal(t, "get_time", msgs[3].ToolCalls[0].Name)

	empty, err := s.ListMessages(ctx, NewLocator())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

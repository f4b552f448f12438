package runstore

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// Memory is an in-process Store. It honors the same conditional-write
// contract as the database stores and is used for tests and single-process
// development.
type Memory struct {
	mu       sync.RWMutex
	runs     map[uuid.UUID]*memRun
	messages map[model.Locator][]model.Message
	now      func() time.Time
}

type memRun struct {
	run   model.Run
	calls []model.ToolCall
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:     make(map[uuid.UUID]*memRun),
		messages: make(map[model.Locator][]model.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) CreateRun(_ context.Context, nr model.NewRun) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[nr.ID]; exists {
		return model.Run{}, fmt.Errorf("runstore: create run %s: %w", nr.ID, ErrConcurrencyConflict)
	}
	for _, r := range m.runs {
		if r.run.Locator() == nr.Locator && !r.run.State.Terminal() {
			return model.Run{}, fmt.Errorf("runstore: create run: %w", ErrActiveRunExists)
		}
	}

	now := m.now()
	run := model.Run{
		ID:             nr.ID,
		TenantID:       nr.Locator.TenantID,
		UserID:         nr.Locator.UserID,
		ConversationID: nr.Locator.ConversationID,
		State:          model.RunStateStreaming,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.runs[nr.ID] = &memRun{run: run}
	return m.snapshot(m.runs[nr.ID]), nil
}

func (m *Memory) LoadRun(_ context.Context, loc model.Locator, runID uuid.UUID) (model.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.lookup(loc, runID)
	if err != nil {
		return model.Run{}, err
	}
	return m.snapshot(r), nil
}

func (m *Memory) ResolveLocator(_ context.Context, runID uuid.UUID) (model.Locator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID]
	if !ok {
		return model.Locator{}, fmt.Errorf("runstore: resolve locator %s: %w", runID, ErrNotFound)
	}
	return r.run.Locator(), nil
}

func (m *Memory) CASUpdateRun(_ context.Context, loc model.Locator, runID uuid.UUID, expectedVersion int64, upd model.RunUpdate) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(loc, runID)
	if err != nil {
		return model.Run{}, err
	}
	if r.run.Version != expectedVersion || r.run.State.Terminal() {
		return model.Run{}, fmt.Errorf("runstore: update run %s: expected version %d, have %d (%s): %w",
			runID, expectedVersion, r.run.Version, r.run.State, ErrConcurrencyConflict)
	}
	if r.run.CancelRequested && upd.State != model.RunStateCancelled {
		return model.Run{}, fmt.Errorf("runstore: update run %s to %s: %w", runID, upd.State, ErrCancelRequested)
	}

	now := m.now()
	r.run.State = upd.State
	r.run.PendingToolCallID = cloneString(upd.PendingToolCallID)
	r.run.Error = cloneString(upd.Error)
	r.run.Version++
	r.run.UpdatedAt = now
	if upd.State.Terminal() {
		r.run.CompletedAt = &now
	}
	return m.snapshot(r), nil
}

func (m *Memory) RequestCancel(_ context.Context, loc model.Locator, runID uuid.UUID) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(loc, runID)
	if err != nil {
		return model.Run{}, err
	}
	if !r.run.State.Terminal() {
		r.run.CancelRequested = true
	}
	return m.snapshot(r), nil
}

func (m *Memory) InsertToolCall(_ context.Context, loc model.Locator, runID uuid.UUID, tc model.ToolCall) (model.ToolCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(loc, runID)
	if err != nil {
		return model.ToolCall{}, err
	}
	for _, existing := range r.calls {
		if existing.ID == tc.ID {
			return model.ToolCall{}, fmt.Errorf("runstore: insert tool call %s: %w", tc.ID, ErrDuplicateToolCall)
		}
	}
	tc.RunID = runID
	tc.CreatedAt = m.now()
	tc.ResolvedAt = nil
	tc.CompletedAt = nil
	r.calls = append(r.calls, cloneToolCall(tc))
	return cloneToolCall(tc), nil
}

func (m *Memory) LoadToolCall(_ context.Context, loc model.Locator, runID uuid.UUID, toolCallID string) (model.ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.lookup(loc, runID)
	if err != nil {
		return model.ToolCall{}, err
	}
	for _, tc := range r.calls {
		if tc.ID == toolCallID {
			return cloneToolCall(tc), nil
		}
	}
	return model.ToolCall{}, fmt.Errorf("runstore: tool call %s: %w", toolCallID, ErrNotFound)
}

func (m *Memory) CASUpdateToolCall(_ context.Context, loc model.Locator, runID uuid.UUID, toolCallID string, expected, next model.ToolCallStatus, patch model.ToolCallPatch) (model.ToolCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(loc, runID)
	if err != nil {
		return model.ToolCall{}, err
	}
	idx := slices.IndexFunc(r.calls, func(tc model.ToolCall) bool { return tc.ID == toolCallID })
	if idx < 0 {
		return model.ToolCall{}, fmt.Errorf("runstore: tool call %s: %w", toolCallID, ErrNotFound)
	}
	tc := &r.calls[idx]
	if tc.Status != expected {
		return cloneToolCall(*tc), fmt.Errorf("runstore: tool call %s is %s, expected %s: %w",
			toolCallID, tc.Status, expected, ErrAlreadyResolved)
	}

	now := m.now()
	tc.Status = next
	if patch.Arguments != nil {
		tc.Arguments = slices.Clone(patch.Arguments)
	}
	tc.MissingParameters = slices.Clone(patch.MissingParameters)
	if patch.Result != nil {
		tc.Result = slices.Clone(patch.Result)
	}
	if patch.Error != nil {
		tc.Error = cloneString(patch.Error)
	}
	switch next {
	case model.ToolCallApproved, model.ToolCallRejected:
		tc.ResolvedAt = &now
	case model.ToolCallExecuted, model.ToolCallExecutionFailed:
		tc.CompletedAt = &now
	}
	return cloneToolCall(*tc), nil
}

func (m *Memory) AppendMessage(_ context.Context, loc model.Locator, msg model.Message) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := m.messages[loc]
	msg.ID = uuid.New()
	msg.ConversationID = loc.ConversationID
	msg.Seq = int64(len(conv)) + 1
	msg.CreatedAt = m.now()
	m.messages[loc] = append(conv, msg)
	return msg, nil
}

func (m *Memory) ListMessages(_ context.Context, loc model.Locator) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.messages[loc]), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// lookup must be called with m.mu held.
func (m *Memory) lookup(loc model.Locator, runID uuid.UUID) (*memRun, error) {
	r, ok := m.runs[runID]
	if !ok || r.run.Locator() != loc {
		return nil, fmt.Errorf("runstore: run %s: %w", runID, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) snapshot(r *memRun) model.Run {
	run := r.run
	run.PendingToolCallID = cloneString(r.run.PendingToolCallID)
	run.Error = cloneString(r.run.Error)
	run.ToolCalls = make([]model.ToolCall, len(r.calls))
	for i, tc := range r.calls {
		run.ToolCalls[i] = cloneToolCall(tc)
	}
	return run
}

func cloneToolCall(tc model.ToolCall) model.ToolCall {
	tc.Arguments = slices.Clone(tc.Arguments)
	tc.MissingParameters = slices.Clone(tc.MissingParameters)
	tc.Result = slices.Clone(tc.Result)
	tc.Error = cloneString(tc.Error)
	return tc
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// Turn is the scripted output of one Stream call. When Err is set it is
// returned after Events instead of io.EOF.
type Turn struct {
	Events []Event
	Err    error
}

// ScriptFunc produces the turn to play for a request.
type ScriptFunc func(req Request) Turn

// Scripted is a deterministic Adapter. It either replays a fixed list of
// turns in order or asks a ScriptFunc for each one.
type Scripted struct {
	mu       sync.Mutex
	turns    []Turn
	script   ScriptFunc
	requests []Request

	// OnRecv, when set, runs before each event is returned. turn counts
	// Stream calls from zero; index is the event position within the turn.
	OnRecv func(turn, index int)
}

var _ Adapter = (*Scripted)(nil)

// NewScripted replays turns in order. Streams past the end fail.
func NewScripted(turns ...Turn) *Scripted {
	return &Scripted{turns: turns}
}

// NewScriptedFunc calls fn for every turn.
func NewScriptedFunc(fn ScriptFunc) *Scripted {
	return &Scripted{script: fn}
}

// Requests returns every request seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Scripted) Stream(ctx context.Context, req Request) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.requests)
	s.requests = append(s.requests, req)

	var turn Turn
	switch {
	case s.script != nil:
		turn = s.script(req)
	case n < len(s.turns):
		turn = s.turns[n]
	default:
		return nil, &Error{Provider: "scripted", Err: fmt.Errorf("no turn scripted for call %d", n+1)}
	}
	return &scriptedStream{ctx: ctx, turn: turn, n: n, onRecv: s.OnRecv}, nil
}

type scriptedStream struct {
	ctx    context.Context
	turn   Turn
	n      int
	pos    int
	onRecv func(turn, index int)
	closed bool
}

func (st *scriptedStream) Recv() (Event, error) {
	if st.closed {
		return Event{}, errors.New("generation: stream closed")
	}
	if err := st.ctx.Err(); err != nil {
		return Event{}, err
	}
	if st.pos >= len(st.turn.Events) {
		if st.turn.Err != nil {
			return Event{}, &Error{Provider: "scripted", Err: st.turn.Err}
		}
		return Event{}, io.EOF
	}
	if st.onRecv != nil {
		st.onRecv(st.n, st.pos)
	}
	ev := st.turn.Events[st.pos]
	st.pos++
	return ev, nil
}

func (st *scriptedStream) Close() error {
	st.closed = true
	return nil
}

// Demo is the script used when no model provider is configured. Questions
// about the time call get_time; tool results are read back; anything else
// is echoed.
func Demo(req Request) Turn {
	if len(req.Messages) == 0 {
		return Turn{Events: []Event{Done()}}
	}
	last := req.Messages[len(req.Messages)-1]
	switch last.Role {
	case model.RoleTool:
		return Turn{Events: []Event{Text("The tool returned " + last.Content + "."), Done()}}
	case model.RoleUser:
		if strings.Contains(strings.ToLower(last.Content), "time") {
			return Turn{Events: []Event{
				Text("Let me "),
				Text("check... "),
				Call("call_"+uuid.NewString()[:8], "get_time", `{}`),
			}}
		}
		return Turn{Events: []Event{Text("You said: "), Text(last.Content), Done()}}
	}
	return Turn{Events: []Event{Done()}}
}

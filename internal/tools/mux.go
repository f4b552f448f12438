package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Mux composes several Executors into one catalog. Each name is served by
// exactly one source; NewMux rejects duplicates.
type Mux struct {
	sources []Executor
	owner   map[string]Executor
	defs    []Definition
}

var _ Executor = (*Mux)(nil)

// NewMux builds a Mux over sources in priority order.
func NewMux(sources ...Executor) (*Mux, error) {
	m := &Mux{owner: make(map[string]Executor)}
	for _, src := range sources {
		if src == nil {
			continue
		}
		for _, d := range src.Definitions() {
			if _, dup := m.owner[d.Name]; dup {
				return nil, fmt.Errorf("tools: duplicate tool name %q across sources", d.Name)
			}
			m.owner[d.Name] = src
			m.defs = append(m.defs, d)
		}
		m.sources = append(m.sources, src)
	}
	return m, nil
}

func (m *Mux) route(name string) (Executor, error) {
	src, ok := m.owner[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return src, nil
}

func (m *Mux) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	src, err := m.route(name)
	if err != nil {
		return nil, err
	}
	return src.Execute(ctx, name, args)
}

func (m *Mux) Definitions() []Definition {
	return append([]Definition(nil), m.defs...)
}

func (m *Mux) MissingParameters(name string, args json.RawMessage) ([]string, error) {
	src, err := m.route(name)
	if err != nil {
		return nil, err
	}
	return src.MissingParameters(name, args)
}

package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry is an in-process Executor holding schema-validated tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registered
	order []string
}

type registered struct {
	tool     Tool
	schema   *jsonschema.Schema
	required []string
}

var _ Executor = (*Registry)(nil)

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registered)}
}

// Register adds a tool. Names must be unique and the parameter schema must compile.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tools: register: name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: register %s: handler is required", t.Name)
	}
	if len(t.Parameters) == 0 {
		t.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
	}

	schema, required, err := compileSchema(t.Name, t.Parameters)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tools: register %s: duplicate tool name", t.Name)
	}
	r.tools[t.Name] = &registered{tool: t, schema: schema, required: required}
	r.order = append(r.order, t.Name)
	return nil
}

// MustRegister is Register for static catalogs; it panics on error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, []string, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("tools: %s: unmarshal schema: %w", name, err)
	}
	url := "kaiwa://tools/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, nil, fmt.Errorf("tools: %s: add schema resource: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, nil, fmt.Errorf("tools: %s: compile schema: %w", name, err)
	}

	var shape struct {
		Required []string `json:"required"`
	}
	_ = json.Unmarshal(raw, &shape)
	return schema, shape.Required, nil
}

func (r *Registry) lookup(name string) (*registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return reg, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, err := r.lookup(name)
	return err == nil
}

func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].tool.Definition)
	}
	return defs
}

func (r *Registry) MissingParameters(name string, args json.RawMessage) ([]string, error) {
	reg, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	obj, err := decodeObject(args)
	if err != nil {
		if errors.Is(err, errIncomplete) {
			return append([]string(nil), reg.required...), nil
		}
		return nil, err
	}
	var missing []string
	for _, p := range reg.required {
		v, ok := obj[p]
		if !ok || v == nil {
			missing = append(missing, p)
		}
	}
	return missing, nil
}

func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	reg, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	obj, err := decodeObject(args)
	if err != nil {
		if errors.Is(err, errIncomplete) {
			return nil, fmt.Errorf("%w: %s: arguments are not valid JSON", ErrInvalidArguments, name)
		}
		return nil, err
	}
	if err := reg.schema.Validate(obj); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}

	normalized, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: marshal arguments: %w", name, err)
	}
	result, err := reg.tool.Handler(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrInvalidArguments) {
			return nil, err
		}
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return nil, err
		}
		return nil, &ExecutionError{Tool: name, Err: err}
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	if !json.Valid(result) {
		return nil, &ExecutionError{Tool: name, Err: errors.New("result is not valid JSON")}
	}
	return result, nil
}

var errIncomplete = errors.New("tools: incomplete arguments")

// decodeObject parses tool arguments. Empty input is an empty object;
// unparsable input is errIncomplete; a non-object is ErrInvalidArguments.
func decodeObject(args json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return nil, errIncomplete
	}
	obj, ok := v.(map[string]any)
	if !ok {
		if v == nil {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("%w: arguments must be a JSON object", ErrInvalidArguments)
	}
	return obj, nil
}

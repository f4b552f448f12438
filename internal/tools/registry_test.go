package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string, schema string) Tool {
	return Tool{
		Definition: Definition{Name: name, Description: "echo", Parameters: json.RawMessage(schema), Source: SourceBuiltin},
		Handler: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		},
	}
}

const weatherSchema = `{
	"type": "object",
	"properties": {
		"city": {"type": "string"},
		"units": {"type": "string", "enum": ["metric", "imperial"]}
	},
	"required": ["city"]
}`

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("weather", weatherSchema)))

	t.Run("duplicate name", func(t *testing.T) {
		err := r.Register(echoTool("weather", weatherSchema))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("missing name", func(t *testing.T) {
		require.Error(t, r.Register(echoTool("", weatherSchema)))
	})

	t.Run("missing handler", func(t *testing.T) {
		tool := echoTool("nohandler", weatherSchema)
		tool.Handler = nil
		require.Error(t, r.Register(tool))
	})

	t.Run("bad schema", func(t *testing.T) {
		require.Error(t, r.Register(echoTool("bad", `{"type": 12}`)))
		require.Error(t, r.Register(echoTool("notjson", `{`)))
	})

	t.Run("empty schema defaults to object", func(t *testing.T) {
		require.NoError(t, r.Register(echoTool("noargs", "")))
		out, err := r.Execute(context.Background(), "noargs", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(out))
	})

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "weather", defs[0].Name)
	assert.Equal(t, "noargs", defs[1].Name)
	assert.True(t, r.Has("weather"))
	assert.False(t, r.Has("bad"))
}

func TestRegistryMissingParameters(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(echoTool("weather", weatherSchema))

	tests := []struct {
		name string
		args string
		want []string
	}{
		{"complete", `{"city":"Paris"}`, nil},
		{"absent", `{"units":"metric"}`, []string{"city"}},
		{"explicit null", `{"city":null}`, []string{"city"}},
		{"empty", ``, []string{"city"}},
		{"incomplete json", `{"ci`, []string{"city"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.MissingParameters("weather", json.RawMessage(tt.args))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("unknown tool", func(t *testing.T) {
		_, err := r.MissingParameters("nope", nil)
		assert.ErrorIs(t, err, ErrUnknownTool)
	})

	t.Run("non-object arguments", func(t *testing.T) {
		_, err := r.MissingParameters("weather", json.RawMessage(`[1,2]`))
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})
}

func TestRegistryExecute(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.MustRegister(echoTool("weather", weatherSchema))

	t.Run("valid", func(t *testing.T) {
		out, err := r.Execute(ctx, "weather", json.RawMessage(`{"city":"Osaka","units":"metric"}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"city":"Osaka","units":"metric"}`, string(out))
	})

	t.Run("schema violation", func(t *testing.T) {
		_, err := r.Execute(ctx, "weather", json.RawMessage(`{"city":"Osaka","units":"kelvin"}`))
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("missing required", func(t *testing.T) {
		_, err := r.Execute(ctx, "weather", json.RawMessage(`{}`))
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("unparsable", func(t *testing.T) {
		_, err := r.Execute(ctx, "weather", json.RawMessage(`{"city":`))
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("unknown tool", func(t *testing.T) {
		_, err := r.Execute(ctx, "nope", json.RawMessage(`{}`))
		assert.ErrorIs(t, err, ErrUnknownTool)
	})
}

func TestRegistryExecuteHandlerErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	r := NewRegistry()
	r.MustRegister(Tool{
		Definition: Definition{Name: "fails"},
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, boom
		},
	})
	r.MustRegister(Tool{
		Definition: Definition{Name: "rejects"},
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, ErrInvalidArguments
		},
	})
	r.MustRegister(Tool{
		Definition: Definition{Name: "garbage"},
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`not json`), nil
		},
	})
	r.MustRegister(Tool{
		Definition: Definition{Name: "silent"},
		Handler: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		},
	})

	_, err := r.Execute(ctx, "fails", nil)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "fails", execErr.Tool)
	assert.ErrorIs(t, err, boom)

	_, err = r.Execute(ctx, "rejects", nil)
	assert.ErrorIs(t, err, ErrInvalidArguments)
	assert.False(t, errors.As(err, &execErr))

	_, err = r.Execute(ctx, "garbage", nil)
	require.ErrorAs(t, err, &execErr)

	out, err := r.Execute(ctx, "silent", nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}

func TestMergeArguments(t *testing.T) {
	t.Run("overlay", func(t *testing.T) {
		out, err := MergeArguments(json.RawMessage(`{"city":"Paris","units":"metric"}`),
			map[string]json.RawMessage{"units": json.RawMessage(`"imperial"`)})
		require.NoError(t, err)
		assert.JSONEq(t, `{"city":"Paris","units":"imperial"}`, string(out))
	})

	t.Run("incomplete base", func(t *testing.T) {
		out, err := MergeArguments(json.RawMessage(`{"ci`),
			map[string]json.RawMessage{"city": json.RawMessage(`"Lyon"`)})
		require.NoError(t, err)
		assert.JSONEq(t, `{"city":"Lyon"}`, string(out))
	})

	t.Run("invalid parameter", func(t *testing.T) {
		_, err := MergeArguments(nil, map[string]json.RawMessage{"city": json.RawMessage(`Lyon`)})
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})
}

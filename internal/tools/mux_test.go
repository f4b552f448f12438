package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMux(t *testing.T) {
	builtins := NewRegistry()
	require.NoError(t, RegisterBuiltins(builtins, func() time.Time { return time.Unix(0, 0) }))

	extra := NewRegistry()
	extra.MustRegister(echoTool("weather", weatherSchema))

	m, err := NewMux(builtins, nil, extra)
	require.NoError(t, err)

	names := make([]string, 0)
	for _, d := range m.Definitions() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"get_time", "convert_timezone", "weather"}, names)

	out, err := m.Execute(context.Background(), "weather", json.RawMessage(`{"city":"Kyoto"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"city":"Kyoto"}`, string(out))

	out, err = m.Execute(context.Background(), "get_time", nil)
	require.NoError(t, err)
	assert.Equal(t, `"1970-01-01T00:00:00Z"`, string(out))

	missing, err := m.MissingParameters("weather", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"city"}, missing)

	_, err = m.Execute(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)

	t.Run("duplicate names across sources", func(t *testing.T) {
		other := NewRegistry()
		other.MustRegister(echoTool("weather", weatherSchema))
		_, err := NewMux(extra, other)
		require.Error(t, err)
	})
}

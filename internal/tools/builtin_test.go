package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltins(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, func() time.Time { return fixed }))
	ctx := context.Background()

	t.Run("get_time default utc", func(t *testing.T) {
		out, err := r.Execute(ctx, "get_time", json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.Equal(t, `"2026-03-14T15:09:26Z"`, string(out))
	})

	t.Run("get_time with timezone", func(t *testing.T) {
		out, err := r.Execute(ctx, "get_time", json.RawMessage(`{"timezone":"Asia/Tokyo"}`))
		require.NoError(t, err)
		assert.Equal(t, `"2026-03-15T00:09:26+09:00"`, string(out))
	})

	t.Run("get_time unknown timezone", func(t *testing.T) {
		_, err := r.Execute(ctx, "get_time", json.RawMessage(`{"timezone":"Mars/Olympus"}`))
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("convert_timezone", func(t *testing.T) {
		out, err := r.Execute(ctx, "convert_timezone",
			json.RawMessage(`{"timestamp":"2026-03-14T12:00:00Z","timezone":"Europe/Paris"}`))
		require.NoError(t, err)
		assert.Equal(t, `"2026-03-14T13:00:00+01:00"`, string(out))
	})

	t.Run("convert_timezone bad timestamp", func(t *testing.T) {
		_, err := r.Execute(ctx, "convert_timezone",
			json.RawMessage(`{"timestamp":"yesterday","timezone":"UTC"}`))
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})

	t.Run("convert_timezone missing parameters", func(t *testing.T) {
		missing, err := r.MissingParameters("convert_timezone", json.RawMessage(`{"timestamp":"2026-03-14T12:00:00Z"}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"timezone"}, missing)
	})

	t.Run("additional properties rejected", func(t *testing.T) {
		_, err := r.Execute(ctx, "get_time", json.RawMessage(`{"zone":"UTC"}`))
		assert.ErrorIs(t, err, ErrInvalidArguments)
	})
}

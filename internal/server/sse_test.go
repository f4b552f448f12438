package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/engine"
	"github.com/ashita-ai/kaiwa/internal/model"
)

func TestStartSSESetsRunHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	run := model.Run{ID: uuid.New(), TenantID: "acme", UserID: "ada", ConversationID: "conv-7"}

	startSSE(context.Background(), rec, rec, run)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, run.ID.String(), rec.Header().Get(HeaderRunID))
	assert.Equal(t, "conv-7", rec.Header().Get(HeaderConversationID))
	assert.Equal(t, run.Locator().Encode(), rec.Header().Get(HeaderLocator))
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Body.String(), "no frame precedes the first run event")
}

func TestSendEncodeErrorKeepsStreamOpen(t *testing.T) {
	rec := httptest.NewRecorder()
	stream := startSSE(context.Background(), rec, rec, model.Run{ID: uuid.New()})

	err := stream.Send(model.Event{Type: model.EventMessageDelta, Data: map[string]any{"bad": make(chan int)}})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrEncodeEvent)
	assert.NotErrorIs(t, err, errStreamClosed)

	runID := uuid.New()
	require.NoError(t, stream.Send(model.Event{Type: model.EventDone, Data: model.DoneData{RunID: runID}}))
	assert.Equal(t, "event: done\ndata: {\"runId\":\""+runID.String()+"\"}\n\n", rec.Body.String())
}

package mcp

import (
	"context"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/model"
)

func TestParseRunURI(t *testing.T) {
	id := uuid.New()
	got, err := parseRunURI("kaiwa://runs/" + id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	for _, bad := range []string{"kaiwa://runs/", "kaiwa://runs/nope", "kaiwa://runs/" + id.String() + "/x", "other://runs/" + id.String()} {
		_, err := parseRunURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseMessagesURI(t *testing.T) {
	got, err := parseMessagesURI("kaiwa://conversations/conv-1/messages")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", got)

	for _, bad := range []string{"kaiwa://conversations//messages", "kaiwa://conversations/conv-1", "kaiwa://conversations/a/b/messages"} {
		_, err := parseMessagesURI(bad)
		assert.Error(t, err, bad)
	}
}

func TestReadResources(t *testing.T) {
	f := newFixture(t, model.ToolCallPending)
	_, err := f.store.AppendMessage(context.Background(), f.loc, model.Message{Role: model.RoleUser, Content: "hi"})
	require.NoError(t, err)

	read := func(uri string) mcplib.ReadResourceRequest {
		var req mcplib.ReadResourceRequest
		req.Params.URI = uri
		return req
	}

	contents, err := f.srv.handleRunResource(userCtx(), read("kaiwa://runs/"+f.run.ID.String()))
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text := contents[0].(mcplib.TextResourceContents).Text
	assert.Contains(t, text, `"AWAITING_APPROVAL"`)

	contents, err = f.srv.handleMessagesResource(userCtx(), read("kaiwa://conversations/conv-1/messages"))
	require.NoError(t, err)
	assert.Contains(t, contents[0].(mcplib.TextResourceContents).Text, `"hi"`)

	_, err = f.srv.handleRunResource(context.Background(), read("kaiwa://runs/"+f.run.ID.String()))
	assert.Error(t, err, "unauthenticated reads fail")
}

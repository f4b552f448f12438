package main

import (
	"bufio"
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kaiwa/internal/engine"
	"github.com/ashita-ai/kaiwa/internal/generation"
	"github.com/ashita-ai/kaiwa/internal/model"
	"github.com/ashita-ai/kaiwa/internal/runstore"
	"github.com/ashita-ai/kaiwa/internal/server"
	"github.com/ashita-ai/kaiwa/internal/service/control"
	"github.com/ashita-ai/kaiwa/internal/testutil"
	"github.com/ashita-ai/kaiwa/internal/tools"
	"github.com/ashita-ai/kaiwa/sdk/go/kaiwa"
)

func newTestServer(t *testing.T) (*httptest.Server, *runstore.Memory) {
	t.Helper()
	logger := testutil.TestLogger()
	store := runstore.NewMemory()
	hub := runstore.NewHub()
	reg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(reg, func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}))
	eng, err := engine.New(engine.Config{
		Store:        store,
		Notifier:     hub,
		Adapter:      generation.NewScriptedFunc(generation.Demo),
		Executor:     reg,
		Logger:       logger,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	srv := server.New(server.ServerConfig{
		Engine:    eng,
		Control:   control.New(store, hub, nil, reg, logger),
		Executor:  reg,
		Logger:    logger,
		Pinger:    store,
		Version:   "test",
		StoreName: "memory",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func newSession(t *testing.T, url, input string, autoApprove bool) (*chatSession, *bytes.Buffer) {
	t.Helper()
	c, err := kaiwa.NewClient(kaiwa.Config{BaseURL: url, Tenant: "acme", User: "ada"})
	require.NoError(t, err)
	var out bytes.Buffer
	return &chatSession{
		client:      c,
		in:          bufio.NewReader(strings.NewReader(input)),
		out:         &out,
		autoApprove: autoApprove,
	}, &out
}

func TestChatEcho(t *testing.T) {
	ts, store := newTestServer(t)
	s, out := newSession(t, ts.URL, "hello\n\nagain\n", false)

	require.NoError(t, s.loop(context.Background()))
	assert.Contains(t, out.String(), "You said: hello")
	assert.Contains(t, out.String(), "You said: again")
	require.NotEmpty(t, s.threadID)

	// Both turns landed in the same conversation.
	msgs, err := store.ListMessages(context.Background(), locatorFor(s.threadID))
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
}

func TestChatApprovesToolCallAtPrompt(t *testing.T) {
	ts, _ := newTestServer(t)
	s, out := newSession(t, ts.URL, "what time is it?\ny\n", false)

	require.NoError(t, s.loop(context.Background()))
	assert.Contains(t, out.String(), "tool get_time({}) approve? [y/N]")
	assert.Contains(t, out.String(), "2026-03-01T12:00:00Z")
}

func TestChatAutoApprove(t *testing.T) {
	ts, _ := newTestServer(t)
	s, out := newSession(t, ts.URL, "time please\n", true)

	require.NoError(t, s.loop(context.Background()))
	assert.NotContains(t, out.String(), "approve?")
	assert.Contains(t, out.String(), "The tool returned")
}

func TestChatQuit(t *testing.T) {
	ts, _ := newTestServer(t)
	s, out := newSession(t, ts.URL, "/quit\nhello\n", false)

	require.NoError(t, s.loop(context.Background()))
	assert.Empty(t, s.threadID)
	assert.NotContains(t, out.String(), "You said")
}

func locatorFor(conversationID string) model.Locator {
	return model.Locator{TenantID: "acme", UserID: "ada", ConversationID: conversationID}
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ashita-ai/kaiwa/internal/engine"
	"github.com/ashita-ai/kaiwa/internal/model"
)

const keepaliveInterval = 15 * time.Second

var errStreamClosed = errors.New("server: stream closed")

// sseStream writes Server-Sent Events frames to one client. Send and the
// keepalive ticker share the writer under mu.
type sseStream struct {
	ctx     context.Context
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	broken bool
}

// Response headers identifying the Run behind a stream. Clients need them
// for control calls; the locator lets those calls skip the run-id lookup.
const (
	HeaderRunID          = "X-Kaiwa-Run-Id"
	HeaderConversationID = "X-Kaiwa-Conversation-Id"
	HeaderLocator        = "X-Kaiwa-Locator"
)

// startSSE writes the stream headers, including the Run's ids, and clears
// the server write deadline for the long-lived response.
func startSSE(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, run model.Run) *sseStream {
	h := w.Header()
	h.Set(HeaderRunID, run.ID.String())
	h.Set(HeaderConversationID, run.ConversationID)
	h.Set(HeaderLocator, run.Locator().Encode())
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Without this, streams suspended on approval are cut at WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	return &sseStream{ctx: ctx, w: w, flusher: flusher}
}

// Send writes one event frame and flushes it. A write error means the
// client is gone and later sends fail immediately; an encoding error wraps
// engine.ErrEncodeEvent and leaves the stream usable.
func (s *sseStream) Send(ev model.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("server: %s event: %w: %v", ev.Type, engine.ErrEncodeEvent, err)
	}
	return s.write(formatSSE(string(ev.Type), data))
}

func (s *sseStream) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken || s.ctx.Err() != nil {
		s.broken = true
		return errStreamClosed
	}
	if _, err := s.w.Write(frame); err != nil {
		s.broken = true
		return fmt.Errorf("server: write stream: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// keepalive writes a comment frame every interval until stop is closed.
func (s *sseStream) keepalive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.write([]byte(":keepalive\n\n")); err != nil {
				return
			}
		}
	}
}

// formatSSE formats one Server-Sent Events frame. data is compact JSON and
// never contains a newline.
func formatSSE(eventType string, data []byte) []byte {
	frame := make([]byte, 0, len(eventType)+len(data)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, eventType...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	return append(frame, "\n\n"...)
}

package kaiwa

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
)

// Response headers naming the Run behind a stream.
const (
	HeaderRunID          = "X-Kaiwa-Run-Id"
	HeaderConversationID = "X-Kaiwa-Conversation-Id"
	HeaderLocator        = "X-Kaiwa-Locator"
)

// EventStream reads the events of one Run. It is not safe for concurrent use.
type EventStream struct {
	// RunID, ConversationID and Locator come from the response headers and
	// are set before the first event arrives. Pass Locator to control calls
	// to skip the server's run-id lookup.
	RunID          uuid.UUID
	ConversationID string
	Locator        string

	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newEventStream(resp *http.Response) (*EventStream, error) {
	runID, err := uuid.Parse(resp.Header.Get(HeaderRunID))
	if err != nil {
		return nil, fmt.Errorf("kaiwa: stream response: %s header: %w", HeaderRunID, err)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &EventStream{
		RunID:          runID,
		ConversationID: resp.Header.Get(HeaderConversationID),
		Locator:        resp.Header.Get(HeaderLocator),
		body:           resp.Body,
		scanner:        sc,
	}, nil
}

// Next blocks for the next event. It returns io.EOF once the server has
// closed the stream, which happens after done or error.
func (s *EventStream) Next() (Event, error) {
	var ev Event
	var data [][]byte
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		switch {
		case len(line) == 0:
			if ev.Type != "" {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			data = data[:0]
		case line[0] == ':':
			// comment (keepalive)
		default:
			field, value, _ := bytes.Cut(line, []byte(":"))
			value = bytes.TrimPrefix(value, []byte(" "))
			switch string(field) {
			case "event":
				ev.Type = string(value)
			case "data":
				data = append(data, append([]byte(nil), value...))
			}
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// Close releases the connection. Closing before the Run finishes cancels it.
func (s *EventStream) Close() error {
	return s.body.Close()
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kaiwa/sdk/go/kaiwa"
)

var (
	threadID    string
	autoApprove bool

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat; tool calls are approved at the prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			s := &chatSession{
				client:      c,
				in:          bufio.NewReader(cmd.InOrStdin()),
				out:         cmd.OutOrStdout(),
				threadID:    threadID,
				autoApprove: autoApprove,
			}
			return s.loop(cmd.Context())
		},
	}
)

// chatSession runs one conversation. Each line read from in starts a Run;
// its stream is printed until the Run ends.
type chatSession struct {
	client      *kaiwa.Client
	in          *bufio.Reader
	out         io.Writer
	threadID    string
	autoApprove bool
}

func (s *chatSession) loop(ctx context.Context) error {
	for {
		fmt.Fprint(s.out, "> ")
		line, err := s.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		if err := s.turn(ctx, line); err != nil {
			if kaiwa.IsConflict(err) {
				fmt.Fprintln(s.out, "conversation is busy; wait for the current run to finish")
				continue
			}
			return err
		}
	}
}

func (s *chatSession) readLine() (string, error) {
	line, err := s.in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// turn starts a Run for text and handles its stream to the end.
func (s *chatSession) turn(ctx context.Context, text string) error {
	stream, err := s.client.StartRun(ctx, kaiwa.StartRunRequest{
		Messages: []kaiwa.InputMessage{{Role: kaiwa.RoleUser, Content: text}},
		ThreadID: s.threadID,
	})
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()
	s.threadID = stream.ConversationID

	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(s.out)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				s.stop(stream.RunID, stream.Locator)
			}
			return err
		}

		switch ev.Type {
		case kaiwa.EventMessageDelta:
			var d kaiwa.MessageDelta
			if err := ev.Decode(&d); err != nil {
				return err
			}
			fmt.Fprint(s.out, d.DeltaText)

		case kaiwa.EventToolCallRequested:
			var req kaiwa.ToolCallRequested
			if err := ev.Decode(&req); err != nil {
				return err
			}
			approved := s.autoApprove
			if !approved {
				fmt.Fprintf(s.out, "\ntool %s(%s) approve? [y/N] ", req.ToolCall.Name, req.ToolCall.ArgumentsJSON)
				answer, err := s.readLine()
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				approved = strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes")
			}
			if _, err := s.client.ResolveToolCall(ctx, stream.RunID, req.ToolCall.ID, approved, stream.Locator); err != nil {
				return err
			}

		case kaiwa.EventParameterRequest:
			var req kaiwa.ParameterRequest
			if err := ev.Decode(&req); err != nil {
				return err
			}
			params := make(map[string]any, len(req.MissingParameters))
			for _, name := range req.MissingParameters {
				fmt.Fprintf(s.out, "\n%s needs %s: ", req.ToolName, name)
				value, err := s.readLine()
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				params[name] = value
			}
			if _, err := s.client.SupplyParameters(ctx, stream.RunID, req.ToolCallID, params, stream.Locator); err != nil {
				return err
			}

		case kaiwa.EventToolCallResult:
			var res kaiwa.ToolCallResult
			if err := ev.Decode(&res); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "\n[result %s]\n", res.Result)

		case kaiwa.EventError:
			var e kaiwa.StreamError
			if err := ev.Decode(&e); err != nil {
				return err
			}
			fmt.Fprintf(s.out, "\n[%s] %s\n", e.Code, e.Message)
		}
	}
}

// stop asks the server to cancel a Run whose stream was interrupted
// locally, so it does not linger until the server notices the disconnect.
func (s *chatSession) stop(runID uuid.UUID, locator string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.client.Stop(ctx, runID, locator); err != nil {
		fmt.Fprintf(s.out, "\nstop %s: %v\n", runID, err)
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	statusCmd = &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's state and tool calls",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			run, err := c.GetRun(cmd.Context(), runID, locator)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}

	stopCmd = &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			resp, err := c.Stop(cmd.Context(), runID, locator)
			if err != nil {
				return err
			}
			if !resp.Applied {
				fmt.Fprintf(cmd.OutOrStdout(), "run already finished (%s)\n", resp.State)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stop requested")
			return nil
		},
	}

	uploadCmd = &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			c, err := newClient()
			if err != nil {
				return err
			}
			name := filepath.Base(args[0])
			up, err := c.UploadFile(cmd.Context(), name, mime.TypeByExtension(filepath.Ext(name)), f)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), up.ID)
			return nil
		},
	}

	toolsCmd = &cobra.Command{
		Use:   "tools",
		Short: "List the tools the model may call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			infos, err := c.Tools(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range infos {
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-8s %s\n", t.Name, t.Source, t.Description)
			}
			return nil
		},
	}

	historyCmd = &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print a conversation's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			msgs, err := c.ListMessages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s\n", m.Role, m.Content)
			}
			return nil
		},
	}
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

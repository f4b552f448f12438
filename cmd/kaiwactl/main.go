// Command kaiwactl is a terminal client for a Kaiwa server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kaiwa/sdk/go/kaiwa"
)

var (
	serverURL string
	token     string
	tenant    string
	user      string
	locator   string

	rootCmd = &cobra.Command{
		Use:           "kaiwactl",
		Short:         "Chat with a Kaiwa server and steer its runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&serverURL, "url", envOr("KAIWA_URL", "http://localhost:8080"), "server base URL")
	flags.StringVar(&token, "token", os.Getenv("KAIWA_TOKEN"), "bearer token")
	flags.StringVar(&tenant, "tenant", os.Getenv("KAIWA_TENANT"), "tenant id for servers with auth disabled")
	flags.StringVar(&user, "user", os.Getenv("KAIWA_USER"), "user id for servers with auth disabled")

	statusCmd.Flags().StringVar(&locator, "locator", "", "locator from the X-Kaiwa-Locator stream header")
	stopCmd.Flags().StringVar(&locator, "locator", "", "locator from the X-Kaiwa-Locator stream header")
	chatCmd.Flags().StringVar(&threadID, "thread", "", "continue an existing conversation")
	chatCmd.Flags().BoolVar(&autoApprove, "yes", false, "approve every tool call without asking")

	rootCmd.AddCommand(chatCmd, statusCmd, stopCmd, uploadCmd, toolsCmd, historyCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() (*kaiwa.Client, error) {
	return kaiwa.NewClient(kaiwa.Config{
		BaseURL: serverURL,
		Token:   token,
		Tenant:  tenant,
		User:    user,
	})
}

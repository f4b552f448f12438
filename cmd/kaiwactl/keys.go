package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kaiwa/internal/auth"
)

var (
	keyDir        string
	tokenTenant   string
	tokenUser     string
	tokenLifetime time.Duration

	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate the Ed25519 key pair the server signs tokens with",
		Long: `Writes jwt_private.pem and jwt_public.pem to --dir. Point
KAIWA_JWT_PRIVATE_KEY and KAIWA_JWT_PUBLIC_KEY at them. Without persistent
keys the server generates ephemeral ones and every restart invalidates
issued tokens.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath, pubPath, err := writeKeyPair(keyDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nwrote %s\n", privPath, pubPath)
			return nil
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token from the key pair in --dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return issueToken(cmd.OutOrStdout())
		},
	}
)

func init() {
	keygenCmd.Flags().StringVar(&keyDir, "dir", "data", "directory for the key files")
	tokenCmd.Flags().StringVar(&keyDir, "dir", "data", "directory holding the key files")
	tokenCmd.Flags().StringVar(&tokenTenant, "for-tenant", "", "tenant claim")
	tokenCmd.Flags().StringVar(&tokenUser, "for-user", "", "user claim")
	tokenCmd.Flags().DurationVar(&tokenLifetime, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("for-tenant")
	_ = tokenCmd.MarkFlagRequired("for-user")

	rootCmd.AddCommand(keygenCmd, tokenCmd)
}

// writeKeyPair refuses to overwrite existing keys; rotating them
// invalidates live tokens.
func writeKeyPair(dir string) (privPath, pubPath string, err error) {
	privPath = filepath.Join(dir, "jwt_private.pem")
	pubPath = filepath.Join(dir, "jwt_public.pem")

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create %s: %w", dir, err)
	}
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return "", "", fmt.Errorf("%s already exists; delete it first to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return "", "", err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return "", "", err
	}
	return privPath, pubPath, nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func issueToken(w io.Writer) error {
	mgr, err := auth.NewJWTManager(
		filepath.Join(keyDir, "jwt_private.pem"),
		filepath.Join(keyDir, "jwt_public.pem"),
		tokenLifetime,
	)
	if err != nil {
		return err
	}
	tok, exp, err := mgr.IssueToken(tokenTenant, tokenUser)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, tok)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	return nil
}

package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/guided-traffic/plugin-license-manager/internal/issuer"
	"github.com/guided-traffic/plugin-license-manager/pkg/signing"
)

var rootCmd = &cobra.Command{
	Use:          "keygen",
	Short:        "Generate keys for the license server",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(newActivationKeyCmd(), newSharedSecretCmd(), newKeysetCmd())
}

func randomKey() (string, error) {
	key := make([]byte, signing.MinSecretSize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func newActivationKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activation-key",
		Short: "Generate the key that signs activation tokens",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyBase64, err := randomKey()
			if err != nil {
				return err
			}

			fmt.Printf("Generated activation signing key (base64 encoded):\n%s\n", keyBase64)
			fmt.Printf("\nYou can use this key in your configuration:\n")
			fmt.Printf("server:\n  activation_signing_key: \"%s\"\n", keyBase64)
			fmt.Printf("\nOr set it as an environment variable:\n")
			fmt.Printf("export PLM_SERVER_ACTIVATION_SIGNING_KEY=\"%s\"\n", keyBase64)
			return nil
		},
	}
}

// newSharedSecretCmd is for standalone agents in development. Activated
// sites receive their secret from license-tool activate.
func newSharedSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shared-secret",
		Short: "Generate a site shared secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := randomKey()
			if err != nil {
				return err
			}

			fmt.Printf("Generated shared secret (base64 encoded):\n%s\n", secret)
			fmt.Printf("\nSet it as an environment variable:\n")
			fmt.Printf("export PLM_AGENT_SHARED_SECRET=\"%s\"\n", secret)
			return nil
		},
	}
}

func newKeysetCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "keyset <file>",
		Short: "Generate the master keyset that seals site secrets",
		Long: `Keyset writes a new Tink AES-256-GCM keyset in cleartext JSON. Every site
secret in the database is sealed with it: losing the file makes all existing
activations unusable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}

			f, err := os.OpenFile(args[0], flags, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create keyset file: %w", err)
			}
			if err := issuer.WriteNewKeyset(f); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			fmt.Printf("Master keyset written to %s\n", args[0])
			fmt.Printf("Reference it in your configuration:\nserver:\n  master_keyset_file: %q\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

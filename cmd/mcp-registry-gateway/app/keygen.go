package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-registry-gateway/security"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random base64 key",
		Long: `Generate a random 32-byte key, base64 encoded. Use it for
security.signing-key or security.encryption-key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), security.KeyToBase64(key))
			return err
		},
	}
}

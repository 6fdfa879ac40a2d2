package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"credential-custody-service/internal/domain"
	"credential-custody-service/internal/infra"

	"github.com/spf13/cobra"
)

// keygenCmd はマスターキーを生成する。
// --kms-key を指定した場合は KMS でラップした値を MASTER_KEY_CIPHERTEXT 用に出力する。
func keygenCmd() *cobra.Command {
	var kmsKey string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, domain.MasterKeySize)
			if _, err := rand.Read(raw); err != nil {
				return fmt.Errorf("generating key: %w", err)
			}

			if kmsKey == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "MASTER_KEY=%s\n", base64.StdEncoding.EncodeToString(raw))
				return nil
			}

			kms, err := infra.NewKMSClient(cmd.Context(), kmsKey)
			if err != nil {
				return fmt.Errorf("failed to init KMS client: %w", err)
			}
			defer kms.Close()

			wrapped, err := kms.Encrypt(cmd.Context(), raw)
			if err != nil {
				return fmt.Errorf("wrapping key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "MASTER_KEY_CIPHERTEXT=%s\n", base64.StdEncoding.EncodeToString(wrapped))
			return nil
		},
	}
	cmd.Flags().StringVar(&kmsKey, "kms-key", "", "Cloud KMS key name used to wrap the generated key")
	return cmd
}

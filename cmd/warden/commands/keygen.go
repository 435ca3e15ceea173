package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oktsec/warden/internal/encryption"
)

func newKeygenCmd() *cobra.Command {
	var outDir string
	var bits int

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the master key and RSA signing keypair",
		Long: `Creates the symmetric master key that encrypts the audit log and the RSA
keypair that signs session tokens. Existing keys are never overwritten.`,
		Example: `  warden keygen
  warden keygen --dir /etc/warden/keys --bits 4096`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = cfg.Keys.Dir
			}
			if bits == 0 {
				bits = cfg.Keys.RSABits
			}
			if bits < 2048 {
				return fmt.Errorf("--bits must be at least 2048, got %d", bits)
			}

			_, statErr := os.Stat(filepath.Join(outDir, encryption.MasterKeyFile))
			existed := statErr == nil

			m, err := encryption.NewManager(outDir,
				encryption.WithRSABits(bits),
				encryption.WithPBKDF2Iterations(cfg.Keys.PBKDF2Iterations),
			)
			if err != nil {
				return fmt.Errorf("generating keys in %s: %w", outDir, err)
			}
			st := m.Status()
			if existed {
				fmt.Printf("Keys already present in %s (left unchanged)\n", outDir)
			} else {
				fmt.Printf("Generated keys in %s\n", outDir)
			}
			fmt.Printf("  Master:      %s/%s\n", outDir, encryption.MasterKeyFile)
			fmt.Printf("  Private:     %s/%s\n", outDir, encryption.PrivateKeyFile)
			fmt.Printf("  Public:      %s/%s\n", outDir, encryption.PublicKeyFile)
			fmt.Printf("  RSA bits:    %d\n", st.RSAKeyBits)
			fmt.Printf("  Fingerprint: %s\n", st.KeyFingerprint)
			return nil
		},
	}

	cmd.Flags().StringVar(&outDir, "dir", "", "keys directory (default from config)")
	cmd.Flags().IntVar(&bits, "bits", 0, "RSA key size (default from config)")
	return cmd
}

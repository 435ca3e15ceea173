package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/oktsec/warden/internal/config"
	"github.com/oktsec/warden/internal/encryption"
)

const minAdminKeyLen = 16

func newPasswdCmd() *cobra.Command {
	var generate bool

	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Set the admin key used to open sessions over the API",
		Long: `Stores a PBKDF2 hash of the admin key in the config file. Clients send
the key in the X-Warden-Admin-Key header when creating sessions.`,
		Example: `  warden passwd
  warden passwd --generate
  echo "$ADMIN_KEY" | warden passwd`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				cfg = config.Defaults()
			}

			var key string
			if generate {
				key, err = encryption.SecureToken(32)
				if err != nil {
					return err
				}
			} else {
				key, err = readAdminKey(os.Stdin, os.Stderr)
				if err != nil {
					return err
				}
			}
			if err := setAdminKey(cfg, key); err != nil {
				return err
			}
			if err := cfg.Save(cfgFile); err != nil {
				return err
			}

			fmt.Printf("Admin key hash written to %s\n", cfgFile)
			if generate {
				fmt.Printf("  Admin key: %s\n", key)
				fmt.Println("  Store it now; it cannot be recovered.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&generate, "generate", false, "generate a random key and print it")
	return cmd
}

// readAdminKey prompts without echo on a terminal and otherwise reads the
// first line of in.
func readAdminKey(in *os.File, prompt io.Writer) (string, error) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("reading admin key: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(prompt, "New admin key: ") //nolint:errcheck // CLI output
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt) //nolint:errcheck // CLI output
	if err != nil {
		return "", fmt.Errorf("reading admin key: %w", err)
	}
	fmt.Fprint(prompt, "Repeat admin key: ") //nolint:errcheck // CLI output
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt) //nolint:errcheck // CLI output
	if err != nil {
		return "", fmt.Errorf("reading admin key: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("admin keys do not match")
	}
	return string(first), nil
}

func setAdminKey(cfg *config.Config, key string) error {
	if len(key) < minAdminKeyLen {
		return fmt.Errorf("admin key must be at least %d characters", minAdminKeyLen)
	}
	hash, salt, err := encryption.HashPassword(key, "", cfg.Keys.PBKDF2Iterations)
	if err != nil {
		return err
	}
	cfg.API.AdminKeyHash = hash
	cfg.API.AdminKeySalt = salt
	cfg.API.AdminKeyIterations = cfg.Keys.PBKDF2Iterations
	return nil
}

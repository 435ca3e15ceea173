package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oktsec/warden/internal/audit"
	"github.com/oktsec/warden/internal/config"
	"github.com/oktsec/warden/internal/encryption"
)

func newLogsCmd() *cobra.Command {
	var user, eventType, threat, since string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Decrypt and query the audit log",
		Example: `  warden logs
  warden logs --threat high
  warden logs --user alice --since 1h
  warden logs --type blocked_command_attempt --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			q := audit.QueryOpts{UserID: user, EventType: eventType, Limit: limit}
			if threat != "" {
				lvl, err := audit.ParseThreatLevel(threat)
				if err != nil {
					return err
				}
				q.ThreatLevel = lvl
			}
			if since != "" {
				dur, err := time.ParseDuration(since)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", since, err)
				}
				q.Start = time.Now().Add(-dur)
			}

			res, err := replayAudit(cfg)
			if err != nil {
				return err
			}
			if n := len(res.CorruptLines); n > 0 {
				fmt.Fprintln(os.Stderr, color.YellowString("warning: %d audit line(s) failed to decrypt: %v", n, res.CorruptLines)) //nolint:errcheck // CLI output
			}

			events := audit.Filter(res.Events, q)
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			if len(events) == 0 {
				fmt.Println("No audit events found.")
				return nil
			}
			return printEvents(os.Stdout, events)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "filter by user id")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&threat, "threat", "", "filter by threat level")
	cmd.Flags().StringVar(&since, "since", "", "show events newer than duration (e.g. 1h, 30m)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events to show (newest)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON")
	return cmd
}

// openKeys loads existing key material without creating any.
func openKeys(cfg *config.Config) (*encryption.Manager, error) {
	if _, err := os.Stat(filepath.Join(cfg.Keys.Dir, encryption.MasterKeyFile)); err != nil {
		return nil, fmt.Errorf("no keys in %s (run: warden keygen): %w", cfg.Keys.Dir, err)
	}
	return encryption.NewManager(cfg.Keys.Dir,
		encryption.WithRSABits(cfg.Keys.RSABits),
		encryption.WithPBKDF2Iterations(cfg.Keys.PBKDF2Iterations),
	)
}

func replayAudit(cfg *config.Config) (*audit.ReplayResult, error) {
	enc, err := openKeys(cfg)
	if err != nil {
		return nil, err
	}
	return audit.Replay(cfg.Audit.File, enc)
}

func threatColor(l audit.ThreatLevel) *color.Color {
	switch l {
	case audit.ThreatCritical:
		return color.New(color.FgRed, color.Bold)
	case audit.ThreatHigh:
		return color.New(color.FgRed)
	case audit.ThreatMedium:
		return color.New(color.FgYellow)
	case audit.ThreatLow:
		return color.New(color.FgCyan)
	}
	return color.New(color.Reset)
}

func printEvents(w io.Writer, events []audit.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "TIME\tTHREAT\tEVENT\tUSER\tAGENT\tRESULT\tRESOURCE\n") //nolint:errcheck // CLI output
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", //nolint:errcheck // CLI output
			e.Timestamp.Local().Format(time.DateTime),
			threatColor(e.ThreatLevel).Sprint(e.ThreatLevel),
			e.EventType, dash(e.UserID), dash(e.AgentID), dash(e.Result), truncate(e.Resource, 60))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if s == "" {
		return "-"
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

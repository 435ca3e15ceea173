package commands

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oktsec/warden/internal/audit"
	"github.com/oktsec/warden/internal/policy"
	"github.com/oktsec/warden/sdk"
)

func newStatusCmd() *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration, key, policy and audit summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			pol, err := policy.Load(cfg.PolicyFile)
			if err != nil {
				return fmt.Errorf("loading policy: %w", err)
			}
			policySource := cfg.PolicyFile
			if policySource == "" {
				policySource = "built-in"
			}

			fmt.Println()
			fmt.Println("  warden status")
			fmt.Println("  ────────────────────────────────────────")
			fmt.Printf("  Config:        %s\n", cfgFile)
			fmt.Printf("  Server:        %s\n", probeServer(cmd.Context(), cfg.Server.Bind, cfg.Server.Port))
			fmt.Printf("  Policy:        v%s (%s), %d roles, %d blocklist patterns\n",
				pol.Version, policySource, len(pol.Roles), len(pol.Blocklist))
			fmt.Printf("  Roles:         %s\n", strings.Join(pol.RoleNames(), ", "))
			fmt.Printf("  Isolation:     %s\n", cfg.Sandbox.DefaultIsolation)
			fmt.Printf("  Admin key:     %s\n", boolWord(cfg.API.AdminKeyHash != "", "configured", "not set"))

			enc, err := openKeys(cfg)
			if err != nil {
				fmt.Printf("  Keys:          %s\n", color.YellowString("missing (%s)", cfg.Keys.Dir))
				fmt.Println()
				return nil
			}
			st := enc.Status()
			fmt.Printf("  Keys:          RSA-%d %s\n", st.RSAKeyBits, st.KeyFingerprint)

			res, err := audit.Replay(cfg.Audit.File, enc)
			if err != nil {
				fmt.Printf("  Audit log:     %s\n", color.YellowString("unreadable: %v", err))
				fmt.Println()
				return nil
			}
			sum := audit.Summarize(res.Events, time.Now().Add(-time.Duration(hours)*time.Hour), hours)

			fmt.Println("  ────────────────────────────────────────")
			fmt.Printf("  Audit events:  %d total, %d in last %dh\n", len(res.Events), sum.TotalEvents, hours)
			if len(res.CorruptLines) > 0 {
				fmt.Printf("  Corrupt lines: %s\n", color.RedString("%d", len(res.CorruptLines)))
			}
			for _, lvl := range audit.ThreatLevels {
				if n := sum.ByThreatLevel[lvl]; n > 0 {
					fmt.Printf("    %-12s %d\n", threatColor(lvl).Sprint(lvl), n)
				}
			}
			if len(sum.TopUsers) > 0 {
				top := make([]string, 0, 3)
				for i, u := range sum.TopUsers {
					if i == 3 {
						break
					}
					top = append(top, fmt.Sprintf("%s (%d)", u.UserID, u.Count))
				}
				fmt.Printf("  Top users:     %s\n", strings.Join(top, ", "))
			}
			fmt.Println()
			return nil
		},
	}

	cmd.Flags().IntVar(&hours, "hours", 24, "summary window in hours")
	return cmd
}

func probeServer(ctx context.Context, bind string, port int) string {
	if bind == "" || bind == "0.0.0.0" || bind == "::" {
		bind = "127.0.0.1"
	}
	base := "http://" + net.JoinHostPort(bind, strconv.Itoa(port))
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	c := sdk.NewClient(base, sdk.WithHTTPClient(&http.Client{Timeout: 2 * time.Second}))
	h, err := c.Health(ctx)
	if err != nil {
		return color.YellowString("not reachable at %s", base)
	}
	return color.GreenString("%s (version %s) at %s", h.Status, h.Version, base)
}

func boolWord(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}

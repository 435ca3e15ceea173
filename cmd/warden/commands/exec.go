package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/warden/internal/gateway"
	"github.com/oktsec/warden/internal/sandbox"
	"github.com/oktsec/warden/internal/secerr"
)

func newExecCmd() *cobra.Command {
	var user, role, agent, dir, isolation string
	var env map[string]string
	var timeout time.Duration
	var restrictions []string

	cmd := &cobra.Command{
		Use:   "exec -- COMMAND",
		Short: "Run one command through the gateway as a given identity",
		Example: `  warden exec --role developer -- ls -la
  warden exec --role user --restrict no_network -- curl https://example.com
  warden exec --isolation process --env MODE=test -- python3 -c 'print(1)'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(os.Stderr, cfg.Server.LogFormat, logLevel("warn"))

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = gw.Close() }()

			ctx := cmd.Context()
			sc, err := gw.CreateSecurityContext(ctx, user, role, agent, gw.DefaultSessionDuration(), restrictions...)
			if err != nil {
				return err
			}
			defer gw.InvalidateSession(context.WithoutCancel(ctx), sc.SessionID)

			opts := gateway.ExecOptions{Dir: dir, Env: env, Timeout: timeout, UserAgent: "warden-cli/" + version}
			if isolation != "" {
				sb, err := gw.CreateSandbox(ctx, sc, sandbox.Request{
					Isolation: sandbox.IsolationLevel(isolation),
					Env:       env,
				})
				if err != nil {
					return err
				}
				defer func() { _ = gw.DestroySandbox(context.WithoutCancel(ctx), sc, sb.ID) }()
				opts.SandboxID = sb.ID
			}

			res, err := gw.ExecuteCommand(ctx, strings.Join(args, " "), sc, opts)
			if err != nil {
				return &exitError{code: 126, msg: fmt.Sprintf("%s: %s", secerr.KindOf(err), secerr.Reason(err))}
			}
			_, _ = os.Stdout.WriteString(res.Stdout)
			_, _ = os.Stderr.WriteString(res.Stderr)
			if res.Truncated {
				fmt.Fprintln(os.Stderr, "warden: output truncated") //nolint:errcheck // CLI output
			}
			if !res.Success {
				msg := fmt.Sprintf("exit status %d", res.ExitCode)
				if res.TimedOut {
					msg = fmt.Sprintf("timed out after %s", res.ExecutionTime.Round(time.Millisecond))
				}
				return &exitError{code: res.ExitCode, msg: msg}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", currentUser(), "user id for the security context")
	cmd.Flags().StringVar(&role, "role", "developer", "role for the security context")
	cmd.Flags().StringVar(&agent, "agent", "cli", "agent id")
	cmd.Flags().StringSliceVar(&restrictions, "restrict", nil, "extra restriction(s), e.g. no_network")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory")
	cmd.Flags().StringToStringVar(&env, "env", nil, "environment variable(s) KEY=VALUE")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "command timeout (default from config)")
	cmd.Flags().StringVar(&isolation, "isolation", "", "run in a fresh sandbox: none, process or container")
	return cmd
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

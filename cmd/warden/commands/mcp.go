package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oktsec/warden/internal/gateway"
	mcpserver "github.com/oktsec/warden/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start warden as an MCP server (stdio)",
		Long: `Exposes the gateway as an MCP tool server. Add to your MCP client config:

  {
    "mcpServers": {
      "warden": {
        "command": "warden",
        "args": ["mcp", "--config", "./warden.yaml"]
      }
    }
  }

Tools: execute_command, edit_file, scan_code, security_status

The agent acts as the identity under "mcp:" in the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// stdout carries the protocol; logs go to stderr only.
			logger := newLogger(os.Stderr, cfg.Server.LogFormat, logLevel("error"))

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = gw.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gw.Start(ctx)
			return mcpserver.NewServer(gw, cfg.MCP, logger).Run(ctx)
		},
	}
}

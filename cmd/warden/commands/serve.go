package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oktsec/warden/internal/api"
	"github.com/oktsec/warden/internal/config"
	"github.com/oktsec/warden/internal/gateway"
	"github.com/oktsec/warden/internal/telemetry"
)

func newServeCmd() *cobra.Command {
	var port int
	var bind string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the warden HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				// Fall back to defaults if no config file
				cfg = config.Defaults()
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(os.Stderr, cfg.Server.LogFormat, logLevel(cfg.Server.LogLevel))

			if cfg.Telemetry.Tracing {
				shutdownTracing, err := setupTracing(cfg.Telemetry)
				if err != nil {
					return err
				}
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdownTracing(ctx); err != nil {
						logger.Warn("flushing traces", "error", err)
					}
				}()
			}

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := gw.Close(); err != nil {
					logger.Error("closing gateway", "error", err)
				}
			}()

			// Graceful shutdown on SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gw.Start(ctx)

			api.Version = version
			srv := api.NewServer(gw, logger)
			if err := srv.Listen(); err != nil {
				return err
			}
			printBanner(cfg, srv.Port())

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Serve()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "address to bind (default: 127.0.0.1)")
	return cmd
}

func setupTracing(tc config.TelemetryConfig) (func(context.Context) error, error) {
	var w io.Writer = os.Stderr
	var f *os.File
	if tc.TraceFile != "" {
		var err error
		f, err = os.OpenFile(tc.TraceFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening trace file: %w", err)
		}
		w = f
	}
	shutdown, err := telemetry.SetupTracing(w)
	if err != nil {
		if f != nil {
			_ = f.Close()
		}
		return nil, err
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		if f != nil {
			err = errors.Join(err, f.Close())
		}
		return err
	}, nil
}

func printBanner(cfg *config.Config, port int) {
	bindAddr := cfg.Server.Bind
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}

	mode := "flag"
	if cfg.Sandbox.EnforceLimits {
		mode = "enforce"
	}
	adminKey := "not set (run: warden passwd)"
	if cfg.API.AdminKeyHash != "" {
		adminKey = "configured"
	}

	fmt.Println()
	fmt.Println("  warden gateway")
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  API:        http://%s:%d/v1/commands\n", bindAddr, port)
	fmt.Printf("  Health:     http://%s:%d/health\n", bindAddr, port)
	if cfg.Telemetry.Metrics {
		fmt.Printf("  Metrics:    http://%s:%d/metrics\n", bindAddr, port)
	}
	fmt.Println("  ────────────────────────────────────────")
	fmt.Printf("  Admin key:  %s\n", adminKey)
	fmt.Printf("  Audit log:  %s\n", cfg.Audit.File)
	fmt.Printf("  Isolation: %s  |  Limits: %s\n", cfg.Sandbox.DefaultIsolation, mode)
	fmt.Println()
	fmt.Println("  Press Ctrl+C to stop.")
	fmt.Println()
}

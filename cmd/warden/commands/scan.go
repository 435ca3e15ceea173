package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oktsec/warden/internal/engine"
)

func newScanCmd() *cobra.Command {
	var language, failOn string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "scan FILE...",
		Short: "Scan source files for vulnerabilities",
		Example: `  warden scan app.py
  warden scan --fail-on high src/*.go
  warden scan --json deploy.sh`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			threshold := engine.Severity(failOn)
			switch threshold {
			case "", engine.SeverityLow, engine.SeverityMedium, engine.SeverityHigh, engine.SeverityCritical:
			default:
				return fmt.Errorf("invalid --fail-on %q (low, medium, high or critical)", failOn)
			}

			rules, err := engine.LoadRules(cfg.Scanner.RulesFile)
			if err != nil {
				return err
			}
			logger := newLogger(os.Stderr, cfg.Server.LogFormat, logLevel("error"))
			opts := []engine.Option{engine.WithLogger(logger)}
			if cfg.Scanner.ContentRules {
				opts = append(opts, engine.WithContentRules(cfg.Scanner.CustomRulesDir))
			}
			scanner := engine.NewScanner(rules, opts...)

			reports := make([]*engine.Report, 0, len(args))
			for _, path := range args {
				reports = append(reports, scanner.ScanFile(cmd.Context(), path, language))
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(reports); err != nil {
					return err
				}
			} else {
				for _, rep := range reports {
					printReport(os.Stdout, rep)
				}
			}

			if threshold == "" {
				return nil
			}
			for _, rep := range reports {
				if max := rep.MaxSeverity(); max != "" && max.Weight() >= threshold.Weight() {
					return &exitError{code: 2, msg: fmt.Sprintf("%s: %s findings at or above %s", rep.Target, max, threshold)}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&language, "language", "", "source language (default: inferred from extension)")
	cmd.Flags().StringVar(&failOn, "fail-on", "", "exit with status 2 when a finding reaches this severity")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print reports as JSON")
	return cmd
}

func severityColor(sev engine.Severity) *color.Color {
	switch sev {
	case engine.SeverityCritical:
		return color.New(color.FgRed, color.Bold)
	case engine.SeverityHigh:
		return color.New(color.FgRed)
	case engine.SeverityMedium:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgCyan)
}

func printReport(w io.Writer, rep *engine.Report) {
	if len(rep.Vulnerabilities) == 0 {
		fmt.Fprintf(w, "%s  %s\n", color.GreenString("clean"), rep.Target) //nolint:errcheck // CLI output
		return
	}
	fmt.Fprintf(w, "%s  (%s, risk %.1f)\n", color.New(color.Bold).Sprint(rep.Target), rep.Language, rep.RiskScore) //nolint:errcheck // CLI output
	for _, v := range rep.Vulnerabilities {
		label := severityColor(v.Severity).Sprintf("%-8s", v.Severity)
		fmt.Fprintf(w, "  %s line %-4d %-20s %s\n", label, v.Line, v.RuleID, v.Description) //nolint:errcheck // CLI output
		if v.Recommendation != "" {
			fmt.Fprintf(w, "           %s\n", color.New(color.Faint).Sprint(v.Recommendation)) //nolint:errcheck // CLI output
		}
	}
	fmt.Fprintln(w) //nolint:errcheck // CLI output
}

// Package main is the entry point for the Cortex voice core CLI.
// It runs text utterances through the full pipeline: classification,
// entity extraction, conversation context, caching and capability dispatch.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/cortex-voicecore/internal/config"
	"github.com/normanking/cortex-voicecore/internal/orchestrator"
)

var (
	version     = "0.1.0"
	cfgPath     string
	sessionID   = "cli"
	logLevel    string
	metricsAddr string
)

var (
	replyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A6E3A1")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F38BA8"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C7086"))
	titleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#89B4FA")).Bold(true)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cortex",
		Short: "Cortex - voice assistant core",
		Long: `Cortex turns an utterance into a reply:
  • Rule, lexicon and optional remote intent classification under a deadline
  • Entity extraction (locations, dates, durations, apps, numbers)
  • Per-session conversation context with follow-up resolution
  • Response caching and pluggable capabilities

Start interactive mode:  cortex
One-shot query:          cortex ask "what time is it"
Configuration:           cortex config show`,
		SilenceUsage: true,
		RunE:         runREPL,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.cortex/voice.yaml)")
	rootCmd.PersistentFlags().StringVar(&sessionID, "session", "cli", "conversation session id")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Cortex voice core v%s\n", version)
		},
	})
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "repl",
		Short: "Interactive session",
		RunE:  runREPL,
	})
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(capabilitiesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ASK COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func askCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ask [utterance]",
		Short: "Run one utterance through the pipeline",
		Long: `Run one utterance and print the reply.

Examples:
  cortex ask "hello"
  cortex ask "set a timer for 5 minutes"
  cortex ask --json "what's the date"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, runtimeOptions{
				configPath:  cfgPath,
				logLevel:    logLevel,
				metricsAddr: metricsAddr,
			})
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer rt.Close()

			res := rt.orch.Process(ctx, sessionID, strings.Join(args, " "))
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printResult(cmd.OutOrStdout(), res, false)
			if !res.Success {
				return fmt.Errorf("request failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func printResult(out io.Writer, res *orchestrator.Result, verbose bool) {
	if res.Success {
		fmt.Fprintln(out, replyStyle.Render(res.Reply))
	} else {
		fmt.Fprintln(out, errorStyle.Render(res.Reply))
	}

	if !verbose {
		return
	}
	detail := fmt.Sprintf("%s (%.2f via %s) in %s", res.Intent.Intent, res.Intent.Confidence, res.Intent.Method, res.Latency.Round(time.Millisecond))
	if res.CacheHit {
		detail += " • cached"
	}
	if len(res.Entities) > 0 {
		var parts []string
		for _, e := range res.Entities {
			parts = append(parts, fmt.Sprintf("%s=%s", e.Type, e.String()))
		}
		detail += " • " + strings.Join(parts, ", ")
	}
	fmt.Fprintln(out, dimStyle.Render(detail))
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgPath
			if path == "" {
				p, err := config.DefaultPath()
				if err != nil {
					return err
				}
				path = p
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().SaveToPath(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), titleStyle.Render("Cortex Configuration")+dimStyle.Render(" ("+path+")"))
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath != "" {
				fmt.Fprintln(cmd.OutOrStdout(), cfgPath)
				return nil
			}
			p, err := config.DefaultPath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), p)
			return nil
		},
	})

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CAPABILITIES COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func capabilitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "List discovered capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			rt, err := newRuntime(ctx, runtimeOptions{configPath: cfgPath, logLevel: logLevel})
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer rt.Close()

			fmt.Fprint(cmd.OutOrStdout(), renderCapabilities(rt))
			return nil
		},
	}
}

func renderCapabilities(rt *runtime) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Capabilities") + "\n")
	for _, s := range rt.orch.Registry().List() {
		status := replyStyle.Render("●")
		if !s.Enabled {
			status = errorStyle.Render("○")
		}
		fmt.Fprintf(&b, "  %s %-10s %s\n", status, s.Name, dimStyle.Render(s.Description))
		fmt.Fprintf(&b, "      %s\n", dimStyle.Render(strings.Join(s.Intents, ", ")))
	}
	return b.String()
}

// Command adkgw serves an OpenAI-compatible chat completions API in front of
// an ADK agent server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"adkgw/cmd/internal/app"

	"github.com/spf13/cobra"
)

var (
	addrOverride  string
	logLevel      string
	checkGateway  bool
	checkDeadline time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "adkgw",
	Short: "OpenAI chat completions gateway for ADK agents",
	Long: `adkgw accepts OpenAI-style chat completion requests over HTTP and
WebSocket, resolves multimodal content, keeps one ADK session per
conversation and relays the agent's replies back, streamed or whole.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway (default)",
	RunE:  runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe the ADK backend and exit non-zero when it is unhealthy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), checkDeadline)
		defer cancel()
		return app.Check(ctx, cfg, checkGateway, cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), app.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addrOverride, "addr", "", "Listen address (overrides HTTP_ADDR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	checkCmd.Flags().BoolVar(&checkGateway, "gateway", false, "Also probe the running gateway's /healthz")
	checkCmd.Flags().DurationVar(&checkDeadline, "timeout", 10*time.Second, "Overall probe deadline")

	rootCmd.AddCommand(serveCmd, checkCmd, versionCmd)
}

func loadConfig() (app.Config, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return app.Config{}, err
	}
	if addrOverride != "" {
		cfg.HTTPAddr = addrOverride
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return app.Run(cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, app.ErrUnhealthy) {
			_, _ = fmt.Fprintln(os.Stderr, "adkgw:", err)
		}
		os.Exit(1)
	}
}

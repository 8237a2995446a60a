package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ai-gateway/cursor-gateway/internal/config"
	"github.com/ai-gateway/cursor-gateway/internal/tokens"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "OpenAI-compatible chat gateway in front of the Cursor backend",
	// Running with no subcommand serves, as the gateway always has.
	RunE:          serveRun,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default ./config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokensCmd)
	rootCmd.AddCommand(versionCmd)
}

func setVersionInfo(v, c string) {
	rootCmd.Version = v
	rootCmd.SetVersionTemplate(fmt.Sprintf("gateway %s (commit: %s)\n", v, c))
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gateway version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gateway %s (commit: %s)\n", version, commit)
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// tokenSource picks Redis when an address is configured, else the file.
func tokenSource(cfg *config.Config) (tokens.Source, func() error) {
	if cfg.Tokens.RedisAddr != "" {
		client := newRedisClient(cfg.Tokens.RedisAddr)
		return tokens.RedisSource{Client: client, Key: cfg.Tokens.RedisKey}, client.Close
	}
	return tokens.FileSource{Path: cfg.Tokens.File}, func() error { return nil }
}

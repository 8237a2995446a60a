package main

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ai-gateway/cursor-gateway/internal/tokens"
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Inspect and edit the credential store",
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credentials, masked",
	RunE:  tokensListRun,
}

var tokensRemoveCmd = &cobra.Command{
	Use:   "remove <credential>...",
	Short: "Remove credentials from the store",
	Args:  cobra.MinimumNArgs(1),
	RunE:  tokensRemoveRun,
}

func init() {
	tokensCmd.AddCommand(tokensListCmd)
	tokensCmd.AddCommand(tokensRemoveCmd)
}

func newRedisClient(addr string) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
}

func tokensListRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	src, closeSrc := tokenSource(cfg)
	defer func() { _ = closeSrc() }()

	pool := tokens.NewPool(src, zap.NewNop())
	if err := pool.Reload(cmd.Context()); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for i, raw := range pool.Snapshot() {
		fmt.Fprintf(out, "%d\t%s\n", i, tokens.Mask(raw))
	}
	fmt.Fprintf(out, "%d credential(s)\n", pool.Len())
	return nil
}

func tokensRemoveRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	src, closeSrc := tokenSource(cfg)
	defer func() { _ = closeSrc() }()

	n, err := tokens.NewPool(src, zap.NewNop()).Remove(cmd.Context(), args)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d credential(s)\n", n)
	return nil
}

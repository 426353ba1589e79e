package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// main 是 merlind 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "merlind 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "merlind",
		Short: "Merlin Telegram wallet assistant",
		Long: `merlind runs the Merlin custodial Solana wallet assistant on Telegram.

Available subcommands:
  serve       Run the bot (long polling or webhook)
  migrate     Apply database migrations and exit

Examples:
  merlind serve --config configs/merlin.json
  MERLIN_CONFIG=configs/merlin.json merlind migrate`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "JSON 配置文件路径")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))
	return cmd
}

func defaultConfigPath() string {
	if path := os.Getenv("MERLIN_CONFIG"); path != "" {
		return path
	}
	return "configs/merlin.json"
}

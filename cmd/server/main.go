package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"groupbot_engine/internal/config"
	"groupbot_engine/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "groupbot",
		Short:        "多账号群聊机器人引擎",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to config.yaml")
	root.AddCommand(newCheckCmd(&configPath))
	return root
}

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "校验配置文件并打印摘要",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "addr:      %s\n", cfg.Server.Addr)
			fmt.Fprintf(out, "sqlite:    %s\n", cfg.Storage.SQLitePath)
			fmt.Fprintf(out, "gateway:   %s\n", cfg.Gateway.URL)
			fmt.Fprintf(out, "accounts:  %d (max %d)\n", len(cfg.Accounts), cfg.Pool.MaxAccounts)
			fmt.Fprintf(out, "keywords:  %d\n", len(cfg.Keywords))
			fmt.Fprintf(out, "redpacket: enabled=%t minAmount=%s maxPerHour=%d\n", cfg.Redpacket.Enabled, cfg.Redpacket.MinAmount, cfg.Redpacket.MaxPerHour)
			return nil
		},
	}
}

func serve(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Log, os.Stdout)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("初始化失败")
		return err
	}
	logger.Info().Str("addr", cfg.Server.Addr).Int("accounts", len(cfg.Accounts)).Msg("群机器人引擎启动")
	return a.run(ctx)
}

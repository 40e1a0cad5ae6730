package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xwell/qbit-loadbalancer/internal/balancer"
	"github.com/xwell/qbit-loadbalancer/internal/config"
	"github.com/xwell/qbit-loadbalancer/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loadbalancer",
		Short: "Dispatches and supervises torrents across a fleet of qBittorrent instances",
		RunE:  runLoadbalancer,
	}

	cmd.Flags().String("config", "./config.json", "path to the JSON config file")
	_ = viper.BindPFlag("config", cmd.Flags().Lookup("config"))

	return cmd
}

func runLoadbalancer(cmd *cobra.Command, _ []string) error {
	configPath := viper.GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.Setup(cfg.LogDir)

	b := balancer.New(cfg, log)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("config", configPath).Msg("starting load balancer")
	if err := b.Run(ctx); err != nil {
		log.Error().Err(err).Msg("load balancer exited with error")
		return err
	}

	log.Info().Msg("load balancer stopped")
	return nil
}

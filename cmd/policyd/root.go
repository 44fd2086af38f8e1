package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"modoboa-policyd/internal/config"
	"modoboa-policyd/internal/log"
)

type rootOptions struct {
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "policyd",
		Short: "Postfix policy daemon enforcing daily message limits",
		Long: `policyd answers Postfix policy delegation requests and defers mail from
domains and accounts that reached their daily message limit.

Counters live in Redis and are reset once a day from the configured limits.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"config file path (defaults and POLICYD_* environment when empty)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newResetCmd(opts))
	cmd.AddCommand(newCounterCmd(opts))
	cmd.AddCommand(newStatsCmd(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := log.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// loadShared é o load dos comandos de manutenção: eles agem sobre os
// contadores do daemon em execução, o que só existe com o store Redis.
func (o *rootOptions) loadShared(command string) (*config.Config, *logrus.Logger, error) {
	cfg, logger, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store.Type != "redis" {
		return nil, nil, fmt.Errorf("%s needs store.type=redis: the %s store lives inside the serving process", command, cfg.Store.Type)
	}
	return cfg, logger, nil
}

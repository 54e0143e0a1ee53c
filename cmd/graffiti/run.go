package main

import (
	"github.com/circle-free/graffiti/internal/api"
	"github.com/circle-free/graffiti/internal/config"
	"github.com/circle-free/graffiti/internal/node"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type runFlags struct {
	dataDir string
	listen  string
	api     string
	peers   []string
	name    string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return fail(cmd, err)
			}
			return fail(cmd, runNode(cfg))
		},
	}
	cmd.Flags().StringVar(&f.dataDir, "data", "", "data directory")
	cmd.Flags().StringVar(&f.listen, "listen", "", "peer listen address")
	cmd.Flags().StringVar(&f.api, "api", "", "control API listen address, \"off\" to disable")
	cmd.Flags().StringSliceVar(&f.peers, "peer", nil, "bootstrap peer address (repeatable)")
	cmd.Flags().StringVar(&f.name, "name", "", "display name")
	return cmd
}

// loadConfig reads the config file and applies flags the user set.
func loadConfig(cmd *cobra.Command, f runFlags) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("data") {
		cfg.DataDir = f.dataDir
	}
	if flags.Changed("listen") {
		cfg.Transport.Listen = f.listen
	}
	if flags.Changed("api") {
		cfg.APIListen = f.api
		if f.api == "off" {
			cfg.APIListen = ""
		}
	}
	if flags.Changed("peer") {
		cfg.Transport.Peers = append(cfg.Transport.Peers, f.peers...)
	}
	if flags.Changed("name") {
		cfg.DisplayName = f.name
	}
	return cfg, cfg.Validate()
}

func runNode(cfg config.Config) error {
	ctx, stop := signalContext()
	defer stop()

	n, err := node.New(ctx, cfg, node.Options{})
	if err != nil {
		return err
	}
	log.Info().Str("peer", n.ID()).Str("name", n.DisplayName()).Str("data", cfg.DataDir).Msg("graffiti starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.Run(gctx) })
	if cfg.APIListen != "" {
		srv := api.New(n)
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.APIListen) })
	}
	err = g.Wait()
	log.Info().Msg("graffiti stopped")
	return err
}

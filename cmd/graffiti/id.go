package main

import (
	"fmt"

	"github.com/circle-free/graffiti/internal/config"
	"github.com/circle-free/graffiti/internal/identity"
	"github.com/spf13/cobra"
)

func newIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print this node's peer id and display name, creating a key if needed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fail(cmd, err)
			}
			id, generated, err := identity.Load(cfg.IdentityPath())
			if err != nil {
				return fail(cmd, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "peer id: %s\n", id.DID)
			fmt.Fprintf(out, "name:    %s\n", identity.DisplayName(id.DID, cfg.DisplayName))
			if generated {
				fmt.Fprintf(out, "key:     %s (new)\n", cfg.IdentityPath())
			}
			return nil
		},
	}
}

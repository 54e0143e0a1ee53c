package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/circle-free/graffiti/internal/blob"
	"github.com/circle-free/graffiti/internal/dag"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <snapshot-file>",
		Short: "Print a stored wall snapshot in topological order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fail(cmd, err)
			}
			return fail(cmd, inspect(cmd.OutOrStdout(), data))
		},
	}
}

func inspect(w io.Writer, data []byte) error {
	g, err := dag.GraphFromSnapshot(data, dag.MergeClaimed)
	if err != nil {
		return err
	}
	recs, err := g.OrderedSnapshot()
	if err != nil {
		return err
	}
	cid, err := blob.ContentID(data)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "content id: %s\n", cid)
	fmt.Fprintf(w, "paths:      %d\n", len(recs))
	fmt.Fprintf(w, "frontier:   %s\n", strings.Join(g.Frontier(), " "))
	for _, r := range recs {
		parents := strings.Join(r.Predecessors, ",")
		if parents == "" {
			parents = "(root)"
		}
		fmt.Fprintf(w, "%s  <- %-40s %d bytes\n", r.ID, parents, len(r.Payload))
	}
	return nil
}

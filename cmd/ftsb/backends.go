package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/searchbench/ftsb/backend/registry"
	"github.com/spf13/cobra"
)

func (a *app) newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the supported backends and their defaults",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tFAMILY\tDEFAULT PORT\tBATCH SIZE")
			for _, e := range registry.Entries() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", e.Name, e.Family, e.DefaultPort, e.DefaultBatchSize)
			}
			return w.Flush()
		},
	}
}

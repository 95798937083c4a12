package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/output"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms/netskope"
)

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the event and alert types that are fetched",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "CATEGORY\tTYPE\tLOG FILE\t")
		for _, c := range netskope.AllCategories() {
			for _, s := range c.Subtypes() {
				fmt.Fprintf(w, "%s\t%s\t%s/%s\t\n", c, s, c, output.FileName(s))
			}
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(typesCmd)
}

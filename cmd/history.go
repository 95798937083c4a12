package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/storage"
)

// historyCmd prints the runs recorded with fetch --db.
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs recorded in the history database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := historyDBPath(cmd, viper.GetViper())
		if err != nil {
			return err
		}

		db, err := storage.Open(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()

		if runID, _ := cmd.Flags().GetInt64("run"); runID > 0 {
			stats, err := db.ListRunSubtypes(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Printf("No types recorded for run %d.\n", runID)
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tTYPE\tRECORDS\tREQUESTS\tABANDONED\t")
			for _, s := range stats {
				abandoned := s.Abandoned
				if abandoned == "" {
					abandoned = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t\n", s.Category, s.Subtype, s.Records, s.Requests, abandoned)
			}
			return w.Flush()
		}

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := db.ListRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tSTARTED\tWINDOW START\tWINDOW END\tSTATUS\tRECORDS\tCHECKPOINT\tERROR\t")
		for _, r := range runs {
			saved := "no"
			if r.CheckpointSaved {
				saved = "yes"
			}
			errMsg := r.Error
			if errMsg == "" {
				errMsg = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t\n",
				r.ID, r.StartedAt.Format(time.RFC3339), formatEpoch(r.WindowStart), formatEpoch(r.WindowEnd),
				r.Status, r.Records, saved, errMsg)
		}
		return w.Flush()
	},
}

// formatEpoch renders ts for tables; zero prints as "-".
func formatEpoch(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return strconv.FormatInt(ts, 10)
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int("limit", 20, "Number of runs to show")
	historyCmd.Flags().Int64("run", 0, "Show the per-type breakdown of this run")
	historyCmd.Flags().String("dbpath", "", "History database to read (default: db.path from the config)")
}

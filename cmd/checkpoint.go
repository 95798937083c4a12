package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/IntegralDefense/netskope-log-fetcher/internal/config"
	"github.com/IntegralDefense/netskope-log-fetcher/internal/utils"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/checkpoint"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or rewind the end time of the last successful run",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current checkpoint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadForTool(viper.GetViper())
		if err != nil {
			return err
		}
		store, db, err := openCheckpoint(cfg)
		if err != nil {
			return err
		}
		if db != nil {
			defer db.Close()
		}

		ts, ok, err := store.Load(cmd.Context())
		if err != nil {
			utils.Log.Warnf("Checkpoint is unusable and will be ignored: %v", err)
		}
		if !ok {
			fmt.Printf("No checkpoint: the next run fetches the last %d seconds\n", cfg.Netskope.Interval)
			return nil
		}
		fmt.Printf("%d (%s)\n", ts, time.Unix(ts, 0).UTC().Format(time.RFC3339))
		return nil
	},
}

var checkpointSetCmd = &cobra.Command{
	Use:   "set <epoch|RFC3339>",
	Short: "Set the checkpoint, e.g. to backfill from an earlier time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := parseTimestamp(args[0])
		if err != nil {
			return err
		}
		return withCheckpoint(cmd, func(store checkpoint.Store) error {
			if err := store.Save(cmd.Context(), ts); err != nil {
				return err
			}
			utils.Log.Infof("Checkpoint set to %d", ts)
			return nil
		})
	},
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the checkpoint so the next run uses the default interval",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCheckpoint(cmd, func(store checkpoint.Store) error {
			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			utils.Log.Info("Checkpoint cleared")
			return nil
		})
	},
}

// withCheckpoint runs fn while holding the run lock, so a running fetch
// cannot overwrite the change.
func withCheckpoint(cmd *cobra.Command, fn func(checkpoint.Store) error) error {
	cfg, err := config.LoadForTool(viper.GetViper())
	if err != nil {
		return err
	}
	lock, err := utils.NewRunLock(lockTarget(cfg))
	if err != nil {
		return err
	}
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	store, db, err := openCheckpoint(cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	return fn(store)
}

func parseTimestamp(s string) (int64, error) {
	if ts, err := checkpoint.Parse(s); err == nil {
		return ts, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: want epoch seconds or RFC3339", s)
	}
	if t.Unix() <= 0 {
		return 0, fmt.Errorf("invalid timestamp %q: must be after the epoch", s)
	}
	return t.Unix(), nil
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointShowCmd, checkpointSetCmd, checkpointClearCmd)
}


package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/IntegralDefense/netskope-log-fetcher/internal/config"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/checkpoint"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/storage"
)

// openCheckpoint returns the configured checkpoint store. db is non-nil when
// the sqlite backend is used and must be closed by the caller.
func openCheckpoint(cfg config.Config) (checkpoint.Store, *storage.DB, error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendSQLite:
		db, err := storage.Open(cfg.DB.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening %s: %w", cfg.DB.Path, err)
		}
		return db.Checkpoint(cfg.Checkpoint.Name), db, nil
	default:
		return checkpoint.NewFileStore(cfg.Checkpoint.Path), nil, nil
	}
}

// lockTarget is the file the run lock sits next to.
func lockTarget(cfg config.Config) string {
	if cfg.Checkpoint.Backend == config.BackendSQLite {
		return cfg.DB.Path
	}
	return cfg.Checkpoint.Path
}

// historyDBPath returns the run history database named by --dbpath, falling
// back to db.path from the config. The file must already exist: only fetch
// --db or the sqlite checkpoint backend create it.
func historyDBPath(cmd *cobra.Command, v *viper.Viper) (string, error) {
	path := ""
	if f := cmd.Flag("dbpath"); f != nil {
		path = f.Value.String()
	}
	if path == "" {
		cfg, err := config.LoadForTool(v)
		if err != nil {
			return "", err
		}
		path = cfg.DB.Path
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("no history database at %s, run fetch with --db first", path)
	} else if err != nil {
		return "", err
	}
	return path, nil
}

package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/storage"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the run history and checkpoint database",
}

// shellCmd hands the history database to the sqlite3 CLI. With a statement
// argument it runs that statement and exits.
var shellCmd = &cobra.Command{
	Use:   "shell [statement]",
	Short: "Query the history database with sqlite3",
	Example: `  netskope-fetcher db shell
  netskope-fetcher db shell "SELECT status, COUNT(*) FROM runs GROUP BY status"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, err := historyDBPath(cmd, viper.GetViper())
		if err != nil {
			return err
		}
		sqlite, err := exec.LookPath("sqlite3")
		if err != nil {
			return fmt.Errorf("db shell needs the sqlite3 binary on PATH: %w", err)
		}

		// Opening migrates an old database so the shell sees the current schema.
		db, err := storage.Open(dbPath)
		if err != nil {
			return fmt.Errorf("opening %s: %w", dbPath, err)
		}
		tables, err := db.Tables(cmd.Context())
		db.Close()
		if err != nil {
			return err
		}

		sqlArgs := []string{"-header", "-column", dbPath}
		if len(args) == 1 {
			sqlArgs = append(sqlArgs, args[0])
		} else {
			fmt.Fprintf(os.Stderr, "%s: %s\n", dbPath, strings.Join(tables, ", "))
		}
		c := exec.CommandContext(cmd.Context(), sqlite, sqlArgs...)
		c.Stdin = os.Stdin
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return c.Run()
	},
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(shellCmd)
	dbCmd.PersistentFlags().String("dbpath", "", "History database to open (default: db.path from the config)")
}

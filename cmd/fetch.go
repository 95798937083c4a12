package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/IntegralDefense/netskope-log-fetcher/internal/config"
	"github.com/IntegralDefense/netskope-log-fetcher/internal/utils"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/output"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms/netskope"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/polling"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/storage"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/whttp"
)

// fetchCmd implements: netskope-fetcher fetch
//
//	--types strings     Only fetch these event/alert types
//	--start, --end int  Override the window (epoch seconds)
//	--no-checkpoint     Do not advance the checkpoint
//	--db                Record the run in the sqlite history
//	--compression       none, gzip, zstd or lz4
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch every event and alert type since the last checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		if dir, _ := cmd.Flags().GetString("outdir"); dir != "" {
			cfg.Output.Dir = dir
		}
		if p, _ := cmd.Flags().GetString("dbpath"); p != "" {
			cfg.DB.Path = p
		}
		if c, _ := cmd.Flags().GetString("compression"); c != "" {
			if cfg.Output.Compression, err = output.ParseCompression(c); err != nil {
				return err
			}
		}

		if noRuntimeLog, _ := cmd.Flags().GetBool("no-runtime-log"); !noRuntimeLog {
			closer, err := utils.SetupRuntimeLog(cfg.Output.Dir)
			if err != nil {
				return err
			}
			defer closer.Close()
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runFetch(ctx, cmd, cfg)
	},
}

func runFetch(ctx context.Context, cmd *cobra.Command, cfg config.Config) error {
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
	if useDB, _ := cmd.Flags().GetBool("db"); useDB && db == nil {
		db, err = storage.Open(cfg.DB.Path)
		if err != nil {
			return err
		}
	}
	var history polling.History
	if db != nil {
		defer db.Close()
		history = db
	}

	sources, err := sourceBuilder(cmd, cfg)
	if err != nil {
		return err
	}

	start, _ := cmd.Flags().GetInt64("start")
	end, _ := cmd.Flags().GetInt64("end")
	skipCheckpoint, _ := cmd.Flags().GetBool("no-checkpoint")

	res, err := polling.Run(ctx, polling.RunConfig{
		Checkpoint:     store,
		SkipCheckpoint: skipCheckpoint,
		Interval:       cfg.Netskope.Interval,
		Start:          start,
		End:            end,
		Sources:        sources,
		Sink:           output.New(cfg.Output.Dir, output.WithCompression(cfg.Output.Compression)),
		History:        history,
		Log:            utils.Log,
	})
	if err != nil {
		var te *netskope.TransportError
		if errors.As(err, &te) {
			utils.Log.WithFields(logrus.Fields{
				"type":             te.Subtype,
				"pagination":       te.Pagination,
				"status_code":      te.Diagnostic.StatusCode,
				"url_requested":    te.Diagnostic.URLRequested,
				"query_parameters": te.Diagnostic.QueryParameters,
			}).Error("Unusable response from the Netskope API, aborting run")
		}
		utils.Log.Errorf("Fetch failed: %v", err)
		return err
	}

	for name, summary := range res.Summaries {
		for _, s := range summary {
			entry := utils.Log.WithFields(logrus.Fields{"category": name, "type": s.Subtype, "records": len(s.Records), "requests": s.Requests})
			if s.Abandoned != nil {
				entry.Warnf("Type abandoned: %v", s.Abandoned)
				continue
			}
			entry.Debug("Type done")
		}
	}
	utils.Log.Infof("Fetched %d record(s) for %d-%d", res.Records(), res.Window.Start, res.Window.End)
	return nil
}

// sourceBuilder returns the function creating one netskope client per
// category for a run window.
func sourceBuilder(cmd *cobra.Command, cfg config.Config) (func(platforms.TimeWindow) ([]platforms.LogSource, error), error) {
	baseURL, err := cfg.Netskope.APIBaseURL()
	if err != nil {
		return nil, err
	}

	types, _ := cmd.Flags().GetStringSlice("types")
	var only map[netskope.Category][]string
	if len(types) > 0 {
		only, err = netskope.SplitTypes(types)
		if err != nil {
			return nil, err
		}
	}

	var categories []netskope.CategoryConfig
	for _, c := range netskope.AllCategories() {
		var filter []string
		if only != nil {
			var ok bool
			if filter, ok = only[c]; !ok {
				continue
			}
		}
		cc, err := netskope.NewCategoryConfig(c, baseURL, filter)
		if err != nil {
			return nil, err
		}
		categories = append(categories, cc)
	}

	client, err := whttp.NewClient(whttp.ClientOptions{
		Retries: cfg.HTTP.Retries,
		Timeout: cfg.HTTP.Timeout,
		Proxy:   cfg.HTTP.Proxy,
	})
	if err != nil {
		return nil, err
	}
	fetcher := netskope.NewFetcher(client, cfg.Netskope.Token,
		netskope.WithMaxLogs(cfg.Netskope.MaxLogs),
		netskope.WithRetryInvalid(cfg.Netskope.RetryInvalid, cfg.Netskope.RetryWait),
		netskope.WithLogger(utils.Log),
	)

	return func(w platforms.TimeWindow) ([]platforms.LogSource, error) {
		sources := make([]platforms.LogSource, 0, len(categories))
		for _, cc := range categories {
			sources = append(sources, netskope.NewClient(cc, w, fetcher))
		}
		return sources, nil
	}, nil
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringSlice("types", nil, "Only fetch these types (e.g. page,Malware). Default: all")
	fetchCmd.Flags().Int64("start", 0, "Window start in epoch seconds (default: last checkpoint)")
	fetchCmd.Flags().Int64("end", 0, "Window end in epoch seconds (default: now). An end before the checkpoint leaves it in place")
	fetchCmd.Flags().Bool("no-checkpoint", false, "Do not advance the checkpoint after the run")
	fetchCmd.Flags().Bool("db", false, "Record the run in the history database")
	fetchCmd.Flags().String("dbpath", "", "Path to SQLite DB file (default: netskope-fetcher.sqlite in CWD)")
	fetchCmd.Flags().StringP("outdir", "o", "", "Directory receiving the log files (default: logs)")
	fetchCmd.Flags().String("compression", "", "Compress log files: none, gzip, zstd or lz4 (default: none)")
	fetchCmd.Flags().Bool("no-runtime-log", false, "Do not copy the application log to <outdir>/system/runtime.log")
}

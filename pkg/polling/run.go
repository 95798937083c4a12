package polling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IntegralDefense/netskope-log-fetcher/pkg/checkpoint"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/platforms"
	"github.com/IntegralDefense/netskope-log-fetcher/pkg/storage"
)

// DefaultInterval is the lookback, in seconds, used when there is no checkpoint.
const DefaultInterval = 600

// Sink receives the records of one source once every source has finished.
type Sink interface {
	WriteResults(ctx context.Context, category string, results []platforms.SubtypeResult) error
}

// History records runs. storage.DB implements it.
type History interface {
	BeginRun(ctx context.Context, w platforms.TimeWindow) (int64, error)
	FinishRun(ctx context.Context, runID int64, outcome storage.RunOutcome) error
}

// RunConfig describes one scheduled run.
type RunConfig struct {
	Checkpoint checkpoint.Store
	// SkipCheckpoint leaves the checkpoint untouched even on success.
	SkipCheckpoint bool

	Interval int64
	Now      func() time.Time
	// Start and End override the computed window when non-zero.
	Start int64
	End   int64

	// Sources builds the log sources for the resolved window.
	Sources func(w platforms.TimeWindow) ([]platforms.LogSource, error)
	Sink    Sink
	History History // optional
	Log     Logger
}

type RunResult struct {
	RunID  int64
	Window platforms.TimeWindow

	// Results and Summaries are keyed by source name.
	Results   map[string]platforms.ResultSet
	Summaries map[string][]platforms.SubtypeResult

	CheckpointSaved bool
}

// Records returns the number of records fetched across all sources.
func (r *RunResult) Records() int {
	n := 0
	for _, rs := range r.Results {
		for _, recs := range rs {
			n += len(recs)
		}
	}
	return n
}

// Run performs one fetch cycle: resolve the window, fetch every source
// concurrently, hand the records to the sink and advance the checkpoint. Any
// fatal error aborts the run before output is written and leaves the
// checkpoint alone.
func Run(ctx context.Context, cfg RunConfig) (*RunResult, error) {
	log := OrNop(cfg.Log)
	if cfg.Sources == nil {
		return nil, errors.New("no log sources configured")
	}

	window, err := resolveWindow(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	log.Infof("Fetching logs from %d to %d", window.Start, window.End)

	res := &RunResult{
		Window:    window,
		Results:   map[string]platforms.ResultSet{},
		Summaries: map[string][]platforms.SubtypeResult{},
	}

	if cfg.History != nil {
		id, err := cfg.History.BeginRun(ctx, window)
		if err != nil {
			log.Warnf("Could not record run start: %v", err)
		} else {
			res.RunID = id
		}
	}

	sources, err := cfg.Sources(window)
	if err != nil {
		finish(ctx, cfg, log, res, nil, err)
		return res, fmt.Errorf("building log sources: %w", err)
	}

	sets := make([]platforms.ResultSet, len(sources))
	err = fanOut(ctx, len(sources), func(ctx context.Context, i int) error {
		rs, err := sources[i].FetchAll(ctx)
		sets[i] = rs
		return err
	})
	for i, src := range sources {
		res.Summaries[src.Name()] = src.Summary()
		if sets[i] != nil {
			res.Results[src.Name()] = sets[i]
		}
	}
	if err != nil {
		log.Errorf("Run aborted, checkpoint not advanced: %v", err)
		finish(ctx, cfg, log, res, sources, err)
		return res, err
	}

	for _, src := range sources {
		summary := src.Summary()
		n := 0
		for _, s := range summary {
			n += len(s.Records)
		}
		log.Infof("Fetched %d %s record(s) across %d type(s)", n, src.Name(), len(summary))

		if cfg.Sink == nil {
			continue
		}
		if err := cfg.Sink.WriteResults(ctx, src.Name(), summary); err != nil {
			err = fmt.Errorf("writing %s logs: %w", src.Name(), err)
			finish(ctx, cfg, log, res, sources, err)
			return res, err
		}
	}

	if !cfg.SkipCheckpoint && cfg.Checkpoint != nil && !checkpointAhead(ctx, cfg, log, window) {
		if err := cfg.Checkpoint.Save(ctx, window.End); err != nil {
			err = fmt.Errorf("saving checkpoint: %w", err)
			finish(ctx, cfg, log, res, sources, err)
			return res, err
		}
		res.CheckpointSaved = true
		log.Debugf("Checkpoint advanced to %d", window.End)
	}

	finish(ctx, cfg, log, res, sources, nil)
	return res, nil
}

func resolveWindow(ctx context.Context, cfg RunConfig, log Logger) (platforms.TimeWindow, error) {
	end := cfg.End
	if end == 0 {
		now := time.Now
		if cfg.Now != nil {
			now = cfg.Now
		}
		end = now().Unix()
	}
	if cfg.Start != 0 {
		return platforms.NewTimeWindow(cfg.Start, end)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	var (
		ts int64
		ok bool
	)
	if cfg.Checkpoint != nil {
		var err error
		ts, ok, err = cfg.Checkpoint.Load(ctx)
		if err != nil {
			log.Warnf("Ignoring unreadable checkpoint, looking back %ds: %v", interval, err)
			ok = false
		}
	}
	if !ok {
		log.Debugf("No checkpoint, using the last %d seconds", interval)
	}
	return platforms.ResolveWindow(ts, ok, end, interval)
}

// checkpointAhead reports whether the stored checkpoint is already later than
// the end of window. A backfill with an explicit --end must never rewind it.
// An unreadable checkpoint is not ahead: saving replaces it.
func checkpointAhead(ctx context.Context, cfg RunConfig, log Logger, window platforms.TimeWindow) bool {
	ts, ok, err := cfg.Checkpoint.Load(ctx)
	if err != nil || !ok || ts <= window.End {
		return false
	}
	log.Warnf("Checkpoint %d is later than window end %d, leaving it in place", ts, window.End)
	return true
}

// finish records the outcome of a run. History failures are only logged.
func finish(ctx context.Context, cfg RunConfig, log Logger, res *RunResult, sources []platforms.LogSource, runErr error) {
	if cfg.History == nil || res.RunID == 0 {
		return
	}
	outcome := storage.RunOutcome{Status: storage.RunSucceeded, CheckpointSaved: res.CheckpointSaved}
	if runErr != nil {
		outcome.Status = storage.RunFailed
		outcome.Error = runErr.Error()
	}
	for _, src := range sources {
		for _, s := range src.Summary() {
			stat := storage.SubtypeStat{
				Category: src.Name(),
				Subtype:  s.Subtype,
				Records:  len(s.Records),
				Requests: s.Requests,
			}
			if s.Abandoned != nil {
				stat.Abandoned = s.Abandoned.Error()
			}
			outcome.Subtypes = append(outcome.Subtypes, stat)
		}
	}
	if err := cfg.History.FinishRun(context.WithoutCancel(ctx), res.RunID, outcome); err != nil {
		log.Warnf("Could not record run %d: %v", res.RunID, err)
	}
}

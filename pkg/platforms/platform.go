package platforms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyWindow is returned when a window would not cover any time.
var ErrEmptyWindow = errors.New("time window start must be before its end")

// TimeWindow is the [Start, End) range, in epoch seconds, requested by one run.
type TimeWindow struct {
	Start int64
	End   int64
}

func NewTimeWindow(start, end int64) (TimeWindow, error) {
	if start >= end {
		return TimeWindow{}, fmt.Errorf("%w (start=%d, end=%d)", ErrEmptyWindow, start, end)
	}
	return TimeWindow{Start: start, End: end}, nil
}

// ResolveWindow picks the start of a run: the last checkpoint when there is
// one, otherwise end minus the default lookback interval.
func ResolveWindow(checkpoint int64, haveCheckpoint bool, end, interval int64) (TimeWindow, error) {
	start := end - interval
	if haveCheckpoint && checkpoint > 0 {
		start = checkpoint
	}
	return NewTimeWindow(start, end)
}

// LogRecord is a record exactly as the API returned it.
type LogRecord = json.RawMessage

// ResultSet maps a subtype to its records in retrieval order.
type ResultSet map[string][]LogRecord

// SubtypeResult is the outcome of fetching one subtype.
type SubtypeResult struct {
	Subtype  string
	Records  []LogRecord
	Requests int

	// Abandoned is set when the API answered with an unusable payload and the
	// fetch stopped early. Records holds whatever was accumulated before that.
	Abandoned error
}

// LogSource is one log category bound to a run's window and credential.
type LogSource interface {
	Name() string
	// FetchAll returns a non-nil error only for failures that must abort the run.
	FetchAll(ctx context.Context) (ResultSet, error)
	// Summary reports per-subtype outcomes of the last FetchAll, in subtype order.
	Summary() []SubtypeResult
}

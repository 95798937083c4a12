package storage

import "time"

// Run status values.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one recorded execution of the fetcher.
type Run struct {
	ID          int64
	StartedAt   time.Time
	FinishedAt  time.Time // zero while running
	WindowStart int64
	WindowEnd   int64
	Status      string
	Error       string

	CheckpointSaved bool
	Records         int // sum over all subtypes
}

// SubtypeStat captures how one subtype fared during a run.
type SubtypeStat struct {
	Category  string
	Subtype   string
	Records   int
	Requests  int
	Abandoned string // empty unless the subtype was abandoned
}

// RunOutcome is what FinishRun records.
type RunOutcome struct {
	Status          string
	Error           string
	CheckpointSaved bool
	Subtypes        []SubtypeStat
}

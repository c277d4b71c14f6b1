package model

import (
	"errors"
	"fmt"
	"time"
)

// Failure reasons recorded for strategies that did not finish.
const (
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
)

// ErrTimeout is the cancellation cause used when a run exceeds its overall timeout.
var ErrTimeout = errors.New(ReasonTimeout)

// ErrCancelled is the cancellation cause used when a run is stopped externally.
var ErrCancelled = errors.New(ReasonCancelled)

// InvalidRecordError reports a RawRecord dropped during normalization.
type InvalidRecordError struct {
	Source string
	Name   string
	Reason string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid record from %s (%q): %s", e.Source, e.Name, e.Reason)
}

// StrategyError records one strategy's terminal failure within a run.
type StrategyError struct {
	Strategy string `json:"strategy"`
	Reason   string `json:"reason"`
	Err      error  `json:"-"`
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %s failed: %s", e.Strategy, e.Reason)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}

// StrategyState is the lifecycle state of one strategy within a run.
type StrategyState string

const (
	StatePending  StrategyState = "pending"
	StateInFlight StrategyState = "in_flight"
	StateDone     StrategyState = "done"
	StateFailed   StrategyState = "failed"
)

// Terminal reports whether the state is final.
func (s StrategyState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Phase is the lifecycle phase of an aggregation run.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhaseMerging  Phase = "merging"
	PhaseComplete Phase = "complete"
)

// DroppedRecord notes a raw record rejected during normalization.
type DroppedRecord struct {
	Source string `json:"source"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// RunSummary is the per-run audit of counts and errors across strategies.
type RunSummary struct {
	RunID               string                   `json:"run_id"`
	Query               string                   `json:"query"`
	Locations           []string                 `json:"locations"`
	RawCounts           map[string]int           `json:"raw_counts"`
	Strategies          map[string]StrategyState `json:"strategies"`
	Normalized          int                      `json:"normalized"`
	Invalid             int                      `json:"invalid"`
	DuplicatesCollapsed int                      `json:"duplicates_collapsed"`
	Merged              int                      `json:"merged"`
	Dropped             []DroppedRecord          `json:"dropped,omitempty"`
	Errors              []StrategyError          `json:"errors"`
	StartedAt           time.Time                `json:"started_at"`
	FinishedAt          time.Time                `json:"finished_at"`
}

// TotalRaw returns the number of raw records collected across strategies.
func (s *RunSummary) TotalRaw() int {
	total := 0
	for _, n := range s.RawCounts {
		total += n
	}
	return total
}

// Failed reports whether the run produced nothing because its strategies
// failed. A run with no records and no errors succeeded with zero matches.
func (s *RunSummary) Failed() bool {
	return s.Merged == 0 && len(s.Errors) > 0
}

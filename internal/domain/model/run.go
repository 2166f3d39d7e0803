package model

import (
	"fmt"
	"sort"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

// Run states. pending and running are active; the rest are terminal.
const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Active reports whether the run still holds its store's claim.
func (s RunStatus) Active() bool {
	return s == RunPending || s == RunRunning
}

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunPartial, RunFailed, RunCancelled:
		return true
	}
	return false
}

// CanTransition reports whether s -> next is a legal step.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunPending:
		return next == RunRunning || next == RunFailed || next == RunCancelled
	case RunRunning:
		return next.Terminal()
	}
	return false
}

// Transition validates s -> next.
func (s RunStatus) Transition(next RunStatus) (RunStatus, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, s, next)
	}
	return next, nil
}

// RunTrigger records what requested a run.
type RunTrigger string

// Run triggers.
const (
	TriggerManual   RunTrigger = "manual"
	TriggerSchedule RunTrigger = "schedule"
	TriggerRemap    RunTrigger = "remap"
)

// RowError is a row-level data error: the row is excluded, the run continues.
type RowError struct {
	Stage   string
	Reason  string
	Ref     string // record reference, e.g. "order:1001#0"
	Message string
}

// StageCheckpoint is the audit record persisted after each stage.
type StageCheckpoint struct {
	Stage     string
	RowsIn    int
	RowsOut   int
	Elapsed   time.Duration
	Errors    map[string]int // by reason
	Anomalies map[string]int // by reason; rows kept
	Filtered  map[string]int // by reason; rows dropped without being errors
}

// ErrorCount returns the number of row errors in the stage.
func (c StageCheckpoint) ErrorCount() int {
	n := 0
	for _, v := range c.Errors {
		n += v
	}
	return n
}

// PipelineRun is the summary and audit trail of one run.
type PipelineRun struct {
	ID              string
	StoreID         string
	Range           DateRange
	Trigger         RunTrigger
	Status          RunStatus
	Checkpoints     []StageCheckpoint
	RowsProcessed   int // raw rows read
	RowsWritten     int // series rows upserted
	Error           string
	CancelRequested bool
	LeaseExpiresAt  time.Time
	CreatedAt       time.Time
	StartedAt       time.Time
	FinishedAt      time.Time
}

// RowsSkipped sums row errors across all stages.
func (r PipelineRun) RowsSkipped() int {
	n := 0
	for _, c := range r.Checkpoints {
		n += c.ErrorCount()
	}
	return n
}

// SkippedByReason returns "stage/reason" -> count over all checkpoints.
func (r PipelineRun) SkippedByReason() map[string]int {
	out := make(map[string]int)
	for _, c := range r.Checkpoints {
		for reason, n := range c.Errors {
			out[c.Stage+"/"+reason] += n
		}
	}
	return out
}

// CompletedStages lists checkpointed stage names in order.
func (r PipelineRun) CompletedStages() []string {
	out := make([]string, 0, len(r.Checkpoints))
	for _, c := range r.Checkpoints {
		out = append(out, c.Stage)
	}
	return out
}

// SortedReasons returns map keys in ascending order, for stable output.
func SortedReasons(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RunRequest asks for one store's series to be recomputed over Range.
type RunRequest struct {
	StoreID string
	Range   DateRange
	Trigger RunTrigger
}

// Key identifies equivalent requests, for dropping duplicates.
func (r RunRequest) Key() string {
	return r.StoreID + "|" + r.Range.String()
}

// Validate checks the request can be claimed.
func (r RunRequest) Validate() error {
	if r.StoreID == "" {
		return ErrMissingStore
	}
	return r.Range.Validate()
}

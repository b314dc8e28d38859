package domain

import (
	"encoding/json"
	"time"
)

// JobState represents the lifecycle state of a processing job.
type JobState string

const (
	JobStateCreated      JobState = "CREATED"
	JobStateQueued       JobState = "QUEUED"
	JobStateIngesting    JobState = "INGESTING"
	JobStateTranscribing JobState = "TRANSCRIBING"
	JobStateAnalyzing    JobState = "ANALYZING"
	JobStateEditing      JobState = "EDITING"
	JobStateRendering    JobState = "RENDERING"
	JobStateUploading    JobState = "UPLOADING"
	JobStateCompleted    JobState = "COMPLETED"
	JobStateFailed       JobState = "FAILED"
	JobStateTimedOut     JobState = "TIMED_OUT"
	JobStateCanceled     JobState = "CANCELED"
)

// pipeline is the only legal forward order through the processing stages.
var pipeline = []JobState{
	JobStateCreated,
	JobStateQueued,
	JobStateIngesting,
	JobStateTranscribing,
	JobStateAnalyzing,
	JobStateEditing,
	JobStateRendering,
	JobStateUploading,
	JobStateCompleted,
}

// transitions holds every legal (from, to) pair: each non-terminal state may
// advance to its immediate pipeline successor or fail over to any terminal
// alternate. Kept as data so the full graph is testable in one place.
var transitions = buildTransitions()

func buildTransitions() map[JobState]map[JobState]bool {
	t := make(map[JobState]map[JobState]bool)
	for i, from := range pipeline {
		t[from] = make(map[JobState]bool)
		if i+1 < len(pipeline) {
			t[from][pipeline[i+1]] = true
		}
	}
	for _, from := range pipeline[:len(pipeline)-1] {
		t[from][JobStateFailed] = true
		t[from][JobStateTimedOut] = true
		t[from][JobStateCanceled] = true
	}
	return t
}

// IsTerminal reports whether a state has no outgoing transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateTimedOut, JobStateCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known job state.
func (s JobState) Valid() bool {
	if s.IsTerminal() {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to JobState) bool {
	return transitions[from][to]
}

// ActiveStates are the states that occupy queue capacity: everything between
// admission and terminal, inclusive of QUEUED and UPLOADING.
func ActiveStates() []JobState {
	return []JobState{
		JobStateQueued, JobStateIngesting, JobStateTranscribing,
		JobStateAnalyzing, JobStateEditing, JobStateRendering, JobStateUploading,
	}
}

// Job is a unit of processing work. Lane is copied from the plan at admission
// and immutable afterwards. Jobs are never deleted; they are retained for the
// audit trail.
type Job struct {
	ID             string    `json:"id" db:"id"`
	OrgID          string    `json:"org_id" db:"org_id"`
	SourceURL      string    `json:"source_url" db:"source_url"`
	InputMinutes   int       `json:"input_minutes" db:"input_minutes"`
	PlanID         string    `json:"plan_id" db:"plan_id"`
	Lane           int       `json:"lane" db:"lane"`
	State          JobState  `json:"state" db:"state"`
	ETASeconds     *int      `json:"eta_seconds,omitempty" db:"eta_seconds"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// JobEvent is one append-only log entry per state transition. Events are
// never mutated or deleted.
type JobEvent struct {
	ID     int64           `json:"id" db:"id"`
	JobID  string          `json:"job_id" db:"job_id"`
	State  JobState        `json:"state" db:"state"`
	Detail json.RawMessage `json:"detail,omitempty" db:"detail"`
	At     time.Time       `json:"at" db:"at"`
}

// JobSlaAudit compares the ETA promised at admission with the observed
// completion time. Written exactly once, at the terminal transition.
// Remedy is populated by an external policy, never by the core.
type JobSlaAudit struct {
	JobID         string          `json:"job_id" db:"job_id"`
	TargetSeconds int             `json:"target_seconds" db:"target_seconds"`
	ActualSeconds int             `json:"actual_seconds" db:"actual_seconds"`
	Breached      bool            `json:"breached" db:"breached"`
	Remedy        json.RawMessage `json:"remedy,omitempty" db:"remedy"`
}

// QueuedJob is the slice of job state the ETA estimator needs: enough to
// order the queue and weigh each entry by its plan multiplier.
type QueuedJob struct {
	JobID            string    `json:"job_id" db:"job_id"`
	Lane             int       `json:"lane" db:"lane"`
	InputMinutes     int       `json:"input_minutes" db:"input_minutes"`
	TargetMultiplier float64   `json:"target_multiplier" db:"target_multiplier"`
	ETASeconds       *int      `json:"eta_seconds,omitempty" db:"eta_seconds"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// Ahead reports whether a is scheduled before b: a lower lane always wins,
// and within a lane admission order is strict FIFO.
func Ahead(a, b QueuedJob) bool {
	if a.Lane != b.Lane {
		return a.Lane < b.Lane
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

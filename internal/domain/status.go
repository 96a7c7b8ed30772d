// Package domain defines the entities of a generation job and their lifecycles.
//
// Each lifecycle is a string enum with an explicit transition table. Entities
// only change state through methods that consult the table, so an illegal move
// surfaces as a *StateError instead of a silently corrupted record.
package domain

// DocumentStatus is the lifecycle of a generation job.
type DocumentStatus string

const (
	DocOutlineApproved DocumentStatus = "outline_approved"
	DocSplitPlanned    DocumentStatus = "split_planned"
	DocWriting         DocumentStatus = "writing_in_progress"
	DocAssembling      DocumentStatus = "assembling"
	DocCompleted       DocumentStatus = "completed"
	DocFailed          DocumentStatus = "failed"
	DocCancelled       DocumentStatus = "cancelled"
)

// documentTransitions lists legal targets per state (extend via map, not switch).
// failed and cancelled jobs may be restarted or re-split; completed is final.
var documentTransitions = map[DocumentStatus][]DocumentStatus{
	DocOutlineApproved: {DocSplitPlanned, DocFailed, DocCancelled},
	DocSplitPlanned:    {DocSplitPlanned, DocWriting, DocFailed, DocCancelled},
	DocWriting:         {DocAssembling, DocFailed, DocCancelled},
	DocAssembling:      {DocCompleted, DocFailed, DocCancelled},
	DocFailed:          {DocWriting, DocSplitPlanned, DocCancelled},
	DocCancelled:       {DocWriting, DocSplitPlanned},
	DocCompleted:       nil,
}

// CanTransition reports whether s may move to next.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	return allowed(documentTransitions[s], next)
}

// Terminal reports whether no further transition exists.
func (s DocumentStatus) Terminal() bool { return s == DocCompleted }

// PlanStatus is the acceptance lifecycle of an outline proposal.
type PlanStatus string

const (
	PlanProposed PlanStatus = "proposed"
	PlanRefined  PlanStatus = "refined"
	PlanAccepted PlanStatus = "accepted"
)

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanProposed: {PlanRefined, PlanAccepted},
	PlanRefined:  {PlanProposed, PlanAccepted},
	PlanAccepted: nil,
}

// CanTransition reports whether s may move to next.
func (s PlanStatus) CanTransition(next PlanStatus) bool {
	return allowed(planTransitions[s], next)
}

// Valid reports whether s is a known plan status.
func (s PlanStatus) Valid() bool {
	_, ok := planTransitions[s]
	return ok
}

// SubtaskStatus is the lifecycle of one unit of work.
type SubtaskStatus string

const (
	SubtaskQueued     SubtaskStatus = "queued"
	SubtaskInProgress SubtaskStatus = "in_progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
)

// in_progress -> in_progress is a stale lease being reclaimed.
var subtaskTransitions = map[SubtaskStatus][]SubtaskStatus{
	SubtaskQueued:     {SubtaskInProgress},
	SubtaskInProgress: {SubtaskInProgress, SubtaskCompleted, SubtaskFailed},
	SubtaskFailed:     {SubtaskInProgress},
	SubtaskCompleted:  nil,
}

// CanTransition reports whether s may move to next.
func (s SubtaskStatus) CanTransition(next SubtaskStatus) bool {
	return allowed(subtaskTransitions[s], next)
}

// Runnable reports whether the executor may pick the unit up.
func (s SubtaskStatus) Runnable() bool {
	return s == SubtaskQueued || s == SubtaskFailed
}

// RunStatus is the lifecycle of one writing attempt.
type RunStatus string

const (
	RunWriting    RunStatus = "writing"
	RunAssembling RunStatus = "assembling"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// A failed run may go back to writing; fatal failures are rejected by Run.Resume.
var runTransitions = map[RunStatus][]RunStatus{
	RunWriting:    {RunAssembling, RunFailed, RunCancelled},
	RunAssembling: {RunCompleted, RunFailed, RunCancelled},
	RunFailed:     {RunWriting, RunAssembling, RunCancelled},
	RunCompleted:  nil,
	RunCancelled:  nil,
}

// CanTransition reports whether s may move to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	return allowed(runTransitions[s], next)
}

// Active reports whether the run still holds the document.
func (s RunStatus) Active() bool {
	return s == RunWriting || s == RunAssembling
}

// Terminal reports whether the run can never move again.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunCancelled
}

// FailureKind classifies why a run failed.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureBackend    FailureKind = "backend"
	FailureMalformed  FailureKind = "malformed_response"
	FailureRetryLimit FailureKind = "retry_limit"
	FailureAssembly   FailureKind = "assembly"
	FailureInternal   FailureKind = "internal"
)

// Fatal reports whether re-calling advance can never recover the run.
func (k FailureKind) Fatal() bool {
	return k == FailureRetryLimit || k == FailureAssembly
}

func allowed[S comparable](targets []S, next S) bool {
	for _, t := range targets {
		if t == next {
			return true
		}
	}
	return false
}

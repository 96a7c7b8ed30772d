package domain

import "time"

// Run is one writing attempt for a document.
type Run struct {
	ID                  string      `json:"id" bson:"_id"`
	DocumentID          string      `json:"document_id" bson:"document_id"`
	OwnerID             string      `json:"owner_id" bson:"owner_id"`
	Status              RunStatus   `json:"status" bson:"status"`
	CurrentSubtaskOrder int         `json:"current_subtask_order" bson:"current_subtask_order"`
	TotalSubtasks       int         `json:"total_subtasks" bson:"total_subtasks"`
	FailureKind         FailureKind `json:"failure_kind,omitempty" bson:"failure_kind,omitempty"`
	Error               string      `json:"error,omitempty" bson:"error,omitempty"`
	Issues              []Issue     `json:"issues,omitempty" bson:"issues,omitempty"`
	StartedAt           time.Time   `json:"started_at" bson:"started_at"`
	UpdatedAt           time.Time   `json:"updated_at" bson:"updated_at"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// NewRun starts a writing run over total subtasks.
func NewRun(doc *Document, total int, now time.Time) *Run {
	return &Run{
		ID:            NewID("run"),
		DocumentID:    doc.ID,
		OwnerID:       doc.OwnerID,
		Status:        RunWriting,
		TotalSubtasks: total,
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// Fatal reports whether the run failed in a way advance cannot recover.
func (r *Run) Fatal() bool {
	return r.Status == RunFailed && r.FailureKind.Fatal()
}

func (r *Run) transition(next RunStatus, now time.Time) error {
	if r.Status == next {
		return nil
	}
	if !r.Status.CanTransition(next) {
		return NewStateError("run", r.ID, string(r.Status), "move to "+string(next))
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}

// Resume moves a recoverable failed run back to writing.
func (r *Run) Resume(now time.Time) error {
	if r.Fatal() {
		return NewStateError("run", r.ID, string(r.Status)+" ("+string(r.FailureKind)+")", "resume")
	}
	if err := r.transition(RunWriting, now); err != nil {
		return err
	}
	r.FailureKind = FailureNone
	r.Error = ""
	return nil
}

// Progress records the last completed unit.
func (r *Run) Progress(order int, now time.Time) {
	r.CurrentSubtaskOrder = order
	r.UpdatedAt = now
}

// StartAssembly moves the run to assembling.
func (r *Run) StartAssembly(now time.Time) error {
	return r.transition(RunAssembling, now)
}

// Complete marks the run done.
func (r *Run) Complete(now time.Time) error {
	if err := r.transition(RunCompleted, now); err != nil {
		return err
	}
	r.CompletedAt = &now
	return nil
}

// Fail marks the run failed with the given kind and message.
func (r *Run) Fail(kind FailureKind, msg string, issues []Issue, now time.Time) error {
	if err := r.transition(RunFailed, now); err != nil {
		return err
	}
	r.FailureKind = kind
	r.Error = msg
	r.Issues = issues
	return nil
}

// Cancel marks the run cancelled. Cancelling twice is a no-op.
func (r *Run) Cancel(now time.Time) error {
	if r.Status == RunCancelled {
		return nil
	}
	if err := r.transition(RunCancelled, now); err != nil {
		return err
	}
	r.CompletedAt = &now
	return nil
}

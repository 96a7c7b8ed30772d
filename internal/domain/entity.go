package domain

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a lexically sortable id with a short entity prefix.
func NewID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

// Caller is the identity an operation runs on behalf of. It is passed
// explicitly to every operation; nothing reads it from ambient state.
type Caller struct {
	UserID string `json:"user_id"`
}

// Owns reports whether the caller owns an entity with the given owner id.
func (c Caller) Owns(ownerID string) bool {
	return c.UserID != "" && c.UserID == ownerID
}

// TopicMeta describes what a document is about.
type TopicMeta struct {
	Subject       string `json:"subject" yaml:"subject" bson:"subject" validate:"required"`
	Topic         string `json:"topic" yaml:"topic" bson:"topic" validate:"required"`
	Level         string `json:"level,omitempty" yaml:"level" bson:"level,omitempty"`
	Specification string `json:"specification,omitempty" yaml:"specification" bson:"specification,omitempty"`
}

// OutlineNode is one chapter of an outline.
type OutlineNode struct {
	ID     string   `json:"id" yaml:"id" bson:"id" validate:"required"`
	Title  string   `json:"title" yaml:"title" bson:"title" validate:"required"`
	Points []string `json:"points,omitempty" yaml:"points" bson:"points,omitempty"`
}

// NodeEstimate is the expected size of one outline node.
type NodeEstimate struct {
	NodeID string `json:"node_id" yaml:"node_id" bson:"node_id"`
	Tokens int    `json:"tokens" yaml:"tokens" bson:"tokens"`
}

// SizeEstimate is the expected size of a whole outline.
type SizeEstimate struct {
	TotalTokens int            `json:"total_tokens" yaml:"total_tokens" bson:"total_tokens"`
	PerNode     []NodeEstimate `json:"per_node,omitempty" yaml:"per_node" bson:"per_node,omitempty"`
}

// Plan is an outline proposal prior to document creation.
type Plan struct {
	ID          string        `json:"id" bson:"_id"`
	OwnerID     string        `json:"owner_id" bson:"owner_id"`
	Topic       TopicMeta     `json:"topic" bson:"topic"`
	Outline     []OutlineNode `json:"outline" bson:"outline"`
	Estimate    SizeEstimate  `json:"estimate" bson:"estimate"`
	Status      PlanStatus    `json:"status" bson:"status"`
	ParentID    string        `json:"parent_id,omitempty" bson:"parent_id,omitempty"`
	Constraints string        `json:"constraints,omitempty" bson:"constraints,omitempty"`
	DocumentID  string        `json:"document_id,omitempty" bson:"document_id,omitempty"`
	CreatedAt   time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" bson:"updated_at"`
}

// SetStatus moves the plan to next. Setting the current status is a no-op.
func (p *Plan) SetStatus(next PlanStatus, now time.Time) error {
	if p.Status == next {
		return nil
	}
	if !p.Status.CanTransition(next) {
		return NewStateError("plan", p.ID, string(p.Status), "move to "+string(next))
	}
	p.Status = next
	p.UpdatedAt = now
	return nil
}

// Document is one generation job spanning split, write and assemble.
type Document struct {
	ID         string         `json:"id" bson:"_id"`
	OwnerID    string         `json:"owner_id" bson:"owner_id"`
	PlanID     string         `json:"plan_id" bson:"plan_id"`
	Topic      TopicMeta      `json:"topic" bson:"topic"`
	Outline    []OutlineNode  `json:"outline" bson:"outline"`
	TocVersion int            `json:"toc_version" bson:"toc_version"`
	Estimate   SizeEstimate   `json:"estimate" bson:"estimate"`
	Status     DocumentStatus `json:"status" bson:"status"`
	Final      *Artifact      `json:"final,omitempty" bson:"final,omitempty"`
	CreatedAt  time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" bson:"updated_at"`

	// ContinuityHint is guidance for the writer recorded at split time.
	ContinuityHint string `json:"continuity_hint,omitempty" bson:"continuity_hint,omitempty"`
}

// NewDocument creates the document for an accepted plan.
func NewDocument(p *Plan, now time.Time) *Document {
	return &Document{
		ID:         NewID("doc"),
		OwnerID:    p.OwnerID,
		PlanID:     p.ID,
		Topic:      p.Topic,
		Outline:    append([]OutlineNode(nil), p.Outline...),
		TocVersion: 1,
		Estimate:   p.Estimate,
		Status:     DocOutlineApproved,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition moves the document to next. Staying put is a no-op.
func (d *Document) Transition(next DocumentStatus, now time.Time) error {
	if d.Status == next {
		return nil
	}
	if !d.Status.CanTransition(next) {
		return NewStateError("document", d.ID, string(d.Status), "move to "+string(next))
	}
	d.Status = next
	d.UpdatedAt = now
	return nil
}

// Complete stores the final artifact and marks the document completed.
func (d *Document) Complete(a *Artifact, now time.Time) error {
	if err := d.Transition(DocCompleted, now); err != nil {
		return err
	}
	d.Final = a
	return nil
}

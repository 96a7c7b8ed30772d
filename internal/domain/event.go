package domain

import "time"

// EventType classifies progress events.
type EventType string

const (
	EventPlanned         EventType = "planned"
	EventSubtaskStarted  EventType = "subtask_started"
	EventSubtaskComplete EventType = "subtask_complete"
	EventAssembled       EventType = "assembled"
	EventCompleted       EventType = "completed"
	EventError           EventType = "error"
	EventCancelled       EventType = "cancelled"
)

// IsTerminal reports whether subscribers should stop listening after t.
func (t EventType) IsTerminal() bool {
	return t == EventCompleted || t == EventError || t == EventCancelled
}

// Agent tags.
const (
	AgentWriter    = "writer"
	AgentAssembler = "assembler"
	AgentControl   = "controller"
)

// Event is an immutable record of a state change within a run.
type Event struct {
	ID         string         `json:"id" bson:"_id"`
	DocumentID string         `json:"document_id" bson:"document_id"`
	RunID      string         `json:"run_id" bson:"run_id"`
	Type       EventType      `json:"type" bson:"type"`
	Agent      string         `json:"agent" bson:"agent"`
	Data       map[string]any `json:"data,omitempty" bson:"data,omitempty"`
	Timestamp  time.Time      `json:"ts" bson:"ts"`
}

// IndexEntry locates one section within assembled content.
type IndexEntry struct {
	Order     int    `json:"order" bson:"order"`
	SectionID string `json:"section_id" bson:"section_id"`
	Title     string `json:"title" bson:"title"`
	Offset    int    `json:"offset" bson:"offset"`
}

// Artifact is the assembled document.
type Artifact struct {
	Outline     []string     `json:"outline,omitempty" bson:"outline,omitempty"`
	Sections    []Section    `json:"sections" bson:"sections"`
	Content     string       `json:"content" bson:"content"`
	HTML        string       `json:"html" bson:"html"`
	Hash        string       `json:"hash" bson:"hash"`
	Index       []IndexEntry `json:"index" bson:"index"`
	Units       int          `json:"units" bson:"units"`
	AssembledAt time.Time    `json:"assembled_at" bson:"assembled_at"`
}

package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Range is the slice of the outline a subtask covers. Node indices are
// 0-based and inclusive; point indices address sub-points within the start
// and end nodes. EndPoint of -1 means through the last point.
type Range struct {
	StartNode  int `json:"start_node" bson:"start_node"`
	EndNode    int `json:"end_node" bson:"end_node"`
	StartPoint int `json:"start_point" bson:"start_point"`
	EndPoint   int `json:"end_point" bson:"end_point"`
}

// Nodes returns the outline nodes covered by r, trimmed to its points.
func (r Range) Nodes(outline []OutlineNode) []OutlineNode {
	if r.StartNode < 0 || r.EndNode >= len(outline) || r.StartNode > r.EndNode {
		return nil
	}
	out := make([]OutlineNode, 0, r.EndNode-r.StartNode+1)
	for i := r.StartNode; i <= r.EndNode; i++ {
		n := outline[i]
		lo, hi := 0, len(n.Points)-1
		if i == r.StartNode {
			lo = r.StartPoint
		}
		if i == r.EndNode && r.EndPoint >= 0 {
			hi = r.EndPoint
		}
		pts := []string{}
		for j := max(lo, 0); j <= hi && j < len(n.Points); j++ {
			pts = append(pts, n.Points[j])
		}
		out = append(out, OutlineNode{ID: n.ID, Title: n.Title, Points: pts})
	}
	return out
}

func (r Range) String() string {
	if r.StartNode == r.EndNode {
		if r.EndPoint < 0 && r.StartPoint == 0 {
			return fmt.Sprintf("node %d", r.StartNode+1)
		}
		return fmt.Sprintf("node %d points %d-%s", r.StartNode+1, r.StartPoint+1, endPoint(r.EndPoint))
	}
	return fmt.Sprintf("nodes %d-%d", r.StartNode+1, r.EndNode+1)
}

func endPoint(p int) string {
	if p < 0 {
		return "end"
	}
	return fmt.Sprint(p + 1)
}

// Section is one titled block of generated content.
type Section struct {
	ID    string `json:"id" bson:"id"`
	Title string `json:"title" bson:"title"`
	Body  string `json:"body" bson:"body"`
}

// Valid reports whether the section carries an id, a title and a non-blank
// body. Units with invalid sections are never assembled.
func (s Section) Valid() bool {
	return s.ID != "" && s.Title != "" && strings.TrimSpace(s.Body) != ""
}

// SubtaskResult is what a completed unit produced.
type SubtaskResult struct {
	OutlineDelta []string  `json:"outline_delta,omitempty" bson:"outline_delta,omitempty"`
	Sections     []Section `json:"sections" bson:"sections"`
	Content      string    `json:"content" bson:"content"`
	Hash         string    `json:"hash" bson:"hash"`
	Tokens       int       `json:"tokens,omitempty" bson:"tokens,omitempty"`
}

// HashContent is the integrity digest stored alongside generated content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether the stored hash still matches the content.
func (r *SubtaskResult) Verify() bool {
	return r != nil && r.Hash == HashContent(r.Content)
}

// Subtask is one bounded unit of generation work.
type Subtask struct {
	ID          string         `json:"id" bson:"_id"`
	DocumentID  string         `json:"document_id" bson:"document_id"`
	Order       int            `json:"order" bson:"order"`
	Range       Range          `json:"range" bson:"range"`
	TargetSize  int            `json:"target_size" bson:"target_size"`
	LengthHints []int          `json:"length_hints,omitempty" bson:"length_hints,omitempty"`
	Status      SubtaskStatus  `json:"status" bson:"status"`
	Attempts    int            `json:"attempts" bson:"attempts"`
	LastError   string         `json:"last_error,omitempty" bson:"last_error,omitempty"`
	Result      *SubtaskResult `json:"result,omitempty" bson:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" bson:"updated_at"`
}

// Claim takes the logical lock on the unit and counts the attempt.
func (s *Subtask) Claim(now time.Time) error {
	if !s.Status.CanTransition(SubtaskInProgress) {
		return NewStateError("subtask", s.ID, string(s.Status), "claim")
	}
	s.Status = SubtaskInProgress
	s.Attempts++
	s.UpdatedAt = now
	return nil
}

// Complete records the result. Only an in-progress unit may complete.
func (s *Subtask) Complete(res *SubtaskResult, now time.Time) error {
	if s.Status != SubtaskInProgress {
		return NewStateError("subtask", s.ID, string(s.Status), "complete")
	}
	s.Status = SubtaskCompleted
	s.Result = res
	s.LastError = ""
	s.UpdatedAt = now
	return nil
}

// Fail records the reason. Attempts were already counted by Claim.
func (s *Subtask) Fail(reason string, now time.Time) error {
	if s.Status == SubtaskCompleted {
		return NewStateError("subtask", s.ID, string(s.Status), "fail")
	}
	s.Status = SubtaskFailed
	s.Result = nil
	s.LastError = reason
	s.UpdatedAt = now
	return nil
}

// Stale reports whether an in-progress lease was last touched before cutoff.
func (s *Subtask) Stale(cutoff time.Time) bool {
	return s.Status == SubtaskInProgress && s.UpdatedAt.Before(cutoff)
}

// Claimable reports whether ClaimSubtask may take the unit.
func (s *Subtask) Claimable(staleBefore time.Time) bool {
	return s.Status.Runnable() || s.Stale(staleBefore)
}

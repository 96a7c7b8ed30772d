// Package splitter partitions an accepted outline into ordered, bounded work units.
//
// The split is a pure function of the outline, the budget and the policy:
// weights come from a token counter, shares are distributed with the largest
// remainder method, and ties break by position. Re-splitting the same plan
// always yields the same units.
package splitter

import (
	"errors"
	"fmt"
	"sort"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/tokens"
)

// DefaultTotal is the budget used when none is given.
const DefaultTotal = 10000

// DefaultContinuityHint is sent to the writer when a policy gives none.
const DefaultContinuityHint = "Maintain natural progression and avoid splitting tightly coupled sub-points."

var (
	ErrEmptyOutline  = errors.New("outline has no nodes")
	ErrInvalidBudget = errors.New("invalid budget")
	ErrInvalidPolicy = errors.New("invalid split policy")
)

// Budget bounds the size of the generated document.
type Budget struct {
	Total   int // total target size in tokens; 0 means DefaultTotal
	MaxUnit int // per-unit cap; 0 means uncapped
}

// Policy carries optional grouping hints.
type Policy struct {
	// Cohesion lists groups of node ids that must be written in one unit.
	// Each group must name contiguous nodes and groups may not overlap.
	Cohesion [][]string `json:"cohesion,omitempty" yaml:"cohesion"`
	// ContinuityHint is passed to the writer for every unit.
	ContinuityHint string `json:"continuity_hint,omitempty" yaml:"continuity_hint"`
	// SplitOversized breaks a single node whose share exceeds the unit cap
	// into groups of its points. Off by default: one unit per node, with the
	// target clamped to the cap.
	SplitOversized bool `json:"split_oversized,omitempty" yaml:"split_oversized"`
}

// Descriptor describes one unit before it is persisted.
type Descriptor struct {
	Order       int          `json:"order"`
	Range       domain.Range `json:"range"`
	TargetSize  int          `json:"target_size"`
	LengthHints []int        `json:"length_hints,omitempty"`
}

// Splitter turns outlines into descriptors.
type Splitter struct {
	counter tokens.Counter
}

// New creates a splitter weighting nodes with c.
func New(c tokens.Counter) *Splitter {
	if c == nil {
		c = tokens.Default()
	}
	return &Splitter{counter: c}
}

type block struct{ start, end int }

// Split partitions outline under budget.
func (s *Splitter) Split(outline []domain.OutlineNode, budget Budget, policy Policy) ([]Descriptor, error) {
	if len(outline) == 0 {
		return nil, ErrEmptyOutline
	}
	if budget.Total < 0 || budget.MaxUnit < 0 {
		return nil, fmt.Errorf("%w: total=%d max_unit=%d", ErrInvalidBudget, budget.Total, budget.MaxUnit)
	}
	total := budget.Total
	if total == 0 {
		total = DefaultTotal
	}

	weights := make([]int, len(outline))
	for i, n := range outline {
		weights[i] = tokens.Node(s.counter, n)
	}
	shares := distribute(total, weights)

	blocks, err := cohesionBlocks(outline, policy.Cohesion)
	if err != nil {
		return nil, err
	}

	var out []Descriptor
	for _, b := range blocks {
		share := 0
		for i := b.start; i <= b.end; i++ {
			share += shares[i]
		}

		node := outline[b.start]
		if policy.SplitOversized && b.start == b.end && budget.MaxUnit > 0 && share > budget.MaxUnit && len(node.Points) >= 2 {
			out = append(out, s.splitNode(b.start, node, share, budget.MaxUnit)...)
			continue
		}

		var hints []int
		for i := b.start; i <= b.end; i++ {
			hints = append(hints, s.pointShares(outline[i], shares[i])...)
		}
		out = append(out, Descriptor{
			Range:       domain.Range{StartNode: b.start, EndNode: b.end, StartPoint: 0, EndPoint: -1},
			TargetSize:  clamp(share, budget.MaxUnit),
			LengthHints: hints,
		})
	}

	for i := range out {
		out[i].Order = i + 1
	}
	return out, nil
}

// splitNode breaks one oversized node into contiguous groups of its points.
func (s *Splitter) splitNode(idx int, node domain.OutlineNode, share, maxUnit int) []Descriptor {
	k := (share + maxUnit - 1) / maxUnit
	k = min(k, len(node.Points))

	pointShares := s.pointShares(node, share)
	per, extra := len(node.Points)/k, len(node.Points)%k

	out := make([]Descriptor, 0, k)
	start := 0
	for g := 0; g < k; g++ {
		size := per
		if g < extra {
			size++
		}
		end := start + size - 1
		target := 0
		for _, v := range pointShares[start : end+1] {
			target += v
		}
		out = append(out, Descriptor{
			Range:       domain.Range{StartNode: idx, EndNode: idx, StartPoint: start, EndPoint: end},
			TargetSize:  clamp(target, maxUnit),
			LengthHints: append([]int(nil), pointShares[start:end+1]...),
		})
		start = end + 1
	}
	return out
}

func (s *Splitter) pointShares(n domain.OutlineNode, share int) []int {
	if len(n.Points) == 0 {
		return nil
	}
	w := make([]int, len(n.Points))
	for i, p := range n.Points {
		w[i] = tokens.Point(s.counter, p)
	}
	return distribute(share, w)
}

// cohesionBlocks returns the unit blocks: one per node, except where a
// cohesion group fuses contiguous nodes.
func cohesionBlocks(outline []domain.OutlineNode, groups [][]string) ([]block, error) {
	index := make(map[string]int, len(outline))
	for i, n := range outline {
		index[n.ID] = i
	}

	owner := make([]int, len(outline)) // node -> block end, -1 means solo
	for i := range owner {
		owner[i] = -1
	}
	for gi, g := range groups {
		if len(g) == 0 {
			continue
		}
		idx := make([]int, 0, len(g))
		for _, id := range g {
			i, ok := index[id]
			if !ok {
				return nil, fmt.Errorf("%w: group %d names unknown node %q", ErrInvalidPolicy, gi+1, id)
			}
			idx = append(idx, i)
		}
		sort.Ints(idx)
		for j := 1; j < len(idx); j++ {
			if idx[j] != idx[j-1]+1 {
				return nil, fmt.Errorf("%w: group %d is not contiguous", ErrInvalidPolicy, gi+1)
			}
		}
		for _, i := range idx {
			if owner[i] != -1 {
				return nil, fmt.Errorf("%w: node %q is in two groups", ErrInvalidPolicy, outline[i].ID)
			}
			owner[i] = idx[len(idx)-1]
		}
	}

	var out []block
	for i := 0; i < len(outline); {
		end := i
		if owner[i] != -1 {
			end = owner[i]
		}
		out = append(out, block{start: i, end: end})
		i = end + 1
	}
	return out, nil
}

// distribute splits total across weights with the largest remainder method.
// The result always sums to total; ties go to the earlier index.
func distribute(total int, weights []int) []int {
	out := make([]int, len(weights))
	sum := 0
	for _, w := range weights {
		sum += w
	}
	if sum == 0 || len(weights) == 0 {
		return out
	}

	rem := make([]int, len(weights))
	assigned := 0
	for i, w := range weights {
		out[i] = total * w / sum
		rem[i] = total * w % sum
		assigned += out[i]
	}

	idx := make([]int, len(weights))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return rem[idx[a]] > rem[idx[b]] })
	for j := 0; j < total-assigned; j++ {
		out[idx[j%len(idx)]]++
	}
	return out
}

func clamp(v, maxUnit int) int {
	if maxUnit > 0 && v > maxUnit {
		v = maxUnit
	}
	return max(v, 1)
}

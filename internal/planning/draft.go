package planning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/pkg/llm"
)

const plannerSystem = `You are an expert course and document architect.

Design outlines with a logical progression: start simple, build towards
advanced material and finish with synthesis. Group related ideas together and
keep every chapter focused.

Output discipline:
- Respond with ONLY valid JSON. No code fences and no text outside the JSON object.
- Keep titles and points concise.`

const planContract = `Return strict JSON:
{
  "outline": [
    {"id": "n1", "title": "Chapter title", "points": ["sub-point", "..."]}
  ],
  "estimate": {
    "totalTokens": 0,
    "perNode": [{"nodeId": "n1", "tokens": 0}]
  }
}`

type draftReply struct {
	Outline  []domain.OutlineNode `json:"outline"`
	Estimate struct {
		TotalTokens int `json:"totalTokens"`
		PerNode     []struct {
			NodeID string `json:"nodeId"`
			Tokens int    `json:"tokens"`
		} `json:"perNode"`
	} `json:"estimate"`
}

func proposePrompt(in ProposeInput) string {
	var b strings.Builder
	b.WriteString("Draft an outline for a long-form document.\n\n")
	fmt.Fprintf(&b, "Subject: %s\n", in.Topic.Subject)
	fmt.Fprintf(&b, "Topic: %s\n", in.Topic.Topic)
	fmt.Fprintf(&b, "Level: %s\n", orNA(in.Topic.Level))
	fmt.Fprintf(&b, "Specifics: %s\n", orNA(in.Topic.Specification))
	fmt.Fprintf(&b, "Preferences: %s\n", orNA(in.Preferences))
	if in.TargetTokens > 0 {
		fmt.Fprintf(&b, "Target length: about %d tokens in total.\n", in.TargetTokens)
	}
	b.WriteString("\nBreak the topic into its essential chapters in learning order, each with 2 to 6 sub-points.\n")
	b.WriteString("Estimate the tokens each chapter needs for full coverage.\n\n")
	b.WriteString(planContract)
	return b.String()
}

func refinePrompt(p *domain.Plan, constraints string) string {
	outline, _ := json.MarshalIndent(p.Outline, "", "  ")
	var b strings.Builder
	b.WriteString("Revise this outline.\n\n")
	fmt.Fprintf(&b, "Subject: %s\n", p.Topic.Subject)
	fmt.Fprintf(&b, "Topic: %s\n\n", p.Topic.Topic)
	fmt.Fprintf(&b, "Current outline:\n%s\n\n", outline)
	fmt.Fprintf(&b, "Requested changes:\n%s\n\n", constraints)
	b.WriteString("Keep ids of chapters you keep. Give new chapters new ids.\n\n")
	b.WriteString(planContract)
	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

// draft calls the backend and decodes a planner reply.
func (s *Service) draft(ctx context.Context, prompt string) ([]domain.OutlineNode, domain.SizeEstimate, error) {
	var est domain.SizeEstimate
	if s.backend == nil {
		return nil, est, ErrNoBackend
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.backend.Generate(callCtx, &llm.Request{
		Model:       s.model,
		System:      plannerSystem,
		Prompt:      prompt,
		Temperature: 0.4,
		JSON:        true,
		Tag:         llm.TagPlan,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("planner timed out after %s: %w", s.timeout, err)
		}
		return nil, est, fmt.Errorf("%w: %w", domain.ErrBackendFailure, err)
	}

	var reply draftReply
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp.Text)), &reply); err != nil {
		return nil, est, fmt.Errorf("%w: decode plan: %v", domain.ErrMalformedResponse, err)
	}
	outline, err := normalize(reply.Outline)
	if err != nil {
		return nil, est, fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
	}

	est.TotalTokens = reply.Estimate.TotalTokens
	for _, pn := range reply.Estimate.PerNode {
		est.PerNode = append(est.PerNode, domain.NodeEstimate{NodeID: pn.NodeID, Tokens: pn.Tokens})
	}
	if est.TotalTokens <= 0 {
		est = Estimate(s.counter, outline)
	}
	return outline, est, nil
}

// normalize fills missing node ids and rejects outlines the splitter could
// not use.
func normalize(outline []domain.OutlineNode) ([]domain.OutlineNode, error) {
	if len(outline) == 0 {
		return nil, errors.New("plan has no outline")
	}
	seen := make(map[string]bool, len(outline))
	out := make([]domain.OutlineNode, 0, len(outline))
	for i, n := range outline {
		n.Title = strings.TrimSpace(n.Title)
		if n.Title == "" {
			return nil, fmt.Errorf("node %d has no title", i+1)
		}
		if n.ID == "" {
			n.ID = fmt.Sprintf("n%d", i+1)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		out = append(out, n)
	}
	return out, nil
}

// Propose drafts a new plan with the backend.
func (s *Service) Propose(ctx context.Context, caller domain.Caller, in ProposeInput) (*domain.Plan, error) {
	if caller.UserID == "" {
		return nil, domain.ErrForbidden
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	outline, est, err := s.draft(ctx, proposePrompt(in))
	if err != nil {
		s.log.Warn("plan_propose_failed", map[string]any{"topic": in.Topic.Topic}, err)
		return nil, err
	}
	return s.save(ctx, caller, in.Topic, outline, est, domain.PlanProposed, "", in.Preferences)
}

// Refine drafts a revision of planID under constraints and stores it as a
// new refined plan. The original is left untouched.
func (s *Service) Refine(ctx context.Context, caller domain.Caller, planID, constraints string) (*domain.Plan, error) {
	p, err := s.GetPlan(ctx, caller, planID)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.PlanAccepted {
		return nil, domain.NewStateError("plan", p.ID, string(p.Status), "refine")
	}
	if strings.TrimSpace(constraints) == "" {
		return nil, fmt.Errorf("%w: constraints are required", domain.ErrInvalidInput)
	}
	outline, est, err := s.draft(ctx, refinePrompt(p, constraints))
	if err != nil {
		s.log.Warn("plan_refine_failed", map[string]any{"plan_id": p.ID}, err)
		return nil, err
	}
	return s.save(ctx, caller, p.Topic, outline, est, domain.PlanRefined, p.ID, constraints)
}

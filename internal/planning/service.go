// Package planning owns outline plans: creation, lookup, status changes and
// backend-drafted proposals and refinements.
package planning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/logging"
	"github.com/joss/scribe/internal/store"
	"github.com/joss/scribe/internal/tokens"
	"github.com/joss/scribe/pkg/llm"
)

// DefaultPlannerTimeout bounds one drafting call.
const DefaultPlannerTimeout = 60 * time.Second

// ErrNoBackend is returned by Propose and Refine when no backend is configured.
var ErrNoBackend = errors.New("no generative backend configured")

// PlanInput is a caller-provided outline.
type PlanInput struct {
	Topic    domain.TopicMeta     `json:"topic" yaml:"topic"`
	Outline  []domain.OutlineNode `json:"outline" yaml:"outline" validate:"required,min=1,unique=ID,dive"`
	Estimate *domain.SizeEstimate `json:"estimate,omitempty" yaml:"estimate"`
}

// ProposeInput asks the backend to draft an outline.
type ProposeInput struct {
	Topic        domain.TopicMeta `json:"topic"`
	Preferences  string           `json:"preferences,omitempty"`
	TargetTokens int              `json:"target_tokens,omitempty" validate:"gte=0"`
}

// Service implements the plan store operations.
type Service struct {
	store    store.PlanStore
	backend  llm.Provider
	counter  tokens.Counter
	validate *validator.Validate
	timeout  time.Duration
	model    string
	now      func() time.Time
	log      *logging.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithBackend enables Propose and Refine.
func WithBackend(p llm.Provider, model string) Option {
	return func(s *Service) {
		s.backend = p
		s.model = model
	}
}

// WithCounter sets the token counter used for derived estimates.
func WithCounter(c tokens.Counter) Option {
	return func(s *Service) { s.counter = c }
}

// WithPlannerTimeout bounds each drafting call.
func WithPlannerTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a plan service over st.
func NewService(st store.PlanStore, opts ...Option) *Service {
	s := &Service{
		store:    st,
		counter:  tokens.Default(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		timeout:  DefaultPlannerTimeout,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logging.New("planning"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks a plan input.
func (s *Service) Validate(in PlanInput) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// CreatePlan validates and stores a new proposed plan.
func (s *Service) CreatePlan(ctx context.Context, caller domain.Caller, in PlanInput) (*domain.Plan, error) {
	if caller.UserID == "" {
		return nil, domain.ErrForbidden
	}
	if err := s.Validate(in); err != nil {
		return nil, err
	}
	est := s.estimate(in.Outline, in.Estimate)
	return s.save(ctx, caller, in.Topic, in.Outline, est, domain.PlanProposed, "", "")
}

func (s *Service) save(ctx context.Context, caller domain.Caller, topic domain.TopicMeta, outline []domain.OutlineNode,
	est domain.SizeEstimate, status domain.PlanStatus, parentID, constraints string) (*domain.Plan, error) {
	now := s.now()
	p := &domain.Plan{
		ID:          domain.NewID("plan"),
		OwnerID:     caller.UserID,
		Topic:       topic,
		Outline:     outline,
		Estimate:    est,
		Status:      status,
		ParentID:    parentID,
		Constraints: constraints,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreatePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	s.log.Info("plan_created", map[string]any{"plan_id": p.ID, "status": string(status), "nodes": len(outline)})
	return p, nil
}

// GetPlan loads a plan owned by caller.
func (s *Service) GetPlan(ctx context.Context, caller domain.Caller, id string) (*domain.Plan, error) {
	p, err := s.store.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.Owns(p.OwnerID) {
		return nil, fmt.Errorf("plan %s: %w", id, domain.ErrForbidden)
	}
	return p, nil
}

// UpdatePlanStatus moves a plan to status. Repeating the current status is
// a no-op; an accepted plan never changes again.
func (s *Service) UpdatePlanStatus(ctx context.Context, caller domain.Caller, id string, status domain.PlanStatus) (*domain.Plan, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown plan status %q", domain.ErrInvalidInput, status)
	}
	p, err := s.GetPlan(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if p.Status == status {
		return p, nil
	}
	if err := p.SetStatus(status, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("update plan: %w", err)
	}
	return p, nil
}

// LinkDocument records the document created from an accepted plan.
func (s *Service) LinkDocument(ctx context.Context, p *domain.Plan, docID string) error {
	p.DocumentID = docID
	p.UpdatedAt = s.now()
	return s.store.UpdatePlan(ctx, p)
}

// ListPlans returns caller's plans, newest first.
func (s *Service) ListPlans(ctx context.Context, caller domain.Caller, f store.Filter) ([]*domain.Plan, error) {
	return s.store.ListPlans(ctx, caller.UserID, f)
}

// estimate returns given when it carries a total, else derives one from
// the outline.
func (s *Service) estimate(outline []domain.OutlineNode, given *domain.SizeEstimate) domain.SizeEstimate {
	if given != nil && given.TotalTokens > 0 {
		return *given
	}
	return Estimate(s.counter, outline)
}

// Expansion is how many generated tokens one outline token is expected to
// grow into; minNodeTokens is the floor for a single node.
const (
	Expansion     = 40
	minNodeTokens = 300
)

// Estimate sizes an outline from its token weight.
func Estimate(c tokens.Counter, outline []domain.OutlineNode) domain.SizeEstimate {
	var est domain.SizeEstimate
	for _, n := range outline {
		t := max(tokens.Node(c, n)*Expansion, minNodeTokens)
		est.PerNode = append(est.PerNode, domain.NodeEstimate{NodeID: n.ID, Tokens: t})
		est.TotalTokens += t
	}
	return est
}

package planning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/provider"
	"github.com/joss/scribe/internal/store"
	"github.com/joss/scribe/internal/testutil"
	"github.com/joss/scribe/pkg/llm"
)

var (
	alice = testutil.Caller("alice")
	bob   = testutil.Caller("bob")
)

func newService(t *testing.T, replies ...provider.Reply) (*Service, *provider.Scripted) {
	t.Helper()
	backend := provider.NewScripted(replies...)
	clock := testutil.NewClock()
	svc := NewService(store.NewMemory(),
		WithBackend(backend, "test-model"),
		WithCounter(testutil.WordCounter{}),
		WithClock(clock.Now),
		WithPlannerTimeout(time.Second))
	return svc, backend
}

func input() PlanInput {
	return PlanInput{Topic: testutil.Topic(), Outline: testutil.Outline(3, 2)}
}

func TestCreateAndGetPlan(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	p, err := svc.CreatePlan(ctx, alice, input())
	require.NoError(t, err)
	assert.Equal(t, domain.PlanProposed, p.Status)
	assert.Equal(t, "alice", p.OwnerID)
	assert.Len(t, p.Outline, 3)
	assert.Positive(t, p.Estimate.TotalTokens, "estimate is derived when missing")
	assert.Len(t, p.Estimate.PerNode, 3)

	got, err := svc.GetPlan(ctx, alice, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = svc.GetPlan(ctx, bob, p.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.GetPlan(ctx, alice, "plan_missing")
	assert.True(t, store.IsNotFound(err))
}

func TestCreatePlan_KeepsGivenEstimate(t *testing.T) {
	svc, _ := newService(t)
	in := input()
	in.Estimate = &domain.SizeEstimate{TotalTokens: 4200}

	p, err := svc.CreatePlan(context.Background(), alice, in)
	require.NoError(t, err)
	assert.Equal(t, 4200, p.Estimate.TotalTokens)
}

func TestCreatePlan_Validation(t *testing.T) {
	svc, _ := newService(t)

	dup := input()
	dup.Outline[1].ID = dup.Outline[0].ID

	noTitle := input()
	noTitle.Outline[0].Title = ""

	noTopic := input()
	noTopic.Topic.Topic = ""

	tests := []struct {
		name string
		in   PlanInput
	}{
		{"empty outline", PlanInput{Topic: testutil.Topic()}},
		{"duplicate ids", dup},
		{"missing title", noTitle},
		{"missing topic", noTopic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreatePlan(context.Background(), alice, tt.in)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}

	_, err := svc.CreatePlan(context.Background(), domain.Caller{}, input())
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestUpdatePlanStatus(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	p, err := svc.CreatePlan(ctx, alice, input())
	require.NoError(t, err)

	got, err := svc.UpdatePlanStatus(ctx, alice, p.ID, domain.PlanAccepted)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanAccepted, got.Status)

	// Same target twice is a no-op.
	_, err = svc.UpdatePlanStatus(ctx, alice, p.ID, domain.PlanAccepted)
	require.NoError(t, err)

	_, err = svc.UpdatePlanStatus(ctx, alice, p.ID, domain.PlanProposed)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = svc.UpdatePlanStatus(ctx, alice, p.ID, domain.PlanStatus("archived"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.UpdatePlanStatus(ctx, bob, p.ID, domain.PlanRefined)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestListPlans(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := svc.CreatePlan(ctx, alice, input())
		require.NoError(t, err)
	}
	_, err := svc.CreatePlan(ctx, bob, input())
	require.NoError(t, err)

	mine, err := svc.ListPlans(ctx, alice, store.DefaultFilter())
	require.NoError(t, err)
	assert.Len(t, mine, 3)
}

func TestPropose(t *testing.T) {
	outline := testutil.Outline(4, 3)
	svc, backend := newService(t, provider.Reply{Text: "```json\n" + testutil.PlanJSON(outline, 6000) + "\n```"})

	p, err := svc.Propose(context.Background(), alice, ProposeInput{Topic: testutil.Topic(), Preferences: "lots of examples", TargetTokens: 6000})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanProposed, p.Status)
	assert.Equal(t, outline, p.Outline)
	assert.Equal(t, 6000, p.Estimate.TotalTokens)
	assert.Equal(t, "lots of examples", p.Constraints)

	req := backend.Requests()[0]
	assert.Equal(t, llm.TagPlan, req.Tag)
	assert.True(t, req.JSON)
	assert.Equal(t, "test-model", req.Model)
	assert.Contains(t, req.Prompt, "Preferences: lots of examples")
	assert.Contains(t, req.Prompt, "about 6000 tokens")
}

func TestPropose_FillsIDsAndEstimate(t *testing.T) {
	svc, _ := newService(t, provider.Reply{Text: `{"outline":[{"title":"Intro","points":["a"]},{"title":"Body"}]}`})

	p, err := svc.Propose(context.Background(), alice, ProposeInput{Topic: testutil.Topic()})
	require.NoError(t, err)
	assert.Equal(t, "n1", p.Outline[0].ID)
	assert.Equal(t, "n2", p.Outline[1].ID)
	assert.Positive(t, p.Estimate.TotalTokens)
}

func TestPropose_Failures(t *testing.T) {
	tests := []struct {
		name  string
		reply provider.Reply
		want  error
	}{
		{"backend error", provider.Reply{Err: errors.New("quota")}, domain.ErrBackendFailure},
		{"timeout", provider.Reply{Text: "{}", Delay: 5 * time.Second}, domain.ErrBackendFailure},
		{"not json", provider.Reply{Text: "sorry"}, domain.ErrMalformedResponse},
		{"empty outline", provider.Reply{Text: `{"outline":[]}`}, domain.ErrMalformedResponse},
		{"duplicate ids", provider.Reply{Text: `{"outline":[{"id":"a","title":"A"},{"id":"a","title":"B"}]}`}, domain.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(t, tt.reply)
			svc.timeout = 20 * time.Millisecond
			_, err := svc.Propose(context.Background(), alice, ProposeInput{Topic: testutil.Topic()})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	bare := NewService(store.NewMemory())
	_, err := bare.Propose(context.Background(), alice, ProposeInput{Topic: testutil.Topic()})
	assert.ErrorIs(t, err, ErrNoBackend)
}

func TestRefine(t *testing.T) {
	revised := testutil.Outline(2, 1)
	svc, backend := newService(t, provider.Reply{Text: testutil.PlanJSON(revised, 2500)})
	ctx := context.Background()

	orig, err := svc.CreatePlan(ctx, alice, input())
	require.NoError(t, err)

	p, err := svc.Refine(ctx, alice, orig.ID, "fewer chapters")
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, p.ID)
	assert.Equal(t, domain.PlanRefined, p.Status)
	assert.Equal(t, orig.ID, p.ParentID)
	assert.Equal(t, revised, p.Outline)
	assert.Contains(t, backend.Requests()[0].Prompt, "fewer chapters")

	still, err := svc.GetPlan(ctx, alice, orig.ID)
	require.NoError(t, err)
	assert.Len(t, still.Outline, 3, "original plan is untouched")
}

func TestRefine_Rejections(t *testing.T) {
	svc, backend := newService(t)
	ctx := context.Background()
	p, err := svc.CreatePlan(ctx, alice, input())
	require.NoError(t, err)

	_, err = svc.Refine(ctx, alice, p.ID, "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Refine(ctx, bob, p.ID, "shorter")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.UpdatePlanStatus(ctx, alice, p.ID, domain.PlanAccepted)
	require.NoError(t, err)
	_, err = svc.Refine(ctx, alice, p.ID, "shorter")
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	assert.Zero(t, backend.CallCount())
}

func TestEstimate(t *testing.T) {
	outline := []domain.OutlineNode{
		{ID: "a", Title: "one two three four", Points: []string{"five six seven", "eight nine ten"}},
		{ID: "b", Title: "x"},
	}
	est := Estimate(testutil.WordCounter{}, outline)
	require.Len(t, est.PerNode, 2)
	assert.Equal(t, 10*Expansion, est.PerNode[0].Tokens)
	assert.Equal(t, minNodeTokens, est.PerNode[1].Tokens)
	assert.Equal(t, 10*Expansion+minNodeTokens, est.TotalTokens)
}

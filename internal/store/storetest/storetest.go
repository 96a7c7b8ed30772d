// Package storetest is the behavioural contract every store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the contract suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Plans", func(t *testing.T) { testPlans(t, newStore(t)) })
	t.Run("Documents", func(t *testing.T) { testDocuments(t, newStore(t)) })
	t.Run("SubtaskOrdering", func(t *testing.T) { testSubtaskOrdering(t, newStore(t)) })
	t.Run("ClaimSubtask", func(t *testing.T) { testClaim(t, newStore(t)) })
	t.Run("CompleteAndFail", func(t *testing.T) { testCompleteFail(t, newStore(t)) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, newStore(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newStore(t)) })
}

func samplePlan(id, owner string) *domain.Plan {
	return &domain.Plan{
		ID:      id,
		OwnerID: owner,
		Topic:   domain.TopicMeta{Subject: "Biology", Topic: "Cells"},
		Outline: []domain.OutlineNode{
			{ID: "n1", Title: "Structure", Points: []string{"membrane", "nucleus"}},
		},
		Estimate:  domain.SizeEstimate{TotalTokens: 1200},
		Status:    domain.PlanProposed,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func sampleSubtasks(docID string, n int) []*domain.Subtask {
	out := make([]*domain.Subtask, 0, n)
	for i := n; i >= 1; i-- {
		out = append(out, &domain.Subtask{
			ID:         fmt.Sprintf("%s-st-%d", docID, i),
			DocumentID: docID,
			Order:      i,
			Range:      domain.Range{StartNode: i - 1, EndNode: i - 1, EndPoint: -1},
			TargetSize: 500,
			Status:     domain.SubtaskQueued,
			CreatedAt:  t0,
			UpdatedAt:  t0,
		})
	}
	return out
}

func testPlans(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreatePlan(ctx, samplePlan("plan_a", "u1")))
	require.NoError(t, s.CreatePlan(ctx, samplePlan("plan_b", "u1")))
	require.NoError(t, s.CreatePlan(ctx, samplePlan("plan_c", "u2")))

	got, err := s.GetPlan(ctx, "plan_a")
	require.NoError(t, err)
	assert.Equal(t, "Cells", got.Topic.Topic)
	assert.Equal(t, []string{"membrane", "nucleus"}, got.Outline[0].Points)

	got.Status = domain.PlanAccepted
	got.DocumentID = "doc_x"
	require.NoError(t, s.UpdatePlan(ctx, got))

	again, err := s.GetPlan(ctx, "plan_a")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanAccepted, again.Status)
	assert.Equal(t, "doc_x", again.DocumentID)

	list, err := s.ListPlans(ctx, "u1", store.DefaultFilter())
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, "plan_b", list[0].ID, "newest first")

	_, err = s.GetPlan(ctx, "missing")
	assert.True(t, store.IsNotFound(err))
	assert.True(t, store.IsNotFound(s.UpdatePlan(ctx, samplePlan("missing", "u1"))))
}

func testDocuments(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc := domain.NewDocument(samplePlan("plan_a", "u1"), t0)
	require.NoError(t, s.CreateDocument(ctx, doc))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocOutlineApproved, got.Status)
	assert.Equal(t, 1, got.TocVersion)
	assert.Nil(t, got.Final)

	got.Status = domain.DocCompleted
	got.Final = &domain.Artifact{Content: "# Cells", Hash: domain.HashContent("# Cells"), Units: 1}
	require.NoError(t, s.UpdateDocument(ctx, got))

	again, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, again.Final)
	assert.Equal(t, "# Cells", again.Final.Content)

	docs, err := s.ListDocuments(ctx, "u1", store.DefaultFilter())
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	_, err = s.GetDocument(ctx, "missing")
	assert.True(t, store.IsNotFound(err))
}

func testSubtaskOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.ReplaceSubtasks(ctx, "doc_1", sampleSubtasks("doc_1", 3)))

	list, err := s.ListSubtasks(ctx, "doc_1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, st := range list {
		assert.Equal(t, i+1, st.Order)
	}

	require.NoError(t, s.ReplaceSubtasks(ctx, "doc_1", sampleSubtasks("doc_1", 2)))
	list, err = s.ListSubtasks(ctx, "doc_1")
	require.NoError(t, err)
	assert.Len(t, list, 2, "replace drops the previous set")

	empty, err := s.ListSubtasks(ctx, "doc_other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.ReplaceSubtasks(ctx, "doc_1", sampleSubtasks("doc_1", 1)))
	id := "doc_1-st-1"

	st, err := s.ClaimSubtask(ctx, "doc_1", id, 0, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskInProgress, st.Status)
	assert.Equal(t, 1, st.Attempts)

	_, err = s.ClaimSubtask(ctx, "doc_1", id, 0, t0)
	assert.True(t, store.IsConflict(err), "stale attempts count loses")

	_, err = s.ClaimSubtask(ctx, "doc_1", id, 1, t0)
	assert.True(t, store.IsConflict(err), "fresh lease is not claimable")

	st, err = s.ClaimSubtask(ctx, "doc_1", id, 1, time.Now().Add(time.Hour))
	require.NoError(t, err, "stale lease is reclaimable")
	assert.Equal(t, 2, st.Attempts)

	_, err = s.ClaimSubtask(ctx, "doc_1", "nope", 0, t0)
	assert.True(t, store.IsNotFound(err))
}

func testCompleteFail(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.ReplaceSubtasks(ctx, "doc_1", sampleSubtasks("doc_1", 2)))

	_, err := s.CompleteSubtask(ctx, "doc_1", "doc_1-st-1", &domain.SubtaskResult{Content: "x"})
	assert.True(t, store.IsConflict(err), "queued unit cannot complete")

	_, err = s.ClaimSubtask(ctx, "doc_1", "doc_1-st-1", 0, t0)
	require.NoError(t, err)
	failed, err := s.FailSubtask(ctx, "doc_1", "doc_1-st-1", "backend timeout")
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Equal(t, "backend timeout", failed.LastError)

	_, err = s.ClaimSubtask(ctx, "doc_1", "doc_1-st-1", 1, t0)
	require.NoError(t, err)
	res := &domain.SubtaskResult{
		OutlineDelta: []string{"Structure"},
		Sections:     []domain.Section{{ID: "s1", Title: "Structure", Body: "Cells have parts."}},
		Content:      "Cells have parts.",
		Hash:         domain.HashContent("Cells have parts."),
	}
	done, err := s.CompleteSubtask(ctx, "doc_1", "doc_1-st-1", res)
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskCompleted, done.Status)
	assert.Empty(t, done.LastError)

	got, err := s.GetSubtask(ctx, "doc_1", "doc_1-st-1")
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.True(t, got.Result.Verify())
	assert.Equal(t, "s1", got.Result.Sections[0].ID)

	_, err = s.FailSubtask(ctx, "doc_1", "doc_1-st-1", "late")
	assert.True(t, store.IsConflict(err), "completed unit cannot fail")
}

func testRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc := &domain.Document{ID: "doc_1", OwnerID: "u1"}
	r1 := domain.NewRun(doc, 3, t0)
	require.NoError(t, s.CreateRun(ctx, r1))
	r2 := domain.NewRun(doc, 3, t0)
	require.NoError(t, s.CreateRun(ctx, r2))

	r1.Progress(2, t0)
	require.NoError(t, r1.Cancel(t0))
	require.NoError(t, s.UpdateRun(ctx, r1))

	got, err := s.GetRun(ctx, "doc_1", r1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCancelled, got.Status)
	assert.Equal(t, 2, got.CurrentSubtaskOrder)
	require.NotNil(t, got.CompletedAt)

	runs, err := s.ListRuns(ctx, "doc_1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, r1.ID, runs[0].ID)

	_, err = s.GetRun(ctx, "doc_2", r1.ID)
	assert.True(t, store.IsNotFound(err), "runs are scoped by document")
}

func testEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	var ids []string
	for i, typ := range []domain.EventType{domain.EventPlanned, domain.EventSubtaskStarted, domain.EventSubtaskComplete} {
		e := &domain.Event{
			ID:         domain.NewID("evt"),
			DocumentID: "doc_1",
			RunID:      "run_1",
			Type:       typ,
			Agent:      domain.AgentWriter,
			Data:       map[string]any{"order": i},
			Timestamp:  t0.Add(time.Duration(i) * time.Millisecond),
		}
		ids = append(ids, e.ID)
		require.NoError(t, s.AppendEvent(ctx, e))
	}
	require.NoError(t, s.AppendEvent(ctx, &domain.Event{ID: domain.NewID("evt"), DocumentID: "doc_1", RunID: "run_2", Type: domain.EventPlanned}))

	all, err := s.ListEvents(ctx, "doc_1", "run_1", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, domain.EventPlanned, all[0].Type)
	assert.Equal(t, domain.EventSubtaskComplete, all[2].Type)

	tail, err := s.ListEvents(ctx, "doc_1", "run_1", ids[0])
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, ids[1], tail[0].ID)
}

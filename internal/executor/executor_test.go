package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/scribe/internal/assembler"
	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/metrics"
	"github.com/joss/scribe/internal/provider"
	"github.com/joss/scribe/internal/store"
	"github.com/joss/scribe/internal/testutil"
	"github.com/joss/scribe/pkg/llm"
)

type fixture struct {
	store   *store.Memory
	backend *provider.Scripted
	clock   *testutil.Clock
	exec    *Executor
	doc     *domain.Document
	units   []*domain.Subtask
}

func newFixture(t *testing.T, replies ...provider.Reply) *fixture {
	t.Helper()
	clock := testutil.NewClock()
	mem := store.NewMemory()
	mem.SetClock(clock.Now)

	doc := &domain.Document{
		ID:      "doc_1",
		OwnerID: "u1",
		Topic:   testutil.Topic(),
		Outline: testutil.Outline(3, 2),
		Status:  domain.DocWriting,
	}
	ctx := context.Background()
	require.NoError(t, mem.CreateDocument(ctx, doc))

	var units []*domain.Subtask
	for i := 1; i <= 3; i++ {
		units = append(units, &domain.Subtask{
			ID:         "st_" + string(rune('0'+i)),
			DocumentID: doc.ID,
			Order:      i,
			Range:      domain.Range{StartNode: i - 1, EndNode: i - 1, EndPoint: -1},
			TargetSize: 400,
			Status:     domain.SubtaskQueued,
		})
	}
	require.NoError(t, mem.ReplaceSubtasks(ctx, doc.ID, units))

	backend := provider.NewScripted(replies...)
	exec := New(mem, backend, Config{BackendTimeout: time.Second},
		WithClock(clock.Now), WithMetrics(metrics.New()))
	return &fixture{store: mem, backend: backend, clock: clock, exec: exec, doc: doc, units: units}
}

func (f *fixture) get(t *testing.T, order int) *domain.Subtask {
	t.Helper()
	st, err := f.store.GetSubtask(context.Background(), f.doc.ID, f.units[order-1].ID)
	require.NoError(t, err)
	return st
}

func (f *fixture) unit(t *testing.T, order int) Unit {
	u := Unit{Document: f.doc, Subtask: f.get(t, order), Total: len(f.units)}
	if order > 1 {
		u.Previous = f.get(t, order-1)
	}
	return u
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t, provider.Reply{Text: testutil.UnitJSON(1)})

	got, err := f.exec.Execute(context.Background(), f.unit(t, 1))
	require.NoError(t, err)

	assert.Equal(t, domain.SubtaskCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.Result)
	assert.Equal(t, domain.HashContent(got.Result.Content), got.Result.Hash)
	assert.Equal(t, "s1", got.Result.Sections[0].ID)

	req := f.backend.Requests()[0]
	assert.True(t, req.JSON)
	assert.Equal(t, llm.TagWrite, req.Tag)
	assert.InDelta(t, 0.6, req.Temperature, 1e-9)
	assert.Contains(t, req.Prompt, "part 1 of 3")
	assert.Contains(t, req.Prompt, "title (# heading) and an introduction")
	assert.NotContains(t, req.Prompt, "previous part ended with")
}

func TestExecute_CompletedShortCircuits(t *testing.T) {
	f := newFixture(t, provider.Reply{Text: testutil.UnitJSON(1)})
	first, err := f.exec.Execute(context.Background(), f.unit(t, 1))
	require.NoError(t, err)

	again, err := f.exec.Execute(context.Background(), f.unit(t, 1))
	require.NoError(t, err)
	assert.Equal(t, first.Result.Hash, again.Result.Hash)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, 1, f.backend.CallCount())
}

func TestExecute_CarriesContinuity(t *testing.T) {
	f := newFixture(t, testutil.UnitReplies(2)...)
	_, err := f.exec.Execute(context.Background(), f.unit(t, 1))
	require.NoError(t, err)
	_, err = f.exec.Execute(context.Background(), f.unit(t, 2))
	require.NoError(t, err)

	prompt := f.backend.Requests()[1].Prompt
	assert.Contains(t, prompt, "part 2 of 3")
	assert.Contains(t, prompt, "The previous part ended with:")
	assert.Contains(t, prompt, "Body of part 1")
	assert.Contains(t, prompt, "Continue seamlessly")
}

func TestExecute_LastPartAsksForSummary(t *testing.T) {
	f := newFixture(t, testutil.UnitReplies(3)...)
	for i := 1; i <= 3; i++ {
		_, err := f.exec.Execute(context.Background(), f.unit(t, i))
		require.NoError(t, err)
	}
	assert.Contains(t, f.backend.Requests()[2].Prompt, "Conclude with a summary")
}

func TestExecute_BackendFailure(t *testing.T) {
	f := newFixture(t, provider.Reply{Err: errors.New("503 upstream")})

	_, err := f.exec.Execute(context.Background(), f.unit(t, 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBackendFailure)

	var ue *domain.UnitError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 1, ue.Order)

	st := f.get(t, 1)
	assert.Equal(t, domain.SubtaskFailed, st.Status)
	assert.Equal(t, 1, st.Attempts)
	assert.Contains(t, st.LastError, "503 upstream")
	assert.Nil(t, st.Result)
}

func TestExecute_Timeout(t *testing.T) {
	f := newFixture(t, provider.Reply{Text: testutil.UnitJSON(1), Delay: time.Second})
	f.exec.cfg.BackendTimeout = 20 * time.Millisecond

	_, err := f.exec.Execute(context.Background(), f.unit(t, 1))
	assert.ErrorIs(t, err, domain.ErrBackendFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out")
}

func TestExecute_Malformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"not json", "I cannot help with that"},
		{"empty content", `{"sections":[],"content":"  "}`},
		{"section without id", `{"sections":[{"title":"T","body":"b"}],"content":"x"}`},
		{"section without title", `{"sections":[{"id":"a","body":"b"}],"content":"x"}`},
		{"section without body", `{"sections":[{"id":"s1","title":"Part 1"}],"content":"## Part 1\n\nText."}`},
		{"section with blank body", `{"sections":[{"id":"s1","title":"Part 1","body":" \n"}],"content":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, provider.Reply{Text: tt.text})
			_, err := f.exec.Execute(context.Background(), f.unit(t, 1))
			assert.ErrorIs(t, err, domain.ErrMalformedResponse)
			assert.Equal(t, domain.SubtaskFailed, f.get(t, 1).Status)
		})
	}
}

func TestExecute_BodylessSectionIsRetried(t *testing.T) {
	f := newFixture(t,
		provider.Reply{Text: `{"sections":[{"id":"s1","title":"Part 1"}],"content":"## Part 1\n\nText."}`},
		provider.Reply{Text: testutil.UnitJSON(1)},
	)

	_, err := f.exec.Execute(context.Background(), f.unit(t, 1))
	require.ErrorIs(t, err, domain.ErrMalformedResponse)
	assert.True(t, domain.Transient(err))
	assert.Nil(t, f.get(t, 1).Result)

	got, err := f.exec.Execute(context.Background(), f.unit(t, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

// Whatever the executor stores as completed must pass assembly validation.
func TestParseUnit_AgreesWithAssembler(t *testing.T) {
	replies := []string{
		testutil.UnitJSON(1),
		`{"sections":[],"content":"plain text"}`,
		`{"sections":[{"id":"s1","title":"T"}],"content":"x"}`,
		`{"sections":[{"id":"s1","title":"T","body":"  "}],"content":"x"}`,
		`{"sections":[{"id":"","title":"T","body":"b"}],"content":"x"}`,
		`{"sections":[{"id":"s1","title":"T","body":"b"},{"id":"s2","title":"U"}],"content":"x"}`,
	}
	accepted := 0
	for i, text := range replies {
		res, err := parseUnit(text)
		if err != nil {
			continue
		}
		accepted++
		st := &domain.Subtask{ID: "st_1", Order: 1, Status: domain.SubtaskCompleted, Result: res}
		assert.Empty(t, assembler.Validate([]*domain.Subtask{st}), "reply %d", i)
	}
	assert.Equal(t, 2, accepted)
}

func TestExecute_RetryLimitSkipsBackend(t *testing.T) {
	f := newFixture(t, provider.Reply{Err: errors.New("e1")}, provider.Reply{Err: errors.New("e2")}, provider.Reply{Err: errors.New("e3")})

	for i := 0; i < 3; i++ {
		_, err := f.exec.Execute(context.Background(), f.unit(t, 1))
		require.ErrorIs(t, err, domain.ErrBackendFailure)
	}
	assert.Equal(t, 3, f.get(t, 1).Attempts)

	_, err := f.exec.Execute(context.Background(), f.unit(t, 1))
	assert.ErrorIs(t, err, domain.ErrRetryLimitExceeded)
	assert.Equal(t, 3, f.backend.CallCount())
}

func TestExecute_ClaimConflict(t *testing.T) {
	f := newFixture(t, provider.Reply{Text: testutil.UnitJSON(1)})
	ctx := context.Background()

	// Another caller holds a fresh lease.
	_, err := f.store.ClaimSubtask(ctx, f.doc.ID, f.units[0].ID, 0, f.clock.Now().Add(-time.Minute))
	require.NoError(t, err)

	stale := f.units[0] // still carries attempts=0
	_, err = f.exec.Execute(ctx, Unit{Document: f.doc, Subtask: stale, Total: 3})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 0, f.backend.CallCount())
}

func TestExecute_ReclaimsStaleLease(t *testing.T) {
	f := newFixture(t, provider.Reply{Text: testutil.UnitJSON(1)})
	ctx := context.Background()

	_, err := f.store.ClaimSubtask(ctx, f.doc.ID, f.units[0].ID, 0, f.clock.Now())
	require.NoError(t, err)
	f.clock.Advance(f.exec.Config().LeaseTimeout + time.Second)

	got, err := f.exec.Execute(ctx, f.unit(t, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.SubtaskCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
}

func TestContinuity(t *testing.T) {
	para := strings.Repeat("a", 1500) + "\n\n" + strings.Repeat("b", 100)
	assert.Equal(t, strings.Repeat("b", 100), Continuity(para, 500))

	sentence := strings.Repeat("x", 1500) + ". " + "Tail sentence here"
	assert.Equal(t, "Tail sentence here", Continuity(sentence, 500))

	// A break in the first half of the window is ignored.
	early := strings.Repeat("y", 10) + "\n\n" + strings.Repeat("z", 3000)
	got := Continuity(early, 500)
	assert.Len(t, got, 2000)
	assert.Equal(t, strings.Repeat("z", 2000), got)

	// The window never starts inside a multi-byte rune.
	wide := "ab" + strings.Repeat("é", 1500)
	got = Continuity(wide, 500)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("é", 999), got)

	assert.Equal(t, "short text", Continuity("  short text ", 500))
	assert.Empty(t, Continuity("", 500))
}

func TestBuildPrompt(t *testing.T) {
	doc := &domain.Document{
		Topic:          testutil.Topic(),
		Outline:        testutil.Outline(2, 3),
		ContinuityHint: "Keep terms stable.",
	}
	st := &domain.Subtask{
		Order:       2,
		Range:       domain.Range{StartNode: 1, EndNode: 1, StartPoint: 1, EndPoint: 2},
		TargetSize:  750,
		LengthHints: []int{400, 350},
	}
	p := buildPrompt(promptInput{Doc: doc, Subtask: st, Total: 2, Continuity: "last words"})

	assert.Contains(t, p, "part 2 of 2")
	assert.Contains(t, p, "Topic: Cell structure")
	assert.Contains(t, p, `"node 2 points 2-3"`)
	assert.Contains(t, p, "point 2.2")
	assert.Contains(t, p, "about 750 tokens")
	assert.Contains(t, p, "[400,350]")
	assert.Contains(t, p, "Continuity: Keep terms stable.")
	assert.Contains(t, p, "last words")
	assert.Contains(t, p, "Conclude with a summary")
	assert.Contains(t, p, `"outlineDelta"`)
}

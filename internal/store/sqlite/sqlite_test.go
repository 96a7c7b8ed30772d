package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/store"
	"github.com/joss/scribe/internal/store/storetest"
)

func openTemp(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "scribe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return openTemp(t) })
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	doc := &domain.Document{ID: "doc_1", OwnerID: "u1", Status: domain.DocSplitPlanned}
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.GetDocument(ctx, "doc_1")
	require.NoError(t, err)
	assert.Equal(t, domain.DocSplitPlanned, got.Status)
	assert.Equal(t, path, s2.Path())
}

func TestReplaceSubtasksRejectsDuplicateOrder(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	dup := []*domain.Subtask{
		{ID: "a", DocumentID: "doc_1", Order: 1, Status: domain.SubtaskQueued},
		{ID: "b", DocumentID: "doc_1", Order: 1, Status: domain.SubtaskQueued},
	}
	require.Error(t, s.ReplaceSubtasks(ctx, "doc_1", dup))

	list, err := s.ListSubtasks(ctx, "doc_1")
	require.NoError(t, err)
	assert.Empty(t, list, "failed replace is rolled back")
}

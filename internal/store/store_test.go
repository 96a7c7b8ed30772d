package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joss/scribe/internal/domain"
	"github.com/joss/scribe/internal/store"
	"github.com/joss/scribe/internal/store/storetest"
)

func TestMemoryContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return store.NewMemory() })
}

func TestFilter_WithMethods(t *testing.T) {
	f := store.DefaultFilter()
	assert.Equal(t, 100, f.Limit)

	f2 := f.WithLimit(5).WithOffset(2)
	assert.Equal(t, 5, f2.Limit)
	assert.Equal(t, 2, f2.Offset)
	assert.Equal(t, 100, f.Limit, "original filter was mutated")
}

func TestFilter_Window(t *testing.T) {
	tests := []struct {
		f      store.Filter
		n      int
		lo, hi int
	}{
		{store.Filter{}, 10, 0, 10},
		{store.Filter{Limit: 3}, 10, 0, 3},
		{store.Filter{Limit: 3, Offset: 8}, 10, 8, 10},
		{store.Filter{Offset: 20}, 10, 10, 10},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%+v", tt.f), func(t *testing.T) {
			lo, hi := tt.f.Window(tt.n)
			assert.Equal(t, tt.lo, lo)
			assert.Equal(t, tt.hi, hi)
		})
	}
}

func TestNotFoundError(t *testing.T) {
	err := store.NewNotFoundError("document", "doc_1")
	assert.Equal(t, "document not found: doc_1", err.Error())
	assert.True(t, store.IsNotFound(err))

	var nf *store.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatal("errors.As failed for NotFoundError")
	}
	assert.Equal(t, "doc_1", nf.ID)
}

func TestConflictErrorIsDomainConflict(t *testing.T) {
	err := store.NewConflictError("subtask", "st_1", "claimed")
	assert.True(t, store.IsConflict(err))
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.False(t, store.IsNotFound(err))
}

func TestMemoryClosed(t *testing.T) {
	m := store.NewMemory()
	assert.NoError(t, m.Close())
	assert.ErrorIs(t, m.Ping(context.Background()), store.ErrClosed)
}

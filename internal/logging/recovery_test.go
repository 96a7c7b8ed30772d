package logging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryHandler_Wrap(t *testing.T) {
	executed := false
	NewRecoveryHandler("test").Wrap(func() { executed = true })
	assert.True(t, executed)
}

func TestRecoveryHandler_WrapPanic(t *testing.T) {
	SetOutput(nopWriter{})

	var captured any
	h := NewRecoveryHandler("test")
	h.OnPanic = func(err any, stack string) {
		captured = err
		assert.NotEmpty(t, stack)
	}
	h.Wrap(func() { panic("test panic") })
	assert.Equal(t, "test panic", captured)
}

func TestRecoveryHandler_WrapError(t *testing.T) {
	SetOutput(nopWriter{})
	h := NewRecoveryHandler("test")

	err := h.WrapError(func() error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in test: boom")

	want := errors.New("plain")
	assert.Equal(t, want, h.WrapError(func() error { return want }))
}

func TestSafeGo(t *testing.T) {
	SetOutput(nopWriter{})
	done := make(chan struct{})
	SafeGo("test", func() {
		defer close(done)
		panic("in goroutine")
	})
	<-done
}

package runtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewShutdownManager(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)
	if m.timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", m.timeout)
	}
	if NewShutdownManager(0).timeout != DefaultShutdownTimeout {
		t.Error("zero timeout should use the default")
	}
}

func TestShutdownManager_LIFO(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)

	var order []string
	for _, name := range []string{"store", "feed", "server"} {
		name := name
		m.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := m.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"server", "feed", "store"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestShutdownManager_Once(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)
	calls := 0
	m.Register("count", func(ctx context.Context) error {
		calls++
		return nil
	})

	m.Shutdown()
	m.Shutdown()
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

type closer struct{ closed bool }

func (c *closer) Close() error {
	c.closed = true
	return nil
}

func TestShutdownManager_RegisterCloser(t *testing.T) {
	m := NewShutdownManager(time.Second)
	c := &closer{}
	m.RegisterCloser("store", c)
	m.Shutdown()
	if !c.closed {
		t.Error("closer was not closed")
	}
}

func TestShutdownManager_JoinsErrors(t *testing.T) {
	m := NewShutdownManager(5 * time.Second)
	boom := errors.New("boom")
	m.Register("bad", func(ctx context.Context) error { return boom })
	ran := false
	m.Register("good", func(ctx context.Context) error {
		ran = true
		return nil
	})

	err := m.Shutdown()
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error to wrap boom, got %v", err)
	}
	if !ran {
		t.Error("a failing handler must not stop the others")
	}
}

func TestShutdownManager_Timeout(t *testing.T) {
	m := NewShutdownManager(50 * time.Millisecond)
	m.Register("later", func(ctx context.Context) error { return nil })
	m.Register("slow", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})

	start := time.Now()
	err := m.Shutdown()
	if time.Since(start) > 500*time.Millisecond {
		t.Error("shutdown did not honour its timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestShutdownManager_ContextAndDone(t *testing.T) {
	m := NewShutdownManager(time.Second)
	ctx := m.Context()

	select {
	case <-ctx.Done():
		t.Fatal("context cancelled before shutdown")
	default:
	}

	go m.Shutdown()

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("shutdown never completed")
	}
	if ctx.Err() == nil {
		t.Error("context should be cancelled after shutdown")
	}
}

func TestListenForSignals_Stop(t *testing.T) {
	m := NewShutdownManager(time.Second)
	stop := m.ListenForSignals()
	stop()
	stop()

	select {
	case <-m.Done():
		t.Fatal("stopping the listener must not shut down")
	default:
	}
}

package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeBackend struct {
	idleCalls     atomic.Int32
	shutdownCalls atomic.Int32
}

func (f *fakeBackend) Idle(ctx context.Context) error     { f.idleCalls.Add(1); return nil }
func (f *fakeBackend) Shutdown(ctx context.Context) error { f.shutdownCalls.Add(1); return nil }

func TestSpawn_RunsAndReportsCompletion(t *testing.T) {
	m := NewManager(2, &fakeBackend{})
	m.Spawn(context.Background(), KindExecute, func(ctx context.Context) any {
		return "ok"
	})

	select {
	case c := <-m.Completions():
		if c.Result != "ok" || c.Cancelled || c.Panicked {
			t.Fatalf("unexpected completion: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestSpawn_NewestWinsCancelsPrevious(t *testing.T) {
	m := NewManager(2, &fakeBackend{})
	started := make(chan struct{})
	m.Spawn(context.Background(), KindExecute, func(ctx context.Context) any {
		close(started)
		<-ctx.Done()
		return "first"
	})
	<-started

	m.Spawn(context.Background(), KindExecute, func(ctx context.Context) any {
		return "second"
	})

	first := <-m.Completions()
	second := <-m.Completions()
	if !first.Cancelled {
		t.Fatalf("expected first job cancelled, got %+v", first)
	}
	if second.Cancelled || second.Result != "second" {
		t.Fatalf("expected second job to complete normally, got %+v", second)
	}
}

func TestSpawn_PermitCeilingBlocksThirdJob(t *testing.T) {
	m := NewManager(1, &fakeBackend{})
	release := make(chan struct{})
	m.Spawn(context.Background(), Kind("a"), func(ctx context.Context) any {
		<-release
		return "a"
	})

	secondStarted := make(chan struct{})
	m.Spawn(context.Background(), Kind("b"), func(ctx context.Context) any {
		close(secondStarted)
		return "b"
	})

	select {
	case <-secondStarted:
		t.Fatal("second job started before permit was released")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-m.Completions()
	<-m.Completions()
}

func TestIdle_RejectsWhileJobsOutstanding(t *testing.T) {
	m := NewManager(2, &fakeBackend{})
	block := make(chan struct{})
	m.Spawn(context.Background(), KindExecute, func(ctx context.Context) any {
		<-block
		return nil
	})

	if err := m.Idle(context.Background()); !errors.Is(err, ErrOutstandingIdle) {
		t.Fatalf("expected ErrOutstandingIdle, got %v", err)
	}
	close(block)
	<-m.Completions()

	backend := &fakeBackend{}
	m2 := NewManager(2, backend)
	if err := m2.Idle(context.Background()); err != nil {
		t.Fatalf("expected idle to succeed with empty task set: %v", err)
	}
	if backend.idleCalls.Load() != 1 {
		t.Fatalf("expected backend.Idle called once, got %d", backend.idleCalls.Load())
	}
}

func TestShutdown_AbortsAndTearsDownBackend(t *testing.T) {
	backend := &fakeBackend{}
	m := NewManager(2, backend)
	started := make(chan struct{})
	m.Spawn(context.Background(), KindExecute, func(ctx context.Context) any {
		close(started)
		<-ctx.Done()
		return nil
	})
	<-started

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if backend.shutdownCalls.Load() != 1 {
		t.Fatalf("expected backend.Shutdown called once, got %d", backend.shutdownCalls.Load())
	}
}

func TestSpawn_PanicIsRecoveredAndReported(t *testing.T) {
	m := NewManager(2, &fakeBackend{})
	m.Spawn(context.Background(), KindExecute, func(ctx context.Context) any {
		panic("boom")
	})
	c := <-m.Completions()
	if !c.Panicked || c.PanicVal != "boom" {
		t.Fatalf("expected recovered panic, got %+v", c)
	}
}

package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type flakyTask struct {
	runs    atomic.Int64
	failFor int64
	block   chan struct{}
}

func (f *flakyTask) Name() string { return "flaky" }

func (f *flakyTask) Run(ctx context.Context) error {
	n := f.runs.Add(1)
	if n <= f.failFor {
		return errors.New("boom")
	}
	select {
	case <-ctx.Done():
		return nil
	case <-f.block:
		return nil
	}
}

func TestRestartsWithBackoff(t *testing.T) {
	reg := NewRegistry()
	sup := New(reg)
	task := &flakyTask{failFor: 2, block: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	sup.Go(ctx, &wg, task)

	deadline := time.Now().Add(10 * time.Second)
	for task.runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if task.runs.Load() < 3 {
		t.Fatalf("task not restarted: runs=%d", task.runs.Load())
	}
	cancel()
	wg.Wait()

	infos := reg.Tasks()
	if len(infos) != 1 || infos[0].State != "stopped" {
		t.Fatalf("final registry = %+v", infos)
	}
}

func TestParkAfterRepeatedFailures(t *testing.T) {
	reg := NewRegistry()
	sup := New(reg)
	sup.maxFailures = 2
	sup.failureWindow = time.Minute
	task := &flakyTask{failFor: 1 << 30, block: make(chan struct{})}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	sup.Go(ctx, &wg, task)
	wg.Wait()

	infos := reg.Tasks()
	if infos[0].State != "parked" {
		t.Fatalf("state = %s, want parked", infos[0].State)
	}
}

func TestRegistrySnapshotSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("b")
	reg.Register("a")
	reg.SetState("a", "running")
	reg.Beat("a")
	infos := reg.Tasks()
	if len(infos) != 2 || infos[0].Name != "a" || infos[1].Name != "b" {
		t.Fatalf("snapshot = %+v", infos)
	}
}

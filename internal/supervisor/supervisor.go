// Package supervisor launches the per-symbol tasks and restarts them with
// jittered backoff, keeping the liveness registry the health endpoint reads.
package supervisor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"orderflow/internal/metrics"
	"orderflow/logger"
)

// Task is one supervised long-running unit.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// TaskInfo is the health view of one task.
type TaskInfo struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	LastBeat time.Time `json:"-"`
}

// Registry tracks task states and heartbeats. Safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*TaskInfo
}

func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*TaskInfo)}
}

func (r *Registry) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; !ok {
		r.tasks[name] = &TaskInfo{Name: name, State: "registered", LastBeat: time.Now()}
	}
}

func (r *Registry) SetState(name, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[name]
	if !ok {
		t = &TaskInfo{Name: name}
		r.tasks[name] = t
	}
	t.State = state
	metrics.SetTaskState(name, stateCode(state))
}

func (r *Registry) Beat(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[name]; ok {
		t.LastBeat = time.Now()
	}
}

// Tasks returns a sorted snapshot.
func (r *Registry) Tasks() []TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskInfo, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func stateCode(state string) int {
	switch state {
	case "running", "live":
		return 1
	case "backoff":
		return 2
	case "parked":
		return 3
	default:
		return 0
	}
}

// Supervisor restarts tasks until ctx is done. A task that keeps dying
// immediately is parked and reported instead of hot-looping.
type Supervisor struct {
	reg *Registry
	log *logger.Entry

	// Park after this many consecutive failures inside failureWindow.
	maxFailures   int
	failureWindow time.Duration
}

func New(reg *Registry) *Supervisor {
	return &Supervisor{
		reg:           reg,
		log:           logger.GetLogger().WithComponent("supervisor"),
		maxFailures:   10,
		failureWindow: time.Minute,
	}
}

// Go launches the task under supervision; wg tracks the runner goroutine.
func (s *Supervisor) Go(ctx context.Context, wg *sync.WaitGroup, task Task) {
	s.reg.Register(task.Name())
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run(ctx, task)
	}()
}

func (s *Supervisor) run(ctx context.Context, task Task) {
	log := s.log.WithFields(logger.Fields{"task": task.Name()})
	bo := &backoff.Backoff{Min: time.Second, Max: 30 * time.Second, Jitter: true}
	var failures []time.Time

	for {
		if ctx.Err() != nil {
			s.reg.SetState(task.Name(), "stopped")
			return
		}
		s.reg.SetState(task.Name(), "running")
		s.reg.Beat(task.Name())
		started := time.Now()
		err := task.Run(ctx)
		if ctx.Err() != nil {
			s.reg.SetState(task.Name(), "stopped")
			return
		}
		if err != nil {
			log.WithError(err).Error("task exited")
		} else {
			log.Warn("task exited without error, restarting")
		}

		// A long healthy run resets the failure budget.
		if time.Since(started) > s.failureWindow {
			failures = failures[:0]
			bo.Reset()
		}
		now := time.Now()
		cutoff := now.Add(-s.failureWindow)
		kept := failures[:0]
		for _, f := range failures {
			if f.After(cutoff) {
				kept = append(kept, f)
			}
		}
		failures = append(kept, now)
		if len(failures) > s.maxFailures {
			s.reg.SetState(task.Name(), "parked")
			log.Error("task parked after repeated failures")
			return
		}

		s.reg.SetState(task.Name(), "backoff")
		select {
		case <-ctx.Done():
			s.reg.SetState(task.Name(), "stopped")
			return
		case <-time.After(bo.Duration()):
		}
	}
}

// WorkerTask adapts a bare run function to the Task interface.
type WorkerTask struct {
	TaskName string
	RunFunc  func(ctx context.Context) error
}

func (w *WorkerTask) Name() string                  { return w.TaskName }
func (w *WorkerTask) Run(ctx context.Context) error { return w.RunFunc(ctx) }

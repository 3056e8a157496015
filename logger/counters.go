package logger

import (
	"sync"
	"sync/atomic"
)

// Per-component error and warning tallies, bumped by Entry.Error and
// Entry.Warn and read through ErrorCounts and WarnCounts. They are not
// exported as Prometheus metrics.
var (
	errCounts  sync.Map // map[string]*int64
	warnCounts sync.Map // map[string]*int64
)

func bump(m *sync.Map, component string) {
	v, ok := m.Load(component)
	if !ok {
		v, _ = m.LoadOrStore(component, new(int64))
	}
	atomic.AddInt64(v.(*int64), 1)
}

func recordError(component string) { bump(&errCounts, component) }
func recordWarn(component string)  { bump(&warnCounts, component) }

// ErrorCounts returns a snapshot of error totals keyed by component.
func ErrorCounts() map[string]int64 { return snapshot(&errCounts) }

// WarnCounts returns a snapshot of warning totals keyed by component.
func WarnCounts() map[string]int64 { return snapshot(&warnCounts) }

func snapshot(m *sync.Map) map[string]int64 {
	out := make(map[string]int64)
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

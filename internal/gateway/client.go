package gateway

import (
	"sync"

	"orderflow/internal/metrics"
)

// frame is one outbound websocket message.
type frame struct {
	isDOM bool
	data  []byte
}

// sendQueue is the bounded per-client queue. When full, the oldest non-DOM
// frames are dropped down to the low-water mark and counted. DOM snapshots
// are never dropped; the newest one supersedes an older queued one.
type sendQueue struct {
	mu       sync.Mutex
	frames   []frame
	capacity int
	lowWater int
	client   string
	closed   bool
	wake     chan struct{}
	drops    int64
}

func newSendQueue(capacity, lowWater int, client string) *sendQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	if lowWater <= 0 || lowWater >= capacity {
		lowWater = capacity * 3 / 4
	}
	return &sendQueue{
		capacity: capacity,
		lowWater: lowWater,
		client:   client,
		wake:     make(chan struct{}, 1),
	}
}

// push enqueues a frame, applying the backpressure policy.
func (q *sendQueue) push(f frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if f.isDOM {
		// Newest snapshot supersedes any queued one.
		for i := range q.frames {
			if q.frames[i].isDOM {
				q.frames = append(q.frames[:i], q.frames[i+1:]...)
				break
			}
		}
	}
	q.frames = append(q.frames, f)
	if len(q.frames) > q.capacity {
		q.shed()
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// shed drops oldest non-DOM frames until the low-water mark. Called with
// the lock held.
func (q *sendQueue) shed() {
	kept := make([]frame, 0, len(q.frames))
	toDrop := len(q.frames) - q.lowWater
	for _, f := range q.frames {
		if toDrop > 0 && !f.isDOM {
			toDrop--
			q.drops++
			metrics.IncQueueDrop(q.client)
			continue
		}
		kept = append(kept, f)
	}
	q.frames = kept
}

// pop removes the head frame; ok is false when the queue is empty.
func (q *sendQueue) pop() (frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return frame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *sendQueue) dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}

// close unblocks the writer; pending frames are discarded.
func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

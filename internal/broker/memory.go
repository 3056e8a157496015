package broker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Broker used by unit tests and by single-binary
// smoke runs without a Redis. Semantics mirror the Redis implementation:
// approximate trim, per-group offsets, at-least-once redelivery is NOT
// modeled (acks simply advance nothing; groups track a read cursor).
type Memory struct {
	mu      sync.Mutex
	streams map[string][]Message
	nextID  map[string]int64
	cursors map[string]int // "stream|group" -> next index
	kv      map[string]memEntry
	subs    map[string][]chan Message
	closed  bool
}

type memEntry struct {
	rec     Record
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{
		streams: make(map[string][]Message),
		nextID:  make(map[string]int64),
		cursors: make(map[string]int),
		kv:      make(map[string]memEntry),
		subs:    make(map[string][]chan Message),
	}
}

func (m *Memory) StreamAppend(_ context.Context, stream string, rec Record, maxLen int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID[stream]++
	id := strconv.FormatInt(m.nextID[stream], 10) + "-0"
	msgs := append(m.streams[stream], Message{Stream: stream, ID: id, Record: rec})
	if maxLen > 0 && int64(len(msgs)) > maxLen {
		drop := int64(len(msgs)) - maxLen
		msgs = msgs[drop:]
		for key, idx := range m.cursors {
			if strings.HasPrefix(key, stream+"|") {
				if idx -= int(drop); idx < 0 {
					idx = 0
				}
				m.cursors[key] = idx
			}
		}
	}
	m.streams[stream] = msgs
	return id, nil
}

func (m *Memory) StreamRange(_ context.Context, stream, from, to string, limit int64) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.streams[stream] {
		if from != "" && from != "-" && idLess(msg.ID, from) {
			continue
		}
		if to != "" && to != "+" && idLess(to, msg.ID) {
			continue
		}
		out = append(out, msg)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) StreamRevRange(_ context.Context, stream string, limit int64) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.streams[stream]
	if limit <= 0 || limit > int64(len(msgs)) {
		limit = int64(len(msgs))
	}
	out := make([]Message, 0, limit)
	for i := len(msgs) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}

func (m *Memory) EnsureGroup(_ context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stream + "|" + group
	if _, ok := m.cursors[key]; !ok {
		// Group starts at the stream head, like XGROUP CREATE ... $.
		m.cursors[key] = len(m.streams[stream])
	}
	return nil
}

func (m *Memory) ReadGroup(ctx context.Context, group, _ string, streams []string, block time.Duration, count int64) ([]Message, error) {
	deadline := time.Now().Add(block)
	for {
		m.mu.Lock()
		var out []Message
		for _, stream := range streams {
			key := stream + "|" + group
			idx := m.cursors[key]
			msgs := m.streams[stream]
			for idx < len(msgs) {
				out = append(out, msgs[idx])
				idx++
				if count > 0 && int64(len(out)) >= count {
					break
				}
			}
			m.cursors[key] = idx
			if count > 0 && int64(len(out)) >= count {
				break
			}
		}
		m.mu.Unlock()
		if len(out) > 0 {
			return out, nil
		}
		if block <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Memory) Ack(context.Context, string, string, ...string) error { return nil }

func (m *Memory) Publish(_ context.Context, channel string, rec Record) error {
	m.mu.Lock()
	subs := append([]chan Message(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- Message{Stream: channel, Record: rec}:
		default: // slow subscriber, drop
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error) {
	ch := make(chan Message, 256)
	m.mu.Lock()
	for _, c := range channels {
		m.subs[c] = append(m.subs[c], ch)
	}
	m.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			for _, c := range channels {
				subs := m.subs[c]
				for i, s := range subs {
					if s == ch {
						m.subs[c] = append(subs[:i], subs[i+1:]...)
						break
					}
				}
			}
			m.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ch, stop, nil
}

func (m *Memory) KVSet(_ context.Context, key string, rec Record, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{rec: rec}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.kv[key] = e
	return nil
}

func (m *Memory) KVGet(_ context.Context, key string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok {
		return Record{}, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.kv, key)
		return Record{}, false, nil
	}
	return e.rec, true, nil
}

func (m *Memory) Close() error { return nil }

// idLess compares two "seq-0" stream ids numerically.
func idLess(a, b string) bool {
	pa := strings.SplitN(a, "-", 2)
	pb := strings.SplitN(b, "-", 2)
	na, _ := strconv.ParseInt(pa[0], 10, 64)
	nb, _ := strconv.ParseInt(pb[0], 10, 64)
	if na != nb {
		return na < nb
	}
	return len(pa) > 1 && len(pb) > 1 && pa[1] < pb[1]
}

var _ Broker = (*Memory)(nil)
var _ Broker = (*Redis)(nil)

// Package broker abstracts the stream/cache broker: append-with-trim
// streams, range reads, consumer-group reads with acks, pub/sub fan-out and
// TTL'd key/value. The Redis implementation is the production one; an
// in-memory implementation backs unit tests.
package broker

import (
	"context"
	"time"
)

// Record is the self-describing unit stored on streams, channels and keys.
// Kind discriminates the payload type; Payload is its JSON encoding.
// The hot store rejects kinds it does not know with an error; the analytics
// workers skip records of kinds they do not handle without decoding them.
type Record struct {
	Kind    string `json:"kind"`
	Payload []byte `json:"payload"`
}

// Message is a record read back from a stream or channel.
type Message struct {
	Stream string
	ID     string
	Record Record
}

// Broker is safe for concurrent use. All operations return a transport-kind
// error when the broker is unreachable; callers retry with backoff.
type Broker interface {
	// StreamAppend appends one record and asynchronously trims the stream
	// to approximately maxLen entries. Returns the broker-assigned id,
	// monotonically increasing within the stream.
	StreamAppend(ctx context.Context, stream string, rec Record, maxLen int64) (string, error)

	// StreamRange reads [from, to] oldest-first, at most limit entries.
	// "-" and "+" bound the full stream.
	StreamRange(ctx context.Context, stream, from, to string, limit int64) ([]Message, error)

	// StreamRevRange reads the newest limit entries, newest first.
	StreamRevRange(ctx context.Context, stream string, limit int64) ([]Message, error)

	// EnsureGroup creates the consumer group at the stream head if it does
	// not already exist, creating the stream as needed.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup blocks up to block for new messages on any of the streams,
	// tracked per group/consumer. A nil slice means the block timed out.
	ReadGroup(ctx context.Context, group, consumer string, streams []string, block time.Duration, count int64) ([]Message, error)

	// Ack commits the ids for the group on the stream.
	Ack(ctx context.Context, stream, group string, ids ...string) error

	// Publish fans the record out to current subscribers of channel.
	Publish(ctx context.Context, channel string, rec Record) error

	// Subscribe tails the channels until ctx is done or stop is called.
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error)

	// KVSet stores the record under key with a TTL.
	KVSet(ctx context.Context, key string, rec Record, ttl time.Duration) error

	// KVGet loads the record under key; ok is false when the key is absent
	// or expired.
	KVGet(ctx context.Context, key string) (Record, bool, error)

	Close() error
}

package broker

import (
	"context"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"orderflow/internal/errs"
)

const (
	fieldKind    = "kind"
	fieldPayload = "payload"
)

// Redis implements Broker on a Redis server reached via BROKER_URL.
type Redis struct {
	client *redis.Client
}

// NewRedis parses a redis:// URL and pings the server once.
func NewRedis(ctx context.Context, url string, dialTimeout time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, err, "broker url %q", url)
	}
	opts.DialTimeout = dialTimeout
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errs.Wrap(errs.KindTransport, err, "broker ping")
	}
	return &Redis{client: client}, nil
}

func (r *Redis) StreamAppend(ctx context.Context, stream string, rec Record, maxLen int64) (string, error) {
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{fieldKind: rec.Kind, fieldPayload: string(rec.Payload)},
	}).Result()
	if err != nil {
		return "", errs.Wrap(errs.KindTransport, err, "xadd %s", stream)
	}
	return id, nil
}

func (r *Redis) StreamRange(ctx context.Context, stream, from, to string, limit int64) ([]Message, error) {
	if from == "" {
		from = "-"
	}
	if to == "" {
		to = "+"
	}
	var entries []redis.XMessage
	var err error
	if limit > 0 {
		entries, err = r.client.XRangeN(ctx, stream, from, to, limit).Result()
	} else {
		entries, err = r.client.XRange(ctx, stream, from, to).Result()
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "xrange %s", stream)
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, Message{Stream: stream, ID: e.ID, Record: recordFromValues(e.Values)})
	}
	return out, nil
}

func (r *Redis) StreamRevRange(ctx context.Context, stream string, limit int64) ([]Message, error) {
	entries, err := r.client.XRevRangeN(ctx, stream, "+", "-", limit).Result()
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "xrevrange %s", stream)
	}
	out := make([]Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, Message{Stream: stream, ID: e.ID, Record: recordFromValues(e.Values)})
	}
	return out, nil
}

func (r *Redis) EnsureGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errs.Wrap(errs.KindTransport, err, "xgroup create %s/%s", stream, group)
	}
	return nil
}

func (r *Redis) ReadGroup(ctx context.Context, group, consumer string, streams []string, block time.Duration, count int64) ([]Message, error) {
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Block:    block,
		Count:    count,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errs.Wrap(errs.KindTransport, err, "xreadgroup %s", group)
	}
	var out []Message
	for _, s := range res {
		for _, e := range s.Messages {
			out = append(out, Message{Stream: s.Stream, ID: e.ID, Record: recordFromValues(e.Values)})
		}
	}
	return out, nil
}

func (r *Redis) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return errs.Wrap(errs.KindTransport, err, "xack %s", stream)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel string, rec Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.KindProtocol, err, "encode publish record")
	}
	if err := r.client.Publish(ctx, channel, buf).Err(); err != nil {
		return errs.Wrap(errs.KindTransport, err, "publish %s", channel)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func(), error) {
	sub := r.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, errs.Wrap(errs.KindTransport, err, "subscribe %v", channels)
	}
	out := make(chan Message, 256)
	go func() {
		defer close(out)
		src := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-src:
				if !ok {
					return
				}
				var rec Record
				if err := json.Unmarshal([]byte(m.Payload), &rec); err != nil {
					continue
				}
				select {
				case out <- Message{Stream: m.Channel, Record: rec}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	stop := func() { _ = sub.Close() }
	return out, stop, nil
}

func (r *Redis) KVSet(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return errs.Wrap(errs.KindProtocol, err, "encode kv record")
	}
	if err := r.client.Set(ctx, key, buf, ttl).Err(); err != nil {
		return errs.Wrap(errs.KindTransport, err, "set %s", key)
	}
	return nil
}

func (r *Redis) KVGet(ctx context.Context, key string) (Record, bool, error) {
	raw, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errs.Wrap(errs.KindTransport, err, "get %s", key)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, false, errs.Wrap(errs.KindProtocol, err, "decode kv %s", key)
	}
	return rec, true, nil
}

func (r *Redis) Close() error { return r.client.Close() }

func recordFromValues(values map[string]any) Record {
	rec := Record{}
	if k, ok := values[fieldKind].(string); ok {
		rec.Kind = k
	}
	if p, ok := values[fieldPayload].(string); ok {
		rec.Payload = []byte(p)
	}
	return rec
}

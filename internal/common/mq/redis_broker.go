package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout per queue, all under one hash tag so a cluster keeps them on one slot:
//
//	cq:{name}:ready       LIST  ids waiting for delivery (LPUSH in, RPOP out)
//	cq:{name}:inflight    ZSET  id -> visibility deadline in unix ms
//	cq:{name}:body        HASH  id -> encoded Message
//	cq:{name}:deliveries  HASH  id -> delivery count
//	cq:{name}:dead        LIST  dead-lettered ids
type queueKeys struct {
	ready, inflight, body, deliveries, dead string
}

func keysFor(queue string) queueKeys {
	prefix := "cq:{" + queue + "}:"
	return queueKeys{
		ready:      prefix + "ready",
		inflight:   prefix + "inflight",
		body:       prefix + "body",
		deliveries: prefix + "deliveries",
		dead:       prefix + "dead",
	}
}

var enqueueScript = redis.NewScript(`
if redis.call("HSETNX", KEYS[2], ARGV[1], ARGV[2]) == 0 then
	return 0
end
redis.call("HSET", KEYS[3], ARGV[1], 0)
redis.call("LPUSH", KEYS[1], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local id = redis.call("RPOP", KEYS[1])
if not id then
	return false
end
local n = redis.call("HINCRBY", KEYS[4], id, 1)
redis.call("ZADD", KEYS[2], tonumber(ARGV[1]), id)
local body = redis.call("HGET", KEYS[3], id) or ""
return {id, body, n}
`)

var ackScript = redis.NewScript(`
if redis.call("HGET", KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
return 1
`)

var nackScript = redis.NewScript(`
if redis.call("HGET", KEYS[3], ARGV[1]) ~= ARGV[2] then
	return -1
end
if redis.call("ZREM", KEYS[2], ARGV[1]) == 0 then
	return -1
end
if tonumber(ARGV[2]) >= tonumber(ARGV[3]) then
	redis.call("LPUSH", KEYS[4], ARGV[1])
	return 1
end
redis.call("LPUSH", KEYS[1], ARGV[1])
return 0
`)

// RPUSH puts the released id next in line for RPOP.
var releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[3], ARGV[1]) ~= ARGV[2] then
	return 0
end
if redis.call("ZREM", KEYS[2], ARGV[1]) == 0 then
	return 0
end
redis.call("HINCRBY", KEYS[3], ARGV[1], -1)
redis.call("RPUSH", KEYS[1], ARGV[1])
return 1
`)

var extendScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
	return 0
end
if not redis.call("ZSCORE", KEYS[1], ARGV[1]) then
	return 0
end
redis.call("ZADD", KEYS[1], tonumber(ARGV[3]), ARGV[1])
return 1
`)

var reclaimScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
local dead = {}
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[2], id)
	local n = tonumber(redis.call("HGET", KEYS[3], id) or "0")
	if n >= tonumber(ARGV[2]) then
		redis.call("LPUSH", KEYS[4], id)
		table.insert(dead, id)
	else
		redis.call("LPUSH", KEYS[1], id)
	end
end
return dead
`)

// RedisBrokerOptions tunes polling behaviour.
type RedisBrokerOptions struct {
	// PollInterval bounds how long Dequeue sleeps between empty polls.
	PollInterval time.Duration
	// Now overrides the clock used for visibility deadlines.
	Now func() time.Time
}

// RedisBroker implements Broker on Redis lists, sorted sets and Lua scripts.
type RedisBroker struct {
	client       redis.UniversalClient
	pollInterval time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	queues map[string]QueueSpec
}

// NewRedisBroker creates a broker over an existing client.
func NewRedisBroker(client redis.UniversalClient, opts RedisBrokerOptions) (*RedisBroker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RedisBroker{
		client:       client,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		queues:       make(map[string]QueueSpec),
	}, nil
}

// DeclareQueue registers a queue spec with this broker instance.
func (b *RedisBroker) DeclareQueue(ctx context.Context, spec QueueSpec) error {
	if spec.Name == "" {
		return errors.New("queue name is required")
	}
	spec.setDefaults()
	b.mu.Lock()
	b.queues[spec.Name] = spec
	b.mu.Unlock()
	return nil
}

func (b *RedisBroker) spec(queue string) (QueueSpec, error) {
	b.mu.RLock()
	spec, ok := b.queues[queue]
	b.mu.RUnlock()
	if !ok {
		return QueueSpec{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	return spec, nil
}

// Enqueue adds a message to the ready list.
func (b *RedisBroker) Enqueue(ctx context.Context, queue string, message *Message) error {
	if message == nil || message.ID == "" {
		return errors.New("message with id is required")
	}
	if _, err := b.spec(queue); err != nil {
		return err
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message failed: %w", err)
	}
	k := keysFor(queue)
	if err := enqueueScript.Run(ctx, b.client, []string{k.ready, k.body, k.deliveries}, message.ID, payload).Err(); err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	return nil
}

// Dequeue polls the ready list until a message arrives, wait elapses, or ctx ends.
func (b *RedisBroker) Dequeue(ctx context.Context, queue string, wait time.Duration) (*Delivery, error) {
	spec, err := b.spec(queue)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(wait)
	for {
		delivery, err := b.tryDequeue(ctx, spec)
		if err != nil || delivery != nil {
			return delivery, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNoMessage
		}
		sleep := b.pollInterval
		if remaining < sleep {
			sleep = remaining
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *RedisBroker) tryDequeue(ctx context.Context, spec QueueSpec) (*Delivery, error) {
	k := keysFor(spec.Name)
	visibleAt := b.now().Add(spec.VisibilityTimeout).UnixMilli()
	res, err := dequeueScript.Run(ctx, b.client,
		[]string{k.ready, k.inflight, k.body, k.deliveries}, visibleAt).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue failed: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("dequeue returned %d values", len(res))
	}
	id, _ := res[0].(string)
	raw, _ := res[1].(string)
	attempt, _ := res[2].(int64)

	message := &Message{ID: id}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), message); err != nil {
			return nil, fmt.Errorf("decode message %s failed: %w", id, err)
		}
	}
	return &Delivery{Queue: spec.Name, Message: message, Attempt: int(attempt)}, nil
}

// Ack removes a delivered message. Acking a stale delivery returns ErrStaleDelivery.
func (b *RedisBroker) Ack(ctx context.Context, delivery *Delivery) error {
	if delivery == nil || delivery.Message == nil {
		return errors.New("delivery is required")
	}
	k := keysFor(delivery.Queue)
	n, err := ackScript.Run(ctx, b.client, []string{k.inflight, k.body, k.deliveries},
		delivery.Message.ID, strconv.Itoa(delivery.Attempt)).Int()
	if err != nil {
		return fmt.Errorf("ack failed: %w", err)
	}
	if n == 0 {
		return ErrStaleDelivery
	}
	return nil
}

// Nack makes the message visible again or dead-letters it.
func (b *RedisBroker) Nack(ctx context.Context, delivery *Delivery) (bool, error) {
	if delivery == nil || delivery.Message == nil {
		return false, errors.New("delivery is required")
	}
	spec, err := b.spec(delivery.Queue)
	if err != nil {
		return false, err
	}
	k := keysFor(delivery.Queue)
	n, err := nackScript.Run(ctx, b.client, []string{k.ready, k.inflight, k.deliveries, k.dead},
		delivery.Message.ID, strconv.Itoa(delivery.Attempt), spec.MaxDeliveries).Int()
	if err != nil {
		return false, fmt.Errorf("nack failed: %w", err)
	}
	switch n {
	case -1:
		return false, ErrStaleDelivery
	case 1:
		return true, nil
	default:
		return false, nil
	}
}

// Release puts an in-flight delivery back at the head of the ready list and
// uncounts it.
func (b *RedisBroker) Release(ctx context.Context, delivery *Delivery) error {
	if delivery == nil || delivery.Message == nil {
		return errors.New("delivery is required")
	}
	if _, err := b.spec(delivery.Queue); err != nil {
		return err
	}
	k := keysFor(delivery.Queue)
	n, err := releaseScript.Run(ctx, b.client, []string{k.ready, k.inflight, k.deliveries},
		delivery.Message.ID, strconv.Itoa(delivery.Attempt)).Int()
	if err != nil {
		return fmt.Errorf("release failed: %w", err)
	}
	if n == 0 {
		return ErrStaleDelivery
	}
	return nil
}

// Extend renews the visibility deadline of a delivery still in flight.
func (b *RedisBroker) Extend(ctx context.Context, delivery *Delivery) error {
	if delivery == nil || delivery.Message == nil {
		return errors.New("delivery is required")
	}
	spec, err := b.spec(delivery.Queue)
	if err != nil {
		return err
	}
	k := keysFor(delivery.Queue)
	visibleAt := b.now().Add(spec.VisibilityTimeout).UnixMilli()
	n, err := extendScript.Run(ctx, b.client, []string{k.inflight, k.deliveries},
		delivery.Message.ID, strconv.Itoa(delivery.Attempt), visibleAt).Int()
	if err != nil {
		return fmt.Errorf("extend failed: %w", err)
	}
	if n == 0 {
		return ErrStaleDelivery
	}
	return nil
}

// Reclaim requeues lapsed deliveries and returns the ones that were dead-lettered.
func (b *RedisBroker) Reclaim(ctx context.Context, queue string) ([]*Message, error) {
	spec, err := b.spec(queue)
	if err != nil {
		return nil, err
	}
	k := keysFor(queue)
	ids, err := reclaimScript.Run(ctx, b.client, []string{k.ready, k.inflight, k.deliveries, k.dead},
		b.now().UnixMilli(), spec.MaxDeliveries).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("reclaim failed: %w", err)
	}
	return b.loadMessages(ctx, k, ids)
}

// Stats reports list and set sizes for a queue.
func (b *RedisBroker) Stats(ctx context.Context, queue string) (QueueStats, error) {
	spec, err := b.spec(queue)
	if err != nil {
		return QueueStats{}, err
	}
	k := keysFor(queue)
	pipe := b.client.Pipeline()
	ready := pipe.LLen(ctx, k.ready)
	inflight := pipe.ZCard(ctx, k.inflight)
	dead := pipe.LLen(ctx, k.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueStats{}, fmt.Errorf("queue stats failed: %w", err)
	}
	return QueueStats{
		Queue:      queue,
		DeadLetter: spec.DeadLetter,
		Ready:      ready.Val(),
		InFlight:   inflight.Val(),
		Dead:       dead.Val(),
	}, nil
}

// DeadLetters returns the oldest dead-lettered messages.
func (b *RedisBroker) DeadLetters(ctx context.Context, queue string, limit int) ([]*Message, error) {
	if _, err := b.spec(queue); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	k := keysFor(queue)
	ids, err := b.client.LRange(ctx, k.dead, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters failed: %w", err)
	}
	// LPUSH puts the newest at the head, so reverse for oldest first.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return b.loadMessages(ctx, k, ids)
}

func (b *RedisBroker) loadMessages(ctx context.Context, k queueKeys, ids []string) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := b.client.HMGet(ctx, k.body, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load message bodies failed: %w", err)
	}
	out := make([]*Message, 0, len(ids))
	for i, id := range ids {
		message := &Message{ID: id}
		if raw, ok := raws[i].(string); ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), message); err != nil {
				return nil, fmt.Errorf("decode message %s failed: %w", id, err)
			}
		}
		out = append(out, message)
	}
	return out, nil
}

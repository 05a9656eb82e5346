package mq

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker with the same delivery rules as RedisBroker.
// It backs local runs and tests.
type MemoryBroker struct {
	mu     sync.Mutex
	now    func() time.Time
	queues map[string]*memoryQueue
}

type memoryQueue struct {
	spec       QueueSpec
	ready      *list.List // of message ids, front is next
	inflight   map[string]time.Time
	bodies     map[string]*Message
	deliveries map[string]int
	dead       []string
	signal     chan struct{}
}

// NewMemoryBroker creates an empty broker. A nil now uses time.Now.
func NewMemoryBroker(now func() time.Time) *MemoryBroker {
	if now == nil {
		now = time.Now
	}
	return &MemoryBroker{now: now, queues: make(map[string]*memoryQueue)}
}

func (b *MemoryBroker) DeclareQueue(ctx context.Context, spec QueueSpec) error {
	if spec.Name == "" {
		return errors.New("queue name is required")
	}
	spec.setDefaults()
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[spec.Name]; ok {
		q.spec = spec
		return nil
	}
	b.queues[spec.Name] = &memoryQueue{
		spec:       spec,
		ready:      list.New(),
		inflight:   make(map[string]time.Time),
		bodies:     make(map[string]*Message),
		deliveries: make(map[string]int),
		signal:     make(chan struct{}, 1),
	}
	return nil
}

// queue must be called with b.mu held.
func (b *MemoryBroker) queue(name string) (*memoryQueue, error) {
	q, ok := b.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

func (b *MemoryBroker) Enqueue(ctx context.Context, queue string, message *Message) error {
	if message == nil || message.ID == "" {
		return errors.New("message with id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queue(queue)
	if err != nil {
		return err
	}
	if _, exists := q.bodies[message.ID]; exists {
		return nil
	}
	copied := *message
	q.bodies[message.ID] = &copied
	q.deliveries[message.ID] = 0
	q.ready.PushBack(message.ID)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context, queue string, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		b.mu.Lock()
		q, err := b.queue(queue)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if front := q.ready.Front(); front != nil {
			id := q.ready.Remove(front).(string)
			q.deliveries[id]++
			q.inflight[id] = b.now().Add(q.spec.VisibilityTimeout)
			copied := *q.bodies[id]
			delivery := &Delivery{Queue: queue, Message: &copied, Attempt: q.deliveries[id]}
			b.mu.Unlock()
			return delivery, nil
		}
		signal := q.signal
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNoMessage
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// settle checks that delivery is the current in-flight receipt and removes it from flight.
func (b *MemoryBroker) settle(delivery *Delivery) (*memoryQueue, error) {
	if delivery == nil || delivery.Message == nil {
		return nil, errors.New("delivery is required")
	}
	q, err := b.queue(delivery.Queue)
	if err != nil {
		return nil, err
	}
	id := delivery.Message.ID
	if _, ok := q.inflight[id]; !ok || q.deliveries[id] != delivery.Attempt {
		return nil, ErrStaleDelivery
	}
	delete(q.inflight, id)
	return q, nil
}

func (b *MemoryBroker) Ack(ctx context.Context, delivery *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.settle(delivery)
	if err != nil {
		return err
	}
	delete(q.bodies, delivery.Message.ID)
	delete(q.deliveries, delivery.Message.ID)
	return nil
}

func (b *MemoryBroker) Nack(ctx context.Context, delivery *Delivery) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.settle(delivery)
	if err != nil {
		return false, err
	}
	return q.requeue(delivery.Message.ID), nil
}

// requeue returns true when the message was dead-lettered instead.
func (q *memoryQueue) requeue(id string) bool {
	if q.deliveries[id] >= q.spec.MaxDeliveries {
		q.dead = append(q.dead, id)
		return true
	}
	q.ready.PushBack(id)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return false
}

func (b *MemoryBroker) Release(ctx context.Context, delivery *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.settle(delivery)
	if err != nil {
		return err
	}
	id := delivery.Message.ID
	q.deliveries[id]--
	q.ready.PushFront(id)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (b *MemoryBroker) Extend(ctx context.Context, delivery *Delivery) error {
	if delivery == nil || delivery.Message == nil {
		return errors.New("delivery is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queue(delivery.Queue)
	if err != nil {
		return err
	}
	id := delivery.Message.ID
	if _, ok := q.inflight[id]; !ok || q.deliveries[id] != delivery.Attempt {
		return ErrStaleDelivery
	}
	q.inflight[id] = b.now().Add(q.spec.VisibilityTimeout)
	return nil
}

func (b *MemoryBroker) Reclaim(ctx context.Context, queue string) ([]*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}
	now := b.now()
	var dead []*Message
	for id, visibleAt := range q.inflight {
		if visibleAt.After(now) {
			continue
		}
		delete(q.inflight, id)
		if q.requeue(id) {
			copied := *q.bodies[id]
			dead = append(dead, &copied)
		}
	}
	return dead, nil
}

func (b *MemoryBroker) Stats(ctx context.Context, queue string) (QueueStats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queue(queue)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{
		Queue:      queue,
		DeadLetter: q.spec.DeadLetter,
		Ready:      int64(q.ready.Len()),
		InFlight:   int64(len(q.inflight)),
		Dead:       int64(len(q.dead)),
	}, nil
}

func (b *MemoryBroker) DeadLetters(ctx context.Context, queue string, limit int) ([]*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.queue(queue)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	ids := q.dead
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		copied := *q.bodies[id]
		out = append(out, &copied)
	}
	return out, nil
}

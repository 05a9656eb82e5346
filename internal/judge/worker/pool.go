// Package worker runs per-language consumers over a broker queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"codecompete/internal/common/mq"
	"codecompete/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultPollWait          = 5 * time.Second
	defaultHeartbeatInterval = 30 * time.Second
	defaultReclaimInterval   = 10 * time.Second
	settleTimeout            = 5 * time.Second
	errorBackoff             = 200 * time.Millisecond
)

// Processor handles one delivery. Returning nil acks it; an error nacks it for redelivery.
type Processor func(ctx context.Context, delivery *mq.Delivery) error

// DeadLetterHandler is told about every message that exhausted its deliveries.
type DeadLetterHandler func(ctx context.Context, queue string, message *mq.Message)

// Config configures a Pool.
type Config struct {
	Name       string
	Broker     mq.Broker
	Queue      string
	Processor  Processor
	DeadLetter DeadLetterHandler

	Size    int
	MinSize int
	MaxSize int

	// PollWait bounds each long poll.
	PollWait time.Duration
	// HeartbeatInterval is how often an in-flight delivery's visibility is extended.
	// It must be shorter than the queue's visibility timeout.
	HeartbeatInterval time.Duration
	// ReclaimInterval is how often lapsed deliveries are swept back or dead-lettered.
	ReclaimInterval time.Duration
}

// Pool is a resizable set of goroutines consuming one queue.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers []context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPool validates cfg and creates a stopped pool.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Queue
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = 1
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = cfg.MinSize
	}
	cfg.Size = clamp(cfg.Size, cfg.MinSize, cfg.MaxSize)
	if cfg.PollWait <= 0 {
		cfg.PollWait = defaultPollWait
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = defaultReclaimInterval
	}
	return &Pool{cfg: cfg}, nil
}

// Name identifies the pool in logs and scaling decisions.
func (p *Pool) Name() string {
	return p.cfg.Name
}

// Queue is the consumed queue.
func (p *Pool) Queue() string {
	return p.cfg.Queue
}

// Start launches the configured number of workers and the reclaim loop.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Size; i++ {
		p.spawnLocked()
	}
	p.wg.Add(1)
	go p.reclaimLoop()
	logger.Info(p.ctx, "worker pool started",
		zap.String("pool", p.cfg.Name),
		zap.String("queue", p.cfg.Queue),
		zap.Int("size", p.cfg.Size),
	)
}

// Stop cancels every worker and waits for in-flight deliveries to settle.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.workers = nil
	p.started = false
	p.mu.Unlock()
	p.wg.Wait()
}

// Size is the number of running workers, or the configured size before Start.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return p.cfg.Size
	}
	return len(p.workers)
}

// Bounds returns the pool's size limits.
func (p *Pool) Bounds() (minSize, maxSize int) {
	return p.cfg.MinSize, p.cfg.MaxSize
}

// Resize moves the pool towards n workers within its bounds and returns the new size.
// Removed workers finish the delivery they hold before exiting.
func (p *Pool) Resize(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n = clamp(n, p.cfg.MinSize, p.cfg.MaxSize)
	if !p.started {
		p.cfg.Size = n
		return n
	}
	for len(p.workers) < n {
		p.spawnLocked()
	}
	for len(p.workers) > n {
		last := len(p.workers) - 1
		p.workers[last]()
		p.workers = p.workers[:last]
	}
	return n
}

func (p *Pool) spawnLocked() {
	wctx, stop := context.WithCancel(p.ctx)
	p.workers = append(p.workers, stop)
	p.wg.Add(1)
	go p.run(wctx)
}

func (p *Pool) run(wctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-wctx.Done():
			return
		default:
		}
		delivery, err := p.cfg.Broker.Dequeue(wctx, p.cfg.Queue, p.cfg.PollWait)
		if err != nil {
			if errors.Is(err, mq.ErrNoMessage) {
				continue
			}
			if wctx.Err() != nil {
				return
			}
			logger.Warn(p.ctx, "dequeue failed", zap.String("queue", p.cfg.Queue), zap.Error(err))
			sleep(wctx, errorBackoff)
			continue
		}
		// Process under the pool context so a shrink lets the current delivery finish.
		p.handle(p.ctx, delivery)
	}
}

func (p *Pool) handle(ctx context.Context, delivery *mq.Delivery) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		p.heartbeat(hbCtx, delivery)
	}()

	err := p.process(ctx, delivery)
	stopHeartbeat()
	hbWG.Wait()

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	fields := []zap.Field{
		zap.String("queue", delivery.Queue),
		zap.String("message_id", delivery.Message.ID),
		zap.Int("attempt", delivery.Attempt),
	}
	if err == nil {
		if ackErr := p.cfg.Broker.Ack(settleCtx, delivery); ackErr != nil {
			logger.Warn(settleCtx, "ack failed", append(fields, zap.Error(ackErr))...)
		}
		return
	}

	if p.ctx.Err() != nil {
		// Interrupted by Stop: the attempt does not count against the message.
		if relErr := p.cfg.Broker.Release(settleCtx, delivery); relErr != nil {
			logger.Warn(settleCtx, "release on shutdown failed", append(fields, zap.Error(relErr))...)
		}
		return
	}

	logger.Warn(settleCtx, "processing failed, returning message", append(fields, zap.Error(err))...)
	dead, nackErr := p.cfg.Broker.Nack(settleCtx, delivery)
	if nackErr != nil {
		logger.Warn(settleCtx, "nack failed", append(fields, zap.Error(nackErr))...)
		return
	}
	if dead {
		p.deadLettered(settleCtx, delivery.Message)
	}
}

func (p *Pool) process(ctx context.Context, delivery *mq.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.cfg.Processor(ctx, delivery)
}

func (p *Pool) heartbeat(ctx context.Context, delivery *mq.Delivery) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.cfg.Broker.Extend(ctx, delivery)
			if errors.Is(err, mq.ErrStaleDelivery) {
				logger.Warn(ctx, "delivery lapsed while processing",
					zap.String("queue", delivery.Queue),
					zap.String("message_id", delivery.Message.ID),
				)
				return
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn(ctx, "extend visibility failed", zap.Error(err))
			}
		}
	}
}

func (p *Pool) reclaimLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.ReclaimOnce(p.ctx)
		}
	}
}

// ReclaimOnce sweeps lapsed deliveries and reports dead-lettered messages.
func (p *Pool) ReclaimOnce(ctx context.Context) {
	dead, err := p.cfg.Broker.Reclaim(ctx, p.cfg.Queue)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn(ctx, "reclaim failed", zap.String("queue", p.cfg.Queue), zap.Error(err))
		}
		return
	}
	for _, message := range dead {
		p.deadLettered(ctx, message)
	}
}

func (p *Pool) deadLettered(ctx context.Context, message *mq.Message) {
	logger.Error(ctx, "message moved to dead-letter queue",
		zap.String("queue", p.cfg.Queue),
		zap.String("message_id", message.ID),
	)
	if p.cfg.DeadLetter != nil {
		p.cfg.DeadLetter(ctx, p.cfg.Queue, message)
	}
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

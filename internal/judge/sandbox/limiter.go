package sandbox

import "context"

// slotLimiter caps concurrent executions against one executor backend.
type slotLimiter struct {
	tokens chan struct{}
}

func newSlotLimiter(size int) *slotLimiter {
	if size <= 0 {
		return nil
	}
	tokens := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		tokens <- struct{}{}
	}
	return &slotLimiter{tokens: tokens}
}

// acquire blocks until a slot is free or ctx is canceled. A nil limiter never blocks.
func (l *slotLimiter) acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.tokens:
		return nil
	}
}

func (l *slotLimiter) release() {
	if l == nil {
		return
	}
	select {
	case l.tokens <- struct{}{}:
	default:
	}
}

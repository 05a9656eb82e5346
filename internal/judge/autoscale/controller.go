package autoscale

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"codecompete/internal/common/mq"
	"codecompete/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultInterval     = 30 * time.Second
	DefaultAdviceTopic  = "judge.scaling"
	adviceKindHeaderKey = "event-kind"
)

// Target is a resizable pool bound to one queue.
type Target interface {
	Name() string
	Queue() string
	Size() int
	Resize(n int) int
}

// DepthSource reports queue depth. mq.Broker satisfies it.
type DepthSource interface {
	Stats(ctx context.Context, queue string) (mq.QueueStats, error)
}

// Capacity is the per-task resource reservation a deployment needs for one worker.
type Capacity struct {
	MemoryMiB int `yaml:"memoryMiB" json:"memory_mib"`
	CPUUnits  int `yaml:"cpuUnits" json:"cpu_units"`
}

// Advice is one scaling decision, published for the deployment layer.
type Advice struct {
	Pool     string    `json:"pool"`
	Queue    string    `json:"queue"`
	Depth    int64     `json:"depth"`
	Current  int       `json:"current"`
	Desired  int       `json:"desired"`
	Delta    int       `json:"delta"`
	Capacity Capacity  `json:"capacity"`
	At       time.Time `json:"at"`
}

// Advisor receives the non-zero scaling decisions of one control pass.
type Advisor interface {
	Advise(ctx context.Context, advice []Advice) error
}

type registration struct {
	target   Target
	policy   Policy
	capacity Capacity
}

// Controller re-evaluates every registered target on a fixed interval and applies
// the policy's delta one step at a time.
type Controller struct {
	depth    DepthSource
	advisor  Advisor
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	targets []registration
}

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Depth    DepthSource
	Advisor  Advisor
	Interval time.Duration
	Now      func() time.Time
}

// NewController creates a controller with no targets.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Depth == nil {
		return nil, fmt.Errorf("depth source is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{depth: cfg.Depth, advisor: cfg.Advisor, interval: cfg.Interval, now: cfg.Now}, nil
}

// Register adds a target governed by policy.
func (c *Controller) Register(target Target, policy Policy, capacity Capacity) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("policy for %s: %w", target.Name(), err)
	}
	c.mu.Lock()
	c.targets = append(c.targets, registration{target: target, policy: policy, capacity: capacity})
	c.mu.Unlock()
	return nil
}

// Run evaluates on every tick until ctx ends.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Evaluate(ctx)
		}
	}
}

// Evaluate runs one control pass and returns the decisions that changed a pool.
func (c *Controller) Evaluate(ctx context.Context) []Advice {
	c.mu.Lock()
	targets := append([]registration(nil), c.targets...)
	c.mu.Unlock()

	var decisions []Advice
	for _, reg := range targets {
		stats, err := c.depth.Stats(ctx, reg.target.Queue())
		if err != nil {
			logger.Warn(ctx, "observe queue depth failed",
				zap.String("queue", reg.target.Queue()), zap.Error(err))
			continue
		}
		current := reg.target.Size()
		delta := reg.policy.Delta(stats.Ready, current)
		if delta == 0 {
			continue
		}
		applied := reg.target.Resize(current + delta)
		advice := Advice{
			Pool:     reg.target.Name(),
			Queue:    reg.target.Queue(),
			Depth:    stats.Ready,
			Current:  current,
			Desired:  applied,
			Delta:    applied - current,
			Capacity: reg.capacity,
			At:       c.now(),
		}
		decisions = append(decisions, advice)
		logger.Info(ctx, "worker pool rescaled",
			zap.String("pool", advice.Pool),
			zap.Int64("depth", advice.Depth),
			zap.Int("from", current),
			zap.Int("to", applied),
		)
	}
	if c.advisor != nil && len(decisions) > 0 {
		if err := c.advisor.Advise(ctx, decisions); err != nil {
			logger.Warn(ctx, "publish scaling advice failed", zap.Int("decisions", len(decisions)), zap.Error(err))
		}
	}
	return decisions
}

// ProducerAdvisor publishes advice as JSON events keyed by pool name.
type ProducerAdvisor struct {
	producer mq.Producer
	topic    string
}

// NewProducerAdvisor creates an advisor. An empty topic uses DefaultAdviceTopic.
func NewProducerAdvisor(producer mq.Producer, topic string) *ProducerAdvisor {
	if topic == "" {
		topic = DefaultAdviceTopic
	}
	return &ProducerAdvisor{producer: producer, topic: topic}
}

// Advise implements Advisor with one batched write per pass.
func (a *ProducerAdvisor) Advise(ctx context.Context, advice []Advice) error {
	messages := make([]*mq.Message, 0, len(advice))
	for _, adv := range advice {
		payload, err := json.Marshal(adv)
		if err != nil {
			return fmt.Errorf("marshal scaling advice failed: %w", err)
		}
		message := mq.NewMessage(payload)
		message.ID = adv.Pool
		message.SetHeader(adviceKindHeaderKey, "SCALING_ADVICE")
		messages = append(messages, message)
	}
	if len(messages) == 0 {
		return nil
	}
	return a.producer.PublishBatch(ctx, a.topic, messages)
}

package autoscale

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"codecompete/internal/common/mq"
)

type fakeTarget struct {
	name  string
	queue string
	size  int
	lo    int
	hi    int
}

func (f *fakeTarget) Name() string  { return f.name }
func (f *fakeTarget) Queue() string { return f.queue }
func (f *fakeTarget) Size() int     { return f.size }
func (f *fakeTarget) Resize(n int) int {
	if n < f.lo {
		n = f.lo
	}
	if n > f.hi {
		n = f.hi
	}
	f.size = n
	return n
}

type fakeDepth struct {
	ready map[string]int64
	err   error
}

func (f *fakeDepth) Stats(ctx context.Context, queue string) (mq.QueueStats, error) {
	if f.err != nil {
		return mq.QueueStats{}, f.err
	}
	return mq.QueueStats{Queue: queue, Ready: f.ready[queue]}, nil
}

type recordingAdvisor struct {
	mu     sync.Mutex
	passes int
	advice []Advice
}

func (r *recordingAdvisor) Advise(ctx context.Context, advice []Advice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.passes++
	r.advice = append(r.advice, advice...)
	return nil
}

type fakeProducer struct {
	mu       sync.Mutex
	topic    string
	batches  int
	messages []*mq.Message
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	return f.PublishBatch(ctx, topic, []*mq.Message{message})
}

func (f *fakeProducer) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topic = topic
	f.batches++
	f.messages = append(f.messages, messages...)
	return nil
}

func TestControllerScalesEachTargetFromItsQueue(t *testing.T) {
	t.Parallel()
	java := &fakeTarget{name: "java", queue: "java-execution-queue", size: 1, lo: 1, hi: 5}
	python := &fakeTarget{name: "python", queue: "python-execution-queue", size: 3, lo: 1, hi: 5}
	depth := &fakeDepth{ready: map[string]int64{"java-execution-queue": 25}}
	advisor := &recordingAdvisor{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c, err := NewController(ControllerConfig{Depth: depth, Advisor: advisor, Now: func() time.Time { return at }})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	_ = c.Register(java, DefaultPolicy(), Capacity{MemoryMiB: 2048, CPUUnits: 1024})
	_ = c.Register(python, DefaultPolicy(), Capacity{MemoryMiB: 1024, CPUUnits: 512})

	decisions := c.Evaluate(context.Background())
	if len(decisions) != 2 {
		t.Fatalf("expected two decisions, got %+v", decisions)
	}
	if java.size != 3 || python.size != 2 {
		t.Fatalf("unexpected sizes java=%d python=%d", java.size, python.size)
	}
	if advisor.passes != 1 {
		t.Fatalf("expected one advice call per pass, got %d", advisor.passes)
	}
	first := advisor.advice[0]
	if first.Pool != "java" || first.Depth != 25 || first.Current != 1 || first.Desired != 3 ||
		first.Capacity.MemoryMiB != 2048 || !first.At.Equal(at) {
		t.Fatalf("unexpected advice %+v", first)
	}

	// A second pass keeps stepping towards the bounds one increment at a time.
	c.Evaluate(context.Background())
	if java.size != 5 || python.size != 1 {
		t.Fatalf("unexpected sizes after second pass java=%d python=%d", java.size, python.size)
	}
	if decisions := c.Evaluate(context.Background()); len(decisions) != 0 {
		t.Fatalf("pools at their bounds must not produce decisions: %+v", decisions)
	}
}

func TestControllerSkipsUnobservableQueues(t *testing.T) {
	t.Parallel()
	target := &fakeTarget{name: "cpp", queue: "cpp-execution-queue", size: 2, lo: 1, hi: 5}
	c, _ := NewController(ControllerConfig{Depth: &fakeDepth{err: errors.New("redis down")}})
	_ = c.Register(target, DefaultPolicy(), Capacity{})
	if decisions := c.Evaluate(context.Background()); len(decisions) != 0 {
		t.Fatalf("expected no decisions, got %+v", decisions)
	}
	if target.size != 2 {
		t.Fatalf("size must be unchanged, got %d", target.size)
	}
}

func TestControllerReadsBrokerDepth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	broker := mq.NewMemoryBroker(nil)
	_ = broker.DeclareQueue(ctx, mq.QueueSpec{Name: "golang-execution-queue"})
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_ = broker.Enqueue(ctx, "golang-execution-queue", &mq.Message{ID: id})
	}
	target := &fakeTarget{name: "golang", queue: "golang-execution-queue", size: 1, lo: 1, hi: 5}
	c, _ := NewController(ControllerConfig{Depth: broker})
	_ = c.Register(target, DefaultPolicy(), Capacity{})
	c.Evaluate(ctx)
	if target.size != 2 {
		t.Fatalf("expected one worker added at depth 5, got size %d", target.size)
	}
}

func TestRegisterRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()
	c, _ := NewController(ControllerConfig{Depth: &fakeDepth{}})
	if err := c.Register(&fakeTarget{name: "x"}, Policy{Min: 2, Max: 1}, Capacity{}); err == nil {
		t.Fatalf("expected invalid policy error")
	}
	if _, err := NewController(ControllerConfig{}); err == nil {
		t.Fatalf("expected missing depth source error")
	}
}

func TestProducerAdvisorPublishesJSON(t *testing.T) {
	t.Parallel()
	producer := &fakeProducer{}
	advisor := NewProducerAdvisor(producer, "")
	err := advisor.Advise(context.Background(), []Advice{
		{Pool: "java", Queue: "java-execution-queue", Desired: 3},
		{Pool: "cpp", Queue: "cpp-execution-queue", Desired: 1},
	})
	if err != nil {
		t.Fatalf("advise: %v", err)
	}
	if producer.topic != DefaultAdviceTopic || producer.batches != 1 || len(producer.messages) != 2 {
		t.Fatalf("unexpected publish topic=%s batches=%d n=%d", producer.topic, producer.batches, len(producer.messages))
	}
	msg := producer.messages[0]
	if msg.ID != "java" || msg.Headers["event-kind"] != "SCALING_ADVICE" {
		t.Fatalf("unexpected message %+v", msg)
	}
	var decoded Advice
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Desired != 3 || decoded.Queue != "java-execution-queue" {
		t.Fatalf("unexpected decoded advice %+v", decoded)
	}
}

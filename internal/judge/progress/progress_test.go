package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"codecompete/internal/judge/model"
	"codecompete/internal/judge/repository"
	appErr "codecompete/pkg/errors"
)

func i64(v int64) *int64 { return &v }

func accepted(runtime, memory int64) model.Verdict {
	return model.Verdict{Status: model.StatusAccepted, RuntimeMs: i64(runtime), MemoryKB: i64(memory)}
}

var rejected = model.Verdict{Status: model.StatusWrongAnswer}

func TestNextTransitions(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	attempted := &model.Progress{UserID: "u", QuestionID: "q", Status: model.ProgressAttempted, AttemptCount: 2, Version: 2}
	solved := &model.Progress{
		UserID: "u", QuestionID: "q", Status: model.ProgressSolved, AttemptCount: 3,
		BestRuntimeMs: i64(50), BestMemoryKB: i64(900), Version: 3,
	}

	cases := []struct {
		name        string
		prev        *model.Progress
		verdict     model.Verdict
		wantStatus  model.ProgressStatus
		wantCount   int64
		wantRuntime *int64
		wantMemory  *int64
	}{
		{"new rejected", nil, rejected, model.ProgressAttempted, 1, nil, nil},
		{"new accepted", nil, accepted(30, 400), model.ProgressSolved, 1, i64(30), i64(400)},
		{"attempted rejected", attempted, rejected, model.ProgressAttempted, 3, nil, nil},
		{"attempted accepted", attempted, accepted(70, 100), model.ProgressSolved, 3, i64(70), i64(100)},
		{"solved rejected", solved, model.Verdict{Status: model.StatusTimeLimitExceeded}, model.ProgressSolved, 4, i64(50), i64(900)},
		{"solved slower", solved, accepted(80, 1000), model.ProgressSolved, 4, i64(50), i64(900)},
		{"solved mixed", solved, accepted(80, 300), model.ProgressSolved, 4, i64(50), i64(300)},
		{"solved faster", solved, accepted(20, 950), model.ProgressSolved, 4, i64(20), i64(900)},
	}
	for _, tc := range cases {
		got := Next(tc.prev, "u", "q", tc.verdict, now)
		if got.Status != tc.wantStatus || got.AttemptCount != tc.wantCount {
			t.Fatalf("%s: got %s/%d, want %s/%d", tc.name, got.Status, got.AttemptCount, tc.wantStatus, tc.wantCount)
		}
		if !equalPtr(got.BestRuntimeMs, tc.wantRuntime) || !equalPtr(got.BestMemoryKB, tc.wantMemory) {
			t.Fatalf("%s: unexpected best metrics %v/%v", tc.name, got.BestRuntimeMs, got.BestMemoryKB)
		}
		if !got.LastAttemptAt.Equal(now) {
			t.Fatalf("%s: last attempt not stamped", tc.name)
		}
		if tc.prev != nil && got.Version != tc.prev.Version {
			t.Fatalf("%s: version must be carried for compare-and-set", tc.name)
		}
	}
	if *solved.BestRuntimeMs != 50 {
		t.Fatalf("Next must not mutate prev")
	}
}

func TestNextBestMetricsNeverIncrease(t *testing.T) {
	t.Parallel()
	var p *model.Progress
	runs := []model.Verdict{accepted(90, 500), rejected, accepted(120, 300), accepted(60, 800), accepted(100, 100)}
	var lastRuntime, lastMemory int64 = 1 << 62, 1 << 62
	for _, v := range runs {
		next := Next(p, "u", "q", v, time.Now())
		p = &next
		if p.BestRuntimeMs == nil {
			t.Fatalf("solved record lost best runtime")
		}
		if *p.BestRuntimeMs > lastRuntime || *p.BestMemoryKB > lastMemory {
			t.Fatalf("best metrics increased: %d/%d", *p.BestRuntimeMs, *p.BestMemoryKB)
		}
		lastRuntime, lastMemory = *p.BestRuntimeMs, *p.BestMemoryKB
	}
	if lastRuntime != 60 || lastMemory != 100 || p.AttemptCount != 5 {
		t.Fatalf("unexpected final progress %+v", p)
	}
}

func equalPtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// conflictStore fails the first n progress writes with ErrVersionConflict.
type conflictStore struct {
	*repository.MemoryStore
	mu        sync.Mutex
	conflicts int
	tries     int
}

func (s *conflictStore) Transact(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return s.MemoryStore.Transact(ctx, func(ctx context.Context, tx repository.Tx) error {
		return fn(ctx, &conflictTx{Tx: tx, store: s})
	})
}

type conflictTx struct {
	repository.Tx
	store *conflictStore
}

func (t *conflictTx) fail() bool {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.tries++
	if t.store.conflicts > 0 {
		t.store.conflicts--
		return true
	}
	return false
}

func (t *conflictTx) InsertProgress(ctx context.Context, p *model.Progress) error {
	if t.fail() {
		return repository.ErrVersionConflict
	}
	return t.Tx.InsertProgress(ctx, p)
}

func (t *conflictTx) UpdateProgress(ctx context.Context, p *model.Progress, expected int64) error {
	if t.fail() {
		return repository.ErrVersionConflict
	}
	return t.Tx.UpdateProgress(ctx, p, expected)
}

func newAggregator(t *testing.T, store repository.Store, retries int) *Aggregator {
	t.Helper()
	agg, err := NewAggregator(Config{Store: store, MaxRetries: retries})
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	return agg
}

func TestRecordAttemptInsertsThenUpdates(t *testing.T) {
	t.Parallel()
	store := repository.NewMemoryStore()
	agg := newAggregator(t, store, 0)
	ctx := context.Background()

	first, err := agg.RecordAttempt(ctx, "u1", "q1", accepted(40, 700))
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if first.Status != model.ProgressSolved || first.AttemptCount != 1 || first.Version != 1 {
		t.Fatalf("unexpected first progress %+v", first)
	}
	second, err := agg.RecordAttempt(ctx, "u1", "q1", accepted(90, 500))
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if second.AttemptCount != 2 || *second.BestRuntimeMs != 40 || *second.BestMemoryKB != 500 || second.Version != 2 {
		t.Fatalf("unexpected second progress %+v", second)
	}

	stored, err := agg.Get(ctx, "u1", "q1")
	if err != nil || stored.Version != 2 {
		t.Fatalf("get: %v %+v", err, stored)
	}
	if _, err := agg.Get(ctx, "u1", "other"); !appErr.Is(err, appErr.ProgressNotFound) {
		t.Fatalf("expected ProgressNotFound, got %v", err)
	}
}

func TestRecordAttemptRetriesConflicts(t *testing.T) {
	t.Parallel()
	store := &conflictStore{MemoryStore: repository.NewMemoryStore(), conflicts: 2}
	agg := newAggregator(t, store, 3)
	p, err := agg.RecordAttempt(context.Background(), "u1", "q1", rejected)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if p.AttemptCount != 1 || store.tries != 3 {
		t.Fatalf("expected success on third try, got count %d after %d tries", p.AttemptCount, store.tries)
	}
}

func TestRecordAttemptFailsLoudlyWhenRetriesExhausted(t *testing.T) {
	t.Parallel()
	store := &conflictStore{MemoryStore: repository.NewMemoryStore(), conflicts: 10}
	agg := newAggregator(t, store, 3)
	_, err := agg.RecordAttempt(context.Background(), "u1", "q1", rejected)
	if !appErr.Is(err, appErr.ProgressConflict) {
		t.Fatalf("expected ProgressConflict, got %v", err)
	}
	if !errors.Is(err, repository.ErrVersionConflict) {
		t.Fatalf("conflict cause must be preserved, got %v", err)
	}
	if store.tries != 3 {
		t.Fatalf("expected 3 tries, got %d", store.tries)
	}
}

func TestRecordAttemptHookSkipAndRollback(t *testing.T) {
	t.Parallel()
	store := repository.NewMemoryStore()
	agg := newAggregator(t, store, 0)
	ctx := context.Background()

	skip := func(ctx context.Context, tx repository.Tx) error { return ErrSkip }
	if _, err := agg.RecordAttempt(ctx, "u1", "q1", rejected, skip); !errors.Is(err, ErrSkip) {
		t.Fatalf("expected ErrSkip, got %v", err)
	}
	if _, err := store.GetProgress(ctx, "u1", "q1"); !errors.Is(err, repository.ErrProgressNotFound) {
		t.Fatalf("skipped attempt was recorded")
	}

	boom := errors.New("store down")
	failing := func(ctx context.Context, tx repository.Tx) error { return boom }
	if _, err := agg.RecordAttempt(ctx, "u1", "q1", rejected, failing); !errors.Is(err, boom) {
		t.Fatalf("expected hook error, got %v", err)
	}
}

func TestRecordAttemptConcurrentCompletions(t *testing.T) {
	t.Parallel()
	store := repository.NewMemoryStore()
	agg := newAggregator(t, store, 0)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v := rejected
			if i%2 == 0 {
				v = accepted(int64(100-i), int64(1000+i))
			}
			if _, err := agg.RecordAttempt(ctx, "u1", "q1", v); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("record: %v", err)
	}

	p, _ := store.GetProgress(ctx, "u1", "q1")
	if p.AttemptCount != n || p.Status != model.ProgressSolved {
		t.Fatalf("lost updates: %+v", p)
	}
	if *p.BestRuntimeMs != 82 || *p.BestMemoryKB != 1000 {
		t.Fatalf("unexpected best metrics %d/%d", *p.BestRuntimeMs, *p.BestMemoryKB)
	}
}

func TestRecordAttemptRejectsPendingVerdict(t *testing.T) {
	t.Parallel()
	agg := newAggregator(t, repository.NewMemoryStore(), 0)
	_, err := agg.RecordAttempt(context.Background(), "u1", "q1", model.Verdict{Status: model.StatusPending})
	if !appErr.Is(err, appErr.InvalidParams) {
		t.Fatalf("expected InvalidParams, got %v", err)
	}
}

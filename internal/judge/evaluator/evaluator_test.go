package evaluator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codecompete/internal/judge/model"
	"codecompete/internal/judge/sandbox"
	appErr "codecompete/pkg/errors"
)

type scriptedExecutor struct {
	results []sandbox.ExecResult
	err     error
	calls   []sandbox.ExecRequest
}

func (s *scriptedExecutor) Execute(ctx context.Context, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return sandbox.ExecResult{}, s.err
	}
	return s.results[len(s.calls)-1], nil
}

func fiveCaseQuestion() *model.Question {
	q := &model.Question{ID: "q1", TimeLimitMs: 1000, MemoryLimitMB: 256}
	for i := 1; i <= 5; i++ {
		q.TestCases = append(q.TestCases, model.TestCase{
			Number:         i,
			Input:          "in",
			ExpectedOutput: "ok\n",
			Hidden:         i > 3,
		})
	}
	return q
}

func ok(runtime, memory int64) sandbox.ExecResult {
	return sandbox.ExecResult{Outcome: sandbox.OutcomeOK, Stdout: "ok", RuntimeMs: runtime, MemoryKB: memory}
}

func newEvaluator(t *testing.T, exec sandbox.Executor) *Evaluator {
	t.Helper()
	ev, err := New(exec, Config{})
	if err != nil {
		t.Fatalf("new evaluator: %v", err)
	}
	return ev
}

func TestJudgeAcceptedTakesWorstCase(t *testing.T) {
	t.Parallel()
	exec := &scriptedExecutor{results: []sandbox.ExecResult{
		ok(10, 900), ok(40, 500), ok(20, 1200), ok(5, 100), ok(30, 800),
	}}
	sub := &model.Submission{ID: "s1", Language: model.LanguagePython}
	verdict, err := newEvaluator(t, exec).Judge(context.Background(), sub, fiveCaseQuestion(), "print('ok')")
	if err != nil {
		t.Fatalf("judge: %v", err)
	}
	if verdict.Status != model.StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s", verdict.Status)
	}
	if *verdict.RuntimeMs != 40 || *verdict.MemoryKB != 1200 {
		t.Fatalf("unexpected metrics: %d ms %d KB", *verdict.RuntimeMs, *verdict.MemoryKB)
	}
	if len(verdict.Results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(verdict.Results))
	}
	for _, r := range verdict.Results {
		if !r.Passed || r.SubmissionID != "s1" || r.ErrorMessage != nil {
			t.Fatalf("unexpected result %+v", r)
		}
	}
	req := exec.calls[0]
	if req.TimeLimit.Milliseconds() != 1000 || req.MemoryLimitMB != 256 || req.Language != model.LanguagePython {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestJudgeShortCircuitsOnSecondCase(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		second  sandbox.ExecResult
		status  model.SubmissionStatus
		message string
	}{
		{
			name:    "wrong answer",
			second:  sandbox.ExecResult{Outcome: sandbox.OutcomeOK, Stdout: "nope"},
			status:  model.StatusWrongAnswer,
			message: "Wrong answer",
		},
		{
			name:    "timeout",
			second:  sandbox.ExecResult{Outcome: sandbox.OutcomeTimeout, ExitCode: -1, Signal: "SIGKILL"},
			status:  model.StatusTimeLimitExceeded,
			message: "Time limit exceeded",
		},
		{
			name:    "non-zero exit",
			second:  sandbox.ExecResult{Outcome: sandbox.OutcomeOK, Stdout: "ok", ExitCode: 3},
			status:  model.StatusRuntimeError,
			message: "Runtime error: exit code 3",
		},
		{
			name:    "signal",
			second:  sandbox.ExecResult{Outcome: sandbox.OutcomeFault, ExitCode: -1, Signal: "SIGSEGV"},
			status:  model.StatusRuntimeError,
			message: "Runtime error: SIGSEGV",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			exec := &scriptedExecutor{results: []sandbox.ExecResult{ok(1, 1), tc.second, ok(1, 1)}}
			verdict, err := newEvaluator(t, exec).Judge(context.Background(),
				&model.Submission{ID: "s", Language: model.LanguageCPP}, fiveCaseQuestion(), "")
			if err != nil {
				t.Fatalf("judge: %v", err)
			}
			if verdict.Status != tc.status || verdict.ErrorMessage != tc.message {
				t.Fatalf("expected %s %q, got %s %q", tc.status, tc.message, verdict.Status, verdict.ErrorMessage)
			}
			if len(exec.calls) != 2 || len(verdict.Results) != 2 {
				t.Fatalf("expected 2 runs and 2 rows, got %d and %d", len(exec.calls), len(verdict.Results))
			}
			last := verdict.Results[1]
			if last.Passed || last.CaseNumber != 2 || last.ErrorMessage == nil || *last.ErrorMessage != tc.message {
				t.Fatalf("unexpected failing row %+v", last)
			}
			if verdict.RuntimeMs != nil || verdict.MemoryKB != nil {
				t.Fatalf("only accepted verdicts carry metrics")
			}
		})
	}
}

func TestJudgeExecutorFailure(t *testing.T) {
	t.Parallel()
	exec := &scriptedExecutor{err: errors.New("connection refused")}
	_, err := newEvaluator(t, exec).Judge(context.Background(),
		&model.Submission{ID: "s", Language: model.LanguageJava}, fiveCaseQuestion(), "")
	if !appErr.Is(err, appErr.ExecutorFailure) || !IsExecutorFailure(err) {
		t.Fatalf("expected executor failure, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = newEvaluator(t, exec).Judge(ctx, &model.Submission{ID: "s"}, fiveCaseQuestion(), "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestJudgeRejectsInvalidQuestion(t *testing.T) {
	t.Parallel()
	exec := &scriptedExecutor{}
	_, err := newEvaluator(t, exec).Judge(context.Background(), &model.Submission{ID: "s"},
		&model.Question{ID: "empty", TimeLimitMs: 1000, MemoryLimitMB: 64}, "")
	if !appErr.Is(err, appErr.TestCaseInvalid) {
		t.Fatalf("expected TestCaseInvalid, got %v", err)
	}
	if len(exec.calls) != 0 {
		t.Fatalf("executor must not run")
	}
}

func TestJudgeTruncatesStoredOutput(t *testing.T) {
	t.Parallel()
	exec := &scriptedExecutor{results: []sandbox.ExecResult{{Outcome: sandbox.OutcomeOK, Stdout: "0123456789"}}}
	ev, _ := New(exec, Config{MaxOutputBytes: 4})
	q := &model.Question{ID: "q", TimeLimitMs: 10, MemoryLimitMB: 1,
		TestCases: []model.TestCase{{Number: 1, ExpectedOutput: "0123456789"}}}
	verdict, err := ev.Judge(context.Background(), &model.Submission{ID: "s"}, q, "")
	if err != nil {
		t.Fatalf("judge: %v", err)
	}
	if verdict.Status != model.StatusAccepted || verdict.Results[0].Output != "0123" {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
}

func TestJudgeDeadlineFailsCurrentCaseAsTimeLimit(t *testing.T) {
	t.Parallel()
	var calls int
	exec := sandbox.ExecutorFunc(func(ctx context.Context, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
		calls++
		if calls == 1 {
			return ok(10, 100), nil
		}
		<-ctx.Done()
		return sandbox.ExecResult{}, ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	verdict, err := newEvaluator(t, exec).Judge(ctx, &model.Submission{ID: "s"}, fiveCaseQuestion(), "")
	if err != nil {
		t.Fatalf("judge: %v", err)
	}
	if verdict.Status != model.StatusTimeLimitExceeded || len(verdict.Results) != 2 {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
	last := verdict.Results[1]
	if last.Passed || last.ExecutionTimeMs != 1000 || last.ErrorMessage == nil || *last.ErrorMessage != msgTimeLimit {
		t.Fatalf("unexpected second case %+v", last)
	}
}

func TestJudgeUnansweredExecutorIsTimeLimit(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	exec, err := sandbox.NewPistonExecutor(sandbox.PistonConfig{
		BaseURL:        srv.URL,
		CompileTimeout: 10 * time.Millisecond,
		RequestSlack:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	q := &model.Question{ID: "q", TimeLimitMs: 50, MemoryLimitMB: 64,
		TestCases: []model.TestCase{{Number: 1, Input: "1", ExpectedOutput: "1"}}}

	verdict, err := newEvaluator(t, exec).Judge(context.Background(),
		&model.Submission{ID: "s", Language: model.LanguagePython}, q, "while True: pass")
	if err != nil {
		t.Fatalf("judge: %v", err)
	}
	if verdict.Status != model.StatusTimeLimitExceeded {
		t.Fatalf("expected TIME_LIMIT_EXCEEDED, got %+v", verdict)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"abc", 5, "abc"},
		{"héllo", 2, "h"},
		{"héllo", 3, "hé"},
		{"日本", 4, "日"},
		{"日本", 2, ""},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.max); got != tc.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestNormalizeOutput(t *testing.T) {
	t.Parallel()
	cases := []struct {
		produced string
		expected string
		match    bool
	}{
		{"1 2\n", "1 2", true},
		{"1 2  \r\n3\t\r\n\r\n", "1 2\n3", true},
		{"a\rb", "a\nb", true},
		{" 1", "1", false},
		{"1\n\n2", "1\n2", false},
		{"", "\n\n", true},
	}
	for _, tc := range cases {
		if got := OutputsMatch(tc.produced, tc.expected); got != tc.match {
			t.Fatalf("OutputsMatch(%q, %q) = %v, want %v", tc.produced, tc.expected, got, tc.match)
		}
	}
}

func TestRedactHidesHiddenCases(t *testing.T) {
	t.Parallel()
	msg := "Wrong answer"
	views := Redact([]model.TestResult{
		{CaseNumber: 1, Passed: true, Output: "visible", ExecutionTimeMs: 4, MemoryKB: 8},
		{CaseNumber: 2, Passed: false, Output: "secret", ErrorMessage: &msg, Hidden: true, ExecutionTimeMs: 9},
	})
	if len(views) != 2 {
		t.Fatalf("expected 2 views, got %d", len(views))
	}
	if views[0].Output == nil || *views[0].Output != "visible" || *views[0].ExecutionTimeMs != 4 {
		t.Fatalf("visible case must expose output: %+v", views[0])
	}
	hidden := views[1]
	if hidden.Output != nil || hidden.ExecutionTimeMs != nil || hidden.MemoryKB != nil {
		t.Fatalf("hidden case leaked data: %+v", hidden)
	}
	if hidden.Passed || hidden.ErrorMessage == nil || *hidden.ErrorMessage != msg {
		t.Fatalf("hidden case must keep pass flag and error bucket: %+v", hidden)
	}
}

// Package evaluator runs a submission against a question's test cases and produces a verdict.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"codecompete/internal/judge/model"
	"codecompete/internal/judge/sandbox"
	appErr "codecompete/pkg/errors"
	"codecompete/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMaxOutputBytes = 64 << 10

	msgTimeLimit    = "Time limit exceeded"
	msgWrongAnswer  = "Wrong answer"
	msgRuntimeError = "Runtime error"
)

// Config tunes evaluation.
type Config struct {
	// MaxOutputBytes caps the stdout stored per test result. Comparison always uses the full output.
	MaxOutputBytes int
}

// Evaluator judges submissions case by case and stops at the first failing case.
type Evaluator struct {
	exec           sandbox.Executor
	maxOutputBytes int
}

// New creates an evaluator.
func New(exec sandbox.Executor, cfg Config) (*Evaluator, error) {
	if exec == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	return &Evaluator{exec: exec, maxOutputBytes: cfg.MaxOutputBytes}, nil
}

// Judge runs code against every test case of q in order.
//
// The first case that times out, faults or mismatches decides the status and the
// remaining cases are not run. Only executed cases appear in the verdict results.
// When ctx's deadline passes, the case in progress fails as TIME_LIMIT_EXCEEDED.
// A returned error means the executor itself failed or ctx was cancelled, and nothing
// should be persisted.
func (e *Evaluator) Judge(ctx context.Context, sub *model.Submission, q *model.Question, code string) (model.Verdict, error) {
	if sub == nil {
		return model.Verdict{}, appErr.New(appErr.InvalidParams).WithMessage("submission is nil")
	}
	if err := q.Validate(); err != nil {
		return model.Verdict{}, appErr.Wrap(err, appErr.TestCaseInvalid)
	}

	limit := time.Duration(q.TimeLimitMs) * time.Millisecond
	results := make([]model.TestResult, 0, len(q.TestCases))
	var maxRuntime, maxMemory int64

	for _, tc := range q.TestCases {
		res, err := e.exec.Execute(ctx, sandbox.ExecRequest{
			Language:      sub.Language,
			Code:          code,
			Input:         tc.Input,
			TimeLimit:     limit,
			MemoryLimitMB: q.MemoryLimitMB,
		})
		if err != nil {
			switch ctxErr := ctx.Err(); {
			case errors.Is(ctxErr, context.DeadlineExceeded):
				logger.Warn(ctx, "judgment deadline reached during case", zap.Int("case", tc.Number))
				res = sandbox.ExecResult{Outcome: sandbox.OutcomeTimeout, RuntimeMs: limit.Milliseconds()}
			case ctxErr != nil:
				return model.Verdict{}, ctxErr
			default:
				return model.Verdict{}, appErr.Wrapf(err, appErr.ExecutorFailure, "execute case %d failed", tc.Number)
			}
		}

		row := model.TestResult{
			SubmissionID:    sub.ID,
			CaseNumber:      tc.Number,
			Output:          truncate(res.Stdout, e.maxOutputBytes),
			ExecutionTimeMs: res.RuntimeMs,
			MemoryKB:        res.MemoryKB,
			Hidden:          tc.Hidden,
		}

		status, msg := classify(res, tc.ExpectedOutput)
		if status != model.StatusAccepted {
			row.ErrorMessage = &msg
			results = append(results, row)
			logger.Debug(ctx, "test case failed",
				zap.Int("case", tc.Number),
				zap.String("status", string(status)),
				zap.String("outcome", string(res.Outcome)),
			)
			return model.Verdict{Status: status, ErrorMessage: msg, Results: results}, nil
		}

		row.Passed = true
		results = append(results, row)
		if res.RuntimeMs > maxRuntime {
			maxRuntime = res.RuntimeMs
		}
		if res.MemoryKB > maxMemory {
			maxMemory = res.MemoryKB
		}
	}

	return model.Verdict{
		Status:    model.StatusAccepted,
		RuntimeMs: &maxRuntime,
		MemoryKB:  &maxMemory,
		Results:   results,
	}, nil
}

// classify maps one execution onto a submission status and its error message.
// StatusAccepted means the case passed.
func classify(res sandbox.ExecResult, expected string) (model.SubmissionStatus, string) {
	switch {
	case res.Outcome == sandbox.OutcomeTimeout:
		return model.StatusTimeLimitExceeded, msgTimeLimit
	case res.Outcome == sandbox.OutcomeFault || res.ExitCode != 0:
		return model.StatusRuntimeError, runtimeErrorMessage(res)
	case !OutputsMatch(res.Stdout, expected):
		return model.StatusWrongAnswer, msgWrongAnswer
	default:
		return model.StatusAccepted, ""
	}
}

func runtimeErrorMessage(res sandbox.ExecResult) string {
	switch {
	case res.ExitCode > 0:
		return fmt.Sprintf("%s: exit code %d", msgRuntimeError, res.ExitCode)
	case res.Signal != "":
		return fmt.Sprintf("%s: %s", msgRuntimeError, res.Signal)
	default:
		return msgRuntimeError
	}
}

// OutputsMatch compares produced and expected output after NormalizeOutput.
func OutputsMatch(produced, expected string) bool {
	return NormalizeOutput(produced) == NormalizeOutput(expected)
}

// NormalizeOutput unifies line endings, drops trailing whitespace on every line
// and drops trailing blank lines. Leading whitespace is significant.
func NormalizeOutput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\f\v")
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// IsExecutorFailure reports whether err came from the executor rather than the program.
func IsExecutorFailure(err error) bool {
	return appErr.Is(err, appErr.ExecutorFailure) || errors.Is(err, context.Canceled)
}

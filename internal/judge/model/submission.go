package model

import "time"

// SubmissionStatus is the lifecycle state of a submission.
// PENDING is the only non-terminal state.
type SubmissionStatus string

const (
	StatusPending           SubmissionStatus = "PENDING"
	StatusAccepted          SubmissionStatus = "ACCEPTED"
	StatusWrongAnswer       SubmissionStatus = "WRONG_ANSWER"
	StatusTimeLimitExceeded SubmissionStatus = "TIME_LIMIT_EXCEEDED"
	StatusRuntimeError      SubmissionStatus = "RUNTIME_ERROR"
)

// IsTerminal reports whether the status is a final verdict.
func (s SubmissionStatus) IsTerminal() bool {
	switch s {
	case StatusAccepted, StatusWrongAnswer, StatusTimeLimitExceeded, StatusRuntimeError:
		return true
	}
	return false
}

// Submission is one attempt by a user at a question.
type Submission struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	QuestionID   string           `json:"question_id"`
	Language     Language         `json:"language"`
	SourceKey    string           `json:"source_key"`
	SourceHash   string           `json:"source_hash,omitempty"`
	Status       SubmissionStatus `json:"status"`
	RuntimeMs    *int64           `json:"runtime_ms,omitempty"`
	MemoryKB     *int64           `json:"memory_kb,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	JudgedAt     *time.Time       `json:"judged_at,omitempty"`
}

// TestResult records the outcome of one executed test case.
type TestResult struct {
	SubmissionID    string  `json:"submission_id"`
	CaseNumber      int     `json:"case_number"`
	Passed          bool    `json:"passed"`
	Output          string  `json:"output"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	ExecutionTimeMs int64   `json:"execution_time_ms"`
	MemoryKB        int64   `json:"memory_kb"`
	Hidden          bool    `json:"hidden"`
}

// Verdict is the outcome of judging a submission.
// RuntimeMs and MemoryKB are set only for ACCEPTED.
type Verdict struct {
	Status       SubmissionStatus `json:"status"`
	RuntimeMs    *int64           `json:"runtime_ms,omitempty"`
	MemoryKB     *int64           `json:"memory_kb,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Results      []TestResult     `json:"results"`
}

// TestResultView is the caller-facing rendering of a TestResult.
// Hidden cases carry only the pass flag and the error bucket.
type TestResultView struct {
	CaseNumber      int     `json:"case_number"`
	Passed          bool    `json:"passed"`
	Hidden          bool    `json:"hidden"`
	Output          *string `json:"output,omitempty"`
	ErrorMessage    *string `json:"error_message,omitempty"`
	ExecutionTimeMs *int64  `json:"execution_time_ms,omitempty"`
	MemoryKB        *int64  `json:"memory_kb,omitempty"`
}

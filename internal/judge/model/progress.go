package model

import "time"

// ProgressStatus is a user's standing on a question. SOLVED never reverts.
type ProgressStatus string

const (
	ProgressAttempted ProgressStatus = "ATTEMPTED"
	ProgressSolved    ProgressStatus = "SOLVED"
)

// Progress aggregates all of a user's attempts at one question.
type Progress struct {
	UserID        string         `json:"user_id"`
	QuestionID    string         `json:"question_id"`
	Status        ProgressStatus `json:"status"`
	AttemptCount  int64          `json:"attempt_count"`
	BestRuntimeMs *int64         `json:"best_runtime_ms,omitempty"`
	BestMemoryKB  *int64         `json:"best_memory_kb,omitempty"`
	LastAttemptAt time.Time      `json:"last_attempt_at"`
	// Version is the optimistic concurrency token; 0 means not stored yet.
	Version int64 `json:"version"`
}

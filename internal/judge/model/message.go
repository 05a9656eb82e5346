package model

import "time"

// JudgeMessage is the work-queue payload for one submission.
type JudgeMessage struct {
	SubmissionID string    `json:"submission_id"`
	UserID       string    `json:"user_id"`
	QuestionID   string    `json:"question_id"`
	Language     Language  `json:"language"`
	SourceKey    string    `json:"source_key"`
	SourceHash   string    `json:"source_hash,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// VerdictEvent is published once a submission reaches a terminal status.
type VerdictEvent struct {
	SubmissionID string           `json:"submission_id"`
	UserID       string           `json:"user_id"`
	QuestionID   string           `json:"question_id"`
	Language     Language         `json:"language"`
	Status       SubmissionStatus `json:"status"`
	RuntimeMs    *int64           `json:"runtime_ms,omitempty"`
	MemoryKB     *int64           `json:"memory_kb,omitempty"`
	Progress     ProgressStatus   `json:"progress,omitempty"`
	JudgedAt     time.Time        `json:"judged_at"`
}

// AlertKind classifies operator alerts.
type AlertKind string

const (
	AlertRedeliveryExhausted AlertKind = "REDELIVERY_EXHAUSTED"
	AlertProgressConflict    AlertKind = "PROGRESS_CONFLICT"
)

// AlertEvent asks an operator to look at something the pipeline gave up on.
type AlertEvent struct {
	Kind         AlertKind `json:"kind"`
	SubmissionID string    `json:"submission_id,omitempty"`
	Queue        string    `json:"queue,omitempty"`
	Detail       string    `json:"detail"`
	RaisedAt     time.Time `json:"raised_at"`
}

package repository

import (
	"context"
	"errors"
	"time"

	"codecompete/internal/judge/model"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrQuestionNotFound   = errors.New("question not found")
	ErrProgressNotFound   = errors.New("progress not found")
	// ErrVersionConflict is returned when a progress row changed since it was read.
	ErrVersionConflict = errors.New("progress version conflict")
)

// Store persists submissions, test results, questions and per-user progress.
type Store interface {
	CreateSubmission(ctx context.Context, submission *model.Submission) error
	GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error)
	// ListTestResults returns results ordered by case number.
	ListTestResults(ctx context.Context, submissionID string) ([]model.TestResult, error)
	// FailSubmission moves a PENDING submission to RUNTIME_ERROR with message.
	// It reports false when the submission was already terminal.
	FailSubmission(ctx context.Context, submissionID, message string, at time.Time) (bool, error)

	GetQuestion(ctx context.Context, questionID string) (*model.Question, error)
	GetProgress(ctx context.Context, userID, questionID string) (*model.Progress, error)

	// Transact runs fn in one transaction, committing when fn returns nil.
	Transact(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write side used while recording a judgment.
type Tx interface {
	// CompleteSubmission stores the verdict on a PENDING submission.
	// It reports false when the submission was already terminal.
	CompleteSubmission(ctx context.Context, submissionID string, verdict model.Verdict, at time.Time) (bool, error)
	InsertTestResults(ctx context.Context, results []model.TestResult) error

	// GetProgress returns nil without error when no row exists yet.
	GetProgress(ctx context.Context, userID, questionID string) (*model.Progress, error)
	// InsertProgress stores a new row at version 1. An existing row yields ErrVersionConflict.
	InsertProgress(ctx context.Context, progress *model.Progress) error
	// UpdateProgress writes progress at expectedVersion+1 only if the stored version
	// still equals expectedVersion, otherwise ErrVersionConflict.
	UpdateProgress(ctx context.Context, progress *model.Progress, expectedVersion int64) error
}

package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codecompete/internal/common/db"
	"codecompete/internal/judge/model"
	"codecompete/internal/judge/repository"
	appErr "codecompete/pkg/errors"
	"codecompete/pkg/utils/logger"

	"go.uber.org/zap"
)

const defaultMaxRetries = 5

// ErrSkip is returned by a Hook to abandon the attempt without recording it.
// RecordAttempt then returns ErrSkip itself.
var ErrSkip = errors.New("progress update skipped")

// Hook runs inside the progress transaction before the progress row is read.
// Writes made by a hook commit or roll back together with the progress update.
type Hook func(ctx context.Context, tx repository.Tx) error

// Config configures an Aggregator.
type Config struct {
	Store repository.Store
	// MaxRetries bounds compare-and-set attempts per call.
	MaxRetries int
	Now        func() time.Time
}

// Aggregator records judged attempts with optimistic concurrency per (user, question).
type Aggregator struct {
	store      repository.Store
	maxRetries int
	now        func() time.Time
}

// NewAggregator creates an aggregator.
func NewAggregator(cfg Config) (*Aggregator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{store: cfg.Store, maxRetries: cfg.MaxRetries, now: cfg.Now}, nil
}

// RecordAttempt applies verdict to the user's progress on the question.
//
// Each try is one transaction: hooks run, the row is read, Next is computed, and the
// row is inserted or updated only if its version is unchanged. A version conflict or a
// deadlock starts a fresh try. Exhausting the retries returns a ProgressConflict error.
func (a *Aggregator) RecordAttempt(ctx context.Context, userID, questionID string, verdict model.Verdict, hooks ...Hook) (*model.Progress, error) {
	if userID == "" || questionID == "" {
		return nil, appErr.ValidationError("user_id/question_id", "required")
	}
	if !verdict.Status.IsTerminal() {
		return nil, appErr.Newf(appErr.InvalidParams, "verdict status %s is not terminal", verdict.Status)
	}

	var lastErr error
	for attempt := 1; attempt <= a.maxRetries; attempt++ {
		var updated model.Progress
		err := a.store.Transact(ctx, func(ctx context.Context, tx repository.Tx) error {
			for _, hook := range hooks {
				if err := hook(ctx, tx); err != nil {
					return err
				}
			}
			prev, err := tx.GetProgress(ctx, userID, questionID)
			if err != nil {
				return err
			}
			updated = Next(prev, userID, questionID, verdict, a.now())
			if prev == nil {
				return tx.InsertProgress(ctx, &updated)
			}
			return tx.UpdateProgress(ctx, &updated, prev.Version)
		})
		switch {
		case err == nil:
			return &updated, nil
		case errors.Is(err, ErrSkip):
			return nil, ErrSkip
		case errors.Is(err, repository.ErrVersionConflict) || db.IsRetryableTxError(err):
			lastErr = err
			logger.Debug(ctx, "progress update conflicted, retrying",
				zap.String("user_id", userID),
				zap.String("question_id", questionID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		default:
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
	}

	logger.Error(ctx, "progress update retries exhausted",
		zap.String("user_id", userID),
		zap.String("question_id", questionID),
		zap.Int("retries", a.maxRetries),
		zap.Error(lastErr),
	)
	return nil, appErr.Wrapf(lastErr, appErr.ProgressConflict,
		"progress update for %s/%s conflicted %d times", userID, questionID, a.maxRetries)
}

// Get returns the stored progress for a user on a question.
func (a *Aggregator) Get(ctx context.Context, userID, questionID string) (*model.Progress, error) {
	p, err := a.store.GetProgress(ctx, userID, questionID)
	if err != nil {
		if errors.Is(err, repository.ErrProgressNotFound) {
			return nil, appErr.New(appErr.ProgressNotFound)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get progress failed")
	}
	return p, nil
}

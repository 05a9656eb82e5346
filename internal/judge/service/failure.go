package service

import (
	"context"
	"fmt"
	"time"

	"codecompete/internal/common/mq"
	"codecompete/internal/judge/model"
	appErr "codecompete/pkg/errors"
	"codecompete/pkg/utils/logger"

	"go.uber.org/zap"
)

// fail finalizes a submission that can never be judged and settles its message.
// Failed submissions are not counted as attempts.
func (s *JudgeService) fail(ctx context.Context, sub *model.Submission, reason string) error {
	changed, err := s.store.FailSubmission(ctx, sub.ID, reason, s.now())
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "mark submission failed")
	}
	if changed {
		logger.Warn(ctx, "submission failed permanently", zap.String("reason", reason))
	}
	return nil
}

// HandleDeadLetter finalizes the submission behind a message that exhausted its
// deliveries and raises an operator alert. It matches worker.DeadLetterHandler.
func (s *JudgeService) HandleDeadLetter(ctx context.Context, queue string, msg *mq.Message) {
	submissionID := ""
	if task, err := decodeTask(msg); err == nil {
		submissionID = task.SubmissionID
		ctx = logger.WithSubmission(ctx, task.SubmissionID, string(task.Language))
	} else if msg != nil {
		submissionID = msg.ID
	}

	reason := appErr.RedeliveryExceeded.Message()
	logger.Error(ctx, "judging abandoned after redelivery limit",
		zap.String("queue", queue),
		zap.String("submission_id", submissionID),
	)
	detail := reason
	if submissionID != "" {
		if err := s.finalizeDeadLetter(ctx, submissionID, reason); err != nil {
			logger.Error(ctx, "mark dead-lettered submission failed, it stays PENDING", zap.Error(err))
			detail = fmt.Sprintf("%s; finalize failed: %v", reason, err)
		}
	}
	s.alert(ctx, model.AlertEvent{
		Kind:         model.AlertRedeliveryExhausted,
		SubmissionID: submissionID,
		Queue:        queue,
		Detail:       detail,
		RaisedAt:     s.now(),
	})
}

// finalizeDeadLetter retries FailSubmission with doubling backoff. Nothing redelivers a
// dead-lettered message, so this is the only chance to take the submission out of PENDING.
func (s *JudgeService) finalizeDeadLetter(ctx context.Context, submissionID, reason string) error {
	backoff := s.finalizeBackoff
	var err error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		if _, err = s.store.FailSubmission(ctx, submissionID, reason, s.now()); err == nil {
			return nil
		}
		if attempt == finalizeAttempts {
			break
		}
		logger.Warn(ctx, "mark dead-lettered submission failed, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		backoff *= 2
	}
	return err
}

func (s *JudgeService) alert(ctx context.Context, event model.AlertEvent) {
	if err := s.publisher.PublishAlert(ctx, event); err != nil {
		logger.Error(ctx, "publish operator alert failed",
			zap.String("kind", string(event.Kind)),
			zap.Error(err),
		)
	}
}

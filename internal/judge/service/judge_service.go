package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codecompete/internal/common/mq"
	"codecompete/internal/common/storage"
	"codecompete/internal/judge/evaluator"
	"codecompete/internal/judge/model"
	"codecompete/internal/judge/progress"
	"codecompete/internal/judge/repository"
	appErr "codecompete/pkg/errors"
	"codecompete/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultMaxSourceBytes  = 256 << 10
	defaultFinalizeBackoff = 500 * time.Millisecond
	finalizeAttempts       = 3
)

// JudgeService consumes work-queue messages and turns each into one recorded judgment.
type JudgeService struct {
	store          repository.Store
	evaluator      *evaluator.Evaluator
	aggregator     *progress.Aggregator
	storage        storage.ObjectStorage
	sourceBucket   string
	publisher      repository.EventPublisher
	storageTimeout time.Duration
	judgeTimeout   time.Duration
	maxSourceBytes int64
	// finalizeBackoff is the first wait between dead-letter finalize attempts.
	finalizeBackoff time.Duration
	now             func() time.Time
}

// JudgeConfig holds JudgeService dependencies and settings.
type JudgeConfig struct {
	Store        repository.Store
	Evaluator    *evaluator.Evaluator
	Aggregator   *progress.Aggregator
	Storage      storage.ObjectStorage
	SourceBucket string
	// Publisher receives verdict events and alerts. Nil disables publishing.
	Publisher      repository.EventPublisher
	StorageTimeout time.Duration
	// JudgeTimeout bounds one evaluation across all test cases.
	JudgeTimeout   time.Duration
	MaxSourceBytes int64
	// FinalizeBackoff is the first wait before retrying a failed dead-letter finalize.
	FinalizeBackoff time.Duration
	Now             func() time.Time
}

// NewJudgeService creates a judge service.
func NewJudgeService(cfg JudgeConfig) (*JudgeService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	if cfg.Aggregator == nil {
		return nil, fmt.Errorf("progress aggregator is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.SourceBucket == "" {
		return nil, fmt.Errorf("source bucket is required")
	}
	if cfg.Publisher == nil {
		cfg.Publisher = repository.NopEventPublisher{}
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = defaultMaxSourceBytes
	}
	if cfg.FinalizeBackoff <= 0 {
		cfg.FinalizeBackoff = defaultFinalizeBackoff
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &JudgeService{
		store:          cfg.Store,
		evaluator:      cfg.Evaluator,
		aggregator:     cfg.Aggregator,
		storage:        cfg.Storage,
		sourceBucket:   cfg.SourceBucket,
		publisher:      cfg.Publisher,
		storageTimeout: cfg.StorageTimeout,
		judgeTimeout:   cfg.JudgeTimeout,
		maxSourceBytes: cfg.MaxSourceBytes,

		finalizeBackoff: cfg.FinalizeBackoff,
		now:             cfg.Now,
	}, nil
}

// Process adapts HandleMessage to a worker pool processor.
func (s *JudgeService) Process(ctx context.Context, delivery *mq.Delivery) error {
	return s.HandleMessage(ctx, delivery.Message)
}

// HandleMessage judges the submission a message refers to.
//
// A nil return means the message is settled: judged, already terminal, or failed
// permanently with the submission finalized. A returned error is an infrastructure
// fault and the message should be redelivered.
func (s *JudgeService) HandleMessage(ctx context.Context, msg *mq.Message) error {
	task, err := decodeTask(msg)
	if err != nil {
		logger.Error(ctx, "drop malformed judge message", zap.Error(err))
		return nil
	}
	ctx = logger.WithSubmission(ctx, task.SubmissionID, string(task.Language))

	sub, err := s.store.GetSubmission(ctx, task.SubmissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			logger.Error(ctx, "judge message refers to unknown submission")
			return nil
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "load submission failed")
	}
	if sub.Status.IsTerminal() {
		logger.Info(ctx, "submission already judged, skipping redelivery", zap.String("status", string(sub.Status)))
		return nil
	}

	question, err := s.store.GetQuestion(ctx, sub.QuestionID)
	if err != nil {
		if errors.Is(err, repository.ErrQuestionNotFound) {
			return s.fail(ctx, sub, "question no longer exists")
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "load question failed")
	}

	code, err := s.loadSource(ctx, sub)
	if err != nil {
		if appErr.Is(err, appErr.SourceNotFound) || appErr.Is(err, appErr.InvalidParams) || appErr.Is(err, appErr.CodeTooLarge) {
			return s.fail(ctx, sub, appErr.GetError(err).Message)
		}
		return err
	}

	judgeCtx := ctx
	if s.judgeTimeout > 0 {
		var cancel context.CancelFunc
		judgeCtx, cancel = context.WithTimeout(ctx, s.judgeTimeout)
		defer cancel()
	}
	verdict, err := s.evaluator.Judge(judgeCtx, sub, question, code)
	if err != nil {
		if appErr.Is(err, appErr.TestCaseInvalid) {
			return s.fail(ctx, sub, "question has invalid test cases")
		}
		return err
	}
	return s.record(ctx, sub, verdict)
}

// record stores the verdict, the results and the progress update in one transaction.
func (s *JudgeService) record(ctx context.Context, sub *model.Submission, verdict model.Verdict) error {
	judgedAt := s.now()
	complete := func(ctx context.Context, tx repository.Tx) error {
		done, err := tx.CompleteSubmission(ctx, sub.ID, verdict, judgedAt)
		if err != nil {
			return err
		}
		if !done {
			return progress.ErrSkip
		}
		return tx.InsertTestResults(ctx, verdict.Results)
	}

	updated, err := s.aggregator.RecordAttempt(ctx, sub.UserID, sub.QuestionID, verdict, complete)
	switch {
	case errors.Is(err, progress.ErrSkip):
		logger.Info(ctx, "submission completed concurrently, judgment discarded")
		return nil
	case appErr.Is(err, appErr.ProgressConflict):
		s.alert(ctx, model.AlertEvent{
			Kind:         model.AlertProgressConflict,
			SubmissionID: sub.ID,
			Detail:       err.Error(),
			RaisedAt:     s.now(),
		})
		return err
	case err != nil:
		return appErr.Wrapf(err, appErr.DatabaseError, "record judgment failed")
	}

	logger.Info(ctx, "submission judged",
		zap.String("status", string(verdict.Status)),
		zap.Int("cases", len(verdict.Results)),
		zap.String("progress", string(updated.Status)),
		zap.Int64("attempts", updated.AttemptCount),
	)
	event := model.VerdictEvent{
		SubmissionID: sub.ID,
		UserID:       sub.UserID,
		QuestionID:   sub.QuestionID,
		Language:     sub.Language,
		Status:       verdict.Status,
		RuntimeMs:    verdict.RuntimeMs,
		MemoryKB:     verdict.MemoryKB,
		Progress:     updated.Status,
		JudgedAt:     judgedAt,
	}
	if err := s.publisher.PublishVerdict(ctx, event); err != nil {
		logger.Warn(ctx, "publish verdict event failed", zap.Error(err))
	}
	return nil
}

func decodeTask(msg *mq.Message) (model.JudgeMessage, error) {
	var task model.JudgeMessage
	if msg == nil {
		return task, appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		return task, appErr.Wrapf(err, appErr.InvalidParams, "decode message failed")
	}
	if task.SubmissionID == "" {
		return task, appErr.New(appErr.InvalidParams).WithMessage("message missing submission id")
	}
	return task, nil
}

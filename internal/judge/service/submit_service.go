package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"codecompete/internal/common/storage"
	"codecompete/internal/judge/evaluator"
	"codecompete/internal/judge/model"
	"codecompete/internal/judge/progress"
	"codecompete/internal/judge/repository"
	"codecompete/internal/judge/router"
	appErr "codecompete/pkg/errors"
	"codecompete/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubmitInput describes a submission request. SourceKey refers to code already in object storage.
type SubmitInput struct {
	UserID     string
	QuestionID string
	Language   string
	SourceKey  string
	// SourceHash is the optional hex sha256 of the stored code, verified at judge time.
	SourceHash string
}

// SubmitConfig holds SubmitService dependencies and settings.
type SubmitConfig struct {
	Store          repository.Store
	Router         *router.Router
	Aggregator     *progress.Aggregator
	Storage        storage.ObjectStorage
	SourceBucket   string
	MaxSourceBytes int64
	StorageTimeout time.Duration
	Now            func() time.Time
	NewID          func() string
}

// SubmitService accepts submissions and answers status queries.
type SubmitService struct {
	store          repository.Store
	router         *router.Router
	aggregator     *progress.Aggregator
	storage        storage.ObjectStorage
	sourceBucket   string
	maxSourceBytes int64
	storageTimeout time.Duration
	now            func() time.Time
	newID          func() string
}

// NewSubmitService creates a submit service.
func NewSubmitService(cfg SubmitConfig) (*SubmitService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.Aggregator == nil {
		return nil, fmt.Errorf("progress aggregator is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.SourceBucket == "" {
		return nil, fmt.Errorf("source bucket is required")
	}
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = defaultMaxSourceBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &SubmitService{
		store:          cfg.Store,
		router:         cfg.Router,
		aggregator:     cfg.Aggregator,
		storage:        cfg.Storage,
		sourceBucket:   cfg.SourceBucket,
		maxSourceBytes: cfg.MaxSourceBytes,
		storageTimeout: cfg.StorageTimeout,
		now:            cfg.Now,
		newID:          cfg.NewID,
	}, nil
}

// Submit validates input, stores a PENDING submission and routes it to its language queue.
// Judging happens asynchronously; the returned submission is PENDING.
func (s *SubmitService) Submit(ctx context.Context, input SubmitInput) (*model.Submission, error) {
	lang, err := s.validateInput(input)
	if err != nil {
		return nil, err
	}
	if err := s.checkSource(ctx, input.SourceKey); err != nil {
		return nil, err
	}
	if _, err := s.store.GetQuestion(ctx, input.QuestionID); err != nil {
		if errors.Is(err, repository.ErrQuestionNotFound) {
			return nil, appErr.New(appErr.QuestionNotFound).WithDetail("question_id", input.QuestionID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load question failed")
	}

	submission := &model.Submission{
		ID:         s.newID(),
		UserID:     input.UserID,
		QuestionID: input.QuestionID,
		Language:   lang,
		SourceKey:  strings.TrimSpace(input.SourceKey),
		SourceHash: strings.ToLower(strings.TrimSpace(input.SourceHash)),
		Status:     model.StatusPending,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateSubmission(ctx, submission); err != nil {
		return nil, appErr.Wrapf(err, appErr.SubmissionCreateFailed, "create submission failed")
	}

	if err := s.router.Enqueue(ctx, submission); err != nil {
		// The row must not stay PENDING with nothing queued for it.
		reason := appErr.RedeliveryExceeded.Message()
		if _, failErr := s.store.FailSubmission(ctx, submission.ID, reason, s.now()); failErr != nil {
			logger.Error(ctx, "mark unqueued submission failed",
				zap.String("submission_id", submission.ID),
				zap.Error(failErr),
			)
		}
		return nil, err
	}
	return submission, nil
}

func (s *SubmitService) validateInput(input SubmitInput) (model.Language, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return "", appErr.ValidationError("user_id", "required")
	}
	if strings.TrimSpace(input.QuestionID) == "" {
		return "", appErr.ValidationError("question_id", "required")
	}
	lang, ok := model.ParseLanguage(input.Language)
	if !ok {
		return "", appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", input.Language)
	}
	if _, routed := s.router.Queue(lang); !routed {
		return "", appErr.Newf(appErr.LanguageNotSupported, "language %q is not enabled", lang)
	}
	if err := ValidateSourceKey(input.SourceKey); err != nil {
		return "", err
	}
	if hash := strings.TrimSpace(input.SourceHash); hash != "" && !isHexSHA256(hash) {
		return "", appErr.ValidationError("source_hash", "must be a hex sha256 digest")
	}
	return lang, nil
}

func (s *SubmitService) checkSource(ctx context.Context, key string) error {
	ctxStorage := ctx
	if s.storageTimeout > 0 {
		var cancel context.CancelFunc
		ctxStorage, cancel = context.WithTimeout(ctx, s.storageTimeout)
		defer cancel()
	}
	stat, err := s.storage.StatObject(ctxStorage, s.sourceBucket, strings.TrimSpace(key))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return appErr.New(appErr.SourceNotFound).WithDetail("source_key", key)
		}
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "stat source failed")
	}
	if stat.SizeBytes == 0 {
		return appErr.ValidationError("source_key", "source code is empty")
	}
	if stat.SizeBytes > s.maxSourceBytes {
		return appErr.New(appErr.CodeTooLarge).
			WithDetail("size_bytes", stat.SizeBytes).
			WithDetail("max_bytes", s.maxSourceBytes)
	}
	return nil
}

// GetSubmission returns one submission.
func (s *SubmitService) GetSubmission(ctx context.Context, submissionID string) (*model.Submission, error) {
	if strings.TrimSpace(submissionID) == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, appErr.New(appErr.SubmissionNotFound).WithDetail("submission_id", submissionID)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	return sub, nil
}

// GetTestResults returns the submission's executed cases with hidden cases redacted.
func (s *SubmitService) GetTestResults(ctx context.Context, submissionID string) ([]model.TestResultView, error) {
	if _, err := s.GetSubmission(ctx, submissionID); err != nil {
		return nil, err
	}
	results, err := s.store.ListTestResults(ctx, submissionID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list test results failed")
	}
	return evaluator.Redact(results), nil
}

// GetProgress returns a user's progress on a question.
func (s *SubmitService) GetProgress(ctx context.Context, userID, questionID string) (*model.Progress, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(questionID) == "" {
		return nil, appErr.ValidationError("user_id/question_id", "required")
	}
	return s.aggregator.Get(ctx, userID, questionID)
}

func isHexSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range strings.ToLower(s) {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

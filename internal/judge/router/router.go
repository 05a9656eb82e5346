// Package router routes submissions onto their language's work queue.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"codecompete/internal/common/mq"
	"codecompete/internal/judge/model"
	appErr "codecompete/pkg/errors"
	"codecompete/pkg/utils/logger"

	"go.uber.org/zap"
)

// Header keys set on every judge task message.
const (
	HeaderLanguage   = "language"
	HeaderSubmission = "submission-id"
)

// QueueSpec returns the queue declaration for a language.
func QueueSpec(lang model.Language, maxDeliveries int, visibility time.Duration) mq.QueueSpec {
	return mq.QueueSpec{
		Name:              lang.QueueName(),
		DeadLetter:        lang.DeadLetterName(),
		MaxDeliveries:     maxDeliveries,
		VisibilityTimeout: visibility,
	}
}

// Router maps each enabled language to one broker queue.
type Router struct {
	broker mq.Broker
	specs  map[model.Language]mq.QueueSpec
	now    func() time.Time
}

// New creates a router for the given queue specs. Only languages present in specs are accepted.
func New(broker mq.Broker, specs map[model.Language]mq.QueueSpec) (*Router, error) {
	if broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one language queue is required")
	}
	copied := make(map[model.Language]mq.QueueSpec, len(specs))
	for lang, spec := range specs {
		if _, ok := model.ParseLanguage(string(lang)); !ok {
			return nil, fmt.Errorf("unsupported language %q", lang)
		}
		if spec.Name == "" {
			return nil, fmt.Errorf("queue name for %s is required", lang)
		}
		copied[lang] = spec
	}
	return &Router{broker: broker, specs: copied, now: time.Now}, nil
}

// Declare declares every language queue on the broker.
func (r *Router) Declare(ctx context.Context) error {
	for _, lang := range r.Languages() {
		if err := r.broker.DeclareQueue(ctx, r.specs[lang]); err != nil {
			return fmt.Errorf("declare queue for %s failed: %w", lang, err)
		}
	}
	return nil
}

// Languages returns the routed languages in a stable order.
func (r *Router) Languages() []model.Language {
	out := make([]model.Language, 0, len(r.specs))
	for lang := range r.specs {
		out = append(out, lang)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Queue returns the queue spec for lang.
func (r *Router) Queue(lang model.Language) (mq.QueueSpec, bool) {
	spec, ok := r.specs[lang]
	return spec, ok
}

// Enqueue publishes a judge task for submission onto its language queue.
// A language without a queue is rejected with LanguageNotSupported and nothing is enqueued.
func (r *Router) Enqueue(ctx context.Context, submission *model.Submission) error {
	if submission == nil || submission.ID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	spec, ok := r.specs[submission.Language]
	if !ok {
		return appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", submission.Language)
	}

	payload, err := json.Marshal(model.JudgeMessage{
		SubmissionID: submission.ID,
		UserID:       submission.UserID,
		QuestionID:   submission.QuestionID,
		Language:     submission.Language,
		SourceKey:    submission.SourceKey,
		SourceHash:   submission.SourceHash,
		EnqueuedAt:   r.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal judge message failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = submission.ID
	message.SetHeader(HeaderLanguage, string(submission.Language))
	message.SetHeader(HeaderSubmission, submission.ID)

	if err := r.broker.Enqueue(ctx, spec.Name, message); err != nil {
		return appErr.Wrapf(err, appErr.JudgeQueueFull, "enqueue to %s failed", spec.Name)
	}
	logger.Info(ctx, "submission enqueued",
		zap.String("submission_id", submission.ID),
		zap.String("queue", spec.Name),
	)
	return nil
}

// Depth is one language queue's observed backlog.
type Depth struct {
	Language model.Language `json:"language"`
	mq.QueueStats
}

// Depths reports queue stats for every routed language.
func (r *Router) Depths(ctx context.Context) ([]Depth, error) {
	langs := r.Languages()
	out := make([]Depth, 0, len(langs))
	for _, lang := range langs {
		stats, err := r.broker.Stats(ctx, r.specs[lang].Name)
		if err != nil {
			return nil, fmt.Errorf("stats for %s failed: %w", lang, err)
		}
		out = append(out, Depth{Language: lang, QueueStats: stats})
	}
	return out, nil
}

// DeadLetters lists up to limit messages from lang's dead-letter area, oldest first.
func (r *Router) DeadLetters(ctx context.Context, lang model.Language, limit int) ([]*mq.Message, error) {
	spec, ok := r.specs[lang]
	if !ok {
		return nil, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", lang)
	}
	return r.broker.DeadLetters(ctx, spec.Name, limit)
}

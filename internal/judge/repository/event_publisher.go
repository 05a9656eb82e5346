package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"codecompete/internal/common/mq"
	"codecompete/internal/judge/model"
	appErr "codecompete/pkg/errors"
)

const (
	DefaultVerdictTopic = "judge.verdict.final"
	DefaultAlertTopic   = "judge.alerts"
)

// EventPublisher publishes judging events for downstream consumers and operators.
type EventPublisher interface {
	PublishVerdict(ctx context.Context, event model.VerdictEvent) error
	PublishAlert(ctx context.Context, alert model.AlertEvent) error
}

// MQEventPublisher publishes events through a message queue producer.
type MQEventPublisher struct {
	producer     mq.Producer
	verdictTopic string
	alertTopic   string
}

// NewMQEventPublisher creates a publisher. Empty topics fall back to the defaults.
func NewMQEventPublisher(producer mq.Producer, verdictTopic, alertTopic string) *MQEventPublisher {
	if verdictTopic == "" {
		verdictTopic = DefaultVerdictTopic
	}
	if alertTopic == "" {
		alertTopic = DefaultAlertTopic
	}
	return &MQEventPublisher{producer: producer, verdictTopic: verdictTopic, alertTopic: alertTopic}
}

// PublishVerdict publishes a final verdict keyed by submission id.
func (p *MQEventPublisher) PublishVerdict(ctx context.Context, event model.VerdictEvent) error {
	if event.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	return p.publish(ctx, p.verdictTopic, event.SubmissionID, string(event.Status), event)
}

// PublishAlert publishes an operator alert.
func (p *MQEventPublisher) PublishAlert(ctx context.Context, alert model.AlertEvent) error {
	return p.publish(ctx, p.alertTopic, alert.SubmissionID, string(alert.Kind), alert)
}

func (p *MQEventPublisher) publish(ctx context.Context, topic, key, kind string, event interface{}) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	if key != "" {
		message.ID = key
	}
	message.SetHeader("event-kind", kind)
	if err := p.producer.Publish(ctx, topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish %s event failed", kind)
	}
	return nil
}

// NopEventPublisher drops every event. It is used when no event bus is configured.
type NopEventPublisher struct{}

func (NopEventPublisher) PublishVerdict(ctx context.Context, event model.VerdictEvent) error {
	return nil
}

func (NopEventPublisher) PublishAlert(ctx context.Context, alert model.AlertEvent) error {
	return nil
}

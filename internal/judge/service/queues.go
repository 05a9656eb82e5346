package service

import (
	"context"
	"fmt"

	"codecompete/internal/common/mq"
	"codecompete/internal/judge/model"
	"codecompete/internal/judge/router"
	appErr "codecompete/pkg/errors"
)

// PoolSizer reports how many workers a language pool is running.
type PoolSizer interface {
	Size() int
	Bounds() (minSize, maxSize int)
}

// QueueStatus is the operational view of one language queue and its pool.
type QueueStatus struct {
	Language model.Language `json:"language"`
	mq.QueueStats
	Workers    int `json:"workers"`
	MinWorkers int `json:"min_workers"`
	MaxWorkers int `json:"max_workers"`
}

// QueueMonitor combines queue depths with pool sizes.
type QueueMonitor struct {
	router *router.Router
	pools  map[model.Language]PoolSizer
}

// NewQueueMonitor creates a monitor. Languages without a pool report zero workers.
func NewQueueMonitor(r *router.Router, pools map[model.Language]PoolSizer) (*QueueMonitor, error) {
	if r == nil {
		return nil, fmt.Errorf("router is required")
	}
	return &QueueMonitor{router: r, pools: pools}, nil
}

// Queues lists every routed language's backlog, dead letters and worker count.
func (m *QueueMonitor) Queues(ctx context.Context) ([]QueueStatus, error) {
	depths, err := m.router.Depths(ctx)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ServiceUnavailable, "read queue depths failed")
	}
	out := make([]QueueStatus, 0, len(depths))
	for _, d := range depths {
		status := QueueStatus{Language: d.Language, QueueStats: d.QueueStats}
		if pool, ok := m.pools[d.Language]; ok {
			status.Workers = pool.Size()
			status.MinWorkers, status.MaxWorkers = pool.Bounds()
		}
		out = append(out, status)
	}
	return out, nil
}

// DeadLetters lists up to limit dead-lettered messages for a language.
func (m *QueueMonitor) DeadLetters(ctx context.Context, lang model.Language, limit int) ([]model.JudgeMessage, error) {
	messages, err := m.router.DeadLetters(ctx, lang, limit)
	if err != nil {
		if appErr.Is(err, appErr.LanguageNotSupported) {
			return nil, err
		}
		return nil, appErr.Wrapf(err, appErr.ServiceUnavailable, "read dead letters failed")
	}
	out := make([]model.JudgeMessage, 0, len(messages))
	for _, msg := range messages {
		task, err := decodeTask(msg)
		if err != nil {
			task = model.JudgeMessage{SubmissionID: msg.ID, Language: lang}
		}
		out = append(out, task)
	}
	return out, nil
}

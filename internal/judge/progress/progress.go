// Package progress maintains each user's standing on each question.
package progress

import (
	"time"

	"codecompete/internal/judge/model"
)

// Next applies one judged attempt to prev, which is nil when the user has no record yet.
//
// Every attempt counts. An accepted verdict makes the record SOLVED and lowers the best
// runtime and best memory independently. SOLVED is never reverted by later verdicts.
// The returned value keeps prev's Version so the caller can compare-and-set.
func Next(prev *model.Progress, userID, questionID string, verdict model.Verdict, now time.Time) model.Progress {
	var next model.Progress
	if prev != nil {
		next = *prev
	} else {
		next = model.Progress{UserID: userID, QuestionID: questionID, Status: model.ProgressAttempted}
	}
	next.AttemptCount++
	next.LastAttemptAt = now

	if verdict.Status != model.StatusAccepted {
		return next
	}
	next.Status = model.ProgressSolved
	next.BestRuntimeMs = minPtr(next.BestRuntimeMs, verdict.RuntimeMs)
	next.BestMemoryKB = minPtr(next.BestMemoryKB, verdict.MemoryKB)
	return next
}

func minPtr(current, candidate *int64) *int64 {
	if candidate == nil {
		return current
	}
	if current == nil || *candidate < *current {
		v := *candidate
		return &v
	}
	return current
}

package evaluator

import "codecompete/internal/judge/model"

// Redact renders results for the submitter. Hidden cases keep only the pass flag
// and the error bucket; visible cases expose captured output and metrics.
func Redact(results []model.TestResult) []model.TestResultView {
	views := make([]model.TestResultView, 0, len(results))
	for _, r := range results {
		view := model.TestResultView{
			CaseNumber:   r.CaseNumber,
			Passed:       r.Passed,
			Hidden:       r.Hidden,
			ErrorMessage: r.ErrorMessage,
		}
		if !r.Hidden {
			output := r.Output
			runtime := r.ExecutionTimeMs
			memory := r.MemoryKB
			view.Output = &output
			view.ExecutionTimeMs = &runtime
			view.MemoryKB = &memory
		}
		views = append(views, view)
	}
	return views
}

package model

import "fmt"

// Difficulty grades a question.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "EASY"
	DifficultyMedium Difficulty = "MEDIUM"
	DifficultyHard   Difficulty = "HARD"
)

// Question is a problem definition with its ordered test cases.
type Question struct {
	ID            string     `json:"id" yaml:"id"`
	Title         string     `json:"title" yaml:"title"`
	Difficulty    Difficulty `json:"difficulty" yaml:"difficulty"`
	TestCases     []TestCase `json:"test_cases" yaml:"testCases"`
	TimeLimitMs   int64      `json:"time_limit_ms" yaml:"timeLimitMs"`
	MemoryLimitMB int64      `json:"memory_limit_mb" yaml:"memoryLimitMb"`
}

// TestCase is one input/expected-output pair. Number is 1-based and gives the run order.
type TestCase struct {
	Number         int    `json:"number" yaml:"number"`
	Input          string `json:"input" yaml:"input"`
	ExpectedOutput string `json:"expected_output" yaml:"expectedOutput"`
	Hidden         bool   `json:"hidden" yaml:"hidden"`
}

// Validate checks that the question can be judged.
func (q *Question) Validate() error {
	if q == nil {
		return fmt.Errorf("question is nil")
	}
	if len(q.TestCases) == 0 {
		return fmt.Errorf("question %s has no test cases", q.ID)
	}
	for i, tc := range q.TestCases {
		if tc.Number != i+1 {
			return fmt.Errorf("question %s: test case %d has number %d", q.ID, i+1, tc.Number)
		}
	}
	if q.TimeLimitMs <= 0 {
		return fmt.Errorf("question %s: time limit must be positive", q.ID)
	}
	if q.MemoryLimitMB <= 0 {
		return fmt.Errorf("question %s: memory limit must be positive", q.ID)
	}
	return nil
}

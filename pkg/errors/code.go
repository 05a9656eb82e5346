package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 12000-12999: Question errors
// 13000-13999: Submission & Judge errors
// 14000-14999: Progress errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	ServiceUnavailable  ErrorCode = 10007

	// Database errors (10100-10199)
	DatabaseError ErrorCode = 10100

	// Validation errors (10300-10399)
	ValidationFailed ErrorCode = 10300

	// ========== Question Errors (12000-12999) ==========

	QuestionNotFound ErrorCode = 12000
	TestCaseInvalid  ErrorCode = 12102

	// ========== Submission & Judge Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound     ErrorCode = 13000
	SubmissionCreateFailed ErrorCode = 13001
	CodeTooLarge           ErrorCode = 13002
	LanguageNotSupported   ErrorCode = 13003
	SourceNotFound         ErrorCode = 13006

	// Judge (13100-13199)
	JudgeQueueFull     ErrorCode = 13100
	JudgeSystemError   ErrorCode = 13101
	ExecutorFailure    ErrorCode = 13107
	RedeliveryExceeded ErrorCode = 13108

	// ========== Progress Errors (14000-14999) ==========

	ProgressNotFound ErrorCode = 14000
	ProgressConflict ErrorCode = 14001
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	ServiceUnavailable:  "Service temporarily unavailable",

	// Database
	DatabaseError: "Database operation failed",

	// Validation
	ValidationFailed: "Validation failed",

	// Question
	QuestionNotFound: "Question not found",
	TestCaseInvalid:  "Invalid test case format",

	// Submission
	SubmissionNotFound:     "Submission not found",
	SubmissionCreateFailed: "Failed to create submission",
	CodeTooLarge:           "Code is too large",
	LanguageNotSupported:   "Programming language not supported",
	SourceNotFound:         "Source code reference not found",

	// Judge
	JudgeQueueFull:     "Judge queue is full, please try again later",
	JudgeSystemError:   "Judge system error",
	ExecutorFailure:    "Code executor unavailable",
	RedeliveryExceeded: "judging failed, please resubmit",

	// Progress
	ProgressNotFound: "Progress not found",
	ProgressConflict: "Progress update conflict, retries exhausted",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == QuestionNotFound, c == SubmissionNotFound, c == ProgressNotFound:
		return 404
	case c == SourceNotFound:
		return 422
	case c == JudgeQueueFull:
		return 429
	case c == ServiceUnavailable, c == ExecutorFailure:
		return 503
	case c == ProgressConflict:
		return 409
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == LanguageNotSupported:
		return 400
	case c == CodeTooLarge:
		return 413
	default:
		return 500
	}
}

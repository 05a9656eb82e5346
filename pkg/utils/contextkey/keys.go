package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

// String returns the plain name, also used as the gin context key.
func (k key) String() string { return string(k) }

const (
	TraceID      key = "trace_id"
	RequestID    key = "request_id"
	UserID       key = "user_id"
	SubmissionID key = "submission_id"
	Language     key = "language"
)

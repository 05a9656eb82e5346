package errors

import (
	"fmt"
	"testing"
)

func TestGetCodeThroughWrappedChain(t *testing.T) {
	t.Parallel()
	base := New(ProgressConflict)
	wrapped := fmt.Errorf("record attempt: %w", base)
	if got := GetCode(wrapped); got != ProgressConflict {
		t.Fatalf("expected %d, got %d", ProgressConflict, got)
	}
	if !Is(wrapped, ProgressConflict) {
		t.Fatalf("expected Is to match wrapped code")
	}
	if GetCode(fmt.Errorf("plain")) != InternalServerError {
		t.Fatalf("expected plain errors to map to internal error")
	}
	if GetCode(nil) != Success {
		t.Fatalf("expected nil to map to success")
	}
}

func TestWrapKeepsMessageAndChangesCode(t *testing.T) {
	t.Parallel()
	inner := New(DatabaseError).WithMessage("insert failed")
	outer := Wrap(inner, SubmissionCreateFailed)
	if outer.Code != SubmissionCreateFailed {
		t.Fatalf("unexpected code: %d", outer.Code)
	}
	if outer.Error() != "insert failed" {
		t.Fatalf("unexpected message: %s", outer.Error())
	}
	if inner.Code != DatabaseError {
		t.Fatalf("wrap must not mutate the inner error")
	}
	if Wrap(nil, DatabaseError) != nil {
		t.Fatalf("expected nil wrap to stay nil")
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		code ErrorCode
		want int
	}{
		{Success, 200},
		{LanguageNotSupported, 400},
		{ValidationFailed, 400},
		{SubmissionNotFound, 404},
		{ProgressConflict, 409},
		{SourceNotFound, 422},
		{CodeTooLarge, 413},
		{JudgeQueueFull, 429},
		{ExecutorFailure, 503},
		{DatabaseError, 500},
	}
	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Fatalf("code %d: expected %d, got %d", tc.code, tc.want, got)
		}
	}
}

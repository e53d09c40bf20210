package tap

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestProcessingError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ProcessingError
		want string
	}{
		{
			name: "decode error with line",
			err:  NewDecodeError("/data/a.ldif", 12, errors.New("missing dn")),
			want: "[DECODE] /data/a.ldif:12: missing dn",
		},
		{
			name: "state error without line",
			err:  NewStateError("/data/a.ldif", errors.New("bad offset")),
			want: "[STATE] /data/a.ldif: bad offset",
		},
		{
			name: "configuration error",
			err:  NewConfigurationError("batch_size must be positive"),
			want: "[CONFIGURATION] batch_size must be positive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProcessingError_Is(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("wrapped: %w", NewDecodeError("a.ldif", 1, cause))

	if !errors.Is(err, ErrDecode) {
		t.Error("decode error should match ErrDecode")
	}
	if errors.Is(err, ErrConfiguration) || errors.Is(err, ErrFilter) || errors.Is(err, ErrState) {
		t.Error("decode error should not match other sentinels")
	}
	if !errors.Is(err, cause) {
		t.Error("decode error should unwrap to its cause")
	}
	if !errors.Is(NewFilterError("a.ldif", 1, cause), ErrFilter) {
		t.Error("filter error should match ErrFilter")
	}
	if out := NewOutputError("state message", cause); !errors.Is(out, ErrOutput) || errors.Is(out, ErrDecode) {
		t.Error("output error should match only ErrOutput")
	}

	var pe *ProcessingError
	if !errors.As(err, &pe) || pe.Line != 1 || pe.Timestamp.IsZero() {
		t.Errorf("errors.As() = %+v", pe)
	}
}

func TestErrorHandler_Threshold(t *testing.T) {
	eh := NewErrorHandler(discardLogger(), 2)

	for i := 1; i <= 2; i++ {
		if !eh.HandleError(NewDecodeError("a.ldif", i, errors.New("bad"))) {
			t.Fatalf("HandleError() stopped after %d errors, max is 2", i)
		}
	}
	if !eh.ShouldContinue() {
		t.Error("ShouldContinue() should be true at the threshold")
	}
	if eh.HandleError(NewDecodeError("a.ldif", 3, errors.New("bad"))) {
		t.Error("HandleError() should stop once the threshold is exceeded")
	}
	if eh.ShouldContinue() {
		t.Error("ShouldContinue() should be false past the threshold")
	}
	if got := eh.Count(ErrorTypeDecode); got != 3 {
		t.Errorf("Count(DECODE) = %d, want 3", got)
	}
}

func TestErrorHandler_FilterErrorsAreNotFatal(t *testing.T) {
	eh := NewErrorHandler(discardLogger(), 1)
	for i := 0; i < 20; i++ {
		if !eh.HandleError(NewFilterError("a.ldif", i, errors.New("unparseable dn"))) {
			t.Fatal("filter errors should never stop processing")
		}
	}
	if got := eh.Count(ErrorTypeFilter); got != 20 {
		t.Errorf("Count(FILTER) = %d, want 20", got)
	}
	if !eh.ShouldContinue() {
		t.Error("filter errors should not count toward the threshold")
	}
}

func TestErrorHandler_PlainErrorsCountAsDecode(t *testing.T) {
	eh := NewErrorHandler(nil, 0)
	eh.HandleError(errors.New("unexpected"))
	if got := eh.Count(ErrorTypeDecode); got != 1 {
		t.Errorf("Count(DECODE) = %d, want 1", got)
	}
}

func TestErrorHandler_Summary(t *testing.T) {
	eh := NewErrorHandler(discardLogger(), 10)
	empty := eh.Summary()
	if got := empty.String(); got != "No errors encountered" {
		t.Errorf("String() = %q", got)
	}

	for i := 0; i < 150; i++ {
		eh.HandleError(NewFilterError("a.ldif", i, errors.New("x")))
	}
	eh.HandleError(NewDecodeError("a.ldif", 1, errors.New("y")))

	summary := eh.Summary()
	if summary.TotalErrors != 151 {
		t.Errorf("TotalErrors = %d, want 151", summary.TotalErrors)
	}
	if len(summary.RecentErrors) != 100 {
		t.Errorf("RecentErrors = %d, want the last 100", len(summary.RecentErrors))
	}
	if last := summary.RecentErrors[len(summary.RecentErrors)-1]; last.Type != ErrorTypeDecode {
		t.Errorf("last recent error = %s, want DECODE", last.Type)
	}

	s := summary.String()
	if !strings.Contains(s, "Total errors: 151") || !strings.Contains(s, "DECODE: 1, FILTER: 150") {
		t.Errorf("String() = %q", s)
	}
}

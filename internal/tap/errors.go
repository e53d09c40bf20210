package tap

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrorType represents the categories of errors the engine reports
type ErrorType int

const (
	ErrorTypeConfiguration ErrorType = iota
	ErrorTypeDecode
	ErrorTypeFilter
	ErrorTypeState
	ErrorTypeOutput
	ErrorTypeS3
)

// String returns the string representation of ErrorType
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeConfiguration:
		return "CONFIGURATION"
	case ErrorTypeDecode:
		return "DECODE"
	case ErrorTypeFilter:
		return "FILTER"
	case ErrorTypeState:
		return "STATE"
	case ErrorTypeOutput:
		return "OUTPUT"
	case ErrorTypeS3:
		return "S3"
	default:
		return "UNKNOWN"
	}
}

// Sentinels matched by errors.Is against a ProcessingError of the same type.
var (
	ErrConfiguration      = errors.New("configuration error")
	ErrDecode             = errors.New("decode error")
	ErrFilter             = errors.New("filter error")
	ErrState              = errors.New("state error")
	ErrOutput             = errors.New("output error")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrTooManyErrors      = errors.New("decode error threshold exceeded")
)

// ProcessingError is a categorized error with file and line context.
type ProcessingError struct {
	Type      ErrorType
	Message   string
	File      string
	Line      int
	Timestamp time.Time
	Cause     error
}

// Error implements the error interface
func (pe *ProcessingError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", pe.Type)
	if pe.File != "" {
		b.WriteString(" ")
		b.WriteString(pe.File)
		if pe.Line > 0 {
			fmt.Fprintf(&b, ":%d", pe.Line)
		}
		b.WriteString(":")
	}
	b.WriteString(" ")
	b.WriteString(pe.Message)
	return b.String()
}

// Unwrap returns the underlying cause error
func (pe *ProcessingError) Unwrap() error {
	return pe.Cause
}

// Is matches the sentinel for the error's type.
func (pe *ProcessingError) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return pe.Type == ErrorTypeConfiguration
	case ErrDecode:
		return pe.Type == ErrorTypeDecode
	case ErrFilter:
		return pe.Type == ErrorTypeFilter
	case ErrState:
		return pe.Type == ErrorTypeState
	case ErrOutput:
		return pe.Type == ErrorTypeOutput
	}
	return false
}

func newError(t ErrorType, file string, line int, cause error, msg string) *ProcessingError {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &ProcessingError{
		Type:      t,
		Message:   msg,
		File:      file,
		Line:      line,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// NewConfigurationError reports an invalid configuration or input selection.
func NewConfigurationError(msg string) *ProcessingError {
	return newError(ErrorTypeConfiguration, "", 0, nil, msg)
}

// NewDecodeError reports a malformed block in file starting at line.
func NewDecodeError(file string, line int, cause error) *ProcessingError {
	return newError(ErrorTypeDecode, file, line, cause, "")
}

// NewFilterError reports a filter rule that could not be evaluated for an entry.
func NewFilterError(file string, line int, cause error) *ProcessingError {
	return newError(ErrorTypeFilter, file, line, cause, "")
}

// NewStateError reports unreadable or corrupt bookmark state.
func NewStateError(source string, cause error) *ProcessingError {
	return newError(ErrorTypeState, source, 0, cause, "")
}

// NewOutputError reports a message that could not be written downstream.
func NewOutputError(what string, cause error) *ProcessingError {
	return newError(ErrorTypeOutput, "", 0, cause, fmt.Sprintf("failed to write %s: %v", what, cause))
}

// ErrorHandler counts recoverable errors and decides when a run must stop.
// Only decode errors count toward the threshold; filter errors are never fatal.
type ErrorHandler struct {
	logger       *slog.Logger
	maxErrors    int64
	errorsByType map[ErrorType]int64
	recentErrors []ProcessingError
	maxRecent    int
	mutex        sync.RWMutex
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, maxErrors int64) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxErrors <= 0 {
		maxErrors = DefaultMaxDecodeErrors
	}

	return &ErrorHandler{
		logger:       logger.With("component", "errors"),
		maxErrors:    maxErrors,
		errorsByType: make(map[ErrorType]int64),
		maxRecent:    100,
	}
}

// HandleError records err and reports whether processing may continue.
func (eh *ErrorHandler) HandleError(err error) bool {
	var pe *ProcessingError
	if !errors.As(err, &pe) {
		pe = newError(ErrorTypeDecode, "", 0, err, "")
	}

	eh.mutex.Lock()
	defer eh.mutex.Unlock()

	eh.errorsByType[pe.Type]++
	eh.recentErrors = append(eh.recentErrors, *pe)
	if len(eh.recentErrors) > eh.maxRecent {
		eh.recentErrors = eh.recentErrors[1:]
	}

	eh.logError(pe)

	if pe.Type != ErrorTypeDecode {
		return true
	}
	shouldContinue := eh.errorsByType[ErrorTypeDecode] <= eh.maxErrors
	if !shouldContinue {
		eh.logger.Error("Maximum decode error count reached, stopping.", "max_errors", eh.maxErrors)
	}
	return shouldContinue
}

// logError logs frequent error types less often as their count grows.
func (eh *ErrorHandler) logError(pe *ProcessingError) {
	count := eh.errorsByType[pe.Type]
	if count <= 10 || count%100 == 0 {
		eh.logger.Warn("Skipping malformed input.",
			"type", pe.Type.String(), "file", pe.File, "line", pe.Line, "error", pe.Message, "total", count)
	}
}

// Count returns the number of errors recorded for errorType
func (eh *ErrorHandler) Count(errorType ErrorType) int64 {
	eh.mutex.RLock()
	defer eh.mutex.RUnlock()
	return eh.errorsByType[errorType]
}

// ShouldContinue reports whether the decode error threshold has not been exceeded
func (eh *ErrorHandler) ShouldContinue() bool {
	eh.mutex.RLock()
	defer eh.mutex.RUnlock()
	return eh.errorsByType[ErrorTypeDecode] <= eh.maxErrors
}

// Summary returns a snapshot of the recorded errors.
func (eh *ErrorHandler) Summary() ErrorSummary {
	eh.mutex.RLock()
	defer eh.mutex.RUnlock()

	summary := ErrorSummary{
		ErrorsByType: make(map[ErrorType]int64, len(eh.errorsByType)),
		RecentErrors: make([]ProcessingError, len(eh.recentErrors)),
	}
	for t, n := range eh.errorsByType {
		summary.ErrorsByType[t] = n
		summary.TotalErrors += n
	}
	copy(summary.RecentErrors, eh.recentErrors)
	return summary
}

// ErrorSummary provides a summary of errors encountered during a run
type ErrorSummary struct {
	TotalErrors  int64
	ErrorsByType map[ErrorType]int64
	RecentErrors []ProcessingError
}

// String returns a string representation of the error summary
func (es *ErrorSummary) String() string {
	if es.TotalErrors == 0 {
		return "No errors encountered"
	}

	types := make([]ErrorType, 0, len(es.ErrorsByType))
	for t := range es.ErrorsByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	var breakdown []string
	for _, t := range types {
		if n := es.ErrorsByType[t]; n > 0 {
			breakdown = append(breakdown, fmt.Sprintf("%s: %d", t, n))
		}
	}
	return fmt.Sprintf("Total errors: %d; Breakdown: %s", es.TotalErrors, strings.Join(breakdown, ", "))
}

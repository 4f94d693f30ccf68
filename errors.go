package feedsync

import (
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeCapability    ErrorType = "capability"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeBatch         ErrorType = "batch"
	ErrorTypeSubmission    ErrorType = "submission"
	ErrorTypeLock          ErrorType = "lock"
	ErrorTypeInternal      ErrorType = "internal"
)

// FeedError represents unified errors raised by the sync engine
type FeedError struct {
	Type    ErrorType      `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Feed    string         `json:"feed,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FeedError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
	if e.Feed != "" {
		msg = fmt.Sprintf("[%s:%s] feed %s: %s", e.Type, e.Code, e.Feed, e.Message)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *FeedError) Unwrap() error {
	return e.Cause
}

// Is matches another FeedError by code, so errors.Is works against the sentinel values below.
func (e *FeedError) Is(target error) bool {
	t, ok := target.(*FeedError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail adds a single detail to a FeedError
func (e *FeedError) WithDetail(key string, value any) *FeedError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause adds a cause to a FeedError
func (e *FeedError) WithCause(cause error) *FeedError {
	e.Cause = cause
	return e
}

// WithFeed adds feed context to a FeedError
func (e *FeedError) WithFeed(feed string) *FeedError {
	e.Feed = feed
	return e
}

const (
	ErrCodeInvalidMetadata        = "INVALID_METADATA"
	ErrCodeResolutionNotSupported = "RESOLUTION_NOT_SUPPORTED"
	ErrCodeProviderNotRegistered  = "PROVIDER_NOT_REGISTERED"
	ErrCodeFeedNotRegistered      = "FEED_NOT_REGISTERED"
	ErrCodeStorageFailed          = "STORAGE_FAILED"
	ErrCodeBatchFailed            = "BATCH_FAILED"
	ErrCodeSerializationFailed    = "SERIALIZATION_FAILED"
	ErrCodePayloadInvalid         = "PAYLOAD_INVALID"
	ErrCodeIdentitySaveFailed     = "IDENTITY_SAVE_FAILED"
	ErrCodeLockNotAcquired        = "LOCK_NOT_ACQUIRED"
	ErrCodeLockFailed             = "LOCK_FAILED"
	ErrCodeSubmissionFailed       = "SUBMISSION_FAILED"
	ErrCodeCircuitOpen            = "CIRCUIT_OPEN"
	ErrCodeInternalError          = "INTERNAL_ERROR"
)

// Sentinels for errors.Is checks. Match on code only.
var (
	ErrResolutionNotSupported = &FeedError{Type: ErrorTypeCapability, Code: ErrCodeResolutionNotSupported}
	ErrProviderNotRegistered  = &FeedError{Type: ErrorTypeConfiguration, Code: ErrCodeProviderNotRegistered}
	ErrFeedNotRegistered      = &FeedError{Type: ErrorTypeConfiguration, Code: ErrCodeFeedNotRegistered}
	ErrLockNotAcquired        = &FeedError{Type: ErrorTypeLock, Code: ErrCodeLockNotAcquired}
	ErrCircuitOpen            = &FeedError{Type: ErrorTypeSubmission, Code: ErrCodeCircuitOpen}
)

// NewFeedError creates a new FeedError
func NewFeedError(errorType ErrorType, code, message string) *FeedError {
	return &FeedError{
		Type:    errorType,
		Code:    code,
		Message: message,
		Details: make(map[string]any),
	}
}

// NewMetadataError creates a configuration error for an invalid feed definition
func NewMetadataError(feed, message string) *FeedError {
	return &FeedError{
		Type:    ErrorTypeConfiguration,
		Code:    ErrCodeInvalidMetadata,
		Message: message,
		Feed:    feed,
		Details: make(map[string]any),
	}
}

// NewResolutionNotSupportedError reports a resolver asked for a mode it cannot serve
func NewResolutionNotSupportedError(provider, mode string) *FeedError {
	return &FeedError{
		Type:    ErrorTypeCapability,
		Code:    ErrCodeResolutionNotSupported,
		Message: fmt.Sprintf("provider %s does not support %s resolution", provider, mode),
		Details: map[string]any{
			"provider": provider,
			"mode":     mode,
		},
	}
}

// NewProviderNotRegisteredError reports an unknown feed name at provider lookup
func NewProviderNotRegisteredError(feed string) *FeedError {
	return &FeedError{
		Type:    ErrorTypeConfiguration,
		Code:    ErrCodeProviderNotRegistered,
		Message: "no entity ids provider registered",
		Feed:    feed,
		Details: make(map[string]any),
	}
}

// NewFeedNotRegisteredError reports an unknown feed name
func NewFeedNotRegisteredError(feed string) *FeedError {
	return &FeedError{
		Type:    ErrorTypeConfiguration,
		Code:    ErrCodeFeedNotRegistered,
		Message: "feed is not registered",
		Feed:    feed,
		Details: make(map[string]any),
	}
}

// NewStorageError wraps a failed database interaction
func NewStorageError(message string, cause error) *FeedError {
	return &FeedError{
		Type:    ErrorTypeStorage,
		Code:    ErrCodeStorageFailed,
		Message: message,
		Cause:   cause,
		Details: make(map[string]any),
	}
}

// NewLockNotAcquiredError reports a feed already locked by another process
func NewLockNotAcquiredError(feed, holder string) *FeedError {
	msg := "feed is locked by another process"
	if holder != "" {
		msg = "feed is locked by " + holder
	}
	return &FeedError{
		Type:    ErrorTypeLock,
		Code:    ErrCodeLockNotAcquired,
		Message: msg,
		Feed:    feed,
		Details: make(map[string]any),
	}
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *FeedError {
	return &FeedError{
		Type:    ErrorTypeInternal,
		Code:    ErrCodeInternalError,
		Message: message,
		Cause:   cause,
		Details: make(map[string]any),
	}
}

// IdentitySaveError is returned when uuid generation keeps colliding past the attempt limit.
// Assignments committed before the failure remain in place.
type IdentitySaveError struct {
	Type       string   `json:"type"`
	EntityIDs  []int64  `json:"entity_ids"`
	Duplicates []string `json:"duplicates"`
	Attempts   int      `json:"attempts"`
}

func (e *IdentitySaveError) Error() string {
	ids := make([]string, len(e.EntityIDs))
	for i, id := range e.EntityIDs {
		ids[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("cannot save uuids for type %q after %d attempts: entity ids [%s], duplicate uuids [%s]",
		e.Type, e.Attempts, strings.Join(ids, ", "), strings.Join(e.Duplicates, ", "))
}

// BatchFailure records one failed batch of a reindex run.
type BatchFailure struct {
	Index     int     `json:"index"`
	EntityIDs []int64 `json:"entity_ids"`
	Code      string  `json:"code"`
	Cause     error   `json:"-"`
}

func (f *BatchFailure) Error() string {
	first, last := int64(0), int64(0)
	if len(f.EntityIDs) > 0 {
		first, last = f.EntityIDs[0], f.EntityIDs[len(f.EntityIDs)-1]
	}
	return fmt.Sprintf("[%s] batch %d (ids %d..%d): %v", f.Code, f.Index, first, last, f.Cause)
}

func (f *BatchFailure) Unwrap() error {
	return f.Cause
}

// BatchErrors represents errors from batch operations with statistics
type BatchErrors struct {
	Feed         string          `json:"feed"`
	Errors       []*BatchFailure `json:"errors"`
	SuccessCount int             `json:"success_count"`
	FailureCount int             `json:"failure_count"`
	TotalCount   int             `json:"total_count"`
}

// NewBatchErrors creates a new BatchErrors instance
func NewBatchErrors(feed string) *BatchErrors {
	return &BatchErrors{
		Feed:   feed,
		Errors: make([]*BatchFailure, 0),
	}
}

// Error implements the error interface for BatchErrors
func (be *BatchErrors) Error() string {
	if len(be.Errors) == 0 {
		return "no batch errors"
	}
	if len(be.Errors) == 1 {
		return fmt.Sprintf("feed %s: batch failed: %s (success: %d/%d)",
			be.Feed, be.Errors[0].Error(), be.SuccessCount, be.TotalCount)
	}
	return fmt.Sprintf("feed %s: %d batches failed (success: %d/%d, failures: %d/%d)",
		be.Feed, len(be.Errors), be.SuccessCount, be.TotalCount, be.FailureCount, be.TotalCount)
}

// Unwrap exposes the individual batch failures to errors.Is and errors.As.
func (be *BatchErrors) Unwrap() []error {
	errs := make([]error, len(be.Errors))
	for i, e := range be.Errors {
		errs[i] = e
	}
	return errs
}

// Add records a failed batch
func (be *BatchErrors) Add(failure *BatchFailure) {
	be.Errors = append(be.Errors, failure)
	be.FailureCount++
	be.TotalCount++
}

// AddSuccess records a committed batch
func (be *BatchErrors) AddSuccess() {
	be.SuccessCount++
	be.TotalCount++
}

// HasErrors returns true if there are any errors
func (be *BatchErrors) HasErrors() bool {
	return len(be.Errors) > 0
}

// ToError returns the BatchErrors as an error if there are any errors, nil otherwise
func (be *BatchErrors) ToError() error {
	if be.HasErrors() {
		return be
	}
	return nil
}

// HasPartialSuccess returns true if some batches succeeded and some failed
func (be *BatchErrors) HasPartialSuccess() bool {
	return be.SuccessCount > 0 && be.FailureCount > 0
}

// GetErrorSummary returns a summary of errors by code with counts
func (be *BatchErrors) GetErrorSummary() map[string]int {
	summary := make(map[string]int)
	for _, err := range be.Errors {
		summary[err.Code]++
	}
	return summary
}

// GetDetailedReport returns a detailed error report for logging/debugging
func (be *BatchErrors) GetDetailedReport() string {
	if !be.HasErrors() {
		return fmt.Sprintf("feed %s: all %d batches committed", be.Feed, be.TotalCount)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "feed %s: %d/%d batches committed, %d/%d failed\n",
		be.Feed, be.SuccessCount, be.TotalCount, be.FailureCount, be.TotalCount)

	summary := be.GetErrorSummary()
	codes := make([]string, 0, len(summary))
	for code := range summary {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	b.WriteString("Error Summary:\n")
	for _, code := range codes {
		fmt.Fprintf(&b, "  %s: %d batches\n", code, summary[code])
	}
	b.WriteString("Failed Batches:\n")
	for _, err := range be.Errors {
		fmt.Fprintf(&b, "  %s\n", err.Error())
	}
	return b.String()
}

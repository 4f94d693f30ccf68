package feedsync

import (
	"fmt"
	"net/http"
)

// ExportStatusCode is the status recorded on a feed row after a submission attempt.
// Positive values are HTTP statuses returned by the downstream pipeline.
type ExportStatusCode int

const (
	// StatusApplicationError means the row was never sent because of a local failure.
	StatusApplicationError ExportStatusCode = 0
	// StatusFailedItemError means the request succeeded but the downstream rejected some items.
	StatusFailedItemError ExportStatusCode = 1
	// StatusSubmitSkipped means the submission was intentionally not attempted.
	StatusSubmitSkipped ExportStatusCode = -1

	StatusSuccess    ExportStatusCode = http.StatusOK
	StatusBadRequest ExportStatusCode = http.StatusBadRequest
)

func (c ExportStatusCode) String() string {
	switch c {
	case StatusApplicationError:
		return "APPLICATION_ERROR"
	case StatusFailedItemError:
		return "FAILED_ITEM_ERROR"
	case StatusSubmitSkipped:
		return "FEED_SUBMIT_SKIPPED"
	}
	if text := http.StatusText(int(c)); text != "" {
		return fmt.Sprintf("%d %s", int(c), text)
	}
	return fmt.Sprintf("%d", int(c))
}

// IsSent reports whether a request actually reached the downstream pipeline.
func (c ExportStatusCode) IsSent() bool {
	return c != StatusApplicationError && c != StatusSubmitSkipped
}

// IsSuccess reports a fully accepted submission.
func (c ExportStatusCode) IsSuccess() bool {
	return c == StatusSuccess
}

// IsRetryable reports whether a row with this status should be submitted again.
// Success, bad request and skipped rows are final; everything else is retried.
func (c ExportStatusCode) IsRetryable() bool {
	switch c {
	case StatusSuccess, StatusBadRequest, StatusSubmitSkipped:
		return false
	}
	return true
}

// FinalStatusCodes are the stored codes the submitter never picks up again.
var FinalStatusCodes = []ExportStatusCode{StatusSuccess, StatusBadRequest, StatusSubmitSkipped}

// ExportStatus is the classified outcome of one submission.
type ExportStatus struct {
	Code        ExportStatusCode `json:"code"`
	Reason      string           `json:"reason,omitempty"`
	FailedItems []int            `json:"failed_items,omitempty"`
}

func (s ExportStatus) IsSuccess() bool   { return s.Code.IsSuccess() }
func (s ExportStatus) IsSent() bool      { return s.Code.IsSent() }
func (s ExportStatus) IsRetryable() bool { return s.Code.IsRetryable() }

func (s ExportStatus) String() string {
	if s.Reason == "" {
		return s.Code.String()
	}
	return s.Code.String() + ": " + s.Reason
}

// PublishOutcome is what a transport reports about one submission attempt.
type PublishOutcome struct {
	// HTTPStatus is the downstream status, zero when no response was received.
	HTTPStatus int
	// FailedItems are the indexes of rejected items inside an otherwise accepted request.
	FailedItems []int
	// Skipped marks an attempt that was intentionally not made.
	Skipped bool
	// Err is the transport or local error, if any.
	Err error
}

// StatusProvider converts a publish outcome into the export status stored on feed rows.
type StatusProvider struct{}

// Classify maps the outcome onto an ExportStatus.
func (StatusProvider) Classify(outcome PublishOutcome) ExportStatus {
	switch {
	case outcome.Skipped:
		return ExportStatus{Code: StatusSubmitSkipped, Reason: reasonOf(outcome.Err, "submission skipped")}
	case outcome.HTTPStatus == 0:
		return ExportStatus{Code: StatusApplicationError, Reason: reasonOf(outcome.Err, "no response")}
	case outcome.HTTPStatus == http.StatusOK && len(outcome.FailedItems) > 0:
		return ExportStatus{
			Code:        StatusFailedItemError,
			Reason:      fmt.Sprintf("%d items rejected", len(outcome.FailedItems)),
			FailedItems: append([]int(nil), outcome.FailedItems...),
		}
	case outcome.HTTPStatus == http.StatusOK:
		return ExportStatus{Code: StatusSuccess}
	default:
		return ExportStatus{
			Code:   ExportStatusCode(outcome.HTTPStatus),
			Reason: reasonOf(outcome.Err, http.StatusText(outcome.HTTPStatus)),
		}
	}
}

func reasonOf(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

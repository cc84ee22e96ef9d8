package model

import (
	"fmt"
	"strings"
)

// Error codes reported to API clients.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeValidation      = "VALIDATION_FAILED"
	CodeUpstream        = "UPSTREAM_FAILED"
	CodeAssetProcessing = "ASSET_PROCESSING_FAILED"
	CodeImmutable       = "IMMUTABLE_RESOURCE"
)

type NotFoundError struct {
	ResourceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("theme %q not found", e.ResourceID)
}

func (e *NotFoundError) Code() string { return CodeNotFound }

// ValidationError reports a candidate theme that failed the structural
// check. MissingFields lists absent keys, components as "components.<key>".
type ValidationError struct {
	Reason        string
	MissingFields []string
	Cause         error
}

func (e *ValidationError) Error() string {
	if len(e.MissingFields) == 0 {
		return e.Reason
	}
	return e.Reason + ": missing " + strings.Join(e.MissingFields, ", ")
}

func (e *ValidationError) Unwrap() error { return e.Cause }

func (e *ValidationError) Code() string { return CodeValidation }

// UpstreamError reports a failed design-document fetch. SourceStatus is the
// upstream HTTP status, or 0 when no response was received.
type UpstreamError struct {
	SourceStatus int
	Message      string
	Cause        error
}

func (e *UpstreamError) Error() string {
	if e.SourceStatus > 0 {
		return fmt.Sprintf("design source returned %d: %s", e.SourceStatus, e.Message)
	}
	return "design source unavailable: " + e.Message
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

func (e *UpstreamError) Code() string { return CodeUpstream }

type AssetProcessingError struct {
	URL   string
	Cause error
}

func (e *AssetProcessingError) Error() string {
	return fmt.Sprintf("failed to process image asset %s", e.URL)
}

func (e *AssetProcessingError) Unwrap() error { return e.Cause }

func (e *AssetProcessingError) Code() string { return CodeAssetProcessing }

type ImmutableResourceError struct {
	ResourceID string
	Reason     string
}

func (e *ImmutableResourceError) Error() string {
	return fmt.Sprintf("theme %q cannot be modified: %s", e.ResourceID, e.Reason)
}

func (e *ImmutableResourceError) Code() string { return CodeImmutable }

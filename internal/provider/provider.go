// Package provider adapts the generic generation request to each vendor's
// API and normalizes the vendors' heterogeneous responses back into one
// result shape.
package provider

import (
	"context"
	"strings"
	"time"

	"github.com/nivara-ai/museflow/internal/apierr"
)

// Kind is the generation medium
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Request is the vendor-agnostic generation request. Numeric ranges are
// untrusted client input; adapters clamp them before submission.
type Request struct {
	Prompt          string
	Kind            Kind
	ReferenceImages []string
	DurationSeconds int
	AspectRatio     string
	Resolution      string
}

// Result is a normalized success outcome
type Result struct {
	Provider string
	URL      string
}

// Handle identifies an asynchronous vendor job. FetchURLs lists the
// equivalent status endpoints to try per polling attempt; the first
// reachable one wins.
type Handle struct {
	Provider  string
	JobID     string
	FetchURLs []string
}

// Submission is the outcome of Submit: either an immediate result
// (synchronous vendors) or a handle to poll (asynchronous vendors)
type Submission struct {
	Result *Result
	Handle *Handle
}

// StatusKind is the coarse state reported by FetchStatus
type StatusKind string

const (
	StatusPending StatusKind = "pending"
	StatusDone    StatusKind = "done"
	StatusFailed  StatusKind = "failed"
	StatusExpired StatusKind = "expired"
)

// Status is a normalized poll outcome. Failure is a returned value, not
// an exception escape: Code carries the classification the orchestrator's
// fallback policy depends on.
type Status struct {
	Kind    StatusKind
	URL     string
	Code    apierr.Code
	Message string
}

// Err converts a failed or expired status into its APIError
func (s *Status) Err(provider string) *apierr.APIError {
	switch {
	case s == nil:
		return apierr.NewProviderFailed(provider, "missing status")
	case s.Code == apierr.CodeContentBlocked:
		return apierr.NewContentBlocked(provider, s.Message)
	case s.Code == apierr.CodeProviderProcessingTimeout:
		return &apierr.APIError{
			Code:       apierr.CodeProviderProcessingTimeout,
			Message:    s.Message,
			HTTPStatus: 504,
		}
	default:
		return apierr.NewProviderFailed(provider, s.Message)
	}
}

// Adapter translates generic requests into one vendor's API calls
type Adapter interface {
	Name() string
	Kind() Kind
	Submit(ctx context.Context, req *Request) (*Submission, error)
	FetchStatus(ctx context.Context, handle *Handle) (*Status, error)
	// Polling returns the adapter's poll interval and attempt budget
	Polling() (time.Duration, int)
}

// moderationKeywords are matched case-insensitively against vendor status
// and message text to classify a failure as CONTENT_BLOCKED
var moderationKeywords = []string{
	"moderat",
	"safety",
	"policy",
	"nsfw",
	"flagged",
	"sensitive",
	"violat",
	"inappropriate",
	"blocked",
}

// IsModerationText reports whether vendor text indicates a content policy
// rejection rather than a generic failure
func IsModerationText(parts ...string) bool {
	for _, part := range parts {
		lower := strings.ToLower(part)
		for _, keyword := range moderationKeywords {
			if strings.Contains(lower, keyword) {
				return true
			}
		}
	}
	return false
}

// ClassifyFailure builds a failed Status from vendor status/message text,
// distinguishing moderation rejections from generic provider failures
func ClassifyFailure(vendorStatus, message string) *Status {
	code := apierr.CodeProviderFailed
	if IsModerationText(vendorStatus, message) {
		code = apierr.CodeContentBlocked
	}
	text := message
	if text == "" {
		text = vendorStatus
	}
	return &Status{Kind: StatusFailed, Code: code, Message: text}
}

// clampDuration bounds a client-supplied duration to [1, 15] seconds
func clampDuration(seconds int) int {
	if seconds < 1 {
		return 1
	}
	if seconds > 15 {
		return 15
	}
	return seconds
}

// pickAllowed returns value when it is in the allow-list, otherwise the
// safe default; out-of-list input never fails the whole request
func pickAllowed(value, fallback string, allowed []string) string {
	for _, candidate := range allowed {
		if value == candidate {
			return value
		}
	}
	return fallback
}

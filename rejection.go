package admission

import (
	"time"

	"github.com/nhalm/admission/limiter"
)

// CodeRateLimitExceeded is the machine-readable code carried by every
// quota rejection body.
const CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"

// DefaultMessage is used when no per-pipeline message is configured.
const DefaultMessage = "Too many requests, please try again later."

// QuotaExceededError is the one user-visible failure of the admission
// pipeline: Handler surfaces it as HTTP 429 and Pipeline.Check returns it to
// non-middleware call sites. Every other fault (store outage, tier lookup
// failure) is absorbed by the failure-policy table and never reaches the
// caller.
type QuotaExceededError struct {
	Message string
	Status  limiter.QuotaStatus
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	return e.Message
}

// rejectionBody is the structured payload of every quota-exceeded response.
// The shape is part of the public API contract: conforming clients parse the
// error code and back off for Retry-After seconds.
type rejectionBody struct {
	Success bool            `json:"success"`
	Error   rejectionDetail `json:"error"`
}

type rejectionDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func newRejectionBody(message string, now time.Time) rejectionBody {
	return rejectionBody{
		Error: rejectionDetail{
			Code:      CodeRateLimitExceeded,
			Message:   message,
			Timestamp: now.UTC().Format(time.RFC3339),
		},
	}
}

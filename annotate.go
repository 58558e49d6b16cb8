package admission

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/nhalm/admission/limiter"
)

// annotator writes standardized quota-status headers and the rejection
// payload. Header writes cannot fail in net/http; body encode failures are
// swallowed because nothing structured can be sent at that point and an
// admission decision must never turn into a 5xx.
type annotator struct {
	standard bool // X-RateLimit-*
	legacy   bool // X-Rate-Limit-*
}

func (a annotator) annotate(w http.ResponseWriter, s limiter.QuotaStatus) {
	// Policy rejections carry no quota projection; zeroed headers would
	// misreport the limit and reset time.
	if s.Limit <= 0 {
		return
	}

	limit := strconv.FormatInt(s.Limit, 10)
	remaining := strconv.FormatInt(max(0, s.Remaining), 10)
	reset := strconv.FormatInt(s.ResetAt.Unix(), 10)

	if a.standard {
		w.Header().Set("X-RateLimit-Limit", limit)
		w.Header().Set("X-RateLimit-Remaining", remaining)
		w.Header().Set("X-RateLimit-Reset", reset)
	}
	if a.legacy {
		w.Header().Set("X-Rate-Limit-Limit", limit)
		w.Header().Set("X-Rate-Limit-Remaining", remaining)
		w.Header().Set("X-Rate-Limit-Reset", reset)
	}
}

func (a annotator) reject(w http.ResponseWriter, message string, s limiter.QuotaStatus) {
	a.annotate(w, s)

	retryAfter := s.RetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	w.Header().Set("Retry-After", strconv.FormatInt(int64(retryAfter/time.Second), 10))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(newRejectionBody(message, time.Now()))
}
